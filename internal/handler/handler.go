// File: internal/handler/handler.go

// Package handler is the download entry point: it decides whether a request
// takes the browser-rendered path or the plain HTTP fallback, owns the
// browser process manager and the context pool, and bridges page session
// snapshots back into crawler responses.
package handler

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/crowhurst/pagebridge/api/schemas"
	"github.com/crowhurst/pagebridge/internal/browser"
	"github.com/crowhurst/pagebridge/internal/config"
)

// Handler is the browser-rendered download handler. Its lifecycle is Open,
// any number of concurrent Downloads, Close.
type Handler struct {
	cfg      *config.Config
	logger   *zap.Logger
	counters *browser.Counters
	fallback *http.Client

	mu      sync.Mutex
	opened  bool
	closed  bool
	manager *browser.Manager
	pool    *browser.Pool
}

// New builds a handler. Nothing launches until Open.
func New(cfg *config.Config, logger *zap.Logger) *Handler {
	return &Handler{
		cfg:      cfg,
		logger:   logger.Named("handler"),
		counters: browser.NewCounters(),
		fallback: newFallbackClient(cfg),
	}
}

// Open prepares the handler for downloads. The browser process itself stays
// unlaunched until the first request that needs it.
func (h *Handler) Open(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return schemas.ErrHandlerClosed
	}
	if h.opened {
		return nil
	}
	h.manager = browser.NewManager(h.cfg, h.logger)
	h.opened = true
	h.logger.Info("Download handler open.",
		zap.String("browser_kind", h.cfg.BrowserCfg.Kind),
		zap.Bool("browser_always", h.cfg.BrowserCfg.Always))
	return nil
}

// ensurePool launches the configured browser on first need and builds the
// context pool on top of it.
func (h *Handler) ensurePool(ctx context.Context) (*browser.Pool, error) {
	h.mu.Lock()
	if h.closed || !h.opened {
		h.mu.Unlock()
		return nil, schemas.ErrHandlerClosed
	}
	if h.pool != nil {
		pool := h.pool
		h.mu.Unlock()
		return pool, nil
	}
	manager := h.manager
	h.mu.Unlock()

	// Launch outside the handler lock; the manager collapses concurrent
	// first launches on its own.
	handle, err := manager.Start(ctx, h.cfg.BrowserCfg.Kind)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, schemas.ErrHandlerClosed
	}
	if h.pool == nil {
		h.pool = browser.NewPool(h.cfg, h.logger, handle, h.counters)
	}
	return h.pool, nil
}

// Download fetches one request. Requests carrying browser directives (or
// everything, when browser.always is set) render through a page session;
// the rest go over the fallback HTTP client.
func (h *Handler) Download(ctx context.Context, req *schemas.Request, unit schemas.CrawlUnit) (*schemas.Response, error) {
	h.mu.Lock()
	if h.closed || !h.opened {
		h.mu.Unlock()
		return nil, schemas.ErrHandlerClosed
	}
	h.mu.Unlock()

	if req.Browser == nil && !h.cfg.BrowserCfg.Always {
		return h.downloadDirect(ctx, req)
	}
	return h.downloadRendered(ctx, req, unit)
}

func (h *Handler) downloadRendered(ctx context.Context, req *schemas.Request, unit schemas.CrawlUnit) (*schemas.Response, error) {
	pool, err := h.ensurePool(ctx)
	if err != nil {
		return nil, err
	}

	d := req.Directives()
	lc, err := pool.Acquire(ctx, d.Context)
	if err != nil {
		return nil, err
	}

	pg, err := pool.NewPage(ctx, lc)
	if err != nil {
		pool.Release(lc)
		return nil, err
	}

	sess := browser.NewSession(pool, lc, pg, h.logger)
	snap, err := sess.Run(ctx, req, unit)
	if err != nil {
		// The session closes the page on failure; this close is a no-op
		// except for the retained-on-error case, where the page cannot be
		// handed anywhere useful.
		_ = pg.Close()
		pool.Release(lc)
		// %w keeps the typed errors reachable through errors.As.
		return nil, fmt.Errorf("rendering %s: %w", req.URL, err)
	}

	resp := buildResponse(req, snap)
	if d.IncludePage {
		// The page handle carries the context reference with it; releasing
		// happens when the crawler closes the page.
		resp.Page = &retainedPage{pg: pg, pool: pool, lc: lc}
	} else {
		pool.Release(lc)
	}
	return resp, nil
}

// Stats snapshots the handler-wide counters.
func (h *Handler) Stats() map[string]int64 {
	return h.counters.Snapshot()
}

// StatsJSON renders the counters with stable key order.
func (h *Handler) StatsJSON() ([]byte, error) {
	return h.counters.MarshalJSON()
}

// Close shuts the handler down: contexts first, then browser processes.
// In-flight downloads fail fast rather than hang; cleanup failures are
// logged, not returned.
func (h *Handler) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	pool := h.pool
	manager := h.manager
	h.mu.Unlock()

	if pool != nil {
		if err := pool.Close(ctx); err != nil {
			h.logger.Warn("Context pool close reported an error.", zap.Error(err))
		}
	}
	if manager != nil {
		if err := manager.Stop(ctx); err != nil {
			h.logger.Warn("Browser manager stop reported an error.", zap.Error(err))
		}
	}
	h.logger.Info("Download handler closed.")
	return nil
}

// retainedPage is the page handle returned on IncludePage responses. Closing
// it closes the page and releases the context reference exactly once.
type retainedPage struct {
	pg   *browser.Page
	pool *browser.Pool
	lc   *browser.LiveContext

	closeOnce sync.Once
}

func (r *retainedPage) URL(ctx context.Context) (string, error) {
	return r.pg.URL(ctx)
}

func (r *retainedPage) Run(ctx context.Context, ops ...*schemas.PageOperation) error {
	return r.pg.Run(ctx, ops...)
}

func (r *retainedPage) Close() error {
	r.closeOnce.Do(func() {
		_ = r.pg.Close()
		r.pool.Release(r.lc)
	})
	return nil
}
