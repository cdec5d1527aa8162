// File: internal/browser/pool.go
package browser

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/crowhurst/pagebridge/api/schemas"
	"github.com/crowhurst/pagebridge/internal/config"
)

const disposeTimeout = 10 * time.Second

// contextEngine is the slice of browser capability the pool needs. The real
// implementation drives CDP; tests substitute a fake so pool semantics can be
// exercised without a browser.
type contextEngine interface {
	createBrowserContext(ctx context.Context, cc config.ContextConfig) (cdp.BrowserContextID, error)
	disposeBrowserContext(ctx context.Context, id cdp.BrowserContextID) error
	newPage(ctx context.Context, id cdp.BrowserContextID, cc config.ContextConfig) (context.Context, context.CancelFunc, error)
}

// LiveContext is one open, named browser context: an isolated cookie/storage
// scope shared by every in-flight request that named it.
type LiveContext struct {
	Name string

	cfg      config.ContextConfig
	id       cdp.BrowserContextID
	slots    *semaphore.Weighted // nil when max_pages is 0 (unlimited)
	limiter  *rate.Limiter       // nil when rate_limit is 0
	counters *Counters
	refs     int
}

// Config returns the context's resolved configuration.
func (lc *LiveContext) Config() config.ContextConfig { return lc.cfg }

// Counters returns the context's own counter set. The pool's global set is
// incremented alongside it.
func (lc *LiveContext) Counters() *Counters { return lc.counters }

// Pool manages named browser contexts with reference counting and bounded
// page slots.
type Pool struct {
	cfg    *config.Config
	logger *zap.Logger
	engine contextEngine
	global *Counters

	mu      sync.Mutex
	entries map[string]*LiveContext
	closed  bool

	// counterSets outlive the LiveContexts that increment them, so a
	// re-acquired name continues its counts instead of restarting at zero.
	counterSets map[string]*Counters

	// abort and headers hold programmatic interception policy: per-context
	// entries override the defaults, request-level overrides trump both.
	abortMu       sync.RWMutex
	defaultAbort  schemas.AbortPredicate
	contextAbort  map[string]schemas.AbortPredicate
	defaultHdrs   schemas.HeaderProcessor
	contextHdrs   map[string]schemas.HeaderProcessor
}

// NewPool builds a pool on top of a launched browser handle.
func NewPool(cfg *config.Config, logger *zap.Logger, handle *Handle, global *Counters) *Pool {
	l := logger.Named("context_pool")
	return newPool(cfg, l, &cdpEngine{handle: handle, logger: l}, global)
}

func newPool(cfg *config.Config, logger *zap.Logger, engine contextEngine, global *Counters) *Pool {
	return &Pool{
		cfg:          cfg,
		logger:       logger,
		engine:       engine,
		global:       global,
		entries:      make(map[string]*LiveContext),
		counterSets:  make(map[string]*Counters),
		contextAbort: make(map[string]schemas.AbortPredicate),
		contextHdrs:  make(map[string]schemas.HeaderProcessor),
	}
}

// SetDefaultAbortPredicate installs the pool-wide abort predicate consulted
// when neither the request nor the context carries one.
func (p *Pool) SetDefaultAbortPredicate(pred schemas.AbortPredicate) {
	p.abortMu.Lock()
	p.defaultAbort = pred
	p.abortMu.Unlock()
}

// SetContextAbortPredicate installs an abort predicate for one named context.
func (p *Pool) SetContextAbortPredicate(name string, pred schemas.AbortPredicate) {
	p.abortMu.Lock()
	p.contextAbort[name] = pred
	p.abortMu.Unlock()
}

// SetDefaultHeaderProcessor replaces the pool-wide header policy. The zero
// policy is schemas.CrawlerHeaders.
func (p *Pool) SetDefaultHeaderProcessor(proc schemas.HeaderProcessor) {
	p.abortMu.Lock()
	p.defaultHdrs = proc
	p.abortMu.Unlock()
}

// SetContextHeaderProcessor replaces the header policy for one named context.
func (p *Pool) SetContextHeaderProcessor(name string, proc schemas.HeaderProcessor) {
	p.abortMu.Lock()
	p.contextHdrs[name] = proc
	p.abortMu.Unlock()
}

func (p *Pool) abortPredicateFor(name string) schemas.AbortPredicate {
	p.abortMu.RLock()
	defer p.abortMu.RUnlock()
	if pred, ok := p.contextAbort[name]; ok && pred != nil {
		return pred
	}
	return p.defaultAbort
}

func (p *Pool) headerProcessorFor(name string) schemas.HeaderProcessor {
	p.abortMu.RLock()
	defer p.abortMu.RUnlock()
	if proc, ok := p.contextHdrs[name]; ok && proc != nil {
		return proc
	}
	if p.defaultHdrs != nil {
		return p.defaultHdrs
	}
	return schemas.CrawlerHeaders
}

// Acquire returns the live context with the given name, creating it on first
// use. Every Acquire must be paired with a Release.
func (p *Pool) Acquire(ctx context.Context, name string) (*LiveContext, error) {
	if name == "" {
		name = "default"
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, schemas.ErrHandlerClosed
	}

	if lc, ok := p.entries[name]; ok {
		lc.refs++
		return lc, nil
	}

	cc := p.cfg.ContextFor(name)
	id, err := p.engine.createBrowserContext(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("creating browser context %q: %w", name, err)
	}

	counters := p.counterSets[name]
	if counters == nil {
		counters = NewCounters()
		p.counterSets[name] = counters
	}
	lc := &LiveContext{
		Name:     name,
		cfg:      cc,
		id:       id,
		counters: counters,
		refs:     1,
	}
	if cc.MaxPages > 0 {
		lc.slots = semaphore.NewWeighted(int64(cc.MaxPages))
	}
	if cc.RateLimit > 0 {
		lc.limiter = rate.NewLimiter(rate.Limit(cc.RateLimit), 1)
	}
	p.entries[name] = lc
	p.logger.Info("Browser context created.",
		zap.String("context", name), zap.Int("max_pages", cc.MaxPages))
	return lc, nil
}

// Release drops one reference. Under the "evict" policy the underlying CDP
// context is disposed once the last reference goes; "retain" keeps it warm
// until Close.
func (p *Pool) Release(lc *LiveContext) {
	if lc == nil {
		return
	}
	p.mu.Lock()
	lc.refs--
	evict := lc.refs <= 0 && p.cfg.BrowserCfg.ContextsPolicy != "retain" && !p.closed
	if evict {
		delete(p.entries, lc.Name)
	}
	p.mu.Unlock()

	if !evict {
		return
	}
	// Disposal talks to the browser; do it off the caller's critical path.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), disposeTimeout)
		defer cancel()
		if err := p.engine.disposeBrowserContext(ctx, lc.id); err != nil {
			p.logger.Warn("Failed to dispose browser context.",
				zap.String("context", lc.Name), zap.Error(err))
			return
		}
		p.logger.Debug("Browser context evicted.", zap.String("context", lc.Name))
	}()
}

// NewPage opens a tab in the live context, waiting for a page slot when the
// context caps concurrent pages. The wait honors ctx cancellation.
func (p *Pool) NewPage(ctx context.Context, lc *LiveContext) (*Page, error) {
	if lc.slots != nil {
		if err := lc.slots.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("waiting for a page slot in context %q: %w", lc.Name, err)
		}
	}

	pageCtx, cancel, err := p.engine.newPage(ctx, lc.id, lc.cfg)
	if err != nil {
		if lc.slots != nil {
			lc.slots.Release(1)
		}
		return nil, fmt.Errorf("opening page in context %q: %w", lc.Name, err)
	}

	pg := &Page{
		id:     uuid.New().String(),
		ctx:    pageCtx,
		cancel: cancel,
		lc:     lc,
		logger: p.logger.With(zap.String("context", lc.Name)),
	}
	pg.logger = pg.logger.With(zap.String("page_id", pg.id))
	return pg, nil
}

// Close tears down every live context regardless of refcounts. In-flight
// callers see errors rather than hangs.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	entries := p.entries
	p.entries = make(map[string]*LiveContext)
	p.mu.Unlock()

	for name, lc := range entries {
		if err := p.engine.disposeBrowserContext(ctx, lc.id); err != nil {
			p.logger.Warn("Failed to dispose browser context during close.",
				zap.String("context", name), zap.Error(err))
		}
	}
	p.logger.Info("Context pool closed.", zap.Int("contexts", len(entries)))
	return nil
}

// GlobalCounters returns the pool-wide counter set shared with the handler.
func (p *Pool) GlobalCounters() *Counters { return p.global }

// Page is one open tab. Closing it releases the context's page slot; Close
// is safe to call any number of times, from any goroutine.
type Page struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	lc     *LiveContext
	logger *zap.Logger

	closeOnce sync.Once
}

// ID is the page's correlation id used in logs.
func (pg *Page) ID() string { return pg.id }

// Context returns the chromedp context bound to this page's target.
func (pg *Page) Context() context.Context { return pg.ctx }

// Close closes the tab and releases the page slot exactly once.
func (pg *Page) Close() error {
	pg.closeOnce.Do(func() {
		pg.cancel()
		if pg.lc.slots != nil {
			pg.lc.slots.Release(1)
		}
		pg.logger.Debug("Page closed.")
	})
	return nil
}

// extraHTTPHeaders canonicalizes configured header names. Config loading
// lowercases map keys, so "x-tenant" has to go out as "X-Tenant".
func extraHTTPHeaders(extra map[string]string) network.Headers {
	hdrs := make(network.Headers, len(extra))
	for k, v := range extra {
		hdrs[http.CanonicalHeaderKey(k)] = v
	}
	return hdrs
}

// cdpEngine implements contextEngine against a launched browser. Context and
// target creation hold the handle's creation lock; interleaving those calls
// on one connection is not safe.
type cdpEngine struct {
	handle *Handle
	logger *zap.Logger
}

func (e *cdpEngine) createBrowserContext(ctx context.Context, cc config.ContextConfig) (cdp.BrowserContextID, error) {
	e.handle.ContextCreationMu.Lock()
	defer e.handle.ContextCreationMu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("cancelled before creating browser context: %w", err)
	}

	id, err := target.CreateBrowserContext().Do(e.handle.ControllerCtx)
	if err != nil {
		return "", err
	}

	if len(cc.Cookies) > 0 {
		params := make([]*network.CookieParam, 0, len(cc.Cookies))
		for _, c := range cc.Cookies {
			params = append(params, &network.CookieParam{
				Name:   c.Name,
				Value:  c.Value,
				Domain: c.Domain,
				Path:   c.Path,
				Secure: c.Secure,
			})
		}
		if err := storage.SetCookies(params).WithBrowserContextID(id).Do(e.handle.ControllerCtx); err != nil {
			e.bestEffortDispose(id)
			return "", fmt.Errorf("preloading cookies: %w", err)
		}
	}
	return id, nil
}

func (e *cdpEngine) disposeBrowserContext(ctx context.Context, id cdp.BrowserContextID) error {
	if e.handle.ControllerCtx.Err() != nil {
		// Browser already gone; its contexts went with it.
		return nil
	}
	return target.DisposeBrowserContext(id).Do(e.handle.ControllerCtx)
}

func (e *cdpEngine) bestEffortDispose(id cdp.BrowserContextID) {
	if err := e.disposeBrowserContext(context.Background(), id); err != nil {
		e.logger.Debug("Best-effort browser context cleanup failed.",
			zap.String("browser_context_id", string(id)), zap.Error(err))
	}
}

func (e *cdpEngine) newPage(ctx context.Context, id cdp.BrowserContextID, cc config.ContextConfig) (context.Context, context.CancelFunc, error) {
	e.handle.ContextCreationMu.Lock()
	targetID, err := target.CreateTarget("about:blank").
		WithBrowserContextID(id).
		Do(e.handle.ControllerCtx)
	e.handle.ContextCreationMu.Unlock()
	if err != nil {
		return nil, nil, fmt.Errorf("creating target: %w", err)
	}

	pageCtx, cancel := chromedp.NewContext(e.handle.BrowserCtx, chromedp.WithTargetID(targetID))

	var actions []chromedp.Action
	if cc.UserAgent != "" {
		actions = append(actions, emulation.SetUserAgentOverride(cc.UserAgent))
	}
	if cc.Viewport != nil {
		actions = append(actions, chromedp.EmulateViewport(int64(cc.Viewport.Width), int64(cc.Viewport.Height)))
	}
	if len(cc.ExtraHeaders) > 0 {
		actions = append(actions, network.Enable(), network.SetExtraHTTPHeaders(extraHTTPHeaders(cc.ExtraHeaders)))
	}
	if cc.InitScript != "" {
		script := cc.InitScript
		actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(script).Do(ctx)
			return err
		}))
	}
	if len(actions) > 0 {
		if err := chromedp.Run(pageCtx, actions...); err != nil {
			cancel()
			return nil, nil, fmt.Errorf("applying context options: %w", err)
		}
	}
	return pageCtx, cancel, nil
}
