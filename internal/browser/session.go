// File: internal/browser/session.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/crowhurst/pagebridge/api/schemas"
)

// Snapshot is everything a page session observed: the navigation response
// metadata from the router plus the rendered DOM at the end of the operation
// sequence.
type Snapshot struct {
	Status     int
	Headers    http.Header
	Body       []byte
	URL        string
	RemoteAddr string
}

// Session drives one page through the full lifecycle: bind events, install
// interception, navigate, run operations, snapshot.
type Session struct {
	pool   *Pool
	lc     *LiveContext
	pg     *Page
	logger *zap.Logger
}

// NewSession wraps an open page. The caller keeps ownership of the live
// context reference; the session owns the page unless the request retains it.
func NewSession(pool *Pool, lc *LiveContext, pg *Page, logger *zap.Logger) *Session {
	return &Session{
		pool:   pool,
		lc:     lc,
		pg:     pg,
		logger: logger.Named("session").With(zap.String("page_id", pg.ID())),
	}
}

// Run executes the request against the page and returns the snapshot. On any
// outcome the page is closed before returning, unless the request asked to
// retain it; then the caller (ultimately the crawler) closes it.
func (s *Session) Run(ctx context.Context, req *schemas.Request, unit schemas.CrawlUnit) (*Snapshot, error) {
	d := req.Directives()

	keepOpen := false
	defer func() {
		if !keepOpen {
			_ = s.pg.Close()
		}
	}()

	handlers := resolveBindings(d.EventBindings, unit, s.logger)
	dispatcher := newEventDispatcher(handlers, s.logger)
	if err := dispatcher.Install(s.pg.Context()); err != nil {
		return nil, fmt.Errorf("installing event dispatcher: %w", err)
	}

	pred := d.AbortRequest
	if pred == nil {
		pred = s.pool.abortPredicateFor(s.lc.Name)
	}
	proc := s.pool.headerProcessorFor(s.lc.Name)
	router := NewRouter(s.lc, s.pool.global, req, pred, proc, s.logger)
	if err := router.Install(s.pg.Context()); err != nil {
		return nil, fmt.Errorf("installing request router: %w", err)
	}

	timeout := effectiveNavigationTimeout(
		d.NavigationTimeout,
		s.lc.cfg.NavigationTimeout,
		s.pool.cfg.NetworkCfg.NavigationTimeout,
	)
	if err := s.navigate(ctx, req.URL, timeout); err != nil {
		return nil, err
	}

	if len(d.Operations) > 0 {
		err := runOperations(ctx, d.Operations, func(opCtx context.Context, op *schemas.PageOperation) (any, error) {
			return executeOperation(opCtx, s.pg, op)
		})
		if err != nil {
			// IncludePage still applies: the crawler may want the page to
			// inspect what went wrong.
			keepOpen = d.IncludePage
			return nil, err
		}
	}

	snap, err := s.snapshot(ctx, router)
	if err != nil {
		return nil, err
	}

	keepOpen = d.IncludePage
	s.logger.Debug("Page session complete.",
		zap.Int("status", snap.Status), zap.String("url", snap.URL))
	return snap, nil
}

// navigate loads the URL under the effective timeout. Timeout expiry becomes
// *schemas.NavigationTimeoutError; the page and its context remain usable.
func (s *Session) navigate(ctx context.Context, url string, timeout time.Duration) error {
	navCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		navCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	err := s.pg.run(navCtx, chromedp.Navigate(url), chromedp.WaitReady("body", chromedp.ByQuery))
	if err == nil {
		return nil
	}
	if timeout > 0 && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return &schemas.NavigationTimeoutError{URL: url, Timeout: timeout}
	}
	return fmt.Errorf("navigating to %s: %w", url, err)
}

// snapshot captures the rendered DOM and merges in the router's navigation
// observations.
func (s *Session) snapshot(ctx context.Context, router *Router) (*Snapshot, error) {
	var html, location string
	err := s.pg.run(ctx,
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return nil, fmt.Errorf("capturing rendered page: %w", err)
	}

	snap := &Snapshot{
		Status: http.StatusOK,
		URL:    location,
		Body:   []byte(html),
	}
	if nav, ok := router.Result(); ok {
		snap.Status = nav.Status
		snap.Headers = nav.Headers
		snap.RemoteAddr = nav.RemoteAddr
		// Client-side navigation can move the page past the response URL;
		// the live location wins when they disagree.
		if location == "" {
			snap.URL = nav.URL
		}
	}
	return snap, nil
}

// effectiveNavigationTimeout resolves the three-level precedence: request
// override, then context default, then handler-wide default. A nil level
// falls through; an explicit zero stops the search and disables the bound.
func effectiveNavigationTimeout(override, contextDefault, handlerDefault *time.Duration) time.Duration {
	for _, t := range []*time.Duration{override, contextDefault, handlerDefault} {
		if t != nil {
			return *t
		}
	}
	return 0
}

// URL reports the page's current location. Part of schemas.PageHandle.
func (pg *Page) URL(ctx context.Context) (string, error) {
	var location string
	if err := pg.run(ctx, chromedp.Location(&location)); err != nil {
		return "", err
	}
	return location, nil
}

// Run executes additional operations against a retained page. Part of
// schemas.PageHandle.
func (pg *Page) Run(ctx context.Context, ops ...*schemas.PageOperation) error {
	return runOperations(ctx, ops, func(opCtx context.Context, op *schemas.PageOperation) (any, error) {
		return executeOperation(opCtx, pg, op)
	})
}
