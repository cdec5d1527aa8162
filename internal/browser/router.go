// File: internal/browser/router.go
package browser

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/crowhurst/pagebridge/api/schemas"
)

// routerCmdTimeout bounds the CDP calls that resolve one paused request.
// A request left paused wedges the page, so resolution must always finish.
const routerCmdTimeout = 10 * time.Second

// NavigationResult is what the router observed about the main-frame document
// response. Across a redirect chain the last response wins.
type NavigationResult struct {
	Status     int
	Headers    http.Header
	URL        string
	RemoteAddr string
}

// Router owns the interception pipeline for one page: it classifies and
// counts every request the page issues, applies abort and header policy, and
// records the navigation response. Each paused request is resolved in its own
// goroutine; there is no pipeline-wide serialization.
type Router struct {
	logger  *zap.Logger
	lc      *LiveContext
	global  *Counters
	abort   schemas.AbortPredicate
	headers schemas.HeaderProcessor
	limiter *rate.Limiter

	// crawler-side request, used for header overlay and for substituting
	// method/body on the initial navigation.
	method  string
	body    []byte
	crawler http.Header

	navSubstituted sync.Once

	mu     sync.Mutex
	result NavigationResult
	got    bool
}

// NewRouter builds a router for one page session. pred and proc come
// pre-resolved (request override beats context policy beats pool default).
func NewRouter(lc *LiveContext, global *Counters, req *schemas.Request, pred schemas.AbortPredicate, proc schemas.HeaderProcessor, logger *zap.Logger) *Router {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	return &Router{
		logger:  logger.Named("router"),
		lc:      lc,
		global:  global,
		abort:   pred,
		headers: proc,
		limiter: lc.limiter,
		method:  strings.ToUpper(method),
		body:    req.Body,
		crawler: req.Headers,
	}
}

// Install registers the event listeners and enables the Fetch and Network
// domains on the page. It must run before navigation so the very first
// request is already intercepted.
func (r *Router) Install(ctx context.Context) error {
	c := chromedp.FromContext(ctx)
	if c == nil || c.Target == nil {
		return fmt.Errorf("router requires a page context")
	}
	mainFrame := string(c.Target.TargetID)

	chromedp.ListenTarget(ctx, func(ev any) {
		switch e := ev.(type) {
		case *fetch.EventRequestPaused:
			go r.resolvePaused(ctx, e, mainFrame)
		case *network.EventResponseReceived:
			r.recordResponse(e, mainFrame)
		}
	})

	if err := chromedp.Run(ctx, fetch.Enable(), network.Enable()); err != nil {
		return fmt.Errorf("enabling interception: %w", err)
	}
	return nil
}

// Result returns the recorded main-frame navigation response, if any arrived.
func (r *Router) Result() (NavigationResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result, r.got
}

// resolvePaused makes exactly one decision for a paused request: fail it or
// continue it. Any failure inside the policy callbacks degrades to
// continue-unmodified, never to a hang.
func (r *Router) resolvePaused(ctx context.Context, ev *fetch.EventRequestPaused, mainFrame string) {
	cmdCtx, cancel := context.WithTimeout(ctx, routerCmdTimeout)
	defer cancel()
	exec := cdp.WithExecutor(cmdCtx, chromedp.FromContext(ctx).Target)

	resourceType := string(ev.ResourceType)
	r.lc.counters.Inc(RequestCountKey(resourceType))
	r.global.Inc(RequestCountKey(resourceType))

	isNavigation := ev.ResourceType == network.ResourceTypeDocument &&
		string(ev.FrameID) == mainFrame

	ireq := &schemas.InterceptedRequest{
		URL:            ev.Request.URL,
		Method:         ev.Request.Method,
		ResourceType:   resourceType,
		IsNavigation:   isNavigation,
		BrowserHeaders: headersToHTTP(ev.Request.Headers),
	}
	if isNavigation || r.crawler != nil {
		ireq.CrawlerHeaders = r.crawler
	}

	abort, finalHeaders := r.Decide(ireq)

	if abort {
		r.lc.counters.Inc(AbortedCountKey)
		r.global.Inc(AbortedCountKey)
		if err := fetch.FailRequest(ev.RequestID, network.ErrorReasonBlockedByClient).Do(exec); err != nil {
			r.logger.Warn("Failed to abort request.",
				zap.String("url", ev.Request.URL), zap.Error(err))
		}
		return
	}

	if r.limiter != nil {
		if err := r.limiter.Wait(cmdCtx); err != nil {
			r.logger.Debug("Rate limiter wait cut short.", zap.Error(err))
		}
	}

	cont := fetch.ContinueRequest(ev.RequestID)
	if finalHeaders != nil {
		cont = cont.WithHeaders(headerEntries(finalHeaders))
	}
	if isNavigation {
		// Substitute the crawler's method and body onto the initial
		// navigation so non-GET requests render correctly. Only once; a
		// client-side re-navigation is the page's own business.
		r.navSubstituted.Do(func() {
			if r.method != http.MethodGet {
				cont = cont.WithMethod(r.method)
			}
			if len(r.body) > 0 {
				cont = cont.WithPostData(base64.StdEncoding.EncodeToString(r.body))
			}
		})
	}
	if err := cont.Do(exec); err != nil {
		r.logger.Warn("Failed to continue request, failing it to avoid a hang.",
			zap.String("url", ev.Request.URL), zap.Error(err))
		if err := fetch.FailRequest(ev.RequestID, network.ErrorReasonAborted).Do(exec); err != nil {
			r.logger.Warn("Failed to fail request after continue error.",
				zap.String("url", ev.Request.URL), zap.Error(err))
		}
	}
}

// Decide computes the single abort-or-headers decision for an intercepted
// request. It never errors: predicate or processor failure (including a
// panic) logs loudly and falls back to continuing unmodified.
func (r *Router) Decide(ireq *schemas.InterceptedRequest) (abort bool, finalHeaders http.Header) {
	if r.abort != nil {
		aborted, err := r.safePredicate(ireq)
		if err != nil {
			r.logger.Error("Abort predicate failed, continuing request unmodified.",
				zap.String("url", ireq.URL), zap.Error(err))
			return false, nil
		}
		if aborted {
			return true, nil
		}
	}

	proc := r.headers
	if proc == nil {
		proc = schemas.CrawlerHeaders
	}
	hdrs, err := r.safeProcessor(proc, ireq)
	if err != nil {
		r.logger.Error("Header processor failed, continuing request unmodified.",
			zap.String("url", ireq.URL), zap.Error(err))
		return false, nil
	}
	return false, hdrs
}

func (r *Router) safePredicate(ireq *schemas.InterceptedRequest) (abort bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			abort = false
			err = fmt.Errorf("abort predicate panicked: %v", rec)
		}
	}()
	return r.abort(ireq)
}

func (r *Router) safeProcessor(proc schemas.HeaderProcessor, ireq *schemas.InterceptedRequest) (hdrs http.Header, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			hdrs = nil
			err = fmt.Errorf("header processor panicked: %v", rec)
		}
	}()
	return proc(ireq)
}

// recordResponse counts a received response and, for the main-frame document,
// captures the navigation result.
func (r *Router) recordResponse(ev *network.EventResponseReceived, mainFrame string) {
	resourceType := string(ev.Type)
	r.lc.counters.Inc(ResponseCountKey(resourceType))
	r.global.Inc(ResponseCountKey(resourceType))

	if ev.Type != network.ResourceTypeDocument || string(ev.FrameID) != mainFrame {
		return
	}

	result := NavigationResult{
		Status:  int(ev.Response.Status),
		Headers: headersToHTTP(ev.Response.Headers),
		URL:     ev.Response.URL,
	}
	if ev.Response.RemoteIPAddress != "" {
		result.RemoteAddr = fmt.Sprintf("%s:%d", ev.Response.RemoteIPAddress, ev.Response.RemotePort)
	}

	r.mu.Lock()
	r.result = result
	r.got = true
	r.mu.Unlock()
}

// headersToHTTP converts CDP's loose header map into canonical http.Header.
func headersToHTTP(in network.Headers) http.Header {
	out := make(http.Header, len(in))
	for k, v := range in {
		s, ok := v.(string)
		if !ok {
			s = fmt.Sprint(v)
		}
		// CDP folds repeated headers into one newline-separated value.
		for _, part := range strings.Split(s, "\n") {
			out.Add(k, part)
		}
	}
	return out
}

// headerEntries flattens http.Header into the fetch domain's entry list,
// sorted by name so continued requests are deterministic.
func headerEntries(h http.Header) []*fetch.HeaderEntry {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	entries := make([]*fetch.HeaderEntry, 0, len(h))
	for _, k := range keys {
		for _, v := range h[k] {
			entries = append(entries, &fetch.HeaderEntry{Name: k, Value: v})
		}
	}
	return entries
}
