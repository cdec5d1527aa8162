// Package schemas holds the contract between the crawling engine and the
// download handler. It is intentionally dependency free so that crawlers can
// import it without inheriting the handler's stack.
package schemas

import (
	"context"
	"net/http"
	"time"
)

// BrowserRenderedFlag is appended to Response.Flags for every response that
// was produced by the browser path, so downstream code can tell a rendered
// body from a raw HTTP one.
const BrowserRenderedFlag = "browser"

// Request is the crawler-side request descriptor. A nil Browser field means
// the request does not ask for the browser path; the handler may still force
// it via configuration.
type Request struct {
	URL     string
	Method  string
	Headers http.Header
	Body    []byte

	// Browser carries the out-of-band options recognized by the browser path.
	Browser *BrowserDirectives
}

// BrowserDirectives are the per-request knobs for a browser-rendered fetch.
type BrowserDirectives struct {
	// Context selects the named browser context (cookie/storage scope) to run
	// in. Empty means "default".
	Context string

	// IncludePage asks the handler to keep the page open and hand it back on
	// the response. The caller becomes responsible for closing it; a retained
	// page holds one of the context's page slots until it is closed.
	IncludePage bool

	// Operations run in order against the open page after navigation.
	Operations []*PageOperation

	// EventBindings maps page event names (e.g. "dialog", "console") to
	// handlers. See EventBinding for the two resolution modes.
	EventBindings map[string]EventBinding

	// NavigationTimeout overrides the context's default navigation timeout.
	// nil means "use the context default"; a pointer to zero disables the
	// timeout entirely (the engine's own default applies).
	NavigationTimeout *time.Duration

	// AbortRequest, when non-nil, replaces the context-level abort predicate
	// for this request only.
	AbortRequest AbortPredicate
}

// Directives returns the request's browser directives, never nil, defaulting
// empty values along the way. It does not mutate the request.
func (r *Request) Directives() *BrowserDirectives {
	d := r.Browser
	if d == nil {
		d = &BrowserDirectives{}
	}
	out := *d
	if out.Context == "" {
		out.Context = "default"
	}
	return &out
}

// PageHandle is the caller-facing view of a live page, returned on the
// response when IncludePage was set. Close is idempotent.
type PageHandle interface {
	// URL reports the page's current location.
	URL(ctx context.Context) (string, error)
	// Run executes additional page operations in order.
	Run(ctx context.Context, ops ...*PageOperation) error
	// Close closes the page and releases its context slot.
	Close() error
}

// Response is the crawler-side response descriptor.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte

	// URL is the final location after redirects and client-side navigation.
	URL string

	// Flags carries response markers; BrowserRenderedFlag is present for
	// browser-path responses.
	Flags []string

	// RemoteAddr is the "ip:port" the final navigation response came from.
	// Empty when the engine did not report one.
	RemoteAddr string

	// Page is the retained live page, only set when the request asked for it.
	Page PageHandle

	// Meta holds diagnostic extras (e.g. "title").
	Meta map[string]any
}

// HasFlag reports whether the response carries the given flag.
func (r *Response) HasFlag(flag string) bool {
	for _, f := range r.Flags {
		if f == flag {
			return true
		}
	}
	return false
}
