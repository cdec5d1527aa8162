package schemas

import "net/http"

// InterceptedRequest is the view of a paused browser request handed to abort
// predicates and header processors. It is a snapshot; mutating it does not
// change the in-flight request.
type InterceptedRequest struct {
	URL    string
	Method string

	// ResourceType is the CDP classification, e.g. "Document", "Image",
	// "XHR", "Stylesheet", "Script".
	ResourceType string

	// IsNavigation is true for the top-level document request that started
	// the page load.
	IsNavigation bool

	// BrowserHeaders are the headers the browser generated for this request.
	BrowserHeaders http.Header

	// CrawlerHeaders are the headers the originating crawler request carried.
	// They accompany every request the page issues, so policies can decide
	// per resource what to carry over; empty when the crawler sent none.
	CrawlerHeaders http.Header
}

// AbortPredicate decides whether a paused request should be aborted instead
// of continued. Returning an error (or panicking) never aborts: the request
// continues unmodified and the failure is logged.
type AbortPredicate func(req *InterceptedRequest) (bool, error)

// HeaderProcessor computes the final header set for a paused request. The
// returned headers fully replace the request's headers; return
// req.BrowserHeaders to leave the request untouched.
type HeaderProcessor func(req *InterceptedRequest) (http.Header, error)

// CrawlerHeaders is the default header policy. For the navigation request it
// overlays the crawler's headers on top of the browser's, leaving Cookie
// management to the browser; for sub-resource requests only the crawler's
// User-Agent is carried over.
func CrawlerHeaders(req *InterceptedRequest) (http.Header, error) {
	out := cloneHeader(req.BrowserHeaders)
	if req.IsNavigation {
		for k, vs := range req.CrawlerHeaders {
			if http.CanonicalHeaderKey(k) == "Cookie" {
				continue
			}
			out[http.CanonicalHeaderKey(k)] = append([]string(nil), vs...)
		}
		return out, nil
	}
	if ua := req.CrawlerHeaders.Get("User-Agent"); ua != "" {
		out.Set("User-Agent", ua)
	}
	return out, nil
}

// BrowserHeaders discards the crawler's headers entirely and lets the
// browser's own header set through unmodified.
func BrowserHeaders(req *InterceptedRequest) (http.Header, error) {
	return cloneHeader(req.BrowserHeaders), nil
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		out[k] = append([]string(nil), vs...)
	}
	return out
}
