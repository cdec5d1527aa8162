// File: internal/handler/fallback.go
package handler

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"

	"github.com/crowhurst/pagebridge/api/schemas"
	"github.com/crowhurst/pagebridge/internal/config"
)

// maxFallbackBody caps how much of a fallback response body is read. Rendered
// crawling targets HTML; anything past this is not a page.
const maxFallbackBody = 64 << 20

// newFallbackClient builds the plain HTTP client used for requests that do
// not ask for the browser path.
func newFallbackClient(cfg *config.Config) *http.Client {
	base := http.DefaultTransport.(*http.Transport).Clone()
	base.DisableCompression = true // negotiation is the decompress layer's job
	if cfg.BrowserCfg.IgnoreTLSErrors {
		base.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &http.Client{
		Transport: newDecompressTransport(base),
		Timeout:   cfg.NetworkCfg.Timeout,
	}
}

// downloadDirect serves a request over plain HTTP. The response carries no
// browser flag: the body is exactly what the server sent, unrendered.
func (h *Handler) downloadDirect(ctx context.Context, req *schemas.Request) (*schemas.Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	for k, v := range h.cfg.NetworkCfg.Headers {
		httpReq.Header.Set(k, v)
	}
	for k, vs := range req.Headers {
		httpReq.Header[http.CanonicalHeaderKey(k)] = vs
	}

	resp, err := h.fallback.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fallback download: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFallbackBody))
	if err != nil {
		return nil, fmt.Errorf("reading fallback body: %w", err)
	}

	return &schemas.Response{
		Status:  resp.StatusCode,
		Headers: resp.Header,
		Body:    data,
		URL:     resp.Request.URL.String(),
	}, nil
}
