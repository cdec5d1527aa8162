// File: internal/handler/bridge.go
package handler

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"

	"github.com/crowhurst/pagebridge/api/schemas"
	"github.com/crowhurst/pagebridge/internal/browser"
)

// buildResponse assembles the crawler-facing response from a page session
// snapshot. Pure assembly: no CDP calls happen here.
func buildResponse(req *schemas.Request, snap *browser.Snapshot) *schemas.Response {
	resp := &schemas.Response{
		Status:     snap.Status,
		Headers:    snap.Headers,
		Body:       snap.Body,
		URL:        snap.URL,
		RemoteAddr: snap.RemoteAddr,
		Flags:      []string{schemas.BrowserRenderedFlag},
	}
	if resp.URL == "" {
		resp.URL = req.URL
	}
	if title := extractTitle(snap.Body); title != "" {
		resp.Meta = map[string]any{"title": title}
	}
	return resp
}

// extractTitle pulls the first <title> text out of the rendered document.
// Diagnostic only; an unparseable body just yields an empty title.
func extractTitle(body []byte) string {
	tokenizer := html.NewTokenizer(bytes.NewReader(body))
	inTitle := false
	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return ""
		case html.StartTagToken:
			name, _ := tokenizer.TagName()
			inTitle = string(name) == "title"
		case html.EndTagToken:
			inTitle = false
		case html.TextToken:
			if inTitle {
				if title := strings.TrimSpace(string(tokenizer.Text())); title != "" {
					return title
				}
			}
		}
	}
}
