// File: internal/browser/integration_test.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crowhurst/pagebridge/api/schemas"
	"github.com/crowhurst/pagebridge/internal/config"
)

const twoLinkPage = `<!DOCTYPE html>
<html>
<head><title>Awesome site</title></head>
<body>
<p class="lorem_ipsum">Lorem ipsum dolor sit amet, consectetur adipiscing elit.</p>
<a class="lorem_ipsum" href="/first">First link</a>
<a class="lorem_ipsum" href="/second">Second link</a>
</body>
</html>`

func TestSessionRendersPage(t *testing.T) {
	t.Parallel()
	fx := newBrowserFixture(t)
	server := createStaticTestServer(t, twoLinkPage)

	lc, _, sess := fx.openSession(t, "default")
	snap, err := sess.Run(fx.RootCtx, &schemas.Request{URL: server.URL}, nil)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, snap.Status)
	assert.Contains(t, string(snap.Body), "Lorem ipsum")
	assert.Contains(t, string(snap.Body), "First link")
	assert.Contains(t, string(snap.Body), "Second link")
	assert.Contains(t, snap.URL, server.URL)
	assert.Contains(t, snap.Headers.Get("Content-Type"), "text/html")
	assert.Contains(t, snap.RemoteAddr, "127.0.0.1:")

	assert.GreaterOrEqual(t, lc.Counters().Get(RequestCountKey("Document")), int64(1))
	assert.GreaterOrEqual(t, lc.Counters().Get(ResponseCountKey("Document")), int64(1))
	assert.GreaterOrEqual(t, fx.Pool.GlobalCounters().Get(RequestCountKey("Document")), int64(1))
}

func TestSessionPostBody(t *testing.T) {
	t.Parallel()
	fx := newBrowserFixture(t)
	server := createTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprintf(w, "<html><body>method=%s body=%s</body></html>", r.Method, body)
	}))

	_, _, sess := fx.openSession(t, "default")
	req := &schemas.Request{
		URL:     server.URL,
		Method:  http.MethodPost,
		Headers: http.Header{"Content-Type": {"application/x-www-form-urlencoded"}},
		Body:    []byte("foo=bar"),
		Browser: &schemas.BrowserDirectives{},
	}
	snap, err := sess.Run(fx.RootCtx, req, nil)
	require.NoError(t, err)

	assert.Contains(t, string(snap.Body), "method=POST")
	assert.Contains(t, string(snap.Body), "foo=bar")
}

func TestSessionGalleryAbortMatrix(t *testing.T) {
	t.Parallel()
	fx := newBrowserFixture(t)

	gallery := `<html><body>
<img src="/img/1.png"><img src="/img/2.png"><img src="/img/3.png">
</body></html>`
	server := createTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/":
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprint(w, gallery)
		case strings.HasPrefix(r.URL.Path, "/img/"):
			t.Errorf("aborted resource reached the server: %s", r.URL.Path)
			http.NotFound(w, r)
		default:
			// Favicon probes and friends; not part of the matrix.
			http.NotFound(w, r)
		}
	}))

	lc, _, sess := fx.openSession(t, "default")
	req := &schemas.Request{
		URL: server.URL,
		Browser: &schemas.BrowserDirectives{
			AbortRequest: func(ireq *schemas.InterceptedRequest) (bool, error) {
				return ireq.ResourceType == "Image", nil
			},
		},
	}
	_, err := sess.Run(fx.RootCtx, req, nil)
	require.NoError(t, err)

	// Interception decisions run concurrently with the page load finishing;
	// give the last image decision a moment to land.
	require.Eventually(t, func() bool {
		return lc.Counters().Get(AbortedCountKey) == 3
	}, 10*time.Second, 50*time.Millisecond, "expected exactly 3 aborted requests")

	assert.EqualValues(t, 3, lc.Counters().Get(RequestCountKey("Image")))
	assert.EqualValues(t, 1, lc.Counters().Get(RequestCountKey("Document")))

	// Aborted requests never produce a response, so the response counter for
	// images must not exist at all.
	_, present := lc.Counters().Snapshot()[ResponseCountKey("Image")]
	assert.False(t, present)
}

func TestSessionHeaderProcessorOverride(t *testing.T) {
	t.Parallel()
	fx := newBrowserFixture(t)

	var mu sync.Mutex
	var seen http.Header
	server := createTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			mu.Lock()
			seen = r.Header.Clone()
			mu.Unlock()
		}
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html><body>ok</body></html>")
	}))

	fx.Pool.SetContextHeaderProcessor("default", func(*schemas.InterceptedRequest) (http.Header, error) {
		return http.Header{"Foo": {"bar"}}, nil
	})

	_, _, sess := fx.openSession(t, "default")
	req := &schemas.Request{
		URL:     server.URL,
		Headers: http.Header{"X-Crawler": {"should-vanish"}, "User-Agent": {"mybot/1.0"}},
		Browser: &schemas.BrowserDirectives{},
	}
	_, err := sess.Run(fx.RootCtx, req, nil)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, seen)
	assert.Equal(t, "bar", seen.Get("Foo"))
	assert.Empty(t, seen.Get("X-Crawler"), "custom processors fully replace the header set")
	assert.Empty(t, seen.Get("User-Agent"))
}

func TestSessionNavigationTimeout(t *testing.T) {
	t.Parallel()
	fx := newBrowserFixture(t)

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	server := createTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))

	lc, _, sess := fx.openSession(t, "default")
	override := 300 * time.Millisecond
	req := &schemas.Request{
		URL:     server.URL,
		Browser: &schemas.BrowserDirectives{NavigationTimeout: &override},
	}
	_, err := sess.Run(fx.RootCtx, req, nil)

	var nte *schemas.NavigationTimeoutError
	require.ErrorAs(t, err, &nte)
	assert.Equal(t, override, nte.Timeout)

	// The context must stay usable after a timed-out navigation.
	quick := createStaticTestServer(t, "<html><body>still alive</body></html>")
	pg2, err := fx.Pool.NewPage(fx.RootCtx, lc)
	require.NoError(t, err)
	sess2 := NewSession(fx.Pool, lc, pg2, fx.Logger)
	snap, err := sess2.Run(fx.RootCtx, &schemas.Request{URL: quick.URL}, nil)
	require.NoError(t, err)
	assert.Contains(t, string(snap.Body), "still alive")
}

func TestSessionDialogBindingByName(t *testing.T) {
	t.Parallel()
	fx := newBrowserFixture(t)
	server := createStaticTestServer(t,
		`<html><body><script>alert("hello news")</script><p>after</p></body></html>`)

	messages := make(chan string, 1)
	unit := &stubUnit{
		name: "news_spider",
		handlers: map[string]schemas.PageEventHandler{
			"handle_dialog": func(_ context.Context, ev *schemas.PageEvent) {
				if ev.Dialog != nil {
					select {
					case messages <- ev.Dialog.Message:
					default:
					}
					_ = ev.Dialog.Dismiss()
				}
			},
		},
	}

	_, _, sess := fx.openSession(t, "default")
	req := &schemas.Request{
		URL: server.URL,
		Browser: &schemas.BrowserDirectives{
			EventBindings: map[string]schemas.EventBinding{
				schemas.EventDialog: {HandlerName: "handle_dialog"},
			},
		},
	}
	_, err := sess.Run(fx.RootCtx, req, unit)
	require.NoError(t, err)

	select {
	case msg := <-messages:
		assert.Equal(t, "hello news", msg)
	case <-time.After(10 * time.Second):
		t.Fatal("dialog handler never received the event")
	}
}

func TestSessionUnboundDialogAutoDismissed(t *testing.T) {
	t.Parallel()
	fx := newBrowserFixture(t)
	server := createStaticTestServer(t,
		`<html><body><script>confirm("proceed?")</script><p id="done">done</p></body></html>`)

	_, _, sess := fx.openSession(t, "default")
	snap, err := sess.Run(fx.RootCtx, &schemas.Request{URL: server.URL, Browser: &schemas.BrowserDirectives{}}, nil)
	require.NoError(t, err, "an unbound dialog must not wedge the page")
	assert.Contains(t, string(snap.Body), "done")
}

func TestSessionOperations(t *testing.T) {
	t.Parallel()
	fx := newBrowserFixture(t)
	server := createStaticTestServer(t, twoLinkPage)

	_, _, sess := fx.openSession(t, "default")
	evalOp := schemas.Op(schemas.OpEvaluate, `document.querySelectorAll("a.lorem_ipsum").length`)
	shotOp := schemas.Op(schemas.OpScreenshot, true)
	req := &schemas.Request{
		URL: server.URL,
		Browser: &schemas.BrowserDirectives{
			Operations: []*schemas.PageOperation{
				schemas.Op(schemas.OpWaitForSelector, "p.lorem_ipsum"),
				evalOp,
				shotOp,
			},
		},
	}
	_, err := sess.Run(fx.RootCtx, req, nil)
	require.NoError(t, err)

	assert.EqualValues(t, 2, evalOp.Result, "evaluate result written back")

	shot, ok := shotOp.Result.([]byte)
	require.True(t, ok)
	require.NotEmpty(t, shot)
	// Full screenshots below quality 100 are JPEG encoded.
	assert.Equal(t, []byte{0xff, 0xd8}, shot[:2])
}

func TestSessionOperationFailureStopsSequence(t *testing.T) {
	t.Parallel()
	fx := newBrowserFixture(t)
	server := createStaticTestServer(t, twoLinkPage)

	_, _, sess := fx.openSession(t, "default")
	neverRun := schemas.Op(schemas.OpEvaluate, "1")
	req := &schemas.Request{
		URL: server.URL,
		Browser: &schemas.BrowserDirectives{
			Operations: []*schemas.PageOperation{
				schemas.Op(schemas.OpWaitForSelector, "#does-not-exist").WithTimeout(500 * time.Millisecond),
				neverRun,
			},
		},
	}
	_, err := sess.Run(fx.RootCtx, req, nil)

	var oe *schemas.OperationError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, 0, oe.Index)
	assert.Equal(t, schemas.OpWaitForSelector, oe.Name)
	assert.True(t, errors.Is(oe.Err, context.DeadlineExceeded))
	assert.Nil(t, neverRun.Result, "operations after the failure must not run")
}

func TestSessionIncludePageKeepsPageOpen(t *testing.T) {
	t.Parallel()
	fx := newBrowserFixture(t)
	server := createStaticTestServer(t, twoLinkPage)

	_, pg, sess := fx.openSession(t, "default")
	req := &schemas.Request{
		URL:     server.URL,
		Browser: &schemas.BrowserDirectives{IncludePage: true},
	}
	_, err := sess.Run(fx.RootCtx, req, nil)
	require.NoError(t, err)

	// The page survived the session and can still be driven.
	loc, err := pg.URL(fx.RootCtx)
	require.NoError(t, err)
	assert.Contains(t, loc, server.URL)

	titleOp := schemas.Op(schemas.OpEvaluate, "document.title")
	require.NoError(t, pg.Run(fx.RootCtx, titleOp))
	assert.Equal(t, "Awesome site", titleOp.Result)

	require.NoError(t, pg.Close())
	require.NoError(t, pg.Close(), "close is idempotent")
}

func TestContextCookiePreload(t *testing.T) {
	t.Parallel()
	fx := newBrowserFixture(t, func(c *config.Config) {
		c.ContextCfgs = map[string]config.ContextConfig{
			"cookied": {
				Cookies: []config.Cookie{{
					Name: "tenant", Value: "acme", Domain: "127.0.0.1", Path: "/",
				}},
			},
		}
	})
	server := createStaticTestServer(t, "<html><body>cookies</body></html>")

	_, _, sess := fx.openSession(t, "cookied")
	cookieOp := schemas.Op(schemas.OpEvaluate, "document.cookie")
	req := &schemas.Request{
		URL:     server.URL,
		Browser: &schemas.BrowserDirectives{Operations: []*schemas.PageOperation{cookieOp}},
	}
	_, err := sess.Run(fx.RootCtx, req, nil)
	require.NoError(t, err)
	assert.Contains(t, cookieOp.Result, "tenant=acme")
}
