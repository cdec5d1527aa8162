// File: internal/browser/browser_helper_test.go
package browser

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/semaphore"

	"github.com/crowhurst/pagebridge/internal/config"
)

var (
	// globalProcessSemaphore limits concurrent browser processes across the
	// whole test binary.
	globalProcessSemaphore     *semaphore.Weighted
	globalProcessSemaphoreOnce sync.Once
)

const (
	maxTestConcurrency        = 2
	defaultBrowserTestTimeout = 120 * time.Second
	testCleanupGracePeriod    = 1 * time.Second
	semaphoreAcquireTimeout   = 30 * time.Second
	fixtureShutdownTimeout    = 15 * time.Second
)

func getGlobalProcessSemaphore() *semaphore.Weighted {
	globalProcessSemaphoreOnce.Do(func() {
		concurrency := int64(runtime.GOMAXPROCS(0))
		if concurrency > maxTestConcurrency {
			concurrency = maxTestConcurrency
		}
		if concurrency < 1 {
			concurrency = 1
		}
		globalProcessSemaphore = semaphore.NewWeighted(concurrency)
	})
	return globalProcessSemaphore
}

// skipWithoutChrome skips browser-backed tests on machines with no
// Chromium-family binary installed, so the rest of the suite runs anywhere.
func skipWithoutChrome(t *testing.T) {
	t.Helper()
	for _, kind := range []string{config.KindChromium, config.KindChrome, config.KindEdge} {
		if findBinary(kind) != "" {
			return
		}
	}
	t.Skip("no Chromium-family browser found on PATH; skipping browser integration test")
}

// browserFixture is the sandboxed environment for integration tests: one
// launched browser, one pool, cleaned up with the test.
type browserFixture struct {
	Cfg     *config.Config
	Manager *Manager
	Handle  *Handle
	Pool    *Pool
	Logger  *zap.Logger
	RootCtx context.Context
}

type fixtureConfigurator func(*config.Config)

func createTestConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.BrowserCfg.Headless = true
	cfg.BrowserCfg.IgnoreTLSErrors = true
	cfg.BrowserCfg.Args = []string{"--disable-dev-shm-usage"}
	nav := 60 * time.Second
	cfg.NetworkCfg.NavigationTimeout = &nav
	return cfg
}

func newBrowserFixture(t *testing.T, configurators ...fixtureConfigurator) *browserFixture {
	t.Helper()
	skipWithoutChrome(t)

	logger := zaptest.NewLogger(t).With(zap.String("test", t.Name()))

	deadline, ok := t.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultBrowserTestTimeout)
	}
	rootCtx, rootCancel := context.WithDeadline(context.Background(), deadline.Add(-testCleanupGracePeriod))
	t.Cleanup(rootCancel)

	cfg := createTestConfig()
	for _, c := range configurators {
		c(cfg)
	}

	sem := getGlobalProcessSemaphore()
	acquireCtx, acquireCancel := context.WithTimeout(rootCtx, semaphoreAcquireTimeout)
	err := sem.Acquire(acquireCtx, 1)
	acquireCancel()
	require.NoError(t, err, "failed to acquire browser process semaphore")
	t.Cleanup(func() { sem.Release(1) })

	manager := NewManager(cfg, logger)
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), fixtureShutdownTimeout)
		defer cancel()
		if err := manager.Stop(shutdownCtx); err != nil {
			t.Logf("Warning: browser manager stop failed: %v", err)
		}
	})

	handle, err := manager.Start(rootCtx, cfg.BrowserCfg.Kind)
	require.NoError(t, err, "failed to launch test browser")

	pool := NewPool(cfg, logger, handle, NewCounters())
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), fixtureShutdownTimeout)
		defer cancel()
		_ = pool.Close(shutdownCtx)
	})

	return &browserFixture{
		Cfg:     cfg,
		Manager: manager,
		Handle:  handle,
		Pool:    pool,
		Logger:  logger,
		RootCtx: rootCtx,
	}
}

// openSession acquires the named context and opens a page in it, wiring
// cleanup for both.
func (fx *browserFixture) openSession(t *testing.T, contextName string) (*LiveContext, *Page, *Session) {
	t.Helper()
	lc, err := fx.Pool.Acquire(fx.RootCtx, contextName)
	require.NoError(t, err)
	t.Cleanup(func() { fx.Pool.Release(lc) })

	pg, err := fx.Pool.NewPage(fx.RootCtx, lc)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Close() })

	return lc, pg, NewSession(fx.Pool, lc, pg, fx.Logger)
}

// createTestServer returns a server using the provided handler.
func createTestServer(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}

// createStaticTestServer returns a server that serves the given HTML content.
func createStaticTestServer(t *testing.T, htmlContent string) *httptest.Server {
	t.Helper()
	return createTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintln(w, htmlContent)
	}))
}
