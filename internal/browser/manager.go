// File: internal/browser/manager.go
package browser

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/crowhurst/pagebridge/api/schemas"
	"github.com/crowhurst/pagebridge/internal/config"
)

const shutdownGracePeriod = 15 * time.Second

// Handle is one launched browser process (or remote attachment) plus the
// contexts needed to drive it.
type Handle struct {
	Kind string

	// BrowserCtx is the chromedp context attached to the browser's own
	// target. Page contexts derive from it.
	BrowserCtx context.Context

	// ControllerCtx executes CDP commands against the browser endpoint
	// itself (Target.createBrowserContext and friends), not against a page.
	ControllerCtx context.Context

	// ContextCreationMu serializes browser-context and target creation.
	// Interleaved create calls on one CDP connection have produced crashes,
	// so everything that mints contexts takes this lock.
	ContextCreationMu sync.Mutex

	allocCancel   context.CancelFunc
	browserCancel context.CancelFunc
}

type launchState struct {
	once   sync.Once
	handle *Handle
	err    error
}

// Manager owns the browser processes. At most one browser is launched per
// kind; launches are lazy and concurrent first requests for the same kind
// collapse into a single launch. A failed launch is reported to every caller
// and retried on the next Start.
type Manager struct {
	cfg    *config.Config
	logger *zap.Logger

	mu       sync.Mutex
	launches map[string]*launchState
	closed   bool
}

// NewManager creates a browser manager. No process starts until Start is
// called.
func NewManager(cfg *config.Config, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		logger:   logger.Named("browser_manager"),
		launches: make(map[string]*launchState),
	}
}

// Start returns the launched browser for the given kind, launching it on
// first use. Launch failures come back as *schemas.LaunchError.
func (m *Manager) Start(ctx context.Context, kind string) (*Handle, error) {
	if kind == "" {
		kind = m.cfg.BrowserCfg.Kind
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, schemas.ErrHandlerClosed
	}
	ls, ok := m.launches[kind]
	if !ok {
		ls = &launchState{}
		m.launches[kind] = ls
	}
	m.mu.Unlock()

	ls.once.Do(func() {
		ls.handle, ls.err = m.launch(ctx, kind)
		if ls.err != nil {
			// Let the next Start attempt a fresh launch instead of caching
			// the failure forever.
			m.mu.Lock()
			delete(m.launches, kind)
			m.mu.Unlock()
		}
	})
	if ls.err != nil {
		return nil, &schemas.LaunchError{Kind: kind, Err: ls.err}
	}
	if ls.handle == nil {
		// Stop settled this entry before the launch began.
		return nil, schemas.ErrHandlerClosed
	}
	return ls.handle, nil
}

// launch starts (or attaches to) one browser and verifies the CDP connection.
func (m *Manager) launch(ctx context.Context, kind string) (*Handle, error) {
	m.logger.Info("Launching browser.", zap.String("kind", kind))

	var allocCtx context.Context
	var allocCancel context.CancelFunc

	switch kind {
	case config.KindRemote:
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(context.Background(), m.cfg.BrowserCfg.RemoteURL)
	case config.KindChromium, config.KindChrome, config.KindEdge:
		opts := m.execOptions(kind)
		allocCtx, allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unknown browser kind %q", kind)
	}

	var ctxOpts []chromedp.ContextOption
	if m.cfg.BrowserCfg.Debug {
		ctxOpts = append(ctxOpts, chromedp.WithDebugf(m.logger.Sugar().Debugf))
	}
	browserCtx, browserCancel := chromedp.NewContext(allocCtx, ctxOpts...)

	launchTimeout := m.cfg.BrowserCfg.LaunchTimeout
	if launchTimeout <= 0 {
		launchTimeout = 30 * time.Second
	}
	startCtx, cancel := context.WithTimeout(ctx, launchTimeout)
	defer cancel()

	// Running an empty task forces the browser process to start and the CDP
	// connection to come up. chromedp.Run only honors the browser context, so
	// the launch deadline is enforced from outside.
	done := make(chan error, 1)
	go func() {
		done <- chromedp.Run(browserCtx)
	}()
	select {
	case err := <-done:
		if err != nil {
			browserCancel()
			allocCancel()
			return nil, fmt.Errorf("starting browser: %w", err)
		}
	case <-startCtx.Done():
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("browser start deadline exceeded: %w", startCtx.Err())
	}

	c := chromedp.FromContext(browserCtx)
	controllerCtx := cdp.WithExecutor(browserCtx, c.Browser)

	m.logger.Info("Browser ready.", zap.String("kind", kind))
	return &Handle{
		Kind:          kind,
		BrowserCtx:    browserCtx,
		ControllerCtx: controllerCtx,
		allocCancel:   allocCancel,
		browserCancel: browserCancel,
	}, nil
}

// execOptions builds the ExecAllocator flag set from configuration, with
// stability defaults suitable for headless operation.
func (m *Manager) execOptions(kind string) []chromedp.ExecAllocatorOption {
	bc := m.cfg.BrowserCfg

	opts := []chromedp.ExecAllocatorOption{
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.Flag("disable-dev-shm-usage", true),
	}
	if bc.Headless {
		opts = append(opts, chromedp.Headless)
	}
	if bc.DisableCache {
		opts = append(opts, chromedp.Flag("disk-cache-size", "0"))
	}
	if bc.IgnoreTLSErrors {
		opts = append(opts, chromedp.Flag("ignore-certificate-errors", true))
	}

	if bc.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(bc.ExecPath))
	} else if path := findBinary(kind); path != "" {
		opts = append(opts, chromedp.ExecPath(path))
	}

	// Additional flags from the config file's 'args' slice. key=value
	// arguments become value flags, bare arguments become boolean flags.
	for _, arg := range bc.Args {
		key, value, found := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		if found {
			opts = append(opts, chromedp.Flag(key, value))
		} else {
			opts = append(opts, chromedp.Flag(key, true))
		}
	}
	return opts
}

// binaryCandidates maps a browser kind to binaries to probe on PATH, in
// preference order. Chromium falls through to chromedp's own discovery when
// nothing matches.
var binaryCandidates = map[string][]string{
	config.KindChromium: {"chromium", "chromium-browser", "google-chrome", "google-chrome-stable"},
	config.KindChrome:   {"google-chrome", "google-chrome-stable", "chrome"},
	config.KindEdge:     {"microsoft-edge", "microsoft-edge-stable", "msedge"},
}

func findBinary(kind string) string {
	for _, name := range binaryCandidates[kind] {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}
	return ""
}

// Stop shuts every launched browser down, gracefully first and forcefully
// after the grace period. Cleanup failures are logged, never returned as
// fatal; Stop itself is idempotent.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	launches := m.launches
	m.launches = make(map[string]*launchState)
	m.mu.Unlock()

	for kind, ls := range launches {
		// Settle the launch state: wait out an in-flight launch, or win the
		// once so a racing Start cannot begin one after shutdown. The Do also
		// orders the launch goroutine's handle write before the read below.
		ls.once.Do(func() {})
		h := ls.handle
		if h == nil {
			continue
		}
		m.logger.Debug("Stopping browser.", zap.String("kind", kind))

		done := make(chan error, 1)
		go func() {
			done <- chromedp.Cancel(h.BrowserCtx)
		}()
		select {
		case err := <-done:
			if err != nil && err != context.Canceled {
				m.logger.Warn("Graceful browser shutdown reported an error.",
					zap.String("kind", kind), zap.Error(err))
			}
		case <-time.After(shutdownGracePeriod):
			m.logger.Warn("Graceful browser shutdown timed out, forcing.",
				zap.String("kind", kind))
		case <-ctx.Done():
			m.logger.Warn("Shutdown context expired, forcing.",
				zap.String("kind", kind))
		}

		h.browserCancel()
		h.allocCancel()
	}
	m.logger.Info("Browser manager stopped.")
	return nil
}
