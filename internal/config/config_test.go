package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestNewDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := NewDefaultConfig()

	assert.Equal(t, KindChromium, cfg.BrowserCfg.Kind)
	assert.True(t, cfg.BrowserCfg.Headless)
	assert.Equal(t, "evict", cfg.BrowserCfg.ContextsPolicy)
	assert.False(t, cfg.BrowserCfg.Always)
	assert.Equal(t, "info", cfg.LoggerCfg.Level)
	assert.Equal(t, "pagebridge", cfg.LoggerCfg.ServiceName)
	assert.Equal(t, 30*time.Second, cfg.NetworkCfg.Timeout)

	// Absent, zero, and positive navigation timeouts are three different
	// things; the default must be absent.
	assert.Nil(t, cfg.NetworkCfg.NavigationTimeout)

	require.NoError(t, cfg.Validate())
}

func writeConfigFile(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	return path
}

func TestLoadFromFile(t *testing.T) {
	t.Parallel()
	path := writeConfigFile(t, `
logger:
  level: debug
  format: json
browser:
  kind: chromium
  headless: false
  contexts_policy: retain
network:
  navigation_timeout: 45s
contexts:
  default:
    max_pages: 4
  gallery:
    user_agent: "galleria/2.0"
    max_pages: 1
    rate_limit: 2.5
    navigation_timeout: 5s
    extra_headers:
      X-Tenant: gallery
  instant:
    navigation_timeout: 0s
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LoggerCfg.Level)
	assert.False(t, cfg.BrowserCfg.Headless)
	assert.Equal(t, "retain", cfg.BrowserCfg.ContextsPolicy)

	require.NotNil(t, cfg.NetworkCfg.NavigationTimeout)
	assert.Equal(t, 45*time.Second, *cfg.NetworkCfg.NavigationTimeout)

	def := cfg.ContextFor("default")
	assert.Equal(t, 4, def.MaxPages)
	assert.Nil(t, def.NavigationTimeout, "context without a timeout inherits")

	gallery := cfg.ContextFor("gallery")
	assert.Equal(t, "galleria/2.0", gallery.UserAgent)
	assert.Equal(t, 1, gallery.MaxPages)
	assert.InDelta(t, 2.5, gallery.RateLimit, 0.001)
	require.NotNil(t, gallery.NavigationTimeout)
	assert.Equal(t, 5*time.Second, *gallery.NavigationTimeout)
	// viper lowercases all keys on unmarshal; header names are canonicalized
	// again where they are sent to the browser.
	assert.Equal(t, "gallery", gallery.ExtraHeaders["x-tenant"])

	// An explicit zero must survive as a zero pointer, not collapse to nil.
	instant := cfg.ContextFor("instant")
	require.NotNil(t, instant.NavigationTimeout)
	assert.Equal(t, time.Duration(0), *instant.NavigationTimeout)
}

func TestContextForUnknownName(t *testing.T) {
	t.Parallel()
	cfg := NewDefaultConfig()
	cc := cfg.ContextFor("never-configured")
	assert.Equal(t, ContextConfig{}, cc, "unknown names get the empty default")
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base := func() *Config { return NewDefaultConfig() }

	t.Run("FirefoxRejected", func(t *testing.T) {
		t.Parallel()
		cfg := base()
		cfg.BrowserCfg.Kind = "firefox"
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "CDP")
	})

	t.Run("WebkitRejected", func(t *testing.T) {
		t.Parallel()
		cfg := base()
		cfg.BrowserCfg.Kind = "webkit"
		require.Error(t, cfg.Validate())
	})

	t.Run("UnknownKindRejected", func(t *testing.T) {
		t.Parallel()
		cfg := base()
		cfg.BrowserCfg.Kind = "netscape"
		require.Error(t, cfg.Validate())
	})

	t.Run("RemoteRequiresURL", func(t *testing.T) {
		t.Parallel()
		cfg := base()
		cfg.BrowserCfg.Kind = KindRemote
		require.Error(t, cfg.Validate())

		cfg.BrowserCfg.RemoteURL = "ws://127.0.0.1:9222/devtools/browser"
		require.NoError(t, cfg.Validate())
	})

	t.Run("BadContextsPolicy", func(t *testing.T) {
		t.Parallel()
		cfg := base()
		cfg.BrowserCfg.ContextsPolicy = "recycle"
		require.Error(t, cfg.Validate())
	})

	t.Run("NegativeContextValues", func(t *testing.T) {
		t.Parallel()
		cfg := base()
		cfg.ContextCfgs = map[string]ContextConfig{"bad": {MaxPages: -1}}
		require.Error(t, cfg.Validate())

		neg := -time.Second
		cfg.ContextCfgs = map[string]ContextConfig{"bad": {NavigationTimeout: &neg}}
		require.Error(t, cfg.Validate())
	})
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
