// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Browser() BrowserConfig
	Network() NetworkConfig
	ContextFor(name string) ContextConfig
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg   LoggerConfig             `mapstructure:"logger" yaml:"logger"`
	BrowserCfg  BrowserConfig            `mapstructure:"browser" yaml:"browser"`
	NetworkCfg  NetworkConfig            `mapstructure:"network" yaml:"network"`
	ContextCfgs map[string]ContextConfig `mapstructure:"contexts" yaml:"contexts"`
}

func (c *Config) Logger() LoggerConfig   { return c.LoggerCfg }
func (c *Config) Browser() BrowserConfig { return c.BrowserCfg }
func (c *Config) Network() NetworkConfig { return c.NetworkCfg }

// ContextFor resolves the configuration for a named browser context. Unknown
// names get an empty config rather than an error, so "default" and ad-hoc
// context names always work.
func (c *Config) ContextFor(name string) ContextConfig {
	if cc, ok := c.ContextCfgs[name]; ok {
		return cc
	}
	return ContextConfig{}
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// Browser kinds accepted by the process manager. CDP can only drive
// Chromium-family engines; firefox and webkit are rejected at validation.
const (
	KindChromium = "chromium"
	KindChrome   = "chrome"
	KindEdge     = "edge"
	KindRemote   = "remote"
)

// BrowserConfig holds settings for the headless browser processes.
type BrowserConfig struct {
	Kind            string   `mapstructure:"kind" yaml:"kind"`
	Headless        bool     `mapstructure:"headless" yaml:"headless"`
	DisableCache    bool     `mapstructure:"disable_cache" yaml:"disable_cache"`
	IgnoreTLSErrors bool     `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	Debug           bool     `mapstructure:"debug" yaml:"debug"`
	Args            []string `mapstructure:"args" yaml:"args"`
	ExecPath        string   `mapstructure:"exec_path" yaml:"exec_path"`

	// RemoteURL is the devtools websocket endpoint used when Kind is
	// "remote".
	RemoteURL string `mapstructure:"remote_url" yaml:"remote_url"`

	// LaunchTimeout bounds the initial browser start.
	LaunchTimeout time.Duration `mapstructure:"launch_timeout" yaml:"launch_timeout"`

	// Always forces every download through the browser path, even requests
	// that carry no browser directives.
	Always bool `mapstructure:"always" yaml:"always"`

	// ContextsPolicy controls what happens to a browser context when its
	// last user releases it: "evict" closes it, "retain" keeps it warm until
	// the handler closes.
	ContextsPolicy string `mapstructure:"contexts_policy" yaml:"contexts_policy"`
}

// Viewport is a page viewport size in CSS pixels.
type Viewport struct {
	Width  int `mapstructure:"width" yaml:"width"`
	Height int `mapstructure:"height" yaml:"height"`
}

// Cookie is a cookie preloaded into a browser context before any page opens.
type Cookie struct {
	Name   string `mapstructure:"name" yaml:"name"`
	Value  string `mapstructure:"value" yaml:"value"`
	Domain string `mapstructure:"domain" yaml:"domain"`
	Path   string `mapstructure:"path" yaml:"path"`
	Secure bool   `mapstructure:"secure" yaml:"secure"`
}

// ContextConfig describes one named browser context (an isolated
// cookie/storage scope). The zero value is a valid default context.
type ContextConfig struct {
	UserAgent    string            `mapstructure:"user_agent" yaml:"user_agent"`
	Viewport     *Viewport         `mapstructure:"viewport" yaml:"viewport"`
	ExtraHeaders map[string]string `mapstructure:"extra_headers" yaml:"extra_headers"`
	InitScript   string            `mapstructure:"init_script" yaml:"init_script"`
	Cookies      []Cookie          `mapstructure:"cookies" yaml:"cookies"`

	// MaxPages caps concurrently open pages in this context. Zero means
	// unlimited.
	MaxPages int `mapstructure:"max_pages" yaml:"max_pages"`

	// RateLimit paces continued (non-aborted) requests, in requests per
	// second. Zero disables pacing.
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit"`

	// NavigationTimeout is the context-level default. Nil means fall back to
	// network.navigation_timeout; an explicit zero disables the bound.
	NavigationTimeout *time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
}

// NetworkConfig tunes network behavior shared by the browser and fallback
// paths.
type NetworkConfig struct {
	// Timeout bounds a whole non-browser (fallback) download.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`

	// NavigationTimeout is the handler-wide default navigation bound. Nil
	// means the engine's own default applies; zero disables the bound
	// outright.
	NavigationTimeout *time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`

	Headers map[string]string `mapstructure:"headers" yaml:"headers"`
}

// NewDefaultConfig creates a configuration struct populated with defaults.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
// Note that network.navigation_timeout deliberately has no default: absent,
// zero, and positive are three different behaviors and a default would
// collapse the first two.
func SetDefaults(v *viper.Viper) {
	// Logger defaults
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "pagebridge")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// Browser defaults
	v.SetDefault("browser.kind", KindChromium)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.disable_cache", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.debug", false)
	v.SetDefault("browser.launch_timeout", "30s")
	v.SetDefault("browser.always", false)
	v.SetDefault("browser.contexts_policy", "evict")

	// Network defaults
	v.SetDefault("network.timeout", "30s")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.LoggerCfg.LogFile != "" {
		expanded, err := homedir.Expand(cfg.LoggerCfg.LogFile)
		if err != nil {
			return nil, fmt.Errorf("expanding logger.log_file: %w", err)
		}
		cfg.LoggerCfg.LogFile = expanded
	}
	if cfg.BrowserCfg.ExecPath != "" {
		expanded, err := homedir.Expand(cfg.BrowserCfg.ExecPath)
		if err != nil {
			return nil, fmt.Errorf("expanding browser.exec_path: %w", err)
		}
		cfg.BrowserCfg.ExecPath = expanded
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Load reads the config file at path (optional) plus PAGEBRIDGE_* environment
// variables and returns the validated configuration.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix("PAGEBRIDGE")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %q: %w", path, err)
		}
	}
	return NewConfigFromViper(v)
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	switch c.BrowserCfg.Kind {
	case KindChromium, KindChrome, KindEdge:
	case KindRemote:
		if c.BrowserCfg.RemoteURL == "" {
			return fmt.Errorf("browser.remote_url is required when browser.kind is %q", KindRemote)
		}
	case "firefox", "webkit":
		return fmt.Errorf("browser.kind %q is not supported: only Chromium-family engines speak CDP", c.BrowserCfg.Kind)
	default:
		return fmt.Errorf("unknown browser.kind %q", c.BrowserCfg.Kind)
	}

	switch c.BrowserCfg.ContextsPolicy {
	case "evict", "retain":
	default:
		return fmt.Errorf("browser.contexts_policy must be \"evict\" or \"retain\", got %q", c.BrowserCfg.ContextsPolicy)
	}

	for name, cc := range c.ContextCfgs {
		if cc.MaxPages < 0 {
			return fmt.Errorf("contexts.%s.max_pages must not be negative", name)
		}
		if cc.RateLimit < 0 {
			return fmt.Errorf("contexts.%s.rate_limit must not be negative", name)
		}
		if cc.NavigationTimeout != nil && *cc.NavigationTimeout < 0 {
			return fmt.Errorf("contexts.%s.navigation_timeout must not be negative", name)
		}
	}

	if c.NetworkCfg.NavigationTimeout != nil && *c.NetworkCfg.NavigationTimeout < 0 {
		return fmt.Errorf("network.navigation_timeout must not be negative")
	}
	return nil
}
