// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Browser() BrowserConfig
	Recorder() RecorderConfig
	Playback() PlaybackConfig
	Store() StoreConfig
	Database() DatabaseConfig
	Server() ServerConfig

	// Setters for values that CLI flags override.
	SetBrowserHeadless(bool)
	SetBrowserRemoteURL(string)
	SetRecorderMaskSensitiveInput(bool)
	SetStoreType(string)
	SetServerAddr(string)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	BrowserCfg  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	RecorderCfg RecorderConfig `mapstructure:"recorder" yaml:"recorder"`
	PlaybackCfg PlaybackConfig `mapstructure:"playback" yaml:"playback"`
	StoreCfg    StoreConfig    `mapstructure:"store" yaml:"store"`
	DatabaseCfg DatabaseConfig `mapstructure:"database" yaml:"database"`
	ServerCfg   ServerConfig   `mapstructure:"server" yaml:"server"`
}

func (c *Config) Logger() LoggerConfig     { return c.LoggerCfg }
func (c *Config) Browser() BrowserConfig   { return c.BrowserCfg }
func (c *Config) Recorder() RecorderConfig { return c.RecorderCfg }
func (c *Config) Playback() PlaybackConfig { return c.PlaybackCfg }
func (c *Config) Store() StoreConfig       { return c.StoreCfg }
func (c *Config) Database() DatabaseConfig { return c.DatabaseCfg }
func (c *Config) Server() ServerConfig     { return c.ServerCfg }

func (c *Config) SetBrowserHeadless(b bool)    { c.BrowserCfg.Headless = b }
func (c *Config) SetBrowserRemoteURL(u string) { c.BrowserCfg.RemoteURL = u }
func (c *Config) SetStoreType(t string)        { c.StoreCfg.Type = t }
func (c *Config) SetServerAddr(a string)       { c.ServerCfg.Addr = a }
func (c *Config) SetRecorderMaskSensitiveInput(b bool) {
	c.RecorderCfg.MaskSensitiveInput = b
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

// BrowserConfig holds settings for the controlled browser.
type BrowserConfig struct {
	Headless bool `mapstructure:"headless" yaml:"headless"`
	// RemoteURL attaches to an already running browser's debugging endpoint
	// instead of launching one.
	RemoteURL         string         `mapstructure:"remote_url" yaml:"remote_url"`
	ExecPath          string         `mapstructure:"exec_path" yaml:"exec_path"`
	Args              []string       `mapstructure:"args" yaml:"args"`
	Viewport          map[string]int `mapstructure:"viewport" yaml:"viewport"`
	NavigationTimeout time.Duration  `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	ActionTimeout     time.Duration  `mapstructure:"action_timeout" yaml:"action_timeout"`
	Debug             bool           `mapstructure:"debug" yaml:"debug"`
}

// RecorderConfig holds the capture timing windows and default capture policy.
type RecorderConfig struct {
	NavigationDebounce time.Duration `mapstructure:"navigation_debounce" yaml:"navigation_debounce"`
	DuplicateURLWindow time.Duration `mapstructure:"duplicate_url_window" yaml:"duplicate_url_window"`
	PollInterval       time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	PollChangeQuiet    time.Duration `mapstructure:"poll_change_quiet" yaml:"poll_change_quiet"`
	PollCaptureQuiet   time.Duration `mapstructure:"poll_capture_quiet" yaml:"poll_capture_quiet"`
	KeyboardCooldown   time.Duration `mapstructure:"keyboard_cooldown" yaml:"keyboard_cooldown"`
	ScrollDebounce     time.Duration `mapstructure:"scroll_debounce" yaml:"scroll_debounce"`
	HoverDebounce      time.Duration `mapstructure:"hover_debounce" yaml:"hover_debounce"`
	BlurMinLength      int           `mapstructure:"blur_min_length" yaml:"blur_min_length"`

	MaskSensitiveInput bool          `mapstructure:"mask_sensitive_input" yaml:"mask_sensitive_input"`
	Events             []string      `mapstructure:"events" yaml:"events"`
	MaxEvents          int           `mapstructure:"max_events" yaml:"max_events"`
	MaxDuration        time.Duration `mapstructure:"max_duration" yaml:"max_duration"`
	Delay              time.Duration `mapstructure:"delay" yaml:"delay"`
	CaptureScreenshots bool          `mapstructure:"capture_screenshots" yaml:"capture_screenshots"`
	ScreenshotInterval time.Duration `mapstructure:"screenshot_interval" yaml:"screenshot_interval"`
	ScreenshotOnClick  bool          `mapstructure:"screenshot_on_click" yaml:"screenshot_on_click"`
}

// PlaybackConfig bounds replay pacing.
type PlaybackConfig struct {
	MinDelay     time.Duration `mapstructure:"min_delay" yaml:"min_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	DefaultSpeed float64       `mapstructure:"default_speed" yaml:"default_speed"`
}

// StoreConfig selects the recording repository.
type StoreConfig struct {
	Type string `mapstructure:"type" yaml:"type"`
	Dir  string `mapstructure:"dir" yaml:"dir"`
}

// DatabaseConfig holds the database connection details.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// ServerConfig configures the HTTP control API.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

const (
	StoreTypeFile     = "file"
	StoreTypePostgres = "postgres"
)

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Defaults are static, so this only fires on a programming error.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "scalpel-replay")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "red")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.remote_url", "")
	v.SetDefault("browser.viewport", map[string]int{"width": 1280, "height": 800})
	v.SetDefault("browser.navigation_timeout", "60s")
	v.SetDefault("browser.action_timeout", "30s")
	v.SetDefault("browser.debug", false)

	// -- Recorder windows --
	v.SetDefault("recorder.navigation_debounce", "300ms")
	v.SetDefault("recorder.duplicate_url_window", "1s")
	v.SetDefault("recorder.poll_interval", "2s")
	v.SetDefault("recorder.poll_change_quiet", "2500ms")
	v.SetDefault("recorder.poll_capture_quiet", "3500ms")
	v.SetDefault("recorder.keyboard_cooldown", "3s")
	v.SetDefault("recorder.scroll_debounce", "100ms")
	v.SetDefault("recorder.hover_debounce", "200ms")
	v.SetDefault("recorder.blur_min_length", 2)

	// -- Recorder capture policy --
	v.SetDefault("recorder.mask_sensitive_input", false)
	v.SetDefault("recorder.events", []string{
		"click", "type", "navigation", "key_press", "form_submit", "form_focus", "form_navigation",
	})
	v.SetDefault("recorder.max_events", 1000)
	v.SetDefault("recorder.max_duration", "30m")
	v.SetDefault("recorder.delay", "0s")
	v.SetDefault("recorder.capture_screenshots", false)
	v.SetDefault("recorder.screenshot_interval", "0s")
	v.SetDefault("recorder.screenshot_on_click", false)

	// -- Playback --
	v.SetDefault("playback.min_delay", "100ms")
	v.SetDefault("playback.max_delay", "5s")
	v.SetDefault("playback.default_speed", 1.0)

	// -- Store --
	v.SetDefault("store.type", StoreTypeFile)
	v.SetDefault("store.dir", "~/.scalpel-replay/recordings")

	// -- Server --
	v.SetDefault("server.addr", "127.0.0.1:8088")
	v.SetDefault("server.shutdown_timeout", "10s")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// The connection string usually carries a password, so it is bound to a
	// dedicated variable as well as the prefixed key.
	_ = v.BindEnv("database.url", "SCALPEL_REPLAY_DATABASE_URL", "DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.RecorderCfg.Validate(); err != nil {
		return fmt.Errorf("recorder configuration invalid: %w", err)
	}
	if err := c.PlaybackCfg.Validate(); err != nil {
		return fmt.Errorf("playback configuration invalid: %w", err)
	}
	switch c.StoreCfg.Type {
	case StoreTypeFile:
		if c.StoreCfg.Dir == "" {
			return fmt.Errorf("store.dir is required for the file store")
		}
	case StoreTypePostgres:
		if c.DatabaseCfg.URL == "" {
			return fmt.Errorf("database.url is required for the postgres store")
		}
	default:
		return fmt.Errorf("store.type must be %q or %q, got %q", StoreTypeFile, StoreTypePostgres, c.StoreCfg.Type)
	}
	return nil
}

// Validate checks that every timing window is usable.
func (r *RecorderConfig) Validate() error {
	windows := map[string]time.Duration{
		"navigation_debounce":  r.NavigationDebounce,
		"duplicate_url_window": r.DuplicateURLWindow,
		"poll_interval":        r.PollInterval,
		"poll_change_quiet":    r.PollChangeQuiet,
		"poll_capture_quiet":   r.PollCaptureQuiet,
		"keyboard_cooldown":    r.KeyboardCooldown,
		"scroll_debounce":      r.ScrollDebounce,
		"hover_debounce":       r.HoverDebounce,
	}
	for name, d := range windows {
		if d <= 0 {
			return fmt.Errorf("%s must be a positive duration", name)
		}
	}
	if r.BlurMinLength < 0 {
		return fmt.Errorf("blur_min_length must not be negative")
	}
	if r.MaxEvents < 0 {
		return fmt.Errorf("max_events must not be negative")
	}
	if r.Delay < 0 || r.MaxDuration < 0 || r.ScreenshotInterval < 0 {
		return fmt.Errorf("delay, max_duration and screenshot_interval must not be negative")
	}
	return nil
}

// Validate checks the playback pacing bounds.
func (p *PlaybackConfig) Validate() error {
	if p.MinDelay < 0 {
		return fmt.Errorf("min_delay must not be negative")
	}
	if p.MaxDelay < p.MinDelay {
		return fmt.Errorf("max_delay (%s) must not be less than min_delay (%s)", p.MaxDelay, p.MinDelay)
	}
	if p.DefaultSpeed <= 0 {
		return fmt.Errorf("default_speed must be positive")
	}
	return nil
}
