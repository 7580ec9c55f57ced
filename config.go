package ecsviewer

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config holds the dashboard configuration. Values come from defaults, then
// an optional YAML file, then ECSVIEWER_* environment variables.
type Config struct {
	HTTPAddr        string        `yaml:"http_addr" env:"ECSVIEWER_HTTP_ADDR"`
	WebDir          string        `yaml:"web_dir" env:"ECSVIEWER_WEB_DIR"`
	LogLevel        string        `yaml:"log_level" env:"ECSVIEWER_LOG_LEVEL"`
	RefreshInterval time.Duration `yaml:"refresh_interval" env:"ECSVIEWER_REFRESH_INTERVAL"`

	Buffer    BufferConfig    `yaml:"buffer" envPrefix:"ECSVIEWER_BUFFER_"`
	Highlight HighlightConfig `yaml:"highlight" envPrefix:"ECSVIEWER_HIGHLIGHT_"`
	Link      LinkConfig      `yaml:"link_min_max" envPrefix:"ECSVIEWER_LINK_"`

	ShowPoolGraph bool   `yaml:"show_pool_graph" env:"ECSVIEWER_SHOW_POOL_GRAPH"`
	OTelEndpoint  string `yaml:"otel_endpoint" env:"ECSVIEWER_OTEL_ENDPOINT"`
}

// BufferConfig tunes every rolling series.
type BufferConfig struct {
	ResetBoundsInterval time.Duration `yaml:"reset_bounds_interval" env:"RESET_BOUNDS_INTERVAL"`
	Window              time.Duration `yaml:"window" env:"WINDOW"`
	MaxSamples          int           `yaml:"max_samples" env:"MAX_SAMPLES"`
}

// HighlightConfig controls hover highlighting.
type HighlightConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
}

// LinkConfig sets the initial linked min/max mode per panel group.
type LinkConfig struct {
	Components bool `yaml:"components" env:"COMPONENTS"`
	Queries    bool `yaml:"queries" env:"QUERIES"`
	Systems    bool `yaml:"systems" env:"SYSTEMS"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		HTTPAddr: ":8080",
		LogLevel: "info",
		Buffer: BufferConfig{
			ResetBoundsInterval: DefaultResetBoundsInterval,
			Window:              DefaultSampleWindow,
			MaxSamples:          DefaultMaxSamples,
		},
		Highlight: HighlightConfig{Enabled: true},
	}
}

// LoadConfigFile reads a YAML config file over the defaults.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// LoadConfig builds the configuration from defaults, the YAML file at path
// (skipped when path is empty) and the environment. It does not normalize.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		fromFile, err := LoadConfigFile(path)
		if err != nil {
			return nil, err
		}
		cfg = *fromFile
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return &cfg, nil
}

// Normalize replaces invalid values with their defaults. Each replacement is
// returned as an *ErrInvalidOption; none of them is fatal.
func (c *Config) Normalize() []error {
	var warnings []error
	replace := func(option string, value, used any) {
		warnings = append(warnings, &ErrInvalidOption{Option: option, Value: value, Used: used})
	}

	if c.HTTPAddr == "" {
		replace("http_addr", c.HTTPAddr, ":8080")
		c.HTTPAddr = ":8080"
	}
	if _, ok := parseLevel(c.LogLevel); !ok {
		replace("log_level", c.LogLevel, "info")
		c.LogLevel = "info"
	}
	if c.RefreshInterval < 0 {
		replace("refresh_interval", c.RefreshInterval, time.Duration(0))
		c.RefreshInterval = 0
	}
	if c.Buffer.ResetBoundsInterval <= 0 {
		replace("buffer.reset_bounds_interval", c.Buffer.ResetBoundsInterval, DefaultResetBoundsInterval)
		c.Buffer.ResetBoundsInterval = DefaultResetBoundsInterval
	}
	if c.Buffer.Window <= 0 {
		replace("buffer.window", c.Buffer.Window, DefaultSampleWindow)
		c.Buffer.Window = DefaultSampleWindow
	}
	if c.Buffer.MaxSamples <= 0 {
		replace("buffer.max_samples", c.Buffer.MaxSamples, DefaultMaxSamples)
		c.Buffer.MaxSamples = DefaultMaxSamples
	}
	return warnings
}

// BufferOptions converts the buffer section to BufferOptions.
func (c *Config) BufferOptions() BufferOptions {
	return BufferOptions{
		ResetBoundsInterval: c.Buffer.ResetBoundsInterval,
		Window:              c.Buffer.Window,
		MaxSamples:          c.Buffer.MaxSamples,
	}
}

// ProcessorOptions returns the processor options implied by c.
func (c *Config) ProcessorOptions() []ProcessorOption {
	return []ProcessorOption{
		WithBufferOptions(c.BufferOptions()),
		WithLinkMinMax(GroupComponents, c.Link.Components),
		WithLinkMinMax(GroupQueries, c.Link.Queries),
		WithLinkMinMax(GroupSystems, c.Link.Systems),
		WithShowPoolGraph(c.ShowPoolGraph),
	}
}

// Level returns the configured log level.
func (c *Config) Level() slog.Level {
	l, _ := parseLevel(c.LogLevel)
	return l
}

func parseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, true
	case "info", "":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}
