// Package config provides configuration loading and validation.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pthm/hxdefer/lib/remotepattern"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Secret  string        `yaml:"secret"` // Key for signing and encrypting props
	Images  ImagesConfig  `yaml:"images"`
	Map     MapConfig     `yaml:"map"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Preload PreloadConfig `yaml:"preload"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ImagesConfig configures the image proxy and its remote-pattern table.
type ImagesConfig struct {
	Path           string                  `yaml:"path"`
	RemotePatterns []remotepattern.Pattern `yaml:"remotePatterns"`
	Timeout        time.Duration           `yaml:"timeout"`
	MaxBytes       int64                   `yaml:"max_bytes"`
	CacheMaxAge    time.Duration           `yaml:"cache_max_age"`
}

// MapConfig configures the deferred map on the index page.
type MapConfig struct {
	TileURL string  `yaml:"tile_url"` // Template with {z}, {x} and {y}
	Lat     float64 `yaml:"lat"`
	Lng     float64 `yaml:"lng"`
	Zoom    int     `yaml:"zoom"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "console"
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// PreloadConfig controls resolving deferred components at start-up.
type PreloadConfig struct {
	Enabled     bool `yaml:"enabled"`
	Concurrency int  `yaml:"concurrency"`
}

// Default returns the configuration used when no file is given. Its image
// table admits every host over http and https.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Images: ImagesConfig{
			Path: "/_img",
			RemotePatterns: []remotepattern.Pattern{
				{Protocol: "http", Hostname: "**"},
				{Protocol: "https", Hostname: "**"},
			},
			Timeout:     10 * time.Second,
			MaxBytes:    10 << 20,
			CacheMaxAge: 60 * time.Second,
		},
		Map: MapConfig{
			TileURL: "https://tile.openstreetmap.org/{z}/{x}/{y}.png",
			Lat:     51.5074,
			Lng:     -0.1278,
			Zoom:    12,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Preload: PreloadConfig{
			Concurrency: 4,
		},
	}
}

// Load reads configuration from a YAML file. Keys missing from the file keep
// their Default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return finish(cfg)
}

// LoadWithFallback loads path when it exists and otherwise starts from
// Default. Environment overrides apply either way.
func LoadWithFallback(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	return finish(Default())
}

func finish(cfg *Config) (*Config, error) {
	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	setDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// Table compiles the image remote-pattern table.
func (c *Config) Table() (*remotepattern.Table, error) {
	return remotepattern.Compile(c.Images.RemotePatterns)
}

// applyEnvOverrides applies HXDEFER_* environment variables to the config.
// Environment variables always override file-based configuration.
func applyEnvOverrides(cfg *Config) {
	// Server configuration
	if v := os.Getenv("HXDEFER_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("HXDEFER_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("HXDEFER_SECRET"); v != "" {
		cfg.Secret = v
	}

	// Image configuration
	if v := os.Getenv("HXDEFER_IMAGES_PATH"); v != "" {
		cfg.Images.Path = v
	}
	if v := os.Getenv("HXDEFER_IMAGES_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Images.Timeout = d
		}
	}

	// Map configuration
	if v := os.Getenv("HXDEFER_MAP_TILE_URL"); v != "" {
		cfg.Map.TileURL = v
	}

	// Logging configuration
	if v := os.Getenv("HXDEFER_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("HXDEFER_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	// Metrics configuration
	if v := os.Getenv("HXDEFER_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv("HXDEFER_METRICS_PATH"); v != "" {
		cfg.Metrics.Path = v
	}

	if v := os.Getenv("HXDEFER_PRELOAD_ENABLED"); v != "" {
		cfg.Preload.Enabled = parseBool(v)
	}
}

// parseBool parses a boolean from common string values.
func parseBool(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "true" || v == "1" || v == "yes" || v == "on"
}

func setDefaults(cfg *Config) {
	def := Default()

	if cfg.Server.Host == "" {
		cfg.Server.Host = def.Server.Host
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = def.Server.Port
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = def.Server.ReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = def.Server.WriteTimeout
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}

	if cfg.Images.Path == "" {
		cfg.Images.Path = def.Images.Path
	}
	if cfg.Images.Timeout == 0 {
		cfg.Images.Timeout = def.Images.Timeout
	}
	if cfg.Images.MaxBytes == 0 {
		cfg.Images.MaxBytes = def.Images.MaxBytes
	}
	if cfg.Images.CacheMaxAge == 0 {
		cfg.Images.CacheMaxAge = def.Images.CacheMaxAge
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = def.Logging.Format
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = def.Metrics.Path
	}
	if cfg.Preload.Concurrency == 0 {
		cfg.Preload.Concurrency = def.Preload.Concurrency
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}

	if !strings.HasPrefix(cfg.Images.Path, "/") {
		return fmt.Errorf("images.path must start with '/', got %q", cfg.Images.Path)
	}
	if strings.HasPrefix(cfg.Images.Path, "/_d/") || cfg.Images.Path == "/_d" {
		return fmt.Errorf("images.path %q overlaps the deferred component routes", cfg.Images.Path)
	}
	if cfg.Images.MaxBytes < 0 {
		return fmt.Errorf("images.max_bytes must not be negative")
	}
	if _, err := cfg.Table(); err != nil {
		return fmt.Errorf("images.remotePatterns: %w", err)
	}

	if cfg.Map.Zoom < 0 || cfg.Map.Zoom > 19 {
		return fmt.Errorf("map.zoom must be between 0 and 19, got %d", cfg.Map.Zoom)
	}
	if cfg.Map.Lat < -85.0511 || cfg.Map.Lat > 85.0511 {
		return fmt.Errorf("map.lat out of range: %v", cfg.Map.Lat)
	}
	if cfg.Map.Lng < -180 || cfg.Map.Lng > 180 {
		return fmt.Errorf("map.lng out of range: %v", cfg.Map.Lng)
	}

	if _, err := zerolog.ParseLevel(cfg.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[cfg.Logging.Format] {
		return fmt.Errorf("logging.format must be 'json' or 'console', got %q", cfg.Logging.Format)
	}

	if cfg.Metrics.Enabled {
		if !strings.HasPrefix(cfg.Metrics.Path, "/") {
			return fmt.Errorf("metrics.path must start with '/', got %q", cfg.Metrics.Path)
		}
		if cfg.Metrics.Path == cfg.Images.Path {
			return fmt.Errorf("metrics.path and images.path must differ")
		}
	}

	if cfg.Preload.Concurrency < 0 {
		return fmt.Errorf("preload.concurrency must not be negative")
	}

	return nil
}
