// Package config loads the host's persistent settings from
// ~/.tessera/config.yaml.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// PortRange bounds dynamic port allocation.
type PortRange struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

// Config holds host settings. Empty fields take the defaults applied by
// Resolve.
type Config struct {
	Plan        string        `yaml:"plan"`
	Socket      string        `yaml:"socket"`
	APIAddr     string        `yaml:"api_addr"`
	StateDir    string        `yaml:"state_dir"`
	Journal     string        `yaml:"journal"`
	StopTimeout time.Duration `yaml:"stop_timeout"`
	LogLevel    string        `yaml:"log_level"`
	LogFormat   string        `yaml:"log_format"`
	Autostart   *bool         `yaml:"autostart"`
	WatchPlan   *bool         `yaml:"watch_plan"`
	PortRange   PortRange     `yaml:"port_range"`
}

// Home returns ~/.tessera.
func Home() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tessera"
	}
	return filepath.Join(home, ".tessera")
}

// DefaultPath returns the default config file path: ~/.tessera/config.yaml.
func DefaultPath() string {
	return filepath.Join(Home(), "config.yaml")
}

// Load reads a YAML config file from path. A missing or empty file yields
// an empty Config and no error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

// Resolve fills unset fields with defaults rooted at home.
func (c *Config) Resolve(home string) {
	if c.Plan == "" {
		c.Plan = filepath.Join(home, "plan.yaml")
	}
	if c.Socket == "" {
		c.Socket = filepath.Join(home, "tessera.sock")
	}
	if c.StateDir == "" {
		c.StateDir = home
	}
	if c.Journal == "" {
		c.Journal = filepath.Join(home, "journal.log")
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

// AutostartEnabled reports whether `run` starts the backend immediately.
// Defaults to true.
func (c *Config) AutostartEnabled() bool {
	return c.Autostart == nil || *c.Autostart
}

// WatchEnabled reports whether the plan file is watched for changes.
// Defaults to true.
func (c *Config) WatchEnabled() bool {
	return c.WatchPlan == nil || *c.WatchPlan
}

// Validate checks values that Resolve cannot default.
func (c *Config) Validate() error {
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("log_format must be \"text\" or \"json\", got %q", c.LogFormat)
	}
	if c.StopTimeout < 0 {
		return fmt.Errorf("stop_timeout must not be negative")
	}
	if r := c.PortRange; r.Min != 0 || r.Max != 0 {
		if r.Min < 1024 || r.Max > 65535 || r.Min > r.Max {
			return fmt.Errorf("port_range %d-%d is invalid", r.Min, r.Max)
		}
	}
	return nil
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}
