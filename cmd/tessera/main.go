package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tessera-app/supervisor/internal/config"
)

var rootCmd = &cobra.Command{
	Use:           "tessera",
	Short:         "Backend process supervisor for the desktop shell",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadConfig()
		if err != nil {
			return err
		}
		cfg = c
		return setupLogging(cfg)
	},
}

var (
	configPath string
	logLevel   string
	logFormat  string

	cfg *config.Config
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "Path to config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: text or json")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and lets flags override it.
func loadConfig() (*config.Config, error) {
	c, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if logLevel != "" {
		c.LogLevel = logLevel
	}
	if logFormat != "" {
		c.LogFormat = logFormat
	}
	c.Resolve(config.Home())
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", configPath, err)
	}
	return c, nil
}

func setupLogging(c *config.Config) error {
	level, err := config.ParseLevel(c.LogLevel)
	if err != nil {
		return err
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if c.LogFormat == "json" {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
	return nil
}
