// Package config loads clihub settings from defaults, an optional TOML
// file and CLIHUB_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	DefaultPort       = 8420
	DefaultScrollback = 256 * 1024
)

// Config holds the server settings.
type Config struct {
	Port            int    `toml:"port"`
	StaticDir       string `toml:"static_dir"`
	Shell           string `toml:"shell"`
	DataDir         string `toml:"data_dir"`
	LogLevel        string `toml:"log_level"`
	ScrollbackBytes int    `toml:"scrollback_bytes"`
	Watch           bool   `toml:"watch"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Port:            DefaultPort,
		DataDir:         defaultDataDir(),
		LogLevel:        "info",
		ScrollbackBytes: DefaultScrollback,
		Watch:           true,
	}
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "clihub")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".clihub")
	}
	return ".clihub"
}

// DefaultPath is the config file consulted when no path is given.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "clihub", "config.toml")
}

// Load layers the TOML file at path (DefaultPath when empty) and the
// environment over the defaults. A missing file is not an error unless path
// was given explicitly.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if path != "" {
		_, err := toml.DecodeFile(path, &cfg)
		if err != nil && (explicit || !errors.Is(err, os.ErrNotExist)) {
			return Config{}, fmt.Errorf("loading config %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if v, ok := lookup("CLIHUB_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CLIHUB_PORT: %w", err)
		}
		cfg.Port = port
	}
	if v, ok := lookup("CLIHUB_STATIC_DIR"); ok {
		cfg.StaticDir = v
	}
	if v, ok := lookup("CLIHUB_SHELL"); ok {
		cfg.Shell = v
	}
	if v, ok := lookup("CLIHUB_DATA_DIR"); ok && v != "" {
		cfg.DataDir = v
	}
	if v, ok := lookup("CLIHUB_LOG_LEVEL"); ok && v != "" {
		cfg.LogLevel = v
	}
	if v, ok := lookup("CLIHUB_SCROLLBACK"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CLIHUB_SCROLLBACK: %w", err)
		}
		cfg.ScrollbackBytes = n
	}
	if v, ok := lookup("CLIHUB_WATCH"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("CLIHUB_WATCH: %w", err)
		}
		cfg.Watch = b
	}
	return nil
}

// Validate checks value ranges.
func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.ScrollbackBytes < 0 {
		return fmt.Errorf("scrollback_bytes must not be negative")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ParseLevel maps debug, info, warn and error to slog levels.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// NewLogger returns a text logger writing to stderr at the configured level.
func (c Config) NewLogger() *slog.Logger {
	level, _ := ParseLevel(c.LogLevel)
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// StorePath is the workspace store file under DataDir.
func (c Config) StorePath() string {
	return filepath.Join(c.DataDir, "store.json")
}
