// Package config loads the locket configuration: YAML file over defaults,
// with a handful of environment overrides on top. A .env next to the working
// directory is honored so local setups can keep the backend key out of the
// config file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/remrin/locket/internal/backend"
	"github.com/remrin/locket/internal/browser"
)

// Config is the full locket configuration.
type Config struct {
	Browser        browser.Config `yaml:"browser"`
	Backend        backend.Config `yaml:"backend"`
	StatePath      string         `yaml:"state_path"`
	HistoryPath    string         `yaml:"history_path"`
	PollIntervalMs int            `yaml:"poll_interval_ms"`
	SubmitDelayMs  int            `yaml:"submit_delay_ms"`
}

// Dir returns the locket configuration directory.
func Dir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		base = "."
	}
	return filepath.Join(base, "remrin-locket")
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return filepath.Join(Dir(), "config.yaml")
}

// Default returns the built-in configuration.
func Default() Config {
	dir := Dir()
	cfg := Config{
		Browser:        browser.DefaultConfig(),
		Backend:        backend.DefaultConfig(),
		StatePath:      filepath.Join(dir, "state.json"),
		HistoryPath:    filepath.Join(dir, "history.db"),
		PollIntervalMs: 150,
		SubmitDelayMs:  50,
	}
	cfg.Browser.TabStore = filepath.Join(dir, "tabs.json")
	return cfg
}

// Load reads the config file at path layered over Default. An empty path
// means the default location, where a missing file is fine; an explicit path
// that does not exist is an error.
func Load(path string) (Config, error) {
	// Best effort; absence of a .env is the normal case.
	_ = godotenv.Load()

	cfg := Default()

	explicit := path != ""
	if path == "" {
		path = DefaultPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err) && !explicit:
		// defaults
	default:
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("REMRIN_URL"); v != "" {
		cfg.Backend.BaseURL = v
	}
	if v := os.Getenv("REMRIN_ANON_KEY"); v != "" {
		cfg.Backend.APIKey = v
	}
	if v := os.Getenv("REMRIN_DEBUGGER_URL"); v != "" {
		cfg.Browser.DebuggerURL = v
	}
	if v := os.Getenv("REMRIN_STATE_PATH"); v != "" {
		cfg.StatePath = v
	}
}

// PollInterval returns the page event poll interval.
func (c Config) PollInterval() time.Duration {
	if c.PollIntervalMs <= 0 {
		return 150 * time.Millisecond
	}
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// SubmitDelay returns the settle delay between the composer rewrite and the
// replayed submit.
func (c Config) SubmitDelay() time.Duration {
	if c.SubmitDelayMs <= 0 {
		return 50 * time.Millisecond
	}
	return time.Duration(c.SubmitDelayMs) * time.Millisecond
}
