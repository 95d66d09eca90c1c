package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Defaults applied when config.toml is missing or leaves fields unset.
const (
	DefaultReconcileWindowMS = 5000
	defaultAPIBaseURL        = "https://api.tripline.app/v1"
	defaultSocketURL         = "wss://chat.tripline.app/socket"
)

// Config represents the global ~/.tripchat/config.toml.
type Config struct {
	APIBaseURL        string `toml:"api_base_url"`
	SocketURL         string `toml:"socket_url"`
	DefaultProfile    string `toml:"default_profile"`
	ReconcileWindowMS int    `toml:"reconcile_window_ms"`
}

// Default returns a config populated with built-in defaults.
func Default() *Config {
	return &Config{
		APIBaseURL:        defaultAPIBaseURL,
		SocketURL:         defaultSocketURL,
		ReconcileWindowMS: DefaultReconcileWindowMS,
	}
}

// ReconcileWindow returns the optimistic-reconciliation window as a duration.
func (c *Config) ReconcileWindow() time.Duration {
	ms := c.ReconcileWindowMS
	if ms <= 0 {
		ms = DefaultReconcileWindowMS
	}
	return time.Duration(ms) * time.Millisecond
}

// Load reads config from the given path and fills unset fields with defaults.
// Returns an error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPIBaseURL
	}
	if cfg.SocketURL == "" {
		cfg.SocketURL = defaultSocketURL
	}
	if cfg.ReconcileWindowMS <= 0 {
		cfg.ReconcileWindowMS = DefaultReconcileWindowMS
	}
	return &cfg, nil
}

// LoadOrDefault reads config from path, falling back to defaults when the
// file does not exist yet. A malformed file is still an error.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
