// Package config loads the guardian's YAML configuration and seeds
// services declared in it.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	// BaseURL is the externally visible address of the guardian,
	// used to build client-config snippets.
	BaseURL  string         `yaml:"base_url"`
	Admin    AdminConfig    `yaml:"admin"`
	Polling  PollingConfig  `yaml:"polling"`
	Database DatabaseConfig `yaml:"database"`
	Services []SeedService  `yaml:"services"`
}

type AdminConfig struct {
	// Password guards the admin API. Empty means generate one at boot.
	Password string `yaml:"password"`
	// DisableUI leaves the admin routes unmounted; only the proxy and
	// health endpoint are served.
	DisableUI bool `yaml:"disable_ui"`
}

type PollingConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
	// MinCheckFrequency is the smallest accepted per-service check
	// frequency, in minutes.
	MinCheckFrequency int `yaml:"min_check_frequency"`
}

type DatabaseConfig struct {
	// URL is the SQLite database path.
	URL string `yaml:"url"`
}

// SeedService is a service declared in the config file, registered at
// boot if it does not already exist.
type SeedService struct {
	Name                  string `yaml:"name"`
	UpstreamURL           string `yaml:"upstream_url"`
	Enabled               *bool  `yaml:"enabled"`
	CheckFrequencyMinutes int    `yaml:"check_frequency_minutes"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		BaseURL: "http://localhost:8080",
		Polling: PollingConfig{
			IntervalSeconds:   60,
			MinCheckFrequency: 5,
		},
		Database: DatabaseConfig{URL: "mcpguardian.db"},
	}
}

// Load reads the config file at path. A missing file is not an error;
// defaults apply. An unreadable or invalid file is.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Polling.IntervalSeconds == 0 {
		cfg.Polling.IntervalSeconds = def.Polling.IntervalSeconds
	}
	if cfg.Polling.MinCheckFrequency == 0 {
		cfg.Polling.MinCheckFrequency = def.Polling.MinCheckFrequency
	}
	if cfg.Database.URL == "" {
		cfg.Database.URL = def.Database.URL
	}
}

func validate(cfg *Config) error {
	if u, err := url.Parse(cfg.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("base_url %q is not an absolute URL", cfg.BaseURL)
	}
	if cfg.Polling.IntervalSeconds < 1 {
		return fmt.Errorf("polling.interval_seconds must be at least 1, got %d", cfg.Polling.IntervalSeconds)
	}
	if cfg.Polling.MinCheckFrequency < 1 {
		return fmt.Errorf("polling.min_check_frequency must be at least 1, got %d", cfg.Polling.MinCheckFrequency)
	}
	seen := make(map[string]bool, len(cfg.Services))
	for _, s := range cfg.Services {
		if s.Name == "" || s.UpstreamURL == "" {
			return fmt.Errorf("seed service entries need both name and upstream_url")
		}
		if seen[s.Name] {
			return fmt.Errorf("seed service %q declared twice", s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

// GeneratePassword returns a random admin password for installs that
// do not set one.
func GeneratePassword() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate password: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
