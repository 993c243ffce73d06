// Package config loads gateway settings: defaults, then an optional
// yaml file, then POOLGATE_* environment overrides. Later sources win.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the runtime configuration of the gateway process.
type Config struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	DBPath          string        `yaml:"db_path"`
	EncryptionKey   string        `yaml:"encryption_key"`
	AdminPassword   string        `yaml:"admin_password"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

func defaults() *Config {
	return &Config{
		Host:            "127.0.0.1",
		Port:            "8080",
		DBPath:          "poolgate.db",
		RefreshInterval: 15 * time.Minute,
	}
}

// Load builds the effective configuration. A missing config file is
// fine; a file that exists but does not parse is an error so a typo
// never silently falls back to defaults.
func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("POOLGATE_CONFIG")
	explicit := path != ""
	if path == "" {
		path = "config/poolgate.yaml"
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if explicit {
			return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %q: %w", path, err)
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Host, "HOST")
	setString(&cfg.Port, "POOLGATE_PORT")
	setString(&cfg.DBPath, "POOLGATE_DB_PATH")
	setString(&cfg.EncryptionKey, "POOLGATE_ENCRYPTION_KEY")
	setString(&cfg.AdminPassword, "POOLGATE_ADMIN_PASSWORD")
	if v := os.Getenv("POOLGATE_REFRESH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.RefreshInterval = d
		}
	}
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return c.Host + ":" + c.Port
}
