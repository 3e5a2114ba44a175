package config

import (
	"errors"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the application's configuration model.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Account AccountConfig `yaml:"account"`
	Storage StorageConfig `yaml:"storage"`
	Poll    PollConfig    `yaml:"poll"`
	Metrics MetricsConfig `yaml:"metrics"`
}

type ServerConfig struct {
	// Base URL of the prebooru server. If empty, read from env PREBOORU_SERVER_URL.
	URL string `yaml:"url"`
	// Server-side site identifier of the timeline host.
	SiteID int `yaml:"siteId"`
}

type AccountConfig struct {
	Username string `yaml:"username"`
}

type StorageConfig struct {
	DBPath string `yaml:"dbPath"`
}

type PollConfig struct {
	// Seconds between reconcile/pool-assignment passes.
	ReconcileSeconds float64 `yaml:"reconcileSeconds"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns a sensible default configuration.
func Default() Config {
	return Config{
		Server:  ServerConfig{URL: "http://127.0.0.1:5000", SiteID: 3},
		Account: AccountConfig{Username: ""},
		Storage: StorageConfig{DBPath: "./boorusync.db"},
		Poll:    PollConfig{ReconcileSeconds: 2.5},
		Metrics: MetricsConfig{Addr: ""},
	}
}

// ResolveEnv fills in config fields from environment variables if not set.
func (c *Config) ResolveEnv() {
	if v := os.Getenv("PREBOORU_SERVER_URL"); v != "" && c.Server.URL == "" {
		c.Server.URL = v
	}
	if v := os.Getenv("METRICS_ADDR"); v != "" && c.Metrics.Addr == "" {
		c.Metrics.Addr = v
	}
}

// Load reads YAML config from path.
func Load(path string) (Config, error) {
	var cfg Config
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, err
	}
	cfg.ResolveEnv()
	if cfg.Poll.ReconcileSeconds <= 0 {
		cfg.Poll.ReconcileSeconds = 2.5
	}
	if cfg.Server.SiteID == 0 {
		cfg.Server.SiteID = 3
	}
	return cfg, nil
}

// Save writes YAML config to path, creating directories as needed.
func Save(path string, cfg Config) error {
	if path == "" {
		return errors.New("empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
