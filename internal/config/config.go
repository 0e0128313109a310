package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads configuration from an optional YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if err := cfg.parseFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  Duration{Duration: 15 * time.Second},
			WriteTimeout: Duration{Duration: 15 * time.Second},
			IdleTimeout:  Duration{Duration: 60 * time.Second},
			MaxBodyBytes: 1 << 20, // 1 MB
		},
		Logging: LoggingConfig{
			Level:       "info",
			Format:      "json",
			Environment: "production",
		},
		Network: NetworkConfig{
			Name: "mainnet",
		},
		Storage: StorageConfig{
			Path: "./data/kasgate.db",
		},
		Session: SessionConfig{
			TTL:            Duration{Duration: 15 * time.Minute},
			SweepInterval:  Duration{Duration: 60 * time.Second},
			MinAmountSompi: 100_000, // 0.001 KAS
		},
		Webhooks: WebhookConfig{
			Timeout:         Duration{Duration: 10 * time.Second},
			MaxAttempts:     5,
			InitialInterval: Duration{Duration: 1 * time.Second},
			WorkerInterval:  Duration{Duration: 30 * time.Second},
			SnippetLimit:    512,
		},
		Watcher: WatcherConfig{
			PollInterval:    Duration{Duration: 2 * time.Second},
			ConfirmInterval: Duration{Duration: 1 * time.Second},
			ConnectTimeout:  Duration{Duration: 15 * time.Second},
			FallbackTimeout: Duration{Duration: 10 * time.Second},
			ReconnectBase:   Duration{Duration: 1 * time.Second},
			ReconnectCap:    Duration{Duration: 30 * time.Second},
			HealthTimeout:   Duration{Duration: 5 * time.Second},
		},
		RateLimit: RateLimitConfig{
			Enabled:                true,
			GeneralPerMinute:       1000,
			MerchantCreatePerHour:  10,
			SessionCreatePerMinute: 100,
		},
	}
}

// parseFile decodes YAML configuration from disk into the config.
func (c *Config) parseFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// validate checks the assembled configuration for fatal misconfiguration.
func (c *Config) validate() error {
	switch c.Network.Name {
	case "mainnet", "testnet-10":
	default:
		return fmt.Errorf("config: unknown network %q (want mainnet or testnet-10)", c.Network.Name)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Server.Port)
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("config: storage path required")
	}
	if c.Webhooks.MaxAttempts <= 0 {
		return fmt.Errorf("config: webhook max attempts must be positive")
	}
	return nil
}
