package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or numbers interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		raw := strings.TrimSpace(value.Value)
		if raw == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err == nil {
			d.Duration = parsed
			return nil
		}
		secs, convErr := time.ParseDuration(fmt.Sprintf("%ss", raw))
		if convErr == nil {
			d.Duration = secs
			return nil
		}
		return fmt.Errorf("invalid duration value %q: %w", raw, err)
	default:
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
}

// MarshalYAML renders the duration as a string to keep config edits human-friendly.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds application level configuration aggregated from file and environment variables.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Network   NetworkConfig   `yaml:"network"`
	Storage   StorageConfig   `yaml:"storage"`
	Session   SessionConfig   `yaml:"session"`
	Webhooks  WebhookConfig   `yaml:"webhooks"`
	Watcher   WatcherConfig   `yaml:"watcher"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host               string   `yaml:"host"`
	Port               int      `yaml:"port"`
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	MaxBodyBytes       int64    `yaml:"max_body_bytes"`
}

// Address returns the listen address in host:port form.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"` // json | console
	Environment string `yaml:"environment"`
}

// NetworkConfig selects the kaspa network and its endpoints.
type NetworkConfig struct {
	// Name is "mainnet" or "testnet-10". It picks the address prefix,
	// default indexer URL, explorer URL, and confirmation threshold.
	Name string `yaml:"name"`

	// NodeURL is the primary wRPC endpoint of a kaspad node. Optional;
	// per-network fallback endpoints are tried when empty or unreachable.
	NodeURL string `yaml:"node_url"`

	// IndexerURL overrides the default public indexer REST base URL.
	IndexerURL string `yaml:"indexer_url"`

	// ConfirmationThreshold overrides the per-network default (10) when > 0.
	ConfirmationThreshold uint64 `yaml:"confirmation_threshold"`
}

// StorageConfig holds the embedded store configuration.
type StorageConfig struct {
	// Path is the sqlite database file, or ":memory:" for tests.
	Path string `yaml:"path"`
}

// SessionConfig tunes payment session behavior.
type SessionConfig struct {
	TTL            Duration `yaml:"ttl"`              // default 15m
	SweepInterval  Duration `yaml:"sweep_interval"`   // default 60s
	MinAmountSompi uint64   `yaml:"min_amount_sompi"` // default 100_000 (0.001 KAS)
}

// WebhookConfig tunes outbound webhook delivery.
type WebhookConfig struct {
	Timeout         Duration `yaml:"timeout"`          // per-attempt, default 10s
	MaxAttempts     int      `yaml:"max_attempts"`     // default 5
	InitialInterval Duration `yaml:"initial_interval"` // default 1s
	WorkerInterval  Duration `yaml:"worker_interval"`  // retry worker wake period, default 30s
	SnippetLimit    int      `yaml:"snippet_limit"`    // response body snippet, default 512 bytes
}

// WatcherConfig tunes the ledger watcher backends.
type WatcherConfig struct {
	PollInterval    Duration `yaml:"poll_interval"`    // REST UTXO poll, default 2s
	ConfirmInterval Duration `yaml:"confirm_interval"` // blue-score tick, default 1s
	ConnectTimeout  Duration `yaml:"connect_timeout"`  // primary node resolve+dial, default 15s
	FallbackTimeout Duration `yaml:"fallback_timeout"` // fallback endpoints, default 10s
	ReconnectBase   Duration `yaml:"reconnect_base"`   // backoff base, default 1s
	ReconnectCap    Duration `yaml:"reconnect_cap"`    // backoff cap, default 30s
	HealthTimeout   Duration `yaml:"health_timeout"`   // health probes, default 5s
}

// RateLimitConfig holds per-source-IP rate limits.
type RateLimitConfig struct {
	Enabled                bool `yaml:"enabled"`
	GeneralPerMinute       int  `yaml:"general_per_minute"`        // default 1000
	MerchantCreatePerHour  int  `yaml:"merchant_create_per_hour"`  // default 10
	SessionCreatePerMinute int  `yaml:"session_create_per_minute"` // default 100
}
