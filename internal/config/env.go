package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML configuration. The short
// names (NETWORK, PORT, HOST, CORS_ALLOWED_ORIGINS, DATABASE_PATH) are the
// documented deployment surface; KASGATE_* variants cover the rest.
func (c *Config) applyEnvOverrides() {
	setIfEnv(&c.Network.Name, "NETWORK")
	setIfEnv(&c.Server.Host, "HOST")
	setIntIfEnv(&c.Server.Port, "PORT")
	setIfEnv(&c.Storage.Path, "DATABASE_PATH")

	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		origins := strings.Split(v, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
		c.Server.CORSAllowedOrigins = origins
	}

	setIfEnv(&c.Network.NodeURL, "KASGATE_NODE_URL")
	setIfEnv(&c.Network.IndexerURL, "KASGATE_INDEXER_URL")
	setUint64IfEnv(&c.Network.ConfirmationThreshold, "KASGATE_CONFIRMATION_THRESHOLD")

	setIfEnv(&c.Logging.Level, "KASGATE_LOG_LEVEL")
	setIfEnv(&c.Logging.Format, "KASGATE_LOG_FORMAT")
	setIfEnv(&c.Logging.Environment, "KASGATE_ENVIRONMENT")

	setDurationIfEnv(&c.Session.TTL, "KASGATE_SESSION_TTL")
	setDurationIfEnv(&c.Webhooks.Timeout, "KASGATE_WEBHOOK_TIMEOUT")
	setIntIfEnv(&c.Webhooks.MaxAttempts, "KASGATE_WEBHOOK_MAX_ATTEMPTS")
	setDurationIfEnv(&c.Watcher.PollInterval, "KASGATE_POLL_INTERVAL")

	setBoolIfEnv(&c.RateLimit.Enabled, "KASGATE_RATE_LIMIT_ENABLED")
}

// setIfEnv assigns the environment value when present and non-empty.
func setIfEnv(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setIntIfEnv(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setUint64IfEnv(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBoolIfEnv(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDurationIfEnv(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			*dst = Duration{Duration: dur}
		}
	}
}
