// Package config defines retry and DLQ configuration derived from Config.
package config

import (
	"time"

	"github.com/casarerpa/orchestrator/internal/domain"
)

// GetRetryConfig returns the domain retry configuration built from the
// environment-sourced defaults, substituting the configured jitter fraction
// and max-retries onto the fixed backoff schedule.
func (c Config) GetRetryConfig() domain.RetryConfig {
	cfg := domain.DefaultRetryConfig()
	if c.RetryMaxRetries > 0 {
		cfg.MaxRetries = c.RetryMaxRetries
	}
	cfg.JitterFraction = c.RetryJitterFraction
	return cfg
}

// DLQRetention bundles the DLQ cleanup knobs for the sweeper goroutine.
type DLQRetention struct {
	MaxAge          time.Duration
	CleanupInterval time.Duration
}

// GetDLQRetention returns the DLQ cleanup configuration.
func (c Config) GetDLQRetention() DLQRetention {
	return DLQRetention{MaxAge: c.DLQMaxAge, CleanupInterval: c.DLQCleanupInterval}
}
