package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.AppEnv != "dev" {
		t.Fatalf("AppEnv = %q, want dev", cfg.AppEnv)
	}
	if cfg.VisibilityTimeout != 60*time.Second {
		t.Fatalf("VisibilityTimeout = %v, want 60s", cfg.VisibilityTimeout)
	}
	if cfg.DispatcherStrategy != "least_loaded" {
		t.Fatalf("DispatcherStrategy = %q, want least_loaded", cfg.DispatcherStrategy)
	}
}

func TestIsEnvHelpers(t *testing.T) {
	cfg := Config{AppEnv: "prod"}
	if !cfg.IsProd() || cfg.IsDev() || cfg.IsTest() {
		t.Fatalf("env helpers mismatched for prod")
	}
}

func TestGetRetryConfig_UsesConfiguredMaxRetries(t *testing.T) {
	cfg := Config{RetryMaxRetries: 2, RetryJitterFraction: 0.1}
	rc := cfg.GetRetryConfig()
	if rc.MaxRetries != 2 {
		t.Fatalf("MaxRetries = %d, want 2", rc.MaxRetries)
	}
	if rc.JitterFraction != 0.1 {
		t.Fatalf("JitterFraction = %v, want 0.1", rc.JitterFraction)
	}
}

func TestGetDLQRetention(t *testing.T) {
	cfg := Config{DLQMaxAge: 168 * time.Hour, DLQCleanupInterval: 24 * time.Hour}
	ret := cfg.GetDLQRetention()
	if ret.MaxAge != 168*time.Hour {
		t.Fatalf("MaxAge = %v, want 168h", ret.MaxAge)
	}
	if ret.CleanupInterval != 24*time.Hour {
		t.Fatalf("CleanupInterval = %v, want 24h", ret.CleanupInterval)
	}
}

func clearEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_ENV", "PORT", "DB_URL", "PGBOUNCER",
		"VISIBILITY_TIMEOUT", "DISPATCHER_STRATEGY", "RETRY_MAX_RETRIES",
	}
	for _, k := range keys {
		os.Unsetenv(k)
	}
}
