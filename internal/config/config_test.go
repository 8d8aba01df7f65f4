package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("GOOGLE_API_KEY", "test-key")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.Store.Mode != "memory" {
		t.Errorf("Store.Mode = %q, want memory", cfg.Store.Mode)
	}
	if cfg.Cache.TTL != time.Hour {
		t.Errorf("Cache.TTL = %v, want 1h", cfg.Cache.TTL)
	}
	if cfg.Breaker.FailureThreshold != 5 || cfg.Breaker.SuccessThreshold != 2 {
		t.Errorf("Breaker thresholds = %d/%d, want 5/2",
			cfg.Breaker.FailureThreshold, cfg.Breaker.SuccessThreshold)
	}
	if cfg.Breaker.ResetTimeout != 60*time.Second {
		t.Errorf("Breaker.ResetTimeout = %v, want 60s", cfg.Breaker.ResetTimeout)
	}
	if cfg.Queue.MaxItems != 100 || cfg.Queue.MaxAttempts != 3 {
		t.Errorf("Queue = %d/%d, want 100/3", cfg.Queue.MaxItems, cfg.Queue.MaxAttempts)
	}
	if cfg.Retry.Base != 2*time.Second || cfg.Retry.Factor != 2 || cfg.Retry.MaxRetries != 3 {
		t.Errorf("Retry = %v/%d/%d, want 2s/2/3",
			cfg.Retry.Base, cfg.Retry.Factor, cfg.Retry.MaxRetries)
	}
	if cfg.Retry.ProviderTimeout != 30*time.Second {
		t.Errorf("ProviderTimeout = %v, want 30s", cfg.Retry.ProviderTimeout)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("RPM_LIMIT", "40")
	t.Setenv("RPD_LIMIT", "500")
	t.Setenv("CACHE_TTL", "15m")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug (lowercased)", cfg.LogLevel)
	}
	if cfg.Admission.PerMinute != 40 || cfg.Admission.PerDay != 500 {
		t.Errorf("Admission = %d/%d, want 40/500",
			cfg.Admission.PerMinute, cfg.Admission.PerDay)
	}
	if cfg.Cache.TTL != 15*time.Minute {
		t.Errorf("Cache.TTL = %v, want 15m", cfg.Cache.TTL)
	}
}

func TestLoad_RequiresProviderKey(t *testing.T) {
	t.Setenv("GOOGLE_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when no provider key is set")
	}
	if !strings.Contains(err.Error(), "provider API key") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoad_RedisModeRequiresURL(t *testing.T) {
	t.Setenv("GOOGLE_API_KEY", "test-key")
	t.Setenv("STORE_MODE", "redis")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when STORE_MODE=redis without REDIS_URL")
	}
	if !strings.Contains(err.Error(), "REDIS_URL") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoad_InvalidStoreMode(t *testing.T) {
	t.Setenv("GOOGLE_API_KEY", "test-key")
	t.Setenv("STORE_MODE", "dynamo")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid STORE_MODE")
	}
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	t.Setenv("GOOGLE_API_KEY", "test-key")
	t.Setenv("LOG_LEVEL", "verbose")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid LOG_LEVEL")
	}
}
