package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := loadFrom(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("loadFrom() error = %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Credits.CostProxy != 0.1 || cfg.Credits.CostBlocked != 0.01 {
		t.Errorf("credits = %v/%v, want 0.1/0.01", cfg.Credits.CostProxy, cfg.Credits.CostBlocked)
	}
	if cfg.RateLimit.DefaultRPMPerKey != 30 || cfg.RateLimit.DefaultRPMPerTenant != 60 {
		t.Errorf("rpm defaults = %d/%d, want 30/60", cfg.RateLimit.DefaultRPMPerKey, cfg.RateLimit.DefaultRPMPerTenant)
	}
	if cfg.Pipeline.InjectionThreshold != 0.8 {
		t.Errorf("InjectionThreshold = %v, want 0.8", cfg.Pipeline.InjectionThreshold)
	}
	if cfg.Pipeline.PolicyCacheTTL != time.Minute {
		t.Errorf("PolicyCacheTTL = %v, want 1m", cfg.Pipeline.PolicyCacheTTL)
	}
	if cfg.Pipeline.MaxConcurrentStreams != 50 {
		t.Errorf("MaxConcurrentStreams = %d, want 50", cfg.Pipeline.MaxConcurrentStreams)
	}
	if cfg.Upstream.Timeout != 120*time.Second {
		t.Errorf("Upstream.Timeout = %v, want 120s", cfg.Upstream.Timeout)
	}
	if cfg.Redis.URL != "" {
		t.Errorf("Redis.URL = %q, want empty default", cfg.Redis.URL)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("AI_GW_SERVER__PORT", "9090")
	t.Setenv("AI_GW_CREDITS__COST_PROXY", "0.5")
	t.Setenv("AI_GW_SECURITY__SYSTEM_SECRET", "prod-secret")
	t.Setenv("AI_GW_PIPELINE__STREAM_ACQUIRE_TIMEOUT", "2s")

	cfg, err := loadFrom(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("loadFrom() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Credits.CostProxy != 0.5 {
		t.Errorf("CostProxy = %v, want 0.5", cfg.Credits.CostProxy)
	}
	if cfg.Security.SystemSecret != "prod-secret" {
		t.Errorf("SystemSecret = %q", cfg.Security.SystemSecret)
	}
	if cfg.Pipeline.StreamAcquireTimeout != 2*time.Second {
		t.Errorf("StreamAcquireTimeout = %v, want 2s", cfg.Pipeline.StreamAcquireTimeout)
	}
}

func TestLoadYAMLFileWithEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := []byte("server:\n  port: 7000\nupstream:\n  base_url: http://yaml-upstream\n")
	if err := os.WriteFile(path, yaml, 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	t.Setenv("AI_GW_SERVER__PORT", "7070")

	cfg, err := loadFrom(path)
	if err != nil {
		t.Fatalf("loadFrom() error = %v", err)
	}

	// Env wins over file; file wins over default.
	if cfg.Server.Port != 7070 {
		t.Errorf("Port = %d, want env override 7070", cfg.Server.Port)
	}
	if cfg.Upstream.BaseURL != "http://yaml-upstream" {
		t.Errorf("BaseURL = %q, want file value", cfg.Upstream.BaseURL)
	}
}
