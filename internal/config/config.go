// Package config loads gateway settings from an optional config.yaml and
// AI_GW_-prefixed environment variables, env taking precedence.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Storage   StorageConfig   `koanf:"storage"`
	Redis     RedisConfig     `koanf:"redis"`
	Upstream  UpstreamConfig  `koanf:"upstream"`
	Credits   CreditsConfig   `koanf:"credits"`
	RateLimit RateLimitConfig `koanf:"ratelimit"`
	Pipeline  PipelineConfig  `koanf:"pipeline"`
	Security  SecurityConfig  `koanf:"security"`
	Log       LogConfig       `koanf:"log"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
	// AdminToken guards the config-invalidation endpoint; empty disables it.
	AdminToken string `koanf:"admin_token"`
	// DevSeed creates a demo tenant and API key at startup.
	DevSeed bool `koanf:"dev_seed"`
}

type StorageConfig struct {
	SQLitePath string `koanf:"sqlite_path"`
}

type RedisConfig struct {
	// URL selects the Redis rate-limit backend; empty falls back to the
	// in-process counter.
	URL string `koanf:"url"`
}

type UpstreamConfig struct {
	BaseURL string        `koanf:"base_url"`
	APIKey  string        `koanf:"api_key"`
	Timeout time.Duration `koanf:"timeout"`
}

type CreditsConfig struct {
	CostProxy   float64 `koanf:"cost_proxy"`
	CostBlocked float64 `koanf:"cost_blocked"`
}

type RateLimitConfig struct {
	DefaultRPMPerKey    int `koanf:"default_rpm_per_key"`
	DefaultRPMPerTenant int `koanf:"default_rpm_per_tenant"`
}

type PipelineConfig struct {
	InjectionThreshold   float64       `koanf:"injection_threshold"`
	PolicyCacheTTL       time.Duration `koanf:"policy_cache_ttl"`
	MaxConcurrentStreams int64         `koanf:"max_concurrent_streams"`
	StreamAcquireTimeout time.Duration `koanf:"stream_acquire_timeout"`
}

type SecurityConfig struct {
	// SystemSecret derives the BYOK encryption key. Must be set in
	// production; the default only keeps local development working.
	SystemSecret string `koanf:"system_secret"`
}

type LogConfig struct {
	Level string `koanf:"level"`
}

// Load reads config.yaml (when present) then AI_GW_ environment variables.
// Nested keys use double underscores: AI_GW_SERVER__PORT=9090.
func Load() (*Config, error) {
	return loadFrom("config.yaml")
}

func loadFrom(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider("AI_GW_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "AI_GW_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	applyDefaults(k)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func applyDefaults(k *koanf.Koanf) {
	defaults := map[string]any{
		"server.port":                      8080,
		"storage.sqlite_path":              "ai-gateway.db",
		"upstream.base_url":                "https://api.openai.com/v1",
		"upstream.timeout":                 "120s",
		"credits.cost_proxy":               0.1,
		"credits.cost_blocked":             0.01,
		"ratelimit.default_rpm_per_key":    30,
		"ratelimit.default_rpm_per_tenant": 60,
		"pipeline.injection_threshold":     0.8,
		"pipeline.policy_cache_ttl":        "60s",
		"pipeline.max_concurrent_streams":  50,
		"pipeline.stream_acquire_timeout":  "5s",
		"security.system_secret":           "dev-only-system-secret",
		"log.level":                        "info",
	}
	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}
}
