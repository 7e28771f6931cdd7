// Package config defines and loads runtime configuration for the gateway.
package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/hartyporpoise/porpulsion/internal/tokens"
)

// Config holds the gateway's runtime settings, loaded from environment
// variables via viper.
type Config struct {
	Host string
	Port int

	LogLevel string

	DefaultBackend string // "ollama" or "vllm"

	OllamaBaseURL string
	OllamaTimeout time.Duration
	VLLMBaseURL   string
	VLLMTimeout   time.Duration

	Tokens []tokens.Config

	RateLimitStore string // "memory" or "shared"
	RedisURL       string

	MaxBodyBytes int64

	ModelCacheTTL time.Duration
}

// Load reads configuration from environment variables using viper's
// automatic-env binding, then decodes TOKENS_JSON separately since it is a
// JSON array rather than a scalar. Each setting has one canonical env var.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("")
	v.AutomaticEnv()

	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DEFAULT_BACKEND", "ollama")
	v.SetDefault("RATE_LIMIT_STORE", "memory")
	v.SetDefault("MAX_BODY_BYTES", int64(2*1024*1024))
	v.SetDefault("MODEL_CACHE_TTL", 30)
	v.SetDefault("OLLAMA_TIMEOUT", "0s")
	v.SetDefault("VLLM_TIMEOUT", "30s")

	for _, key := range []string{
		"HOST", "PORT", "LOG_LEVEL", "DEFAULT_BACKEND",
		"OLLAMA_BASE_URL", "OLLAMA_TIMEOUT", "VLLM_BASE_URL", "VLLM_TIMEOUT",
		"TOKENS_JSON", "RATE_LIMIT_STORE", "REDIS_URL",
		"MAX_BODY_BYTES", "MODEL_CACHE_TTL",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("config: bind %s: %w", key, err)
		}
	}

	ollamaTimeout, err := time.ParseDuration(v.GetString("OLLAMA_TIMEOUT"))
	if err != nil {
		return nil, fmt.Errorf("config: OLLAMA_TIMEOUT: %w", err)
	}
	vllmTimeout, err := time.ParseDuration(v.GetString("VLLM_TIMEOUT"))
	if err != nil {
		return nil, fmt.Errorf("config: VLLM_TIMEOUT: %w", err)
	}

	var tokenConfigs []tokens.Config
	if raw := v.GetString("TOKENS_JSON"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &tokenConfigs); err != nil {
			return nil, fmt.Errorf("config: TOKENS_JSON: %w", err)
		}
	}

	cfg := &Config{
		Host:           v.GetString("HOST"),
		Port:           v.GetInt("PORT"),
		LogLevel:       v.GetString("LOG_LEVEL"),
		DefaultBackend: v.GetString("DEFAULT_BACKEND"),
		OllamaBaseURL:  v.GetString("OLLAMA_BASE_URL"),
		OllamaTimeout:  ollamaTimeout,
		VLLMBaseURL:    v.GetString("VLLM_BASE_URL"),
		VLLMTimeout:    vllmTimeout,
		Tokens:         tokenConfigs,
		RateLimitStore: v.GetString("RATE_LIMIT_STORE"),
		RedisURL:       v.GetString("REDIS_URL"),
		MaxBodyBytes:   v.GetInt64("MAX_BODY_BYTES"),
		ModelCacheTTL:  time.Duration(v.GetInt("MODEL_CACHE_TTL")) * time.Second,
	}
	return cfg, nil
}

// Validate enforces startup invariants: the default backend
// must be enabled, at least one token must be configured, and a shared
// store must be reachable if selected. Reachability of Redis itself is
// checked by the caller (which holds the constructed client); Validate only
// checks the configuration is internally consistent.
func (c *Config) Validate() error {
	switch c.DefaultBackend {
	case "ollama":
		if c.OllamaBaseURL == "" {
			return fmt.Errorf("config: DEFAULT_BACKEND=ollama but OLLAMA_BASE_URL is not set")
		}
	case "vllm":
		if c.VLLMBaseURL == "" {
			return fmt.Errorf("config: DEFAULT_BACKEND=vllm but VLLM_BASE_URL is not set")
		}
	default:
		return fmt.Errorf("config: DEFAULT_BACKEND must be 'ollama' or 'vllm', got %q", c.DefaultBackend)
	}

	if len(c.Tokens) == 0 {
		return fmt.Errorf("config: at least one token must be configured via TOKENS_JSON")
	}

	switch c.RateLimitStore {
	case "memory":
	case "shared":
		if c.RedisURL == "" {
			return fmt.Errorf("config: RATE_LIMIT_STORE=shared but REDIS_URL is not set")
		}
	default:
		return fmt.Errorf("config: RATE_LIMIT_STORE must be 'memory' or 'shared', got %q", c.RateLimitStore)
	}

	return nil
}
