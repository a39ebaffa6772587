package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRecipient = "EDQQe7Nufgvo2A6uXTmCpTr2FumZRB3fNzTH4Wuvpvpd"

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if !had {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func validConfig() Config {
	return Config{
		RecipientAddress:  testRecipient,
		StoreBackend:      "memory",
		Commitment:        "confirmed",
		RateLimitWindow:   time.Minute,
		RateLimitPrice:    60,
		RateLimitResearch: 10,
		RateLimitRender:   30,
		JobRetention:      time.Hour,
	}
}

func TestLoad_WithValidConfig(t *testing.T) {
	setEnv(t, "RECIPIENT_ADDRESS", testRecipient)
	setEnv(t, "PORT", "9090")
	setEnv(t, "DATABASE_URL", "")
	setEnv(t, "REDIS_URL", "")
	setEnv(t, "STORE_BACKEND", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultSolanaRPCURL, cfg.SolanaRPCURL)
	assert.Equal(t, "memory", cfg.StoreBackend)
	assert.Equal(t, DefaultRateLimitPrice, cfg.RateLimitPrice)
	assert.Equal(t, DefaultRateLimitResearch, cfg.RateLimitResearch)
	assert.Equal(t, DefaultRateLimitRender, cfg.RateLimitRender)
	assert.Equal(t, DefaultJobRetention, cfg.JobRetention)
}

func TestLoad_InfersBackendFromURLs(t *testing.T) {
	setEnv(t, "RECIPIENT_ADDRESS", testRecipient)
	setEnv(t, "STORE_BACKEND", "")
	setEnv(t, "DATABASE_URL", "")
	setEnv(t, "REDIS_URL", "redis://localhost:6379/0")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "redis", cfg.StoreBackend)
}

func TestLoad_RateLimitOverrides(t *testing.T) {
	setEnv(t, "RECIPIENT_ADDRESS", testRecipient)
	setEnv(t, "RATE_LIMIT_RESEARCH", "3")
	setEnv(t, "RATE_LIMIT_WINDOW", "30s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.RateLimits()["research"])
	assert.Equal(t, 30*time.Second, cfg.RateLimitWindow)
}

func TestLoad_MissingRecipient(t *testing.T) {
	setEnv(t, "RECIPIENT_ADDRESS", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "RECIPIENT_ADDRESS is required")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid config", mutate: func(c *Config) {}},
		{
			name:    "recipient not base58",
			mutate:  func(c *Config) { c.RecipientAddress = "0x1234567890123456789012345678901234567890" },
			wantErr: "base58 Solana public key",
		},
		{
			name:    "postgres without url",
			mutate:  func(c *Config) { c.StoreBackend = "postgres" },
			wantErr: "DATABASE_URL is required",
		},
		{
			name:    "redis without url",
			mutate:  func(c *Config) { c.StoreBackend = "redis" },
			wantErr: "REDIS_URL is required",
		},
		{
			name:    "unknown backend",
			mutate:  func(c *Config) { c.StoreBackend = "etcd" },
			wantErr: "STORE_BACKEND",
		},
		{
			name:    "bad commitment",
			mutate:  func(c *Config) { c.Commitment = "processed" },
			wantErr: "SOLANA_COMMITMENT",
		},
		{
			name: "production needs challenge secret",
			mutate: func(c *Config) {
				c.Env = "production"
				c.ChallengeSecret = "short"
			},
			wantErr: "CHALLENGE_SECRET",
		},
		{
			name:    "zero rate limit",
			mutate:  func(c *Config) { c.RateLimitRender = 0 },
			wantErr: "RATE_LIMIT_RENDER must be positive",
		},
		{
			name:    "zero retention",
			mutate:  func(c *Config) { c.JobRetention = 0 },
			wantErr: "JOB_RETENTION",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnvHelpers(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")
	setEnv(t, "TEST_DUR", "90s")
	setEnv(t, "TEST_BOOL", "true")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
	assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DUR", time.Second))
	assert.Equal(t, time.Second, getEnvDuration("TEST_INVALID", time.Second))
	assert.True(t, getEnvBool("TEST_BOOL", false))
	assert.Equal(t, 2.5, getEnvFloat("NONEXISTENT_VAR", 2.5))
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, splitList(" https://a.example, ,https://b.example"))
	assert.Nil(t, splitList(""))
}
