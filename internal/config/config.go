// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/chadgate/internal/solana"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Storage. Backend is "memory", "postgres" or "redis"; empty means infer
	// from which URL is set.
	StoreBackend string
	DatabaseURL  string
	RedisURL     string

	// Solana settings
	SolanaRPCURL        string
	RecipientAddress    string // base58 pubkey that receives payments
	Commitment          string // "confirmed" or "finalized"
	MinConfirmations    int
	LookupAttempts      int           // chain lookups before reporting TransactionNotFound
	LookupBaseDelay     time.Duration // first backoff between lookups
	ChallengeValidFor   time.Duration
	ChallengeSecret     string // HMAC key for challenge nonces (shared across replicas)
	RequirePaymentNonce bool

	// Catalog
	CatalogFile string // optional YAML override of the built-in catalog

	// Per-class rate limits (calls per RateLimitWindow, global per class)
	RateLimitWindow   time.Duration
	RateLimitPrice    int
	RateLimitResearch int
	RateLimitRender   int
	IngressRPS        float64 // per-IP guard in front of everything
	IngressBurst      int

	// Upstream capability backends
	PriceAPIURL    string
	ResearchAPIURL string
	RenderAPIURL   string
	BackendAPIKey  string
	BackendTimeout time.Duration

	// Jobs
	JobRetention      time.Duration
	JobSweepInterval  time.Duration
	MaxConcurrentJobs int64

	// Security
	AdminSecret string
	CORSOrigins []string // empty allows any origin

	// Tracing
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
	DefaultSolanaRPCURL      = "https://api.mainnet-beta.solana.com"
	DefaultCommitment        = "confirmed"
	DefaultLookupAttempts    = 4
	DefaultLookupBaseDelay   = 500 * time.Millisecond
	DefaultChallengeValidFor = 5 * time.Minute
	DefaultRateLimitWindow   = time.Minute
	DefaultRateLimitPrice    = 60
	DefaultRateLimitResearch = 10
	DefaultRateLimitRender   = 30
	DefaultIngressRPS        = 20
	DefaultIngressBurst      = 40
	DefaultPriceAPIURL       = "http://localhost:8100"
	DefaultResearchAPIURL    = "http://localhost:8101"
	DefaultRenderAPIURL      = "http://localhost:8102"
	DefaultBackendTimeout    = 60 * time.Second
	DefaultJobRetention      = time.Hour
	DefaultJobSweepInterval  = 30 * time.Second
	DefaultMaxConcurrentJobs = 16
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		StoreBackend:        strings.ToLower(os.Getenv("STORE_BACKEND")),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RedisURL:            os.Getenv("REDIS_URL"),
		SolanaRPCURL:        getEnv("SOLANA_RPC_URL", DefaultSolanaRPCURL),
		RecipientAddress:    os.Getenv("RECIPIENT_ADDRESS"),
		Commitment:          getEnv("SOLANA_COMMITMENT", DefaultCommitment),
		MinConfirmations:    int(getEnvInt64("MIN_CONFIRMATIONS", 0)),
		LookupAttempts:      int(getEnvInt64("TX_LOOKUP_ATTEMPTS", DefaultLookupAttempts)),
		LookupBaseDelay:     getEnvDuration("TX_LOOKUP_BASE_DELAY", DefaultLookupBaseDelay),
		ChallengeValidFor:   getEnvDuration("CHALLENGE_VALID_FOR", DefaultChallengeValidFor),
		ChallengeSecret:     os.Getenv("CHALLENGE_SECRET"),
		RequirePaymentNonce: getEnvBool("REQUIRE_PAYMENT_NONCE", false),
		CatalogFile:         os.Getenv("CATALOG_FILE"),
		RateLimitWindow:     getEnvDuration("RATE_LIMIT_WINDOW", DefaultRateLimitWindow),
		RateLimitPrice:      int(getEnvInt64("RATE_LIMIT_PRICE", DefaultRateLimitPrice)),
		RateLimitResearch:   int(getEnvInt64("RATE_LIMIT_RESEARCH", DefaultRateLimitResearch)),
		RateLimitRender:     int(getEnvInt64("RATE_LIMIT_RENDER", DefaultRateLimitRender)),
		IngressRPS:          getEnvFloat("INGRESS_RPS", DefaultIngressRPS),
		IngressBurst:        int(getEnvInt64("INGRESS_BURST", DefaultIngressBurst)),
		PriceAPIURL:         getEnv("PRICE_API_URL", DefaultPriceAPIURL),
		ResearchAPIURL:      getEnv("RESEARCH_API_URL", DefaultResearchAPIURL),
		RenderAPIURL:        getEnv("RENDER_API_URL", DefaultRenderAPIURL),
		BackendAPIKey:       os.Getenv("BACKEND_API_KEY"),
		BackendTimeout:      getEnvDuration("BACKEND_TIMEOUT", DefaultBackendTimeout),
		JobRetention:        getEnvDuration("JOB_RETENTION", DefaultJobRetention),
		JobSweepInterval:    getEnvDuration("JOB_SWEEP_INTERVAL", DefaultJobSweepInterval),
		MaxConcurrentJobs:   getEnvInt64("MAX_CONCURRENT_JOBS", DefaultMaxConcurrentJobs),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		CORSOrigins:         splitList(os.Getenv("CORS_ORIGINS")),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if cfg.StoreBackend == "" {
		cfg.StoreBackend = cfg.inferBackend()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) inferBackend() string {
	switch {
	case c.DatabaseURL != "":
		return "postgres"
	case c.RedisURL != "":
		return "redis"
	default:
		return "memory"
	}
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.RecipientAddress == "" {
		return fmt.Errorf("RECIPIENT_ADDRESS is required")
	}
	if err := solana.ValidatePublicKey(c.RecipientAddress); err != nil {
		return fmt.Errorf("RECIPIENT_ADDRESS must be a base58 Solana public key")
	}

	switch c.StoreBackend {
	case "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres backend")
		}
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required for the redis backend")
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be memory, postgres or redis (got %q)", c.StoreBackend)
	}

	if c.Commitment != "confirmed" && c.Commitment != "finalized" {
		return fmt.Errorf("SOLANA_COMMITMENT must be confirmed or finalized")
	}

	// Multiple replicas must agree on the nonce key, so production refuses the
	// per-process random fallback.
	if c.IsProduction() && len(c.ChallengeSecret) < 32 {
		return fmt.Errorf("CHALLENGE_SECRET must be at least 32 characters in production")
	}

	if c.RateLimitWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be positive")
	}
	for name, v := range map[string]int{
		"RATE_LIMIT_PRICE":    c.RateLimitPrice,
		"RATE_LIMIT_RESEARCH": c.RateLimitResearch,
		"RATE_LIMIT_RENDER":   c.RateLimitRender,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if c.JobRetention <= 0 {
		return fmt.Errorf("JOB_RETENTION must be positive")
	}

	return nil
}

// RateLimits returns the configured limit per endpoint class.
func (c *Config) RateLimits() map[string]int {
	return map[string]int{
		"price":    c.RateLimitPrice,
		"research": c.RateLimitResearch,
		"render":   c.RateLimitRender,
	}
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
