package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/chadgate/internal/capability"
	"github.com/mbd888/chadgate/internal/catalog"
	"github.com/mbd888/chadgate/internal/config"
	"github.com/mbd888/chadgate/internal/dispatch"
	"github.com/mbd888/chadgate/internal/entitlement"
	"github.com/mbd888/chadgate/internal/jobs"
	"github.com/mbd888/chadgate/internal/logging"
	"github.com/mbd888/chadgate/internal/payment"
	"github.com/mbd888/chadgate/internal/ratelimit"
	"github.com/mbd888/chadgate/internal/realtime"
	"github.com/mbd888/chadgate/internal/retry"
	"github.com/mbd888/chadgate/internal/solana"
	"github.com/mbd888/chadgate/migrations"
)

// Chain is the Solana access the gateway needs.
type Chain interface {
	payment.ChainLookup
	Ping(ctx context.Context) error
}

// Core is the gateway's domain stack: stores, verifier, limiter, jobs and
// the dispatcher. The HTTP server and the MCP command both run on one.
type Core struct {
	Config       *config.Config
	Catalog      *catalog.Catalog
	DB           *sql.DB       // nil unless the postgres backend is used
	Redis        *redis.Client // nil unless the redis backend is used
	Chain        Chain
	Keys         *entitlement.Manager
	Verifier     *payment.Verifier
	Limiter      *ratelimit.Limiter
	Jobs         *jobs.Service
	Executor     *jobs.Executor
	Capabilities *capability.HTTPHandler
	Hub          *realtime.Hub
	Dispatcher   *dispatch.Dispatcher

	logger *slog.Logger
}

// CoreOption adjusts how a Core is built.
type CoreOption func(*coreOptions)

type coreOptions struct {
	chain Chain
}

// WithChain replaces the Solana RPC client (for testing).
func WithChain(c Chain) CoreOption {
	return func(o *coreOptions) { o.chain = c }
}

type stores struct {
	ledger  payment.Ledger
	keys    entitlement.Store
	windows ratelimit.Store
	jobs    jobs.Store
}

// NewCore opens the configured stores and wires the domain services. Close
// releases them.
func NewCore(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...CoreOption) (*Core, error) {
	var o coreOptions
	for _, opt := range opts {
		opt(&o)
	}
	logger = logging.OrDiscard(logger)
	c := &Core{Config: cfg, logger: logger}

	cat := catalog.Default()
	if cfg.CatalogFile != "" {
		loaded, err := catalog.Load(cfg.CatalogFile)
		if err != nil {
			return nil, err
		}
		cat = loaded
		logger.Info("catalog loaded", "file", cfg.CatalogFile, "tools", len(cat.List()))
	}
	limits := cfg.RateLimits()
	for _, class := range cat.Classes() {
		if _, ok := limits[class]; !ok {
			return nil, fmt.Errorf("no rate limit configured for class %q", class)
		}
	}
	c.Catalog = cat

	st, err := c.openStores(ctx)
	if err != nil {
		c.closeStores()
		return nil, err
	}

	c.Chain = o.chain
	if c.Chain == nil {
		chain, err := solana.Dial(ctx, cfg.SolanaRPCURL, 15*time.Second, solana.WithCommitment(cfg.Commitment))
		if err != nil {
			c.closeStores()
			return nil, err
		}
		c.Chain = chain
	}

	c.Hub = realtime.NewHub(logger)
	c.Keys = entitlement.NewManager(st.keys, logger)
	c.Verifier = payment.NewVerifier(c.Chain, st.ledger, payment.VerifierConfig{
		MinConfirmations: cfg.MinConfirmations,
		Lookup: retry.Policy{
			MaxAttempts: cfg.LookupAttempts,
			BaseDelay:   cfg.LookupBaseDelay,
			MaxDelay:    8 * cfg.LookupBaseDelay,
		},
	}, logger)
	c.Limiter = ratelimit.NewLimiter(st.windows, limits, cfg.RateLimitWindow)
	c.Jobs = jobs.NewService(st.jobs, cfg.JobRetention, logger).WithPublisher(c.Hub)
	c.Executor = jobs.NewExecutor(cfg.MaxConcurrentJobs, logger)

	httpCfg := capability.DefaultHTTPConfig()
	httpCfg.BaseURLs = map[string]string{
		catalog.BackendPrice:    cfg.PriceAPIURL,
		catalog.BackendResearch: cfg.ResearchAPIURL,
		catalog.BackendRender:   cfg.RenderAPIURL,
	}
	httpCfg.APIKey = cfg.BackendAPIKey
	httpCfg.Timeout = cfg.BackendTimeout
	c.Capabilities = capability.NewHTTPHandler(httpCfg, c.Executor, logger)

	c.Dispatcher = dispatch.New(dispatch.Deps{
		Catalog:      cat,
		Entitlements: c.Keys,
		Verifier:     c.Verifier,
		Limiter:      c.Limiter,
		Jobs:         c.Jobs,
		Handler:      c.Capabilities,
		Nonces:       dispatch.NewNonceSigner(cfg.ChallengeSecret, cfg.ChallengeValidFor),
	}, dispatch.Config{
		Recipient:    cfg.RecipientAddress,
		RequireNonce: cfg.RequirePaymentNonce,
	}, logger)

	if cfg.ChallengeSecret == "" {
		logger.Warn("CHALLENGE_SECRET not set, nonces are only valid on this replica")
	}
	return c, nil
}

func (c *Core) openStores(ctx context.Context) (*stores, error) {
	cfg := c.Config
	switch cfg.StoreBackend {
	case "postgres":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		c.DB = db

		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := migrations.Up(ctx, db); err != nil {
			return nil, err
		}
		c.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
		return &stores{
			ledger:  payment.NewPostgresLedger(db),
			keys:    entitlement.NewPostgresStore(db),
			windows: ratelimit.NewPostgresStore(db),
			jobs:    jobs.NewPostgresStore(db),
		}, nil

	case "redis":
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		c.Redis = rdb

		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		c.logger.Info("using Redis storage", "url", maskDSN(cfg.RedisURL))
		return &stores{
			ledger:  payment.NewRedisLedger(rdb),
			keys:    entitlement.NewRedisStore(rdb),
			windows: ratelimit.NewRedisStore(rdb),
			jobs:    jobs.NewRedisStore(rdb),
		}, nil

	default:
		c.logger.Info("using in-memory storage (data will not persist, single replica only)")
		return &stores{
			ledger:  payment.NewMemoryLedger(),
			keys:    entitlement.NewMemoryStore(),
			windows: ratelimit.NewMemoryStore(),
			jobs:    jobs.NewMemoryStore(),
		}, nil
	}
}

// Close waits up to ctx for running jobs, then releases the stores.
func (c *Core) Close(ctx context.Context) error {
	var errs []error
	if c.Executor != nil {
		if err := c.Executor.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("job executor: %w", err))
		}
	}
	if err := c.closeStores(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Core) closeStores() error {
	var errs []error
	if c.DB != nil {
		if err := c.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
		c.DB = nil
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
		c.Redis = nil
	}
	return errors.Join(errs...)
}

// maskDSN hides the password in a connection string for logging.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
