package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	s3blob "github.com/alanyoungcy/tradegate/internal/blob/s3"
	"github.com/alanyoungcy/tradegate/internal/breaker"
	"github.com/alanyoungcy/tradegate/internal/cache/redis"
	"github.com/alanyoungcy/tradegate/internal/config"
	"github.com/alanyoungcy/tradegate/internal/crypto"
	"github.com/alanyoungcy/tradegate/internal/domain"
	"github.com/alanyoungcy/tradegate/internal/gateway"
	"github.com/alanyoungcy/tradegate/internal/ledger"
	"github.com/alanyoungcy/tradegate/internal/metrics"
	"github.com/alanyoungcy/tradegate/internal/notify"
	"github.com/alanyoungcy/tradegate/internal/platform/robinhood"
	"github.com/alanyoungcy/tradegate/internal/portfolio"
	"github.com/alanyoungcy/tradegate/internal/ratelimit"
	"github.com/alanyoungcy/tradegate/internal/risk"
	"github.com/alanyoungcy/tradegate/internal/service"
	"github.com/alanyoungcy/tradegate/internal/store/postgres"
)

// Version is stamped at build time with -ldflags "-X ...app.Version=...".
var Version = "dev"

// Dependencies bundles everything the run modes share. It is constructed by
// Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Broker path
	Signer   *crypto.Signer
	Limiter  *ratelimit.Limiter
	Breakers *breaker.Set
	Gateway  *gateway.Gateway
	Broker   *robinhood.Client

	// Order lifecycle
	OrderStore   domain.OrderStore
	ArchiveStore domain.OrderArchiveStore
	EventStore   domain.OrderEventStore // nil without postgres
	Ledger       *ledger.Ledger
	Gate         *risk.Gate
	Portfolio    *portfolio.Tracker

	// Redis-backed extras; nil when redis is disabled.
	QuoteCache  domain.QuoteCache
	EventStream domain.EventStream
	LockManager *redis.LockManager

	// Object storage; nil when s3 is disabled.
	Archives *s3blob.Reader
	Archiver *s3blob.OrderArchiver

	Events   *service.EventService
	Notifier *notify.Notifier
	Metrics  *metrics.Metrics

	// Checks are named dependency probes for the health endpoint.
	Checks map[string]func(ctx context.Context) error
}

// requestClasses maps rate_limit.buckets keys to request classes.
var requestClasses = map[string]domain.RequestClass{
	"global":      domain.ClassGlobal,
	"trading":     domain.ClassTrading,
	"market_data": domain.ClassMarketData,
	"account":     domain.ClassAccount,
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(format string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf(format, err)
	}

	deps := &Dependencies{Checks: map[string]func(ctx context.Context) error{}}

	// --- Notifications & metrics ---
	deps.Notifier = notify.NewNotifier(buildSenders(cfg.Notify), cfg.Notify.Events, cfg.Notify.Cooldown.Duration, logger)
	deps.Metrics = metrics.New(Version)

	// --- PostgreSQL ---
	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:             cfg.Postgres.DSN,
			Host:            cfg.Postgres.Host,
			Port:            cfg.Postgres.Port,
			Database:        cfg.Postgres.Database,
			User:            cfg.Postgres.User,
			Password:        cfg.Postgres.Password,
			SSLMode:         cfg.Postgres.SSLMode,
			MaxConns:        cfg.Postgres.PoolMaxConns,
			MinConns:        cfg.Postgres.PoolMinConns,
			MaxConnLifetime: cfg.Postgres.MaxConnLifetime.Duration,
		})
		if err != nil {
			return fail("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail("wire: postgres migrations: %w", err)
			}
		}

		orders := postgres.NewOrderStore(pgClient.Pool())
		deps.OrderStore = orders
		deps.ArchiveStore = orders
		deps.EventStore = postgres.NewEventStore(pgClient.Pool())
		deps.Checks["postgres"] = pgClient.Health
	} else {
		mem := ledger.NewMemoryStore()
		deps.OrderStore = mem
		deps.ArchiveStore = mem
		logger.WarnContext(ctx, "postgres disabled; orders are kept in memory and lost on restart")
	}

	// --- Redis ---
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		var err error
		redisClient, err = redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.QuoteCache = redis.NewQuoteCache(redisClient, cfg.Redis.QuoteTTL.Duration)
		deps.EventStream = redis.NewEventStream(redisClient, cfg.Redis.StreamMaxLen)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.Checks["redis"] = redisClient.Ping
	}

	// --- S3 archive ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail("wire: s3: %w", err)
		}
		reader := s3blob.NewReader(s3Client)
		deps.Archives = reader
		deps.Archiver = s3blob.NewOrderArchiver(deps.ArchiveStore, s3blob.NewWriter(s3Client), reader, cfg.S3.Prefix, logger)
		deps.Checks["s3"] = s3Client.Health
	}

	// --- Broker path: signer, limiter, breakers, gateway ---
	signer, err := crypto.NewSigner(cfg.Broker.APIKey, crypto.KeyConfig{
		Base64Seed:       cfg.Broker.PrivateKey,
		EncryptedKeyPath: cfg.Broker.EncryptedKeyPath,
		KeyPassword:      cfg.Broker.KeyPassword,
	})
	if err != nil {
		return fail("wire: signer: %w", err)
	}
	deps.Signer = signer

	limiterCfg, err := limiterConfig(cfg.RateLimit)
	if err != nil {
		return fail("wire: rate limiter: %w", err)
	}
	deps.Limiter, err = ratelimit.New(limiterCfg, ratelimit.WithWaitObserver(deps.Metrics.ObserveLimiterWait))
	if err != nil {
		return fail("wire: rate limiter: %w", err)
	}
	var limiter gateway.Limiter = deps.Limiter
	if cfg.RateLimit.Shared {
		quotas := make(map[domain.RequestClass]int, len(limiterCfg.Buckets))
		for class, b := range limiterCfg.Buckets {
			quotas[class] = b.Capacity
		}
		limiter = gateway.Limiters{deps.Limiter, redis.NewAccountQuota(redisClient, accountKey(cfg.Broker.APIKey), time.Minute, quotas)}
	}

	deps.Breakers = breaker.NewSet(breaker.Settings{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		FailureWindow:    cfg.Breaker.FailureWindow.Duration,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout.Duration,
		OnStateChange: func(name string, from, to domain.BreakerState) {
			deps.Metrics.ObserveBreakerTransition(name, from, to)
			deps.Notifier.OnBreakerChange(name, from, to)
		},
	}, logger)

	deps.Gateway, err = gateway.New(gateway.Config{
		BaseURL:        cfg.Broker.BaseURL,
		RequestTimeout: cfg.Broker.RequestTimeout.Duration,
		UserAgent:      cfg.Broker.UserAgent,
		Pool: gateway.PoolConfig{
			MaxTotal:       cfg.Pool.MaxTotal,
			MaxPerHost:     cfg.Pool.MaxPerHost,
			AcquireTimeout: cfg.Pool.AcquireTimeout.Duration,
			IdleTimeout:    cfg.Pool.IdleTimeout.Duration,
			DialTimeout:    cfg.Pool.DialTimeout.Duration,
		},
		Retry: gateway.RetryPolicy{
			MaxRetries: cfg.Retry.MaxRetries,
			Base:       cfg.Retry.Base.Duration,
			Factor:     cfg.Retry.Factor,
			Cap:        cfg.Retry.Cap.Duration,
			Jitter:     cfg.Retry.Jitter,
		},
	}, limiter, deps.Breakers, signer, logger,
		gateway.WithAuthenticator(signer),
		gateway.WithRecorder(deps.Metrics),
	)
	if err != nil {
		return fail("wire: gateway: %w", err)
	}
	deps.Broker = robinhood.NewClient(deps.Gateway)

	// --- Order lifecycle ---
	limits, err := riskLimits(cfg.Risk)
	if err != nil {
		return fail("wire: risk limits: %w", err)
	}
	deps.Gate = risk.NewGate(limits, logger)
	deps.Ledger = ledger.New(deps.OrderStore, logger)
	deps.Portfolio = portfolio.NewTracker(
		portfolio.NewCorrelationTracker(cfg.Risk.CorrelationWindow, cfg.Risk.CorrelationMinSamples),
		logger,
	)
	deps.Events = service.NewEventService(deps.EventStore, deps.EventStream, 5*time.Second, logger)

	logger.InfoContext(ctx, "dependencies wired",
		slog.Bool("postgres", cfg.Postgres.Enabled),
		slog.Bool("redis", cfg.Redis.Enabled),
		slog.Bool("s3", cfg.S3.Enabled),
		slog.Bool("notify", deps.Notifier.Enabled()),
		slog.String("signer", signer.String()),
	)
	return deps, cleanup, nil
}

// buildSenders returns one sender per configured channel.
func buildSenders(cfg config.NotifyConfig) []notify.Sender {
	var senders []notify.Sender
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.TelegramToken, cfg.TelegramChatID, ""))
	}
	if cfg.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.DiscordWebhookURL, "tradegate"))
	}
	return senders
}

// limiterConfig derives the buckets from requests_per_minute and applies
// per-class overrides.
func limiterConfig(cfg config.RateLimitConfig) (ratelimit.Config, error) {
	out := ratelimit.FromRequestsPerMinute(cfg.RequestsPerMinute, cfg.MaxWait.Duration)
	for name, b := range cfg.Buckets {
		class, ok := requestClasses[name]
		if !ok {
			return ratelimit.Config{}, fmt.Errorf("unknown bucket %q", name)
		}
		out.Buckets[class] = ratelimit.BucketConfig{Capacity: b.Capacity, RefillPerSecond: b.RefillPerSecond}
	}
	return out, nil
}

// riskLimits converts the float configuration into decimal limits.
func riskLimits(cfg config.RiskConfig) (risk.Limits, error) {
	l := risk.Limits{
		MaxPositions:     cfg.MaxPositions,
		RiskPerTrade:     decimal.NewFromFloat(cfg.RiskPerTrade),
		MaxPortfolioRisk: decimal.NewFromFloat(cfg.MaxPortfolioRisk),
		MaxCorrelation:   cfg.MaxCorrelation,
		MaxDrawdown:      decimal.NewFromFloat(cfg.MaxDrawdown),
		MaxConcentration: decimal.NewFromFloat(cfg.MaxConcentration),
		MinOrderSize:     decimal.NewFromFloat(cfg.MinOrderSize),
		DefaultStopLoss:  decimal.NewFromFloat(cfg.DefaultStopLoss),
	}
	if err := l.Validate(); err != nil {
		return risk.Limits{}, err
	}
	return l, nil
}

// accountKey identifies the API key in shared Redis keys without storing it.
func accountKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:8])
}
