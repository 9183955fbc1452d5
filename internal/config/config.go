// Package config defines the top-level configuration for the trading gateway
// and provides validation helpers.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by TRADEGATE_* environment variables.
type Config struct {
	Broker    BrokerConfig    `toml:"broker"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
	Breaker   BreakerConfig   `toml:"breaker"`
	Retry     RetryConfig     `toml:"retry"`
	Pool      PoolConfig      `toml:"pool"`
	Risk      RiskConfig      `toml:"risk"`
	Feed      FeedConfig      `toml:"feed"`
	Strategy  StrategyConfig  `toml:"strategy"`
	Executor  ExecutorConfig  `toml:"executor"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// BrokerConfig holds the brokerage endpoint and API credentials.
type BrokerConfig struct {
	BaseURL string `toml:"base_url"`
	APIKey  string `toml:"api_key"`
	// PrivateKey is the base64 Ed25519 seed issued with the API key. It
	// takes precedence over EncryptedKeyPath.
	PrivateKey       string   `toml:"private_key"`
	EncryptedKeyPath string   `toml:"encrypted_key_path"`
	KeyPassword      string   `toml:"key_password"`
	RequestTimeout   duration `toml:"request_timeout"`
	UserAgent        string   `toml:"user_agent"`
	// Health probe of the account endpoint.
	HealthInterval duration `toml:"health_interval"`
	DegradedAfter  int      `toml:"degraded_after"`
	CriticalAfter  int      `toml:"critical_after"`
}

// BucketConfig overrides one token bucket.
type BucketConfig struct {
	Capacity        int     `toml:"capacity"`
	RefillPerSecond float64 `toml:"refill_per_second"`
}

// RateLimitConfig sizes the client-side token buckets.
type RateLimitConfig struct {
	// RequestsPerMinute derives every bucket unless overridden below.
	RequestsPerMinute int      `toml:"requests_per_minute"`
	MaxWait           duration `toml:"max_wait"`
	// Buckets overrides by class: global, trading, market_data, account.
	Buckets map[string]BucketConfig `toml:"buckets"`
	// Shared adds a Redis-backed per-minute quota shared by every process
	// using the same API key. Requires redis.enabled.
	Shared bool `toml:"shared"`
}

// BreakerConfig tunes the per-endpoint circuit breakers.
type BreakerConfig struct {
	FailureThreshold int      `toml:"failure_threshold"`
	FailureWindow    duration `toml:"failure_window"`
	RecoveryTimeout  duration `toml:"recovery_timeout"`
}

// RetryConfig is the broker retry schedule.
type RetryConfig struct {
	MaxRetries int      `toml:"max_retries"`
	Base       duration `toml:"base"`
	Factor     float64  `toml:"factor"`
	Cap        duration `toml:"cap"`
	Jitter     float64  `toml:"jitter"`
}

// PoolConfig bounds broker HTTP connections.
type PoolConfig struct {
	MaxTotal       int      `toml:"max_total"`
	MaxPerHost     int      `toml:"max_per_host"`
	AcquireTimeout duration `toml:"acquire_timeout"`
	IdleTimeout    duration `toml:"idle_timeout"`
	DialTimeout    duration `toml:"dial_timeout"`
}

// RiskConfig holds the risk gate limits. Fractions are of capital.
type RiskConfig struct {
	MaxPositions     int     `toml:"max_positions"`
	RiskPerTrade     float64 `toml:"risk_per_trade"`
	MaxPortfolioRisk float64 `toml:"max_portfolio_risk"`
	MaxCorrelation   float64 `toml:"max_correlation"`
	MaxDrawdown      float64 `toml:"max_drawdown"`
	MaxConcentration float64 `toml:"max_concentration"`
	MinOrderSize     float64 `toml:"min_order_size"`
	DefaultStopLoss  float64 `toml:"default_stop_loss"`
	// Correlation sampling of marks.
	CorrelationWindow     int      `toml:"correlation_window"`
	CorrelationMinSamples int      `toml:"correlation_min_samples"`
	CorrelationInterval   duration `toml:"correlation_interval"`
}

// FeedConfig configures the market data WebSocket.
type FeedConfig struct {
	Enabled      bool     `toml:"enabled"`
	URL          string   `toml:"url"`
	Symbols      []string `toml:"symbols"`
	PingInterval duration `toml:"ping_interval"`
	PongTimeout  duration `toml:"pong_timeout"`
	HealthyAfter duration `toml:"healthy_after"`
	QueueSize    int      `toml:"queue_size"`
	// PollInterval drives REST best_bid_ask polling when the feed is
	// disabled. Zero disables polling.
	PollInterval duration `toml:"poll_interval"`
}

// StrategyConfig selects and tunes the strategies to run.
type StrategyConfig struct {
	// Active lists the built-in strategies to run concurrently.
	Active    []string `toml:"active"`
	Symbols   []string `toml:"symbols"`
	Quantity  float64  `toml:"quantity"`
	StopLoss  float64  `toml:"stop_loss"`
	QueueSize int      `toml:"queue_size"`
	// Params holds per-strategy parameters keyed by strategy name, e.g.
	// [strategy.params.mean_reversion].
	Params map[string]map[string]any `toml:"params"`
}

// ExecutorConfig tunes order submission and reconciliation.
type ExecutorConfig struct {
	Workers           int      `toml:"workers"`
	ProposalBuffer    int      `toml:"proposal_buffer"`
	DedupTTL          duration `toml:"dedup_ttl"`
	ReconcileInterval duration `toml:"reconcile_interval"`
	ReconcileMinAge   duration `toml:"reconcile_min_age"`
	FlushInterval     duration `toml:"flush_interval"`
}

// PostgresConfig holds the durable order store connection.
type PostgresConfig struct {
	Enabled         bool     `toml:"enabled"`
	DSN             string   `toml:"dsn"`
	Host            string   `toml:"host"`
	Port            int      `toml:"port"`
	Database        string   `toml:"database"`
	User            string   `toml:"user"`
	Password        string   `toml:"password"`
	SSLMode         string   `toml:"ssl_mode"`
	PoolMaxConns    int      `toml:"pool_max_conns"`
	PoolMinConns    int      `toml:"pool_min_conns"`
	MaxConnLifetime duration `toml:"max_conn_lifetime"`
	RunMigrations   bool     `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters and the features riding on
// it.
type RedisConfig struct {
	Enabled      bool     `toml:"enabled"`
	Addr         string   `toml:"addr"`
	Password     string   `toml:"password"`
	DB           int      `toml:"db"`
	PoolSize     int      `toml:"pool_size"`
	MaxRetries   int      `toml:"max_retries"`
	TLSEnabled   bool     `toml:"tls_enabled"`
	KeyPrefix    string   `toml:"key_prefix"`
	QuoteTTL     duration `toml:"quote_ttl"`
	StreamMaxLen int64    `toml:"stream_max_len"`
	// LockTTL guards the reconciler so one process reconciles at a time.
	LockTTL duration `toml:"lock_ttl"`
}

// S3Config holds the terminal-order archive bucket.
type S3Config struct {
	Enabled         bool     `toml:"enabled"`
	Endpoint        string   `toml:"endpoint"`
	Region          string   `toml:"region"`
	Bucket          string   `toml:"bucket"`
	AccessKey       string   `toml:"access_key"`
	SecretKey       string   `toml:"secret_key"`
	UseSSL          bool     `toml:"use_ssl"`
	ForcePathStyle  bool     `toml:"force_path_style"`
	Prefix          string   `toml:"prefix"`
	ArchiveInterval duration `toml:"archive_interval"`
	Retention       duration `toml:"retention"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds control API parameters.
type ServerConfig struct {
	Enabled        bool     `toml:"enabled"`
	Host           string   `toml:"host"`
	Port           int      `toml:"port"`
	CORSOrigins    []string `toml:"cors_origins"`
	APIKey         string   `toml:"api_key"`
	RateLimitRPS   float64  `toml:"rate_limit_rps"`
	RateLimitBurst int      `toml:"rate_limit_burst"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	Cooldown          duration `toml:"cooldown"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Broker: BrokerConfig{
			BaseURL:        "https://trading.robinhood.com",
			RequestTimeout: duration{10 * time.Second},
			UserAgent:      "tradegate/1.0",
			HealthInterval: duration{time.Minute},
			DegradedAfter:  2,
			CriticalAfter:  5,
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 100,
			MaxWait:           duration{30 * time.Second},
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			FailureWindow:    duration{time.Minute},
			RecoveryTimeout:  duration{30 * time.Second},
		},
		Retry: RetryConfig{
			MaxRetries: 5,
			Base:       duration{time.Second},
			Factor:     2,
			Cap:        duration{30 * time.Second},
			Jitter:     0.2,
		},
		Pool: PoolConfig{
			MaxTotal:       100,
			MaxPerHost:     30,
			AcquireTimeout: duration{5 * time.Second},
			IdleTimeout:    duration{90 * time.Second},
			DialTimeout:    duration{10 * time.Second},
		},
		Risk: RiskConfig{
			MaxPositions:          10,
			RiskPerTrade:          0.02,
			MaxPortfolioRisk:      0.10,
			MaxCorrelation:        0.7,
			MaxDrawdown:           0.20,
			MinOrderSize:          0.000001,
			DefaultStopLoss:       0.05,
			CorrelationWindow:     60,
			CorrelationMinSamples: 20,
			CorrelationInterval:   duration{time.Minute},
		},
		Feed: FeedConfig{
			Enabled:      true,
			URL:          "wss://trading.robinhood.com/ws/crypto/marketdata",
			Symbols:      []string{"BTC-USD", "ETH-USD"},
			PingInterval: duration{15 * time.Second},
			PongTimeout:  duration{10 * time.Second},
			HealthyAfter: duration{30 * time.Second},
			QueueSize:    1024,
			PollInterval: duration{5 * time.Second},
		},
		Strategy: StrategyConfig{
			Active:    []string{"mean_reversion"},
			Quantity:  0.001,
			StopLoss:  0.05,
			QueueSize: 16,
			Params:    map[string]map[string]any{},
		},
		Executor: ExecutorConfig{
			Workers:           4,
			ProposalBuffer:    256,
			DedupTTL:          duration{2 * time.Minute},
			ReconcileInterval: duration{15 * time.Second},
			ReconcileMinAge:   duration{10 * time.Second},
			FlushInterval:     duration{5 * time.Second},
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "tradegate",
			User:            "postgres",
			SSLMode:         "disable",
			PoolMaxConns:    10,
			PoolMinConns:    2,
			MaxConnLifetime: duration{time.Hour},
			RunMigrations:   true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			KeyPrefix:    "tradegate:",
			QuoteTTL:     duration{time.Minute},
			StreamMaxLen: 10000,
			LockTTL:      duration{time.Minute},
		},
		S3: S3Config{
			Endpoint:        "http://localhost:9000",
			Region:          "us-east-1",
			Bucket:          "tradegate-archive",
			ForcePathStyle:  true,
			Prefix:          "archive/orders",
			ArchiveInterval: duration{24 * time.Hour},
			Retention:       duration{30 * 24 * time.Hour},
		},
		Server: ServerConfig{
			Enabled:        true,
			Port:           8000,
			CORSOrigins:    []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimitRPS:   20,
			RateLimitBurst: 40,
		},
		Notify: NotifyConfig{
			Events:   []string{"breaker_open", "health", "order_failed", "order_filled"},
			Cooldown: duration{5 * time.Minute},
		},
		Mode:     "trade",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"trade":     true,
	"monitor":   true,
	"reconcile": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validBucketClasses are the accepted keys of rate_limit.buckets.
var validBucketClasses = map[string]bool{
	"global":      true,
	"trading":     true,
	"market_data": true,
	"account":     true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) { errs = append(errs, fmt.Sprintf(format, args...)) }

	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		add("unknown mode %q (valid: trade, monitor, reconcile)", c.Mode)
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		add("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}

	// Broker credentials are needed in every mode; monitor still reads the
	// account and market data.
	if u, err := url.Parse(c.Broker.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		add("broker: base_url must be an absolute URL, got %q", c.Broker.BaseURL)
	}
	if c.Broker.APIKey == "" {
		add("broker: api_key must be set")
	}
	if c.Broker.PrivateKey == "" && c.Broker.EncryptedKeyPath == "" {
		add("broker: either private_key or encrypted_key_path must be set")
	}
	if c.Broker.PrivateKey == "" && c.Broker.EncryptedKeyPath != "" && c.Broker.KeyPassword == "" {
		add("broker: key_password is required when encrypted_key_path is set")
	}
	if c.Broker.RequestTimeout.Duration <= 0 {
		add("broker: request_timeout must be > 0")
	}
	if c.Broker.CriticalAfter < c.Broker.DegradedAfter {
		add("broker: critical_after must be >= degraded_after")
	}

	if c.RateLimit.RequestsPerMinute < 1 {
		add("rate_limit: requests_per_minute must be >= 1")
	}
	for class, b := range c.RateLimit.Buckets {
		if !validBucketClasses[class] {
			add("rate_limit: unknown bucket %q (valid: global, trading, market_data, account)", class)
		}
		if b.Capacity < 1 || b.RefillPerSecond <= 0 {
			add("rate_limit: bucket %q needs capacity >= 1 and refill_per_second > 0", class)
		}
	}
	if c.RateLimit.Shared && !c.Redis.Enabled {
		add("rate_limit: shared requires redis.enabled")
	}

	if c.Breaker.FailureThreshold < 1 {
		add("breaker: failure_threshold must be >= 1")
	}
	if c.Breaker.FailureWindow.Duration <= 0 || c.Breaker.RecoveryTimeout.Duration <= 0 {
		add("breaker: failure_window and recovery_timeout must be > 0")
	}

	if c.Retry.MaxRetries < 0 {
		add("retry: max_retries must be >= 0")
	}
	if c.Retry.Base.Duration <= 0 || c.Retry.Cap.Duration < c.Retry.Base.Duration {
		add("retry: base must be > 0 and cap >= base")
	}
	if c.Retry.Factor < 1 {
		add("retry: factor must be >= 1")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter >= 1 {
		add("retry: jitter must be in [0, 1)")
	}

	if c.Pool.MaxTotal < 1 || c.Pool.MaxPerHost < 1 {
		add("pool: max_total and max_per_host must be >= 1")
	}
	if c.Pool.MaxPerHost > c.Pool.MaxTotal {
		add("pool: max_per_host must not exceed max_total")
	}
	if c.Pool.AcquireTimeout.Duration <= 0 {
		add("pool: acquire_timeout must be > 0")
	}

	if r := c.Risk; r.RiskPerTrade <= 0 || r.RiskPerTrade > 1 {
		add("risk: risk_per_trade must be in (0, 1]")
	}
	for name, v := range map[string]float64{
		"max_portfolio_risk": c.Risk.MaxPortfolioRisk,
		"max_correlation":    c.Risk.MaxCorrelation,
		"max_drawdown":       c.Risk.MaxDrawdown,
		"default_stop_loss":  c.Risk.DefaultStopLoss,
	} {
		if v < 0 || v > 1 {
			add("risk: %s must be in [0, 1], got %g", name, v)
		}
	}
	if c.Risk.MaxConcentration < 0 {
		add("risk: max_concentration must be >= 0")
	}
	if c.Risk.MinOrderSize <= 0 {
		add("risk: min_order_size must be > 0")
	}
	if c.Risk.CorrelationWindow < 2 || c.Risk.CorrelationMinSamples < 2 ||
		c.Risk.CorrelationMinSamples > c.Risk.CorrelationWindow {
		add("risk: correlation_window and correlation_min_samples must be >= 2 with min_samples <= window")
	}

	if c.Feed.Enabled {
		if u, err := url.Parse(c.Feed.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			add("feed: url must be a ws:// or wss:// URL, got %q", c.Feed.URL)
		}
		if c.Feed.PingInterval.Duration <= 0 || c.Feed.PongTimeout.Duration <= 0 {
			add("feed: ping_interval and pong_timeout must be > 0")
		}
	}
	if len(c.Feed.Symbols) == 0 {
		add("feed: symbols must list at least one symbol")
	}

	if mode == "trade" {
		if len(c.Strategy.Active) == 0 {
			add("strategy: active must name at least one strategy in trade mode")
		}
		if c.Strategy.Quantity <= 0 {
			add("strategy: quantity must be > 0")
		}
	}
	if c.Executor.Workers < 1 {
		add("executor: workers must be >= 1")
	}
	if c.Executor.ReconcileInterval.Duration <= 0 {
		add("executor: reconcile_interval must be > 0")
	}

	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				add("postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				add("postgres: port must be 1-65535, got %d", c.Postgres.Port)
			}
			if c.Postgres.Database == "" {
				add("postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			add("postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			add("postgres: pool_min_conns must be in [0, pool_max_conns]")
		}
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			add("redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			add("redis: pool_size must be >= 1")
		}
	}

	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			add("s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			add("s3: region must not be empty")
		}
		if !c.Postgres.Enabled {
			add("s3: archiving requires postgres.enabled")
		}
		if c.S3.Retention.Duration <= 0 || c.S3.ArchiveInterval.Duration <= 0 {
			add("s3: retention and archive_interval must be > 0")
		}
	}

	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		add("server: port must be 1-65535, got %d", c.Server.Port)
	}
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		add("notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalid, strings.Join(errs, "\n  - "))
	}
	return nil
}

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config validation failed")
