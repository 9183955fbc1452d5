package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// EnvPrefix namespaces every environment override.
const EnvPrefix = "TRADEGATE_"

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies TRADEGATE_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, k := range undecoded {
				// Strategy params are free-form.
				if len(k) > 2 && k[0] == "strategy" && k[1] == "params" {
					continue
				}
				keys = append(keys, k.String())
			}
			if len(keys) > 0 {
				return nil, fmt.Errorf("config: %s: unknown keys: %s", path, strings.Join(keys, ", "))
			}
		}
	}

	// Load .env file if present (silently ignore if missing).
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known TRADEGATE_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Broker ──
	setStr(&cfg.Broker.BaseURL, "BROKER_BASE_URL")
	setStr(&cfg.Broker.APIKey, "BROKER_API_KEY")
	setStr(&cfg.Broker.PrivateKey, "BROKER_PRIVATE_KEY")
	setStr(&cfg.Broker.EncryptedKeyPath, "BROKER_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Broker.KeyPassword, "BROKER_KEY_PASSWORD")
	setDuration(&cfg.Broker.RequestTimeout, "BROKER_REQUEST_TIMEOUT")

	// ── Rate limit / breaker / retry / pool ──
	setInt(&cfg.RateLimit.RequestsPerMinute, "RATE_LIMIT_REQUESTS_PER_MINUTE")
	setDuration(&cfg.RateLimit.MaxWait, "RATE_LIMIT_MAX_WAIT")
	setBool(&cfg.RateLimit.Shared, "RATE_LIMIT_SHARED")
	setInt(&cfg.Breaker.FailureThreshold, "BREAKER_FAILURE_THRESHOLD")
	setDuration(&cfg.Breaker.FailureWindow, "BREAKER_FAILURE_WINDOW")
	setDuration(&cfg.Breaker.RecoveryTimeout, "BREAKER_RECOVERY_TIMEOUT")
	setInt(&cfg.Retry.MaxRetries, "RETRY_MAX_RETRIES")
	setDuration(&cfg.Retry.Base, "RETRY_BASE")
	setDuration(&cfg.Retry.Cap, "RETRY_CAP")
	setInt(&cfg.Pool.MaxTotal, "POOL_MAX_TOTAL")
	setInt(&cfg.Pool.MaxPerHost, "POOL_MAX_PER_HOST")
	setDuration(&cfg.Pool.AcquireTimeout, "POOL_ACQUIRE_TIMEOUT")

	// ── Risk ──
	setInt(&cfg.Risk.MaxPositions, "RISK_MAX_POSITIONS")
	setFloat64(&cfg.Risk.RiskPerTrade, "RISK_RISK_PER_TRADE")
	setFloat64(&cfg.Risk.MaxPortfolioRisk, "RISK_MAX_PORTFOLIO_RISK")
	setFloat64(&cfg.Risk.MaxCorrelation, "RISK_MAX_CORRELATION")
	setFloat64(&cfg.Risk.MaxDrawdown, "RISK_MAX_DRAWDOWN")
	setFloat64(&cfg.Risk.MaxConcentration, "RISK_MAX_CONCENTRATION")

	// ── Feed ──
	setBool(&cfg.Feed.Enabled, "FEED_ENABLED")
	setStr(&cfg.Feed.URL, "FEED_URL")
	setStringSlice(&cfg.Feed.Symbols, "FEED_SYMBOLS")

	// ── Strategy / executor ──
	setStringSlice(&cfg.Strategy.Active, "STRATEGY_ACTIVE")
	setStringSlice(&cfg.Strategy.Symbols, "STRATEGY_SYMBOLS")
	setFloat64(&cfg.Strategy.Quantity, "STRATEGY_QUANTITY")
	setFloat64(&cfg.Strategy.StopLoss, "STRATEGY_STOP_LOSS")
	setInt(&cfg.Executor.Workers, "EXECUTOR_WORKERS")
	setDuration(&cfg.Executor.DedupTTL, "EXECUTOR_DEDUP_TTL")
	setDuration(&cfg.Executor.ReconcileInterval, "EXECUTOR_RECONCILE_INTERVAL")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "REDIS_ADDR")
	setStr(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "REDIS_KEY_PREFIX")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "S3_ENDPOINT")
	setStr(&cfg.S3.Region, "S3_REGION")
	setStr(&cfg.S3.Bucket, "S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "S3_FORCE_PATH_STYLE")
	setDuration(&cfg.S3.Retention, "S3_RETENTION")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "SERVER_ENABLED")
	setStr(&cfg.Server.Host, "SERVER_HOST")
	setInt(&cfg.Server.Port, "SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "SERVER_API_KEY")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "MODE")
	setStr(&cfg.LogLevel, "LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty. key excludes EnvPrefix.
// ---------------------------------------------------------------------------

func lookup(key string) string {
	return os.Getenv(EnvPrefix + key)
}

func setStr(dst *string, key string) {
	if v := lookup(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := lookup(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := lookup(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := lookup(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := lookup(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := lookup(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
