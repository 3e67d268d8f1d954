package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies HEDGEBOT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
//
// An empty path skips the file and uses defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known HEDGEBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set.
func applyEnvOverrides(cfg *Config) {
	// ── Exchange ──
	setStr(&cfg.Exchange.RestHost, "HEDGEBOT_EXCHANGE_REST_HOST")
	setStr(&cfg.Exchange.WsHost, "HEDGEBOT_EXCHANGE_WS_HOST")
	setStr(&cfg.Exchange.ApiKey, "HEDGEBOT_EXCHANGE_API_KEY")
	setStr(&cfg.Exchange.ApiSecret, "HEDGEBOT_EXCHANGE_API_SECRET")
	setStr(&cfg.Exchange.EncryptedSecretPath, "HEDGEBOT_EXCHANGE_ENCRYPTED_SECRET_PATH")
	setStr(&cfg.Exchange.SecretPassword, "HEDGEBOT_EXCHANGE_SECRET_PASSWORD")
	setDuration(&cfg.Exchange.CallTimeout, "HEDGEBOT_EXCHANGE_CALL_TIMEOUT")
	setFloat64(&cfg.Exchange.RequestsPerSecond, "HEDGEBOT_EXCHANGE_REQUESTS_PER_SECOND")
	setFloat64(&cfg.Exchange.CommissionRate, "HEDGEBOT_EXCHANGE_COMMISSION_RATE")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "HEDGEBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "HEDGEBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "HEDGEBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "HEDGEBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "HEDGEBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "HEDGEBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "HEDGEBOT_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "HEDGEBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "HEDGEBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "HEDGEBOT_POSTGRES_RUN_MIGRATIONS")

	// ── SQLite ──
	setStr(&cfg.SQLite.Path, "HEDGEBOT_SQLITE_PATH")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "HEDGEBOT_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "HEDGEBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "HEDGEBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "HEDGEBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "HEDGEBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "HEDGEBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "HEDGEBOT_REDIS_TLS_ENABLED")
	setInt64(&cfg.Redis.StreamMaxLen, "HEDGEBOT_REDIS_STREAM_MAX_LEN")
	setStr(&cfg.Redis.SignalChannel, "HEDGEBOT_REDIS_SIGNAL_CHANNEL")
	setStr(&cfg.Redis.EventChannel, "HEDGEBOT_REDIS_EVENT_CHANNEL")
	setDuration(&cfg.Redis.SignalMaxAge, "HEDGEBOT_REDIS_SIGNAL_MAX_AGE")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "HEDGEBOT_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "HEDGEBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "HEDGEBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "HEDGEBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "HEDGEBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "HEDGEBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "HEDGEBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "HEDGEBOT_S3_FORCE_PATH_STYLE")
	setDuration(&cfg.S3.ArchiveAfter, "HEDGEBOT_S3_ARCHIVE_AFTER")
	setDuration(&cfg.S3.ArchiveInterval, "HEDGEBOT_S3_ARCHIVE_INTERVAL")

	// ── Position ──
	setFloat64(&cfg.Position.DefaultInvestment, "HEDGEBOT_POSITION_DEFAULT_INVESTMENT")
	setFloat64(&cfg.Position.MinProfit, "HEDGEBOT_POSITION_MIN_PROFIT")
	setFloat64(&cfg.Position.InitialStopPct, "HEDGEBOT_POSITION_INITIAL_STOP_PCT")
	setFloat64(&cfg.Position.TakeProfitPct, "HEDGEBOT_POSITION_TAKE_PROFIT_PCT")
	setDuration(&cfg.Position.Cadence, "HEDGEBOT_POSITION_CADENCE")
	setDuration(&cfg.Position.WarningCadence, "HEDGEBOT_POSITION_WARNING_CADENCE")
	setStr(&cfg.Position.CandleKind, "HEDGEBOT_POSITION_CANDLE_KIND")

	// ── Decision ──
	setStringSlice(&cfg.Decision.Strategies, "HEDGEBOT_DECISION_STRATEGIES")
	setFloat64(&cfg.Decision.LossFloor, "HEDGEBOT_DECISION_LOSS_FLOOR")
	setFloat64(&cfg.Decision.TrailingPct, "HEDGEBOT_DECISION_TRAILING_PCT")
	setFloat64(&cfg.Decision.RSIUpper, "HEDGEBOT_DECISION_RSI_UPPER")
	setFloat64(&cfg.Decision.RSILower, "HEDGEBOT_DECISION_RSI_LOWER")
	setFloat64(&cfg.Decision.MaxRangePct, "HEDGEBOT_DECISION_MAX_RANGE_PCT")
	setInt(&cfg.Decision.MaxAddTimes, "HEDGEBOT_DECISION_MAX_ADD_TIMES")

	// ── Hedge ──
	setFloat64(&cfg.Hedge.ReleaseProfit, "HEDGEBOT_HEDGE_RELEASE_PROFIT")

	// ── Scheduler ──
	setInt(&cfg.Scheduler.PoolSize, "HEDGEBOT_SCHEDULER_POOL_SIZE")
	setInt(&cfg.Scheduler.QueueDepth, "HEDGEBOT_SCHEDULER_QUEUE_DEPTH")
	setDuration(&cfg.Scheduler.MinInterval, "HEDGEBOT_SCHEDULER_MIN_INTERVAL")
	setDuration(&cfg.Scheduler.JobTimeout, "HEDGEBOT_SCHEDULER_JOB_TIMEOUT")

	// ── Persistence ──
	setDuration(&cfg.Persistence.FlushInterval, "HEDGEBOT_PERSISTENCE_FLUSH_INTERVAL")
	setInt(&cfg.Persistence.MaxAttempts, "HEDGEBOT_PERSISTENCE_MAX_ATTEMPTS")

	// ── Governor ──
	setInt(&cfg.Governor.WeightLimit, "HEDGEBOT_GOVERNOR_WEIGHT_LIMIT")
	setFloat64(&cfg.Governor.WeightThreshold, "HEDGEBOT_GOVERNOR_WEIGHT_THRESHOLD")
	setBool(&cfg.Governor.SharedBudget, "HEDGEBOT_GOVERNOR_SHARED_BUDGET")
	setInt(&cfg.Governor.CrashThreshold, "HEDGEBOT_GOVERNOR_CRASH_THRESHOLD")
	setInt(&cfg.Governor.MaxPool, "HEDGEBOT_GOVERNOR_MAX_POOL")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "HEDGEBOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "HEDGEBOT_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "HEDGEBOT_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RateLimitPerMin, "HEDGEBOT_SERVER_RATE_LIMIT_PER_MIN")
	setStr(&cfg.Server.APIKey, "HEDGEBOT_SERVER_API_KEY")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "HEDGEBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "HEDGEBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "HEDGEBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "HEDGEBOT_NOTIFY_EVENTS")
	setInt(&cfg.Notify.PerMinute, "HEDGEBOT_NOTIFY_PER_MINUTE")

	// ── Top-level ──
	setStr(&cfg.Mode, "HEDGEBOT_MODE")
	setStr(&cfg.LogLevel, "HEDGEBOT_LOG_LEVEL")
	setStr(&cfg.MachineID, "HEDGEBOT_MACHINE_ID")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
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
