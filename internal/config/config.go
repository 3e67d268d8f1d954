// Package config defines the top-level configuration for hedgebot and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by HEDGEBOT_* environment variables.
type Config struct {
	Exchange    ExchangeConfig    `toml:"exchange"`
	Postgres    PostgresConfig    `toml:"postgres"`
	SQLite      SQLiteConfig      `toml:"sqlite"`
	Redis       RedisConfig       `toml:"redis"`
	S3          S3Config          `toml:"s3"`
	Position    PositionConfig    `toml:"position"`
	Decision    DecisionConfig    `toml:"decision"`
	Hedge       HedgeConfig       `toml:"hedge"`
	Scheduler   SchedulerConfig   `toml:"scheduler"`
	Persistence PersistenceConfig `toml:"persistence"`
	Governor    GovernorConfig    `toml:"governor"`
	Server      ServerConfig      `toml:"server"`
	Notify      NotifyConfig      `toml:"notify"`
	Mode        string            `toml:"mode"`
	LogLevel    string            `toml:"log_level"`
	MachineID   string            `toml:"machine_id"`
}

// ExchangeConfig holds futures exchange endpoints and credentials.
type ExchangeConfig struct {
	RestHost            string             `toml:"rest_host"`
	WsHost              string             `toml:"ws_host"`
	ApiKey              string             `toml:"api_key"`
	ApiSecret           string             `toml:"api_secret"`
	EncryptedSecretPath string             `toml:"encrypted_secret_path"`
	SecretPassword      string             `toml:"secret_password"`
	RecvWindow          duration           `toml:"recv_window"`
	CallTimeout         duration           `toml:"call_timeout"`
	RequestsPerSecond   float64            `toml:"requests_per_second"`
	CommissionRate      float64            `toml:"commission_rate"`
	PaperStepSizes      map[string]float64 `toml:"paper_step_sizes"`
	PaperFeeRate        float64            `toml:"paper_fee_rate"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// SQLiteConfig holds the local database used in paper mode.
type SQLiteConfig struct {
	Path string `toml:"path"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled      bool   `toml:"enabled"`
	Addr         string `toml:"addr"`
	Password     string `toml:"password"`
	DB           int    `toml:"db"`
	PoolSize     int    `toml:"pool_size"`
	MaxRetries   int    `toml:"max_retries"`
	TLSEnabled   bool   `toml:"tls_enabled"`
	StreamMaxLen int64  `toml:"stream_max_len"`
	// SignalChannel carries entry signals from external strategies.
	SignalChannel string `toml:"signal_channel"`
	// EventChannel receives position lifecycle events.
	EventChannel string `toml:"event_channel"`
	// SignalMaxAge is how old an indicator row may be before it counts as
	// missing. Zero disables the check.
	SignalMaxAge duration `toml:"signal_max_age"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled         bool     `toml:"enabled"`
	Endpoint        string   `toml:"endpoint"`
	Region          string   `toml:"region"`
	Bucket          string   `toml:"bucket"`
	AccessKey       string   `toml:"access_key"`
	SecretKey       string   `toml:"secret_key"`
	UseSSL          bool     `toml:"use_ssl"`
	ForcePathStyle  bool     `toml:"force_path_style"`
	ArchiveAfter    duration `toml:"archive_after"`
	ArchiveInterval duration `toml:"archive_interval"`
}

// PositionConfig holds the defaults applied to new positions and the
// worker cadence.
type PositionConfig struct {
	DefaultInvestment float64  `toml:"default_investment"`
	MinProfit         float64  `toml:"min_profit"`
	InitialStopPct    float64  `toml:"initial_stop_pct"`
	TakeProfitPct     float64  `toml:"take_profit_pct"`
	Cadence           duration `toml:"cadence"`
	WarningCadence    duration `toml:"warning_cadence"`
	CandleKind        string   `toml:"candle_kind"`
	LockTTL           duration `toml:"lock_ttl"`
}

// DecisionConfig holds the tuning constants of the decision strategies.
type DecisionConfig struct {
	Strategies            []string            `toml:"strategies"`
	LossFloor             float64             `toml:"loss_floor"`
	TrailingPct           float64             `toml:"trailing_pct"`
	WarningBand           float64             `toml:"warning_band"`
	RSIUpper              float64             `toml:"rsi_upper"`
	RSILower              float64             `toml:"rsi_lower"`
	MaxRangePct           float64             `toml:"max_range_pct"`
	AddInvestmentCooldown duration            `toml:"add_investment_cooldown"`
	AddInvestmentProfit   float64             `toml:"add_investment_profit"`
	AddInvestmentFraction float64             `toml:"add_investment_fraction"`
	MaxAddTimes           int                 `toml:"max_add_times"`
	HigherIntervals       map[string][]string `toml:"higher_intervals"`
	SignalTimeout         duration            `toml:"signal_timeout"`
}

// HedgeConfig holds hedge release tuning.
type HedgeConfig struct {
	ReleaseProfit float64 `toml:"release_profit"`
}

// SchedulerConfig holds the simulation pool parameters.
type SchedulerConfig struct {
	PoolSize    int      `toml:"pool_size"`
	QueueDepth  int      `toml:"queue_depth"`
	MinInterval duration `toml:"min_interval"`
	JobTimeout  duration `toml:"job_timeout"`
}

// PersistenceConfig holds the sync loop parameters.
type PersistenceConfig struct {
	FlushInterval  duration `toml:"flush_interval"`
	MaxAttempts    int      `toml:"max_attempts"`
	InitialBackoff duration `toml:"initial_backoff"`
	MaxBackoff     duration `toml:"max_backoff"`
	UnhealthyAfter int      `toml:"unhealthy_after"`
}

// GovernorConfig holds resource and rate-budget limits.
type GovernorConfig struct {
	WeightLimit     int      `toml:"weight_limit"`
	WeightThreshold float64  `toml:"weight_threshold"`
	WeightWindow    duration `toml:"weight_window"`
	SharedBudget    bool     `toml:"shared_budget"`
	CrashThreshold  int      `toml:"crash_threshold"`
	MinPool         int      `toml:"min_pool"`
	MaxPool         int      `toml:"max_pool"`
	MemPerWorkerMB  int      `toml:"mem_per_worker_mb"`
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

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled         bool     `toml:"enabled"`
	Port            int      `toml:"port"`
	CORSOrigins     []string `toml:"cors_origins"`
	RateLimitPerMin int      `toml:"rate_limit_per_min"`
	APIKey          string   `toml:"api_key"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	PerMinute         int      `toml:"per_minute"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Exchange: ExchangeConfig{
			RestHost:          "https://fapi.binance.com",
			WsHost:            "wss://fstream.binance.com",
			RecvWindow:        duration{5 * time.Second},
			CallTimeout:       duration{5 * time.Second},
			RequestsPerSecond: 10,
			CommissionRate:    0.0004,
			PaperStepSizes:    map[string]float64{},
			PaperFeeRate:      0.0004,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "hedgebot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		SQLite: SQLiteConfig{
			Path: "hedgebot.db",
		},
		Redis: RedisConfig{
			Enabled:       false,
			Addr:          "localhost:6379",
			PoolSize:      20,
			MaxRetries:    3,
			StreamMaxLen:  10000,
			SignalChannel: "signals:entry",
			EventChannel:  "positions",
			SignalMaxAge:  duration{2 * time.Hour},
		},
		S3: S3Config{
			Enabled:         false,
			Endpoint:        "http://localhost:9000",
			Region:          "us-east-1",
			Bucket:          "hedgebot-archive",
			ForcePathStyle:  true,
			ArchiveAfter:    duration{30 * 24 * time.Hour},
			ArchiveInterval: duration{24 * time.Hour},
		},
		Position: PositionConfig{
			DefaultInvestment: 100,
			MinProfit:         0.02,
			InitialStopPct:    0.03,
			TakeProfitPct:     0.10,
			Cadence:           duration{5 * time.Second},
			WarningCadence:    duration{1 * time.Second},
			CandleKind:        "heikin_ashi",
			LockTTL:           duration{30 * time.Second},
		},
		Decision: DecisionConfig{
			Strategies: []string{
				"volatility_guard",
				"loss_floor",
				"trailing_stop",
				"trend_confirmation",
				"add_investment",
			},
			LossFloor:             0.02,
			TrailingPct:           0.01,
			WarningBand:           0.2,
			RSIUpper:              70,
			RSILower:              30,
			MaxRangePct:           5,
			AddInvestmentCooldown: duration{30 * time.Minute},
			AddInvestmentProfit:   0.03,
			AddInvestmentFraction: 0.5,
			MaxAddTimes:           3,
			HigherIntervals: map[string][]string{
				"1m":  {"5m", "15m"},
				"5m":  {"15m", "1h"},
				"15m": {"1h", "4h"},
				"1h":  {"4h"},
				"4h":  {"1d"},
			},
			SignalTimeout: duration{3 * time.Second},
		},
		Hedge: HedgeConfig{
			ReleaseProfit: 0,
		},
		Scheduler: SchedulerConfig{
			PoolSize:    0,
			QueueDepth:  1024,
			MinInterval: duration{1 * time.Second},
			JobTimeout:  duration{20 * time.Second},
		},
		Persistence: PersistenceConfig{
			FlushInterval:  duration{2 * time.Second},
			MaxAttempts:    5,
			InitialBackoff: duration{200 * time.Millisecond},
			MaxBackoff:     duration{5 * time.Second},
			UnhealthyAfter: 10,
		},
		Governor: GovernorConfig{
			WeightLimit:     2400,
			WeightThreshold: 0.95,
			WeightWindow:    duration{time.Minute},
			CrashThreshold:  5,
			MinPool:         2,
			MaxPool:         64,
			MemPerWorkerMB:  32,
		},
		Server: ServerConfig{
			Enabled:         true,
			Port:            8000,
			CORSOrigins:     []string{"http://localhost:3000"},
			RateLimitPerMin: 600,
		},
		Notify: NotifyConfig{
			Events:    []string{"close", "hedge_open", "hedge_release", "demoted", "error"},
			PerMinute: 20,
		},
		Mode:      "paper",
		LogLevel:  "info",
		MachineID: "local",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"live":  true,
	"paper": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validStrategies enumerates the decision strategies the engine can build.
var validStrategies = map[string]bool{
	"volatility_guard":   true,
	"loss_floor":         true,
	"trailing_stop":      true,
	"trend_confirmation": true,
	"add_investment":     true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: live, paper)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if strings.TrimSpace(c.MachineID) == "" {
		errs = append(errs, "machine_id must not be empty")
	}

	// Exchange
	if c.Exchange.WsHost == "" {
		errs = append(errs, "exchange: ws_host must not be empty")
	}
	if mode == "live" {
		if c.Exchange.RestHost == "" {
			errs = append(errs, "exchange: rest_host must not be empty")
		}
		if c.Exchange.ApiKey == "" {
			errs = append(errs, "exchange: api_key is required for mode live")
		}
		if c.Exchange.ApiSecret == "" && c.Exchange.EncryptedSecretPath == "" {
			errs = append(errs, "exchange: either api_secret or encrypted_secret_path must be set for mode live")
		}
		if c.Exchange.EncryptedSecretPath != "" && c.Exchange.SecretPassword == "" {
			errs = append(errs, "exchange: secret_password is required when encrypted_secret_path is set")
		}
	}
	if c.Exchange.CallTimeout.Duration <= 0 {
		errs = append(errs, "exchange: call_timeout must be > 0")
	}
	if c.Exchange.RequestsPerSecond <= 0 {
		errs = append(errs, "exchange: requests_per_second must be > 0")
	}
	if c.Exchange.CommissionRate < 0 || c.Exchange.CommissionRate >= 0.01 {
		errs = append(errs, fmt.Sprintf("exchange: commission_rate must be in [0, 0.01), got %g", c.Exchange.CommissionRate))
	}

	// Postgres
	if mode == "live" {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	} else if c.SQLite.Path == "" {
		errs = append(errs, "sqlite: path must not be empty for mode paper")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}
	if c.Governor.SharedBudget && !c.Redis.Enabled {
		errs = append(errs, "governor: shared_budget requires redis.enabled")
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
		if c.S3.ArchiveInterval.Duration <= 0 {
			errs = append(errs, "s3: archive_interval must be > 0")
		}
	}

	// Position
	if c.Position.DefaultInvestment <= 0 {
		errs = append(errs, "position: default_investment must be > 0")
	}
	if c.Position.MinProfit <= 0 {
		errs = append(errs, "position: min_profit must be > 0")
	}
	if c.Position.InitialStopPct <= 0 || c.Position.InitialStopPct >= 1 {
		errs = append(errs, "position: initial_stop_pct must be in (0, 1)")
	}
	if c.Position.Cadence.Duration <= 0 {
		errs = append(errs, "position: cadence must be > 0")
	}
	if c.Position.WarningCadence.Duration <= 0 || c.Position.WarningCadence.Duration > c.Position.Cadence.Duration {
		errs = append(errs, "position: warning_cadence must be > 0 and <= cadence")
	}
	if c.Position.CandleKind != "normal" && c.Position.CandleKind != "heikin_ashi" {
		errs = append(errs, fmt.Sprintf("position: candle_kind must be normal or heikin_ashi, got %q", c.Position.CandleKind))
	}

	// Decision
	if len(c.Decision.Strategies) == 0 {
		errs = append(errs, "decision: strategies must not be empty")
	}
	for _, s := range c.Decision.Strategies {
		if !validStrategies[s] {
			errs = append(errs, fmt.Sprintf("decision: unknown strategy %q", s))
		}
	}
	if c.Decision.LossFloor <= 0 {
		errs = append(errs, "decision: loss_floor must be > 0")
	}
	if c.Decision.TrailingPct <= 0 || c.Decision.TrailingPct >= 1 {
		errs = append(errs, "decision: trailing_pct must be in (0, 1)")
	}
	if c.Decision.RSILower >= c.Decision.RSIUpper {
		errs = append(errs, "decision: rsi_lower must be below rsi_upper")
	}
	if c.Decision.MaxRangePct <= 0 {
		errs = append(errs, "decision: max_range_pct must be > 0")
	}
	if c.Decision.AddInvestmentFraction < 0 || c.Decision.AddInvestmentFraction > 1 {
		errs = append(errs, "decision: add_investment_fraction must be in [0, 1]")
	}
	for from, higher := range c.Decision.HigherIntervals {
		if len(higher) == 0 || len(higher) > 2 {
			errs = append(errs, fmt.Sprintf("decision: higher_intervals[%s] must list 1 or 2 intervals", from))
		}
	}

	// Scheduler
	if c.Scheduler.PoolSize < 0 {
		errs = append(errs, "scheduler: pool_size must be >= 0 (0 = auto)")
	}
	if c.Scheduler.QueueDepth < 1 {
		errs = append(errs, "scheduler: queue_depth must be >= 1")
	}
	if c.Scheduler.MinInterval.Duration <= 0 {
		errs = append(errs, "scheduler: min_interval must be > 0")
	}

	// Persistence
	if c.Persistence.FlushInterval.Duration <= 0 {
		errs = append(errs, "persistence: flush_interval must be > 0")
	}
	if c.Persistence.MaxAttempts < 1 {
		errs = append(errs, "persistence: max_attempts must be >= 1")
	}
	if c.Persistence.MaxBackoff.Duration < c.Persistence.InitialBackoff.Duration {
		errs = append(errs, "persistence: max_backoff must be >= initial_backoff")
	}

	// Governor
	if c.Governor.WeightLimit < 1 {
		errs = append(errs, "governor: weight_limit must be >= 1")
	}
	if c.Governor.WeightThreshold <= 0 || c.Governor.WeightThreshold > 1 {
		errs = append(errs, "governor: weight_threshold must be in (0, 1]")
	}
	if c.Governor.WeightWindow.Duration <= 0 {
		errs = append(errs, "governor: weight_window must be > 0")
	}
	if c.Governor.CrashThreshold < 1 {
		errs = append(errs, "governor: crash_threshold must be >= 1")
	}
	if c.Governor.MinPool < 1 || c.Governor.MaxPool < c.Governor.MinPool {
		errs = append(errs, "governor: need 1 <= min_pool <= max_pool")
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
