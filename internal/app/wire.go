package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/alanyoungcy/hedgebot/internal/blob/s3"
	"github.com/alanyoungcy/hedgebot/internal/cache/redis"
	"github.com/alanyoungcy/hedgebot/internal/config"
	"github.com/alanyoungcy/hedgebot/internal/crypto"
	"github.com/alanyoungcy/hedgebot/internal/domain"
	"github.com/alanyoungcy/hedgebot/internal/exchange"
	"github.com/alanyoungcy/hedgebot/internal/governor"
	"github.com/alanyoungcy/hedgebot/internal/notify"
	"github.com/alanyoungcy/hedgebot/internal/platform/binance"
	"github.com/alanyoungcy/hedgebot/internal/store/postgres"
	"github.com/alanyoungcy/hedgebot/internal/store/sqlite"
)

// Dependencies bundles the concrete stores, caches and clients the engine
// runs on. It is constructed by Wire and torn down by the returned cleanup
// function. Optional members are nil when their backend is disabled.
type Dependencies struct {
	// Stores
	Repository domain.PositionRepository
	AuditStore domain.AuditStore
	Ping       func(ctx context.Context) error

	// Exchange. Exchange is the raw client; the engine meters it.
	Exchange domain.ExchangeClient
	Market   exchange.MarkSource

	// Rate budget. Local always tracks the exchange-reported weight; Budget
	// is the shared Redis budget when enabled and Local otherwise.
	LocalBudget *governor.WindowBudget
	Budget      governor.Budget

	// Caches
	PriceCache  domain.PriceCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus
	Signals     domain.SignalProvider

	// Blob storage
	Archiver *s3blob.PositionArchiver

	// Notifications
	Notifier *notify.Notifier
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
	fail := func(what string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %s: %w", what, err)
	}

	deps := &Dependencies{}
	mode := strings.ToLower(cfg.Mode)

	deps.LocalBudget = governor.NewWindowBudget(
		cfg.Governor.WeightLimit,
		cfg.Governor.WeightThreshold,
		cfg.Governor.WeightWindow.Duration,
	)
	deps.Budget = deps.LocalBudget

	// --- Durable store ---
	var closedStore s3blob.ClosedPositionStore
	if mode == "live" {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail("postgres", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail("postgres migrations", err)
			}
		}

		positions := postgres.NewPositionStore(pgClient.Pool())
		deps.Repository = positions
		deps.AuditStore = postgres.NewAuditStore(pgClient.Pool())
		deps.Ping = pgClient.Ping
		closedStore = positions
	} else {
		db, err := sqlite.Open(cfg.SQLite.Path)
		if err != nil {
			return fail("sqlite", err)
		}
		closers = append(closers, func() { _ = db.Close() })

		deps.Repository = db
		deps.AuditStore = db
		deps.Ping = db.Ping
		closedStore = db
	}

	// --- Exchange ---
	var auth *crypto.HMACAuth
	if mode == "live" {
		secret, err := crypto.LoadSecret(crypto.SecretConfig{
			RawSecret:     cfg.Exchange.ApiSecret,
			EncryptedPath: cfg.Exchange.EncryptedSecretPath,
			Password:      cfg.Exchange.SecretPassword,
		})
		if err != nil {
			return fail("exchange secret", err)
		}
		auth = &crypto.HMACAuth{Key: cfg.Exchange.ApiKey, Secret: secret}
	}
	futures := binance.NewClient(binance.Config{
		RestHost:          cfg.Exchange.RestHost,
		WsHost:            cfg.Exchange.WsHost,
		RecvWindow:        cfg.Exchange.RecvWindow.Duration,
		RequestsPerSecond: cfg.Exchange.RequestsPerSecond,
		CommissionRate:    cfg.Exchange.CommissionRate,
		HTTPTimeout:       cfg.Exchange.CallTimeout.Duration,
	}, auth, deps.LocalBudget, logger)

	if mode == "live" {
		deps.Exchange = futures
		deps.Market = futures
	} else {
		// Paper fills ride on the public mark-price stream.
		paper := exchange.NewPaper(futures, cfg.Exchange.PaperStepSizes, cfg.Exchange.PaperFeeRate)
		deps.Exchange = paper
		deps.Market = paper
	}

	// --- Redis (optional) ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return fail("redis", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		limiter := redis.NewRateLimiter(redisClient)
		deps.PriceCache = redis.NewPriceCache(redisClient)
		deps.RateLimiter = limiter
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient, cfg.Redis.StreamMaxLen)
		deps.Signals = redis.NewSignalProvider(redisClient, cfg.Redis.SignalMaxAge.Duration)

		if cfg.Governor.SharedBudget {
			deps.Budget = redis.NewSharedBudget(
				limiter,
				"weight",
				cfg.Governor.WeightLimit,
				cfg.Governor.WeightThreshold,
				cfg.Governor.WeightWindow.Duration,
			)
		}
	}

	// --- S3 archive (optional) ---
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
			return fail("s3", err)
		}
		deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(s3Client), closedStore, deps.AuditStore)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, cfg.Notify.PerMinute, logger)

	return deps, cleanup, nil
}
