package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/tradewatch/internal/blob/s3"
	"github.com/alanyoungcy/tradewatch/internal/broker"
	"github.com/alanyoungcy/tradewatch/internal/cache/redis"
	"github.com/alanyoungcy/tradewatch/internal/config"
	"github.com/alanyoungcy/tradewatch/internal/crypto"
	"github.com/alanyoungcy/tradewatch/internal/discovery"
	"github.com/alanyoungcy/tradewatch/internal/domain"
	"github.com/alanyoungcy/tradewatch/internal/notify"
	"github.com/alanyoungcy/tradewatch/internal/platform/gateway"
	"github.com/alanyoungcy/tradewatch/internal/store/postgres"
	kafkastream "github.com/alanyoungcy/tradewatch/internal/stream/kafka"
)

// Dependencies bundles every infrastructure dependency that the application
// modes need to operate. It is constructed by Wire and torn down by the
// returned cleanup function.
type Dependencies struct {
	// Stores
	History     *postgres.HistoryStore
	Audit       domain.AuditStore
	BotSettings *postgres.BotSettingsStore
	Credentials domain.CredentialSource

	// Caches
	State       *redis.StateCache
	Locks       domain.LockManager
	RateLimiter domain.RateLimiter
	Enablement  *redis.EnablementProvider
	Templates   domain.TemplateSource

	// Event mirrors, in the order they are attached to the broker.
	Mirrors []broker.Mirror

	// Gateway; nil in modes that do not track.
	Transport *gateway.WSClient
	Commands  domain.CommandAPI

	// Blob storage; nil in modes that do not archive.
	Archiver domain.Archiver

	// Notifications
	Notifier *notify.Notifier
}

// UserProviders returns the configured discovery providers in order.
func (d *Dependencies) UserProviders(cfg *config.Config) []domain.UserProvider {
	var out []domain.UserProvider
	for _, name := range cfg.Discovery.Providers {
		switch name {
		case "static":
			out = append(out, discovery.NewStaticProvider(cfg.Discovery.ActiveUsers()))
		case "redis":
			out = append(out, d.Enablement)
		case "postgres":
			out = append(out, d.BotSettings)
		}
	}
	return out
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

	deps := &Dependencies{}

	// --- PostgreSQL: history for tracking, audit for archival ---
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
	}, logger)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.History = postgres.NewHistoryStore(pool)
	deps.Audit = postgres.NewAuditStore(pool)
	deps.BotSettings = postgres.NewBotSettingsStore(pool)

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:        cfg.Redis.Addr,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		PoolSize:    cfg.Redis.PoolSize,
		MaxRetries:  cfg.Redis.MaxRetries,
		TLSEnabled:  cfg.Redis.TLSEnabled,
		Prefix:      cfg.Redis.Prefix,
		DialTimeout: cfg.Redis.DialTimeout.Duration,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.State = redis.NewStateCache(redisClient, redis.StateConfig{
		TTL:       cfg.Persistence.CacheTTL.Duration,
		FiredTTL:  cfg.Conditional.FiredTTL.Duration,
		HealthTTL: cfg.Feed.HealthTTL.Duration,
	})
	deps.Locks = redis.NewLockManager(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.Enablement = redis.NewEnablementProvider(redisClient)
	deps.Templates = redis.NewTemplateSource(redisClient)
	if cfg.Redis.Mirror {
		deps.Mirrors = append(deps.Mirrors, redis.NewSignalBus(redisClient, cfg.Redis.Stream))
	}

	// --- Kafka mirror ---
	if cfg.Kafka.Enabled {
		mirror, err := kafkastream.NewMirror(kafkastream.Config{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			BatchTimeout: cfg.Kafka.BatchTimeout.Duration,
			RequiredAcks: cfg.Kafka.RequiredAcks,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: kafka: %w", err)
		}
		closers = append(closers, func() { _ = mirror.Close() })
		deps.Mirrors = append(deps.Mirrors, mirror)
	}

	// --- Gateway (only for modes that track) ---
	if cfg.Tracks() {
		masterKey, err := crypto.LoadMasterKey(crypto.KeyConfig{
			MasterKey:     cfg.Credentials.MasterKey,
			MasterKeyFile: cfg.Credentials.MasterKeyFile,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: credentials: %w", err)
		}
		creds := postgres.NewCredentialStore(pool, masterKey)
		deps.Credentials = creds
		deps.Transport = gateway.NewWSClient(cfg.Gateway.WSURL, creds, logger)
		deps.Commands = gateway.NewRESTClient(cfg.Gateway.RESTURL, cfg.Gateway.Timeout.Duration, creds)
	}

	// --- S3 blob storage (only for modes that archive) ---
	if cfg.Archives() {
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
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.Archiver = s3blob.NewArchiver(
			s3blob.ArchiverConfig{Prefix: cfg.Archive.Prefix},
			deps.History,
			s3blob.NewArchiveBucket(s3Client, s3blob.BucketConfig{}),
			deps.Audit,
			logger,
		)
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
	deps.Notifier = notify.NewNotifier(senders, notify.Config{
		Events: cfg.Notify.Events,
		Burst:  cfg.Notify.Burst,
		Every:  cfg.Notify.Every.Duration,
	}, logger)

	return deps, cleanup, nil
}
