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
// built-in defaults, applies TRADEWATCH_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after Load.
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

// applyEnvOverrides reads well-known TRADEWATCH_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Top-level ──
	setStr(&cfg.Mode, "TRADEWATCH_MODE")
	setStr(&cfg.LogLevel, "TRADEWATCH_LOG_LEVEL")
	setStr(&cfg.Log.File, "TRADEWATCH_LOG_FILE")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "TRADEWATCH_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "TRADEWATCH_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "TRADEWATCH_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "TRADEWATCH_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "TRADEWATCH_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "TRADEWATCH_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "TRADEWATCH_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "TRADEWATCH_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "TRADEWATCH_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "TRADEWATCH_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "TRADEWATCH_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "TRADEWATCH_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "TRADEWATCH_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "TRADEWATCH_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "TRADEWATCH_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "TRADEWATCH_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.Prefix, "TRADEWATCH_REDIS_PREFIX")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "TRADEWATCH_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "TRADEWATCH_S3_REGION")
	setStr(&cfg.S3.Bucket, "TRADEWATCH_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "TRADEWATCH_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "TRADEWATCH_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "TRADEWATCH_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "TRADEWATCH_S3_FORCE_PATH_STYLE")

	// ── Kafka ──
	setBool(&cfg.Kafka.Enabled, "TRADEWATCH_KAFKA_ENABLED")
	setStringSlice(&cfg.Kafka.Brokers, "TRADEWATCH_KAFKA_BROKERS")
	setStr(&cfg.Kafka.Topic, "TRADEWATCH_KAFKA_TOPIC")

	// ── Gateway ──
	setStr(&cfg.Gateway.WSURL, "TRADEWATCH_GATEWAY_WS_URL")
	setStr(&cfg.Gateway.RESTURL, "TRADEWATCH_GATEWAY_REST_URL")
	setDuration(&cfg.Gateway.Timeout, "TRADEWATCH_GATEWAY_TIMEOUT")

	// ── Credentials ──
	setStr(&cfg.Credentials.MasterKey, "TRADEWATCH_CREDENTIALS_MASTER_KEY")
	setStr(&cfg.Credentials.MasterKeyFile, "TRADEWATCH_CREDENTIALS_MASTER_KEY_FILE")

	// ── Tuning ──
	setDuration(&cfg.Feed.DegradedAfter, "TRADEWATCH_FEED_DEGRADED_AFTER")
	setInt(&cfg.Tracker.Shards, "TRADEWATCH_TRACKER_SHARDS")
	setInt(&cfg.Tracker.ClosedHistory, "TRADEWATCH_TRACKER_CLOSED_HISTORY")
	setBool(&cfg.Trailing.AutoRegister, "TRADEWATCH_TRAILING_AUTO_REGISTER")
	setFloat64(&cfg.Command.RatePerSecond, "TRADEWATCH_COMMAND_RATE_PER_SECOND")
	setInt(&cfg.Command.AccountLimit, "TRADEWATCH_COMMAND_ACCOUNT_LIMIT")
	setDuration(&cfg.Discovery.CoarseInterval, "TRADEWATCH_DISCOVERY_COARSE_INTERVAL")
	setDuration(&cfg.Discovery.FineInterval, "TRADEWATCH_DISCOVERY_FINE_INTERVAL")
	setStringSlice(&cfg.Discovery.Providers, "TRADEWATCH_DISCOVERY_PROVIDERS")
	setDuration(&cfg.Persistence.CacheTTL, "TRADEWATCH_PERSISTENCE_CACHE_TTL")
	setInt(&cfg.Persistence.RetryAttempts, "TRADEWATCH_PERSISTENCE_RETRY_ATTEMPTS")
	setDuration(&cfg.Persistence.DegradedTimeout, "TRADEWATCH_PERSISTENCE_DEGRADED_TIMEOUT")

	// ── Archive ──
	setStr(&cfg.Archive.Cron, "TRADEWATCH_ARCHIVE_CRON")
	setInt(&cfg.Archive.Months, "TRADEWATCH_ARCHIVE_MONTHS")
	setBool(&cfg.Archive.RunOnStart, "TRADEWATCH_ARCHIVE_RUN_ON_START")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "TRADEWATCH_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "TRADEWATCH_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "TRADEWATCH_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "TRADEWATCH_NOTIFY_EVENTS")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "TRADEWATCH_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "TRADEWATCH_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "TRADEWATCH_SERVER_API_KEY")

	// ── Profiling ──
	setBool(&cfg.Profiling.Enabled, "TRADEWATCH_PROFILING_ENABLED")
	setStr(&cfg.Profiling.ServerAddress, "TRADEWATCH_PROFILING_SERVER_ADDRESS")
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
