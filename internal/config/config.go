// Package config defines the top-level configuration for tradewatch and
// provides validation helpers.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/alanyoungcy/tradewatch/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by TRADEWATCH_* environment variables.
type Config struct {
	Mode        string            `toml:"mode"`
	LogLevel    string            `toml:"log_level"`
	Log         LogConfig         `toml:"log"`
	Postgres    PostgresConfig    `toml:"postgres"`
	Redis       RedisConfig       `toml:"redis"`
	S3          S3Config          `toml:"s3"`
	Kafka       KafkaConfig       `toml:"kafka"`
	Gateway     GatewayConfig     `toml:"gateway"`
	Credentials CredentialsConfig `toml:"credentials"`
	Feed        FeedConfig        `toml:"feed"`
	Broker      BrokerConfig      `toml:"broker"`
	Tracker     TrackerConfig     `toml:"tracker"`
	Trailing    TrailingConfig    `toml:"trailing"`
	Conditional ConditionalConfig `toml:"conditional"`
	Command     CommandConfig     `toml:"command"`
	Discovery   DiscoveryConfig   `toml:"discovery"`
	Persistence PersistenceConfig `toml:"persistence"`
	Archive     ArchiveConfig     `toml:"archive"`
	Notify      NotifyConfig      `toml:"notify"`
	Server      ServerConfig      `toml:"server"`
	Profiling   ProfilingConfig   `toml:"profiling"`
}

// LogConfig enables rotated file output next to stdout. An empty File keeps
// logging on stdout only.
type LogConfig struct {
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// PostgresConfig holds connection parameters for the history database.
type PostgresConfig struct {
	DSN             string   `toml:"dsn"`
	Host            string   `toml:"host"`
	Port            int      `toml:"port"`
	Database        string   `toml:"database"`
	User            string   `toml:"user"`
	Password        string   `toml:"password"`
	SSLMode         string   `toml:"sslmode"`
	PoolMaxConns    int      `toml:"pool_max_conns"`
	PoolMinConns    int      `toml:"pool_min_conns"`
	MaxConnLifetime duration `toml:"max_conn_lifetime"`
	RunMigrations   bool     `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters and hot cache lifetimes.
type RedisConfig struct {
	Addr        string   `toml:"addr"`
	Password    string   `toml:"password"`
	DB          int      `toml:"db"`
	PoolSize    int      `toml:"pool_size"`
	MaxRetries  int      `toml:"max_retries"`
	TLSEnabled  bool     `toml:"tls_enabled"`
	Prefix      string   `toml:"prefix"`
	DialTimeout duration `toml:"dial_timeout"`
	// Mirror publishes every event on pub/sub channels. Stream additionally
	// appends them to a capped stream; empty disables it.
	Mirror      bool     `toml:"mirror"`
	Stream      string   `toml:"stream"`
}

// S3Config holds S3-compatible object storage parameters for cold archival.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// KafkaConfig enables the durable event mirror.
type KafkaConfig struct {
	Enabled      bool     `toml:"enabled"`
	Brokers      []string `toml:"brokers"`
	Topic        string   `toml:"topic"`
	BatchTimeout duration `toml:"batch_timeout"`
	RequiredAcks int      `toml:"required_acks"`
}

// GatewayConfig points at the exchange gateway that normalizes venue feeds
// and executes commands.
type GatewayConfig struct {
	WSURL   string   `toml:"ws_url"`
	RESTURL string   `toml:"rest_url"`
	Timeout duration `toml:"timeout"`
}

// CredentialsConfig locates the master key that unseals stored exchange
// credentials.
type CredentialsConfig struct {
	MasterKey     string `toml:"master_key"`
	MasterKeyFile string `toml:"master_key_file"`
}

// FeedConfig tunes connection supervision.
type FeedConfig struct {
	BackoffBase       duration `toml:"backoff_base"`
	BackoffMax        duration `toml:"backoff_max"`
	BackoffMultiplier float64  `toml:"backoff_multiplier"`
	BackoffJitter     float64  `toml:"backoff_jitter"`
	DegradedAfter     duration `toml:"degraded_after"`
	DialTimeout       duration `toml:"dial_timeout"`
	HealthInterval    duration `toml:"health_interval"`
	HealthTTL         duration `toml:"health_ttl"`
}

// BrokerConfig sizes subscriber and mirror queues.
type BrokerConfig struct {
	QueueSize       int `toml:"queue_size"`
	MirrorQueueSize int `toml:"mirror_queue_size"`
}

// TrackerConfig sizes the position and order tracker partitions.
type TrackerConfig struct {
	Shards        int `toml:"shards"`
	QueueSize     int `toml:"queue_size"`
	ClosedHistory int `toml:"closed_history"`
}

// TrailingConfig tunes the trailing stop engine.
type TrailingConfig struct {
	Shards       int  `toml:"shards"`
	QueueSize    int  `toml:"queue_size"`
	AutoRegister bool `toml:"auto_register"`
}

// ConditionalConfig tunes the conditional cancellation engine.
type ConditionalConfig struct {
	Shards        int      `toml:"shards"`
	QueueSize     int      `toml:"queue_size"`
	SweepInterval duration `toml:"sweep_interval"`
	DefaultTTL    duration `toml:"default_ttl"`
	FiredTTL      duration `toml:"fired_ttl"`
}

// CommandConfig bounds close and cancel commands sent to the gateway.
type CommandConfig struct {
	RatePerSecond float64  `toml:"rate_per_second"`
	Burst         int      `toml:"burst"`
	AccountLimit  int      `toml:"account_limit"`
	AccountWindow duration `toml:"account_window"`
	RetryAttempts int      `toml:"retry_attempts"`
	RetryBase     duration `toml:"retry_base"`
	RetryMax      duration `toml:"retry_max"`
	Timeout       duration `toml:"timeout"`
	DedupTTL      duration `toml:"dedup_ttl"`
}

// DiscoveryConfig tunes the active user scans and lists the providers to
// consult.
type DiscoveryConfig struct {
	CoarseInterval duration     `toml:"coarse_interval"`
	FineInterval   duration     `toml:"fine_interval"`
	Workers        int          `toml:"workers"`
	ScanTimeout    duration     `toml:"scan_timeout"`
	// Providers are consulted in order and merged by union. Known names are
	// "static", "redis" and "postgres".
	Providers      []string     `toml:"providers"`
	Static         []StaticUser `toml:"static"`
}

// StaticUser is one [[discovery.static]] entry.
type StaticUser struct {
	User     string   `toml:"user"`
	Exchange string   `toml:"exchange"`
	Symbols  []string `toml:"symbols"`
}

// ActiveUsers groups the static entries by user. Entries for the same
// (user, exchange) pair have their symbols merged.
func (d DiscoveryConfig) ActiveUsers() []domain.ActiveUser {
	byUser := make(map[string]map[string][]string)
	for _, s := range d.Static {
		ex, ok := byUser[s.User]
		if !ok {
			ex = make(map[string][]string)
			byUser[s.User] = ex
		}
		ex[s.Exchange] = mergeSymbols(ex[s.Exchange], s.Symbols)
	}
	users := make([]string, 0, len(byUser))
	for u := range byUser {
		users = append(users, u)
	}
	sort.Strings(users)

	out := make([]domain.ActiveUser, 0, len(users))
	for _, u := range users {
		out = append(out, domain.ActiveUser{User: u, Exchanges: byUser[u], Enabled: true})
	}
	return out
}

func mergeSymbols(have, add []string) []string {
	if have == nil {
		have = []string{}
	}
	for _, s := range add {
		dup := false
		for _, h := range have {
			if h == s {
				dup = true
				break
			}
		}
		if !dup {
			have = append(have, s)
		}
	}
	return have
}

// PersistenceConfig bounds hot cache entries and write retries.
type PersistenceConfig struct {
	CacheTTL        duration `toml:"cache_ttl"`
	RetryAttempts   int      `toml:"retry_attempts"`
	RetryBase       duration `toml:"retry_base"`
	RetryMax        duration `toml:"retry_max"`
	WriteTimeout    duration `toml:"write_timeout"`
	DegradedTimeout duration `toml:"degraded_timeout"`
}

// ArchiveConfig schedules monthly cold archival of the history table.
type ArchiveConfig struct {
	Cron       string   `toml:"cron"`
	Months     int      `toml:"months"`
	RunOnStart bool     `toml:"run_on_start"`
	Prefix     string   `toml:"prefix"`
	LockTTL    duration `toml:"lock_ttl"`
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

// NotifyConfig holds alert channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	Burst             int      `toml:"burst"`
	Every             duration `toml:"every"`
}

// ServerConfig holds health endpoint parameters.
type ServerConfig struct {
	Enabled bool   `toml:"enabled"`
	Port    int    `toml:"port"`
	APIKey  string `toml:"api_key"`
}

// ProfilingConfig enables continuous profiling.
type ProfilingConfig struct {
	Enabled       bool   `toml:"enabled"`
	ServerAddress string `toml:"server_address"`
	AppName       string `toml:"app_name"`
}

// Defaults returns a Config populated with sensible default values. Callers
// typically load a TOML file on top of these defaults.
func Defaults() Config {
	return Config{
		Mode:     "full",
		LogLevel: "info",
		Log: LogConfig{
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 14,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "tradewatch",
			User:            "tradewatch",
			SSLMode:         "disable",
			PoolMaxConns:    10,
			PoolMinConns:    2,
			MaxConnLifetime: duration{time.Hour},
			RunMigrations:   true,
		},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			PoolSize:    20,
			MaxRetries:  3,
			Prefix:      "tradewatch",
			DialTimeout: duration{5 * time.Second},
			Mirror:      true,
			Stream:      "events:stream",
		},
		S3: S3Config{
			Endpoint:       "localhost:9000",
			Region:         "us-east-1",
			Bucket:         "tradewatch",
			ForcePathStyle: true,
		},
		Kafka: KafkaConfig{
			Topic:        "tradewatch.events",
			BatchTimeout: duration{50 * time.Millisecond},
			RequiredAcks: 1,
		},
		Gateway: GatewayConfig{
			WSURL:   "ws://localhost:8081/v1/stream",
			RESTURL: "http://localhost:8081",
			Timeout: duration{10 * time.Second},
		},
		Feed: FeedConfig{
			BackoffBase:       duration{500 * time.Millisecond},
			BackoffMax:        duration{30 * time.Second},
			BackoffMultiplier: 2,
			BackoffJitter:     0.2,
			DegradedAfter:     duration{30 * time.Second},
			DialTimeout:       duration{10 * time.Second},
			HealthInterval:    duration{5 * time.Second},
			HealthTTL:         duration{2 * time.Minute},
		},
		Broker: BrokerConfig{
			QueueSize:       1024,
			MirrorQueueSize: 4096,
		},
		Tracker: TrackerConfig{
			Shards:        16,
			QueueSize:     256,
			ClosedHistory: 1000,
		},
		Trailing: TrailingConfig{
			Shards:       8,
			QueueSize:    256,
			AutoRegister: true,
		},
		Conditional: ConditionalConfig{
			Shards:        8,
			QueueSize:     256,
			SweepInterval: duration{30 * time.Second},
			FiredTTL:      duration{24 * time.Hour},
		},
		Command: CommandConfig{
			RatePerSecond: 10,
			Burst:         5,
			AccountLimit:  60,
			AccountWindow: duration{time.Minute},
			RetryAttempts: 3,
			RetryBase:     duration{200 * time.Millisecond},
			RetryMax:      duration{2 * time.Second},
			Timeout:       duration{10 * time.Second},
			DedupTTL:      duration{5 * time.Second},
		},
		Discovery: DiscoveryConfig{
			CoarseInterval: duration{5 * time.Minute},
			FineInterval:   duration{time.Minute},
			Workers:        8,
			ScanTimeout:    duration{30 * time.Second},
			Providers:      []string{"static", "redis", "postgres"},
		},
		Persistence: PersistenceConfig{
			CacheTTL:        duration{24 * time.Hour},
			RetryAttempts:   5,
			RetryBase:       duration{100 * time.Millisecond},
			RetryMax:        duration{5 * time.Second},
			WriteTimeout:    duration{5 * time.Second},
			DegradedTimeout: duration{250 * time.Millisecond},
		},
		Archive: ArchiveConfig{
			Cron:    "0 3 1 * *",
			Months:  1,
			Prefix:  "archive",
			LockTTL: duration{30 * time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"CONNECTION_DEGRADED", "PERSISTENCE_DEGRADED", "TRIGGER_FAILED", "CANCEL_FAILED"},
			Burst:  3,
			Every:  duration{time.Minute},
		},
		Server: ServerConfig{
			Enabled: true,
			Port:    8000,
		},
		Profiling: ProfilingConfig{
			ServerAddress: "http://localhost:4040",
			AppName:       "tradewatch",
		},
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"track":   true,
	"archive": true,
	"full":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validProviders = map[string]bool{
	"static":   true,
	"redis":    true,
	"postgres": true,
}

// Tracks reports whether the mode runs the tracking core.
func (c *Config) Tracks() bool {
	m := strings.ToLower(c.Mode)
	return m == "track" || m == "full"
}

// Archives reports whether the mode runs cold archival.
func (c *Config) Archives() bool {
	m := strings.ToLower(c.Mode)
	return m == "archive" || m == "full"
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: track, archive, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Postgres
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
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3 is only needed by archival.
	if c.Archives() {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
		if strings.TrimSpace(c.Archive.Cron) == "" {
			errs = append(errs, "archive: cron must not be empty")
		}
		if c.Archive.Months < 1 {
			errs = append(errs, "archive: months must be >= 1")
		}
	}

	// Kafka
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			errs = append(errs, "kafka: brokers must not be empty when enabled")
		}
		if c.Kafka.Topic == "" {
			errs = append(errs, "kafka: topic must not be empty when enabled")
		}
	}

	if c.Tracks() {
		if c.Gateway.WSURL == "" {
			errs = append(errs, "gateway: ws_url must not be empty")
		}
		if c.Gateway.RESTURL == "" {
			errs = append(errs, "gateway: rest_url must not be empty")
		}
		if c.Credentials.MasterKey == "" && c.Credentials.MasterKeyFile == "" {
			errs = append(errs, "credentials: either master_key or master_key_file must be set for mode "+c.Mode)
		}
	}

	// Feed
	if c.Feed.BackoffBase.Duration <= 0 {
		errs = append(errs, "feed: backoff_base must be > 0")
	}
	if c.Feed.BackoffMax.Duration < c.Feed.BackoffBase.Duration {
		errs = append(errs, "feed: backoff_max must be >= backoff_base")
	}
	if c.Feed.BackoffJitter < 0 || c.Feed.BackoffJitter > 1 {
		errs = append(errs, fmt.Sprintf("feed: backoff_jitter must be in [0, 1], got %g", c.Feed.BackoffJitter))
	}

	// Queues and partitions
	if c.Broker.QueueSize < 1 {
		errs = append(errs, "broker: queue_size must be >= 1")
	}
	if c.Tracker.Shards < 1 {
		errs = append(errs, "tracker: shards must be >= 1")
	}
	if c.Tracker.ClosedHistory < 1 {
		errs = append(errs, "tracker: closed_history must be >= 1")
	}
	if c.Trailing.Shards < 1 {
		errs = append(errs, "trailing: shards must be >= 1")
	}
	if c.Conditional.Shards < 1 {
		errs = append(errs, "conditional: shards must be >= 1")
	}
	if c.Conditional.SweepInterval.Duration <= 0 {
		errs = append(errs, "conditional: sweep_interval must be > 0")
	}

	// Command
	if c.Command.RatePerSecond <= 0 {
		errs = append(errs, "command: rate_per_second must be > 0")
	}
	if c.Command.RetryAttempts < 1 {
		errs = append(errs, "command: retry_attempts must be >= 1")
	}

	// Discovery
	if c.Discovery.CoarseInterval.Duration <= 0 || c.Discovery.FineInterval.Duration <= 0 {
		errs = append(errs, "discovery: coarse_interval and fine_interval must be > 0")
	}
	if c.Discovery.Workers < 1 {
		errs = append(errs, "discovery: workers must be >= 1")
	}
	for _, p := range c.Discovery.Providers {
		if !validProviders[p] {
			errs = append(errs, fmt.Sprintf("discovery: unknown provider %q (valid: static, redis, postgres)", p))
		}
	}
	for i, s := range c.Discovery.Static {
		if s.User == "" || s.Exchange == "" {
			errs = append(errs, fmt.Sprintf("discovery: static[%d] needs user and exchange", i))
		}
	}

	// Persistence
	if c.Persistence.CacheTTL.Duration <= 0 {
		errs = append(errs, "persistence: cache_ttl must be > 0")
	}
	if c.Persistence.RetryAttempts < 1 {
		errs = append(errs, "persistence: retry_attempts must be >= 1")
	}
	if c.Persistence.DegradedTimeout.Duration > c.Persistence.WriteTimeout.Duration {
		errs = append(errs, "persistence: degraded_timeout must not exceed write_timeout")
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if c.Profiling.Enabled && c.Profiling.ServerAddress == "" {
		errs = append(errs, "profiling: server_address must not be empty when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
