package config

import "slices"

// RedactedConfig returns a copy of cfg with sensitive fields replaced by the
// redaction placeholder "***". Use this when logging or printing the active
// configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg // shallow copy of the top-level struct

	// Postgres
	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)

	// Redis
	redact(&out.Redis.Password)

	// S3
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)

	// Credentials
	redact(&out.Credentials.MasterKey)

	// Notify
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Server
	redact(&out.Server.APIKey)

	// Copy slices so callers cannot mutate the original through the redacted
	// copy.
	out.Notify.Events = slices.Clone(cfg.Notify.Events)
	out.Kafka.Brokers = slices.Clone(cfg.Kafka.Brokers)
	out.Discovery.Providers = slices.Clone(cfg.Discovery.Providers)
	if cfg.Discovery.Static != nil {
		out.Discovery.Static = make([]StaticUser, len(cfg.Discovery.Static))
		for i, s := range cfg.Discovery.Static {
			s.Symbols = slices.Clone(s.Symbols)
			out.Discovery.Static[i] = s
		}
	}

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
