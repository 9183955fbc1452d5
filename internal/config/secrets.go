package config

import "maps"

// RedactedConfig returns a copy of cfg with sensitive fields replaced by the
// redaction placeholder "***". Use this when logging or printing the active
// configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Broker.APIKey)
	redact(&out.Broker.PrivateKey)
	redact(&out.Broker.KeyPassword)

	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)

	redact(&out.Redis.Password)

	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)

	redact(&out.Server.APIKey)

	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Copy slices and maps so callers cannot mutate the original through the
	// redacted copy.
	out.Notify.Events = append([]string(nil), cfg.Notify.Events...)
	out.Server.CORSOrigins = append([]string(nil), cfg.Server.CORSOrigins...)
	out.Feed.Symbols = append([]string(nil), cfg.Feed.Symbols...)
	out.Strategy.Active = append([]string(nil), cfg.Strategy.Active...)
	out.Strategy.Symbols = append([]string(nil), cfg.Strategy.Symbols...)
	out.RateLimit.Buckets = maps.Clone(cfg.RateLimit.Buckets)
	if cfg.Strategy.Params != nil {
		out.Strategy.Params = make(map[string]map[string]any, len(cfg.Strategy.Params))
		for name, p := range cfg.Strategy.Params {
			out.Strategy.Params[name] = maps.Clone(p)
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
