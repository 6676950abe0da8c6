package config

import (
	"strconv"
	"time"
)

// EnvPrefix prefixes every environment override. Nested fields are joined with "__",
// e.g. GRAPHCHAT_ANTHROPIC__API_KEY.
const EnvPrefix = "GRAPHCHAT_"

// ApplyEnvOverrides maps GRAPHCHAT_* variables onto cfg. Unparseable numeric values are ignored.
func ApplyEnvOverrides(cfg *Config, getenv func(string) string) {
	str := func(key string, dst *string) {
		if v := getenv(EnvPrefix + key); v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v := getenv(EnvPrefix + key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v := getenv(EnvPrefix + key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}
	boolean := func(key string, dst *bool) {
		if v := getenv(EnvPrefix + key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	str("ENVIRONMENT", &cfg.Environment)
	integer("SERVER__PORT", &cfg.Server.Port)

	str("ANTHROPIC__API_KEY", &cfg.Anthropic.APIKey)
	str("ANTHROPIC__BASE_URL", &cfg.Anthropic.BaseURL)
	duration("ANTHROPIC__TIMEOUT", &cfg.Anthropic.Timeout)

	str("CHAT__PRIMARY_MODEL", &cfg.Chat.PrimaryModel)
	str("CHAT__SECONDARY_MODEL", &cfg.Chat.SecondaryModel)

	str("DATABASE__DRIVER", &cfg.Database.Driver)
	str("DATABASE__PATH", &cfg.Database.Path)
	str("DATABASE__HOST", &cfg.Database.Host)
	integer("DATABASE__PORT", &cfg.Database.Port)
	str("DATABASE__NAME", &cfg.Database.Name)
	str("DATABASE__USER", &cfg.Database.User)
	str("DATABASE__PASSWORD", &cfg.Database.Password)
	str("DATABASE__REDIS__ADDR", &cfg.Database.Redis.Addr)
	str("DATABASE__REDIS__PASSWORD", &cfg.Database.Redis.Password)

	str("PATHS__PROMPTS_DIR", &cfg.Paths.PromptsDir)

	str("LOGGER__LEVEL", &cfg.Logger.Level)
	str("LOGGER__FORMAT", &cfg.Logger.Format)
	boolean("TRACER__ENABLED", &cfg.Tracer.Enabled)
	str("TRACER__EXPORTER", &cfg.Tracer.Exporter)
	boolean("BREAKER__ENABLED", &cfg.Breaker.Enabled)
}
