package am

import (
	"github.com/spf13/viper"

	"github.com/teranos/quire/ai/anthropic"
	"github.com/teranos/quire/pulse/async"
)

// EnvPrefix prefixes every environment override, e.g. QUIRE_PULSE_MAX_ATTEMPTS.
const EnvPrefix = "QUIRE"

// DefaultDatabasePath is relative to the working directory.
const DefaultDatabasePath = "quire.db"

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", DefaultDatabasePath)

	v.SetDefault("log.json", false)
	v.SetDefault("log.level", "info")

	// Pulse (queue worker) defaults
	v.SetDefault("pulse.poll_interval_ms", int(async.DefaultPollInterval.Milliseconds()))
	v.SetDefault("pulse.max_attempts", async.DefaultMaxAttempts)
	v.SetDefault("pulse.shutdown_timeout_seconds", int(async.DefaultShutdownTimeout.Seconds()))

	// Upstream usage window: five hours, with a half hour wait when the reset time is unknown
	v.SetDefault("ratelimit.session_window_minutes", 300)
	v.SetDefault("ratelimit.fallback_wait_minutes", 30)
	v.SetDefault("ratelimit.requests_per_minute", anthropic.DefaultRequestsPerMinute)

	v.SetDefault("anthropic.base_url", anthropic.BaseURL)
	v.SetDefault("anthropic.model", anthropic.DefaultModel)
	v.SetDefault("anthropic.max_tokens", anthropic.DefaultMaxTokens)
	v.SetDefault("anthropic.temperature", anthropic.DefaultTemperature)
	v.SetDefault("anthropic.timeout_seconds", int(anthropic.DefaultTimeout.Seconds()))
	v.SetDefault("anthropic.max_retries", anthropic.DefaultMaxRetries)

	v.SetDefault("pipeline.reuse_checkpointed_generation", true)
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to environment variables.
// AutomaticEnv only sees keys viper already knows about, and api_key has no default.
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("anthropic.api_key", EnvPrefix+"_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")
	v.BindEnv("database.path", EnvPrefix+"_DATABASE_PATH")
}
