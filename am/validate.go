package am

import "github.com/teranos/quire/errors"

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.WithHint(
			errors.New("database.path cannot be empty"),
			"set database.path in quire.toml or QUIRE_DATABASE_PATH")
	}

	if c.Log.Level != "" && !validLogLevels[c.Log.Level] {
		return errors.Newf("log.level must be one of debug, info, warn, error; got %q", c.Log.Level)
	}

	// Pulse: zero falls back to the worker's own defaults, negative is invalid
	if c.Pulse.PollIntervalMS < 0 {
		return errors.Newf("pulse.poll_interval_ms must be >= 0, got %d", c.Pulse.PollIntervalMS)
	}
	if c.Pulse.MaxAttempts < 0 {
		return errors.Newf("pulse.max_attempts must be >= 0, got %d", c.Pulse.MaxAttempts)
	}
	if c.Pulse.ShutdownTimeoutSeconds < 0 {
		return errors.Newf("pulse.shutdown_timeout_seconds must be >= 0, got %d", c.Pulse.ShutdownTimeoutSeconds)
	}

	if c.RateLimit.SessionWindowMinutes <= 0 {
		return errors.Newf("ratelimit.session_window_minutes must be > 0, got %d", c.RateLimit.SessionWindowMinutes)
	}
	if c.RateLimit.FallbackWaitMinutes <= 0 {
		return errors.Newf("ratelimit.fallback_wait_minutes must be > 0, got %d", c.RateLimit.FallbackWaitMinutes)
	}
	if c.RateLimit.FallbackWaitMinutes > c.RateLimit.SessionWindowMinutes {
		return errors.Newf("ratelimit.fallback_wait_minutes (%d) cannot exceed session_window_minutes (%d)",
			c.RateLimit.FallbackWaitMinutes, c.RateLimit.SessionWindowMinutes)
	}
	if c.RateLimit.RequestsPerMinute < 0 {
		return errors.Newf("ratelimit.requests_per_minute must be >= 0, got %d", c.RateLimit.RequestsPerMinute)
	}

	if c.Anthropic.MaxTokens < 0 {
		return errors.Newf("anthropic.max_tokens must be >= 0, got %d", c.Anthropic.MaxTokens)
	}
	if c.Anthropic.Temperature < 0 || c.Anthropic.Temperature > 1 {
		return errors.Newf("anthropic.temperature must be between 0 and 1, got %g", c.Anthropic.Temperature)
	}
	if c.Anthropic.TimeoutSeconds < 0 {
		return errors.Newf("anthropic.timeout_seconds must be >= 0, got %d", c.Anthropic.TimeoutSeconds)
	}
	if c.Anthropic.MaxRetries < 0 {
		return errors.Newf("anthropic.max_retries must be >= 0, got %d", c.Anthropic.MaxRetries)
	}

	return nil
}
