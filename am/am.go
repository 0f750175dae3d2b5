// Package am is quire's configuration layer.
//
// Values are merged from built-in defaults, /etc/quire/quire.toml,
// ~/.quire/quire.toml, the nearest quire.toml above the working directory,
// and finally QUIRE_* environment variables.
package am

import (
	"time"

	"github.com/teranos/quire/ai/anthropic"
	"github.com/teranos/quire/pipeline"
	"github.com/teranos/quire/pulse/async"
)

// File permissions for configuration files and directories
const (
	DefaultDirPermissions  = 0750
	DefaultFilePermissions = 0644
)

// ConfigFileName is the name looked up at every config layer.
const ConfigFileName = "quire.toml"

// Config is the complete quire configuration.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database" toml:"database"`
	Log       LogConfig       `mapstructure:"log" toml:"log"`
	Pulse     PulseConfig     `mapstructure:"pulse" toml:"pulse"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit" toml:"ratelimit"`
	Anthropic AnthropicConfig `mapstructure:"anthropic" toml:"anthropic"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline" toml:"pipeline"`
}

// DatabaseConfig locates the SQLite file holding jobs, chapters and usage.
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path"`
}

// LogConfig controls the global zap logger.
type LogConfig struct {
	JSON  bool   `mapstructure:"json" toml:"json"`
	Level string `mapstructure:"level" toml:"level"`
}

// PulseConfig configures the queue worker
type PulseConfig struct {
	PollIntervalMS         int `mapstructure:"poll_interval_ms" toml:"poll_interval_ms"`
	MaxAttempts            int `mapstructure:"max_attempts" toml:"max_attempts"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds" toml:"shutdown_timeout_seconds"`
}

// RateLimitConfig configures the upstream session window and client pacing.
type RateLimitConfig struct {
	SessionWindowMinutes int `mapstructure:"session_window_minutes" toml:"session_window_minutes"`
	FallbackWaitMinutes  int `mapstructure:"fallback_wait_minutes" toml:"fallback_wait_minutes"`
	RequestsPerMinute    int `mapstructure:"requests_per_minute" toml:"requests_per_minute"`
}

// AnthropicConfig configures the completion client.
// APIKey is normally supplied through QUIRE_ANTHROPIC_API_KEY.
type AnthropicConfig struct {
	APIKey         string  `mapstructure:"api_key" toml:"api_key,omitempty"`
	BaseURL        string  `mapstructure:"base_url" toml:"base_url"`
	Model          string  `mapstructure:"model" toml:"model"`
	MaxTokens      int     `mapstructure:"max_tokens" toml:"max_tokens"`
	Temperature    float64 `mapstructure:"temperature" toml:"temperature"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds" toml:"timeout_seconds"`
	MaxRetries     int     `mapstructure:"max_retries" toml:"max_retries"`
}

// PipelineConfig tunes the stage handlers.
type PipelineConfig struct {
	ReuseCheckpointedGeneration bool `mapstructure:"reuse_checkpointed_generation" toml:"reuse_checkpointed_generation"`
}

// PollInterval returns the worker's idle poll interval.
func (c PulseConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// WorkerConfig converts the pulse section for async.NewWorker.
func (c PulseConfig) WorkerConfig() async.WorkerConfig {
	return async.WorkerConfig{
		PollInterval:    c.PollInterval(),
		MaxAttempts:     c.MaxAttempts,
		ShutdownTimeout: time.Duration(c.ShutdownTimeoutSeconds) * time.Second,
	}
}

// SessionWindow returns the rate-limit session length.
func (c RateLimitConfig) SessionWindow() time.Duration {
	return time.Duration(c.SessionWindowMinutes) * time.Minute
}

// FallbackWait returns how long to pause when no session data is trusted.
func (c RateLimitConfig) FallbackWait() time.Duration {
	return time.Duration(c.FallbackWaitMinutes) * time.Minute
}

// ClientConfig builds the completion client config. Pacing comes from the
// ratelimit section since it shares the upstream budget.
func (c *Config) ClientConfig() anthropic.Config {
	return anthropic.Config{
		APIKey:            c.Anthropic.APIKey,
		BaseURL:           c.Anthropic.BaseURL,
		Model:             c.Anthropic.Model,
		MaxTokens:         c.Anthropic.MaxTokens,
		Temperature:       c.Anthropic.Temperature,
		Timeout:           time.Duration(c.Anthropic.TimeoutSeconds) * time.Second,
		MaxRetries:        c.Anthropic.MaxRetries,
		RequestsPerMinute: c.RateLimit.RequestsPerMinute,
	}
}

// PipelineOptions converts the pipeline section.
func (c PipelineConfig) PipelineOptions() pipeline.Options {
	return pipeline.Options{ReuseCheckpointedGeneration: c.ReuseCheckpointedGeneration}
}
