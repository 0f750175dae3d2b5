package am

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/quire/ai/anthropic"
)

func TestLoad_Defaults(t *testing.T) {
	// Isolated viper: no files, no environment
	v := viper.New()
	SetDefaults(v)

	cfg, err := LoadWithViper(v)
	require.NoError(t, err)

	assert.Equal(t, "quire.db", cfg.Database.Path)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.False(t, cfg.Log.JSON)
	assert.Equal(t, 1000, cfg.Pulse.PollIntervalMS)
	assert.Equal(t, 3, cfg.Pulse.MaxAttempts)
	assert.Equal(t, 60, cfg.Pulse.ShutdownTimeoutSeconds)
	assert.Equal(t, 300, cfg.RateLimit.SessionWindowMinutes)
	assert.Equal(t, 30, cfg.RateLimit.FallbackWaitMinutes)
	assert.Equal(t, 50, cfg.RateLimit.RequestsPerMinute)
	assert.Equal(t, anthropic.DefaultModel, cfg.Anthropic.Model)
	assert.Equal(t, 0.7, cfg.Anthropic.Temperature)
	assert.Empty(t, cfg.Anthropic.APIKey)
	assert.True(t, cfg.Pipeline.ReuseCheckpointedGeneration)

	require.NoError(t, cfg.Validate())
}

func TestConverters(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Anthropic.APIKey = "sk-test"

	wc := cfg.Pulse.WorkerConfig()
	assert.Equal(t, time.Second, wc.PollInterval)
	assert.Equal(t, 3, wc.MaxAttempts)
	assert.Equal(t, 60*time.Second, wc.ShutdownTimeout)

	assert.Equal(t, 5*time.Hour, cfg.RateLimit.SessionWindow())
	assert.Equal(t, 30*time.Minute, cfg.RateLimit.FallbackWait())

	cc := cfg.ClientConfig()
	assert.Equal(t, "sk-test", cc.APIKey)
	assert.Equal(t, anthropic.BaseURL, cc.BaseURL)
	assert.Equal(t, 10*time.Minute, cc.Timeout)
	assert.Equal(t, 50, cc.RequestsPerMinute)

	assert.True(t, cfg.Pipeline.PipelineOptions().ReuseCheckpointedGeneration)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults are valid", func(*Config) {}, ""},
		{"zero pulse values fall back to worker defaults", func(c *Config) {
			c.Pulse = PulseConfig{}
		}, ""},
		{"empty database path", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"unknown log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"negative poll interval", func(c *Config) { c.Pulse.PollIntervalMS = -1 }, "pulse.poll_interval_ms"},
		{"negative max attempts", func(c *Config) { c.Pulse.MaxAttempts = -1 }, "pulse.max_attempts"},
		{"zero session window", func(c *Config) { c.RateLimit.SessionWindowMinutes = 0 }, "session_window_minutes"},
		{"fallback longer than window", func(c *Config) {
			c.RateLimit.SessionWindowMinutes = 10
			c.RateLimit.FallbackWaitMinutes = 20
		}, "cannot exceed"},
		{"temperature above one", func(c *Config) { c.Anthropic.Temperature = 1.5 }, "anthropic.temperature"},
		{"negative retries", func(c *Config) { c.Anthropic.MaxRetries = -2 }, "anthropic.max_retries"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
