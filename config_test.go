package mailpool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.True(t, cfg.RateLimit.Enabled)
	assert.Equal(t, 60, cfg.RateLimit.PerMinute)
	assert.Equal(t, time.Minute, cfg.RateLimit.Cooldown)
	assert.Equal(t, 50, cfg.Pool.MaxConnections)
	assert.Equal(t, 30*time.Second, cfg.Timeouts.Lock)
	assert.Equal(t, "sequential", cfg.Rotation.Server)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"bad server strategy", func(c *Config) { c.Rotation.Server = "zigzag" }, "rotation.server"},
		{"bad from strategy", func(c *Config) { c.Rotation.From = "weighted" }, "rotation.from"},
		{"zero ceiling", func(c *Config) { c.RateLimit.PerMinute = 0 }, "rate_limit.per_minute"},
		{"zero cooldown", func(c *Config) { c.RateLimit.Cooldown = 0 }, "rate_limit.cooldown"},
		{"zero pool", func(c *Config) { c.Pool.MaxConnections = 0 }, "pool.max_connections"},
		{"zero lock timeout", func(c *Config) { c.Timeouts.Lock = 0 }, "timeouts.lock"},
		{"no backoff attempts", func(c *Config) { c.Backoff.MaxAttempts = 0 }, "backoff.max_attempts"},
		{"too many backoff attempts", func(c *Config) { c.Backoff.MaxAttempts = MaxBackoffAttempts + 1 }, "backoff.max_attempts"},
		{"retry multiplier", func(c *Config) { c.Retry.Multiplier = 0.5 }, "retry.multiplier"},
		{"proxies enabled without proxies", func(c *Config) { c.Proxy.Enabled = true }, "proxy.proxies"},
		{"negative concurrency", func(c *Config) { c.Batch.Concurrency = -1 }, "batch.concurrency"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)

			var ve *ValidationError
			require.ErrorAs(t, cfg.Validate(), &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestConfigValidateSkipsDisabledSections(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimit.Enabled = false
	cfg.RateLimit.PerMinute = 0
	cfg.Pool.Enabled = false
	cfg.Pool.MaxConnections = 0
	cfg.Retry.Enabled = false
	cfg.Retry.MaxAttempts = 0

	assert.NoError(t, cfg.Validate())
}

func TestConfigValidateProxy(t *testing.T) {
	cfg := DefaultConfig()
	WithProxies(ProxyConfig{Host: "10.0.0.1", Port: 0, Type: ProxySOCKS5})(&cfg)
	assert.Error(t, cfg.Validate())

	WithProxies(ProxyConfig{Host: "10.0.0.1", Port: 1080, Type: ProxySOCKS5})(&cfg)
	assert.NoError(t, cfg.Validate())
}
