package mailpool

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigIndexedKeys(t *testing.T) {
	v := viper.New()
	v.Set("HOST_1", "smtp1.example.com")
	v.Set("PORT_1", "2525")
	v.Set("FROM_1", "a@example.com, b@example.com")
	v.Set("FROM_NAME_1", "Alerts")
	v.Set("USER_1", "alerts")
	v.Set("PASS_1", "secret")
	v.Set("PRIORITY_1", "5")
	v.Set("HOST_2", "smtp2.example.com")
	v.Set("SECURE_2", "true")
	v.Set("FROM_2", "not-an-address")
	v.Set("HOST_3", "api.mailgun.net")
	v.Set("TRANSPORT_3", "mailgun")
	v.Set("FROM_3", "news@mg.example.com")
	v.Set("API_KEY_3", "key-123")
	v.Set("HOST_5", "unreachable.example.com")
	v.Set("PROXY_1", "socks5://user:pw@10.0.0.1:1080")
	v.Set("PROXY_2", "http://10.0.0.2:3128")

	cfg, err := LoadConfig(v)
	require.NoError(t, err)

	require.Len(t, cfg.Servers, 3, "scanning stops at the first missing HOST_n")
	s1 := cfg.Servers[0]
	assert.Equal(t, "smtp1.example.com", s1.Host)
	assert.Equal(t, 2525, s1.Port)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, s1.From)
	assert.Equal(t, "Alerts", s1.FromName)
	assert.Equal(t, "alerts", s1.Username)
	assert.Equal(t, "secret", s1.Password)
	assert.Equal(t, 5, s1.Priority)

	s2 := cfg.Servers[1]
	assert.True(t, s2.Secure)
	assert.Equal(t, 465, s2.Port)
	assert.Error(t, s2.Validate(), "invalid entries are left for New to skip")

	s3 := cfg.Servers[2]
	assert.Equal(t, TransportMailgun, s3.TransportName())
	assert.Equal(t, 587, s3.Port)
	assert.Equal(t, "key-123", s3.Settings.Get("api_key"))

	assert.True(t, cfg.Proxy.Enabled)
	require.Len(t, cfg.Proxy.Proxies, 2)
	assert.Equal(t, ProxySOCKS5, cfg.Proxy.Proxies[0].Type)
	assert.Equal(t, "user", cfg.Proxy.Proxies[0].Username)
	assert.Equal(t, ProxyHTTP, cfg.Proxy.Proxies[1].Type)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfigKnobs(t *testing.T) {
	v := viper.New()
	v.Set("HOST_1", "smtp.example.com")
	v.Set("FROM_1", "ops@example.com")
	v.Set("RATE_LIMIT_PER_MINUTE", "30")
	v.Set("RATE_LIMIT_COOLDOWN", "90s")
	v.Set("POOL_IDLE_TIMEOUT", "5000")
	v.Set("SERVER_ROTATION", "random")
	v.Set("HEALTH_CHECK_ENABLED", "false")
	v.Set("LOG_LEVEL", "debug")

	cfg, err := LoadConfig(v)
	require.NoError(t, err)

	assert.True(t, cfg.RateLimit.Enabled, "unset knobs keep their defaults")
	assert.Equal(t, 30, cfg.RateLimit.PerMinute)
	assert.Equal(t, 90*time.Second, cfg.RateLimit.Cooldown)
	assert.Equal(t, 5*time.Second, cfg.Pool.IdleTimeout)
	assert.Equal(t, "random", cfg.Rotation.Server)
	assert.False(t, cfg.HealthCheck.Enabled)
	assert.Equal(t, "debug", cfg.Monitoring.Logging.Level)
	assert.False(t, cfg.Proxy.Enabled)
}

func TestLoadConfigErrors(t *testing.T) {
	t.Run("no valid servers", func(t *testing.T) {
		v := viper.New()
		v.Set("HOST_1", "smtp.example.com")
		v.Set("FROM_1", "nobody")
		_, err := LoadConfig(v)
		require.ErrorIs(t, err, ErrNoValidServers)
	})

	t.Run("no servers", func(t *testing.T) {
		_, err := LoadConfig(viper.New())
		require.ErrorIs(t, err, ErrNoValidServers)
	})

	t.Run("bad port", func(t *testing.T) {
		v := viper.New()
		v.Set("HOST_1", "smtp.example.com")
		v.Set("PORT_1", "smtp")
		_, err := LoadConfig(v)
		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, "PORT_1", ve.Field)
	})

	t.Run("bad proxy", func(t *testing.T) {
		v := viper.New()
		v.Set("HOST_1", "smtp.example.com")
		v.Set("FROM_1", "ops@example.com")
		v.Set("PROXY_1", "socks5://10.0.0.1")
		_, err := LoadConfig(v)
		require.ErrorIs(t, err, ErrInvalidConfiguration)
	})

	t.Run("bad duration", func(t *testing.T) {
		v := viper.New()
		v.Set("HOST_1", "smtp.example.com")
		v.Set("FROM_1", "ops@example.com")
		v.Set("RATE_LIMIT_COOLDOWN", "soon")
		_, err := LoadConfig(v)
		require.ErrorIs(t, err, ErrInvalidConfiguration)
	})
}

func TestNewViperDotenv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailpool.env")
	content := "HOST_1=smtp.example.com\nPORT_1=25\nFROM_1=ops@example.com\nRATE_LIMIT_COOLDOWN=2m\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	v, err := NewViper(path)
	require.NoError(t, err)
	cfg, err := LoadConfig(v)
	require.NoError(t, err)

	require.Len(t, cfg.Servers, 1)
	assert.Equal(t, 25, cfg.Servers[0].Port)
	assert.Equal(t, 2*time.Minute, cfg.RateLimit.Cooldown)
}

func TestNewViperYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailpool.yaml")
	content := `rate_limit:
  per_minute: 12
  window: 90000
rotation:
  from: random
servers:
  - host: mx.example.com
    port: 25
    from: [ops@example.com, alerts@example.com]
    priority: 3
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	v, err := NewViper(path)
	require.NoError(t, err)
	cfg, err := LoadConfig(v)
	require.NoError(t, err)

	assert.Equal(t, 12, cfg.RateLimit.PerMinute)
	assert.Equal(t, 90*time.Second, cfg.RateLimit.Window)
	assert.Equal(t, time.Minute, cfg.RateLimit.Cooldown)
	assert.Equal(t, "random", cfg.Rotation.From)
	require.Len(t, cfg.Servers, 1)
	assert.Equal(t, []string{"ops@example.com", "alerts@example.com"}, cfg.Servers[0].From)
	assert.Equal(t, 3, cfg.Servers[0].Priority)
}

func TestNewViperJSONDurations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailpool.json")
	content := `{
  "pool": {"idle_timeout": 1500, "max_age": "15m"},
  "servers": [{"host": "mx.example.com", "port": 25, "from": ["ops@example.com"]}]
}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	v, err := NewViper(path)
	require.NoError(t, err)
	cfg, err := LoadConfig(v)
	require.NoError(t, err)

	assert.Equal(t, 1500*time.Millisecond, cfg.Pool.IdleTimeout)
	assert.Equal(t, 15*time.Minute, cfg.Pool.MaxAge)
}

func TestNewViperEnvironment(t *testing.T) {
	t.Setenv("HOST_1", "env.example.com")
	t.Setenv("FROM_1", "env@example.com")

	v, err := NewViper("")
	require.NoError(t, err)
	cfg, err := LoadConfig(v)
	require.NoError(t, err)
	require.Len(t, cfg.Servers, 1)
	assert.Equal(t, "env.example.com", cfg.Servers[0].Host)
}

func TestNewViperMissingFile(t *testing.T) {
	_, err := NewViper(filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)
}
