package mailpool

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lattiq/mailpool/internal/lock"
	"github.com/lattiq/mailpool/internal/rotation"
)

// Config holds the complete coordinator configuration.
type Config struct {
	// Servers is the ordered list of delivery servers.
	Servers []ServerConfig `mapstructure:"servers"`

	// Rotation selects the rotation strategies.
	Rotation RotationConfig `mapstructure:"rotation"`

	// RateLimit contains per-server sending limits.
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`

	// Pool contains session pool configuration.
	Pool PoolConfig `mapstructure:"pool"`

	// Warmup contains session pre-creation configuration.
	Warmup WarmupConfig `mapstructure:"warmup"`

	// Timeouts contains network and lock timeouts.
	Timeouts TimeoutConfig `mapstructure:"timeouts"`

	// HealthCheck contains server verification configuration.
	HealthCheck HealthCheckConfig `mapstructure:"health_check"`

	// Proxy contains outbound proxy configuration.
	Proxy ProxyListConfig `mapstructure:"proxy"`

	// Backoff bounds the wait for a server under its rate ceiling.
	Backoff BackoffConfig `mapstructure:"backoff"`

	// Retry contains the caller-side retry policy used by SendWithRetry.
	Retry RetryConfig `mapstructure:"retry"`

	// Batch contains SendBatch configuration.
	Batch BatchConfig `mapstructure:"batch"`

	// Monitoring contains observability configuration.
	Monitoring MonitoringConfig `mapstructure:"monitoring"`

	// Logger overrides the logger built from Monitoring.Logging.
	Logger *zap.Logger `mapstructure:"-"`

	// Dialer overrides the built-in transport router.
	Dialer Dialer `mapstructure:"-"`

	// Clock replaces time.Now for rate, health and pool bookkeeping.
	Clock func() time.Time `mapstructure:"-"`
}

// RotationConfig contains rotation settings.
type RotationConfig struct {
	// Enabled turns server rotation on. When false, or with a single server,
	// every send goes to the first server.
	Enabled bool `mapstructure:"enabled"`

	// Server is the server rotation strategy (sequential, random, disabled).
	Server string `mapstructure:"server"`

	// Proxy is the proxy rotation strategy.
	Proxy string `mapstructure:"proxy"`

	// From is the per-server sender rotation strategy.
	From string `mapstructure:"from"`
}

// RateLimitConfig contains per-server rate limiting.
type RateLimitConfig struct {
	// Enabled indicates whether per-server ceilings are enforced.
	Enabled bool `mapstructure:"enabled"`

	// PerMinute is the per-server ceiling for one window.
	PerMinute int `mapstructure:"per_minute"`

	// Window is the counting window.
	Window time.Duration `mapstructure:"window"`

	// Cooldown is how long a server that hit its ceiling is excluded.
	Cooldown time.Duration `mapstructure:"cooldown"`
}

// PoolConfig contains session pool settings.
type PoolConfig struct {
	// Enabled indicates whether sessions are reused.
	Enabled bool `mapstructure:"enabled"`

	// MaxConnections is the pool capacity.
	MaxConnections int `mapstructure:"max_connections"`

	// MaxMessages is the number of sends after which a session is retired.
	MaxMessages int `mapstructure:"max_messages"`

	// IdleTimeout is the maximum idle time of a pooled session.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`

	// MaxAge is the maximum lifetime of a pooled session.
	MaxAge time.Duration `mapstructure:"max_age"`

	// SweepInterval is how often aged and idle sessions are removed.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`

	// ShutdownTimeout bounds a graceful session close before it is terminated.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// WarmupConfig contains warmup settings.
type WarmupConfig struct {
	// Enabled runs Warmup from New.
	Enabled bool `mapstructure:"enabled"`

	// Count is the number of sessions to open per server.
	Count int `mapstructure:"count"`

	// Timeout bounds the whole warmup.
	Timeout time.Duration `mapstructure:"timeout"`
}

// TimeoutConfig contains timeouts.
type TimeoutConfig struct {
	// Connection bounds session establishment.
	Connection time.Duration `mapstructure:"connection"`

	// Socket bounds individual transport commands.
	Socket time.Duration `mapstructure:"socket"`

	// Lock bounds the wait for any state lock.
	Lock time.Duration `mapstructure:"lock"`
}

// HealthCheckConfig contains server verification settings.
type HealthCheckConfig struct {
	// Enabled turns periodic verification on. Failed sends always schedule one.
	Enabled bool `mapstructure:"enabled"`

	// EveryNSends schedules a verification every N sends per server.
	EveryNSends int `mapstructure:"every_n_sends"`

	// MinInterval is the minimum time between verifications of one server.
	MinInterval time.Duration `mapstructure:"min_interval"`

	// Timeout bounds one verification.
	Timeout time.Duration `mapstructure:"timeout"`
}

// ProxyListConfig contains proxies.
type ProxyListConfig struct {
	// Enabled routes sessions through the proxies.
	Enabled bool `mapstructure:"enabled"`

	// Proxies is the ordered proxy list.
	Proxies []ProxyConfig `mapstructure:"proxies"`
}

// MaxBackoffAttempts caps BackoffConfig.MaxAttempts.
const MaxBackoffAttempts = 5

// BackoffConfig bounds the internal wait for a server under its ceiling.
type BackoffConfig struct {
	// MaxAttempts is the number of selection attempts before giving up.
	MaxAttempts int `mapstructure:"max_attempts"`

	// InitialDelay is the first wait; later waits double.
	InitialDelay time.Duration `mapstructure:"initial_delay"`

	// MaxDelay caps a single wait.
	MaxDelay time.Duration `mapstructure:"max_delay"`
}

// RetryConfig contains retry policy configuration.
type RetryConfig struct {
	// Enabled indicates whether retries are enabled.
	Enabled bool `mapstructure:"enabled"`

	// MaxAttempts is the maximum number of attempts (including the initial attempt).
	MaxAttempts int `mapstructure:"max_attempts"`

	// InitialDelay is the initial delay before the first retry.
	InitialDelay time.Duration `mapstructure:"initial_delay"`

	// MaxDelay is the maximum delay between retries.
	MaxDelay time.Duration `mapstructure:"max_delay"`

	// Multiplier is the backoff multiplier (should be > 1.0 for exponential backoff).
	Multiplier float64 `mapstructure:"multiplier"`

	// Jitter indicates whether random jitter should be added to delays.
	Jitter bool `mapstructure:"jitter"`

	// MaxElapsed is the wall-clock ceiling for all attempts to one recipient.
	MaxElapsed time.Duration `mapstructure:"max_elapsed"`
}

// BatchConfig contains SendBatch settings.
type BatchConfig struct {
	// Concurrency is the number of sends in flight.
	Concurrency int `mapstructure:"concurrency"`
}

// MonitoringConfig contains observability configuration.
type MonitoringConfig struct {
	// Tracing contains distributed tracing configuration.
	Tracing TracingConfig `mapstructure:"tracing"`

	// Logging contains logging configuration.
	Logging LoggingConfig `mapstructure:"logging"`
}

// TracingConfig contains distributed tracing configuration.
type TracingConfig struct {
	// Enabled indicates whether spans are recorded.
	Enabled bool `mapstructure:"enabled"`

	// ServiceName is the instrumentation name.
	ServiceName string `mapstructure:"service_name"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Rotation: RotationConfig{
			Enabled: true,
			Server:  string(rotation.Sequential),
			Proxy:   string(rotation.Sequential),
			From:    string(rotation.Sequential),
		},
		RateLimit: RateLimitConfig{
			Enabled:   true,
			PerMinute: 60,
			Window:    time.Minute,
			Cooldown:  time.Minute,
		},
		Pool: PoolConfig{
			Enabled:         true,
			MaxConnections:  50,
			MaxMessages:     100,
			IdleTimeout:     10 * time.Minute,
			MaxAge:          30 * time.Minute,
			SweepInterval:   5 * time.Minute,
			ShutdownTimeout: 5 * time.Second,
		},
		Warmup: WarmupConfig{
			Enabled: false,
			Count:   1,
			Timeout: 30 * time.Second,
		},
		Timeouts: TimeoutConfig{
			Connection: 30 * time.Second,
			Socket:     60 * time.Second,
			Lock:       lock.DefaultTimeout,
		},
		HealthCheck: HealthCheckConfig{
			Enabled:     true,
			EveryNSends: 50,
			MinInterval: 30 * time.Second,
			Timeout:     2 * time.Second,
		},
		Backoff: BackoffConfig{
			MaxAttempts:  5,
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
		},
		Retry: DefaultRetryConfig(),
		Batch: BatchConfig{
			Concurrency: 10,
		},
		Monitoring: MonitoringConfig{
			Tracing: TracingConfig{
				Enabled:     true,
				ServiceName: "mailpool",
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
				Output: "stderr",
			},
		},
	}
}

// DefaultRetryConfig returns default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Enabled:      true,
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
		MaxElapsed:   5 * time.Minute,
	}
}

// Validate checks if the configuration is valid and complete. Servers that
// fail validation are not an error here; New drops them and fails only when
// none remain.
func (c *Config) Validate() error {
	if _, err := rotation.ParseStrategy(c.Rotation.Server); err != nil {
		return NewValidationErrorWithValue("rotation.server", err.Error(), c.Rotation.Server)
	}
	if _, err := rotation.ParseStrategy(c.Rotation.Proxy); err != nil {
		return NewValidationErrorWithValue("rotation.proxy", err.Error(), c.Rotation.Proxy)
	}
	if _, err := rotation.ParseStrategy(c.Rotation.From); err != nil {
		return NewValidationErrorWithValue("rotation.from", err.Error(), c.Rotation.From)
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.PerMinute <= 0 {
			return NewValidationErrorWithValue("rate_limit.per_minute", "ceiling must be greater than 0", c.RateLimit.PerMinute)
		}
		if c.RateLimit.Window <= 0 {
			return NewValidationError("rate_limit.window", "window must be greater than 0")
		}
		if c.RateLimit.Cooldown <= 0 {
			return NewValidationError("rate_limit.cooldown", "cooldown must be greater than 0")
		}
	}

	if c.Pool.Enabled && c.Pool.MaxConnections <= 0 {
		return NewValidationErrorWithValue("pool.max_connections", "capacity must be greater than 0", c.Pool.MaxConnections)
	}

	if c.Timeouts.Connection <= 0 {
		return NewValidationError("timeouts.connection", "timeout must be greater than 0")
	}
	if c.Timeouts.Lock <= 0 {
		return NewValidationError("timeouts.lock", "timeout must be greater than 0")
	}

	if c.HealthCheck.Timeout <= 0 {
		return NewValidationError("health_check.timeout", "timeout must be greater than 0")
	}

	if c.Backoff.MaxAttempts < 1 || c.Backoff.MaxAttempts > MaxBackoffAttempts {
		return NewValidationErrorWithValue("backoff.max_attempts",
			fmt.Sprintf("max attempts must be between 1 and %d", MaxBackoffAttempts), c.Backoff.MaxAttempts)
	}

	if c.Retry.Enabled {
		if c.Retry.MaxAttempts < 1 {
			return NewValidationErrorWithValue("retry.max_attempts", "max attempts must be at least 1", c.Retry.MaxAttempts)
		}
		if c.Retry.Multiplier < 1.0 {
			return NewValidationErrorWithValue("retry.multiplier", "multiplier must be at least 1.0", c.Retry.Multiplier)
		}
	}

	if c.Proxy.Enabled {
		if len(c.Proxy.Proxies) == 0 {
			return NewValidationError("proxy.proxies", "at least one proxy is required when proxies are enabled")
		}
		for i := range c.Proxy.Proxies {
			if err := c.Proxy.Proxies[i].Validate(); err != nil {
				return fmt.Errorf("proxy %d: %w", i+1, err)
			}
		}
	}

	if c.Batch.Concurrency < 0 {
		return NewValidationErrorWithValue("batch.concurrency", "concurrency must not be negative", c.Batch.Concurrency)
	}

	return nil
}
