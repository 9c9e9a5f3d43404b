package mailpool

import (
	"time"

	"go.uber.org/zap"
)

// Option is a functional option for configuring the coordinator.
type Option func(*Config)

// WithServers replaces the server list.
func WithServers(servers ...ServerConfig) Option {
	return func(c *Config) {
		c.Servers = append([]ServerConfig(nil), servers...)
	}
}

// WithSMTPServer appends an SMTP server.
func WithSMTPServer(host string, port int, username, password string, from ...string) Option {
	return func(c *Config) {
		c.Servers = append(c.Servers, ServerConfig{
			Host:     host,
			Port:     port,
			Secure:   port == 465,
			Username: username,
			Password: password,
			From:     from,
		})
	}
}

// WithAWSSES appends an AWS SES relay.
func WithAWSSES(region string, from ...string) Option {
	return func(c *Config) {
		c.Servers = append(c.Servers, ServerConfig{
			Host:      "email." + region + ".amazonaws.com",
			Port:      443,
			Transport: TransportSES,
			From:      from,
			Settings:  ProviderSettings{"region": region},
		})
	}
}

// WithSendGrid appends a SendGrid relay.
func WithSendGrid(apiKey string, from ...string) Option {
	return func(c *Config) {
		c.Servers = append(c.Servers, ServerConfig{
			Host:      "api.sendgrid.com",
			Port:      443,
			Transport: TransportSendGrid,
			From:      from,
			Settings:  ProviderSettings{"api_key": apiKey},
		})
	}
}

// WithMailgun appends a Mailgun relay.
func WithMailgun(apiKey, domain string, from ...string) Option {
	return func(c *Config) {
		c.Servers = append(c.Servers, ServerConfig{
			Host:      "api.mailgun.net",
			Port:      443,
			Transport: TransportMailgun,
			From:      from,
			Settings:  ProviderSettings{"api_key": apiKey, "domain": domain},
		})
	}
}

// WithRotation sets the server, proxy and sender rotation strategies.
func WithRotation(server, proxy, from string) Option {
	return func(c *Config) {
		c.Rotation.Enabled = true
		c.Rotation.Server = server
		c.Rotation.Proxy = proxy
		c.Rotation.From = from
	}
}

// WithoutRotation pins every send to the first server.
func WithoutRotation() Option {
	return func(c *Config) {
		c.Rotation.Enabled = false
	}
}

// WithRateLimit sets the per-server ceiling and cooldown.
func WithRateLimit(perMinute int, cooldown time.Duration) Option {
	return func(c *Config) {
		c.RateLimit.Enabled = true
		c.RateLimit.PerMinute = perMinute
		c.RateLimit.Cooldown = cooldown
	}
}

// WithoutRateLimit disables per-server ceilings.
func WithoutRateLimit() Option {
	return func(c *Config) {
		c.RateLimit.Enabled = false
	}
}

// WithPool configures session pooling.
func WithPool(maxConnections, maxMessages int, idleTimeout time.Duration) Option {
	return func(c *Config) {
		c.Pool.Enabled = true
		c.Pool.MaxConnections = maxConnections
		c.Pool.MaxMessages = maxMessages
		c.Pool.IdleTimeout = idleTimeout
	}
}

// WithoutPool opens a fresh session for every send.
func WithoutPool() Option {
	return func(c *Config) {
		c.Pool.Enabled = false
	}
}

// WithWarmup opens count sessions per server during New.
func WithWarmup(count int, timeout time.Duration) Option {
	return func(c *Config) {
		c.Warmup.Enabled = true
		c.Warmup.Count = count
		c.Warmup.Timeout = timeout
	}
}

// WithProxies routes sessions through the given proxies.
func WithProxies(proxies ...ProxyConfig) Option {
	return func(c *Config) {
		c.Proxy.Enabled = len(proxies) > 0
		c.Proxy.Proxies = append([]ProxyConfig(nil), proxies...)
	}
}

// WithTimeouts sets connection and socket timeouts.
func WithTimeouts(connection, socket time.Duration) Option {
	return func(c *Config) {
		c.Timeouts.Connection = connection
		c.Timeouts.Socket = socket
	}
}

// WithLockTimeout bounds the wait for state locks.
func WithLockTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.Timeouts.Lock = timeout
	}
}

// WithHealthCheck configures periodic verification.
func WithHealthCheck(everyNSends int, timeout time.Duration) Option {
	return func(c *Config) {
		c.HealthCheck.Enabled = true
		c.HealthCheck.EveryNSends = everyNSends
		c.HealthCheck.Timeout = timeout
	}
}

// WithoutHealthCheck disables periodic verification. Failed sends still
// schedule one.
func WithoutHealthCheck() Option {
	return func(c *Config) {
		c.HealthCheck.Enabled = false
	}
}

// WithBackoff bounds the wait for a server under its ceiling.
func WithBackoff(maxAttempts int, initialDelay, maxDelay time.Duration) Option {
	return func(c *Config) {
		c.Backoff.MaxAttempts = maxAttempts
		c.Backoff.InitialDelay = initialDelay
		c.Backoff.MaxDelay = maxDelay
	}
}

// WithRetry configures the retry policy used by SendWithRetry.
func WithRetry(maxAttempts int, initialDelay, maxDelay time.Duration, multiplier float64) Option {
	return func(c *Config) {
		c.Retry.Enabled = true
		c.Retry.MaxAttempts = maxAttempts
		c.Retry.InitialDelay = initialDelay
		c.Retry.MaxDelay = maxDelay
		c.Retry.Multiplier = multiplier
	}
}

// WithJitter enables or disables jitter in retry delays.
func WithJitter(enabled bool) Option {
	return func(c *Config) {
		c.Retry.Jitter = enabled
	}
}

// WithoutRetry disables retry functionality.
func WithoutRetry() Option {
	return func(c *Config) {
		c.Retry.Enabled = false
	}
}

// WithBatchConcurrency sets the number of concurrent sends in SendBatch.
func WithBatchConcurrency(n int) Option {
	return func(c *Config) {
		c.Batch.Concurrency = n
	}
}

// WithLogging configures logging.
func WithLogging(level, format, output string) Option {
	return func(c *Config) {
		c.Monitoring.Logging.Level = level
		c.Monitoring.Logging.Format = format
		c.Monitoring.Logging.Output = output
	}
}

// WithoutTracing disables span recording.
func WithoutTracing() Option {
	return func(c *Config) {
		c.Monitoring.Tracing.Enabled = false
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithDialer replaces the built-in transports.
func WithDialer(d Dialer) Option {
	return func(c *Config) {
		c.Dialer = d
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Config) {
		c.Clock = now
	}
}
