package mailpool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lattiq/mailpool/internal/core"
	"github.com/lattiq/mailpool/internal/headers"
	"github.com/lattiq/mailpool/internal/observability"
	"github.com/lattiq/mailpool/internal/providers"
	"github.com/lattiq/mailpool/internal/rotation"
	"github.com/lattiq/mailpool/internal/session"
)

// Type aliases to re-export core types for the public API.
type (
	Dialer           = core.Dialer
	Session          = core.Session
	ServerConfig     = core.ServerConfig
	ProxyConfig      = core.ProxyConfig
	ProxyType        = core.ProxyType
	ProviderSettings = core.ProviderSettings
	Message          = core.Message
	Envelope         = core.Envelope
	Address          = core.Address
	SendResult       = core.SendResult
	ErrorKind        = core.ErrorKind
	TransportError   = core.TransportError
	ValidationError  = core.ValidationError
	LoggingConfig    = observability.LogConfig
)

// Transport and proxy constants
const (
	TransportSMTP     = core.TransportSMTP
	TransportSES      = core.TransportSES
	TransportSendGrid = core.TransportSendGrid
	TransportMailgun  = core.TransportMailgun

	ProxySOCKS5 = core.ProxySOCKS5
	ProxyHTTP   = core.ProxyHTTP
)

// Error constructor functions
var (
	NewValidationError          = core.NewValidationError
	NewValidationErrorWithValue = core.NewValidationErrorWithValue
	NewTransportError           = core.NewTransportError
)

// ValidAddress reports whether s parses as a single address with a domain.
var ValidAddress = core.ValidAddress

// serverState is everything the coordinator tracks for one server.
type serverState struct {
	index   int
	cfg     *core.ServerConfig
	senders *rotation.Selector[string]
	rate    rateState
	health  serverHealth
	sends   atomic.Int64
}

// registry is the set of server tables. Close swaps in an empty one.
type registry struct {
	servers  []*serverState
	selector *rotation.Selector[int]
}

// Coordinator dispatches messages across a pool of delivery servers.
// All methods are safe for concurrent use.
type Coordinator struct {
	config  Config
	logger  *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time
	dialer  core.Dialer
	pool    *session.Pool
	proxies *rotation.Selector[*core.ProxyConfig]
	headers *headers.Registry
	retry   *RetryManager
	mailer  string

	reg atomic.Pointer[registry]

	verificationsFailed atomic.Int64
	warmedUp            atomic.Bool
	warmupTime          atomic.Int64

	bgMu      sync.Mutex
	bg        sync.WaitGroup
	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// New creates a coordinator for the configured servers. Servers without a
// host or a valid sender are skipped; if none remain New fails with
// ErrNoValidServers. The coordinator must be closed when no longer needed.
func New(config Config, opts ...Option) (*Coordinator, error) {
	// Apply functional options
	for _, opt := range opts {
		opt(&config)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}

	logger := config.Logger
	if logger == nil {
		var err error
		logger, err = observability.NewLogger(config.Monitoring.Logging)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
		}
	}

	c := &Coordinator{
		config:  config,
		logger:  logger,
		tracer:  noop.NewTracerProvider().Tracer(""),
		now:     config.Clock,
		dialer:  config.Dialer,
		headers: headers.NewRegistry(),
		mailer:  GetVersionInfo().UserAgent(),
		done:    make(chan struct{}),
	}
	c.reg.Store(&registry{})
	if c.now == nil {
		c.now = time.Now
	}
	if config.Monitoring.Tracing.Enabled {
		c.tracer = otel.Tracer("github.com/lattiq/mailpool")
	}
	if c.dialer == nil {
		c.dialer = providers.NewRouter(providers.Timeouts{
			Connection: config.Timeouts.Connection,
			Socket:     config.Timeouts.Socket,
		})
	}

	reg, err := c.buildRegistry()
	if err != nil {
		return nil, err
	}
	c.reg.Store(reg)

	if config.Proxy.Enabled {
		proxies := make([]*core.ProxyConfig, len(config.Proxy.Proxies))
		for i := range config.Proxy.Proxies {
			px := config.Proxy.Proxies[i]
			proxies[i] = &px
		}
		strategy, _ := rotation.ParseStrategy(config.Rotation.Proxy)
		c.proxies, err = rotation.New("proxy", proxies, strategy,
			rotation.WithKey(func(p *core.ProxyConfig) string { return p.ID() }),
			rotation.WithLockTimeout[*core.ProxyConfig](config.Timeouts.Lock))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
		}
	}

	if config.Retry.Enabled {
		c.retry = NewRetryManager(config.Retry)
		c.retry.logger = logger
		c.retry.now = c.now
	}

	c.pool = session.New(session.Config{
		Enabled:         config.Pool.Enabled,
		MaxConnections:  config.Pool.MaxConnections,
		MaxMessages:     config.Pool.MaxMessages,
		MaxAge:          config.Pool.MaxAge,
		IdleTimeout:     config.Pool.IdleTimeout,
		SweepInterval:   config.Pool.SweepInterval,
		ShutdownTimeout: config.Pool.ShutdownTimeout,
		LockTimeout:     config.Timeouts.Lock,
	}, c.dialer, session.WithLogger(logger), session.WithClock(c.now))
	c.pool.Start()

	if config.Warmup.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), config.Warmup.Timeout)
		err := c.Warmup(ctx)
		cancel()
		if err != nil {
			logger.Warn("warmup incomplete", zap.Error(err))
		}
	}

	logger.Debug("coordinator started",
		zap.Int("servers", len(reg.servers)),
		zap.Bool("rotation", config.Rotation.Enabled),
		zap.Bool("rate_limit", config.RateLimit.Enabled),
		zap.Bool("pool", config.Pool.Enabled),
		zap.Bool("proxies", config.Proxy.Enabled))
	return c, nil
}

func (c *Coordinator) buildRegistry() (*registry, error) {
	strategy, _ := rotation.ParseStrategy(c.config.Rotation.From)
	now := c.now()

	reg := &registry{}
	for i := range c.config.Servers {
		cfg := c.config.Servers[i]
		cfg.From = append([]string(nil), cfg.From...)
		if err := cfg.Validate(); err != nil {
			c.logger.Warn("skipping server", zap.Int("position", i+1), zap.String("host", cfg.Host), zap.Error(err))
			continue
		}

		senders, err := rotation.New("from:"+cfg.ID(), cfg.ValidSenders(), strategy,
			rotation.WithLockTimeout[string](c.config.Timeouts.Lock))
		if err != nil {
			continue
		}

		st := &serverState{index: len(reg.servers), cfg: &cfg, senders: senders}
		st.rate.windowStart = now
		st.rate.perMinute = c.config.RateLimit.PerMinute
		st.rate.cooldownDuration = c.config.RateLimit.Cooldown
		st.health.healthy = true
		st.health.limiter = rate.NewLimiter(rate.Every(c.config.HealthCheck.MinInterval), 1)
		reg.servers = append(reg.servers, st)
	}
	if len(reg.servers) == 0 {
		return nil, ErrNoValidServers
	}

	idxs := make([]int, len(reg.servers))
	for i := range idxs {
		idxs[i] = i
	}
	serverStrategy, _ := rotation.ParseStrategy(c.config.Rotation.Server)
	selector, err := rotation.New("server", idxs, serverStrategy,
		rotation.WithKey(func(i int) string { return reg.servers[i].cfg.ID() }),
		rotation.WithLockTimeout[int](c.config.Timeouts.Lock))
	if err != nil {
		return nil, err
	}
	reg.selector = selector
	return reg, nil
}

// Send sends msg to recipient through a selected server. senderName, when
// given and non-empty, overrides the server's display name.
//
// A failed transmission rolls back the server's rate counter, counts against
// its health and schedules a verification. The returned *SendError tells
// terminal failures (authentication, connection refused, host not found)
// from retryable ones; retrying is left to the caller.
func (c *Coordinator) Send(ctx context.Context, msg *Message, recipient string, senderName ...string) (result *SendResult, err error) {
	ctx, span := c.tracer.Start(ctx, "mailpool.Coordinator.Send")
	defer span.End()

	if c.closed.Load() {
		span.RecordError(ErrCoordinatorClosed)
		span.SetStatus(codes.Error, ErrCoordinatorClosed.Error())
		return nil, ErrCoordinatorClosed
	}

	recipient = strings.TrimSpace(recipient)
	span.SetAttributes(attribute.String("mailpool.to", recipient))

	if !core.ValidAddress(recipient) {
		err := fmt.Errorf("%w: %q", ErrInvalidAddress, recipient)
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation failed")
		return nil, err
	}
	if err := msg.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation failed")
		return nil, err
	}

	reg := c.reg.Load()
	st, err := c.reserve(ctx, reg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "no server")
		return nil, err
	}
	server := st.cfg
	span.SetAttributes(
		attribute.String("mailpool.server", server.ID()),
		attribute.String("mailpool.transport", server.TransportName()),
	)

	// Failure-path bookkeeping runs with its own lock timeout, independent
	// of ctx. A send abandoned by the caller says nothing about the server,
	// so it only gives back the rate slot.
	defer func() {
		if err == nil {
			return
		}
		c.rollbackRateLimit(st)
		var se *SendError
		cancelled := ctx.Err() != nil && errors.Is(err, ctx.Err())
		if errors.As(err, &se) && !cancelled {
			c.recordFailure(st, err)
			c.scheduleVerification(st, "send_failed")
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
	}()

	if every := c.config.HealthCheck.EveryNSends; c.config.HealthCheck.Enabled && every > 0 {
		if st.sends.Add(1)%int64(every) == 0 {
			c.scheduleVerification(st, "interval")
		}
	}

	px, err := c.nextProxy()
	if err != nil {
		return nil, err
	}
	from, err := st.senders.Next()
	if err != nil {
		return nil, err
	}
	name := server.FromName
	if len(senderName) > 0 && strings.TrimSpace(senderName[0]) != "" {
		name = strings.TrimSpace(senderName[0])
	}

	ps, err := c.pool.Acquire(ctx, server, px)
	if err != nil {
		return nil, newSendError(server.ID(), recipient, err)
	}

	env := c.envelope(server, ps, from, name, recipient, msg)
	start := time.Now()
	result, err = ps.Session.Send(ctx, env)
	c.pool.Report(ps, err)
	if err != nil {
		return nil, newSendError(server.ID(), recipient, err)
	}
	elapsed := time.Since(start)

	if result == nil {
		result = &SendResult{}
	}
	if result.MessageID == "" {
		result.MessageID = env.MessageID
	}
	result.Server = server.ID()
	result.Proxy = ps.Key.Proxy
	result.From = from
	if result.Duration == 0 {
		result.Duration = elapsed
	}
	if result.Timestamp.IsZero() {
		result.Timestamp = c.now()
	}

	c.recordSuccess(st, result.Duration)
	c.logResponse(recipient, result)

	span.SetAttributes(
		attribute.String("mailpool.message_id", result.MessageID),
		attribute.Int("mailpool.code", result.Code),
		attribute.Int64("mailpool.duration_ms", result.Duration.Milliseconds()),
	)
	span.SetStatus(codes.Ok, "message sent")
	return result, nil
}

func (c *Coordinator) envelope(server *core.ServerConfig, ps *session.Pooled, from, name, recipient string, msg *Message) *Envelope {
	connID := ps.Key.String()
	if ider, ok := ps.Session.(interface{ ID() string }); ok {
		connID = ider.ID()
	}

	h := c.headers.Build(headers.Meta{
		Host:         server.Host,
		From:         from,
		FromName:     name,
		To:           recipient,
		Subject:      msg.Subject,
		ConnectionID: connID,
		Mailer:       c.mailer,
		Date:         c.now(),
	})
	return &Envelope{
		From:      Address{Name: name, Email: from},
		To:        Address{Email: recipient},
		MessageID: h["Message-ID"],
		Headers:   h,
		Message:   msg,
	}
}

// logResponse classifies the transport reply for bounce logging.
func (c *Coordinator) logResponse(recipient string, res *SendResult) {
	fields := []zap.Field{
		zap.String("recipient", recipient),
		zap.String("server", res.Server),
		zap.Int("code", res.Code),
	}
	switch core.ResponseClass(res.Code) {
	case 4:
		c.logger.Info("soft bounce", append(fields, zap.String("response", res.Response))...)
	case 5:
		c.logger.Info("hard bounce", append(fields, zap.String("response", res.Response))...)
	default:
		c.logger.Debug("message accepted", append(fields, zap.String("message_id", res.MessageID))...)
	}
}

func (c *Coordinator) nextProxy() (*core.ProxyConfig, error) {
	if c.proxies == nil {
		return nil, nil
	}
	return c.proxies.Next()
}

// spawn runs fn in a goroutine tracked by Close. It reports false once the
// coordinator is closed.
func (c *Coordinator) spawn(fn func()) bool {
	c.bgMu.Lock()
	defer c.bgMu.Unlock()
	if c.closed.Load() {
		return false
	}
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		fn()
	}()
	return true
}

// Close cancels cooldown timers, waits for background verifications, closes
// every pooled session and clears all tables. It is safe to call more than
// once.
func (c *Coordinator) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.bgMu.Lock()
		c.closed.Store(true)
		c.bgMu.Unlock()
		close(c.done)

		reg := c.reg.Swap(&registry{})
		if reg != nil {
			for _, st := range reg.servers {
				c.stopCooldown(st)
			}
		}
		c.bg.Wait()

		if c.pool != nil {
			timeout := c.config.Pool.ShutdownTimeout
			if timeout <= 0 {
				timeout = session.DefaultConfig().ShutdownTimeout
			}
			ctx, cancel := context.WithTimeout(context.Background(), 2*timeout)
			err = c.pool.Close(ctx)
			cancel()
		}
		_ = c.logger.Sync()
	})
	return err
}
