package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"github.com/lattiq/mailpool/internal/core"
	"github.com/lattiq/mailpool/internal/proxy"
)

const providerName = "smtp"

// Settings keys read from core.ServerConfig.Settings.
const (
	SettingStartTLS      = "starttls"        // "true" or "false"; defaults to true on port 587
	SettingTLSSkipVerify = "tls_skip_verify" // "true" disables certificate checks
	SettingLocalName     = "local_name"      // EHLO name
)

// Dialer implements core.Dialer for SMTP servers.
type Dialer struct {
	connectTimeout time.Duration
	commandTimeout time.Duration
	localName      string
}

// Option configures a Dialer.
type Option func(*Dialer)

// WithConnectTimeout bounds TCP connect, proxy negotiation and TLS setup.
func WithConnectTimeout(d time.Duration) Option {
	return func(p *Dialer) {
		p.connectTimeout = d
	}
}

// WithCommandTimeout bounds each SMTP command and the DATA submission.
func WithCommandTimeout(d time.Duration) Option {
	return func(p *Dialer) {
		p.commandTimeout = d
	}
}

// WithLocalName sets the default EHLO name.
func WithLocalName(name string) Option {
	return func(p *Dialer) {
		p.localName = name
	}
}

// NewDialer creates an SMTP dialer.
func NewDialer(opts ...Option) *Dialer {
	d := &Dialer{
		connectTimeout: 10 * time.Second,
		commandTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Name returns the transport name.
func (d *Dialer) Name() string {
	return providerName
}

// Dial connects, negotiates TLS and authenticates.
func (d *Dialer) Dial(ctx context.Context, server *core.ServerConfig, px *core.ProxyConfig) (core.Session, error) {
	if server.Port == 0 {
		return nil, core.NewValidationError("port", "SMTP port is required")
	}

	ctx, cancel := context.WithTimeout(ctx, d.connectTimeout)
	defer cancel()

	nd, err := proxy.New(px, d.connectTimeout)
	if err != nil {
		return nil, core.NewTransportError(providerName, core.KindTransient, 0, "proxy setup failed", err)
	}
	conn, err := nd.DialContext(ctx, "tcp", server.Addr())
	if err != nil {
		return nil, wrapError("dial failed", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	tlsConfig := d.tlsConfig(server)
	var c *smtp.Client
	switch {
	case server.Secure:
		tlsConn := tls.Client(conn, tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, wrapError("tls handshake failed", err)
		}
		conn = tlsConn
		c = smtp.NewClient(conn)
	case d.useStartTLS(server):
		c, err = smtp.NewClientStartTLS(conn, tlsConfig)
		if err != nil {
			conn.Close()
			return nil, wrapError("starttls failed", err)
		}
	default:
		c = smtp.NewClient(conn)
	}
	c.CommandTimeout = d.commandTimeout
	c.SubmissionTimeout = d.commandTimeout

	// STARTTLS has already greeted the server.
	if name := d.ehloName(server); name != "" && !d.useStartTLS(server) {
		if err := c.Hello(name); err != nil {
			c.Close()
			return nil, wrapError("hello failed", err)
		}
	}

	if server.Authenticated() {
		if err := c.Auth(sasl.NewPlainClient("", server.Username, server.Password)); err != nil {
			c.Close()
			return nil, wrapError("authentication failed", err)
		}
	}

	// Per-command timeouts take over from here.
	_ = conn.SetDeadline(time.Time{})

	return &Session{
		id:     uuid.NewString(),
		client: c,
		server: server,
	}, nil
}

func (d *Dialer) tlsConfig(server *core.ServerConfig) *tls.Config {
	return &tls.Config{
		ServerName:         server.Host,
		InsecureSkipVerify: server.Settings.Get(SettingTLSSkipVerify) == "true",
		MinVersion:         tls.VersionTLS12,
	}
}

func (d *Dialer) useStartTLS(server *core.ServerConfig) bool {
	if v := server.Settings.Get(SettingStartTLS); v != "" {
		b, _ := strconv.ParseBool(v)
		return b
	}
	return server.Port == 587
}

func (d *Dialer) ehloName(server *core.ServerConfig) string {
	if v := server.Settings.Get(SettingLocalName); v != "" {
		return v
	}
	return d.localName
}

// Session is one SMTP connection. Transactions on a session are serialized.
type Session struct {
	mu     sync.Mutex
	id     string
	client *smtp.Client
	server *core.ServerConfig
	closed bool
}

// ID returns the connection identifier.
func (s *Session) ID() string {
	return s.id
}

// Send runs MAIL, RCPT and DATA for env.
func (s *Session) Send(ctx context.Context, env *core.Envelope) (*core.SendResult, error) {
	msg, err := BuildMessage(env)
	if err != nil {
		return nil, core.NewTransportError(providerName, core.KindTransient, 0, "failed to build message", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, core.NewTransportError(providerName, core.KindTransient, 0, "session closed", net.ErrClosed)
	}

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- s.transmit(env, msg)
	}()

	select {
	case err = <-done:
	case <-ctx.Done():
		// Abort the transaction; the session is unusable afterwards.
		s.client.Close()
		s.closed = true
		<-done
		return nil, wrapError("send aborted", ctx.Err())
	}
	if err != nil {
		_ = s.client.Reset()
		return nil, wrapError("send failed", err)
	}

	return &core.SendResult{
		MessageID: env.MessageID,
		Server:    s.server.ID(),
		From:      env.From.Email,
		Code:      250,
		Response:  "250 OK",
		Duration:  time.Since(start),
		Timestamp: time.Now(),
	}, nil
}

func (s *Session) transmit(env *core.Envelope, msg []byte) error {
	if err := s.client.Mail(env.From.Email, nil); err != nil {
		return err
	}
	if err := s.client.Rcpt(env.To.Email, nil); err != nil {
		return err
	}
	w, err := s.client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// Verify sends NOOP.
func (s *Session) Verify(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return core.NewTransportError(providerName, core.KindTransient, 0, "session closed", net.ErrClosed)
	}

	done := make(chan error, 1)
	go func() {
		done <- s.client.Noop()
	}()

	select {
	case err := <-done:
		if err != nil {
			return wrapError("verify failed", err)
		}
		return nil
	case <-ctx.Done():
		s.client.Close()
		s.closed = true
		<-done
		return wrapError("verify aborted", ctx.Err())
	}
}

// Close sends QUIT and closes the connection.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.client.Quit(); err != nil {
		s.client.Close()
		return err
	}
	return nil
}

// Terminate closes the connection without QUIT.
func (s *Session) Terminate() error {
	// Not taking s.mu: Terminate must interrupt a blocked Close or Send.
	return s.client.Close()
}

// wrapError converts go-smtp and network errors into transport errors.
func wrapError(msg string, err error) error {
	var se *smtp.SMTPError
	if errors.As(err, &se) {
		kind := core.KindTransient
		switch se.Code {
		case 530, 534, 535, 538:
			kind = core.KindAuth
		}
		return core.NewTransportError(providerName, kind, se.Code, fmt.Sprintf("%s: %s", msg, se.Message), err)
	}

	kind := core.Classify(err)
	return core.NewTransportError(providerName, kind, 0, fmt.Sprintf("%s: %v", msg, err), err)
}
