package mailgun

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/mailgun/mailgun-go/v4"

	"github.com/lattiq/mailpool/internal/core"
	"github.com/lattiq/mailpool/internal/proxy"
)

const providerName = core.TransportMailgun

// Dialer implements core.Dialer for Mailgun. Settings supply api_key (or the
// server password), domain (or the sender domain) and base_url.
type Dialer struct {
	timeout time.Duration
}

// NewDialer creates a Mailgun dialer.
func NewDialer(timeout time.Duration) *Dialer {
	return &Dialer{timeout: timeout}
}

// Name returns the transport name.
func (d *Dialer) Name() string {
	return providerName
}

// Dial builds a Mailgun client for server.
func (d *Dialer) Dial(_ context.Context, server *core.ServerConfig, px *core.ProxyConfig) (core.Session, error) {
	settings := server.Settings
	apiKey := settings.Get("api_key")
	if apiKey == "" {
		apiKey = server.Password
	}
	if apiKey == "" {
		return nil, core.NewValidationError("api_key", "Mailgun API key is required")
	}

	domain := settings.Get("domain")
	if domain == "" {
		if senders := server.ValidSenders(); len(senders) > 0 {
			domain = core.Address{Email: senders[0]}.Domain()
		}
	}
	if domain == "" {
		return nil, core.NewValidationError("domain", "Mailgun domain is required")
	}

	httpClient, err := proxy.HTTPClient(px, d.timeout)
	if err != nil {
		return nil, core.NewTransportError(providerName, core.KindTransient, 0, "proxy setup failed", err)
	}

	client := mailgun.NewMailgun(domain, apiKey)
	client.SetClient(httpClient)

	// Set base URL if provided (for EU customers)
	if baseURL := settings.Get("base_url"); baseURL != "" {
		client.SetAPIBase(baseURL)
	}

	return &Session{
		client: client,
		domain: domain,
		server: server,
	}, nil
}

// Session sends through the Mailgun messages API.
type Session struct {
	client mailgun.Mailgun
	domain string
	server *core.ServerConfig
}

// Send sends env.
func (s *Session) Send(ctx context.Context, env *core.Envelope) (*core.SendResult, error) {
	msg := env.Message
	message := mailgun.NewMessage(env.From.String(), msg.Subject, msg.TextBody, env.To.String())

	if msg.HTMLBody != "" {
		message.SetHTML(msg.HTMLBody)
	}

	for key, value := range env.Headers {
		switch key {
		case "From", "To", "Subject":
			continue
		}
		message.AddHeader(key, value)
	}

	start := time.Now()
	// Mailgun v4 returns 3 values: mes, id, err
	mes, id, err := s.client.Send(ctx, message)
	if err != nil {
		return nil, wrapError("failed to send email", err)
	}

	return &core.SendResult{
		MessageID: id,
		Server:    s.server.ID(),
		From:      env.From.Email,
		Code:      http.StatusOK,
		Response:  mes,
		Duration:  time.Since(start),
		Timestamp: time.Now(),
	}, nil
}

// Verify fetches the sending domain.
func (s *Session) Verify(ctx context.Context) error {
	if _, err := s.client.GetDomain(ctx, s.domain); err != nil {
		return wrapError("verify failed", err)
	}
	return nil
}

// Close is a no-op; HTTP connections are pooled by the client.
func (s *Session) Close() error { return nil }

// Terminate drops idle HTTP connections.
func (s *Session) Terminate() error {
	s.client.Client().CloseIdleConnections()
	return nil
}

func statusKind(status int) core.ErrorKind {
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return core.KindAuth
	}
	return core.KindTransient
}

func wrapError(msg string, err error) error {
	if status := mailgun.GetStatusFromErr(err); status > 0 {
		return core.NewTransportError(providerName, statusKind(status), status, fmt.Sprintf("%s: %v", msg, err), err)
	}
	return core.NewTransportError(providerName, core.Classify(err), 0, fmt.Sprintf("%s: %v", msg, err), err)
}
