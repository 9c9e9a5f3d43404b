package sendgrid

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/lattiq/mailpool/internal/core"
	"github.com/lattiq/mailpool/internal/proxy"
)

const (
	providerName = core.TransportSendGrid
	defaultHost  = "https://api.sendgrid.com"
)

// Dialer implements core.Dialer for the SendGrid v3 API. The API key comes
// from the api_key setting or, failing that, the server password.
type Dialer struct {
	timeout time.Duration
}

// NewDialer creates a SendGrid dialer.
func NewDialer(timeout time.Duration) *Dialer {
	return &Dialer{timeout: timeout}
}

// Name returns the transport name.
func (d *Dialer) Name() string {
	return providerName
}

// Dial builds a REST client for server.
func (d *Dialer) Dial(_ context.Context, server *core.ServerConfig, px *core.ProxyConfig) (core.Session, error) {
	apiKey := server.Settings.Get("api_key")
	if apiKey == "" {
		apiKey = server.Password
	}
	if apiKey == "" {
		return nil, core.NewValidationError("api_key", "SendGrid API key is required")
	}

	httpClient, err := proxy.HTTPClient(px, d.timeout)
	if err != nil {
		return nil, core.NewTransportError(providerName, core.KindTransient, 0, "proxy setup failed", err)
	}

	host := server.Settings.Get("base_url")
	if host == "" {
		host = defaultHost
	}

	return &Session{
		apiKey: apiKey,
		host:   host,
		client: &rest.Client{HTTPClient: httpClient},
		server: server,
	}, nil
}

// Session sends through the SendGrid REST API.
type Session struct {
	apiKey string
	host   string
	client *rest.Client
	server *core.ServerConfig
}

// Send posts env to /v3/mail/send.
func (s *Session) Send(ctx context.Context, env *core.Envelope) (*core.SendResult, error) {
	msg := env.Message
	from := mail.NewEmail(env.From.Name, env.From.Email)
	to := mail.NewEmail(env.To.Name, env.To.Email)

	message := mail.NewSingleEmail(from, msg.Subject, to, msg.TextBody, msg.HTMLBody)

	if len(env.Headers) > 0 {
		if message.Headers == nil {
			message.Headers = make(map[string]string)
		}
		for key, value := range env.Headers {
			switch key {
			// SendGrid sets these itself and rejects overrides.
			case "From", "To", "Subject", "Date", "MIME-Version", "Message-ID":
				continue
			}
			message.Headers[key] = value
		}
	}

	req := sendgrid.GetRequest(s.apiKey, "/v3/mail/send", s.host)
	req.Method = http.MethodPost
	req.Body = mail.GetRequestBody(message)

	start := time.Now()
	response, err := s.client.SendWithContext(ctx, req)
	if err != nil {
		return nil, core.NewTransportError(providerName, core.Classify(err), 0, "failed to send email: "+err.Error(), err)
	}
	if err := statusError("SendGrid API error", response); err != nil {
		return nil, err
	}

	messageID := env.MessageID
	if ids := response.Headers["X-Message-Id"]; len(ids) > 0 {
		messageID = ids[0]
	}

	return &core.SendResult{
		MessageID: messageID,
		Server:    s.server.ID(),
		From:      env.From.Email,
		Code:      response.StatusCode,
		Response:  http.StatusText(response.StatusCode),
		Duration:  time.Since(start),
		Timestamp: time.Now(),
	}, nil
}

// Verify checks the API key by listing its scopes.
func (s *Session) Verify(ctx context.Context) error {
	req := sendgrid.GetRequest(s.apiKey, "/v3/scopes", s.host)
	req.Method = http.MethodGet

	response, err := s.client.SendWithContext(ctx, req)
	if err != nil {
		return core.NewTransportError(providerName, core.Classify(err), 0, "verify failed: "+err.Error(), err)
	}
	return statusError("verify failed", response)
}

// Close is a no-op; HTTP connections are pooled by the client.
func (s *Session) Close() error { return nil }

// Terminate drops idle HTTP connections.
func (s *Session) Terminate() error {
	if s.client.HTTPClient != nil {
		s.client.HTTPClient.CloseIdleConnections()
	}
	return nil
}

func statusError(msg string, response *rest.Response) error {
	if response.StatusCode < 400 {
		return nil
	}
	kind := core.KindTransient
	if response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden {
		kind = core.KindAuth
	}
	return core.NewTransportError(providerName, kind, response.StatusCode,
		fmt.Sprintf("%s: %s", msg, response.Body), nil)
}
