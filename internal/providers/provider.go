// Package providers routes session dialing to the transport configured for
// each server.
package providers

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/lattiq/mailpool/internal/core"
	"github.com/lattiq/mailpool/internal/providers/mailgun"
	"github.com/lattiq/mailpool/internal/providers/sendgrid"
	"github.com/lattiq/mailpool/internal/providers/ses"
	"github.com/lattiq/mailpool/internal/providers/smtp"
)

// Timeouts configures the built-in transports.
type Timeouts struct {
	Connection time.Duration
	Socket     time.Duration
}

// Router is a core.Dialer that dispatches on ServerConfig.TransportName.
type Router struct {
	dialers map[string]core.Dialer
}

// NewRouter returns a router with the SMTP, SES, SendGrid and Mailgun
// transports registered.
func NewRouter(t Timeouts) *Router {
	r := &Router{dialers: make(map[string]core.Dialer)}
	r.Register(NewSMTPDialer(t))
	r.Register(NewSESDialer(t))
	r.Register(NewSendGridDialer(t))
	r.Register(NewMailgunDialer(t))
	return r
}

// Register adds or replaces the dialer for d.Name().
func (r *Router) Register(d core.Dialer) {
	r.dialers[d.Name()] = d
}

// Name returns the router name.
func (r *Router) Name() string {
	return "router"
}

// Dial opens a session with the transport configured on server.
func (r *Router) Dial(ctx context.Context, server *core.ServerConfig, px *core.ProxyConfig) (core.Session, error) {
	d, ok := r.dialers[server.TransportName()]
	if !ok {
		return nil, core.NewValidationErrorWithValue("transport", fmt.Sprintf("no dialer registered for %q", server.TransportName()), server.ID())
	}
	return d.Dial(ctx, server, px)
}

// NewSMTPDialer creates a new SMTP dialer that greets with the machine's
// hostname unless a server sets local_name.
func NewSMTPDialer(t Timeouts) core.Dialer {
	opts := []smtp.Option{smtp.WithConnectTimeout(t.Connection), smtp.WithCommandTimeout(t.Socket)}
	if host, err := os.Hostname(); err == nil && host != "" {
		opts = append(opts, smtp.WithLocalName(host))
	}
	return smtp.NewDialer(opts...)
}

// NewSESDialer creates a new AWS SES dialer.
func NewSESDialer(t Timeouts) core.Dialer {
	return ses.NewDialer(t.Socket)
}

// NewSendGridDialer creates a new SendGrid dialer.
func NewSendGridDialer(t Timeouts) core.Dialer {
	return sendgrid.NewDialer(t.Socket)
}

// NewMailgunDialer creates a new Mailgun dialer.
func NewMailgunDialer(t Timeouts) core.Dialer {
	return mailgun.NewDialer(t.Socket)
}
