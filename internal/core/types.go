package core

import (
	"context"
	"fmt"
	"mime"
	"net/mail"
	"strconv"
	"strings"
	"time"
)

// Transport names accepted in ServerConfig.Transport.
const (
	TransportSMTP     = "smtp"
	TransportSES      = "aws_ses"
	TransportSendGrid = "sendgrid"
	TransportMailgun  = "mailgun"
)

// Dialer opens sessions to a delivery server, optionally through a proxy.
// Implementations are provided per transport.
type Dialer interface {
	// Dial opens a new session. proxy is nil for direct connections.
	Dial(ctx context.Context, server *ServerConfig, proxy *ProxyConfig) (Session, error)

	// Name returns the transport name for identification and logging.
	Name() string
}

// Session is a live, reusable channel to a delivery server.
type Session interface {
	// Send transmits one envelope.
	Send(ctx context.Context, env *Envelope) (*SendResult, error)

	// Verify checks that the session is still usable.
	Verify(ctx context.Context) error

	// Close ends the session gracefully.
	Close() error

	// Terminate tears the session down immediately.
	Terminate() error
}

// ProviderSettings carries transport-specific settings such as API keys.
type ProviderSettings map[string]string

// Get retrieves a configuration value by key.
func (ps ProviderSettings) Get(key string) string {
	return ps[key]
}

// Set sets a configuration value.
func (ps ProviderSettings) Set(key, value string) {
	ps[key] = value
}

// ServerConfig describes one outbound delivery server. It is read-only once
// the coordinator is built.
type ServerConfig struct {
	Host      string           `json:"host" mapstructure:"host"`
	Port      int              `json:"port" mapstructure:"port"`
	Secure    bool             `json:"secure" mapstructure:"secure"`
	Username  string           `json:"username,omitempty" mapstructure:"username"`
	Password  string           `json:"-" mapstructure:"password"`
	From      []string         `json:"from" mapstructure:"from"`
	FromName  string           `json:"from_name,omitempty" mapstructure:"from_name"`
	Priority  int              `json:"priority" mapstructure:"priority"`
	Transport string           `json:"transport,omitempty" mapstructure:"transport"`
	Settings  ProviderSettings `json:"-" mapstructure:"settings"`
}

// ID returns a stable identity for the server, used as a pool and log key.
func (s *ServerConfig) ID() string {
	id := s.Host + ":" + strconv.Itoa(s.Port)
	if s.Username != "" {
		id += "/" + s.Username
	}
	return id
}

// Addr returns host:port.
func (s *ServerConfig) Addr() string {
	return s.Host + ":" + strconv.Itoa(s.Port)
}

// TransportName returns the transport, defaulting to SMTP.
func (s *ServerConfig) TransportName() string {
	if s.Transport == "" {
		return TransportSMTP
	}
	return strings.ToLower(s.Transport)
}

// Authenticated reports whether credentials are configured.
func (s *ServerConfig) Authenticated() bool {
	return s.Username != "" && s.Password != ""
}

// ValidSenders returns the configured sender addresses that parse.
func (s *ServerConfig) ValidSenders() []string {
	var out []string
	for _, f := range s.From {
		if ValidAddress(f) {
			out = append(out, strings.TrimSpace(f))
		}
	}
	return out
}

// Validate checks the server has a host and at least one usable sender.
func (s *ServerConfig) Validate() error {
	if strings.TrimSpace(s.Host) == "" {
		return NewValidationError("host", "server host is required")
	}
	if s.Port < 0 || s.Port > 65535 {
		return NewValidationErrorWithValue("port", "port out of range", s.Port)
	}
	if len(s.ValidSenders()) == 0 {
		return NewValidationErrorWithValue("from", "no valid sender address", s.From)
	}
	switch s.TransportName() {
	case TransportSMTP, TransportSES, TransportSendGrid, TransportMailgun:
	default:
		return NewValidationErrorWithValue("transport", "unsupported transport", s.Transport)
	}
	return nil
}

// ProxyType is the kind of proxy a session is tunneled through.
type ProxyType string

const (
	ProxySOCKS5 ProxyType = "socks5"
	ProxyHTTP   ProxyType = "http"
)

// ProxyConfig describes an outbound proxy.
type ProxyConfig struct {
	Host     string    `json:"host" mapstructure:"host"`
	Port     int       `json:"port" mapstructure:"port"`
	Type     ProxyType `json:"type" mapstructure:"type"`
	Username string    `json:"username,omitempty" mapstructure:"username"`
	Password string    `json:"-" mapstructure:"password"`
}

// Addr returns host:port.
func (p *ProxyConfig) Addr() string {
	return p.Host + ":" + strconv.Itoa(p.Port)
}

// ID returns a stable identity for the proxy.
func (p *ProxyConfig) ID() string {
	return string(p.Type) + "://" + p.Addr()
}

// Validate checks the proxy fields.
func (p *ProxyConfig) Validate() error {
	if p.Host == "" {
		return NewValidationError("proxy.host", "proxy host is required")
	}
	if p.Port <= 0 || p.Port > 65535 {
		return NewValidationErrorWithValue("proxy.port", "port out of range", p.Port)
	}
	if p.Type != ProxySOCKS5 && p.Type != ProxyHTTP {
		return NewValidationErrorWithValue("proxy.type", "must be socks5 or http", p.Type)
	}
	return nil
}

// Address represents an email address with optional display name.
type Address struct {
	Name  string `json:"name"`  // Display name (optional)
	Email string `json:"email"` // Email address (required)
}

// String returns the formatted email address.
// If Name is provided, returns "Name <email@domain.com>"
// Otherwise returns just "email@domain.com"
func (a Address) String() string {
	if a.Name != "" {
		return mime.QEncoding.Encode("UTF-8", a.Name) + " <" + a.Email + ">"
	}
	return a.Email
}

// Valid checks if the address has a valid email format.
func (a Address) Valid() bool {
	if a.Email == "" {
		return false
	}
	_, err := mail.ParseAddress(a.String())
	return err == nil
}

// Domain returns the part after the last @.
func (a Address) Domain() string {
	if i := strings.LastIndexByte(a.Email, '@'); i >= 0 {
		return a.Email[i+1:]
	}
	return ""
}

// ValidAddress reports whether s is a bare, well-formed email address.
func ValidAddress(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" || strings.ContainsAny(s, "<> \t\r\n") {
		return false
	}
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return false
	}
	at := strings.LastIndexByte(addr.Address, '@')
	return at > 0 && at < len(addr.Address)-1
}

// Message is the content of an outbound message, independent of recipient.
type Message struct {
	Subject  string            `json:"subject"`
	TextBody string            `json:"text_body"`
	HTMLBody string            `json:"html_body"`
	Headers  map[string]string `json:"headers"`
	Metadata map[string]string `json:"metadata"`
}

// Validate checks the message has a subject and a body.
func (m *Message) Validate() error {
	if m == nil {
		return NewValidationError("message", "message is required")
	}
	if strings.TrimSpace(m.Subject) == "" {
		return NewValidationError("subject", "subject is required")
	}
	if strings.TrimSpace(m.TextBody) == "" && strings.TrimSpace(m.HTMLBody) == "" {
		return NewValidationError("body", "either text or HTML body is required")
	}
	return nil
}

// Envelope is one message addressed to one recipient, ready for a session.
type Envelope struct {
	From      Address
	To        Address
	MessageID string
	Headers   map[string]string
	Message   *Message
}

// SendResult contains the result of sending a single message.
type SendResult struct {
	// MessageID is the identifier assigned to the message.
	MessageID string `json:"message_id"`

	// Server is the ID of the server that accepted the message.
	Server string `json:"server"`

	// Proxy is the proxy identity used, or "direct".
	Proxy string `json:"proxy"`

	// From is the sender address used.
	From string `json:"from"`

	// Code is the transport response code, when the transport reports one.
	Code int `json:"code"`

	// Response is the transport response text.
	Response string `json:"response,omitempty"`

	// Duration is the time spent transmitting.
	Duration time.Duration `json:"duration"`

	// Timestamp when the message was accepted.
	Timestamp time.Time `json:"timestamp"`
}

// ResponseClass returns the reply class of a transport code: 2, 4 or 5, or
// 0 when the code is unknown.
func ResponseClass(code int) int {
	switch {
	case code >= 200 && code < 300:
		return 2
	case code >= 400 && code < 500:
		return 4
	case code >= 500 && code < 600:
		return 5
	default:
		return 0
	}
}

// ValidationError represents a validation error with specific field information.
type ValidationError struct {
	// Field is the name of the field that failed validation.
	Field string

	// Message is the validation error message.
	Message string

	// Value is the invalid value (optional).
	Value interface{}
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Value != nil {
		return fmt.Sprintf("validation error in %s: %s (value: %v)", e.Field, e.Message, e.Value)
	}
	return fmt.Sprintf("validation error in %s: %s", e.Field, e.Message)
}

// Is implements error matching for errors.Is.
func (e *ValidationError) Is(target error) bool {
	_, ok := target.(*ValidationError)
	return ok
}

// NewValidationError creates a new validation error.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// NewValidationErrorWithValue creates a new validation error with a value.
func NewValidationErrorWithValue(field, message string, value interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}
