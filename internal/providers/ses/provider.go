package ses

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/aws/smithy-go"

	"github.com/lattiq/mailpool/internal/core"
	"github.com/lattiq/mailpool/internal/providers/smtp"
	"github.com/lattiq/mailpool/internal/proxy"
)

const providerName = core.TransportSES

// API is the subset of the SES client used by sessions.
type API interface {
	SendRawEmail(ctx context.Context, in *ses.SendRawEmailInput, optFns ...func(*ses.Options)) (*ses.SendRawEmailOutput, error)
	GetSendQuota(ctx context.Context, in *ses.GetSendQuotaInput, optFns ...func(*ses.Options)) (*ses.GetSendQuotaOutput, error)
}

// Dialer implements core.Dialer for AWS SES. Server settings supply region,
// access_key, secret_key, session_token and configuration_set; Username and
// Password are used as access and secret keys when the settings omit them.
type Dialer struct {
	timeout time.Duration
	newAPI  func(ctx context.Context, server *core.ServerConfig, px *core.ProxyConfig) (API, error)
}

// NewDialer creates an SES dialer.
func NewDialer(timeout time.Duration) *Dialer {
	d := &Dialer{timeout: timeout}
	d.newAPI = d.client
	return d
}

// NewDialerWithAPI creates a dialer whose sessions use api.
func NewDialerWithAPI(api API) *Dialer {
	return &Dialer{newAPI: func(context.Context, *core.ServerConfig, *core.ProxyConfig) (API, error) {
		return api, nil
	}}
}

// Name returns the transport name.
func (d *Dialer) Name() string {
	return providerName
}

// Dial builds an SES client for server.
func (d *Dialer) Dial(ctx context.Context, server *core.ServerConfig, px *core.ProxyConfig) (core.Session, error) {
	api, err := d.newAPI(ctx, server, px)
	if err != nil {
		return nil, err
	}
	return &Session{api: api, server: server}, nil
}

func (d *Dialer) client(ctx context.Context, server *core.ServerConfig, px *core.ProxyConfig) (API, error) {
	settings := server.Settings
	region := settings.Get("region")
	if region == "" {
		return nil, core.NewValidationError("region", "AWS region is required")
	}

	httpClient, err := proxy.HTTPClient(px, d.timeout)
	if err != nil {
		return nil, core.NewTransportError(providerName, core.KindTransient, 0, "proxy setup failed", err)
	}

	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithHTTPClient(httpClient),
	)
	if err != nil {
		return nil, core.NewTransportError(providerName, core.KindTransient, 0, "failed to load AWS config", err)
	}

	accessKey, secretKey := settings.Get("access_key"), settings.Get("secret_key")
	if accessKey == "" && server.Authenticated() {
		accessKey, secretKey = server.Username, server.Password
	}
	if accessKey != "" {
		if secretKey == "" {
			return nil, core.NewValidationError("secret_key", "secret key is required when access key is provided")
		}
		sessionToken := settings.Get("session_token")
		cfg.Credentials = aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
			return aws.Credentials{
				AccessKeyID:     accessKey,
				SecretAccessKey: secretKey,
				SessionToken:    sessionToken,
			}, nil
		})
	}

	return ses.NewFromConfig(cfg), nil
}

// Session sends through the SES API. It holds no connection of its own.
type Session struct {
	api    API
	server *core.ServerConfig
}

// Send renders env, envelope headers included, and sends it with
// SendRawEmail.
func (s *Session) Send(ctx context.Context, env *core.Envelope) (*core.SendResult, error) {
	raw, err := smtp.BuildMessage(env)
	if err != nil {
		return nil, core.NewTransportError(providerName, core.KindTransient, 0, "failed to build message", err)
	}
	input := &ses.SendRawEmailInput{
		Source:       aws.String(env.From.String()),
		Destinations: []string{env.To.Email},
		RawMessage:   &types.RawMessage{Data: raw},
	}

	if configSet := s.server.Settings.Get("configuration_set"); configSet != "" {
		input.ConfigurationSetName = aws.String(configSet)
	}

	start := time.Now()
	output, err := s.api.SendRawEmail(ctx, input)
	if err != nil {
		return nil, wrapError("failed to send email", err)
	}

	return &core.SendResult{
		MessageID: aws.ToString(output.MessageId),
		Server:    s.server.ID(),
		From:      env.From.Email,
		Code:      200,
		Response:  "accepted",
		Duration:  time.Since(start),
		Timestamp: time.Now(),
	}, nil
}

// Verify checks credentials and reachability with GetSendQuota.
func (s *Session) Verify(ctx context.Context) error {
	if _, err := s.api.GetSendQuota(ctx, &ses.GetSendQuotaInput{}); err != nil {
		return wrapError("verify failed", err)
	}
	return nil
}

// Close is a no-op; the SES client is connectionless.
func (s *Session) Close() error { return nil }

// Terminate is a no-op; the SES client is connectionless.
func (s *Session) Terminate() error { return nil }

func wrapError(msg string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		kind := core.KindTransient
		switch apiErr.ErrorCode() {
		case "InvalidClientTokenId", "SignatureDoesNotMatch", "AccessDenied", "AccessDeniedException",
			"UnrecognizedClientException", "IncompleteSignature", "MissingAuthenticationToken":
			kind = core.KindAuth
		}
		return core.NewTransportError(providerName, kind, 0,
			fmt.Sprintf("%s: %s: %s", msg, apiErr.ErrorCode(), apiErr.ErrorMessage()), err)
	}
	return core.NewTransportError(providerName, core.Classify(err), 0, fmt.Sprintf("%s: %v", msg, err), err)
}
