package providers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattiq/mailpool/internal/core"
)

type stubDialer struct {
	name  string
	calls int
}

func (s *stubDialer) Name() string { return s.name }

func (s *stubDialer) Dial(context.Context, *core.ServerConfig, *core.ProxyConfig) (core.Session, error) {
	s.calls++
	return nil, nil
}

func TestRouterDispatch(t *testing.T) {
	r := NewRouter(Timeouts{Connection: time.Second, Socket: time.Second})
	smtpStub := &stubDialer{name: core.TransportSMTP}
	sesStub := &stubDialer{name: core.TransportSES}
	r.Register(smtpStub)
	r.Register(sesStub)

	_, err := r.Dial(context.Background(), &core.ServerConfig{Host: "h", Port: 25}, nil)
	require.NoError(t, err)
	_, err = r.Dial(context.Background(), &core.ServerConfig{Host: "h", Transport: "AWS_SES"}, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, smtpStub.calls)
	assert.Equal(t, 1, sesStub.calls)
}

func TestRouterUnknownTransport(t *testing.T) {
	r := NewRouter(Timeouts{})
	_, err := r.Dial(context.Background(), &core.ServerConfig{Host: "h", Transport: "pigeon"}, nil)

	var ve *core.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "transport", ve.Field)
}
