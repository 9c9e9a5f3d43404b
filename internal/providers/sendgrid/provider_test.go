package sendgrid

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattiq/mailpool/internal/core"
)

func newServer(t *testing.T, status int) (*httptest.Server, *[]map[string]any) {
	t.Helper()
	var bodies []map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sg-key" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"errors":[{"message":"bad key"}]}`)
			return
		}
		switch r.URL.Path {
		case "/v3/mail/send":
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			bodies = append(bodies, body)
			w.Header().Set("X-Message-Id", "sg-msg-1")
			w.WriteHeader(status)
		case "/v3/scopes":
			_, _ = io.WriteString(w, `{"scopes":["mail.send"]}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(ts.Close)
	return ts, &bodies
}

func server(baseURL, key string) *core.ServerConfig {
	return &core.ServerConfig{
		Host:      "smtp.sendgrid.net",
		Port:      443,
		From:      []string{"sender@example.com"},
		Transport: core.TransportSendGrid,
		Settings:  core.ProviderSettings{"api_key": key, "base_url": baseURL},
	}
}

func envelope() *core.Envelope {
	return &core.Envelope{
		From:    core.Address{Name: "Sender", Email: "sender@example.com"},
		To:      core.Address{Email: "rcpt@example.org"},
		Headers: map[string]string{"X-Mailer": "mailpool", "Subject": "ignored"},
		Message: &core.Message{Subject: "Hi", TextBody: "text"},
	}
}

func TestSessionSend(t *testing.T) {
	ts, bodies := newServer(t, http.StatusAccepted)

	sess, err := NewDialer(time.Second).Dial(context.Background(), server(ts.URL, "sg-key"), nil)
	require.NoError(t, err)

	res, err := sess.Send(context.Background(), envelope())
	require.NoError(t, err)
	assert.Equal(t, "sg-msg-1", res.MessageID)
	assert.Equal(t, http.StatusAccepted, res.Code)

	require.Len(t, *bodies, 1)
	body := (*bodies)[0]
	assert.Equal(t, "Hi", body["subject"])
	headers, _ := body["headers"].(map[string]any)
	assert.Equal(t, "mailpool", headers["X-Mailer"])
	assert.NotContains(t, headers, "Subject")

	require.NoError(t, sess.Verify(context.Background()))
}

func TestSessionSendUnauthorized(t *testing.T) {
	ts, _ := newServer(t, http.StatusAccepted)

	sess, err := NewDialer(time.Second).Dial(context.Background(), server(ts.URL, "wrong"), nil)
	require.NoError(t, err)

	_, err = sess.Send(context.Background(), envelope())
	require.Error(t, err)
	assert.Equal(t, core.KindAuth, core.Classify(err))
	assert.True(t, core.IsTerminal(err))

	require.Error(t, sess.Verify(context.Background()))
}

func TestSessionSendServerError(t *testing.T) {
	ts, _ := newServer(t, http.StatusServiceUnavailable)

	sess, err := NewDialer(time.Second).Dial(context.Background(), server(ts.URL, "sg-key"), nil)
	require.NoError(t, err)

	_, err = sess.Send(context.Background(), envelope())
	var te *core.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusServiceUnavailable, te.Code)
	assert.True(t, te.Retryable())
}

func TestDialRequiresKey(t *testing.T) {
	_, err := NewDialer(time.Second).Dial(context.Background(), server("", ""), nil)
	var ve *core.ValidationError
	require.ErrorAs(t, err, &ve)
}
