package headers

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	r := NewRegistry()

	tests := []struct {
		host string
		want Kind
	}{
		{"smtp.gmail.com", Gmail},
		{"SMTP.Office365.com.", Outlook},
		{"smtp.mail.yahoo.com", Yahoo},
		{"smtp.zoho.eu", Zoho},
		{"email-smtp.us-east-1.amazonaws.com", AmazonSES},
		{"smtp.sendgrid.net", SendGrid},
		{"smtp.mailgun.org", Mailgun},
		{"mail.example.com", Generic},
		{"notgmail.com", Generic},
		{"", Generic},
	}

	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			assert.Equal(t, tt.want, r.Classify(tt.host))
		})
	}
}

func TestRegisterCustomProfile(t *testing.T) {
	r := NewRegistry()
	r.Register(ProfileFunc{K: Kind(100), Fn: func(m Meta) map[string]string {
		return map[string]string{"X-Custom": m.Host}
	}}, "relay.internal")

	assert.Equal(t, Kind(100), r.Classify("mx1.relay.internal"))
	assert.Equal(t, map[string]string{"X-Custom": "mx1.relay.internal"}, r.Build(Meta{Host: "mx1.relay.internal"}))
}

func TestLongestSuffixWins(t *testing.T) {
	r := NewRegistry()
	r.Register(withExtras(Kind(101), nil), "eu.mailgun.org")

	assert.Equal(t, Kind(101), r.Classify("smtp.eu.mailgun.org"))
	assert.Equal(t, Mailgun, r.Classify("smtp.mailgun.org"))
}

func TestBuildHeaders(t *testing.T) {
	r := NewRegistry()
	date := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	h := r.Build(Meta{
		Host:         "smtp.sendgrid.net",
		From:         "news@example.com",
		FromName:     "Example News",
		To:           "user@example.org",
		Subject:      "Hello",
		ConnectionID: "conn-1",
		Mailer:       "mailpool/1.0.0",
		Date:         date,
	})

	assert.Equal(t, date.Format(time.RFC1123Z), h["Date"])
	assert.Equal(t, "1.0", h["MIME-Version"])
	assert.Equal(t, `"Example News" <news@example.com>`, h["From"])
	assert.Equal(t, "user@example.org", h["To"])
	assert.Equal(t, "Hello", h["Subject"])
	assert.Equal(t, "mailpool/1.0.0", h["X-Mailer"])
	assert.Equal(t, "conn-1", h["X-Connection-ID"])
	assert.Contains(t, h, "X-SMTPAPI")

	id := h["Message-ID"]
	require.True(t, strings.HasPrefix(id, "<"))
	assert.True(t, strings.HasSuffix(id, "@example.com>"))
}

func TestMessageIDUnique(t *testing.T) {
	a, b := MessageID("example.com"), MessageID("example.com")
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasSuffix(MessageID(""), "@localhost>"))
}

func TestFormatAddressNormalizes(t *testing.T) {
	// "e" followed by a combining acute accent composes to U+00E9 under NFC.
	decomposed := "Jose\u0301"
	composed := "Jos\u00e9"

	assert.Equal(t, FormatAddress(composed, "j@example.com"), FormatAddress(decomposed, "j@example.com"))
	assert.Contains(t, FormatAddress(composed, "j@example.com"), "=?utf-8?q?")
	assert.Equal(t, "j@example.com", FormatAddress("  ", "j@example.com"))
}
