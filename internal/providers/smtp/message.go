package smtp

import (
	"bytes"
	"mime"
	"mime/quotedprintable"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lattiq/mailpool/internal/core"
)

// BuildMessage renders env in RFC 5322 format. Headers already present on the
// envelope take precedence over the defaults derived from the message.
func BuildMessage(env *core.Envelope) ([]byte, error) {
	msg := env.Message
	if msg == nil {
		msg = &core.Message{}
	}

	headers := make(map[string]string, len(env.Headers)+len(msg.Headers)+6)
	for k, v := range msg.Headers {
		headers[k] = v
	}
	for k, v := range env.Headers {
		headers[k] = v
	}
	setDefault(headers, "From", env.From.String())
	setDefault(headers, "To", env.To.String())
	setDefault(headers, "Subject", mime.QEncoding.Encode("UTF-8", msg.Subject))
	setDefault(headers, "Date", time.Now().Format(time.RFC1123Z))
	setDefault(headers, "MIME-Version", "1.0")
	if env.MessageID != "" {
		setDefault(headers, "Message-ID", env.MessageID)
	}

	var buf bytes.Buffer
	writeHeaders(&buf, headers)

	switch {
	case msg.HTMLBody != "" && msg.TextBody != "":
		boundary := "mp_" + strings.ReplaceAll(uuid.NewString(), "-", "")
		buf.WriteString("Content-Type: multipart/alternative; boundary=" + boundary + "\r\n\r\n")

		buf.WriteString("--" + boundary + "\r\n")
		if err := writePart(&buf, "text/plain", msg.TextBody); err != nil {
			return nil, err
		}
		buf.WriteString("--" + boundary + "\r\n")
		if err := writePart(&buf, "text/html", msg.HTMLBody); err != nil {
			return nil, err
		}
		buf.WriteString("--" + boundary + "--\r\n")
	case msg.HTMLBody != "":
		if err := writePart(&buf, "text/html", msg.HTMLBody); err != nil {
			return nil, err
		}
	default:
		if err := writePart(&buf, "text/plain", msg.TextBody); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

func setDefault(h map[string]string, key, value string) {
	for k := range h {
		if strings.EqualFold(k, key) {
			return
		}
	}
	if value != "" {
		h[key] = value
	}
}

func writeHeaders(buf *bytes.Buffer, h map[string]string) {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		// Header values must not smuggle extra lines.
		v := strings.NewReplacer("\r", "", "\n", "").Replace(h[k])
		buf.WriteString(k + ": " + v + "\r\n")
	}
}

func writePart(buf *bytes.Buffer, contentType, body string) error {
	buf.WriteString("Content-Type: " + contentType + "; charset=UTF-8\r\n")
	buf.WriteString("Content-Transfer-Encoding: quoted-printable\r\n\r\n")

	w := quotedprintable.NewWriter(buf)
	if _, err := w.Write([]byte(body)); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	buf.WriteString("\r\n")
	return nil
}
