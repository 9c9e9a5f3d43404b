// Package headers generates per-provider message headers from connection
// metadata.
//
// Each delivery provider is a Profile. Profiles are registered against
// hostname suffixes and a Registry picks one for a server host; unknown
// hosts get the generic profile.
package headers

import (
	"fmt"
	"mime"
	"net/mail"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

// Kind identifies a provider profile.
type Kind int

const (
	Generic Kind = iota
	Gmail
	Outlook
	Yahoo
	Zoho
	AmazonSES
	SendGrid
	Mailgun
)

var kindNames = map[Kind]string{
	Generic:   "generic",
	Gmail:     "gmail",
	Outlook:   "outlook",
	Yahoo:     "yahoo",
	Zoho:      "zoho",
	AmazonSES: "amazon_ses",
	SendGrid:  "sendgrid",
	Mailgun:   "mailgun",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Meta is the connection metadata headers are derived from.
type Meta struct {
	Host         string
	From         string
	FromName     string
	To           string
	Subject      string
	ConnectionID string
	Mailer       string
	Date         time.Time
}

// Profile supplies the header set for one provider.
type Profile interface {
	Kind() Kind
	Headers(m Meta) map[string]string
}

// ProfileFunc adapts a function to a Profile.
type ProfileFunc struct {
	K  Kind
	Fn func(m Meta) map[string]string
}

func (p ProfileFunc) Kind() Kind                       { return p.K }
func (p ProfileFunc) Headers(m Meta) map[string]string { return p.Fn(m) }

// Registry maps hostname suffixes to profiles.
type Registry struct {
	mu       sync.RWMutex
	suffixes []suffixRule
	profiles map[Kind]Profile
}

type suffixRule struct {
	suffix string
	kind   Kind
}

// NewRegistry returns a registry preloaded with the built-in profiles.
func NewRegistry() *Registry {
	r := &Registry{profiles: make(map[Kind]Profile)}

	r.Register(genericProfile(), "")
	r.Register(withExtras(Gmail, nil), "gmail.com", "googlemail.com", "google.com")
	r.Register(withExtras(Outlook, map[string]string{
		"X-MS-Exchange-Organization-AuthAs": "Internal",
	}), "outlook.com", "office365.com", "hotmail.com", "live.com")
	r.Register(withExtras(Yahoo, nil), "yahoo.com", "mail.yahoo.com")
	r.Register(withExtras(Zoho, nil), "zoho.com", "zoho.eu", "zohomail.com")
	r.Register(withExtras(AmazonSES, nil), "amazonaws.com", "amazonses.com")
	r.Register(ProfileFunc{K: SendGrid, Fn: func(m Meta) map[string]string {
		h := base(m)
		h["X-SMTPAPI"] = `{"category":["mailpool"]}`
		return h
	}}, "sendgrid.net", "sendgrid.com")
	r.Register(ProfileFunc{K: Mailgun, Fn: func(m Meta) map[string]string {
		h := base(m)
		h["X-Mailgun-Track"] = "no"
		return h
	}}, "mailgun.org", "mailgun.net")

	return r
}

// Register adds p and routes the given host suffixes to it. A profile
// registered again replaces the previous one.
func (r *Registry) Register(p Profile, suffixes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.profiles[p.Kind()] = p
	for _, s := range suffixes {
		s = strings.ToLower(strings.Trim(s, ". "))
		if s == "" {
			continue
		}
		r.suffixes = append(r.suffixes, suffixRule{suffix: s, kind: p.Kind()})
	}
	// Longest suffix wins.
	sort.SliceStable(r.suffixes, func(i, j int) bool {
		return len(r.suffixes[i].suffix) > len(r.suffixes[j].suffix)
	})
}

// Classify returns the profile kind for a server host.
func (r *Registry) Classify(host string) Kind {
	host = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(host), "."))

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, rule := range r.suffixes {
		if host == rule.suffix || strings.HasSuffix(host, "."+rule.suffix) {
			return rule.kind
		}
	}
	return Generic
}

// Profile returns the profile for a server host.
func (r *Registry) Profile(host string) Profile {
	k := r.Classify(host)

	r.mu.RLock()
	defer r.mu.RUnlock()

	if p, ok := r.profiles[k]; ok {
		return p
	}
	return r.profiles[Generic]
}

// Build returns the headers for m using the profile matching m.Host.
func (r *Registry) Build(m Meta) map[string]string {
	return r.Profile(m.Host).Headers(m)
}

func genericProfile() Profile {
	return ProfileFunc{K: Generic, Fn: base}
}

func withExtras(k Kind, extras map[string]string) Profile {
	return ProfileFunc{K: k, Fn: func(m Meta) map[string]string {
		h := base(m)
		for key, v := range extras {
			h[key] = v
		}
		return h
	}}
}

func base(m Meta) map[string]string {
	date := m.Date
	if date.IsZero() {
		date = time.Now()
	}
	h := map[string]string{
		"Date":         date.Format(time.RFC1123Z),
		"MIME-Version": "1.0",
		"Message-ID":   MessageID(domainOf(m.From, m.Host)),
	}
	if m.From != "" {
		h["From"] = FormatAddress(m.FromName, m.From)
	}
	if m.To != "" {
		h["To"] = m.To
	}
	if m.Subject != "" {
		h["Subject"] = mime.QEncoding.Encode("UTF-8", m.Subject)
	}
	if m.Mailer != "" {
		h["X-Mailer"] = m.Mailer
	}
	if m.ConnectionID != "" {
		h["X-Connection-ID"] = m.ConnectionID
	}
	return h
}

// MessageID returns a new <uuid@domain> message identifier.
func MessageID(domain string) string {
	if domain == "" {
		domain = "localhost"
	}
	return "<" + uuid.NewString() + "@" + domain + ">"
}

// FormatAddress renders a display name and address, normalizing the name to
// NFC and Q-encoding it when it is not plain ASCII.
func FormatAddress(name, addr string) string {
	name = strings.TrimSpace(norm.NFC.String(name))
	if name == "" {
		return addr
	}
	return (&mail.Address{Name: name, Address: addr}).String()
}

func domainOf(addr, fallback string) string {
	if i := strings.LastIndexByte(addr, '@'); i >= 0 && i < len(addr)-1 {
		return addr[i+1:]
	}
	return fallback
}
