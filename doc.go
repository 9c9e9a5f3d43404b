// Package mailpool dispatches outbound messages through a pool of delivery
// servers.
//
// A Coordinator owns the configured servers. For each send it picks a server
// under the configured rotation strategy, skipping servers that are unhealthy
// or have hit their per-minute ceiling, takes a pooled session to it (through
// a rotated proxy when proxies are configured) and transmits. Failures roll
// the rate counter back, count against the server's health and schedule an
// out-of-band verification. Retry policy belongs to the caller; SendWithRetry
// and SendBatch provide one.
//
// # Basic Usage
//
//	cfg := mailpool.DefaultConfig()
//	cfg.Servers = []mailpool.ServerConfig{
//		{Host: "smtp-1.example.com", Port: 587, Username: "u", Password: "p",
//			From: []string{"news@example.com"}},
//		{Host: "smtp-2.example.com", Port: 465, Secure: true,
//			From: []string{"news@example.com"}},
//	}
//
//	c, err := mailpool.New(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer c.Close()
//
//	msg := &mailpool.Message{Subject: "Hello", TextBody: "Hi there"}
//	res, err := c.Send(ctx, msg, "user@example.org")
//
// # Transports
//
//   - SMTP (implicit TLS, STARTTLS or plain, SASL PLAIN, SOCKS5/HTTP proxies)
//   - AWS SES
//   - SendGrid
//   - Mailgun
//
// # Concurrency
//
// Every shared table (rate state, health, rotation, sessions) has its own
// FIFO lock with an acquire timeout. No lock is held across a network call,
// so sends to different servers proceed in parallel.
package mailpool
