package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"syscall"
)

// ErrorKind classifies transport failures by how the coordinator reacts.
type ErrorKind int

const (
	// KindNone means no error.
	KindNone ErrorKind = iota
	// KindTransient is a retryable failure.
	KindTransient
	// KindTimeout is a network or protocol timeout. Retryable.
	KindTimeout
	// KindAuth is an authentication failure. Terminal.
	KindAuth
	// KindConnectionRefused means the server actively refused the connection. Terminal.
	KindConnectionRefused
	// KindHostNotFound means the server name did not resolve. Terminal.
	KindHostNotFound
)

// String returns the kind name used in logs and errors.
func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindTransient:
		return "transient"
	case KindTimeout:
		return "timeout"
	case KindAuth:
		return "auth"
	case KindConnectionRefused:
		return "connection_refused"
	case KindHostNotFound:
		return "host_not_found"
	default:
		return "unknown"
	}
}

// Terminal reports whether failures of this kind must not be retried.
func (k ErrorKind) Terminal() bool {
	switch k {
	case KindAuth, KindConnectionRefused, KindHostNotFound:
		return true
	default:
		return false
	}
}

// Serious reports whether a session that failed this way must be discarded.
func (k ErrorKind) Serious() bool {
	return k.Terminal() || k == KindTimeout
}

// TransportError is returned by sessions and dialers.
type TransportError struct {
	// Provider is the transport that produced the error.
	Provider string

	// Kind classifies the failure.
	Kind ErrorKind

	// Code is the transport response or HTTP status code, if any.
	Code int

	// Message is the error message from the transport.
	Message string

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("transport %s error [%s] (code: %d): %s", e.Provider, e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("transport %s error [%s]: %s", e.Provider, e.Kind, e.Message)
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the failure may be retried.
func (e *TransportError) Retryable() bool {
	return !e.Kind.Terminal()
}

// NewTransportError creates a transport error.
func NewTransportError(provider string, kind ErrorKind, code int, message string, cause error) *TransportError {
	return &TransportError{
		Provider: provider,
		Kind:     kind,
		Code:     code,
		Message:  message,
		Cause:    cause,
	}
}

// Classify determines the kind of err. Errors that carry a TransportError keep
// its kind; others are inspected for network, DNS and timeout conditions.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindNone
	}

	var te *TransportError
	if errors.As(err, &te) && te.Kind != KindNone {
		if te.Kind == KindTransient && te.Cause != nil {
			// A generic wrapper may hide a more specific network cause.
			if k := classifyNetwork(te.Cause); k != KindTransient {
				return k
			}
		}
		return te.Kind
	}

	return classifyNetwork(err)
}

func classifyNetwork(err error) ErrorKind {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return KindHostNotFound
		}
		if dnsErr.IsTimeout {
			return KindTimeout
		}
		return KindTransient
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return KindConnectionRefused
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"):
		return KindConnectionRefused
	case strings.Contains(msg, "no such host"), strings.Contains(msg, "host not found"):
		return KindHostNotFound
	case strings.Contains(msg, "authentication failed"), strings.Contains(msg, "invalid credentials"):
		return KindAuth
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return KindTimeout
	}
	return KindTransient
}

// IsTerminal reports whether err must not be retried.
func IsTerminal(err error) bool {
	return Classify(err).Terminal()
}

// IsSerious reports whether a session that returned err must be discarded.
func IsSerious(err error) bool {
	return Classify(err).Serious()
}
