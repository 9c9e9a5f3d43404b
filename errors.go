package mailpool

import (
	"errors"
	"fmt"
	"time"

	"github.com/lattiq/mailpool/internal/core"
	"github.com/lattiq/mailpool/internal/lock"
)

// Predefined sentinel errors for common cases.
var (
	// ErrInvalidAddress indicates a malformed recipient address.
	ErrInvalidAddress = errors.New("invalid email address")

	// ErrNoAvailableServers indicates no healthy server could be selected.
	ErrNoAvailableServers = errors.New("no available servers")

	// ErrRateLimitExceeded indicates every attempt to find a server under its
	// ceiling failed.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrAuthenticationFailed indicates the server rejected the credentials.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrConnectionRefused indicates the server refused the connection.
	ErrConnectionRefused = errors.New("connection refused")

	// ErrHostNotFound indicates the server host did not resolve.
	ErrHostNotFound = errors.New("host not found")

	// ErrTransientTransport indicates a retryable transport failure.
	ErrTransientTransport = errors.New("transient transport error")

	// ErrAcquireTimeout indicates a state lock could not be acquired in time.
	ErrAcquireTimeout = lock.ErrAcquireTimeout

	// ErrCoordinatorClosed indicates the coordinator has been closed.
	ErrCoordinatorClosed = errors.New("coordinator closed")

	// ErrInvalidConfiguration indicates invalid configuration.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrNoValidServers indicates no configured server has a host and a valid
	// sender address.
	ErrNoValidServers = errors.New("no valid servers configured")

	// ErrRetryWindowExceeded indicates a recipient's retry window has elapsed.
	ErrRetryWindowExceeded = errors.New("retry window exceeded")
)

// SendError is returned by Send when the transport failed.
type SendError struct {
	// Server is the ID of the server the send was attempted on.
	Server string

	// Recipient is the recipient address.
	Recipient string

	// Kind classifies the failure.
	Kind ErrorKind

	// Code is the transport response code, if any.
	Code int

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *SendError) Error() string {
	return fmt.Sprintf("send to %s via %s failed (%s): %v", e.Recipient, e.Server, e.Kind, e.Cause)
}

// Unwrap returns the underlying error.
func (e *SendError) Unwrap() error {
	return e.Cause
}

// Is maps the failure kind to the package sentinels.
func (e *SendError) Is(target error) bool {
	switch target {
	case ErrAuthenticationFailed:
		return e.Kind == core.KindAuth
	case ErrConnectionRefused:
		return e.Kind == core.KindConnectionRefused
	case ErrHostNotFound:
		return e.Kind == core.KindHostNotFound
	case ErrTransientTransport:
		return !e.Kind.Terminal()
	}
	return false
}

// Terminal reports whether the send must not be retried.
func (e *SendError) Terminal() bool {
	return e.Kind.Terminal()
}

// Retryable reports whether the caller may retry the send.
func (e *SendError) Retryable() bool {
	return !e.Kind.Terminal()
}

func newSendError(server, recipient string, err error) *SendError {
	se := &SendError{
		Server:    server,
		Recipient: recipient,
		Kind:      core.Classify(err),
		Cause:     err,
	}
	var te *core.TransportError
	if errors.As(err, &te) {
		se.Code = te.Code
	}
	return se
}

// RateLimitError represents a rate limiting error with retry information.
type RateLimitError struct {
	// Message is the error message.
	Message string

	// RetryAfterDuration indicates when the operation can be retried.
	RetryAfterDuration time.Duration

	// Attempts is the number of selection attempts made.
	Attempts int
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: %s (retry after %v)", e.Message, e.RetryAfterDuration)
}

// Is matches ErrRateLimitExceeded.
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimitExceeded
}

// RetryAfter returns the suggested wait.
func (e *RateLimitError) RetryAfter() time.Duration {
	return e.RetryAfterDuration
}

// BatchError represents errors that occurred during batch operations.
type BatchError struct {
	// Message is the overall error message.
	Message string

	// Errors contains individual errors for each failed item.
	Errors []BatchItemError

	// Total is the total number of items in the batch.
	Total int

	// Failed is the number of items that failed.
	Failed int
}

// Error implements the error interface.
func (e *BatchError) Error() string {
	return fmt.Sprintf("batch error: %s (%d/%d failed)", e.Message, e.Failed, e.Total)
}

// BatchItemError represents an error for a specific item in a batch.
type BatchItemError struct {
	// Index is the position of the item in the batch.
	Index int

	// Recipient is the recipient of the failed item.
	Recipient string

	// Error is the error that occurred for this item.
	Error error
}

// RetryableError interface indicates whether an error can be retried.
type RetryableError interface {
	Retryable() bool
}

// IsRetryable reports whether err may be retried by the caller. Validation,
// terminal transport and closed-coordinator errors are not retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ve *ValidationError
	switch {
	case errors.As(err, &ve),
		errors.Is(err, ErrInvalidAddress),
		errors.Is(err, ErrCoordinatorClosed),
		errors.Is(err, ErrRetryWindowExceeded):
		return false
	}
	var re RetryableError
	if errors.As(err, &re) {
		return re.Retryable()
	}
	return !core.IsTerminal(err)
}

// IsTerminal reports whether err is a terminal transport failure.
func IsTerminal(err error) bool {
	var se *SendError
	if errors.As(err, &se) {
		return se.Terminal()
	}
	return core.IsTerminal(err)
}

// GetRetryAfter returns the wait suggested by a rate limit error, or zero.
func GetRetryAfter(err error) time.Duration {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfterDuration
	}
	return 0
}
