package mailpool

import (
	"context"
)

// Public interfaces for the mailpool library
type (
	// Dispatcher defines the message dispatch interface.
	// All methods are safe for concurrent use.
	Dispatcher interface {
		// Send sends msg to one recipient through a selected server.
		// senderName optionally overrides the server's display name.
		Send(ctx context.Context, msg *Message, recipient string, senderName ...string) (*SendResult, error)

		// SendWithRetry is Send under the configured retry policy.
		SendWithRetry(ctx context.Context, msg *Message, recipient string, senderName ...string) (*SendResult, error)

		// SendBatch sends msg to every recipient with bounded concurrency.
		// If any send fails, the operation continues and returns a BatchError.
		SendBatch(ctx context.Context, msg *Message, recipients []string, senderName ...string) ([]*SendResult, error)

		// ConnectionStats returns session and verification counters.
		ConnectionStats() ConnectionStats

		// CoordinationStatus returns per-server rate and health state.
		CoordinationStatus() CoordinationStatus

		// Close releases all sessions and background work.
		// After calling Close, the dispatcher should not be used.
		Close() error
	}
)

var _ Dispatcher = (*Coordinator)(nil)
