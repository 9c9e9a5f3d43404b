// Package lock provides a fair, timeout-bounded mutual-exclusion primitive.
//
// Unlike sync.Mutex, waiters are granted the lock strictly in arrival order and
// every acquisition is bounded by a timeout, so a holder that never releases
// surfaces as ErrAcquireTimeout instead of a deadlock.
package lock

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"
)

// DefaultTimeout is used when Acquire is called with a non-positive timeout.
const DefaultTimeout = 30 * time.Second

// ErrAcquireTimeout is returned when the lock could not be obtained in time.
var ErrAcquireTimeout = errors.New("lock acquire timeout")

// Mutex is a FIFO mutex. The zero value is an unlocked mutex that uses
// DefaultTimeout.
type Mutex struct {
	mu      sync.Mutex
	locked  bool
	waiters list.List // of chan struct{}
	timeout time.Duration
}

// New creates a mutex with the given default acquire timeout.
func New(timeout time.Duration) *Mutex {
	return &Mutex{timeout: timeout}
}

// Acquire blocks until the lock is held or the timeout elapses.
// A non-positive timeout falls back to the mutex default.
func (m *Mutex) Acquire(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = m.defaultTimeout()
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := m.AcquireContext(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrAcquireTimeout
	}
	return err
}

// AcquireContext blocks until the lock is held or ctx is done. If ctx carries
// no deadline the mutex default timeout applies.
func (m *Mutex) AcquireContext(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.defaultTimeout())
		defer cancel()
	}

	m.mu.Lock()
	if !m.locked {
		m.locked = true
		m.mu.Unlock()
		return nil
	}
	ready := make(chan struct{})
	elem := m.waiters.PushBack(ready)
	m.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Release may have handed us the lock between ctx firing and re-locking.
	select {
	case <-ready:
		return nil
	default:
	}
	m.waiters.Remove(elem)

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrAcquireTimeout
	}
	return ctx.Err()
}

// Release hands the lock to the longest-waiting acquirer, or frees it.
// Releasing an unlocked mutex panics, as with sync.Mutex.
func (m *Mutex) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.locked {
		panic("lock: release of unlocked mutex")
	}

	front := m.waiters.Front()
	if front == nil {
		m.locked = false
		return
	}
	m.waiters.Remove(front)
	close(front.Value.(chan struct{}))
}

// WithLock runs fn while holding the lock.
func (m *Mutex) WithLock(timeout time.Duration, fn func() error) error {
	if err := m.Acquire(timeout); err != nil {
		return err
	}
	defer m.Release()
	return fn()
}

func (m *Mutex) defaultTimeout() time.Duration {
	if m.timeout > 0 {
		return m.timeout
	}
	return DefaultTimeout
}
