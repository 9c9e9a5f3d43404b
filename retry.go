package mailpool

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"
)

// RetryManager handles caller-side retries of failed sends. Besides bounding
// attempts it enforces a wall-clock ceiling per key, so a recipient retried
// across several calls still gives up once MaxElapsed has passed since its
// first attempt.
type RetryManager struct {
	config RetryConfig
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	started map[string]time.Time
}

// NewRetryManager creates a new retry manager with the given configuration.
func NewRetryManager(config RetryConfig) *RetryManager {
	return &RetryManager{
		config:  config,
		logger:  zap.NewNop(),
		now:     time.Now,
		started: make(map[string]time.Time),
	}
}

// Retry executes fn with retry logic. Terminal errors stop immediately.
func (r *RetryManager) Retry(ctx context.Context, key string, fn func() error) error {
	if !r.config.Enabled {
		return fn()
	}

	r.begin(key)
	err := retry.Do(
		func() error {
			if r.expired(key) {
				return retry.Unrecoverable(fmt.Errorf("%w: %s", ErrRetryWindowExceeded, key))
			}
			return fn()
		},
		retry.Context(ctx),
		retry.Attempts(uint(r.config.MaxAttempts)),
		retry.DelayType(r.delay),
		retry.MaxDelay(r.config.MaxDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(IsRetryable),
		retry.OnRetry(func(n uint, err error) {
			r.logger.Debug("retrying send",
				zap.String("key", key),
				zap.Uint("attempt", n+1),
				zap.Error(err))
		}),
	)
	if err == nil || !IsRetryable(err) {
		r.forget(key)
	}
	return err
}

// Elapsed returns the time since the first tracked attempt for key.
func (r *RetryManager) Elapsed(key string) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	start, ok := r.started[key]
	if !ok {
		return 0
	}
	return r.now().Sub(start)
}

func (r *RetryManager) begin(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if _, ok := r.started[key]; !ok {
		r.started[key] = now
	}
	if r.config.MaxElapsed <= 0 {
		return
	}
	for k, t := range r.started {
		if k != key && now.Sub(t) > 2*r.config.MaxElapsed {
			delete(r.started, k)
		}
	}
}

func (r *RetryManager) expired(key string) bool {
	if r.config.MaxElapsed <= 0 {
		return false
	}
	return r.Elapsed(key) > r.config.MaxElapsed
}

func (r *RetryManager) forget(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.started, key)
}

// delay calculates the wait before retry n+1.
func (r *RetryManager) delay(n uint, err error, _ *retry.Config) time.Duration {
	if retryAfter := GetRetryAfter(err); retryAfter > 0 {
		return retryAfter
	}

	delay := time.Duration(float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(n)))
	if r.config.MaxDelay > 0 && delay > r.config.MaxDelay {
		delay = r.config.MaxDelay
	}

	// Add up to 10% jitter.
	if r.config.Jitter {
		if maxJitter := int64(float64(delay) * 0.1); maxJitter > 0 {
			if j, err := rand.Int(rand.Reader, big.NewInt(maxJitter)); err == nil {
				delay += time.Duration(j.Int64())
			}
		}
	}
	return delay
}
