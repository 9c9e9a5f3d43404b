package mailpool

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lattiq/mailpool/internal/lock"
)

const (
	unhealthyThreshold = 3
	responseSamples    = 10
)

// serverHealth is one server's health record.
type serverHealth struct {
	mu lock.Mutex

	consecutiveFailures int
	lastSuccess         time.Time
	lastFailure         time.Time
	lastCheck           time.Time
	healthy             bool
	checking            bool

	responseTimes [responseSamples]time.Duration
	samples       int
	next          int

	limiter *rate.Limiter
}

func (h *serverHealth) averageLocked() time.Duration {
	if h.samples == 0 {
		return 0
	}
	var total time.Duration
	for i := 0; i < h.samples; i++ {
		total += h.responseTimes[i]
	}
	return total / time.Duration(h.samples)
}

func (c *Coordinator) healthState(st *serverState) (healthy bool, failures int, err error) {
	h := &st.health
	if err := h.mu.Acquire(c.config.Timeouts.Lock); err != nil {
		return false, 0, err
	}
	defer h.mu.Release()
	return h.healthy, h.consecutiveFailures, nil
}

// recordSuccess marks st healthy and records a response time sample.
func (c *Coordinator) recordSuccess(st *serverState, took time.Duration) {
	h := &st.health
	if err := h.mu.Acquire(c.config.Timeouts.Lock); err != nil {
		c.logger.Warn("health update skipped", zap.String("server", st.cfg.ID()), zap.Error(err))
		return
	}
	defer h.mu.Release()

	if !h.healthy {
		c.logger.Info("server recovered", zap.String("server", st.cfg.ID()))
	}
	h.healthy = true
	h.consecutiveFailures = 0
	h.lastSuccess = c.now()

	h.responseTimes[h.next] = took
	h.next = (h.next + 1) % responseSamples
	if h.samples < responseSamples {
		h.samples++
	}
}

// recordFailure counts a failed send; the third consecutive one marks st
// unhealthy.
func (c *Coordinator) recordFailure(st *serverState, cause error) {
	h := &st.health
	if err := h.mu.Acquire(c.config.Timeouts.Lock); err != nil {
		c.logger.Warn("health update skipped", zap.String("server", st.cfg.ID()), zap.Error(err))
		return
	}
	defer h.mu.Release()

	h.consecutiveFailures++
	h.lastFailure = c.now()
	if h.healthy && h.consecutiveFailures >= unhealthyThreshold {
		h.healthy = false
		c.logger.Warn("server marked unhealthy",
			zap.String("server", st.cfg.ID()),
			zap.Int("consecutive_failures", h.consecutiveFailures),
			zap.Error(cause))
	}
}

// scheduleVerification starts a background verification of st unless one is
// already running or the last one was too recent.
func (c *Coordinator) scheduleVerification(st *serverState, reason string) {
	if c.closed.Load() {
		return
	}
	h := &st.health
	if err := h.mu.Acquire(c.config.Timeouts.Lock); err != nil {
		return
	}
	if h.checking || !h.limiter.AllowN(c.now(), 1) {
		h.mu.Release()
		return
	}
	h.checking = true
	h.mu.Release()

	started := c.spawn(func() {
		defer c.clearChecking(st)
		ctx, cancel := context.WithTimeout(context.Background(), c.config.HealthCheck.Timeout)
		defer cancel()
		c.logger.Debug("verifying server", zap.String("server", st.cfg.ID()), zap.String("reason", reason))
		_ = c.verify(ctx, st)
	})
	if !started {
		c.clearChecking(st)
	}
}

// verify opens a dedicated session to st and checks it, racing against ctx.
// The outcome updates st's health; a failure is counted and logged only.
func (c *Coordinator) verify(ctx context.Context, st *serverState) error {
	px, err := c.nextProxy()
	if err != nil {
		c.finishVerification(st, err)
		return err
	}

	done := make(chan error, 1)
	go func() {
		sess, err := c.dialer.Dial(ctx, st.cfg, px)
		if err != nil {
			done <- err
			return
		}
		err = sess.Verify(ctx)
		if cerr := sess.Close(); cerr != nil {
			_ = sess.Terminate()
		}
		done <- err
	}()

	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	c.finishVerification(st, err)
	return err
}

func (c *Coordinator) clearChecking(st *serverState) {
	h := &st.health
	if err := h.mu.Acquire(c.config.Timeouts.Lock); err != nil {
		return
	}
	h.checking = false
	h.mu.Release()
}

func (c *Coordinator) finishVerification(st *serverState, verr error) {
	h := &st.health
	if err := h.mu.Acquire(c.config.Timeouts.Lock); err != nil {
		return
	}
	defer h.mu.Release()

	h.lastCheck = c.now()
	if verr == nil {
		if !h.healthy {
			c.logger.Info("server recovered after verification", zap.String("server", st.cfg.ID()))
		}
		h.healthy = true
		h.consecutiveFailures = 0
		return
	}
	c.verificationsFailed.Add(1)
	c.logger.Warn("server verification failed",
		zap.String("server", st.cfg.ID()),
		zap.Error(verr))
}

// VerifyResult is the outcome of verifying one server.
type VerifyResult struct {
	Server  string `json:"server"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// VerifyAll verifies every server now, bypassing the verification throttle,
// and returns the results in server order.
func (c *Coordinator) VerifyAll(ctx context.Context) []VerifyResult {
	reg := c.reg.Load()
	results := make([]VerifyResult, len(reg.servers))

	var wg sync.WaitGroup
	for i, st := range reg.servers {
		wg.Add(1)
		go func(i int, st *serverState) {
			defer wg.Done()
			vctx, cancel := context.WithTimeout(ctx, c.config.HealthCheck.Timeout)
			defer cancel()

			err := c.verify(vctx, st)
			results[i] = VerifyResult{Server: st.cfg.ID(), Healthy: err == nil}
			if err != nil {
				results[i].Error = err.Error()
			}
		}(i, st)
	}
	wg.Wait()
	return results
}
