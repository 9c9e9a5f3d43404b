package mailpool

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lattiq/mailpool/internal/lock"
)

// Rate check outcomes.
const (
	reasonCooldown  = "cooldown"
	reasonRateLimit = "rate_limit_exceeded"
)

// rateState is one server's window counter and cooldown.
type rateState struct {
	mu lock.Mutex

	sentThisWindow       int
	windowStart          time.Time
	coolingDown          bool
	cooldownStart        time.Time
	cooldownDuration     time.Duration
	perMinute            int
	consecutiveLimitHits int

	timer      *time.Timer
	generation uint64
}

// rateCheck is the result of checkRateLimit.
type rateCheck struct {
	Allowed bool
	Wait    time.Duration
	Reason  string
}

// refreshLocked applies the lazy transitions: an elapsed cooldown ends and
// an elapsed window resets.
func (c *Coordinator) refreshLocked(r *rateState, now time.Time) {
	if r.coolingDown && now.Sub(r.cooldownStart) >= r.cooldownDuration {
		c.endCooldownLocked(r, now)
	}
	if now.Sub(r.windowStart) >= c.config.RateLimit.Window {
		if r.sentThisWindow < r.perMinute {
			r.consecutiveLimitHits = 0
		}
		r.sentThisWindow = 0
		r.windowStart = now
	}
}

func (c *Coordinator) endCooldownLocked(r *rateState, now time.Time) {
	r.coolingDown = false
	r.sentThisWindow = 0
	r.windowStart = now
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// checkRateLimit reports whether st may take another send now.
func (c *Coordinator) checkRateLimit(st *serverState) (rateCheck, error) {
	if !c.config.RateLimit.Enabled {
		return rateCheck{Allowed: true}, nil
	}
	r := &st.rate
	if err := r.mu.Acquire(c.config.Timeouts.Lock); err != nil {
		return rateCheck{}, err
	}
	defer r.mu.Release()

	now := c.now()
	c.refreshLocked(r, now)

	if r.coolingDown {
		return rateCheck{Wait: r.cooldownDuration - now.Sub(r.cooldownStart), Reason: reasonCooldown}, nil
	}
	if r.sentThisWindow >= r.perMinute {
		return rateCheck{Wait: c.config.RateLimit.Window - now.Sub(r.windowStart), Reason: reasonRateLimit}, nil
	}
	return rateCheck{Allowed: true}, nil
}

// incrementRateLimit takes one slot in st's window. It refuses when the
// window is already full, so the counter never exceeds the ceiling even when
// a passing check loses the slot to a concurrent send. Reaching the ceiling
// starts the cooldown.
func (c *Coordinator) incrementRateLimit(st *serverState) (bool, error) {
	if !c.config.RateLimit.Enabled {
		return true, nil
	}
	r := &st.rate
	if err := r.mu.Acquire(c.config.Timeouts.Lock); err != nil {
		return false, err
	}
	defer r.mu.Release()

	now := c.now()
	c.refreshLocked(r, now)
	if r.coolingDown || r.sentThisWindow >= r.perMinute {
		return false, nil
	}

	r.sentThisWindow++
	if r.sentThisWindow >= r.perMinute {
		c.startCooldownLocked(st, now)
	}
	return true, nil
}

// rollbackRateLimit returns the slot taken by a failed send.
func (c *Coordinator) rollbackRateLimit(st *serverState) {
	if !c.config.RateLimit.Enabled {
		return
	}
	r := &st.rate
	if err := r.mu.Acquire(c.config.Timeouts.Lock); err != nil {
		c.logger.Warn("rate rollback skipped", zap.String("server", st.cfg.ID()), zap.Error(err))
		return
	}
	defer r.mu.Release()

	if r.sentThisWindow > 0 {
		r.sentThisWindow--
	}
}

func (c *Coordinator) startCooldownLocked(st *serverState, now time.Time) {
	r := &st.rate
	r.coolingDown = true
	r.cooldownStart = now
	r.consecutiveLimitHits++
	r.generation++

	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	// Close has already stopped the timers; a late send must not arm one.
	if c.closed.Load() {
		return
	}
	gen := r.generation
	r.timer = time.AfterFunc(r.cooldownDuration, func() {
		c.releaseCooldown(st, gen)
	})

	c.logger.Debug("server cooling down",
		zap.String("server", st.cfg.ID()),
		zap.Int("limit", r.perMinute),
		zap.Duration("cooldown", r.cooldownDuration),
		zap.Int("consecutive_limit_hits", r.consecutiveLimitHits))
}

// releaseCooldown is the cooldown timer callback.
func (c *Coordinator) releaseCooldown(st *serverState, gen uint64) {
	if c.closed.Load() {
		return
	}
	r := &st.rate
	if err := r.mu.Acquire(c.config.Timeouts.Lock); err != nil {
		return
	}
	defer r.mu.Release()

	if r.generation != gen || !r.coolingDown {
		return
	}
	r.timer = nil
	c.endCooldownLocked(r, c.now())
	c.logger.Debug("server cooldown ended", zap.String("server", st.cfg.ID()))
}

func (c *Coordinator) stopCooldown(st *serverState) {
	r := &st.rate
	if err := r.mu.Acquire(c.config.Timeouts.Lock); err != nil {
		return
	}
	defer r.mu.Release()

	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.generation++
}

// rateAvailable reports whether st is neither cooling down nor at its
// ceiling.
func (c *Coordinator) rateAvailable(st *serverState) (bool, error) {
	check, err := c.checkRateLimit(st)
	return check.Allowed, err
}

// reserve selects a server and takes a slot in its window, backing off while
// every candidate is throttled.
func (c *Coordinator) reserve(ctx context.Context, reg *registry) (*serverState, error) {
	if len(reg.servers) == 0 {
		return nil, ErrCoordinatorClosed
	}

	var last rateCheck
	attempts := c.config.Backoff.MaxAttempts
	for attempt := 0; attempt < attempts; attempt++ {
		st, err := c.selectServer(reg)
		if err != nil {
			return nil, err
		}

		check, err := c.checkRateLimit(st)
		if err != nil {
			return nil, err
		}
		if check.Allowed {
			ok, err := c.incrementRateLimit(st)
			if err != nil {
				return nil, err
			}
			if ok {
				return st, nil
			}
			check = rateCheck{Reason: reasonRateLimit}
		}
		last = check

		if attempt == attempts-1 {
			break
		}
		if err := c.sleep(ctx, c.backoffDelay(attempt, check.Wait)); err != nil {
			return nil, err
		}
	}

	return nil, &RateLimitError{
		Message:            last.Reason,
		RetryAfterDuration: last.Wait,
		Attempts:           attempts,
	}
}

// backoffDelay doubles from InitialDelay, capped at MaxDelay and at the
// server's own remaining wait when that is shorter.
func (c *Coordinator) backoffDelay(attempt int, wait time.Duration) time.Duration {
	delay := c.config.Backoff.InitialDelay << attempt
	if ceiling := c.config.Backoff.MaxDelay; ceiling > 0 && (delay > ceiling || delay <= 0) {
		delay = ceiling
	}
	if wait > 0 && wait < delay {
		delay = wait
	}
	return delay
}

func (c *Coordinator) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrCoordinatorClosed
	case <-t.C:
		return nil
	}
}
