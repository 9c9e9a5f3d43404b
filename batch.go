package mailpool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// SendWithRetry is Send under the configured retry policy: bounded attempts
// with exponential backoff, no retry of terminal failures, and a wall-clock
// ceiling tracked per recipient across calls.
func (c *Coordinator) SendWithRetry(ctx context.Context, msg *Message, recipient string, senderName ...string) (*SendResult, error) {
	if c.retry == nil {
		return c.Send(ctx, msg, recipient, senderName...)
	}

	var result *SendResult
	err := c.retry.Retry(ctx, strings.ToLower(strings.TrimSpace(recipient)), func() error {
		var err error
		result, err = c.Send(ctx, msg, recipient, senderName...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SendBatch sends msg to every recipient with at most Batch.Concurrency sends
// in flight. Results are in recipient order; failed entries are nil and
// reported in the returned *BatchError.
func (c *Coordinator) SendBatch(ctx context.Context, msg *Message, recipients []string, senderName ...string) ([]*SendResult, error) {
	ctx, span := c.tracer.Start(ctx, "mailpool.Coordinator.SendBatch")
	defer span.End()

	if c.closed.Load() {
		span.RecordError(ErrCoordinatorClosed)
		span.SetStatus(codes.Error, ErrCoordinatorClosed.Error())
		return nil, ErrCoordinatorClosed
	}
	if len(recipients) == 0 {
		span.SetStatus(codes.Ok, "no recipients")
		return nil, nil
	}
	if err := msg.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation failed")
		return nil, err
	}

	concurrency := c.config.Batch.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	span.SetAttributes(
		attribute.Int("mailpool.batch.size", len(recipients)),
		attribute.Int("mailpool.batch.concurrency", concurrency),
	)

	results := make([]*SendResult, len(recipients))
	errs := make([]error, len(recipients))
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

dispatch:
	for i, rcpt := range recipients {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			for j := i; j < len(recipients); j++ {
				errs[j] = ctx.Err()
			}
			break dispatch
		}

		wg.Add(1)
		go func(i int, rcpt string) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i], errs[i] = c.SendWithRetry(ctx, msg, rcpt, senderName...)
		}(i, rcpt)
	}
	wg.Wait()

	batchErr := &BatchError{Total: len(recipients)}
	for i, err := range errs {
		if err != nil {
			batchErr.Errors = append(batchErr.Errors, BatchItemError{Index: i, Recipient: recipients[i], Error: err})
		}
	}
	batchErr.Failed = len(batchErr.Errors)

	success := len(recipients) - batchErr.Failed
	span.SetAttributes(
		attribute.Int("mailpool.batch.success_count", success),
		attribute.Int("mailpool.batch.failure_count", batchErr.Failed),
		attribute.Float64("mailpool.batch.success_rate", float64(success)/float64(len(recipients))),
	)

	if batchErr.Failed > 0 {
		batchErr.Message = fmt.Sprintf("%d/%d messages failed", batchErr.Failed, len(recipients))
		span.RecordError(batchErr)
		span.SetStatus(codes.Error, batchErr.Message)
		return results, batchErr
	}
	span.SetStatus(codes.Ok, "batch sent")
	return results, nil
}

// Warmup opens pooled sessions ahead of the first sends. Each server gets up
// to Warmup.Count sessions, one per proxy in rotation order; without proxies
// a server has a single pool key, so one session. Failures are logged and
// joined into the returned error; the servers stay usable. With pooling
// disabled there is nothing to keep warm and Warmup does nothing.
func (c *Coordinator) Warmup(ctx context.Context) error {
	if c.closed.Load() {
		return ErrCoordinatorClosed
	}
	if !c.config.Pool.Enabled {
		c.logger.Debug("warmup skipped, pooling disabled")
		return nil
	}
	reg := c.reg.Load()
	start := time.Now()

	count := max(c.config.Warmup.Count, 1)
	if c.proxies == nil {
		count = 1
	} else {
		count = min(count, c.proxies.Len())
	}

	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)
	for _, st := range reg.servers {
		for i := 0; i < count; i++ {
			px, err := c.nextProxy()
			if err != nil {
				return err
			}
			wg.Add(1)
			go func(st *serverState) {
				defer wg.Done()
				if _, err := c.pool.Acquire(ctx, st.cfg, px); err != nil {
					c.logger.Warn("warmup session failed",
						zap.String("server", st.cfg.ID()),
						zap.Error(err))
					mu.Lock()
					errs = append(errs, fmt.Errorf("%s: %w", st.cfg.ID(), err))
					mu.Unlock()
				}
			}(st)
		}
	}
	wg.Wait()

	c.warmupTime.Store(time.Since(start).Milliseconds())
	c.warmedUp.Store(true)
	c.logger.Debug("warmup finished",
		zap.Int("servers", len(reg.servers)),
		zap.Int("sessions", c.pool.Len()),
		zap.Int("failures", len(errs)))
	return errors.Join(errs...)
}
