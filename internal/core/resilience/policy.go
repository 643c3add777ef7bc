package resilience

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/markdave123-py/docstream/internal/core/errs"
)

// Policy bounds one category of external call: how long a single attempt may
// take and how often a retryable failure is tried again.
type Policy struct {
	Name       string
	Timeout    time.Duration
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// RetryOnTimeout is false for calls that are not known to be idempotent.
	RetryOnTimeout bool
}

var (
	Download      = Policy{Name: "download", Timeout: 10 * time.Minute, MaxRetries: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second, RetryOnTimeout: true}
	OCR           = Policy{Name: "ocr", Timeout: 5 * time.Minute, MaxRetries: 2, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second, RetryOnTimeout: true}
	Transcription = Policy{Name: "transcription", Timeout: 10 * time.Minute, MaxRetries: 2, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second, RetryOnTimeout: true}
	Embedding     = Policy{Name: "embedding", Timeout: time.Minute, MaxRetries: 5, BaseDelay: 500 * time.Millisecond, MaxDelay: 20 * time.Second, RetryOnTimeout: true}
	Upsert        = Policy{Name: "upsert", Timeout: 30 * time.Second, MaxRetries: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second, RetryOnTimeout: true}
	Callback      = Policy{Name: "callback", Timeout: 10 * time.Second, MaxRetries: 1, BaseDelay: time.Second, MaxDelay: time.Second, RetryOnTimeout: false}
)

// Backoff returns the wait before retry number attempt (0-based).
func (p Policy) Backoff(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Do runs fn under p. Every attempt gets its own timeout; only retryable
// failures are retried. The returned error is always classified.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= max(p.MaxRetries, 0); attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := attemptOnce(ctx, p, fn)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		classified := errs.Classify(err, errs.CodeUnknown)
		lastErr = classified
		if !classified.Retryable() || attempt >= p.MaxRetries {
			break
		}
		if classified.Code == errs.CodeTimeout && !p.RetryOnTimeout {
			break
		}

		delay := p.Backoff(attempt)
		zap.L().Debug("Resilience: retrying call",
			zap.String("op", p.Name),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

func attemptOnce(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	if p.Timeout <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	err := fn(callCtx)
	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return errs.Wrap(errs.CodeTimeout, err, "%s exceeded %s", p.Name, p.Timeout)
	}
	return err
}

// DoValue is Do for calls that produce a value.
func DoValue[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := Do(ctx, p, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Call runs fn under p and, when g is non-nil, inside the external-call gate.
func Call(ctx context.Context, p Policy, g *Gate, fn func(ctx context.Context) error) error {
	if g == nil {
		return Do(ctx, p, fn)
	}
	return Do(ctx, p, func(ctx context.Context) error {
		return g.Do(ctx, fn)
	})
}
