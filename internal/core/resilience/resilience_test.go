package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/docstream/internal/core/errs"
)

func fastPolicy(retries int) Policy {
	return Policy{Name: "test", Timeout: time.Second, MaxRetries: retries, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, RetryOnTimeout: true}
}

func TestDoSucceedsAfterRetryableFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(3), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errs.New(errs.CodeRateLimited, "slow down")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(3), func(ctx context.Context) error {
		calls++
		return errs.New(errs.CodeBatchTooLarge, "too many inputs")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, errs.CodeBatchTooLarge, errs.CodeOf(err))
}

func TestDoExhaustsRetries(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(2), func(ctx context.Context) error {
		calls++
		return errs.New(errs.CodeServiceUnavailable, "down")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, errs.CodeServiceUnavailable, errs.CodeOf(err))
}

func TestDoClassifiesPerAttemptTimeout(t *testing.T) {
	p := Policy{Name: "callback", Timeout: 10 * time.Millisecond, MaxRetries: 1, BaseDelay: time.Millisecond, RetryOnTimeout: false}
	calls := 0
	err := Do(context.Background(), p, func(ctx context.Context) error {
		calls++
		<-ctx.Done()
		return ctx.Err()
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "timeouts must not be retried when RetryOnTimeout is false")
	assert.Equal(t, errs.CodeTimeout, errs.CodeOf(err))
}

func TestDoRespectsParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, fastPolicy(3), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDoValue(t *testing.T) {
	v, err := DoValue(context.Background(), fastPolicy(1), func(ctx context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	_, err = DoValue(context.Background(), fastPolicy(0), func(ctx context.Context) (int, error) {
		return 0, errors.New("boom")
	})
	assert.Equal(t, errs.CodeUnknown, errs.CodeOf(err))
}

func TestBackoff(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	assert.Equal(t, 100*time.Millisecond, p.Backoff(0))
	assert.Equal(t, 200*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 400*time.Millisecond, p.Backoff(2))
	assert.Equal(t, time.Second, p.Backoff(10))
}

func TestGateLimitsConcurrency(t *testing.T) {
	g := NewGate(2, 10, time.Second)
	var (
		mu      sync.Mutex
		current int
		peak    int
		wg      sync.WaitGroup
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := g.Do(context.Background(), func(ctx context.Context) error {
				mu.Lock()
				current++
				if current > peak {
					peak = current
				}
				mu.Unlock()
				time.Sleep(10 * time.Millisecond)
				mu.Lock()
				current--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak, 2)
	assert.Equal(t, int64(0), g.Stats().Active)
}

func TestGateRejectsWhenQueueFull(t *testing.T) {
	g := NewGate(1, 0, time.Second)
	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = g.Do(context.Background(), func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	err := g.Do(context.Background(), func(ctx context.Context) error { return nil })
	close(release)

	require.Error(t, err)
	assert.Equal(t, errs.CodeConcurrencyLimit, errs.CodeOf(err))
	assert.Equal(t, int64(1), g.Stats().Rejected)
}

func TestGateQueueTimeout(t *testing.T) {
	g := NewGate(1, 5, 20*time.Millisecond)
	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = g.Do(context.Background(), func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	err := g.Do(context.Background(), func(ctx context.Context) error { return nil })
	close(release)

	require.Error(t, err)
	assert.Equal(t, errs.CodeTimeout, errs.CodeOf(err))
	assert.Equal(t, int64(1), g.Stats().TimedOut)
	assert.Equal(t, int64(0), g.Stats().Queued)
}

func TestCallThroughGate(t *testing.T) {
	g := NewGate(1, 1, time.Second)
	calls := 0
	err := Call(context.Background(), fastPolicy(2), g, func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return errs.New(errs.CodeRateLimited, "429")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, int64(0), g.Stats().Active)
}
