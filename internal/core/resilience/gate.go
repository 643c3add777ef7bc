package resilience

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/markdave123-py/docstream/internal/core/errs"
)

// Gate bounds concurrent calls to slow or quota-limited services. Callers
// beyond the limit wait in a bounded queue; a full queue rejects immediately
// and a wait longer than the queue timeout fails with a timeout.
//
// One Gate is built per process and handed to every component that needs it.
type Gate struct {
	sem          *semaphore.Weighted
	limit        int64
	maxQueue     int64
	queueTimeout time.Duration

	active   atomic.Int64
	queued   atomic.Int64
	rejected atomic.Int64
	timedOut atomic.Int64
}

// GateStats is a point-in-time view of the gate counters.
type GateStats struct {
	Limit    int64 `json:"limit"`
	Active   int64 `json:"active"`
	Queued   int64 `json:"queued"`
	Rejected int64 `json:"rejected"`
	TimedOut int64 `json:"timedOut"`
}

func NewGate(limit, maxQueue int, queueTimeout time.Duration) *Gate {
	if limit <= 0 {
		limit = 1
	}
	if maxQueue < 0 {
		maxQueue = 0
	}
	return &Gate{
		sem:          semaphore.NewWeighted(int64(limit)),
		limit:        int64(limit),
		maxQueue:     int64(maxQueue),
		queueTimeout: queueTimeout,
	}
}

// Do runs fn once a slot is free.
func (g *Gate) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := g.acquire(ctx); err != nil {
		return err
	}
	g.active.Add(1)
	defer func() {
		g.active.Add(-1)
		g.sem.Release(1)
	}()
	return fn(ctx)
}

func (g *Gate) acquire(ctx context.Context) error {
	if g.sem.TryAcquire(1) {
		return nil
	}

	if g.queued.Add(1) > g.maxQueue {
		g.queued.Add(-1)
		g.rejected.Add(1)
		return errs.New(errs.CodeConcurrencyLimit, "external call queue full (%d waiting)", g.maxQueue)
	}
	defer g.queued.Add(-1)

	waitCtx := ctx
	if g.queueTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, g.queueTimeout)
		defer cancel()
	}
	if err := g.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		g.timedOut.Add(1)
		return errs.New(errs.CodeTimeout, "waited %s for an external call slot", g.queueTimeout)
	}
	return nil
}

func (g *Gate) Stats() GateStats {
	return GateStats{
		Limit:    g.limit,
		Active:   g.active.Load(),
		Queued:   g.queued.Load(),
		Rejected: g.rejected.Load(),
		TimedOut: g.timedOut.Load(),
	}
}
