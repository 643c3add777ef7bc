package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newQueue(t *testing.T, opts Options) (*Queue, *clock) {
	t.Helper()
	q, err := Open(context.Background(), filepath.Join(t.TempDir(), "queue.db"), opts)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	c := &clock{t: time.Unix(1_700_000_000, 0)}
	q.now = c.now
	return q, c
}

func TestPublishAndClaim(t *testing.T) {
	q, _ := newQueue(t, Options{Lease: time.Minute})
	ctx := context.Background()

	require.NoError(t, q.Publish(ctx, "j1", []byte(`{"a":1}`)))

	job, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "j1", job.ID)
	assert.Equal(t, `{"a":1}`, string(job.Payload))
	assert.Equal(t, 1, job.Attempts)

	again, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, again, "leased job must be invisible")
}

func TestPublishDuplicate(t *testing.T) {
	q, _ := newQueue(t, Options{})
	ctx := context.Background()

	require.NoError(t, q.Publish(ctx, "j1", []byte("x")))
	assert.ErrorIs(t, q.Publish(ctx, "j1", []byte("y")), ErrDuplicate)
}

func TestExpiredLeaseIsReclaimed(t *testing.T) {
	q, c := newQueue(t, Options{Lease: time.Minute, MaxAttempts: 2})
	ctx := context.Background()
	require.NoError(t, q.Publish(ctx, "j1", []byte("x")))

	first, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.False(t, q.Final(first))

	c.t = c.t.Add(2 * time.Minute)
	second, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, 2, second.Attempts)
	assert.True(t, q.Final(second))
	assert.False(t, q.Exhausted(second))
}

func TestExtendKeepsLease(t *testing.T) {
	q, c := newQueue(t, Options{Lease: time.Minute})
	ctx := context.Background()
	require.NoError(t, q.Publish(ctx, "j1", []byte("x")))

	_, err := q.Claim(ctx)
	require.NoError(t, err)

	c.t = c.t.Add(50 * time.Second)
	require.NoError(t, q.Extend(ctx, "j1"))

	c.t = c.t.Add(50 * time.Second)
	job, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, job, "heartbeat should have pushed the lease forward")
}

func TestRetryAndComplete(t *testing.T) {
	q, c := newQueue(t, Options{Lease: time.Minute})
	ctx := context.Background()
	require.NoError(t, q.Publish(ctx, "j1", []byte("x")))

	_, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Retry(ctx, "j1", 10*time.Second, "RATE_LIMITED: slow down"))

	got, err := q.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, "RATE_LIMITED: slow down", got.LastError)

	job, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, job)

	c.t = c.t.Add(11 * time.Second)
	job, err = q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 2, job.Attempts)

	require.NoError(t, q.Complete(ctx, "j1"))
	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err = q.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestClaimOrder(t *testing.T) {
	q, c := newQueue(t, Options{})
	ctx := context.Background()

	require.NoError(t, q.Publish(ctx, "a", []byte("1")))
	c.t = c.t.Add(time.Millisecond)
	require.NoError(t, q.Publish(ctx, "b", []byte("2")))

	first, err := q.Claim(ctx)
	require.NoError(t, err)
	second, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", first.ID)
	assert.Equal(t, "b", second.ID)
}
