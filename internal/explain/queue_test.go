package explain

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryQueueFullAndCancel(t *testing.T) {
	q := NewMemoryQueue(1)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, Job{TenantID: "t1", ExplanationID: "ex_1"}))
	assert.ErrorIs(t, q.Enqueue(ctx, Job{TenantID: "t1", ExplanationID: "ex_2"}), ErrQueueFull)

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ex_1", job.ExplanationID)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = q.Dequeue(cancelled)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRedisQueueIsFIFO(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	q := NewRedisQueue(client)
	q.pollTimeout = 100 * time.Millisecond
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Job{TenantID: "t1", ExplanationID: "ex_1"}))
	require.NoError(t, q.Enqueue(ctx, Job{TenantID: "t1", ExplanationID: "ex_2"}))
	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	second, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ex_1", first.ExplanationID)
	assert.Equal(t, "ex_2", second.ExplanationID)
}

func TestRedisQueueDequeueStopsOnCancel(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	q := NewRedisQueue(client)
	q.pollTimeout = 50 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	assert.Error(t, err)
	assert.Error(t, ctx.Err())
}
