package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	q, err := NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "jobs:compress", "workers")
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q, mr
}

func TestEnqueueDequeueAck(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	job := Job{ID: "j1", InputPath: "/data/uploads/j1.pdf", FileName: "report.pdf", Quality: "medium", Size: 42}
	require.NoError(t, q.Enqueue(ctx, job))

	id, got, err := q.Dequeue(ctx, "w1", 100*time.Millisecond)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	assert.Equal(t, "j1", got.ID)
	assert.Equal(t, "report.pdf", got.FileName)

	stream, pending, _, err := q.Depths(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stream)
	assert.EqualValues(t, 1, pending)

	require.NoError(t, q.Ack(ctx, id))
	_, pending, _, err = q.Depths(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, pending)
}

func TestDequeueEmpty(t *testing.T) {
	q, _ := newTestQueue(t)
	id, job, err := q.Dequeue(context.Background(), "w1", 10*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.Nil(t, job)
}

func TestMalformedPayloadGoesToDLQ(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.client.XAdd(ctx, &redis.XAddArgs{Stream: q.Stream, Values: map[string]any{"data": "{nope"}}).Err())

	_, _, err := q.Dequeue(ctx, "w1", 10*time.Millisecond)
	require.Error(t, err)
	_, pending, dlq, err := q.Depths(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, pending)
	assert.EqualValues(t, 1, dlq)
}

func TestCancelJob(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	ok, err := q.IsCancelled(ctx, "j1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, q.CancelJob(ctx, "j1"))
	ok, err = q.IsCancelled(ctx, "j1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNewFromClientIsIdempotent(t *testing.T) {
	q, mr := newTestQueue(t)
	_, err := NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), q.Stream, q.Group)
	assert.NoError(t, err)
}
