package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Job is one queued compression request.
type Job struct {
	ID        string    `json:"job_id"`
	InputPath string    `json:"input_path"`
	FileName  string    `json:"file_name"`
	Quality   string    `json:"quality"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// RedisQueue implements a Redis Stream with one consumer group plus a
// cancellation set that workers consult before and during a run.
type RedisQueue struct {
	client    *redis.Client
	Stream    string
	Group     string
	CancelKey string
	DLQStream string
	cancelTTL time.Duration
}

// NewRedisQueue connects to Redis and ensures the stream and group exist.
func NewRedisQueue(redisURL, stream, group string) (*RedisQueue, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	q, err := NewFromClient(redis.NewClient(opt), stream, group)
	if err != nil {
		return nil, err
	}
	return q, nil
}

// NewFromClient wraps an existing client.
func NewFromClient(c *redis.Client, stream, group string) (*RedisQueue, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	q := &RedisQueue{
		client:    c,
		Stream:    stream,
		Group:     group,
		CancelKey: stream + ":cancelled",
		DLQStream: stream + ":dlq",
		cancelTTL: 72 * time.Hour,
	}
	// MKSTREAM creates the stream if missing
	if err := c.XGroupCreateMkStream(ctx, stream, group, "0").Err(); err != nil && !isBusyGroupErr(err) {
		return nil, fmt.Errorf("xgroup create: %w", err)
	}
	return q, nil
}

func isBusyGroupErr(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToUpper(err.Error()), "BUSYGROUP")
}

func (q *RedisQueue) Close() error { return q.client.Close() }

// Ping checks redis connectivity.
func (q *RedisQueue) Ping(ctx context.Context) error { return q.client.Ping(ctx).Err() }

// Enqueue adds a job to the stream as a single-field entry {data: <json>}.
func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.Stream,
		Values: map[string]any{"data": string(payload)},
	}).Err()
}

// Dequeue blocks up to timeout for one message. An empty message id means
// nothing was available.
func (q *RedisQueue) Dequeue(ctx context.Context, consumer string, timeout time.Duration) (string, *Job, error) {
	res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.Group,
		Consumer: consumer,
		Streams:  []string{q.Stream, ">"},
		Count:    1,
		Block:    timeout,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil, nil
		}
		return "", nil, err
	}
	if len(res) == 0 || len(res[0].Messages) == 0 {
		return "", nil, nil
	}
	msg := res[0].Messages[0]
	var raw string
	switch t := msg.Values["data"].(type) {
	case string:
		raw = t
	case []byte:
		raw = string(t)
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil || job.ID == "" {
		// Unreadable entries are parked in the DLQ so they are not redelivered.
		_ = q.AddDLQ(ctx, []byte(raw), "malformed job payload")
		_ = q.Ack(ctx, msg.ID)
		return "", nil, fmt.Errorf("malformed job payload in %s", msg.ID)
	}
	return msg.ID, &job, nil
}

// Ack marks a message as processed.
func (q *RedisQueue) Ack(ctx context.Context, msgID string) error {
	if msgID == "" {
		return nil
	}
	return q.client.XAck(ctx, q.Stream, q.Group, msgID).Err()
}

// CancelJob marks a job as cancelled.
func (q *RedisQueue) CancelJob(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.SAdd(ctx, q.CancelKey, jobID)
	pipe.Expire(ctx, q.CancelKey, q.cancelTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// IsCancelled returns true if job is cancelled.
func (q *RedisQueue) IsCancelled(ctx context.Context, jobID string) (bool, error) {
	return q.client.SIsMember(ctx, q.CancelKey, jobID).Result()
}

// AddDLQ pushes a failed payload to the DLQ stream with reason.
func (q *RedisQueue) AddDLQ(ctx context.Context, payload []byte, reason string) error {
	return q.client.XAdd(ctx, &redis.XAddArgs{Stream: q.DLQStream, Values: map[string]any{"data": string(payload), "reason": reason}}).Err()
}

// Depths returns stream, pending and DLQ lengths for metrics.
func (q *RedisQueue) Depths(ctx context.Context) (int64, int64, int64, error) {
	pipe := q.client.Pipeline()
	xlen := pipe.XLen(ctx, q.Stream)
	pending := pipe.XPending(ctx, q.Stream, q.Group)
	dlq := pipe.XLen(ctx, q.DLQStream)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return 0, 0, 0, err
	}
	var p int64
	if v, err := pending.Result(); err == nil && v != nil {
		p = v.Count
	}
	return xlen.Val(), p, dlq.Val(), nil
}
