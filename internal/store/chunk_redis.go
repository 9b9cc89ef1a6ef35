package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// ChunkRecord describes one compressed chunk of a finished job.
type ChunkRecord struct {
	Index       int    `json:"index"`
	Pages       string `json:"pages"`
	InputBytes  int64  `json:"input_bytes"`
	OutputBytes int64  `json:"output_bytes,omitempty"`
	DurationMs  int64  `json:"duration_ms"`
}

// ChunkStore keeps per-chunk records in a list under job:<id>:chunks.
type ChunkStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewChunkStore(c *redis.Client, ttl time.Duration) *ChunkStore {
	return &ChunkStore{client: c, ttl: ttl}
}

func (s *ChunkStore) key(jobID string) string { return fmt.Sprintf("job:%s:chunks", jobID) }

// Save replaces the job's chunk records.
func (s *ChunkStore) Save(ctx context.Context, jobID string, records []ChunkRecord) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.key(jobID))
	for _, r := range records {
		b, err := json.Marshal(r)
		if err != nil {
			return err
		}
		pipe.RPush(ctx, s.key(jobID), string(b))
	}
	if s.ttl > 0 {
		pipe.Expire(ctx, s.key(jobID), s.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// List returns the job's chunk records in index order.
func (s *ChunkStore) List(ctx context.Context, jobID string) ([]ChunkRecord, error) {
	vals, err := s.client.LRange(ctx, s.key(jobID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]ChunkRecord, 0, len(vals))
	for _, v := range vals {
		var r ChunkRecord
		if err := json.Unmarshal([]byte(v), &r); err != nil {
			return nil, fmt.Errorf("decode chunk record: %w", err)
		}
		out = append(out, r)
	}
	return out, nil
}
