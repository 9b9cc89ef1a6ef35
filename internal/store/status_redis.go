package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Job states.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusSuccess    = "success"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// Status is the externally visible state of one job.
type Status struct {
	Status           string                 `json:"status"`
	Progress         int                    `json:"progress"`
	Message          string                 `json:"message"`
	Mode             string                 `json:"mode,omitempty"`
	ChunksDone       int                    `json:"chunks_done"`
	ChunksTotal      int                    `json:"chunks_total"`
	ElapsedMs        int64                  `json:"elapsed_ms"`
	EtaMs            int64                  `json:"eta_ms"`
	HasETA           bool                   `json:"has_eta"`
	OriginalSize     int64                  `json:"original_size,omitempty"`
	CompressedSize   int64                  `json:"compressed_size,omitempty"`
	PercentReduction float64                `json:"percent_reduction,omitempty"`
	ErrorKind        string                 `json:"error_kind,omitempty"`
	Start            *time.Time             `json:"start_time,omitempty"`
	End              *time.Time             `json:"end_time,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

// Terminal reports whether no further updates are expected.
func (s Status) Terminal() bool {
	return s.Status == StatusSuccess || s.Status == StatusFailed || s.Status == StatusCancelled
}

// RedisStatus keeps one hash per job under job:<id>:status.
type RedisStatus struct {
	client *redis.Client
	keyNS  string
	ttl    time.Duration
}

func NewRedisStatus(redisURL string, ttl time.Duration) (*RedisStatus, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	c := redis.NewClient(opt)
	if err := c.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return NewStatusFromClient(c, ttl), nil
}

// NewStatusFromClient wraps an existing client. A zero ttl keeps keys forever.
func NewStatusFromClient(c *redis.Client, ttl time.Duration) *RedisStatus {
	return &RedisStatus{client: c, keyNS: "job", ttl: ttl}
}

func (s *RedisStatus) key(jobID string) string { return fmt.Sprintf("%s:%s:status", s.keyNS, jobID) }

func fields(st Status) map[string]interface{} {
	m := map[string]interface{}{
		"status":            st.Status,
		"progress":          st.Progress,
		"message":           st.Message,
		"mode":              st.Mode,
		"chunks_done":       st.ChunksDone,
		"chunks_total":      st.ChunksTotal,
		"elapsed_ms":        st.ElapsedMs,
		"eta_ms":            st.EtaMs,
		"has_eta":           strconv.FormatBool(st.HasETA),
		"original_size":     st.OriginalSize,
		"compressed_size":   st.CompressedSize,
		"percent_reduction": strconv.FormatFloat(st.PercentReduction, 'f', 2, 64),
		"error_kind":        st.ErrorKind,
	}
	if st.Start != nil {
		m["start"] = st.Start.Format(time.RFC3339Nano)
	}
	if st.End != nil {
		m["end"] = st.End.Format(time.RFC3339Nano)
	}
	if st.Metadata != nil {
		b, _ := json.Marshal(st.Metadata)
		m["metadata"] = string(b)
	}
	return m
}

func (s *RedisStatus) write(ctx context.Context, p redis.Pipeliner, jobID string, st Status) {
	p.HSet(ctx, s.key(jobID), fields(st))
	if s.ttl > 0 {
		p.Expire(ctx, s.key(jobID), s.ttl)
	}
}

func (s *RedisStatus) Set(ctx context.Context, jobID string, st Status) error {
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		s.write(ctx, p, jobID, st)
		return nil
	})
	return err
}

// SetUnlessCancelled writes st only if the stored status is not cancelled.
// The check and the write run under WATCH, so a concurrent cancel wins.
// It reports whether st was written.
func (s *RedisStatus) SetUnlessCancelled(ctx context.Context, jobID string, st Status) (bool, error) {
	key := s.key(jobID)
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		written := false
		err = s.client.Watch(ctx, func(tx *redis.Tx) error {
			cur, err := tx.HGet(ctx, key, "status").Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			if cur == StatusCancelled {
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				s.write(ctx, p, jobID, st)
				return nil
			})
			written = err == nil
			return err
		}, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return written, err
		}
	}
	return false, err
}

func (s *RedisStatus) Get(ctx context.Context, jobID string) (Status, bool, error) {
	res, err := s.client.HGetAll(ctx, s.key(jobID)).Result()
	if err != nil {
		return Status{}, false, err
	}
	if len(res) == 0 {
		return Status{}, false, nil
	}
	st := Status{
		Status:         res["status"],
		Message:        res["message"],
		Mode:           res["mode"],
		ErrorKind:      res["error_kind"],
		Progress:       atoi(res["progress"]),
		ChunksDone:     atoi(res["chunks_done"]),
		ChunksTotal:    atoi(res["chunks_total"]),
		ElapsedMs:      atoi64(res["elapsed_ms"]),
		EtaMs:          atoi64(res["eta_ms"]),
		OriginalSize:   atoi64(res["original_size"]),
		CompressedSize: atoi64(res["compressed_size"]),
	}
	st.HasETA, _ = strconv.ParseBool(res["has_eta"])
	st.PercentReduction, _ = strconv.ParseFloat(res["percent_reduction"], 64)
	if v := res["start"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			st.Start = &t
		}
	}
	if v := res["end"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			st.End = &t
		}
	}
	if v := res["metadata"]; v != "" {
		_ = json.Unmarshal([]byte(v), &st.Metadata)
	}
	return st, true, nil
}

func (s *RedisStatus) Close() error { return s.client.Close() }

// Client returns the underlying Redis client
func (s *RedisStatus) Client() *redis.Client { return s.client }

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func atoi64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
