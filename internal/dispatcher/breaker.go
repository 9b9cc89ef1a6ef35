package dispatcher

import (
	"context"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// CircuitBreaker pauses every worker sharing the Redis instance after the
// engine repeatedly fails to start. State lives in the hash cb:engine:<name>.
type CircuitBreaker struct {
	redis       *redis.Client
	name        string
	baseBackoff time.Duration
	maxBackoff  time.Duration
	now         func() time.Time
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(redisClient *redis.Client, name string, baseBackoff, maxBackoff time.Duration) *CircuitBreaker {
	if baseBackoff <= 0 {
		baseBackoff = 30 * time.Second
	}
	if maxBackoff < baseBackoff {
		maxBackoff = baseBackoff
	}
	return &CircuitBreaker{redis: redisClient, name: name, baseBackoff: baseBackoff, maxBackoff: maxBackoff, now: time.Now}
}

func (cb *CircuitBreaker) key() string { return fmt.Sprintf("cb:engine:%s", cb.name) }

// Open records a failure and opens the breaker with exponential backoff:
// base, 2*base, 4*base ... capped at max.
func (cb *CircuitBreaker) Open(ctx context.Context) time.Duration {
	failuresStr, _ := cb.redis.HGet(ctx, cb.key(), "failures").Result()
	failures, _ := strconv.Atoi(failuresStr)
	failures++

	backoff := cb.baseBackoff
	for i := 1; i < failures; i++ {
		backoff *= 2
		if backoff > cb.maxBackoff {
			backoff = cb.maxBackoff
			break
		}
	}
	now := cb.now()
	retryAt := now.Add(backoff)

	pipe := cb.redis.TxPipeline()
	pipe.HSet(ctx, cb.key(), map[string]interface{}{
		"state":     "open",
		"retry_at":  retryAt.UnixMilli(),
		"failures":  failures,
		"opened_at": now.UnixMilli(),
	})
	pipe.Expire(ctx, cb.key(), cb.maxBackoff+10*time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Warn().Err(err).Msg("circuit breaker write failed")
	}

	log.Warn().
		Str("engine", cb.name).
		Dur("cooldown", backoff).
		Int("failures", failures).
		Time("retry_at", retryAt).
		Msg("circuit breaker OPENED")
	return backoff
}

// IsOpen reports whether workers should hold off and for how long. Once the
// cooldown passes the breaker goes half-open and lets one job through.
func (cb *CircuitBreaker) IsOpen(ctx context.Context) (bool, time.Duration) {
	res, err := cb.redis.HGetAll(ctx, cb.key()).Result()
	if err != nil || res["state"] != "open" {
		return false, 0
	}
	retryAt, _ := strconv.ParseInt(res["retry_at"], 10, 64)
	wait := time.UnixMilli(retryAt).Sub(cb.now())
	if wait <= 0 {
		cb.redis.HSet(ctx, cb.key(), "state", "half_open")
		log.Info().Str("engine", cb.name).Msg("circuit breaker moved to HALF-OPEN")
		return false, 0
	}
	return true, wait
}

// Close resets the breaker after a job got through the engine.
func (cb *CircuitBreaker) Close(ctx context.Context) {
	state, _ := cb.redis.HGet(ctx, cb.key(), "state").Result()
	if state == "" || state == "closed" {
		return
	}
	cb.redis.Del(ctx, cb.key())
	log.Info().Str("engine", cb.name).Msg("circuit breaker CLOSED (reset)")
}
