package dispatcher

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	mpkg "github.com/local/audiobooker/internal/metrics"
)

// Breaker tracks per provider:model cooldowns after repeated transient failures.
type Breaker interface {
	IsOpen(ctx context.Context, provider, model string) bool
	Open(ctx context.Context, provider, model string)
	Close(ctx context.Context, provider, model string)
}

// cooldown doubles base per consecutive failure, capped at max.
func cooldown(base, max time.Duration, failures int) time.Duration {
	d := base
	for i := 1; i < failures; i++ {
		d *= 2
		if d > max {
			return max
		}
	}
	return d
}

// RedisBreaker keeps breaker state in a Redis hash so all workers share it.
type RedisBreaker struct {
	redis       *redis.Client
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

func NewRedisBreaker(redisClient *redis.Client, baseBackoff, maxBackoff time.Duration) *RedisBreaker {
	return &RedisBreaker{redis: redisClient, baseBackoff: baseBackoff, maxBackoff: maxBackoff}
}

func breakerKey(provider, model string) string { return fmt.Sprintf("cb:%s:%s", provider, model) }

// Open records a failure and (re)starts the cooldown.
func (cb *RedisBreaker) Open(ctx context.Context, provider, model string) {
	key := breakerKey(provider, model)
	failures, err := cb.redis.HIncrBy(ctx, key, "failures", 1).Result()
	if err != nil {
		log.Warn().Err(err).Str("provider", provider).Str("model", model).Msg("breaker update failed")
		return
	}
	backoff := cooldown(cb.baseBackoff, cb.maxBackoff, int(failures))
	retryAt := time.Now().Add(backoff)

	pipe := cb.redis.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"state":     "open",
		"retry_at":  retryAt.Unix(),
		"opened_at": time.Now().Unix(),
	})
	pipe.Expire(ctx, key, cb.maxBackoff*2)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Warn().Err(err).Str("provider", provider).Str("model", model).Msg("breaker update failed")
		return
	}
	mpkg.BreakerOpened(provider, model)
	log.Warn().
		Str("provider", provider).
		Str("model", model).
		Dur("cooldown", backoff).
		Int64("failures", failures).
		Time("retry_at", retryAt).
		Msg("circuit breaker OPENED")
}

// IsOpen reports an active cooldown. An expired cooldown moves to half-open
// and lets one probe through.
func (cb *RedisBreaker) IsOpen(ctx context.Context, provider, model string) bool {
	key := breakerKey(provider, model)
	vals, err := cb.redis.HMGet(ctx, key, "state", "retry_at").Result()
	if err != nil || len(vals) != 2 {
		return false
	}
	state, _ := vals[0].(string)
	if state != "open" {
		return false
	}
	retryAtStr, _ := vals[1].(string)
	retryAt, _ := strconv.ParseInt(retryAtStr, 10, 64)
	if time.Now().Unix() >= retryAt {
		cb.redis.HSet(ctx, key, "state", "half_open")
		log.Info().Str("provider", provider).Str("model", model).Msg("circuit breaker moved to HALF-OPEN")
		return false
	}
	return true
}

// Close resets the breaker after a success.
func (cb *RedisBreaker) Close(ctx context.Context, provider, model string) {
	key := breakerKey(provider, model)
	state, _ := cb.redis.HGet(ctx, key, "state").Result()
	if state == "" || state == "closed" {
		return
	}
	cb.redis.Del(ctx, key)
	mpkg.BreakerClosed(provider, model)
	log.Info().Str("provider", provider).Str("model", model).Msg("circuit breaker CLOSED (reset)")
}

// MemoryBreaker is the in-process Breaker used by single-process runs.
type MemoryBreaker struct {
	baseBackoff time.Duration
	maxBackoff  time.Duration
	now         func() time.Time

	mu     sync.Mutex
	states map[string]*memState
}

type memState struct {
	failures int
	retryAt  time.Time
	open     bool
}

func NewMemoryBreaker(baseBackoff, maxBackoff time.Duration) *MemoryBreaker {
	return &MemoryBreaker{baseBackoff: baseBackoff, maxBackoff: maxBackoff, now: time.Now, states: map[string]*memState{}}
}

func (m *MemoryBreaker) Open(_ context.Context, provider, model string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := breakerKey(provider, model)
	st, ok := m.states[key]
	if !ok {
		st = &memState{}
		m.states[key] = st
	}
	st.failures++
	st.open = true
	st.retryAt = m.now().Add(cooldown(m.baseBackoff, m.maxBackoff, st.failures))
	mpkg.BreakerOpened(provider, model)
}

func (m *MemoryBreaker) IsOpen(_ context.Context, provider, model string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[breakerKey(provider, model)]
	if !ok || !st.open {
		return false
	}
	if !m.now().Before(st.retryAt) {
		st.open = false
		return false
	}
	return true
}

func (m *MemoryBreaker) Close(_ context.Context, provider, model string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := breakerKey(provider, model)
	if _, ok := m.states[key]; ok {
		delete(m.states, key)
		mpkg.BreakerClosed(provider, model)
	}
}
