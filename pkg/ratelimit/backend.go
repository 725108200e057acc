package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNoState is returned by a Backend that has not seen any headers yet.
var ErrNoState = errors.New("no rate limit state")

// Backend stores the quota state.
type Backend interface {
	Load(ctx context.Context) (*State, error)
	Save(ctx context.Context, s *State) error
}

// MemoryBackend keeps state in process.
type MemoryBackend struct {
	mu    sync.RWMutex
	state *State
}

// NewMemoryBackend creates an empty in-process backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

// Load returns a copy of the stored state.
func (m *MemoryBackend) Load(_ context.Context) (*State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state == nil {
		return nil, ErrNoState
	}
	s := *m.state
	return &s, nil
}

// Save replaces the stored state.
func (m *MemoryBackend) Save(_ context.Context, s *State) error {
	cp := *s
	m.mu.Lock()
	m.state = &cp
	m.mu.Unlock()
	return nil
}

// RedisBackend shares quota state between harvester processes that draw on
// the same API key.
type RedisBackend struct {
	redis *redis.Client
}

// NewRedisBackend creates a Redis backend.
func NewRedisBackend(redisClient *redis.Client) *RedisBackend {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisBackend{redis: redisClient}
}

// Load reads the state fields from Redis.
func (r *RedisBackend) Load(ctx context.Context) (*State, error) {
	remaining, err := r.redis.Get(ctx, RedisKeyRemaining).Int()
	if err == redis.Nil {
		return nil, ErrNoState
	}
	if err != nil {
		return nil, fmt.Errorf("get remaining: %w", err)
	}

	resetTimestamp, err := r.redis.Get(ctx, RedisKeyResetTimestamp).Int64()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("get reset timestamp: %w", err)
	}

	var lastUpdate time.Time
	lastUpdateStr, err := r.redis.Get(ctx, RedisKeyLastUpdate).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("get last update: %w", err)
	}
	if lastUpdateStr != "" {
		if err := json.Unmarshal([]byte(lastUpdateStr), &lastUpdate); err != nil {
			return nil, fmt.Errorf("parse last update: %w", err)
		}
	}

	state := &State{
		Remaining:  remaining,
		ResetAt:    time.Unix(resetTimestamp, 0),
		LastUpdate: lastUpdate,
	}
	state.UpdateHealth()
	return state, nil
}

// Save writes all state fields in one pipeline.
func (r *RedisBackend) Save(ctx context.Context, s *State) error {
	lastUpdateJSON, err := json.Marshal(s.LastUpdate)
	if err != nil {
		return fmt.Errorf("marshal last update: %w", err)
	}

	pipe := r.redis.Pipeline()
	pipe.Set(ctx, RedisKeyRemaining, s.Remaining, 0)
	pipe.Set(ctx, RedisKeyResetTimestamp, s.ResetAt.Unix(), 0)
	pipe.Set(ctx, RedisKeyLastUpdate, lastUpdateJSON, 0)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store rate limit state in redis: %w", err)
	}
	return nil
}
