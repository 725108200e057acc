package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is where RedisStore keeps the session when no key is given.
const DefaultRedisKey = "harvest:session"

// RedisStore shares one session between harvester processes through Redis.
type RedisStore struct {
	redis *redis.Client
	key   string
	ttl   time.Duration
}

// NewRedisStore creates a Redis-backed store. A zero ttl keeps the session
// until it is replaced.
func NewRedisStore(redisClient *redis.Client, key string, ttl time.Duration) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{
		redis: redisClient,
		key:   key,
		ttl:   ttl,
	}
}

// Load fetches the session from Redis.
func (r *RedisStore) Load(ctx context.Context) (*Session, error) {
	data, err := r.redis.Get(ctx, r.key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNoSession
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if len(s.Cookies) == 0 {
		return nil, ErrNoSession
	}
	return &s, nil
}

// Save stores the session in Redis.
func (r *RedisStore) Save(ctx context.Context, s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := r.redis.Set(ctx, r.key, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete removes the stored session.
func (r *RedisStore) Delete(ctx context.Context) error {
	if err := r.redis.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
