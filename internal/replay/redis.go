package replay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/drblury/omegawire/internal/runtime/jsoncodec"
)

// DefaultRedisPrefix namespaces replay keys in a shared Redis.
const DefaultRedisPrefix = "omegawire:replay:"

// RedisStore shares replay state between orchestrator instances. Entries
// are stored as JSON values with the guard TTL as expiry, so cached results
// come back in their JSON shape (numbers as float64, objects as maps).
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, prefix: DefaultRedisPrefix}
}

// NewRedisStoreFromAddr dials a single Redis node.
func NewRedisStoreFromAddr(addr, password string, db int) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisStore(rdb)
}

// WithPrefix returns a copy of the store using prefix for its keys.
func (s *RedisStore) WithPrefix(prefix string) *RedisStore {
	return &RedisStore{client: s.client, prefix: prefix}
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Record(ctx context.Context, key string, ttl time.Duration) (*Entry, error) {
	now := time.Now().UnixMilli()
	encoded, err := jsoncodec.Marshal(Entry{FirstSeenMs: now})
	if err != nil {
		return nil, err
	}

	created, err := s.client.SetNX(ctx, s.prefix+key, encoded, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx: %w", err)
	}
	if created {
		return nil, nil
	}

	raw, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; it was still seen.
		return &Entry{Key: key, FirstSeenMs: now}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var existing Entry
	if err := jsoncodec.Unmarshal(raw, &existing); err != nil {
		return nil, fmt.Errorf("decode replay entry: %w", err)
	}
	existing.Key = key
	return &existing, nil
}

func (s *RedisStore) SaveResult(ctx context.Context, key string, value any, ttl time.Duration) error {
	encoded, err := jsoncodec.Marshal(Entry{
		FirstSeenMs: time.Now().UnixMilli(),
		HasResult:   true,
		Result:      value,
	})
	if err != nil {
		return fmt.Errorf("encode replay result: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+key, encoded, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}
