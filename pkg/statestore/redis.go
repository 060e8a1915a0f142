package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore is a Store backed by Redis. TTLs are enforced server-side, so
// no sweeper is needed and state survives across instances.
type RedisStore struct {
	client *redis.Client
	maxAge time.Duration
}

// NewRedisStore connects to Redis at the given URL and verifies the
// connection before returning.
func NewRedisStore(redisURL string, maxAge time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &RedisStore{client: client, maxAge: maxAge}, nil
}

// NewRedisStoreWithClient wraps an existing client; used by tests and by
// callers that share one connection pool.
func NewRedisStoreWithClient(client *redis.Client, maxAge time.Duration) *RedisStore {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &RedisStore{client: client, maxAge: maxAge}
}

func stateKey(state string) string {
	return "fedgate:authstate:" + state
}

// Put stores the entry with the store's max age as TTL.
func (s *RedisStore) Put(ctx context.Context, state string, entry Entry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal authorization state: %w", err)
	}
	return s.client.Set(ctx, stateKey(state), data, s.maxAge).Err()
}

// Consume removes and returns the entry via GETDEL so two concurrent
// callbacks for the same state cannot both succeed.
func (s *RedisStore) Consume(ctx context.Context, state string) (*Entry, error) {
	data, err := s.client.GetDel(ctx, stateKey(state)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("redis getdel failed: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization state: %w", err)
	}

	// The TTL normally enforces this; the check also covers entries written
	// with an older, longer max age.
	if time.Since(entry.CreatedAt) > s.maxAge {
		return nil, ErrNotFound
	}
	return &entry, nil
}

// Client exposes the underlying client so health checks can share the
// connection pool.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
