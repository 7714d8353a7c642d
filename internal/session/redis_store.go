// Package session caches resolved API-key principals in Redis.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pedro-meseguer/xai-business/internal/auth"
)

// cachedPrincipal is the JSON stored under each key hash
type cachedPrincipal struct {
	TenantID string    `json:"tenant_id"`
	ClientID string    `json:"client_id"`
	Enabled  bool      `json:"enabled"`
	CachedAt time.Time `json:"cached_at"`
}

// RedisStore implements auth.Cache using Redis
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a new Redis-backed principal cache
func NewRedisStore(redisURL string) (*RedisStore, error) {
	client, err := Connect(redisURL)
	if err != nil {
		return nil, err
	}
	return NewRedisStoreWithClient(client), nil
}

// Connect parses redisURL and verifies the server answers.
func Connect(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "apikey:",
	}
}

func (s *RedisStore) key(keyHash string) string {
	return s.prefix + keyHash
}

func (s *RedisStore) PutPrincipal(ctx context.Context, keyHash string, principal auth.Principal, ttl time.Duration) error {
	data, err := json.Marshal(cachedPrincipal{
		TenantID: principal.TenantID,
		ClientID: principal.ClientID,
		Enabled:  principal.Enabled,
		CachedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal principal: %w", err)
	}
	if err := s.client.Set(ctx, s.key(keyHash), data, ttl).Err(); err != nil {
		return fmt.Errorf("cache principal: %w", err)
	}
	return nil
}

// GetPrincipal reports ok=false on a cache miss.
func (s *RedisStore) GetPrincipal(ctx context.Context, keyHash string) (auth.Principal, bool, error) {
	raw, err := s.client.Get(ctx, s.key(keyHash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return auth.Principal{}, false, nil
	}
	if err != nil {
		return auth.Principal{}, false, fmt.Errorf("lookup principal: %w", err)
	}

	var data cachedPrincipal
	if err := json.Unmarshal(raw, &data); err != nil {
		return auth.Principal{}, false, fmt.Errorf("unmarshal principal: %w", err)
	}
	return auth.Principal{TenantID: data.TenantID, ClientID: data.ClientID, Enabled: data.Enabled}, true, nil
}

// Invalidate drops a cached principal, e.g. after a client is disabled.
func (s *RedisStore) Invalidate(ctx context.Context, keyHash string) error {
	if err := s.client.Del(ctx, s.key(keyHash)).Err(); err != nil {
		return fmt.Errorf("invalidate principal: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
