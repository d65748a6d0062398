// Package core provides the shared infrastructure for the gaff engine:
// logging, error classification, service configuration, and Redis access.
//
// The Redis client in this file wraps go-redis with key namespacing and
// connection lifecycle management. Connections are established lazily on
// first command and retained for the process lifetime; Close is called on
// shutdown signal.
//
// Namespacing:
// All keys are automatically prefixed with the namespace:
//   - Execution state: "gaff:memory:*"
package core

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisClient provides a simplified Redis interface with key namespacing
type RedisClient struct {
	client    *redis.Client
	namespace string
	logger    Logger
}

// RedisClientOptions configures the Redis client
type RedisClientOptions struct {
	RedisURL  string
	Namespace string // Key namespace for organization
	Logger    Logger // Optional logger
}

// NewRedisClient creates a new Redis client with specified options.
// The underlying connection is not dialed here; go-redis connects on the
// first command issued.
func NewRedisClient(opts RedisClientOptions) (*RedisClient, error) {
	if opts.RedisURL == "" {
		return nil, fmt.Errorf("redis URL is required: %w", ErrMissingConfiguration)
	}

	redisOpts, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = &NoOpLogger{}
	} else if cal, ok := logger.(ComponentAwareLogger); ok {
		logger = cal.WithComponent("gaff/core")
	}

	logger.Debug("Initializing Redis client", map[string]interface{}{
		"operation": "redis_client_init",
		"namespace": opts.Namespace,
	})

	return &RedisClient{
		client:    redis.NewClient(redisOpts),
		namespace: opts.Namespace,
		logger:    logger,
	}, nil
}

// key applies the configured namespace prefix
func (r *RedisClient) key(k string) string {
	if r.namespace == "" {
		return k
	}
	return r.namespace + ":" + k
}

// Get retrieves a value; returns "" with no error when the key is absent
func (r *RedisClient) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, r.key(key)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, nil
}

// Set stores a value with an optional TTL (0 means no expiry)
func (r *RedisClient) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Delete removes a key
func (r *RedisClient) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// Exists reports whether a key is present
func (r *RedisClient) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists %s: %w", key, err)
	}
	return n > 0, nil
}

// LPush prepends a value to a list
func (r *RedisClient) LPush(ctx context.Context, key, value string) error {
	if err := r.client.LPush(ctx, r.key(key), value).Err(); err != nil {
		return fmt.Errorf("redis lpush %s: %w", key, err)
	}
	return nil
}

// LRange returns a slice of a list
func (r *RedisClient) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vals, err := r.client.LRange(ctx, r.key(key), start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange %s: %w", key, err)
	}
	return vals, nil
}

// Ping verifies connectivity
func (r *RedisClient) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", ErrConnectionFailed)
	}
	return nil
}

// Close releases the underlying connection pool
func (r *RedisClient) Close() error {
	r.logger.Debug("Closing Redis client", map[string]interface{}{
		"operation": "redis_client_close",
		"namespace": r.namespace,
	})
	return r.client.Close()
}
