// Package cache wraps the Redis client used for the permission cache and for
// cross-instance pub/sub fanout. Callers treat Redis as best effort: a miss or
// an error falls back to the database.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrMiss is returned by Get when the key is absent.
var ErrMiss = errors.New("cache: miss")

// Cache is a thin wrapper over one Redis connection pool.
type Cache struct {
	client *redis.Client
	logger *zap.Logger
}

// Config holds Redis connection settings.
type Config struct {
	Addr     string
	Password string
}

// New connects to Redis and verifies the connection with a ping.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("cache: connect to %s: %w", cfg.Addr, err)
	}

	return &Cache{client: client, logger: logger}, nil
}

// NewFromClient wraps an existing client. Used by tests with miniredis.
func NewFromClient(client *redis.Client, logger *zap.Logger) *Cache {
	return &Cache{client: client, logger: logger}
}

func (c *Cache) Get(ctx context.Context, key string) (string, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrMiss
		}
		return "", fmt.Errorf("cache: get %s: %w", key, err)
	}
	return val, nil
}

func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache: set %s: %w", key, err)
	}
	return nil
}

func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache: delete: %w", err)
	}
	return nil
}

// DeletePrefix removes every key matching prefix*. SCAN keeps this safe on a
// shared instance; the permission keyspace is small.
func (c *Cache) DeletePrefix(ctx context.Context, prefix string) error {
	iter := c.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("cache: scan %s: %w", prefix, err)
	}
	return c.Delete(ctx, keys...)
}

func (c *Cache) Publish(ctx context.Context, channel, payload string) error {
	if err := c.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("cache: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe delivers messages on the given channels to fn until ctx is done.
// The subscription runs on the caller's goroutine.
func (c *Cache) Subscribe(ctx context.Context, fn func(channel, payload string), channels ...string) error {
	sub := c.client.Subscribe(ctx, channels...)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			fn(msg.Channel, msg.Payload)
		}
	}
}

// PSubscribe delivers messages matching the given patterns to fn until ctx
// is done. Used to bridge per-session event channels without enumerating
// session ids.
func (c *Cache) PSubscribe(ctx context.Context, fn func(channel, payload string), patterns ...string) error {
	sub := c.client.PSubscribe(ctx, patterns...)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			fn(msg.Channel, msg.Payload)
		}
	}
}

// Close releases the underlying connection pool.
func (c *Cache) Close() error {
	return c.client.Close()
}
