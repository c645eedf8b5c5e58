// Package cache keeps conversation summaries in Redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/wpphook/internal/summary"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "wpphook:summary:"

// SummaryCache implements summary.Cache on Redis.
type SummaryCache struct {
	rdb *redis.Client
	ttl time.Duration
}

var _ summary.Cache = (*SummaryCache)(nil)

// Options configure the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, opts Options) (*SummaryCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}
	return &SummaryCache{rdb: rdb, ttl: opts.TTL}, nil
}

func key(conversationID string) string {
	return keyPrefix + conversationID
}

func (c *SummaryCache) Get(ctx context.Context, conversationID string) (*summary.Summary, bool, error) {
	data, err := c.rdb.Get(ctx, key(conversationID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	var s summary.Summary
	if err := json.Unmarshal(data, &s); err != nil {
		// A corrupt entry is a miss; the caller rewrites it.
		return nil, false, nil
	}
	return &s, true, nil
}

func (c *SummaryCache) Set(ctx context.Context, s *summary.Summary) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	if err := c.rdb.Set(ctx, key(s.ConversationID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (c *SummaryCache) Invalidate(ctx context.Context, conversationID string) error {
	if err := c.rdb.Del(ctx, key(conversationID)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Close closes the Redis client.
func (c *SummaryCache) Close() error {
	return c.rdb.Close()
}
