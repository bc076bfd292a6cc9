// Package store builds the shared Redis client every primitive runs against.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds connection settings for the shared state store.
type Config struct {
	URL string
	// OpTimeout bounds every store operation; a timeout is treated as a
	// store failure by the detectors, never as "no threat".
	OpTimeout time.Duration
}

// New connects to Redis, verifies the connection, and returns the client.
func New(cfg Config) (*redis.Client, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	if cfg.OpTimeout > 0 {
		opt.DialTimeout = cfg.OpTimeout
		opt.ReadTimeout = cfg.OpTimeout
		opt.WriteTimeout = cfg.OpTimeout
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return client, nil
}
