// Package threatbucket maintains the known-bad sets shared between the
// detectors (who write) and the pre-check gate (who reads).
package threatbucket

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Bucket names. Members are the raw scoped values the detectors flagged.
const (
	IPs          = "threat:ips"
	Usernames    = "threat:usernames"
	Fingerprints = "threat:fingerprints"
	Correlations = "threat:correlations"
)

// Store wraps the Redis sets holding confirmed-bad identifiers.
type Store struct {
	client *redis.Client
}

func New(client *redis.Client) *Store {
	return &Store{client: client}
}

// Add marks member as known-bad in the named bucket.
func (s *Store) Add(ctx context.Context, bucket, member string) error {
	if member == "" {
		return nil
	}
	if err := s.client.SAdd(ctx, bucket, member).Err(); err != nil {
		return fmt.Errorf("threat bucket add %s: %w", bucket, err)
	}
	return nil
}

// Contains reports whether member is known-bad. A store failure reports
// false with the error so the caller can decide the fail posture; the
// pre-check gate treats errors as "not listed".
func (s *Store) Contains(ctx context.Context, bucket, member string) (bool, error) {
	if member == "" {
		return false, nil
	}
	ok, err := s.client.SIsMember(ctx, bucket, member).Result()
	if err != nil {
		return false, fmt.Errorf("threat bucket check %s: %w", bucket, err)
	}
	return ok, nil
}

// Remove clears member from the named bucket. Used by operator tooling
// to lift a block.
func (s *Store) Remove(ctx context.Context, bucket, member string) error {
	if err := s.client.SRem(ctx, bucket, member).Err(); err != nil {
		return fmt.Errorf("threat bucket remove %s: %w", bucket, err)
	}
	return nil
}
