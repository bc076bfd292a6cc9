package primitives

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrExpireScript bumps a counter and refreshes its TTL atomically so a
// bucket can never survive as an immortal key after a partial failure.
var incrExpireScript = redis.NewScript(`
local v = redis.call('INCRBY', KEYS[1], ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return v
`)

// WindowCounter counts events in fixed time buckets and sums them over a
// sliding window. Each bucket lives in its own key so expiry does the
// cleanup; a read is one MGET over the buckets the window covers.
type WindowCounter struct {
	client *redis.Client
	prefix string
	window time.Duration
	bucket time.Duration
	expiry time.Duration
}

func NewWindowCounter(client *redis.Client, prefix string, window, bucket, expiry time.Duration) *WindowCounter {
	return &WindowCounter{
		client: client,
		prefix: prefix,
		window: window,
		bucket: bucket,
		expiry: expiry,
	}
}

func (w *WindowCounter) key(scope, bucketID string) string {
	return fmt.Sprintf("%s:%s:%s", w.prefix, NormalizeScope(scope), bucketID)
}

// Increment adds weight to the bucket covering now and returns the new
// bucket value.
func (w *WindowCounter) Increment(ctx context.Context, scope string, weight int64, now time.Time) (int64, error) {
	key := w.key(scope, BucketID(now, w.bucket))
	v, err := incrExpireScript.Run(ctx, w.client,
		[]string{key}, weight, w.expiry.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("window increment %s: %w", key, err)
	}
	return v, nil
}

// WindowSum returns the total across all buckets the sliding window
// touches. Missing buckets count as zero; a bucket holding a non-numeric
// value counts as zero rather than poisoning the sum.
func (w *WindowCounter) WindowSum(ctx context.Context, scope string, now time.Time) (int64, error) {
	ids := WindowBucketIDs(now, w.window, w.bucket)
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = w.key(scope, id)
	}

	vals, err := w.client.MGet(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("window sum %s: %w", w.prefix, err)
	}

	var sum int64
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			continue
		}
		sum += n
	}
	return sum, nil
}

// IncrementAndSum is the common detector step: record the event, then
// read the sliding total including it.
func (w *WindowCounter) IncrementAndSum(ctx context.Context, scope string, weight int64, now time.Time) (int64, error) {
	if _, err := w.Increment(ctx, scope, weight, now); err != nil {
		return 0, err
	}
	return w.WindowSum(ctx, scope, now)
}
