package primitives

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetEstimatorCountsDistinct(t *testing.T) {
	_, client := newTestRedis(t)
	e := NewSetEstimator(client, "dev:ips", 10*time.Minute, time.Minute, 12*time.Minute)
	ctx := context.Background()

	for _, ip := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.1"} {
		require.NoError(t, e.Add(ctx, "fp-1", ip, testNow))
	}

	n, err := e.WindowCount(ctx, "fp-1", testNow)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestSetEstimatorUnionAcrossBuckets(t *testing.T) {
	_, client := newTestRedis(t)
	e := NewSetEstimator(client, "dev:ips", 10*time.Minute, time.Minute, 12*time.Minute)
	ctx := context.Background()

	require.NoError(t, e.Add(ctx, "fp-1", "10.0.0.1", testNow.Add(-5*time.Minute)))
	require.NoError(t, e.Add(ctx, "fp-1", "10.0.0.1", testNow)) // same member, later bucket
	require.NoError(t, e.Add(ctx, "fp-1", "10.0.0.2", testNow))

	n, err := e.WindowCount(ctx, "fp-1", testNow)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestSetEstimatorOldBucketsFallOut(t *testing.T) {
	_, client := newTestRedis(t)
	e := NewSetEstimator(client, "dev:ips", 10*time.Minute, time.Minute, 12*time.Minute)
	ctx := context.Background()

	require.NoError(t, e.Add(ctx, "fp-1", "10.0.0.1", testNow.Add(-11*time.Minute)))

	n, err := e.WindowCount(ctx, "fp-1", testNow)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestHLLEstimatorThresholdCrossing(t *testing.T) {
	_, client := newTestRedis(t)
	e := NewHLLEstimator(client, "enum:users", 10*time.Minute, time.Minute, 12*time.Minute)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		require.NoError(t, e.Add(ctx, "203.0.113.7", fmt.Sprintf("user-%d", i), testNow))
	}

	n, err := e.WindowCount(ctx, "203.0.113.7", testNow)
	require.NoError(t, err)
	// HLL is approximate; at 25 members the estimate stays well clear of
	// a threshold of 20 in either direction of the error bound.
	assert.Greater(t, n, int64(20))
}

func TestHLLEstimatorDuplicatesNotCounted(t *testing.T) {
	_, client := newTestRedis(t)
	e := NewHLLEstimator(client, "enum:users", 10*time.Minute, time.Minute, 12*time.Minute)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		require.NoError(t, e.Add(ctx, "203.0.113.7", "same-user", testNow))
	}

	n, err := e.WindowCount(ctx, "203.0.113.7", testNow)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestEstimatorsExpire(t *testing.T) {
	mr, client := newTestRedis(t)
	e := NewSetEstimator(client, "dev:ips", 10*time.Minute, time.Minute, 12*time.Minute)
	ctx := context.Background()

	require.NoError(t, e.Add(ctx, "fp-1", "10.0.0.1", testNow))
	mr.FastForward(13 * time.Minute)
	assert.Empty(t, client.Keys(ctx, "dev:ips:*").Val())
}
