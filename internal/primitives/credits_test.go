package primitives

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreditLimiterBurstThenDeny(t *testing.T) {
	_, client := newTestRedis(t)
	l := NewCreditLimiter(client, "rl:principal", 10, 2, 1, time.Minute)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		ok, _, err := l.TrySpend(ctx, "alice|203.0.113.7", testNow)
		require.NoError(t, err)
		assert.True(t, ok, "spend %d should pass", i+1)
	}

	ok, remaining, err := l.TrySpend(ctx, "alice|203.0.113.7", testNow)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Less(t, remaining, 1.0)
}

func TestCreditLimiterRefill(t *testing.T) {
	_, client := newTestRedis(t)
	l := NewCreditLimiter(client, "rl:principal", 10, 2, 1, time.Minute)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, _, err := l.TrySpend(ctx, "alice", testNow)
		require.NoError(t, err)
	}
	ok, _, err := l.TrySpend(ctx, "alice", testNow)
	require.NoError(t, err)
	require.False(t, ok)

	// 1 second at 2 credits/s refills enough for two spends.
	later := testNow.Add(time.Second)
	ok, _, err = l.TrySpend(ctx, "alice", later)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _, err = l.TrySpend(ctx, "alice", later)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _, err = l.TrySpend(ctx, "alice", later)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCreditLimiterRefillCapped(t *testing.T) {
	_, client := newTestRedis(t)
	l := NewCreditLimiter(client, "rl:principal", 10, 2, 1, time.Minute)
	ctx := context.Background()

	_, _, err := l.TrySpend(ctx, "alice", testNow)
	require.NoError(t, err)

	// Hours of idle never pushes the balance past max.
	later := testNow.Add(3 * time.Hour)
	_, remaining, err := l.TrySpend(ctx, "alice", later)
	require.NoError(t, err)
	assert.InDelta(t, 9.0, remaining, 0.001)
}

func TestCreditLimiterScopesIndependent(t *testing.T) {
	_, client := newTestRedis(t)
	l := NewCreditLimiter(client, "rl:principal", 2, 1, 1, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, _, err := l.TrySpend(ctx, "alice", testNow)
		require.NoError(t, err)
	}
	ok, _, err := l.TrySpend(ctx, "alice", testNow)
	require.NoError(t, err)
	require.False(t, ok)

	ok, _, err = l.TrySpend(ctx, "bob", testNow)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCreditLimiterIdleTTLFloor(t *testing.T) {
	_, client := newTestRedis(t)
	// 100 credits at 1/s takes 100s to refill; a 1s idle TTL would
	// amnesty spent credits, so the floor lifts it.
	l := NewCreditLimiter(client, "rl:subnet", 100, 1, 1, time.Second)
	assert.GreaterOrEqual(t, l.IdleTTL, 100*time.Second)
}
