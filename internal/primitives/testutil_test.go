package primitives

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

// testNow is an arbitrary fixed instant; primitives take explicit
// timestamps so tests never race the wall clock.
var testNow = time.Date(2026, 8, 29, 14, 5, 30, 0, time.UTC)
