package primitives

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// IdempotencyGuard admits each operation signature exactly once per
// window and counts how often duplicates of it keep arriving.
type IdempotencyGuard struct {
	client *redis.Client
	prefix string
	window time.Duration
}

func NewIdempotencyGuard(client *redis.Client, prefix string, window time.Duration) *IdempotencyGuard {
	return &IdempotencyGuard{client: client, prefix: prefix, window: window}
}

func (g *IdempotencyGuard) seenKey(sig string) string { return g.prefix + ":seen:" + sig }
func (g *IdempotencyGuard) dupKey(sig string) string  { return g.prefix + ":dup:" + sig }

// AdmitOnce returns true the first time sig is seen within the window.
// SET NX carries the TTL in the same command, so a crash between write
// and expiry cannot leave a signature blocked forever.
func (g *IdempotencyGuard) AdmitOnce(ctx context.Context, sig string) (bool, error) {
	ok, err := g.client.SetNX(ctx, g.seenKey(sig), "1", g.window).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency admit: %w", err)
	}
	return ok, nil
}

var dupCountScript = redis.NewScript(`
local v = redis.call('INCR', KEYS[1])
if v == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return v
`)

// CountDuplicate bumps the duplicate counter for sig and returns the
// total duplicates seen in the current window. The TTL is anchored to
// the first duplicate so a slow drip cannot keep the counter alive
// indefinitely.
func (g *IdempotencyGuard) CountDuplicate(ctx context.Context, sig string) (int64, error) {
	n, err := dupCountScript.Run(ctx, g.client,
		[]string{g.dupKey(sig)}, g.window.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("idempotency dup count: %w", err)
	}
	return n, nil
}
