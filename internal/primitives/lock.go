package primitives

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// CoolOffLock marks a scope as penalized for a duration. The lock is a
// plain key with a TTL; being active means the key still exists. Locks
// only ever extend: re-activating with a shorter duration than the time
// remaining leaves the longer lock in place.
type CoolOffLock struct {
	client *redis.Client
	prefix string
}

func NewCoolOffLock(client *redis.Client, prefix string) *CoolOffLock {
	return &CoolOffLock{client: client, prefix: prefix}
}

func (l *CoolOffLock) key(scope string) string {
	return l.prefix + ":" + NormalizeScope(scope)
}

var lockExtendScript = redis.NewScript(`
local ttl = redis.call('PTTL', KEYS[1])
local want = tonumber(ARGV[1])
if ttl < want then
  redis.call('SET', KEYS[1], '1', 'PX', want)
end
return 1
`)

// Activate places (or extends) the lock on scope for d.
func (l *CoolOffLock) Activate(ctx context.Context, scope string, d time.Duration) error {
	if err := lockExtendScript.Run(ctx, l.client,
		[]string{l.key(scope)}, d.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("cool-off activate %s: %w", l.key(scope), err)
	}
	return nil
}

// IsActive reports whether scope is currently locked.
func (l *CoolOffLock) IsActive(ctx context.Context, scope string) (bool, error) {
	n, err := l.client.Exists(ctx, l.key(scope)).Result()
	if err != nil {
		return false, fmt.Errorf("cool-off check %s: %w", l.key(scope), err)
	}
	return n > 0, nil
}

// Remaining returns how long the lock has left, or zero if inactive.
func (l *CoolOffLock) Remaining(ctx context.Context, scope string) (time.Duration, error) {
	d, err := l.client.PTTL(ctx, l.key(scope)).Result()
	if err != nil {
		return 0, fmt.Errorf("cool-off ttl %s: %w", l.key(scope), err)
	}
	if d < 0 {
		return 0, nil
	}
	return d, nil
}
