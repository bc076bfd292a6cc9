package primitives

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// creditScript refills by elapsed time then spends, all under one script
// execution so concurrent callers can never both consume the last credit.
// State is a hash {c = credits, ts = last-touch unix millis}; the current
// time arrives as an argument so replicas and tests agree on "now".
//
// Returns {allowed(0|1), remaining-credits-as-string}.
var creditScript = redis.NewScript(`
local max = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local c = max
local ts = now
local cur = redis.call('HMGET', KEYS[1], 'c', 'ts')
if cur[1] and cur[2] then
  c = tonumber(cur[1])
  ts = tonumber(cur[2])
  local elapsed = now - ts
  if elapsed > 0 then
    c = math.min(max, c + (elapsed / 1000) * refill)
  end
end

local allowed = 0
if c >= cost then
  c = c - cost
  allowed = 1
end

redis.call('HSET', KEYS[1], 'c', tostring(c), 'ts', tostring(now))
redis.call('PEXPIRE', KEYS[1], ttl)
return {allowed, tostring(c)}
`)

// CreditLimiter is a token bucket: each scope holds up to MaxCredits,
// refilling continuously at RefillPerSecond. A request spends Cost
// credits or is denied; denied requests still refresh the refill clock.
type CreditLimiter struct {
	client          *redis.Client
	prefix          string
	MaxCredits      float64
	RefillPerSecond float64
	Cost            float64
	// IdleTTL reclaims buckets for scopes that stopped sending. It must
	// exceed MaxCredits/RefillPerSecond or an expired bucket would hand
	// back a full balance early; NewCreditLimiter enforces that floor.
	IdleTTL time.Duration
}

func NewCreditLimiter(client *redis.Client, prefix string, max, refillPerSecond, cost float64, idleTTL time.Duration) *CreditLimiter {
	if refillPerSecond > 0 {
		full := time.Duration(max / refillPerSecond * float64(time.Second))
		if idleTTL < full {
			idleTTL = full
		}
	}
	return &CreditLimiter{
		client:          client,
		prefix:          prefix,
		MaxCredits:      max,
		RefillPerSecond: refillPerSecond,
		Cost:            cost,
		IdleTTL:         idleTTL,
	}
}

// TrySpend attempts to spend the configured cost for scope at now.
// It returns whether the spend was allowed and the remaining balance.
func (l *CreditLimiter) TrySpend(ctx context.Context, scope string, now time.Time) (bool, float64, error) {
	key := l.prefix + ":" + NormalizeScope(scope)
	res, err := creditScript.Run(ctx, l.client, []string{key},
		l.MaxCredits, l.RefillPerSecond, l.Cost,
		now.UnixMilli(), l.IdleTTL.Milliseconds()).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("credit spend %s: %w", key, err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("credit spend %s: unexpected reply %v", key, res)
	}

	allowed, _ := res[0].(int64)
	var remaining float64
	if s, ok := res[1].(string); ok {
		fmt.Sscanf(s, "%g", &remaining)
	}
	return allowed == 1, remaining, nil
}
