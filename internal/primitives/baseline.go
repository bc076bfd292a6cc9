package primitives

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// baselineScript keeps one hash per scope: the live bucket's count plus
// an exponentially weighted mean/variance of past bucket totals.
//
// A bucket folds into the baseline exactly once, when the first event of
// a later bucket arrives. Buckets that were flagged as surging never
// fold, so an attack cannot teach the baseline that attack volume is
// normal. The first bucket a scope ever sees seeds nothing until it
// closes.
//
// Returns {count, mean, var, samples, surge(0|1), z}.
var baselineScript = redis.NewScript(`
local bucket = ARGV[1]
local alpha = tonumber(ARGV[2])
local zthr = tonumber(ARGV[3])
local warmup = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local d = redis.call('HMGET', KEYS[1], 'bucket', 'count', 'mean', 'var', 'n', 'flagged')
local cur = d[1]
local count = tonumber(d[2]) or 0
local mean = tonumber(d[3]) or 0
local var = tonumber(d[4]) or 0
local n = tonumber(d[5]) or 0
local flagged = d[6] == '1'

if cur and cur ~= bucket then
  if not flagged then
    local delta = count - mean
    mean = (1 - alpha) * mean + alpha * count
    var = (1 - alpha) * (var + alpha * delta * delta)
    n = n + 1
  end
  count = 0
  flagged = false
end

count = count + 1

local z = 0
local surge = 0
if n >= warmup then
  local sd = math.sqrt(math.max(var, 1e-9))
  z = (count - mean) / sd
  if z >= zthr then
    surge = 1
    flagged = true
  end
end

redis.call('HSET', KEYS[1],
  'bucket', bucket, 'count', count,
  'mean', tostring(mean), 'var', tostring(var),
  'n', n, 'flagged', flagged and '1' or '0')
redis.call('PEXPIRE', KEYS[1], ttl)
return {count, tostring(mean), tostring(var), n, surge, tostring(z)}
`)

// BaselineResult is one observation's view of a scope's traffic model.
type BaselineResult struct {
	Count   int64   // events in the live bucket, including this one
	Mean    float64 // EWMA of closed bucket totals
	Var     float64 // EWMA variance of closed bucket totals
	Samples int64   // closed buckets folded so far
	Z       float64 // z-score of the live count against the baseline
	Surge   bool    // true once the live bucket crossed the z threshold
}

// Warmed reports whether enough buckets have folded for z-scores to be
// meaningful. Before warmup the scorer only learns, never flags.
func (r BaselineResult) Warmed(warmup int64) bool { return r.Samples >= warmup }

// BaselineAnomalyScorer learns per-scope traffic baselines and flags
// buckets whose volume sits far above the learned mean.
type BaselineAnomalyScorer struct {
	client        *redis.Client
	prefix        string
	bucket        time.Duration
	Alpha         float64
	ZThreshold    float64
	WarmupBuckets int64
	Expiry        time.Duration
}

func NewBaselineAnomalyScorer(client *redis.Client, prefix string, bucket time.Duration, alpha, zThreshold float64, warmup int64, expiry time.Duration) *BaselineAnomalyScorer {
	return &BaselineAnomalyScorer{
		client:        client,
		prefix:        prefix,
		bucket:        bucket,
		Alpha:         alpha,
		ZThreshold:    zThreshold,
		WarmupBuckets: warmup,
		Expiry:        expiry,
	}
}

// Observe records one event for scope at now and returns the updated
// model state.
func (s *BaselineAnomalyScorer) Observe(ctx context.Context, scope string, now time.Time) (BaselineResult, error) {
	key := s.prefix + ":" + NormalizeScope(scope)
	res, err := baselineScript.Run(ctx, s.client, []string{key},
		BucketID(now, s.bucket), s.Alpha, s.ZThreshold,
		s.WarmupBuckets, s.Expiry.Milliseconds()).Slice()
	if err != nil {
		return BaselineResult{}, fmt.Errorf("baseline observe %s: %w", key, err)
	}
	if len(res) != 6 {
		return BaselineResult{}, fmt.Errorf("baseline observe %s: unexpected reply %v", key, res)
	}

	out := BaselineResult{}
	out.Count, _ = res[0].(int64)
	out.Mean = parseFloatReply(res[1])
	out.Var = parseFloatReply(res[2])
	out.Samples, _ = res[3].(int64)
	surge, _ := res[4].(int64)
	out.Surge = surge == 1
	out.Z = parseFloatReply(res[5])
	return out, nil
}

func parseFloatReply(v any) float64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
