package detectors

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/jasmin-sec/apiguard/internal/config"
	"github.com/jasmin-sec/apiguard/internal/logging"
	"github.com/jasmin-sec/apiguard/internal/model"
	"github.com/jasmin-sec/apiguard/internal/primitives"
)

// TrafficAnomaly learns each endpoint's normal request volume and flags
// buckets that sit far above it. A spike only fires when it comes from
// enough distinct IPs: one noisy client is the rate limiter's problem,
// not a traffic anomaly.
type TrafficAnomaly struct {
	cfg config.TrafficAnomalyConfig

	baseline *primitives.BaselineAnomalyScorer
	ips      *primitives.SetEstimator
	lock     *primitives.CoolOffLock

	log *logging.Logger
}

func NewTrafficAnomaly(client *redis.Client, cfg config.TrafficAnomalyConfig, log *logging.Logger) *TrafficAnomaly {
	return &TrafficAnomaly{
		cfg: cfg,
		baseline: primitives.NewBaselineAnomalyScorer(client, "traffic:base",
			cfg.Bucket, cfg.Alpha, cfg.ZThreshold, cfg.WarmupBuckets, cfg.Expiry),
		ips: primitives.NewSetEstimator(client, "traffic:ips",
			cfg.Window, cfg.Bucket, cfg.Expiry),
		lock: primitives.NewCoolOffLock(client, "traffic:lock"),
		log:  log,
	}
}

func (d *TrafficAnomaly) Name() string { return "traffic_anomaly" }

// endpoint keys traffic by method and canonical path so GET and DELETE
// on the same path learn separate baselines.
func endpoint(ev *model.SecurityEvent) string {
	return strings.ToUpper(ev.Method) + " " + canonicalPath(ev.Path)
}

func (d *TrafficAnomaly) Detect(ctx context.Context, ev *model.SecurityEvent) (*model.Verdict, error) {
	if pathExcluded(ev.Path, d.cfg.ExcludePaths) {
		return nil, nil
	}

	ep := endpoint(ev)
	now := ev.Timestamp

	// A flagged endpoint keeps rejecting for the cool-off, but traffic
	// still feeds the baseline model below so the bucket stays accurate.
	locked, err := d.lock.IsActive(ctx, ep)
	if err != nil {
		return nil, err
	}

	res, err := d.baseline.Observe(ctx, ep, now)
	if err != nil {
		return nil, err
	}
	if err := d.ips.Add(ctx, ep, primitives.NormalizeScope(ev.IP), now); err != nil {
		return nil, err
	}

	if locked {
		return model.NewVerdict(
			[]string{model.ThreatTrafficSpike},
			[]string{model.ActionRateLimitEndpoint, model.ActionRetryLater},
			"endpoint is cooling off"), nil
	}

	if !res.Surge {
		return nil, nil
	}

	distinct, err := d.ips.WindowCount(ctx, ep, now)
	if err != nil {
		return nil, err
	}
	if distinct < d.cfg.MinDistinctIPs {
		return nil, nil
	}

	if err := d.lock.Activate(ctx, ep, d.cfg.CoolOff); err != nil {
		return nil, err
	}
	d.log.InfoContext(ctx, "traffic spike",
		"endpoint", ep, "count", res.Count, "mean", res.Mean,
		"z", res.Z, "distinct_ips", distinct)
	return model.NewVerdict(
		[]string{model.ThreatTrafficSpike},
		[]string{model.ActionRateLimitEndpoint, model.ActionChallengeEndpoint},
		fmt.Sprintf("endpoint volume %d vs baseline %.1f (z=%.1f) from %d ips",
			res.Count, res.Mean, res.Z, distinct)), nil
}
