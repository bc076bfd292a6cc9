package detectors

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/jasmin-sec/apiguard/internal/config"
	"github.com/jasmin-sec/apiguard/internal/logging"
	"github.com/jasmin-sec/apiguard/internal/model"
	"github.com/jasmin-sec/apiguard/internal/primitives"
)

// Enumeration spots two credential-probing shapes: one source cycling
// through many usernames, and one username being probed from many IPs
// (password spray). Cardinalities are HyperLogLog estimates; both
// signals compare against thresholds far above the ~1% estimation
// error, so approximation never flips a verdict.
type Enumeration struct {
	cfg config.EnumerationConfig

	usersPerSource primitives.DistinctEstimator
	ipsPerUser     primitives.DistinctEstimator

	sourceLock *primitives.CoolOffLock
	userLock   *primitives.CoolOffLock

	log *logging.Logger
}

func NewEnumeration(client *redis.Client, cfg config.EnumerationConfig, log *logging.Logger) *Enumeration {
	return &Enumeration{
		cfg: cfg,
		usersPerSource: primitives.NewHLLEstimator(client, "enum:users",
			cfg.Window, cfg.Bucket, cfg.Expiry),
		ipsPerUser: primitives.NewHLLEstimator(client, "enum:ips",
			cfg.UserIPsWindow, cfg.Bucket, cfg.UserIPsExpiry),
		sourceLock: primitives.NewCoolOffLock(client, "enum:lock:src"),
		userLock:   primitives.NewCoolOffLock(client, "enum:lock:user"),
		log:        log,
	}
}

func (d *Enumeration) Name() string { return "enumeration" }

// sourceKey identifies the probing side. Folding in a short user-agent
// hash separates distinct clients behind one NAT at the cost of letting
// an attacker shard their budget by rotating agents.
func (d *Enumeration) sourceKey(ev *model.SecurityEvent) string {
	src := primitives.NormalizeScope(ev.IP)
	if d.cfg.IncludeUserAgent {
		src += "|" + primitives.ShortHash(primitives.NormalizeScope(ev.UserAgent))
	}
	return src
}

func (d *Enumeration) Detect(ctx context.Context, ev *model.SecurityEvent) (*model.Verdict, error) {
	if !ev.IsLoginAttempt() {
		return nil, nil
	}

	src := d.sourceKey(ev)
	user := primitives.NormalizeScope(ev.Username)
	now := ev.Timestamp

	if on, err := d.sourceLock.IsActive(ctx, src); err != nil {
		return nil, err
	} else if on {
		return model.NewVerdict(
			[]string{model.ThreatEnumeration},
			[]string{model.ActionChallengeCaptcha, model.ActionRetryLater},
			"source is cooling off"), nil
	}
	if on, err := d.userLock.IsActive(ctx, user); err != nil {
		return nil, err
	} else if on {
		return model.NewVerdict(
			[]string{model.ThreatEnumeration},
			[]string{model.ActionChallengeMFA, model.ActionRetryLater},
			"username is cooling off"), nil
	}

	v := &model.Verdict{}

	if err := d.usersPerSource.Add(ctx, src, user, now); err != nil {
		return nil, err
	}
	probed, err := d.usersPerSource.WindowCount(ctx, src, now)
	if err != nil {
		return nil, err
	}
	if probed >= d.cfg.UsernameThreshold {
		if err := d.sourceLock.Activate(ctx, src, d.cfg.CoolOff); err != nil {
			return nil, err
		}
		d.log.InfoContext(ctx, "enumeration source flagged",
			logging.FieldIP, ev.IP, "distinct_usernames", probed)
		v.Merge(model.NewVerdict(
			[]string{model.ThreatEnumeration},
			[]string{model.ActionChallengeCaptcha, model.ActionRateLimit},
			fmt.Sprintf("source probed ~%d distinct usernames", probed)))
	}

	if err := d.ipsPerUser.Add(ctx, user, primitives.NormalizeScope(ev.IP), now); err != nil {
		return nil, err
	}
	sources, err := d.ipsPerUser.WindowCount(ctx, user, now)
	if err != nil {
		return nil, err
	}
	if sources >= d.cfg.UserIPsThreshold {
		if err := d.userLock.Activate(ctx, user, d.cfg.CoolOff); err != nil {
			return nil, err
		}
		d.log.InfoContext(ctx, "password spray flagged",
			logging.FieldUsername, user, "distinct_ips", sources)
		v.Merge(model.NewVerdict(
			[]string{model.ThreatEnumeration},
			[]string{model.ActionChallengeMFA},
			fmt.Sprintf("username probed from ~%d distinct ips", sources)))
	}

	if v.IsEmpty() {
		return nil, nil
	}
	return v, nil
}
