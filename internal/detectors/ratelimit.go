package detectors

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jasmin-sec/apiguard/internal/config"
	"github.com/jasmin-sec/apiguard/internal/logging"
	"github.com/jasmin-sec/apiguard/internal/metrics"
	"github.com/jasmin-sec/apiguard/internal/model"
	"github.com/jasmin-sec/apiguard/internal/primitives"
	"github.com/jasmin-sec/apiguard/internal/threatbucket"
)

// RateLimit charges every request against up to three credit buckets,
// coarsest first: the /24 subnet, the subnet+user-agent pair, and the
// individual principal. The layering lets a botnet burn the subnet
// budget before any single host looks hot, while a lone abuser drains
// its principal bucket long before the subnet notices.
//
// Repeat offenders escalate through strike tiers with progressively
// longer cool-offs; the third strike writes the IP to the known-bad set
// so the pre-check gate blocks it outright.
type RateLimit struct {
	cfg config.RateLimitConfig

	subnet    *primitives.CreditLimiter
	userAgent *primitives.CreditLimiter
	principal *primitives.CreditLimiter

	lock    *primitives.CoolOffLock
	strikes *primitives.WindowCounter

	threats *threatbucket.Store
	log     *logging.Logger
}

func NewRateLimit(client *redis.Client, cfg config.RateLimitConfig, threats *threatbucket.Store, log *logging.Logger) *RateLimit {
	idle := 2 * cfg.StrikeWindow
	if idle <= 0 {
		idle = 20 * time.Minute
	}
	return &RateLimit{
		cfg: cfg,
		subnet: primitives.NewCreditLimiter(client, "rl:subnet",
			cfg.Subnet.MaxCredits, cfg.Subnet.RefillPerSecond, cfg.Subnet.Cost, idle),
		userAgent: primitives.NewCreditLimiter(client, "rl:ua",
			cfg.UserAgent.MaxCredits, cfg.UserAgent.RefillPerSecond, cfg.UserAgent.Cost, idle),
		principal: primitives.NewCreditLimiter(client, "rl:principal",
			cfg.Principal.MaxCredits, cfg.Principal.RefillPerSecond, cfg.Principal.Cost, idle),
		lock: primitives.NewCoolOffLock(client, "rl:lock"),
		strikes: primitives.NewWindowCounter(client, "rl:strikes",
			cfg.StrikeWindow, time.Minute, cfg.StrikeWindow+2*time.Minute),
		threats: threats,
		log:     log,
	}
}

func (d *RateLimit) Name() string { return "rate_limit" }

func (d *RateLimit) principalKey(ev *model.SecurityEvent) string {
	p := primitives.NormalizeScope(ev.IP)
	if d.cfg.IncludeUserAgent {
		p += "|" + primitives.ShortHash(primitives.NormalizeScope(ev.UserAgent))
	}
	return p
}

func (d *RateLimit) Detect(ctx context.Context, ev *model.SecurityEvent) (*model.Verdict, error) {
	if allowlisted(ev.IP, d.cfg.Allowlist) || pathExcluded(ev.Path, d.cfg.ExcludePaths) {
		return nil, nil
	}

	principal := d.principalKey(ev)
	now := ev.Timestamp

	// An active cool-off rejects without spending credits, so the
	// penalized principal cannot drain shared-layer budgets either.
	if on, err := d.lock.IsActive(ctx, principal); err != nil {
		return d.failVerdict(err)
	} else if on {
		return model.NewVerdict(
			[]string{model.ThreatIPAbuse},
			[]string{model.ActionRateLimit, model.ActionRetryLater},
			"principal is cooling off"), nil
	}

	type layer struct {
		name    string
		cfg     config.CreditScopeConfig
		limiter *primitives.CreditLimiter
		scope   string
		threat  string
		actions []string
	}

	subnet := primitives.Subnet24(ev.IP)
	uaScope := subnet + "|" + primitives.ShortHash(primitives.NormalizeScope(ev.UserAgent))

	layers := []layer{
		{"subnet", d.cfg.Subnet, d.subnet, subnet, model.ThreatSubnetAbuse,
			[]string{model.ActionRateLimit, model.ActionRetryLater}},
		{"user_agent", d.cfg.UserAgent, d.userAgent, uaScope, model.ThreatIPAbuseUserAgent,
			[]string{model.ActionRateLimit, model.ActionChallengeCaptcha}},
		{"principal", d.cfg.Principal, d.principal, principal, model.ThreatIPAbuse,
			[]string{model.ActionRateLimit, model.ActionRetryLater}},
	}

	for _, l := range layers {
		if !l.cfg.Enabled {
			continue
		}
		ok, _, err := l.limiter.TrySpend(ctx, l.scope, now)
		if err != nil {
			return d.failVerdict(err)
		}
		if ok {
			continue
		}

		// First exhausted layer decides; inner layers are not charged
		// for a request that is already being rejected.
		metrics.RateLimitDenials.WithLabelValues(l.name).Inc()
		v := model.NewVerdict([]string{l.threat}, l.actions,
			fmt.Sprintf("%s budget exhausted", l.name))
		if err := d.strike(ctx, principal, ev.IP, now, v); err != nil {
			return d.failVerdict(err)
		}
		return v, nil
	}

	return nil, nil
}

// strike escalates the penalty for a denied principal and appends the
// escalation consequences to v.
func (d *RateLimit) strike(ctx context.Context, principal, ip string, now time.Time, v *model.Verdict) error {
	if !d.cfg.StrikeEscalation {
		return d.lock.Activate(ctx, principal, d.cfg.CoolOff)
	}

	n, err := d.strikes.IncrementAndSum(ctx, principal, 1, now)
	if err != nil {
		return err
	}

	coolOff := d.cfg.Strike1CoolOff
	switch {
	case n >= 3:
		coolOff = d.cfg.Strike3CoolOff
	case n == 2:
		coolOff = d.cfg.Strike2CoolOff
	}

	if err := d.lock.Activate(ctx, principal, coolOff); err != nil {
		return err
	}

	if n >= 3 {
		// Third strike inside the window: persistently abusive, promote
		// to the known-bad set the pre-check gate consults.
		if err := d.threats.Add(ctx, threatbucket.IPs, ip); err != nil {
			d.log.WarnContext(ctx, "threat bucket write failed", logging.Err(err))
		}
		v.Merge(model.NewVerdict(nil, []string{model.ActionBlockIP}, ""))
		d.log.InfoContext(ctx, "rate limit third strike",
			logging.FieldIP, ip, "strikes", n, "cool_off", coolOff.String())
	}
	return nil
}

// failVerdict applies the configured failure posture: fail-open surfaces
// the error so the engine abstains, fail-closed rejects the request.
func (d *RateLimit) failVerdict(err error) (*model.Verdict, error) {
	if d.cfg.FailOpen {
		return nil, err
	}
	return model.NewVerdict(
		[]string{model.ThreatIPAbuse},
		[]string{model.ActionRejectRequest, model.ActionRetryLater},
		"rate limiter unavailable"), nil
}
