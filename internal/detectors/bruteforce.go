package detectors

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/jasmin-sec/apiguard/internal/config"
	"github.com/jasmin-sec/apiguard/internal/logging"
	"github.com/jasmin-sec/apiguard/internal/model"
	"github.com/jasmin-sec/apiguard/internal/primitives"
	"github.com/jasmin-sec/apiguard/internal/threatbucket"
)

// BruteForce watches credential attempts along three scopes: per
// username (distributed guessing of one account), per source IP (one
// host attacking many accounts) and per username+IP pair (a single
// host hammering a single account, which trips on a lower threshold).
type BruteForce struct {
	cfg config.BruteForceConfig

	users *primitives.WindowCounter
	ips   *primitives.WindowCounter
	pairs *primitives.WindowCounter

	userLock *primitives.CoolOffLock
	ipLock   *primitives.CoolOffLock
	pairLock *primitives.CoolOffLock

	threats *threatbucket.Store
	log     *logging.Logger
}

func NewBruteForce(client *redis.Client, cfg config.BruteForceConfig, threats *threatbucket.Store, log *logging.Logger) *BruteForce {
	return &BruteForce{
		cfg:      cfg,
		users:    primitives.NewWindowCounter(client, "bf:user", cfg.Window, cfg.Bucket, cfg.Expiry),
		ips:      primitives.NewWindowCounter(client, "bf:ip", cfg.Window, cfg.Bucket, cfg.Expiry),
		pairs:    primitives.NewWindowCounter(client, "bf:pair", cfg.Window, cfg.Bucket, cfg.Expiry),
		userLock: primitives.NewCoolOffLock(client, "bf:lock:user"),
		ipLock:   primitives.NewCoolOffLock(client, "bf:lock:ip"),
		pairLock: primitives.NewCoolOffLock(client, "bf:lock:pair"),
		threats:  threats,
		log:      log,
	}
}

func (d *BruteForce) Name() string { return "brute_force" }

func (d *BruteForce) Detect(ctx context.Context, ev *model.SecurityEvent) (*model.Verdict, error) {
	if !ev.IsLoginAttempt() {
		return nil, nil
	}

	user := primitives.NormalizeScope(ev.Username)
	ip := primitives.NormalizeScope(ev.IP)
	pair := user + "|" + ip
	now := ev.Timestamp

	// While a scope is cooling off the attempt is rejected without
	// feeding the counters, so a locked-out attacker cannot keep the
	// window warm and roll one lock straight into the next.
	if locked, err := d.activeLock(ctx, user, ip, pair); err != nil {
		return nil, err
	} else if locked != nil {
		return locked, nil
	}

	v := &model.Verdict{}

	userCount, err := d.users.IncrementAndSum(ctx, user, 1, now)
	if err != nil {
		return nil, err
	}
	if userCount > d.cfg.UsernameThreshold {
		if err := d.userLock.Activate(ctx, user, d.cfg.CoolOff); err != nil {
			return nil, err
		}
		if err := d.threats.Add(ctx, threatbucket.Usernames, user); err != nil {
			d.log.WarnContext(ctx, "threat bucket write failed", logging.Err(err))
		}
		d.log.InfoContext(ctx, "brute force lock",
			logging.FieldUsername, user, "attempts", userCount)
		v.Merge(model.NewVerdict(
			[]string{model.ThreatBruteForce},
			[]string{model.ActionLockAccount, model.ActionChallengeMFA},
			fmt.Sprintf("username saw %d attempts in window", userCount)))
	}

	ipCount, err := d.ips.IncrementAndSum(ctx, ip, 1, now)
	if err != nil {
		return nil, err
	}
	if ipCount > d.cfg.IPThreshold {
		if err := d.ipLock.Activate(ctx, ip, d.cfg.CoolOff); err != nil {
			return nil, err
		}
		d.log.InfoContext(ctx, "brute force ip lock",
			logging.FieldIP, ip, "attempts", ipCount)
		v.Merge(model.NewVerdict(
			[]string{model.ThreatBruteForce},
			[]string{model.ActionBlockIP, model.ActionChallengeCaptcha},
			fmt.Sprintf("ip saw %d attempts in window", ipCount)))
	}

	pairCount, err := d.pairs.IncrementAndSum(ctx, pair, 1, now)
	if err != nil {
		return nil, err
	}
	if pairCount > d.cfg.UserIPThreshold {
		if err := d.pairLock.Activate(ctx, pair, d.cfg.CoolOff); err != nil {
			return nil, err
		}
		v.Merge(model.NewVerdict(
			[]string{model.ThreatBruteForce},
			[]string{model.ActionLockAccount, model.ActionChallengeCaptcha},
			fmt.Sprintf("username+ip saw %d attempts in window", pairCount)))
	}

	if v.IsEmpty() {
		return nil, nil
	}
	return v, nil
}

// activeLock returns the rejection verdict if any of the three scopes is
// cooling off, or nil when none are.
func (d *BruteForce) activeLock(ctx context.Context, user, ip, pair string) (*model.Verdict, error) {
	if on, err := d.userLock.IsActive(ctx, user); err != nil {
		return nil, err
	} else if on {
		return model.NewVerdict(
			[]string{model.ThreatBruteForce},
			[]string{model.ActionLockAccount, model.ActionRetryLater},
			"username is cooling off"), nil
	}
	if on, err := d.ipLock.IsActive(ctx, ip); err != nil {
		return nil, err
	} else if on {
		return model.NewVerdict(
			[]string{model.ThreatBruteForce},
			[]string{model.ActionBlockIP, model.ActionRetryLater},
			"ip is cooling off"), nil
	}
	if on, err := d.pairLock.IsActive(ctx, pair); err != nil {
		return nil, err
	} else if on {
		return model.NewVerdict(
			[]string{model.ThreatBruteForce},
			[]string{model.ActionLockAccount, model.ActionRetryLater},
			"username+ip is cooling off"), nil
	}
	return nil, nil
}
