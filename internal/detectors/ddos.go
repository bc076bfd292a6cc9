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

// DDoS watches very short horizons: per-IP and global request counts
// over 1 and 10 second buckets, per-endpoint counts over 10 seconds,
// and the distinct-IP count per minute. All counters for one event are
// updated in a single pipeline round trip, since this detector sits in
// the hot path for every request.
type DDoS struct {
	cfg    config.DDoSConfig
	client *redis.Client
	log    *logging.Logger
}

func NewDDoS(client *redis.Client, cfg config.DDoSConfig, log *logging.Logger) *DDoS {
	return &DDoS{cfg: cfg, client: client, log: log}
}

func (d *DDoS) Name() string { return "ddos" }

func (d *DDoS) suspiciousUA(ua string) bool {
	if !d.cfg.CheckSuspiciousUA {
		return false
	}
	lower := strings.ToLower(ua)
	for _, s := range d.cfg.SuspiciousUserAgents {
		if strings.Contains(lower, strings.ToLower(s)) {
			return true
		}
	}
	return false
}

func (d *DDoS) Detect(ctx context.Context, ev *model.SecurityEvent) (*model.Verdict, error) {
	ip := primitives.NormalizeScope(ev.IP)
	pathHash := primitives.ShortHash(canonicalPath(ev.Path))
	now := ev.Timestamp

	s1 := now.Unix()
	s10 := now.Unix() / 10
	minute := now.Unix() / 60
	p := d.cfg.KeyPrefix

	keyIPS1 := fmt.Sprintf("%s:ip:s1:%s:%d", p, ip, s1)
	keyIPS10 := fmt.Sprintf("%s:ip:s10:%s:%d", p, ip, s10)
	keyGlobS1 := fmt.Sprintf("%s:glob:s1:%d", p, s1)
	keyGlobS10 := fmt.Sprintf("%s:glob:s10:%d", p, s10)
	keyPathS10 := fmt.Sprintf("%s:path:s10:%s:%d", p, pathHash, s10)
	keyUniq := fmt.Sprintf("%s:uniq:m:%d", p, minute)

	pipe := d.client.Pipeline()
	ipS1 := pipe.Incr(ctx, keyIPS1)
	pipe.PExpire(ctx, keyIPS1, d.cfg.S1TTL)
	ipS10 := pipe.Incr(ctx, keyIPS10)
	pipe.PExpire(ctx, keyIPS10, d.cfg.S10TTL)
	globS1 := pipe.Incr(ctx, keyGlobS1)
	pipe.PExpire(ctx, keyGlobS1, d.cfg.S1TTL)
	globS10 := pipe.Incr(ctx, keyGlobS10)
	pipe.PExpire(ctx, keyGlobS10, d.cfg.S10TTL)
	pathS10 := pipe.Incr(ctx, keyPathS10)
	pipe.PExpire(ctx, keyPathS10, d.cfg.S10TTL)
	var uniq *redis.IntCmd
	if d.cfg.UseDistinctIPSurge {
		pipe.PFAdd(ctx, keyUniq, ip)
		pipe.PExpire(ctx, keyUniq, d.cfg.UniqTTL)
		uniq = pipe.PFCount(ctx, keyUniq)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("ddos counters: %w", err)
	}

	v := &model.Verdict{}

	if ipS1.Val() > d.cfg.PerIPS1 || ipS10.Val() > d.cfg.PerIPS10 {
		v.Merge(model.NewVerdict(
			[]string{model.ThreatPerIPRateExceeded},
			[]string{model.ActionBlockIP, model.ActionRateLimit},
			fmt.Sprintf("ip sent %d/1s %d/10s", ipS1.Val(), ipS10.Val())))
	}
	if globS1.Val() > d.cfg.GlobalS1 || globS10.Val() > d.cfg.GlobalS10 {
		v.Merge(model.NewVerdict(
			[]string{model.ThreatGlobalTrafficSpike},
			[]string{model.ActionRateLimit, model.ActionRetryLater},
			fmt.Sprintf("global volume %d/1s %d/10s", globS1.Val(), globS10.Val())))
	}
	if pathS10.Val() > d.cfg.PerPathS10 {
		v.Merge(model.NewVerdict(
			[]string{model.ThreatHighTrafficPath},
			[]string{model.ActionRateLimitEndpoint, model.ActionChallengeEndpoint},
			fmt.Sprintf("endpoint volume %d/10s", pathS10.Val())))
	}
	if uniq != nil && uniq.Val() > d.cfg.UniqueIPsPerMinute {
		v.Merge(model.NewVerdict(
			[]string{model.ThreatUniqueIPSurge},
			[]string{model.ActionChallengeCaptcha},
			fmt.Sprintf("~%d distinct ips this minute", uniq.Val())))
	}

	if v.IsEmpty() {
		return nil, nil
	}

	// A scripted user agent is corroborating evidence, not a threat on
	// its own; half the internet's health checks run on curl.
	if d.suspiciousUA(ev.UserAgent) {
		v.Merge(model.NewVerdict(
			[]string{model.ThreatSuspiciousUA},
			[]string{model.ActionChallengeCaptcha}, ""))
	}

	d.log.InfoContext(ctx, "ddos signal",
		logging.FieldIP, ev.IP, "threats", strings.Join(v.Threats, ","))
	return v, nil
}
