package detectors

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jasmin-sec/apiguard/internal/config"
	"github.com/jasmin-sec/apiguard/internal/logging"
	"github.com/jasmin-sec/apiguard/internal/model"
	"github.com/jasmin-sec/apiguard/internal/primitives"
	"github.com/jasmin-sec/apiguard/internal/threatbucket"
)

// deviceScript records one sighting of a fingerprint from an IP and
// returns the fingerprint's recent behavior in one atomic step.
//
// KEYS[1] sorted set of IPs seen, scored by last-seen millis
// KEYS[2] hash holding the previously seen IP
// KEYS[3] windowed counter of IP switches
// ARGV: ip, now-millis, window-millis, ttl-millis, max-tracked
//
// Returns {distinct-ips-in-window, switches-in-window}.
var deviceScript = redis.NewScript(`
local ip = ARGV[1]
local now = tonumber(ARGV[2])
local window = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])
local maxTracked = tonumber(ARGV[5])

redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
redis.call('ZADD', KEYS[1], now, ip)
local card = redis.call('ZCARD', KEYS[1])
if card > maxTracked then
  redis.call('ZREMRANGEBYRANK', KEYS[1], 0, card - maxTracked - 1)
  card = maxTracked
end
redis.call('PEXPIRE', KEYS[1], ttl)

local last = redis.call('HGET', KEYS[2], 'last')
local switches = tonumber(redis.call('GET', KEYS[3]) or '0')
if last and last ~= ip then
  switches = redis.call('INCR', KEYS[3])
  if switches == 1 then
    redis.call('PEXPIRE', KEYS[3], window)
  end
end
redis.call('HSET', KEYS[2], 'last', ip)
redis.call('PEXPIRE', KEYS[2], ttl)

return {card, switches}
`)

// DeviceAnomaly flags device fingerprints that fan out across many IPs
// or flip between IPs rapidly. A stolen fingerprint replayed from a
// botnet shows high fan-out; a single abuser rotating proxies shows
// high churn with modest fan-out.
type DeviceAnomaly struct {
	cfg    config.DeviceAnomalyConfig
	client *redis.Client

	lock    *primitives.CoolOffLock
	threats *threatbucket.Store
	log     *logging.Logger
}

func NewDeviceAnomaly(client *redis.Client, cfg config.DeviceAnomalyConfig, threats *threatbucket.Store, log *logging.Logger) *DeviceAnomaly {
	return &DeviceAnomaly{
		cfg:     cfg,
		client:  client,
		lock:    primitives.NewCoolOffLock(client, "dev:lock"),
		threats: threats,
		log:     log,
	}
}

func (d *DeviceAnomaly) Name() string { return "device_anomaly" }

// fingerprint resolves the device identity for an event: the extracted
// fingerprint field first, then the configured header candidates, then
// optionally the IP itself so anonymous traffic still gets churn
// tracking. Empty means the event carries no usable device identity.
func (d *DeviceAnomaly) fingerprint(ev *model.SecurityEvent) string {
	if fp := primitives.NormalizeScope(ev.Fingerprint); fp != "unknown" {
		return fp
	}
	for _, h := range d.cfg.HeaderCandidates {
		if v := ev.Header(h); v != "" {
			return primitives.NormalizeScope(v)
		}
	}
	if d.cfg.IncludeUserAgent && ev.UserAgent != "" {
		return "ua:" + primitives.ShortHash(primitives.NormalizeScope(ev.UserAgent))
	}
	if d.cfg.FallbackToIP && ev.IP != "" {
		return "ip:" + primitives.NormalizeScope(ev.IP)
	}
	return ""
}

func (d *DeviceAnomaly) Detect(ctx context.Context, ev *model.SecurityEvent) (*model.Verdict, error) {
	if pathExcluded(ev.Path, d.cfg.ExcludePaths) {
		return nil, nil
	}
	fp := d.fingerprint(ev)
	if fp == "" || allowlisted(fp, d.cfg.Allowlist) {
		return nil, nil
	}

	if on, err := d.lock.IsActive(ctx, fp); err != nil {
		return nil, err
	} else if on {
		return model.NewVerdict(
			[]string{model.ThreatDeviceAbuse},
			[]string{model.ActionBlockDevice, model.ActionRetryLater},
			"device is cooling off"), nil
	}

	ip := primitives.NormalizeScope(ev.IP)
	keys := []string{"dev:ips:" + fp, "dev:last:" + fp, "dev:sw:" + fp}
	ttl := d.cfg.Window + time.Minute

	res, err := deviceScript.Run(ctx, d.client, keys,
		ip, ev.Timestamp.UnixMilli(), d.cfg.Window.Milliseconds(),
		ttl.Milliseconds(), d.cfg.MaxTrackedIPs).Slice()
	if err != nil {
		return nil, fmt.Errorf("device observe %s: %w", fp, err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("device observe %s: unexpected reply %v", fp, res)
	}
	fanOut, _ := res[0].(int64)
	switches, _ := res[1].(int64)

	v := &model.Verdict{}

	if fanOut >= d.cfg.DistinctIPThreshold {
		v.Merge(model.NewVerdict(
			[]string{model.ThreatFingerprintAbuse},
			[]string{model.ActionBlockFingerprint, model.ActionChallengeMFA},
			fmt.Sprintf("fingerprint seen from %d ips in window", fanOut)))
	}
	if switches >= d.cfg.SwitchThreshold {
		v.Merge(model.NewVerdict(
			[]string{model.ThreatDeviceAbuse},
			[]string{model.ActionBlockDevice, model.ActionChallengeMFA},
			fmt.Sprintf("fingerprint switched ip %d times in window", switches)))
	}

	if v.IsEmpty() {
		return nil, nil
	}

	if err := d.lock.Activate(ctx, fp, d.cfg.CoolOff); err != nil {
		return nil, err
	}
	if err := d.threats.Add(ctx, threatbucket.Fingerprints, fp); err != nil {
		d.log.WarnContext(ctx, "threat bucket write failed", logging.Err(err))
	}
	d.log.InfoContext(ctx, "device anomaly",
		"fingerprint", fp, "fan_out", fanOut, "switches", switches)
	return v, nil
}
