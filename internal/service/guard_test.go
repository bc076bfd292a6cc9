package service

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jasmin-sec/apiguard/internal/config"
	"github.com/jasmin-sec/apiguard/internal/detectors"
	"github.com/jasmin-sec/apiguard/internal/engine"
	"github.com/jasmin-sec/apiguard/internal/logging"
	"github.com/jasmin-sec/apiguard/internal/model"
	"github.com/jasmin-sec/apiguard/internal/publish"
	"github.com/jasmin-sec/apiguard/internal/threatbucket"
)

var testNow = time.Date(2026, 8, 29, 14, 5, 30, 0, time.UTC)

type capturingAlerts struct {
	alerts []publish.Alert
}

func (c *capturingAlerts) PublishAlert(_ context.Context, a publish.Alert) error {
	c.alerts = append(c.alerts, a)
	return nil
}
func (c *capturingAlerts) Close() {}

type guardFixture struct {
	mr      *miniredis.Miniredis
	client  *redis.Client
	threats *threatbucket.Store
	alerts  *capturingAlerts
	guard   *Guard
}

func newGuardFixture(t *testing.T, mutate func(*config.Config)) *guardFixture {
	t.Helper()

	cfg, err := config.Load("")
	require.NoError(t, err)
	// High DDoS floors keep the volume detectors quiet unless a test
	// deliberately provokes them.
	cfg.Detectors.DDoS.PerIPS1 = 100000
	cfg.Detectors.DDoS.PerIPS10 = 100000
	cfg.Detectors.DDoS.UniqueIPsPerMinute = 100000
	cfg.Detectors.DDoS.PerPathS10 = 100000
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	log := logging.New(slog.LevelError, "text")
	threats := threatbucket.New(client)
	chain := detectors.BuildChain(client, cfg.Detectors, threats, log)
	eng := engine.New(log, chain...)
	recorder := publish.NewRecorder(client, publish.RecorderConfig{
		StreamKey:       cfg.Recording.StreamKey,
		CounterTTL:      cfg.Recording.CounterTTL,
		ThreatRetention: cfg.Recording.ThreatRetention,
		MaxBodyBytes:    cfg.Recording.MaxBodyBytes,
		HeaderAllowlist: cfg.Recording.HeaderAllowlist,
	})
	alerts := &capturingAlerts{}

	return &guardFixture{
		mr:      mr,
		client:  client,
		threats: threats,
		alerts:  alerts,
		guard:   NewGuard(engine.NewPreCheck(threats, log), eng, threats, recorder, alerts, log),
	}
}

func loginEvent(username, ip string, at time.Time) *model.SecurityEvent {
	return &model.SecurityEvent{
		Method:    "POST",
		Path:      "/auth/login",
		IP:        ip,
		Username:  username,
		UserAgent: "Mozilla/5.0",
		Timestamp: at,
	}
}

func TestGuardCleanTrafficPasses(t *testing.T) {
	f := newGuardFixture(t, nil)
	ctx := context.Background()

	v := f.guard.Check(ctx, &model.SecurityEvent{
		Method: "GET", Path: "/api/orders", IP: "203.0.113.7",
		UserAgent: "Mozilla/5.0", Timestamp: testNow,
	})
	assert.True(t, v.IsEmpty())
	assert.Empty(t, f.alerts.alerts)

	// Traffic is still counted.
	n, err := f.client.Get(ctx, "events:2026-08-29:14:05").Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestGuardBruteForceEndToEnd(t *testing.T) {
	f := newGuardFixture(t, nil)
	ctx := context.Background()

	// Six attempts against one account from six IPs: the sixth crosses
	// the threshold of five and convicts.
	var v *model.Verdict
	for i := 0; i < 6; i++ {
		v = f.guard.Check(ctx, loginEvent("alice", fmt.Sprintf("10.0.0.%d", i+1), testNow))
	}
	require.False(t, v.IsEmpty())
	assert.Contains(t, v.Threats, model.ThreatBruteForce)
	assert.Contains(t, v.Actions, model.ActionLockAccount)

	// The seventh is rejected from the cool-off without re-counting.
	sumBefore := windowSum(t, f.client, "bf:user:alice:*")
	v = f.guard.Check(ctx, loginEvent("alice", "10.0.0.7", testNow))
	require.False(t, v.IsEmpty())
	assert.Contains(t, v.Actions, model.ActionRetryLater)
	assert.Equal(t, sumBefore, windowSum(t, f.client, "bf:user:alice:*"))

	// Conviction produced alerts and analytics.
	assert.NotEmpty(t, f.alerts.alerts)
	assert.Positive(t, f.client.XLen(ctx, "security:events").Val())
}

func windowSum(t *testing.T, client *redis.Client, pattern string) int64 {
	t.Helper()
	ctx := context.Background()
	var sum int64
	for _, k := range client.Keys(ctx, pattern).Val() {
		n, err := client.Get(ctx, k).Int64()
		require.NoError(t, err)
		sum += n
	}
	return sum
}

func TestGuardRateLimitBurstEndToEnd(t *testing.T) {
	f := newGuardFixture(t, func(cfg *config.Config) {
		// Only the principal layer, with a 10-credit burst.
		cfg.Detectors.RateLimit.Subnet.Enabled = false
		cfg.Detectors.BruteForce.Enabled = false
		cfg.Detectors.Enumeration.Enabled = false
	})
	ctx := context.Background()

	ev := func() *model.SecurityEvent {
		return &model.SecurityEvent{
			Method: "GET", Path: "/api/orders", IP: "203.0.113.7",
			UserAgent: "Mozilla/5.0", Timestamp: testNow,
		}
	}

	for i := 0; i < 10; i++ {
		v := f.guard.Check(ctx, ev())
		assert.True(t, v.IsEmpty(), "request %d should pass", i+1)
	}

	// The eleventh exceeds the burst and starts a cool-off.
	v := f.guard.Check(ctx, ev())
	require.False(t, v.IsEmpty())
	assert.Contains(t, v.Threats, model.ThreatIPAbuse)
	assert.Contains(t, v.Actions, model.ActionRateLimit)

	v = f.guard.Check(ctx, ev())
	require.False(t, v.IsEmpty())
	assert.Contains(t, v.Actions, model.ActionRetryLater)
}

func TestGuardPreCheckShortCircuitsEngine(t *testing.T) {
	f := newGuardFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.threats.Add(ctx, threatbucket.IPs, "203.0.113.66"))

	v := f.guard.Check(ctx, &model.SecurityEvent{
		Method: "GET", Path: "/api/orders", IP: "203.0.113.66",
		UserAgent: "Mozilla/5.0", Timestamp: testNow,
	})
	require.False(t, v.IsEmpty())
	assert.Equal(t, []string{model.ThreatKnownBadIP}, v.Threats)

	// The engine never ran: no rate-limit bucket was charged.
	assert.Empty(t, f.client.Keys(ctx, "rl:principal:*").Val())
}

func TestGuardThirdStrikePromotesToKnownBad(t *testing.T) {
	f := newGuardFixture(t, func(cfg *config.Config) {
		cfg.Detectors.RateLimit.Subnet.Enabled = false
		cfg.Detectors.BruteForce.Enabled = false
		cfg.Detectors.Enumeration.Enabled = false
	})
	ctx := context.Background()

	ev := func(at time.Time) *model.SecurityEvent {
		return &model.SecurityEvent{
			Method: "GET", Path: "/api/orders", IP: "203.0.113.7",
			UserAgent: "Mozilla/5.0", Timestamp: at,
		}
	}

	deny := func(at time.Time) {
		t.Helper()
		for {
			if v := f.guard.Check(ctx, ev(at)); !v.IsEmpty() {
				return
			}
		}
	}

	deny(testNow)
	f.mr.FastForward(31 * time.Second)
	deny(testNow.Add(31 * time.Second))
	f.mr.FastForward(5*time.Minute + time.Second)
	deny(testNow.Add(5*time.Minute + 32*time.Second))

	listed, err := f.threats.Contains(ctx, threatbucket.IPs, "203.0.113.7")
	require.NoError(t, err)
	assert.True(t, listed)

	// From now on the gate rejects before the engine sees the event.
	f.mr.FastForward(2 * time.Hour)
	v := f.guard.Check(ctx, ev(testNow.Add(2*time.Hour)))
	require.False(t, v.IsEmpty())
	assert.Contains(t, v.Threats, model.ThreatKnownBadIP)
}

func TestGuardReplayEndToEnd(t *testing.T) {
	f := newGuardFixture(t, func(cfg *config.Config) {
		cfg.Detectors.RateLimit.Enabled = false
	})
	ctx := context.Background()

	ev := func() *model.SecurityEvent {
		return &model.SecurityEvent{
			Method: "POST", Path: "/api/transfer", IP: "203.0.113.7",
			ContentType: "application/json",
			Body:        []byte(`{"amount":100,"to":"bob"}`),
			UserAgent:   "Mozilla/5.0", Timestamp: testNow,
		}
	}

	v := f.guard.Check(ctx, ev())
	assert.True(t, v.IsEmpty())

	v = f.guard.Check(ctx, ev())
	require.False(t, v.IsEmpty())
	assert.Contains(t, v.Threats, model.ThreatReplay)
	assert.Contains(t, v.Actions, model.ActionRejectRequest)
}

func TestGuardConvictionPromotesCorrelationID(t *testing.T) {
	f := newGuardFixture(t, nil)
	ctx := context.Background()

	ev := func(ip, corr string) *model.SecurityEvent {
		return &model.SecurityEvent{
			Method: "POST", Path: "/api/transfer", IP: ip,
			ContentType:   "application/json",
			Body:          []byte(`{"amount":100}`),
			CorrelationID: corr,
			UserAgent:     "Mozilla/5.0", Timestamp: testNow,
		}
	}

	// First submission is clean, the replay convicts and promotes the
	// correlation id.
	v := f.guard.Check(ctx, ev("203.0.113.7", "corr-1"))
	assert.True(t, v.IsEmpty())
	v = f.guard.Check(ctx, ev("203.0.113.7", "corr-1"))
	require.False(t, v.IsEmpty())

	// Same correlation id from a fresh IP hits the gate directly.
	v = f.guard.Check(ctx, ev("198.51.100.9", "corr-1"))
	require.False(t, v.IsEmpty())
	assert.Contains(t, v.Threats, model.ThreatKnownBadCorrID)
}

func TestGuardDefaultsMissingTimestamp(t *testing.T) {
	f := newGuardFixture(t, nil)

	ev := &model.SecurityEvent{
		Method: "GET", Path: "/api/orders", IP: "203.0.113.7",
		UserAgent: "Mozilla/5.0",
	}
	f.guard.Check(context.Background(), ev)
	assert.False(t, ev.Timestamp.IsZero())
}
