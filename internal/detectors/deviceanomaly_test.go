package detectors

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jasmin-sec/apiguard/internal/config"
	"github.com/jasmin-sec/apiguard/internal/model"
	"github.com/jasmin-sec/apiguard/internal/threatbucket"
)

func testDeviceAnomalyConfig() config.DeviceAnomalyConfig {
	return config.DeviceAnomalyConfig{
		Enabled:             true,
		HeaderCandidates:    []string{"x-vendor-id", "x-fingerprint-id"},
		Window:              10 * time.Minute,
		DistinctIPThreshold: 4,
		SwitchThreshold:     6,
		MaxTrackedIPs:       64,
		CoolOff:             2 * time.Minute,
	}
}

func deviceEvent(fp, ip string, at time.Time) *model.SecurityEvent {
	return &model.SecurityEvent{
		Method:      "POST",
		Path:        "/api/orders",
		IP:          ip,
		Fingerprint: fp,
		Timestamp:   at,
	}
}

func TestDeviceAnomalyFanOut(t *testing.T) {
	client, threats, log := newTestDeps(t)
	d := NewDeviceAnomaly(client, testDeviceAnomalyConfig(), threats, log)
	ctx := context.Background()

	var v *model.Verdict
	var err error
	for i := 0; i < 4; i++ {
		v, err = d.Detect(ctx, deviceEvent("fp-1", fmt.Sprintf("10.0.0.%d", i+1), testNow))
		require.NoError(t, err)
	}

	require.False(t, v.IsEmpty())
	assert.Contains(t, v.Threats, model.ThreatFingerprintAbuse)
	assert.Contains(t, v.Actions, model.ActionBlockFingerprint)

	listed, err := threats.Contains(ctx, threatbucket.Fingerprints, "fp-1")
	require.NoError(t, err)
	assert.True(t, listed)
}

func TestDeviceAnomalyChurn(t *testing.T) {
	client, threats, log := newTestDeps(t)
	cfg := testDeviceAnomalyConfig()
	cfg.DistinctIPThreshold = 100 // isolate the churn signal
	d := NewDeviceAnomaly(client, cfg, threats, log)
	ctx := context.Background()

	// Ping-pong between two IPs: fan-out stays at 2 but every hop is a
	// switch.
	ips := []string{"10.0.0.1", "10.0.0.2"}
	var v *model.Verdict
	var err error
	for i := 0; i < 7; i++ {
		v, err = d.Detect(ctx, deviceEvent("fp-2", ips[i%2], testNow))
		require.NoError(t, err)
	}

	require.False(t, v.IsEmpty())
	assert.Contains(t, v.Threats, model.ThreatDeviceAbuse)
	assert.Contains(t, v.Actions, model.ActionBlockDevice)
}

func TestDeviceAnomalyStableDeviceClean(t *testing.T) {
	client, threats, log := newTestDeps(t)
	d := NewDeviceAnomaly(client, testDeviceAnomalyConfig(), threats, log)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		v, err := d.Detect(ctx, deviceEvent("fp-3", "10.0.0.1", testNow))
		require.NoError(t, err)
		assert.True(t, v.IsEmpty())
	}
}

func TestDeviceAnomalyFingerprintFromHeader(t *testing.T) {
	client, threats, log := newTestDeps(t)
	d := NewDeviceAnomaly(client, testDeviceAnomalyConfig(), threats, log)
	ctx := context.Background()

	var v *model.Verdict
	var err error
	for i := 0; i < 4; i++ {
		ev := apiEvent("/api/orders", fmt.Sprintf("10.0.0.%d", i+1), "curl", testNow)
		ev.Headers = map[string][]string{"X-Vendor-Id": {"vendor-9"}}
		v, err = d.Detect(ctx, ev)
		require.NoError(t, err)
	}
	require.False(t, v.IsEmpty())
}

func TestDeviceAnomalyNoFingerprintSkipped(t *testing.T) {
	client, threats, log := newTestDeps(t)
	d := NewDeviceAnomaly(client, testDeviceAnomalyConfig(), threats, log)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		v, err := d.Detect(ctx, apiEvent("/api/orders", fmt.Sprintf("10.0.0.%d", i+1), "curl", testNow))
		require.NoError(t, err)
		assert.True(t, v.IsEmpty())
	}
	assert.Empty(t, client.Keys(ctx, "dev:*").Val())
}

func TestDeviceAnomalyCoolOffShortCircuits(t *testing.T) {
	client, threats, log := newTestDeps(t)
	d := NewDeviceAnomaly(client, testDeviceAnomalyConfig(), threats, log)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := d.Detect(ctx, deviceEvent("fp-1", fmt.Sprintf("10.0.0.%d", i+1), testNow))
		require.NoError(t, err)
	}

	// Under cool-off: rejected without touching the tracking keys.
	before := client.ZCard(ctx, "dev:ips:fp-1").Val()
	v, err := d.Detect(ctx, deviceEvent("fp-1", "10.0.0.99", testNow))
	require.NoError(t, err)
	require.False(t, v.IsEmpty())
	assert.Contains(t, v.Actions, model.ActionRetryLater)
	assert.Equal(t, before, client.ZCard(ctx, "dev:ips:fp-1").Val())
}

func TestDeviceAnomalyOldSightingsFallOut(t *testing.T) {
	client, threats, log := newTestDeps(t)
	d := NewDeviceAnomaly(client, testDeviceAnomalyConfig(), threats, log)
	ctx := context.Background()

	// Three IPs long ago, a fourth now: the stale ones are pruned so the
	// fan-out threshold is not met.
	old := testNow.Add(-30 * time.Minute)
	for i := 0; i < 3; i++ {
		_, err := d.Detect(ctx, deviceEvent("fp-4", fmt.Sprintf("10.0.0.%d", i+1), old))
		require.NoError(t, err)
	}
	v, err := d.Detect(ctx, deviceEvent("fp-4", "10.0.0.4", testNow))
	require.NoError(t, err)
	assert.True(t, v.IsEmpty())
}
