package publish

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jasmin-sec/apiguard/internal/model"
)

var testNow = time.Date(2026, 8, 29, 14, 5, 30, 0, time.UTC)

func newTestRecorder(t *testing.T) (*miniredis.Miniredis, *redis.Client, *Recorder) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	r := NewRecorder(client, RecorderConfig{
		StreamKey:       "security:events",
		CounterTTL:      40 * 24 * time.Hour,
		ThreatRetention: 240 * time.Hour,
		MaxBodyBytes:    64,
		HeaderAllowlist: []string{"content-type", "user-agent"},
	})
	return mr, client, r
}

func testEvent() *model.SecurityEvent {
	return &model.SecurityEvent{
		Method:    "POST",
		Path:      "/api/transfer",
		IP:        "203.0.113.7",
		Username:  "alice",
		Timestamp: testNow,
		Headers: map[string][]string{
			"Content-Type":  {"application/json"},
			"Authorization": {"Bearer secret"},
		},
		Body: []byte(`{"amount":100}`),
	}
}

func threatVerdict() *model.Verdict {
	return model.NewVerdict(
		[]string{model.ThreatBruteForce},
		[]string{model.ActionLockAccount},
		"test conviction")
}

func TestRecordCleanEventCountsTrafficOnly(t *testing.T) {
	_, client, r := newTestRecorder(t)
	ctx := context.Background()

	require.NoError(t, r.Record(ctx, testEvent(), &model.Verdict{}))

	n, err := client.Get(ctx, "events:2026-08-29:14:05").Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	assert.Equal(t, int64(0), client.Exists(ctx, "threats:2026-08-29:14:05").Val())
	assert.Equal(t, int64(0), client.XLen(ctx, "security:events").Val())
}

func TestRecordConvictionWritesEverything(t *testing.T) {
	_, client, r := newTestRecorder(t)
	ctx := context.Background()

	require.NoError(t, r.Record(ctx, testEvent(), threatVerdict()))

	assert.Equal(t, int64(1), mustInt(t, client, "events:2026-08-29:14:05"))
	assert.Equal(t, int64(1), mustInt(t, client, "threats:2026-08-29:14:05"))
	assert.Equal(t, int64(1), mustInt(t, client, "threat:BRUTE_FORCE_ATTACK:2026-08-29:14:05"))
	assert.Equal(t, int64(1), client.XLen(ctx, "security:events").Val())
	assert.Equal(t, int64(1), client.ZCard(ctx, "threat:records:index").Val())
}

func TestRecordStreamPayloadTrimmed(t *testing.T) {
	_, client, r := newTestRecorder(t)
	ctx := context.Background()

	ev := testEvent()
	ev.Body = []byte(`{"filler":"` + string(make([]byte, 200)) + `"}`)
	require.NoError(t, r.Record(ctx, ev, threatVerdict()))

	msgs, err := client.XRange(ctx, "security:events", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	var got streamEvent
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Values["event"].(string)), &got))

	// Disallowed headers dropped, body capped at the configured size.
	assert.Contains(t, got.Headers, "content-type")
	assert.NotContains(t, got.Headers, "authorization")
	assert.LessOrEqual(t, len(got.Body), 64)
	assert.Equal(t, []string{model.ThreatBruteForce}, got.Threats)
}

func TestRecordCountersAccumulatePerMinute(t *testing.T) {
	_, client, r := newTestRecorder(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, r.Record(ctx, testEvent(), &model.Verdict{}))
	}
	later := testEvent()
	later.Timestamp = testNow.Add(time.Minute)
	require.NoError(t, r.Record(ctx, later, &model.Verdict{}))

	assert.Equal(t, int64(3), mustInt(t, client, "events:2026-08-29:14:05"))
	assert.Equal(t, int64(1), mustInt(t, client, "events:2026-08-29:14:06"))
}

func TestRecordArchiveHoldsConvictionFields(t *testing.T) {
	_, client, r := newTestRecorder(t)
	ctx := context.Background()

	require.NoError(t, r.Record(ctx, testEvent(), threatVerdict()))

	ids, err := client.ZRange(ctx, "threat:records:index", 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, ids, 1)

	rec := client.HGetAll(ctx, "threat:record:"+ids[0]).Val()
	assert.Equal(t, "203.0.113.7", rec["ip"])
	assert.Equal(t, "alice", rec["username"])
	assert.Equal(t, model.ThreatBruteForce, rec["threats"])
	assert.Equal(t, model.ActionLockAccount, rec["actions"])

	// Headers obey the allowlist, the body is stored base64-encoded.
	assert.Contains(t, rec["headers"], "content-type")
	assert.NotContains(t, rec["headers"], "authorization")
	body, err := base64.StdEncoding.DecodeString(rec["body"])
	require.NoError(t, err)
	assert.Equal(t, `{"amount":100}`, string(body))
}

func mustInt(t *testing.T, client *redis.Client, key string) int64 {
	t.Helper()
	n, err := client.Get(context.Background(), key).Int64()
	require.NoError(t, err)
	return n
}

func TestNewAlertCarriesVerdict(t *testing.T) {
	a := NewAlert(testEvent(), threatVerdict())
	assert.Equal(t, "203.0.113.7", a.IP)
	assert.Equal(t, []string{model.ThreatBruteForce}, a.Threats)
	assert.Equal(t, []string{model.ActionLockAccount}, a.Actions)

	data, err := marshalAlert(a)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"recommendations"`)
}
