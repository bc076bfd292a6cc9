package detectors

import (
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/jasmin-sec/apiguard/internal/logging"
	"github.com/jasmin-sec/apiguard/internal/model"
	"github.com/jasmin-sec/apiguard/internal/threatbucket"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func newTestDeps(t *testing.T) (*redis.Client, *threatbucket.Store, *logging.Logger) {
	t.Helper()
	_, client := newTestRedis(t)
	return client, threatbucket.New(client), testLogger()
}

func testLogger() *logging.Logger {
	return logging.New(slog.LevelError, "text")
}

var testNow = time.Date(2026, 8, 29, 14, 5, 30, 0, time.UTC)

// loginEvent builds a minimal credential-attempt event.
func loginEvent(username, ip string, at time.Time) *model.SecurityEvent {
	return &model.SecurityEvent{
		Method:    "POST",
		Path:      "/auth/login",
		IP:        ip,
		Username:  username,
		Timestamp: at,
	}
}

// apiEvent builds a generic request event.
func apiEvent(path, ip, ua string, at time.Time) *model.SecurityEvent {
	return &model.SecurityEvent{
		Method:    "GET",
		Path:      path,
		IP:        ip,
		UserAgent: ua,
		Timestamp: at,
	}
}
