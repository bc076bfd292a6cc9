package publish

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/jasmin-sec/apiguard/internal/model"
)

// minuteLayout keys the analytics counters, one per wall-clock minute.
const minuteLayout = "2006-01-02:15:04"

func marshalAlert(a Alert) ([]byte, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal alert: %w", err)
	}
	return data, nil
}

// RecorderConfig mirrors the recording section of the service config.
type RecorderConfig struct {
	StreamKey       string
	CounterTTL      time.Duration
	ThreatRetention time.Duration
	MaxBodyBytes    int
	HeaderAllowlist []string
}

// Recorder persists what the pipeline saw: every event bumps the
// per-minute traffic counter; convicted events additionally go to the
// event stream, the per-threat counters and the threat archive. All
// writes ride one pipeline and are best-effort; recording never blocks
// or fails a verdict.
type Recorder struct {
	client *redis.Client
	cfg    RecorderConfig
}

func NewRecorder(client *redis.Client, cfg RecorderConfig) *Recorder {
	return &Recorder{client: client, cfg: cfg}
}

// streamEvent is the event image appended to the stream: headers cut to
// the allowlist and the body capped, since the stream is an audit trail,
// not a packet capture.
type streamEvent struct {
	Timestamp     time.Time           `json:"timestamp"`
	Method        string              `json:"method"`
	Path          string              `json:"path"`
	IP            string              `json:"ip,omitempty"`
	Username      string              `json:"username,omitempty"`
	UserAgent     string              `json:"user_agent,omitempty"`
	Fingerprint   string              `json:"fingerprint,omitempty"`
	CorrelationID string              `json:"correlation_id,omitempty"`
	Headers       map[string][]string `json:"headers,omitempty"`
	Body          string              `json:"body,omitempty"`
	Threats       []string            `json:"threats"`
	Actions       []string            `json:"recommendations"`
	Details       string              `json:"details,omitempty"`
}

func (r *Recorder) trimmedEvent(ev *model.SecurityEvent, v *model.Verdict) streamEvent {
	out := streamEvent{
		Timestamp:     ev.Timestamp,
		Method:        ev.Method,
		Path:          ev.Path,
		IP:            ev.IP,
		Username:      ev.Username,
		UserAgent:     ev.UserAgent,
		Fingerprint:   ev.Fingerprint,
		CorrelationID: ev.CorrelationID,
		Threats:       v.Threats,
		Actions:       v.Actions,
		Details:       v.Details,
	}

	if len(ev.Headers) > 0 && len(r.cfg.HeaderAllowlist) > 0 {
		out.Headers = make(map[string][]string)
		for k, vals := range ev.Headers {
			for _, allowed := range r.cfg.HeaderAllowlist {
				if strings.EqualFold(k, allowed) {
					out.Headers[strings.ToLower(k)] = vals
					break
				}
			}
		}
	}

	body := ev.Body
	if r.cfg.MaxBodyBytes > 0 && len(body) > r.cfg.MaxBodyBytes {
		body = body[:r.cfg.MaxBodyBytes]
	}
	out.Body = string(body)
	return out
}

// Record writes the analytics trail for one checked event.
func (r *Recorder) Record(ctx context.Context, ev *model.SecurityEvent, v *model.Verdict) error {
	minute := ev.Timestamp.UTC().Format(minuteLayout)

	pipe := r.client.Pipeline()

	eventsKey := "events:" + minute
	pipe.Incr(ctx, eventsKey)
	pipe.Expire(ctx, eventsKey, r.cfg.CounterTTL)

	if !v.IsEmpty() {
		threatsKey := "threats:" + minute
		pipe.Incr(ctx, threatsKey)
		pipe.Expire(ctx, threatsKey, r.cfg.CounterTTL)

		for _, threat := range v.Threats {
			key := "threat:" + threat + ":" + minute
			pipe.Incr(ctx, key)
			pipe.Expire(ctx, key, r.cfg.CounterTTL)
		}

		trimmed := r.trimmedEvent(ev, v)
		payload, err := json.Marshal(trimmed)
		if err != nil {
			return fmt.Errorf("marshal stream event: %w", err)
		}
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: r.cfg.StreamKey,
			Values: map[string]interface{}{"event": string(payload)},
		})

		r.archive(ctx, pipe, ev, v, trimmed)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}

// archive keeps a queryable record of each conviction: a hash per
// record plus a time-ordered index for range scans.
func (r *Recorder) archive(ctx context.Context, pipe redis.Pipeliner, ev *model.SecurityEvent, v *model.Verdict, trimmed streamEvent) {
	id := uuid.NewString()
	key := "threat:record:" + id

	fields := map[string]interface{}{
		"timestamp":      ev.Timestamp.UTC().Format(time.RFC3339Nano),
		"ip":             ev.IP,
		"username":       ev.Username,
		"fingerprint":    ev.Fingerprint,
		"correlation_id": ev.CorrelationID,
		"method":         ev.Method,
		"path":           ev.Path,
		"threats":        strings.Join(v.Threats, ","),
		"actions":        strings.Join(v.Actions, ","),
		"details":        v.Details,
	}
	if len(trimmed.Headers) > 0 {
		if hdrs, err := json.Marshal(trimmed.Headers); err == nil {
			fields["headers"] = string(hdrs)
		}
	}
	if trimmed.Body != "" {
		fields["body"] = base64.StdEncoding.EncodeToString([]byte(trimmed.Body))
	}
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, r.cfg.ThreatRetention)
	pipe.ZAdd(ctx, "threat:records:index", redis.Z{
		Score:  float64(ev.Timestamp.UnixMilli()),
		Member: id,
	})
	pipe.ZRemRangeByScore(ctx, "threat:records:index", "-inf",
		fmt.Sprintf("%d", ev.Timestamp.Add(-r.cfg.ThreatRetention).UnixMilli()))
}
