package detectors

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/jasmin-sec/apiguard/internal/config"
	"github.com/jasmin-sec/apiguard/internal/logging"
	"github.com/jasmin-sec/apiguard/internal/model"
	"github.com/jasmin-sec/apiguard/internal/primitives"
)

// Replay rejects exact re-submissions of state-changing requests. Each
// request reduces to a signature; the first arrival within the window is
// admitted, any identical one after it is a replay, no matter which
// sender it came from. Enough replays against one sender put that
// sender in a cool-off.
//
// Requests carrying an idempotency key bind the key to the operation
// shape, so one key cannot poison an unrelated operation while a retry
// of the same request is still a duplicate of itself.
type Replay struct {
	cfg config.ReplayConfig

	guard *primitives.IdempotencyGuard
	lock  *primitives.CoolOffLock
	log   *logging.Logger
}

func NewReplay(client *redis.Client, cfg config.ReplayConfig, log *logging.Logger) *Replay {
	return &Replay{
		cfg:   cfg,
		guard: primitives.NewIdempotencyGuard(client, "replay", cfg.Window),
		lock:  primitives.NewCoolOffLock(client, "replay:lock"),
		log:   log,
	}
}

func (d *Replay) Name() string { return "replay" }

func (d *Replay) protected(method string) bool {
	for _, m := range d.cfg.ProtectedMethods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

func (d *Replay) principalKey(ev *model.SecurityEvent) string {
	p := primitives.NormalizeScope(ev.IP)
	if d.cfg.IncludeUserAgent {
		p += "|" + primitives.ShortHash(primitives.NormalizeScope(ev.UserAgent))
	}
	return p
}

// canonicalPath collapses duplicate slashes and drops the trailing one
// so /a//b/ and /a/b name the same operation.
func canonicalPath(p string) string {
	for strings.Contains(p, "//") {
		p = strings.ReplaceAll(p, "//", "/")
	}
	if len(p) > 1 {
		p = strings.TrimSuffix(p, "/")
	}
	if p == "" {
		p = "/"
	}
	return p
}

// canonicalQuery renders the query as sorted key=value pairs with the
// configured volatile parameters (timestamps, nonces, cache busters)
// removed, since those change on every replayed copy by design.
func (d *Replay) canonicalQuery(q map[string][]string) string {
	ignored := make(map[string]bool, len(d.cfg.IgnoredQueryParams))
	for _, p := range d.cfg.IgnoredQueryParams {
		ignored[strings.ToLower(p)] = true
	}

	var pairs []string
	for k, vals := range q {
		if ignored[strings.ToLower(k)] {
			continue
		}
		for _, v := range vals {
			pairs = append(pairs, url.QueryEscape(k)+"="+url.QueryEscape(v))
		}
	}
	sort.Strings(pairs)
	return strings.Join(pairs, "&")
}

// bodyDigest hashes the request body, capped at the configured size.
// JSON bodies are re-marshaled first so key order and whitespace do not
// let a replayed payload slip past as "different".
func (d *Replay) bodyDigest(body []byte, contentType string) string {
	if len(body) == 0 {
		return "-"
	}
	if len(body) > d.cfg.MaxBodyBytes {
		body = body[:d.cfg.MaxBodyBytes]
	}
	if d.cfg.CanonicalizeJSON && strings.Contains(strings.ToLower(contentType), "json") {
		var decoded any
		if err := json.Unmarshal(body, &decoded); err == nil {
			if canon, err := json.Marshal(decoded); err == nil {
				body = canon
			}
		}
	}
	return primitives.SHA256Hex(string(body))
}

// signature reduces the event to the replay identity it is checked
// under: a hash of the operation shape, bound to the client's explicit
// idempotency key when one is present. The sender is deliberately not
// part of the identity, so a captured request replayed from a second
// source still collides with the original.
func (d *Replay) signature(ev *model.SecurityEvent) string {
	shape := primitives.SHA256Hex(strings.Join([]string{
		strings.ToUpper(ev.Method),
		canonicalPath(ev.Path),
		d.canonicalQuery(ev.Query),
		d.bodyDigest(ev.Body, ev.ContentType),
	}, "\x00"))

	if key := d.explicitKey(ev); key != "" {
		return primitives.SHA256Hex(key + "\x00" + shape)
	}
	return shape
}

// explicitKey returns a client-supplied idempotency key when the event
// carries one: a configured header first, the correlation id as a
// fallback.
func (d *Replay) explicitKey(ev *model.SecurityEvent) string {
	for _, h := range d.cfg.IdempotencyHeaders {
		if key := ev.Header(h); key != "" {
			return "hdr:" + key
		}
	}
	if ev.CorrelationID != "" {
		return "cid:" + ev.CorrelationID
	}
	return ""
}

func (d *Replay) Detect(ctx context.Context, ev *model.SecurityEvent) (*model.Verdict, error) {
	if !d.protected(ev.Method) {
		return nil, nil
	}

	principal := d.principalKey(ev)

	if on, err := d.lock.IsActive(ctx, principal); err != nil {
		return d.failVerdict(err)
	} else if on {
		return model.NewVerdict(
			[]string{model.ThreatReplay},
			[]string{model.ActionRejectRequest, model.ActionRetryLater},
			"sender is cooling off"), nil
	}

	sig := d.signature(ev)
	first, err := d.guard.AdmitOnce(ctx, sig)
	if err != nil {
		return d.failVerdict(err)
	}
	if first {
		return nil, nil
	}

	// The duplicate tally is per sender: the cool-off punishes whoever
	// keeps resubmitting, not the victim whose request was captured.
	dups, err := d.guard.CountDuplicate(ctx, principal+"\x00"+sig)
	if err != nil {
		return d.failVerdict(err)
	}

	v := model.NewVerdict(
		[]string{model.ThreatReplay},
		[]string{model.ActionRejectRequest},
		fmt.Sprintf("request replayed %d times in window", dups))

	if dups >= d.cfg.AbuseThreshold {
		if err := d.lock.Activate(ctx, principal, d.cfg.CoolOff); err != nil {
			return d.failVerdict(err)
		}
		d.log.InfoContext(ctx, "replay abuse",
			logging.FieldIP, ev.IP, logging.FieldPath, ev.Path, "duplicates", dups)
		v.Merge(model.NewVerdict(nil, []string{model.ActionChallengeMFA}, ""))
	}
	return v, nil
}

// failVerdict applies the failure posture. Replay defaults fail-closed:
// without duplicate suppression a captured request could be replayed
// freely, so store trouble rejects rather than waves through.
func (d *Replay) failVerdict(err error) (*model.Verdict, error) {
	if d.cfg.FailOpen {
		return nil, err
	}
	return model.NewVerdict(
		[]string{model.ThreatReplay},
		[]string{model.ActionRejectRequest, model.ActionRetryLater},
		"replay guard unavailable"), nil
}
