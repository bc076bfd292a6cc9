// Package service wires the gate, the engine and the publishers into
// the single entry point the transport layer calls.
package service

import (
	"context"
	"time"

	"github.com/jasmin-sec/apiguard/internal/engine"
	"github.com/jasmin-sec/apiguard/internal/logging"
	"github.com/jasmin-sec/apiguard/internal/metrics"
	"github.com/jasmin-sec/apiguard/internal/model"
	"github.com/jasmin-sec/apiguard/internal/publish"
	"github.com/jasmin-sec/apiguard/internal/threatbucket"
)

// Guard is the detection front door: pre-check first, the full engine
// only for events the gate waves through, then recording and alerting
// on the way out.
type Guard struct {
	precheck *engine.PreCheck
	engine   *engine.Engine
	threats  *threatbucket.Store
	recorder *publish.Recorder
	alerts   publish.AlertPublisher
	log      *logging.Logger
}

func NewGuard(precheck *engine.PreCheck, eng *engine.Engine, threats *threatbucket.Store, recorder *publish.Recorder, alerts publish.AlertPublisher, log *logging.Logger) *Guard {
	return &Guard{
		precheck: precheck,
		engine:   eng,
		threats:  threats,
		recorder: recorder,
		alerts:   alerts,
		log:      log,
	}
}

// Check evaluates one event and returns the merged verdict. Recording
// and alerting are best-effort: their failures are logged and counted
// but never change or delay the verdict.
func (g *Guard) Check(ctx context.Context, ev *model.SecurityEvent) *model.Verdict {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	verdict := g.precheck.Check(ctx, ev)
	if verdict.IsEmpty() {
		verdict = g.engine.Detect(ctx, ev)
	}

	g.publish(ctx, ev, verdict)
	return verdict
}

func (g *Guard) publish(ctx context.Context, ev *model.SecurityEvent, v *model.Verdict) {
	if err := g.recorder.Record(ctx, ev, v); err != nil {
		metrics.RecordErrors.Inc()
		g.log.WarnContext(ctx, "event recording failed", logging.Err(err))
	}

	if v.IsEmpty() {
		return
	}

	// A convicted request's correlation id is itself evidence: the same
	// id resubmitted later is gated without re-running the detectors.
	if ev.CorrelationID != "" {
		if err := g.threats.Add(ctx, threatbucket.Correlations, ev.CorrelationID); err != nil {
			g.log.WarnContext(ctx, "threat bucket write failed", logging.Err(err))
		}
	}

	if err := g.alerts.PublishAlert(ctx, publish.NewAlert(ev, v)); err != nil {
		metrics.RecordErrors.Inc()
		g.log.WarnContext(ctx, "alert publish failed", logging.Err(err))
	}
	g.log.InfoContext(ctx, "threat detected",
		logging.FieldIP, ev.IP,
		logging.FieldPath, ev.Path,
		"threats", v.Threats,
		"recommendations", v.Actions)
}
