// Package engine runs the detector chain over security events and
// merges their verdicts.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/jasmin-sec/apiguard/internal/detectors"
	"github.com/jasmin-sec/apiguard/internal/logging"
	"github.com/jasmin-sec/apiguard/internal/metrics"
	"github.com/jasmin-sec/apiguard/internal/model"
)

// Engine evaluates every registered detector against an event in a
// fixed order and returns the merged verdict. Order matters only for
// presentation: the merged threat and action lists keep first-seen
// order, so detector order decides which threat leads.
type Engine struct {
	detectors []detectors.Detector
	log       *logging.Logger
}

func New(log *logging.Logger, ds ...detectors.Detector) *Engine {
	return &Engine{detectors: ds, log: log}
}

// Detectors returns the registered chain in evaluation order.
func (e *Engine) Detectors() []detectors.Detector { return e.detectors }

// Detect runs the chain. A detector that errors or panics abstains:
// its signal is lost for this event but the others still run, so one
// broken detector never takes the whole pipeline down with it.
func (e *Engine) Detect(ctx context.Context, ev *model.SecurityEvent) *model.Verdict {
	start := time.Now()
	metrics.EventsTotal.Inc()

	verdict := &model.Verdict{}
	for _, d := range e.detectors {
		v, err := e.runOne(ctx, d, ev)
		if err != nil {
			metrics.DetectorErrors.WithLabelValues(d.Name()).Inc()
			e.log.WarnContext(ctx, "detector abstained",
				logging.Detector(d.Name()), logging.Err(err))
			continue
		}
		verdict.Merge(v)
	}

	for _, threat := range verdict.Threats {
		metrics.ThreatsTotal.WithLabelValues(threat).Inc()
	}
	metrics.DetectionDuration.Observe(time.Since(start).Seconds())
	return verdict
}

func (e *Engine) runOne(ctx context.Context, d detectors.Detector, ev *model.SecurityEvent) (v *model.Verdict, err error) {
	defer func() {
		if r := recover(); r != nil {
			v, err = nil, fmt.Errorf("detector %s panicked: %v", d.Name(), r)
		}
	}()
	return d.Detect(ctx, ev)
}
