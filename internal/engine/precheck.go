package engine

import (
	"context"

	"github.com/jasmin-sec/apiguard/internal/logging"
	"github.com/jasmin-sec/apiguard/internal/metrics"
	"github.com/jasmin-sec/apiguard/internal/model"
	"github.com/jasmin-sec/apiguard/internal/threatbucket"
)

// PreCheck is the known-bad gate that runs before any detector: if the
// event's IP, device fingerprint or correlation id was previously
// promoted to a threat set, the request is rejected immediately and the
// detectors never see it. Lookup failures count the identifier as not
// listed; the gate is an accelerator and must not add a failure mode.
type PreCheck struct {
	threats *threatbucket.Store
	log     *logging.Logger
}

func NewPreCheck(threats *threatbucket.Store, log *logging.Logger) *PreCheck {
	return &PreCheck{threats: threats, log: log}
}

// Check returns a verdict if the event matches a known-bad set, nil
// otherwise.
func (p *PreCheck) Check(ctx context.Context, ev *model.SecurityEvent) *model.Verdict {
	if hit := p.contains(ctx, threatbucket.IPs, ev.IP); hit {
		metrics.PreCheckHits.WithLabelValues("ip").Inc()
		return model.NewVerdict(
			[]string{model.ThreatKnownBadIP},
			[]string{model.ActionBlockIP, model.ActionRejectRequest},
			"ip is on the known-bad list")
	}
	if hit := p.contains(ctx, threatbucket.Fingerprints, ev.Fingerprint); hit {
		metrics.PreCheckHits.WithLabelValues("fingerprint").Inc()
		return model.NewVerdict(
			[]string{model.ThreatKnownBadDevice},
			[]string{model.ActionBlockDevice, model.ActionRejectRequest},
			"device is on the known-bad list")
	}
	if hit := p.contains(ctx, threatbucket.Correlations, ev.CorrelationID); hit {
		metrics.PreCheckHits.WithLabelValues("correlation").Inc()
		return model.NewVerdict(
			[]string{model.ThreatKnownBadCorrID},
			[]string{model.ActionRejectRequest},
			"correlation id is on the known-bad list")
	}
	return nil
}

func (p *PreCheck) contains(ctx context.Context, bucket, member string) bool {
	ok, err := p.threats.Contains(ctx, bucket, member)
	if err != nil {
		metrics.StoreErrors.Inc()
		p.log.WarnContext(ctx, "known-bad lookup failed",
			"bucket", bucket, logging.Err(err))
		return false
	}
	return ok
}
