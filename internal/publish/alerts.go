// Package publish carries verdicts to the downstream consumers: the
// alert bus, the event stream and the per-minute analytics counters.
package publish

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/jasmin-sec/apiguard/internal/model"
)

// Alert is the message pushed to the alert subject whenever the engine
// convicts a request.
type Alert struct {
	Timestamp     time.Time `json:"timestamp"`
	IP            string    `json:"ip,omitempty"`
	Username      string    `json:"username,omitempty"`
	Fingerprint   string    `json:"fingerprint,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Method        string    `json:"method"`
	Path          string    `json:"path"`
	Threats       []string  `json:"threats"`
	Actions       []string  `json:"recommendations"`
	Details       string    `json:"details,omitempty"`
}

// NewAlert builds the alert payload for a convicted event.
func NewAlert(ev *model.SecurityEvent, v *model.Verdict) Alert {
	return Alert{
		Timestamp:     ev.Timestamp,
		IP:            ev.IP,
		Username:      ev.Username,
		Fingerprint:   ev.Fingerprint,
		CorrelationID: ev.CorrelationID,
		Method:        ev.Method,
		Path:          ev.Path,
		Threats:       v.Threats,
		Actions:       v.Actions,
		Details:       v.Details,
	}
}

// AlertPublisher delivers alerts to interested consumers.
type AlertPublisher interface {
	PublishAlert(ctx context.Context, alert Alert) error
	Close()
}

// NatsPublisher publishes alerts on a NATS subject.
type NatsPublisher struct {
	conn    *nats.Conn
	subject string
}

type NatsConfig struct {
	URL     string
	Name    string
	Subject string
}

func NewNatsPublisher(cfg NatsConfig) (*NatsPublisher, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NatsPublisher{conn: conn, subject: cfg.Subject}, nil
}

func (p *NatsPublisher) PublishAlert(ctx context.Context, alert Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := marshalAlert(alert)
	if err != nil {
		return err
	}
	return p.conn.Publish(p.subject, data)
}

func (p *NatsPublisher) Close() {
	_ = p.conn.Drain()
}

// NoopPublisher is used when alerting is disabled.
type NoopPublisher struct{}

func (NoopPublisher) PublishAlert(context.Context, Alert) error { return nil }
func (NoopPublisher) Close()                                    {}
