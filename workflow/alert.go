package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mmdatafocus/booking_backend/config"
	"github.com/sirupsen/logrus"
)

type AlertKind string

const (
	AlertDeadLettered AlertKind = "DEAD_LETTERED"
	AlertNeedsReview  AlertKind = "NEEDS_REVIEW"
)

// Alert is an operator-visible notice about work that needs a human.
type Alert struct {
	Kind           AlertKind `json:"kind"`
	TenantId       string    `json:"tenant_id"`
	EventId        string    `json:"event_id,omitempty"`
	JobId          int       `json:"job_id,omitempty"`
	OperationType  string    `json:"operation_type,omitempty"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	Attempts       int       `json:"attempts,omitempty"`
	Reason         string    `json:"reason"`
	CorrelationId  string    `json:"correlation_id,omitempty"`
	At             time.Time `json:"at"`
}

type Alerter interface {
	Alert(ctx context.Context, a Alert) error
}

// LogAlerter writes alerts as error-level log lines. It is always on.
type LogAlerter struct {
	Logger *logrus.Logger
}

func (l LogAlerter) Alert(_ context.Context, a Alert) error {
	if l.Logger == nil {
		return nil
	}
	l.Logger.WithFields(logrus.Fields{
		"field":           "Alert",
		"kind":            a.Kind,
		"tenant_id":       a.TenantId,
		"event_id":        a.EventId,
		"job_id":          a.JobId,
		"operation_type":  a.OperationType,
		"idempotency_key": a.IdempotencyKey,
		"attempts":        a.Attempts,
		"correlation_id":  a.CorrelationId,
	}).Error("operator alert: " + a.Reason)
	return nil
}

// PubSubAlerter publishes alerts to a Pub/Sub topic.
type PubSubAlerter struct {
	Topic string
}

func (p PubSubAlerter) Alert(ctx context.Context, a Alert) error {
	_, err := config.PublishJSONWithResult(ctx, p.Topic, map[string]string{
		"kind":      string(a.Kind),
		"tenant_id": a.TenantId,
	}, a)
	return err
}

// KafkaAlerter publishes alerts keyed by tenant.
type KafkaAlerter struct {
	Producer *config.KafkaProducer
}

func (k KafkaAlerter) Alert(ctx context.Context, a Alert) error {
	return k.Producer.PublishJSON(ctx, a.TenantId, a)
}

// MultiAlerter fans out to every sink. A failing sink is logged and does not stop the others.
type MultiAlerter struct {
	Sinks  []Alerter
	Logger *logrus.Logger
}

func (m MultiAlerter) Alert(ctx context.Context, a Alert) error {
	if a.At.IsZero() {
		a.At = time.Now().UTC()
	}
	var failed []string
	for _, s := range m.Sinks {
		if err := s.Alert(ctx, a); err != nil {
			config.LogError(m.Logger, "alert.go", "MultiAlerter.Alert", fmt.Sprintf("%T", s), a, err)
			failed = append(failed, fmt.Sprintf("%T", s))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("alert sinks failed: %s", strings.Join(failed, ","))
	}
	return nil
}

// NewAlerter builds the sinks named in settings.AlertSinks. The returned close
// func releases producer connections.
func NewAlerter(settings config.Settings, logger *logrus.Logger) (Alerter, func(), error) {
	m := MultiAlerter{Sinks: []Alerter{LogAlerter{Logger: logger}}, Logger: logger}
	closers := []func(){}
	for _, sink := range settings.AlertSinks {
		switch strings.ToLower(sink) {
		case "log":
		case "pubsub":
			m.Sinks = append(m.Sinks, PubSubAlerter{Topic: settings.AlertTopic})
		case "kafka":
			producer, err := config.NewKafkaProducer(settings.KafkaBrokers, settings.AlertTopic)
			if err != nil {
				return nil, nil, fmt.Errorf("kafka alert sink: %w", err)
			}
			m.Sinks = append(m.Sinks, KafkaAlerter{Producer: producer})
			closers = append(closers, func() { _ = producer.Close() })
		default:
			return nil, nil, fmt.Errorf("unknown alert sink %q", sink)
		}
	}
	return m, func() {
		for _, c := range closers {
			c()
		}
	}, nil
}
