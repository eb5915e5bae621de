package teaching

import (
	"context"

	"github.com/loqalabs/loqa-tutor/internal/answer"
	"github.com/loqalabs/loqa-tutor/internal/speech"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records dispatcher instruments. A nil *Metrics records nothing.
type Metrics struct {
	triggers       metric.Int64Counter
	bargeIns       metric.Int64Counter
	answers        metric.Int64Counter
	outputFailures metric.Int64Counter
	active         metric.Int64UpDownCounter
}

// NewMetrics registers the instruments on meter, or on the global meter
// provider when meter is nil.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter("github.com/loqalabs/loqa-tutor/internal/teaching")
	}
	var (
		m   Metrics
		err error
	)
	if m.triggers, err = meter.Int64Counter("tutor.triggers", metric.WithDescription("Triggers processed by session dispatchers")); err != nil {
		return nil, err
	}
	if m.bargeIns, err = meter.Int64Counter("tutor.barge_ins", metric.WithDescription("Listener interruptions that paused output")); err != nil {
		return nil, err
	}
	if m.answers, err = meter.Int64Counter("tutor.answers", metric.WithDescription("Answers delivered, by route")); err != nil {
		return nil, err
	}
	if m.outputFailures, err = meter.Int64Counter("tutor.output_failures", metric.WithDescription("Speech output tasks that failed")); err != nil {
		return nil, err
	}
	if m.active, err = meter.Int64UpDownCounter("tutor.sessions.active", metric.WithDescription("Live teaching sessions")); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Metrics) trigger(ctx context.Context, kind TriggerKind) {
	if m == nil {
		return
	}
	m.triggers.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", string(kind))))
}

func (m *Metrics) bargeIn(ctx context.Context) {
	if m == nil {
		return
	}
	m.bargeIns.Add(ctx, 1)
}

func (m *Metrics) answered(ctx context.Context, route answer.Route, degraded bool) {
	if m == nil {
		return
	}
	m.answers.Add(ctx, 1, metric.WithAttributes(
		attribute.String("route", string(route)),
		attribute.Bool("degraded", degraded),
	))
}

func (m *Metrics) outputFailed(ctx context.Context, purpose speech.Purpose) {
	if m == nil {
		return
	}
	m.outputFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("purpose", string(purpose))))
}

func (m *Metrics) sessionOpened(ctx context.Context) {
	if m == nil {
		return
	}
	m.active.Add(ctx, 1)
}

func (m *Metrics) sessionClosed(ctx context.Context) {
	if m == nil {
		return
	}
	m.active.Add(ctx, -1)
}
