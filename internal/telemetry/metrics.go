package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "presencehub"

// Metrics holds the gateway instruments. A nil *Metrics records nothing.
type Metrics struct {
	meter          metric.Meter
	tracer         trace.Tracer
	commands       metric.Int64Counter
	commandLatency metric.Float64Histogram
	broadcasts     metric.Int64Counter
	deliveries     metric.Int64Counter
	presenceErrors metric.Int64Counter
}

// NewMetrics creates instruments on the global providers
func NewMetrics() (*Metrics, error) {
	return NewMetricsWith(otel.GetMeterProvider(), otel.GetTracerProvider())
}

// NewMetricsWith creates instruments on explicit providers
func NewMetricsWith(mp metric.MeterProvider, tp trace.TracerProvider) (*Metrics, error) {
	meter := mp.Meter(instrumentationName)
	m := &Metrics{meter: meter, tracer: tp.Tracer(instrumentationName)}

	var err error
	if m.commands, err = meter.Int64Counter("presencehub_commands_total",
		metric.WithDescription("Inbound commands by type and outcome")); err != nil {
		return nil, err
	}
	if m.commandLatency, err = meter.Float64Histogram("presencehub_command_duration_seconds",
		metric.WithDescription("Command handling latency"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.broadcasts, err = meter.Int64Counter("presencehub_broadcasts_total",
		metric.WithDescription("Fan-out jobs processed")); err != nil {
		return nil, err
	}
	if m.deliveries, err = meter.Int64Counter("presencehub_deliveries_total",
		metric.WithDescription("Frames written to subscribers")); err != nil {
		return nil, err
	}
	if m.presenceErrors, err = meter.Int64Counter("presencehub_presence_errors_total",
		metric.WithDescription("Presence store failures swallowed by the gateway")); err != nil {
		return nil, err
	}
	return m, nil
}

// StartCommand opens a span for one command
func (m *Metrics) StartCommand(ctx context.Context, cmdType string) (context.Context, trace.Span) {
	if m == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return m.tracer.Start(ctx, "command "+cmdType,
		trace.WithAttributes(attribute.String("command.type", cmdType)))
}

// RecordCommand counts a handled command and its latency
func (m *Metrics) RecordCommand(ctx context.Context, cmdType, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("type", cmdType),
		attribute.String("outcome", outcome),
	)
	m.commands.Add(ctx, 1, attrs)
	m.commandLatency.Record(ctx, elapsed.Seconds(), attrs)
}

// RecordBroadcast counts one fan-out and the frames it produced
func (m *Metrics) RecordBroadcast(ctx context.Context, eventType string, recipients int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("type", eventType))
	m.broadcasts.Add(ctx, 1, attrs)
	m.deliveries.Add(ctx, int64(recipients), attrs)
}

// RecordPresenceError counts a swallowed presence failure
func (m *Metrics) RecordPresenceError(ctx context.Context, op string) {
	if m == nil {
		return
	}
	m.presenceErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

// GaugeSource reports live sizes for the observable gauges
type GaugeSource func() (connections, users, rooms int64)

// RegisterGauges exposes connection, user and room counts
func (m *Metrics) RegisterGauges(source GaugeSource) error {
	if m == nil {
		return nil
	}
	conns, err := m.meter.Int64ObservableGauge("presencehub_connections",
		metric.WithDescription("Live websocket connections"))
	if err != nil {
		return err
	}
	users, err := m.meter.Int64ObservableGauge("presencehub_users",
		metric.WithDescription("Users with a live connection on this instance"))
	if err != nil {
		return err
	}
	rooms, err := m.meter.Int64ObservableGauge("presencehub_rooms",
		metric.WithDescription("Rooms with at least one member"))
	if err != nil {
		return err
	}

	_, err = m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		c, u, r := source()
		o.ObserveInt64(conns, c)
		o.ObserveInt64(users, u)
		o.ObserveInt64(rooms, r)
		return nil
	}, conns, users, rooms)
	return err
}
