package socket

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type socketMetrics struct {
	races       metric.Int64Counter
	raceLatency metric.Float64Histogram
	transitions metric.Int64Counter
	duplicates  metric.Int64Counter
}

func newSocketMetrics(logger pslog.Base) *socketMetrics {
	meter := otel.Meter("pkt.systems/dblive/socket")
	m := &socketMetrics{}
	var err error

	m.races, err = meter.Int64Counter(
		"dblive.socket.race",
		metric.WithDescription("Socket manager race outcomes"),
	)
	logMetricInitError(logger, "dblive.socket.race", err)

	m.raceLatency, err = meter.Float64Histogram(
		"dblive.socket.race.duration",
		metric.WithDescription("Time until a socket manager race resolved"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "dblive.socket.race.duration", err)

	m.transitions, err = meter.Int64Counter(
		"dblive.socket.transition",
		metric.WithDescription("Socket state transitions"),
	)
	logMetricInitError(logger, "dblive.socket.transition", err)

	m.duplicates, err = meter.Int64Counter(
		"dblive.socket.event.duplicate",
		metric.WithDescription("Key events dropped because another socket already delivered them"),
	)
	logMetricInitError(logger, "dblive.socket.event.duplicate", err)

	return m
}

func (m *socketMetrics) recordRace(ctx context.Context, op, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	ctx = metricContext(ctx)
	attrs := metric.WithAttributes(
		attribute.String("dblive.op", op),
		attribute.String("dblive.outcome", outcome),
	)
	if m.races != nil {
		m.races.Add(ctx, 1, attrs)
	}
	if m.raceLatency != nil {
		m.raceLatency.Record(ctx, float64(elapsed)/float64(time.Millisecond), attrs)
	}
}

func (m *socketMetrics) recordTransition(from, to State) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("dblive.socket.from", from.String()),
		attribute.String("dblive.socket.to", to.String()),
	))
}

func (m *socketMetrics) recordDuplicate() {
	if m == nil || m.duplicates == nil {
		return
	}
	m.duplicates.Add(context.Background(), 1)
}

func logMetricInitError(logger pslog.Base, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
