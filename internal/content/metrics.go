package content

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type cacheMetrics struct {
	reads         metric.Int64Counter
	revalidations metric.Int64Counter
	writes        metric.Int64Counter
	fallbacks     metric.Int64Counter
}

func newCacheMetrics(logger pslog.Base) *cacheMetrics {
	meter := otel.Meter("pkt.systems/dblive/content")
	m := &cacheMetrics{}
	var err error

	m.reads, err = meter.Int64Counter(
		"dblive.content.read",
		metric.WithDescription("Content reads by source and whether a value was found"),
	)
	logMetricInitError(logger, "dblive.content.read", err)

	m.revalidations, err = meter.Int64Counter(
		"dblive.content.revalidation",
		metric.WithDescription("Refresh outcomes"),
	)
	logMetricInitError(logger, "dblive.content.revalidation", err)

	m.writes, err = meter.Int64Counter(
		"dblive.content.write",
		metric.WithDescription("Writes by transport and confirmation"),
	)
	logMetricInitError(logger, "dblive.content.write", err)

	m.fallbacks, err = meter.Int64Counter(
		"dblive.content.fallback",
		metric.WithDescription("Operations that fell back from the sockets to HTTP"),
	)
	logMetricInitError(logger, "dblive.content.fallback", err)

	return m
}

func (m *cacheMetrics) recordRead(ctx context.Context, source string, found bool) {
	if m == nil || m.reads == nil {
		return
	}
	m.reads.Add(metricContext(ctx), 1, metric.WithAttributes(
		attribute.String("dblive.source", source),
		attribute.Bool("dblive.found", found),
	))
}

func (m *cacheMetrics) recordRevalidation(ctx context.Context, outcome string) {
	if m == nil || m.revalidations == nil {
		return
	}
	m.revalidations.Add(metricContext(ctx), 1, metric.WithAttributes(attribute.String("dblive.outcome", outcome)))
}

func (m *cacheMetrics) recordWrite(ctx context.Context, transport string, confirmed bool) {
	if m == nil || m.writes == nil {
		return
	}
	m.writes.Add(metricContext(ctx), 1, metric.WithAttributes(
		attribute.String("dblive.transport", transport),
		attribute.Bool("dblive.confirmed", confirmed),
	))
}

func (m *cacheMetrics) recordFallback(ctx context.Context, op string) {
	if m == nil || m.fallbacks == nil {
		return
	}
	m.fallbacks.Add(metricContext(ctx), 1, metric.WithAttributes(attribute.String("dblive.op", op)))
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
