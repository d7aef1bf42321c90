package dblive

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"pkt.systems/dblive/internal/svcfields"
	"pkt.systems/dblive/internal/version"
	"pkt.systems/pslog"
)

const (
	otlpGRPCPort           = "4317"
	otlpHTTPPort           = "4318"
	traceExportTimeout     = 10 * time.Second
	debugReadHeaderTimeout = 5 * time.Second
)

// Telemetry owns the providers and debug listeners started by
// SetupTelemetry.
type Telemetry struct {
	logger  pslog.Logger
	metrics net.Listener
	pprof   net.Listener
	// closers run in reverse order on Shutdown.
	closers []namedCloser
}

type namedCloser struct {
	name  string
	close func(context.Context) error
}

func (t *Telemetry) onShutdown(name string, fn func(context.Context) error) {
	t.closers = append(t.closers, namedCloser{name: name, close: fn})
}

// Shutdown flushes exporters and stops the listeners. It is safe on a nil
// Telemetry.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var errs []error
	for i := len(t.closers) - 1; i >= 0; i-- {
		c := t.closers[i]
		if err := c.close(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Warn("telemetry.shutdown.failed", "component", c.name, "error", err)
			errs = append(errs, fmt.Errorf("%s shutdown: %w", c.name, err))
		}
	}
	t.closers = nil
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	t.logger.Debug("telemetry.shutdown.complete")
	return nil
}

// MetricsAddr returns the bound metrics address, or "" when metrics are off.
func (t *Telemetry) MetricsAddr() string {
	if t == nil || t.metrics == nil {
		return ""
	}
	return t.metrics.Addr().String()
}

// PprofAddr returns the bound pprof address, or "" when pprof is off.
func (t *Telemetry) PprofAddr() string {
	if t == nil || t.pprof == nil {
		return ""
	}
	return t.pprof.Addr().String()
}

// SetupTelemetry installs the global otel trace and meter providers the
// client records into, following cfg's OTLP, metrics and pprof settings. It
// returns nil when nothing is enabled.
func SetupTelemetry(ctx context.Context, cfg Config, logger pslog.Logger) (*Telemetry, error) {
	endpoint := strings.TrimSpace(cfg.OTLPEndpoint)
	metricsListen := strings.TrimSpace(cfg.MetricsListen)
	pprofListen := strings.TrimSpace(cfg.PprofListen)
	if cfg.EnableProfilingMetrics && metricsListen == "" {
		return nil, fmt.Errorf("telemetry: profiling metrics require a metrics listen address")
	}
	if endpoint == "" && metricsListen == "" && pprofListen == "" {
		return nil, nil
	}
	t := &Telemetry{logger: svcfields.WithSubsystem(logger, svcfields.SysTelemetry)}
	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(
			semconv.ServiceName("dblive"),
			semconv.ServiceVersion(version.Current()),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	fail := func(err error) (*Telemetry, error) {
		_ = t.Shutdown(context.Background())
		return nil, err
	}
	if endpoint != "" {
		if err := t.startTracing(ctx, endpoint, res); err != nil {
			return fail(err)
		}
	}
	if metricsListen != "" {
		if err := t.startMetrics(metricsListen, cfg.EnableProfilingMetrics, res); err != nil {
			return fail(err)
		}
	}
	if pprofListen != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		ln, err := t.serve("pprof", pprofListen, mux)
		if err != nil {
			return fail(err)
		}
		t.pprof = ln
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
		// The gRPC exporter reports every reconnect attempt while the
		// collector is down.
		if strings.Contains(err.Error(), "waiting for connections to become ready") {
			t.logger.Debug("telemetry.exporter.retry", "error", err)
			return
		}
		t.logger.Warn("telemetry.exporter.error", "error", err)
	}))
	return t, nil
}

func (t *Telemetry) startTracing(ctx context.Context, endpoint string, res *resource.Resource) error {
	target, err := resolveOTLPTarget(endpoint)
	if err != nil {
		return err
	}
	exporter, err := newTraceExporter(ctx, target)
	if err != nil {
		return err
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(provider)
	t.onShutdown("trace", provider.Shutdown)
	t.logger.Info("telemetry.tracing.enabled",
		"protocol", target.protocol,
		"endpoint", target.endpoint,
		"path", target.path,
		"insecure", target.insecure,
	)
	return nil
}

func newTraceExporter(ctx context.Context, target otlpTarget) (sdktrace.SpanExporter, error) {
	switch target.protocol {
	case "grpc":
		creds := credentials.NewClientTLSFromCert(nil, "")
		if target.insecure {
			creds = insecure.NewCredentials()
		}
		exp, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(target.endpoint),
			otlptracegrpc.WithTimeout(traceExportTimeout),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(creds)),
		)
		if err != nil {
			return nil, fmt.Errorf("telemetry: start trace exporter (grpc): %w", err)
		}
		return exp, nil
	case "http":
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(target.endpoint),
			otlptracehttp.WithTimeout(traceExportTimeout),
		}
		if target.insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if target.path != "" {
			opts = append(opts, otlptracehttp.WithURLPath(target.path))
		}
		exp, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("telemetry: start trace exporter (http): %w", err)
		}
		return exp, nil
	default:
		return nil, fmt.Errorf("telemetry: unsupported protocol %q", target.protocol)
	}
}

var (
	runtimeMetricsOnce sync.Once
	runtimeMetricsErr  error
)

func (t *Telemetry) startMetrics(addr string, runtimeMetrics bool, res *resource.Resource) error {
	registry := prometheus.NewRegistry()
	opts := []otelprometheus.Option{otelprometheus.WithRegisterer(registry)}
	if runtimeMetrics {
		opts = append(opts, otelprometheus.WithProducer(otelruntime.NewProducer()))
	}
	exporter, err := otelprometheus.New(opts...)
	if err != nil {
		return fmt.Errorf("telemetry: start prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)
	t.onShutdown("metric", provider.Shutdown)
	if runtimeMetrics {
		// The runtime instrumentation registers process-wide callbacks; start
		// it once per process.
		runtimeMetricsOnce.Do(func() {
			runtimeMetricsErr = otelruntime.Start(otelruntime.WithMeterProvider(provider))
		})
		if runtimeMetricsErr != nil {
			return fmt.Errorf("telemetry: runtime metrics: %w", runtimeMetricsErr)
		}
		t.logger.Info("telemetry.runtime_metrics.enabled")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	ln, err := t.serve("metrics", addr, mux)
	if err != nil {
		return err
	}
	t.metrics = ln
	return nil
}

// serve starts an HTTP server for a debug endpoint and registers its
// shutdown.
func (t *Telemetry) serve(name, addr string, handler http.Handler) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %s listen: %w", name, err)
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: debugReadHeaderTimeout}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Warn("telemetry.serve.failed", "component", name, "error", err)
		}
	}()
	t.onShutdown(name, srv.Shutdown)
	t.logger.Info("telemetry.listener.started", "component", name, "listen", ln.Addr().String())
	return ln, nil
}

type otlpTarget struct {
	protocol string // grpc or http
	endpoint string // host:port
	path     string
	insecure bool
}

// otlpSchemes maps endpoint URL schemes to transport and default port.
var otlpSchemes = map[string]otlpTarget{
	"grpc":  {protocol: "grpc", endpoint: otlpGRPCPort, insecure: true},
	"grpcs": {protocol: "grpc", endpoint: otlpGRPCPort},
	"http":  {protocol: "http", endpoint: otlpHTTPPort, insecure: true},
	"https": {protocol: "http", endpoint: otlpHTTPPort},
}

// resolveOTLPTarget parses an OTLP endpoint. A bare host[:port] means
// plaintext gRPC.
func resolveOTLPTarget(raw string) (otlpTarget, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return otlpTarget{}, fmt.Errorf("telemetry: empty endpoint")
	}
	if !strings.Contains(raw, "://") {
		raw = "grpc://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return otlpTarget{}, fmt.Errorf("telemetry: parse endpoint: %w", err)
	}
	scheme, ok := otlpSchemes[strings.ToLower(u.Scheme)]
	if !ok {
		return otlpTarget{}, fmt.Errorf("telemetry: unknown scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return otlpTarget{}, fmt.Errorf("telemetry: missing endpoint host")
	}
	target := scheme
	target.endpoint = u.Host
	if u.Port() == "" {
		target.endpoint = net.JoinHostPort(u.Hostname(), scheme.endpoint)
	}
	if target.protocol == "http" {
		target.path = strings.TrimSuffix(u.Path, "/")
	}
	return target, nil
}
