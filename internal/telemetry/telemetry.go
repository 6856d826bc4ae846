package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/unalkalkan/TwelveNarrator/pkg/types"
)

const instrumentationName = "github.com/unalkalkan/TwelveNarrator"

// Metrics holds the pipeline instruments
type Metrics struct {
	SegmentAttempts   metric.Int64Counter
	SegmentsCompleted metric.Int64Counter
	SegmentsFailed    metric.Int64Counter
	TTSDuration       metric.Float64Histogram
	AssemblyDuration  metric.Float64Histogram
}

// NewMetrics creates the pipeline instruments on meter
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var m Metrics
	var errs []error
	var err error

	m.SegmentAttempts, err = meter.Int64Counter("narration.segments.attempts",
		metric.WithDescription("TTS calls issued for segments, retries included"))
	errs = append(errs, err)
	m.SegmentsCompleted, err = meter.Int64Counter("narration.segments.completed",
		metric.WithDescription("Segments that reached completed"))
	errs = append(errs, err)
	m.SegmentsFailed, err = meter.Int64Counter("narration.segments.failed",
		metric.WithDescription("Segments that exhausted their retries"))
	errs = append(errs, err)
	m.TTSDuration, err = meter.Float64Histogram("narration.tts.duration",
		metric.WithDescription("Duration of a single TTS engine call"), metric.WithUnit("s"))
	errs = append(errs, err)
	m.AssemblyDuration, err = meter.Float64Histogram("narration.assembly.duration",
		metric.WithDescription("Duration of the final mix pass"), metric.WithUnit("s"))
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("failed to create instruments: %w", err)
	}
	return &m, nil
}

var (
	globalOnce    sync.Once
	globalMetrics *Metrics
)

// Global returns instruments bound to the global meter provider.
// Instruments created before Setup forward to the provider Setup installs.
func Global() *Metrics {
	globalOnce.Do(func() {
		m, err := NewMetrics(otel.Meter(instrumentationName))
		if err != nil {
			otel.Handle(err)
			m, _ = NewMetrics(noop.NewMeterProvider().Meter(instrumentationName))
		}
		globalMetrics = m
	})
	return globalMetrics
}

// Tracer returns the pipeline tracer
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// Provider owns the SDK providers installed by Setup
type Provider struct {
	MeterProvider  *sdkmetric.MeterProvider
	TracerProvider *sdktrace.TracerProvider
	// Handler serves the Prometheus scrape endpoint; nil when metrics are off
	Handler http.Handler
}

// Setup installs global meter and tracer providers according to cfg
func Setup(ctx context.Context, cfg types.TelemetryConfig) (*Provider, error) {
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to build telemetry resource: %w", err)
	}

	p := &Provider{}
	meterOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if cfg.Metrics {
		registry := promclient.NewRegistry()
		exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
		if err != nil {
			return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
		}
		meterOpts = append(meterOpts, sdkmetric.WithReader(exporter))
		p.Handler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	}
	p.MeterProvider = sdkmetric.NewMeterProvider(meterOpts...)
	otel.SetMeterProvider(p.MeterProvider)

	if cfg.Traces == "stdout" {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
		p.TracerProvider = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(p.TracerProvider)
	}

	log.Printf("[Telemetry] Initialized (metrics=%v, traces=%q)", cfg.Metrics, cfg.Traces)
	return p, nil
}

// Shutdown flushes and stops the installed providers
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if p.MeterProvider != nil {
		errs = append(errs, p.MeterProvider.Shutdown(ctx))
	}
	if p.TracerProvider != nil {
		errs = append(errs, p.TracerProvider.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
