// Package metrics exposes notigate counters through OpenTelemetry with a
// Prometheus exporter bound to a private registry.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "notigate"

// Recorder is what components record into. Noop satisfies it when metrics are off.
type Recorder interface {
	RecordDecision(ctx context.Context, allowed bool, reason string, took time.Duration)
	RecordStoreError(ctx context.Context, op string)
	RecordTimezoneFallback(ctx context.Context, tz string)
	RecordDispatch(ctx context.Context, outcome string)
	RecordSweep(ctx context.Context, removed int64)
}

type Metrics struct {
	provider *sdkmetric.MeterProvider
	registry *prometheus.Registry

	decisions    metric.Int64Counter
	decisionTime metric.Float64Histogram
	storeErrors  metric.Int64Counter
	tzFallbacks  metric.Int64Counter
	dispatched   metric.Int64Counter
	swept        metric.Int64Counter
}

var (
	_ Recorder = (*Metrics)(nil)
	_ Recorder = Noop{}
)

func New() (*Metrics, error) {
	reg := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter(meterName)

	m := &Metrics{provider: provider, registry: reg}

	if m.decisions, err = meter.Int64Counter(
		"notigate_gate_decisions_total",
		metric.WithDescription("Gate decisions by outcome and reason"),
	); err != nil {
		return nil, fmt.Errorf("failed to create decisions counter: %w", err)
	}
	if m.decisionTime, err = meter.Float64Histogram(
		"notigate_gate_decision_duration_seconds",
		metric.WithDescription("Time spent deciding, including the store round trip"),
	); err != nil {
		return nil, fmt.Errorf("failed to create decision duration histogram: %w", err)
	}
	if m.storeErrors, err = meter.Int64Counter(
		"notigate_store_errors_total",
		metric.WithDescription("Window store failures by operation"),
	); err != nil {
		return nil, fmt.Errorf("failed to create store errors counter: %w", err)
	}
	if m.tzFallbacks, err = meter.Int64Counter(
		"notigate_quiet_hours_timezone_fallback_total",
		metric.WithDescription("Quiet hours evaluations that fell back to UTC"),
	); err != nil {
		return nil, fmt.Errorf("failed to create timezone fallback counter: %w", err)
	}
	if m.dispatched, err = meter.Int64Counter(
		"notigate_dispatch_total",
		metric.WithDescription("Dispatch pipeline outcomes"),
	); err != nil {
		return nil, fmt.Errorf("failed to create dispatch counter: %w", err)
	}
	if m.swept, err = meter.Int64Counter(
		"notigate_window_sweep_removed_total",
		metric.WithDescription("Expired window counters removed by the janitor"),
	); err != nil {
		return nil, fmt.Errorf("failed to create sweep counter: %w", err)
	}
	return m, nil
}

// Handler serves the private registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

func (m *Metrics) RecordDecision(ctx context.Context, allowed bool, reason string, took time.Duration) {
	if m == nil || m.decisions == nil {
		return
	}
	if reason == "" {
		reason = "none"
	}
	attrs := metric.WithAttributes(
		attribute.Bool("allowed", allowed),
		attribute.String("reason", reason),
	)
	m.decisions.Add(ctx, 1, attrs)
	m.decisionTime.Record(ctx, took.Seconds(), attrs)
}

func (m *Metrics) RecordStoreError(ctx context.Context, op string) {
	if m == nil || m.storeErrors == nil {
		return
	}
	m.storeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

func (m *Metrics) RecordTimezoneFallback(ctx context.Context, tz string) {
	if m == nil || m.tzFallbacks == nil {
		return
	}
	m.tzFallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("tz", tz)))
}

func (m *Metrics) RecordDispatch(ctx context.Context, outcome string) {
	if m == nil || m.dispatched == nil {
		return
	}
	m.dispatched.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) RecordSweep(ctx context.Context, removed int64) {
	if m == nil || m.swept == nil || removed <= 0 {
		return
	}
	m.swept.Add(ctx, removed)
}

// Noop discards everything.
type Noop struct{}

func (Noop) RecordDecision(context.Context, bool, string, time.Duration) {}
func (Noop) RecordStoreError(context.Context, string)                    {}
func (Noop) RecordTimezoneFallback(context.Context, string)              {}
func (Noop) RecordDispatch(context.Context, string)                      {}
func (Noop) RecordSweep(context.Context, int64)                          {}

// Handler answers 503 so a scrape of a disabled endpoint is distinguishable from an empty one.
func (Noop) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("metrics not enabled"))
	})
}
