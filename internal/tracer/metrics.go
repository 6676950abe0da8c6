package tracer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records service-level counters and latencies.
// Use NewMetrics for OpenTelemetry or NoopMetrics when disabled.
type Metrics interface {
	// RecordAttempt records one model attempt of the LLM node.
	RecordAttempt(ctx context.Context, model string, duration time.Duration, err error)

	// RecordFallback records a switch from the primary to the secondary model.
	RecordFallback(ctx context.Context, primary, secondary string)

	// RecordGraphRun records a chat graph run.
	RecordGraphRun(ctx context.Context, success bool, duration time.Duration)
}

type otelMetrics struct {
	attempts       metric.Int64Counter
	attemptLatency metric.Float64Histogram
	fallbacks      metric.Int64Counter
	graphRuns      metric.Int64Counter
	graphLatency   metric.Float64Histogram
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter(tracerName)

	attempts, err := meter.Int64Counter("graphchat.llm.attempts",
		metric.WithDescription("Number of model attempts by the LLM node"),
	)
	if err != nil {
		return nil, err
	}

	attemptLatency, err := meter.Float64Histogram("graphchat.llm.attempt.latency_ms",
		metric.WithDescription("Model attempt latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	fallbacks, err := meter.Int64Counter("graphchat.llm.fallbacks",
		metric.WithDescription("Number of switches to the secondary model"),
	)
	if err != nil {
		return nil, err
	}

	graphRuns, err := meter.Int64Counter("graphchat.graph.runs",
		metric.WithDescription("Number of chat graph runs"),
	)
	if err != nil {
		return nil, err
	}

	graphLatency, err := meter.Float64Histogram("graphchat.graph.latency_ms",
		metric.WithDescription("Chat graph run latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		attempts:       attempts,
		attemptLatency: attemptLatency,
		fallbacks:      fallbacks,
		graphRuns:      graphRuns,
		graphLatency:   graphLatency,
	}, nil
}

// NewMetrics returns a Metrics backed by the global OpenTelemetry meter provider.
// If instrument creation fails a no-op recorder is returned.
func NewMetrics() Metrics {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	if defaultMetricsErr != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", defaultMetricsErr.Error()))
		return NoopMetrics{}
	}
	return defaultMetrics
}

func (m *otelMetrics) RecordAttempt(ctx context.Context, model string, duration time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	attrs := metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("outcome", outcome),
	)
	m.attempts.Add(ctx, 1, attrs)
	m.attemptLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
}

func (m *otelMetrics) RecordFallback(ctx context.Context, primary, secondary string) {
	m.fallbacks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("primary_model", primary),
		attribute.String("secondary_model", secondary),
	))
}

func (m *otelMetrics) RecordGraphRun(ctx context.Context, success bool, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.Bool("success", success))
	m.graphRuns.Add(ctx, 1, attrs)
	m.graphLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
}

// NoopMetrics discards every measurement.
type NoopMetrics struct{}

func (NoopMetrics) RecordAttempt(context.Context, string, time.Duration, error) {}
func (NoopMetrics) RecordFallback(context.Context, string, string)              {}
func (NoopMetrics) RecordGraphRun(context.Context, bool, time.Duration)         {}
