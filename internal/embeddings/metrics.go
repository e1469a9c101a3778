package embeddings

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "memoryd.embeddings"

// Metrics holds the instruments for embedding endpoint calls.
type Metrics struct {
	duration metric.Float64Histogram
	errors   metric.Int64Counter
}

// NewMetrics creates embedding metrics on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(instrumentationName)

	duration, err := meter.Float64Histogram(
		"memoryd_embedding_request_duration_seconds",
		metric.WithDescription("Duration of embedding endpoint requests, labeled by model"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0),
	)
	if err != nil {
		return nil, fmt.Errorf("creating duration histogram: %w", err)
	}

	errCounter, err := meter.Int64Counter(
		"memoryd_embedding_errors_total",
		metric.WithDescription("Total embedding endpoint failures by model. Includes unreachable endpoints, non-200 responses, and dimension mismatches."),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating error counter: %w", err)
	}

	return &Metrics{duration: duration, errors: errCounter}, nil
}

// RecordRequest records one endpoint round trip.
func (m *Metrics) RecordRequest(ctx context.Context, model string, d time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("model", model))
	m.duration.Record(ctx, d.Seconds(), attrs)
	if err != nil {
		m.errors.Add(ctx, 1, attrs)
	}
}
