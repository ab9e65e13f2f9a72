package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/archon-research/stl/stl-trade/internal/domain/entity"
	"github.com/archon-research/stl/stl-trade/internal/ports/outbound"
)

// Compile-time check that Metrics implements outbound.TradeMetrics
var _ outbound.TradeMetrics = (*Metrics)(nil)

// Metrics records trade pipeline metrics through OpenTelemetry.
type Metrics struct {
	outcomes     metric.Int64Counter
	passDuration metric.Float64Histogram
	sidecarReady metric.Float64Histogram
}

// NewMetrics creates a new OpenTelemetry metrics recorder.
// meterName should typically be the package name or service name.
func NewMetrics(meterName string) (*Metrics, error) {
	return NewMetricsWithProvider(otel.GetMeterProvider(), meterName)
}

// NewMetricsWithProvider is NewMetrics against an explicit provider.
func NewMetricsWithProvider(provider metric.MeterProvider, meterName string) (*Metrics, error) {
	meter := provider.Meter(meterName)

	outcomes, err := meter.Int64Counter(
		"trades.outcomes.total",
		metric.WithDescription("Per-account trade outcomes by venue, status and failure reason"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trades.outcomes.total counter: %w", err)
	}

	passDuration, err := meter.Float64Histogram(
		"trades.pass.duration",
		metric.WithDescription("Wall time of one batch pass over all running accounts"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trades.pass.duration histogram: %w", err)
	}

	sidecarReady, err := meter.Float64Histogram(
		"trades.sidecar.ready.duration",
		metric.WithDescription("Time until the settlement sidecar answered its health check"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trades.sidecar.ready.duration histogram: %w", err)
	}

	return &Metrics{
		outcomes:     outcomes,
		passDuration: passDuration,
		sidecarReady: sidecarReady,
	}, nil
}

// RecordOutcome increments the outcome counter.
func (m *Metrics) RecordOutcome(ctx context.Context, venue string, status entity.OutcomeStatus, reason string) {
	m.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("venue", venue),
		attribute.String("status", string(status)),
		attribute.String("reason", reason),
	))
}

// RecordPass records the duration of a batch pass.
func (m *Metrics) RecordPass(ctx context.Context, venue string, duration time.Duration, err error) {
	m.passDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("venue", venue),
		attribute.String("status", statusOf(err)),
	))
}

// RecordSidecarReady records how long the sidecar took to become ready.
func (m *Metrics) RecordSidecarReady(ctx context.Context, wait time.Duration, err error) {
	m.sidecarReady.Record(ctx, wait.Seconds(), metric.WithAttributes(
		attribute.String("status", statusOf(err)),
	))
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
