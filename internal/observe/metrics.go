// Package observe provides the gateway's observability primitives:
// OpenTelemetry metrics with a Prometheus exporter bridge, plus HTTP
// middleware for the admin server.
//
// Metrics are recorded through the OpenTelemetry Metrics API and scraped
// via the standard /metrics endpoint. Tests should use [NewMetrics] with a
// custom [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/toolfed/gateway/internal/index"
)

// meterName is the instrumentation scope name used for all gateway metrics.
const meterName = "github.com/toolfed/gateway"

// Metrics holds all OpenTelemetry metric instruments for the gateway.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// ToolCallDuration tracks upstream tools/call latency.
	ToolCallDuration metric.Float64Histogram

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("server", ...), attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// RefreshCycles counts incremental refresh cycles.
	RefreshCycles metric.Int64Counter

	// RefreshDuration tracks how long one refresh cycle takes.
	RefreshDuration metric.Float64Histogram

	// DocumentChanges counts documents touched by refreshes. Use with
	// attribute.String("change", "added"|"updated"|"removed").
	DocumentChanges metric.Int64Counter

	// IndexedDocuments reports the current size of the tool index.
	IndexedDocuments metric.Int64Gauge

	// HTTPRequestDuration tracks admin endpoint latency by method and path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized
// for upstream HTTP round trips.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ToolCallDuration, err = m.Float64Histogram("gateway.tool_call.duration",
		metric.WithDescription("Latency of upstream tools/call invocations."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("gateway.tool.calls",
		metric.WithDescription("Total tool invocations by server, tool, and status."),
	); err != nil {
		return nil, err
	}
	if met.RefreshCycles, err = m.Int64Counter("gateway.index.refresh.cycles",
		metric.WithDescription("Total incremental index refresh cycles."),
	); err != nil {
		return nil, err
	}
	if met.RefreshDuration, err = m.Float64Histogram("gateway.index.refresh.duration",
		metric.WithDescription("Duration of one index refresh cycle."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DocumentChanges, err = m.Int64Counter("gateway.index.document.changes",
		metric.WithDescription("Index documents touched by refreshes, by change kind."),
	); err != nil {
		return nil, err
	}
	if met.IndexedDocuments, err = m.Int64Gauge("gateway.index.documents",
		metric.WithDescription("Current number of indexed tool documents."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("gateway.http.request.duration",
		metric.WithDescription("Admin HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call using [otel.GetMeterProvider]. Panics if instrument
// creation fails (should not happen with the global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordToolCall records one tool invocation with its latency and outcome.
func (m *Metrics) RecordToolCall(ctx context.Context, serverID, tool string, elapsed time.Duration, failed bool) {
	status := "ok"
	if failed {
		status = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("server", serverID),
		attribute.String("tool", tool),
		attribute.String("status", status),
	)
	m.ToolCalls.Add(ctx, 1, attrs)
	m.ToolCallDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// RecordRefresh records the outcome of one incremental refresh cycle.
func (m *Metrics) RecordRefresh(ctx context.Context, stats index.RefreshStats) {
	m.RefreshCycles.Add(ctx, 1)
	m.RefreshDuration.Record(ctx, stats.Duration.Seconds())
	m.DocumentChanges.Add(ctx, int64(stats.Added),
		metric.WithAttributes(attribute.String("change", "added")))
	m.DocumentChanges.Add(ctx, int64(stats.Updated),
		metric.WithAttributes(attribute.String("change", "updated")))
	m.DocumentChanges.Add(ctx, int64(stats.Removed),
		metric.WithAttributes(attribute.String("change", "removed")))
}

// SetIndexedDocuments reports the current index size.
func (m *Metrics) SetIndexedDocuments(ctx context.Context, n int) {
	m.IndexedDocuments.Record(ctx, int64(n))
}
