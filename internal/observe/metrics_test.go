package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/toolfed/gateway/internal/index"
)

// newTestMetrics builds Metrics over a manual reader so recorded values
// can be collected synchronously.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metrics and returns them keyed by instrument name.
func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	out := make(map[string]metricdata.Metrics)
	for _, scope := range rm.ScopeMetrics {
		for _, met := range scope.Metrics {
			out[met.Name] = met
		}
	}
	return out
}

func TestRecordToolCall(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)

	m.RecordToolCall(context.Background(), "A", "read_file", 120*time.Millisecond, false)
	m.RecordToolCall(context.Background(), "A", "read_file", 40*time.Millisecond, true)

	metrics := collect(t, reader)

	calls, ok := metrics["gateway.tool.calls"].Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("tool.calls data = %T", metrics["gateway.tool.calls"].Data)
	}
	// One data point per status value.
	if len(calls.DataPoints) != 2 {
		t.Fatalf("got %d data points, want 2", len(calls.DataPoints))
	}
	var total int64
	for _, dp := range calls.DataPoints {
		total += dp.Value
	}
	if total != 2 {
		t.Errorf("total calls = %d", total)
	}

	hist, ok := metrics["gateway.tool_call.duration"].Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("duration data = %T", metrics["gateway.tool_call.duration"].Data)
	}
	if len(hist.DataPoints) == 0 {
		t.Fatal("no duration data points")
	}
}

func TestRecordRefresh(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)

	m.RecordRefresh(context.Background(), index.RefreshStats{
		Added: 2, Updated: 1, Removed: 3, Unchanged: 10,
		Duration: 250 * time.Millisecond,
	})

	metrics := collect(t, reader)

	cycles, ok := metrics["gateway.index.refresh.cycles"].Data.(metricdata.Sum[int64])
	if !ok || len(cycles.DataPoints) != 1 || cycles.DataPoints[0].Value != 1 {
		t.Errorf("refresh.cycles = %+v", metrics["gateway.index.refresh.cycles"].Data)
	}

	changes, ok := metrics["gateway.index.document.changes"].Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("document.changes data = %T", metrics["gateway.index.document.changes"].Data)
	}
	var total int64
	for _, dp := range changes.DataPoints {
		total += dp.Value
	}
	if total != 6 { // 2 added + 1 updated + 3 removed; unchanged not counted
		t.Errorf("total changes = %d, want 6", total)
	}
}

func TestSetIndexedDocuments(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)

	m.SetIndexedDocuments(context.Background(), 42)
	m.SetIndexedDocuments(context.Background(), 17)

	metrics := collect(t, reader)
	gauge, ok := metrics["gateway.index.documents"].Data.(metricdata.Gauge[int64])
	if !ok {
		t.Fatalf("documents data = %T", metrics["gateway.index.documents"].Data)
	}
	if len(gauge.DataPoints) != 1 || gauge.DataPoints[0].Value != 17 {
		t.Errorf("gauge = %+v, want last value 17", gauge.DataPoints)
	}
}

func TestMiddlewareRecordsRequests(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)

	handler := Middleware(m, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	metrics := collect(t, reader)
	hist, ok := metrics["gateway.http.request.duration"].Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("request.duration data = %T", metrics["gateway.http.request.duration"].Data)
	}
	if len(hist.DataPoints) != 1 {
		t.Fatalf("got %d data points", len(hist.DataPoints))
	}
}
