package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func TestRecordersProduceDatapoints(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTranslation(ctx, "es")
	m.RecordBroadcast(ctx, "es", "url")
	m.RecordBroadcast(ctx, "es", "local")
	m.RecordAuthAttempt(ctx, "credentials", "success")
	m.RecordRejectedFrame(ctx, "validation/malformed-frame")
	m.ConnectionOpened(ctx, "listener")
	m.ConnectionClosed(ctx, "listener")
	m.SessionStarted(ctx)

	got := collect(t, reader)
	for _, name := range []string{
		"lingocast.translations.received",
		"lingocast.broadcasts.delivered",
		"lingocast.auth.attempts",
		"lingocast.frames.rejected",
		"lingocast.active_connections",
		"lingocast.active_sessions",
	} {
		if _, ok := got[name]; !ok {
			t.Errorf("metric %q missing after recording", name)
		}
	}

	sum, ok := got["lingocast.broadcasts.delivered"].Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("broadcasts.delivered data = %T", got["lingocast.broadcasts.delivered"].Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	if total != 2 {
		t.Errorf("broadcasts delivered = %d, want 2", total)
	}
}

func TestNilMetricsRecordersAreSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RecordTranslation(ctx, "es")
	m.RecordBroadcast(ctx, "es", "none")
	m.RecordAuthAttempt(ctx, "token", "failure")
	m.RecordRejectedFrame(ctx, "system/internal")
	m.ConnectionOpened(ctx, "admin")
	m.ConnectionClosed(ctx, "admin")
	m.SessionStarted(ctx)
	m.SessionEnded(ctx)
}

func TestMiddlewareRecordsAndTagsResponses(t *testing.T) {
	m, reader := newTestMetrics(t)

	handler := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/audio/abc", nil))

	if rr.Code != http.StatusTeapot {
		t.Errorf("status = %d", rr.Code)
	}
	got := collect(t, reader)
	if _, ok := got["lingocast.http.request.duration"]; !ok {
		t.Error("request duration histogram missing")
	}
}
