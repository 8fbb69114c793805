package observe

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

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

func findMetric(t *testing.T, reader *sdkmetric.ManualReader, name string) *metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func counterTotal(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	m := findMetric(t, reader, name)
	if m == nil {
		t.Fatalf("metric %s not found", name)
	}
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %s is %T", name, m.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestRecorderCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.UtteranceFinalized(1200)
	m.UtteranceDiscarded("too_short")
	m.UtteranceDiscarded("cooldown")
	m.FrameDropped()
	m.FrameDropped()
	m.FrameDropped()

	if got := counterTotal(t, reader, "schedbot.utterances.finalized"); got != 1 {
		t.Fatalf("finalized=%d", got)
	}
	if got := counterTotal(t, reader, "schedbot.utterances.discarded"); got != 2 {
		t.Fatalf("discarded=%d", got)
	}
	if got := counterTotal(t, reader, "schedbot.frames.dropped"); got != 3 {
		t.Fatalf("dropped=%d", got)
	}
}

func TestObserveStageRecordsHistogram(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()
	m.ObserveStage(ctx, StageSTT, 250*time.Millisecond)
	m.ObserveStage(ctx, StageSTT, 750*time.Millisecond)
	m.ObserveStage(ctx, "unknown", time.Second)

	got := findMetric(t, reader, "schedbot.stt.duration")
	if got == nil {
		t.Fatal("stt histogram not found")
	}
	h, ok := got.Data.(metricdata.Histogram[float64])
	if !ok || len(h.DataPoints) != 1 {
		t.Fatalf("unexpected data %T %+v", got.Data, got.Data)
	}
	if h.DataPoints[0].Count != 2 || h.DataPoints[0].Sum != 1.0 {
		t.Fatalf("count=%d sum=%v", h.DataPoints[0].Count, h.DataPoints[0].Sum)
	}
}

func TestRouterHealthAndReadiness(t *testing.T) {
	failing := errors.New("db locked")
	ok := Checker{Name: "store", Check: func(context.Context) error { return nil }}
	bad := Checker{Name: "discord", Check: func(context.Context) error { return failing }}

	t.Run("healthz", func(t *testing.T) {
		rec := httptest.NewRecorder()
		NewRouter(bad).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("healthz=%d", rec.Code)
		}
	})
	t.Run("ready", func(t *testing.T) {
		rec := httptest.NewRecorder()
		NewRouter(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("readyz=%d body=%s", rec.Code, rec.Body)
		}
	})
	t.Run("not ready", func(t *testing.T) {
		rec := httptest.NewRecorder()
		NewRouter(ok, bad).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("readyz=%d", rec.Code)
		}
		var res healthResult
		if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
			t.Fatal(err)
		}
		if res.Status != "fail" || res.Checks["discord"] != "fail: db locked" || res.Checks["store"] != "ok" {
			t.Fatalf("unexpected body %+v", res)
		}
	})
	t.Run("metrics", func(t *testing.T) {
		rec := httptest.NewRecorder()
		NewRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("metrics=%d", rec.Code)
		}
	})
}
