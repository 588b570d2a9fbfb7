package obs_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/noah-isme/pos-terminal/internal/obs"
)

func TestHTTPMetricsLabels(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := obs.NewHTTPMetrics("pos", []float64{1, 10}, registry)
	handler := obs.HTTPObs{Metrics: metrics}.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	req = req.WithContext(obs.WithRoutePattern(req.Context(), "/health/ready"))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204 got %d", rr.Code)
	}

	total := testutil.ToFloat64(metrics.ReqTotal.WithLabelValues(http.MethodGet, "/health/ready", "204"))
	if total != 1 {
		t.Fatalf("expected counter to be 1, got %v", total)
	}

	samples := testutil.CollectAndCount(metrics.ReqDur)
	if samples == 0 {
		t.Fatalf("expected histogram sample")
	}

	if metrics.InFlight != nil {
		if val := testutil.ToFloat64(metrics.InFlight); val != 0 {
			t.Fatalf("expected no in-flight requests, got %v", val)
		}
	}
}

func TestRequestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := obs.RequestLogger{Logger: zerolog.New(&buf), TerminalID: "till-1"}
	handler := logger.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("{}"))
	}))

	req := httptest.NewRequest(http.MethodPost, "/session/cash", nil)
	req.Header.Set("Idempotency-Key", "tap-7")
	req.Header.Set("X-Forwarded-For", "10.1.2.3, 10.0.0.1")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	for key, want := range map[string]any{
		"message":         "http_request",
		"terminal_id":     "till-1",
		"idempotency_key": "tap-7",
		"client_ip":       "10.1.2.3",
		"route":           "/session/cash",
		"status":          float64(http.StatusCreated),
		"bytes":           float64(2),
	} {
		if entry[key] != want {
			t.Fatalf("%s: got %v want %v", key, entry[key], want)
		}
	}
}

func TestDomainMetricsCount(t *testing.T) {
	registry := prometheus.NewRegistry()
	obs.MustRegisterDomainMetrics("pos", registry)

	obs.CountTender("cash", "captured")
	obs.CountCaptureCancelled()
	obs.ObserveFinalization("ok", 120*time.Millisecond)
	obs.CountSessionFault()

	if got := testutil.ToFloat64(obs.TenderCaptureTotal.WithLabelValues("cash", "captured")); got < 1 {
		t.Fatalf("tender counter not incremented: %v", got)
	}
	if got := testutil.ToFloat64(obs.FinalizationTotal.WithLabelValues("ok")); got < 1 {
		t.Fatalf("finalization counter not incremented: %v", got)
	}
	if got := testutil.ToFloat64(obs.SessionFaultTotal); got < 1 {
		t.Fatalf("fault counter not incremented: %v", got)
	}
}
