package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"qplane/internal/logger"
)

func TestRequestID_GeneratesWhenMissing(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = logger.RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if seen == "" {
		t.Error("expected a generated request id in the context")
	}
	if got := rr.Header().Get("X-Request-ID"); got != seen {
		t.Errorf("response header %q does not match context id %q", got, seen)
	}
}

func TestRequestID_PropagatesProvided(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = logger.RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-abc-123")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if seen != "req-abc-123" {
		t.Errorf("expected provided id to propagate, got %q", seen)
	}
}

func TestRateLimit_AllowsUnderLimit(t *testing.T) {
	called := false
	handler := RateLimit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/jobs", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if !called {
		t.Error("handler not called for request under the limit")
	}
	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}
}

func TestRateLimit_RejectsBurstOverflow(t *testing.T) {
	handler := RateLimit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rejected := 0
	for i := 0; i < SubmitBurst+50; i++ {
		req := httptest.NewRequest(http.MethodPost, "/jobs", nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code == http.StatusTooManyRequests {
			rejected++
			if retry := rr.Header().Get("Retry-After"); retry == "" {
				t.Error("429 response missing Retry-After header")
			}
		}
	}

	if rejected == 0 {
		t.Errorf("expected rejections after burst of %d", SubmitBurst)
	}
}

func TestLogging_EmitsRequestLine(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := RequestID(Logging(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})))

	req := httptest.NewRequest(http.MethodGet, "/jobs/xyz", nil)
	req.Header.Set("X-Request-ID", "req-log-1")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	var line map[string]any
	if err := json.NewDecoder(&buf).Decode(&line); err != nil {
		t.Fatalf("no log line emitted: %v", err)
	}
	if line["method"] != http.MethodGet || line["path"] != "/jobs/xyz" {
		t.Errorf("unexpected request fields in %v", line)
	}
	if int(line["status"].(float64)) != http.StatusTeapot {
		t.Errorf("expected logged status 418, got %v", line["status"])
	}
	if line["request_id"] != "req-log-1" {
		t.Errorf("expected request id in log line, got %v", line["request_id"])
	}
}

func TestLogging_DefaultsStatusTo200(t *testing.T) {
	log := slog.New(slog.NewJSONHandler(io.Discard, nil))

	handler := Logging(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rr.Code != http.StatusOK {
		t.Errorf("expected implicit 200, got %d", rr.Code)
	}
}
