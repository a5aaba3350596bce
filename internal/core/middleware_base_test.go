package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"bulkmail/internal/types"
)

func TestRecoverer_NoPanic(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Recoverer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusAccepted {
		t.Errorf("expected 202, got %d", rec.Code)
	}
}

func TestRecoverer_Panic(t *testing.T) {
	panics := map[string]any{
		"string": "boom",
		"error":  errors.New("bad state"),
		"nil":    nil,
	}

	for name, value := range panics {
		t.Run(name, func(t *testing.T) {
			srv := newTestServer(t)
			h := srv.Recoverer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				panic(value)
			}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req = req.WithContext(types.WithRequestID(req.Context(), "req-\"quoted\""))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != http.StatusInternalServerError {
				t.Fatalf("expected 500, got %d", rec.Code)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("expected application/json, got %q", ct)
			}
			var resp APIErrorResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("body is not valid JSON: %v", err)
			}
			if resp.Error.RequestID != "req-\"quoted\"" {
				t.Errorf("expected request id preserved, got %q", resp.Error.RequestID)
			}
		})
	}
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	srv := newTestServer(t)
	h := srv.SecurityHeadersMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	want := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"X-XSS-Protection":       "1; mode=block",
	}
	for k, v := range want {
		if got := rec.Header().Get(k); got != v {
			t.Errorf("%s: expected %q, got %q", k, v, got)
		}
	}
}

func TestCORSMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name            string
		allowed         []string
		method          string
		origin          string
		wantStatus      int
		wantAllowOrigin string
		wantCredentials string
	}{
		{"wildcard", []string{"*"}, http.MethodGet, "https://a.example.com", http.StatusOK, "*", ""},
		{"listed origin", []string{"https://a.example.com"}, http.MethodGet, "https://a.example.com", http.StatusOK, "https://a.example.com", "true"},
		{"unlisted origin", []string{"https://a.example.com"}, http.MethodGet, "https://evil.example.com", http.StatusOK, "", ""},
		{"no origin header", []string{"https://a.example.com"}, http.MethodGet, "", http.StatusOK, "", ""},
		{"preflight", []string{"*"}, http.MethodOptions, "https://a.example.com", http.StatusNoContent, "*", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewCORSMiddleware(tt.allowed)(next)
			req := httptest.NewRequest(tt.method, "/v1/email/queue", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.wantAllowOrigin {
				t.Errorf("Allow-Origin: expected %q, got %q", tt.wantAllowOrigin, got)
			}
			if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != tt.wantCredentials {
				t.Errorf("Allow-Credentials: expected %q, got %q", tt.wantCredentials, got)
			}
			if tt.wantAllowOrigin != "" {
				if got := rec.Header().Get("Access-Control-Allow-Headers"); !strings.Contains(got, "X-Api-Key") {
					t.Errorf("expected X-Api-Key in allowed headers, got %q", got)
				}
			}
		})
	}
}

func TestMetricsMiddleware_RecordsStatus(t *testing.T) {
	srv := newTestServer(t)
	metrics := &mockMetricsCollector{}
	srv.Metrics = metrics

	h := srv.MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/email/queue", nil))

	if len(metrics.calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(metrics.calls))
	}
	call := metrics.calls[0]
	if call.method != http.MethodPost || call.status != "502" {
		t.Errorf("unexpected call: %+v", call)
	}
	// No chi router in front, so the raw path is used.
	if call.endpoint != "/v1/email/queue" {
		t.Errorf("expected raw path, got %q", call.endpoint)
	}
}

func TestMetricsMiddleware_NilCollector(t *testing.T) {
	srv := newTestServer(t)

	called := false
	h := srv.MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if !called {
		t.Error("expected next handler to be called")
	}
}

func newBufferLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

func TestRequestLogger_RedactsCredentials(t *testing.T) {
	logger, buf := newBufferLogger()
	h := RequestLogger(logger, defaultRedactedHeaders)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodPost, "/v1/email/queue", nil)
	req.Header.Set("x-api-key", "campaigns.topsecret")
	req.Header.Set("Authorization", "Bearer campaigns.topsecret")
	req.Header.Set("User-Agent", "curl/8")
	h.ServeHTTP(httptest.NewRecorder(), req)

	out := buf.String()
	if strings.Contains(out, "topsecret") {
		t.Errorf("credentials leaked into log: %s", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Error("expected redaction marker in log")
	}
	if !strings.Contains(out, "curl/8") {
		t.Error("expected non-sensitive headers to be logged")
	}
}

func TestRequestLogger_Levels(t *testing.T) {
	tests := []struct {
		status int
		level  string
	}{
		{http.StatusOK, "INFO"},
		{http.StatusBadRequest, "WARN"},
		{http.StatusBadGateway, "ERROR"},
	}

	for _, tt := range tests {
		logger, buf := newBufferLogger()
		h := RequestLogger(logger, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req = req.WithContext(types.WithAPIClient(types.WithRequestID(req.Context(), "req-9"), "ops"))
		h.ServeHTTP(httptest.NewRecorder(), req)

		var entry map[string]any
		if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
			t.Fatalf("decode log entry: %v", err)
		}
		if entry["level"] != tt.level {
			t.Errorf("status %d: expected level %s, got %v", tt.status, tt.level, entry["level"])
		}
		if entry["request_id"] != "req-9" || entry["api_client"] != "ops" {
			t.Errorf("expected request_id and api_client attrs, got %v", entry)
		}
	}
}

func TestResponseCapture(t *testing.T) {
	rec := httptest.NewRecorder()
	rc := &responseCapture{ResponseWriter: rec, statusCode: http.StatusOK}

	rc.WriteHeader(http.StatusAccepted)
	rc.WriteHeader(http.StatusTeapot)
	if rc.statusCode != http.StatusAccepted {
		t.Errorf("expected first status kept, got %d", rc.statusCode)
	}
	if rc.Unwrap() != rec {
		t.Error("Unwrap should return the wrapped writer")
	}

	implicit := &responseCapture{ResponseWriter: httptest.NewRecorder()}
	_, _ = implicit.Write([]byte("ok"))
	if implicit.statusCode != http.StatusOK {
		t.Errorf("expected implicit 200, got %d", implicit.statusCode)
	}
}

func TestEscapeJSON(t *testing.T) {
	in := "line1\nline2\t\"quoted\" back\\slash\r"
	rec := httptest.NewRecorder()
	if err := writeJSON(rec, APIErrorResponse{Error: ErrorDetail{Code: "c", Message: in, RequestID: "r"}}); err != nil {
		t.Fatalf("writeJSON: %v", err)
	}

	var resp APIErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("output is not valid JSON: %v (%s)", err, rec.Body.String())
	}
	if resp.Error.Message != in {
		t.Errorf("round trip mismatch: %q", resp.Error.Message)
	}
}
