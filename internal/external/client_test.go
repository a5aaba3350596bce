package external

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"

	"bulkmail/internal/types"
)

func noopSleep(context.Context, time.Duration) error { return nil }

func fastPolicy(retries int) RetryPolicy {
	return RetryPolicy{MaxRetries: retries, MinWait: time.Millisecond, MaxWait: 10 * time.Millisecond}
}

func newTestClient(t *testing.T, policy RetryPolicy, opts ...BaseClientOption) *BaseClient {
	t.Helper()
	opts = append([]BaseClientOption{WithSleepFunc(noopSleep)}, opts...)
	return NewBaseClient(&http.Client{Timeout: 5 * time.Second}, "test-breaker", policy, "bulkmail-test/1.0", opts...)
}

func mustRequest(t *testing.T, ctx context.Context, method, url string, body io.Reader) *http.Request {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	return req
}

func TestDo_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer server.Close()

	client := newTestClient(t, DefaultRetryPolicy())
	resp, err := client.Do(mustRequest(t, context.Background(), http.MethodGet, server.URL, nil))
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"status":"ok"}` {
		t.Errorf("unexpected body: %s", body)
	}
}

func TestDo_InjectsHeaders(t *testing.T) {
	var gotRequestID, gotUA string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRequestID = r.Header.Get("X-Request-Id")
		gotUA = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := newTestClient(t, DefaultRetryPolicy())
	ctx := types.WithRequestID(context.Background(), "req-abc-123")
	resp, err := client.Do(mustRequest(t, ctx, http.MethodGet, server.URL, nil))
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	resp.Body.Close()

	if gotRequestID != "req-abc-123" {
		t.Errorf("expected request id 'req-abc-123', got %q", gotRequestID)
	}
	if gotUA != "bulkmail-test/1.0" {
		t.Errorf("expected User-Agent 'bulkmail-test/1.0', got %q", gotUA)
	}
}

func TestDo_NoRequestIDWhenNotInContext(t *testing.T) {
	var present bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, present = r.Header["X-Request-Id"]
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := newTestClient(t, DefaultRetryPolicy())
	resp, err := client.Do(mustRequest(t, context.Background(), http.MethodGet, server.URL, nil))
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	resp.Body.Close()

	if present {
		t.Error("expected no X-Request-Id header")
	}
}

func TestDo_RetriesTransientStatuses(t *testing.T) {
	for _, status := range []int{http.StatusInternalServerError, http.StatusServiceUnavailable, http.StatusTooManyRequests} {
		t.Run(fmt.Sprint(status), func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if calls.Add(1) < 3 {
					w.WriteHeader(status)
					return
				}
				w.WriteHeader(http.StatusOK)
			}))
			defer server.Close()

			client := newTestClient(t, fastPolicy(2))
			resp, err := client.Do(mustRequest(t, context.Background(), http.MethodGet, server.URL, nil))
			if err != nil {
				t.Fatalf("expected success after retries, got: %v", err)
			}
			resp.Body.Close()

			if calls.Load() != 3 {
				t.Errorf("expected 3 calls, got %d", calls.Load())
			}
		})
	}
}

func TestDo_ExhaustedRetries(t *testing.T) {
	tests := []struct {
		status   int
		wantCode types.ErrorCode
	}{
		{http.StatusBadGateway, types.ErrCodeUpstreamUnavailable},
		{http.StatusTooManyRequests, types.ErrCodeUpstreamRateLimited},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			client := newTestClient(t, fastPolicy(2))
			resp, err := client.Do(mustRequest(t, context.Background(), http.MethodGet, server.URL, nil))
			if resp != nil {
				t.Error("expected nil response")
			}

			var appErr *types.AppError
			if !errors.As(err, &appErr) {
				t.Fatalf("expected *types.AppError, got %T: %v", err, err)
			}
			if appErr.Code != tt.wantCode {
				t.Errorf("expected code %s, got %s", tt.wantCode, appErr.Code)
			}
			if calls.Load() != 3 {
				t.Errorf("expected 3 calls (1 + 2 retries), got %d", calls.Load())
			}
		})
	}
}

func TestDo_4xxNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	client := newTestClient(t, fastPolicy(3))
	resp, err := client.Do(mustRequest(t, context.Background(), http.MethodGet, server.URL, nil))
	if err != nil {
		t.Fatalf("4xx should be returned as a response, got error: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
	if calls.Load() != 1 {
		t.Errorf("expected exactly 1 call, got %d", calls.Load())
	}
}

func TestDo_CircuitBreakerOpens(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	breaker := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:    "test-open",
		Timeout: time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 3
		},
	})
	client := newTestClient(t, fastPolicy(0), WithBreaker(breaker))

	for i := 0; i < 4; i++ {
		client.Do(mustRequest(t, context.Background(), http.MethodGet, server.URL, nil))
	}
	before := calls.Load()

	_, err := client.Do(mustRequest(t, context.Background(), http.MethodGet, server.URL, nil))
	if !types.IsCode(err, types.ErrCodeUpstreamUnavailable) {
		t.Fatalf("expected upstream unavailable, got %v", err)
	}
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("expected wrapped ErrOpenState, got %v", err)
	}
	if calls.Load() != before {
		t.Errorf("expected no server call while open, got %d more", calls.Load()-before)
	}
}

func TestDo_RespectsRetryAfterHeader(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	var slept []time.Duration
	tracking := func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	policy := RetryPolicy{MaxRetries: 1, MinWait: 100 * time.Millisecond, MaxWait: 10 * time.Second}
	client := newTestClient(t, policy, WithSleepFunc(tracking))

	resp, err := client.Do(mustRequest(t, context.Background(), http.MethodGet, server.URL, nil))
	if err != nil {
		t.Fatalf("expected success, got: %v", err)
	}
	resp.Body.Close()

	if len(slept) != 1 || slept[0] != 2*time.Second {
		t.Errorf("expected one 2s sleep, got %v", slept)
	}
}

func TestDo_RetryAfterCappedByMaxWait(t *testing.T) {
	client := &BaseClient{retryPolicy: RetryPolicy{MinWait: time.Millisecond, MaxWait: 3 * time.Second}}
	resp := &http.Response{Header: http.Header{"Retry-After": {"120"}}}

	if got := client.backoff(0, resp); got != 3*time.Second {
		t.Errorf("expected 3s cap, got %v", got)
	}
}

func TestDo_SleepCancelledStopsRetrying(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	cancelled := func(context.Context, time.Duration) error { return context.Canceled }
	client := newTestClient(t, fastPolicy(3), WithSleepFunc(cancelled))

	_, err := client.Do(mustRequest(t, context.Background(), http.MethodGet, server.URL, nil))
	if !types.IsCode(err, types.ErrCodeUpstreamUnavailable) {
		t.Fatalf("expected upstream unavailable, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 call before the wait was abandoned, got %d", calls.Load())
	}
}

func TestDo_NetworkErrorMapsToAppError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	client := newTestClient(t, fastPolicy(1))
	_, err := client.Do(mustRequest(t, context.Background(), http.MethodGet, url, nil))
	if !types.IsCode(err, types.ErrCodeUpstreamUnavailable) {
		t.Errorf("expected upstream unavailable, got %v", err)
	}
}

func TestDo_PostBodyPreservedAcrossRetries(t *testing.T) {
	var calls atomic.Int32
	var bodies []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(b))
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := newTestClient(t, fastPolicy(2))
	body := `{"key":"value"}`
	resp, err := client.Do(mustRequest(t, context.Background(), http.MethodPost, server.URL, strings.NewReader(body)))
	if err != nil {
		t.Fatalf("expected success after retry, got: %v", err)
	}
	resp.Body.Close()

	if len(bodies) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(bodies))
	}
	for i, b := range bodies {
		if b != body {
			t.Errorf("attempt %d: expected body %q, got %q", i, body, b)
		}
	}
}

func TestBackoff_Bounds(t *testing.T) {
	client := &BaseClient{retryPolicy: RetryPolicy{MaxRetries: 5, MinWait: 100 * time.Millisecond, MaxWait: 10 * time.Second}}

	for attempt := 0; attempt < 5; attempt++ {
		d := client.backoff(attempt, nil)
		if d < client.retryPolicy.MinWait || d > client.retryPolicy.MaxWait {
			t.Errorf("attempt %d: backoff %v outside [%v, %v]", attempt, d, client.retryPolicy.MinWait, client.retryPolicy.MaxWait)
		}
	}
}

func TestDefaultRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()
	if p.MaxRetries != 2 || p.MinWait != 500*time.Millisecond || p.MaxWait != 5*time.Second {
		t.Errorf("unexpected default policy: %+v", p)
	}
}
