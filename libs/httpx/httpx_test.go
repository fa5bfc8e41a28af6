package httpx

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRateLimiterFixedWindow(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(2, time.Minute, nil)
	rl.now = func() time.Time { return now }

	h := rl.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	call := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/billing/sync", nil)
		req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
		rw := httptest.NewRecorder()
		h.ServeHTTP(rw, req)
		return rw
	}

	if rw := call(); rw.Code != http.StatusOK {
		t.Fatalf("first call: expected 200, got %d", rw.Code)
	}
	if rw := call(); rw.Code != http.StatusOK {
		t.Fatalf("second call: expected 200, got %d", rw.Code)
	}
	rw := call()
	if rw.Code != http.StatusTooManyRequests {
		t.Fatalf("third call: expected 429, got %d", rw.Code)
	}
	if rw.Header().Get("Retry-After") != "60" {
		t.Fatalf("expected Retry-After 60, got %q", rw.Header().Get("Retry-After"))
	}

	now = now.Add(61 * time.Second)
	if rw := call(); rw.Code != http.StatusOK {
		t.Fatalf("after window: expected 200, got %d", rw.Code)
	}
}

func TestChainOrderAndRequestID(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	var seenID string
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenID = RequestIDFromContext(r.Context())
	}), WithRequestID, mark("a"), mark("b"))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)

	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("unexpected middleware order: %v", order)
	}
	if seenID != "req-123" || rw.Header().Get(RequestIDHeader) != "req-123" {
		t.Fatalf("request id not propagated: ctx=%q header=%q", seenID, rw.Header().Get(RequestIDHeader))
	}
}

func TestWithRecover(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := WithRecover(logger)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, httptest.NewRequest(http.MethodGet, "/", nil))
	if rw.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rw.Code)
	}
}

func TestStatusRecorder(t *testing.T) {
	rw := httptest.NewRecorder()
	w, status := StatusRecorder(rw)
	if status() != http.StatusOK {
		t.Fatalf("expected implicit 200, got %d", status())
	}
	w.WriteHeader(http.StatusBadGateway)
	w.WriteHeader(http.StatusOK)
	if status() != http.StatusBadGateway {
		t.Fatalf("expected first status to stick, got %d", status())
	}
}

func TestWithCORS(t *testing.T) {
	h := WithCORS(CORSPolicy{
		AllowedOrigins:   []string{"https://app.example.com/"},
		AllowedMethods:   []string{"GET", "POST"},
		AllowCredentials: true,
		MaxAge:           10 * time.Minute,
	})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	pre := httptest.NewRequest(http.MethodOptions, "/api/v1/billing", nil)
	pre.Header.Set("Origin", "https://app.example.com")
	pre.Header.Set("Access-Control-Request-Method", "POST")
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, pre)
	if rw.Code != http.StatusNoContent {
		t.Fatalf("preflight: expected 204, got %d", rw.Code)
	}
	if rw.Header().Get("Access-Control-Allow-Origin") != "https://app.example.com" || rw.Header().Get("Access-Control-Max-Age") != "600" {
		t.Fatalf("unexpected preflight headers: %v", rw.Header())
	}

	bad := httptest.NewRequest(http.MethodOptions, "/api/v1/billing", nil)
	bad.Header.Set("Origin", "https://evil.example.com")
	bad.Header.Set("Access-Control-Request-Method", "POST")
	rw = httptest.NewRecorder()
	h.ServeHTTP(rw, bad)
	if rw.Code != http.StatusForbidden {
		t.Fatalf("disallowed preflight: expected 403, got %d", rw.Code)
	}

	get := httptest.NewRequest(http.MethodGet, "/api/v1/billing", nil)
	get.Header.Set("Origin", "https://app.example.com")
	rw = httptest.NewRecorder()
	h.ServeHTTP(rw, get)
	if rw.Code != http.StatusOK || rw.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatalf("simple request: code=%d headers=%v", rw.Code, rw.Header())
	}
}

func TestWithBodyLimit(t *testing.T) {
	var readErr error
	h := WithBodyLimit(4)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, readErr = io.ReadAll(r.Body)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", strings.NewReader("too long")))
	var tooLarge *http.MaxBytesError
	if !errors.As(readErr, &tooLarge) {
		t.Fatalf("expected MaxBytesError, got %v", readErr)
	}
}

func TestRetryAfterSecondsRoundsUp(t *testing.T) {
	cases := map[time.Duration]int{
		0:                       1,
		200 * time.Millisecond:  1,
		time.Second:             1,
		1500 * time.Millisecond: 2,
		time.Minute:             60,
	}
	for in, want := range cases {
		if got := retryAfterSeconds(in); got != want {
			t.Fatalf("retryAfterSeconds(%s) = %d, want %d", in, got, want)
		}
	}
}
