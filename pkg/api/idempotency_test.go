package api_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ubl-gate/gate/pkg/api"
)

func TestIdempotencyMiddleware_ReplaysCachedResponse(t *testing.T) {
	store := api.NewIdempotencyStore(time.Minute)
	calls := 0
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("first"))
	})
	handler := api.IdempotencyMiddleware(store)(inner)

	req1 := httptest.NewRequest(http.MethodPost, "/v1/chips", strings.NewReader("a"))
	req1.Header.Set("Idempotency-Key", "key-1")
	w1 := httptest.NewRecorder()
	handler.ServeHTTP(w1, req1)

	req2 := httptest.NewRequest(http.MethodPost, "/v1/chips", strings.NewReader("a"))
	req2.Header.Set("Idempotency-Key", "key-1")
	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, req2)

	if calls != 1 {
		t.Fatalf("expected the inner handler to run once, ran %d times", calls)
	}
	if w2.Code != http.StatusCreated || w2.Body.String() != "first" {
		t.Fatalf("expected replayed response, got %d %q", w2.Code, w2.Body.String())
	}
}

func TestIdempotencyMiddleware_NoKeyPassesThrough(t *testing.T) {
	store := api.NewIdempotencyStore(time.Minute)
	calls := 0
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
	})
	handler := api.IdempotencyMiddleware(store)(inner)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/chips", strings.NewReader("a"))
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
	}

	if calls != 2 {
		t.Fatalf("expected the inner handler to run for every request without a key, ran %d times", calls)
	}
}

func TestIdempotencyMiddleware_GetBypassesCache(t *testing.T) {
	store := api.NewIdempotencyStore(time.Minute)
	calls := 0
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	})
	handler := api.IdempotencyMiddleware(store)(inner)

	req := httptest.NewRequest(http.MethodGet, "/v1/receipts/b3:abc", nil)
	req.Header.Set("Idempotency-Key", "key-1")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if calls != 1 {
		t.Fatalf("expected GET requests to bypass the idempotency cache")
	}
}
