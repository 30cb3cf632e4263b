package ratelimit

import (
	"context"
	"testing"
)

func TestLimiter_DisabledAlwaysAllows(t *testing.T) {
	l := New(false, nil)
	d, err := l.Allow(context.Background(), "fp-1")
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed {
		t.Fatal("expected disabled limiter to always admit")
	}
}

func TestMemoryStore_AllowsUpToPerMinuteThenLimits(t *testing.T) {
	store := NewMemoryStore(2)
	l := New(true, store)
	ctx := context.Background()

	first, err := l.Allow(ctx, "fp-a")
	if err != nil || !first.Allowed {
		t.Fatalf("expected first request allowed, got %+v, err %v", first, err)
	}
	second, err := l.Allow(ctx, "fp-a")
	if err != nil || !second.Allowed {
		t.Fatalf("expected second request allowed, got %+v, err %v", second, err)
	}
	third, err := l.Allow(ctx, "fp-a")
	if err != nil {
		t.Fatal(err)
	}
	if third.Allowed {
		t.Fatal("expected third request within the same minute to be limited")
	}
	if third.RetryAfter <= 0 {
		t.Fatal("expected a positive retry_after on a limited decision")
	}
}

func TestMemoryStore_FingerprintsAreNotCoupled(t *testing.T) {
	store := NewMemoryStore(1)
	l := New(true, store)
	ctx := context.Background()

	a1, _ := l.Allow(ctx, "fp-a")
	a2, _ := l.Allow(ctx, "fp-a")
	b1, _ := l.Allow(ctx, "fp-b")

	if !a1.Allowed {
		t.Fatal("expected first request for fp-a to be allowed")
	}
	if a2.Allowed {
		t.Fatal("expected second request for fp-a to be limited")
	}
	if !b1.Allowed {
		t.Fatal("fp-b quota must be independent of fp-a (P8)")
	}
}
