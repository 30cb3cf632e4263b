// Package ratelimit admits or rejects requests per canonical fingerprint
// for the gate's canon rate limiter. Both stores are token buckets: each
// fingerprint holds up to N tokens, refilled at N per 60 seconds, and each
// admitted request spends one. This is not a sliding window: a fingerprint
// that starts with a full bucket can be admitted up to about 2N times
// within one 60-second span. Limiting a fingerprint must never couple to
// any other fingerprint's quota.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Store is the backing bucket implementation. Implementations must key
// strictly by fingerprint — no cross-fingerprint contention (P8).
type Store interface {
	Allow(ctx context.Context, fingerprint string) (Decision, error)
}

// Limiter is the canon rate limiter. A nil Limiter (or one built with
// Enabled=false) admits everything, matching UBL_CANON_RATE_LIMIT_ENABLED.
type Limiter struct {
	enabled bool
	store   Store
}

// New builds a Limiter. When enabled is false, Allow always admits and
// store may be nil.
func New(enabled bool, store Store) *Limiter {
	return &Limiter{enabled: enabled, store: store}
}

// Allow checks whether fingerprint may proceed.
func (l *Limiter) Allow(ctx context.Context, fingerprint string) (Decision, error) {
	if l == nil || !l.enabled {
		return Decision{Allowed: true}, nil
	}
	return l.store.Allow(ctx, fingerprint)
}

// MemoryStore is an in-process, per-fingerprint token bucket store, for
// single-instance deployments and tests. Buckets are created lazily and
// never shared across fingerprints.
type MemoryStore struct {
	mu        sync.Mutex
	perMinute int
	buckets   map[string]*rate.Limiter
}

// NewMemoryStore builds a store refilling perMinute tokens per fingerprint
// per 60 seconds, with burst equal to perMinute so a
// fingerprint's first minute is not artificially throttled below its
// quota.
func NewMemoryStore(perMinute int) *MemoryStore {
	if perMinute < 1 {
		perMinute = 1
	}
	return &MemoryStore{
		perMinute: perMinute,
		buckets:   make(map[string]*rate.Limiter),
	}
}

func (s *MemoryStore) bucketFor(fingerprint string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[fingerprint]
	if !ok {
		b = rate.NewLimiter(rate.Limit(float64(s.perMinute)/60.0), s.perMinute)
		s.buckets[fingerprint] = b
	}
	return b
}

func (s *MemoryStore) Allow(_ context.Context, fingerprint string) (Decision, error) {
	b := s.bucketFor(fingerprint)
	r := b.ReserveN(time.Now(), 1)
	if !r.OK() {
		return Decision{Allowed: false, RetryAfter: time.Minute}, nil
	}
	if delay := r.Delay(); delay > 0 {
		r.Cancel()
		return Decision{Allowed: false, RetryAfter: delay}, nil
	}
	return Decision{Allowed: true}, nil
}
