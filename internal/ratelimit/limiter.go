// Package ratelimit bounds the number of requests a client may make within
// a fixed window. Counters live in a Store so they can be kept in memory or
// shared through a database.
package ratelimit

import (
	"context"
	"time"
)

const (
	DefaultLimit  = 5
	DefaultWindow = 24 * time.Hour
)

// Store counts requests per key. Increment records one request at now and
// returns the count within the current window and when that window began.
// A window starts with the first request after the previous one expired.
type Store interface {
	Increment(ctx context.Context, key string, now time.Time, window time.Duration) (count int, windowStart time.Time, err error)
}

// Decision is the outcome of a single Allow call.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter applies a quota to a Store.
type Limiter struct {
	store  Store
	limit  int
	window time.Duration
	now    func() time.Time
}

// New returns a limiter accepting limit requests per window for each key.
func New(store Store, limit int, window time.Duration) *Limiter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Limiter{store: store, limit: limit, window: window, now: time.Now}
}

// Limit returns the configured quota.
func (l *Limiter) Limit() int { return l.limit }

// Window returns the configured window length.
func (l *Limiter) Window() time.Duration { return l.window }

// Allow counts a request for key and reports whether it fits the quota.
// Store errors are returned with an allowing Decision so callers can fail
// open.
func (l *Limiter) Allow(ctx context.Context, key string) (Decision, error) {
	now := l.now()
	count, start, err := l.store.Increment(ctx, key, now, l.window)
	if err != nil {
		return Decision{Allowed: true, Limit: l.limit, Remaining: -1}, err
	}
	remaining := l.limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= l.limit,
		Limit:     l.limit,
		Remaining: remaining,
		ResetAt:   start.Add(l.window),
	}, nil
}
