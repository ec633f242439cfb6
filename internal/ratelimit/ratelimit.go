// Package ratelimit implements the fixed-window counter guarding the
// ingestion endpoint.
//
// The window is deliberately approximate: per-process, non-durable, reset on
// restart. It exists to dampen abuse, not to account precisely, so losing
// state under redeploys or running several instances is acceptable.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	count   int
	resetAt time.Time
}

// Limiter admits at most Limit requests per key per Window.
type Limiter struct {
	mu      sync.Mutex
	entries map[string]*entry

	limit  int
	window time.Duration
	now    func() time.Time
}

type Option func(*Limiter)

// WithClock injects the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func New(limit int, window time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		entries: make(map[string]*entry),
		limit:   limit,
		window:  window,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Admit reports whether one more request from key fits in the current
// window. The first request of a fresh or expired window resets the counter
// to 1 and is always admitted.
func (l *Limiter) Admit(key string) bool {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	ent, ok := l.entries[key]
	if !ok || now.After(ent.resetAt) {
		l.entries[key] = &entry{count: 1, resetAt: now.Add(l.window)}
		return true
	}
	ent.count++
	return ent.count <= l.limit
}

// Cleanup drops entries whose window has passed.
func (l *Limiter) Cleanup() {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	for k, ent := range l.entries {
		if now.After(ent.resetAt) {
			delete(l.entries, k)
		}
	}
}

// StartJanitor purges expired windows periodically until ctx is done, so the
// key map does not grow with every address ever seen.
func (l *Limiter) StartJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				l.Cleanup()
			}
		}
	}()
}
