// Package ratelimit admits requests per principal under a sliding
// window: a request passes only if fewer than limit requests were
// admitted in the trailing window. Unlike a token bucket there is no
// burst credit; exactly limit requests fit in any window-sized span.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	apperr "github.com/edupilot/edupilot/internal/errors"
)

// Limiter is a sliding-window admission gate keyed by principal.
type Limiter struct {
	limit  int
	window time.Duration

	mu      sync.Mutex
	entries map[string][]time.Time
	now     func() time.Time
}

// New creates a limiter admitting limit requests per window for each
// principal. limit <= 0 disables limiting.
func New(limit int, window time.Duration) *Limiter {
	if window <= 0 {
		window = 10 * time.Second
	}
	return &Limiter{
		limit:   limit,
		window:  window,
		entries: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// Allow admits or rejects one request for the principal. A rejection is
// a rate-limit error carrying retry_after_ms: the time until the oldest
// in-window request slides out.
func (l *Limiter) Allow(principal string) error {
	if l.limit <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	times := l.entries[principal]
	// Drop timestamps that slid out of the window.
	live := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			live = append(live, t)
		}
	}

	if len(live) >= l.limit {
		l.entries[principal] = live
		retryAfter := live[0].Add(l.window).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return apperr.New(apperr.KindRateLimit,
			fmt.Sprintf("rate limit exceeded: %d requests per %s", l.limit, l.window)).
			WithDetail("retry_after_ms", fmt.Sprintf("%d", retryAfter.Milliseconds()))
	}

	l.entries[principal] = append(live, now)
	return nil
}

// RetryAfter extracts the suggested wait from a rate-limit error, zero
// for anything else.
func RetryAfter(err error) time.Duration {
	ae, ok := err.(*apperr.Error)
	if !ok || ae.Kind != apperr.KindRateLimit {
		return 0
	}
	var ms int64
	if _, scanErr := fmt.Sscanf(ae.Details["retry_after_ms"], "%d", &ms); scanErr != nil {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

// Prune drops principals with no in-window activity. Called periodically
// so one-off principals do not accumulate forever.
func (l *Limiter) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	removed := 0
	for principal, times := range l.entries {
		idle := true
		for _, t := range times {
			if t.After(cutoff) {
				idle = false
				break
			}
		}
		if idle {
			delete(l.entries, principal)
			removed++
		}
	}
	return removed
}

// Principals returns the number of tracked principals.
func (l *Limiter) Principals() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
