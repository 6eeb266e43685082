package auth

import (
	"sync"
	"time"
)

// SourceLimiter throttles authentication attempts per request source,
// independent of per-account lockout. This catches credential stuffing
// spread across many accounts from one source, which account-level lockout
// alone cannot.
type SourceLimiter interface {
	// Allow reports whether the source may attempt authentication now.
	// When denied it returns how long the source has to wait.
	Allow(source string, now time.Time) (retryAfter time.Duration, ok bool)

	// RecordFailure counts a failed attempt against the source. Successful
	// logins are never recorded, so a legitimate operator cannot throttle
	// themselves.
	RecordFailure(source string, now time.Time)
}

// SlidingWindowLimiter is an in-memory SourceLimiter. Counters held in
// process memory are only correct for a single server instance; a
// horizontally scaled deployment needs a shared counting store behind the
// same interface.
type SlidingWindowLimiter struct {
	mu      sync.Mutex
	maxHits int
	window  time.Duration
	hits    map[string][]time.Time
	maxSrcs int
}

// NewSlidingWindowLimiter constructs a limiter allowing maxHits failed
// attempts per window for each source.
func NewSlidingWindowLimiter(maxHits int, window time.Duration) *SlidingWindowLimiter {
	if maxHits <= 0 {
		maxHits = 5
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	return &SlidingWindowLimiter{
		maxHits: maxHits,
		window:  window,
		hits:    make(map[string][]time.Time),
		maxSrcs: 5000,
	}
}

func (l *SlidingWindowLimiter) Allow(source string, now time.Time) (time.Duration, bool) {
	threshold := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	recent := prune(l.hits[source], threshold)
	if len(recent) == 0 {
		delete(l.hits, source)
	} else {
		l.hits[source] = recent
	}

	if len(recent) < l.maxHits {
		return 0, true
	}
	retryAfter := recent[0].Add(l.window).Sub(now)
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return retryAfter, false
}

func (l *SlidingWindowLimiter) RecordFailure(source string, now time.Time) {
	threshold := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	l.hits[source] = append(prune(l.hits[source], threshold), now)

	if len(l.hits) > l.maxSrcs {
		for key, stamps := range l.hits {
			if len(stamps) == 0 || stamps[len(stamps)-1].Before(threshold) {
				delete(l.hits, key)
			}
		}
	}
}

func prune(stamps []time.Time, threshold time.Time) []time.Time {
	kept := stamps[:0:0]
	for _, ts := range stamps {
		if ts.After(threshold) {
			kept = append(kept, ts)
		}
	}
	return kept
}
