package security

import (
	"log/slog"
	"sync"
	"time"
)

// WindowLimiter allows at most N events per key within a sliding window.
// The admin API uses it to cap batch job submissions per initiator, where a
// token bucket would allow a burst to refill too quickly.
type WindowLimiter struct {
	mu         sync.Mutex
	events     map[string][]time.Time
	max        int
	window     time.Duration
	maxEntries int
	now        func() time.Time
	logger     *slog.Logger
}

// NewWindowLimiter creates a limiter allowing limit events per window and key.
func NewWindowLimiter(limit int, window time.Duration, logger *slog.Logger) *WindowLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Hour
	}
	return &WindowLimiter{
		events:     make(map[string][]time.Time),
		max:        limit,
		window:     window,
		maxEntries: DefaultMaxLimiterEntries,
		now:        time.Now,
		logger:     logger,
	}
}

// Allow records an event for key and reports whether it is within the limit.
// Rejected events are not recorded.
func (w *WindowLimiter) Allow(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	recent := prune(w.events[key], now.Add(-w.window))
	if len(recent) >= w.max {
		w.events[key] = recent
		w.logger.Warn("Window rate limit exceeded",
			"key", key,
			"events_in_window", len(recent),
			"max_per_window", w.max,
			"window", w.window)
		return false
	}

	if _, tracked := w.events[key]; !tracked && len(w.events) >= w.maxEntries {
		w.pruneAllLocked(now)
	}
	w.events[key] = append(recent, now)
	return true
}

// Remaining returns how many events key may still record in the current window.
func (w *WindowLimiter) Remaining(key string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.max - len(prune(w.events[key], w.now().Add(-w.window)))
}

func (w *WindowLimiter) pruneAllLocked(now time.Time) {
	cutoff := now.Add(-w.window)
	for k, ts := range w.events {
		if rest := prune(ts, cutoff); len(rest) == 0 {
			delete(w.events, k)
		} else {
			w.events[k] = rest
		}
	}
}

// prune filters timestamps after cutoff in place
func prune(ts []time.Time, cutoff time.Time) []time.Time {
	n := 0
	for _, t := range ts {
		if t.After(cutoff) {
			ts[n] = t
			n++
		}
	}
	return ts[:n]
}
