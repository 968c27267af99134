package ai

import (
	"sync"
	"time"
)

const (
	defaultWindow      = 60 * time.Second
	defaultMaxAttempts = 10
)

type rateWindow struct {
	count   int
	resetAt time.Time
}

// RateTracker is a local sliding fixed-window throttle keyed by upstream
// credential identity ("provider:slot"). It is a best-effort guard against
// hammering an upstream that already told us to back off, not an authoritative
// limit; a slightly stale count under concurrent use is acceptable.
type RateTracker struct {
	mu      sync.Mutex
	windows map[string]*rateWindow
	window  time.Duration
	max     int
	now     func() time.Time
}

func NewRateTracker() *RateTracker {
	return &RateTracker{
		windows: make(map[string]*rateWindow),
		window:  defaultWindow,
		max:     defaultMaxAttempts,
		now:     time.Now,
	}
}

// NewRateTrackerWithClock allows tests to drive the window with a fake clock.
func NewRateTrackerWithClock(window time.Duration, max int, now func() time.Time) *RateTracker {
	if window <= 0 {
		window = defaultWindow
	}
	if max <= 0 {
		max = defaultMaxAttempts
	}
	return &RateTracker{
		windows: make(map[string]*rateWindow),
		window:  window,
		max:     max,
		now:     now,
	}
}

// RecordAttempt counts one call against the identity, opening a fresh window
// if none is active.
func (t *RateTracker) RecordAttempt(identity string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w := t.active(identity)
	w.count++
}

// RecordHardLimit pins the identity at the cap for the rest of its window.
// Used when the upstream itself answered 429: its limit may reset on a
// different cadence than ours, so one refusal means "stop trying" locally.
func (t *RateTracker) RecordHardLimit(identity string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w := t.active(identity)
	w.count = t.max
}

// IsLimited reports whether the identity is at the cap inside an unexpired
// window. Expired windows are dropped on check.
func (t *RateTracker) IsLimited(identity string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.windows[identity]
	if !ok {
		return false
	}
	if t.now().After(w.resetAt) {
		delete(t.windows, identity)
		return false
	}
	return w.count >= t.max
}

// active returns the identity's live window, replacing an expired one.
// Caller holds the lock.
func (t *RateTracker) active(identity string) *rateWindow {
	w, ok := t.windows[identity]
	if !ok || t.now().After(w.resetAt) {
		w = &rateWindow{resetAt: t.now().Add(t.window)}
		t.windows[identity] = w
	}
	return w
}
