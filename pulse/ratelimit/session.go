// Package ratelimit tracks the upstream completion API's usage window and
// parks pipeline work while that window is exhausted.
package ratelimit

import (
	"sync"
	"time"
)

// DefaultSessionWindow is the length of the upstream usage window.
const DefaultSessionWindow = 5 * time.Hour

// Session is the usage window as this process has observed it.
type Session struct {
	Active       bool      `json:"active"`
	StartedAt    time.Time `json:"started_at"`
	ResetsAt     time.Time `json:"resets_at"`
	RequestCount int       `json:"request_count"`
}

// SessionTracker records completion requests against the rolling window.
// The completion client writes to it; the rate-limit Handler and the stats
// command read it.
type SessionTracker struct {
	window  time.Duration
	mu      sync.Mutex
	session *Session
	timeNow func() time.Time // Injectable for testing
}

// NewSessionTracker creates a tracker with real time
func NewSessionTracker(window time.Duration) *SessionTracker {
	return NewSessionTrackerWithClock(window, time.Now)
}

// NewSessionTrackerWithClock creates a tracker with injectable clock (for testing)
func NewSessionTrackerWithClock(window time.Duration, timeNow func() time.Time) *SessionTracker {
	if window <= 0 {
		window = DefaultSessionWindow
	}
	return &SessionTracker{
		window:  window,
		timeNow: timeNow,
	}
}

// Window returns the configured window length.
func (t *SessionTracker) Window() time.Duration {
	return t.window
}

// RecordUsage counts one completion request, opening a new window if none
// is open.
func (t *SessionTracker) RecordUsage() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.timeNow()
	if t.session == nil || !now.Before(t.session.ResetsAt) {
		t.session = &Session{
			StartedAt: now,
			ResetsAt:  now.Add(t.window),
		}
	}
	t.session.RequestCount++
}

// ObserveReset records a reset time reported by the upstream API. The
// upstream clock is authoritative over our estimate from the first request.
// Reset times already in the past are ignored.
func (t *SessionTracker) ObserveReset(resetsAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.timeNow()
	if resetsAt.IsZero() || !resetsAt.After(now) {
		return
	}
	if t.session == nil {
		t.session = &Session{StartedAt: now}
	}
	t.session.ResetsAt = resetsAt
}

// CurrentSession returns a snapshot of the tracked session, or nil when no
// session has been recorded since the last clear.
func (t *SessionTracker) CurrentSession() *Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.session == nil {
		return nil
	}
	s := *t.session
	s.Active = t.timeNow().Before(s.ResetsAt)
	return &s
}

// TimeUntilReset returns how long until the window resets; 0 with no active
// session.
func (t *SessionTracker) TimeUntilReset() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.session == nil {
		return 0
	}
	remaining := t.session.ResetsAt.Sub(t.timeNow())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ClearSession forgets the tracked session.
func (t *SessionTracker) ClearSession() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.session = nil
}
