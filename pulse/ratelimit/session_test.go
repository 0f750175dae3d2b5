package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockClock allows controlling time in tests
type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func newMockClock(now time.Time) *mockClock {
	return &mockClock{now: now}
}

func (m *mockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *mockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

var epoch = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

// Test Case 1: No Session
// Given: A fresh tracker
// Then: There is no session and nothing to wait for
func TestSessionTracker_NoSession(t *testing.T) {
	tracker := NewSessionTrackerWithClock(time.Hour, newMockClock(epoch).Now)

	assert.Nil(t, tracker.CurrentSession())
	assert.Zero(t, tracker.TimeUntilReset())
}

// Test Case 2: First Request Opens The Window
// Given: A 5h window
// When: The first completion request is recorded
// Then: The session resets 5h later and counts one request
func TestSessionTracker_FirstRequestOpensWindow(t *testing.T) {
	clock := newMockClock(epoch)
	tracker := NewSessionTrackerWithClock(5*time.Hour, clock.Now)

	tracker.RecordUsage()

	s := tracker.CurrentSession()
	require.NotNil(t, s)
	assert.True(t, s.Active)
	assert.Equal(t, epoch, s.StartedAt)
	assert.Equal(t, epoch.Add(5*time.Hour), s.ResetsAt)
	assert.Equal(t, 1, s.RequestCount)
	assert.Equal(t, 5*time.Hour, tracker.TimeUntilReset())
}

// Test Case 3: Requests Within The Window
// Given: An open session
// When: More requests arrive before the reset
// Then: The window does not move and the count grows
func TestSessionTracker_RequestsWithinWindow(t *testing.T) {
	clock := newMockClock(epoch)
	tracker := NewSessionTrackerWithClock(5*time.Hour, clock.Now)

	tracker.RecordUsage()
	clock.Advance(2 * time.Hour)
	tracker.RecordUsage()
	tracker.RecordUsage()

	s := tracker.CurrentSession()
	require.NotNil(t, s)
	assert.Equal(t, epoch, s.StartedAt)
	assert.Equal(t, 3, s.RequestCount)
	assert.Equal(t, 3*time.Hour, tracker.TimeUntilReset())
}

// Test Case 4: Window Elapses
// Given: An open session
// When: The reset time passes
// Then: The session is inactive, the wait is 0, and the next request opens a new window
func TestSessionTracker_WindowElapses(t *testing.T) {
	clock := newMockClock(epoch)
	tracker := NewSessionTrackerWithClock(time.Hour, clock.Now)

	tracker.RecordUsage()
	clock.Advance(61 * time.Minute)

	s := tracker.CurrentSession()
	require.NotNil(t, s, "an elapsed session is still reported")
	assert.False(t, s.Active)
	assert.Zero(t, tracker.TimeUntilReset())

	tracker.RecordUsage()
	s = tracker.CurrentSession()
	assert.True(t, s.Active)
	assert.Equal(t, clock.Now(), s.StartedAt)
	assert.Equal(t, 1, s.RequestCount)
}

// Test Case 5: Upstream Reports The Reset
// Given: An open session estimated from the first request
// When: The upstream reports its own reset time
// Then: The upstream time wins; past times are ignored
func TestSessionTracker_ObserveReset(t *testing.T) {
	clock := newMockClock(epoch)
	tracker := NewSessionTrackerWithClock(5*time.Hour, clock.Now)

	tracker.RecordUsage()
	tracker.ObserveReset(epoch.Add(40 * time.Minute))
	assert.Equal(t, 40*time.Minute, tracker.TimeUntilReset())

	tracker.ObserveReset(epoch.Add(-time.Minute))
	assert.Equal(t, 40*time.Minute, tracker.TimeUntilReset(), "past reset ignored")

	tracker.ObserveReset(time.Time{})
	assert.Equal(t, 40*time.Minute, tracker.TimeUntilReset(), "zero reset ignored")
}

func TestSessionTracker_ObserveResetWithoutSession(t *testing.T) {
	clock := newMockClock(epoch)
	tracker := NewSessionTrackerWithClock(5*time.Hour, clock.Now)

	tracker.ObserveReset(epoch.Add(10 * time.Minute))

	s := tracker.CurrentSession()
	require.NotNil(t, s)
	assert.Zero(t, s.RequestCount)
	assert.Equal(t, 10*time.Minute, tracker.TimeUntilReset())
}

func TestSessionTracker_Clear(t *testing.T) {
	tracker := NewSessionTrackerWithClock(time.Hour, newMockClock(epoch).Now)
	tracker.RecordUsage()

	tracker.ClearSession()
	assert.Nil(t, tracker.CurrentSession())
	assert.Zero(t, tracker.TimeUntilReset())
}

func TestSessionTracker_SnapshotIsCopy(t *testing.T) {
	tracker := NewSessionTrackerWithClock(time.Hour, newMockClock(epoch).Now)
	tracker.RecordUsage()

	s := tracker.CurrentSession()
	s.RequestCount = 99
	assert.Equal(t, 1, tracker.CurrentSession().RequestCount)
}

func TestSessionTracker_DefaultWindow(t *testing.T) {
	assert.Equal(t, DefaultSessionWindow, NewSessionTracker(0).Window())
}

// Concurrent writers and readers (client goroutine vs stats command)
func TestSessionTracker_Concurrent(t *testing.T) {
	tracker := NewSessionTracker(time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				tracker.RecordUsage()
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = tracker.CurrentSession()
				_ = tracker.TimeUntilReset()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1000, tracker.CurrentSession().RequestCount)
}
