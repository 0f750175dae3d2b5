package ratelimit

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	quiretest "github.com/teranos/quire/internal/testing"
	"github.com/teranos/quire/pulse/async"
)

// ============================================================================
// Publisher's Waiting Room Test Universe
// ============================================================================
//
// Characters:
//   - The Publisher's API: hands out a fixed allowance per window
//   - The Doorman (Handler): sends rate-limited orders to the waiting room
//     and lets everyone back in together when the window resets
//   - Cronos: Greek god of time, fast-forwards the wait
// ============================================================================

type waitingRoom struct {
	store   *async.Store
	clock   *mockClock
	tracker *SessionTracker
	handler *Handler
	slept   []time.Duration
	during  func() // runs inside each fake sleep
}

func newWaitingRoom(t *testing.T, window time.Duration) *waitingRoom {
	t.Helper()
	room := &waitingRoom{
		store: async.NewStore(quiretest.CreateTestDB(t)),
		clock: newMockClock(epoch),
	}
	room.tracker = NewSessionTrackerWithClock(window, room.clock.Now)
	room.handler = NewHandler(room.store, room.tracker, 30*time.Minute, zaptest.NewLogger(t).Sugar())
	room.handler.sleep = func(ctx context.Context, d time.Duration) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		room.slept = append(room.slept, d)
		if room.during != nil {
			room.during()
		}
		room.clock.Advance(d)
		return nil
	}
	return room
}

func (r *waitingRoom) create(t *testing.T, jobType async.JobType, target string) *async.Job {
	t.Helper()
	job, err := async.NewJob(jobType, target)
	require.NoError(t, err)
	require.NoError(t, r.store.CreateJob(context.Background(), job))
	return job
}

func (r *waitingRoom) status(t *testing.T, id string) async.JobStatus {
	t.Helper()
	job, err := r.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job.Status
}

func TestDoormanWaitsForSessionReset(t *testing.T) {
	t.Log("🚪 Doorman: the window resets in 2h; everyone waits, then everyone goes in")
	ctx := context.Background()
	room := newWaitingRoom(t, 5*time.Hour)

	limited := room.create(t, async.JobTypeDevEdit, "ch-1")
	alreadyPaused := room.create(t, async.JobTypeLineEdit, "ch-2")
	require.NoError(t, room.store.MarkPaused(ctx, alreadyPaused.ID))

	room.tracker.RecordUsage()
	room.clock.Advance(3 * time.Hour)

	room.during = func() {
		assert.Equal(t, async.JobStatusPaused, room.status(t, limited.ID), "paused for the whole wait")
	}
	require.NoError(t, room.handler.HandleRateLimit(ctx, limited))

	assert.Equal(t, []time.Duration{2 * time.Hour}, room.slept)
	assert.Equal(t, async.JobStatusPending, room.status(t, limited.ID))
	assert.Equal(t, async.JobStatusPending, room.status(t, alreadyPaused.ID), "bulk resume")
	assert.Nil(t, room.tracker.CurrentSession(), "session cleared after the wait")
}

func TestDoormanResumesAtOnceWhenWindowElapsed(t *testing.T) {
	ctx := context.Background()
	room := newWaitingRoom(t, time.Hour)

	job := room.create(t, async.JobTypeCopyEdit, "ch-1")
	room.tracker.RecordUsage()
	room.clock.Advance(2 * time.Hour)

	require.NoError(t, room.handler.HandleRateLimit(ctx, job))
	assert.Empty(t, room.slept, "no waiting when the window already reset")
	assert.Equal(t, async.JobStatusPending, room.status(t, job.ID))
}

func TestDoormanFallsBackWithoutSession(t *testing.T) {
	t.Log("🤷 Doorman has no idea when the window resets: 30 minutes, to be safe")
	ctx := context.Background()
	room := newWaitingRoom(t, 5*time.Hour)

	job := room.create(t, async.JobTypeProofread, "ch-1")
	require.NoError(t, room.handler.HandleRateLimit(ctx, job))

	assert.Equal(t, []time.Duration{30 * time.Minute}, room.slept)
	assert.Equal(t, async.JobStatusPending, room.status(t, job.ID))
}

func TestDoormanDistrustsResetBeyondWindow(t *testing.T) {
	ctx := context.Background()
	room := newWaitingRoom(t, time.Hour)

	job := room.create(t, async.JobTypeProofread, "ch-1")
	room.tracker.ObserveReset(epoch.Add(6 * time.Hour))

	require.NoError(t, room.handler.HandleRateLimit(ctx, job))
	assert.Equal(t, []time.Duration{30 * time.Minute}, room.slept)
	assert.Nil(t, room.tracker.CurrentSession())
}

func TestDoormanShutdownLeavesJobsPaused(t *testing.T) {
	t.Log("❀ Closing time during the wait: the order stays in the waiting room")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	room := newWaitingRoom(t, 5*time.Hour)
	room.handler.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return sleepContext(ctx, d)
	}

	job := room.create(t, async.JobTypeHookReview, "ch-1")
	room.tracker.RecordUsage()

	err := room.handler.HandleRateLimit(ctx, job)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, async.JobStatusPaused, room.status(t, job.ID))
	assert.NotNil(t, room.tracker.CurrentSession(), "session kept for the next start")
}

func TestDoormanPauseFailure(t *testing.T) {
	room := newWaitingRoom(t, time.Hour)
	ghost := &async.Job{ID: "ghost"}

	err := room.handler.HandleRateLimit(context.Background(), ghost)
	require.Error(t, err)
	assert.Empty(t, room.slept)
}

func TestSleepContext(t *testing.T) {
	assert.NoError(t, sleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
}

// flakyStage fails with a rate limit on its first run.
type flakyStage struct {
	calls atomic.Int32
}

func (s *flakyStage) Type() async.JobType { return async.JobTypeDevEdit }

func (s *flakyStage) Execute(ctx context.Context, run *async.Run) (*async.StageResult, error) {
	if s.calls.Add(1) == 1 {
		return nil, &statusErr{status: 429, typ: "rate_limit_error"}
	}
	return &async.StageResult{}, nil
}

func TestWorkerPausesAndResumesThroughDoorman(t *testing.T) {
	t.Log("꩜ End to end: 429 on attempt 1 → paused, attempts untouched → pending after reset → completed")
	ctx := context.Background()
	room := newWaitingRoom(t, 5*time.Hour)

	stage := &flakyStage{}
	registry := async.NewHandlerRegistry()
	registry.Register(stage)
	worker := async.NewWorker(room.store, registry, room.handler, async.DefaultWorkerConfig(), zaptest.NewLogger(t).Sugar())

	job := room.create(t, async.JobTypeDevEdit, "ch-1")
	room.tracker.RecordUsage()

	room.during = func() {
		paused, err := room.store.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, async.JobStatusPaused, paused.Status)
		assert.Zero(t, paused.Attempts, "a rate limit is not an attempt")
	}
	require.NoError(t, worker.ProcessNextJob(ctx))

	resumed, err := room.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, async.JobStatusPending, resumed.Status)
	assert.Zero(t, resumed.Attempts)

	room.during = nil
	require.NoError(t, worker.ProcessNextJob(ctx))
	assert.Equal(t, async.JobStatusCompleted, room.status(t, job.ID))
	assert.Equal(t, int32(2), stage.calls.Load())
}
