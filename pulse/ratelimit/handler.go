package ratelimit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/quire/errors"
	"github.com/teranos/quire/logger"
	"github.com/teranos/quire/pulse/async"
	"github.com/teranos/quire/sym"
)

// DefaultFallbackWait is how long to wait when there is no session data to trust.
const DefaultFallbackWait = 30 * time.Minute

// JobPauser is the slice of the job store the handler needs. *async.Store implements it.
type JobPauser interface {
	MarkPaused(ctx context.Context, id string) error
	ResumeAllPaused(ctx context.Context) (int, error)
}

// Handler parks rate-limited jobs and resumes them when the window resets.
// It implements async.RateLimitHandler.
type Handler struct {
	jobs         JobPauser
	sessions     *SessionTracker
	fallbackWait time.Duration
	sleep        func(ctx context.Context, d time.Duration) error // Injectable for testing
	logger       *zap.SugaredLogger
}

var _ async.RateLimitHandler = (*Handler)(nil)

// NewHandler creates a handler over jobs and sessions.
func NewHandler(jobs JobPauser, sessions *SessionTracker, fallbackWait time.Duration, log *zap.SugaredLogger) *Handler {
	if fallbackWait <= 0 {
		fallbackWait = DefaultFallbackWait
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Handler{
		jobs:         jobs,
		sessions:     sessions,
		fallbackWait: fallbackWait,
		sleep:        sleepContext,
		logger:       log,
	}
}

// IsRateLimitError reports whether err should pause work rather than retry it.
func (h *Handler) IsRateLimitError(err error) bool {
	return IsRateLimitError(err)
}

// HandleRateLimit pauses job, waits for the session window to reset and
// resumes every paused job. It blocks for the whole wait; a cancelled ctx
// returns ctx.Err() and leaves the jobs paused.
func (h *Handler) HandleRateLimit(ctx context.Context, job *async.Job) error {
	if err := h.jobs.MarkPaused(ctx, job.ID); err != nil {
		return errors.Wrapf(err, "failed to pause job %s", job.ID)
	}

	session := h.sessions.CurrentSession()
	if session == nil {
		h.logger.Warnw(sym.Pause+" Rate limited with no session data, using fallback wait",
			logger.FieldJobID, job.ID,
			logger.FieldWait, h.fallbackWait)
		return h.HandleRateLimitFallback(ctx)
	}

	wait := h.sessions.TimeUntilReset()
	if wait > h.sessions.Window() {
		h.logger.Warnw(sym.Pause+" Session reset time is beyond the window, using fallback wait",
			logger.FieldJobID, job.ID,
			logger.FieldResetsAt, session.ResetsAt,
			logger.FieldWait, h.fallbackWait)
		return h.HandleRateLimitFallback(ctx)
	}

	if wait == 0 {
		h.logger.Infow("Rate-limit session already elapsed, resuming immediately", logger.FieldJobID, job.ID)
		return h.resume(ctx)
	}

	h.logger.Warnw(sym.Pause+" Rate limited, waiting for session reset",
		logger.FieldJobID, job.ID,
		logger.FieldWait, wait.Round(time.Second),
		logger.FieldResetsAt, session.ResetsAt,
		"request_count", session.RequestCount)

	if err := h.sleep(ctx, wait); err != nil {
		return err
	}
	h.sessions.ClearSession()
	return h.resume(ctx)
}

// HandleRateLimitFallback waits the fixed fallback duration, then clears the
// session and resumes every paused job.
func (h *Handler) HandleRateLimitFallback(ctx context.Context) error {
	if err := h.sleep(ctx, h.fallbackWait); err != nil {
		return err
	}
	h.sessions.ClearSession()
	return h.resume(ctx)
}

func (h *Handler) resume(ctx context.Context) error {
	n, err := h.jobs.ResumeAllPaused(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to resume paused jobs")
	}
	h.logger.Infow(sym.Pulse+" Resumed paused jobs", logger.FieldCount, n)
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
