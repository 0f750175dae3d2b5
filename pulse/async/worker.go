package async

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/quire/db"
	"github.com/teranos/quire/errors"
	"github.com/teranos/quire/logger"
	"github.com/teranos/quire/sym"
)

const (
	// DefaultPollInterval is the sleep between poll cycles
	DefaultPollInterval = time.Second
	// DefaultMaxAttempts is how many times a job runs before it is failed permanently
	DefaultMaxAttempts = 3
	// DefaultShutdownTimeout bounds how long Stop waits for the running job
	DefaultShutdownTimeout = 60 * time.Second

	maxConsecutiveErrors = 5
	maxBackoff           = 30 * time.Second
)

// ErrShutdownTimeout is returned by Stop when the running job outlived the timeout.
var ErrShutdownTimeout = errors.New("shutdown timed out waiting for the running job")

// RateLimitHandler takes over a job whose stage hit an upstream rate limit or overload.
type RateLimitHandler interface {
	IsRateLimitError(err error) bool
	// HandleRateLimit pauses the job and blocks until paused work may resume.
	HandleRateLimit(ctx context.Context, job *Job) error
}

// TargetLocks reports targets that must not be picked up right now,
// e.g. chapters an editor has open.
type TargetLocks interface {
	LockedTargets(ctx context.Context) ([]string, error)
}

// pulseLogger wraps zap.SugaredLogger with special methods for Pulse operations
// Uses different log levels to create visual distinction:
// - DEBUG level → STARTING (✿ Opening operations)
// - WARN level → CLOSING (❀ Closing operations)
// - INFO level → PULSE (general worker operations)
type pulseLogger struct {
	*zap.SugaredLogger
}

// Starting logs an Opening (✿) event
func (l pulseLogger) Starting(msg string, keysAndValues ...interface{}) {
	l.Debugw(sym.PulseOpen+" "+msg, keysAndValues...)
}

// Closing logs a Closing (❀) event
func (l pulseLogger) Closing(msg string, keysAndValues ...interface{}) {
	l.Warnw(sym.PulseClose+" "+msg, keysAndValues...)
}

// Pulse logs general worker operations
func (l pulseLogger) Pulse(msg string, keysAndValues ...interface{}) {
	l.Infow(sym.Pulse+" "+msg, keysAndValues...)
}

// WorkerConfig contains configuration for the worker
type WorkerConfig struct {
	PollInterval    time.Duration `json:"poll_interval"`
	MaxAttempts     int           `json:"max_attempts"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
}

// DefaultWorkerConfig returns sensible defaults
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		PollInterval:    DefaultPollInterval,
		MaxAttempts:     DefaultMaxAttempts,
		ShutdownTimeout: DefaultShutdownTimeout,
	}
}

// Worker is the single consumer of the job queue. One loop picks up one job
// at a time, dispatches it to its stage handler and applies the retry, pause
// and fail policy to the outcome.
type Worker struct {
	store        *Store
	checkpoints  *CheckpointManager
	registry     *HandlerRegistry
	rateLimits   RateLimitHandler
	locks        TargetLocks
	cfg          WorkerConfig
	pollInterval atomic.Int64
	logger       pulseLogger

	mu         sync.Mutex
	running    bool
	current    *Job
	stopCh     chan struct{}
	done       chan struct{}
	waitCtx    context.Context
	cancelWait context.CancelFunc
}

// NewWorker creates a worker. rateLimits may be nil, in which case rate-limit
// errors go through the ordinary retry policy.
func NewWorker(store *Store, registry *HandlerRegistry, rateLimits RateLimitHandler, cfg WorkerConfig, log *zap.SugaredLogger) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	w := &Worker{
		store:       store,
		checkpoints: NewCheckpointManager(store, log.Named("checkpoint")),
		registry:    registry,
		rateLimits:  rateLimits,
		cfg:         cfg,
		logger:      pulseLogger{log.Named("pulse")},
	}
	w.pollInterval.Store(int64(cfg.PollInterval))
	return w
}

// SetTargetLocks installs the collaborator consulted before each pickup.
func (w *Worker) SetTargetLocks(locks TargetLocks) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.locks = locks
}

// SetPollInterval changes the poll interval; takes effect after the current sleep.
func (w *Worker) SetPollInterval(d time.Duration) {
	if d > 0 {
		w.pollInterval.Store(int64(d))
	}
}

// PollInterval returns the current poll interval.
func (w *Worker) PollInterval() time.Duration {
	return time.Duration(w.pollInterval.Load())
}

// Checkpoints returns the worker's checkpoint manager.
func (w *Worker) Checkpoints() *CheckpointManager {
	return w.checkpoints
}

// IsRunning reports whether the loop has been started and not stopped.
func (w *Worker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// CurrentJob returns a copy of the job being executed, or nil when idle.
func (w *Worker) CurrentJob() *Job {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == nil {
		return nil
	}
	job := *w.current
	return &job
}

// Start recovers work left behind by a previous process and starts the loop.
// ✿ Opening: running jobs were orphaned by a crash and go back to pending with
// their checkpoints; paused jobs were waiting on a rate-limit window that the
// restart has already spent, so they go back too.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return errors.New("worker already running")
	}
	w.running = true
	stopCh := make(chan struct{})
	done := make(chan struct{})
	w.stopCh = stopCh
	w.done = done
	w.waitCtx, w.cancelWait = context.WithCancel(ctx)
	w.mu.Unlock()

	if missing := w.registry.Missing(); len(missing) > 0 {
		w.logger.Warnw("No handler registered for some job types; such jobs will fail", "job_types", fmt.Sprint(missing))
	}

	if n, err := w.store.RequeueOrphaned(ctx); err != nil {
		w.logger.Warnw("Failed to recover orphaned jobs", "error", err)
	} else if n > 0 {
		w.logger.Starting("Recovered orphaned jobs from previous run", "count", n)
	}
	if n, err := w.store.ResumeAllPaused(ctx); err != nil {
		w.logger.Warnw("Failed to resume paused jobs", "error", err)
	} else if n > 0 {
		w.logger.Starting("Resumed jobs paused by previous run", "count", n)
	}

	if m := GetSystemMetrics(); m.MemoryTotalGB > 0 {
		w.logger.Starting("Worker starting",
			"poll_interval", w.PollInterval(),
			"max_attempts", w.cfg.MaxAttempts,
			"memory_used_gb", fmt.Sprintf("%.1f", m.MemoryUsedGB),
			"memory_total_gb", fmt.Sprintf("%.1f", m.MemoryTotalGB),
		)
	}

	go w.run(ctx, stopCh, done)
	return nil
}

// run is the poll loop: process one job, sleep, repeat.
func (w *Worker) run(ctx context.Context, stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	errorCount := 0
	backoff := time.Second

	for w.IsRunning() {
		wait := w.PollInterval()

		if err := w.ProcessNextJob(ctx); err != nil {
			if ctx.Err() != nil || db.IsDatabaseClosed(err) {
				return
			}
			errorCount++
			w.logger.Errorw("Worker error processing job",
				"error", err,
				"consecutive_errors", errorCount)

			if errorCount >= maxConsecutiveErrors {
				w.logger.Warnw("Worker backing off due to consecutive errors",
					"backoff", backoff,
					"consecutive_errors", errorCount)
				wait += backoff
				backoff = min(backoff*2, maxBackoff)
			}
		} else if errorCount > 0 {
			w.logger.Infow("Worker recovered from errors", "previous_error_count", errorCount)
			errorCount = 0
			backoff = time.Second
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// Stop ends the loop. If a job is running it waits for that job to finish,
// up to the configured shutdown timeout, and returns ErrShutdownTimeout if
// the job is still going. A rate-limit wait in progress is abandoned; the
// paused jobs resume on the next Start.
// ❀ Closing
func (w *Worker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	close(w.stopCh)
	w.cancelWait()
	done := w.done
	current := w.current
	timeout := w.cfg.ShutdownTimeout
	w.mu.Unlock()

	if current != nil {
		w.logger.Closing("Waiting for running job to finish",
			"job_id", current.ID,
			"job_type", current.Type,
			"timeout", timeout)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		w.logger.Pulse("Worker stopped")
		return nil
	case <-timer.C:
		w.logger.Closing("Worker stop timed out; the running job will be recovered on next start", "timeout", timeout)
		return errors.Wrapf(ErrShutdownTimeout, "after %s", timeout)
	}
}

// ProcessNextJob picks up one pending job and runs it to an outcome.
// Returns nil when there was nothing to do.
func (w *Worker) ProcessNextJob(ctx context.Context) error {
	job, err := w.store.PickupNext(ctx, PickupOptions{ExcludeTargets: w.lockedTargets(ctx)})
	if err != nil {
		return errors.Wrap(err, "failed to pick up next job")
	}
	if job == nil {
		return nil
	}

	w.setCurrent(job)
	defer w.setCurrent(nil)

	return w.execute(ctx, job)
}

func (w *Worker) execute(ctx context.Context, job *Job) error {
	ctx = logger.WithTargetID(logger.WithJobID(ctx, job.ID), job.TargetID)
	log := w.logger.With(
		logger.FieldJobID, job.ID,
		logger.FieldJobType, job.Type,
		logger.FieldTargetID, job.TargetID,
	)
	// Status writes after the stage must land even if ctx is cancelled meanwhile
	bookkeeping := context.WithoutCancel(ctx)

	handler, ok := w.registry.Get(job.Type)
	if !ok {
		err := errors.Wrapf(ErrUnknownJobType, "no handler for %q", job.Type)
		log.Errorw("Job failed: unknown job type", "error", err)
		if markErr := w.store.MarkFailed(bookkeeping, job.ID, job.Attempts+1, FormatError(err)); markErr != nil {
			return errors.Wrapf(markErr, "failed to fail job %s", job.ID)
		}
		return nil
	}

	if job.CheckpointErr != nil {
		log.Warnw("Discarding unreadable checkpoint", "error", job.CheckpointErr)
		if err := w.checkpoints.Clear(bookkeeping, job.ID); err != nil {
			return err
		}
		return w.retry(bookkeeping, job, log, job.CheckpointErr)
	}

	log.Infow(sym.Pulse+" Job started", logger.FieldAttempts, job.Attempts)
	start := time.Now()

	result, err := runStage(ctx, handler, NewRun(job, w.checkpoints, log))
	if err == nil {
		return w.complete(bookkeeping, job, result, log, time.Since(start))
	}

	if ctx.Err() != nil {
		// Process is going down: not the job's fault, keep the checkpoint for recovery
		log.Warnw(sym.PulseClose+" Job interrupted, re-queuing with checkpoint", "error", err)
		if markErr := w.store.MarkPending(bookkeeping, job.ID, job.Attempts, FormatError(err)); markErr != nil {
			return errors.Wrapf(markErr, "failed to re-queue interrupted job %s", job.ID)
		}
		return nil
	}

	if w.rateLimits != nil && w.rateLimits.IsRateLimitError(err) {
		log.Warnw(sym.Pause+" Rate limited, pausing job", "error", err)
		if rlErr := w.rateLimits.HandleRateLimit(w.waitContext(ctx), job); rlErr != nil {
			if errors.Is(rlErr, context.Canceled) {
				log.Infow("Rate-limit wait abandoned by shutdown; paused jobs resume on next start")
				return nil
			}
			return errors.Wrapf(rlErr, "failed to handle rate limit for job %s", job.ID)
		}
		return nil
	}

	return w.retry(bookkeeping, job, log, err)
}

// complete marks the job completed and enqueues the stage's follow-ups.
func (w *Worker) complete(ctx context.Context, job *Job, result *StageResult, log *zap.SugaredLogger, elapsed time.Duration) error {
	var followUps []*Job
	if result != nil {
		for _, f := range result.FollowUps {
			if f.TargetID == "" {
				f.TargetID = job.TargetID
			}
			next, err := f.Job()
			if err != nil {
				err = errors.Wrapf(err, "stage %s returned an invalid follow-up", job.Type)
				log.Errorw("Job failed: invalid follow-up", "error", err)
				return w.store.MarkFailed(ctx, job.ID, job.Attempts+1, FormatError(err))
			}
			followUps = append(followUps, next)
		}
	}

	if err := w.store.MarkCompleted(ctx, job.ID, followUps...); err != nil {
		err = errors.Wrapf(err, "failed to complete job %s", job.ID)
		// Back to pending without spending an attempt; the stage's checkpoint
		// lets the next pickup finish without redoing the work.
		log.Errorw("Stage succeeded but completion failed, re-queueing", logger.FieldError, err)
		if perr := w.store.MarkPending(ctx, job.ID, job.Attempts, FormatError(err)); perr != nil {
			return errors.WithSecondaryError(err, perr)
		}
		return nil
	}

	fields := []interface{}{
		logger.FieldDurationMS, elapsed.Milliseconds(),
		"follow_ups", len(followUps),
	}
	if result != nil && result.Summary != "" {
		fields = append(fields, "summary", result.Summary)
	}
	log.Infow(sym.Pulse+" Job completed", fields...)
	return nil
}

// retry applies the attempt ceiling: back to pending while attempts remain,
// failed once they are spent.
func (w *Worker) retry(ctx context.Context, job *Job, log *zap.SugaredLogger, cause error) error {
	attempts := job.Attempts + 1
	cause = errors.WithDetail(cause, fmt.Sprintf("attempt %d/%d", attempts, w.cfg.MaxAttempts))
	diagnostic := FormatError(cause)

	if attempts < w.cfg.MaxAttempts {
		log.Warnw("Job failed, scheduled for retry",
			logger.FieldAttempts, attempts,
			"max_attempts", w.cfg.MaxAttempts,
			logger.FieldError, cause)
		if err := w.store.MarkPending(ctx, job.ID, attempts, diagnostic); err != nil {
			return errors.Wrapf(err, "failed to re-queue job %s", job.ID)
		}
		return nil
	}

	log.Errorw("Job failed permanently",
		logger.FieldAttempts, attempts,
		logger.FieldError, cause)
	if err := w.store.MarkFailed(ctx, job.ID, attempts, diagnostic); err != nil {
		return errors.Wrapf(err, "failed to fail job %s", job.ID)
	}
	return nil
}

// runStage calls the handler, turning a panic into an ordinary stage error.
func runStage(ctx context.Context, h StageHandler, run *Run) (result *StageResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("stage %s panicked: %v", h.Type(), r)
		}
	}()
	return h.Execute(ctx, run)
}

func (w *Worker) lockedTargets(ctx context.Context) []string {
	w.mu.Lock()
	locks := w.locks
	w.mu.Unlock()
	if locks == nil {
		return nil
	}
	targets, err := locks.LockedTargets(ctx)
	if err != nil {
		w.logger.Warnw("Failed to read locked targets; picking up without exclusions", "error", err)
		return nil
	}
	return targets
}

// waitContext is cancelled by Stop. Without a started loop it is the caller's ctx.
func (w *Worker) waitContext(ctx context.Context) context.Context {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.waitCtx == nil {
		return ctx
	}
	return w.waitCtx
}

func (w *Worker) setCurrent(job *Job) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.current = job
}
