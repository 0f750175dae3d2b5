package async

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// StageHandler executes one job type.
// Stage packages implement it; the worker routes jobs to it by Type().
//
// Handlers never enqueue jobs themselves. Work that should follow is returned
// in StageResult.FollowUps and the worker inserts it in the same transaction
// that completes the job.
type StageHandler interface {
	// Type returns the job type this handler serves.
	Type() JobType

	// Execute runs the stage. Returned errors go through the worker's
	// retry, pause and fail policy unchanged.
	Execute(ctx context.Context, run *Run) (*StageResult, error)
}

// StageResult is what a successful stage hands back to the worker.
type StageResult struct {
	// Summary is a short human-readable note for logs
	Summary string
	// FollowUps are enqueued when the job is marked completed.
	// An empty TargetID means the same target as the finished job.
	FollowUps []FollowUp
}

// Run is the per-execution context handed to a stage.
type Run struct {
	Job      *Job
	Recovery *Recovery
	Logger   *zap.SugaredLogger

	checkpoints *CheckpointManager
}

// NewRun prepares a run for job, restoring recovery state from its checkpoint.
func NewRun(job *Job, checkpoints *CheckpointManager, logger *zap.SugaredLogger) *Run {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	run := &Run{Job: job, Logger: logger, checkpoints: checkpoints}
	if checkpoints != nil {
		run.Recovery = checkpoints.RestoreForRecovery(job)
	}
	return run
}

// Checkpoint records progress. Failures are logged, not returned: checkpoints
// narrate progress and never gate the stage.
func (r *Run) Checkpoint(ctx context.Context, step Step, data CheckpointData) {
	if r.checkpoints == nil {
		return
	}
	if err := r.checkpoints.Save(ctx, r.Job.ID, step, data); err != nil {
		r.Logger.Warnw("Failed to save checkpoint", "step", step, "error", err)
	}
}

// CompleteStep marks step as done in the checkpoint. Best effort, like Checkpoint.
func (r *Run) CompleteStep(ctx context.Context, step Step) {
	if r.checkpoints == nil {
		return
	}
	if err := r.checkpoints.MarkStepCompleted(ctx, r.Job.ID, step); err != nil {
		r.Logger.Warnw("Failed to mark step completed", "step", step, "error", err)
	}
}

// HandlerRegistry maps job types to stage handlers.
// Thread-safe for concurrent registration and lookup.
type HandlerRegistry struct {
	handlers map[JobType]StageHandler
	mu       sync.RWMutex
}

// NewHandlerRegistry creates an empty handler registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[JobType]StageHandler),
	}
}

// Register adds a handler under its type.
// Panics on an unknown type or a duplicate registration: both are wiring bugs.
func (r *HandlerRegistry) Register(handler StageHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := handler.Type()
	if !t.Valid() {
		panic(fmt.Sprintf("handler registered for unknown job type %q", t))
	}
	if _, exists := r.handlers[t]; exists {
		panic(fmt.Sprintf("handler already registered for job type %q", t))
	}
	r.handlers[t] = handler
}

// Get returns the handler for a job type.
func (r *HandlerRegistry) Get(t JobType) (StageHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[t]
	return h, ok
}

// Types returns the registered job types, sorted.
func (r *HandlerRegistry) Types() []JobType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]JobType, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Missing lists job types with no registered handler, in pipeline order.
// An empty result means dispatch is exhaustive.
func (r *HandlerRegistry) Missing() []JobType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var missing []JobType
	for _, t := range AllJobTypes {
		if _, ok := r.handlers[t]; !ok {
			missing = append(missing, t)
		}
	}
	return missing
}
