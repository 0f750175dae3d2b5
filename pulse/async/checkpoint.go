package async

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/quire/errors"
)

// CheckpointVersion is the schema version written into every checkpoint.
// Decoding rejects any other version.
const CheckpointVersion = 1

// Step names a point in a stage's progress.
type Step string

const (
	StepStarted    Step = "started"
	StepGenerating Step = "generating"
	StepGenerated  Step = "generated"
	StepApplied    Step = "applied"
	StepCompleted  Step = "completed"
)

// Valid reports whether s is a known step.
func (s Step) Valid() bool {
	switch s {
	case StepStarted, StepGenerating, StepGenerated, StepApplied, StepCompleted:
		return true
	}
	return false
}

// GenerationData is what a generation call produced.
// Carrying the text lets a recovered stage skip calling the generator again.
type GenerationData struct {
	Text         string `json:"text"`
	Model        string `json:"model,omitempty"`
	InputTokens  int    `json:"inputTokens"`
	OutputTokens int    `json:"outputTokens"`
}

// VerdictData is the parsed outcome of a review-style stage.
type VerdictData struct {
	Approved bool   `json:"approved"`
	Notes    string `json:"notes,omitempty"`
}

// CheckpointData holds the step-scoped payload. Which sections are set
// depends on the step: started carries TargetID, generated and later carry
// Generation, review stages add Verdict once parsed.
type CheckpointData struct {
	TargetID   string          `json:"targetId,omitempty"`
	Generation *GenerationData `json:"generation,omitempty"`
	Verdict    *VerdictData    `json:"verdict,omitempty"`
}

// Checkpoint is the progress marker embedded in a job row.
type Checkpoint struct {
	Version        int            `json:"version"`
	JobID          string         `json:"jobId"`
	Step           Step           `json:"step"`
	Data           CheckpointData `json:"data"`
	CompletedSteps []Step         `json:"completedSteps"`
	Timestamp      time.Time      `json:"timestamp"`
}

// ErrInvalidCheckpoint marks checkpoint JSON that cannot be trusted for recovery.
var ErrInvalidCheckpoint = errors.New("invalid checkpoint")

// Validate checks the version, the step names and the step-keyed payload.
func (c *Checkpoint) Validate() error {
	if c.Version != CheckpointVersion {
		return errors.Wrapf(ErrInvalidCheckpoint, "unsupported version %d", c.Version)
	}
	if c.JobID == "" {
		return errors.Wrap(ErrInvalidCheckpoint, "missing jobId")
	}
	if !c.Step.Valid() {
		return errors.Wrapf(ErrInvalidCheckpoint, "unknown step %q", c.Step)
	}
	for _, s := range c.CompletedSteps {
		if !s.Valid() {
			return errors.Wrapf(ErrInvalidCheckpoint, "unknown completed step %q", s)
		}
	}
	switch c.Step {
	case StepStarted:
		if c.Data.TargetID == "" {
			return errors.Wrap(ErrInvalidCheckpoint, "started step without targetId")
		}
	case StepGenerated:
		if c.Data.Generation == nil {
			return errors.Wrap(ErrInvalidCheckpoint, "generated step without generation data")
		}
	}
	return nil
}

// HasCompleted reports whether step is in CompletedSteps.
func (c *Checkpoint) HasCompleted(step Step) bool {
	return c != nil && slices.Contains(c.CompletedSteps, step)
}

// MarshalCheckpoint encodes a checkpoint for the job row.
func MarshalCheckpoint(c *Checkpoint) (string, error) {
	if err := c.Validate(); err != nil {
		return "", err
	}
	data, err := json.Marshal(c)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal checkpoint")
	}
	return string(data), nil
}

// UnmarshalCheckpoint decodes and validates checkpoint JSON.
func UnmarshalCheckpoint(data string) (*Checkpoint, error) {
	var c Checkpoint
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return nil, errors.Wrap(errors.WithSecondaryError(ErrInvalidCheckpoint, err), "failed to unmarshal checkpoint")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// CheckpointStore persists checkpoints. *Store implements it.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, jobID string, cp *Checkpoint) error
	GetCheckpoint(ctx context.Context, jobID string) (*Checkpoint, error)
	ClearCheckpoint(ctx context.Context, jobID string) error
}

// Recovery is what a stage gets when its job was picked up with a checkpoint
// left over from an earlier attempt or a crash.
type Recovery struct {
	ResumeStep     Step
	Data           CheckpointData
	CompletedSteps []Step
}

// Completed reports whether step finished in the earlier attempt.
func (r *Recovery) Completed(step Step) bool {
	return r != nil && slices.Contains(r.CompletedSteps, step)
}

// CheckpointManager reads and writes the checkpoint embedded in a job.
type CheckpointManager struct {
	store  CheckpointStore
	now    func() time.Time
	logger *zap.SugaredLogger
}

// NewCheckpointManager creates a manager over store.
func NewCheckpointManager(store CheckpointStore, logger *zap.SugaredLogger) *CheckpointManager {
	return &CheckpointManager{
		store:  store,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
}

// Save overwrites the job's checkpoint with step and data, keeping the
// completed steps recorded so far.
func (m *CheckpointManager) Save(ctx context.Context, jobID string, step Step, data CheckpointData) error {
	existing, err := m.store.GetCheckpoint(ctx, jobID)
	if err != nil && !errors.Is(err, ErrInvalidCheckpoint) {
		return errors.Wrapf(err, "failed to read checkpoint for job %s", jobID)
	}

	cp := &Checkpoint{
		Version:   CheckpointVersion,
		JobID:     jobID,
		Step:      step,
		Data:      data,
		Timestamp: m.now(),
	}
	if existing != nil {
		cp.CompletedSteps = existing.CompletedSteps
	}

	if err := m.store.SaveCheckpoint(ctx, jobID, cp); err != nil {
		return errors.Wrapf(err, "failed to save checkpoint %s for job %s", step, jobID)
	}

	if m.logger != nil {
		m.logger.Debugw("Checkpoint saved", "job_id", jobID, "step", step)
	}
	return nil
}

// Get returns the job's checkpoint, or nil if it has none.
func (m *CheckpointManager) Get(ctx context.Context, jobID string) (*Checkpoint, error) {
	return m.store.GetCheckpoint(ctx, jobID)
}

// MarkStepCompleted appends step to the completed list once.
// The job must already have a checkpoint.
func (m *CheckpointManager) MarkStepCompleted(ctx context.Context, jobID string, step Step) error {
	if !step.Valid() {
		return errors.Wrapf(ErrInvalidCheckpoint, "unknown step %q", step)
	}
	cp, err := m.store.GetCheckpoint(ctx, jobID)
	if err != nil {
		return errors.Wrapf(err, "failed to read checkpoint for job %s", jobID)
	}
	if cp == nil {
		return errors.NewNotFoundError("no checkpoint for job %s", jobID)
	}
	if cp.HasCompleted(step) {
		return nil
	}

	cp.CompletedSteps = append(cp.CompletedSteps, step)
	cp.Timestamp = m.now()

	if err := m.store.SaveCheckpoint(ctx, jobID, cp); err != nil {
		return errors.Wrapf(err, "failed to mark step %s completed for job %s", step, jobID)
	}
	return nil
}

// IsStepCompleted reports whether step is recorded as completed.
func (m *CheckpointManager) IsStepCompleted(ctx context.Context, jobID string, step Step) (bool, error) {
	cp, err := m.store.GetCheckpoint(ctx, jobID)
	if err != nil {
		return false, errors.Wrapf(err, "failed to read checkpoint for job %s", jobID)
	}
	return cp.HasCompleted(step), nil
}

// Clear removes the job's checkpoint.
func (m *CheckpointManager) Clear(ctx context.Context, jobID string) error {
	if err := m.store.ClearCheckpoint(ctx, jobID); err != nil {
		return errors.Wrapf(err, "failed to clear checkpoint for job %s", jobID)
	}
	return nil
}

// RestoreForRecovery turns a checkpoint carried by a freshly picked-up job
// into resume information. Returns nil when there is nothing to resume.
func (m *CheckpointManager) RestoreForRecovery(job *Job) *Recovery {
	if job == nil || job.Checkpoint == nil {
		return nil
	}
	cp := job.Checkpoint

	if m.logger != nil {
		m.logger.Infow("Recovering job from checkpoint",
			"job_id", job.ID,
			"step", cp.Step,
			"completed_steps", fmt.Sprint(cp.CompletedSteps),
			"checkpoint_age", m.now().Sub(cp.Timestamp).Round(time.Second),
		)
	}

	return &Recovery{
		ResumeStep:     cp.Step,
		Data:           cp.Data,
		CompletedSteps: slices.Clone(cp.CompletedSteps),
	}
}
