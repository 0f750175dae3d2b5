package async

import (
	"time"

	"github.com/google/uuid"

	"github.com/teranos/quire/errors"
)

// JobType names one stage of the fixed chapter pipeline.
type JobType string

const (
	JobTypeGenerateChapter   JobType = "generate_chapter"
	JobTypeDevEdit           JobType = "dev_edit"
	JobTypeAuthorRevision    JobType = "author_revision"
	JobTypeLineEdit          JobType = "line_edit"
	JobTypeContinuityCheck   JobType = "continuity_check"
	JobTypeCopyEdit          JobType = "copy_edit"
	JobTypeProofread         JobType = "proofread"
	JobTypeSensitivityReview JobType = "sensitivity_review"
	JobTypeResearchReview    JobType = "research_review"
	JobTypeBetaReaderReview  JobType = "beta_reader_review"
	JobTypeOpeningReview     JobType = "opening_review"
	JobTypeDialogueReview    JobType = "dialogue_review"
	JobTypeHookReview        JobType = "hook_review"
	JobTypeGenerateSummary   JobType = "generate_summary"
	JobTypeUpdateStates      JobType = "update_states"
)

// AllJobTypes lists every stage in pipeline order.
var AllJobTypes = []JobType{
	JobTypeGenerateChapter,
	JobTypeDevEdit,
	JobTypeAuthorRevision,
	JobTypeLineEdit,
	JobTypeContinuityCheck,
	JobTypeCopyEdit,
	JobTypeProofread,
	JobTypeSensitivityReview,
	JobTypeResearchReview,
	JobTypeBetaReaderReview,
	JobTypeOpeningReview,
	JobTypeDialogueReview,
	JobTypeHookReview,
	JobTypeGenerateSummary,
	JobTypeUpdateStates,
}

// SpecialistReviews are the independent reviews that run after proofreading.
var SpecialistReviews = []JobType{
	JobTypeSensitivityReview,
	JobTypeResearchReview,
	JobTypeBetaReaderReview,
	JobTypeOpeningReview,
	JobTypeDialogueReview,
	JobTypeHookReview,
}

// Valid reports whether t is one of the known stage kinds.
func (t JobType) Valid() bool {
	for _, known := range AllJobTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ParseJobType validates a string from the CLI or another caller.
func ParseJobType(s string) (JobType, error) {
	t := JobType(s)
	if !t.Valid() {
		return "", errors.NewInvalidRequestError("unknown job type %q", s)
	}
	return t, nil
}

// JobStatus represents the current state of a job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"   // Waiting for pickup
	JobStatusRunning   JobStatus = "running"   // Claimed by the worker
	JobStatusCompleted JobStatus = "completed" // Finished successfully
	JobStatusPaused    JobStatus = "paused"    // Parked until the rate-limit window resets
	JobStatusFailed    JobStatus = "failed"    // Out of attempts, or misconfigured
)

// IsValidStatus checks if a status string is a known job status
func IsValidStatus(s string) bool {
	switch JobStatus(s) {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusPaused, JobStatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions happen automatically.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Job is one unit of pipeline work against a target entity (a chapter).
type Job struct {
	ID          string      `json:"id"`
	Type        JobType     `json:"type"`
	TargetID    string      `json:"target_id"`
	Status      JobStatus   `json:"status"`
	Checkpoint  *Checkpoint `json:"checkpoint,omitempty"`
	Error       string      `json:"error,omitempty"`
	Attempts    int         `json:"attempts"`
	CreatedAt   time.Time   `json:"created_at"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	UpdatedAt   time.Time   `json:"updated_at"`

	// CheckpointErr is set when the stored checkpoint failed to decode
	CheckpointErr error `json:"-"`
}

// NewJob creates a pending job with a fresh ID.
func NewJob(jobType JobType, targetID string) (*Job, error) {
	if !jobType.Valid() {
		return nil, errors.NewInvalidRequestError("unknown job type %q", jobType)
	}
	if targetID == "" {
		return nil, errors.NewInvalidRequestError("job %s needs a target id", jobType)
	}

	now := time.Now().UTC()
	return &Job{
		ID:        uuid.NewString(),
		Type:      jobType,
		TargetID:  targetID,
		Status:    JobStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// FollowUp is a job a stage asks the worker to enqueue after it completes.
type FollowUp struct {
	Type     JobType
	TargetID string
}

// Job builds the pending job for this follow-up.
func (f FollowUp) Job() (*Job, error) {
	return NewJob(f.Type, f.TargetID)
}
