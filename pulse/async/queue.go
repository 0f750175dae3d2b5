package async

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/teranos/quire/errors"
)

// Queue is the surface callers outside the worker use: enqueue and observe.
type Queue struct {
	store *Store
}

// NewQueue creates a new job queue
func NewQueue(db *sql.DB) *Queue {
	return &Queue{store: NewStore(db)}
}

// NewQueueWithStore wraps an existing store.
func NewQueueWithStore(store *Store) *Queue {
	return &Queue{store: store}
}

// Store returns the underlying job store.
func (q *Queue) Store() *Store {
	return q.store
}

// CreateJob enqueues a pending job of the given type for targetID and returns its ID.
func (q *Queue) CreateJob(ctx context.Context, jobType JobType, targetID string) (string, error) {
	job, err := NewJob(jobType, targetID)
	if err != nil {
		return "", err
	}

	if err := q.store.CreateJob(ctx, job); err != nil {
		err = errors.Wrap(err, "failed to enqueue job")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
		err = errors.WithDetail(err, fmt.Sprintf("Type: %s", job.Type))
		err = errors.WithDetail(err, fmt.Sprintf("Target: %s", job.TargetID))
		return "", err
	}
	return job.ID, nil
}

// GetQueueStats returns job counts by status.
func (q *Queue) GetQueueStats(ctx context.Context) (*QueueStats, error) {
	stats, err := q.store.GetStats(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get queue stats")
	}
	return stats, nil
}

// GetJob retrieves a job by ID
func (q *Queue) GetJob(ctx context.Context, id string) (*Job, error) {
	job, err := q.store.GetJob(ctx, id)
	if err != nil {
		return nil, errors.WithDetail(err, fmt.Sprintf("Job ID: %s", id))
	}
	return job, nil
}

// ListJobs lists jobs newest first, optionally filtered by status
func (q *Queue) ListJobs(ctx context.Context, status *JobStatus, limit int) ([]*Job, error) {
	return q.store.ListJobs(ctx, status, limit)
}

// ResumePaused moves all paused jobs back to pending, for operators who
// don't want to wait for the rate-limit window.
func (q *Queue) ResumePaused(ctx context.Context) (int, error) {
	n, err := q.store.ResumeAllPaused(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "failed to resume paused jobs")
	}
	return n, nil
}
