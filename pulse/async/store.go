package async

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/teranos/quire/errors"
)

// Store handles persistence of pipeline jobs
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a new job store
func NewStore(db *sql.DB) *Store {
	return &Store{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// QueueStats counts jobs by status.
type QueueStats struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Paused    int `json:"paused"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

// PickupOptions narrows which pending job PickupNext may claim.
type PickupOptions struct {
	// ExcludeTargets skips jobs whose target is locked elsewhere
	ExcludeTargets []string
}

// CreateJob inserts a new job
func (s *Store) CreateJob(ctx context.Context, job *Job) error {
	return s.insertJob(ctx, s.db, job)
}

func (s *Store) insertJob(ctx context.Context, ex execer, job *Job) error {
	checkpoint, err := encodeCheckpoint(job.Checkpoint)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO pipeline_jobs (
			id, type, target_id, status, checkpoint, error, attempts,
			created_at, started_at, completed_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = ex.ExecContext(ctx, query,
		job.ID,
		job.Type,
		job.TargetID,
		job.Status,
		checkpoint,
		nullString(job.Error),
		job.Attempts,
		job.CreatedAt,
		job.StartedAt,
		job.CompletedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return wrapQuery(err, query, "failed to create job %s", job.ID)
	}
	return nil
}

// GetJob retrieves a job by ID
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	return getJob(ctx, s.db, id)
}

func getJob(ctx context.Context, q queryRower, id string) (*Job, error) {
	query := `SELECT ` + StandardJobSelectColumns() + ` FROM pipeline_jobs WHERE id = ?`
	job, err := scanJob(q.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("job %s", id)
	}
	if err != nil {
		return nil, wrapQuery(err, query, "failed to get job %s", id)
	}
	return job, nil
}

// PickupNext claims the oldest pending job and marks it running.
// The claim only succeeds if the row is still pending when updated; if another
// consumer got there first, PickupNext returns nil rather than the same job.
func (s *Store) PickupNext(ctx context.Context, opts PickupOptions) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin pickup transaction")
	}
	defer tx.Rollback()

	query := `SELECT id FROM pipeline_jobs WHERE status = ?`
	args := []interface{}{JobStatusPending}
	if len(opts.ExcludeTargets) > 0 {
		query += ` AND target_id NOT IN (` + placeholders(len(opts.ExcludeTargets)) + `)`
		for _, target := range opts.ExcludeTargets {
			args = append(args, target)
		}
	}
	query += ` ORDER BY created_at ASC, rowid ASC LIMIT 1`

	var id string
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, wrapQuery(err, query, "failed to select next pending job")
	}

	claimed, err := s.claim(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, nil
	}

	job, err := getJob(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrapf(err, "failed to commit pickup of job %s", id)
	}
	return job, nil
}

// claim moves one job from pending to running. It reports false when the row
// was no longer pending.
func (s *Store) claim(ctx context.Context, ex execer, id string) (bool, error) {
	now := s.now()
	query := `
		UPDATE pipeline_jobs
		SET status = ?, started_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`
	res, err := ex.ExecContext(ctx, query, JobStatusRunning, now, now, id, JobStatusPending)
	if err != nil {
		return false, wrapQuery(err, query, "failed to claim job %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrapf(err, "failed to read claim result for job %s", id)
	}
	return n == 1, nil
}

// MarkRunning sets a job running regardless of its previous status.
func (s *Store) MarkRunning(ctx context.Context, id string) error {
	now := s.now()
	return s.update(ctx, id, `
		UPDATE pipeline_jobs
		SET status = ?, started_at = ?, updated_at = ?
		WHERE id = ?
	`, JobStatusRunning, now, now, id)
}

// MarkCompleted completes a job, clears its checkpoint and inserts the
// follow-up jobs, all in one transaction.
func (s *Store) MarkCompleted(ctx context.Context, id string, followUps ...*Job) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin completion transaction")
	}
	defer tx.Rollback()

	now := s.now()
	if err := s.updateWith(ctx, tx, id, `
		UPDATE pipeline_jobs
		SET status = ?, checkpoint = NULL, error = NULL, completed_at = ?, updated_at = ?
		WHERE id = ?
	`, JobStatusCompleted, now, now, id); err != nil {
		return err
	}

	for _, next := range followUps {
		if err := s.insertJob(ctx, tx, next); err != nil {
			return errors.Wrapf(err, "failed to enqueue follow-up of job %s", id)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrapf(err, "failed to commit completion of job %s", id)
	}
	return nil
}

// MarkPending returns a job to the queue after a retryable failure.
func (s *Store) MarkPending(ctx context.Context, id string, attempts int, errMsg string) error {
	return s.update(ctx, id, `
		UPDATE pipeline_jobs
		SET status = ?, attempts = ?, error = ?, updated_at = ?
		WHERE id = ?
	`, JobStatusPending, attempts, nullString(errMsg), s.now(), id)
}

// MarkFailed fails a job permanently.
func (s *Store) MarkFailed(ctx context.Context, id string, attempts int, errMsg string) error {
	now := s.now()
	return s.update(ctx, id, `
		UPDATE pipeline_jobs
		SET status = ?, attempts = ?, error = ?, completed_at = ?, updated_at = ?
		WHERE id = ?
	`, JobStatusFailed, attempts, nullString(errMsg), now, now, id)
}

// MarkPaused parks a job until the rate-limit window resets.
func (s *Store) MarkPaused(ctx context.Context, id string) error {
	return s.update(ctx, id, `
		UPDATE pipeline_jobs SET status = ?, updated_at = ? WHERE id = ?
	`, JobStatusPaused, s.now(), id)
}

// ResumeAllPaused moves every paused job back to pending and returns how many moved.
func (s *Store) ResumeAllPaused(ctx context.Context) (int, error) {
	return s.bulkTransition(ctx, JobStatusPaused, JobStatusPending)
}

// RequeueOrphaned moves jobs left running by a crashed process back to
// pending. Their checkpoints stay so the next attempt can resume.
func (s *Store) RequeueOrphaned(ctx context.Context) (int, error) {
	return s.bulkTransition(ctx, JobStatusRunning, JobStatusPending)
}

func (s *Store) bulkTransition(ctx context.Context, from, to JobStatus) (int, error) {
	query := `UPDATE pipeline_jobs SET status = ?, updated_at = ? WHERE status = ?`
	res, err := s.db.ExecContext(ctx, query, to, s.now(), from)
	if err != nil {
		return 0, wrapQuery(err, query, "failed to move %s jobs to %s", from, to)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read rows affected")
	}
	return int(n), nil
}

// GetStats counts jobs by status.
func (s *Store) GetStats(ctx context.Context) (*QueueStats, error) {
	query := `SELECT status, COUNT(*) FROM pipeline_jobs GROUP BY status`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, wrapQuery(err, query, "failed to query queue stats")
	}
	defer rows.Close()

	stats := &QueueStats{}
	for rows.Next() {
		var status JobStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, errors.Wrap(err, "failed to scan queue stats")
		}
		switch status {
		case JobStatusPending:
			stats.Pending = count
		case JobStatusRunning:
			stats.Running = count
		case JobStatusCompleted:
			stats.Completed = count
		case JobStatusPaused:
			stats.Paused = count
		case JobStatusFailed:
			stats.Failed = count
		}
		stats.Total += count
	}
	return stats, rows.Err()
}

// ListJobs returns jobs newest first, optionally filtered by status
func (s *Store) ListJobs(ctx context.Context, status *JobStatus, limit int) ([]*Job, error) {
	query := `SELECT ` + StandardJobSelectColumns() + ` FROM pipeline_jobs`
	var args []interface{}
	if status != nil {
		query += ` WHERE status = ?`
		args = append(args, *status)
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryJobs(ctx, query, args...)
}

// ListJobsForTarget returns a target's jobs in pipeline (creation) order.
func (s *Store) ListJobsForTarget(ctx context.Context, targetID string) ([]*Job, error) {
	query := `SELECT ` + StandardJobSelectColumns() + ` FROM pipeline_jobs
		WHERE target_id = ? ORDER BY created_at ASC, rowid ASC`
	return s.queryJobs(ctx, query, targetID)
}

func (s *Store) queryJobs(ctx context.Context, query string, args ...interface{}) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapQuery(err, query, "failed to list jobs")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// DeleteJob removes a job
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	return s.update(ctx, id, `DELETE FROM pipeline_jobs WHERE id = ?`, id)
}

// CleanupOldJobs deletes completed and failed jobs last touched before the cutoff.
func (s *Store) CleanupOldJobs(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := s.now().Add(-olderThan)
	query := `DELETE FROM pipeline_jobs WHERE status IN (?, ?) AND updated_at < ?`
	res, err := s.db.ExecContext(ctx, query, JobStatusCompleted, JobStatusFailed, cutoff)
	if err != nil {
		return 0, wrapQuery(err, query, "failed to clean up old jobs")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read rows affected")
	}
	return int(n), nil
}

// SaveCheckpoint overwrites the job's checkpoint column.
func (s *Store) SaveCheckpoint(ctx context.Context, jobID string, cp *Checkpoint) error {
	encoded, err := encodeCheckpoint(cp)
	if err != nil {
		return err
	}
	return s.update(ctx, jobID, `
		UPDATE pipeline_jobs SET checkpoint = ?, updated_at = ? WHERE id = ?
	`, encoded, s.now(), jobID)
}

// GetCheckpoint reads the job's checkpoint; nil when the column is empty.
func (s *Store) GetCheckpoint(ctx context.Context, jobID string) (*Checkpoint, error) {
	query := `SELECT checkpoint FROM pipeline_jobs WHERE id = ?`
	var raw sql.NullString
	if err := s.db.QueryRowContext(ctx, query, jobID).Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NewNotFoundError("job %s", jobID)
		}
		return nil, wrapQuery(err, query, "failed to read checkpoint for job %s", jobID)
	}
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	return UnmarshalCheckpoint(raw.String)
}

// ClearCheckpoint sets the job's checkpoint to NULL.
func (s *Store) ClearCheckpoint(ctx context.Context, jobID string) error {
	return s.update(ctx, jobID, `
		UPDATE pipeline_jobs SET checkpoint = NULL, updated_at = ? WHERE id = ?
	`, s.now(), jobID)
}

func (s *Store) update(ctx context.Context, id, query string, args ...interface{}) error {
	return s.updateWith(ctx, s.db, id, query, args...)
}

// updateWith runs a single-row statement and reports ErrNotFound when no row matched.
func (s *Store) updateWith(ctx context.Context, ex execer, id, query string, args ...interface{}) error {
	res, err := ex.ExecContext(ctx, query, args...)
	if err != nil {
		return wrapQuery(err, query, "failed to update job %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "failed to read rows affected for job %s", id)
	}
	if n == 0 {
		return errors.NewNotFoundError("job %s", id)
	}
	return nil
}

func encodeCheckpoint(cp *Checkpoint) (sql.NullString, error) {
	if cp == nil {
		return sql.NullString{}, nil
	}
	encoded, err := MarshalCheckpoint(cp)
	if err != nil {
		return sql.NullString{}, errors.Wrapf(err, "failed to encode checkpoint for job %s", cp.JobID)
	}
	return sql.NullString{String: encoded, Valid: true}, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
