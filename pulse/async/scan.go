package async

import (
	"database/sql"
)

// JobScanArgs holds the nullable columns scanned from a job row.
type JobScanArgs struct {
	Checkpoint  sql.NullString
	ErrorMsg    sql.NullString
	StartedAt   sql.NullTime
	CompletedAt sql.NullTime
}

// GetJobScanTargets returns scan destinations for the job and scan args,
// in the order of StandardJobSelectColumns
func GetJobScanTargets(job *Job, args *JobScanArgs) []interface{} {
	return []interface{}{
		&job.ID,
		&job.Type,
		&job.TargetID,
		&job.Status,
		&args.Checkpoint,
		&args.ErrorMsg,
		&job.Attempts,
		&job.CreatedAt,
		&args.StartedAt,
		&args.CompletedAt,
		&job.UpdatedAt,
	}
}

// ProcessJobScanArgs populates the job from the scanned nullable columns.
// A checkpoint that fails to decode is not a scan error: the job is still
// returned, with CheckpointErr set, so the worker can decide what to do.
func ProcessJobScanArgs(job *Job, args *JobScanArgs) {
	if args.Checkpoint.Valid && args.Checkpoint.String != "" {
		cp, err := UnmarshalCheckpoint(args.Checkpoint.String)
		if err != nil {
			job.CheckpointErr = err
		} else {
			job.Checkpoint = cp
		}
	}
	if args.ErrorMsg.Valid {
		job.Error = args.ErrorMsg.String
	}
	if args.StartedAt.Valid {
		t := args.StartedAt.Time
		job.StartedAt = &t
	}
	if args.CompletedAt.Valid {
		t := args.CompletedAt.Time
		job.CompletedAt = &t
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanJob scans a single job from a *sql.Row or the current *sql.Rows row
func scanJob(row rowScanner) (*Job, error) {
	job := &Job{}
	args := &JobScanArgs{}
	if err := row.Scan(GetJobScanTargets(job, args)...); err != nil {
		return nil, err
	}
	ProcessJobScanArgs(job, args)
	return job, nil
}

// StandardJobSelectColumns returns the standard column list for job SELECT queries
func StandardJobSelectColumns() string {
	return `id, type, target_id, status,
		checkpoint, error, attempts,
		created_at, started_at, completed_at, updated_at`
}
