package commands

import (
	"context"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/quire/errors"
	"github.com/teranos/quire/pulse/async"
	"github.com/teranos/quire/sym"
)

// JobCmd groups queue inspection and enqueueing
var JobCmd = &cobra.Command{
	Use:     "job",
	Aliases: []string{sym.Job},
	Short:   sym.Short("job", "Manage pipeline jobs"),
	Long: sym.Job + ` Pipeline jobs.

Examples:
  quire job enqueue generate_chapter ch-1   # Start a chapter's pipeline
  quire job ls --status failed              # What gave up
  quire job show <id>                       # Error, checkpoint and timestamps
  quire job resume                          # Release paused jobs now
  quire job prune --older-than 720h         # Drop old finished jobs`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var jobEnqueueCmd = &cobra.Command{
	Use:   "enqueue <type> <target-id>",
	Short: "Create a pending job",
	Long:  "Create a pending job. Valid types:\n  " + strings.Join(jobTypeNames(), "\n  "),
	Args:  cobra.ExactArgs(2),
	RunE:  runJobEnqueue,
}

var jobLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List jobs, newest first",
	RunE:  runJobLs,
}

var jobShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobShow,
}

var jobResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Move every paused job back to pending",
	Long: `Move every paused job back to pending without waiting for the
rate-limit session to reset. A running worker picks them up on its next poll.`,
	Args: cobra.NoArgs,
	RunE: runJobResume,
}

var jobPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete completed and failed jobs older than a duration",
	Args:  cobra.NoArgs,
	RunE:  runJobPrune,
}

func init() {
	jobLsCmd.Flags().String("status", "", "Filter by status (pending, running, paused, completed, failed)")
	jobLsCmd.Flags().String("target", "", "Only jobs for this chapter, in creation order")
	jobLsCmd.Flags().Int("limit", 20, "Maximum number of jobs to display")
	jobPruneCmd.Flags().Duration("older-than", 30*24*time.Hour, "Age of the last update")

	JobCmd.AddCommand(jobEnqueueCmd, jobLsCmd, jobShowCmd, jobResumeCmd, jobPruneCmd)
}

func jobTypeNames() []string {
	names := make([]string, len(async.AllJobTypes))
	for i, t := range async.AllJobTypes {
		names[i] = string(t)
	}
	return names
}

// withQueue opens the configured database and hands fn a queue over it.
func withQueue(fn func(ctx context.Context, q *async.Queue) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()
	return fn(context.Background(), async.NewQueue(database))
}

func runJobEnqueue(cmd *cobra.Command, args []string) error {
	jobType, err := async.ParseJobType(args[0])
	if err != nil {
		return errors.WithHint(err, "run `quire job enqueue --help` for the list of job types")
	}
	return withQueue(func(ctx context.Context, q *async.Queue) error {
		id, err := q.CreateJob(ctx, jobType, args[1])
		if err != nil {
			return err
		}
		pterm.Success.Printf("%s Enqueued %s for %s\n", sym.Job, jobType, args[1])
		pterm.Printf("  Job ID: %s\n", id)
		return nil
	})
}

func runJobLs(cmd *cobra.Command, args []string) error {
	statusFilter, _ := cmd.Flags().GetString("status")
	target, _ := cmd.Flags().GetString("target")
	limit, _ := cmd.Flags().GetInt("limit")

	var status *async.JobStatus
	if statusFilter != "" {
		if !async.IsValidStatus(statusFilter) {
			return errors.NewInvalidRequestError("unknown status %q", statusFilter)
		}
		s := async.JobStatus(statusFilter)
		status = &s
	}

	return withQueue(func(ctx context.Context, q *async.Queue) error {
		var jobs []*async.Job
		var err error
		if target != "" {
			jobs, err = q.Store().ListJobsForTarget(ctx, target)
		} else {
			jobs, err = q.ListJobs(ctx, status, limit)
		}
		if err != nil {
			return errors.Wrap(err, "failed to list jobs")
		}
		if status != nil && target != "" {
			jobs = filterStatus(jobs, *status)
		}

		if len(jobs) == 0 {
			pterm.Info.Printf("%s No jobs found\n", sym.Job)
			return nil
		}

		rows := pterm.TableData{{"JOB ID", "TYPE", "TARGET", "STATUS", "ATTEMPTS", "CREATED"}}
		for _, job := range jobs {
			rows = append(rows, []string{
				shortID(job.ID),
				string(job.Type),
				job.TargetID,
				statusLabel(job.Status),
				pterm.Sprintf("%d", job.Attempts),
				job.CreatedAt.Local().Format("2006-01-02 15:04"),
			})
		}
		if err := pterm.DefaultTable.WithHasHeader().WithData(rows).Render(); err != nil {
			return err
		}
		pterm.Printf("\nTotal: %d job(s)\n", len(jobs))
		return nil
	})
}

func runJobShow(cmd *cobra.Command, args []string) error {
	return withQueue(func(ctx context.Context, q *async.Queue) error {
		job, err := q.GetJob(ctx, args[0])
		if err != nil {
			return err
		}

		pterm.DefaultSection.Printf("%s Job %s", sym.Job, job.ID)
		pterm.Printf("  Type:      %s\n", job.Type)
		pterm.Printf("  Target:    %s\n", job.TargetID)
		pterm.Printf("  Status:    %s\n", statusLabel(job.Status))
		pterm.Printf("  Attempts:  %d\n", job.Attempts)
		pterm.Printf("  Created:   %s\n", job.CreatedAt.Local().Format(time.RFC3339))
		if job.StartedAt != nil {
			pterm.Printf("  Started:   %s\n", job.StartedAt.Local().Format(time.RFC3339))
		}
		if job.CompletedAt != nil {
			pterm.Printf("  Completed: %s\n", job.CompletedAt.Local().Format(time.RFC3339))
		}

		if cp := job.Checkpoint; cp != nil {
			pterm.Println()
			pterm.Printf("  Checkpoint: step %s at %s\n", cp.Step, cp.Timestamp.Local().Format(time.RFC3339))
			if len(cp.CompletedSteps) > 0 {
				steps := make([]string, len(cp.CompletedSteps))
				for i, s := range cp.CompletedSteps {
					steps[i] = string(s)
				}
				pterm.Printf("  Completed steps: %s\n", strings.Join(steps, ", "))
			}
			if g := cp.Data.Generation; g != nil {
				pterm.Printf("  Generation: %d words, %d in / %d out tokens\n",
					len(strings.Fields(g.Text)), g.InputTokens, g.OutputTokens)
			}
		} else if job.CheckpointErr != nil {
			pterm.Warning.Printf("Checkpoint unreadable: %v\n", job.CheckpointErr)
		}

		if job.Error != "" {
			pterm.Println()
			pterm.Error.Println("Last error:")
			pterm.Println(job.Error)
		}
		return nil
	})
}

func runJobResume(cmd *cobra.Command, args []string) error {
	return withQueue(func(ctx context.Context, q *async.Queue) error {
		n, err := q.ResumePaused(ctx)
		if err != nil {
			return err
		}
		pterm.Success.Printf("%s Resumed %d paused job(s)\n", sym.Job, n)
		return nil
	})
}

func runJobPrune(cmd *cobra.Command, args []string) error {
	olderThan, _ := cmd.Flags().GetDuration("older-than")
	if olderThan <= 0 {
		return errors.NewInvalidRequestError("--older-than must be positive, got %s", olderThan)
	}
	return withQueue(func(ctx context.Context, q *async.Queue) error {
		n, err := q.Store().CleanupOldJobs(ctx, olderThan)
		if err != nil {
			return err
		}
		pterm.Success.Printf("%s Pruned %d finished job(s) older than %s\n", sym.Job, n, olderThan)
		return nil
	})
}

func filterStatus(jobs []*async.Job, status async.JobStatus) []*async.Job {
	out := jobs[:0]
	for _, j := range jobs {
		if j.Status == status {
			out = append(out, j)
		}
	}
	return out
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func statusLabel(s async.JobStatus) string {
	switch s {
	case async.JobStatusCompleted:
		return pterm.FgGreen.Sprint(s)
	case async.JobStatusFailed:
		return pterm.FgRed.Sprint(s)
	case async.JobStatusPaused:
		return pterm.FgYellow.Sprint(sym.Pause + " " + string(s))
	case async.JobStatusRunning:
		return pterm.FgCyan.Sprint(s)
	}
	return string(s)
}
