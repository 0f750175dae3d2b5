package commands

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/teranos/quire/ai/anthropic"
	"github.com/teranos/quire/ai/tracker"
	"github.com/teranos/quire/am"
	"github.com/teranos/quire/chapter"
	"github.com/teranos/quire/errors"
	"github.com/teranos/quire/logger"
	"github.com/teranos/quire/pipeline"
	"github.com/teranos/quire/pulse/async"
	"github.com/teranos/quire/pulse/ratelimit"
	"github.com/teranos/quire/sym"
)

// PulseCmd groups the worker daemon commands
var PulseCmd = &cobra.Command{
	Use:     "pulse",
	Aliases: []string{sym.Pulse},
	Short:   sym.Short("pulse", "Run the pipeline worker"),
	Long: sym.Pulse + ` Pulse is the single worker that drains the job queue.

It picks up the oldest pending job whose chapter is not locked, runs the
stage, enqueues the stages that follow, and retries failures up to
pulse.max_attempts. When the upstream rate limit hits it pauses the queue
until the session window resets.

Example:
  quire pulse start`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var pulseStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the worker in the foreground",
	Long: `Start the worker and run until interrupted.

On start, jobs left running or paused by a previous process go back to
pending. On Ctrl+C the running job gets pulse.shutdown_timeout_seconds to
finish; if it does not, it is recovered from its checkpoint next start.
Changes to pulse.poll_interval_ms in the active config file apply live.`,
	RunE: runPulseStart,
}

func init() {
	PulseCmd.AddCommand(pulseStartCmd)
}

// daemon bundles what pulse start wires together.
type daemon struct {
	worker *async.Worker
	client *anthropic.Client
}

// newDaemon wires the store, chapter locks, completion client, rate-limit
// handler and stage registry into a worker.
func newDaemon(cfg *am.Config, database *sql.DB, log *zap.SugaredLogger) (*daemon, error) {
	store := async.NewStore(database)
	chapters := chapter.NewStore(database)
	usage := tracker.NewUsageTracker(database)
	sessions := ratelimit.NewSessionTracker(cfg.RateLimit.SessionWindow())

	client := anthropic.NewClient(cfg.ClientConfig(), sessions, log.Named("anthropic"))
	if !client.IsConfigured() {
		return nil, errors.WithHint(
			errors.New("anthropic api key is not configured"),
			"export QUIRE_ANTHROPIC_API_KEY before starting the worker")
	}

	registry, err := pipeline.NewRegistry(pipeline.Deps{
		Chapters:  chapters,
		Generator: client,
		Tokens:    usage,
		Options:   cfg.Pipeline.PipelineOptions(),
		Logger:    log.Named("pipeline"),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to build stage registry")
	}

	limits := ratelimit.NewHandler(store, sessions, cfg.RateLimit.FallbackWait(), log.Named("ratelimit"))
	worker := async.NewWorker(store, registry, limits, cfg.Pulse.WorkerConfig(), log)
	worker.SetTargetLocks(chapters)

	return &daemon{worker: worker, client: client}, nil
}

func runPulseStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	log := logger.Logger
	d, err := newDaemon(cfg, database, log)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.worker.Start(ctx); err != nil {
		return errors.Wrap(err, "failed to start worker")
	}

	if path := am.ActiveConfigFile(); path != "" {
		watcher, err := am.NewConfigWatcher(path, log)
		if err != nil {
			log.Warnw("Config hot reload disabled", logger.FieldError, err)
		} else {
			watcher.OnReload(am.ReloadPollInterval(d.worker))
			am.SetGlobalWatcher(watcher)
			watcher.Start()
			defer watcher.Stop()
		}
	}

	pterm.Success.Printf("%s Pulse worker started\n", sym.Pulse)
	pterm.Printf("  Database:      %s\n", cfg.Database.Path)
	pterm.Printf("  Model:         %s\n", d.client.Model())
	pterm.Printf("  Poll interval: %v\n", d.worker.PollInterval())
	pterm.Printf("  Max attempts:  %d\n", cfg.Pulse.MaxAttempts)
	pterm.Printf("  Session:       %v window, %d req/min\n", cfg.RateLimit.SessionWindow(), cfg.RateLimit.RequestsPerMinute)
	pterm.Println()
	pterm.Info.Println("Press Ctrl+C for graceful shutdown")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	pterm.Println()
	pterm.Warning.Printf("%s Shutting down, waiting up to %ds for the running job\n",
		sym.PulseClose, cfg.Pulse.ShutdownTimeoutSeconds)

	if err := d.worker.Stop(); err != nil {
		if errors.Is(err, async.ErrShutdownTimeout) {
			pterm.Warning.Println("Running job did not finish; it will resume from its checkpoint")
			return nil
		}
		return err
	}
	pterm.Success.Printf("%s Pulse worker stopped\n", sym.Pulse)
	return nil
}
