package commands

import (
	"context"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/quire/ai/tracker"
	"github.com/teranos/quire/errors"
	"github.com/teranos/quire/pulse/async"
	"github.com/teranos/quire/sym"
)

// StatsCmd prints the queue, host and usage overview
var StatsCmd = &cobra.Command{
	Use:   "stats",
	Short: sym.Pulse + " Show queue counts, memory and model usage",
	Long: `Show job counts by status, host memory, and model usage.

The rate-limit session lives in the worker's memory; stats shows the
paused job count as its visible effect.

Examples:
  quire stats               # Usage over the last 24 hours
  quire stats --since 168h  # Usage over the last week`,
	Args: cobra.NoArgs,
	RunE: runStats,
}

func init() {
	StatsCmd.Flags().Duration("since", 24*time.Hour, "Usage window")
}

func runStats(cmd *cobra.Command, args []string) error {
	since, _ := cmd.Flags().GetDuration("since")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	ctx := context.Background()

	stats, err := async.NewQueue(database).GetQueueStats(ctx)
	if err != nil {
		return err
	}
	pterm.DefaultSection.Printf("%s Queue", sym.Pulse)
	queueRows := pterm.TableData{
		{"PENDING", "RUNNING", "PAUSED", "COMPLETED", "FAILED", "TOTAL"},
		{itoa(stats.Pending), itoa(stats.Running), itoa(stats.Paused), itoa(stats.Completed), itoa(stats.Failed), itoa(stats.Total)},
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(queueRows).Render(); err != nil {
		return err
	}
	if stats.Paused > 0 {
		pterm.Warning.Printf("%s %d job(s) paused for the rate-limit window (session %v, fallback %v)\n",
			sym.Pause, stats.Paused, cfg.RateLimit.SessionWindow(), cfg.RateLimit.FallbackWait())
	}

	if m := async.GetSystemMetrics(); m.MemoryTotalGB > 0 {
		pterm.DefaultSection.Println("Host")
		pterm.Printf("  Memory: %.1f / %.1f GB (%.0f%%)\n", m.MemoryUsedGB, m.MemoryTotalGB, m.MemoryPercent)
	}

	usage := tracker.NewUsageTracker(database)
	from := time.Now().Add(-since)
	totals, err := usage.GetUsageStats(ctx, from)
	if err != nil {
		return errors.Wrap(err, "failed to read usage")
	}
	pterm.DefaultSection.Printf("Model usage (last %s)", since)
	pterm.Printf("  Requests: %d   Tokens: %d in / %d out   Cost: $%.4f\n",
		totals.TotalRequests, totals.TotalInputTokens, totals.TotalOutputTokens, totals.TotalCost)

	breakdown, err := usage.GetModelBreakdown(ctx, from)
	if err != nil {
		return errors.Wrap(err, "failed to read model breakdown")
	}
	if len(breakdown) > 0 {
		rows := pterm.TableData{{"MODEL", "REQUESTS", "TOKENS", "COST"}}
		for _, b := range breakdown {
			rows = append(rows, []string{b.ModelName, itoa(b.RequestCount), itoa(b.InputTokens + b.OutputTokens), pterm.Sprintf("$%.4f", b.TotalCost)})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	}
	return nil
}

func itoa(n int) string {
	return pterm.Sprintf("%d", n)
}
