package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/quire/am"
	"github.com/teranos/quire/cmd/quire/commands"
	"github.com/teranos/quire/errors"
	"github.com/teranos/quire/logger"
)

var rootCmd = &cobra.Command{
	Use:   "quire",
	Short: "quire - chapter pipeline worker",
	Long: `quire drafts, edits and reviews book chapters through a queue of
AI pipeline stages. One worker processes one job at a time; each stage
enqueues the next.

Examples:
  quire am init                          # Write ~/.quire/quire.toml with defaults
  quire chapter add ch-1 --title "The Storm" --outline "..."
  quire job enqueue generate_chapter ch-1
  quire pulse start                      # Run the worker until Ctrl+C
  quire stats                            # Queue, session and usage overview`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := am.Load()
		if err != nil {
			return errors.Wrap(err, "failed to load configuration")
		}
		verbosity, _ := cmd.Flags().GetCount("verbose")
		level := logger.VerbosityToLevel(verbosity, logger.ParseLevel(cfg.Log.Level))
		if err := logger.Initialize(cfg.Log.JSON, level); err != nil {
			return errors.Wrap(err, "failed to initialize logger")
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase log verbosity (-v info, -vv debug)")

	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.ChapterCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.JobCmd)
	rootCmd.AddCommand(commands.PulseCmd)
	rootCmd.AddCommand(commands.StatsCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		for _, hint := range errors.GetAllHints(err) {
			fmt.Fprintf(os.Stderr, "hint: %s\n", hint)
		}
		os.Exit(1)
	}
}
