package commands

import (
	"context"
	"os"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/quire/ai/tracker"
	"github.com/teranos/quire/chapter"
	"github.com/teranos/quire/errors"
	"github.com/teranos/quire/sym"
)

// ChapterCmd manages the chapter records stages read and write
var ChapterCmd = &cobra.Command{
	Use:     "chapter",
	Aliases: []string{sym.Chapter},
	Short:   sym.Short("chapter", "Manage chapters"),
	Long: sym.Chapter + ` Chapters are the targets pipeline jobs run against.

Examples:
  quire chapter add ch-1 --title "The Storm" --outline-file outlines/ch-1.md
  quire chapter add ch-2 --title "The Wreck" --outline "..." --after ch-1
  quire chapter ls
  quire chapter show ch-1 --content
  quire chapter lock ch-1      # Worker skips ch-1 until unlocked`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var chapterAddCmd = &cobra.Command{
	Use:   "add <chapter-id>",
	Short: "Create a chapter from an outline",
	Long: `Create a pending chapter. With --after, the continuity states of the
previous chapter are copied in so the draft picks up where it ended.`,
	Args: cobra.ExactArgs(1),
	RunE: runChapterAdd,
}

var chapterLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List chapters in creation order",
	Args:  cobra.NoArgs,
	RunE:  runChapterLs,
}

var chapterShowCmd = &cobra.Command{
	Use:   "show <chapter-id>",
	Short: "Show a chapter, its flags and model usage",
	Args:  cobra.ExactArgs(1),
	RunE:  runChapterShow,
}

var chapterLockCmd = &cobra.Command{
	Use:   "lock <chapter-id>",
	Short: "Hold back the chapter's jobs while you edit it",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setChapterLock(args[0], true) },
}

var chapterUnlockCmd = &cobra.Command{
	Use:   "unlock <chapter-id>",
	Short: "Release a locked chapter",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setChapterLock(args[0], false) },
}

func init() {
	chapterAddCmd.Flags().String("title", "", "Chapter title")
	chapterAddCmd.Flags().String("outline", "", "Outline text")
	chapterAddCmd.Flags().String("outline-file", "", "Read the outline from a file")
	chapterAddCmd.Flags().String("after", "", "Previous chapter whose continuity states carry over")
	chapterShowCmd.Flags().Bool("content", false, "Print the full chapter text")

	ChapterCmd.AddCommand(chapterAddCmd, chapterLsCmd, chapterShowCmd, chapterLockCmd, chapterUnlockCmd)
}

// withChapters opens the configured database and hands fn the chapter store.
func withChapters(fn func(ctx context.Context, store *chapter.Store, usage *tracker.UsageTracker) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()
	return fn(context.Background(), chapter.NewStore(database), tracker.NewUsageTracker(database))
}

func runChapterAdd(cmd *cobra.Command, args []string) error {
	title, _ := cmd.Flags().GetString("title")
	outline, _ := cmd.Flags().GetString("outline")
	outlineFile, _ := cmd.Flags().GetString("outline-file")
	after, _ := cmd.Flags().GetString("after")

	if outlineFile != "" {
		if outline != "" {
			return errors.NewInvalidRequestError("use --outline or --outline-file, not both")
		}
		b, err := os.ReadFile(outlineFile)
		if err != nil {
			return errors.Wrapf(err, "failed to read outline %s", outlineFile)
		}
		outline = string(b)
	}
	if outline == "" {
		return errors.WithHint(
			errors.NewInvalidRequestError("chapter %s needs an outline", args[0]),
			"pass --outline or --outline-file")
	}

	return withChapters(func(ctx context.Context, store *chapter.Store, _ *tracker.UsageTracker) error {
		ch := &chapter.Chapter{ID: args[0], Title: title, Outline: outline}
		if after != "" {
			prev, err := store.Get(ctx, after)
			if err != nil {
				return err
			}
			ch.States = prev.States
		}
		if err := store.Create(ctx, ch); err != nil {
			return err
		}
		pterm.Success.Printf("%s Added chapter %s\n", sym.Chapter, ch.ID)
		pterm.Printf("  Next: quire job enqueue generate_chapter %s\n", ch.ID)
		return nil
	})
}

func runChapterLs(cmd *cobra.Command, args []string) error {
	return withChapters(func(ctx context.Context, store *chapter.Store, _ *tracker.UsageTracker) error {
		chapters, err := store.List(ctx)
		if err != nil {
			return err
		}
		if len(chapters) == 0 {
			pterm.Info.Printf("%s No chapters yet\n", sym.Chapter)
			return nil
		}

		rows := pterm.TableData{{"ID", "TITLE", "STATUS", "WORDS", "FLAGS", "UPDATED"}}
		for _, ch := range chapters {
			status := string(ch.Status)
			if ch.Locked {
				status += " (locked)"
			}
			rows = append(rows, []string{
				ch.ID, ch.Title, status, itoa(ch.WordCount), itoa(len(ch.Flags)),
				ch.UpdatedAt.Local().Format("2006-01-02 15:04"),
			})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	})
}

func runChapterShow(cmd *cobra.Command, args []string) error {
	showContent, _ := cmd.Flags().GetBool("content")

	return withChapters(func(ctx context.Context, store *chapter.Store, usage *tracker.UsageTracker) error {
		ch, err := store.Get(ctx, args[0])
		if err != nil {
			return err
		}

		pterm.DefaultSection.Printf("%s %s: %s", sym.Chapter, ch.ID, ch.Title)
		pterm.Printf("  Status:  %s\n", ch.Status)
		pterm.Printf("  Words:   %d\n", ch.WordCount)
		pterm.Printf("  Locked:  %t\n", ch.Locked)
		pterm.Printf("  Updated: %s\n", ch.UpdatedAt.Local().Format(time.RFC3339))
		if ch.Summary != "" {
			pterm.Println()
			pterm.Println("  Summary:")
			pterm.Println(pterm.DefaultParagraph.WithMaxWidth(76).Sprint(ch.Summary))
		}

		if len(ch.Flags) > 0 {
			pterm.Println()
			rows := pterm.TableData{{"STAGE", "SEVERITY", "NOTE"}}
			for _, f := range ch.Flags {
				rows = append(rows, []string{f.Stage, severityLabel(f.Severity), f.Message})
			}
			if err := pterm.DefaultTable.WithHasHeader().WithData(rows).Render(); err != nil {
				return err
			}
		}

		records, err := usage.GetTargetUsage(ctx, ch.ID)
		if err != nil {
			return err
		}
		if len(records) > 0 {
			var in, out int
			var cost float64
			for _, r := range records {
				in += r.InputTokens
				out += r.OutputTokens
				cost += r.Cost
			}
			pterm.Println()
			pterm.Printf("  Usage: %d request(s), %d in / %d out tokens, $%.4f\n", len(records), in, out, cost)
		}

		if showContent && ch.Content != "" {
			pterm.Println()
			pterm.Println(ch.Content)
		}
		return nil
	})
}

func setChapterLock(id string, locked bool) error {
	return withChapters(func(ctx context.Context, store *chapter.Store, _ *tracker.UsageTracker) error {
		if err := store.SetLocked(ctx, id, locked); err != nil {
			return err
		}
		if locked {
			pterm.Success.Printf("%s Locked %s; the worker will skip its jobs\n", sym.Chapter, id)
		} else {
			pterm.Success.Printf("%s Unlocked %s\n", sym.Chapter, id)
		}
		return nil
	})
}

func severityLabel(s string) string {
	switch s {
	case chapter.SeverityBlocker:
		return pterm.FgRed.Sprint(s)
	case chapter.SeverityWarning:
		return pterm.FgYellow.Sprint(s)
	}
	return s
}
