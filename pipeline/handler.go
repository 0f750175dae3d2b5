package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/teranos/quire/ai/provider"
	"github.com/teranos/quire/ai/tracker"
	"github.com/teranos/quire/chapter"
	"github.com/teranos/quire/errors"
	"github.com/teranos/quire/logger"
	"github.com/teranos/quire/pulse/async"
	"github.com/teranos/quire/sym"
)

// ErrEmptyGeneration means the generator answered with no text.
var ErrEmptyGeneration = errors.New("generator returned no text")

type applyFunc func(ctx context.Context, chapters Chapters, stage async.JobType, ch *chapter.Chapter, out *output) error

// stageHandler runs one stage:
// started → generating → generated → applied → completed.
type stageHandler struct {
	spec   stageSpec
	prompt *Prompt
	deps   Deps
}

var _ async.StageHandler = (*stageHandler)(nil)

func (h *stageHandler) Type() async.JobType { return h.spec.jobType }

func (h *stageHandler) Execute(ctx context.Context, run *async.Run) (result *async.StageResult, err error) {
	job := run.Job
	if h.spec.revertTo != "" {
		defer func() {
			if err != nil {
				h.revert(ctx, run, err)
			}
		}()
	}

	// Recovered payload rides along so a failure before the next save keeps it
	started := async.CheckpointData{TargetID: job.TargetID}
	if run.Recovery != nil {
		started = run.Recovery.Data
		started.TargetID = job.TargetID
	}
	run.Checkpoint(ctx, async.StepStarted, started)
	run.CompleteStep(ctx, async.StepStarted)

	// Applied in an earlier attempt: only the bookkeeping after it failed
	if run.Recovery.Completed(async.StepApplied) && run.Recovery.Data.Generation != nil {
		run.Logger.Infow("Stage already applied, finishing from checkpoint", logger.FieldStep, async.StepApplied)
		out := &output{Text: run.Recovery.Data.Generation.Text, Verdict: run.Recovery.Data.Verdict}
		return h.finish(ctx, run, run.Recovery.Data, out), nil
	}

	ch, err := h.deps.Chapters.Get(ctx, job.TargetID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load chapter for %s", job.Type)
	}

	if h.spec.startStatus != "" {
		if err := h.deps.Chapters.UpdateStatus(ctx, ch.ID, h.spec.startStatus); err != nil {
			return nil, errors.Wrapf(err, "failed to mark chapter %s %s", ch.ID, h.spec.startStatus)
		}
	}

	gen, err := h.generate(ctx, run, ch)
	if err != nil {
		return nil, err
	}

	out := &output{Text: gen.Text}
	data := async.CheckpointData{TargetID: job.TargetID, Generation: gen}
	if h.prompt.Metadata.Format == FormatVerdict {
		verdict, perr := ParseVerdict(gen.Text)
		if perr != nil {
			run.Logger.Warnw("Review answer has no verdict, treating it as not approved", logger.FieldError, perr)
			verdict = &async.VerdictData{Approved: false, Notes: gen.Text}
		}
		out.Verdict = verdict
		data.Verdict = verdict
	}

	if err := h.spec.apply(ctx, h.deps.Chapters, job.Type, ch, out); err != nil {
		return nil, errors.Wrapf(err, "failed to apply %s to chapter %s", job.Type, ch.ID)
	}
	run.Checkpoint(ctx, async.StepApplied, data)
	run.CompleteStep(ctx, async.StepApplied)

	return h.finish(ctx, run, data, out), nil
}

// generate calls the generator, or hands back the text a previous attempt
// already paid for.
func (h *stageHandler) generate(ctx context.Context, run *async.Run, ch *chapter.Chapter) (*async.GenerationData, error) {
	job := run.Job

	if h.deps.Options.ReuseCheckpointedGeneration &&
		run.Recovery.Completed(async.StepGenerated) && run.Recovery.Data.Generation != nil {
		gen := run.Recovery.Data.Generation
		run.Logger.Infow("Reusing checkpointed generation",
			logger.FieldModel, gen.Model,
			logger.FieldOutputTokens, gen.OutputTokens)
		run.Checkpoint(ctx, async.StepGenerated, async.CheckpointData{TargetID: job.TargetID, Generation: gen})
		run.CompleteStep(ctx, async.StepGenerated)
		return gen, nil
	}

	userPrompt, err := h.prompt.Render(NewPromptData(ch))
	if err != nil {
		return nil, err
	}

	run.Checkpoint(ctx, async.StepGenerating, async.CheckpointData{TargetID: job.TargetID})

	completion, err := h.deps.Generator.CreateCompletion(ctx, provider.CompletionRequest{
		System:      strings.TrimSpace(h.prompt.Metadata.System),
		Messages:    provider.UserPrompt(userPrompt),
		MaxTokens:   h.prompt.GetMaxTokens(DefaultMaxTokens),
		Temperature: h.prompt.Metadata.Temperature,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "%s generation failed", job.Type)
	}
	if strings.TrimSpace(completion.Text) == "" {
		return nil, errors.Wrapf(ErrEmptyGeneration, "%s for chapter %s", job.Type, ch.ID)
	}

	h.trackTokens(ctx, run, completion)

	gen := &async.GenerationData{
		Text:         completion.Text,
		Model:        completion.Model,
		InputTokens:  completion.InputTokens,
		OutputTokens: completion.OutputTokens,
	}
	run.Checkpoint(ctx, async.StepGenerated, async.CheckpointData{TargetID: job.TargetID, Generation: gen})
	run.CompleteStep(ctx, async.StepGenerated)
	return gen, nil
}

func (h *stageHandler) finish(ctx context.Context, run *async.Run, data async.CheckpointData, out *output) *async.StageResult {
	run.Checkpoint(ctx, async.StepCompleted, data)
	run.CompleteStep(ctx, async.StepCompleted)

	summary := fmt.Sprintf("%s applied to %s", run.Job.Type, run.Job.TargetID)
	if out.Verdict != nil {
		summary = fmt.Sprintf("%s on %s: approved=%t", run.Job.Type, run.Job.TargetID, out.Verdict.Approved)
	}
	run.Logger.Debugw(summary, logger.FieldSymbol, sym.Chapter)

	return &async.StageResult{
		Summary:   summary,
		FollowUps: h.spec.next(out),
	}
}

func (h *stageHandler) trackTokens(ctx context.Context, run *async.Run, c *provider.Completion) {
	if h.deps.Tokens == nil {
		return
	}
	err := h.deps.Tokens.TrackTokens(ctx, tracker.TokenUsage{
		TargetID:     run.Job.TargetID,
		Stage:        string(run.Job.Type),
		Model:        c.Model,
		InputTokens:  c.InputTokens,
		OutputTokens: c.OutputTokens,
	})
	if err != nil {
		run.Logger.Warnw("Failed to track token usage", logger.FieldError, err)
	}
}

// revert leaves the chapter in a safe status before the error reaches the worker.
func (h *stageHandler) revert(ctx context.Context, run *async.Run, cause error) {
	ctx = context.WithoutCancel(ctx)
	if err := h.deps.Chapters.UpdateStatus(ctx, run.Job.TargetID, h.spec.revertTo); err != nil {
		run.Logger.Warnw("Failed to revert chapter status",
			logger.FieldStatus, h.spec.revertTo,
			logger.FieldError, err,
			"cause", cause.Error())
		return
	}
	run.Logger.Debugw("Chapter status reverted", logger.FieldStatus, h.spec.revertTo)
}

func replaceContent(status chapter.Status) applyFunc {
	return func(ctx context.Context, chapters Chapters, _ async.JobType, ch *chapter.Chapter, out *output) error {
		if err := chapters.UpdateContent(ctx, ch.ID, out.Text); err != nil {
			return err
		}
		if status != "" {
			return chapters.UpdateStatus(ctx, ch.ID, status)
		}
		return nil
	}
}

// flagVerdict records review notes as a chapter flag. A rejection is raised
// at rejectedSeverity; approvals only leave a flag when they carry notes.
func flagVerdict(rejectedSeverity string) applyFunc {
	return func(ctx context.Context, chapters Chapters, stage async.JobType, ch *chapter.Chapter, out *output) error {
		v := out.Verdict
		if v == nil {
			return errors.Newf("%s produced no verdict", stage)
		}
		if v.Approved && v.Notes == "" {
			return nil
		}

		flag := chapter.Flag{Stage: string(stage), Severity: chapter.SeverityInfo, Message: v.Notes}
		if !v.Approved {
			flag.Severity = rejectedSeverity
			if flag.Message == "" {
				flag.Message = "not approved"
			}
		}
		return chapters.AppendFlag(ctx, ch.ID, flag)
	}
}

func storeSummary(ctx context.Context, chapters Chapters, _ async.JobType, ch *chapter.Chapter, out *output) error {
	return chapters.UpdateSummary(ctx, ch.ID, strings.TrimSpace(out.Text))
}

// storeStatesAndComplete is the only place a chapter becomes complete.
func storeStatesAndComplete(ctx context.Context, chapters Chapters, _ async.JobType, ch *chapter.Chapter, out *output) error {
	if err := chapters.UpdateStates(ctx, ch.ID, strings.TrimSpace(out.Text)); err != nil {
		return err
	}
	return chapters.UpdateStatus(ctx, ch.ID, chapter.StatusComplete)
}
