package pipeline

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/quire/ai/anthropic"
	"github.com/teranos/quire/ai/provider"
	"github.com/teranos/quire/ai/tracker"
	"github.com/teranos/quire/chapter"
	"github.com/teranos/quire/errors"
	qtest "github.com/teranos/quire/internal/testing"
	"github.com/teranos/quire/pulse/async"
	"github.com/teranos/quire/pulse/ratelimit"
)

// =============================================================================
// Test Universe: The Lighthouse Novel, in Production
// =============================================================================
//
// "ch-1" (The Storm) goes through the whole editorial house: the novelist
// drafts it, the developmental editor judges it, the line and copy editors
// polish it, six specialist readers comment, and the archivist records the
// summary and continuity state. The novelist here is a scripted ghostwriter
// that answers each stage from a queue of prepared replies.
// =============================================================================

type reply struct {
	text string
	err  error
}

// ghostwriter is a scripted provider.Generator. It recognizes the stage
// from the system prompt.
type ghostwriter struct {
	mu      sync.Mutex
	stages  map[string]async.JobType
	replies map[async.JobType][]reply
	calls   []async.JobType
}

func newGhostwriter(t *testing.T) *ghostwriter {
	t.Helper()
	prompts, err := LoadPrompts()
	require.NoError(t, err)

	g := &ghostwriter{
		stages:  make(map[string]async.JobType),
		replies: make(map[async.JobType][]reply),
	}
	for jobType, p := range prompts {
		g.stages[strings.TrimSpace(p.Metadata.System)] = jobType
	}
	return g
}

func (g *ghostwriter) script(stage async.JobType, replies ...reply) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.replies[stage] = append(g.replies[stage], replies...)
}

func (g *ghostwriter) CreateCompletion(_ context.Context, req provider.CompletionRequest) (*provider.Completion, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	stage, ok := g.stages[req.System]
	if !ok {
		return nil, errors.Newf("ghostwriter does not know the system prompt %q", req.System)
	}
	g.calls = append(g.calls, stage)

	r := reply{text: string(stage) + " output for the storm chapter"}
	if strings.Contains(req.System, `"approved"`) {
		r = reply{text: `{"approved": true, "notes": ""}`}
	}
	if queued := g.replies[stage]; len(queued) > 0 {
		r, g.replies[stage] = queued[0], queued[1:]
	}
	if r.err != nil {
		return nil, r.err
	}
	return &provider.Completion{Text: r.text, Model: "claude-test", InputTokens: 120, OutputTokens: 80}, nil
}

func (g *ghostwriter) Calls() []async.JobType {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]async.JobType(nil), g.calls...)
}

type house struct {
	queue    *async.Queue
	store    *async.Store
	chapters *chapter.Store
	tokens   *tracker.UsageTracker
	writer   *ghostwriter
	worker   *async.Worker
	sessions *ratelimit.SessionTracker
	clock    time.Time
}

func newHouse(t *testing.T, opts Options) *house {
	t.Helper()
	return newHouseWith(t, opts, nil)
}

// newHouseWith lets a test put its own Chapters in front of the real store.
func newHouseWith(t *testing.T, opts Options, wrap func(*chapter.Store) Chapters) *house {
	t.Helper()
	db := qtest.CreateTestDB(t)
	log := zaptest.NewLogger(t).Sugar()

	h := &house{
		store:    async.NewStore(db),
		chapters: chapter.NewStore(db),
		tokens:   tracker.NewUsageTracker(db),
		writer:   newGhostwriter(t),
		clock:    time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC),
	}
	h.queue = async.NewQueueWithStore(h.store)
	h.sessions = ratelimit.NewSessionTrackerWithClock(time.Hour, func() time.Time { return h.clock })

	var chapters Chapters = h.chapters
	if wrap != nil {
		chapters = wrap(h.chapters)
	}

	registry, err := NewRegistry(Deps{
		Chapters:  chapters,
		Generator: h.writer,
		Tokens:    h.tokens,
		Options:   opts,
		Logger:    log,
	})
	require.NoError(t, err)

	h.worker = async.NewWorker(h.store, registry,
		ratelimit.NewHandler(h.store, h.sessions, time.Minute, log),
		async.WorkerConfig{PollInterval: 10 * time.Millisecond, MaxAttempts: 3, ShutdownTimeout: time.Second},
		log)
	h.worker.SetTargetLocks(h.chapters)

	require.NoError(t, h.chapters.Create(context.Background(), &chapter.Chapter{
		ID:      "ch-1",
		Title:   "The Storm",
		Outline: "The keeper sees a ship in distress.",
		Content: "Draft zero.",
	}))
	return h
}

func (h *house) enqueue(t *testing.T, jobType async.JobType) string {
	t.Helper()
	id, err := h.queue.CreateJob(context.Background(), jobType, "ch-1")
	require.NoError(t, err)
	return id
}

func (h *house) process(t *testing.T) {
	t.Helper()
	require.NoError(t, h.worker.ProcessNextJob(context.Background()))
}

func (h *house) job(t *testing.T, id string) *async.Job {
	t.Helper()
	job, err := h.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

func (h *house) chapter(t *testing.T) *chapter.Chapter {
	t.Helper()
	ch, err := h.chapters.Get(context.Background(), "ch-1")
	require.NoError(t, err)
	return ch
}

func (h *house) pendingTypes(t *testing.T) []async.JobType {
	t.Helper()
	jobs, err := h.store.ListJobsForTarget(context.Background(), "ch-1")
	require.NoError(t, err)
	var types []async.JobType
	for _, j := range jobs {
		if j.Status == async.JobStatusPending {
			types = append(types, j.Type)
		}
	}
	return types
}

func TestGenerateChapterScenario(t *testing.T) {
	h := newHouse(t, DefaultOptions())
	h.writer.script(async.JobTypeGenerateChapter, reply{text: "The storm came at dusk. The keeper climbed the stairs."})

	id := h.enqueue(t, async.JobTypeGenerateChapter)
	h.process(t)

	t.Log("✍️  The ghostwriter delivered the first draft")
	job := h.job(t, id)
	assert.Equal(t, async.JobStatusCompleted, job.Status)
	assert.Nil(t, job.Checkpoint, "completed jobs carry no checkpoint")
	assert.Empty(t, job.Error)

	ch := h.chapter(t)
	assert.Equal(t, "The storm came at dusk. The keeper climbed the stairs.", ch.Content)
	assert.Equal(t, 10, ch.WordCount)
	assert.Equal(t, chapter.StatusEditing, ch.Status)

	assert.Equal(t, []async.JobType{async.JobTypeDevEdit}, h.pendingTypes(t))

	usage, err := h.tokens.GetTargetUsage(context.Background(), "ch-1")
	require.NoError(t, err)
	require.Len(t, usage, 1)
	assert.Equal(t, "generate_chapter", usage[0].Stage)
	assert.Equal(t, 120, usage[0].InputTokens)
	assert.Equal(t, anthropic.DefaultPricingFallback, usage[0].Cost)
}

func TestDevEditRejectionRequestsRevision(t *testing.T) {
	h := newHouse(t, DefaultOptions())
	h.writer.script(async.JobTypeDevEdit, reply{text: "```json\n{\"approved\": false, \"notes\": \"The middle sags.\"}\n```"})

	id := h.enqueue(t, async.JobTypeDevEdit)
	h.process(t)

	t.Log("📕 The developmental editor sends the draft back")
	assert.Equal(t, async.JobStatusCompleted, h.job(t, id).Status)

	status := async.JobStatusPending
	pending, err := h.store.ListJobs(context.Background(), &status, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, async.JobTypeAuthorRevision, pending[0].Type)
	assert.Equal(t, "ch-1", pending[0].TargetID)

	ch := h.chapter(t)
	require.Len(t, ch.Flags, 1)
	assert.Equal(t, "dev_edit", ch.Flags[0].Stage)
	assert.Equal(t, chapter.SeverityBlocker, ch.Flags[0].Severity)
	assert.Equal(t, "The middle sags.", ch.Flags[0].Message)
	assert.Equal(t, "Draft zero.", ch.Content, "a review never rewrites the chapter")
}

func TestDevEditApprovalGoesToLineEdit(t *testing.T) {
	h := newHouse(t, DefaultOptions())

	h.enqueue(t, async.JobTypeDevEdit)
	h.process(t)

	assert.Equal(t, []async.JobType{async.JobTypeLineEdit}, h.pendingTypes(t))
	assert.Empty(t, h.chapter(t).Flags, "a clean approval leaves no flag")
}

func TestUnreadableVerdictCountsAsRejection(t *testing.T) {
	h := newHouse(t, DefaultOptions())
	h.writer.script(async.JobTypeDevEdit, reply{text: "I loved it, but the ending needs work."})

	h.enqueue(t, async.JobTypeDevEdit)
	h.process(t)

	assert.Equal(t, []async.JobType{async.JobTypeAuthorRevision}, h.pendingTypes(t))
	ch := h.chapter(t)
	require.Len(t, ch.Flags, 1)
	assert.Equal(t, "I loved it, but the ending needs work.", ch.Flags[0].Message)
}

func TestWholeChainCompletesChapter(t *testing.T) {
	h := newHouse(t, DefaultOptions())
	h.writer.script(async.JobTypeGenerateSummary, reply{text: "The keeper spots a ship as the storm breaks."})
	h.writer.script(async.JobTypeUpdateStates, reply{text: `{"keeper": "on the gallery", "ship": "drifting"}`})
	h.writer.script(async.JobTypeDialogueReview, reply{text: `{"approved": false, "notes": "The captain sounds modern."}`})

	h.enqueue(t, async.JobTypeGenerateChapter)

	for i := 0; i < 30; i++ {
		stats, err := h.queue.GetQueueStats(context.Background())
		require.NoError(t, err)
		if stats.Pending == 0 {
			break
		}
		h.process(t)
	}

	t.Log("📚 The chapter went through the whole house")
	want := []async.JobType{
		async.JobTypeGenerateChapter,
		async.JobTypeDevEdit,
		async.JobTypeLineEdit,
		async.JobTypeContinuityCheck,
		async.JobTypeCopyEdit,
		async.JobTypeProofread,
	}
	want = append(want, async.SpecialistReviews...)
	want = append(want, async.JobTypeGenerateSummary, async.JobTypeUpdateStates)
	assert.Equal(t, want, h.writer.Calls())

	stats, err := h.queue.GetQueueStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, len(want), stats.Completed)
	assert.Equal(t, len(want), stats.Total)
	assert.Zero(t, stats.Failed)

	ch := h.chapter(t)
	assert.Equal(t, chapter.StatusComplete, ch.Status)
	assert.Equal(t, "proofread output for the storm chapter", ch.Content)
	assert.Equal(t, "The keeper spots a ship as the storm breaks.", ch.Summary)
	assert.Equal(t, `{"keeper": "on the gallery", "ship": "drifting"}`, ch.States)
	require.Len(t, ch.Flags, 1)
	assert.Equal(t, "dialogue_review", ch.Flags[0].Stage)

	usage, err := h.tokens.GetUsageStats(context.Background(), h.clock.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, len(want), usage.TotalRequests)
}

func TestOnlyUpdateStatesCompletesChapter(t *testing.T) {
	h := newHouse(t, DefaultOptions())

	h.enqueue(t, async.JobTypeProofread)
	h.process(t)
	assert.Equal(t, chapter.StatusReviewing, h.chapter(t).Status)

	want := append(append([]async.JobType{}, async.SpecialistReviews...), async.JobTypeGenerateSummary)
	assert.Equal(t, want, h.pendingTypes(t), "summary is queued behind every review")

	h.enqueue(t, async.JobTypeUpdateStates)
	for range want {
		h.process(t)
		assert.NotEqual(t, chapter.StatusComplete, h.chapter(t).Status)
	}
	h.process(t) // update_states
	assert.Equal(t, chapter.StatusComplete, h.chapter(t).Status)
}

func TestGenerateChapterFailureRevertsChapter(t *testing.T) {
	h := newHouse(t, DefaultOptions())
	h.writer.script(async.JobTypeGenerateChapter, reply{err: assert.AnError})

	id := h.enqueue(t, async.JobTypeGenerateChapter)
	h.process(t)

	t.Log("💥 The ghostwriter dropped the pen; the chapter is not left stuck in writing")
	job := h.job(t, id)
	assert.Equal(t, async.JobStatusPending, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Contains(t, job.Error, "generate_chapter generation failed")
	assert.Equal(t, chapter.StatusPending, h.chapter(t).Status)
}

func TestEmptyGenerationIsRetried(t *testing.T) {
	h := newHouse(t, DefaultOptions())
	h.writer.script(async.JobTypeLineEdit, reply{text: "   "})

	id := h.enqueue(t, async.JobTypeLineEdit)
	h.process(t)

	job := h.job(t, id)
	assert.Equal(t, async.JobStatusPending, job.Status)
	assert.Contains(t, job.Error, "generator returned no text")
	assert.Equal(t, "Draft zero.", h.chapter(t).Content)
}

// crashAfterGeneration leaves job the way a crash right after the
// generated checkpoint would: running, with the paid-for text saved.
func crashAfterGeneration(t *testing.T, h *house, id, text string) {
	t.Helper()
	ctx := context.Background()
	mgr := h.worker.Checkpoints()

	_, err := h.store.PickupNext(ctx, async.PickupOptions{})
	require.NoError(t, err)
	require.NoError(t, mgr.Save(ctx, id, async.StepGenerated, async.CheckpointData{
		TargetID:   "ch-1",
		Generation: &async.GenerationData{Text: text, Model: "claude-test", InputTokens: 900, OutputTokens: 700},
	}))
	for _, step := range []async.Step{async.StepStarted, async.StepGenerated} {
		require.NoError(t, mgr.MarkStepCompleted(ctx, id, step))
	}
	n, err := h.store.RequeueOrphaned(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestRecoveryReusesCheckpointedGeneration(t *testing.T) {
	h := newHouse(t, DefaultOptions())
	id := h.enqueue(t, async.JobTypeGenerateChapter)
	crashAfterGeneration(t, h, id, "Recovered draft of the storm.")

	h.process(t)

	t.Log("🔁 The draft survived the crash; nobody pays for it twice")
	assert.Empty(t, h.writer.Calls())
	assert.Equal(t, "Recovered draft of the storm.", h.chapter(t).Content)

	job := h.job(t, id)
	assert.Equal(t, async.JobStatusCompleted, job.Status)
	assert.Nil(t, job.Checkpoint)

	usage, err := h.tokens.GetTargetUsage(context.Background(), "ch-1")
	require.NoError(t, err)
	assert.Empty(t, usage, "reused text is not billed again")
}

// jammedPress fails the first `jams` content writes, like a database
// that stays locked for a while.
type jammedPress struct {
	*chapter.Store
	mu   sync.Mutex
	jams int
}

func (p *jammedPress) UpdateContent(ctx context.Context, id, content string) error {
	p.mu.Lock()
	jammed := p.jams > 0
	if jammed {
		p.jams--
	}
	p.mu.Unlock()
	if jammed {
		return errors.New("database is locked")
	}
	return p.Store.UpdateContent(ctx, id, content)
}

func TestGenerationSurvivesRepeatedApplyFailures(t *testing.T) {
	ctx := context.Background()
	h := newHouseWith(t, DefaultOptions(), func(s *chapter.Store) Chapters {
		return &jammedPress{Store: s, jams: 2}
	})
	h.writer.script(async.JobTypeLineEdit, reply{text: "Tightened storm prose."})
	id := h.enqueue(t, async.JobTypeLineEdit)

	h.process(t)
	job := h.job(t, id)
	require.Equal(t, async.JobStatusPending, job.Status)
	require.NotNil(t, job.Checkpoint)
	require.NotNil(t, job.Checkpoint.Data.Generation)

	h.process(t)
	job = h.job(t, id)
	require.Equal(t, async.JobStatusPending, job.Status)
	assert.Equal(t, 2, job.Attempts)
	require.NotNil(t, job.Checkpoint)
	require.NotNil(t, job.Checkpoint.Data.Generation, "reused text is checkpointed again")
	assert.Equal(t, "Tightened storm prose.", job.Checkpoint.Data.Generation.Text)

	h.process(t)

	t.Log("🔁 The press jammed twice; the line edit was paid for once")
	assert.Len(t, h.writer.Calls(), 1)
	assert.Equal(t, async.JobStatusCompleted, h.job(t, id).Status)
	assert.Equal(t, "Tightened storm prose.", h.chapter(t).Content)

	usage, err := h.tokens.GetTargetUsage(ctx, "ch-1")
	require.NoError(t, err)
	assert.Len(t, usage, 1, "one generation, one usage row")
}

func TestRecoveryRegeneratesWhenReuseDisabled(t *testing.T) {
	h := newHouse(t, Options{ReuseCheckpointedGeneration: false})
	h.writer.script(async.JobTypeGenerateChapter, reply{text: "A fresh draft."})
	id := h.enqueue(t, async.JobTypeGenerateChapter)
	crashAfterGeneration(t, h, id, "Stale draft.")

	h.process(t)

	assert.Equal(t, []async.JobType{async.JobTypeGenerateChapter}, h.writer.Calls())
	assert.Equal(t, "A fresh draft.", h.chapter(t).Content)
}

func TestAppliedStageIsNotAppliedTwice(t *testing.T) {
	ctx := context.Background()
	h := newHouse(t, DefaultOptions())
	id := h.enqueue(t, async.JobTypeSensitivityReview)

	_, err := h.store.PickupNext(ctx, async.PickupOptions{})
	require.NoError(t, err)
	require.NoError(t, h.chapters.AppendFlag(ctx, "ch-1", chapter.Flag{Stage: "sensitivity_review", Severity: chapter.SeverityWarning, Message: "Check the drowning scene."}))

	mgr := h.worker.Checkpoints()
	require.NoError(t, mgr.Save(ctx, id, async.StepApplied, async.CheckpointData{
		TargetID:   "ch-1",
		Generation: &async.GenerationData{Text: `{"approved": false, "notes": "Check the drowning scene."}`},
		Verdict:    &async.VerdictData{Approved: false, Notes: "Check the drowning scene."},
	}))
	require.NoError(t, mgr.MarkStepCompleted(ctx, id, async.StepApplied))
	_, err = h.store.RequeueOrphaned(ctx)
	require.NoError(t, err)

	h.process(t)

	assert.Empty(t, h.writer.Calls())
	assert.Len(t, h.chapter(t).Flags, 1, "flag from the crashed attempt is not duplicated")
	assert.Equal(t, async.JobStatusCompleted, h.job(t, id).Status)
}

func TestRateLimitedStagePausesThenResumes(t *testing.T) {
	h := newHouse(t, DefaultOptions())
	h.writer.script(async.JobTypeCopyEdit,
		reply{err: &anthropic.APIError{StatusCode: http.StatusTooManyRequests, Type: "rate_limit_error", Message: "slow down"}},
		reply{text: "Copy-edited storm."},
	)

	// A session that opened two hours ago in a one-hour window has already reset
	h.sessions.RecordUsage()
	h.clock = h.clock.Add(2 * time.Hour)

	id := h.enqueue(t, async.JobTypeCopyEdit)
	h.process(t)

	t.Log("🚦 The publisher said slow down; the window had already passed")
	job := h.job(t, id)
	assert.Equal(t, async.JobStatusPending, job.Status)
	assert.Zero(t, job.Attempts, "a rate limit is not an attempt")

	h.process(t)
	assert.Equal(t, async.JobStatusCompleted, h.job(t, id).Status)
	assert.Equal(t, "Copy-edited storm.", h.chapter(t).Content)
}

func TestLockedChapterWaits(t *testing.T) {
	ctx := context.Background()
	h := newHouse(t, DefaultOptions())
	require.NoError(t, h.chapters.SetLocked(ctx, "ch-1", true))

	id := h.enqueue(t, async.JobTypeLineEdit)
	h.process(t)
	assert.Equal(t, async.JobStatusPending, h.job(t, id).Status)
	assert.Empty(t, h.writer.Calls())

	require.NoError(t, h.chapters.SetLocked(ctx, "ch-1", false))
	h.process(t)
	assert.Equal(t, async.JobStatusCompleted, h.job(t, id).Status)
}

func TestMissingChapterFailsAfterRetries(t *testing.T) {
	h := newHouse(t, DefaultOptions())
	id, err := h.queue.CreateJob(context.Background(), async.JobTypeHookReview, "ch-404")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		h.process(t)
	}

	job := h.job(t, id)
	assert.Equal(t, async.JobStatusFailed, job.Status)
	assert.Equal(t, 3, job.Attempts)
	assert.Contains(t, job.Error, "chapter ch-404 not found")
}

func TestNewRegistryIsExhaustive(t *testing.T) {
	registry, err := NewRegistry(Deps{
		Chapters:  chapter.NewStore(qtest.CreateTestDB(t)),
		Generator: newGhostwriter(t),
	})
	require.NoError(t, err)
	assert.Empty(t, registry.Missing())
	assert.Len(t, registry.Types(), len(async.AllJobTypes))
}

func TestNewRegistryNeedsCollaborators(t *testing.T) {
	_, err := NewRegistry(Deps{Generator: newGhostwriter(t)})
	assert.ErrorContains(t, err, "chapter store")

	_, err = NewRegistry(Deps{Chapters: chapter.NewStore(qtest.CreateTestDB(t))})
	assert.ErrorContains(t, err, "generator")
}
