package async

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/quire/errors"
)

// ============================================================================
// Bookmark Test Universe
// ============================================================================
//
// Characters:
//   - The Copyist: leaves a bookmark in the manuscript at every step
//   - The Night Shift: picks up a half-finished order after a crash
//
// Theme: a checkpoint is the bookmark. It says how far the work got and
// which steps never need doing again.
// ============================================================================

func newTestCheckpoints(t *testing.T) (*CheckpointManager, *Store, *Job) {
	t.Helper()
	store := newTestStore(t)
	job := mustCreate(t, store, JobTypeGenerateChapter, "ch-1")
	return NewCheckpointManager(store, zaptest.NewLogger(t).Sugar()), store, job
}

func TestCheckpointRoundTrip(t *testing.T) {
	t.Log("🔖 Copyist bookmarks the generated draft; the bookmark reads back identically")
	ctx := context.Background()
	mgr, _, job := newTestCheckpoints(t)

	data := CheckpointData{
		TargetID: "ch-1",
		Generation: &GenerationData{
			Text:         "Chapter One. The lighthouse keeper counted ships.",
			Model:        "claude-sonnet-4-20250514",
			InputTokens:  1200,
			OutputTokens: 3400,
		},
	}
	require.NoError(t, mgr.Save(ctx, job.ID, StepGenerated, data))

	cp, err := mgr.Get(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, CheckpointVersion, cp.Version)
	assert.Equal(t, job.ID, cp.JobID)
	assert.Equal(t, StepGenerated, cp.Step)
	assert.Equal(t, data, cp.Data)
	assert.Empty(t, cp.CompletedSteps)
	assert.False(t, cp.Timestamp.IsZero())
}

func TestCheckpointWireFormat(t *testing.T) {
	cp := &Checkpoint{
		Version:        CheckpointVersion,
		JobID:          "job-1",
		Step:           StepStarted,
		Data:           CheckpointData{TargetID: "ch-1"},
		CompletedSteps: []Step{StepStarted},
		Timestamp:      time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC),
	}

	encoded, err := MarshalCheckpoint(cp)
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(encoded), &raw))
	for _, key := range []string{"version", "jobId", "step", "data", "completedSteps", "timestamp"} {
		assert.Contains(t, raw, key)
	}
	assert.Equal(t, "ch-1", raw["data"].(map[string]interface{})["targetId"])

	decoded, err := UnmarshalCheckpoint(encoded)
	require.NoError(t, err)
	assert.Equal(t, cp, decoded)
}

func TestCheckpointValidation(t *testing.T) {
	valid := func() *Checkpoint {
		return &Checkpoint{Version: CheckpointVersion, JobID: "j", Step: StepGenerating}
	}

	tests := []struct {
		name   string
		mutate func(*Checkpoint)
	}{
		{"future version", func(c *Checkpoint) { c.Version = 2 }},
		{"missing job id", func(c *Checkpoint) { c.JobID = "" }},
		{"unknown step", func(c *Checkpoint) { c.Step = "daydreaming" }},
		{"unknown completed step", func(c *Checkpoint) { c.CompletedSteps = []Step{"napping"} }},
		{"started without target", func(c *Checkpoint) { c.Step = StepStarted }},
		{"generated without text", func(c *Checkpoint) { c.Step = StepGenerated }},
	}

	require.NoError(t, valid().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cp := valid()
			tt.mutate(cp)
			err := cp.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidCheckpoint))
		})
	}
}

func TestUnmarshalCheckpoint_Garbage(t *testing.T) {
	_, err := UnmarshalCheckpoint("{not json")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidCheckpoint))
}

func TestMarkStepCompleted(t *testing.T) {
	t.Log("✔️  Copyist ticks off steps; ticking one twice changes nothing")
	ctx := context.Background()
	mgr, _, job := newTestCheckpoints(t)

	require.NoError(t, mgr.Save(ctx, job.ID, StepStarted, CheckpointData{TargetID: "ch-1"}))
	require.NoError(t, mgr.MarkStepCompleted(ctx, job.ID, StepStarted))
	require.NoError(t, mgr.MarkStepCompleted(ctx, job.ID, StepStarted))

	cp, err := mgr.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, []Step{StepStarted}, cp.CompletedSteps)

	done, err := mgr.IsStepCompleted(ctx, job.ID, StepStarted)
	require.NoError(t, err)
	assert.True(t, done)
	done, err = mgr.IsStepCompleted(ctx, job.ID, StepGenerated)
	require.NoError(t, err)
	assert.False(t, done)
}

func TestSave_KeepsCompletedSteps(t *testing.T) {
	ctx := context.Background()
	mgr, _, job := newTestCheckpoints(t)

	require.NoError(t, mgr.Save(ctx, job.ID, StepStarted, CheckpointData{TargetID: "ch-1"}))
	require.NoError(t, mgr.MarkStepCompleted(ctx, job.ID, StepStarted))
	require.NoError(t, mgr.Save(ctx, job.ID, StepGenerating, CheckpointData{TargetID: "ch-1"}))

	cp, err := mgr.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StepGenerating, cp.Step)
	assert.Equal(t, []Step{StepStarted}, cp.CompletedSteps, "moving forward keeps the ticked steps")
}

func TestMarkStepCompleted_Rejects(t *testing.T) {
	ctx := context.Background()
	mgr, _, job := newTestCheckpoints(t)

	err := mgr.MarkStepCompleted(ctx, job.ID, StepStarted)
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err), "no bookmark to tick yet")

	require.NoError(t, mgr.Save(ctx, job.ID, StepStarted, CheckpointData{TargetID: "ch-1"}))
	err = mgr.MarkStepCompleted(ctx, job.ID, Step("lunch"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidCheckpoint))
}

func TestSave_OverwritesUnreadableCheckpoint(t *testing.T) {
	ctx := context.Background()
	mgr, store, job := newTestCheckpoints(t)

	_, err := store.db.ExecContext(ctx, `UPDATE pipeline_jobs SET checkpoint = '{"oops"' WHERE id = ?`, job.ID)
	require.NoError(t, err)

	require.NoError(t, mgr.Save(ctx, job.ID, StepStarted, CheckpointData{TargetID: "ch-1"}))
	cp, err := mgr.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StepStarted, cp.Step)
}

func TestClearCheckpoint(t *testing.T) {
	ctx := context.Background()
	mgr, _, job := newTestCheckpoints(t)

	require.NoError(t, mgr.Save(ctx, job.ID, StepStarted, CheckpointData{TargetID: "ch-1"}))
	require.NoError(t, mgr.Clear(ctx, job.ID))

	cp, err := mgr.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Nil(t, cp)

	assert.Error(t, mgr.Clear(ctx, "ghost"))
}

func TestNightShiftRestoresFromBookmark(t *testing.T) {
	t.Log("🌙 Night Shift finds the bookmark and learns generation already happened")
	ctx := context.Background()
	mgr, store, job := newTestCheckpoints(t)

	require.NoError(t, mgr.Save(ctx, job.ID, StepGenerated, CheckpointData{
		TargetID:   "ch-1",
		Generation: &GenerationData{Text: "draft"},
	}))
	require.NoError(t, mgr.MarkStepCompleted(ctx, job.ID, StepStarted))
	require.NoError(t, mgr.MarkStepCompleted(ctx, job.ID, StepGenerated))

	reloaded, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)

	rec := mgr.RestoreForRecovery(reloaded)
	require.NotNil(t, rec)
	assert.Equal(t, StepGenerated, rec.ResumeStep)
	assert.Equal(t, "draft", rec.Data.Generation.Text)
	assert.True(t, rec.Completed(StepGenerated))
	assert.False(t, rec.Completed(StepApplied))

	fresh := mustCreate(t, store, JobTypeDevEdit, "ch-1")
	assert.Nil(t, mgr.RestoreForRecovery(fresh), "a fresh job has nothing to resume")

	var none *Recovery
	assert.False(t, none.Completed(StepStarted))
}
