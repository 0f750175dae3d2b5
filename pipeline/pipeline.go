// Package pipeline implements the stage handlers of the chapter pipeline.
//
// Every job type has one handler. A handler reads the chapter, asks the
// generator for text or a verdict, applies the result to the chapter and
// returns the jobs that should follow it. The worker owns enqueueing: the
// chain lives in each stage's follow-up function, not in hidden writes.
package pipeline

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/quire/ai/provider"
	"github.com/teranos/quire/ai/tracker"
	"github.com/teranos/quire/chapter"
	"github.com/teranos/quire/errors"
	"github.com/teranos/quire/pulse/async"
)

// DefaultMaxTokens applies to prompts that set no max_tokens.
const DefaultMaxTokens = 4096

// Chapters is the chapter store the stages read and write. *chapter.Store implements it.
type Chapters interface {
	Get(ctx context.Context, id string) (*chapter.Chapter, error)
	UpdateContent(ctx context.Context, id, content string) error
	UpdateStatus(ctx context.Context, id string, status chapter.Status) error
	AppendFlag(ctx context.Context, id string, flag chapter.Flag) error
	UpdateSummary(ctx context.Context, id, summary string) error
	UpdateStates(ctx context.Context, id, states string) error
}

// TokenSink receives the token usage of every generation. *tracker.UsageTracker implements it.
type TokenSink interface {
	TrackTokens(ctx context.Context, usage tracker.TokenUsage) error
}

// Options tune stage behavior.
type Options struct {
	// ReuseCheckpointedGeneration lets a recovered stage apply the text its
	// checkpoint already holds instead of generating (and paying) again.
	ReuseCheckpointedGeneration bool
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{ReuseCheckpointedGeneration: true}
}

// Deps are the collaborators every stage shares.
type Deps struct {
	Chapters  Chapters
	Generator provider.Generator
	Tokens    TokenSink // optional
	Options   Options
	Logger    *zap.SugaredLogger
}

func (d *Deps) validate() error {
	if d.Chapters == nil {
		return errors.New("pipeline needs a chapter store")
	}
	if d.Generator == nil {
		return errors.New("pipeline needs a generator")
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop().Sugar()
	}
	return nil
}

// Register adds a handler for every job type to registry.
func Register(registry *async.HandlerRegistry, deps Deps) error {
	if err := deps.validate(); err != nil {
		return err
	}
	prompts, err := LoadPrompts()
	if err != nil {
		return err
	}
	for _, spec := range stages() {
		registry.Register(&stageHandler{
			spec:   spec,
			prompt: prompts[spec.jobType],
			deps:   deps,
		})
	}
	return nil
}

// NewRegistry builds a registry with every stage registered and fails if
// any job type is left without a handler.
func NewRegistry(deps Deps) (*async.HandlerRegistry, error) {
	registry := async.NewHandlerRegistry()
	if err := Register(registry, deps); err != nil {
		return nil, err
	}
	if missing := registry.Missing(); len(missing) > 0 {
		names := make([]string, len(missing))
		for i, t := range missing {
			names[i] = string(t)
		}
		return nil, errors.Newf("no handler for job types: %s", strings.Join(names, ", "))
	}
	return registry, nil
}
