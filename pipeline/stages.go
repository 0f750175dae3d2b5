package pipeline

import (
	"github.com/teranos/quire/chapter"
	"github.com/teranos/quire/pulse/async"
)

// stageSpec is what differs between stages. The run shape is shared.
type stageSpec struct {
	jobType async.JobType

	// startStatus is set on the chapter before generating, if not empty
	startStatus chapter.Status

	// revertTo is set on the chapter when the stage fails, if not empty
	revertTo chapter.Status

	apply applyFunc
	next  func(out *output) []async.FollowUp
}

// output is a generation as the stage sees it.
type output struct {
	Text    string
	Verdict *async.VerdictData
}

func then(types ...async.JobType) func(*output) []async.FollowUp {
	return func(*output) []async.FollowUp {
		followUps := make([]async.FollowUp, len(types))
		for i, t := range types {
			followUps[i] = async.FollowUp{Type: t}
		}
		return followUps
	}
}

func none(*output) []async.FollowUp { return nil }

// afterProofread fans out into the specialist reviews. The summary is
// enqueued last so FIFO pickup runs it after every review.
func afterProofread() func(*output) []async.FollowUp {
	types := append(append([]async.JobType{}, async.SpecialistReviews...), async.JobTypeGenerateSummary)
	return then(types...)
}

func afterDevEdit(out *output) []async.FollowUp {
	if out.Verdict != nil && out.Verdict.Approved {
		return then(async.JobTypeLineEdit)(out)
	}
	return then(async.JobTypeAuthorRevision)(out)
}

func stages() []stageSpec {
	specs := []stageSpec{
		{
			jobType:     async.JobTypeGenerateChapter,
			startStatus: chapter.StatusWriting,
			revertTo:    chapter.StatusPending,
			apply:       replaceContent(chapter.StatusEditing),
			next:        then(async.JobTypeDevEdit),
		},
		{
			jobType: async.JobTypeDevEdit,
			apply:   flagVerdict(chapter.SeverityBlocker),
			next:    afterDevEdit,
		},
		{
			jobType: async.JobTypeAuthorRevision,
			apply:   replaceContent(""),
			next:    then(async.JobTypeLineEdit),
		},
		{
			jobType: async.JobTypeLineEdit,
			apply:   replaceContent(""),
			next:    then(async.JobTypeContinuityCheck),
		},
		{
			jobType: async.JobTypeContinuityCheck,
			apply:   flagVerdict(chapter.SeverityWarning),
			next:    then(async.JobTypeCopyEdit),
		},
		{
			jobType: async.JobTypeCopyEdit,
			apply:   replaceContent(""),
			next:    then(async.JobTypeProofread),
		},
		{
			jobType: async.JobTypeProofread,
			apply:   replaceContent(chapter.StatusReviewing),
			next:    afterProofread(),
		},
	}
	for _, review := range async.SpecialistReviews {
		specs = append(specs, stageSpec{
			jobType: review,
			apply:   flagVerdict(chapter.SeverityWarning),
			next:    none,
		})
	}
	return append(specs,
		stageSpec{
			jobType: async.JobTypeGenerateSummary,
			apply:   storeSummary,
			next:    then(async.JobTypeUpdateStates),
		},
		stageSpec{
			jobType: async.JobTypeUpdateStates,
			apply:   storeStatesAndComplete,
			next:    none,
		},
	)
}
