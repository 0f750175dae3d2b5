// Package chapter stores the chapters the pipeline writes and edits.
//
// A chapter moves pending → writing → editing → reviewing → complete as the
// pipeline's stages run against it. Stages attach flags for anything an
// author should look at; flags never block the pipeline.
package chapter

import (
	"time"

	"github.com/teranos/quire/errors"
)

// Status is where a chapter is in the pipeline.
type Status string

const (
	StatusPending   Status = "pending"
	StatusWriting   Status = "writing"
	StatusEditing   Status = "editing"
	StatusReviewing Status = "reviewing"
	StatusComplete  Status = "complete"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusWriting, StatusEditing, StatusReviewing, StatusComplete:
		return true
	}
	return false
}

// ParseStatus validates a status string.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", errors.NewInvalidRequestError("unknown chapter status %q", s)
	}
	return st, nil
}

// Flag severities
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityBlocker = "blocker"
)

// Flag is a note a stage leaves on a chapter for the author.
type Flag struct {
	Stage     string    `json:"stage"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Chapter is one chapter record.
type Chapter struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Outline   string    `json:"outline"`
	Content   string    `json:"content"`
	Summary   string    `json:"summary"`
	States    string    `json:"states"` // continuity state carried into the next chapter
	Status    Status    `json:"status"`
	Flags     []Flag    `json:"flags"`
	Locked    bool      `json:"locked"`
	WordCount int       `json:"word_count"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
