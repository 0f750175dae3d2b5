package pipeline

import (
	"encoding/json"
	"strings"

	"github.com/teranos/quire/errors"
	"github.com/teranos/quire/pulse/async"
)

// ErrNoVerdict means a review answer held no usable JSON verdict.
var ErrNoVerdict = errors.New("no verdict in review")

type rawVerdict struct {
	Approved *bool  `json:"approved"`
	Notes    string `json:"notes"`
}

// ParseVerdict reads {"approved": bool, "notes": string} from a review
// answer. The object may be wrapped in prose or a code fence.
func ParseVerdict(text string) (*async.VerdictData, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return nil, errors.Wrap(ErrNoVerdict, "no JSON object found")
	}

	var raw rawVerdict
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return nil, errors.Wrap(errors.WithSecondaryError(ErrNoVerdict, err), "failed to parse verdict")
	}
	if raw.Approved == nil {
		return nil, errors.Wrap(ErrNoVerdict, "verdict has no approved field")
	}
	return &async.VerdictData{
		Approved: *raw.Approved,
		Notes:    strings.TrimSpace(raw.Notes),
	}, nil
}
