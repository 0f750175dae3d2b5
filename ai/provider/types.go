// Package provider defines the boundary between pipeline stages and the
// text generation service.
package provider

import "context"

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a message in the conversation
type Message struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// CompletionRequest is one call to the generation service.
// Zero MaxTokens, nil Temperature and empty Model mean the client's defaults.
type CompletionRequest struct {
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature *float64
	Model       string
}

// Completion is the generated text together with what it cost.
type Completion struct {
	Text         string
	Model        string
	StopReason   string
	InputTokens  int
	OutputTokens int
}

// TotalTokens returns input plus output tokens.
func (c *Completion) TotalTokens() int {
	return c.InputTokens + c.OutputTokens
}

// Generator creates completions. *anthropic.Client implements it.
type Generator interface {
	CreateCompletion(ctx context.Context, req CompletionRequest) (*Completion, error)
}

// UserPrompt builds the single-turn conversation most stages send.
func UserPrompt(text string) []Message {
	return []Message{{Role: RoleUser, Content: text}}
}

// Temperature returns a pointer for CompletionRequest.Temperature.
func Temperature(t float64) *float64 {
	return &t
}
