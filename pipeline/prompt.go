package pipeline

import (
	"embed"
	"fmt"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/teranos/quire/chapter"
	"github.com/teranos/quire/errors"
	"github.com/teranos/quire/pulse/async"
)

//go:embed prompts/*.md
var promptFS embed.FS

// Output formats a prompt can ask for
const (
	FormatText    = "text"
	FormatVerdict = "verdict"
)

// PromptMetadata holds configuration from YAML frontmatter
type PromptMetadata struct {
	// Name is the job type the prompt serves
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Version     string `yaml:"version"`

	// Format is "text" (default) or "verdict" for a JSON approval
	Format string `yaml:"format,omitempty"`

	System      string   `yaml:"system"`
	Temperature *float64 `yaml:"temperature,omitempty"`
	MaxTokens   *int     `yaml:"max_tokens,omitempty"`
}

// Prompt is a parsed prompt document: frontmatter plus a body template.
type Prompt struct {
	Metadata PromptMetadata
	body     *template.Template
}

// PromptData is what a prompt body can reference.
type PromptData struct {
	Title   string
	Outline string
	Content string
	Summary string
	States  string
	Flags   string
}

// NewPromptData collects the template fields from a chapter.
func NewPromptData(ch *chapter.Chapter) PromptData {
	var flags strings.Builder
	for _, f := range ch.Flags {
		fmt.Fprintf(&flags, "- [%s/%s] %s\n", f.Stage, f.Severity, f.Message)
	}
	return PromptData{
		Title:   ch.Title,
		Outline: ch.Outline,
		Content: ch.Content,
		Summary: ch.Summary,
		States:  ch.States,
		Flags:   strings.TrimSpace(flags.String()),
	}
}

// ParsePrompt extracts YAML frontmatter and body from a prompt document
// Expected format:
//
//	---
//	name: dev_edit
//	format: verdict
//	system: |
//	  You are a developmental editor...
//	---
//	Body with {{.Content}} placeholders
func ParsePrompt(content string) (*Prompt, error) {
	parts := strings.SplitN(content, "---", 3)
	if len(parts) < 3 || strings.TrimSpace(parts[0]) != "" {
		return nil, errors.New("prompt document has no frontmatter")
	}

	var metadata PromptMetadata
	if err := yaml.Unmarshal([]byte(strings.TrimSpace(parts[1])), &metadata); err != nil {
		return nil, errors.Wrap(err, "failed to parse frontmatter YAML")
	}
	if err := validateMetadata(&metadata); err != nil {
		return nil, errors.Wrapf(err, "invalid frontmatter in prompt %q", metadata.Name)
	}

	body, err := template.New(metadata.Name).Option("missingkey=error").Parse(strings.TrimSpace(parts[2]))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse template of prompt %q", metadata.Name)
	}

	return &Prompt{Metadata: metadata, body: body}, nil
}

func validateMetadata(m *PromptMetadata) error {
	if m.Name == "" {
		return errors.New("name is required")
	}
	if strings.TrimSpace(m.System) == "" {
		return errors.New("system prompt is required")
	}
	switch m.Format {
	case "":
		m.Format = FormatText
	case FormatText, FormatVerdict:
	default:
		return errors.Newf("unknown format %q", m.Format)
	}
	if m.Temperature != nil && (*m.Temperature < 0.0 || *m.Temperature > 1.0) {
		return errors.Newf("temperature must be between 0.0 and 1.0, got %f", *m.Temperature)
	}
	if m.MaxTokens != nil && *m.MaxTokens < 1 {
		return errors.Newf("max_tokens must be positive, got %d", *m.MaxTokens)
	}
	return nil
}

// Render executes the body template.
func (p *Prompt) Render(data PromptData) (string, error) {
	var b strings.Builder
	if err := p.body.Execute(&b, data); err != nil {
		return "", errors.Wrapf(err, "failed to render prompt %q", p.Metadata.Name)
	}
	return b.String(), nil
}

// GetMaxTokens returns the max tokens specified in metadata, or fallback if not set
func (p *Prompt) GetMaxTokens(fallback int) int {
	if p.Metadata.MaxTokens != nil {
		return *p.Metadata.MaxTokens
	}
	return fallback
}

// LoadPrompts parses the embedded prompt for every job type.
func LoadPrompts() (map[async.JobType]*Prompt, error) {
	prompts := make(map[async.JobType]*Prompt, len(async.AllJobTypes))
	for _, t := range async.AllJobTypes {
		raw, err := promptFS.ReadFile("prompts/" + string(t) + ".md")
		if err != nil {
			return nil, errors.Wrapf(err, "no prompt for job type %s", t)
		}
		p, err := ParsePrompt(string(raw))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load prompt for %s", t)
		}
		if p.Metadata.Name != string(t) {
			return nil, errors.Newf("prompt file %s.md is named %q", t, p.Metadata.Name)
		}
		prompts[t] = p
	}
	return prompts, nil
}
