// Package sym defines the glyphs quire prints in logs and CLI output.
// They are stable across log lines, command help and documentation.
package sym

// Command glyphs, one per top-level CLI segment.
const (
	AM      = "≡" // am: configuration and settings
	Job     = "⋈" // job: queue inspection and enqueueing
	Chapter = "▣" // chapter: target records the pipeline writes into
)

// System infrastructure symbols.
const (
	Pulse      = "꩜" // worker loop, rate limiting
	PulseOpen  = "✿" // startup with orphaned job recovery
	PulseClose = "❀" // shutdown waiting on the in-flight job
	DB         = "⊔" // database/storage layer
	Pause      = "⏸" // rate-limit pause
)

// entry binds a glyph to its command and description.
type entry struct {
	glyph       string
	command     string
	description string
}

var registry = []entry{
	{AM, "am", "Configuration and settings"},
	{Job, "job", "Pipeline jobs"},
	{Chapter, "chapter", "Chapter records"},
	{Pulse, "pulse", "Worker daemon and rate limiting"},
	{DB, "db", "Database and migrations"},
}

// SymbolToCommand maps glyph strings to their text command equivalents.
var SymbolToCommand = map[string]string{}

// CommandToSymbol maps text commands to their canonical glyph strings.
var CommandToSymbol = map[string]string{}

// CommandDescriptions provides short explanations used in command help.
var CommandDescriptions = map[string]string{}

func init() {
	for _, e := range registry {
		SymbolToCommand[e.glyph] = e.command
		CommandToSymbol[e.command] = e.glyph
		CommandDescriptions[e.command] = e.description
	}
}

// Short returns "<glyph> <text>", the prefix style used by command Short fields.
func Short(command, text string) string {
	if g, ok := CommandToSymbol[command]; ok {
		return g + " " + text
	}
	return text
}
