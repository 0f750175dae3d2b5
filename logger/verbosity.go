package logger

import "go.uber.org/zap/zapcore"

// Verbosity level constants for CLI flag counts.
const (
	VerbosityUser  = 0 // No flags: use the configured level
	VerbosityInfo  = 1 // -v
	VerbosityDebug = 2 // -vv
)

// VerbosityToLevel maps -v flags onto a zap level, never going quieter than base.
//
//	0 (none) -> base
//	1 (-v)   -> InfoLevel
//	2+ (-vv) -> DebugLevel
func VerbosityToLevel(verbosity int, base zapcore.Level) zapcore.Level {
	var lvl zapcore.Level
	switch {
	case verbosity <= VerbosityUser:
		return base
	case verbosity == VerbosityInfo:
		lvl = zapcore.InfoLevel
	default:
		lvl = zapcore.DebugLevel
	}
	if lvl < base {
		return lvl
	}
	return base
}
