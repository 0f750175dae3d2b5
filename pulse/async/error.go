package async

import (
	"context"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/teranos/quire/errors"
)

// ErrorCode represents the classification of an error
type ErrorCode string

const (
	ErrorCodeParseError      ErrorCode = "parse_error"
	ErrorCodeNetworkError    ErrorCode = "network_error"
	ErrorCodeDatabaseError   ErrorCode = "database_error"
	ErrorCodeValidationError ErrorCode = "validation_error"
	ErrorCodeAIError         ErrorCode = "ai_error"
	ErrorCodeTimeout         ErrorCode = "timeout"
	ErrorCodeUnknown         ErrorCode = "unknown"
)

// maxStackFrames bounds the stack trace kept in a job's error column.
const maxStackFrames = 10

// ErrUnknownJobType is a configuration error: no handler is registered for the type.
var ErrUnknownJobType = errors.New("unknown job type")

// QueryError attaches the offending SQL to a database error.
type QueryError struct {
	Query string
	Err   error
}

func (e *QueryError) Error() string { return e.Err.Error() }
func (e *QueryError) Unwrap() error { return e.Err }

func wrapQuery(err error, query, format string, args ...interface{}) error {
	return errors.Wrapf(&QueryError{Query: query, Err: err}, format, args...)
}

// coder is implemented by errors that carry their own code, e.g. upstream API errors.
type coder interface {
	ErrorCode() string
}

// ClassifyError categorizes an error by its message.
func ClassifyError(err error) ErrorCode {
	if err == nil {
		return ErrorCodeUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorCodeTimeout
	}
	if errors.Is(err, ErrInvalidCheckpoint) {
		return ErrorCodeParseError
	}

	errLower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errLower, "parse") || strings.Contains(errLower, "unmarshal") || strings.Contains(errLower, "invalid json"):
		return ErrorCodeParseError
	case strings.Contains(errLower, "deadline exceeded") || strings.Contains(errLower, "timed out"):
		return ErrorCodeTimeout
	case strings.Contains(errLower, "network") || strings.Contains(errLower, "connection"):
		return ErrorCodeNetworkError
	case strings.Contains(errLower, "database") || strings.Contains(errLower, "sql"):
		return ErrorCodeDatabaseError
	case strings.Contains(errLower, "validation") || strings.Contains(errLower, "invalid"):
		return ErrorCodeValidationError
	case strings.Contains(errLower, "model") || strings.Contains(errLower, "completion"):
		return ErrorCodeAIError
	}
	return ErrorCodeUnknown
}

// errorCode picks the most specific code available: one carried by the
// error itself, then the SQLite extended code, then the message classification.
func errorCode(err error) string {
	var c coder
	if errors.As(err, &c) {
		return c.ErrorCode()
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return fmt.Sprintf("sqlite_%d", int(sqliteErr.ExtendedCode))
	}
	if code := ClassifyError(err); code != ErrorCodeUnknown {
		return string(code)
	}
	return ""
}

// FormatError renders err as the single diagnostic string stored on a job:
// code, message, query text, details, then a truncated stack trace.
func FormatError(err error) string {
	if err == nil {
		return ""
	}

	var b strings.Builder
	if code := errorCode(err); code != "" {
		fmt.Fprintf(&b, "[%s] ", code)
	}
	b.WriteString(err.Error())

	var qe *QueryError
	if errors.As(err, &qe) {
		fmt.Fprintf(&b, "\nquery: %s", strings.Join(strings.Fields(qe.Query), " "))
	}

	for _, detail := range errors.GetAllDetails(err) {
		fmt.Fprintf(&b, "\ndetail: %s", detail)
	}

	if st := innermostStack(err); st != nil && len(st.Frames) > 0 {
		// Frames are ordered outermost first; keep the innermost ones
		frames := st.Frames
		truncated := 0
		if len(frames) > maxStackFrames {
			truncated = len(frames) - maxStackFrames
			frames = frames[truncated:]
		}
		b.WriteString("\nstack:")
		for i := len(frames) - 1; i >= 0; i-- {
			f := frames[i]
			fmt.Fprintf(&b, "\n  %s.%s (%s:%d)", f.Module, f.Function, f.Filename, f.Lineno)
		}
		if truncated > 0 {
			fmt.Fprintf(&b, "\n  ... %d more frames", truncated)
		}
	}

	return b.String()
}

// innermostStack returns the stack recorded closest to where err originated.
// Each wrap layer may carry its own; the deepest one is the most useful.
func innermostStack(err error) *errors.ReportableStackTrace {
	var st *errors.ReportableStackTrace
	for e := err; e != nil; e = errors.UnwrapOnce(e) {
		if s := errors.GetReportableStackTrace(e); s != nil {
			st = s
		}
	}
	return st
}
