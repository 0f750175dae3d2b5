// Package errors is quire's error toolkit.
//
// It re-exports github.com/cockroachdb/errors so every package gets stack
// traces, wrapping and attached details from one import:
//
//	if err := store.MarkPaused(ctx, id); err != nil {
//	    return errors.Wrapf(err, "failed to pause job %s", id)
//	}
//
//	// Details survive wrapping and end up in the stored job diagnostic
//	return errors.WithDetail(err, "target: ch-1")
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// Hints and details
var (
	WithHint           = crdb.WithHint
	WithHintf          = crdb.WithHintf
	WithDetail         = crdb.WithDetail
	WithDetailf        = crdb.WithDetailf
	WithSecondaryError = crdb.WithSecondaryError
)

// Inspection
var (
	Is                      = crdb.Is
	IsAny                   = crdb.IsAny
	As                      = crdb.As
	Unwrap                  = crdb.Unwrap
	UnwrapOnce              = crdb.UnwrapOnce
	UnwrapAll               = crdb.UnwrapAll
	GetAllHints             = crdb.GetAllHints
	GetAllDetails           = crdb.GetAllDetails
	FlattenDetails          = crdb.FlattenDetails
	GetReportableStackTrace = crdb.GetReportableStackTrace
)

// ReportableStackTrace is a stack trace in sentry's frame format, oldest frame first.
type ReportableStackTrace = crdb.ReportableStackTrace

// Sentinel errors shared across packages. Wrap them to add context,
// check them with errors.Is.
var (
	// ErrNotFound indicates the requested record does not exist
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates malformed input (unknown job type, empty target)
	ErrInvalidRequest = New("invalid request")

	// ErrTimeout indicates an operation gave up waiting
	ErrTimeout = New("operation timed out")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsInvalidRequestError checks if an error is or wraps ErrInvalidRequest
func IsInvalidRequestError(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrapf(ErrNotFound, format, args...)
}

// NewInvalidRequestError creates an invalid-request error with a formatted message
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Wrapf(ErrInvalidRequest, format, args...)
}
