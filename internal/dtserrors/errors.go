// Package dtserrors defines the closed set of domain error kinds the
// repository and API layers agree on. Scheduler and worker code paths
// never need these — they log and continue (see internal/engine).
package dtserrors

import (
	"database/sql"
	"errors"
	"fmt"
)

// Kind is a closed sum of the error categories the API maps to HTTP
// status codes.
type Kind string

const (
	KindValidation        Kind = "VALIDATION_ERROR"
	KindNotFound          Kind = "NOT_FOUND"
	KindConflict          Kind = "CONFLICT"
	KindDependencyMissing Kind = "DEPENDENCY_ERROR"
	KindCycleDetected     Kind = "CYCLE_DETECTED"
	KindOther             Kind = "DTS_ERROR"
)

// Error is the single error type every domain-facing operation returns.
// It carries a machine-readable Kind plus a structured Details map so
// clients can act programmatically (spec.md §7).
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	return e.Message
}

// New constructs a domain error of the given kind.
func New(kind Kind, message string, details map[string]any) *Error {
	return &Error{Kind: kind, Message: message, Details: details}
}

func Validation(message string, details map[string]any) *Error {
	return New(KindValidation, message, details)
}

func NotFound(message string, details map[string]any) *Error {
	return New(KindNotFound, message, details)
}

func Conflict(message string, details map[string]any) *Error {
	return New(KindConflict, message, details)
}

func DependencyMissing(message string, details map[string]any) *Error {
	return New(KindDependencyMissing, message, details)
}

func CycleDetected(message string, details map[string]any) *Error {
	return New(KindCycleDetected, message, details)
}

// As reports whether err is (or wraps) a *Error, returning it.
func As(err error) (*Error, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// WrapDBError wraps a raw database error with operation context,
// converting sql.ErrNoRows into a domain NotFound. Every Repository
// write/read path that touches *sql.DB or *sql.Conn directly funnels
// its error through here rather than returning driver errors to callers.
func WrapDBError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return NotFound(fmt.Sprintf("%s: not found", op), nil)
	}
	return New(KindOther, fmt.Sprintf("%s: %v", op, err), nil)
}
