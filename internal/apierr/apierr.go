// Package apierr implements the error taxonomy external operations return:
// invalid_input, not_found, quota_exceeded, conflict, terminal, internal,
// deadline_exceeded. Agents and internal components never panic outward;
// a recovered panic becomes a FailureSignal instead (see internal/orchestrator's RunStageActivity).
package apierr

import "fmt"

// Code is one of the taxonomy's error kinds.
type Code string

const (
	InvalidInput    Code = "invalid_input"
	NotFound        Code = "not_found"
	QuotaExceeded   Code = "quota_exceeded"
	Conflict        Code = "conflict"
	Terminal        Code = "terminal"
	Internal        Code = "internal"
	DeadlineExceeded Code = "deadline_exceeded"
)

// Error is a typed error carrying a Code plus structured fields. It never
// carries internal details in Message when Code is Internal — only a
// correlation ID, per spec §7.
type Error struct {
	Code    Code
	Message string
	Fields  map[string]any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newErr(code Code, msg string, fields map[string]any) *Error {
	return &Error{Code: code, Message: msg, Fields: fields}
}

func InvalidInputf(format string, args ...any) *Error {
	return newErr(InvalidInput, fmt.Sprintf(format, args...), nil)
}

// NotFoundf never distinguishes "absent" from "forbidden" — tenant
// mismatches must use this, not a forbidden kind, to avoid existence leaks.
func NotFoundf(format string, args ...any) *Error {
	return newErr(NotFound, fmt.Sprintf(format, args...), nil)
}

// QuotaExceededf records the dimension and current/limit counters, part of
// the external contract (spec §6).
func QuotaExceededf(dimension string, current, limit any, extra ...map[string]any) *Error {
	fields := map[string]any{"dimension": dimension, "current": current, "limit": limit}
	for _, m := range extra {
		for k, v := range m {
			fields[k] = v
		}
	}
	return newErr(QuotaExceeded, fmt.Sprintf("%s quota exceeded: %v/%v", dimension, current, limit), fields)
}

func Conflictf(format string, args ...any) *Error {
	return newErr(Conflict, fmt.Sprintf(format, args...), nil)
}

func Terminalf(format string, args ...any) *Error {
	return newErr(Terminal, fmt.Sprintf(format, args...), nil)
}

// Internalf carries a correlation ID but never the underlying error text
// verbatim in Message; callers should log the wrapped cause separately.
func Internalf(correlationID string) *Error {
	return newErr(Internal, "internal error, correlation_id="+correlationID, map[string]any{"correlation_id": correlationID})
}

func DeadlineExceededf(format string, args ...any) *Error {
	return newErr(DeadlineExceeded, fmt.Sprintf(format, args...), nil)
}

// Is reports whether err is an *Error with the given code, used by callers
// that need to branch on error kind without importing this package's
// concrete type everywhere.
func Is(err error, code Code) bool {
	e, ok := err.(*Error)
	return ok && e.Code == code
}
