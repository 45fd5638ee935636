// Package errs defines the structured error taxonomy shared across the
// control plane. Every error carries a dotted error code (for example
// "Sandbox.NotFound") plus a human-readable description, and maps to a
// deterministic HTTP status so handlers never guess.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for status mapping and retry decisions.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindStateConflict
	KindResourceExhausted
	KindBackend
	KindStorage
	KindExecutor
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindStateConflict:
		return "state_conflict"
	case KindResourceExhausted:
		return "resource_exhausted"
	case KindBackend:
		return "backend"
	case KindStorage:
		return "storage"
	case KindExecutor:
		return "executor"
	default:
		return "internal"
	}
}

// Error is the structured error carried from services up to handlers.
type Error struct {
	Kind        Kind
	Code        string // dotted namespace, e.g. "Session.InvalidState"
	Description string
	Detail      string
	Solution    string

	status int // optional HTTP status override
	err    error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Description, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func (e *Error) Unwrap() error {
	return e.err
}

// WithDetail attaches machine-oriented detail (validated field, container id).
func (e *Error) WithDetail(format string, args ...interface{}) *Error {
	e.Detail = fmt.Sprintf(format, args...)
	return e
}

// WithSolution attaches a remediation hint surfaced to API clients.
func (e *Error) WithSolution(solution string) *Error {
	e.Solution = solution
	return e
}

// WithCause wraps an underlying error for errors.Is/As chains.
func (e *Error) WithCause(err error) *Error {
	e.err = err
	return e
}

// New creates an error of the given kind.
func New(kind Kind, code, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Code: code, Description: fmt.Sprintf(format, args...)}
}

// Validation reports a request body or parameter that fails domain rules.
// Renders as 422.
func Validation(code, format string, args ...interface{}) *Error {
	return New(KindValidation, code, format, args...)
}

// BadRequest reports a malformed identifier or unparseable request.
// Same kind as Validation but renders as 400.
func BadRequest(code, format string, args ...interface{}) *Error {
	e := New(KindValidation, code, format, args...)
	e.status = http.StatusBadRequest
	return e
}

// NotFound reports a missing session, execution, template, or file.
func NotFound(code, format string, args ...interface{}) *Error {
	return New(KindNotFound, code, format, args...)
}

// StateConflict reports an operation illegal in the entity's current state.
func StateConflict(code, format string, args ...interface{}) *Error {
	return New(KindStateConflict, code, format, args...)
}

// ResourceExhausted reports that no runtime capacity is available.
func ResourceExhausted(code, format string, args ...interface{}) *Error {
	return New(KindResourceExhausted, code, format, args...)
}

// Backend reports a container backend failure (Docker or Kubernetes).
func Backend(code, format string, args ...interface{}) *Error {
	return New(KindBackend, code, format, args...)
}

// Storage reports an object store failure.
func Storage(code, format string, args ...interface{}) *Error {
	return New(KindStorage, code, format, args...)
}

// Executor reports a failure talking to an in-container executor agent.
func Executor(code, format string, args ...interface{}) *Error {
	return New(KindExecutor, code, format, args...)
}

// Internal reports an unexpected control plane failure.
func Internal(code, format string, args ...interface{}) *Error {
	return New(KindInternal, code, format, args...)
}

// KindOf returns the kind of err, or KindInternal for untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the dotted error code of err, or "Internal.Error".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "Internal.Error"
}

// HTTPStatus maps an error to its response status code.
func HTTPStatus(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	if e.status != 0 {
		return e.status
	}
	switch e.Kind {
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindNotFound:
		return http.StatusNotFound
	case KindStateConflict:
		return http.StatusConflict
	case KindResourceExhausted:
		return http.StatusServiceUnavailable
	case KindBackend, KindStorage, KindExecutor:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
