package wizard

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/wolfman30/dr-enrollment/internal/sessions"
)

// Sequence error codes.
const (
	CodeInvalidStepSequence = "INVALID_STEP_SEQUENCE"
	CodeSessionTerminal     = "SESSION_TERMINAL"
	CodeResumeExpired       = "RESUME_EXPIRED"
	CodeResumeInvalid       = "RESUME_INVALID"
	CodeEditNotAllowed      = "EDIT_NOT_ALLOWED"
)

// ErrSessionNotFound is returned when the session id is unknown.
var ErrSessionNotFound = fmt.Errorf("wizard: %w", sessions.ErrNotFound)

// ValidationError carries user-fixable problems keyed by field name.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return "wizard: validation failed: " + strings.Join(names, ", ")
}

// Code is the user-facing error code.
func (e *ValidationError) Code() string { return "VALIDATION_FAILED" }

func fieldError(field, msg string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: msg}}
}

// SequenceError is an illegal step jump or an unusable resume token.
type SequenceError struct {
	Kind    string
	Message string
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("wizard: %s: %s", e.Kind, e.Message)
}

// Code is the user-facing error code.
func (e *SequenceError) Code() string { return e.Kind }

func sequenceErr(kind, format string, args ...any) *SequenceError {
	return &SequenceError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// IdempotencyConflict is returned while another request is performing the
// side effect for the same (session, step). Once that request finishes, a
// retry replays its result.
type IdempotencyConflict struct {
	SessionID string
	Step      int
}

func (e *IdempotencyConflict) Error() string {
	return fmt.Sprintf("wizard: step %d of session %s is already being submitted", e.Step, e.SessionID)
}

// Code is the user-facing error code.
func (e *IdempotencyConflict) Code() string { return "SUBMISSION_IN_PROGRESS" }

// IsSequence reports whether err is a SequenceError with the given code.
func IsSequence(err error, code string) bool {
	var se *SequenceError
	return errors.As(err, &se) && se.Kind == code
}
