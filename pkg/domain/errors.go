package domain

import (
	"fmt"
	"strings"
)

// FieldError reports a single invalid or missing device field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError aggregates every field error found in one validation pass
// so callers receive a complete report rather than the first failure.
type ValidationError struct {
	Errors []FieldError
}

func (e ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "validation failed"
	}
	msgs := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		msgs = append(msgs, fe.Error())
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

// NotFoundError reports an unknown project, device, snapshot, or account id.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// PermissionError reports that the actor lacks the owner/editor/approver/
// admin right required for the requested operation.
type PermissionError struct {
	Actor  string
	Reason string
}

func (e PermissionError) Error() string {
	return fmt.Sprintf("permission denied for %q: %s", e.Actor, e.Reason)
}

// StateConflictError reports an operation that is not legal in the current
// project status, or a write whose timestamp is older than the latest
// recorded change anywhere in the store ("clock skew").
type StateConflictError struct {
	Reason string
}

func (e StateConflictError) Error() string {
	return e.Reason
}

// InvariantViolation signals a programming bug rather than a user error,
// e.g. the master project missing mid-merge. It is surfaced distinctly from
// the recoverable error types above.
type InvariantViolation struct {
	Message string
}

func (e InvariantViolation) Error() string {
	return "invariant violation: " + e.Message
}
