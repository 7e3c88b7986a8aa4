// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"errors"
	"fmt"
)

const (
	// ErrKindValidation covers bad inputs from external adapters. These are
	// surfaced synchronously and never recorded as failure events.
	ErrKindValidation = "validation"

	// ErrKindNotFound is returned when a referenced entity does not exist.
	ErrKindNotFound = "not_found"

	// ErrKindDuplicate is returned when registering an entity whose ID is
	// already taken.
	ErrKindDuplicate = "duplicate"

	// ErrKindIllegalTransition is returned when a job status transition is
	// not permitted by the lifecycle table.
	ErrKindIllegalTransition = "illegal_transition"

	// ErrKindInvariant marks registry-detected inconsistency. Fatal to the
	// current operation; the cycle aborts cleanly leaving state untouched.
	ErrKindInvariant = "invariant_violation"

	// ErrKindBackend covers persistence and audit sink I/O failures.
	ErrKindBackend = "backend"

	// ErrKindAgent covers node agent command failures.
	ErrKindAgent = "agent"

	// ErrKindCancelled marks cooperative cancellation. Always recoverable.
	ErrKindCancelled = "cancelled"
)

// StewardError is the structured error returned across component and CLI
// boundaries. Kind drives the propagation policy and the CLI exit code.
type StewardError struct {
	Kind      string
	Message   string
	Retriable bool
}

func (e *StewardError) Error() string {
	return e.Message
}

// NewValidationError returns a non-retriable validation error.
func NewValidationError(format string, args ...any) *StewardError {
	return &StewardError{
		Kind:    ErrKindValidation,
		Message: fmt.Sprintf(format, args...),
	}
}

// NewNotFoundError returns an error for a missing entity reference.
func NewNotFoundError(entity, id string) *StewardError {
	return &StewardError{
		Kind:    ErrKindNotFound,
		Message: fmt.Sprintf("%s %q not found", entity, id),
	}
}

// NewDuplicateIDError returns an error for a conflicting entity ID.
func NewDuplicateIDError(entity, id string) *StewardError {
	return &StewardError{
		Kind:    ErrKindDuplicate,
		Message: fmt.Sprintf("%s %q already registered", entity, id),
	}
}

// NewIllegalTransitionError returns an error for a rejected job transition.
func NewIllegalTransitionError(jobID, from, to string) *StewardError {
	return &StewardError{
		Kind:    ErrKindIllegalTransition,
		Message: fmt.Sprintf("job %q cannot transition from %q to %q", jobID, from, to),
	}
}

// NewInvariantError returns an error for registry-detected inconsistency.
func NewInvariantError(format string, args ...any) *StewardError {
	return &StewardError{
		Kind:    ErrKindInvariant,
		Message: fmt.Sprintf(format, args...),
	}
}

// NewBackendError wraps a persistence or sink failure. Backend errors are
// retriable by default; callers that exhausted retries clear the flag.
func NewBackendError(err error, retriable bool) *StewardError {
	return &StewardError{
		Kind:      ErrKindBackend,
		Message:   err.Error(),
		Retriable: retriable,
	}
}

// NewAgentError wraps a node agent command failure.
func NewAgentError(err error) *StewardError {
	return &StewardError{
		Kind:      ErrKindAgent,
		Message:   err.Error(),
		Retriable: true,
	}
}

// NewCancelledError marks a cooperatively cancelled operation.
func NewCancelledError(format string, args ...any) *StewardError {
	return &StewardError{
		Kind:      ErrKindCancelled,
		Message:   fmt.Sprintf(format, args...),
		Retriable: true,
	}
}

// IsErrKind returns true if err is a StewardError of the given kind.
func IsErrKind(err error, kind string) bool {
	var se *StewardError
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}

// ExitCode maps an error to the CLI exit code contract: 0 success, 2 invalid
// input, 3 not found, 4 invariant violation, 5 backend failure.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var se *StewardError
	if !errors.As(err, &se) {
		return 5
	}
	switch se.Kind {
	case ErrKindValidation:
		return 2
	case ErrKindNotFound:
		return 3
	case ErrKindDuplicate, ErrKindIllegalTransition, ErrKindInvariant:
		return 4
	default:
		return 5
	}
}
