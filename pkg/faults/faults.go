// Package faults provides the error taxonomy shared by the execution core.
//
// Every error returned across a package boundary is classified into one of
// the kinds below so that callers (the HTTP layer, workers, the scheduler)
// can decide how to react without inspecting messages.
package faults

import (
	"errors"
	"fmt"
)

// Error kinds.
var (
	// ErrValidation indicates malformed input; no state was mutated.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound indicates the addressed entity does not exist for the tenant.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a duplicate key, a held lock or an already-decided state.
	ErrConflict = errors.New("conflict")

	// ErrExecution indicates an external provider call failed.
	ErrExecution = errors.New("execution failed")

	// ErrIntegrity indicates compliance chain or anchor verification failed.
	ErrIntegrity = errors.New("integrity violation")

	// ErrGone indicates the entity existed but was irreversibly removed.
	ErrGone = errors.New("gone")

	// ErrForbidden indicates the actor may not perform the operation.
	ErrForbidden = errors.New("forbidden")
)

// Error wraps a kind with an operation, a stable code and a human readable message.
type Error struct {
	Op      string // Operation name
	Code    string // Stable code for API responses
	Message string // Human-readable message
	Err     error  // Kind or underlying error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// Validation creates a validation error.
func Validation(op, code, message string) *Error {
	return &Error{Op: op, Code: code, Message: message, Err: ErrValidation}
}

// NotFound creates a not-found error.
func NotFound(op, code, message string) *Error {
	return &Error{Op: op, Code: code, Message: message, Err: ErrNotFound}
}

// Conflict creates a conflict error.
func Conflict(op, code, message string) *Error {
	return &Error{Op: op, Code: code, Message: message, Err: ErrConflict}
}

// Gone creates a gone error.
func Gone(op, code, message string) *Error {
	return &Error{Op: op, Code: code, Message: message, Err: ErrGone}
}

// Forbidden creates a forbidden error.
func Forbidden(op, code, message string) *Error {
	return &Error{Op: op, Code: code, Message: message, Err: ErrForbidden}
}

// Integrity creates an integrity error.
func Integrity(op, code, message string) *Error {
	return &Error{Op: op, Code: code, Message: message, Err: ErrIntegrity}
}

// Execution wraps a provider failure as an execution error.
func Execution(op string, err error) *Error {
	return &Error{Op: op, Code: "execution_failed", Message: err.Error(), Err: errors.Join(ErrExecution, err)}
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict reports whether err is a conflict error.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsExecution reports whether err is an execution error.
func IsExecution(err error) bool {
	return errors.Is(err, ErrExecution)
}

// IsIntegrity reports whether err is an integrity error.
func IsIntegrity(err error) bool {
	return errors.Is(err, ErrIntegrity)
}

// IsGone reports whether err is a gone error.
func IsGone(err error) bool {
	return errors.Is(err, ErrGone)
}

// IsForbidden reports whether err is a forbidden error.
func IsForbidden(err error) bool {
	return errors.Is(err, ErrForbidden)
}

// CodeOf returns the stable code carried by err, or fallback.
func CodeOf(err error, fallback string) string {
	var fe *Error
	if errors.As(err, &fe) && fe.Code != "" {
		return fe.Code
	}

	return fallback
}
