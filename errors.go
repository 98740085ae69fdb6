package priter

import (
	"errors"
	"fmt"
)

// Error represents a structured runtime error with task context and a
// category drawn from the framework's failure taxonomy.
type Error struct {
	Op     string    // Operation that failed (e.g., "SNAPSHOT", "MERGE")
	TaskID int32     // Task id (-1 if not applicable)
	Code   ErrorCode // High-level error category
	Msg    string    // Human-readable message
	Inner  error     // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Op != "" && e.TaskID >= 0 {
		return fmt.Sprintf("priter: %s (op=%s task=%d)", msg, e.Op, e.TaskID)
	}
	if e.Op != "" {
		return fmt.Sprintf("priter: %s (op=%s)", msg, e.Op)
	}
	return fmt.Sprintf("priter: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is provides errors.Is support by error code
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode represents high-level error categories
type ErrorCode string

const (
	// ErrCodeProtocol covers unexpected enum values, truncated headers
	// and malformed frames; handled by closing the connection.
	ErrCodeProtocol ErrorCode = "protocol error"
	// ErrCodeIO covers socket and file read/write failures; sources
	// retry with backoff.
	ErrCodeIO ErrorCode = "I/O error"
	// ErrCodeCodec covers value deserialization failures. A failed
	// map-side activation pass is returned from the job with this code;
	// it aborts no iteration and triggers no rollback.
	ErrCodeCodec ErrorCode = "codec error"
	// ErrCodeLogical covers cursor regression without a rollback flag
	// and negative non-sentinel lengths; fatal to the task.
	ErrCodeLogical ErrorCode = "logical error"
	// ErrCodeTimeout marks the convergence wall-clock cap; orderly
	// termination, surfaced only for diagnostics.
	ErrCodeTimeout ErrorCode = "convergence timeout"
	// ErrCodeLiveness marks a lost umbilical ping cadence; the host
	// restarts the task from the last snapshot.
	ErrCodeLiveness ErrorCode = "task liveness lost"
	// ErrCodeInvalidConfig marks a rejected job configuration.
	ErrCodeInvalidConfig ErrorCode = "invalid configuration"
)

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, TaskID: -1, Code: code, Msg: msg}
}

// NewTaskError creates a new task-scoped structured error
func NewTaskError(op string, taskID int32, code ErrorCode, msg string) *Error {
	return &Error{Op: op, TaskID: taskID, Code: code, Msg: msg}
}

// WrapError wraps an existing error with framework context
func WrapError(op string, code ErrorCode, inner error) *Error {
	if inner == nil {
		return nil
	}
	if pe, ok := inner.(*Error); ok {
		return &Error{
			Op:     op,
			TaskID: pe.TaskID,
			Code:   pe.Code,
			Msg:    pe.Msg,
			Inner:  pe.Inner,
		}
	}
	return &Error{
		Op:     op,
		TaskID: -1,
		Code:   code,
		Msg:    inner.Error(),
		Inner:  inner,
	}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code == code
	}
	return false
}
