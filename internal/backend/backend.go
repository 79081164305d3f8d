// Package backend defines the interfaces to the compiler and
// circuit-execution collaborators, and the canonical error causes the
// pipeline driver maps onto retry/fatal classification.
package backend

import (
	"context"
	"errors"
	"fmt"

	"qplane/internal/scheduler"
)

// Cause is the closed set of canonical execution error causes.
type Cause string

const (
	CauseUnsupportedFormat   Cause = "unsupported_format"
	CauseResourceUnavailable Cause = "resource_unavailable"
	CauseResourceBusy        Cause = "resource_busy"
	CauseDeadlineExceeded    Cause = "deadline_exceeded"
	CauseInvalidPayload      Cause = "invalid_payload"
)

// Error is a classified collaborator failure.
type Error struct {
	Cause Cause
	Msg   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Cause, e.Msg)
}

// Transient reports whether the failure may succeed on retry. Unsupported
// formats and malformed payloads never will.
func (e *Error) Transient() bool {
	switch e.Cause {
	case CauseResourceUnavailable, CauseResourceBusy, CauseDeadlineExceeded:
		return true
	}
	return false
}

// NewError builds a classified error.
func NewError(cause Cause, format string, args ...interface{}) *Error {
	return &Error{Cause: cause, Msg: fmt.Sprintf(format, args...)}
}

// CauseOf extracts the canonical cause from err, or "" if err is not a
// classified backend error.
func CauseOf(err error) Cause {
	var be *Error
	if errors.As(err, &be) {
		return be.Cause
	}
	return ""
}

// CompileResult is the compiler collaborator's output.
type CompileResult struct {
	Payload  []byte
	Metadata map[string]string
}

// Compiler turns circuit source into a payload the target device accepts.
// Compile is deterministic for identical inputs.
type Compiler interface {
	Compile(ctx context.Context, source, target string, options map[string]string) (CompileResult, error)
}

// ExecuteResult carries measurement counts and execution metadata back from
// a device.
type ExecuteResult struct {
	Counts   map[string]int64
	Metadata map[string]string
}

// Executor runs a compiled payload against an allocated device.
type Executor interface {
	Execute(ctx context.Context, payload []byte, alloc *scheduler.Allocation, shots int, options map[string]string) (ExecuteResult, error)
}
