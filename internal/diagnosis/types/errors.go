package types

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind is the failure classification carried on a DeviceResult.
type ErrorKind string

const (
	ErrorNone        ErrorKind = ""
	ErrorTimeout     ErrorKind = "timeout"
	ErrorUnavailable ErrorKind = "unavailable"
	ErrorTool        ErrorKind = "tool_error"
	ErrorCancelled   ErrorKind = "cancelled"
)

var (
	// ErrToolTimeout is returned when a device task exceeds its timeout.
	ErrToolTimeout = errors.New("tool timeout")

	// ErrToolUnavailable means the adapter cannot serve the task (protocol
	// unsupported, device unknown). The executor falls back to the next adapter.
	ErrToolUnavailable = errors.New("tool unavailable")

	// ErrApprovalRejected is terminal for the batch, not for the investigation.
	ErrApprovalRejected = errors.New("approval rejected")

	// ErrPlannerFailure ends the investigation as inconclusive.
	ErrPlannerFailure = errors.New("planner failure")

	// ErrRetrieverUnavailable degrades the investigation to run without hints.
	ErrRetrieverUnavailable = errors.New("knowledge retriever unavailable")

	// ErrDecisionDeferred is returned by an approval channel that cannot
	// answer now; the plan stays pending in durable state.
	ErrDecisionDeferred = errors.New("approval decision deferred")

	// ErrPlanNotFound is returned when no pending plan matches an ID.
	ErrPlanNotFound = errors.New("change plan not found")

	// ErrPlanConflict is returned when another caller advanced a plan
	// between our load and our write.
	ErrPlanConflict = errors.New("change plan was advanced concurrently")
)

// ToolError wraps an adapter failure with its classification.
type ToolError struct {
	Kind     ErrorKind
	Adapter  string
	DeviceID string
	Err      error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s on %s via %s: %v", e.Kind, e.DeviceID, e.Adapter, e.Err)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match the taxonomy sentinels by kind.
func (e *ToolError) Is(target error) bool {
	switch target {
	case ErrToolTimeout:
		return e.Kind == ErrorTimeout
	case ErrToolUnavailable:
		return e.Kind == ErrorUnavailable
	}
	return false
}

// NewUnavailable builds an unavailable ToolError.
func NewUnavailable(adapter, deviceID, format string, args ...interface{}) *ToolError {
	return &ToolError{
		Kind:     ErrorUnavailable,
		Adapter:  adapter,
		DeviceID: deviceID,
		Err:      fmt.Errorf(format, args...),
	}
}

// ClassifyError maps an adapter error onto an ErrorKind.
func ClassifyError(err error) ErrorKind {
	var te *ToolError
	switch {
	case err == nil:
		return ErrorNone
	case errors.As(err, &te):
		return te.Kind
	case errors.Is(err, ErrToolTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrorTimeout
	case errors.Is(err, ErrToolUnavailable):
		return ErrorUnavailable
	case errors.Is(err, context.Canceled):
		return ErrorCancelled
	default:
		return ErrorTool
	}
}

// ValidationError reports an invalid field in a task, plan or decision.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Field + ": " + e.Message
}
