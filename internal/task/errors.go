package task

import (
	"errors"
	"fmt"
)

// TransitionError reports an illegal status transition. By the time the
// caller sees it the state has already moved (see State.SetStatus); it must
// be treated as fatal to the task, never retried.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid status transition: %s -> %s", e.From, e.To)
}

// IsTransition checks if an error is a TransitionError.
func IsTransition(err error) bool {
	var te *TransitionError
	return errors.As(err, &te)
}

// CancelledError is raised when an abort request is observed mid-round or
// mid-tool-execution. It propagates out of the round unchanged; it must not
// be reinterpreted as a generic failure.
type CancelledError struct {
	TaskID string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("task %s cancelled", e.TaskID)
}

// IsCancelled checks if an error is a CancelledError.
func IsCancelled(err error) bool {
	var ce *CancelledError
	return errors.As(err, &ce)
}

// MistakeLimitError is raised when consecutive no-tool-use rounds or tool
// failures reach the budget. Fatal to the task.
type MistakeLimitError struct {
	Count int
	Limit int
}

func (e *MistakeLimitError) Error() string {
	return fmt.Sprintf("maximum consecutive mistakes reached (%d/%d)", e.Count, e.Limit)
}

// IsMistakeLimit checks if an error is a MistakeLimitError.
func IsMistakeLimit(err error) bool {
	var me *MistakeLimitError
	return errors.As(err, &me)
}

// ToolValidationError indicates that tool arguments failed JSON schema
// validation.
type ToolValidationError struct {
	ToolName string
	Errors   []string
}

func (e *ToolValidationError) Error() string {
	msg := fmt.Sprintf("tool %s validation failed", e.ToolName)
	for _, detail := range e.Errors {
		msg += "; " + detail
	}
	return msg
}

// RoundError wraps errors with execution context for debugging.
type RoundError struct {
	Err       error
	TaskID    string
	Phase     Phase
	ToolName  string // set if the error occurred during tool execution
	Operation string // "stream", "tool_execution", "callback", ...
}

func (e *RoundError) Error() string {
	if e.ToolName != "" {
		return fmt.Sprintf("[task=%s phase=%s op=%s tool=%s] %v",
			e.TaskID, e.Phase, e.Operation, e.ToolName, e.Err)
	}
	return fmt.Sprintf("[task=%s phase=%s op=%s] %v", e.TaskID, e.Phase, e.Operation, e.Err)
}

func (e *RoundError) Unwrap() error { return e.Err }

// wrapRound attaches task context to an error, except for cancellation which
// must propagate unchanged.
func wrapRound(err error, taskID string, phase Phase, operation, toolName string) error {
	if err == nil || IsCancelled(err) {
		return err
	}
	return &RoundError{
		Err:       err,
		TaskID:    taskID,
		Phase:     phase,
		ToolName:  toolName,
		Operation: operation,
	}
}
