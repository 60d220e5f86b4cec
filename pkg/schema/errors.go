package schema

import (
	"fmt"
	"strings"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeCancelled         = "CANCELLED"

	ErrCodeGuarding          = "GUARDING_ERROR"
	ErrCodeMissingDataInput  = "MISSING_DATA_INPUT"
	ErrCodeMissingDataOutput = "MISSING_DATA_OUTPUT"
	ErrCodeExpression        = "EXPRESSION_ERROR"
	ErrCodeCorrelation       = "CORRELATION_MISMATCH"
	ErrCodeAmbiguousTarget   = "AMBIGUOUS_MESSAGE_TARGET"
	ErrCodeNoMatchingWaiter  = "NO_MATCHING_WAITER"
)

// ProcessError is the structured error type for all engine operations.
// Trace, when set, is the chain of "task description (process)" entries from
// the failing task instance up through every enclosing sub-process,
// innermost first.
type ProcessError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	TaskID  string         `json:"task_id,omitempty"`
	Trace   []string       `json:"trace,omitempty"`
	Cause   error          `json:"-"`
}

func (e *ProcessError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]", e.Code)
	if e.TaskID != "" {
		fmt.Fprintf(&b, " task %s:", e.TaskID)
	}
	b.WriteByte(' ')
	b.WriteString(e.Message)
	if len(e.Trace) > 0 {
		fmt.Fprintf(&b, " (at %s)", strings.Join(e.Trace, " <- "))
	}
	return b.String()
}

func (e *ProcessError) Unwrap() error {
	return e.Cause
}

// NewError creates a new ProcessError.
func NewError(code, message string) *ProcessError {
	return &ProcessError{Code: code, Message: message}
}

// NewErrorf creates a new ProcessError with a formatted message.
func NewErrorf(code, format string, args ...any) *ProcessError {
	return &ProcessError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithTask attaches the failing task instance ID.
func (e *ProcessError) WithTask(taskID string) *ProcessError {
	e.TaskID = taskID
	return e
}

// WithTrace attaches the enclosing-process task trace, innermost first.
func (e *ProcessError) WithTrace(trace []string) *ProcessError {
	e.Trace = trace
	return e
}

// WithCause attaches an underlying cause.
func (e *ProcessError) WithCause(err error) *ProcessError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *ProcessError) WithDetails(details map[string]any) *ProcessError {
	e.Details = details
	return e
}
