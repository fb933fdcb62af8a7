// Package toolerrors provides the structured error types returned by tool
// invocations. The two kinds are distinguishable: ToolUnavailableError means
// the capability is absent (not installed, not registered, disabled), while
// ToolError means a present capability failed. Both cross the agent boundary
// as structured observations, never as panics.
package toolerrors

import (
	"errors"
	"fmt"
)

type (
	// ToolError represents a structured tool failure that preserves message
	// and causal context while implementing the standard error interface.
	// Tool errors may be nested via Cause to retain diagnostics across
	// retries.
	ToolError struct {
		// Message is the human-readable summary of the failure.
		Message string
		// Cause links to the underlying tool error, enabling error chains
		// with errors.Is/As.
		Cause *ToolError
	}

	// ToolUnavailableError reports that a tool's backing capability is not
	// installed or not registered. Consumers typically degrade or tell the
	// agent the capability is missing rather than retrying.
	ToolUnavailableError struct {
		// Tool is the tool name the caller asked for.
		Tool string
		// Reason explains the absence (e.g. "service not registered").
		Reason string
	}
)

// New constructs a ToolError with the provided message.
func New(message string) *ToolError {
	if message == "" {
		message = "tool error"
	}
	return &ToolError{Message: message}
}

// NewWithCause constructs a ToolError that wraps an underlying error. The
// cause is converted into a ToolError chain so metadata survives
// serialization while still supporting errors.Is/As through Unwrap.
func NewWithCause(message string, cause error) *ToolError {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &ToolError{Message: message, Cause: FromError(cause)}
}

// FromError converts an arbitrary error into a ToolError chain.
func FromError(err error) *ToolError {
	if err == nil {
		return nil
	}
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}
	return &ToolError{Message: err.Error(), Cause: FromError(errors.Unwrap(err))}
}

// Errorf formats according to a format specifier and returns the string as a
// ToolError.
func Errorf(format string, args ...any) *ToolError {
	return New(fmt.Sprintf(format, args...))
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return e.Message
}

// Unwrap exposes the cause for errors.Is/As traversal.
func (e *ToolError) Unwrap() error {
	if e == nil || e.Cause == nil {
		return nil
	}
	return e.Cause
}

// Unavailable constructs a ToolUnavailableError for the named tool.
func Unavailable(tool, reason string) *ToolUnavailableError {
	return &ToolUnavailableError{Tool: tool, Reason: reason}
}

// Error implements the error interface.
func (e *ToolUnavailableError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("tool %q unavailable", e.Tool)
	}
	return fmt.Sprintf("tool %q unavailable: %s", e.Tool, e.Reason)
}

// IsUnavailable reports whether err (or anything it wraps) is a
// ToolUnavailableError.
func IsUnavailable(err error) bool {
	var ue *ToolUnavailableError
	return errors.As(err, &ue)
}
