package toolexec

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel causes carried by ToolError.
var (
	ErrToolTimeout  = errors.New("tool execution timed out")
	ErrToolPanic    = errors.New("tool panicked")
	ErrToolNotFound = errors.New("tool not found")
)

// ToolErrorType classifies why a wrapped call failed.
type ToolErrorType string

const (
	// ToolErrorTimeout indicates the wrapper stopped waiting for the tool.
	ToolErrorTimeout ToolErrorType = "timeout"

	// ToolErrorExecution indicates the tool function returned an error.
	ToolErrorExecution ToolErrorType = "execution"

	// ToolErrorPanic indicates the tool function panicked.
	ToolErrorPanic ToolErrorType = "panic"

	// ToolErrorInvalidInput indicates unusable args or invocation context.
	ToolErrorInvalidInput ToolErrorType = "invalid_input"

	// ToolErrorRejected indicates a human rejected the call.
	ToolErrorRejected ToolErrorType = "rejected"
)

// IsRetryable reports whether a FAILED call of this kind is worth
// re-running through Manager.Retry. Panics and bad input fail the same way
// again.
func (t ToolErrorType) IsRetryable() bool {
	switch t {
	case ToolErrorTimeout, ToolErrorExecution:
		return true
	default:
		return false
	}
}

// ToolError is returned by Tool.Execute for every failure the wrapper
// records. Cause, when set, is reachable through errors.Is and errors.As.
type ToolError struct {
	Type       ToolErrorType
	ToolName   string
	ToolCallID string
	Message    string
	Cause      error
}

func (e *ToolError) Error() string {
	var b strings.Builder
	b.WriteString(e.ToolName)
	if e.ToolCallID != "" {
		fmt.Fprintf(&b, "(%s)", e.ToolCallID)
	}
	fmt.Fprintf(&b, " %s: %s", e.Type, e.reason())
	return strings.TrimSpace(b.String())
}

func (e *ToolError) Unwrap() error { return e.Cause }

// reason is the text persisted on the failed call.
func (e *ToolError) reason() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return string(e.Type)
}

// IsToolError reports whether err is a ToolError of the given type.
func IsToolError(err error, typ ToolErrorType) bool {
	var te *ToolError
	return errors.As(err, &te) && te.Type == typ
}
