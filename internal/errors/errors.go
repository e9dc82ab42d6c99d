package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Error codes for categorizing errors
const (
	ErrConfig  = "CONFIG"
	ErrSSH     = "SSH"
	ErrResolve = "RESOLVE"
	ErrSession = "SESSION"
	ErrExec    = "EXEC"
)

// Error represents a structured error with code, message, suggestion, and optional cause.
// Rendered as:
//
//	✗ <What failed>
//
//	  <Why it failed - technical details>
//
//	  <How to fix it - actionable steps>
//
// Node carries the display name of the remote node the failure belongs to, when
// there is one. Per-node failures are always surfaced with the node name so the
// operator can act without consulting logs.
type Error struct {
	Code       string
	Message    string
	Suggestion string
	Node       string
	Cause      error
}

// New creates a new structured error with the given code, message, and suggestion.
func New(code, message, suggestion string) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		Suggestion: suggestion,
	}
}

// Wrap wraps an existing error with a message, defaulting to ErrSession code.
func Wrap(err error, message string) *Error {
	return &Error{
		Code:    ErrSession,
		Message: message,
		Cause:   err,
	}
}

// WrapWithCode wraps an existing error with a specific code, message, and suggestion.
func WrapWithCode(err error, code, message, suggestion string) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		Suggestion: suggestion,
		Cause:      err,
	}
}

// WithNode returns a copy of the error attributed to the named node.
func (e *Error) WithNode(node string) *Error {
	clone := *e
	clone.Node = node
	return &clone
}

// ForNode wraps an error with node attribution, preserving structured fields
// when err is already an *Error.
func ForNode(node string, err error) *Error {
	var herdErr *Error
	if errors.As(err, &herdErr) {
		return herdErr.WithNode(node)
	}
	return &Error{
		Code:    ErrSession,
		Message: err.Error(),
		Node:    node,
	}
}

// Error implements the error interface with formatted output.
func (e *Error) Error() string {
	var b strings.Builder

	// First line: failure symbol + node attribution + main message
	if e.Node != "" {
		b.WriteString(fmt.Sprintf("✗ [%s] %s\n", e.Node, e.Message))
	} else {
		b.WriteString(fmt.Sprintf("✗ %s\n", e.Message))
	}

	// Include cause if present (why it failed)
	if e.Cause != nil {
		b.WriteString(fmt.Sprintf("\n  %s\n", e.Cause.Error()))
	}

	// Include suggestion if present (how to fix)
	if e.Suggestion != "" {
		b.WriteString(fmt.Sprintf("\n  %s\n", e.Suggestion))
	}

	return b.String()
}

// Unwrap returns the underlying cause for use with errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// IsCode checks if an error is a structured Error with the given code.
func IsCode(err error, code string) bool {
	if err == nil {
		return false
	}
	var herdErr *Error
	if errors.As(err, &herdErr) {
		return herdErr.Code == code
	}
	return false
}

// NodeOf returns the node a structured error is attributed to, or "".
func NodeOf(err error) string {
	var herdErr *Error
	if errors.As(err, &herdErr) {
		return herdErr.Node
	}
	return ""
}
