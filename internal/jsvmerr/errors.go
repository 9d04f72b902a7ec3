// Package jsvmerr provides error types for widget code validation and execution.
// This package exists to avoid import cycles between jsvm, jsvm/hostapi and widget.
package jsvmerr

import (
	"errors"
	"fmt"
)

// Sentinel errors for widget code execution.
var (
	// ErrTimeout indicates server code exceeded its wall-clock budget.
	ErrTimeout = errors.New("jsvm: execution timeout")

	// ErrVMPoolExhausted indicates no execution slot became free in time.
	ErrVMPoolExhausted = errors.New("jsvm: execution slots exhausted")

	// ErrNoComponent indicates UI code evaluated without producing a component.
	ErrNoComponent = errors.New("jsvm: widget code did not define a component")
)

// ValidationError indicates a forbidden construct was found in widget code.
type ValidationError struct {
	Pattern string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Pattern != "" {
		return fmt.Sprintf("jsvm: forbidden pattern %q: %s", e.Pattern, e.Message)
	}
	return fmt.Sprintf("jsvm: validation failed: %s", e.Message)
}

// Is implements errors.Is for ValidationError.
func (e *ValidationError) Is(target error) bool {
	_, ok := target.(*ValidationError)
	return ok
}

// ErrValidation is a sentinel for errors.Is matching.
var ErrValidation = &ValidationError{}

// TranspileError indicates the UI source could not be transformed.
type TranspileError struct {
	Line    int
	Column  int
	Message string
}

func (e *TranspileError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("jsvm: transpile error at line %d, column %d: %s", e.Line, e.Column, e.Message)
	}
	return fmt.Sprintf("jsvm: transpile error: %s", e.Message)
}

// Is implements errors.Is for TranspileError.
func (e *TranspileError) Is(target error) bool {
	_, ok := target.(*TranspileError)
	return ok
}

// ErrTranspile is a sentinel for errors.Is matching.
var ErrTranspile = &TranspileError{}

// ExecutionError wraps runtime errors raised by widget code.
type ExecutionError struct {
	Widget string
	Cause  error
}

func (e *ExecutionError) Error() string {
	if e.Widget != "" {
		return fmt.Sprintf("jsvm: execution error in %s: %v", e.Widget, e.Cause)
	}
	return fmt.Sprintf("jsvm: execution error: %v", e.Cause)
}

func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

// Is implements errors.Is for ExecutionError.
func (e *ExecutionError) Is(target error) bool {
	_, ok := target.(*ExecutionError)
	return ok
}

// ErrExecution is a sentinel for errors.Is matching.
var ErrExecution = &ExecutionError{}

// ConfigurationError indicates a widget definition cannot be executed as configured.
// It is surfaced to the client immediately and never retried.
type ConfigurationError struct {
	Widget  string
	Message string
}

func (e *ConfigurationError) Error() string {
	if e.Widget != "" {
		return fmt.Sprintf("widget %s misconfigured: %s", e.Widget, e.Message)
	}
	return fmt.Sprintf("widget misconfigured: %s", e.Message)
}

// Is implements errors.Is for ConfigurationError.
func (e *ConfigurationError) Is(target error) bool {
	_, ok := target.(*ConfigurationError)
	return ok
}

// ErrConfiguration is a sentinel for errors.Is matching.
var ErrConfiguration = &ConfigurationError{}
