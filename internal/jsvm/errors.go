// Package jsvm validates, transpiles and executes widget code on goja.
package jsvm

import "glance/internal/jsvmerr"

// Re-export errors from jsvmerr so callers only import jsvm.
var (
	ErrTimeout         = jsvmerr.ErrTimeout
	ErrVMPoolExhausted = jsvmerr.ErrVMPoolExhausted
	ErrNoComponent     = jsvmerr.ErrNoComponent
	ErrValidation      = jsvmerr.ErrValidation
	ErrTranspile       = jsvmerr.ErrTranspile
	ErrExecution       = jsvmerr.ErrExecution
	ErrConfiguration   = jsvmerr.ErrConfiguration
)

// Type aliases for error types.
type ValidationError = jsvmerr.ValidationError
type TranspileError = jsvmerr.TranspileError
type ExecutionError = jsvmerr.ExecutionError
type ConfigurationError = jsvmerr.ConfigurationError
