// Package errors provides structured error handling for the scan agent.
// It defines error codes, error types, and utilities for classifying
// failures as fatal startup errors, per-target errors, or transient errors.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// ErrorCode represents different types of errors that can occur.
type ErrorCode string

const (
	// General errors.
	CodeUnknown         ErrorCode = "UNKNOWN"
	CodeValidation      ErrorCode = "VALIDATION"
	CodeConfiguration   ErrorCode = "CONFIGURATION"
	CodeInvalidArgument ErrorCode = "INVALID_ARGUMENT"
	CodeTimeout         ErrorCode = "TIMEOUT"
	CodeCanceled        ErrorCode = "CANCELED"

	// Startup errors.
	CodeEngineNotFound      ErrorCode = "ENGINE_NOT_FOUND"
	CodeMissingCapabilities ErrorCode = "MISSING_CAPABILITIES"
	CodeServicesUnavailable ErrorCode = "SERVICES_UNAVAILABLE"
	CodeDirectoryCreate     ErrorCode = "DIRECTORY_CREATE"

	// Target and scan errors.
	CodeTargetInvalid ErrorCode = "TARGET_INVALID"
	CodeScanFailed    ErrorCode = "SCAN_FAILED"
	CodeMalformedScan ErrorCode = "MALFORMED_SCAN"

	// Authority errors.
	CodeNetworkUnreachable ErrorCode = "NETWORK_UNREACHABLE"
	CodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	CodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	CodeSubmitFailed       ErrorCode = "SUBMIT_FAILED"
	CodeBadResponse        ErrorCode = "BAD_RESPONSE"
)

// AgentError represents an error raised by one of the agent's components.
type AgentError struct {
	Code      ErrorCode
	Message   string
	Target    string
	Operation string
	Cause     error
	Context   map[string]interface{}
}

// Error implements the error interface.
func (e *AgentError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Target != "" {
		msg = fmt.Sprintf("%s (target: %s)", msg, e.Target)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying error for error unwrapping.
func (e *AgentError) Unwrap() error {
	return e.Cause
}

// WithContext adds context information to the error.
func (e *AgentError) WithContext(key string, value interface{}) *AgentError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithOperation records the operation that failed.
func (e *AgentError) WithOperation(op string) *AgentError {
	e.Operation = op
	return e
}

// New creates a new agent error with the specified code and message.
func New(code ErrorCode, message string) *AgentError {
	return &AgentError{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// NewWithTarget creates an agent error for a specific target.
func NewWithTarget(code ErrorCode, message, target string) *AgentError {
	e := New(code, message)
	e.Target = target
	return e
}

// Wrap wraps an existing error as an agent error.
func Wrap(code ErrorCode, message string, err error) *AgentError {
	e := New(code, message)
	e.Cause = err
	return e
}

// WrapWithTarget wraps an error with target information.
func WrapWithTarget(code ErrorCode, message, target string, err error) *AgentError {
	e := Wrap(code, message, err)
	e.Target = target
	return e
}

// ConfigError represents configuration-related errors.
type ConfigError struct {
	Code    ErrorCode
	Message string
	Field   string
	Value   interface{}
	Cause   error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("[%s] %s (field: %s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// NewConfigFieldError creates a configuration error for a specific field.
func NewConfigFieldError(code ErrorCode, message, field string, value interface{}) *ConfigError {
	return &ConfigError{
		Code:    code,
		Message: message,
		Field:   field,
		Value:   value,
	}
}

// WrapConfigError wraps an existing error as a configuration error.
func WrapConfigError(code ErrorCode, message string, err error) *ConfigError {
	return &ConfigError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Utility functions for common error operations

// GetCode extracts the error code from the first coded error in the chain.
func GetCode(err error) ErrorCode {
	var agentErr *AgentError
	if stderrors.As(err, &agentErr) {
		return agentErr.Code
	}
	var cfgErr *ConfigError
	if stderrors.As(err, &cfgErr) {
		return cfgErr.Code
	}
	return CodeUnknown
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && GetCode(err) == code
}

// IsRetryable determines if an error indicates a transient condition.
func IsRetryable(err error) bool {
	switch GetCode(err) {
	case CodeTimeout, CodeNetworkUnreachable, CodeServiceUnavailable:
		return true
	default:
		return false
	}
}

// IsFatal determines if an error must abort the process before scanning starts.
func IsFatal(err error) bool {
	switch GetCode(err) {
	case CodeEngineNotFound, CodeMissingCapabilities, CodeServicesUnavailable,
		CodeDirectoryCreate, CodeConfiguration, CodeValidation, CodeInvalidArgument:
		return true
	default:
		return false
	}
}

// Common error creation functions

// ErrInvalidTarget creates an error for an unparseable address or range.
func ErrInvalidTarget(target string, cause error) *AgentError {
	return WrapWithTarget(CodeTargetInvalid, "invalid target specification", target, cause)
}

// ErrEngineNotFound creates an error for a scan engine missing from the search path.
func ErrEngineNotFound(engine string, cause error) *AgentError {
	return Wrap(CodeEngineNotFound, fmt.Sprintf("couldn't find %s", engine), cause)
}

// ErrMissingCapabilities creates an error naming every capability the engine lacks.
func ErrMissingCapabilities(engine string, missing []string) *AgentError {
	return New(CodeMissingCapabilities,
		fmt.Sprintf("missing %s capabilities: %s", engine, strings.Join(missing, " "))).
		WithContext("missing", missing)
}

// ErrServicesUnavailable creates an error for a services definition that could not be obtained.
func ErrServicesUnavailable(server string, cause error) *AgentError {
	return Wrap(CodeServicesUnavailable,
		fmt.Sprintf("failed to get valid services file from %s", server), cause)
}
