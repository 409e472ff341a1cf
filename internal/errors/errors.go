// Package errors provides structured error handling for stascan operations.
// It defines error codes, error types, and provides utilities for creating
// and handling errors with context and structured information.
package errors

import (
	stderrors "errors"
	"fmt"

	"github.com/anstrom/stascan/internal/wlan"
)

// ErrorCode represents different types of errors that can occur.
type ErrorCode string

const (
	// General errors.
	CodeUnknown       ErrorCode = "UNKNOWN"
	CodeValidation    ErrorCode = "VALIDATION"
	CodeConfiguration ErrorCode = "CONFIGURATION"
	CodeTimeout       ErrorCode = "TIMEOUT"
	CodeCanceled      ErrorCode = "CANCELED"
	CodePermission    ErrorCode = "PERMISSION"

	// Scan errors, one per scan outcome plus request-shape problems.
	CodeScanFailed     ErrorCode = "SCAN_FAILED"
	CodeScanRejected   ErrorCode = "SCAN_REJECTED"
	CodeScanPendFailed ErrorCode = "SCAN_PEND_FAILED"
	CodeScanExecFailed ErrorCode = "SCAN_EXEC_FAILED"
	CodeScanStopped    ErrorCode = "SCAN_STOPPED"
	CodeScanAborted    ErrorCode = "SCAN_ABORTED"
	CodeScanFWReset    ErrorCode = "SCAN_FW_RESET"
	CodeNoChannels     ErrorCode = "NO_CHANNELS"
	CodeClientBusy     ErrorCode = "CLIENT_BUSY"
	CodeUnknownClient  ErrorCode = "UNKNOWN_CLIENT"
	CodeUnknownTag     ErrorCode = "UNKNOWN_TAG"

	// Connection errors.
	CodeNoCandidate   ErrorCode = "NO_CANDIDATE"
	CodeWPSOverlap    ErrorCode = "WPS_OVERLAP"
	CodeConnectFailed ErrorCode = "CONNECT_FAILED"
	CodeInvalidState  ErrorCode = "INVALID_STATE"

	// File system errors.
	CodeFileNotFound    ErrorCode = "FILE_NOT_FOUND"
	CodeFilePermission  ErrorCode = "FILE_PERMISSION"
	CodeDirectoryCreate ErrorCode = "DIRECTORY_CREATE"

	// Service errors.
	CodeServiceUnavailable  ErrorCode = "SERVICE_UNAVAILABLE"
	CodeHardwareUnavailable ErrorCode = "HARDWARE_UNAVAILABLE"
	CodeQueueFull           ErrorCode = "QUEUE_FULL"
)

// ScanError represents an error that occurred during scanning operations.
type ScanError struct {
	Code      ErrorCode
	Message   string
	Client    string
	Operation string
	Cause     error
	Context   map[string]interface{}
}

// Error implements the error interface.
func (e *ScanError) Error() string {
	if e.Client != "" {
		return fmt.Sprintf("[%s] %s (client: %s)", e.Code, e.Message, e.Client)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for error unwrapping.
func (e *ScanError) Unwrap() error {
	return e.Cause
}

// WithContext adds context information to the error.
func (e *ScanError) WithContext(key string, value interface{}) *ScanError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewScanError creates a new scan error with the specified code and message.
func NewScanError(code ErrorCode, message string) *ScanError {
	return &ScanError{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// NewScanErrorWithClient creates a scan error for a specific scan client.
func NewScanErrorWithClient(code ErrorCode, message, client string) *ScanError {
	return &ScanError{
		Code:    code,
		Message: message,
		Client:  client,
		Context: make(map[string]interface{}),
	}
}

// WrapScanError wraps an existing error as a scan error.
func WrapScanError(code ErrorCode, message string, err error) *ScanError {
	return &ScanError{
		Code:    code,
		Message: message,
		Cause:   err,
		Context: make(map[string]interface{}),
	}
}

// ConnectionError represents failures of the connection lifecycle.
type ConnectionError struct {
	Code    ErrorCode
	Message string
	BSSID   string
	State   string
	Cause   error
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	if e.BSSID != "" {
		return fmt.Sprintf("[%s] %s (bssid: %s)", e.Code, e.Message, e.BSSID)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// NewConnectionError creates a new connection error.
func NewConnectionError(code ErrorCode, message string) *ConnectionError {
	return &ConnectionError{
		Code:    code,
		Message: message,
	}
}

// WrapConnectionError wraps an existing error as a connection error.
func WrapConnectionError(code ErrorCode, message, bssid string, err error) *ConnectionError {
	return &ConnectionError{
		Code:    code,
		Message: message,
		BSSID:   bssid,
		Cause:   err,
	}
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

// NewConfigError creates a new configuration error.
func NewConfigError(code ErrorCode, message string) *ConfigError {
	return &ConfigError{
		Code:    code,
		Message: message,
	}
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

// IsCode checks if an error, or any error it wraps, has a specific error code.
func IsCode(err error, code ErrorCode) bool {
	return GetCode(err) == code
}

// GetCode extracts the error code from an error if it has one.
func GetCode(err error) ErrorCode {
	var scanErr *ScanError
	if stderrors.As(err, &scanErr) {
		return scanErr.Code
	}
	var connErr *ConnectionError
	if stderrors.As(err, &connErr) {
		return connErr.Code
	}
	var cfgErr *ConfigError
	if stderrors.As(err, &cfgErr) {
		return cfgErr.Code
	}
	return CodeUnknown
}

// IsRetryable determines if an error indicates a condition the SME retry
// schedule may try again later. The scan core itself never retries.
func IsRetryable(err error) bool {
	switch GetCode(err) {
	case CodeTimeout, CodeScanAborted, CodeScanFWReset, CodeScanPendFailed, CodeNoCandidate, CodeConnectFailed:
		return true
	default:
		return false
	}
}

// IsFatal determines if an error indicates a fatal condition that should stop execution.
func IsFatal(err error) bool {
	switch GetCode(err) {
	case CodePermission, CodeConfiguration, CodeHardwareUnavailable:
		return true
	default:
		return false
	}
}

// statusCodes maps every failing scan outcome onto its error code.
var statusCodes = map[wlan.Status]ErrorCode{
	wlan.StatusFailed:         CodeScanFailed,
	wlan.StatusRejected:       CodeScanRejected,
	wlan.StatusPendFailed:     CodeScanPendFailed,
	wlan.StatusExecFailed:     CodeScanExecFailed,
	wlan.StatusStopped:        CodeScanStopped,
	wlan.StatusAborted:        CodeScanAborted,
	wlan.StatusAbortedFWReset: CodeScanFWReset,
}

// FromStatus converts a scan outcome into an error. Successful outcomes
// return nil.
func FromStatus(status wlan.Status, client string) error {
	code, ok := statusCodes[status]
	if !ok {
		return nil
	}
	return NewScanErrorWithClient(code, "scan ended with status "+status.String(), client).
		WithContext("status", status.String())
}

// Common error creation functions

// ErrUnknownClient creates an error for a client id outside the registry.
func ErrUnknownClient(client string) *ScanError {
	return NewScanErrorWithClient(CodeUnknownClient, "Unknown scan client", client)
}

// ErrClientBusy creates an error for a start request on a running client.
func ErrClientBusy(client string) *ScanError {
	return NewScanErrorWithClient(CodeClientBusy, "Scan client already has a scan in progress", client)
}

// ErrNoChannels creates an error for a request whose channel list is empty
// after regulatory filtering.
func ErrNoChannels(client string) *ScanError {
	return NewScanErrorWithClient(CodeNoChannels, "No valid channels to scan", client)
}

// ErrNoCandidate creates an error for a selection pass without a winner.
func ErrNoCandidate(ssid string) *ConnectionError {
	return &ConnectionError{Code: CodeNoCandidate, Message: fmt.Sprintf("No candidate found for SSID %q", ssid)}
}

// ErrWPSOverlap creates an error for more than one push-button WPS site in range.
func ErrWPSOverlap() *ConnectionError {
	return NewConnectionError(CodeWPSOverlap, "More than one WPS push-button site in range")
}

// ErrInvalidState creates an error for a request not allowed in the current state.
func ErrInvalidState(operation, state string) *ConnectionError {
	return &ConnectionError{
		Code:    CodeInvalidState,
		Message: fmt.Sprintf("%s not allowed", operation),
		State:   state,
	}
}

// ErrConfigInvalid creates an error for invalid configuration.
func ErrConfigInvalid(field string, value interface{}) *ConfigError {
	return NewConfigFieldError(CodeValidation, "Invalid configuration value", field, value)
}

// ErrConfigMissing creates an error for missing required configuration.
func ErrConfigMissing(field string) *ConfigError {
	return NewConfigFieldError(CodeConfiguration, "Required configuration field missing", field, nil)
}
