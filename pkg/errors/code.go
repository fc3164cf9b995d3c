package errors

import "net/http"

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 11000-11999: Authentication errors
// 13000-13999: Execution errors
// 14000-14999: Sandbox errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	Unauthorized        ErrorCode = 10004
	Forbidden           ErrorCode = 10005
	TooManyRequests     ErrorCode = 10006
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008

	// Cache errors (10200-10299)
	CacheError ErrorCode = 10200

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	InvalidFormat      ErrorCode = 10301
	RequiredFieldEmpty ErrorCode = 10303

	// ========== Authentication Errors (11000-11999) ==========

	TokenExpired ErrorCode = 11003
	TokenInvalid ErrorCode = 11004

	// ========== Execution Errors (13000-13999) ==========

	// Admission (13000-13099)
	JobNotFound          ErrorCode = 13000
	CodeTooLarge         ErrorCode = 13002
	LanguageNotSupported ErrorCode = 13003
	RunTooFrequently     ErrorCode = 13004

	// Scheduling (13100-13199)
	QueueFull    ErrorCode = 13100
	QueueTimeout ErrorCode = 13101
	JobCancelled ErrorCode = 13102

	// Input (13200-13299)
	CustomInputTooLarge ErrorCode = 13201

	// ========== Sandbox Errors (14000-14999) ==========

	SandboxError        ErrorCode = 14000
	SandboxSetupFailed  ErrorCode = 14001
	SandboxLeak         ErrorCode = 14002
	HelperStartFailed   ErrorCode = 14003
	CompilerUnavailable ErrorCode = 14004
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	// System & Common
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	Unauthorized:        "Unauthorized access",
	Forbidden:           "Access forbidden",
	TooManyRequests:     "Too many requests, please try again later",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",

	CacheError: "Cache operation failed",

	// Validation
	ValidationFailed:   "Validation failed",
	InvalidFormat:      "Invalid format",
	RequiredFieldEmpty: "Required field is empty",

	// Authentication
	TokenExpired: "Token has expired",
	TokenInvalid: "Invalid token",

	// Admission
	JobNotFound:          "Job not found",
	CodeTooLarge:         "Source code is too large",
	LanguageNotSupported: "Programming language not supported",
	RunTooFrequently:     "Running too frequently, please wait",

	// Scheduling
	QueueFull:    "Execution queue is full, please try again later",
	QueueTimeout: "Timed out waiting for an execution slot",
	JobCancelled: "Job was cancelled",

	CustomInputTooLarge: "Standard input is too large",

	// Sandbox
	SandboxError:        "Sandbox error",
	SandboxSetupFailed:  "Failed to set up sandbox",
	SandboxLeak:         "Sandbox processes survived teardown",
	HelperStartFailed:   "Failed to start sandbox helper",
	CompilerUnavailable: "Language toolchain is unavailable",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return http.StatusOK
	case c == Unauthorized, c == TokenExpired, c == TokenInvalid:
		return http.StatusUnauthorized
	case c == Forbidden:
		return http.StatusForbidden
	case c == NotFound, c == JobNotFound:
		return http.StatusNotFound
	case c == CodeTooLarge, c == CustomInputTooLarge:
		return http.StatusRequestEntityTooLarge
	case c == TooManyRequests, c == RunTooFrequently, c == QueueFull:
		return http.StatusTooManyRequests
	case c == ServiceUnavailable, c == QueueTimeout:
		return http.StatusServiceUnavailable
	case c == JobCancelled:
		return http.StatusConflict
	case c >= 10300 && c < 10400, c == InvalidParams, c == LanguageNotSupported:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// IsBackpressure reports whether the code signals a transient capacity condition.
func (c ErrorCode) IsBackpressure() bool {
	return c == QueueFull || c == QueueTimeout || c == TooManyRequests || c == RunTooFrequently
}
