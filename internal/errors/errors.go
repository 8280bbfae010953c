package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode represents a structured error code for AlertFlow.
// Codes follow the format E<CATEGORY>-<NUMBER>.
type ErrorCode string

const (
	// Validation errors (EVAL-xxx)
	ErrValidation   ErrorCode = "EVAL-001"
	ErrInvalidInput ErrorCode = "EVAL-002"
	ErrMissingParam ErrorCode = "EVAL-003"

	// Rate limit errors (ERAT-xxx)
	ErrRateLimit ErrorCode = "ERAT-001"

	// Transport errors (ETRN-xxx)
	ErrTransport        ErrorCode = "ETRN-001"
	ErrBusUnreachable   ErrorCode = "ETRN-002"
	ErrPublish          ErrorCode = "ETRN-003"
	ErrMalformedMessage ErrorCode = "ETRN-004"
	ErrSubscribe        ErrorCode = "ETRN-005"
	ErrConnClosed       ErrorCode = "ETRN-006"

	// Stage errors (ESTG-xxx)
	ErrStage          ErrorCode = "ESTG-001"
	ErrUpstream       ErrorCode = "ESTG-002"
	ErrUnknownStage   ErrorCode = "ESTG-003"
	ErrOrchestrator   ErrorCode = "ESTG-004"
	ErrNotRunning     ErrorCode = "ESTG-005"
	ErrUnknownSection ErrorCode = "ESTG-006"

	// Session errors (ESES-xxx)
	ErrSessionNotFound ErrorCode = "ESES-002"

	// LLM errors (ELLM-xxx)
	ErrLLM            ErrorCode = "ELLM-001"
	ErrLLMTimeout     ErrorCode = "ELLM-002"
	ErrLLMClient      ErrorCode = "ELLM-003"
	ErrLLMInvalidResp ErrorCode = "ELLM-004"
	ErrLLMAllFailed   ErrorCode = "ELLM-005"

	// Storage errors (ESTO-xxx)
	ErrStorage      ErrorCode = "ESTO-001"
	ErrNotFound     ErrorCode = "ESTO-002"
	ErrDBConnection ErrorCode = "ESTO-004"

	// Auth errors (EAUTH-xxx)
	ErrAuth         ErrorCode = "EAUTH-001"
	ErrInvalidCreds ErrorCode = "EAUTH-002"
)

// AlertFlowError is the base error type with structured error codes.
// It carries a machine-readable ErrorCode, a human-readable Message,
// an optional wrapped Cause, and key-value Details for context.
type AlertFlowError struct {
	Code    ErrorCode
	Message string
	Cause   error
	Details map[string]interface{}
}

// Error returns the string representation in "[CODE] message" format.
// If a Cause is present it is appended after a colon separator.
func (e *AlertFlowError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying Cause so that errors.Is / errors.As
// can walk the error chain.
func (e *AlertFlowError) Unwrap() error {
	return e.Cause
}

// WithDetails adds a key-value pair to the error and returns the same
// pointer for chaining.
func (e *AlertFlowError) WithDetails(key string, value interface{}) *AlertFlowError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ---------------------------------------------------------------------------
// Constructor helpers
// ---------------------------------------------------------------------------

// New creates a new AlertFlowError with the given code and message.
func New(code ErrorCode, message string) *AlertFlowError {
	return &AlertFlowError{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new AlertFlowError that wraps cause.
func Wrap(code ErrorCode, message string, cause error) *AlertFlowError {
	return &AlertFlowError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// Is reports whether any error in err's chain carries the given ErrorCode.
func Is(err error, code ErrorCode) bool {
	for err != nil {
		var ae *AlertFlowError
		if errors.As(err, &ae) {
			if ae.Code == code {
				return true
			}
			err = ae.Cause
			continue
		}
		err = errors.Unwrap(err)
	}
	return false
}

// GetCode extracts the ErrorCode from the first AlertFlowError in err's
// chain, or "" when there is none.
func GetCode(err error) ErrorCode {
	var ae *AlertFlowError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

// Message returns the human-readable message of the first AlertFlowError
// in the chain, falling back to err.Error().
func Message(err error) string {
	if err == nil {
		return ""
	}
	var ae *AlertFlowError
	if errors.As(err, &ae) && ae.Message != "" {
		return ae.Message
	}
	return err.Error()
}

// ---------------------------------------------------------------------------
// HTTP status mapping
// ---------------------------------------------------------------------------

// ToHTTPStatus maps an ErrorCode to the most appropriate HTTP status code.
// Unknown codes default to 500 Internal Server Error.
func ToHTTPStatus(code ErrorCode) int {
	if status, ok := codeToHTTPStatus[code]; ok {
		return status
	}

	prefix := string(code)
	if idx := strings.Index(prefix, "-"); idx != -1 {
		prefix = prefix[:idx]
	}
	if status, ok := prefixToHTTPStatus[prefix]; ok {
		return status
	}

	return http.StatusInternalServerError
}

var codeToHTTPStatus = map[ErrorCode]int{
	ErrValidation:   http.StatusBadRequest,
	ErrInvalidInput: http.StatusBadRequest,
	ErrMissingParam: http.StatusBadRequest,

	ErrRateLimit: http.StatusTooManyRequests,

	ErrTransport:        http.StatusServiceUnavailable,
	ErrBusUnreachable:   http.StatusServiceUnavailable,
	ErrPublish:          http.StatusBadGateway,
	ErrMalformedMessage: http.StatusBadRequest,
	ErrSubscribe:        http.StatusServiceUnavailable,
	ErrConnClosed:       http.StatusServiceUnavailable,

	ErrStage:          http.StatusInternalServerError,
	ErrUpstream:       http.StatusBadRequest,
	ErrUnknownStage:   http.StatusBadRequest,
	ErrUnknownSection: http.StatusBadRequest,
	ErrOrchestrator:   http.StatusInternalServerError,
	ErrNotRunning:     http.StatusServiceUnavailable,

	ErrSessionNotFound: http.StatusNotFound,

	ErrLLM:            http.StatusServiceUnavailable,
	ErrLLMTimeout:     http.StatusGatewayTimeout,
	ErrLLMClient:      http.StatusBadGateway,
	ErrLLMInvalidResp: http.StatusBadGateway,
	ErrLLMAllFailed:   http.StatusServiceUnavailable,

	ErrStorage:      http.StatusInternalServerError,
	ErrNotFound:     http.StatusNotFound,
	ErrDBConnection: http.StatusServiceUnavailable,

	ErrAuth:         http.StatusUnauthorized,
	ErrInvalidCreds: http.StatusUnauthorized,
}

// prefixToHTTPStatus provides category-level fallback mappings.
var prefixToHTTPStatus = map[string]int{
	"EVAL":  http.StatusBadRequest,
	"ERAT":  http.StatusTooManyRequests,
	"ETRN":  http.StatusServiceUnavailable,
	"ESTG":  http.StatusBadRequest,
	"ESES":  http.StatusInternalServerError,
	"ELLM":  http.StatusServiceUnavailable,
	"ESTO":  http.StatusInternalServerError,
	"EAUTH": http.StatusUnauthorized,
}
