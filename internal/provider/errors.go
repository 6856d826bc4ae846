package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Machine-readable engine error codes
const (
	CodeTimeout           = "timeout"
	CodeEngineError       = "engine_error"
	CodeMalformedResponse = "malformed_response"
	CodeInvalidRequest    = "invalid_request"
	CodeUnavailable       = "unavailable"
)

// EngineError is returned by engine clients so callers can branch on Code
type EngineError struct {
	Provider  string
	Code      string
	Message   string
	Retryable bool
	Err       error
}

func (e *EngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Provider, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Code, e.Message)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err may succeed on a second attempt with the same inputs
func IsRetryable(err error) bool {
	var engErr *EngineError
	if errors.As(err, &engErr) {
		return engErr.Retryable
	}
	return !errors.Is(err, context.Canceled)
}

// ErrorCode extracts the engine error code, or engine_error for anything else
func ErrorCode(err error) string {
	var engErr *EngineError
	if errors.As(err, &engErr) {
		return engErr.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	return CodeEngineError
}

// transportError classifies a failed HTTP round trip
func transportError(provider string, err error) *EngineError {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &EngineError{Provider: provider, Code: CodeTimeout, Message: "request timed out", Retryable: true, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &EngineError{Provider: provider, Code: CodeUnavailable, Message: "request cancelled", Retryable: false, Err: err}
	}
	return &EngineError{Provider: provider, Code: CodeUnavailable, Message: "request failed", Retryable: true, Err: err}
}

// statusError maps a non-200 response to an engine error
func statusError(provider string, status int, code, message string) *EngineError {
	if code == "" {
		code = CodeEngineError
		if status >= 400 && status < 500 && status != http.StatusTooManyRequests && status != http.StatusRequestTimeout {
			code = CodeInvalidRequest
		}
	}
	retryable := code != CodeInvalidRequest
	return &EngineError{
		Provider:  provider,
		Code:      code,
		Message:   fmt.Sprintf("status %d: %s", status, message),
		Retryable: retryable,
	}
}

// truncateString shortens s for log lines
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
