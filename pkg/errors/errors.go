// Package errors provides structured error handling for Meridian
package errors

import (
	"context"
	"errors"
	"fmt"
	"runtime"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeInternal represents internal system errors
	ErrorTypeInternal ErrorType = "internal"
	// ErrorTypeValidation represents validation errors
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeNotFound represents resource not found errors
	ErrorTypeNotFound ErrorType = "not_found"
	// ErrorTypeConflict represents conflict errors
	ErrorTypeConflict ErrorType = "conflict"
	// ErrorTypeRateLimit represents rate limit errors
	ErrorTypeRateLimit ErrorType = "rate_limit"
	// ErrorTypeTimeout represents timeout errors
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeConnection represents connection errors
	ErrorTypeConnection ErrorType = "connection"
	// ErrorTypeAuthentication represents authentication errors
	ErrorTypeAuthentication ErrorType = "authentication"
	// ErrorTypeConfig represents configuration errors
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeData represents data processing errors
	ErrorTypeData ErrorType = "data"
	// ErrorTypeCapability represents capability/feature not supported errors
	ErrorTypeCapability ErrorType = "capability"
	// ErrorTypeQuery represents query construction errors
	ErrorTypeQuery ErrorType = "query"

	// ErrorTypeSchemaUnavailable means the backend object or its schema is missing or malformed
	ErrorTypeSchemaUnavailable ErrorType = "schema_unavailable"
	// ErrorTypeUnsupportedType means a backend type has no columnar mapping
	ErrorTypeUnsupportedType ErrorType = "unsupported_type"
	// ErrorTypePoolTimeout means no pooled connection became available in time
	ErrorTypePoolTimeout ErrorType = "pool_timeout"
	// ErrorTypePoolExhausted means the pool cannot hand out connections at all
	ErrorTypePoolExhausted ErrorType = "pool_exhausted"
	// ErrorTypePoolCorrupted means a pool invariant was violated; the pool must be rebuilt
	ErrorTypePoolCorrupted ErrorType = "pool_corrupted"
	// ErrorTypeBackendUnreachable means connection establishment failed after retries
	ErrorTypeBackendUnreachable ErrorType = "backend_unreachable"
	// ErrorTypeBackendExecution means a native query failed mid-scan
	ErrorTypeBackendExecution ErrorType = "backend_execution"
	// ErrorTypeProtocolViolation means a Flight stream carried a nonconforming batch or frame
	ErrorTypeProtocolViolation ErrorType = "protocol_violation"
	// ErrorTypePushdownRejected is an internal planner signal, never returned to callers
	ErrorTypePushdownRejected ErrorType = "pushdown_rejected"
)

var knownTypes = map[ErrorType]bool{
	ErrorTypeInternal: true, ErrorTypeValidation: true, ErrorTypeNotFound: true,
	ErrorTypeConflict: true, ErrorTypeRateLimit: true, ErrorTypeTimeout: true,
	ErrorTypeConnection: true, ErrorTypeAuthentication: true, ErrorTypeConfig: true,
	ErrorTypeData: true, ErrorTypeCapability: true, ErrorTypeQuery: true,
	ErrorTypeSchemaUnavailable: true, ErrorTypeUnsupportedType: true,
	ErrorTypePoolTimeout: true, ErrorTypePoolExhausted: true, ErrorTypePoolCorrupted: true,
	ErrorTypeBackendUnreachable: true, ErrorTypeBackendExecution: true,
	ErrorTypeProtocolViolation: true, ErrorTypePushdownRejected: true,
}

// ParseType resolves the wire name of an error type.
func ParseType(s string) (ErrorType, bool) {
	t := ErrorType(s)
	return t, knownTypes[t]
}

// Error represents a structured error with context
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Details map[string]interface{}
	Stack   []StackFrame
}

// StackFrame represents a single frame in the call stack
type StackFrame struct {
	Function string
	File     string
	Line     int
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail adds a key-value detail to the error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new error with the given type and message
func New(errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
		Stack:   captureStack(2),
	}
}

// Newf creates a new error with a formatted message
func Newf(errType ErrorType, format string, args ...interface{}) *Error {
	return &Error{
		Type:    errType,
		Message: fmt.Sprintf(format, args...),
		Stack:   captureStack(2),
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, errType ErrorType, message string) *Error {
	if err == nil {
		return nil
	}

	// If already our error type, preserve the stack
	var existingErr *Error
	if errors.As(err, &existingErr) {
		return &Error{
			Type:    errType,
			Message: message,
			Cause:   err,
			Stack:   existingErr.Stack,
		}
	}

	return &Error{
		Type:    errType,
		Message: message,
		Cause:   err,
		Stack:   captureStack(2),
	}
}

// IsRetryable returns true if the error is retryable
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}

	switch e.Type {
	case ErrorTypeRateLimit, ErrorTypeTimeout, ErrorTypeConnection,
		ErrorTypePoolTimeout, ErrorTypePoolExhausted, ErrorTypeBackendUnreachable:
		return true
	default:
		return false
	}
}

// IsType checks if the error is of the given type
func IsType(err error, errType ErrorType) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Type == errType
}

// TypeOf returns the type of the outermost structured error in the chain,
// or ErrorTypeInternal when there is none.
func TypeOf(err error) ErrorType {
	var e *Error
	if !errors.As(err, &e) {
		return ErrorTypeInternal
	}
	return e.Type
}

// IsCanceled reports whether err is a context cancellation. Cancellation is a
// normal terminal state, not a failure.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}

// Is is a passthrough to the standard library errors.Is
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As is a passthrough to the standard library errors.As
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// captureStack captures the current call stack
func captureStack(skip int) []StackFrame {
	const maxFrames = 32
	frames := make([]StackFrame, 0, maxFrames)

	for i := skip; i < maxFrames+skip; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}

		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}

		frames = append(frames, StackFrame{
			Function: fn.Name(),
			File:     file,
			Line:     line,
		})
	}

	return frames
}
