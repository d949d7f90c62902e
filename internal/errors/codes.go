package errors

import (
	stderrors "errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for storage operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Caller errors: fatal, never retried
	ErrCodeInvalidArgument       ErrorCode = 1000
	ErrCodeInvalidKeyFormat      ErrorCode = 1001
	ErrCodeUnsupportedStorageKey ErrorCode = 1002
	ErrCodePreconditionFailed    ErrorCode = 1003
	ErrCodeCrdtFailure           ErrorCode = 1004
	ErrCodeNotFound              ErrorCode = 1005

	// Backend errors
	ErrCodeInternal         ErrorCode = 2000
	ErrCodeUnavailable      ErrorCode = 2001
	ErrCodeDatabaseFailure  ErrorCode = 2002
	ErrCodeCorruptedData    ErrorCode = 2003
	ErrCodeCompositeFailure ErrorCode = 2004
)

var codeNames = map[ErrorCode]string{
	ErrCodeOK:                    "OK",
	ErrCodeInvalidArgument:       "INVALID_ARGUMENT",
	ErrCodeInvalidKeyFormat:      "INVALID_KEY_FORMAT",
	ErrCodeUnsupportedStorageKey: "UNSUPPORTED_STORAGE_KEY",
	ErrCodePreconditionFailed:    "PRECONDITION_FAILED",
	ErrCodeCrdtFailure:           "CRDT_FAILURE",
	ErrCodeNotFound:              "NOT_FOUND",
	ErrCodeInternal:              "INTERNAL",
	ErrCodeUnavailable:           "UNAVAILABLE",
	ErrCodeDatabaseFailure:       "DATABASE_FAILURE",
	ErrCodeCorruptedData:         "CORRUPTED_DATA",
	ErrCodeCompositeFailure:      "COMPOSITE_FAILURE",
}

// String returns the symbolic name of the code.
func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// StoreError represents a structured error with code and context
type StoreError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *StoreError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *StoreError) Unwrap() error {
	return e.Cause
}

// Is matches another *StoreError carrying the same code, so callers can write
// errors.Is(err, &StoreError{Code: ErrCodeInvalidKeyFormat}).
func (e *StoreError) Is(target error) bool {
	t, ok := target.(*StoreError)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
}

// ToGRPCStatus converts StoreError to gRPC status
func (e *StoreError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

// toGRPCCode maps internal error codes to gRPC codes
func (e *StoreError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument, ErrCodeInvalidKeyFormat, ErrCodeCrdtFailure:
		return codes.InvalidArgument
	case ErrCodeUnsupportedStorageKey:
		return codes.Unimplemented
	case ErrCodePreconditionFailed:
		return codes.FailedPrecondition
	case ErrCodeNotFound:
		return codes.NotFound
	case ErrCodeCorruptedData:
		return codes.DataLoss
	case ErrCodeUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// NewStoreError creates a new StoreError
func NewStoreError(code ErrorCode, message string, cause error) *StoreError {
	return &StoreError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *StoreError) WithDetail(key string, value interface{}) *StoreError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *StoreError {
	return NewStoreError(ErrCodeInvalidArgument, message, cause)
}

func InvalidKeyFormat(raw, reason string) *StoreError {
	return NewStoreError(ErrCodeInvalidKeyFormat, fmt.Sprintf("invalid storage key '%s': %s", raw, reason), nil).
		WithDetail("key", raw).
		WithDetail("reason", reason)
}

func UnsupportedStorageKey(key string) *StoreError {
	return NewStoreError(ErrCodeUnsupportedStorageKey, fmt.Sprintf("no driver provider supports storage key '%s'", key), nil).
		WithDetail("key", key)
}

func PreconditionFailed(key, criterion, reason string) *StoreError {
	return NewStoreError(ErrCodePreconditionFailed, fmt.Sprintf("existence criterion %s violated for '%s': %s", criterion, key, reason), nil).
		WithDetail("key", key).
		WithDetail("criterion", criterion)
}

func CrdtFailure(message string) *StoreError {
	return NewStoreError(ErrCodeCrdtFailure, message, nil)
}

func NotFound(what string) *StoreError {
	return NewStoreError(ErrCodeNotFound, fmt.Sprintf("%s not found", what), nil)
}

func DatabaseFailure(database string, cause error) *StoreError {
	return NewStoreError(ErrCodeDatabaseFailure, fmt.Sprintf("database %s failed", database), cause).
		WithDetail("database", database)
}

func CorruptedData(message string, cause error) *StoreError {
	return NewStoreError(ErrCodeCorruptedData, message, cause)
}

func InternalError(message string, cause error) *StoreError {
	return NewStoreError(ErrCodeInternal, message, cause)
}

func Unavailable(message string, cause error) *StoreError {
	return NewStoreError(ErrCodeUnavailable, message, cause)
}

// IsStoreError checks if an error is, or wraps, a StoreError
func IsStoreError(err error) bool {
	var se *StoreError
	return stderrors.As(err, &se)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var cf *CompositeFailure
	if stderrors.As(err, &cf) {
		return ErrCodeCompositeFailure
	}
	var se *StoreError
	if stderrors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternal
}

// IsFatal reports whether err is a construction-time error that must not be retried.
func IsFatal(err error) bool {
	switch GetCode(err) {
	case ErrCodeInvalidArgument, ErrCodeInvalidKeyFormat, ErrCodeUnsupportedStorageKey,
		ErrCodePreconditionFailed, ErrCodeCrdtFailure:
		return true
	}
	return false
}
