package errors

import (
	"errors"
	"fmt"

	"github.com/devrev/ringdb/internal/protocol"
)

// ErrorCode represents internal error codes for node and coordinator operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Client errors
	ErrCodeInvalidKey     ErrorCode = 1000
	ErrCodeKeyTooLarge    ErrorCode = 1001
	ErrCodeValueTooLarge  ErrorCode = 1002
	ErrCodeKeyNotFound    ErrorCode = 1003
	ErrCodeProtocol       ErrorCode = 1004
	ErrCodeFrameTooLarge  ErrorCode = 1005
	ErrCodeRateLimited    ErrorCode = 1006
	ErrCodeNotResponsible ErrorCode = 1100
	ErrCodeWriteLocked    ErrorCode = 1101
	ErrCodeStopped        ErrorCode = 1102

	// Server errors
	ErrCodeInternal        ErrorCode = 2000
	ErrCodeStoreFailed     ErrorCode = 2001
	ErrCodeDiskFull        ErrorCode = 2002
	ErrCodeCorruptedData   ErrorCode = 2003
	ErrCodeTransferFailed  ErrorCode = 2004
	ErrCodeRebalanceFailed ErrorCode = 2005
	ErrCodeBusy            ErrorCode = 2006
)

// KVError represents a structured error with code and context
type KVError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *KVError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *KVError) Unwrap() error {
	return e.Cause
}

// ResponseStatus maps the error to the status a node replies with. Store
// failures are operation specific and are mapped by the caller.
func (e *KVError) ResponseStatus() protocol.Status {
	switch e.Code {
	case ErrCodeKeyNotFound:
		return protocol.StatusGetError
	case ErrCodeNotResponsible:
		return protocol.StatusServerNotResponsible
	case ErrCodeWriteLocked:
		return protocol.StatusServerWriteLock
	case ErrCodeStopped:
		return protocol.StatusServerStopped
	case ErrCodeTransferFailed:
		return protocol.StatusTransferError
	case ErrCodeRebalanceFailed:
		return protocol.StatusRebalanceError
	default:
		return protocol.StatusFailed
	}
}

// NewKVError creates a new KVError
func NewKVError(code ErrorCode, message string, cause error) *KVError {
	return &KVError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *KVError) WithDetail(key string, value interface{}) *KVError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidKey(key, reason string) *KVError {
	return NewKVError(ErrCodeInvalidKey, fmt.Sprintf("invalid key '%s': %s", key, reason), nil).
		WithDetail("key", key).
		WithDetail("reason", reason)
}

func KeyTooLarge(size, maxSize int) *KVError {
	return NewKVError(ErrCodeKeyTooLarge, fmt.Sprintf("key size %d exceeds maximum %d", size, maxSize), nil).
		WithDetail("size", size).
		WithDetail("max_size", maxSize)
}

func ValueTooLarge(size, maxSize int) *KVError {
	return NewKVError(ErrCodeValueTooLarge, fmt.Sprintf("value size %d exceeds maximum %d", size, maxSize), nil).
		WithDetail("size", size).
		WithDetail("max_size", maxSize)
}

func KeyNotFound(key string) *KVError {
	return NewKVError(ErrCodeKeyNotFound, fmt.Sprintf("key not found: %s", key), nil).
		WithDetail("key", key)
}

func Protocol(message string, cause error) *KVError {
	return NewKVError(ErrCodeProtocol, message, cause)
}

func FrameTooLarge(limit int) *KVError {
	return NewKVError(ErrCodeFrameTooLarge, fmt.Sprintf("frame exceeds %d bytes", limit), nil).
		WithDetail("limit", limit)
}

func RateLimited() *KVError {
	return NewKVError(ErrCodeRateLimited, "rate limit exceeded", nil)
}

func NotResponsible(key string) *KVError {
	return NewKVError(ErrCodeNotResponsible, fmt.Sprintf("not responsible for key %s", key), nil).
		WithDetail("key", key)
}

func WriteLocked() *KVError {
	return NewKVError(ErrCodeWriteLocked, "server is write locked", nil)
}

func Stopped() *KVError {
	return NewKVError(ErrCodeStopped, "server is stopped", nil)
}

func Busy() *KVError {
	return NewKVError(ErrCodeBusy, "server busy", nil)
}

func InternalError(message string, cause error) *KVError {
	return NewKVError(ErrCodeInternal, message, cause)
}

func StoreFailed(op, key string, cause error) *KVError {
	return NewKVError(ErrCodeStoreFailed, fmt.Sprintf("store %s failed", op), cause).
		WithDetail("op", op).
		WithDetail("key", key)
}

func DiskFull(usagePercent float64, availableBytes uint64) *KVError {
	return NewKVError(ErrCodeDiskFull, fmt.Sprintf("disk full: %.2f%% used, %d bytes available", usagePercent, availableBytes), nil).
		WithDetail("usage_percent", usagePercent).
		WithDetail("available_bytes", availableBytes)
}

func CorruptedData(message string, cause error) *KVError {
	return NewKVError(ErrCodeCorruptedData, message, cause)
}

func TransferFailed(receiver string, moved int, cause error) *KVError {
	return NewKVError(ErrCodeTransferFailed, fmt.Sprintf("transfer to %s failed after %d keys", receiver, moved), cause).
		WithDetail("receiver", receiver).
		WithDetail("keys_moved", moved)
}

func RebalanceFailed(message string, cause error) *KVError {
	return NewKVError(ErrCodeRebalanceFailed, message, cause)
}

// IsKVError checks if an error is a KVError
func IsKVError(err error) bool {
	var ke *KVError
	return errors.As(err, &ke)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	var ke *KVError
	if errors.As(err, &ke) {
		return ke.Code
	}
	return ErrCodeInternal
}
