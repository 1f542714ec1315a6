package engine

import (
	"errors"
	"fmt"
)

// ErrContextClosed is returned when a SyncContext is used after its database
// was closed.
var ErrContextClosed = errors.New("sync context closed")

// SyncError represents a classified failure of the apply pipeline or the
// sync protocol.
//
// Sync errors fall into four categories:
//   - Transient: network failure or timeout; nothing was mutated, retry freely
//   - OutOfSync: bounded convergence gave up; requires a rebuild, never retried
//   - MalformedMessage: one bad message; dropped and counted, batch continues
//   - StorageTransaction: the whole apply batch aborted; nothing was persisted
type SyncError struct {
	// Code identifies the error category.
	Code SyncErrorCode

	// Message is a human-readable description.
	Message string

	// Cause is the underlying error, if any. Reachable via errors.Unwrap.
	Cause error

	// Details contains additional context.
	Details map[string]string
}

// SyncErrorCode categorizes sync errors.
type SyncErrorCode string

const (
	// ErrCodeTransient indicates a network failure or timeout.
	ErrCodeTransient SyncErrorCode = "TRANSIENT"

	// ErrCodeOutOfSync indicates two replicas could not converge.
	ErrCodeOutOfSync SyncErrorCode = "OUT_OF_SYNC"

	// ErrCodeMalformedMessage indicates a message failed validation.
	ErrCodeMalformedMessage SyncErrorCode = "MALFORMED_MESSAGE"

	// ErrCodeStorageTransaction indicates the storage transaction aborted.
	ErrCodeStorageTransaction SyncErrorCode = "STORAGE_TRANSACTION"
)

// Error implements the error interface.
func (e *SyncError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *SyncError) Unwrap() error {
	return e.Cause
}

func hasCode(err error, code SyncErrorCode) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// IsTransient returns true if the error is a transient sync error.
// Uses errors.As to handle wrapped errors.
func IsTransient(err error) bool {
	return hasCode(err, ErrCodeTransient)
}

// IsOutOfSync returns true if the error reports unrecoverable divergence.
func IsOutOfSync(err error) bool {
	return hasCode(err, ErrCodeOutOfSync)
}

// IsMalformed returns true if the error reports a malformed message.
func IsMalformed(err error) bool {
	return hasCode(err, ErrCodeMalformedMessage)
}

// IsStorageFailure returns true if the error reports an aborted transaction.
func IsStorageFailure(err error) bool {
	return hasCode(err, ErrCodeStorageTransaction)
}

// NewTransientError creates a SyncError for a failed or timed out exchange.
func NewTransientError(message string, cause error) *SyncError {
	return &SyncError{
		Code:    ErrCodeTransient,
		Message: message,
		Cause:   cause,
	}
}

// NewOutOfSyncError creates a SyncError for exhausted convergence.
func NewOutOfSyncError(message string, details map[string]string) *SyncError {
	return &SyncError{
		Code:    ErrCodeOutOfSync,
		Message: message,
		Details: details,
	}
}

// NewMalformedError creates a SyncError for a message that failed validation.
func NewMalformedError(cause error) *SyncError {
	return &SyncError{
		Code:    ErrCodeMalformedMessage,
		Message: "message rejected",
		Cause:   cause,
	}
}

// NewStorageError creates a SyncError for an aborted storage transaction.
func NewStorageError(cause error) *SyncError {
	return &SyncError{
		Code:    ErrCodeStorageTransaction,
		Message: "apply transaction aborted",
		Cause:   cause,
	}
}
