package storage

import (
	"errors"
	"fmt"
)

// ErrorCode represents different types of storage errors
type ErrorCode int

const (
	// Generic errors
	ErrCodeUnknown ErrorCode = iota
	ErrCodeInternal

	// Page errors
	ErrCodePageNotFound
	ErrCodeOutOfRange
	ErrCodePageCorrupted

	// Cache errors
	ErrCodePagePinned
	ErrCodeInvalidPin
	ErrCodeConsistencyViolation
	ErrCodeCacheClosed

	// Atomic operation errors
	ErrCodeOperationNotFound
	ErrCodeInvalidOperationState

	// Journal errors
	ErrCodeJournalCorrupted
	ErrCodeCheckpointFailed

	// Disk errors
	ErrCodeIOFailure
	ErrCodeFileNotFound
	ErrCodeFileExists
)

// Sentinels for errors.Is comparisons. StorageError.Is matches on Code only.
var (
	ErrOutOfRange           = &StorageError{Code: ErrCodeOutOfRange, Message: "out of range"}
	ErrIOFailure            = &StorageError{Code: ErrCodeIOFailure, Message: "i/o failure"}
	ErrConsistencyViolation = &StorageError{Code: ErrCodeConsistencyViolation, Message: "consistency violation"}
	ErrPinned               = &StorageError{Code: ErrCodePagePinned, Message: "page is pinned"}
	ErrFileMissing          = &StorageError{Code: ErrCodeFileNotFound, Message: "file not found"}
	ErrClosed               = &StorageError{Code: ErrCodeCacheClosed, Message: "cache is closed"}
)

// StorageError represents a storage engine error with context
type StorageError struct {
	Code    ErrorCode
	Message string
	Op      string // Operation that failed
	Err     error  // Underlying error (if any)
}

// Error implements the error interface
func (e *StorageError) Error() string {
	if e.Op != "" {
		if e.Err != nil {
			return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
		}
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *StorageError) Unwrap() error {
	return e.Err
}

// Is checks if the error matches a specific error code
func (e *StorageError) Is(target error) bool {
	if t, ok := target.(*StorageError); ok {
		return e.Code == t.Code
	}
	return false
}

// NewStorageError creates a new storage error
func NewStorageError(code ErrorCode, op, message string, err error) *StorageError {
	return &StorageError{
		Code:    code,
		Message: message,
		Op:      op,
		Err:     err,
	}
}

// Helper functions for common errors

func ErrPageNotFound(op string, id PageIdentity) *StorageError {
	return NewStorageError(
		ErrCodePageNotFound,
		op,
		fmt.Sprintf("page %s not found", id),
		nil,
	)
}

func ErrPositionOutOfRange(op string, position int64, fileSize uint64) *StorageError {
	return NewStorageError(
		ErrCodeOutOfRange,
		op,
		fmt.Sprintf("position %d is outside of map range (%d bucket pages)", position, fileSize),
		nil,
	)
}

func ErrPageOutOfRange(op string, id PageIdentity, filledUpTo uint64) *StorageError {
	return NewStorageError(
		ErrCodeOutOfRange,
		op,
		fmt.Sprintf("page %s is beyond end of file (%d pages)", id, filledUpTo),
		nil,
	)
}

func ErrPagePinned(op string, id PageIdentity, pinCount int32) *StorageError {
	return NewStorageError(
		ErrCodePagePinned,
		op,
		fmt.Sprintf("page %s is pinned (pin count: %d)", id, pinCount),
		nil,
	)
}

func ErrInvalidUnpin(op string, id PageIdentity) *StorageError {
	return NewStorageError(
		ErrCodeInvalidPin,
		op,
		fmt.Sprintf("page %s is not pinned", id),
		nil,
	)
}

func ErrConsistency(op, message string) *StorageError {
	return NewStorageError(
		ErrCodeConsistencyViolation,
		op,
		message,
		nil,
	)
}

func ErrInvalidOperationState(op string, opID uint64, state string) *StorageError {
	return NewStorageError(
		ErrCodeInvalidOperationState,
		op,
		fmt.Sprintf("atomic operation %d in invalid state: %s", opID, state),
		nil,
	)
}

func ErrFileNotFound(op string, name string) *StorageError {
	return NewStorageError(
		ErrCodeFileNotFound,
		op,
		fmt.Sprintf("file %q not found", name),
		nil,
	)
}

func ErrFileIDNotFound(op string, fileID uint64) *StorageError {
	return NewStorageError(
		ErrCodeFileNotFound,
		op,
		fmt.Sprintf("file id %d not registered", fileID),
		nil,
	)
}

func ErrDiskOperation(op string, err error) *StorageError {
	return NewStorageError(
		ErrCodeIOFailure,
		op,
		"disk operation failed",
		err,
	)
}

func ErrJournalCorrupted(op string, offset int64, err error) *StorageError {
	return NewStorageError(
		ErrCodeJournalCorrupted,
		op,
		fmt.Sprintf("journal corrupted at offset %d", offset),
		err,
	)
}

// IsErrorCode checks if an error, or any error it wraps, has a specific error code
func IsErrorCode(err error, code ErrorCode) bool {
	var se *StorageError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// GetErrorCode returns the error code from an error, or ErrCodeUnknown
func GetErrorCode(err error) ErrorCode {
	var se *StorageError
	if errors.As(err, &se) {
		return se.Code
	}
	return ErrCodeUnknown
}
