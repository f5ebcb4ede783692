package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger service.
var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrConcurrencyConflict   = errors.New("concurrency conflict")
	ErrNotFound              = errors.New("not found")
	ErrBatchFailed           = errors.New("batch failed")
	ErrIdempotencyKeyReused  = errors.New("idempotency key reused with different parameters")
	ErrListingUnsupported    = errors.New("document store does not support listing")
	ErrInvalidUserID         = errors.New("invalid user id")
	ErrInvalidHoldID         = errors.New("invalid hold id")
	ErrInvalidEventID        = errors.New("invalid event id")
	ErrInvalidIdempotencyKey = errors.New("invalid idempotency key")
	ErrInvalidGems           = errors.New("invalid gems")
	ErrInvalidHoldStatus     = errors.New("invalid hold status")
	ErrInvalidEventType      = errors.New("invalid event type")
	ErrInvalidMetadataJSON   = errors.New("invalid metadata json")
	ErrInvalidServiceConfig  = errors.New("invalid service config")
	ErrInvalidBalance        = errors.New("invalid balance")
	ErrCorruptDocument       = errors.New("corrupt document")
)

// Subjects reported by NotFoundError.
const (
	SubjectBalance = "balance"
	SubjectHold    = "hold"
)

// InsufficientFundsError reports the balance that failed to cover a debit.
type InsufficientFundsError struct {
	UserID    UserID
	Available Gems
	Requested Gems
}

func (insufficientFundsError *InsufficientFundsError) Error() string {
	return fmt.Sprintf("%v: user %s has %d gems, requested %d", ErrInsufficientFunds, insufficientFundsError.UserID, insufficientFundsError.Available, insufficientFundsError.Requested)
}

// Unwrap exposes ErrInsufficientFunds to errors.Is.
func (insufficientFundsError *InsufficientFundsError) Unwrap() error {
	return ErrInsufficientFunds
}

// NotFoundError reports a missing balance or hold document.
type NotFoundError struct {
	Subject string
	ID      string
}

func (notFoundError *NotFoundError) Error() string {
	return fmt.Sprintf("%v: %s %s", ErrNotFound, notFoundError.Subject, notFoundError.ID)
}

// Unwrap exposes ErrNotFound to errors.Is.
func (notFoundError *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// BatchFailedError reports a commit failure that is not an optimistic-concurrency conflict.
type BatchFailedError struct {
	Partition string
	Cause     error
}

func (batchFailedError *BatchFailedError) Error() string {
	return fmt.Sprintf("%v: partition %s: %v", ErrBatchFailed, batchFailedError.Partition, batchFailedError.Cause)
}

// Unwrap exposes both ErrBatchFailed and the store's own error.
func (batchFailedError *BatchFailedError) Unwrap() []error {
	return []error{ErrBatchFailed, batchFailedError.Cause}
}

// ErrorKind classifies ledger failures for callers that map them onto transports.
type ErrorKind string

const (
	ErrorKindNone                 ErrorKind = ""
	ErrorKindInsufficientFunds    ErrorKind = "insufficient_funds"
	ErrorKindConcurrencyConflict  ErrorKind = "concurrency_conflict"
	ErrorKindNotFound             ErrorKind = "not_found"
	ErrorKindBatchFailed          ErrorKind = "batch_failed"
	ErrorKindIdempotencyKeyReused ErrorKind = "idempotency_key_reused"
	ErrorKindInvalidInput         ErrorKind = "invalid_input"
	ErrorKindUnknown              ErrorKind = "unknown"
)

var invalidInputErrors = []error{
	ErrInvalidUserID,
	ErrInvalidHoldID,
	ErrInvalidEventID,
	ErrInvalidIdempotencyKey,
	ErrInvalidGems,
	ErrInvalidHoldStatus,
	ErrInvalidEventType,
	ErrInvalidMetadataJSON,
}

// KindOf returns the ErrorKind of err, or ErrorKindNone for nil.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ErrorKindNone
	case errors.Is(err, ErrInsufficientFunds):
		return ErrorKindInsufficientFunds
	case errors.Is(err, ErrConcurrencyConflict):
		return ErrorKindConcurrencyConflict
	case errors.Is(err, ErrNotFound):
		return ErrorKindNotFound
	case errors.Is(err, ErrIdempotencyKeyReused):
		return ErrorKindIdempotencyKeyReused
	case errors.Is(err, ErrBatchFailed):
		return ErrorKindBatchFailed
	}
	for _, invalid := range invalidInputErrors {
		if errors.Is(err, invalid) {
			return ErrorKindInvalidInput
		}
	}
	return ErrorKindUnknown
}

// IsRetryable reports whether re-reading and retrying the operation may succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
