package ledger

import (
	"errors"
	"fmt"
	"testing"
)

const (
	operationErrorOperation = "store"
	operationErrorSubject   = "batch"
	operationErrorCode      = "execute"
	operationErrorMessage   = "boom"
)

func TestOperationErrorFormatting(test *testing.T) {
	test.Parallel()
	baseErr := errors.New(operationErrorMessage)
	wrapped := WrapError(operationErrorOperation, operationErrorSubject, operationErrorCode, baseErr)
	if wrapped.Error() != "store.batch.execute: boom" {
		test.Fatalf("unexpected format: %s", wrapped.Error())
	}
	var operationError OperationError
	if !errors.As(wrapped, &operationError) {
		test.Fatalf("expected OperationError")
	}
	if operationError.Operation() != operationErrorOperation || operationError.Subject() != operationErrorSubject || operationError.Code() != operationErrorCode {
		test.Fatalf("unexpected segments: %+v", operationError)
	}
	if !errors.Is(wrapped, baseErr) {
		test.Fatalf("expected unwrap to base error")
	}
}

func TestWrapErrorNil(test *testing.T) {
	test.Parallel()
	if WrapError(operationErrorOperation, operationErrorSubject, operationErrorCode, nil) != nil {
		test.Fatalf("expected nil for nil error")
	}
}

func TestKindOf(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{name: "nil", err: nil, want: ErrorKindNone},
		{name: "insufficient", err: &InsufficientFundsError{Available: 1, Requested: 2}, want: ErrorKindInsufficientFunds},
		{name: "conflict", err: fmt.Errorf("%w: %w", ErrConcurrencyConflict, ErrVersionMismatch), want: ErrorKindConcurrencyConflict},
		{name: "not found", err: &NotFoundError{Subject: SubjectHold, ID: "hold:1"}, want: ErrorKindNotFound},
		{name: "batch failed", err: &BatchFailedError{Partition: "u", Cause: errors.New("timeout")}, want: ErrorKindBatchFailed},
		{name: "key reused", err: fmt.Errorf("%w: detail", ErrIdempotencyKeyReused), want: ErrorKindIdempotencyKeyReused},
		{name: "invalid gems", err: fmt.Errorf("%w: negative", ErrInvalidGems), want: ErrorKindInvalidInput},
		{name: "invalid metadata", err: ErrInvalidMetadataJSON, want: ErrorKindInvalidInput},
		{name: "unknown", err: errors.New("other"), want: ErrorKindUnknown},
	}
	for _, testCase := range testCases {
		if got := KindOf(testCase.err); got != testCase.want {
			test.Fatalf("%s: expected %s, got %s", testCase.name, testCase.want, got)
		}
	}
}

func TestBatchFailedErrorUnwrapsBoth(test *testing.T) {
	test.Parallel()
	cause := WrapError("cosmos", "batch", "execute", errors.New("service unavailable"))
	err := error(&BatchFailedError{Partition: "user-1", Cause: cause})
	if !errors.Is(err, ErrBatchFailed) {
		test.Fatalf("expected ErrBatchFailed")
	}
	var operationError OperationError
	if !errors.As(err, &operationError) || operationError.Operation() != "cosmos" {
		test.Fatalf("expected the store OperationError to stay reachable, got %v", err)
	}
}
