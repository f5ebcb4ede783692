package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Errors a DocumentStore reports; adapters may wrap them.
var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrDocumentExists   = errors.New("document already exists")
	ErrVersionMismatch  = errors.New("document version mismatch")
	ErrInvalidBatch     = errors.New("invalid batch")
)

// Version is an opaque optimistic-concurrency token that changes on every write.
type Version string

// DocumentType tags a stored document with the record it holds.
type DocumentType string

const (
	DocumentTypeBalance     DocumentType = "balance"
	DocumentTypeHold        DocumentType = "hold"
	DocumentTypeEvent       DocumentType = "ledger_event"
	DocumentTypeIdempotency DocumentType = "idempotency"
)

// Document is the unit of storage inside a partition.
type Document struct {
	ID        string
	Type      DocumentType
	Version   Version
	CreatedAt time.Time
	Body      []byte
}

// OperationType is the kind of write in a batch.
type OperationType string

const (
	OperationCreate  OperationType = "create"
	OperationReplace OperationType = "replace"
)

// Operation is one write inside an atomic batch.
type Operation struct {
	Type            OperationType
	Document        Document
	ExpectedVersion Version
}

// CreateOperation fails the batch when the id already exists.
func CreateOperation(document Document) Operation {
	return Operation{Type: OperationCreate, Document: document}
}

// ReplaceOperation fails the batch unless the stored version equals expected.
func ReplaceOperation(document Document, expected Version) Operation {
	return Operation{Type: OperationReplace, Document: document, ExpectedVersion: expected}
}

// DocumentStore is a partitioned document store with single-partition atomic batches.
type DocumentStore interface {
	// Read returns ErrDocumentNotFound when the id is absent.
	Read(ctx context.Context, partition string, id string) (Document, error)
	// ExecuteBatch applies every operation or none. It returns ErrDocumentExists
	// or ErrVersionMismatch (possibly wrapped) when an optimistic check fails.
	ExecuteBatch(ctx context.Context, partition string, operations []Operation) error
}

// DocumentLister is implemented by stores that can page through a partition.
type DocumentLister interface {
	// List returns up to limit documents of one type, newest first.
	List(ctx context.Context, partition string, documentType DocumentType, limit int) ([]Document, error)
}

// ValidateBatch checks the shape of a batch before a store applies it.
func ValidateBatch(partition string, operations []Operation) error {
	if partition == "" {
		return fmt.Errorf("%w: empty partition", ErrInvalidBatch)
	}
	if len(operations) == 0 {
		return fmt.Errorf("%w: no operations", ErrInvalidBatch)
	}
	seen := make(map[string]struct{}, len(operations))
	for index, operation := range operations {
		if operation.Document.ID == "" {
			return fmt.Errorf("%w: operation %d has empty id", ErrInvalidBatch, index)
		}
		if _, duplicate := seen[operation.Document.ID]; duplicate {
			return fmt.Errorf("%w: id %s appears twice", ErrInvalidBatch, operation.Document.ID)
		}
		seen[operation.Document.ID] = struct{}{}
		switch operation.Type {
		case OperationCreate:
		case OperationReplace:
			if operation.ExpectedVersion == "" {
				return fmt.Errorf("%w: replace of %s has no expected version", ErrInvalidBatch, operation.Document.ID)
			}
		default:
			return fmt.Errorf("%w: unknown operation %q", ErrInvalidBatch, operation.Type)
		}
	}
	return nil
}

// IsConflict reports whether a batch failed an optimistic check.
func IsConflict(err error) bool {
	return errors.Is(err, ErrDocumentExists) || errors.Is(err, ErrVersionMismatch)
}
