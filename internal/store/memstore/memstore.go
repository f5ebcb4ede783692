// Package memstore implements ledger.DocumentStore in process memory (for tests and local runs).
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/MarkoPoloResearchLab/gemledger/pkg/ledger"
)

const (
	errorOperationStore = "memstore"
	errorSubjectBatch   = "batch"
	errorCodeCreate     = "create"
	errorCodeReplace    = "replace"
	errorCodeInvalid    = "invalid"
)

type partition struct {
	mutex     sync.RWMutex
	documents map[string]ledger.Document
}

// Store keeps one lock per partition so unrelated users never contend.
type Store struct {
	mutex       sync.Mutex
	partitions  map[string]*partition
	versionSeed uint64
	versionLock sync.Mutex
}

// New returns an empty Store.
func New() *Store {
	return &Store{partitions: make(map[string]*partition)}
}

func (store *Store) partition(name string) *partition {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	existing, ok := store.partitions[name]
	if !ok {
		existing = &partition{documents: make(map[string]ledger.Document)}
		store.partitions[name] = existing
	}
	return existing
}

func (store *Store) nextVersion() ledger.Version {
	store.versionLock.Lock()
	defer store.versionLock.Unlock()
	store.versionSeed++
	return ledger.Version(strconv.FormatUint(store.versionSeed, 10))
}

// Read returns a copy of the stored document.
func (store *Store) Read(_ context.Context, partitionKey string, id string) (ledger.Document, error) {
	target := store.partition(partitionKey)
	target.mutex.RLock()
	defer target.mutex.RUnlock()
	document, ok := target.documents[id]
	if !ok {
		return ledger.Document{}, fmt.Errorf("%s %s/%s: %w", errorOperationStore, partitionKey, id, ledger.ErrDocumentNotFound)
	}
	return cloneDocument(document), nil
}

// ExecuteBatch checks every operation before applying any of them.
func (store *Store) ExecuteBatch(ctx context.Context, partitionKey string, operations []ledger.Operation) error {
	if err := ledger.ValidateBatch(partitionKey, operations); err != nil {
		return ledger.WrapError(errorOperationStore, errorSubjectBatch, errorCodeInvalid, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	target := store.partition(partitionKey)
	target.mutex.Lock()
	defer target.mutex.Unlock()

	for _, operation := range operations {
		existing, exists := target.documents[operation.Document.ID]
		switch operation.Type {
		case ledger.OperationCreate:
			if exists {
				return ledger.WrapError(errorOperationStore, errorSubjectBatch, errorCodeCreate,
					fmt.Errorf("%w: %s", ledger.ErrDocumentExists, operation.Document.ID))
			}
		case ledger.OperationReplace:
			if !exists || existing.Version != operation.ExpectedVersion {
				return ledger.WrapError(errorOperationStore, errorSubjectBatch, errorCodeReplace,
					fmt.Errorf("%w: %s", ledger.ErrVersionMismatch, operation.Document.ID))
			}
		}
	}

	for _, operation := range operations {
		document := cloneDocument(operation.Document)
		document.Version = store.nextVersion()
		if existing, exists := target.documents[document.ID]; exists {
			document.CreatedAt = existing.CreatedAt
		}
		target.documents[document.ID] = document
	}
	return nil
}

// List returns documents of one type ordered by creation time, newest first.
func (store *Store) List(_ context.Context, partitionKey string, documentType ledger.DocumentType, limit int) ([]ledger.Document, error) {
	target := store.partition(partitionKey)
	target.mutex.RLock()
	defer target.mutex.RUnlock()

	matched := make([]ledger.Document, 0)
	for _, document := range target.documents {
		if document.Type == documentType {
			matched = append(matched, cloneDocument(document))
		}
	}
	sort.Slice(matched, func(left, right int) bool {
		if !matched[left].CreatedAt.Equal(matched[right].CreatedAt) {
			return matched[left].CreatedAt.After(matched[right].CreatedAt)
		}
		return matched[left].ID > matched[right].ID
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func cloneDocument(document ledger.Document) ledger.Document {
	document.Body = append([]byte(nil), document.Body...)
	return document
}
