package ledger

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"
)

var fixedNow = time.Date(2026, time.March, 14, 9, 30, 0, 0, time.UTC)

func fixedClock() time.Time {
	return fixedNow
}

// stubStore is a versioned in-memory DocumentStore with failure injection.
type stubStore struct {
	mutex        sync.Mutex
	partitions   map[string]map[string]Document
	nextVersion  int
	readError    error
	readErrorFor string
	batchError   error
	beforeCommit func(partition string, operations []Operation)
	batches      int
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{partitions: map[string]map[string]Document{}}
}

func (store *stubStore) Read(_ context.Context, partition string, id string) (Document, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.readError != nil && (store.readErrorFor == "" || store.readErrorFor == id) {
		return Document{}, store.readError
	}
	document, ok := store.partitions[partition][id]
	if !ok {
		return Document{}, fmt.Errorf("read %s: %w", id, ErrDocumentNotFound)
	}
	return document, nil
}

func (store *stubStore) ExecuteBatch(_ context.Context, partition string, operations []Operation) error {
	if store.beforeCommit != nil {
		hook := store.beforeCommit
		store.beforeCommit = nil
		hook(partition, operations)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.batches++
	if store.batchError != nil {
		return store.batchError
	}
	if err := ValidateBatch(partition, operations); err != nil {
		return err
	}
	documents := store.partitions[partition]
	for _, operation := range operations {
		existing, exists := documents[operation.Document.ID]
		switch operation.Type {
		case OperationCreate:
			if exists {
				return fmt.Errorf("create %s: %w", operation.Document.ID, ErrDocumentExists)
			}
		case OperationReplace:
			if !exists || existing.Version != operation.ExpectedVersion {
				return fmt.Errorf("replace %s: %w", operation.Document.ID, ErrVersionMismatch)
			}
		}
	}
	if documents == nil {
		documents = map[string]Document{}
		store.partitions[partition] = documents
	}
	for _, operation := range operations {
		store.nextVersion++
		document := operation.Document
		document.Version = Version(strconv.Itoa(store.nextVersion))
		if existing, exists := documents[document.ID]; exists {
			document.CreatedAt = existing.CreatedAt
		}
		documents[document.ID] = document
	}
	return nil
}

func (store *stubStore) List(_ context.Context, partition string, documentType DocumentType, limit int) ([]Document, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	var documents []Document
	for _, document := range store.partitions[partition] {
		if document.Type == documentType {
			documents = append(documents, document)
		}
	}
	sort.Slice(documents, func(left, right int) bool {
		if !documents[left].CreatedAt.Equal(documents[right].CreatedAt) {
			return documents[left].CreatedAt.After(documents[right].CreatedAt)
		}
		return documents[left].ID > documents[right].ID
	})
	if len(documents) > limit {
		documents = documents[:limit]
	}
	return documents, nil
}

func (store *stubStore) countType(partition string, documentType DocumentType) int {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	count := 0
	for _, document := range store.partitions[partition] {
		if document.Type == documentType {
			count++
		}
	}
	return count
}

// readOnlyStore hides the stub's List method.
type readOnlyStore struct {
	inner *stubStore
}

func (store readOnlyStore) Read(ctx context.Context, partition string, id string) (Document, error) {
	return store.inner.Read(ctx, partition, id)
}

func (store readOnlyStore) ExecuteBatch(ctx context.Context, partition string, operations []Operation) error {
	return store.inner.ExecuteBatch(ctx, partition, operations)
}

func sequentialIDs() func() string {
	counter := 0
	return func() string {
		counter++
		return fmt.Sprintf("%032x", counter)
	}
}

func mustNewService(test *testing.T, store DocumentStore, options ...ServiceOption) *Service {
	test.Helper()
	options = append([]ServiceOption{WithIDGenerator(sequentialIDs())}, options...)
	service, err := NewService(store, fixedClock, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

// mustOpenAccount grants an opening balance without an idempotency key.
func mustOpenAccount(test *testing.T, service *Service, userID UserID, amount int64) {
	test.Helper()
	if _, err := service.Grant(context.Background(), userID, mustPositiveGems(test, amount), IdempotencyKey{}, MetadataJSON{}); err != nil {
		test.Fatalf("open account: %v", err)
	}
}

func mustBalance(test *testing.T, service *Service, userID UserID) Balance {
	test.Helper()
	balance, err := service.Balance(context.Background(), userID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	return balance
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustHoldID(test *testing.T, raw string) HoldID {
	test.Helper()
	holdID, err := NewHoldID(raw)
	if err != nil {
		test.Fatalf("hold id: %v", err)
	}
	return holdID
}

func mustIdempotencyKey(test *testing.T, raw string) IdempotencyKey {
	test.Helper()
	key, err := NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key: %v", err)
	}
	return key
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	metadata, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return metadata
}

func mustPositiveGems(test *testing.T, raw int64) PositiveGems {
	test.Helper()
	amount, err := NewPositiveGems(raw)
	if err != nil {
		test.Fatalf("positive gems: %v", err)
	}
	return amount
}

func mustGems(test *testing.T, raw int64) Gems {
	test.Helper()
	amount, err := NewGems(raw)
	if err != nil {
		test.Fatalf("gems: %v", err)
	}
	return amount
}
