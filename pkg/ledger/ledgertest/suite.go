// Package ledgertest holds the DocumentStore conformance suite shared by every adapter.
package ledgertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/MarkoPoloResearchLab/gemledger/pkg/ledger"
)

// StoreFactory returns an empty store. Each call must be isolated from the others.
type StoreFactory func(test *testing.T) ledger.DocumentStore

var suiteEpoch = time.Date(2026, time.January, 2, 3, 4, 5, 0, time.UTC)

// Run exercises the DocumentStore contract and the ledger service on top of it.
func Run(test *testing.T, newStore StoreFactory) {
	test.Helper()
	test.Run("read missing document", func(test *testing.T) { testReadMissing(test, newStore(test)) })
	test.Run("create and read", func(test *testing.T) { testCreateAndRead(test, newStore(test)) })
	test.Run("duplicate create aborts batch", func(test *testing.T) { testDuplicateCreate(test, newStore(test)) })
	test.Run("replace checks version", func(test *testing.T) { testReplaceVersion(test, newStore(test)) })
	test.Run("replace of missing document", func(test *testing.T) { testReplaceMissing(test, newStore(test)) })
	test.Run("partitions are isolated", func(test *testing.T) { testPartitionIsolation(test, newStore(test)) })
	test.Run("invalid batch", func(test *testing.T) { testInvalidBatch(test, newStore(test)) })
	test.Run("list newest first", func(test *testing.T) { testList(test, newStore(test)) })
	test.Run("ledger scenario", func(test *testing.T) { testLedgerScenario(test, newStore(test)) })
	test.Run("concurrent reserves", func(test *testing.T) { testConcurrentReserves(test, newStore(test)) })
}

func document(id string, documentType ledger.DocumentType, createdAt time.Time, body string) ledger.Document {
	return ledger.Document{ID: id, Type: documentType, CreatedAt: createdAt, Body: []byte(body)}
}

func testReadMissing(test *testing.T, store ledger.DocumentStore) {
	_, err := store.Read(context.Background(), "user-a", "balance:user-a")
	require.ErrorIs(test, err, ledger.ErrDocumentNotFound)
}

func testCreateAndRead(test *testing.T, store ledger.DocumentStore) {
	ctx := context.Background()
	created := document("balance:user-a", ledger.DocumentTypeBalance, suiteEpoch, `{"balance":100,"held":0}`)
	require.NoError(test, store.ExecuteBatch(ctx, "user-a", []ledger.Operation{ledger.CreateOperation(created)}))

	read, err := store.Read(ctx, "user-a", "balance:user-a")
	require.NoError(test, err)
	require.Equal(test, created.ID, read.ID)
	require.Equal(test, ledger.DocumentTypeBalance, read.Type)
	require.NotEmpty(test, read.Version)
	require.JSONEq(test, string(created.Body), string(read.Body))
	require.Equal(test, suiteEpoch.UnixMicro(), read.CreatedAt.UnixMicro())
}

func testDuplicateCreate(test *testing.T, store ledger.DocumentStore) {
	ctx := context.Background()
	first := document("hold:1", ledger.DocumentTypeHold, suiteEpoch, `{"amount":1}`)
	require.NoError(test, store.ExecuteBatch(ctx, "user-a", []ledger.Operation{ledger.CreateOperation(first)}))

	fresh := document("evt:1", ledger.DocumentTypeEvent, suiteEpoch, `{"change":-1}`)
	duplicate := document("hold:1", ledger.DocumentTypeHold, suiteEpoch, `{"amount":2}`)
	err := store.ExecuteBatch(ctx, "user-a", []ledger.Operation{ledger.CreateOperation(fresh), ledger.CreateOperation(duplicate)})
	require.ErrorIs(test, err, ledger.ErrDocumentExists)

	_, err = store.Read(ctx, "user-a", "evt:1")
	require.ErrorIs(test, err, ledger.ErrDocumentNotFound, "a failed batch must not apply any operation")
	read, err := store.Read(ctx, "user-a", "hold:1")
	require.NoError(test, err)
	require.JSONEq(test, `{"amount":1}`, string(read.Body))
}

func testReplaceVersion(test *testing.T, store ledger.DocumentStore) {
	ctx := context.Background()
	balance := document("balance:user-a", ledger.DocumentTypeBalance, suiteEpoch, `{"balance":100}`)
	require.NoError(test, store.ExecuteBatch(ctx, "user-a", []ledger.Operation{ledger.CreateOperation(balance)}))
	original, err := store.Read(ctx, "user-a", balance.ID)
	require.NoError(test, err)

	updated := balance
	updated.Body = []byte(`{"balance":70}`)
	require.NoError(test, store.ExecuteBatch(ctx, "user-a", []ledger.Operation{ledger.ReplaceOperation(updated, original.Version)}))
	current, err := store.Read(ctx, "user-a", balance.ID)
	require.NoError(test, err)
	require.NotEqual(test, original.Version, current.Version)
	require.JSONEq(test, `{"balance":70}`, string(current.Body))
	require.Equal(test, suiteEpoch.UnixMicro(), current.CreatedAt.UnixMicro())

	stale := balance
	stale.Body = []byte(`{"balance":1}`)
	event := document("evt:2", ledger.DocumentTypeEvent, suiteEpoch, `{"change":-69}`)
	err = store.ExecuteBatch(ctx, "user-a", []ledger.Operation{ledger.CreateOperation(event), ledger.ReplaceOperation(stale, original.Version)})
	require.ErrorIs(test, err, ledger.ErrVersionMismatch)

	_, err = store.Read(ctx, "user-a", event.ID)
	require.ErrorIs(test, err, ledger.ErrDocumentNotFound)
	unchanged, err := store.Read(ctx, "user-a", balance.ID)
	require.NoError(test, err)
	require.Equal(test, current.Version, unchanged.Version)
	require.JSONEq(test, `{"balance":70}`, string(unchanged.Body))
}

func testReplaceMissing(test *testing.T, store ledger.DocumentStore) {
	missing := document("hold:404", ledger.DocumentTypeHold, suiteEpoch, `{}`)
	err := store.ExecuteBatch(context.Background(), "user-a", []ledger.Operation{ledger.ReplaceOperation(missing, "1")})
	require.True(test, ledger.IsConflict(err), "expected a conflict, got %v", err)
}

func testPartitionIsolation(test *testing.T, store ledger.DocumentStore) {
	ctx := context.Background()
	shared := document("hold:shared", ledger.DocumentTypeHold, suiteEpoch, `{"owner":"a"}`)
	require.NoError(test, store.ExecuteBatch(ctx, "user-a", []ledger.Operation{ledger.CreateOperation(shared)}))
	other := shared
	other.Body = []byte(`{"owner":"b"}`)
	require.NoError(test, store.ExecuteBatch(ctx, "user-b", []ledger.Operation{ledger.CreateOperation(other)}))

	readA, err := store.Read(ctx, "user-a", shared.ID)
	require.NoError(test, err)
	require.JSONEq(test, `{"owner":"a"}`, string(readA.Body))
	readB, err := store.Read(ctx, "user-b", shared.ID)
	require.NoError(test, err)
	require.JSONEq(test, `{"owner":"b"}`, string(readB.Body))
}

func testInvalidBatch(test *testing.T, store ledger.DocumentStore) {
	err := store.ExecuteBatch(context.Background(), "user-a", nil)
	require.ErrorIs(test, err, ledger.ErrInvalidBatch)
}

func testList(test *testing.T, store ledger.DocumentStore) {
	lister, ok := store.(ledger.DocumentLister)
	if !ok {
		test.Skip("store does not implement DocumentLister")
	}
	ctx := context.Background()
	var operations []ledger.Operation
	for index := 0; index < 4; index++ {
		createdAt := suiteEpoch.Add(time.Duration(index) * time.Second)
		operations = append(operations, ledger.CreateOperation(document(fmt.Sprintf("evt:%d", index), ledger.DocumentTypeEvent, createdAt, fmt.Sprintf(`{"index":%d}`, index))))
	}
	operations = append(operations, ledger.CreateOperation(document("hold:x", ledger.DocumentTypeHold, suiteEpoch.Add(time.Hour), `{}`)))
	require.NoError(test, store.ExecuteBatch(ctx, "user-a", operations))
	require.NoError(test, store.ExecuteBatch(ctx, "user-b", []ledger.Operation{
		ledger.CreateOperation(document("evt:9", ledger.DocumentTypeEvent, suiteEpoch.Add(time.Hour), `{}`)),
	}))

	listed, err := lister.List(ctx, "user-a", ledger.DocumentTypeEvent, 3)
	require.NoError(test, err)
	require.Len(test, listed, 3)
	require.Equal(test, []string{"evt:3", "evt:2", "evt:1"}, []string{listed[0].ID, listed[1].ID, listed[2].ID})
	for _, listedDocument := range listed {
		require.Equal(test, ledger.DocumentTypeEvent, listedDocument.Type)
		require.NotEmpty(test, listedDocument.Version)
	}

	empty, err := lister.List(ctx, "user-c", ledger.DocumentTypeEvent, 10)
	require.NoError(test, err)
	require.Empty(test, empty)
}

func newService(test *testing.T, store ledger.DocumentStore) *ledger.Service {
	service, err := ledger.NewService(store, time.Now)
	require.NoError(test, err)
	return service
}

func testLedgerScenario(test *testing.T, store ledger.DocumentStore) {
	ctx := context.Background()
	service := newService(test, store)
	userID, err := ledger.NewUserID("scenario-user")
	require.NoError(test, err)

	_, err = service.Grant(ctx, userID, 100, ledger.IdempotencyKey{}, ledger.MetadataJSON{})
	require.NoError(test, err)

	key, err := ledger.NewIdempotencyKey("scenario-reserve")
	require.NoError(test, err)
	reserved, err := service.Reserve(ctx, userID, 30, key, ledger.MetadataJSON{})
	require.NoError(test, err)
	require.EqualValues(test, 70, reserved.BalanceAfter)

	replayed, err := service.Reserve(ctx, userID, 30, key, ledger.MetadataJSON{})
	require.NoError(test, err)
	require.True(test, replayed.Replayed)
	require.Equal(test, reserved.HoldID, replayed.HoldID)

	finalized, err := service.Finalize(ctx, userID, reserved.HoldID, 30, ledger.IdempotencyKey{})
	require.NoError(test, err)
	require.EqualValues(test, 70, finalized.BalanceAfter)

	again, err := service.Finalize(ctx, userID, reserved.HoldID, 30, ledger.IdempotencyKey{})
	require.NoError(test, err)
	require.True(test, again.AlreadySettled)

	second, err := service.Reserve(ctx, userID, 20, ledger.IdempotencyKey{}, ledger.MetadataJSON{})
	require.NoError(test, err)
	require.EqualValues(test, 50, second.BalanceAfter)

	cancelled, err := service.Cancel(ctx, userID, second.HoldID, ledger.IdempotencyKey{})
	require.NoError(test, err)
	require.EqualValues(test, 70, cancelled.BalanceAfter)

	balance, err := service.Balance(ctx, userID)
	require.NoError(test, err)
	require.EqualValues(test, 70, balance.Available)
	require.EqualValues(test, 0, balance.Held)

	events, err := service.ListEvents(ctx, userID, 0)
	if errors.Is(err, ledger.ErrListingUnsupported) {
		return
	}
	require.NoError(test, err)
	require.Len(test, events, 4)
	var sum ledger.GemDelta
	for _, event := range events {
		sum += event.Change
	}
	require.EqualValues(test, 70, sum)
}

func testConcurrentReserves(test *testing.T, store ledger.DocumentStore) {
	ctx := context.Background()
	service := newService(test, store)
	userID, err := ledger.NewUserID("racing-user")
	require.NoError(test, err)
	_, err = service.Grant(ctx, userID, 50, ledger.IdempotencyKey{}, ledger.MetadataJSON{})
	require.NoError(test, err)

	const workers = 8
	var (
		waitGroup sync.WaitGroup
		mutex     sync.Mutex
		reserved  ledger.Gems
	)
	for worker := 0; worker < workers; worker++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			for attempt := 0; attempt < 20; attempt++ {
				_, err := service.Reserve(ctx, userID, 10, ledger.IdempotencyKey{}, ledger.MetadataJSON{})
				if ledger.IsRetryable(err) {
					continue
				}
				if err == nil {
					mutex.Lock()
					reserved += 10
					mutex.Unlock()
				}
				return
			}
		}()
	}
	waitGroup.Wait()

	balance, err := service.Balance(ctx, userID)
	require.NoError(test, err)
	require.EqualValues(test, 50, int64(balance.Available)+int64(reserved), "no gem may be created or lost")
	require.Equal(test, reserved, balance.Held)
	require.GreaterOrEqual(test, int64(balance.Available), int64(0))
}
