package gormstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/MarkoPoloResearchLab/gemledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/gemledger/pkg/ledger/ledgertest"
)

const postgresURLEnv = "GEMLEDGER_TEST_POSTGRES_URL"

func openSQLite(test *testing.T) *gorm.DB {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(test.TempDir(), "ledger.db")), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(test, err)
	sqlDB, err := db.DB()
	require.NoError(test, err)
	sqlDB.SetMaxOpenConns(1)
	test.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(test, Migrate(context.Background(), db))
	return db
}

func TestSQLiteConformance(test *testing.T) {
	ledgertest.Run(test, func(test *testing.T) ledger.DocumentStore {
		return New(openSQLite(test))
	})
}

func TestPostgresConformance(test *testing.T) {
	databaseURL := os.Getenv(postgresURLEnv)
	if databaseURL == "" {
		test.Skipf("%s not set", postgresURLEnv)
	}
	db, err := gorm.Open(postgres.Open(databaseURL), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(test, err)
	require.NoError(test, Migrate(context.Background(), db))
	ledgertest.Run(test, func(test *testing.T) ledger.DocumentStore {
		require.NoError(test, db.Exec("delete from ledger_documents").Error)
		return New(db)
	})
}

func TestReplaceWithForeignVersionIsStale(test *testing.T) {
	store := New(openSQLite(test))
	ctx := context.Background()
	document := ledger.Document{ID: "balance:u", Type: ledger.DocumentTypeBalance, Body: []byte(`{"balance":1}`)}
	require.NoError(test, store.ExecuteBatch(ctx, "u", []ledger.Operation{ledger.CreateOperation(document)}))

	err := store.ExecuteBatch(ctx, "u", []ledger.Operation{ledger.ReplaceOperation(document, "etag-from-elsewhere")})
	require.ErrorIs(test, err, ledger.ErrVersionMismatch)

	var operationError ledger.OperationError
	require.ErrorAs(test, err, &operationError)
	require.Equal(test, errorCodeStale, operationError.Code())
}

func TestMissingCreatedAtFallsBackToNow(test *testing.T) {
	store := New(openSQLite(test))
	store.now = func() time.Time { return time.Unix(1700000000, 0) }
	ctx := context.Background()
	document := ledger.Document{ID: "evt:1", Type: ledger.DocumentTypeEvent, Body: []byte(`{}`)}
	require.NoError(test, store.ExecuteBatch(ctx, "u", []ledger.Operation{ledger.CreateOperation(document)}))

	read, err := store.Read(ctx, "u", "evt:1")
	require.NoError(test, err)
	require.Equal(test, int64(1700000000), read.CreatedAt.Unix())
	require.Equal(test, ledger.Version("1"), read.Version)
}
