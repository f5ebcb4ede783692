package pgstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/MarkoPoloResearchLab/gemledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/gemledger/pkg/ledger/ledgertest"
)

const postgresURLEnv = "GEMLEDGER_TEST_POSTGRES_URL"

func newTestPool(test *testing.T) *pgxpool.Pool {
	test.Helper()
	dsn := os.Getenv(postgresURLEnv)
	if dsn == "" {
		test.Skipf("%s not set", postgresURLEnv)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(dsn)
	require.NoError(test, err)
	cfg.MaxConns = 8
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	require.NoError(test, err)
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		test.Skipf("skipping Postgres integration tests: %v", err)
	}
	test.Cleanup(pool.Close)
	require.NoError(test, Migrate(ctx, pool))
	return pool
}

func TestPostgresConformance(test *testing.T) {
	pool := newTestPool(test)
	ledgertest.Run(test, func(test *testing.T) ledger.DocumentStore {
		_, err := pool.Exec(context.Background(), `DELETE FROM ledger_documents`)
		require.NoError(test, err)
		return New(pool)
	})
}

func TestMigrateIsIdempotent(test *testing.T) {
	pool := newTestPool(test)
	ctx := context.Background()

	var count int
	require.NoError(test, pool.QueryRow(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&count))
	require.GreaterOrEqual(test, count, 2)

	require.NoError(test, Migrate(ctx, pool))
	var again int
	require.NoError(test, pool.QueryRow(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&again))
	require.Equal(test, count, again)
}

func TestMigrationFilesAreEmbedded(test *testing.T) {
	entries, err := migrationFiles.ReadDir("migrations")
	require.NoError(test, err)
	require.GreaterOrEqual(test, len(entries), 2)
	for _, entry := range entries {
		require.Contains(test, entry.Name(), ".sql")
	}
}

func TestForeignVersionIsRejectedBeforeTouchingTheDatabase(test *testing.T) {
	store := New(nil)
	document := ledger.Document{ID: "balance:u", Type: ledger.DocumentTypeBalance, Body: []byte(`{}`)}
	err := store.ExecuteBatch(context.Background(), "u", []ledger.Operation{ledger.ReplaceOperation(document, "W/\"etag\"")})
	require.ErrorIs(test, err, ledger.ErrVersionMismatch)
}
