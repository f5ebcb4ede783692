package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/MarkoPoloResearchLab/gemledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/gemledger/internal/store/memstore"
	"github.com/MarkoPoloResearchLab/gemledger/internal/store/redisstore"
)

func TestResolveDriver(test *testing.T) {
	driver, path, err := resolveDriver("postgres://user@localhost/gems")
	require.NoError(test, err)
	require.Equal(test, driverPostgres, driver)
	require.Empty(test, path)

	dir := test.TempDir()
	driver, path, err = resolveDriver("sqlite://" + filepath.Join(dir, "nested", "gems.db"))
	require.NoError(test, err)
	require.Equal(test, driverSQLite, driver)
	require.Equal(test, filepath.Join(dir, "nested", "gems.db"), path)
	require.DirExists(test, filepath.Join(dir, "nested"))

	driver, path, err = resolveDriver(":memory:")
	require.NoError(test, err)
	require.Equal(test, driverSQLite, driver)
	require.Equal(test, ":memory:", path)

	_, _, err = resolveDriver("  ")
	require.Error(test, err)
}

func TestStoreConfigValidate(test *testing.T) {
	require.NoError(test, storeConfig{Backend: storeMemory}.Validate())
	require.NoError(test, storeConfig{Backend: storePostgres, DatabaseURL: "postgresql://localhost/gems"}.Validate())
	require.Error(test, storeConfig{Backend: storePostgres, DatabaseURL: "sqlite:///tmp/gems.db"}.Validate())
	require.Error(test, storeConfig{Backend: storeCosmos, CosmosDatabase: "gems"}.Validate())
	require.Error(test, storeConfig{Backend: "mongo"}.Validate())
}

func TestOpenStoreBackends(test *testing.T) {
	ctx := context.Background()

	store, cleanup, err := openStore(ctx, storeConfig{Backend: storeMemory})
	require.NoError(test, err)
	require.IsType(test, &memstore.Store{}, store)
	require.NoError(test, cleanup())

	store, cleanup, err = openStore(ctx, storeConfig{Backend: storeSQL, DatabaseURL: "sqlite://" + filepath.Join(test.TempDir(), "gems.db")})
	require.NoError(test, err)
	require.IsType(test, &gormstore.Store{}, store)
	require.NoError(test, cleanup())

	mr := miniredis.RunT(test)
	store, cleanup, err = openStore(ctx, storeConfig{Backend: storeRedis, RedisURL: "redis://" + mr.Addr() + "/0", RedisKeyPrefix: "gems"})
	require.NoError(test, err)
	require.IsType(test, &redisstore.Store{}, store)
	require.NoError(test, cleanup())
}

func TestLoadConfigFromFlagsAndEnvironment(test *testing.T) {
	test.Setenv("GEMLEDGER_JWT_SIGNING_KEY", "env-secret")
	test.Setenv("GEMLEDGER_CONFLICT_RETRIES", "5")

	cmd := newRootCommand()
	require.NoError(test, cmd.Flags().Set(flagStore, "redis"))
	require.NoError(test, cmd.Flags().Set(flagAllowedOrigins, "http://a.test,http://b.test"))
	require.NoError(test, cmd.Flags().Set(flagRequestTimeout, "3s"))

	cfg := &runtimeConfig{}
	require.NoError(test, loadConfig(cmd, cfg))
	require.Equal(test, storeRedis, cfg.Store.Backend)
	require.Equal(test, "env-secret", cfg.API.SessionSigningKey)
	require.Equal(test, 5, cfg.API.ConflictRetries)
	require.Equal(test, 3*time.Second, cfg.API.RequestTimeout)
	require.Equal(test, []string{"http://a.test", "http://b.test"}, cfg.API.AllowedOrigins)
	require.Equal(test, "gemledger", cfg.MetricsNamespace)
}

func TestLoadConfigRequiresSigningKey(test *testing.T) {
	cmd := newRootCommand()
	require.Error(test, loadConfig(cmd, &runtimeConfig{}))
}
