package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/gemledger/internal/store/cosmosstore"
	"github.com/MarkoPoloResearchLab/gemledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/gemledger/internal/store/memstore"
	"github.com/MarkoPoloResearchLab/gemledger/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/gemledger/internal/store/redisstore"
	"github.com/MarkoPoloResearchLab/gemledger/pkg/ledger"
)

const (
	storeMemory   = "memory"
	storeSQL      = "sql"
	storePostgres = "postgres"
	storeCosmos   = "cosmos"
	storeRedis    = "redis"

	driverPostgres = "postgres"
	driverSQLite   = "sqlite"
)

type storeConfig struct {
	Backend         string
	DatabaseURL     string
	RedisURL        string
	RedisKeyPrefix  string
	CosmosEndpoint  string
	CosmosKey       string
	CosmosDatabase  string
	CosmosContainer string
	CosmosProvision bool
}

func (cfg storeConfig) cosmosConfig() cosmosstore.Config {
	return cosmosstore.Config{
		Endpoint:      cfg.CosmosEndpoint,
		Key:           cfg.CosmosKey,
		Database:      cfg.CosmosDatabase,
		Container:     cfg.CosmosContainer,
		AutoProvision: cfg.CosmosProvision,
	}
}

// Validate checks that the selected backend has what it needs to connect.
func (cfg storeConfig) Validate() error {
	switch cfg.Backend {
	case storeMemory:
		return nil
	case storeSQL:
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("database url is required for the %s store", storeSQL)
		}
		return nil
	case storePostgres:
		if !isPostgresURL(cfg.DatabaseURL) {
			return fmt.Errorf("the %s store needs a postgres:// database url", storePostgres)
		}
		return nil
	case storeRedis:
		if cfg.RedisURL == "" {
			return fmt.Errorf("redis url is required for the %s store", storeRedis)
		}
		return nil
	case storeCosmos:
		return cfg.cosmosConfig().Validate()
	default:
		return fmt.Errorf("unsupported store backend %q", cfg.Backend)
	}
}

// openStore connects the configured backend and prepares its schema.
func openStore(ctx context.Context, cfg storeConfig) (ledger.DocumentStore, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Backend {
	case storeMemory:
		return memstore.New(), noop, nil
	case storeSQL:
		db, cleanup, _, err := openDatabase(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database open: %w", err)
		}
		if err := gormstore.Migrate(ctx, db); err != nil {
			_ = cleanup()
			return nil, nil, err
		}
		return gormstore.New(db), cleanup, nil
	case storePostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres pool: %w", err)
		}
		if err := pgstore.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return pgstore.New(pool), func() error { pool.Close(); return nil }, nil
	case storeRedis:
		options, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(options)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		return redisstore.New(client, redisstore.WithKeyPrefix(cfg.RedisKeyPrefix)), client.Close, nil
	case storeCosmos:
		store, err := cosmosstore.Open(ctx, cfg.cosmosConfig())
		if err != nil {
			return nil, nil, err
		}
		return store, noop, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store backend %q", cfg.Backend)
	}
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	cfg := &gorm.Config{TranslateError: true}
	switch driver {
	case driverPostgres:
		db, err = gorm.Open(postgres.Open(dsn), cfg)
	case driverSQLite:
		db, err = gorm.Open(sqlite.Open(sqlitePath), cfg)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	if driver == driverSQLite {
		// One writer keeps SQLite transactions serialized.
		sqlDB.SetMaxOpenConns(1)
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if isPostgresURL(dsn) {
		return driverPostgres, "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "gemledger.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return driverSQLite, sqlitePath, err
	}
	if strings.TrimSpace(dsn) == "" {
		return "", "", fmt.Errorf("database url is empty")
	}
	// Anything else is a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return driverSQLite, sqlitePath, err
}

func isPostgresURL(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}
