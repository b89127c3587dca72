package app

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/MarkoPoloResearchLab/sessionledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/sessionledger/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/sessionledger/pkg/ledger"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	driverPostgres = "postgres"
	driverSQLite   = "sqlite"
)

// Database holds the opened GORM handle and, for the pgx backend, the pool behind the store.
type Database struct {
	DB     *gorm.DB
	Driver string
	Store  ledger.Store

	closers []func() error
}

// Close releases every connection opened by OpenDatabase.
func (database *Database) Close() error {
	var firstErr error
	for index := len(database.closers) - 1; index >= 0; index-- {
		if err := database.closers[index](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// OpenDatabase connects to dsn, migrates SQLite schemas, and builds the store for backend.
func OpenDatabase(ctx context.Context, dsn string, backend string) (*Database, error) {
	db, cleanup, driver, err := openGorm(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("database open: %w", err)
	}
	database := &Database{DB: db, Driver: driver, closers: []func() error{cleanup}}
	if err := prepareSchema(db, driver); err != nil {
		_ = database.Close()
		return nil, err
	}

	switch backend {
	case StoreBackendPgx:
		if driver != driverPostgres {
			_ = database.Close()
			return nil, fmt.Errorf("pgx store requires postgres, got %s", driver)
		}
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("pgx pool: %w", err)
		}
		database.closers = append(database.closers, func() error { pool.Close(); return nil })
		database.Store = pgstore.New(pool)
	default:
		database.Store = gormstore.New(db)
	}
	return database, nil
}

// Migrate creates or updates the ledger tables regardless of driver.
func Migrate(ctx context.Context, dsn string) error {
	db, cleanup, _, err := openGorm(ctx, dsn)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()
	if err := gormstore.Migrate(db); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

func openGorm(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	cfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)}
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
		// SQLite allows one writer at a time.
		sqlDB.SetMaxOpenConns(1)
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func isPostgresURL(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

func resolveDriver(dsn string) (string, string, error) {
	if isPostgresURL(dsn) {
		return driverPostgres, "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		parsed, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := parsed.Path
		if path == "" {
			path = parsed.Host
		}
		if path == "" || path == "/" {
			path = "sessionledger.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return driverSQLite, sqlitePath, err
	}
	// Anything else is a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return driverSQLite, sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if filepath.IsAbs(path) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	relative := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(relative), 0o755); err != nil {
		return "", err
	}
	return relative, nil
}

func prepareSchema(db *gorm.DB, driver string) error {
	if driver != driverSQLite {
		return nil
	}
	if err := gormstore.Migrate(db); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
