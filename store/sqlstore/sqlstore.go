/*
Package sqlstore provides the SQL implementation of inventory.Repository.

PURPOSE:
  One implementation serves both SQLite (local runs and tests) and
  PostgreSQL (production). Queries are written once with ? placeholders
  and rebound by sqlx for the active driver; only locking differs.

KEY TABLES:
  stores, projects, categories, products: Reference data
  inventory_balances:                     Materialized (store, product) quantity
  purchases, issues:                      Movements, soft deleted only

CONCURRENCY:
  PostgreSQL: LockBalance is SELECT ... FOR UPDATE and LockStore is
  FOR SHARE / FOR UPDATE, so ledger transactions on the same pair
  serialize on the balance row while other pairs run in parallel.

  SQLite: the pool is capped at one connection and transactions begin
  IMMEDIATE, so there is exactly one writer at a time and every read
  inside a transaction sees the latest committed state.

DECIMALS:
  PostgreSQL keeps NUMERIC columns. SQLite keeps TEXT, since NUMERIC
  affinity would coerce values to REAL and lose precision.

DATES:
  Purchase and issue dates are bound as YYYY-MM-DD strings so that the
  session time zone can never shift a calendar day.

MIGRATION:
  Schema is migrated on New() with golang-migrate from the embedded
  migrations/<driver> directory.

USAGE:
  repo, err := sqlstore.New(sqlstore.Config{Driver: "sqlite3", DSN: "./data/inventory.db"}, logger)
  if err != nil {
      log.Fatal(err)
  }
  defer repo.Close()

  ledger := inventory.NewLedger(repo)

SEE ALSO:
  - inventory/repository.go: Interface definitions
  - inventory/memory: In-memory implementation for tests
*/
package sqlstore

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/warp/inventory-ledger/inventory"
)

//go:embed migrations
var migrations embed.FS

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

type Config struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Store implements inventory.Repository.
type Store struct {
	reader
	db     *sqlx.DB
	logger *zap.Logger
}

var (
	_ inventory.Repository = (*Store)(nil)
	_ inventory.Tx         = (*txStore)(nil)
)

// New opens the database, applies pending migrations and returns the
// store. For SQLite, DSN is a file path or ":memory:".
func New(cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dsn := cfg.DSN
	switch cfg.Driver {
	case DriverSQLite:
		dsn = sqliteDSN(cfg.DSN)
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := sqlx.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	configurePool(db, cfg)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := NewWithDB(db, logger)
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// NewWithDB wraps an open handle without migrating it. The driver name
// of db selects the dialect.
func NewWithDB(db *sqlx.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		reader: reader{q: db, postgres: db.DriverName() == DriverPostgres},
		db:     db,
		logger: logger.Named("sqlstore"),
	}
}

func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
}

func configurePool(db *sqlx.DB, cfg Config) {
	if cfg.Driver == DriverSQLite {
		// A single connection is the SQLite writer lock, and it also keeps
		// a :memory: database alive for the life of the pool.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		return
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle for health checks.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// migrate applies the embedded migrations for the active driver. The
// migrate instance is not closed since that would close db as well.
func (s *Store) migrate() error {
	driver := s.db.DriverName()
	src, err := iofs.New(migrations, "migrations/"+driver)
	if err != nil {
		return fmt.Errorf("failed to open migrations: %w", err)
	}

	var target database.Driver
	switch driver {
	case DriverSQLite:
		target, err = migratesqlite.WithInstance(s.db.DB, &migratesqlite.Config{})
	case DriverPostgres:
		target, err = migratepg.WithInstance(s.db.DB, &migratepg.Config{})
	default:
		return fmt.Errorf("no migrations for driver %q", driver)
	}
	if err != nil {
		return fmt.Errorf("failed to create %s migration driver: %w", driver, err)
	}

	m, err := migrate.NewWithInstance("iofs", src, driver, target)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to get migration version: %w", err)
	}
	s.logger.Info("database migrated",
		zap.String("driver", driver),
		zap.Uint("version", version),
		zap.Bool("dirty", dirty),
	)
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes a function within a database transaction. Every read
// and write made through the Tx goes through the same *sqlx.Tx.
func (s *Store) WithTx(ctx context.Context, fn func(inventory.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	ts := &txStore{reader: reader{q: tx, postgres: s.postgres}, tx: tx}
	if err := fn(ts); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pe *pq.Error
	if errors.As(err, &pe) {
		return pe.Code == "23505"
	}
	return false
}

// violatedIndex names the unique index or column list a violation hit,
// as far as the driver reports it.
func violatedIndex(err error) string {
	var pe *pq.Error
	if errors.As(err, &pe) {
		return pe.Constraint
	}
	return err.Error()
}
