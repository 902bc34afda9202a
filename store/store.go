// Package store persists endpoints, SCIM resources, memberships, and audit
// records behind a single SQL interface. Production runs on Postgres; dev
// and tests run on the embedded SQLite engine.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects SQL variants where Postgres and SQLite diverge.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// ErrDuplicate is returned when an insert or update violates a uniqueness
// constraint.
var ErrDuplicate = errors.New("store: duplicate")

// writeTxTimeout bounds every write transaction; it is deliberately shorter
// than the handler deadline so a stuck transaction surfaces as a store error
// rather than a client timeout.
const writeTxTimeout = 5 * time.Second

// Store wraps the database handle.
type Store struct {
	db      *sqlx.DB
	dialect Dialect
	logger  *slog.Logger
}

// Options configures a Store.
type Options struct {
	Logger *slog.Logger
}

// Open connects to the database named by databaseURL. postgres:// URLs use
// the Postgres driver; anything else is treated as a SQLite file path, with
// the empty string meaning a private in-memory database.
func Open(databaseURL string, opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	var (
		db  *sqlx.DB
		err error
		d   Dialect
	)
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		d = DialectPostgres
		db, err = sqlx.Open("postgres", databaseURL)
		if err == nil {
			db.SetMaxOpenConns(25)
			db.SetMaxIdleConns(5)
			db.SetConnMaxLifetime(5 * time.Minute)
		}
	} else {
		d = DialectSQLite
		dsn := databaseURL
		if dsn == "" {
			dsn = "file:scimserver?mode=memory&cache=shared"
		}
		db, err = sqlx.Open("sqlite", dsn)
		if err == nil {
			// The SQLite driver serializes writes; a single connection
			// avoids SQLITE_BUSY under concurrent handlers.
			db.SetMaxOpenConns(1)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	return &Store{db: db, dialect: d, logger: logger}, nil
}

// Dialect returns the active SQL dialect.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the schema when it does not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements(s.dialect) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// withTx runs fn inside a write transaction with its own deadline.
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, writeTxTimeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Error("transaction rollback failed", "error", rbErr)
		}
		return err
	}
	return tx.Commit()
}

// rebind converts ? placeholders into the dialect's bind variables.
func (s *Store) rebind(query string) string {
	if s.dialect == DialectPostgres {
		return sqlx.Rebind(sqlx.DOLLAR, query)
	}
	return query
}

// isUniqueViolation recognizes uniqueness constraint errors from either
// driver.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed: UNIQUE")
}
