// Package storage persists cycles, orders, positions, scan results, and the
// append-only risk and watchdog records in sqlite. The database is the source
// of truth for intent; the broker is the source of truth for execution.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

const (
	maxOpenConns = 5
	minIdleConns = 2
)

// Store wraps the sqlite handle with the platform's repositories.
type Store struct {
	db     *sql.DB
	logger *logrus.Logger
}

// Open opens (or creates) the sqlite database at path, applies the schema,
// and validates it. Use ":memory:" for tests.
func Open(path string, logger *logrus.Logger) (*Store, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(minIdleConns)
	db.SetConnMaxIdleTime(5 * time.Minute)

	s := &Store{db: db, logger: logger}
	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if err := s.ValidateSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for the status server's read-only queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// ValidateSchema verifies every required table and unique constraint exists.
// A mismatch is fatal at startup rather than a warning buried in logs.
func (s *Store) ValidateSchema(ctx context.Context) error {
	for _, table := range requiredTables {
		var name string
		err := s.db.QueryRowContext(ctx,
			`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		if err == sql.ErrNoRows {
			return fmt.Errorf("schema validation: missing table %q", table)
		}
		if err != nil {
			return fmt.Errorf("schema validation: check table %q: %w", table, err)
		}
	}
	for table, column := range requiredUniqueIndexes {
		ok, err := s.hasUniqueIndexOn(ctx, table, column)
		if err != nil {
			return fmt.Errorf("schema validation: check unique index on %s(%s): %w", table, column, err)
		}
		if !ok {
			return fmt.Errorf("schema validation: %s(%s) lacks a unique constraint", table, column)
		}
	}
	return nil
}

func (s *Store) hasUniqueIndexOn(ctx context.Context, table, column string) (bool, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`PRAGMA index_list(%q)`, table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	var indexes []string
	for rows.Next() {
		var seq int
		var name, origin string
		var unique, partial int
		if err := rows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			return false, err
		}
		if unique == 1 {
			indexes = append(indexes, name)
		}
	}
	if err := rows.Err(); err != nil {
		return false, err
	}
	for _, idx := range indexes {
		cols, err := s.indexColumns(ctx, idx)
		if err != nil {
			return false, err
		}
		if len(cols) == 1 && cols[0] == column {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) indexColumns(ctx context.Context, index string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`PRAGMA index_info(%q)`, index))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var seqno, cid int
		var name sql.NullString
		if err := rows.Scan(&seqno, &cid, &name); err != nil {
			return nil, err
		}
		if name.Valid {
			cols = append(cols, name.String)
		}
	}
	return cols, rows.Err()
}

// WithTx runs fn inside a transaction, rolling back on error.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.WithError(rbErr).Error("rollback failed")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// timeFormat is the canonical timestamp encoding for sqlite text columns.
const timeFormat = time.RFC3339Nano

// encodeTime encodes t for storage; zero times become NULL.
func encodeTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(timeFormat)
}

// mustEncodeTime is for NOT NULL timestamp columns.
func mustEncodeTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

// decodeTime parses a nullable timestamp column; NULL scans to zero time.
func decodeTime(s sql.NullString) (time.Time, error) {
	if !s.Valid || s.String == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeFormat, s.String)
	if err != nil {
		// Fall back for rows written without sub-second precision.
		t, err = time.Parse(time.RFC3339, s.String)
	}
	return t, err
}

// nullIfEmpty turns "" into NULL so UNIQUE columns tolerate unset values.
func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
