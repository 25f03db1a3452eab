// Package sqlite is the durable store of the sync engine.
//
// All access goes through a single connection: SQLite supports one writer
// at a time, and serialising on the pool keeps every read-modify-write
// atomic without relying on busy retries.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/crmarques/fabricsync/faults"
	"github.com/crmarques/fabricsync/store"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

const currentSchemaVersion = 1

var _ store.Store = (*Store)(nil)

type Store struct {
	db  *sql.DB
	now func() time.Time
}

type Option func(*Store)

// WithClock overrides the clock used for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Open creates or opens the database at path and applies the schema.
func Open(path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, faults.Validation("sqlite store path must not be empty", nil)
	}

	db, err := sql.Open("sqlite3", "file:"+path+"?_txlock=immediate")
	if err != nil {
		return nil, faults.Internal("failed to open sqlite store", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, faults.Internal("failed to connect to sqlite store", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := applySchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return faults.Internal(fmt.Sprintf("failed to execute %q", pragma), err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return faults.Internal("failed to apply sqlite schema", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return faults.Internal("failed to record schema version", err)
	}
	return nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return faults.Internal("failed to begin transaction", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return faults.Internal("failed to commit transaction", err)
	}
	return nil
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func toNullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}

func fromNanos(v int64) time.Time {
	return time.Unix(0, v).UTC()
}

func fromNullNanos(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromNanos(v.Int64)
	return &t
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
