// Package store is the durable local store: typed entity tables, the
// key/value namespace and form snapshots, all on the local SQLite database.
package store

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/okcolf/colfexpress/internal/db"
	"github.com/okcolf/colfexpress/internal/errors"
	"github.com/okcolf/colfexpress/internal/logging"
	"github.com/okcolf/colfexpress/internal/models"
)

// stampStep is the minimum advance of last_updated between writes.
const stampStep = time.Microsecond

// Store is the adapter over the local database.
type Store struct {
	db  *db.DB
	now func() time.Time
}

// New creates a Store on an opened and migrated database.
func New(database *db.DB) *Store {
	return &Store{db: database, now: time.Now}
}

// SetClock replaces the wall clock used for stamping.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// DB returns the underlying database.
func (s *Store) DB() *db.DB {
	return s.db
}

// stamp returns the next last_updated for a write that replaces prev in a
// table whose newest row carries tableMax.
func (s *Store) stamp(prev, tableMax models.Timestamp) models.Timestamp {
	ts := models.NewTimestamp(s.now())
	if !prev.IsZero() && !ts.Newer(prev) {
		ts = models.NewTimestamp(prev.Add(stampStep))
	}
	if !tableMax.IsZero() && !ts.Newer(tableMax) {
		ts = models.NewTimestamp(tableMax.Add(stampStep))
	}
	return ts
}

func tableMax(ctx context.Context, q sqlx.QueryerContext, table string) (models.Timestamp, error) {
	var raw sql.NullString
	if err := sqlx.GetContext(ctx, q, &raw, fmt.Sprintf("SELECT MAX(last_updated) FROM %s", table)); err != nil {
		return models.Timestamp{}, err
	}
	if !raw.Valid {
		return models.Timestamp{}, nil
	}
	var ts models.Timestamp
	if err := ts.Scan(raw.String); err != nil {
		return models.Timestamp{}, err
	}
	return ts, nil
}

// dbError logs a storage failure and wraps it as DATABASE_ERROR.
func dbError(op string, err error, context map[string]interface{}) error {
	logging.ErrorWithCode("store "+op+" failed", string(errors.ErrDatabase), err, context)
	return errors.Wrap(errors.ErrDatabase, op+" failed", err)
}

func notFound(table string, id interface{}) error {
	return errors.New(errors.ErrNotFound, fmt.Sprintf("%s %v not found", table, id))
}

func isNoRows(err error) bool {
	return stderrors.Is(err, sql.ErrNoRows)
}

// inTx runs fn in a transaction, committing when it returns nil.
func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
