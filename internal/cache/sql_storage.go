package cache

import (
	"context"
	"database/sql"
	stderrors "errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/okcolf/colfexpress/internal/db"
	"github.com/okcolf/colfexpress/internal/errors"
)

// SQLStorage keeps generations in the cache_generations and cache_entries
// tables of the local database. It never touches entity tables.
type SQLStorage struct {
	db *db.DB
}

// NewSQLStorage creates a SQLStorage on a migrated database.
func NewSQLStorage(database *db.DB) *SQLStorage {
	return &SQLStorage{db: database}
}

type entryRow struct {
	URL         string `db:"url"`
	Status      int    `db:"status"`
	ContentType string `db:"content_type"`
	Body        []byte `db:"body"`
	StoredAt    string `db:"stored_at"`
}

func (r entryRow) entry() *Entry {
	e := &Entry{URL: r.URL, Status: r.Status, ContentType: r.ContentType, Body: r.Body}
	e.StoredAt, _ = time.Parse(time.RFC3339Nano, r.StoredAt)
	return e
}

func storageErr(msg string, err error) error {
	return errors.Wrap(errors.ErrCacheStorage, msg, err)
}

func nowText() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// Generations implements Storage.
func (s *SQLStorage) Generations(ctx context.Context) ([]string, error) {
	names := []string{}
	if err := s.db.SelectContext(ctx, &names, `SELECT name FROM cache_generations ORDER BY name`); err != nil {
		return nil, storageErr("list generations failed", err)
	}
	return names, nil
}

// Populate implements Storage.
func (s *SQLStorage) Populate(ctx context.Context, batch map[string][]Entry) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return storageErr("begin populate failed", err)
	}
	defer tx.Rollback()

	now := nowText()
	for name, entries := range batch {
		if err := deleteGeneration(ctx, tx, name); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO cache_generations (name, created_at) VALUES (?, ?)`, name, now); err != nil {
			return storageErr("create generation failed", err)
		}
		for _, e := range entries {
			if err := putEntry(ctx, tx, name, e, now); err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return storageErr("commit populate failed", err)
	}
	return nil
}

func putEntry(ctx context.Context, ex sqlx.ExecerContext, generation string, e Entry, now string) error {
	body := e.Body
	if body == nil {
		body = []byte{}
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO cache_entries (generation, url, status, content_type, body, stored_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(generation, url) DO UPDATE SET
			status = excluded.status,
			content_type = excluded.content_type,
			body = excluded.body,
			stored_at = excluded.stored_at`,
		generation, e.URL, e.Status, e.ContentType, body, now)
	if err != nil {
		return storageErr("store entry failed", err)
	}
	return nil
}

// Match implements Storage.
func (s *SQLStorage) Match(ctx context.Context, generations []string, key string) (*Entry, error) {
	for _, name := range generations {
		var row entryRow
		err := s.db.GetContext(ctx, &row, `
			SELECT url, status, content_type, body, stored_at
			FROM cache_entries WHERE generation = ? AND url = ?`, name, key)
		if stderrors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, storageErr("match failed", err)
		}
		return row.entry(), nil
	}
	return nil, nil
}

// Put implements Storage.
func (s *SQLStorage) Put(ctx context.Context, generation string, e Entry) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return storageErr("begin put failed", err)
	}
	defer tx.Rollback()

	now := nowText()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO cache_generations (name, created_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
		generation, now); err != nil {
		return storageErr("create generation failed", err)
	}
	if err := putEntry(ctx, tx, generation, e, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit put failed", err)
	}
	return nil
}

// DeleteGeneration implements Storage.
func (s *SQLStorage) DeleteGeneration(ctx context.Context, name string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return storageErr("begin delete failed", err)
	}
	defer tx.Rollback()

	if err := deleteGeneration(ctx, tx, name); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit delete failed", err)
	}
	return nil
}

// deleteGeneration removes entries explicitly rather than relying on the
// cascade, which needs foreign_keys on the connection in use.
func deleteGeneration(ctx context.Context, ex sqlx.ExecerContext, name string) error {
	if _, err := ex.ExecContext(ctx, `DELETE FROM cache_entries WHERE generation = ?`, name); err != nil {
		return storageErr("delete entries failed", err)
	}
	if _, err := ex.ExecContext(ctx, `DELETE FROM cache_generations WHERE name = ?`, name); err != nil {
		return storageErr("delete generation failed", err)
	}
	return nil
}

// Stats implements Storage.
func (s *SQLStorage) Stats(ctx context.Context) ([]GenerationStats, error) {
	out := []GenerationStats{}
	err := s.db.SelectContext(ctx, &out, `
		SELECT g.name AS name,
		       COUNT(e.url) AS entries,
		       COALESCE(SUM(LENGTH(e.body)), 0) AS bytes,
		       g.created_at AS created_at
		FROM cache_generations g
		LEFT JOIN cache_entries e ON e.generation = g.name
		GROUP BY g.name, g.created_at
		ORDER BY g.name`)
	if err != nil {
		return nil, storageErr("stats failed", err)
	}
	return out, nil
}
