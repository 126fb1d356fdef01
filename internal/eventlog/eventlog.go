// Package eventlog is the append-only, user-visible activity log kept in the
// local database.
package eventlog

import (
	"context"
	"strings"
	"time"

	"github.com/okcolf/colfexpress/internal/connectivity"
	"github.com/okcolf/colfexpress/internal/db"
	"github.com/okcolf/colfexpress/internal/errors"
	"github.com/okcolf/colfexpress/internal/logging"
	"github.com/okcolf/colfexpress/internal/models"
)

// DefaultMaxEntries is the retention cap used when none is configured.
const DefaultMaxEntries = 5000

// Filter narrows List results.
type Filter struct {
	Category string
	Limit    int
}

// Log appends entries to the logs table and mirrors them to the
// structured logger.
type Log struct {
	db         *db.DB
	maxEntries int
	now        func() time.Time
}

// New creates a Log keeping at most maxEntries rows. Zero keeps every row.
func New(database *db.DB, maxEntries int) *Log {
	if maxEntries < 0 {
		maxEntries = 0
	}
	return &Log{db: database, maxEntries: maxEntries, now: time.Now}
}

// Append records one entry. Storage failures are logged and swallowed.
func (l *Log) Append(ctx context.Context, category, message string) {
	entry := models.LogEntry{
		Timestamp: models.NewTimestamp(l.now()),
		Category:  category,
		Message:   message,
	}
	mirror(entry)

	_, err := l.db.NamedExecContext(ctx,
		`INSERT INTO logs (timestamp, category, message) VALUES (:timestamp, :category, :message)`, entry)
	if err != nil {
		logging.ErrorWithCode("event log append failed", string(errors.ErrDatabase), err,
			map[string]interface{}{"category": category})
		return
	}
	l.trim(ctx)
}

// Appendf is Append with the message built from parts joined by spaces.
func (l *Log) Appendf(ctx context.Context, category string, parts ...string) {
	l.Append(ctx, category, strings.Join(parts, " "))
}

func mirror(entry models.LogEntry) {
	fields := map[string]interface{}{"category": entry.Category, "event_log": true}
	if entry.Category == models.CategoryError {
		logging.Warn(entry.Message, fields)
		return
	}
	logging.Info(entry.Message, fields)
}

// trim deletes the oldest rows beyond the retention cap.
func (l *Log) trim(ctx context.Context) {
	if l.maxEntries == 0 {
		return
	}
	_, err := l.db.ExecContext(ctx, `
		DELETE FROM logs WHERE id <= (
			SELECT id FROM logs ORDER BY id DESC LIMIT 1 OFFSET ?
		)`, l.maxEntries)
	if err != nil {
		logging.ErrorWithCode("event log trim failed", string(errors.ErrDatabase), err)
	}
}

// List returns entries newest first.
func (l *Log) List(ctx context.Context, f Filter) ([]models.LogEntry, error) {
	query := `SELECT id, timestamp, category, message FROM logs`
	var args []interface{}
	if f.Category != "" {
		query += ` WHERE category = ?`
		args = append(args, f.Category)
	}
	query += ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	out := []models.LogEntry{}
	if err := l.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "list event log failed", err)
	}
	return out, nil
}

// Count returns the number of retained entries.
func (l *Log) Count(ctx context.Context) (int, error) {
	var n int
	if err := l.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM logs`); err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, "count event log failed", err)
	}
	return n, nil
}

// Follow records every connectivity transition until the channel closes or
// ctx is cancelled.
func (l *Log) Follow(ctx context.Context, events <-chan connectivity.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			state := "offline"
			if ev.Online {
				state = "online"
			}
			l.Appendf(ctx, models.CategoryConnectivity, "connectivity:", state, "("+ev.Source+")")
		}
	}
}
