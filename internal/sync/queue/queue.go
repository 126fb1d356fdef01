// Package queue keeps durable reconciliation intents with exponential
// backoff, so a sync requested while offline survives restarts.
package queue

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/okcolf/colfexpress/internal/db"
	"github.com/okcolf/colfexpress/internal/errors"
	"github.com/okcolf/colfexpress/internal/logging"
	"github.com/okcolf/colfexpress/internal/models"
	"github.com/okcolf/colfexpress/internal/uuid"
)

// Status represents the status of a queued intent.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusFailed     Status = "failed"
	StatusCompleted  Status = "completed"
)

// Config holds queue limits.
type Config struct {
	MaxSize     int           // live intents allowed (default: 100)
	MaxRetries  int           // failures before an intent is parked (default: 5)
	BaseBackoff time.Duration // first retry delay (default: 1 minute)
	MaxBackoff  time.Duration // retry delay cap (default: 1 hour)
}

// DefaultConfig returns default queue configuration.
func DefaultConfig() Config {
	return Config{
		MaxSize:     100,
		MaxRetries:  5,
		BaseBackoff: time.Minute,
		MaxBackoff:  time.Hour,
	}
}

// IntentQueue manages durable sync intents in the sync_intents table.
type IntentQueue struct {
	db  *db.DB
	cfg Config
	now func() time.Time
}

const intentColumns = `id, reason, retry_count, max_retries, next_retry_at, status, last_error, created_at, updated_at`

// NewIntentQueue creates an IntentQueue. Zero config fields take defaults.
func NewIntentQueue(database *db.DB, cfg Config) *IntentQueue {
	def := DefaultConfig()
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	return &IntentQueue{db: database, cfg: cfg, now: time.Now}
}

// SetClock replaces the clock used for scheduling retries.
func (q *IntentQueue) SetClock(now func() time.Time) {
	q.now = now
}

// Enqueue records that a reconciliation is needed. A pending intent absorbs
// new requests, so repeated offline mutations leave a single intent.
func (q *IntentQueue) Enqueue(ctx context.Context, reason string) (*models.SyncIntent, bool, error) {
	tx, err := q.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, errors.Wrap(errors.ErrDatabase, "begin enqueue failed", err)
	}
	defer tx.Rollback()

	var existing models.SyncIntent
	err = tx.GetContext(ctx, &existing,
		`SELECT `+intentColumns+` FROM sync_intents WHERE status = ? ORDER BY created_at LIMIT 1`, StatusPending)
	switch {
	case err == nil:
		logging.Debug("sync intent coalesced", map[string]interface{}{"intent_id": existing.ID, "reason": reason})
		return &existing, true, nil
	case !stderrors.Is(err, sql.ErrNoRows):
		return nil, false, errors.Wrap(errors.ErrDatabase, "lookup pending intent failed", err)
	}

	var live int
	if err := tx.GetContext(ctx, &live, `SELECT COUNT(*) FROM sync_intents WHERE status != ?`, StatusCompleted); err != nil {
		return nil, false, errors.Wrap(errors.ErrDatabase, "count intents failed", err)
	}
	if live >= q.cfg.MaxSize {
		return nil, false, errors.New(errors.ErrQueueFull, fmt.Sprintf("queue is full (max size: %d)", q.cfg.MaxSize))
	}

	now := q.now().Unix()
	intent := &models.SyncIntent{
		ID:          models.UUID(uuid.New()),
		Reason:      reason,
		MaxRetries:  q.cfg.MaxRetries,
		NextRetryAt: now,
		Status:      string(StatusPending),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if _, err := tx.NamedExecContext(ctx, `INSERT INTO sync_intents (`+intentColumns+`)
		VALUES (:id, :reason, :retry_count, :max_retries, :next_retry_at, :status, :last_error, :created_at, :updated_at)`, intent); err != nil {
		return nil, false, errors.Wrap(errors.ErrDatabase, "insert intent failed", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, errors.Wrap(errors.ErrDatabase, "commit enqueue failed", err)
	}

	logging.Info("sync intent enqueued", map[string]interface{}{"intent_id": intent.ID, "reason": reason})
	return intent, false, nil
}

// Dequeue claims the oldest ready intent. It returns nil when none is ready.
func (q *IntentQueue) Dequeue(ctx context.Context) (*models.SyncIntent, error) {
	now := q.now().Unix()
	var intent models.SyncIntent
	err := q.db.GetContext(ctx, &intent, `
		UPDATE sync_intents SET status = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM sync_intents
			WHERE status = ? AND next_retry_at <= ?
			ORDER BY created_at LIMIT 1
		)
		RETURNING `+intentColumns,
		StatusInProgress, now, StatusPending, now)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "dequeue failed", err)
	}
	return &intent, nil
}

// Complete removes an intent.
func (q *IntentQueue) Complete(ctx context.Context, id models.UUID) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM sync_intents WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "complete intent failed", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.New(errors.ErrNotFound, fmt.Sprintf("intent %s not found", id))
	}
	return nil
}

// CompleteAll removes every intent after a successful reconciliation. The
// run covered the mutations behind parked failures too, so they go as well.
func (q *IntentQueue) CompleteAll(ctx context.Context) (int, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM sync_intents WHERE status IN (?, ?, ?)`,
		StatusPending, StatusInProgress, StatusFailed)
	if err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, "complete intents failed", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Failed records a failed attempt and schedules a retry with exponential
// backoff. After MaxRetries the intent is parked as failed.
func (q *IntentQueue) Failed(ctx context.Context, id models.UUID, cause error) error {
	tx, err := q.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "begin fail failed", err)
	}
	defer tx.Rollback()

	var intent models.SyncIntent
	err = tx.GetContext(ctx, &intent, `SELECT `+intentColumns+` FROM sync_intents WHERE id = ?`, id)
	if stderrors.Is(err, sql.ErrNoRows) {
		return errors.New(errors.ErrNotFound, fmt.Sprintf("intent %s not found", id))
	}
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "lookup intent failed", err)
	}

	now := q.now()
	intent.RetryCount++
	intent.LastError = cause.Error()
	intent.UpdatedAt = now.Unix()

	var parked bool
	if intent.RetryCount >= intent.MaxRetries {
		intent.Status = string(StatusFailed)
		parked = true
	} else {
		intent.Status = string(StatusPending)
		intent.NextRetryAt = now.Add(q.backoff(intent.RetryCount)).Unix()
	}

	if _, err := tx.NamedExecContext(ctx, `UPDATE sync_intents SET
		retry_count = :retry_count, last_error = :last_error, status = :status,
		next_retry_at = :next_retry_at, updated_at = :updated_at
		WHERE id = :id`, &intent); err != nil {
		return errors.Wrap(errors.ErrDatabase, "update intent failed", err)
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(errors.ErrDatabase, "commit fail failed", err)
	}

	if parked {
		logging.Warn("sync intent failed permanently", map[string]interface{}{
			"intent_id": id, "retries": intent.RetryCount, "error": cause.Error(),
		})
		return fmt.Errorf("max retries (%d) reached: %w", intent.MaxRetries, cause)
	}
	logging.Info("sync intent failed, retry scheduled", map[string]interface{}{
		"intent_id":     id,
		"retry":         intent.RetryCount,
		"max_retries":   intent.MaxRetries,
		"next_retry_at": time.Unix(intent.NextRetryAt, 0).UTC().Format(time.RFC3339),
	})
	return nil
}

// backoff computes base * 2^(retryCount-1), capped at MaxBackoff.
func (q *IntentQueue) backoff(retryCount int) time.Duration {
	return calculateBackoff(retryCount, q.cfg.BaseBackoff, q.cfg.MaxBackoff)
}

func calculateBackoff(retryCount int, base, max time.Duration) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	d := base
	for i := 1; i < retryCount; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		d = max
	}
	return d
}

// RetryAll resets all parked intents to pending for immediate retry. The
// coordinator calls it on every online transition.
func (q *IntentQueue) RetryAll(ctx context.Context) (int, error) {
	now := q.now().Unix()
	res, err := q.db.ExecContext(ctx, `UPDATE sync_intents
		SET status = ?, retry_count = 0, next_retry_at = ?, last_error = '', updated_at = ?
		WHERE status = ?`, StatusPending, now, now, StatusFailed)
	if err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, "retry intents failed", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.Info("reset failed sync intents for retry", map[string]interface{}{"count": n})
	}
	return int(n), nil
}

// Recover returns intents claimed by a process that died mid-run to pending.
func (q *IntentQueue) Recover(ctx context.Context) (int, error) {
	res, err := q.db.ExecContext(ctx, `UPDATE sync_intents SET status = ?, updated_at = ? WHERE status = ?`,
		StatusPending, q.now().Unix(), StatusInProgress)
	if err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, "recover intents failed", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Ready returns pending intents whose retry time has come.
func (q *IntentQueue) Ready(ctx context.Context) ([]models.SyncIntent, error) {
	out := []models.SyncIntent{}
	err := q.db.SelectContext(ctx, &out,
		`SELECT `+intentColumns+` FROM sync_intents WHERE status = ? AND next_retry_at <= ? ORDER BY created_at`,
		StatusPending, q.now().Unix())
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "list ready intents failed", err)
	}
	return out, nil
}

// Get returns one intent.
func (q *IntentQueue) Get(ctx context.Context, id models.UUID) (*models.SyncIntent, error) {
	var intent models.SyncIntent
	err := q.db.GetContext(ctx, &intent, `SELECT `+intentColumns+` FROM sync_intents WHERE id = ?`, id)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.New(errors.ErrNotFound, fmt.Sprintf("intent %s not found", id))
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "get intent failed", err)
	}
	return &intent, nil
}

// List returns every intent, oldest first.
func (q *IntentQueue) List(ctx context.Context) ([]models.SyncIntent, error) {
	out := []models.SyncIntent{}
	if err := q.db.SelectContext(ctx, &out, `SELECT `+intentColumns+` FROM sync_intents ORDER BY created_at`); err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "list intents failed", err)
	}
	return out, nil
}

// Stats returns intent counts by status plus a total.
func (q *IntentQueue) Stats(ctx context.Context) (map[string]int, error) {
	stats := map[string]int{
		"total":                  0,
		string(StatusPending):    0,
		string(StatusInProgress): 0,
		string(StatusFailed):     0,
		string(StatusCompleted):  0,
	}
	var rows []struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	if err := q.db.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS n FROM sync_intents GROUP BY status`); err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "intent stats failed", err)
	}
	for _, r := range rows {
		stats[r.Status] = r.N
		stats["total"] += r.N
	}
	return stats, nil
}

// Clear removes every intent.
func (q *IntentQueue) Clear(ctx context.Context) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM sync_intents`); err != nil {
		return errors.Wrap(errors.ErrDatabase, "clear intents failed", err)
	}
	logging.Info("sync intent queue cleared", nil)
	return nil
}
