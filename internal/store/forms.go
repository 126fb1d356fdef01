package store

import (
	"context"

	"github.com/okcolf/colfexpress/internal/errors"
	"github.com/okcolf/colfexpress/internal/models"
)

// SaveForm replaces the snapshot stored for a form.
func (s *Store) SaveForm(ctx context.Context, id string, state models.JSONMap) (*models.FormSnapshot, error) {
	if id == "" {
		return nil, errors.New(errors.ErrInvalid, "form id must not be empty")
	}
	snap := &models.FormSnapshot{
		ID:        id,
		State:     state,
		UpdatedAt: models.NewTimestamp(s.now()),
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO forms (id, state, updated_at) VALUES (:id, :state, :updated_at)
		ON CONFLICT(id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`, snap)
	if err != nil {
		return nil, dbError("save form", err, map[string]interface{}{"form": id})
	}
	return snap, nil
}

// LoadForm returns the snapshot stored for a form.
func (s *Store) LoadForm(ctx context.Context, id string) (*models.FormSnapshot, error) {
	var snap models.FormSnapshot
	err := s.db.GetContext(ctx, &snap, `SELECT id, state, updated_at FROM forms WHERE id = ?`, id)
	if isNoRows(err) {
		return nil, notFound("form", id)
	}
	if err != nil {
		return nil, dbError("load form", err, map[string]interface{}{"form": id})
	}
	return &snap, nil
}

// DeleteForm removes a form snapshot. Deleting an absent form is not an error.
func (s *Store) DeleteForm(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM forms WHERE id = ?`, id); err != nil {
		return dbError("delete form", err, map[string]interface{}{"form": id})
	}
	return nil
}

// ListForms returns every snapshot, most recently saved first.
func (s *Store) ListForms(ctx context.Context) ([]models.FormSnapshot, error) {
	out := []models.FormSnapshot{}
	if err := s.db.SelectContext(ctx, &out, `SELECT id, state, updated_at FROM forms ORDER BY updated_at DESC, id`); err != nil {
		return nil, dbError("list forms", err, nil)
	}
	return out, nil
}

// ClearForms removes every snapshot.
func (s *Store) ClearForms(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM forms`); err != nil {
		return dbError("clear forms", err, nil)
	}
	return nil
}
