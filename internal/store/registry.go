package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/okcolf/colfexpress/internal/errors"
	"github.com/okcolf/colfexpress/internal/models"
)

// Table gives table-name-addressed access to one entity table, for callers
// that route by name: the reconciler and the HTTP gateway.
type Table interface {
	Name() string
	// New returns an empty record of the table.
	New() models.Entity
	// Decode parses a wire record.
	Decode(raw json.RawMessage) (models.Entity, error)
	// Find returns the stored record, or nil when absent.
	Find(ctx context.Context, s *Store, id int64) (models.Entity, error)
	Add(ctx context.Context, s *Store, rec models.Entity) error
	Update(ctx context.Context, s *Store, rec models.Entity) error
	Put(ctx context.Context, s *Store, rec models.Entity) error
	Delete(ctx context.Context, s *Store, id int64) error
	All(ctx context.Context, s *Store) ([]models.Entity, error)
	UpdatedSince(ctx context.Context, s *Store, since models.Timestamp) ([]models.Entity, error)
}

type entityTable[T any, P models.EntityPtr[T]] struct{}

func (entityTable[T, P]) Name() string { return P(new(T)).TableName() }

func (entityTable[T, P]) New() models.Entity { return P(new(T)) }

func (t entityTable[T, P]) Decode(raw json.RawMessage) (models.Entity, error) {
	rec := P(new(T))
	if err := json.Unmarshal(raw, rec); err != nil {
		return nil, errors.Wrap(errors.ErrValidation, fmt.Sprintf("decode %s record", t.Name()), err)
	}
	return rec, nil
}

func (entityTable[T, P]) Find(ctx context.Context, s *Store, id int64) (models.Entity, error) {
	rec, err := Get[T, P](ctx, s, id)
	if errors.Is(err, errors.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (t entityTable[T, P]) cast(rec models.Entity) (P, error) {
	p, ok := rec.(P)
	if !ok {
		return nil, errors.New(errors.ErrInvalid, fmt.Sprintf("%T is not a %s record", rec, t.Name()))
	}
	return p, nil
}

func (t entityTable[T, P]) Add(ctx context.Context, s *Store, rec models.Entity) error {
	p, err := t.cast(rec)
	if err != nil {
		return err
	}
	return Add[T, P](ctx, s, p)
}

func (t entityTable[T, P]) Update(ctx context.Context, s *Store, rec models.Entity) error {
	p, err := t.cast(rec)
	if err != nil {
		return err
	}
	return Update[T, P](ctx, s, p)
}

func (t entityTable[T, P]) Put(ctx context.Context, s *Store, rec models.Entity) error {
	p, err := t.cast(rec)
	if err != nil {
		return err
	}
	return Put[T, P](ctx, s, p)
}

func (entityTable[T, P]) Delete(ctx context.Context, s *Store, id int64) error {
	return Delete[T, P](ctx, s, id)
}

func (entityTable[T, P]) All(ctx context.Context, s *Store) ([]models.Entity, error) {
	rows, err := All[T, P](ctx, s)
	if err != nil {
		return nil, err
	}
	return entities[T, P](rows), nil
}

func (entityTable[T, P]) UpdatedSince(ctx context.Context, s *Store, since models.Timestamp) ([]models.Entity, error) {
	rows, err := UpdatedSince[T, P](ctx, s, since)
	if err != nil {
		return nil, err
	}
	return entities[T, P](rows), nil
}

func entities[T any, P models.EntityPtr[T]](rows []T) []models.Entity {
	out := make([]models.Entity, len(rows))
	for i := range rows {
		out[i] = P(&rows[i])
	}
	return out
}

var tables = map[string]Table{
	models.TableWorkers:      entityTable[models.Worker, *models.Worker]{},
	models.TableEmployers:    entityTable[models.Employer, *models.Employer]{},
	models.TableContracts:    entityTable[models.Contract, *models.Contract]{},
	models.TableWorkSessions: entityTable[models.WorkSession, *models.WorkSession]{},
	models.TablePayments:     entityTable[models.Payment, *models.Payment]{},
}

// TableFor returns the accessor for an entity table.
func TableFor(name string) (Table, error) {
	t, ok := tables[name]
	if !ok {
		return nil, errors.New(errors.ErrNotFound, fmt.Sprintf("unknown table %q", name))
	}
	return t, nil
}

// Tables returns every entity table accessor in dependency order.
func Tables() []Table {
	out := make([]Table, 0, len(models.EntityTables))
	for _, name := range models.EntityTables {
		out = append(out, tables[name])
	}
	return out
}
