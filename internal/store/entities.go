package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/okcolf/colfexpress/internal/errors"
	"github.com/okcolf/colfexpress/internal/models"
)

func selectColumns(e models.Entity) string {
	cols := append([]string{"id"}, e.Columns()...)
	return strings.Join(append(cols, "last_updated"), ", ")
}

func namedList(cols []string) string {
	named := make([]string, len(cols))
	for i, c := range cols {
		named[i] = ":" + c
	}
	return strings.Join(named, ", ")
}

// Add inserts rec, assigning a new identifier and stamping last_updated.
func Add[T any, P models.EntityPtr[T]](ctx context.Context, s *Store, rec P) error {
	table := rec.TableName()
	cols := append(rec.Columns(), "last_updated")
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ", "), namedList(cols))

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		latest, err := tableMax(ctx, tx, table)
		if err != nil {
			return err
		}
		rec.SetUpdated(s.stamp(models.Timestamp{}, latest))

		res, err := tx.NamedExecContext(ctx, query, rec)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		rec.SetID(id)
		return nil
	})
	if err != nil {
		return dbError("add", err, map[string]interface{}{"table": table})
	}
	return nil
}

// Get fetches the record with the given identifier.
func Get[T any, P models.EntityPtr[T]](ctx context.Context, s *Store, id int64) (P, error) {
	rec := P(new(T))
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", selectColumns(rec), rec.TableName())
	if err := s.db.GetContext(ctx, rec, query, id); err != nil {
		if isNoRows(err) {
			return nil, notFound(rec.TableName(), id)
		}
		return nil, dbError("get", err, map[string]interface{}{"table": rec.TableName(), "id": id})
	}
	return rec, nil
}

// Update overwrites the business fields of an existing record and re-stamps
// last_updated strictly past its previous value.
func Update[T any, P models.EntityPtr[T]](ctx context.Context, s *Store, rec P) error {
	table := rec.TableName()
	sets := make([]string, 0, len(rec.Columns())+1)
	for _, c := range rec.Columns() {
		sets = append(sets, c+" = :"+c)
	}
	sets = append(sets, "last_updated = :last_updated")
	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = :id", table, strings.Join(sets, ", "))

	var missing bool
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var prev models.Timestamp
		err := tx.GetContext(ctx, &prev, fmt.Sprintf("SELECT last_updated FROM %s WHERE id = ?", table), rec.GetID())
		if isNoRows(err) {
			missing = true
			return nil
		}
		if err != nil {
			return err
		}
		latest, err := tableMax(ctx, tx, table)
		if err != nil {
			return err
		}
		rec.SetUpdated(s.stamp(prev, latest))
		_, err = tx.NamedExecContext(ctx, query, rec)
		return err
	})
	if err != nil {
		return dbError("update", err, map[string]interface{}{"table": table, "id": rec.GetID()})
	}
	if missing {
		return notFound(table, rec.GetID())
	}
	return nil
}

// Put writes rec as-is, keeping its identifier and last_updated. It inserts
// or replaces and is reserved for applying authoritative remote state.
func Put[T any, P models.EntityPtr[T]](ctx context.Context, s *Store, rec P) error {
	if rec.GetID() <= 0 {
		return errors.New(errors.ErrInvalid, "put requires an identifier")
	}
	if rec.Updated().IsZero() {
		return errors.New(errors.ErrInvalid, "put requires last_updated")
	}

	table := rec.TableName()
	cols := append([]string{"id"}, rec.Columns()...)
	cols = append(cols, "last_updated")
	sets := make([]string, 0, len(cols)-1)
	for _, c := range cols[1:] {
		sets = append(sets, c+" = excluded."+c)
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(id) DO UPDATE SET %s",
		table, strings.Join(cols, ", "), namedList(cols), strings.Join(sets, ", "))

	if _, err := s.db.NamedExecContext(ctx, query, rec); err != nil {
		return dbError("put", err, map[string]interface{}{"table": table, "id": rec.GetID()})
	}
	return nil
}

// Delete removes the record with the given identifier.
func Delete[T any, P models.EntityPtr[T]](ctx context.Context, s *Store, id int64) error {
	table := P(new(T)).TableName()
	res, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", table), id)
	if err != nil {
		return dbError("delete", err, map[string]interface{}{"table": table, "id": id})
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(table, id)
	}
	return nil
}

// All returns every record of the table ordered by identifier.
func All[T any, P models.EntityPtr[T]](ctx context.Context, s *Store) ([]T, error) {
	e := P(new(T))
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY id", selectColumns(e), e.TableName())
	out := []T{}
	if err := s.db.SelectContext(ctx, &out, query); err != nil {
		return nil, dbError("list", err, map[string]interface{}{"table": e.TableName()})
	}
	return out, nil
}

// UpdatedSince returns the records whose last_updated is strictly after
// since, oldest first.
func UpdatedSince[T any, P models.EntityPtr[T]](ctx context.Context, s *Store, since models.Timestamp) ([]T, error) {
	e := P(new(T))
	query := fmt.Sprintf("SELECT %s FROM %s WHERE last_updated > ? ORDER BY last_updated, id",
		selectColumns(e), e.TableName())
	out := []T{}
	if err := s.db.SelectContext(ctx, &out, query, since.Storage()); err != nil {
		return nil, dbError("updated since", err, map[string]interface{}{"table": e.TableName()})
	}
	return out, nil
}

// Clear deletes every record of an entity table. Identifiers are not reused
// afterwards.
func (s *Store) Clear(ctx context.Context, table string) (int64, error) {
	if !models.IsEntityTable(table) {
		return 0, errors.New(errors.ErrInvalid, fmt.Sprintf("unknown table %q", table))
	}
	res, err := s.db.ExecContext(ctx, "DELETE FROM "+table)
	if err != nil {
		return 0, dbError("clear", err, map[string]interface{}{"table": table})
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Count returns the number of records in an entity table.
func (s *Store) Count(ctx context.Context, table string) (int64, error) {
	if !models.IsEntityTable(table) {
		return 0, errors.New(errors.ErrInvalid, fmt.Sprintf("unknown table %q", table))
	}
	var n int64
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM "+table); err != nil {
		return 0, dbError("count", err, map[string]interface{}{"table": table})
	}
	return n, nil
}
