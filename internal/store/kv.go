package store

import (
	"context"
	"encoding/json"
	"reflect"

	"github.com/okcolf/colfexpress/internal/errors"
	"github.com/okcolf/colfexpress/internal/models"
)

// KVSet stores value, JSON-encoded, under key.
func (s *Store) KVSet(ctx context.Context, key string, value interface{}) error {
	if key == "" {
		return errors.New(errors.ErrInvalid, "kv key must not be empty")
	}
	data, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(errors.ErrInvalid, "kv value is not JSON-encodable", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, string(data))
	if err != nil {
		return dbError("kv set", err, map[string]interface{}{"key": key})
	}
	return nil
}

// KVGetRaw returns the stored JSON for key and whether it exists.
func (s *Store) KVGetRaw(ctx context.Context, key string) (json.RawMessage, bool, error) {
	var value string
	err := s.db.GetContext(ctx, &value, `SELECT value FROM kv WHERE key = ?`, key)
	if isNoRows(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, dbError("kv get", err, map[string]interface{}{"key": key})
	}
	return json.RawMessage(value), true, nil
}

// KVGet decodes the value stored under key into dest. It reports false,
// leaving dest untouched, when the key is absent.
func (s *Store) KVGet(ctx context.Context, key string, dest interface{}) (bool, error) {
	raw, ok, err := s.KVGetRaw(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, errors.Wrap(errors.ErrInvalid, "kv value has unexpected shape", err)
	}
	return true, nil
}

// KVIs reports whether key holds a value equal to expected.
func (s *Store) KVIs(ctx context.Context, key string, expected interface{}) (bool, error) {
	raw, ok, err := s.KVGetRaw(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	want, err := json.Marshal(expected)
	if err != nil {
		return false, errors.Wrap(errors.ErrInvalid, "expected value is not JSON-encodable", err)
	}
	var a, b interface{}
	if json.Unmarshal(raw, &a) != nil || json.Unmarshal(want, &b) != nil {
		return false, nil
	}
	return reflect.DeepEqual(a, b), nil
}

// KVDelete removes key. Deleting an absent key is not an error.
func (s *Store) KVDelete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return dbError("kv delete", err, map[string]interface{}{"key": key})
	}
	return nil
}

// KVClear removes every key.
func (s *Store) KVClear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv`); err != nil {
		return dbError("kv clear", err, nil)
	}
	return nil
}

// KVList returns every entry ordered by key.
func (s *Store) KVList(ctx context.Context) ([]models.KVEntry, error) {
	var rows []struct {
		Key   string `db:"key"`
		Value string `db:"value"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT key, value FROM kv ORDER BY key`); err != nil {
		return nil, dbError("kv list", err, nil)
	}
	out := make([]models.KVEntry, len(rows))
	for i, r := range rows {
		out[i] = models.KVEntry{Key: r.Key, Value: json.RawMessage(r.Value)}
	}
	return out, nil
}
