package models

import "encoding/json"

// KVEntry is a session or configuration scalar. Entity data never goes here.
type KVEntry struct {
	Key   string          `db:"key" json:"key"`
	Value json.RawMessage `db:"value" json:"value"`
}

// TableName returns the table name for KVEntry.
func (KVEntry) TableName() string {
	return "kv"
}

// FormSnapshot is the saved field state of one UI form, replaced wholesale.
type FormSnapshot struct {
	ID        string    `db:"id" json:"id"`
	State     JSONMap   `db:"state" json:"state"`
	UpdatedAt Timestamp `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for FormSnapshot.
func (FormSnapshot) TableName() string {
	return "forms"
}
