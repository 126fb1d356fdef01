package models

// SyncIntent is a durable marker that a reconciliation must run once
// connectivity is restored.
type SyncIntent struct {
	ID          UUID   `db:"id" json:"id"`
	Reason      string `db:"reason" json:"reason"` // trigger source: mutation, manual, scheduled
	RetryCount  int    `db:"retry_count" json:"retry_count"`
	MaxRetries  int    `db:"max_retries" json:"max_retries"`
	NextRetryAt int64  `db:"next_retry_at" json:"next_retry_at"`
	Status      string `db:"status" json:"status"` // pending, in_progress, failed, completed
	LastError   string `db:"last_error" json:"last_error,omitempty"`
	CreatedAt   int64  `db:"created_at" json:"created_at"`
	UpdatedAt   int64  `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for SyncIntent.
func (SyncIntent) TableName() string {
	return "sync_intents"
}
