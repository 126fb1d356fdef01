package models

// Event log categories.
const (
	CategorySync         = "sync"
	CategoryError        = "error"
	CategoryData         = "data"
	CategoryConnectivity = "connectivity"
	CategoryCache        = "cache"
)

// LogEntry is one append-only event log row.
type LogEntry struct {
	ID        int64     `db:"id" json:"id"`
	Timestamp Timestamp `db:"timestamp" json:"timestamp"`
	Category  string    `db:"category" json:"category"`
	Message   string    `db:"message" json:"message"`
}

// TableName returns the table name for LogEntry.
func (LogEntry) TableName() string {
	return "logs"
}
