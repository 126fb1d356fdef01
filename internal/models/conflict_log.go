package models

import "fmt"

// ConflictLog records how a pulled record was reconciled against its local
// copy.
type ConflictLog struct {
	Table           string    `json:"table"`
	RecordID        int64     `json:"record_id"`
	LocalTimestamp  Timestamp `json:"local_timestamp"`
	RemoteTimestamp Timestamp `json:"remote_timestamp"`
	Resolution      string    `json:"resolution"` // remote_wins, local_wins, tie_remote_wins, identical
	DetectedAt      Timestamp `json:"detected_at"`
}

// Message renders the entry for the event log.
func (c *ConflictLog) Message() string {
	return fmt.Sprintf("%s #%d: %s (local %s, remote %s)",
		c.Table, c.RecordID, c.Resolution, c.LocalTimestamp, c.RemoteTimestamp)
}
