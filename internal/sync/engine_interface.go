// Package sync reconciles the local entity tables with the remote record
// authority under last-write-wins.
package sync

import (
	"context"
	"encoding/json"
)

// Engine runs reconciliations. The scheduler and coordinator depend on it so
// they can be tested without a database or network.
type Engine interface {
	// Run performs one pull-then-push pass over every entity table.
	Run(ctx context.Context) (*RunResult, error)

	// Status returns the current sync status.
	Status() Status
}

// Authority is the remote record authority.
type Authority interface {
	// Pull returns the records of table the authority stored after cursor,
	// and the cursor to resume from. Cursors are assigned by the authority
	// in receive order, never by clients.
	Pull(ctx context.Context, table string, cursor int64) ([]json.RawMessage, int64, error)

	// Push submits records of table. The authority applies last-write-wins
	// on its side.
	Push(ctx context.Context, table string, records []json.RawMessage) error

	// Ping checks reachability.
	Ping(ctx context.Context) error
}

// Recorder receives user-visible reconciliation outcomes.
type Recorder interface {
	Append(ctx context.Context, category, message string)
}

// ConnectivityState reports whether the host is online.
type ConnectivityState interface {
	Online() bool
}
