// Package conflict decides, record by record, whether an incoming copy
// replaces the stored one under last-write-wins.
package conflict

import (
	"time"

	"github.com/okcolf/colfexpress/internal/logging"
	"github.com/okcolf/colfexpress/internal/models"
)

// Resolution names the outcome of comparing two copies of a record.
type Resolution string

const (
	// ResolutionInsert: no stored copy exists.
	ResolutionInsert Resolution = "insert"
	// ResolutionIncomingWins: the incoming copy is strictly newer.
	ResolutionIncomingWins Resolution = "remote_wins"
	// ResolutionStoredWins: the stored copy is strictly newer.
	ResolutionStoredWins Resolution = "local_wins"
	// ResolutionTieIncoming: equal timestamps, different payloads, the
	// incoming copy is applied.
	ResolutionTieIncoming Resolution = "tie_remote_wins"
	// ResolutionTieStored: equal timestamps, different payloads, the stored
	// copy is kept.
	ResolutionTieStored Resolution = "tie_local_wins"
	// ResolutionIdentical: equal timestamps and payloads.
	ResolutionIdentical Resolution = "identical"
)

// TieBreak selects the winner on an exact timestamp tie.
type TieBreak string

const (
	// TieBreakIncoming applies the incoming copy. The client uses it so
	// the remote authority is the final arbiter.
	TieBreakIncoming TieBreak = "incoming"
	// TieBreakStored keeps the stored copy. The authority uses it so its
	// own copy wins.
	TieBreakStored TieBreak = "stored"
)

// Resolver applies last-write-wins with a fixed tie-break.
type Resolver struct {
	tieBreak TieBreak
	now      func() time.Time
}

// NewResolver creates a Resolver. Unknown tie-breaks fall back to
// TieBreakIncoming.
func NewResolver(tieBreak TieBreak) *Resolver {
	if tieBreak != TieBreakStored {
		tieBreak = TieBreakIncoming
	}
	return &Resolver{tieBreak: tieBreak, now: time.Now}
}

// Candidate describes one incoming record against its stored copy.
type Candidate struct {
	Table    string
	RecordID int64
	// Stored is nil when no stored copy exists.
	Stored   *models.Timestamp
	Incoming models.Timestamp
	// SamePayload reports whether both copies carry identical business
	// fields. Only consulted on a timestamp tie.
	SamePayload bool
}

// Decision is the outcome for one Candidate.
type Decision struct {
	Apply      bool
	Resolution Resolution
	// Log is set when both copies existed and differed, for the event log.
	Log *models.ConflictLog
}

// Decide compares the two copies.
func (r *Resolver) Decide(c Candidate) Decision {
	if c.Stored == nil {
		return Decision{Apply: true, Resolution: ResolutionInsert}
	}

	var d Decision
	switch cmp := c.Incoming.Compare(*c.Stored); {
	case cmp > 0:
		d = Decision{Apply: true, Resolution: ResolutionIncomingWins}
	case cmp < 0:
		d = Decision{Apply: false, Resolution: ResolutionStoredWins}
	case c.SamePayload:
		return Decision{Apply: false, Resolution: ResolutionIdentical}
	case r.tieBreak == TieBreakStored:
		d = Decision{Apply: false, Resolution: ResolutionTieStored}
	default:
		d = Decision{Apply: true, Resolution: ResolutionTieIncoming}
	}

	d.Log = &models.ConflictLog{
		Table:           c.Table,
		RecordID:        c.RecordID,
		LocalTimestamp:  *c.Stored,
		RemoteTimestamp: c.Incoming,
		Resolution:      string(d.Resolution),
		DetectedAt:      models.NewTimestamp(r.now()),
	}

	if !d.Apply || d.Resolution == ResolutionTieIncoming {
		logging.Info("conflict resolved using last-write-wins", map[string]interface{}{
			"table":            c.Table,
			"record_id":        c.RecordID,
			"stored_timestamp": c.Stored.String(),
			"incoming":         c.Incoming.String(),
			"resolution":       d.Resolution,
		})
	}
	return d
}

// Skipped reports whether the decision is a conflict skip: the incoming
// copy lost against a different stored copy.
func (d Decision) Skipped() bool {
	return !d.Apply && d.Resolution != ResolutionIdentical
}
