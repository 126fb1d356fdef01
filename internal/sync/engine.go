package sync

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	gosync "sync"
	"time"

	"github.com/okcolf/colfexpress/internal/errors"
	"github.com/okcolf/colfexpress/internal/logging"
	"github.com/okcolf/colfexpress/internal/models"
	"github.com/okcolf/colfexpress/internal/store"
	"github.com/okcolf/colfexpress/internal/sync/conflict"
	"github.com/okcolf/colfexpress/internal/uuid"
)

// State represents the current sync state.
type State string

const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
	StateFailed  State = "failed"
)

// Status is a snapshot of reconciler activity.
type Status struct {
	State       State      `json:"state"`
	Running     int        `json:"running"`
	LastRun     *time.Time `json:"last_run,omitempty"`
	LastSuccess *time.Time `json:"last_success,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

// TableResult holds per-table outcomes of one run.
type TableResult struct {
	Table     string `json:"table"`
	Received  int    `json:"received"`
	Applied   int    `json:"applied"`
	Skipped   int    `json:"skipped"`
	Identical int    `json:"identical"`
	Invalid   int    `json:"invalid"`
	Pushed    int    `json:"pushed"`
	PullError string `json:"pull_error,omitempty"`
	PushError string `json:"push_error,omitempty"`
}

// RunResult represents the result of a reconciliation run.
type RunResult struct {
	RunID     string        `json:"run_id"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
	Tables    []TableResult `json:"tables"`
}

// Applied returns the number of remote records applied locally.
func (r *RunResult) Applied() int {
	n := 0
	for _, t := range r.Tables {
		n += t.Applied
	}
	return n
}

// Pushed returns the number of local records offered to the authority.
func (r *RunResult) Pushed() int {
	n := 0
	for _, t := range r.Tables {
		n += t.Pushed
	}
	return n
}

// Skipped returns the number of conflict skips.
func (r *RunResult) Skipped() int {
	n := 0
	for _, t := range r.Tables {
		n += t.Skipped
	}
	return n
}

// Failed reports whether any phase failed.
func (r *RunResult) Failed() bool {
	for _, t := range r.Tables {
		if t.PullError != "" || t.PushError != "" {
			return true
		}
	}
	return false
}

// Options configures a Reconciler.
type Options struct {
	// PhaseTimeout bounds each pull and push call (default: 30 seconds).
	PhaseTimeout time.Duration
	// TieBreak decides exact timestamp ties (default: incoming wins).
	TieBreak conflict.TieBreak
}

// Reconciler keeps the local entity tables consistent with an Authority.
// Runs may overlap: every step is idempotent by timestamp.
type Reconciler struct {
	store     *store.Store
	authority Authority
	resolver  *conflict.Resolver
	recorder  Recorder
	online    ConnectivityState
	timeout   time.Duration

	mu          gosync.Mutex
	running     int
	lastRun     time.Time
	lastSuccess time.Time
	lastErr     error
}

// NewReconciler creates a Reconciler. recorder and online may be nil.
func NewReconciler(s *store.Store, authority Authority, recorder Recorder, online ConnectivityState, opts Options) *Reconciler {
	if opts.PhaseTimeout <= 0 {
		opts.PhaseTimeout = 30 * time.Second
	}
	return &Reconciler{
		store:     s,
		authority: authority,
		resolver:  conflict.NewResolver(opts.TieBreak),
		recorder:  recorder,
		online:    online,
		timeout:   opts.PhaseTimeout,
	}
}

// Status returns the current sync status.
func (r *Reconciler) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := Status{State: StateIdle, Running: r.running}
	switch {
	case r.running > 0:
		st.State = StateSyncing
	case r.lastErr != nil:
		st.State = StateFailed
	}
	if !r.lastRun.IsZero() {
		t := r.lastRun
		st.LastRun = &t
	}
	if !r.lastSuccess.IsZero() {
		t := r.lastSuccess
		st.LastSuccess = &t
	}
	if r.lastErr != nil {
		st.LastError = r.lastErr.Error()
	}
	return st
}

func (r *Reconciler) record(ctx context.Context, category, message string) {
	if r.recorder != nil {
		r.recorder.Append(ctx, category, message)
	}
}

// Run pulls then pushes every entity table. A failed phase aborts only
// itself; records already applied stay applied and nothing is retried
// within the run. When offline it returns SYNC_OFFLINE without touching
// the network.
func (r *Reconciler) Run(ctx context.Context) (*RunResult, error) {
	if r.online != nil && !r.online.Online() {
		return nil, errors.New(errors.ErrSyncOffline, "reconciliation skipped while offline")
	}

	r.mu.Lock()
	r.running++
	r.mu.Unlock()

	result := &RunResult{RunID: uuid.NewRunID(), StartTime: time.Now()}
	logging.Info("reconciliation started", map[string]interface{}{"run_id": result.RunID})

	var failed []string
	for _, tbl := range store.Tables() {
		tr := TableResult{Table: tbl.Name()}

		applied, err := r.pull(ctx, tbl, &tr)
		if err != nil {
			tr.PullError = err.Error()
			failed = append(failed, "pull "+tbl.Name())
			r.record(ctx, models.CategoryError, fmt.Sprintf("pull %s failed: %v", tbl.Name(), err))
		}

		if err := r.push(ctx, tbl, applied, &tr); err != nil {
			tr.PushError = err.Error()
			failed = append(failed, "push "+tbl.Name())
			r.record(ctx, models.CategoryError, fmt.Sprintf("push %s failed: %v", tbl.Name(), err))
		}

		result.Tables = append(result.Tables, tr)
	}

	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	var runErr error
	if len(failed) > 0 {
		runErr = errors.New(errors.ErrSyncFailed, "reconciliation failed: "+strings.Join(failed, ", "))
	}

	r.mu.Lock()
	r.running--
	r.lastRun = result.EndTime
	r.lastErr = runErr
	if runErr == nil {
		r.lastSuccess = result.EndTime
	}
	r.mu.Unlock()

	fields := map[string]interface{}{
		"run_id":      result.RunID,
		"applied":     result.Applied(),
		"skipped":     result.Skipped(),
		"pushed":      result.Pushed(),
		"duration_ms": result.Duration.Milliseconds(),
	}
	if runErr != nil {
		logging.ErrorWithCode("reconciliation failed", string(errors.ErrSyncFailed), runErr, fields)
		return result, runErr
	}
	logging.Info("reconciliation completed", fields)
	return result, nil
}

// pull applies remote records newer than their local copies. It returns the
// timestamps it wrote, keyed by record id, so the push phase does not echo
// them back.
func (r *Reconciler) pull(ctx context.Context, tbl store.Table, tr *TableResult) (map[int64]models.Timestamp, error) {
	table := tbl.Name()
	applied := map[int64]models.Timestamp{}

	since, err := loadPullCursor(ctx, r.store, table)
	if err != nil {
		return applied, err
	}

	batch, cursor, err := r.fetch(ctx, table, since)
	if err != nil {
		return applied, phaseError("pull", err)
	}
	// a cursor behind ours means the authority lost its state: pull
	// everything and offer everything again
	reset := cursor < since
	if reset {
		logging.Warn("authority cursor went backwards", map[string]interface{}{
			"table": table, "cursor": cursor, "since": since,
		})
		if err := r.store.KVDelete(ctx, WatermarkKey(table, watermarkPushed)); err != nil {
			return applied, err
		}
		if batch, cursor, err = r.fetch(ctx, table, 0); err != nil {
			return applied, phaseError("pull", err)
		}
	}
	tr.Received = len(batch)

	complete := true
	for _, raw := range batch {
		if err := ctx.Err(); err != nil {
			return applied, err
		}

		incoming, err := tbl.Decode(raw)
		if err != nil || incoming.GetID() <= 0 || incoming.Updated().IsZero() {
			tr.Invalid++
			logging.Warn("ignoring malformed remote record", map[string]interface{}{"table": table})
			continue
		}

		stored, err := tbl.Find(ctx, r.store, incoming.GetID())
		if err != nil {
			complete = false
			continue
		}

		c := conflict.Candidate{Table: table, RecordID: incoming.GetID(), Incoming: incoming.Updated()}
		if stored != nil {
			ts := stored.Updated()
			c.Stored = &ts
			c.SamePayload = samePayload(stored, incoming)
		}
		d := r.resolver.Decide(c)
		if d.Log != nil && d.Resolution != conflict.ResolutionIncomingWins {
			r.record(ctx, models.CategorySync, "conflict "+d.Log.Message())
		}

		switch {
		case d.Apply:
			if err := tbl.Put(ctx, r.store, incoming); err != nil {
				complete = false
				continue
			}
			tr.Applied++
			applied[incoming.GetID()] = incoming.Updated()
		case d.Skipped():
			tr.Skipped++
		default:
			tr.Identical++
		}
	}

	r.record(ctx, models.CategorySync, fmt.Sprintf("pull %s: %d received, %d applied, %d conflict skipped",
		table, tr.Received, tr.Applied, tr.Skipped))

	if !complete {
		return applied, errors.New(errors.ErrDatabase, "some pulled records could not be stored")
	}
	if err := advancePullCursor(ctx, r.store, table, cursor, reset); err != nil {
		return applied, err
	}
	return applied, nil
}

func (r *Reconciler) fetch(ctx context.Context, table string, cursor int64) ([]json.RawMessage, int64, error) {
	phaseCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.authority.Pull(phaseCtx, table, cursor)
}

// push offers local records changed since the last successful push.
func (r *Reconciler) push(ctx context.Context, tbl store.Table, pulled map[int64]models.Timestamp, tr *TableResult) error {
	table := tbl.Name()

	since, err := loadWatermark(ctx, r.store, table, watermarkPushed)
	if err != nil {
		return err
	}
	changed, err := tbl.UpdatedSince(ctx, r.store, since)
	if err != nil {
		return err
	}

	var latest models.Timestamp
	records := make([]json.RawMessage, 0, len(changed))
	for _, rec := range changed {
		if rec.Updated().Newer(latest) {
			latest = rec.Updated()
		}
		if ts, ok := pulled[rec.GetID()]; ok && ts.Compare(rec.Updated()) == 0 {
			continue
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return errors.Wrap(errors.ErrInternal, "encode local record", err)
		}
		records = append(records, data)
	}

	if len(records) > 0 {
		phaseCtx, cancel := context.WithTimeout(ctx, r.timeout)
		err := r.authority.Push(phaseCtx, table, records)
		cancel()
		if err != nil {
			return phaseError("push", err)
		}
	}
	tr.Pushed = len(records)

	if len(records) > 0 {
		r.record(ctx, models.CategorySync, fmt.Sprintf("push %s: %d records offered", table, len(records)))
	}
	return advanceWatermark(ctx, r.store, table, watermarkPushed, latest)
}

// phaseError maps a deadline to SYNC_TIMEOUT and keeps other errors.
func phaseError(phase string, err error) error {
	if errors.Is(err, errors.ErrNetworkTimeout) || stderrors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(errors.ErrSyncTimeout, phase+" timed out", err)
	}
	return err
}

// samePayload compares the wire form of two copies.
func samePayload(a, b models.Entity) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ja, jb)
}
