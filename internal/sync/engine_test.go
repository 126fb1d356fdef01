package sync

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okcolf/colfexpress/internal/connectivity"
	"github.com/okcolf/colfexpress/internal/db"
	"github.com/okcolf/colfexpress/internal/errors"
	"github.com/okcolf/colfexpress/internal/eventlog"
	"github.com/okcolf/colfexpress/internal/models"
	"github.com/okcolf/colfexpress/internal/remote"
	"github.com/okcolf/colfexpress/internal/store"
	"github.com/okcolf/colfexpress/internal/sync/queue"
)

// =====================================================
// Test Helpers
// =====================================================

type harness struct {
	url     string
	db      *db.DB
	store   *store.Store
	events  *eventlog.Log
	monitor *connectivity.Monitor
	server  *remote.Server
	client  *remote.Client
	rec     *Reconciler
}

func newHarness(t *testing.T, online bool) *harness {
	t.Helper()
	srv := remote.NewServer()
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return newClientHarness(t, srv, ts.URL, online)
}

// newClientHarness creates a client with its own database reconciling with
// the authority srv served at url.
func newClientHarness(t *testing.T, srv *remote.Server, url string, online bool) *harness {
	t.Helper()
	database, err := db.OpenMigrated(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	client, err := remote.NewClient(url, 2*time.Second)
	require.NoError(t, err)

	h := &harness{
		url:     url,
		db:      database,
		store:   store.New(database),
		events:  eventlog.New(database, 0),
		monitor: connectivity.NewMonitor(online),
		server:  srv,
		client:  client,
	}
	h.rec = NewReconciler(h.store, client, h.events, h.monitor, Options{PhaseTimeout: 2 * time.Second})
	return h
}

// peer creates a second client of the same authority.
func (h *harness) peer(t *testing.T, online bool) *harness {
	t.Helper()
	return newClientHarness(t, h.server, h.url, online)
}

func (h *harness) runN(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := h.rec.Run(context.Background())
		require.NoError(t, err)
	}
}

func (h *harness) has(t *testing.T, id int64) *models.Worker {
	t.Helper()
	w, err := store.Get[models.Worker](context.Background(), h.store, id)
	if errors.Is(err, errors.ErrNotFound) {
		return nil
	}
	require.NoError(t, err)
	return w
}

func (h *harness) putLocal(t *testing.T, w *models.Worker) {
	t.Helper()
	require.NoError(t, store.Put(context.Background(), h.store, w))
}

func (h *harness) putRemote(t *testing.T, w *models.Worker) {
	t.Helper()
	data, err := json.Marshal(w)
	require.NoError(t, err)
	applied, err := h.server.Apply(models.TableWorkers, data)
	require.NoError(t, err)
	require.True(t, applied)
}

func (h *harness) local(t *testing.T, id int64) *models.Worker {
	t.Helper()
	w, err := store.Get[models.Worker](context.Background(), h.store, id)
	require.NoError(t, err)
	return w
}

func (h *harness) remoteWorker(t *testing.T, id int64) *models.Worker {
	t.Helper()
	raw, ok := h.server.Get(models.TableWorkers, id)
	require.True(t, ok, "record %d missing on authority", id)
	var w models.Worker
	require.NoError(t, json.Unmarshal(raw, &w))
	return &w
}

func newWorker(id int64, name, ts string) *models.Worker {
	w := &models.Worker{FirstName: name, LastName: "Doe"}
	w.ID = id
	w.LastUpdated = models.MustParseTimestamp(ts)
	return w
}

func tableResult(res *RunResult, table string) TableResult {
	for _, tr := range res.Tables {
		if tr.Table == table {
			return tr
		}
	}
	return TableResult{}
}

// =====================================================
// Pull / Push Scenarios
// =====================================================

// TestRun_remoteNewerReplacesLocal: a strictly newer remote copy overwrites
// the local record and is not echoed back.
func TestRun_remoteNewerReplacesLocal(t *testing.T) {
	h := newHarness(t, true)
	h.putLocal(t, newWorker(7, "local", "2024-01-01T00:00:00Z"))
	h.putRemote(t, newWorker(7, "remote", "2024-06-01T00:00:00Z"))

	res, err := h.rec.Run(context.Background())
	require.NoError(t, err)

	got := h.local(t, 7)
	assert.Equal(t, "remote", got.FirstName)
	assert.Equal(t, 0, got.LastUpdated.Compare(models.MustParseTimestamp("2024-06-01T00:00:00Z")))

	tr := tableResult(res, models.TableWorkers)
	assert.Equal(t, 1, tr.Applied)
	assert.Equal(t, 0, tr.Pushed)
}

// TestRun_localNewerSurvivesAndIsPushed: a strictly newer local copy is
// kept by the pull and carried to the authority by the push.
func TestRun_localNewerSurvivesAndIsPushed(t *testing.T) {
	h := newHarness(t, true)
	h.putLocal(t, newWorker(9, "local", "2024-06-01T00:00:00Z"))
	h.putRemote(t, newWorker(9, "remote", "2024-01-01T00:00:00Z"))

	res, err := h.rec.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "local", h.local(t, 9).FirstName)
	tr := tableResult(res, models.TableWorkers)
	assert.Equal(t, 1, tr.Skipped)
	assert.Equal(t, 1, tr.Pushed)
	assert.Equal(t, "local", h.remoteWorker(t, 9).FirstName)

	logs, err := h.events.List(context.Background(), eventlog.Filter{Category: models.CategorySync})
	require.NoError(t, err)
	var sawConflict bool
	for _, e := range logs {
		if e.Message == "conflict workers #9: local_wins (local 2024-06-01T00:00:00Z, remote 2024-01-01T00:00:00Z)" {
			sawConflict = true
		}
	}
	assert.True(t, sawConflict, "conflict skip not reported")
}

// TestRun_exactTieRemoteWins: equal timestamps with different payloads
// resolve to the remote copy on the client.
func TestRun_exactTieRemoteWins(t *testing.T) {
	h := newHarness(t, true)
	h.putLocal(t, newWorker(3, "local", "2024-03-01T00:00:00Z"))
	h.putRemote(t, newWorker(3, "remote", "2024-03-01T00:00:00Z"))

	_, err := h.rec.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "remote", h.local(t, 3).FirstName)
	assert.Equal(t, "remote", h.remoteWorker(t, 3).FirstName)
}

// TestRun_idempotent: a second run with no intervening mutation changes
// nothing on either side.
func TestRun_idempotent(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	h.putLocal(t, newWorker(1, "a", "2024-01-01T00:00:00Z"))
	h.putLocal(t, newWorker(2, "b", "2024-06-01T00:00:00Z"))
	h.putRemote(t, newWorker(2, "b-old", "2024-02-01T00:00:00Z"))
	h.putRemote(t, newWorker(3, "c", "2024-03-01T00:00:00Z"))

	_, err := h.rec.Run(ctx)
	require.NoError(t, err)

	localBefore, err := store.All[models.Worker](ctx, h.store)
	require.NoError(t, err)
	remoteBefore, _ := h.server.Changes(models.TableWorkers, 0)

	second, err := h.rec.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, second.Applied())
	assert.Zero(t, second.Pushed())

	localAfter, err := store.All[models.Worker](ctx, h.store)
	require.NoError(t, err)
	assert.Equal(t, localBefore, localAfter)
	remoteAfter, _ := h.server.Changes(models.TableWorkers, 0)
	assert.Equal(t, remoteBefore, remoteAfter)
	assert.Len(t, localAfter, 3)
}

// TestRun_lastWriteWinsEitherSide: the later timestamp survives on both
// sides regardless of which side holds it.
func TestRun_lastWriteWinsEitherSide(t *testing.T) {
	cases := []struct {
		name       string
		localTS    string
		remoteTS   string
		wantWinner string
	}{
		{"local later", "2024-05-05T10:00:00.000002Z", "2024-05-05T10:00:00.000001Z", "local"},
		{"remote later", "2024-05-05T10:00:00.000001Z", "2024-05-05T10:00:00.000002Z", "remote"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, true)
			h.putLocal(t, newWorker(5, "local", tc.localTS))
			h.putRemote(t, newWorker(5, "remote", tc.remoteTS))

			_, err := h.rec.Run(context.Background())
			require.NoError(t, err)

			assert.Equal(t, tc.wantWinner, h.local(t, 5).FirstName)
			assert.Equal(t, tc.wantWinner, h.remoteWorker(t, 5).FirstName)
		})
	}
}

// TestRun_localEditAfterPullIsPushed: mutations made after a run are
// stamped past every pulled record and go out on the next run.
func TestRun_localEditAfterPullIsPushed(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	h.putRemote(t, newWorker(4, "remote", "2999-01-01T00:00:00Z"))

	_, err := h.rec.Run(ctx)
	require.NoError(t, err)

	w := h.local(t, 4)
	w.FirstName = "edited"
	require.NoError(t, store.Update(ctx, h.store, w))
	assert.True(t, w.LastUpdated.Newer(models.MustParseTimestamp("2999-01-01T00:00:00Z")))

	res, err := h.rec.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pushed())
	assert.Equal(t, "edited", h.remoteWorker(t, 4).FirstName)
}

// =====================================================
// Failure Semantics
// =====================================================

type failingAuthority struct {
	pullErr, pushErr error
	pushed           map[string]int
}

func (f *failingAuthority) Pull(context.Context, string, int64) ([]json.RawMessage, int64, error) {
	return nil, 0, f.pullErr
}

func (f *failingAuthority) Push(_ context.Context, table string, records []json.RawMessage) error {
	if f.pushErr != nil {
		return f.pushErr
	}
	if f.pushed == nil {
		f.pushed = map[string]int{}
	}
	f.pushed[table] += len(records)
	return nil
}

func (f *failingAuthority) Ping(context.Context) error { return f.pullErr }

// TestRun_failedPullAbortsOnlyItsPhase: pushes still run and the run
// reports failure.
func TestRun_failedPullAbortsOnlyItsPhase(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	require.NoError(t, store.Add(ctx, h.store, &models.Employer{Name: "Acme"}))

	auth := &failingAuthority{pullErr: errors.New(errors.ErrNetwork, "connection refused")}
	rec := NewReconciler(h.store, auth, h.events, nil, Options{})

	res, err := rec.Run(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrSyncFailed))
	assert.True(t, res.Failed())
	assert.Equal(t, 1, auth.pushed[models.TableEmployers])
	assert.NotEmpty(t, tableResult(res, models.TableEmployers).PullError)

	st := rec.Status()
	assert.Equal(t, StateFailed, st.State)
	assert.NotEmpty(t, st.LastError)
	assert.Nil(t, st.LastSuccess)

	logs, err := h.events.List(ctx, eventlog.Filter{Category: models.CategoryError})
	require.NoError(t, err)
	assert.Len(t, logs, len(models.EntityTables))
}

// TestRun_failedPushKeepsWatermark: a failed push is offered again on the
// next run.
func TestRun_failedPushKeepsWatermark(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	require.NoError(t, store.Add(ctx, h.store, &models.Worker{FirstName: "Ada"}))

	auth := &failingAuthority{pushErr: errors.New(errors.ErrNetworkTimeout, "deadline")}
	rec := NewReconciler(h.store, auth, nil, nil, Options{})
	res, err := rec.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, tableResult(res, models.TableWorkers).PushError, string(errors.ErrSyncTimeout))

	auth.pushErr = nil
	res, err = rec.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pushed())

	res, err = rec.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Pushed())
	assert.Equal(t, StateIdle, rec.Status().State)
}

// TestRun_offlineMakesNoNetworkCall verifies the offline guard.
func TestRun_offlineMakesNoNetworkCall(t *testing.T) {
	h := newHarness(t, false)
	_, err := h.rec.Run(context.Background())
	assert.True(t, errors.Is(err, errors.ErrSyncOffline))
	assert.Zero(t, h.server.Requests())
}

// TestRun_ignoresMalformedRecords verifies bad wire records are counted
// and skipped.
func TestRun_ignoresMalformedRecords(t *testing.T) {
	h := newHarness(t, true)
	_, err := h.server.Apply(models.TableWorkers, json.RawMessage(`{"id":1,"first_name":7,"last_updated":"2024-01-01T00:00:00Z"}`))
	require.NoError(t, err)

	res, err := h.rec.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, tableResult(res, models.TableWorkers).Invalid)
}

// =====================================================
// Offline Durability
// =====================================================

// TestOfflineMutation_deferredThenPushedOnce: a mutation made while offline
// is stored locally, defers without touching the network, and is pushed by
// exactly one run on the next online transition.
func TestOfflineMutation_deferredThenPushedOnce(t *testing.T) {
	h := newHarness(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := queue.NewIntentQueue(h.db, queue.Config{})
	strategy := SelectStrategy(ctx, StrategyAuto, q, h.monitor)
	require.Equal(t, StrategyBackground, strategy.Name())
	coord := NewCoordinator(h.rec, strategy, q, h.events)

	runs := make(chan string, 8)
	coord.OnRun(func(source string, _ *RunResult, _ error) { runs <- source })

	sub := h.monitor.Subscribe("sync")
	defer sub.Unsubscribe()
	go coord.Follow(ctx, sub.Events())

	w := &models.Worker{FirstName: "Offline", LastName: "Edit"}
	require.NoError(t, store.Add(ctx, h.store, w))
	assert.Equal(t, "Offline", h.local(t, w.ID).FirstName)

	assert.Equal(t, OutcomeDeferred, coord.Trigger(ctx, SourceMutation))
	assert.Equal(t, OutcomeDeferred, coord.Trigger(ctx, SourceMutation))
	assert.Zero(t, h.server.Requests())

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats["pending"])

	h.monitor.Set(true, "test")

	select {
	case source := <-runs:
		assert.Equal(t, SourceReconnect, source)
	case <-time.After(5 * time.Second):
		t.Fatal("no reconciliation after reconnect")
	}

	assert.Equal(t, "Offline", h.remoteWorker(t, w.ID).FirstName)
	require.Eventually(t, func() bool {
		stats, err := q.Stats(ctx)
		return err == nil && stats["total"] == 0
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case source := <-runs:
		t.Fatalf("unexpected second run from %s", source)
	case <-time.After(100 * time.Millisecond):
	}
}

// TestWatermarks verifies keys and reset.
func TestWatermarks(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	h.putRemote(t, newWorker(1, "a", "2024-01-01T00:00:00Z"))
	h.putLocal(t, newWorker(2, "b", "2024-02-01T00:00:00Z"))

	_, err := h.rec.Run(ctx)
	require.NoError(t, err)

	var cursor int64
	ok, err := h.store.KVGet(ctx, "sync.workers.pull_cursor", &cursor)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), cursor)

	var ts models.Timestamp
	ok, err = h.store.KVGet(ctx, "sync.workers.pushed_through", &ts)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0, ts.Compare(models.MustParseTimestamp("2024-02-01T00:00:00Z")))

	require.NoError(t, ResetWatermarks(ctx, h.store))
	for _, kind := range []string{watermarkPullCursor, watermarkPushed} {
		ok, err = h.store.KVGet(ctx, WatermarkKey(models.TableWorkers, kind), &ts)
		require.NoError(t, err)
		assert.False(t, ok, kind)
	}
}

// =====================================================
// Several Clients
// =====================================================

// TestConvergence_latePushWithOlderTimestamp: a client that edited offline
// pushes a record stamped before what another client already pulled. The
// other client still receives it, since pull cursors follow the order the
// authority received records in, not client timestamps.
func TestConvergence_latePushWithOlderTimestamp(t *testing.T) {
	a := newHarness(t, true)
	b := a.peer(t, false)

	b.putLocal(t, newWorker(500, "from-b", "2024-01-01T10:00:00Z"))

	a.putLocal(t, newWorker(600, "from-a", "2024-01-01T11:00:00Z"))
	a.runN(t, 2)

	b.monitor.Set(true, "test")
	b.runN(t, 1)
	assert.Equal(t, "from-b", b.remoteWorker(t, 500).FirstName)
	require.NotNil(t, b.has(t, 600))

	a.runN(t, 1)
	got := a.has(t, 500)
	require.NotNil(t, got, "record pushed late never reached the other client")
	assert.Equal(t, "from-b", got.FirstName)
}

// TestConvergence_interleavedEdits: both clients edit one record; whichever
// pushes first, every replica ends on the later timestamp.
func TestConvergence_interleavedEdits(t *testing.T) {
	for _, laterFirst := range []bool{true, false} {
		name := "earlier edit pushed first"
		if laterFirst {
			name = "later edit pushed first"
		}
		t.Run(name, func(t *testing.T) {
			a := newHarness(t, true)
			b := a.peer(t, true)
			a.putLocal(t, newWorker(700, "base", "2024-01-01T09:00:00Z"))
			a.runN(t, 1)
			b.runN(t, 1)
			require.Equal(t, "base", b.has(t, 700).FirstName)

			a.putLocal(t, newWorker(700, "a-edit", "2024-01-01T12:00:00Z"))
			b.putLocal(t, newWorker(700, "b-edit", "2024-01-01T12:30:00Z"))

			first, second := a, b
			if laterFirst {
				first, second = b, a
			}
			first.runN(t, 1)
			second.runN(t, 1)
			first.runN(t, 1)

			assert.Equal(t, "b-edit", a.has(t, 700).FirstName)
			assert.Equal(t, "b-edit", b.has(t, 700).FirstName)
			assert.Equal(t, "b-edit", a.remoteWorker(t, 700).FirstName)
		})
	}
}

// TestRun_authorityLostState: an authority whose cursor is behind ours has
// lost its records. The client pulls everything and offers everything again.
func TestRun_authorityLostState(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	h.putRemote(t, newWorker(1, "a", "2024-01-01T00:00:00Z"))
	h.putRemote(t, newWorker(2, "b", "2024-01-02T00:00:00Z"))
	h.putLocal(t, newWorker(3, "c", "2024-01-03T00:00:00Z"))
	h.runN(t, 1)

	fresh := remote.NewServer()
	ts := httptest.NewServer(fresh)
	t.Cleanup(ts.Close)
	_, err := fresh.Apply(models.TableWorkers, mustJSON(t, newWorker(4, "d", "2024-01-04T00:00:00Z")))
	require.NoError(t, err)

	client, err := remote.NewClient(ts.URL, 2*time.Second)
	require.NoError(t, err)
	rec := NewReconciler(h.store, client, nil, nil, Options{})
	_, err = rec.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, "d", h.local(t, 4).FirstName)
	assert.Equal(t, 4, fresh.Count(models.TableWorkers))
}

func mustJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
