package sync

import (
	"context"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okcolf/colfexpress/internal/connectivity"
	"github.com/okcolf/colfexpress/internal/db"
	"github.com/okcolf/colfexpress/internal/errors"
	"github.com/okcolf/colfexpress/internal/sync/queue"
)

// blockingEngine counts runs and holds each one until released.
type blockingEngine struct {
	runs    atomic.Int32
	release chan struct{}
	err     error
}

func (e *blockingEngine) Run(ctx context.Context) (*RunResult, error) {
	e.runs.Add(1)
	if e.release != nil {
		select {
		case <-e.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &RunResult{RunID: "test"}, e.err
}

func (e *blockingEngine) Status() Status { return Status{State: StateIdle} }

func newQueue(t *testing.T) *queue.IntentQueue {
	t.Helper()
	database, err := db.OpenMigrated(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return queue.NewIntentQueue(database, queue.Config{})
}

// =====================================================
// Strategy Tests
// =====================================================

func TestImmediateStrategy(t *testing.T) {
	m := connectivity.NewMonitor(false)
	s := NewImmediateStrategy(m)
	var calls int
	run := func(context.Context) error { calls++; return nil }

	assert.Equal(t, OutcomeSkipped, s.Schedule(context.Background(), SourceMutation, run))
	assert.Zero(t, calls)

	m.Set(true, "test")
	assert.Equal(t, OutcomeRan, s.Schedule(context.Background(), SourceMutation, run))
	assert.Equal(t, 1, calls)

	failing := func(context.Context) error { return errors.New(errors.ErrSyncFailed, "boom") }
	assert.Equal(t, OutcomeFailed, s.Schedule(context.Background(), SourceMutation, failing))
}

func TestBackgroundStrategy(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	m := connectivity.NewMonitor(true)
	s := NewBackgroundStrategy(q, m)

	assert.Equal(t, OutcomeRan, s.Schedule(ctx, SourceMutation, func(context.Context) error { return nil }))
	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats["total"])

	// A failed online attempt is deferred for retry.
	assert.Equal(t, OutcomeFailed, s.Schedule(ctx, SourceMutation, func(context.Context) error {
		return errors.New(errors.ErrNetwork, "refused")
	}))
	stats, err = q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats["pending"])

	m.Set(false, "test")
	called := false
	assert.Equal(t, OutcomeDeferred, s.Schedule(ctx, SourceMutation, func(context.Context) error {
		called = true
		return nil
	}))
	assert.False(t, called)
	stats, err = q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats["pending"])
}

func TestSelectStrategy(t *testing.T) {
	ctx := context.Background()
	m := connectivity.NewMonitor(true)
	q := newQueue(t)

	assert.Equal(t, StrategyBackground, SelectStrategy(ctx, StrategyAuto, q, m).Name())
	assert.Equal(t, StrategyImmediate, SelectStrategy(ctx, StrategyImmediate, q, m).Name())
	assert.Equal(t, StrategyImmediate, SelectStrategy(ctx, StrategyAuto, nil, m).Name())
}

// =====================================================
// Coordinator Tests
// =====================================================

func TestCoordinator_inFlightGuardPerSource(t *testing.T) {
	engine := &blockingEngine{release: make(chan struct{})}
	c := NewCoordinator(engine, NewImmediateStrategy(connectivity.NewMonitor(true)), nil, nil)
	ctx := context.Background()

	var wg gosync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.Run(ctx, SourceMutation)
		}()
	}
	require.Eventually(t, func() bool { return engine.runs.Load() == 1 }, time.Second, 5*time.Millisecond)

	// A different source is not held back by the in-flight mutation run.
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = c.Run(ctx, SourceReconnect)
	}()
	require.Eventually(t, func() bool { return engine.runs.Load() == 2 }, time.Second, 5*time.Millisecond)

	close(engine.release)
	wg.Wait()
	assert.LessOrEqual(t, engine.runs.Load(), int32(4))
}

func TestCoordinator_hooksAndStatus(t *testing.T) {
	engine := &blockingEngine{}
	c := NewCoordinator(engine, NewImmediateStrategy(connectivity.NewMonitor(true)), nil, nil)

	var got []string
	c.OnRun(func(source string, res *RunResult, err error) {
		got = append(got, source)
		assert.NoError(t, err)
		assert.Equal(t, "test", res.RunID)
	})

	assert.Equal(t, OutcomeRan, c.Trigger(context.Background(), SourceMutation))
	assert.Equal(t, []string{SourceMutation}, got)
	assert.Equal(t, StateIdle, c.Status().State)
}

func TestCoordinator_drainFailureBacksOff(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	engine := &blockingEngine{err: errors.New(errors.ErrSyncFailed, "boom")}
	c := NewCoordinator(engine, NewBackgroundStrategy(q, connectivity.NewMonitor(false)), q, nil)

	intent, _, err := q.Enqueue(ctx, SourceMutation)
	require.NoError(t, err)

	_, err = c.Drain(ctx, SourceQueue)
	require.Error(t, err)

	got, err := q.Get(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, string(queue.StatusPending), got.Status)

	engine.err = nil
	_, err = c.Drain(ctx, SourceQueue)
	require.NoError(t, err)
	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats["total"])
}

// TestCoordinator_parkedIntentsDoNotFillQueue: intents parked by failed
// drains are cleared by the next successful run, so later offline
// mutations are still deferred.
func TestCoordinator_parkedIntentsDoNotFillQueue(t *testing.T) {
	ctx := context.Background()
	database, err := db.OpenMigrated(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	q := queue.NewIntentQueue(database, queue.Config{MaxSize: 2, MaxRetries: 1})

	m := connectivity.NewMonitor(false)
	engine := &blockingEngine{err: errors.New(errors.ErrSyncFailed, "boom")}
	c := NewCoordinator(engine, NewBackgroundStrategy(q, m), q, nil)

	for i := 0; i < 2; i++ {
		require.Equal(t, OutcomeDeferred, c.Trigger(ctx, SourceMutation))
		_, err := c.Drain(ctx, SourceQueue)
		require.Error(t, err)
	}
	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats["failed"])

	engine.err = nil
	_, err = c.Drain(ctx, SourceQueue)
	require.NoError(t, err)

	stats, err = q.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats["total"])
	assert.Equal(t, OutcomeDeferred, c.Trigger(ctx, SourceMutation))
}

// TestCoordinator_reconnectRetriesParked: an online transition resets the
// retry budget of parked intents before draining.
func TestCoordinator_reconnectRetriesParked(t *testing.T) {
	ctx := context.Background()
	database, err := db.OpenMigrated(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	q := queue.NewIntentQueue(database, queue.Config{MaxRetries: 1})

	engine := &blockingEngine{err: errors.New(errors.ErrSyncFailed, "boom")}
	c := NewCoordinator(engine, NewBackgroundStrategy(q, connectivity.NewMonitor(false)), q, nil)

	intent, _, err := q.Enqueue(ctx, SourceMutation)
	require.NoError(t, err)
	_, err = c.Drain(ctx, SourceQueue)
	require.Error(t, err)
	got, err := q.Get(ctx, intent.ID)
	require.NoError(t, err)
	require.Equal(t, string(queue.StatusFailed), got.Status)

	events := make(chan connectivity.Event, 1)
	events <- connectivity.Event{Online: true}
	close(events)
	c.Follow(ctx, events)

	// the reconnect drain claimed the revived intent and failed once more
	got, err = q.Get(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, int32(2), engine.runs.Load())
}

func TestCoordinator_followIgnoresOffline(t *testing.T) {
	engine := &blockingEngine{}
	c := NewCoordinator(engine, NewImmediateStrategy(connectivity.NewMonitor(true)), nil, nil)

	events := make(chan connectivity.Event, 3)
	events <- connectivity.Event{Online: false}
	events <- connectivity.Event{Online: true}
	close(events)

	c.Follow(context.Background(), events)
	assert.Equal(t, int32(1), engine.runs.Load())
}
