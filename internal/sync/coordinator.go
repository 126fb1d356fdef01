package sync

import (
	"context"
	"fmt"
	gosync "sync"

	"golang.org/x/sync/singleflight"

	"github.com/okcolf/colfexpress/internal/connectivity"
	"github.com/okcolf/colfexpress/internal/errors"
	"github.com/okcolf/colfexpress/internal/logging"
	"github.com/okcolf/colfexpress/internal/models"
	"github.com/okcolf/colfexpress/internal/sync/queue"
)

// Trigger sources.
const (
	SourceMutation  = "mutation"
	SourceReconnect = "reconnect"
	SourceScheduled = "scheduled"
	SourceQueue     = "queue"
	SourceManual    = "manual"
)

// RunHook observes every finished run.
type RunHook func(source string, result *RunResult, err error)

// Coordinator is the single entry point for reconciliation requests. At
// most one run per trigger source is in flight; runs from different
// sources may overlap.
type Coordinator struct {
	engine   Engine
	strategy Strategy
	queue    *queue.IntentQueue
	recorder Recorder

	group singleflight.Group

	mu    gosync.RWMutex
	hooks []RunHook
}

// NewCoordinator creates a Coordinator. q and recorder may be nil.
func NewCoordinator(engine Engine, strategy Strategy, q *queue.IntentQueue, recorder Recorder) *Coordinator {
	return &Coordinator{engine: engine, strategy: strategy, queue: q, recorder: recorder}
}

// Strategy returns the selected execution strategy.
func (c *Coordinator) Strategy() Strategy {
	return c.strategy
}

// Status returns the engine status.
func (c *Coordinator) Status() Status {
	return c.engine.Status()
}

// OnRun registers a hook called after every run.
func (c *Coordinator) OnRun(hook RunHook) {
	c.mu.Lock()
	c.hooks = append(c.hooks, hook)
	c.mu.Unlock()
}

func (c *Coordinator) record(ctx context.Context, category, message string) {
	if c.recorder != nil {
		c.recorder.Append(ctx, category, message)
	}
}

// Trigger requests a reconciliation through the selected strategy. Sync
// failures are reported to the event log only.
func (c *Coordinator) Trigger(ctx context.Context, source string) Outcome {
	outcome := c.strategy.Schedule(ctx, source, func(ctx context.Context) error {
		_, err := c.Run(ctx, source)
		return err
	})
	if outcome == OutcomeDeferred {
		c.record(ctx, models.CategorySync, fmt.Sprintf("sync deferred until online (%s)", source))
	}
	return outcome
}

// Run executes one reconciliation now. Concurrent calls with the same
// source share a single run.
func (c *Coordinator) Run(ctx context.Context, source string) (*RunResult, error) {
	v, err, shared := c.group.Do(source, func() (interface{}, error) {
		return c.run(ctx, source)
	})
	if shared {
		logging.Debug("joined in-flight reconciliation", map[string]interface{}{"source": source})
	}
	res, _ := v.(*RunResult)
	return res, err
}

func (c *Coordinator) run(ctx context.Context, source string) (*RunResult, error) {
	res, err := c.engine.Run(ctx)

	c.mu.RLock()
	hooks := append([]RunHook(nil), c.hooks...)
	c.mu.RUnlock()
	for _, hook := range hooks {
		hook(source, res, err)
	}

	if res != nil && err == nil {
		c.record(ctx, models.CategorySync, fmt.Sprintf("sync completed (%s): %d applied, %d skipped, %d pushed",
			source, res.Applied(), res.Skipped(), res.Pushed()))
	}
	return res, err
}

// Drain runs one reconciliation on behalf of the durable intents. On
// success every pending intent is completed, so any number of deferred
// requests collapse into this single run. On failure the claimed intent
// backs off.
func (c *Coordinator) Drain(ctx context.Context, source string) (*RunResult, error) {
	v, err, _ := c.group.Do("drain", func() (interface{}, error) {
		return c.drain(ctx, source)
	})
	res, _ := v.(*RunResult)
	return res, err
}

func (c *Coordinator) drain(ctx context.Context, source string) (*RunResult, error) {
	var intent *models.SyncIntent
	if c.queue != nil {
		var err error
		if intent, err = c.queue.Dequeue(ctx); err != nil {
			logging.Warn("could not claim sync intent", map[string]interface{}{"error": err.Error()})
		}
	}

	res, err := c.run(ctx, source)
	if c.queue == nil {
		return res, err
	}
	if err != nil {
		if intent != nil {
			if ferr := c.queue.Failed(ctx, intent.ID, err); ferr != nil && !errors.Is(ferr, errors.ErrNotFound) {
				logging.Warn("sync intent parked", map[string]interface{}{"intent_id": intent.ID, "error": ferr.Error()})
			}
		}
		return res, err
	}

	n, cerr := c.queue.CompleteAll(ctx)
	if cerr != nil {
		logging.Error("failed to complete sync intents", cerr, nil)
	} else if n > 0 {
		c.record(ctx, models.CategorySync, fmt.Sprintf("%d deferred sync request(s) completed", n))
	}
	return res, nil
}

// Follow reacts to connectivity transitions: every online transition gives
// parked intents a fresh retry budget and triggers exactly one draining run.
// It returns when ctx is done or events is closed.
func (c *Coordinator) Follow(ctx context.Context, events <-chan connectivity.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !ev.Online {
				continue
			}
			if c.queue != nil {
				if _, err := c.queue.RetryAll(ctx); err != nil {
					logging.Warn("could not retry parked sync intents", map[string]interface{}{"error": err.Error()})
				}
			}
			if _, err := c.Drain(ctx, SourceReconnect); err != nil {
				logging.Warn("reconnect reconciliation failed", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}
