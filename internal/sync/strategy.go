package sync

import (
	"context"

	"github.com/okcolf/colfexpress/internal/errors"
	"github.com/okcolf/colfexpress/internal/logging"
	"github.com/okcolf/colfexpress/internal/sync/queue"
)

// Strategy names accepted by SelectStrategy.
const (
	StrategyAuto       = "auto"
	StrategyBackground = "background"
	StrategyImmediate  = "immediate"
)

// Outcome reports what a Strategy did with a request.
type Outcome string

const (
	OutcomeRan      Outcome = "ran"
	OutcomeFailed   Outcome = "failed"
	OutcomeDeferred Outcome = "deferred"
	OutcomeSkipped  Outcome = "skipped"
)

// RunFunc performs one reconciliation.
type RunFunc func(ctx context.Context) error

// Strategy decides how a reconciliation request is executed.
type Strategy interface {
	Name() string
	// Schedule handles one request. It never returns the run's error: sync
	// failures stay out of the caller's path.
	Schedule(ctx context.Context, reason string, run RunFunc) Outcome
}

// BackgroundStrategy runs immediately when online and otherwise records a
// durable intent that is honored on the next online transition. A failed
// online attempt is also deferred.
type BackgroundStrategy struct {
	queue  *queue.IntentQueue
	online ConnectivityState
}

// NewBackgroundStrategy creates a BackgroundStrategy.
func NewBackgroundStrategy(q *queue.IntentQueue, online ConnectivityState) *BackgroundStrategy {
	return &BackgroundStrategy{queue: q, online: online}
}

// Name returns "background".
func (s *BackgroundStrategy) Name() string { return StrategyBackground }

// Schedule implements Strategy.
func (s *BackgroundStrategy) Schedule(ctx context.Context, reason string, run RunFunc) Outcome {
	if s.online.Online() {
		err := run(ctx)
		if err == nil {
			return OutcomeRan
		}
		if !errors.Is(err, errors.ErrSyncOffline) {
			s.enqueue(ctx, reason)
			return OutcomeFailed
		}
	}
	if !s.enqueue(ctx, reason) {
		return OutcomeFailed
	}
	return OutcomeDeferred
}

func (s *BackgroundStrategy) enqueue(ctx context.Context, reason string) bool {
	if _, _, err := s.queue.Enqueue(ctx, reason); err != nil {
		logging.Error("failed to record sync intent", err, map[string]interface{}{"reason": reason})
		return false
	}
	return true
}

// ImmediateStrategy attempts the run in-process and is a no-op while
// offline.
type ImmediateStrategy struct {
	online ConnectivityState
}

// NewImmediateStrategy creates an ImmediateStrategy.
func NewImmediateStrategy(online ConnectivityState) *ImmediateStrategy {
	return &ImmediateStrategy{online: online}
}

// Name returns "immediate".
func (s *ImmediateStrategy) Name() string { return StrategyImmediate }

// Schedule implements Strategy.
func (s *ImmediateStrategy) Schedule(ctx context.Context, reason string, run RunFunc) Outcome {
	if !s.online.Online() {
		logging.Debug("sync skipped while offline", map[string]interface{}{"reason": reason})
		return OutcomeSkipped
	}
	if err := run(ctx); err != nil {
		if errors.Is(err, errors.ErrSyncOffline) {
			return OutcomeSkipped
		}
		return OutcomeFailed
	}
	return OutcomeRan
}

// SelectStrategy picks the execution strategy once at startup. "auto"
// probes the durable intent queue and falls back to immediate execution
// when it is unusable.
func SelectStrategy(ctx context.Context, preference string, q *queue.IntentQueue, online ConnectivityState) Strategy {
	var s Strategy
	switch {
	case preference == StrategyImmediate:
		s = NewImmediateStrategy(online)
	case q == nil:
		s = NewImmediateStrategy(online)
	default:
		if _, err := q.Stats(ctx); err != nil {
			logging.Warn("intent queue unavailable, using immediate sync", map[string]interface{}{"error": err.Error()})
			s = NewImmediateStrategy(online)
		} else {
			s = NewBackgroundStrategy(q, online)
		}
	}
	logging.Info("sync strategy selected", map[string]interface{}{"strategy": s.Name(), "preference": preference})
	return s
}
