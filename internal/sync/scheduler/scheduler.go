// Package scheduler runs background reconciliation: a periodic pass while
// online and a queue tick that honors deferred intents and their backoff.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/okcolf/colfexpress/internal/connectivity"
	"github.com/okcolf/colfexpress/internal/errors"
	"github.com/okcolf/colfexpress/internal/logging"
	syncpkg "github.com/okcolf/colfexpress/internal/sync"
	"github.com/okcolf/colfexpress/internal/sync/queue"
)

// Runner executes reconciliations. *sync.Coordinator implements it.
type Runner interface {
	Run(ctx context.Context, source string) (*syncpkg.RunResult, error)
	Drain(ctx context.Context, source string) (*syncpkg.RunResult, error)
}

// Scheduler manages background sync operations.
type Scheduler struct {
	runner          Runner
	queue           *queue.IntentQueue
	syncInterval    time.Duration
	queueInterval   time.Duration
	stopCh          chan struct{}
	wg              sync.WaitGroup
	mu              sync.RWMutex
	isRunning       bool
	isOnline        bool
	lastSyncTime    time.Time
	syncInProgress  bool
	queueInProgress bool
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncInterval  time.Duration // How often to sync when online (default: 15 minutes)
	QueueInterval time.Duration // How often to check deferred intents (default: 1 minute)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval:  15 * time.Minute,
		QueueInterval: 1 * time.Minute,
	}
}

// NewScheduler creates a new Scheduler. q may be nil when intents are not
// in use; the queue tick is then idle.
func NewScheduler(runner Runner, q *queue.IntentQueue, config *SchedulerConfig, online bool) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	def := DefaultSchedulerConfig()
	if config.SyncInterval <= 0 {
		config.SyncInterval = def.SyncInterval
	}
	if config.QueueInterval <= 0 {
		config.QueueInterval = def.QueueInterval
	}

	return &Scheduler{
		runner:        runner,
		queue:         q,
		syncInterval:  config.SyncInterval,
		queueInterval: config.QueueInterval,
		stopCh:        make(chan struct{}),
		isOnline:      online,
	}
}

// Start starts the background sync scheduler.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	s.wg.Add(2)
	go s.periodicSyncLoop(ctx)
	go s.queueProcessorLoop(ctx)

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"sync_interval":  s.syncInterval.String(),
		"queue_interval": s.queueInterval.String(),
	})
}

// Stop stops the background sync scheduler and waits for its loops. A run
// already started by a loop finishes on its own.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	logging.Info("Background sync scheduler stopped", nil)
}

// SetOnlineStatus changes the online status of the scheduler.
// When offline neither loop attempts a run.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wasOnline := s.isOnline
	s.isOnline = isOnline

	if wasOnline != isOnline {
		logging.Info("Online status changed",
			map[string]interface{}{
				"was_online": wasOnline,
				"is_online":  isOnline,
			})
	}
}

// Follow mirrors connectivity events into SetOnlineStatus until ctx is done
// or events is closed.
func (s *Scheduler) Follow(ctx context.Context, events <-chan connectivity.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.SetOnlineStatus(ev.Online)
		}
	}
}

// periodicSyncLoop runs periodic sync when online.
func (s *Scheduler) periodicSyncLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.IsOnline() {
				continue
			}

			s.mu.RLock()
			isSyncing := s.syncInProgress
			s.mu.RUnlock()

			if isSyncing {
				logging.Debug("Sync already in progress, skipping", nil)
				continue
			}

			go s.runSync(ctx)
		}
	}
}

// queueProcessorLoop drains deferred intents whose backoff has elapsed.
func (s *Scheduler) queueProcessorLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.queueInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			go s.processQueue(ctx)
		}
	}
}

// runSync executes a periodic reconciliation.
func (s *Scheduler) runSync(ctx context.Context) {
	if !s.IsOnline() {
		logging.Debug("Skipping sync - scheduler is offline", nil)
		return
	}

	release, ok := s.claim(&s.syncInProgress)
	if !ok {
		return
	}
	defer release()

	result, err := s.runner.Run(ctx, syncpkg.SourceScheduled)
	if err != nil {
		logging.ErrorWithCode("Periodic sync failed", string(errors.ErrSyncFailed), err,
			map[string]interface{}{"interval_minutes": s.syncInterval.Minutes()})
		return
	}

	s.markSynced()

	logging.Info("Periodic sync completed",
		map[string]interface{}{
			"applied": result.Applied(),
			"skipped": result.Skipped(),
			"pushed":  result.Pushed(),
		})
}

// processQueue runs one draining reconciliation when intents are ready.
func (s *Scheduler) processQueue(ctx context.Context) {
	if s.queue == nil || !s.IsOnline() {
		return
	}

	ready, err := s.queue.Ready(ctx)
	if err != nil {
		logging.Error("Failed to read sync intents", err, nil)
		return
	}
	if len(ready) == 0 {
		return
	}

	release, ok := s.claim(&s.queueInProgress)
	if !ok {
		return
	}
	defer release()

	logging.Info("Processing deferred sync intents",
		map[string]interface{}{"count": len(ready)})

	if _, err := s.runner.Drain(ctx, syncpkg.SourceQueue); err != nil {
		logging.Warn("Deferred sync failed, will retry with backoff",
			map[string]interface{}{"error": err.Error()})
		return
	}

	s.markSynced()
}

// claim sets *flag under the lock. It reports false when the flag was
// already set; otherwise release clears it again.
func (s *Scheduler) claim(flag *bool) (release func(), ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if *flag {
		return nil, false
	}
	*flag = true
	return func() {
		s.mu.Lock()
		*flag = false
		s.mu.Unlock()
	}, true
}

func (s *Scheduler) markSynced() {
	s.mu.Lock()
	s.lastSyncTime = time.Now()
	s.mu.Unlock()
}

// SchedulerStatus is a snapshot of scheduler state.
type SchedulerStatus struct {
	IsRunning       bool           `json:"is_running"`
	IsOnline        bool           `json:"is_online"`
	LastSyncTime    *time.Time     `json:"last_sync_time,omitempty"`
	SyncInProgress  bool           `json:"sync_in_progress"`
	QueueInProgress bool           `json:"queue_in_progress"`
	PendingIntents  int            `json:"pending_intents"`
	QueueStats      map[string]int `json:"queue_stats,omitempty"`
}

// GetStatus returns the current status of the scheduler. The gateway
// reports it on /api/status.
func (s *Scheduler) GetStatus(ctx context.Context) SchedulerStatus {
	s.mu.RLock()
	status := SchedulerStatus{
		IsRunning:       s.isRunning,
		IsOnline:        s.isOnline,
		SyncInProgress:  s.syncInProgress,
		QueueInProgress: s.queueInProgress,
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		status.LastSyncTime = &t
	}
	s.mu.RUnlock()

	if s.queue != nil {
		if stats, err := s.queue.Stats(ctx); err == nil {
			status.QueueStats = stats
			status.PendingIntents = stats[string(queue.StatusPending)]
		}
	}
	return status
}

// IsOnline returns whether the scheduler is in online mode.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

