package cli

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/okcolf/colfexpress/internal/cache"
	"github.com/okcolf/colfexpress/internal/config"
	"github.com/okcolf/colfexpress/internal/connectivity"
	"github.com/okcolf/colfexpress/internal/db"
	"github.com/okcolf/colfexpress/internal/errors"
	"github.com/okcolf/colfexpress/internal/eventlog"
	"github.com/okcolf/colfexpress/internal/models"
	"github.com/okcolf/colfexpress/internal/remote"
	"github.com/okcolf/colfexpress/internal/session"
	"github.com/okcolf/colfexpress/internal/store"
	"github.com/okcolf/colfexpress/internal/sync"
	"github.com/okcolf/colfexpress/internal/sync/queue"
)

// app holds the wired components shared by the commands.
type app struct {
	cfg         *config.Config
	db          *db.DB
	store       *store.Store
	events      *eventlog.Log
	sessions    *session.Manager
	monitor     *connectivity.Monitor
	prober      *connectivity.Prober
	authority   *remote.Client
	queue       *queue.IntentQueue
	reconciler  *sync.Reconciler
	coordinator *sync.Coordinator
}

// newApp opens the local database and wires the sync stack. The monitor
// starts offline; callers probe before relying on it.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	database, err := db.OpenMigrated(cfg.DataDir)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "open local database", err)
	}

	client, err := remote.NewClient(cfg.Authority.URL, cfg.Authority.Timeout)
	if err != nil {
		database.Close()
		return nil, err
	}

	a := &app{
		cfg:       cfg,
		db:        database,
		store:     store.New(database),
		events:    eventlog.New(database, cfg.EventLog.MaxEntries),
		monitor:   connectivity.NewMonitor(false),
		authority: client,
	}
	a.sessions = session.NewManager(a.store)
	a.monitor.SetForcedOffline(cfg.Connectivity.ForceOffline)
	a.prober = connectivity.NewProber(a.monitor,
		&connectivity.HTTPPinger{URL: cfg.ProbeURL(), Client: &http.Client{Timeout: cfg.Connectivity.ProbeTimeout}},
		cfg.Connectivity.ProbeInterval, cfg.Connectivity.ProbeTimeout)

	a.queue = queue.NewIntentQueue(database, queue.Config{
		MaxRetries:  cfg.Sync.MaxRetries,
		BaseBackoff: cfg.Sync.BaseBackoff,
		MaxBackoff:  cfg.Sync.MaxBackoff,
	})
	if n, err := a.queue.Recover(ctx); err != nil {
		database.Close()
		return nil, err
	} else if n > 0 {
		a.events.Append(ctx, models.CategorySync, fmt.Sprintf("%d interrupted sync request(s) recovered", n))
	}

	a.reconciler = sync.NewReconciler(a.store, client, a.events, a.monitor, sync.Options{
		PhaseTimeout: cfg.Sync.PhaseTimeout,
	})
	strategy := sync.SelectStrategy(ctx, cfg.Sync.Strategy, a.queue, a.monitor)
	a.coordinator = sync.NewCoordinator(a.reconciler, strategy, a.queue, a.events)
	return a, nil
}

// newCacheRouter builds the cache router over the local database.
func (a *app) newCacheRouter(onActivated func(core, static string)) (*cache.Router, error) {
	manifest := cache.DefaultManifest()
	if a.cfg.Cache.Manifest != "" {
		m, err := cache.LoadManifest(a.cfg.Cache.Manifest)
		if err != nil {
			return nil, err
		}
		manifest = m
	}

	origin, err := url.Parse(a.cfg.Cache.Origin)
	if err != nil {
		return nil, errors.Wrap(errors.ErrConfig, "invalid cache origin", err)
	}
	fetcher, err := cache.NewHTTPFetcher(a.cfg.Cache.Origin, a.cfg.Cache.FetchTimeout)
	if err != nil {
		return nil, err
	}
	return cache.NewRouter(manifest, cache.NewSQLStorage(a.db), fetcher, cache.Options{
		Bypass:      a.cfg.Cache.Bypass,
		Concurrency: a.cfg.Cache.Concurrency,
		Origin:      origin,
		OnActivated: onActivated,
	})
}

// probe checks connectivity once and reports the effective state.
func (a *app) probe(ctx context.Context) bool {
	a.prober.ProbeOnce(ctx)
	return a.monitor.Online()
}

// syncNow runs one reconciliation when online, completing any deferred
// requests, and otherwise defers it.
func (a *app) syncNow(ctx context.Context, source string) (*sync.RunResult, sync.Outcome, error) {
	if !a.probe(ctx) {
		return nil, a.coordinator.Trigger(ctx, source), nil
	}
	res, err := a.coordinator.Drain(ctx, source)
	if err != nil {
		return res, sync.OutcomeFailed, err
	}
	return res, sync.OutcomeRan, nil
}

func (a *app) Close() error {
	return a.db.Close()
}
