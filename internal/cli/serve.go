package cli

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/okcolf/colfexpress/internal/cache"
	"github.com/okcolf/colfexpress/internal/config"
	"github.com/okcolf/colfexpress/internal/connectivity"
	"github.com/okcolf/colfexpress/internal/errors"
	"github.com/okcolf/colfexpress/internal/gateway"
	"github.com/okcolf/colfexpress/internal/logging"
	"github.com/okcolf/colfexpress/internal/models"
	"github.com/okcolf/colfexpress/internal/sync"
	"github.com/okcolf/colfexpress/internal/sync/scheduler"
)

const shutdownTimeout = 10 * time.Second

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local gateway, connectivity monitor and background sync",
		Long: `Run the local gateway on gateway.addr. It serves the JSON API over the
local store, a WebSocket feed of UI events on /ws, and the web
application through the offline cache. Connectivity is probed
continuously and reconciliation runs on reconnect, after local changes
and on the sync.interval schedule.

Example:
  colfexpress serve
  colfexpress serve --addr localhost:9000 --config ./colfexpress.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				rootOpts.Config().Gateway.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, rootOpts)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "override gateway.addr")
	return cmd
}

func serve(ctx context.Context, opts *RootOptions) error {
	cfg := opts.Config()
	a, err := opts.openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	hub := gateway.NewHub()
	router, err := a.newCacheRouter(func(core, static string) {
		a.events.Append(context.Background(), models.CategoryCache, fmt.Sprintf("new version active (%s, %s)", core, static))
		hub.BroadcastCacheActivated(core, static)
	})
	if err != nil {
		return err
	}
	if err := router.Resume(ctx); err != nil {
		return errors.Wrap(errors.ErrCacheStorage, "resume cache", err)
	}

	a.coordinator.OnRun(func(source string, res *sync.RunResult, err error) {
		if err != nil {
			hub.BroadcastSyncFailed(source, string(errors.CodeOf(err)), err.Error())
			return
		}
		hub.BroadcastSyncCompleted(source, res.Applied(), res.Skipped(), res.Pushed(), res.Duration)
	})

	sched := scheduler.NewScheduler(a.coordinator, a.queue, &scheduler.SchedulerConfig{
		SyncInterval:  cfg.Sync.Interval,
		QueueInterval: cfg.Sync.QueueInterval,
	}, a.monitor.Online())

	g, ctx := errgroup.WithContext(ctx)

	// every connectivity consumer holds its own subscription
	follow := func(name string, fn func(context.Context, <-chan connectivity.Event)) {
		sub := a.monitor.Subscribe(name)
		g.Go(func() error {
			defer sub.Unsubscribe()
			fn(ctx, sub.Events())
			return nil
		})
	}
	follow("sync", a.coordinator.Follow)
	follow("eventlog", a.events.Follow)
	follow("websocket", hub.Follow)
	follow("cache", router.Follow)
	follow("scheduler", sched.Follow)

	g.Go(func() error {
		hub.Run(ctx)
		return nil
	})
	g.Go(func() error {
		a.prober.Run(ctx)
		return nil
	})
	g.Go(func() error {
		sched.Start(ctx)
		<-ctx.Done()
		sched.Stop()
		return nil
	})

	if router.State() != cache.StateActive && !router.Bypass() {
		g.Go(func() error {
			installCache(ctx, a, router)
			return nil
		})
	}

	opts.loader.Watch(func(next *config.Config) {
		logging.SetLevel(logging.ParseLevel(next.Log.Level))
		a.monitor.SetForcedOffline(next.Connectivity.ForceOffline)
	})

	srv := &http.Server{
		Addr: cfg.Gateway.Addr,
		Handler: gateway.NewServer(gateway.Deps{
			Store:     a.store,
			Sessions:  a.sessions,
			Events:    a.events,
			Monitor:   a.monitor,
			Sync:      a.coordinator,
			Queue:     a.queue,
			Scheduler: sched,
			Cache:     router,
			Hub:       hub,
			Version:   opts.Version,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		logging.Info("gateway listening", map[string]interface{}{
			"addr":      cfg.Gateway.Addr,
			"authority": a.authority.BaseURL(),
			"strategy":  a.coordinator.Strategy().Name(),
		})
		if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(errors.ErrNetwork, "gateway server failed", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logging.Info("gateway shutting down", nil)
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// installCache installs and activates the current revision, as a browser
// does on first load. Failures leave the previous generations serving.
func installCache(ctx context.Context, a *app, router *cache.Router) {
	if err := router.Install(ctx); err != nil {
		a.events.Append(ctx, models.CategoryError, "cache install failed: "+err.Error())
		return
	}
	if err := router.Activate(ctx); err != nil {
		a.events.Append(ctx, models.CategoryError, "cache activation failed: "+err.Error())
	}
}
