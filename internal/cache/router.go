package cache

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/okcolf/colfexpress/internal/connectivity"
	"github.com/okcolf/colfexpress/internal/errors"
	"github.com/okcolf/colfexpress/internal/logging"
)

// Tier is the routing policy resolved for a request.
type Tier string

const (
	TierNetworkFirst Tier = "network-first"
	TierCacheFirst   Tier = "cache-first"
	TierBypass       Tier = "bypass"
)

// Source tells where a response came from.
type Source string

const (
	SourceNetwork     Source = "network"
	SourceCache       Source = "cache"
	SourcePlaceholder Source = "placeholder"
)

// State is the router lifecycle state.
type State string

const (
	StateNew        State = "new"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActive     State = "active"
)

// defaultConcurrency bounds parallel fetches during Install.
const defaultConcurrency = 8

// builtinPlaceholder is served when the offline document was never cached.
var builtinPlaceholder = []byte(`<!doctype html>
<html><head><meta charset="utf-8"><title>Offline</title></head>
<body><h1>You are offline</h1><p>This page is not available offline yet.</p></body></html>
`)

// Request describes an outbound request.
type Request struct {
	URL      string
	Navigate bool
}

// Response is always usable: fresh, cached, or a placeholder.
type Response struct {
	Key         string
	Status      int
	ContentType string
	Body        []byte
	Source      Source
	Tier        Tier
}

// Options configure a Router.
type Options struct {
	// Bypass disables installation and interception entirely.
	Bypass bool
	// Concurrency bounds parallel fetches during Install.
	Concurrency int
	// Origin resolves same-origin request keys.
	Origin *url.URL
	// OnActivated is called after a successful activation.
	OnActivated func(core, static string)
}

// Router serves requests per the manifest routing table.
type Router struct {
	manifest     *Manifest
	storage      Storage
	fetcher      Fetcher
	opts         Options
	core         map[string]struct{}
	networkFirst map[string]struct{}
	offlineKey   string

	mu      sync.RWMutex
	state   State
	serving []string
}

// NewRouter creates a Router. The manifest is copied and never changes
// afterwards.
func NewRouter(m *Manifest, storage Storage, fetcher Fetcher, opts Options) (*Router, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	m = m.clone()
	return &Router{
		manifest:     m,
		storage:      storage,
		fetcher:      fetcher,
		opts:         opts,
		core:         keySet(opts.Origin, m.CoreAssets),
		networkFirst: keySet(opts.Origin, m.NetworkFirst),
		offlineKey:   Key(opts.Origin, m.OfflineDocument),
		state:        StateNew,
	}, nil
}

// Resume adopts generations left by a previous process. When both current
// generations exist the router is active on them; otherwise it serves from
// whatever generations exist until the next activation.
func (r *Router) Resume(ctx context.Context) error {
	if r.opts.Bypass {
		return nil
	}
	names, err := r.storage.Generations(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var hasCore, hasStatic bool
	for _, n := range names {
		hasCore = hasCore || n == r.manifest.CoreVersion
		hasStatic = hasStatic || n == r.manifest.StaticVersion
	}
	if hasCore && hasStatic {
		r.state = StateActive
		r.serving = []string{r.manifest.CoreVersion, r.manifest.StaticVersion}
		return nil
	}
	r.serving = names
	return nil
}

// Manifest returns a copy of the routing table.
func (r *Router) Manifest() *Manifest {
	return r.manifest.clone()
}

// State returns the lifecycle state.
func (r *Router) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Serving returns the generations currently answering lookups.
func (r *Router) Serving() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.serving...)
}

// Bypass reports whether interception is disabled.
func (r *Router) Bypass() bool {
	return r.opts.Bypass
}

// Classify resolves the tier of a request. It depends only on the request
// and the manifest.
func (r *Router) Classify(req Request) Tier {
	if r.opts.Bypass {
		return TierBypass
	}
	if req.Navigate {
		return TierNetworkFirst
	}
	if _, ok := r.networkFirst[Key(r.opts.Origin, req.URL)]; ok {
		return TierNetworkFirst
	}
	return TierCacheFirst
}

// Install fetches every core and static asset and writes both generations
// in one batch. Any failure aborts the install with nothing written.
func (r *Router) Install(ctx context.Context) error {
	if r.opts.Bypass {
		return nil
	}

	r.mu.Lock()
	prev := r.state
	if prev == StateInstalling || prev == StateActivating {
		r.mu.Unlock()
		return errors.New(errors.ErrInvalid, fmt.Sprintf("cannot install while %s", prev))
	}
	r.state = StateInstalling
	r.mu.Unlock()

	logging.Info("cache install started", map[string]interface{}{
		"core":   r.manifest.CoreVersion,
		"static": r.manifest.StaticVersion,
	})

	batch, err := r.fetchAll(ctx)
	if err == nil {
		err = r.storage.Populate(ctx, batch)
	}
	if err != nil {
		r.setState(prev)
		logging.ErrorWithCode("cache install failed", string(errors.ErrCachePopulation), err)
		return errors.Wrap(errors.ErrCachePopulation, "cache population failed", err)
	}

	r.setState(StateInstalled)
	logging.Info("cache install completed", map[string]interface{}{
		"core_entries":   len(batch[r.manifest.CoreVersion]),
		"static_entries": len(batch[r.manifest.StaticVersion]),
	})
	return nil
}

func (r *Router) fetchAll(ctx context.Context) (map[string][]Entry, error) {
	coreKeys := dedupe(r.opts.Origin, r.manifest.CoreAssets)
	staticKeys := dedupe(r.opts.Origin, r.manifest.StaticAssets)
	coreEntries := make([]Entry, len(coreKeys))
	staticEntries := make([]Entry, len(staticKeys))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Concurrency)
	fetchInto := func(keys []string, out []Entry) {
		for i, key := range keys {
			g.Go(func() error {
				e, err := r.fetcher.Fetch(gctx, key)
				if err != nil {
					return fmt.Errorf("fetch %s: %w", key, err)
				}
				if !e.OK() {
					return errors.New(errors.ErrBadStatus, fmt.Sprintf("fetch %s: status %d", key, e.Status))
				}
				e.URL = key
				out[i] = *e
				return nil
			})
		}
	}
	fetchInto(coreKeys, coreEntries)
	fetchInto(staticKeys, staticEntries)

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return map[string][]Entry{
		r.manifest.CoreVersion:   coreEntries,
		r.manifest.StaticVersion: staticEntries,
	}, nil
}

func dedupe(origin *url.URL, list []string) []string {
	seen := make(map[string]struct{}, len(list))
	out := make([]string, 0, len(list))
	for _, raw := range list {
		k := Key(origin, raw)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// Activate purges every generation not named by the current tags and
// switches serving to the current generations.
func (r *Router) Activate(ctx context.Context) error {
	if r.opts.Bypass {
		return nil
	}

	r.mu.Lock()
	if r.state != StateInstalled {
		state := r.state
		r.mu.Unlock()
		return errors.New(errors.ErrCacheNotInstalled, fmt.Sprintf("cannot activate from state %s", state))
	}
	r.state = StateActivating
	r.mu.Unlock()

	purged, err := r.purgeStale(ctx)
	if err != nil {
		r.setState(StateInstalled)
		logging.ErrorWithCode("cache activation failed", string(errors.ErrCacheStorage), err)
		return err
	}

	r.mu.Lock()
	r.state = StateActive
	r.serving = []string{r.manifest.CoreVersion, r.manifest.StaticVersion}
	r.mu.Unlock()

	logging.Info("cache activated", map[string]interface{}{
		"core":   r.manifest.CoreVersion,
		"static": r.manifest.StaticVersion,
		"purged": purged,
	})
	if r.opts.OnActivated != nil {
		r.opts.OnActivated(r.manifest.CoreVersion, r.manifest.StaticVersion)
	}
	return nil
}

func (r *Router) purgeStale(ctx context.Context) ([]string, error) {
	names, err := r.storage.Generations(ctx)
	if err != nil {
		return nil, err
	}
	purged := []string{}
	for _, name := range names {
		if name == r.manifest.CoreVersion || name == r.manifest.StaticVersion {
			continue
		}
		if err := r.storage.DeleteGeneration(ctx, name); err != nil {
			return purged, err
		}
		purged = append(purged, name)
	}
	return purged, nil
}

func (r *Router) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Serve answers a request. It never fails: the caller always receives a
// fresh, cached, or placeholder response.
func (r *Router) Serve(ctx context.Context, req Request) *Response {
	key := Key(r.opts.Origin, req.URL)
	tier := r.Classify(req)

	if tier == TierBypass {
		e, err := r.fetcher.Fetch(ctx, key)
		if err != nil {
			logging.Debug("bypass fetch failed", map[string]interface{}{"key": key, "error": err.Error()})
			return &Response{
				Key:         key,
				Status:      http.StatusBadGateway,
				ContentType: "text/plain; charset=utf-8",
				Body:        []byte("upstream unavailable\n"),
				Source:      SourceNetwork,
				Tier:        tier,
			}
		}
		return fromEntry(key, e, SourceNetwork, tier)
	}

	if tier == TierNetworkFirst {
		if e, ok := r.fetchOK(ctx, key); ok {
			r.store(ctx, r.manifest.CoreVersion, e)
			return fromEntry(key, e, SourceNetwork, tier)
		}
		if e := r.match(ctx, key); e != nil {
			return fromEntry(key, e, SourceCache, tier)
		}
		return r.placeholder(ctx, key, tier)
	}

	if e := r.match(ctx, key); e != nil {
		return fromEntry(key, e, SourceCache, tier)
	}
	if e, ok := r.fetchOK(ctx, key); ok {
		gen := r.manifest.StaticVersion
		if _, isCore := r.core[key]; isCore {
			gen = r.manifest.CoreVersion
		}
		r.store(ctx, gen, e)
		return fromEntry(key, e, SourceNetwork, tier)
	}
	return r.placeholder(ctx, key, tier)
}

// fetchOK fetches key and reports whether the response is a success.
func (r *Router) fetchOK(ctx context.Context, key string) (*Entry, bool) {
	e, err := r.fetcher.Fetch(ctx, key)
	if err != nil {
		logging.Debug("network fetch failed", map[string]interface{}{"key": key, "error": err.Error()})
		return nil, false
	}
	if !e.OK() {
		logging.Debug("network fetch returned non-success status", map[string]interface{}{"key": key, "status": e.Status})
		return nil, false
	}
	e.URL = key
	return e, true
}

// store writes a runtime response. Only an active router writes, so an
// uninstalled revision never gains entries outside Install.
func (r *Router) store(ctx context.Context, generation string, e *Entry) {
	if r.State() != StateActive {
		return
	}
	if err := r.storage.Put(ctx, generation, *e); err != nil {
		logging.Warn("cache put failed", map[string]interface{}{"key": e.URL, "generation": generation, "error": err.Error()})
	}
}

func (r *Router) match(ctx context.Context, key string) *Entry {
	gens := r.Serving()
	if len(gens) == 0 {
		return nil
	}
	e, err := r.storage.Match(ctx, gens, key)
	if err != nil {
		logging.Warn("cache match failed", map[string]interface{}{"key": key, "error": err.Error()})
		return nil
	}
	return e
}

func (r *Router) placeholder(ctx context.Context, key string, tier Tier) *Response {
	if e := r.match(ctx, r.offlineKey); e != nil {
		return fromEntry(key, e, SourcePlaceholder, tier)
	}
	return &Response{
		Key:         key,
		Status:      http.StatusServiceUnavailable,
		ContentType: "text/html; charset=utf-8",
		Body:        builtinPlaceholder,
		Source:      SourcePlaceholder,
		Tier:        tier,
	}
}

func fromEntry(key string, e *Entry, src Source, tier Tier) *Response {
	return &Response{
		Key:         key,
		Status:      e.Status,
		ContentType: e.ContentType,
		Body:        e.Body,
		Source:      src,
		Tier:        tier,
	}
}

// Revalidate refetches every network-first key and refreshes the core
// generation with successful responses. It returns the number refreshed.
func (r *Router) Revalidate(ctx context.Context) int {
	if r.opts.Bypass || r.State() != StateActive {
		return 0
	}
	refreshed := 0
	for _, key := range dedupe(r.opts.Origin, r.manifest.NetworkFirst) {
		if e, ok := r.fetchOK(ctx, key); ok {
			r.store(ctx, r.manifest.CoreVersion, e)
			refreshed++
		}
	}
	return refreshed
}

// Follow revalidates network-first entries on every transition to online
// until the channel closes or ctx is cancelled.
func (r *Router) Follow(ctx context.Context, events <-chan connectivity.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Online {
				n := r.Revalidate(ctx)
				logging.Debug("network-first entries revalidated", map[string]interface{}{"refreshed": n})
			}
		}
	}
}

// Stats summarizes stored generations.
func (r *Router) Stats(ctx context.Context) ([]GenerationStats, error) {
	return r.storage.Stats(ctx)
}
