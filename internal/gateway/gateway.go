// Package gateway is the local HTTP surface of colfexpress: a JSON API over
// the local store, the event log and the sync state, a WebSocket feed of UI
// events, and the cache router serving the application shell.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/okcolf/colfexpress/internal/cache"
	"github.com/okcolf/colfexpress/internal/connectivity"
	"github.com/okcolf/colfexpress/internal/errors"
	"github.com/okcolf/colfexpress/internal/eventlog"
	"github.com/okcolf/colfexpress/internal/logging"
	"github.com/okcolf/colfexpress/internal/session"
	"github.com/okcolf/colfexpress/internal/store"
	"github.com/okcolf/colfexpress/internal/sync"
	"github.com/okcolf/colfexpress/internal/sync/queue"
	"github.com/okcolf/colfexpress/internal/sync/scheduler"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// Syncer is the part of the sync coordinator the gateway drives.
type Syncer interface {
	Trigger(ctx context.Context, source string) sync.Outcome
	Status() sync.Status
}

// Deps are the collaborators behind the gateway. Sync, Queue, Scheduler,
// Cache and Hub are optional.
type Deps struct {
	Store     *store.Store
	Sessions  *session.Manager
	Events    *eventlog.Log
	Monitor   *connectivity.Monitor
	Sync      Syncer
	Queue     *queue.IntentQueue
	Scheduler *scheduler.Scheduler
	Cache     *cache.Router
	Hub       *Hub
	Version   string
}

// Server routes gateway requests.
type Server struct {
	deps   Deps
	router chi.Router
}

// NewServer creates a gateway.
func NewServer(deps Deps) *Server {
	s := &Server{deps: deps, router: chi.NewRouter()}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/sync", s.handleSync)
		r.Get("/logs", s.handleLogs)

		r.Get("/session", s.handleGetSession)
		r.Put("/session", s.handlePutSession)
		r.Delete("/session", s.handleDeleteSession)

		r.Get("/kv/{key}", s.handleGetKV)
		r.Put("/kv/{key}", s.handlePutKV)
		r.Delete("/kv/{key}", s.handleDeleteKV)

		r.Get("/forms", s.handleListForms)
		r.Get("/forms/{id}", s.handleGetForm)
		r.Put("/forms/{id}", s.handlePutForm)
		r.Delete("/forms/{id}", s.handleDeleteForm)

		r.Get("/{table}", s.handleListRecords)
		r.Post("/{table}", s.handleCreateRecord)
		r.Delete("/{table}", s.handleClearRecords)
		r.Get("/{table}/{id}", s.handleGetRecord)
		r.Put("/{table}/{id}", s.handleUpdateRecord)
		r.Delete("/{table}/{id}", s.handleDeleteRecord)
	})

	if s.deps.Hub != nil {
		r.Get("/ws", s.deps.Hub.ServeHTTP)
	}

	if s.deps.Cache != nil {
		r.Handle("/*", &cache.Handler{Router: s.deps.Cache})
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logging.Debug("gateway request", map[string]interface{}{
			"request_id":  middleware.GetReqID(r.Context()),
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
	})
}

// triggerSync requests a reconciliation after a local mutation without
// holding up the response.
func (s *Server) triggerSync(r *http.Request) {
	if s.deps.Sync == nil {
		return
	}
	ctx := context.WithoutCancel(r.Context())
	go s.deps.Sync.Trigger(ctx, sync.SourceMutation)
}

func (s *Server) record(r *http.Request, category, message string) {
	if s.deps.Events != nil {
		s.deps.Events.Append(r.Context(), category, message)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dest interface{}) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(dest); err != nil {
		return errors.Wrap(errors.ErrValidation, "invalid request body", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// statusFor maps error codes to HTTP status codes.
func statusFor(err error) int {
	switch errors.CodeOf(err) {
	case errors.ErrNotFound:
		return http.StatusNotFound
	case errors.ErrInvalid, errors.ErrValidation:
		return http.StatusBadRequest
	case errors.ErrConstraint:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	ctx := map[string]interface{}{
		"request_id": middleware.GetReqID(r.Context()),
		"path":       r.URL.Path,
		"status":     status,
	}
	if status >= http.StatusInternalServerError {
		logging.ErrorWithCode("gateway request failed", string(errors.CodeOf(err)), err, ctx)
	} else {
		ctx["error"] = err.Error()
		logging.Debug("gateway request rejected", ctx)
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"code":  string(errors.CodeOf(err)),
	})
}
