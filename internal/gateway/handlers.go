package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	chi "github.com/go-chi/chi/v5"

	"github.com/okcolf/colfexpress/internal/cache"
	"github.com/okcolf/colfexpress/internal/errors"
	"github.com/okcolf/colfexpress/internal/eventlog"
	"github.com/okcolf/colfexpress/internal/models"
	"github.com/okcolf/colfexpress/internal/session"
	"github.com/okcolf/colfexpress/internal/store"
	"github.com/okcolf/colfexpress/internal/sync"
	"github.com/okcolf/colfexpress/internal/sync/scheduler"
)

// =====================================================
// Entity records
// =====================================================

func readBody(w http.ResponseWriter, r *http.Request) (json.RawMessage, error) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, errors.Wrap(errors.ErrValidation, "read request body", err)
	}
	if !json.Valid(data) {
		return nil, errors.New(errors.ErrValidation, "request body is not valid JSON")
	}
	return data, nil
}

func tableParam(r *http.Request) (store.Table, error) {
	return store.TableFor(chi.URLParam(r, "table"))
}

func idParam(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New(errors.ErrInvalid, fmt.Sprintf("invalid record id %q", raw))
	}
	return id, nil
}

// handleListRecords handles GET /api/{table}.
func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	table, err := tableParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	recs, err := table.All(r.Context(), s.deps.Store)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": recs})
}

// handleCreateRecord handles POST /api/{table}. The store assigns the id
// and the last_updated clock.
func (s *Server) handleCreateRecord(w http.ResponseWriter, r *http.Request) {
	table, err := tableParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	raw, err := readBody(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	rec, err := table.Decode(raw)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := table.Add(r.Context(), s.deps.Store, rec); err != nil {
		writeError(w, r, err)
		return
	}

	s.record(r, models.CategoryData, fmt.Sprintf("%s #%d added", table.Name(), rec.GetID()))
	s.triggerSync(r)
	writeJSON(w, http.StatusCreated, rec)
}

// handleGetRecord handles GET /api/{table}/{id}.
func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	table, err := tableParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	id, err := idParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	rec, err := table.Find(r.Context(), s.deps.Store, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if rec == nil {
		writeError(w, r, errors.New(errors.ErrNotFound, fmt.Sprintf("%s #%d not found", table.Name(), id)))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleUpdateRecord handles PUT /api/{table}/{id}.
func (s *Server) handleUpdateRecord(w http.ResponseWriter, r *http.Request) {
	table, err := tableParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	id, err := idParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	raw, err := readBody(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	rec, err := table.Decode(raw)
	if err != nil {
		writeError(w, r, err)
		return
	}
	rec.SetID(id)
	if err := table.Update(r.Context(), s.deps.Store, rec); err != nil {
		writeError(w, r, err)
		return
	}

	s.record(r, models.CategoryData, fmt.Sprintf("%s #%d updated", table.Name(), id))
	s.triggerSync(r)
	writeJSON(w, http.StatusOK, rec)
}

// handleDeleteRecord handles DELETE /api/{table}/{id}.
func (s *Server) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	table, err := tableParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	id, err := idParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := table.Delete(r.Context(), s.deps.Store, id); err != nil {
		writeError(w, r, err)
		return
	}

	s.record(r, models.CategoryData, fmt.Sprintf("%s #%d deleted", table.Name(), id))
	s.triggerSync(r)
	w.WriteHeader(http.StatusNoContent)
}

// handleClearRecords handles DELETE /api/{table}.
func (s *Server) handleClearRecords(w http.ResponseWriter, r *http.Request) {
	table, err := tableParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	n, err := s.deps.Store.Clear(r.Context(), table.Name())
	if err != nil {
		writeError(w, r, err)
		return
	}

	s.record(r, models.CategoryData, fmt.Sprintf("%s cleared (%d records)", table.Name(), n))
	s.triggerSync(r)
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

// =====================================================
// Key-value namespace and form snapshots
// =====================================================

// handleGetKV handles GET /api/kv/{key}.
func (s *Server) handleGetKV(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	raw, ok, err := s.deps.Store.KVGetRaw(r.Context(), key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !ok {
		writeError(w, r, errors.New(errors.ErrNotFound, fmt.Sprintf("key %q not found", key)))
		return
	}
	writeJSON(w, http.StatusOK, raw)
}

// handlePutKV handles PUT /api/kv/{key}. The body is any JSON value.
func (s *Server) handlePutKV(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.deps.Store.KVSet(r.Context(), chi.URLParam(r, "key"), raw); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDeleteKV handles DELETE /api/kv/{key}.
func (s *Server) handleDeleteKV(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.KVDelete(r.Context(), chi.URLParam(r, "key")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListForms handles GET /api/forms.
func (s *Server) handleListForms(w http.ResponseWriter, r *http.Request) {
	forms, err := s.deps.Store.ListForms(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": forms})
}

// handleGetForm handles GET /api/forms/{id}.
func (s *Server) handleGetForm(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Store.LoadForm(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handlePutForm handles PUT /api/forms/{id}. The body is the form state
// object.
func (s *Server) handlePutForm(w http.ResponseWriter, r *http.Request) {
	var state models.JSONMap
	if err := decodeBody(w, r, &state); err != nil {
		writeError(w, r, err)
		return
	}
	snap, err := s.deps.Store.SaveForm(r.Context(), chi.URLParam(r, "id"), state)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleDeleteForm handles DELETE /api/forms/{id}.
func (s *Server) handleDeleteForm(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteForm(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =====================================================
// Session
// =====================================================

// handleGetSession handles GET /api/session.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Sessions.Current(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if sess == nil {
		writeError(w, r, errors.New(errors.ErrNotFound, "no session"))
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handlePutSession handles PUT /api/session.
func (s *Server) handlePutSession(w http.ResponseWriter, r *http.Request) {
	var req session.Session
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	sess, err := s.deps.Sessions.Save(r.Context(), req.Mode, req.Email, req.Verified)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handleDeleteSession handles DELETE /api/session.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Sessions.Clear(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =====================================================
// Event log, status and manual sync
// =====================================================

// handleLogs handles GET /api/logs?category=&limit=.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	filter := eventlog.Filter{Category: r.URL.Query().Get("category")}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, r, errors.New(errors.ErrInvalid, fmt.Sprintf("invalid limit %q", raw)))
			return
		}
		filter.Limit = limit
	}
	entries, err := s.deps.Events.List(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": entries})
}

type cacheStatus struct {
	State   cache.State `json:"state"`
	Serving []string    `json:"serving"`
	Bypass  bool        `json:"bypass"`
}

type statusResponse struct {
	Version       string                     `json:"version,omitempty"`
	Online        bool                       `json:"online"`
	ForcedOffline bool                       `json:"forced_offline"`
	Strategy      string                     `json:"strategy,omitempty"`
	Sync          *sync.Status               `json:"sync,omitempty"`
	Queue         map[string]int             `json:"queue,omitempty"`
	Scheduler     *scheduler.SchedulerStatus `json:"scheduler,omitempty"`
	Cache         *cacheStatus               `json:"cache,omitempty"`
	Session       *session.Session           `json:"session"`
}

// handleStatus handles GET /api/status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Version: s.deps.Version}
	if m := s.deps.Monitor; m != nil {
		resp.Online = m.Online()
		resp.ForcedOffline = m.ForcedOffline()
	}
	if s.deps.Sync != nil {
		st := s.deps.Sync.Status()
		resp.Sync = &st
		if c, ok := s.deps.Sync.(*sync.Coordinator); ok {
			resp.Strategy = c.Strategy().Name()
		}
	}
	if s.deps.Queue != nil {
		stats, err := s.deps.Queue.Stats(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		resp.Queue = stats
	}
	if s.deps.Scheduler != nil {
		st := s.deps.Scheduler.GetStatus(r.Context())
		resp.Scheduler = &st
	}
	if c := s.deps.Cache; c != nil {
		resp.Cache = &cacheStatus{State: c.State(), Serving: c.Serving(), Bypass: c.Bypass()}
	}
	if s.deps.Sessions != nil {
		sess, err := s.deps.Sessions.Current(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		resp.Session = sess
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSync handles POST /api/sync: one reconciliation through the
// selected strategy, answered once it ran or was deferred.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sync == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "sync is not configured"})
		return
	}

	outcome := s.deps.Sync.Trigger(r.Context(), sync.SourceManual)
	status := http.StatusOK
	switch outcome {
	case sync.OutcomeDeferred, sync.OutcomeSkipped:
		status = http.StatusAccepted
	case sync.OutcomeFailed:
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]interface{}{
		"outcome": outcome,
		"status":  s.deps.Sync.Status(),
	})
}
