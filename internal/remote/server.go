// Package remote is the HTTP side of reconciliation: a client for the remote
// record authority and an in-memory reference authority server.
package remote

import (
	"encoding/json"
	"fmt"
	"net/http"
	"reflect"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/okcolf/colfexpress/internal/errors"
	"github.com/okcolf/colfexpress/internal/logging"
	"github.com/okcolf/colfexpress/internal/models"
	"github.com/okcolf/colfexpress/internal/sync/conflict"
)

// recordsEnvelope is the body of pull responses and push requests. Cursor
// is set on pull responses only.
type recordsEnvelope struct {
	Items  []json.RawMessage `json:"items"`
	Cursor int64             `json:"cursor,omitempty"`
}

// PushSummary is the body of a push response.
type PushSummary struct {
	Applied int `json:"applied"`
	Skipped int `json:"skipped"`
}

// recordHeader is the part of a wire record the authority inspects.
type recordHeader struct {
	ID          int64            `json:"id"`
	LastUpdated models.Timestamp `json:"last_updated"`
}

type storedRecord struct {
	raw json.RawMessage
	ts  models.Timestamp
	seq int64
}

// Server is an in-memory record authority. It applies last-write-wins to
// every pushed record and keeps its own copy on an exact tie. Every stored
// record gets the next receive sequence number, which pull cursors follow.
type Server struct {
	router   chi.Router
	resolver *conflict.Resolver

	mu     sync.RWMutex
	tables map[string]map[int64]storedRecord
	seq    int64

	requests atomic.Int64
}

// NewServer creates an empty authority.
func NewServer() *Server {
	s := &Server{
		router:   chi.NewRouter(),
		resolver: conflict.NewResolver(conflict.TieBreakStored),
		tables:   make(map[string]map[int64]storedRecord),
	}
	for _, t := range models.EntityTables {
		s.tables[t] = make(map[int64]storedRecord)
	}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Requests returns the number of requests served.
func (s *Server) Requests() int64 {
	return s.requests.Load()
}

func (s *Server) routes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			s.requests.Add(1)
			next.ServeHTTP(w, r)
			logging.Debug("authority request", map[string]interface{}{
				"method": r.Method, "path": r.URL.Path, "duration_ms": time.Since(start).Milliseconds(),
			})
		})
	})

	s.router.Get("/api/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	s.router.Get("/api/collections/{table}/records", s.handlePull)
	s.router.Post("/api/collections/{table}/records", s.handlePush)
}

func (s *Server) table(r *http.Request) (string, error) {
	name := chi.URLParam(r, "table")
	if !models.IsEntityTable(name) {
		return "", errors.New(errors.ErrNotFound, fmt.Sprintf("unknown collection %q", name))
	}
	return name, nil
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	table, err := s.table(r)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	var after int64
	if raw := r.URL.Query().Get("after"); raw != "" {
		if after, err = strconv.ParseInt(raw, 10, 64); err != nil || after < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid cursor %q", raw))
			return
		}
	}
	items, cursor := s.Changes(table, after)
	writeJSON(w, http.StatusOK, recordsEnvelope{Items: items, Cursor: cursor})
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	table, err := s.table(r)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	var body recordsEnvelope
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode records: %w", err))
		return
	}

	var summary PushSummary
	for _, raw := range body.Items {
		applied, err := s.Apply(table, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if applied {
			summary.Applied++
		} else {
			summary.Skipped++
		}
	}
	writeJSON(w, http.StatusOK, summary)
}

// Apply stores raw when it wins under last-write-wins and reports whether
// it did.
func (s *Server) Apply(table string, raw json.RawMessage) (bool, error) {
	var hdr recordHeader
	if err := json.Unmarshal(raw, &hdr); err != nil {
		return false, errors.Wrap(errors.ErrValidation, "decode record", err)
	}
	if hdr.ID <= 0 || hdr.LastUpdated.IsZero() {
		return false, errors.New(errors.ErrValidation, "record requires id and last_updated")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, ok := s.tables[table]
	if !ok {
		return false, errors.New(errors.ErrNotFound, fmt.Sprintf("unknown collection %q", table))
	}

	c := conflict.Candidate{Table: table, RecordID: hdr.ID, Incoming: hdr.LastUpdated}
	if cur, ok := rows[hdr.ID]; ok {
		c.Stored = &cur.ts
		c.SamePayload = sameJSON(cur.raw, raw)
	}
	d := s.resolver.Decide(c)
	if d.Apply {
		s.seq++
		rows[hdr.ID] = storedRecord{raw: append(json.RawMessage(nil), raw...), ts: hdr.LastUpdated, seq: s.seq}
	}
	return d.Apply, nil
}

// Changes returns the records of table stored after the receive sequence
// after, in receive order, and the cursor to resume from.
func (s *Server) Changes(table string, after int64) ([]json.RawMessage, int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := make([]storedRecord, 0, len(s.tables[table]))
	for _, rec := range s.tables[table] {
		if rec.seq > after {
			rows = append(rows, rec)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })

	out := make([]json.RawMessage, len(rows))
	for i, rec := range rows {
		out[i] = rec.raw
	}
	return out, s.seq
}

// Get returns the stored copy of one record.
func (s *Server) Get(table string, id int64) (json.RawMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.tables[table][id]
	return rec.raw, ok
}

// Count returns the number of records in table.
func (s *Server) Count(table string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tables[table])
}

func sameJSON(a, b json.RawMessage) bool {
	var x, y interface{}
	if json.Unmarshal(a, &x) != nil || json.Unmarshal(b, &y) != nil {
		return false
	}
	return reflect.DeepEqual(x, y)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		logging.Error("authority request failed", err, map[string]interface{}{"status": status})
	} else {
		logging.Warn("authority request failed", map[string]interface{}{"status": status, "error": err.Error()})
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
