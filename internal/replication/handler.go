// Package replication exchanges revision trees between peers over HTTP.
package replication

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/fieldstore/internal/engine"
	"github.com/devrev/pairdb/fieldstore/internal/errors"
	"github.com/devrev/pairdb/fieldstore/internal/metrics"
)

// Engine is the revision-level view of a replica
type Engine interface {
	ChangesSince(since uint64) ([]engine.Change, uint64)
	Revisions(ctx context.Context, id string) ([]engine.Revision, error)
	PutRevisions(ctx context.Context, id string, revs []engine.Revision) (bool, error)
}

// ChangesResponse is the body of GET /_changes
type ChangesResponse struct {
	Results []engine.Change `json:"results"`
	LastSeq uint64          `json:"last_seq"`
}

// RevisionsDocument carries the revision tree of one document
type RevisionsDocument struct {
	ID        string            `json:"id"`
	Revisions []engine.Revision `json:"revisions"`
}

// PutResponse is the body returned after importing revisions
type PutResponse struct {
	OK      bool `json:"ok"`
	Changed bool `json:"changed"`
}

const maxRevisionsBody = 32 << 20

// Handler serves one local replica to remote peers
type Handler struct {
	engine   Engine
	db       string
	password string
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewHandler creates a handler for database db. An empty password disables
// authentication.
func NewHandler(eng Engine, db, password string, logger *zap.Logger, m *metrics.Metrics) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		engine:   eng,
		db:       db,
		password: password,
		logger:   logger,
		metrics:  m,
	}
}

// Register mounts the replication routes under /db/{db}
func (h *Handler) Register(r *mux.Router) {
	db := r.PathPrefix("/db/{db}").Subrouter()
	db.Use(h.authenticate)
	db.HandleFunc("/_changes", h.Changes).Methods(http.MethodGet)
	db.HandleFunc("/_revs/{id:.+}", h.GetRevisions).Methods(http.MethodGet)
	db.HandleFunc("/_revs/{id:.+}", h.PutRevisions).Methods(http.MethodPost)
}

func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		db := mux.Vars(r)["db"]
		if db != h.db {
			h.writeError(w, r, "db", errors.DocumentNotFound(db).WithDetail("reason", "unknown database"))
			return
		}
		if h.password == "" {
			next.ServeHTTP(w, r)
			return
		}

		user, pass, ok := r.BasicAuth()
		if !ok || user != db || subtle.ConstantTimeCompare([]byte(pass), []byte(h.password)) != 1 {
			h.logger.Warn("Rejected replication request",
				zap.String("db", db),
				zap.String("remote_addr", r.RemoteAddr))
			w.Header().Set("WWW-Authenticate", `Basic realm="fieldstore"`)
			h.writeJSON(w, http.StatusUnauthorized, errors.Response{
				Status:    "error",
				ErrorCode: "UNAUTHORIZED",
				Message:   "invalid credentials",
				RequestID: r.Header.Get("X-Request-ID"),
			})
			h.metrics.RecordReplicationRequest("auth", strconv.Itoa(http.StatusUnauthorized))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Changes handles GET /db/{db}/_changes?since=N&limit=M
func (h *Handler) Changes(w http.ResponseWriter, r *http.Request) {
	since, err := queryUint(r, "since")
	if err != nil {
		h.writeBadRequest(w, r, "changes", "invalid since parameter")
		return
	}
	limit, err := queryUint(r, "limit")
	if err != nil {
		h.writeBadRequest(w, r, "changes", "invalid limit parameter")
		return
	}

	changes, last := h.engine.ChangesSince(since)
	if limit > 0 && uint64(len(changes)) > limit {
		changes = changes[:limit]
		last = changes[len(changes)-1].Seq
	}
	if changes == nil {
		changes = []engine.Change{}
	}

	h.metrics.RecordReplicationRequest("changes", strconv.Itoa(http.StatusOK))
	h.writeJSON(w, http.StatusOK, ChangesResponse{Results: changes, LastSeq: last})
}

// GetRevisions handles GET /db/{db}/_revs/{id}
func (h *Handler) GetRevisions(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	revs, err := h.engine.Revisions(r.Context(), id)
	if err != nil {
		h.writeError(w, r, "get_revs", translate(id, err))
		return
	}

	h.metrics.RecordReplicationRequest("get_revs", strconv.Itoa(http.StatusOK))
	h.writeJSON(w, http.StatusOK, RevisionsDocument{ID: id, Revisions: revs})
}

// PutRevisions handles POST /db/{db}/_revs/{id}
func (h *Handler) PutRevisions(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var doc RevisionsDocument
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRevisionsBody)).Decode(&doc); err != nil {
		h.writeError(w, r, "put_revs", errors.InvalidDocument(id, err.Error()))
		return
	}
	if doc.ID != "" && doc.ID != id {
		h.writeError(w, r, "put_revs", errors.InvalidDocument(id, "id does not match path"))
		return
	}

	changed, err := h.engine.PutRevisions(r.Context(), id, doc.Revisions)
	if err != nil {
		h.writeError(w, r, "put_revs", translate(id, err))
		return
	}

	h.logger.Debug("Imported revisions",
		zap.String("id", id),
		zap.Int("revisions", len(doc.Revisions)),
		zap.Bool("changed", changed))
	h.metrics.RecordReplicationRequest("put_revs", strconv.Itoa(http.StatusOK))
	h.writeJSON(w, http.StatusOK, PutResponse{OK: true, Changed: changed})
}

func translate(id string, err error) error {
	if stderrors.Is(err, engine.ErrNotFound) {
		return errors.DocumentNotFound(id)
	}
	return errors.Generic("engine request failed", err)
}

func (h *Handler) writeBadRequest(w http.ResponseWriter, r *http.Request, route, message string) {
	h.metrics.RecordReplicationRequest(route, strconv.Itoa(http.StatusBadRequest))
	h.writeJSON(w, http.StatusBadRequest, errors.BadRequest(message, r.Header.Get("X-Request-ID")))
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, route string, err error) {
	status, body := errors.ToResponse(err, r.Header.Get("X-Request-ID"))
	if status >= http.StatusInternalServerError {
		h.logger.Error("Replication request failed", zap.String("route", route), zap.Error(err))
	}
	h.metrics.RecordReplicationRequest(route, strconv.Itoa(status))
	h.writeJSON(w, status, body)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func queryUint(r *http.Request, name string) (uint64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	return strconv.ParseUint(v, 10, 64)
}
