package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/fieldstore/internal/conflict"
	"github.com/devrev/pairdb/fieldstore/internal/datastore"
	"github.com/devrev/pairdb/fieldstore/internal/errors"
	"github.com/devrev/pairdb/fieldstore/internal/index"
	"github.com/devrev/pairdb/fieldstore/internal/model"
	"github.com/devrev/pairdb/fieldstore/internal/syncservice"
)

const maxDocumentBody = 8 << 20

// FindResponse is the body of POST /api/find
type FindResponse struct {
	Total     int               `json:"total"`
	IDs       []string          `json:"ids"`
	Documents []*model.Document `json:"documents"`
}

// SyncResponse reports the sync status
type SyncResponse struct {
	Status string `json:"status"`
}

// API serves document, query and sync operations to the presentation layer
type API struct {
	docs     *datastore.CachedStore
	facade   *index.Facade
	resolver *conflict.Resolver
	sync     *syncservice.Service
	timeout  time.Duration
	logger   *zap.Logger
}

// NewAPI creates the API handlers. sync may be nil.
func NewAPI(docs *datastore.CachedStore, facade *index.Facade, resolver *conflict.Resolver, sync *syncservice.Service, timeout time.Duration, logger *zap.Logger) *API {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &API{
		docs:     docs,
		facade:   facade,
		resolver: resolver,
		sync:     sync,
		timeout:  timeout,
		logger:   logger,
	}
}

// Register mounts the API under /api
func (a *API) Register(r *mux.Router) {
	api := r.PathPrefix("/api").Subrouter()
	api.Use(Timeout(a.timeout))

	api.HandleFunc("/documents", a.CreateDocument).Methods(http.MethodPost)
	api.HandleFunc("/documents/{id}", a.GetDocument).Methods(http.MethodGet)
	api.HandleFunc("/documents/{id}", a.UpdateDocument).Methods(http.MethodPut)
	api.HandleFunc("/documents/{id}", a.RemoveDocument).Methods(http.MethodDelete)
	api.HandleFunc("/documents/{id}/revisions/{rev}", a.GetRevision).Methods(http.MethodGet)
	api.HandleFunc("/documents/{id}/resolve", a.ResolveConflicts).Methods(http.MethodPost)
	api.HandleFunc("/find", a.Find).Methods(http.MethodPost)

	if a.sync != nil {
		api.HandleFunc("/sync", a.SyncStatus).Methods(http.MethodGet)
		api.HandleFunc("/sync/start", a.StartSync).Methods(http.MethodPost)
		api.HandleFunc("/sync/stop", a.StopSync).Methods(http.MethodPost)
	}
}

// CreateDocument handles POST /api/documents
func (a *API) CreateDocument(w http.ResponseWriter, r *http.Request) {
	var doc model.NewDocument
	if !a.decode(w, r, &doc) {
		return
	}

	created, err := a.docs.Create(r.Context(), &doc, userFrom(r.Context()))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, created)
}

// GetDocument handles GET /api/documents/{id}
func (a *API) GetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := a.docs.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, doc)
}

// GetRevision handles GET /api/documents/{id}/revisions/{rev}
func (a *API) GetRevision(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	doc, err := a.docs.Store().FetchRevision(r.Context(), vars["id"], vars["rev"])
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, doc)
}

// UpdateDocument handles PUT /api/documents/{id}?squash=rev
func (a *API) UpdateDocument(w http.ResponseWriter, r *http.Request) {
	var doc model.Document
	if !a.decode(w, r, &doc) {
		return
	}
	id := mux.Vars(r)["id"]
	if doc.Resource.ID == "" {
		doc.Resource.ID = id
	}
	if doc.Resource.ID != id {
		a.writeError(w, r, errors.InvalidDocument(id, "resource id does not match path"))
		return
	}

	updated, err := a.docs.Update(r.Context(), &doc, userFrom(r.Context()), r.URL.Query()["squash"])
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, updated)
}

// RemoveDocument handles DELETE /api/documents/{id}?rev=
func (a *API) RemoveDocument(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	doc, err := a.docs.Store().Fetch(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if rev := r.URL.Query().Get("rev"); rev != "" && rev != doc.Rev {
		a.writeError(w, r, errors.SaveConflict(id, rev, nil))
		return
	}

	if err := a.docs.Remove(r.Context(), doc); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ResolveConflicts handles POST /api/documents/{id}/resolve
func (a *API) ResolveConflicts(w http.ResponseWriter, r *http.Request) {
	doc, err := a.resolver.Resolve(r.Context(), mux.Vars(r)["id"], userFrom(r.Context()))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, doc)
}

// Find handles POST /api/find
func (a *API) Find(w http.ResponseWriter, r *http.Request) {
	var q index.Query
	if !a.decode(w, r, &q) {
		return
	}

	total, err := a.facade.Count(q)
	if err != nil {
		a.writeBadRequest(w, r, err.Error())
		return
	}
	ids, err := a.facade.Find(q)
	if err != nil {
		a.writeBadRequest(w, r, err.Error())
		return
	}
	docs, err := a.docs.GetMultiple(r.Context(), ids)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if docs == nil {
		docs = []*model.Document{}
	}
	if ids == nil {
		ids = []string{}
	}

	a.writeJSON(w, http.StatusOK, FindResponse{Total: total, IDs: ids, Documents: docs})
}

// SyncStatus handles GET /api/sync
func (a *API) SyncStatus(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, SyncResponse{Status: a.sync.Status().String()})
}

// StartSync handles POST /api/sync/start
func (a *API) StartSync(w http.ResponseWriter, r *http.Request) {
	a.sync.Start()
	a.writeJSON(w, http.StatusAccepted, SyncResponse{Status: a.sync.Status().String()})
}

// StopSync handles POST /api/sync/stop
func (a *API) StopSync(w http.ResponseWriter, r *http.Request) {
	a.sync.Stop()
	a.writeJSON(w, http.StatusOK, SyncResponse{Status: a.sync.Status().String()})
}

func (a *API) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxDocumentBody)).Decode(v); err != nil {
		a.writeBadRequest(w, r, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := errors.ToResponse(err, r.Header.Get("X-Request-ID"))
	if status >= http.StatusInternalServerError {
		a.logger.Error("Request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", body.RequestID),
			zap.Error(err))
	}
	a.writeJSON(w, status, body)
}

func (a *API) writeBadRequest(w http.ResponseWriter, r *http.Request, message string) {
	a.writeJSON(w, http.StatusBadRequest, errors.BadRequest(message, r.Header.Get("X-Request-ID")))
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error("Failed to encode response", zap.Error(err))
	}
}
