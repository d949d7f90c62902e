package server

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/devrev/replstore/internal/database"
	"github.com/devrev/replstore/internal/errors"
	"github.com/devrev/replstore/internal/reference"
	"github.com/devrev/replstore/internal/storagekey"
)

// KeyResponse describes a parsed storage key.
type KeyResponse struct {
	Key      string `json:"key"`
	Protocol string `json:"protocol"`
	Body     string `json:"body"`
}

// ReconcileRequest carries the authoritative live ids of a namespace.
type ReconcileRequest struct {
	IDs []string `json:"ids"`
}

// DeletionResponse reports what a foreign deletion or reconcile removed.
type DeletionResponse struct {
	Namespace string              `json:"namespace"`
	IDs       map[string][]string `json:"ids"`
	Entries   map[string]int      `json:"entries"`
	Total     int                 `json:"total"`
}

// DatabaseInfo describes a registered database.
type DatabaseInfo struct {
	Label      string `json:"label"`
	Name       string `json:"name"`
	Persistent bool   `json:"persistent"`
	Entities   int    `json:"entities"`
	Bytes      int64  `json:"bytes"`
}

// Handlers serves the admin API.
type Handlers struct {
	keys       *storagekey.Registry
	databases  *database.Manager
	references *reference.Manager
	logger     *zap.Logger
}

func NewHandlers(keys *storagekey.Registry, databases *database.Manager, references *reference.Manager, logger *zap.Logger) *Handlers {
	return &Handlers{keys: keys, databases: databases, references: references, logger: logger}
}

// ParseKey handles GET /v1/keys/parse?key=...
func (h *Handlers) ParseKey(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("key")
	if raw == "" {
		handleError(w, r, errors.InvalidArgument("key query parameter is required", nil))
		return
	}
	key, err := h.keys.Parse(raw)
	if err != nil {
		handleError(w, r, err)
		return
	}
	annotate(r, zap.String("storage_key", key.String()))
	writeJSON(w, http.StatusOK, KeyResponse{
		Key:      key.String(),
		Protocol: string(key.Protocol()),
		Body:     key.KeyString(),
	})
}

// Reconcile handles POST /v1/foreign/{namespace}/reconcile.
func (h *Handlers) Reconcile(w http.ResponseWriter, r *http.Request) {
	ns := mux.Vars(r)["namespace"]
	var req ReconcileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		handleError(w, r, errors.InvalidArgument("invalid request body", err))
		return
	}

	annotate(r, zap.Int("live_ids", len(req.IDs)))
	res, err := h.references.Reconcile(r.Context(), storagekey.NewForeignKey(ns), req.IDs)
	annotate(r, zap.Int("entries_removed", res.Total()))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deletionResponse(ns, res))
}

// DeleteReference handles DELETE /v1/foreign/{namespace}/{id}.
func (h *Handlers) DeleteReference(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	ns := vars["namespace"]
	annotate(r, zap.String("id", vars["id"]))
	res, err := h.references.TriggerDatabaseDeletion(r.Context(), storagekey.NewForeignKey(ns), vars["id"])
	annotate(r, zap.Int("entries_removed", res.Total()))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deletionResponse(ns, res))
}

// ListDatabases handles GET /v1/databases.
func (h *Handlers) ListDatabases(w http.ResponseWriter, r *http.Request) {
	dbs := h.databases.Databases()
	out := make([]DatabaseInfo, 0, len(dbs))
	for _, label := range h.databases.Labels() {
		db, ok := dbs[label]
		if !ok {
			continue
		}
		info := DatabaseInfo{Label: label, Name: db.Name(), Persistent: db.Persistent()}
		var err error
		if info.Entities, err = db.EntityCount(r.Context()); err != nil {
			handleError(w, r, errors.DatabaseFailure(label, err))
			return
		}
		if info.Bytes, err = db.StorageSize(r.Context()); err != nil {
			handleError(w, r, errors.DatabaseFailure(label, err))
			return
		}
		out = append(out, info)
	}
	annotate(r, zap.Int("databases", len(out)))
	writeJSON(w, http.StatusOK, map[string]interface{}{"databases": out})
}

func deletionResponse(ns string, res reference.Result) DeletionResponse {
	return DeletionResponse{
		Namespace: ns,
		IDs:       res.IDs,
		Entries:   res.Entries,
		Total:     res.Total(),
	}
}
