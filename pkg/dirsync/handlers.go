package dirsync

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/fedgate/pkg/audit"
	"github.com/platinummonkey/fedgate/pkg/httputil"
	"github.com/platinummonkey/fedgate/pkg/observability"
)

// Handlers exposes sync config administration and job control.
type Handlers struct {
	storage *SQLStorage
	engine  *Engine
	audit   audit.Logger
	log     *observability.Logger
}

// NewHandlers wires the sync HTTP surface.
func NewHandlers(storage *SQLStorage, engine *Engine, auditLog audit.Logger, log *observability.Logger) *Handlers {
	if auditLog == nil {
		auditLog = audit.NopLogger()
	}
	if log == nil {
		log = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Handlers{storage: storage, engine: engine, audit: auditLog, log: log}
}

// RegisterRoutes registers the sync routes.
func (h *Handlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/v1/tenants/{tenant}/sync/configs", h.listConfigs).Methods("GET")
	r.HandleFunc("/api/v1/tenants/{tenant}/sync/configs", h.createConfig).Methods("POST")
	r.HandleFunc("/api/v1/tenants/{tenant}/sync/configs/{id}", h.getConfig).Methods("GET")
	r.HandleFunc("/api/v1/tenants/{tenant}/sync/configs/{id}", h.updateConfig).Methods("PUT")
	r.HandleFunc("/api/v1/tenants/{tenant}/sync/configs/{id}", h.deleteConfig).Methods("DELETE")
	r.HandleFunc("/api/v1/tenants/{tenant}/sync/configs/{id}/start", h.startSync).Methods("POST")
	r.HandleFunc("/api/v1/tenants/{tenant}/sync/configs/{id}/status", h.getStatus).Methods("GET")
	r.HandleFunc("/api/v1/sync/jobs/{id}", h.getJob).Methods("GET")
	r.HandleFunc("/api/v1/sync/jobs/{id}/cancel", h.cancelJob).Methods("POST")
}

// configForTenant loads a config and checks tenant ownership, hiding the
// existence of other tenants' configs.
func (h *Handlers) configForTenant(w http.ResponseWriter, r *http.Request) (*SyncConfig, bool) {
	vars := mux.Vars(r)
	id, err := strconv.ParseInt(vars["id"], 10, 64)
	if err != nil {
		httputil.WriteValidationError(w, "invalid config id")
		return nil, false
	}

	cfg, err := h.storage.GetConfig(r.Context(), id)
	if errors.Is(err, ErrConfigNotFound) {
		httputil.WriteNotFoundError(w, err.Error())
		return nil, false
	}
	if err != nil {
		httputil.WriteInternalError(w, err)
		return nil, false
	}
	if cfg.TenantID != vars["tenant"] {
		httputil.WriteNotFoundError(w, ErrConfigNotFound.Error())
		return nil, false
	}
	return cfg, true
}

func (h *Handlers) listConfigs(w http.ResponseWriter, r *http.Request) {
	configs, err := h.storage.ListConfigs(r.Context(), mux.Vars(r)["tenant"])
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, configs)
}

func (h *Handlers) createConfig(w http.ResponseWriter, r *http.Request) {
	var cfg SyncConfig
	if !httputil.ParseJSONOrError(w, r, &cfg) {
		return
	}
	cfg.TenantID = mux.Vars(r)["tenant"]

	if err := h.storage.CreateConfig(r.Context(), &cfg); err != nil {
		httputil.WriteValidationError(w, err.Error())
		return
	}

	h.auditConfigChange(r, audit.EventTypeConfigSyncCreate, cfg.TenantID, cfg.ID)
	httputil.WriteCreated(w, cfg)
}

func (h *Handlers) getConfig(w http.ResponseWriter, r *http.Request) {
	cfg, ok := h.configForTenant(w, r)
	if !ok {
		return
	}
	httputil.WriteSuccess(w, cfg)
}

func (h *Handlers) updateConfig(w http.ResponseWriter, r *http.Request) {
	existing, ok := h.configForTenant(w, r)
	if !ok {
		return
	}

	var cfg SyncConfig
	if !httputil.ParseJSONOrError(w, r, &cfg) {
		return
	}
	cfg.ID = existing.ID
	cfg.TenantID = existing.TenantID

	if err := h.storage.UpdateConfig(r.Context(), &cfg); err != nil {
		if errors.Is(err, ErrConfigNotFound) {
			httputil.WriteNotFoundError(w, err.Error())
			return
		}
		httputil.WriteValidationError(w, err.Error())
		return
	}

	h.auditConfigChange(r, audit.EventTypeConfigSyncUpdate, cfg.TenantID, cfg.ID)
	httputil.WriteSuccess(w, cfg)
}

func (h *Handlers) deleteConfig(w http.ResponseWriter, r *http.Request) {
	cfg, ok := h.configForTenant(w, r)
	if !ok {
		return
	}

	if err := h.storage.DeleteConfig(r.Context(), cfg.ID); err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	h.auditConfigChange(r, audit.EventTypeConfigSyncDelete, cfg.TenantID, cfg.ID)
	httputil.WriteNoContent(w)
}

type startSyncRequest struct {
	Type SyncType `json:"type"`
}

func (h *Handlers) startSync(w http.ResponseWriter, r *http.Request) {
	cfg, ok := h.configForTenant(w, r)
	if !ok {
		return
	}

	req := startSyncRequest{Type: SyncTypeIncremental}
	if r.ContentLength > 0 && !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Type != SyncTypeFull && req.Type != SyncTypeIncremental {
		httputil.WriteValidationError(w, "type must be full or incremental")
		return
	}

	job, err := h.engine.StartSync(r.Context(), cfg.ID, req.Type)
	switch {
	case errors.Is(err, ErrSyncAlreadyRunning):
		httputil.WriteErrorMessage(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, ErrConfigDisabled):
		httputil.WriteErrorMessage(w, http.StatusForbidden, err.Error())
		return
	case err != nil:
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusAccepted, job)
}

func (h *Handlers) getStatus(w http.ResponseWriter, r *http.Request) {
	cfg, ok := h.configForTenant(w, r)
	if !ok {
		return
	}

	status, err := h.engine.GetSyncStatus(r.Context(), cfg.ID)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, status)
}

func (h *Handlers) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.engine.GetJob(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, ErrJobNotFound) {
		httputil.WriteNotFoundError(w, err.Error())
		return
	}
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, job)
}

func (h *Handlers) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	if err := h.engine.CancelJob(r.Context(), jobID); err != nil {
		if errors.Is(err, ErrJobNotFound) {
			httputil.WriteNotFoundError(w, "no running job with this id")
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (h *Handlers) auditConfigChange(r *http.Request, eventType audit.EventType, tenant string, configID int64) {
	event := audit.NewEvent(r.Context(), eventType, audit.EventStatusSuccess)
	event.TenantID = tenant
	event.ResourceType = audit.ResourceTypeSyncConfig
	event.ResourceID = strconv.FormatInt(configID, 10)
	event.IPAddress = r.RemoteAddr
	if err := h.audit.Log(r.Context(), event); err != nil {
		h.log.WithError(err).Warn("failed to write audit event")
	}
}
