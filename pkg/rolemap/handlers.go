package rolemap

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/fedgate/pkg/audit"
	"github.com/platinummonkey/fedgate/pkg/httputil"
	"github.com/platinummonkey/fedgate/pkg/observability"
)

// Handlers exposes role mapping administration, resolution previews and
// bulk re-resolution.
type Handlers struct {
	service *Service
	bundles *BundleWatcher
	audit   audit.Logger
	log     *observability.Logger
}

// NewHandlers wires the role mapping HTTP surface. bundles may be nil when
// no file-based preset bundles are configured.
func NewHandlers(service *Service, bundles *BundleWatcher, auditLog audit.Logger, log *observability.Logger) *Handlers {
	if auditLog == nil {
		auditLog = audit.NopLogger()
	}
	if log == nil {
		log = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Handlers{service: service, bundles: bundles, audit: auditLog, log: log}
}

// RegisterRoutes registers the role mapping routes.
func (h *Handlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/v1/tenants/{tenant}/role-mappings", h.listMappings).Methods("GET")
	r.HandleFunc("/api/v1/tenants/{tenant}/role-mappings", h.createMapping).Methods("POST")
	r.HandleFunc("/api/v1/tenants/{tenant}/role-mappings/resolve", h.resolvePreview).Methods("POST")
	r.HandleFunc("/api/v1/tenants/{tenant}/role-mappings/sync", h.syncUserRoles).Methods("POST")
	r.HandleFunc("/api/v1/tenants/{tenant}/role-mappings/presets/{provider}", h.applyPreset).Methods("POST")
	r.HandleFunc("/api/v1/tenants/{tenant}/role-mappings/{id:[0-9]+}", h.getMapping).Methods("GET")
	r.HandleFunc("/api/v1/tenants/{tenant}/role-mappings/{id:[0-9]+}", h.updateMapping).Methods("PUT")
	r.HandleFunc("/api/v1/tenants/{tenant}/role-mappings/{id:[0-9]+}", h.deleteMapping).Methods("DELETE")
	r.HandleFunc("/api/v1/tenants/{tenant}/users/{id}/roles", h.getUserRoles).Methods("GET")
	r.HandleFunc("/api/v1/role-mappings/presets", h.listPresets).Methods("GET")
}

func mappingID(r *http.Request) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
}

func (h *Handlers) listMappings(w http.ResponseWriter, r *http.Request) {
	mappings, err := h.service.Store().ListMappings(r.Context(), mux.Vars(r)["tenant"])
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, mappings)
}

func (h *Handlers) createMapping(w http.ResponseWriter, r *http.Request) {
	var m Mapping
	if !httputil.ParseJSONOrError(w, r, &m) {
		return
	}
	m.TenantID = mux.Vars(r)["tenant"]

	if err := h.service.Store().CreateMapping(r.Context(), &m); err != nil {
		httputil.WriteValidationError(w, err.Error())
		return
	}

	h.auditMappingChange(r, audit.EventTypeConfigMappingCreate, m.TenantID, m.ID)
	httputil.WriteCreated(w, m)
}

func (h *Handlers) getMapping(w http.ResponseWriter, r *http.Request) {
	id, err := mappingID(r)
	if err != nil {
		httputil.WriteValidationError(w, "invalid mapping id")
		return
	}

	m, err := h.service.Store().GetMapping(r.Context(), mux.Vars(r)["tenant"], id)
	if errors.Is(err, ErrMappingNotFound) {
		httputil.WriteNotFoundError(w, err.Error())
		return
	}
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, m)
}

func (h *Handlers) updateMapping(w http.ResponseWriter, r *http.Request) {
	id, err := mappingID(r)
	if err != nil {
		httputil.WriteValidationError(w, "invalid mapping id")
		return
	}

	var m Mapping
	if !httputil.ParseJSONOrError(w, r, &m) {
		return
	}
	m.ID = id
	m.TenantID = mux.Vars(r)["tenant"]

	if err := h.service.Store().UpdateMapping(r.Context(), &m); err != nil {
		if errors.Is(err, ErrMappingNotFound) {
			httputil.WriteNotFoundError(w, err.Error())
			return
		}
		httputil.WriteValidationError(w, err.Error())
		return
	}

	h.auditMappingChange(r, audit.EventTypeConfigMappingUpdate, m.TenantID, m.ID)
	httputil.WriteSuccess(w, m)
}

func (h *Handlers) deleteMapping(w http.ResponseWriter, r *http.Request) {
	id, err := mappingID(r)
	if err != nil {
		httputil.WriteValidationError(w, "invalid mapping id")
		return
	}

	tenant := mux.Vars(r)["tenant"]
	if err := h.service.Store().DeleteMapping(r.Context(), tenant, id); err != nil {
		if errors.Is(err, ErrMappingNotFound) {
			httputil.WriteNotFoundError(w, err.Error())
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}

	h.auditMappingChange(r, audit.EventTypeConfigMappingDelete, tenant, id)
	httputil.WriteNoContent(w)
}

// resolveRequest carries claim material for a dry-run resolution.
type resolveRequest struct {
	Groups     []string            `json:"groups"`
	Roles      []string            `json:"roles"`
	Attributes map[string][]string `json:"attributes"`
}

func (h *Handlers) resolvePreview(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	resolution, err := h.service.ResolveRoles(r.Context(), mux.Vars(r)["tenant"], ResolutionInput{
		Groups:     req.Groups,
		Roles:      req.Roles,
		Attributes: req.Attributes,
	})
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, resolution)
}

func (h *Handlers) syncUserRoles(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.SyncUserRoles(r.Context(), mux.Vars(r)["tenant"])
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, result)
}

func (h *Handlers) applyPreset(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	created, err := h.service.CreatePresetMappings(r.Context(), vars["tenant"], vars["provider"], h.bundles)
	if err != nil {
		if len(created) == 0 {
			httputil.WriteNotFoundError(w, err.Error())
			return
		}
		// Some rows were created before the failure; surface both.
		httputil.WriteInternalError(w, err)
		return
	}

	for _, m := range created {
		h.auditMappingChange(r, audit.EventTypeConfigMappingCreate, m.TenantID, m.ID)
	}
	httputil.WriteCreated(w, created)
}

func (h *Handlers) listPresets(w http.ResponseWriter, r *http.Request) {
	providers := PresetProviders()
	if h.bundles != nil {
		providers = append(providers, h.bundles.BundleNames()...)
	}
	httputil.WriteSuccess(w, map[string][]string{"providers": providers})
}

func (h *Handlers) getUserRoles(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	roles, permissions, err := h.service.Store().GetUserRoles(r.Context(), vars["tenant"], vars["id"])
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"user_id":     vars["id"],
		"roles":       roles,
		"permissions": permissions,
	})
}

func (h *Handlers) auditMappingChange(r *http.Request, eventType audit.EventType, tenant string, mappingID int64) {
	event := audit.NewEvent(r.Context(), eventType, audit.EventStatusSuccess)
	event.TenantID = tenant
	event.ResourceType = audit.ResourceTypeRoleMapping
	event.ResourceID = strconv.FormatInt(mappingID, 10)
	event.IPAddress = r.RemoteAddr
	if err := h.audit.Log(r.Context(), event); err != nil {
		h.log.WithError(err).Warn("failed to write audit event")
	}
}
