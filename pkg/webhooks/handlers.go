package webhooks

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/fedgate/pkg/audit"
	"github.com/platinummonkey/fedgate/pkg/httputil"
	"github.com/platinummonkey/fedgate/pkg/observability"
)

// Handlers exposes webhook administration per tenant.
type Handlers struct {
	manager *Manager
	audit   audit.Logger
	log     *observability.Logger
}

// NewHandlers wires the webhook HTTP surface.
func NewHandlers(manager *Manager, auditLog audit.Logger, log *observability.Logger) *Handlers {
	if auditLog == nil {
		auditLog = audit.NopLogger()
	}
	if log == nil {
		log = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Handlers{manager: manager, audit: auditLog, log: log}
}

// RegisterRoutes registers the webhook administration routes.
func (h *Handlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/v1/tenants/{tenant}/webhooks", h.createWebhook).Methods("POST")
	r.HandleFunc("/api/v1/tenants/{tenant}/webhooks", h.listWebhooks).Methods("GET")
	r.HandleFunc("/api/v1/tenants/{tenant}/webhooks/{id}", h.getWebhook).Methods("GET")
	r.HandleFunc("/api/v1/tenants/{tenant}/webhooks/{id}", h.updateWebhook).Methods("PUT")
	r.HandleFunc("/api/v1/tenants/{tenant}/webhooks/{id}", h.deleteWebhook).Methods("DELETE")
	r.HandleFunc("/api/v1/tenants/{tenant}/webhooks/{id}/activate", h.activateWebhook).Methods("POST")
	r.HandleFunc("/api/v1/tenants/{tenant}/webhooks/{id}/deactivate", h.deactivateWebhook).Methods("POST")
	r.HandleFunc("/api/v1/tenants/{tenant}/webhooks/{id}/deliveries", h.listDeliveries).Methods("GET")
	r.HandleFunc("/api/v1/tenants/{tenant}/webhooks/{id}/stats", h.deliveryStats).Methods("GET")
}

func (h *Handlers) createWebhook(w http.ResponseWriter, r *http.Request) {
	tenant := mux.Vars(r)["tenant"]

	var webhook Webhook
	if !httputil.ParseJSONOrError(w, r, &webhook) {
		return
	}
	webhook.TenantID = tenant

	if err := h.manager.Register(&webhook); err != nil {
		httputil.WriteValidationError(w, err.Error())
		return
	}

	h.auditWebhookChange(r, audit.EventTypeConfigWebhookCreate, tenant, webhook.ID)
	httputil.WriteCreated(w, webhook)
}

func (h *Handlers) listWebhooks(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, h.manager.List(mux.Vars(r)["tenant"]))
}

func (h *Handlers) getWebhook(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	webhook, err := h.manager.Get(vars["tenant"], vars["id"])
	if err != nil {
		httputil.WriteNotFoundError(w, err.Error())
		return
	}
	httputil.WriteSuccess(w, webhook)
}

func (h *Handlers) updateWebhook(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var updates Webhook
	if !httputil.ParseJSONOrError(w, r, &updates) {
		return
	}

	err := h.manager.Update(vars["tenant"], vars["id"], &updates)
	if errors.Is(err, ErrWebhookNotFound) {
		httputil.WriteNotFoundError(w, err.Error())
		return
	}
	if err != nil {
		httputil.WriteValidationError(w, err.Error())
		return
	}

	h.auditWebhookChange(r, audit.EventTypeConfigWebhookUpdate, vars["tenant"], vars["id"])
	webhook, _ := h.manager.Get(vars["tenant"], vars["id"])
	httputil.WriteSuccess(w, webhook)
}

func (h *Handlers) deleteWebhook(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	if err := h.manager.Unregister(vars["tenant"], vars["id"]); err != nil {
		httputil.WriteNotFoundError(w, err.Error())
		return
	}

	h.auditWebhookChange(r, audit.EventTypeConfigWebhookDelete, vars["tenant"], vars["id"])
	httputil.WriteNoContent(w)
}

func (h *Handlers) activateWebhook(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, true)
}

func (h *Handlers) deactivateWebhook(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, false)
}

func (h *Handlers) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	vars := mux.Vars(r)

	if err := h.manager.SetActive(vars["tenant"], vars["id"], active); err != nil {
		httputil.WriteNotFoundError(w, err.Error())
		return
	}

	h.auditWebhookChange(r, audit.EventTypeConfigWebhookUpdate, vars["tenant"], vars["id"])
	webhook, _ := h.manager.Get(vars["tenant"], vars["id"])
	httputil.WriteSuccess(w, webhook)
}

func (h *Handlers) listDeliveries(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			httputil.WriteValidationError(w, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	logs, err := h.manager.DeliveryLogs(vars["tenant"], vars["id"], limit)
	if err != nil {
		httputil.WriteNotFoundError(w, err.Error())
		return
	}
	httputil.WriteSuccess(w, logs)
}

func (h *Handlers) deliveryStats(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	stats, err := h.manager.DeliveryStats(vars["tenant"], vars["id"])
	if err != nil {
		httputil.WriteNotFoundError(w, err.Error())
		return
	}
	httputil.WriteSuccess(w, stats)
}

func (h *Handlers) auditWebhookChange(r *http.Request, eventType audit.EventType, tenant, webhookID string) {
	event := audit.NewEvent(r.Context(), eventType, audit.EventStatusSuccess)
	event.TenantID = tenant
	event.ResourceType = audit.ResourceTypeWebhook
	event.ResourceID = webhookID
	event.IPAddress = r.RemoteAddr
	event.UserAgent = r.UserAgent()
	if err := h.audit.Log(r.Context(), event); err != nil {
		h.log.WithError(err).Warn("failed to write webhook audit event")
	}
}
