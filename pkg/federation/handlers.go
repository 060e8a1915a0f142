package federation

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/fedgate/pkg/audit"
	"github.com/platinummonkey/fedgate/pkg/claims"
	"github.com/platinummonkey/fedgate/pkg/httputil"
	"github.com/platinummonkey/fedgate/pkg/observability"
	"github.com/platinummonkey/fedgate/pkg/oidc"
	"github.com/platinummonkey/fedgate/pkg/rolemap"
	"github.com/platinummonkey/fedgate/pkg/saml"
	"github.com/platinummonkey/fedgate/pkg/statestore"
)

// genericAuthFailure is the only message external callers see for a
// failed login. The specific cause goes to the internal log and audit
// trail.
const genericAuthFailure = "authentication failed"

// Notifier broadcasts login outcomes to external receivers.
type Notifier interface {
	LoginFailed(ctx context.Context, tenantID, protocol, reason string)
	UserProvisioned(ctx context.Context, tenantID, userID, username, protocol string)
}

// Handlers exposes the federation HTTP surface: login flows, SP metadata
// and config administration.
type Handlers struct {
	storage     *Storage
	provisioner *Provisioner
	roles       *rolemap.Service
	states      statestore.Store
	cache       *handlerCache
	audit       audit.Logger
	log         *observability.Logger
	metrics     *observability.Metrics
	notifier    Notifier
}

// SetMetrics attaches Prometheus instrumentation. A nil metrics set
// disables it.
func (h *Handlers) SetMetrics(m *observability.Metrics) {
	h.metrics = m
}

// SetNotifier enables login outcome notifications.
func (h *Handlers) SetNotifier(n Notifier) {
	h.notifier = n
}

// NewHandlers wires the federation HTTP surface. roles may be nil when
// role assignment is not configured.
func NewHandlers(storage *Storage, provisioner *Provisioner, roles *rolemap.Service, states statestore.Store, auditLog audit.Logger, log *observability.Logger) *Handlers {
	if auditLog == nil {
		auditLog = audit.NopLogger()
	}
	if log == nil {
		log = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Handlers{
		storage:     storage,
		provisioner: provisioner,
		roles:       roles,
		states:      states,
		cache:       newHandlerCache(states),
		audit:       auditLog,
		log:         log,
	}
}

// RegisterRoutes registers the federation routes.
func (h *Handlers) RegisterRoutes(r *mux.Router) {
	// Login flows. Callbacks resolve against the tenant's single enabled
	// config per protocol, never by name, so a config swap cannot leave a
	// stale provider answering.
	r.HandleFunc("/auth/{tenant}/oidc/login", h.initiateOIDCLogin).Methods("GET")
	r.HandleFunc("/auth/{tenant}/oidc/callback", h.handleOIDCCallback).Methods("GET")
	r.HandleFunc("/auth/{tenant}/oidc/logout", h.buildOIDCLogout).Methods("GET")
	r.HandleFunc("/auth/{tenant}/saml/login", h.initiateSAMLLogin).Methods("GET")
	r.HandleFunc("/auth/{tenant}/saml/acs", h.handleSAMLCallback).Methods("POST")
	r.HandleFunc("/auth/{tenant}/saml/metadata", h.serveSAMLMetadata).Methods("GET")
	r.HandleFunc("/auth/{tenant}/saml/logout", h.buildSAMLLogout).Methods("GET")

	// Config administration.
	r.HandleFunc("/api/v1/tenants/{tenant}/federation/configs", h.listConfigs).Methods("GET")
	r.HandleFunc("/api/v1/tenants/{tenant}/federation/configs", h.createConfig).Methods("POST")
	r.HandleFunc("/api/v1/tenants/{tenant}/federation/configs/{name}", h.getConfig).Methods("GET")
	r.HandleFunc("/api/v1/tenants/{tenant}/federation/configs/{name}", h.updateConfig).Methods("PUT")
	r.HandleFunc("/api/v1/tenants/{tenant}/federation/configs/{name}", h.deleteConfig).Methods("DELETE")
	r.HandleFunc("/api/v1/federation/presets/{provider}", h.getPreset).Methods("GET")
}

// LoginResponse is the payload returned to the caller after a completed
// login.
type LoginResponse struct {
	User       *User               `json:"user"`
	Identity   *claims.Identity    `json:"identity"`
	Roles      *rolemap.Resolution `json:"roles,omitempty"`
	Tokens     interface{}         `json:"tokens,omitempty"`
	NewAccount bool                `json:"new_account"`
}

func (h *Handlers) initiateOIDCLogin(w http.ResponseWriter, r *http.Request) {
	tenant := mux.Vars(r)["tenant"]

	cfg, err := h.storage.GetActiveConfig(r.Context(), tenant, ProviderTypeOIDC)
	if err != nil {
		h.writeConfigError(w, err)
		return
	}

	handler, err := h.cache.oidcFor(cfg)
	if err != nil {
		httputil.WriteInternalError(w, errors.New("provider unavailable"))
		h.log.WithError(err).WithField("tenant_id", tenant).Error("failed to build OIDC handler")
		return
	}

	redirect, err := handler.BuildAuthorizationURL(r.Context(), tenant)
	if err != nil {
		httputil.WriteInternalError(w, errors.New("provider unavailable"))
		h.log.WithError(err).WithField("tenant_id", tenant).Error("failed to build authorization URL")
		return
	}

	http.Redirect(w, r, redirect.URL, http.StatusFound)
}

func (h *Handlers) handleOIDCCallback(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	tenant := mux.Vars(r)["tenant"]
	ctx := r.Context()

	cfg, err := h.storage.GetActiveConfig(ctx, tenant, ProviderTypeOIDC)
	if err != nil {
		h.writeConfigError(w, err)
		return
	}

	handler, err := h.cache.oidcFor(cfg)
	if err != nil {
		httputil.WriteInternalError(w, errors.New("provider unavailable"))
		h.log.WithError(err).WithField("tenant_id", tenant).Error("failed to build OIDC handler")
		return
	}

	result, err := handler.HandleCallback(ctx, r.URL.Query().Get("code"), r.URL.Query().Get("state"))
	if err != nil {
		h.metrics.ObserveValidationFailure("oidc", validationReason(err))
		h.rejectLogin(w, r, tenant, "oidc", err)
		return
	}

	h.completeLogin(w, r, cfg, result.Identity, "oidc", result.Tokens, start)
}

func (h *Handlers) buildOIDCLogout(w http.ResponseWriter, r *http.Request) {
	tenant := mux.Vars(r)["tenant"]

	cfg, err := h.storage.GetActiveConfig(r.Context(), tenant, ProviderTypeOIDC)
	if err != nil {
		h.writeConfigError(w, err)
		return
	}

	handler, err := h.cache.oidcFor(cfg)
	if err != nil {
		httputil.WriteInternalError(w, errors.New("provider unavailable"))
		return
	}

	logoutURL, err := handler.BuildLogoutURL(r.Context(), r.URL.Query().Get("id_token_hint"))
	if err != nil {
		httputil.WriteErrorMessage(w, http.StatusBadRequest, "provider does not support logout")
		return
	}

	h.auditEvent(r, audit.NewEvent(r.Context(), audit.EventTypeAuthLogout, audit.EventStatusSuccess), tenant)
	httputil.WriteSuccess(w, map[string]string{"logout_url": logoutURL})
}

func (h *Handlers) initiateSAMLLogin(w http.ResponseWriter, r *http.Request) {
	tenant := mux.Vars(r)["tenant"]
	ctx := r.Context()

	cfg, err := h.storage.GetActiveConfig(ctx, tenant, ProviderTypeSAML)
	if err != nil {
		h.writeConfigError(w, err)
		return
	}

	handler, err := h.cache.samlFor(cfg)
	if err != nil {
		httputil.WriteInternalError(w, errors.New("provider unavailable"))
		h.log.WithError(err).WithField("tenant_id", tenant).Error("failed to build SAML handler")
		return
	}

	// RelayState doubles as the CSRF token; it is single-use and expires
	// with the state store's max age.
	state, err := randomState()
	if err != nil {
		httputil.WriteInternalError(w, errors.New("provider unavailable"))
		return
	}
	entry := statestore.Entry{
		TenantID:     tenant,
		ProviderName: cfg.Name,
	}
	if err := h.states.Put(ctx, state, entry); err != nil {
		httputil.WriteInternalError(w, errors.New("provider unavailable"))
		h.log.WithError(err).Error("failed to store SAML relay state")
		return
	}

	redirectURL, err := handler.RedirectURL(handler.BuildAuthnRequest(), state)
	if err != nil {
		httputil.WriteInternalError(w, errors.New("provider unavailable"))
		h.log.WithError(err).Error("failed to build SAML redirect")
		return
	}

	http.Redirect(w, r, redirectURL, http.StatusFound)
}

func (h *Handlers) handleSAMLCallback(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	tenant := mux.Vars(r)["tenant"]
	ctx := r.Context()

	if err := r.ParseForm(); err != nil {
		h.rejectLogin(w, r, tenant, "saml", err)
		return
	}

	// The relay state is consumed before the response is touched; replays
	// and forged posts fail here.
	entry, err := h.states.Consume(ctx, r.FormValue("RelayState"))
	if err != nil {
		h.metrics.ObserveValidationFailure("saml", "relay_state")
		h.rejectLogin(w, r, tenant, "saml", errors.New("invalid or expired relay state"))
		return
	}
	if entry.TenantID != tenant {
		h.rejectLogin(w, r, tenant, "saml", errors.New("relay state tenant mismatch"))
		return
	}

	cfg, err := h.storage.GetActiveConfig(ctx, tenant, ProviderTypeSAML)
	if err != nil {
		h.writeConfigError(w, err)
		return
	}

	handler, err := h.cache.samlFor(cfg)
	if err != nil {
		httputil.WriteInternalError(w, errors.New("provider unavailable"))
		return
	}

	result, err := handler.ParseResponse(r.FormValue("SAMLResponse"))
	if err != nil {
		h.metrics.ObserveValidationFailure("saml", validationReason(err))
		h.rejectLogin(w, r, tenant, "saml", err)
		return
	}

	h.completeLogin(w, r, cfg, result.Identity, "saml", map[string]string{
		"session_index": result.SessionIndex,
	}, start)
}

func (h *Handlers) serveSAMLMetadata(w http.ResponseWriter, r *http.Request) {
	tenant := mux.Vars(r)["tenant"]

	cfg, err := h.storage.GetActiveConfig(r.Context(), tenant, ProviderTypeSAML)
	if err != nil {
		h.writeConfigError(w, err)
		return
	}

	handler, err := h.cache.samlFor(cfg)
	if err != nil {
		httputil.WriteInternalError(w, errors.New("provider unavailable"))
		return
	}

	w.Header().Set("Content-Type", "application/xml")
	w.Write(handler.SPMetadata())
}

func (h *Handlers) buildSAMLLogout(w http.ResponseWriter, r *http.Request) {
	tenant := mux.Vars(r)["tenant"]

	cfg, err := h.storage.GetActiveConfig(r.Context(), tenant, ProviderTypeSAML)
	if err != nil {
		h.writeConfigError(w, err)
		return
	}

	handler, err := h.cache.samlFor(cfg)
	if err != nil {
		httputil.WriteInternalError(w, errors.New("provider unavailable"))
		return
	}

	subject := r.URL.Query().Get("subject")
	if subject == "" {
		httputil.WriteValidationError(w, "subject is required")
		return
	}

	logoutURL, err := handler.LogoutRedirectURL(subject, r.URL.Query().Get("session_index"))
	if err != nil {
		httputil.WriteErrorMessage(w, http.StatusBadRequest, "provider does not support logout")
		return
	}

	h.auditEvent(r, audit.NewEvent(r.Context(), audit.EventTypeAuthLogout, audit.EventStatusSuccess), tenant)
	httputil.WriteSuccess(w, map[string]string{"logout_url": logoutURL})
}

// completeLogin provisions the user, assigns roles and writes the login
// response. Provisioning failures after a valid assertion are still
// internal errors, not authentication errors.
func (h *Handlers) completeLogin(w http.ResponseWriter, r *http.Request, cfg *Config, identity *claims.Identity, protocol string, tokens interface{}, start time.Time) {
	ctx := r.Context()

	user, created, err := h.provisioner.ProvisionUser(ctx, cfg, identity)
	if err != nil {
		if errors.Is(err, ErrProvisioningDisabled) {
			h.rejectLogin(w, r, cfg.TenantID, protocol, err)
			return
		}
		httputil.WriteInternalError(w, errors.New("failed to provision user"))
		h.log.WithError(err).WithFields(map[string]interface{}{
			"tenant_id": cfg.TenantID,
			"subject":   identity.SubjectID,
		}).Error("user provisioning failed")
		return
	}

	response := &LoginResponse{
		User:       user,
		Identity:   identity,
		Tokens:     tokens,
		NewAccount: created,
	}

	if h.roles != nil {
		resolution, err := h.roles.AssignRoles(ctx, cfg.TenantID, strconv.FormatInt(user.ID, 10), rolemap.InputFromIdentity(identity))
		if err != nil {
			// Login still succeeds; role assignment is retried on the next
			// login or sync pass.
			h.log.WithError(err).WithField("user_id", user.ID).Warn("role assignment failed at login")
		} else {
			response.Roles = resolution
			h.metrics.ObserveRoleResolution(resolution.FallbackApplied)
		}
	}

	h.metrics.ObserveLogin(protocol, string(cfg.ProviderName), "success", time.Since(start))
	if created {
		h.metrics.ObserveProvisionedUser(protocol)
		if h.notifier != nil {
			h.notifier.UserProvisioned(ctx, cfg.TenantID, strconv.FormatInt(user.ID, 10), user.Username, protocol)
		}
	}

	event := audit.LoginEvent(ctx, cfg.TenantID, strconv.FormatInt(user.ID, 10), user.Username, protocol, audit.EventStatusSuccess, "login completed")
	h.auditEvent(r, event, cfg.TenantID)

	httputil.WriteSuccess(w, response)
}

// rejectLogin writes the generic failure response and records the real
// cause internally.
func (h *Handlers) rejectLogin(w http.ResponseWriter, r *http.Request, tenant, protocol string, cause error) {
	h.log.WithError(cause).WithFields(map[string]interface{}{
		"tenant_id": tenant,
		"protocol":  protocol,
		"remote":    r.RemoteAddr,
	}).Warn("login rejected")

	h.metrics.ObserveLogin(protocol, "", "failure", 0)
	if h.notifier != nil {
		h.notifier.LoginFailed(r.Context(), tenant, protocol, cause.Error())
	}

	event := audit.LoginEvent(r.Context(), tenant, "", "", protocol, audit.EventStatusFailure, cause.Error())
	h.auditEvent(r, event, tenant)

	httputil.WriteErrorMessage(w, http.StatusUnauthorized, genericAuthFailure)
}

func (h *Handlers) listConfigs(w http.ResponseWriter, r *http.Request) {
	tenant := mux.Vars(r)["tenant"]

	configs, err := h.storage.ListConfigs(r.Context(), tenant)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, configs)
}

func (h *Handlers) createConfig(w http.ResponseWriter, r *http.Request) {
	tenant := mux.Vars(r)["tenant"]

	var cfg Config
	if !httputil.ParseJSONOrError(w, r, &cfg) {
		return
	}
	cfg.TenantID = tenant

	err := h.storage.CreateConfig(r.Context(), &cfg)
	switch {
	case errors.Is(err, ErrConfigNameTaken):
		httputil.WriteErrorMessage(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, ErrActiveConfigExists):
		httputil.WriteErrorMessage(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		httputil.WriteValidationError(w, err.Error())
		return
	}

	h.auditConfigChange(r, audit.EventTypeConfigFederationCreate, tenant, cfg.ID)
	httputil.WriteCreated(w, cfg)
}

func (h *Handlers) getConfig(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	cfg, err := h.storage.GetConfig(r.Context(), vars["tenant"], vars["name"])
	if errors.Is(err, ErrConfigNotFound) {
		httputil.WriteNotFoundError(w, err.Error())
		return
	}
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, cfg)
}

func (h *Handlers) updateConfig(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	existing, err := h.storage.GetConfig(r.Context(), vars["tenant"], vars["name"])
	if errors.Is(err, ErrConfigNotFound) {
		httputil.WriteNotFoundError(w, err.Error())
		return
	}
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	var cfg Config
	if !httputil.ParseJSONOrError(w, r, &cfg) {
		return
	}
	cfg.ID = existing.ID
	cfg.TenantID = existing.TenantID
	cfg.Name = existing.Name

	err = h.storage.UpdateConfig(r.Context(), &cfg)
	switch {
	case errors.Is(err, ErrActiveConfigExists):
		httputil.WriteErrorMessage(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, ErrConfigNotFound):
		httputil.WriteNotFoundError(w, err.Error())
		return
	case err != nil:
		httputil.WriteValidationError(w, err.Error())
		return
	}

	h.auditConfigChange(r, audit.EventTypeConfigFederationUpdate, cfg.TenantID, cfg.ID)
	httputil.WriteSuccess(w, cfg)
}

func (h *Handlers) deleteConfig(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	err := h.storage.DeleteConfig(r.Context(), vars["tenant"], vars["name"])
	if errors.Is(err, ErrConfigNotFound) {
		httputil.WriteNotFoundError(w, err.Error())
		return
	}
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	h.auditConfigChange(r, audit.EventTypeConfigFederationDelete, vars["tenant"], 0)
	httputil.WriteNoContent(w)
}

func (h *Handlers) getPreset(w http.ResponseWriter, r *http.Request) {
	preset, err := Preset(ProviderName(mux.Vars(r)["provider"]))
	if err != nil {
		httputil.WriteNotFoundError(w, err.Error())
		return
	}
	httputil.WriteSuccess(w, preset)
}

func (h *Handlers) writeConfigError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrConfigNotFound) {
		httputil.WriteNotFoundError(w, "no enabled provider for this tenant")
		return
	}
	httputil.WriteInternalError(w, errors.New("provider unavailable"))
}

func (h *Handlers) auditEvent(r *http.Request, event *audit.Event, tenant string) {
	event.TenantID = tenant
	event.IPAddress = r.RemoteAddr
	event.UserAgent = r.UserAgent()
	if err := h.audit.Log(r.Context(), event); err != nil {
		h.log.WithError(err).Warn("failed to write audit event")
	}
}

func (h *Handlers) auditConfigChange(r *http.Request, eventType audit.EventType, tenant string, configID int64) {
	event := audit.NewEvent(r.Context(), eventType, audit.EventStatusSuccess)
	event.ResourceType = audit.ResourceTypeFederationConfig
	if configID != 0 {
		event.ResourceID = strconv.FormatInt(configID, 10)
	}
	h.auditEvent(r, event, tenant)
}

// validationReason buckets a callback failure for metrics. The full error
// still reaches the log and audit trail.
func validationReason(err error) string {
	switch {
	case errors.Is(err, saml.ErrIssuerMismatch):
		return "issuer"
	case errors.Is(err, saml.ErrVerification):
		return "signature"
	case errors.Is(err, saml.ErrInvalidTimeWindow):
		return "time_window"
	case errors.Is(err, saml.ErrAudienceMismatch):
		return "audience"
	case errors.Is(err, saml.ErrMalformedResponse):
		return "malformed"
	case errors.Is(err, oidc.ErrInvalidState):
		return "state"
	case errors.Is(err, oidc.ErrExchangeFailed):
		return "exchange"
	case errors.Is(err, oidc.ErrTokenVerification):
		return "token"
	case errors.Is(err, oidc.ErrNonceMismatch):
		return "nonce"
	default:
		return "other"
	}
}

func randomState() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
