package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"canteiro.app/internal/audit"
	"canteiro.app/internal/enforce"
	"canteiro.app/internal/entitlement"
	"canteiro.app/internal/events"
	"canteiro.app/internal/guard"
	"canteiro.app/internal/identity"
	"canteiro.app/internal/security"
)

type accessCheckRequest struct {
	TenantID         string `json:"tenant_id"`
	UserID           string `json:"user_id"`
	Feature          string `json:"feature"`
	Permission       string `json:"permission"`
	SkipSubscription bool   `json:"skip_subscription"`
}

// handleAccessCheck runs the pipeline for the caller, or for any subject when
// the caller is an operator.
func (a *API) handleAccessCheck(w http.ResponseWriter, r *http.Request) {
	if a.deps.Pipeline == nil {
		writeError(w, r, http.StatusServiceUnavailable, string(security.KindGuardUnavailable), "access pipeline unavailable")
		return
	}
	var req accessCheckRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	id, _ := identity.FromContext(r.Context())
	subject := guard.Subject{TenantID: strings.TrimSpace(req.TenantID), UserID: strings.TrimSpace(req.UserID)}
	if id.ActorType != security.ActorSaaSUser {
		if (subject.TenantID != "" && subject.TenantID != id.TenantID) || (subject.UserID != "" && subject.UserID != id.UserID) {
			writeError(w, r, http.StatusForbidden, "FORBIDDEN", "cannot check access for another subject")
			return
		}
	}
	err := a.deps.Pipeline.Check(r.Context(), subject, guard.Options{
		Feature:          strings.TrimSpace(req.Feature),
		Permission:       strings.TrimSpace(req.Permission),
		SkipSubscription: req.SkipSubscription,
	})
	if err != nil {
		writeAccessError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"allowed": true})
}

func (a *API) handleTenantFeatures(w http.ResponseWriter, r *http.Request) {
	if a.deps.Features == nil {
		writeError(w, r, http.StatusServiceUnavailable, "UNAVAILABLE", "feature resolver unavailable")
		return
	}
	tenantID := chi.URLParam(r, "tenantID")
	id, _ := identity.FromContext(r.Context())
	if id.ActorType != security.ActorSaaSUser && id.TenantID != tenantID {
		writeError(w, r, http.StatusForbidden, "FORBIDDEN", "tenant mismatch")
		return
	}
	set, err := a.deps.Features.Resolve(r.Context(), tenantID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id": tenantID,
		"features":  set.Keys(),
	})
}

type loginFailedRequest struct {
	TenantID  string `json:"tenant_id"`
	UserID    string `json:"user_id"`
	IP        string `json:"ip"`
	UserAgent string `json:"user_agent"`
	Reason    string `json:"reason"`
}

// handleLoginFailed records a failed login reported by the auth service.
func (a *API) handleLoginFailed(w http.ResponseWriter, r *http.Request) {
	var req loginFailedRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	req.IP = strings.TrimSpace(req.IP)
	req.UserID = strings.TrimSpace(req.UserID)
	if req.IP == "" {
		writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", "ip is required")
		return
	}
	actor := security.ActorAnonymous
	if req.UserID != "" {
		actor = security.ActorTenantUser
	}
	in := events.Input{
		Type:       security.EventLoginFailed,
		TenantID:   strings.TrimSpace(req.TenantID),
		ActorType:  actor,
		ActorID:    req.UserID,
		IP:         req.IP,
		UserAgent:  req.UserAgent,
		StatusCode: http.StatusUnauthorized,
		ErrorCode:  "LOGIN_FAILED",
	}
	if req.Reason != "" {
		in.Metadata = map[string]any{"reason": req.Reason}
	}
	a.emit(r.Context(), in)
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "recorded"})
}

type enforcementCheckRequest struct {
	UserID   string `json:"user_id"`
	TenantID string `json:"tenant_id"`
	IP       string `json:"ip"`
	Scope    string `json:"scope"`
}

// handleEnforcementCheck lets the auth service ask whether a login attempt
// would be blocked.
func (a *API) handleEnforcementCheck(w http.ResponseWriter, r *http.Request) {
	if a.deps.Enforcement == nil {
		writeJSON(w, http.StatusOK, enforce.BlockResult{})
		return
	}
	var req enforcementCheckRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	ctx := r.Context()
	scope := strings.TrimSpace(req.Scope)
	var res enforce.BlockResult
	if ip := strings.TrimSpace(req.IP); ip != "" && a.deps.Events != nil {
		res = a.deps.Enforcement.CheckIPEnforcement(ctx, a.deps.Events.HashIP(ip), scope)
	}
	if !res.Blocked && strings.TrimSpace(req.UserID) != "" {
		res = a.deps.Enforcement.CheckUserEnforcement(ctx, strings.TrimSpace(req.UserID), scope)
	}
	if !res.Blocked && strings.TrimSpace(req.TenantID) != "" {
		res = a.deps.Enforcement.CheckTenantEnforcement(ctx, strings.TrimSpace(req.TenantID), scope)
	}
	body := map[string]any{"result": res}
	if gerr := enforce.CreateEnforcementError(res); gerr != nil {
		body["code"] = string(gerr.Kind)
		body["status"] = gerr.Status
	}
	writeJSON(w, http.StatusOK, body)
}

type overrideRequest struct {
	Enabled   bool       `json:"enabled"`
	ExpiresAt *time.Time `json:"expires_at"`
}

func (a *API) handleSetOverride(w http.ResponseWriter, r *http.Request) {
	if a.deps.Overrides == nil {
		writeError(w, r, http.StatusServiceUnavailable, "UNAVAILABLE", "override store unavailable")
		return
	}
	var req overrideRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	o := entitlement.Override{
		TenantID:   strings.TrimSpace(chi.URLParam(r, "tenantID")),
		FeatureKey: strings.ToUpper(strings.TrimSpace(chi.URLParam(r, "featureKey"))),
		Enabled:    req.Enabled,
		ExpiresAt:  req.ExpiresAt,
		UpdatedAt:  a.now().UTC(),
	}
	if o.TenantID == "" || o.FeatureKey == "" {
		writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", "tenant and feature are required")
		return
	}
	if err := a.deps.Overrides.SetOverride(r.Context(), o); err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.invalidate(r, o.TenantID)
	fields := map[string]any{"tenant_id": o.TenantID, "feature_key": o.FeatureKey, "enabled": o.Enabled}
	if o.ExpiresAt != nil {
		fields["expires_at"] = o.ExpiresAt.UTC().Format(time.RFC3339)
	}
	_ = audit.LogEvent(r.Context(), "entitlement.override.set", fields)
	writeJSON(w, http.StatusOK, o)
}

func (a *API) handleClearOverride(w http.ResponseWriter, r *http.Request) {
	if a.deps.Overrides == nil {
		writeError(w, r, http.StatusServiceUnavailable, "UNAVAILABLE", "override store unavailable")
		return
	}
	tenantID := strings.TrimSpace(chi.URLParam(r, "tenantID"))
	feature := strings.ToUpper(strings.TrimSpace(chi.URLParam(r, "featureKey")))
	if err := a.deps.Overrides.ClearOverride(r.Context(), tenantID, feature); err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.invalidate(r, tenantID)
	_ = audit.LogEvent(r.Context(), "entitlement.override.clear", map[string]any{"tenant_id": tenantID, "feature_key": feature})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleInvalidateFeatures(w http.ResponseWriter, r *http.Request) {
	tenantID := strings.TrimSpace(chi.URLParam(r, "tenantID"))
	a.invalidate(r, tenantID)
	_ = audit.LogEvent(r.Context(), "entitlement.cache.invalidate", map[string]any{"tenant_id": tenantID})
	writeJSON(w, http.StatusAccepted, map[string]any{"tenant_id": tenantID, "status": "invalidated"})
}

func (a *API) invalidate(r *http.Request, tenantID string) {
	if a.deps.Features != nil {
		a.deps.Features.Invalidate(r.Context(), tenantID)
	}
}
