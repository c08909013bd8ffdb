package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"canteiro.app/internal/audit"
	"canteiro.app/internal/policy"
)

func (a *API) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	list, err := a.deps.Policies.List(r.Context())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if list == nil {
		list = []policy.Policy{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"policies": list})
}

func (a *API) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	var req policy.Policy
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	created, err := a.deps.Policies.Create(r.Context(), req)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "policy.create", map[string]any{"policy_id": created.ID, "name": created.Name})
	writeJSON(w, http.StatusCreated, created)
}

func (a *API) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := a.deps.Policies.Get(r.Context(), chi.URLParam(r, "policyID"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var req policy.Policy
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	updated, err := a.deps.Policies.Update(r.Context(), chi.URLParam(r, "policyID"), req)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "policy.update", map[string]any{"policy_id": updated.ID, "name": updated.Name})
	writeJSON(w, http.StatusOK, updated)
}

// handleSetPolicyEnabled toggles a policy. Policies are disabled rather than
// deleted so incidents keep their reference.
func (a *API) handleSetPolicyEnabled(enabled bool) http.HandlerFunc {
	event := "policy.disable"
	if enabled {
		event = "policy.enable"
	}
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := a.deps.Policies.SetEnabled(r.Context(), chi.URLParam(r, "policyID"), enabled)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), event, map[string]any{"policy_id": p.ID})
		writeJSON(w, http.StatusOK, p)
	}
}

func (a *API) handleEvaluatePolicy(w http.ResponseWriter, r *http.Request) {
	res, err := a.deps.Policies.Evaluate(r.Context(), chi.URLParam(r, "policyID"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"), 100, 500)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	f := policy.IncidentFilter{
		Status:   policy.IncidentStatus(strings.ToUpper(strings.TrimSpace(q.Get("status")))),
		PolicyID: strings.TrimSpace(q.Get("policy_id")),
		TenantID: strings.TrimSpace(q.Get("tenant_id")),
		Limit:    limit,
	}
	list, err := a.deps.Policies.ListIncidents(r.Context(), f)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if list == nil {
		list = []policy.Incident{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"incidents": list})
}

func (a *API) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	inc, err := a.deps.Policies.GetIncident(r.Context(), chi.URLParam(r, "incidentID"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

type transitionRequest struct {
	Status string `json:"status"`
}

func (a *API) handleTransitionIncident(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	to := policy.IncidentStatus(strings.ToUpper(strings.TrimSpace(req.Status)))
	inc, err := a.deps.Policies.TransitionIncident(r.Context(), chi.URLParam(r, "incidentID"), to)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "incident.transition", map[string]any{"incident_id": inc.ID, "status": string(inc.Status)})
	writeJSON(w, http.StatusOK, inc)
}
