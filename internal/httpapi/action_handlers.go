package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"canteiro.app/internal/audit"
	"canteiro.app/internal/enforce"
	"canteiro.app/internal/identity"
	"canteiro.app/internal/security"
)

func (a *API) handleListActions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"), 100, 500)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	f := enforce.ActionFilter{
		Target: security.Target{
			Type: security.TargetType(strings.ToUpper(strings.TrimSpace(q.Get("target_type")))),
			ID:   strings.TrimSpace(q.Get("target_id")),
		},
		Status: enforce.Status(strings.ToUpper(strings.TrimSpace(q.Get("status")))),
		Limit:  limit,
	}
	list, err := a.deps.Actions.ListActions(r.Context(), f)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if list == nil {
		list = []enforce.ActionLog{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": list})
}

type applyActionRequest struct {
	ActionType string         `json:"action_type"`
	TargetType string         `json:"target_type"`
	TargetID   string         `json:"target_id"`
	IP         string         `json:"ip"`
	Params     map[string]any `json:"params"`
	Reason     string         `json:"reason"`
}

// handleApplyAction installs an operator action. IP targets may be given as
// a raw address, which is hashed before storage.
func (a *API) handleApplyAction(w http.ResponseWriter, r *http.Request) {
	var req applyActionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	target := security.Target{
		Type: security.TargetType(strings.ToUpper(strings.TrimSpace(req.TargetType))),
		ID:   strings.TrimSpace(req.TargetID),
	}
	if ip := strings.TrimSpace(req.IP); ip != "" {
		if target.Type != security.TargetIP || a.deps.Events == nil {
			writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", "ip is only valid for IP targets")
			return
		}
		target.ID = a.deps.Events.HashIP(ip)
	}
	id, _ := identity.FromContext(r.Context())
	actionID, err := a.deps.Actions.ApplyAction(r.Context(), enforce.ApplyRequest{
		Action:    security.ActionType(strings.ToUpper(strings.TrimSpace(req.ActionType))),
		Target:    target,
		Params:    req.Params,
		Reason:    strings.TrimSpace(req.Reason),
		CreatedBy: id.UserID,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	fields := map[string]any{"action_id": actionID, "action_type": req.ActionType, "target_type": string(target.Type)}
	_ = audit.LogEvent(r.Context(), "enforcement.apply", fields)
	writeJSON(w, http.StatusCreated, map[string]any{"id": actionID})
}

func (a *API) handleGetAction(w http.ResponseWriter, r *http.Request) {
	log, err := a.deps.Actions.GetAction(r.Context(), chi.URLParam(r, "actionID"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, log)
}

type revokeActionRequest struct {
	Reason string `json:"reason"`
}

func (a *API) handleRevokeAction(w http.ResponseWriter, r *http.Request) {
	var req revokeActionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	actionID := chi.URLParam(r, "actionID")
	id, _ := identity.FromContext(r.Context())
	ok, err := a.deps.Actions.RevokeAction(r.Context(), actionID, strings.TrimSpace(req.Reason), id.UserID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if !ok {
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "no applied action with that id")
		return
	}
	_ = audit.LogEvent(r.Context(), "enforcement.revoke", map[string]any{"action_id": actionID})
	writeJSON(w, http.StatusOK, map[string]any{"id": actionID, "status": string(enforce.StatusReverted)})
}
