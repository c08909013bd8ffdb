package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"canteiro.app/internal/enforce"
	"canteiro.app/internal/entitlement"
	"canteiro.app/internal/obs"
	"canteiro.app/internal/policy"
	"canteiro.app/internal/security"
)

type errorBody struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int64  `json:"retry_after,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeErrorBody(w, r, status, errorBody{Code: code, Message: msg})
}

func writeErrorBody(w http.ResponseWriter, r *http.Request, status int, body errorBody) {
	payload := map[string]any{"error": body}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, status, payload)
}

// writeSecurityError renders a guard or enforcement failure with its status
// and Retry-After.
func writeSecurityError(w http.ResponseWriter, r *http.Request, gerr *security.Error) {
	status := gerr.Status
	if status == 0 {
		status = http.StatusForbidden
	}
	retry := gerr.RetryAfterSeconds()
	if retry > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(retry, 10))
	}
	writeErrorBody(w, r, status, errorBody{Code: string(gerr.Kind), Message: gerr.Message, RetryAfter: retry})
}

func writeAccessError(w http.ResponseWriter, r *http.Request, err error) {
	var gerr *security.Error
	if errors.As(err, &gerr) {
		writeSecurityError(w, r, gerr)
		return
	}
	obs.Error("access check failed", map[string]any{"error": err, "path": r.URL.Path})
	writeError(w, r, http.StatusInternalServerError, "INTERNAL", "internal error")
}

// handleServiceError maps domain sentinels onto HTTP statuses.
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, policy.ErrInvalidInput), errors.Is(err, enforce.ErrInvalidInput),
		errors.Is(err, entitlement.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", err.Error())
	case errors.Is(err, policy.ErrNotFound), errors.Is(err, enforce.ErrNotFound),
		errors.Is(err, entitlement.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, policy.ErrConflict):
		writeError(w, r, http.StatusConflict, "CONFLICT", err.Error())
	case errors.Is(err, policy.ErrInvalidTransition):
		writeError(w, r, http.StatusConflict, "INVALID_TRANSITION", err.Error())
	default:
		obs.Error("request failed", map[string]any{"error": err, "path": r.URL.Path})
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func parseLimit(raw string, def, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < 1 || val > max {
		return 0, errors.New("limit must be between 1 and " + strconv.Itoa(max))
	}
	return val, nil
}
