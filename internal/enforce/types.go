package enforce

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"canteiro.app/internal/security"
)

var (
	ErrNotFound     = errors.New("enforce: not found")
	ErrInvalidInput = errors.New("enforce: invalid input")
	// ErrStateOutOfSync is returned by a Store when the action log committed
	// but the enforcement state row could not be written or removed.
	ErrStateOutOfSync = errors.New("enforce: enforcement state out of sync")
)

// Status is the lifecycle of an action log.
type Status string

const (
	StatusApplied  Status = "APPLIED"
	StatusReverted Status = "REVERTED"
	StatusExpired  Status = "EXPIRED"
)

// CreatedBySystem marks actions installed by the policy engine.
const CreatedBySystem = "system"

// AnyScope is the rate-limit scope matching every route group.
const AnyScope = "*"

// ActionLog is the authoritative record of one enforcement action.
type ActionLog struct {
	ID         string              `json:"id"`
	ActionType security.ActionType `json:"action_type"`
	TargetType security.TargetType `json:"target_type"`
	TargetID   string              `json:"target_id"`
	Scope      string              `json:"scope,omitempty"`
	Params     map[string]any      `json:"params,omitempty"`
	Reason     string              `json:"reason"`
	Status     Status              `json:"status"`
	CreatedBy  string              `json:"created_by"`
	IncidentID string              `json:"incident_id,omitempty"`
	AppliedAt  time.Time           `json:"applied_at"`
	ExpiresAt  time.Time           `json:"expires_at"`
	EndedAt    *time.Time          `json:"ended_at,omitempty"`
	EndedBy    string              `json:"ended_by,omitempty"`
	EndReason  string              `json:"end_reason,omitempty"`
}

func (l ActionLog) Target() security.Target {
	return security.Target{Type: l.TargetType, ID: l.TargetID}
}

// State is the lookup projection of an applied action.
type State struct {
	ActionLogID string              `json:"action_log_id"`
	ActionType  security.ActionType `json:"action_type"`
	Target      security.Target     `json:"target"`
	Scope       string              `json:"scope,omitempty"`
	Params      map[string]any      `json:"params,omitempty"`
	Reason      string              `json:"reason,omitempty"`
	AppliedAt   time.Time           `json:"applied_at"`
	ExpiresAt   time.Time           `json:"expires_at"`
}

// ApplyRequest describes an action to install.
type ApplyRequest struct {
	Action     security.ActionType
	Target     security.Target
	Params     map[string]any
	Reason     string
	CreatedBy  string
	IncidentID string
}

// ActionFilter narrows ListActions. Zero fields match everything.
type ActionFilter struct {
	Target security.Target
	Status Status
	Limit  int
}

// Store persists action logs and their state projection.
type Store interface {
	// RecordAction writes log and state atomically with respect to the log:
	// when only the state write fails the log is kept and ErrStateOutOfSync
	// is returned.
	RecordAction(ctx context.Context, log ActionLog, state State) error
	// FindState returns the unexpired state for target and action whose
	// scope equals scope or AnyScope, latest expiry first.
	FindState(ctx context.Context, target security.Target, action security.ActionType, scope string, now time.Time) (State, error)
	// RevokeAction moves an APPLIED log to REVERTED and drops its state.
	RevokeAction(ctx context.Context, id, by, reason string, at time.Time) (ActionLog, error)
	// ExpireActions moves APPLIED logs past expiry to EXPIRED and deletes
	// expired state rows, returning the number of logs expired.
	ExpireActions(ctx context.Context, now time.Time) (int, error)
	GetAction(ctx context.Context, id string) (ActionLog, error)
	ListActions(ctx context.Context, f ActionFilter) ([]ActionLog, error)
}

const (
	defaultLockMinutes    = 10
	defaultRateLimitHours = 1
	reauthWindow          = time.Hour
	// MaxActionDuration bounds durationMinutes and durationHours.
	MaxActionDuration = 30 * 24 * time.Hour
)

// ExpiryFor computes when an action installed at appliedAt lapses. Durations
// above MaxActionDuration are rejected.
func ExpiryFor(action security.ActionType, params map[string]any, appliedAt time.Time) (time.Time, error) {
	var d float64
	switch action {
	case security.ActionLockUserTemp:
		d = numberParam(params, "durationMinutes", defaultLockMinutes) * float64(time.Minute)
	case security.ActionRateLimit:
		d = numberParam(params, "durationHours", defaultRateLimitHours) * float64(time.Hour)
	case security.ActionRequireReauth:
		return appliedAt.Add(reauthWindow), nil
	default:
		return time.Time{}, errors.New("unknown action type " + string(action))
	}
	if d > float64(MaxActionDuration) {
		return time.Time{}, fmt.Errorf("%s duration exceeds %s", action, MaxActionDuration)
	}
	return appliedAt.Add(time.Duration(d)), nil
}

// ValidateParams reports whether params produce a usable expiry for action.
func ValidateParams(action security.ActionType, params map[string]any) error {
	_, err := ExpiryFor(action, params, time.Time{})
	return err
}

// ScopeFor returns the state scope of an action. Only rate limits are scoped.
func ScopeFor(action security.ActionType, params map[string]any) string {
	if action != security.ActionRateLimit {
		return ""
	}
	if s, ok := params["scope"].(string); ok && strings.TrimSpace(s) != "" {
		return strings.TrimSpace(s)
	}
	return AnyScope
}

func numberParam(params map[string]any, key string, def float64) float64 {
	var v float64
	switch n := params[key].(type) {
	case float64:
		v = n
	case float32:
		v = float64(n)
	case int:
		v = float64(n)
	case int64:
		v = float64(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return def
		}
		v = f
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return def
		}
		v = f
	default:
		return def
	}
	if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return def
	}
	return v
}
