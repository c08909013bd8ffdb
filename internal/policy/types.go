package policy

import (
	"context"
	"errors"
	"time"

	"canteiro.app/internal/events"
	"canteiro.app/internal/security"
)

var (
	ErrNotFound          = errors.New("policy: not found")
	ErrConflict          = errors.New("policy: conflict")
	ErrInvalidInput      = errors.New("policy: invalid input")
	ErrInvalidTransition = errors.New("policy: invalid incident transition")
	// ErrCooldownActive is returned by CreateIncident when another incident
	// already holds the policy's cooldown bucket for the group.
	ErrCooldownActive = errors.New("policy: cooldown active")
)

// Policy is an operator-authored detection rule.
type Policy struct {
	ID              string              `json:"id" yaml:"-"`
	Name            string              `json:"name" yaml:"name"`
	Description     string              `json:"description,omitempty" yaml:"description,omitempty"`
	Enabled         bool                `json:"enabled" yaml:"enabled"`
	EventType       security.EventType  `json:"event_type" yaml:"event_type"`
	Severity        security.Severity   `json:"severity" yaml:"severity"`
	WindowSeconds   int                 `json:"window_seconds" yaml:"window_seconds"`
	Threshold       int                 `json:"threshold" yaml:"threshold"`
	Grouping        security.Grouping   `json:"grouping" yaml:"grouping"`
	ActionType      security.ActionType `json:"action_type,omitempty" yaml:"action_type,omitempty"`
	ActionParams    map[string]any      `json:"action_params,omitempty" yaml:"action_params,omitempty"`
	CooldownSeconds int                 `json:"cooldown_seconds" yaml:"cooldown_seconds"`
	CreatedAt       time.Time           `json:"created_at" yaml:"-"`
	UpdatedAt       time.Time           `json:"updated_at" yaml:"-"`
}

func (p Policy) Window() time.Duration   { return time.Duration(p.WindowSeconds) * time.Second }
func (p Policy) Cooldown() time.Duration { return time.Duration(p.CooldownSeconds) * time.Second }

// IncidentStatus is the operator workflow state of an incident.
type IncidentStatus string

const (
	IncidentOpen         IncidentStatus = "OPEN"
	IncidentAcknowledged IncidentStatus = "ACKNOWLEDGED"
	IncidentResolved     IncidentStatus = "RESOLVED"
)

func (s IncidentStatus) Valid() bool {
	switch s {
	case IncidentOpen, IncidentAcknowledged, IncidentResolved:
		return true
	}
	return false
}

// CanTransition reports whether an incident may move from s to next.
func (s IncidentStatus) CanTransition(next IncidentStatus) bool {
	switch s {
	case IncidentOpen:
		return next == IncidentAcknowledged || next == IncidentResolved
	case IncidentAcknowledged:
		return next == IncidentResolved
	}
	return false
}

// Incident is one detection produced by the engine.
type Incident struct {
	ID               string            `json:"id"`
	TenantID         string            `json:"tenant_id,omitempty"`
	PolicyID         string            `json:"policy_id"`
	Severity         security.Severity `json:"severity"`
	Status           IncidentStatus    `json:"status"`
	Summary          string            `json:"summary"`
	GroupKey         string            `json:"group_key"`
	EvidenceEventIDs []string          `json:"evidence_event_ids"`
	FirstSeen        time.Time         `json:"first_seen"`
	LastSeen         time.Time         `json:"last_seen"`
	ActionLogID      string            `json:"action_log_id,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// Evaluation is the outcome of evaluating one policy.
type Evaluation struct {
	PolicyID    string `json:"policy_id"`
	PolicyName  string `json:"policy_name"`
	Triggered   bool   `json:"triggered"`
	Suppressed  bool   `json:"suppressed"`
	Count       int    `json:"count"`
	GroupKey    string `json:"group_key,omitempty"`
	IncidentID  string `json:"incident_id,omitempty"`
	ActionLogID string `json:"action_log_id,omitempty"`
}

// IncidentFilter narrows ListIncidents. Zero fields match everything.
type IncidentFilter struct {
	Status   IncidentStatus
	PolicyID string
	TenantID string
	Limit    int
}

// EngineStore is what evaluation needs from the datastore.
type EngineStore interface {
	EnabledPolicies(ctx context.Context) ([]Policy, error)
	// EventsSince returns events of type created at or after since, oldest first.
	EventsSince(ctx context.Context, eventType security.EventType, since time.Time) ([]events.Event, error)
	// LastIncidentAt returns the creation time of the latest incident for
	// policy and group, and false when there is none.
	LastIncidentAt(ctx context.Context, policyID, groupKey string) (time.Time, bool, error)
	// CreateIncident inserts inc. A non-nil bucket claims (policy, group,
	// bucket); a taken claim yields ErrCooldownActive.
	CreateIncident(ctx context.Context, inc Incident, bucket *int64) error
	AttachAction(ctx context.Context, incidentID, actionLogID string) error
}

// Store is the full policy datastore contract.
type Store interface {
	EngineStore
	CreatePolicy(ctx context.Context, p Policy) error
	UpdatePolicy(ctx context.Context, p Policy) error
	GetPolicy(ctx context.Context, id string) (Policy, error)
	GetPolicyByName(ctx context.Context, name string) (Policy, error)
	ListPolicies(ctx context.Context) ([]Policy, error)
	SetPolicyEnabled(ctx context.Context, id string, enabled bool, at time.Time) (Policy, error)
	GetIncident(ctx context.Context, id string) (Incident, error)
	ListIncidents(ctx context.Context, f IncidentFilter) ([]Incident, error)
	// TransitionIncident moves an incident from one status to another,
	// returning ErrInvalidTransition when it is no longer in from.
	TransitionIncident(ctx context.Context, id string, from, to IncidentStatus, at time.Time) (Incident, error)
}
