package security

import (
	"fmt"
	"strings"
)

// ActorType identifies who produced a security event.
type ActorType string

const (
	ActorTenantUser ActorType = "tenant_user"
	ActorSaaSUser   ActorType = "saas_user"
	ActorAnonymous  ActorType = "anonymous"
	ActorSystem     ActorType = "system"
)

func (a ActorType) Valid() bool {
	switch a {
	case ActorTenantUser, ActorSaaSUser, ActorAnonymous, ActorSystem:
		return true
	}
	return false
}

// EventType is the closed catalogue of security events policies can match on.
type EventType string

const (
	EventLoginFailed          EventType = "LOGIN_FAILED"
	EventLoginSucceeded       EventType = "LOGIN_SUCCEEDED"
	EventFeatureDisabledBlock EventType = "FEATURE_DISABLED_BLOCK"
	EventSubscriptionBlock    EventType = "SUBSCRIPTION_BLOCK"
	EventSubscriptionPastDue  EventType = "SUBSCRIPTION_PAST_DUE"
	EventPermissionDenied     EventType = "PERMISSION_DENIED"
	EventEnforcementBlock     EventType = "ENFORCEMENT_BLOCK"
	EventRateLimitHit         EventType = "RATE_LIMIT_HIT"
	EventActionApplied        EventType = "ENFORCEMENT_APPLIED"
	EventActionRevoked        EventType = "ENFORCEMENT_REVOKED"
)

var eventTypes = []EventType{
	EventLoginFailed, EventLoginSucceeded, EventFeatureDisabledBlock, EventSubscriptionBlock,
	EventSubscriptionPastDue, EventPermissionDenied, EventEnforcementBlock, EventRateLimitHit,
	EventActionApplied, EventActionRevoked,
}

func (e EventType) Valid() bool {
	for _, known := range eventTypes {
		if e == known {
			return true
		}
	}
	return false
}

// EventTypes returns the known event types in declaration order.
func EventTypes() []EventType {
	out := make([]EventType, len(eventTypes))
	copy(out, eventTypes)
	return out
}

// Severity grades policies and incidents.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Grouping is the strategy used to partition events before thresholds are applied.
type Grouping string

const (
	GroupByIP        Grouping = "IP"
	GroupByActor     Grouping = "ACTOR"
	GroupByTenant    Grouping = "TENANT"
	GroupByIPOrActor Grouping = "IP_OR_ACTOR"
)

func (g Grouping) Valid() bool {
	switch g {
	case GroupByIP, GroupByActor, GroupByTenant, GroupByIPOrActor:
		return true
	}
	return false
}

// ActionType is an enforcement action a policy may install.
type ActionType string

const (
	ActionLockUserTemp  ActionType = "LOCK_USER_TEMP"
	ActionRateLimit     ActionType = "RATE_LIMIT"
	ActionRequireReauth ActionType = "REQUIRE_REAUTH"
)

func (a ActionType) Valid() bool {
	switch a {
	case ActionLockUserTemp, ActionRateLimit, ActionRequireReauth:
		return true
	}
	return false
}

// TargetType is the kind of subject an enforcement action applies to.
type TargetType string

const (
	TargetTenantUser TargetType = "TENANT_USER"
	TargetIP         TargetType = "IP"
	TargetTenant     TargetType = "TENANT"
)

func (t TargetType) Valid() bool {
	switch t {
	case TargetTenantUser, TargetIP, TargetTenant:
		return true
	}
	return false
}

// Target names one enforcement subject.
type Target struct {
	Type TargetType `json:"type"`
	ID   string     `json:"id"`
}

func (t Target) String() string { return string(t.Type) + ":" + t.ID }

// Validate reports whether the target is fully specified.
func (t Target) Validate() error {
	if !t.Type.Valid() {
		return fmt.Errorf("unknown target type %q", t.Type)
	}
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("target id is required")
	}
	return nil
}

// ParseGrouping normalises s and checks it against the closed set.
func ParseGrouping(s string) (Grouping, error) {
	g := Grouping(strings.ToUpper(strings.TrimSpace(s)))
	if !g.Valid() {
		return "", fmt.Errorf("unknown grouping %q", s)
	}
	return g, nil
}

// ParseActionType normalises s and checks it against the closed set.
func ParseActionType(s string) (ActionType, error) {
	a := ActionType(strings.ToUpper(strings.TrimSpace(s)))
	if !a.Valid() {
		return "", fmt.Errorf("unknown action type %q", s)
	}
	return a, nil
}

// ParseTargetType normalises s and checks it against the closed set.
func ParseTargetType(s string) (TargetType, error) {
	t := TargetType(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown target type %q", s)
	}
	return t, nil
}
