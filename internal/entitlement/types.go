package entitlement

import (
	"context"
	"errors"
	"sort"
	"time"
)

var (
	ErrNotFound     = errors.New("entitlement: not found")
	ErrInvalidInput = errors.New("entitlement: invalid input")
)

// Subscription statuses as stored by billing.
const (
	StatusTrial     = "trial"
	StatusActive    = "active"
	StatusPastDue   = "past_due"
	StatusSuspended = "suspended"
	StatusCanceled  = "canceled"
)

// Subscription is the tenant's current billing state.
type Subscription struct {
	TenantID string
	PlanID   string
	Status   string
}

// Override adds or removes a single feature for a tenant regardless of plan.
// A nil ExpiresAt never expires.
type Override struct {
	TenantID   string     `json:"tenant_id"`
	FeatureKey string     `json:"feature_key"`
	Enabled    bool       `json:"enabled"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// ActiveAt reports whether the override still applies at t.
func (o Override) ActiveAt(t time.Time) bool {
	return o.ExpiresAt == nil || o.ExpiresAt.After(t)
}

// Role is a user's role inside a tenant.
type Role struct {
	Name          string
	IsTenantAdmin bool
}

// SubscriptionSource reads tenant subscriptions.
type SubscriptionSource interface {
	Subscription(ctx context.Context, tenantID string) (Subscription, error)
}

// FeatureSource reads the inputs of feature resolution.
type FeatureSource interface {
	PlanFeatures(ctx context.Context, tenantID string) ([]string, error)
	Overrides(ctx context.Context, tenantID string) ([]Override, error)
}

// PermissionSource reads role assignments and grants.
type PermissionSource interface {
	UserRole(ctx context.Context, tenantID, userID string) (Role, error)
	RolePermissions(ctx context.Context, tenantID, role string) ([]string, error)
}

// OverrideWriter mutates feature overrides. Callers must invalidate the
// resolver for the tenant afterwards.
type OverrideWriter interface {
	SetOverride(ctx context.Context, o Override) error
	ClearOverride(ctx context.Context, tenantID, featureKey string) error
}

// Store is the full entitlement datastore contract.
type Store interface {
	SubscriptionSource
	FeatureSource
	PermissionSource
	OverrideWriter
}

// FeatureSet is an immutable set of feature keys.
type FeatureSet struct {
	keys map[string]struct{}
}

func newFeatureSet(keys map[string]struct{}) FeatureSet { return FeatureSet{keys: keys} }

// NewFeatureSet builds a set from keys.
func NewFeatureSet(keys ...string) FeatureSet {
	m := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		m[k] = struct{}{}
	}
	return FeatureSet{keys: m}
}

func (s FeatureSet) Has(key string) bool {
	_, ok := s.keys[key]
	return ok
}

func (s FeatureSet) Len() int { return len(s.keys) }

// Keys returns the members sorted.
func (s FeatureSet) Keys() []string {
	out := make([]string, 0, len(s.keys))
	for k := range s.keys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
