package guard

import (
	"context"

	"canteiro.app/internal/entitlement"
	"canteiro.app/internal/events"
	"canteiro.app/internal/security"
)

// FeatureResolver is satisfied by *entitlement.Resolver.
type FeatureResolver interface {
	Resolve(ctx context.Context, tenantID string) (entitlement.FeatureSet, error)
}

// FeatureGuard requires a feature key to be part of the tenant's effective set.
type FeatureGuard struct {
	resolver FeatureResolver
	events   events.Sink
}

func NewFeatureGuard(resolver FeatureResolver, sink events.Sink) *FeatureGuard {
	return &FeatureGuard{resolver: resolver, events: sink}
}

// Check fails with FEATURE_DISABLED and records a FEATURE_DISABLED_BLOCK event
// when the feature is missing. Resolution failures deny.
func (g *FeatureGuard) Check(ctx context.Context, tenantID, featureKey string) error {
	set, err := g.resolver.Resolve(ctx, tenantID)
	if err != nil {
		return denied("feature", security.GuardUnavailable("feature guard", err))
	}
	if set.Has(featureKey) {
		return nil
	}
	gerr := security.FeatureDisabled(featureKey)
	emit(ctx, g.events, events.Input{
		Type:       security.EventFeatureDisabledBlock,
		TenantID:   tenantID,
		StatusCode: gerr.Status,
		ErrorCode:  string(gerr.Kind),
		Metadata:   map[string]any{"feature": featureKey},
	})
	return denied("feature", gerr)
}
