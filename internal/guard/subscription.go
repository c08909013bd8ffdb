package guard

import (
	"context"
	"errors"
	"strings"

	"canteiro.app/internal/entitlement"
	"canteiro.app/internal/events"
	"canteiro.app/internal/obs"
	"canteiro.app/internal/security"
)

// SubscriptionGuard blocks tenants whose subscription no longer entitles them
// to the product.
type SubscriptionGuard struct {
	source entitlement.SubscriptionSource
	events events.Sink
}

func NewSubscriptionGuard(source entitlement.SubscriptionSource, sink events.Sink) *SubscriptionGuard {
	return &SubscriptionGuard{source: source, events: sink}
}

// Check returns nil for trial, active and past_due subscriptions. past_due is
// allowed but reported through a warning, a counter and a security event.
func (g *SubscriptionGuard) Check(ctx context.Context, tenantID string) error {
	sub, err := g.source.Subscription(ctx, tenantID)
	if err != nil {
		if errors.Is(err, entitlement.ErrNotFound) {
			return g.deny(ctx, tenantID, "", security.SubscriptionNotFound(tenantID))
		}
		return denied("subscription", security.GuardUnavailable("subscription guard", err))
	}

	switch status := strings.ToLower(strings.TrimSpace(sub.Status)); status {
	case entitlement.StatusTrial, entitlement.StatusActive:
		return nil
	case entitlement.StatusPastDue:
		obs.SubscriptionPastDue.Inc()
		obs.Warn("subscription past due", map[string]any{"tenant_id": tenantID, "plan_id": sub.PlanID})
		emit(ctx, g.events, events.Input{
			Type:     security.EventSubscriptionPastDue,
			TenantID: tenantID,
			Metadata: map[string]any{"plan_id": sub.PlanID},
		})
		return nil
	case entitlement.StatusCanceled:
		return g.deny(ctx, tenantID, status, security.SubscriptionCanceled(tenantID))
	case entitlement.StatusSuspended:
		return g.deny(ctx, tenantID, status, security.SubscriptionSuspended(tenantID))
	default:
		return g.deny(ctx, tenantID, status, security.SubscriptionInvalidStatus(tenantID, sub.Status))
	}
}

func (g *SubscriptionGuard) deny(ctx context.Context, tenantID, status string, gerr *security.Error) error {
	emit(ctx, g.events, events.Input{
		Type:       security.EventSubscriptionBlock,
		TenantID:   tenantID,
		StatusCode: gerr.Status,
		ErrorCode:  string(gerr.Kind),
		Metadata:   map[string]any{"subscription_status": status},
	})
	return denied("subscription", gerr)
}
