package guard

import (
	"context"
	"errors"

	"canteiro.app/internal/entitlement"
	"canteiro.app/internal/events"
	"canteiro.app/internal/security"
)

// RBACGuard checks a user's role grants inside a tenant.
type RBACGuard struct {
	source entitlement.PermissionSource
	events events.Sink
}

func NewRBACGuard(source entitlement.PermissionSource, sink events.Sink) *RBACGuard {
	return &RBACGuard{source: source, events: sink}
}

// Check passes unconditionally for tenant-admin roles; other roles need an
// exact grant for permission.
func (g *RBACGuard) Check(ctx context.Context, tenantID, userID, permission string) error {
	role, err := g.source.UserRole(ctx, tenantID, userID)
	if err != nil {
		if errors.Is(err, entitlement.ErrNotFound) {
			return g.deny(ctx, tenantID, userID, "", permission)
		}
		return denied("rbac", security.GuardUnavailable("rbac guard", err))
	}
	if role.IsTenantAdmin {
		return nil
	}
	grants, err := g.source.RolePermissions(ctx, tenantID, role.Name)
	if err != nil {
		return denied("rbac", security.GuardUnavailable("rbac guard", err))
	}
	for _, p := range grants {
		if p == permission {
			return nil
		}
	}
	return g.deny(ctx, tenantID, userID, role.Name, permission)
}

func (g *RBACGuard) deny(ctx context.Context, tenantID, userID, role, permission string) error {
	gerr := security.PermissionDenied(permission)
	emit(ctx, g.events, events.Input{
		Type:       security.EventPermissionDenied,
		TenantID:   tenantID,
		ActorID:    userID,
		StatusCode: gerr.Status,
		ErrorCode:  string(gerr.Kind),
		Metadata:   map[string]any{"permission": permission, "role": role},
	})
	return denied("rbac", gerr)
}
