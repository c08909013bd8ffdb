package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"canteiro.app/internal/entitlement"
)

var _ entitlement.Store = (*Store)(nil)

func (s *Store) Subscription(ctx context.Context, tenantID string) (entitlement.Subscription, error) {
	if s.db == nil {
		return entitlement.Subscription{}, errNoDB
	}
	sub := entitlement.Subscription{TenantID: tenantID}
	err := s.db.QueryRowContext(ctx, `
		select plan_id, status
		from subscriptions
		where tenant_id = $1
	`, tenantID).Scan(&sub.PlanID, &sub.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return entitlement.Subscription{}, entitlement.ErrNotFound
	}
	if err != nil {
		return entitlement.Subscription{}, err
	}
	return sub, nil
}

func (s *Store) PlanFeatures(ctx context.Context, tenantID string) ([]string, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select pf.feature_key
		from subscriptions sub
		join plan_features pf on pf.plan_id = sub.plan_id
		where sub.tenant_id = $1
		order by pf.position, pf.feature_key
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *Store) Overrides(ctx context.Context, tenantID string) ([]entitlement.Override, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select feature_key, enabled, expires_at, updated_at
		from tenant_feature_overrides
		where tenant_id = $1
		order by feature_key
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []entitlement.Override
	for rows.Next() {
		o := entitlement.Override{TenantID: tenantID}
		var expires sql.NullTime
		if err := rows.Scan(&o.FeatureKey, &o.Enabled, &expires, &o.UpdatedAt); err != nil {
			return nil, err
		}
		o.ExpiresAt = timePtr(expires)
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *Store) UserRole(ctx context.Context, tenantID, userID string) (entitlement.Role, error) {
	if s.db == nil {
		return entitlement.Role{}, errNoDB
	}
	var role entitlement.Role
	err := s.db.QueryRowContext(ctx, `
		select r.name, r.is_tenant_admin
		from tenant_users u
		join tenant_roles r on r.tenant_id = u.tenant_id and r.name = u.role_name
		where u.tenant_id = $1 and u.user_id = $2
	`, tenantID, userID).Scan(&role.Name, &role.IsTenantAdmin)
	if errors.Is(err, sql.ErrNoRows) {
		return entitlement.Role{}, entitlement.ErrNotFound
	}
	if err != nil {
		return entitlement.Role{}, err
	}
	return role, nil
}

func (s *Store) RolePermissions(ctx context.Context, tenantID, role string) ([]string, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select permission_key
		from role_permissions
		where tenant_id = $1 and role_name = $2
		order by permission_key
	`, tenantID, role)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var perms []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// SetOverride upserts the single override row for (tenant, feature).
func (s *Store) SetOverride(ctx context.Context, o entitlement.Override) error {
	if s.db == nil {
		return errNoDB
	}
	updated := o.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into tenant_feature_overrides (tenant_id, feature_key, enabled, expires_at, updated_at)
		values ($1, $2, $3, $4, $5)
		on conflict (tenant_id, feature_key) do update
		set enabled = excluded.enabled,
		    expires_at = excluded.expires_at,
		    updated_at = excluded.updated_at
	`, o.TenantID, o.FeatureKey, o.Enabled, nullTime(o.ExpiresAt), updated)
	if isForeignKeyViolation(err) {
		return fmt.Errorf("%w: tenant %s", entitlement.ErrNotFound, o.TenantID)
	}
	return err
}

func (s *Store) ClearOverride(ctx context.Context, tenantID, featureKey string) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		delete from tenant_feature_overrides
		where tenant_id = $1 and feature_key = $2
	`, tenantID, featureKey)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return entitlement.ErrNotFound
	}
	return nil
}
