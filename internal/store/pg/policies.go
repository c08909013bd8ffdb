package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"canteiro.app/internal/policy"
	"canteiro.app/internal/security"
)

var _ policy.Store = (*Store)(nil)

const policyColumns = `id, name, description, enabled, event_type, severity, window_seconds, threshold,
	grouping, action_type, action_params, cooldown_seconds, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPolicy(row rowScanner) (policy.Policy, error) {
	var (
		p                             policy.Policy
		eventType, severity, grouping string
		action                        sql.NullString
		params                        []byte
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Enabled, &eventType, &severity,
		&p.WindowSeconds, &p.Threshold, &grouping, &action, &params, &p.CooldownSeconds,
		&p.CreatedAt, &p.UpdatedAt); err != nil {
		return policy.Policy{}, err
	}
	p.EventType = security.EventType(eventType)
	p.Severity = security.Severity(severity)
	p.Grouping = security.Grouping(grouping)
	p.ActionType = security.ActionType(action.String)
	var err error
	if p.ActionParams, err = unmarshalMap(params); err != nil {
		return policy.Policy{}, err
	}
	return p, nil
}

func (s *Store) CreatePolicy(ctx context.Context, p policy.Policy) error {
	if s.db == nil {
		return errNoDB
	}
	params, err := marshalJSON(p.ActionParams)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into security_policies (`+policyColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, p.ID, p.Name, p.Description, p.Enabled, string(p.EventType), string(p.Severity),
		p.WindowSeconds, p.Threshold, string(p.Grouping), nullIfEmpty(string(p.ActionType)), params,
		p.CooldownSeconds, p.CreatedAt, p.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: policy %q already exists", policy.ErrConflict, p.Name)
	}
	return err
}

func (s *Store) UpdatePolicy(ctx context.Context, p policy.Policy) error {
	if s.db == nil {
		return errNoDB
	}
	params, err := marshalJSON(p.ActionParams)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		update security_policies
		set name = $2, description = $3, enabled = $4, event_type = $5, severity = $6,
		    window_seconds = $7, threshold = $8, grouping = $9, action_type = $10,
		    action_params = $11, cooldown_seconds = $12, updated_at = $13
		where id = $1
	`, p.ID, p.Name, p.Description, p.Enabled, string(p.EventType), string(p.Severity),
		p.WindowSeconds, p.Threshold, string(p.Grouping), nullIfEmpty(string(p.ActionType)), params,
		p.CooldownSeconds, p.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: policy %q already exists", policy.ErrConflict, p.Name)
	}
	if err != nil {
		return err
	}
	return expectOne(res, policy.ErrNotFound)
}

func (s *Store) GetPolicy(ctx context.Context, id string) (policy.Policy, error) {
	if s.db == nil {
		return policy.Policy{}, errNoDB
	}
	p, err := scanPolicy(s.db.QueryRowContext(ctx, `select `+policyColumns+` from security_policies where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return policy.Policy{}, policy.ErrNotFound
	}
	return p, err
}

func (s *Store) GetPolicyByName(ctx context.Context, name string) (policy.Policy, error) {
	if s.db == nil {
		return policy.Policy{}, errNoDB
	}
	p, err := scanPolicy(s.db.QueryRowContext(ctx, `select `+policyColumns+` from security_policies where name = $1`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return policy.Policy{}, policy.ErrNotFound
	}
	return p, err
}

func (s *Store) ListPolicies(ctx context.Context) ([]policy.Policy, error) {
	return s.queryPolicies(ctx, `select `+policyColumns+` from security_policies order by name`)
}

func (s *Store) EnabledPolicies(ctx context.Context) ([]policy.Policy, error) {
	return s.queryPolicies(ctx, `select `+policyColumns+` from security_policies where enabled order by name`)
}

func (s *Store) queryPolicies(ctx context.Context, query string, args ...any) ([]policy.Policy, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []policy.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) SetPolicyEnabled(ctx context.Context, id string, enabled bool, at time.Time) (policy.Policy, error) {
	if s.db == nil {
		return policy.Policy{}, errNoDB
	}
	p, err := scanPolicy(s.db.QueryRowContext(ctx, `
		update security_policies
		set enabled = $2, updated_at = $3
		where id = $1
		returning `+policyColumns, id, enabled, at))
	if errors.Is(err, sql.ErrNoRows) {
		return policy.Policy{}, policy.ErrNotFound
	}
	return p, err
}

func (s *Store) LastIncidentAt(ctx context.Context, policyID, groupKey string) (time.Time, bool, error) {
	if s.db == nil {
		return time.Time{}, false, errNoDB
	}
	var last sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		select max(created_at)
		from security_incidents
		where policy_id = $1 and group_key = $2
	`, policyID, groupKey).Scan(&last)
	if err != nil {
		return time.Time{}, false, err
	}
	return last.Time, last.Valid, nil
}

// CreateIncident inserts the incident. The unique index on
// (policy_id, group_key, cooldown_bucket) turns concurrent duplicates into
// ErrCooldownActive.
func (s *Store) CreateIncident(ctx context.Context, inc policy.Incident, bucket *int64) error {
	if s.db == nil {
		return errNoDB
	}
	evidence, err := json.Marshal(inc.EvidenceEventIDs)
	if err != nil {
		return fmt.Errorf("encode evidence: %w", err)
	}
	var b sql.NullInt64
	if bucket != nil {
		b = sql.NullInt64{Int64: *bucket, Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		insert into security_incidents (
			id, tenant_id, policy_id, severity, status, summary, group_key, evidence_event_ids,
			first_seen, last_seen, cooldown_bucket, created_at, updated_at
		) values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, inc.ID, nullIfEmpty(inc.TenantID), inc.PolicyID, string(inc.Severity), string(inc.Status),
		inc.Summary, inc.GroupKey, evidence, inc.FirstSeen, inc.LastSeen, b, inc.CreatedAt, inc.UpdatedAt)
	if isUniqueViolation(err) {
		return policy.ErrCooldownActive
	}
	return err
}

func (s *Store) AttachAction(ctx context.Context, incidentID, actionLogID string) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		update security_incidents set action_log_id = $2 where id = $1
	`, incidentID, actionLogID)
	if err != nil {
		return err
	}
	return expectOne(res, policy.ErrNotFound)
}

const incidentColumns = `id, tenant_id, policy_id, severity, status, summary, group_key, evidence_event_ids,
	first_seen, last_seen, action_log_id, created_at, updated_at`

func scanIncident(row rowScanner) (policy.Incident, error) {
	var (
		inc              policy.Incident
		tenant, action   sql.NullString
		severity, status string
		evidence         []byte
	)
	if err := row.Scan(&inc.ID, &tenant, &inc.PolicyID, &severity, &status, &inc.Summary, &inc.GroupKey,
		&evidence, &inc.FirstSeen, &inc.LastSeen, &action, &inc.CreatedAt, &inc.UpdatedAt); err != nil {
		return policy.Incident{}, err
	}
	inc.TenantID = tenant.String
	inc.ActionLogID = action.String
	inc.Severity = security.Severity(severity)
	inc.Status = policy.IncidentStatus(status)
	if len(evidence) > 0 {
		if err := json.Unmarshal(evidence, &inc.EvidenceEventIDs); err != nil {
			return policy.Incident{}, fmt.Errorf("decode evidence: %w", err)
		}
	}
	return inc, nil
}

func (s *Store) GetIncident(ctx context.Context, id string) (policy.Incident, error) {
	if s.db == nil {
		return policy.Incident{}, errNoDB
	}
	inc, err := scanIncident(s.db.QueryRowContext(ctx, `select `+incidentColumns+` from security_incidents where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return policy.Incident{}, policy.ErrNotFound
	}
	return inc, err
}

func (s *Store) ListIncidents(ctx context.Context, f policy.IncidentFilter) ([]policy.Incident, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.PolicyID != "" {
		args = append(args, f.PolicyID)
		where = append(where, fmt.Sprintf("policy_id = $%d", len(args)))
	}
	if f.TenantID != "" {
		args = append(args, f.TenantID)
		where = append(where, fmt.Sprintf("tenant_id = $%d", len(args)))
	}
	query := `select ` + incidentColumns + ` from security_incidents`
	if len(where) > 0 {
		query += ` where ` + strings.Join(where, " and ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(` order by created_at desc limit $%d`, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []policy.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

// TransitionIncident is a conditional update on the current status.
func (s *Store) TransitionIncident(ctx context.Context, id string, from, to policy.IncidentStatus, at time.Time) (policy.Incident, error) {
	if s.db == nil {
		return policy.Incident{}, errNoDB
	}
	inc, err := scanIncident(s.db.QueryRowContext(ctx, `
		update security_incidents
		set status = $3, updated_at = $4
		where id = $1 and status = $2
		returning `+incidentColumns, id, string(from), string(to), at))
	if errors.Is(err, sql.ErrNoRows) {
		return policy.Incident{}, fmt.Errorf("%w: incident %s is no longer %s", policy.ErrInvalidTransition, id, from)
	}
	return inc, err
}

func expectOne(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
