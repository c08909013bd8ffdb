package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"canteiro.app/internal/enforce"
	"canteiro.app/internal/security"
)

var _ enforce.Store = (*Store)(nil)

const actionColumns = `id, action_type, target_type, target_id, scope, params, reason, status, created_by,
	incident_id, applied_at, expires_at, ended_at, ended_by, end_reason`

func scanAction(row rowScanner) (enforce.ActionLog, error) {
	var (
		l                         enforce.ActionLog
		action, target, status    string
		incident, endedBy, endWhy sql.NullString
		ended                     sql.NullTime
		params                    []byte
	)
	if err := row.Scan(&l.ID, &action, &target, &l.TargetID, &l.Scope, &params, &l.Reason, &status,
		&l.CreatedBy, &incident, &l.AppliedAt, &l.ExpiresAt, &ended, &endedBy, &endWhy); err != nil {
		return enforce.ActionLog{}, err
	}
	l.ActionType = security.ActionType(action)
	l.TargetType = security.TargetType(target)
	l.Status = enforce.Status(status)
	l.IncidentID = incident.String
	l.EndedAt = timePtr(ended)
	l.EndedBy = endedBy.String
	l.EndReason = endWhy.String
	var err error
	if l.Params, err = unmarshalMap(params); err != nil {
		return enforce.ActionLog{}, err
	}
	return l, nil
}

// RecordAction writes the log and, under a savepoint, its state row in one
// transaction. A failed state insert rolls back to the savepoint and the log
// still commits.
func (s *Store) RecordAction(ctx context.Context, l enforce.ActionLog, st enforce.State) error {
	if s.db == nil {
		return errNoDB
	}
	params, err := marshalJSON(l.Params)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into security_action_logs (
			id, action_type, target_type, target_id, scope, params, reason, status,
			created_by, incident_id, applied_at, expires_at
		) values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, l.ID, string(l.ActionType), string(l.TargetType), l.TargetID, l.Scope, params, l.Reason,
		string(l.Status), l.CreatedBy, nullIfEmpty(l.IncidentID), l.AppliedAt, l.ExpiresAt); err != nil {
		return fmt.Errorf("insert action log: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `savepoint enforcement_state`); err != nil {
		return err
	}
	_, stateErr := tx.ExecContext(ctx, `
		insert into security_enforcement_state (
			action_log_id, target_type, target_id, scope, action_type, params, reason, applied_at, expires_at
		) values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, st.ActionLogID, string(st.Target.Type), st.Target.ID, st.Scope, string(st.ActionType), params,
		st.Reason, st.AppliedAt, st.ExpiresAt)
	if stateErr != nil {
		if _, err := tx.ExecContext(ctx, `rollback to savepoint enforcement_state`); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if stateErr != nil {
		return fmt.Errorf("%w: %v", enforce.ErrStateOutOfSync, stateErr)
	}
	return nil
}

func (s *Store) FindState(ctx context.Context, target security.Target, action security.ActionType, scope string, now time.Time) (enforce.State, error) {
	if s.db == nil {
		return enforce.State{}, errNoDB
	}
	var (
		st     enforce.State
		params []byte
	)
	err := s.db.QueryRowContext(ctx, `
		select action_log_id, scope, params, reason, applied_at, expires_at
		from security_enforcement_state
		where target_type = $1 and target_id = $2 and action_type = $3
		  and (scope = $4 or scope = '*')
		  and expires_at > $5
		order by expires_at desc
		limit 1
	`, string(target.Type), target.ID, string(action), scope, now).Scan(
		&st.ActionLogID, &st.Scope, &params, &st.Reason, &st.AppliedAt, &st.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return enforce.State{}, enforce.ErrNotFound
	}
	if err != nil {
		return enforce.State{}, err
	}
	st.Target = target
	st.ActionType = action
	if st.Params, err = unmarshalMap(params); err != nil {
		return enforce.State{}, err
	}
	return st, nil
}

// RevokeAction reverts an applied action and removes its state row in one
// transaction. A failed delete rolls back to a savepoint; the revert commits
// and ErrStateOutOfSync is returned alongside the log.
func (s *Store) RevokeAction(ctx context.Context, id, by, reason string, at time.Time) (enforce.ActionLog, error) {
	if s.db == nil {
		return enforce.ActionLog{}, errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return enforce.ActionLog{}, err
	}
	defer func() { _ = tx.Rollback() }()

	l, err := scanAction(tx.QueryRowContext(ctx, `
		update security_action_logs
		set status = 'REVERTED', ended_at = $2, ended_by = $3, end_reason = $4
		where id = $1 and status = 'APPLIED'
		returning `+actionColumns, id, at, nullIfEmpty(by), nullIfEmpty(reason)))
	if errors.Is(err, sql.ErrNoRows) {
		return enforce.ActionLog{}, enforce.ErrNotFound
	}
	if err != nil {
		return enforce.ActionLog{}, err
	}

	if _, err := tx.ExecContext(ctx, `savepoint enforcement_state`); err != nil {
		return enforce.ActionLog{}, err
	}
	_, stateErr := tx.ExecContext(ctx, `delete from security_enforcement_state where action_log_id = $1`, id)
	if stateErr != nil {
		if _, err := tx.ExecContext(ctx, `rollback to savepoint enforcement_state`); err != nil {
			return enforce.ActionLog{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return enforce.ActionLog{}, err
	}
	if stateErr != nil {
		return l, fmt.Errorf("%w: %v", enforce.ErrStateOutOfSync, stateErr)
	}
	return l, nil
}

func (s *Store) ExpireActions(ctx context.Context, now time.Time) (int, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		update security_action_logs
		set status = 'EXPIRED', ended_at = $1, ended_by = 'system', end_reason = 'expired'
		where status = 'APPLIED' and expires_at <= $1
	`, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `delete from security_enforcement_state where expires_at <= $1`, now); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *Store) GetAction(ctx context.Context, id string) (enforce.ActionLog, error) {
	if s.db == nil {
		return enforce.ActionLog{}, errNoDB
	}
	l, err := scanAction(s.db.QueryRowContext(ctx, `select `+actionColumns+` from security_action_logs where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return enforce.ActionLog{}, enforce.ErrNotFound
	}
	return l, err
}

func (s *Store) ListActions(ctx context.Context, f enforce.ActionFilter) ([]enforce.ActionLog, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	var (
		where []string
		args  []any
	)
	if f.Target.Type != "" {
		args = append(args, string(f.Target.Type))
		where = append(where, fmt.Sprintf("target_type = $%d", len(args)))
	}
	if f.Target.ID != "" {
		args = append(args, f.Target.ID)
		where = append(where, fmt.Sprintf("target_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	query := `select ` + actionColumns + ` from security_action_logs`
	if len(where) > 0 {
		query += ` where ` + strings.Join(where, " and ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(` order by applied_at desc limit $%d`, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []enforce.ActionLog
	for rows.Next() {
		l, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
