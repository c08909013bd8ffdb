package enforce

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"canteiro.app/internal/events"
	"canteiro.app/internal/ids"
	"canteiro.app/internal/obs"
	"canteiro.app/internal/security"
)

// Enforcer installs, looks up, revokes and expires enforcement actions.
type Enforcer struct {
	store  Store
	events events.Sink
	now    func() time.Time
}

type Option func(*Enforcer)

func WithClock(fn func() time.Time) Option {
	return func(e *Enforcer) {
		if fn != nil {
			e.now = fn
		}
	}
}

func NewEnforcer(store Store, sink events.Sink, opts ...Option) *Enforcer {
	e := &Enforcer{store: store, events: sink, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ApplyAction records the action and its state and returns the action log id.
// A failing log write aborts; a failing state write is logged and the id is
// still returned.
func (e *Enforcer) ApplyAction(ctx context.Context, req ApplyRequest) (string, error) {
	if !req.Action.Valid() {
		return "", fmt.Errorf("%w: unknown action type %q", ErrInvalidInput, req.Action)
	}
	req.Target.ID = strings.TrimSpace(req.Target.ID)
	if err := req.Target.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if strings.TrimSpace(req.CreatedBy) == "" {
		req.CreatedBy = CreatedBySystem
	}
	now := e.now().UTC()
	expiresAt, err := ExpiryFor(req.Action, req.Params, now)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	scope := ScopeFor(req.Action, req.Params)

	log := ActionLog{
		ID:         ids.NewAt(now),
		ActionType: req.Action,
		TargetType: req.Target.Type,
		TargetID:   req.Target.ID,
		Scope:      scope,
		Params:     req.Params,
		Reason:     strings.TrimSpace(req.Reason),
		Status:     StatusApplied,
		CreatedBy:  req.CreatedBy,
		IncidentID: req.IncidentID,
		AppliedAt:  now,
		ExpiresAt:  expiresAt,
	}
	state := State{
		ActionLogID: log.ID,
		ActionType:  log.ActionType,
		Target:      req.Target,
		Scope:       scope,
		Params:      req.Params,
		Reason:      log.Reason,
		AppliedAt:   now,
		ExpiresAt:   expiresAt,
	}

	if err := e.store.RecordAction(ctx, log, state); err != nil {
		if !errors.Is(err, ErrStateOutOfSync) {
			obs.EnforcementActions.WithLabelValues(string(req.Action), "failed").Inc()
			return "", fmt.Errorf("record action: %w", err)
		}
		obs.Error("enforcement state not written", map[string]any{
			"action_log_id": log.ID,
			"action":        log.ActionType,
			"target":        req.Target.String(),
			"error":         err,
		})
	}
	obs.EnforcementActions.WithLabelValues(string(req.Action), "applied").Inc()
	e.emit(ctx, security.EventActionApplied, log, "")
	return log.ID, nil
}

// Lookup returns the active state of one action on target, or nil.
func (e *Enforcer) Lookup(ctx context.Context, target security.Target, action security.ActionType, scope string) (*State, error) {
	st, err := e.store.FindState(ctx, target, action, scope, e.now().UTC())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &st, nil
}

// CheckEnforcement returns the first active state on target, checking a
// temporary lock, then a rate limit for scope when one is given, then a
// re-authentication requirement. It returns nil when nothing applies.
func (e *Enforcer) CheckEnforcement(ctx context.Context, target security.Target, scope string) (*State, error) {
	st, err := e.Lookup(ctx, target, security.ActionLockUserTemp, "")
	if err != nil || st != nil {
		return st, err
	}
	if scope != "" {
		st, err = e.Lookup(ctx, target, security.ActionRateLimit, scope)
		if err != nil || st != nil {
			return st, err
		}
	}
	return e.Lookup(ctx, target, security.ActionRequireReauth, "")
}

// RevokeAction ends an applied action. It reports false with ErrNotFound when
// no applied action has that id.
func (e *Enforcer) RevokeAction(ctx context.Context, id, reason, revokedBy string) (bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return false, fmt.Errorf("%w: action id is required", ErrInvalidInput)
	}
	log, err := e.store.RevokeAction(ctx, id, strings.TrimSpace(revokedBy), strings.TrimSpace(reason), e.now().UTC())
	if err != nil && !errors.Is(err, ErrStateOutOfSync) {
		return false, err
	}
	if err != nil {
		obs.Error("enforcement state not removed on revoke", map[string]any{
			"action_log_id": id,
			"error":         err,
		})
	}
	obs.EnforcementActions.WithLabelValues(string(log.ActionType), "revoked").Inc()
	e.emit(ctx, security.EventActionRevoked, log, revokedBy)
	return true, nil
}

// CleanupExpired expires lapsed actions and their state rows.
func (e *Enforcer) CleanupExpired(ctx context.Context) (int, error) {
	n, err := e.store.ExpireActions(ctx, e.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("expire actions: %w", err)
	}
	if n > 0 {
		obs.EnforcementActions.WithLabelValues("any", "expired").Add(float64(n))
		obs.Info("expired enforcement actions", map[string]any{"count": n})
	}
	return n, nil
}

func (e *Enforcer) GetAction(ctx context.Context, id string) (ActionLog, error) {
	return e.store.GetAction(ctx, strings.TrimSpace(id))
}

func (e *Enforcer) ListActions(ctx context.Context, f ActionFilter) ([]ActionLog, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	return e.store.ListActions(ctx, f)
}

func (e *Enforcer) emit(ctx context.Context, typ security.EventType, log ActionLog, by string) {
	if e.events == nil {
		return
	}
	in := events.Input{
		Type:     typ,
		ActorID:  log.CreatedBy,
		Metadata: map[string]any{"action_log_id": log.ID, "action": log.ActionType, "target_type": log.TargetType},
	}
	if by != "" {
		in.ActorID = by
	}
	if in.ActorID == CreatedBySystem {
		in.ActorType = security.ActorSystem
	}
	switch log.TargetType {
	case security.TargetTenant:
		in.TenantID = log.TargetID
	case security.TargetIP:
		in.IPHash = log.TargetID
	case security.TargetTenantUser:
		in.Metadata["target_user"] = log.TargetID
	}
	e.events.Emit(ctx, in)
}
