package enforce

import (
	"context"
	"time"

	"canteiro.app/internal/identity"
	"canteiro.app/internal/obs"
	"canteiro.app/internal/security"
)

// StateChecker is satisfied by *Enforcer.
type StateChecker interface {
	CheckEnforcement(ctx context.Context, target security.Target, scope string) (*State, error)
}

// BlockResult is the outcome of an enforcement check on one target.
type BlockResult struct {
	Blocked     bool                `json:"blocked"`
	Reason      string              `json:"reason,omitempty"`
	Action      security.ActionType `json:"action,omitempty"`
	Target      security.Target     `json:"target"`
	Scope       string              `json:"scope,omitempty"`
	ActionLogID string              `json:"action_log_id,omitempty"`
	ExpiresAt   time.Time           `json:"expires_at,omitempty"`
	RetryAfter  int64               `json:"retry_after,omitempty"`
}

// Checker answers "is this request blocked" for users, addresses and tenants.
// Lookup errors are logged and treated as not blocked.
type Checker struct {
	states StateChecker
	now    func() time.Time
}

func NewChecker(states StateChecker, opts ...CheckerOption) *Checker {
	c := &Checker{states: states, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type CheckerOption func(*Checker)

func WithCheckerClock(fn func() time.Time) CheckerOption {
	return func(c *Checker) {
		if fn != nil {
			c.now = fn
		}
	}
}

func (c *Checker) CheckUserEnforcement(ctx context.Context, userID, scope string) BlockResult {
	return c.check(ctx, security.Target{Type: security.TargetTenantUser, ID: userID}, scope)
}

func (c *Checker) CheckIPEnforcement(ctx context.Context, ipHash, scope string) BlockResult {
	return c.check(ctx, security.Target{Type: security.TargetIP, ID: ipHash}, scope)
}

func (c *Checker) CheckTenantEnforcement(ctx context.Context, tenantID, scope string) BlockResult {
	return c.check(ctx, security.Target{Type: security.TargetTenant, ID: tenantID}, scope)
}

func (c *Checker) check(ctx context.Context, target security.Target, scope string) BlockResult {
	res := BlockResult{Target: target, Scope: scope}
	if target.ID == "" {
		return res
	}
	st, err := c.states.CheckEnforcement(ctx, target, scope)
	if err != nil {
		obs.Warn("enforcement lookup failed, allowing", map[string]any{
			"target": target.String(),
			"error":  err,
		})
		obs.EnforcementBlocks.WithLabelValues("lookup_error", string(target.Type)).Inc()
		return res
	}
	if st == nil || reauthSatisfied(ctx, target, st) {
		return res
	}
	now := c.now()
	res.Blocked = true
	res.Reason = st.Reason
	res.Action = st.ActionType
	res.ActionLogID = st.ActionLogID
	res.ExpiresAt = st.ExpiresAt
	res.RetryAfter = retryAfterSeconds(st.ExpiresAt, now)
	if st.Scope != "" {
		res.Scope = st.Scope
	}
	obs.EnforcementBlocks.WithLabelValues(string(st.ActionType), string(target.Type)).Inc()
	return res
}

// reauthSatisfied reports whether the caller authenticated again after a
// REQUIRE_REAUTH action was installed on their user.
func reauthSatisfied(ctx context.Context, target security.Target, st *State) bool {
	if st.ActionType != security.ActionRequireReauth || target.Type != security.TargetTenantUser {
		return false
	}
	id, ok := identity.FromContext(ctx)
	if !ok || id.UserID != target.ID || id.IssuedAt.IsZero() {
		return false
	}
	return id.IssuedAt.After(st.AppliedAt)
}

// retryAfterSeconds is ceil((expiresAt-now) in ms / 1000), never negative.
func retryAfterSeconds(expiresAt, now time.Time) int64 {
	ms := expiresAt.Sub(now).Milliseconds()
	if ms <= 0 {
		return 0
	}
	return (ms + 999) / 1000
}

// CreateEnforcementError maps a blocked result onto its typed error. It
// returns nil for results that are not blocked.
func CreateEnforcementError(res BlockResult) *security.Error {
	if !res.Blocked {
		return nil
	}
	retry := time.Duration(res.RetryAfter) * time.Second
	switch res.Action {
	case security.ActionLockUserTemp:
		return security.AccountLocked(res.Reason, res.ExpiresAt, retry)
	case security.ActionRateLimit:
		return security.RateLimitExceeded(res.Reason, res.ExpiresAt, retry)
	case security.ActionRequireReauth:
		return security.ReauthRequired(res.Reason)
	default:
		return security.GuardUnavailable("enforcement", nil)
	}
}
