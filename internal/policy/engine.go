package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"canteiro.app/internal/enforce"
	"canteiro.app/internal/events"
	"canteiro.app/internal/ids"
	"canteiro.app/internal/obs"
	"canteiro.app/internal/security"
)

const maxEvidence = 200

// ActionApplier is satisfied by *enforce.Enforcer.
type ActionApplier interface {
	ApplyAction(ctx context.Context, req enforce.ApplyRequest) (string, error)
}

// Engine evaluates threshold policies over recent security events.
type Engine struct {
	store    EngineStore
	enforcer ActionApplier
	now      func() time.Time
	tracer   trace.Tracer
}

type EngineOption func(*Engine)

func WithEngineClock(fn func() time.Time) EngineOption {
	return func(e *Engine) {
		if fn != nil {
			e.now = fn
		}
	}
}

func NewEngine(store EngineStore, enforcer ActionApplier, opts ...EngineOption) *Engine {
	e := &Engine{
		store:    store,
		enforcer: enforcer,
		now:      time.Now,
		tracer:   otel.Tracer("canteiro.app/internal/policy"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// EvaluateAllPolicies evaluates every enabled policy independently. Errors of
// one policy do not stop the others; they are joined into the returned error.
func (e *Engine) EvaluateAllPolicies(ctx context.Context) ([]Evaluation, error) {
	ctx, span := e.tracer.Start(ctx, "policy.EvaluateAll")
	defer span.End()

	policies, err := e.store.EnabledPolicies(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("load policies: %w", err)
	}
	out := make([]Evaluation, 0, len(policies))
	var errs []error
	for _, p := range policies {
		ev, err := e.EvaluatePolicy(ctx, p)
		if err != nil {
			errs = append(errs, fmt.Errorf("policy %s: %w", p.Name, err))
		}
		out = append(out, ev)
	}
	span.SetAttributes(attribute.Int("policy.count", len(policies)))
	if len(errs) > 0 {
		err := errors.Join(errs...)
		span.SetStatus(codes.Error, err.Error())
		return out, err
	}
	return out, nil
}

// group is the set of events sharing one grouping key.
type group struct {
	key    string
	target security.Target
	events []events.Event
}

// EvaluatePolicy counts the policy's events inside its window per group. The
// first group at or above threshold that is not cooling down opens an
// incident and, when the policy names an action, installs it on the group's
// target. Groups in cooldown are reported as suppressed.
func (e *Engine) EvaluatePolicy(ctx context.Context, p Policy) (Evaluation, error) {
	ctx, span := e.tracer.Start(ctx, "policy.Evaluate", trace.WithAttributes(
		attribute.String("policy.id", p.ID),
		attribute.String("policy.name", p.Name),
		attribute.String("policy.grouping", string(p.Grouping)),
	))
	defer span.End()

	res := Evaluation{PolicyID: p.ID, PolicyName: p.Name}
	ev, err := e.evaluate(ctx, p, res)
	outcome := "idle"
	switch {
	case err != nil:
		outcome = "error"
		span.SetStatus(codes.Error, err.Error())
	case ev.Suppressed:
		outcome = "suppressed"
	case ev.Triggered:
		outcome = "triggered"
	}
	obs.PolicyEvaluations.WithLabelValues(p.Name, outcome).Inc()
	span.SetAttributes(attribute.String("policy.outcome", outcome), attribute.Int("policy.count", ev.Count))
	return ev, err
}

func (e *Engine) evaluate(ctx context.Context, p Policy, res Evaluation) (Evaluation, error) {
	if p.WindowSeconds <= 0 || p.Threshold <= 0 {
		return res, fmt.Errorf("%w: window and threshold must be positive", ErrInvalidInput)
	}
	now := e.now().UTC()
	evs, err := e.store.EventsSince(ctx, p.EventType, now.Add(-p.Window()))
	if err != nil {
		return res, fmt.Errorf("load events: %w", err)
	}
	groups, err := partition(p.Grouping, evs)
	if err != nil {
		return res, err
	}

	for _, g := range groups {
		if len(g.events) > res.Count {
			res.Count = len(g.events)
		}
	}
	for _, g := range groups {
		if len(g.events) < p.Threshold {
			continue
		}
		res.Triggered = true
		res.Count = len(g.events)
		res.GroupKey = g.key

		cooling, err := e.inCooldown(ctx, p, g.key, now)
		if err != nil {
			return res, err
		}
		if cooling {
			res.Suppressed = true
			continue
		}
		inc := newIncident(p, g, now)
		if err := e.store.CreateIncident(ctx, inc, cooldownBucket(p, now)); err != nil {
			if errors.Is(err, ErrCooldownActive) {
				res.Suppressed = true
				continue
			}
			return res, fmt.Errorf("create incident: %w", err)
		}
		res.Suppressed = false
		res.IncidentID = inc.ID
		obs.Info("incident opened", map[string]any{
			"incident_id": inc.ID,
			"policy":      p.Name,
			"group_key":   g.key,
			"count":       len(g.events),
			"tenant_id":   inc.TenantID,
		})

		if p.ActionType == "" {
			return res, nil
		}
		actionID, err := e.enforcer.ApplyAction(ctx, enforce.ApplyRequest{
			Action:     p.ActionType,
			Target:     g.target,
			Params:     p.ActionParams,
			Reason:     fmt.Sprintf("policy %s: %s", p.Name, inc.Summary),
			CreatedBy:  enforce.CreatedBySystem,
			IncidentID: inc.ID,
		})
		if err != nil {
			return res, fmt.Errorf("apply %s to %s: %w", p.ActionType, g.target, err)
		}
		res.ActionLogID = actionID
		if err := e.store.AttachAction(ctx, inc.ID, actionID); err != nil {
			obs.Warn("incident action link not stored", map[string]any{
				"incident_id":   inc.ID,
				"action_log_id": actionID,
				"error":         err,
			})
		}
		return res, nil
	}
	return res, nil
}

func (e *Engine) inCooldown(ctx context.Context, p Policy, groupKey string, now time.Time) (bool, error) {
	if p.CooldownSeconds <= 0 {
		return false, nil
	}
	last, ok, err := e.store.LastIncidentAt(ctx, p.ID, groupKey)
	if err != nil {
		return false, fmt.Errorf("load last incident: %w", err)
	}
	return ok && now.Sub(last) < p.Cooldown(), nil
}

// cooldownBucket partitions time into cooldown-sized slots so that concurrent
// evaluations racing on the same group collide on a unique key.
func cooldownBucket(p Policy, now time.Time) *int64 {
	if p.CooldownSeconds <= 0 {
		return nil
	}
	b := now.Unix() / int64(p.CooldownSeconds)
	return &b
}

// partition groups events by the policy's strategy, keeping the order in
// which each group was first seen. Events without a usable key are skipped.
func partition(g security.Grouping, evs []events.Event) ([]*group, error) {
	var order []*group
	index := make(map[string]*group)
	for _, ev := range evs {
		key, target, ok, err := groupKey(g, ev)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		grp, seen := index[key]
		if !seen {
			grp = &group{key: key, target: target}
			index[key] = grp
			order = append(order, grp)
		}
		grp.events = append(grp.events, ev)
	}
	return order, nil
}

func groupKey(g security.Grouping, ev events.Event) (string, security.Target, bool, error) {
	switch g {
	case security.GroupByIP:
		if ev.IPHash == "" {
			return "", security.Target{}, false, nil
		}
		return ev.IPHash, security.Target{Type: security.TargetIP, ID: ev.IPHash}, true, nil
	case security.GroupByActor:
		if ev.ActorID == "" {
			return "", security.Target{}, false, nil
		}
		return ev.ActorID, security.Target{Type: security.TargetTenantUser, ID: ev.ActorID}, true, nil
	case security.GroupByTenant:
		if ev.TenantID == "" {
			return "", security.Target{}, false, nil
		}
		return ev.TenantID, security.Target{Type: security.TargetTenant, ID: ev.TenantID}, true, nil
	case security.GroupByIPOrActor:
		if ev.ActorID != "" {
			return "actor:" + ev.ActorID, security.Target{Type: security.TargetTenantUser, ID: ev.ActorID}, true, nil
		}
		if ev.IPHash != "" {
			return "ip:" + ev.IPHash, security.Target{Type: security.TargetIP, ID: ev.IPHash}, true, nil
		}
		return "", security.Target{}, false, nil
	default:
		return "", security.Target{}, false, fmt.Errorf("%w: unknown grouping %q", ErrInvalidInput, g)
	}
}

func newIncident(p Policy, g *group, now time.Time) Incident {
	first, last := g.events[0].CreatedAt, g.events[0].CreatedAt
	tenant := g.events[0].TenantID
	evidence := make([]string, 0, min(len(g.events), maxEvidence))
	for _, ev := range g.events {
		if ev.CreatedAt.Before(first) {
			first = ev.CreatedAt
		}
		if ev.CreatedAt.After(last) {
			last = ev.CreatedAt
		}
		if ev.TenantID != tenant {
			tenant = ""
		}
		if len(evidence) < maxEvidence {
			evidence = append(evidence, ev.ID)
		}
	}
	return Incident{
		ID:               ids.NewAt(now),
		TenantID:         tenant,
		PolicyID:         p.ID,
		Severity:         p.Severity,
		Status:           IncidentOpen,
		Summary:          summary(p, g),
		GroupKey:         g.key,
		EvidenceEventIDs: evidence,
		FirstSeen:        first,
		LastSeen:         last,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func summary(p Policy, g *group) string {
	subject := strings.ToLower(string(g.target.Type))
	return fmt.Sprintf("%d %s events from %s %s within %ds (threshold %d)",
		len(g.events), p.EventType, subject, shortKey(g.target.ID), p.WindowSeconds, p.Threshold)
}

func shortKey(k string) string {
	if len(k) > 16 {
		return k[:16]
	}
	return k
}
