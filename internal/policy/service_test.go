package policy

import (
	"context"
	"errors"
	"testing"
	"time"

	"canteiro.app/internal/security"
)

func newTestService(t *testing.T, store *memStore) *Service {
	t.Helper()
	engine := NewEngine(store, &recordingApplier{}, WithEngineClock(func() time.Time { return baseTime }))
	svc, err := NewService(store, engine, WithClock(func() time.Time { return baseTime }))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func TestNormalizeValidation(t *testing.T) {
	valid := Policy{Name: " p ", EventType: "login_failed", WindowSeconds: 60, Threshold: 3, Grouping: "ip", ActionType: "rate_limit"}
	p, err := Normalize(valid)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if p.Name != "p" || p.EventType != security.EventLoginFailed || p.Grouping != security.GroupByIP ||
		p.ActionType != security.ActionRateLimit || p.Severity != security.SeverityMedium {
		t.Fatalf("unexpected normalisation %+v", p)
	}

	bad := []func(*Policy){
		func(p *Policy) { p.Name = "" },
		func(p *Policy) { p.EventType = "NOPE" },
		func(p *Policy) { p.WindowSeconds = 0 },
		func(p *Policy) { p.Threshold = 0 },
		func(p *Policy) { p.CooldownSeconds = -1 },
		func(p *Policy) { p.Grouping = "COUNTRY" },
		func(p *Policy) { p.ActionType = "BAN" },
		func(p *Policy) { p.Severity = "EXTREME" },
		func(p *Policy) { p.ActionType = security.ActionLockUserTemp },
		func(p *Policy) { p.WindowSeconds = MaxWindowSeconds + 1 },
		func(p *Policy) { p.CooldownSeconds = MaxCooldownSeconds + 1 },
		func(p *Policy) { p.ActionParams = map[string]any{"durationHours": 1e12} },
		func(p *Policy) {
			p.Grouping = security.GroupByActor
			p.ActionType = security.ActionLockUserTemp
			p.ActionParams = map[string]any{"durationMinutes": 1e12}
		},
	}
	edge := valid
	edge.WindowSeconds = MaxWindowSeconds
	edge.CooldownSeconds = MaxCooldownSeconds
	if _, err := Normalize(edge); err != nil {
		t.Fatalf("bounds should be accepted: %v", err)
	}

	for i, mutate := range bad {
		p := valid
		mutate(&p)
		if _, err := Normalize(p); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("case %d: expected ErrInvalidInput, got %v", i, err)
		}
	}
}

func TestServiceCreateUpdateDisable(t *testing.T) {
	store := newMemStore()
	svc := newTestService(t, store)
	ctx := context.Background()

	created, err := svc.Create(ctx, DefaultPolicies()[0])
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.ID == "" || !created.CreatedAt.Equal(baseTime) {
		t.Fatalf("unexpected policy %+v", created)
	}
	if _, err := svc.Create(ctx, DefaultPolicies()[0]); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict on duplicate name, got %v", err)
	}

	upd := created
	upd.Threshold = 25
	updated, err := svc.Update(ctx, created.ID, upd)
	if err != nil || updated.Threshold != 25 || updated.ID != created.ID {
		t.Fatalf("Update: %+v %v", updated, err)
	}

	disabled, err := svc.SetEnabled(ctx, created.ID, false)
	if err != nil || disabled.Enabled {
		t.Fatalf("SetEnabled: %+v %v", disabled, err)
	}
	if enabled, _ := store.EnabledPolicies(ctx); len(enabled) != 0 {
		t.Fatalf("disabled policies must not be evaluated")
	}
	if _, err := svc.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestServiceUpsertByName(t *testing.T) {
	store := newMemStore()
	svc := newTestService(t, store)
	ctx := context.Background()
	p := DefaultPolicies()[1]

	first, created, err := svc.Upsert(ctx, p)
	if err != nil || !created {
		t.Fatalf("expected creation: %v %v", created, err)
	}
	p.Threshold = 8
	second, created, err := svc.Upsert(ctx, p)
	if err != nil || created || second.ID != first.ID || second.Threshold != 8 {
		t.Fatalf("expected update in place: %+v %v %v", second, created, err)
	}
}

func TestDefaultPoliciesAreValid(t *testing.T) {
	for _, p := range DefaultPolicies() {
		if _, err := Normalize(p); err != nil {
			t.Fatalf("%s: %v", p.Name, err)
		}
	}
}

func TestIncidentTransitions(t *testing.T) {
	store := newMemStore()
	svc := newTestService(t, store)
	ctx := context.Background()
	store.incidents = []Incident{
		{ID: "inc-1", PolicyID: "pol-1", Status: IncidentOpen},
		{ID: "inc-2", PolicyID: "pol-1", Status: IncidentOpen},
	}

	inc, err := svc.TransitionIncident(ctx, "inc-1", "acknowledged")
	if err != nil || inc.Status != IncidentAcknowledged {
		t.Fatalf("ack: %+v %v", inc, err)
	}
	if _, err := svc.TransitionIncident(ctx, "inc-1", IncidentOpen); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition back to OPEN, got %v", err)
	}
	if inc, err := svc.TransitionIncident(ctx, "inc-1", IncidentResolved); err != nil || inc.Status != IncidentResolved {
		t.Fatalf("resolve: %+v %v", inc, err)
	}
	if inc, err := svc.TransitionIncident(ctx, "inc-2", IncidentResolved); err != nil || inc.Status != IncidentResolved {
		t.Fatalf("direct resolve: %+v %v", inc, err)
	}
	if _, err := svc.TransitionIncident(ctx, "inc-2", IncidentAcknowledged); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("resolved incidents are final, got %v", err)
	}
	if _, err := svc.TransitionIncident(ctx, "inc-2", "CLOSED"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid status, got %v", err)
	}

	open, err := svc.ListIncidents(ctx, IncidentFilter{Status: "open"})
	if err != nil || len(open) != 0 {
		t.Fatalf("expected no open incidents: %+v %v", open, err)
	}
}

func TestServiceEvaluateByID(t *testing.T) {
	store := newMemStore()
	svc := newTestService(t, store)
	ctx := context.Background()
	p := bruteForcePolicy()
	p.Enabled = false
	store.policies[p.ID] = p
	ev, err := svc.Evaluate(ctx, p.ID)
	if err != nil || ev.PolicyID != p.ID || ev.Triggered {
		t.Fatalf("Evaluate: %+v %v", ev, err)
	}
}
