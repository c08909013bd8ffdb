package guard

import (
	"context"
	"errors"
	"testing"
	"time"

	"canteiro.app/internal/entitlement"
	"canteiro.app/internal/events"
	"canteiro.app/internal/identity"
	"canteiro.app/internal/security"
)

type stubStore struct {
	subscriptionFn    func(tenantID string) (entitlement.Subscription, error)
	userRoleFn        func(tenantID, userID string) (entitlement.Role, error)
	rolePermissionsFn func(tenantID, role string) ([]string, error)
}

func (s *stubStore) Subscription(ctx context.Context, tenantID string) (entitlement.Subscription, error) {
	return s.subscriptionFn(tenantID)
}

func (s *stubStore) UserRole(ctx context.Context, tenantID, userID string) (entitlement.Role, error) {
	return s.userRoleFn(tenantID, userID)
}

func (s *stubStore) RolePermissions(ctx context.Context, tenantID, role string) ([]string, error) {
	return s.rolePermissionsFn(tenantID, role)
}

type recordingSink struct {
	inputs []events.Input
}

func (r *recordingSink) Emit(ctx context.Context, in events.Input) {
	r.inputs = append(r.inputs, in)
}

func (r *recordingSink) types() []security.EventType {
	out := make([]security.EventType, 0, len(r.inputs))
	for _, in := range r.inputs {
		out = append(out, in.Type)
	}
	return out
}

type stubResolver struct {
	set   entitlement.FeatureSet
	err   error
	calls int
}

func (s *stubResolver) Resolve(ctx context.Context, tenantID string) (entitlement.FeatureSet, error) {
	s.calls++
	return s.set, s.err
}

func withStatus(status string) *stubStore {
	return &stubStore{subscriptionFn: func(tenantID string) (entitlement.Subscription, error) {
		return entitlement.Subscription{TenantID: tenantID, PlanID: "pro", Status: status}, nil
	}}
}

func TestSubscriptionGuard(t *testing.T) {
	cases := []struct {
		status    string
		want      error
		wantEvent security.EventType
	}{
		{status: "trial"},
		{status: "active"},
		{status: "past_due", wantEvent: security.EventSubscriptionPastDue},
		{status: "canceled", want: security.ErrSubscriptionCanceled, wantEvent: security.EventSubscriptionBlock},
		{status: "suspended", want: security.ErrSubscriptionSuspended, wantEvent: security.EventSubscriptionBlock},
		{status: "frozen", want: security.ErrSubscriptionInvalidStatus, wantEvent: security.EventSubscriptionBlock},
	}
	for _, tc := range cases {
		t.Run(tc.status, func(t *testing.T) {
			sink := &recordingSink{}
			err := NewSubscriptionGuard(withStatus(tc.status), sink).Check(context.Background(), "t1")
			if tc.want == nil && err != nil {
				t.Fatalf("expected pass, got %v", err)
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if tc.wantEvent == "" && len(sink.inputs) != 0 {
				t.Fatalf("expected silence, got %v", sink.types())
			}
			if tc.wantEvent != "" && (len(sink.inputs) != 1 || sink.inputs[0].Type != tc.wantEvent) {
				t.Fatalf("expected %s event, got %v", tc.wantEvent, sink.types())
			}
		})
	}
}

func TestSubscriptionGuardMissingAndFailing(t *testing.T) {
	missing := &stubStore{subscriptionFn: func(string) (entitlement.Subscription, error) {
		return entitlement.Subscription{}, entitlement.ErrNotFound
	}}
	if err := NewSubscriptionGuard(missing, nil).Check(context.Background(), "t1"); !errors.Is(err, security.ErrSubscriptionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	failing := &stubStore{subscriptionFn: func(string) (entitlement.Subscription, error) {
		return entitlement.Subscription{}, errors.New("connection reset")
	}}
	err := NewSubscriptionGuard(failing, nil).Check(context.Background(), "t1")
	if !errors.Is(err, security.ErrGuardUnavailable) {
		t.Fatalf("datastore errors must deny, got %v", err)
	}
}

func TestFeatureGuard(t *testing.T) {
	sink := &recordingSink{}
	res := &stubResolver{set: entitlement.Effective([]string{"PROJECTS"}, []entitlement.Override{
		{TenantID: "t1", FeatureKey: "FINANCE", Enabled: true},
	}, time.Now())}
	g := NewFeatureGuard(res, sink)

	for _, key := range []string{"PROJECTS", "FINANCE"} {
		if err := g.Check(context.Background(), "t1", key); err != nil {
			t.Fatalf("%s should pass: %v", key, err)
		}
	}
	err := g.Check(context.Background(), "t1", "CRM")
	if !errors.Is(err, security.ErrFeatureDisabled) {
		t.Fatalf("expected FEATURE_DISABLED, got %v", err)
	}
	if len(sink.inputs) != 1 || sink.inputs[0].Type != security.EventFeatureDisabledBlock || sink.inputs[0].Metadata["feature"] != "CRM" {
		t.Fatalf("expected FEATURE_DISABLED_BLOCK event, got %+v", sink.inputs)
	}

	res.err = errors.New("timeout")
	if err := g.Check(context.Background(), "t1", "PROJECTS"); !errors.Is(err, security.ErrGuardUnavailable) {
		t.Fatalf("resolver failure must deny, got %v", err)
	}
}

func TestRBACGuard(t *testing.T) {
	store := &stubStore{
		userRoleFn: func(tenantID, userID string) (entitlement.Role, error) {
			switch userID {
			case "admin":
				return entitlement.Role{Name: "owner", IsTenantAdmin: true}, nil
			case "viewer":
				return entitlement.Role{Name: "viewer"}, nil
			}
			return entitlement.Role{}, entitlement.ErrNotFound
		},
		rolePermissionsFn: func(tenantID, role string) ([]string, error) {
			if role == "owner" {
				t.Fatalf("admin roles must not load grants")
			}
			return []string{"projects.read"}, nil
		},
	}
	sink := &recordingSink{}
	g := NewRBACGuard(store, sink)
	ctx := context.Background()

	if err := g.Check(ctx, "t1", "admin", "anything.never.granted"); err != nil {
		t.Fatalf("tenant admin must pass: %v", err)
	}
	if err := g.Check(ctx, "t1", "viewer", "projects.read"); err != nil {
		t.Fatalf("granted permission must pass: %v", err)
	}
	if err := g.Check(ctx, "t1", "viewer", "projects.write"); !errors.Is(err, security.ErrPermissionDenied) {
		t.Fatalf("expected PERMISSION_DENIED, got %v", err)
	}
	if err := g.Check(ctx, "t1", "ghost", "projects.read"); !errors.Is(err, security.ErrPermissionDenied) {
		t.Fatalf("unknown user must be denied, got %v", err)
	}
	if len(sink.inputs) != 2 {
		t.Fatalf("expected two PERMISSION_DENIED events, got %v", sink.types())
	}
}

func TestPipelineOrderAndShortCircuit(t *testing.T) {
	var order []string
	store := &stubStore{
		subscriptionFn: func(string) (entitlement.Subscription, error) {
			order = append(order, "subscription")
			return entitlement.Subscription{Status: "canceled"}, nil
		},
		userRoleFn: func(string, string) (entitlement.Role, error) {
			order = append(order, "rbac")
			return entitlement.Role{IsTenantAdmin: true}, nil
		},
	}
	res := &stubResolver{set: entitlement.NewFeatureSet("PROJECTS")}
	p := NewPipeline(NewSubscriptionGuard(store, nil), NewFeatureGuard(res, nil), NewRBACGuard(store, nil))

	err := p.Check(context.Background(), Subject{TenantID: "t1", UserID: "u1"}, Options{Feature: "PROJECTS", Permission: "projects.read"})
	if !errors.Is(err, security.ErrSubscriptionCanceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
	if res.calls != 0 || len(order) != 1 {
		t.Fatalf("later stages must not run: resolver=%d order=%v", res.calls, order)
	}

	order = nil
	err = p.Check(context.Background(), Subject{TenantID: "t1", UserID: "u1"},
		Options{Feature: "CRM", Permission: "projects.read", SkipSubscription: true})
	if !errors.Is(err, security.ErrFeatureDisabled) {
		t.Fatalf("expected feature denial, got %v", err)
	}
	if len(order) != 0 {
		t.Fatalf("rbac must not run after feature denial: %v", order)
	}
}

func TestPipelineUsesIdentity(t *testing.T) {
	var gotUser string
	store := &stubStore{
		subscriptionFn: func(string) (entitlement.Subscription, error) {
			return entitlement.Subscription{Status: "active"}, nil
		},
		userRoleFn: func(tenantID, userID string) (entitlement.Role, error) {
			gotUser = userID
			return entitlement.Role{Name: "viewer"}, nil
		},
		rolePermissionsFn: func(string, string) ([]string, error) { return []string{"projects.read"}, nil },
	}
	p := NewPipeline(NewSubscriptionGuard(store, nil), NewFeatureGuard(&stubResolver{}, nil), NewRBACGuard(store, nil))
	ctx := identity.WithIdentity(context.Background(), identity.Identity{UserID: "u9", TenantID: "t9"})

	if err := p.Check(ctx, Subject{}, Options{Permission: "projects.read"}); err != nil {
		t.Fatalf("expected pass, got %v", err)
	}
	if gotUser != "u9" {
		t.Fatalf("expected identity user, got %q", gotUser)
	}
	if err := p.Check(context.Background(), Subject{}, Options{}); !errors.Is(err, security.ErrSubscriptionNotFound) {
		t.Fatalf("missing tenant must deny, got %v", err)
	}
}

func TestPipelineTimeoutFailsClosed(t *testing.T) {
	store := &stubStore{subscriptionFn: func(string) (entitlement.Subscription, error) {
		return entitlement.Subscription{}, context.DeadlineExceeded
	}}
	p := NewPipeline(NewSubscriptionGuard(store, nil), nil, nil, WithTimeout(10*time.Millisecond))
	if err := p.Check(context.Background(), Subject{TenantID: "t1"}, Options{}); !errors.Is(err, security.ErrGuardUnavailable) {
		t.Fatalf("expected GUARD_UNAVAILABLE, got %v", err)
	}
}
