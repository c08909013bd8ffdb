package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"canteiro.app/internal/enforce"
	"canteiro.app/internal/entitlement"
	"canteiro.app/internal/events"
	"canteiro.app/internal/policy"
	"canteiro.app/internal/security"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func verify(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSubscription(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()

	mock.ExpectQuery("from subscriptions").
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"plan_id", "status"}).AddRow("pro", "active"))
	mock.ExpectQuery("from subscriptions").
		WithArgs("t2").
		WillReturnRows(sqlmock.NewRows([]string{"plan_id", "status"}))

	sub, err := s.Subscription(ctx, "t1")
	if err != nil {
		t.Fatalf("subscription: %v", err)
	}
	if sub.PlanID != "pro" || sub.Status != entitlement.StatusActive || sub.TenantID != "t1" {
		t.Fatalf("unexpected subscription %+v", sub)
	}
	if _, err := s.Subscription(ctx, "t2"); !errors.Is(err, entitlement.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	verify(t, mock)
}

func TestPlanFeaturesAndOverrides(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()
	expires := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	updated := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("join plan_features").
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"feature_key"}).AddRow("PROJECTS").AddRow("BUDGET"))
	mock.ExpectQuery("from tenant_feature_overrides").
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"feature_key", "enabled", "expires_at", "updated_at"}).
			AddRow("CRM", true, expires, updated).
			AddRow("FINANCE", false, nil, updated))

	keys, err := s.PlanFeatures(ctx, "t1")
	if err != nil {
		t.Fatalf("plan features: %v", err)
	}
	if len(keys) != 2 || keys[0] != "PROJECTS" {
		t.Fatalf("unexpected keys %v", keys)
	}
	overrides, err := s.Overrides(ctx, "t1")
	if err != nil {
		t.Fatalf("overrides: %v", err)
	}
	if len(overrides) != 2 {
		t.Fatalf("expected 2 overrides, got %d", len(overrides))
	}
	if overrides[0].ExpiresAt == nil || !overrides[0].ExpiresAt.Equal(expires) {
		t.Fatalf("expected expiry on CRM override, got %+v", overrides[0])
	}
	if overrides[1].ExpiresAt != nil || overrides[1].Enabled {
		t.Fatalf("unexpected FINANCE override %+v", overrides[1])
	}
	verify(t, mock)
}

func TestUserRoleAndPermissions(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()

	mock.ExpectQuery("from tenant_users").
		WithArgs("t1", "u1").
		WillReturnRows(sqlmock.NewRows([]string{"name", "is_tenant_admin"}).AddRow("engineer", false))
	mock.ExpectQuery("from role_permissions").
		WithArgs("t1", "engineer").
		WillReturnRows(sqlmock.NewRows([]string{"permission_key"}).AddRow("budget.read").AddRow("projects.write"))
	mock.ExpectQuery("from tenant_users").
		WithArgs("t1", "ghost").
		WillReturnRows(sqlmock.NewRows([]string{"name", "is_tenant_admin"}))

	role, err := s.UserRole(ctx, "t1", "u1")
	if err != nil || role.Name != "engineer" || role.IsTenantAdmin {
		t.Fatalf("unexpected role %+v err=%v", role, err)
	}
	perms, err := s.RolePermissions(ctx, "t1", "engineer")
	if err != nil || len(perms) != 2 {
		t.Fatalf("unexpected permissions %v err=%v", perms, err)
	}
	if _, err := s.UserRole(ctx, "t1", "ghost"); !errors.Is(err, entitlement.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	verify(t, mock)
}

func TestSetOverrideUnknownTenant(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("insert into tenant_feature_overrides").
		WithArgs("t9", "CRM", true, nil, sqlmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: pgErrForeignKeyViolation})

	err := s.SetOverride(context.Background(), entitlement.Override{TenantID: "t9", FeatureKey: "CRM", Enabled: true})
	if !errors.Is(err, entitlement.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	verify(t, mock)
}

func TestClearOverrideMissing(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("delete from tenant_feature_overrides").
		WithArgs("t1", "CRM").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.ClearOverride(context.Background(), "t1", "CRM"); !errors.Is(err, entitlement.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	verify(t, mock)
}

func TestInsertEvent(t *testing.T) {
	s, mock := newMock(t)
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectExec("insert into security_events").
		WithArgs("ev1", created, "LOGIN_FAILED", nil, "anonymous", nil, "abc", "curl", "/v1/login", "POST",
			int64(401), "BAD_CREDENTIALS", "trace-1", []byte("{}")).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := s.InsertEvent(context.Background(), events.Event{
		ID:         "ev1",
		CreatedAt:  created,
		Type:       security.EventLoginFailed,
		ActorType:  security.ActorAnonymous,
		IPHash:     "abc",
		UserAgent:  "curl",
		Route:      "/v1/login",
		Method:     "POST",
		StatusCode: 401,
		ErrorCode:  "BAD_CREDENTIALS",
		TraceID:    "trace-1",
	})
	if err != nil {
		t.Fatalf("insert event: %v", err)
	}
	verify(t, mock)
}

func TestEventsSince(t *testing.T) {
	s, mock := newMock(t)
	since := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cols := []string{"id", "created_at", "event_type", "tenant_id", "actor_type", "actor_id", "ip_hash",
		"user_agent", "route", "method", "status_code", "error_code", "trace_id", "metadata"}
	mock.ExpectQuery("from security_events").
		WithArgs("FEATURE_DISABLED_BLOCK", since).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("ev1", since.Add(time.Second), "FEATURE_DISABLED_BLOCK", "t1", "tenant_user", "u1", "h1",
				"ua", "/v1/crm", "GET", int64(403), "FEATURE_DISABLED", "tr", []byte(`{"feature":"CRM"}`)).
			AddRow("ev2", since.Add(2*time.Second), "FEATURE_DISABLED_BLOCK", nil, "anonymous", nil, nil,
				"", "", "", nil, nil, "tr2", nil))

	evs, err := s.EventsSince(context.Background(), security.EventFeatureDisabledBlock, since)
	if err != nil {
		t.Fatalf("events since: %v", err)
	}
	if len(evs) != 2 {
		t.Fatalf("expected 2 events, got %d", len(evs))
	}
	if evs[0].TenantID != "t1" || evs[0].StatusCode != 403 || evs[0].Metadata["feature"] != "CRM" {
		t.Fatalf("unexpected first event %+v", evs[0])
	}
	if evs[1].ActorID != "" || evs[1].IPHash != "" || evs[1].Metadata != nil {
		t.Fatalf("unexpected second event %+v", evs[1])
	}
	verify(t, mock)
}

func TestCreatePolicyConflict(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("insert into security_policies").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})

	err := s.CreatePolicy(context.Background(), policy.Policy{ID: "p1", Name: "dup"})
	if !errors.Is(err, policy.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	verify(t, mock)
}

func TestGetPolicy(t *testing.T) {
	s, mock := newMock(t)
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	cols := []string{"id", "name", "description", "enabled", "event_type", "severity", "window_seconds",
		"threshold", "grouping", "action_type", "action_params", "cooldown_seconds", "created_at", "updated_at"}
	mock.ExpectQuery("from security_policies where id").
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("p1", "brute", "", true, "LOGIN_FAILED", "HIGH", int64(300),
			int64(10), "IP", "RATE_LIMIT", []byte(`{"scope":"auth"}`), int64(600), at, at))
	mock.ExpectQuery("from security_policies where id").
		WithArgs("p2").
		WillReturnRows(sqlmock.NewRows(cols))

	p, err := s.GetPolicy(context.Background(), "p1")
	if err != nil {
		t.Fatalf("get policy: %v", err)
	}
	if p.Grouping != security.GroupByIP || p.ActionType != security.ActionRateLimit || p.ActionParams["scope"] != "auth" {
		t.Fatalf("unexpected policy %+v", p)
	}
	if p.Window() != 5*time.Minute {
		t.Fatalf("unexpected window %s", p.Window())
	}
	if _, err := s.GetPolicy(context.Background(), "p2"); !errors.Is(err, policy.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	verify(t, mock)
}

func TestCreateIncidentCooldownCollision(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("insert into security_incidents").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})

	bucket := int64(42)
	err := s.CreateIncident(context.Background(), policy.Incident{ID: "i1", PolicyID: "p1", GroupKey: "ip:h"}, &bucket)
	if !errors.Is(err, policy.ErrCooldownActive) {
		t.Fatalf("expected ErrCooldownActive, got %v", err)
	}
	verify(t, mock)
}

func TestLastIncidentAt(t *testing.T) {
	s, mock := newMock(t)
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery("select max\\(created_at\\)").
		WithArgs("p1", "ip:h").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(at))
	mock.ExpectQuery("select max\\(created_at\\)").
		WithArgs("p1", "ip:other").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))

	last, ok, err := s.LastIncidentAt(context.Background(), "p1", "ip:h")
	if err != nil || !ok || !last.Equal(at) {
		t.Fatalf("unexpected last incident %v ok=%v err=%v", last, ok, err)
	}
	if _, ok, err := s.LastIncidentAt(context.Background(), "p1", "ip:other"); err != nil || ok {
		t.Fatalf("expected no incident, ok=%v err=%v", ok, err)
	}
	verify(t, mock)
}

func TestTransitionIncidentStale(t *testing.T) {
	s, mock := newMock(t)
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	cols := []string{"id", "tenant_id", "policy_id", "severity", "status", "summary", "group_key",
		"evidence_event_ids", "first_seen", "last_seen", "action_log_id", "created_at", "updated_at"}
	mock.ExpectQuery("update security_incidents").
		WithArgs("i1", "OPEN", "ACKNOWLEDGED", at).
		WillReturnRows(sqlmock.NewRows(cols))

	_, err := s.TransitionIncident(context.Background(), "i1", policy.IncidentOpen, policy.IncidentAcknowledged, at)
	if !errors.Is(err, policy.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	verify(t, mock)
}

func TestListIncidentsFilter(t *testing.T) {
	s, mock := newMock(t)
	cols := []string{"id", "tenant_id", "policy_id", "severity", "status", "summary", "group_key",
		"evidence_event_ids", "first_seen", "last_seen", "action_log_id", "created_at", "updated_at"}
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`where status = \$1 and policy_id = \$2 order by created_at desc limit \$3`).
		WithArgs("OPEN", "p1", 100).
		WillReturnRows(sqlmock.NewRows(cols).AddRow("i1", nil, "p1", "HIGH", "OPEN", "10 events", "ip:h",
			[]byte(`["e1","e2"]`), at, at, "a1", at, at))

	incs, err := s.ListIncidents(context.Background(), policy.IncidentFilter{Status: policy.IncidentOpen, PolicyID: "p1"})
	if err != nil {
		t.Fatalf("list incidents: %v", err)
	}
	if len(incs) != 1 || len(incs[0].EvidenceEventIDs) != 2 || incs[0].ActionLogID != "a1" {
		t.Fatalf("unexpected incidents %+v", incs)
	}
	verify(t, mock)
}

func testAction(now time.Time) (enforce.ActionLog, enforce.State) {
	l := enforce.ActionLog{
		ID:         "a1",
		ActionType: security.ActionLockUserTemp,
		TargetType: security.TargetTenantUser,
		TargetID:   "u1",
		Params:     map[string]any{"durationMinutes": 10},
		Reason:     "brute force",
		Status:     enforce.StatusApplied,
		CreatedBy:  enforce.CreatedBySystem,
		AppliedAt:  now,
		ExpiresAt:  now.Add(10 * time.Minute),
	}
	st := enforce.State{
		ActionLogID: l.ID,
		ActionType:  l.ActionType,
		Target:      l.Target(),
		Params:      l.Params,
		Reason:      l.Reason,
		AppliedAt:   l.AppliedAt,
		ExpiresAt:   l.ExpiresAt,
	}
	return l, st
}

func TestRecordAction(t *testing.T) {
	s, mock := newMock(t)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	l, st := testAction(now)

	mock.ExpectBegin()
	mock.ExpectExec("insert into security_action_logs").
		WithArgs("a1", "LOCK_USER_TEMP", "TENANT_USER", "u1", "", []byte(`{"durationMinutes":10}`), "brute force",
			"APPLIED", "system", nil, now, now.Add(10*time.Minute)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("savepoint enforcement_state").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("insert into security_enforcement_state").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := s.RecordAction(context.Background(), l, st); err != nil {
		t.Fatalf("record action: %v", err)
	}
	verify(t, mock)
}

func TestRecordActionStateFailureKeepsLog(t *testing.T) {
	s, mock := newMock(t)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	l, st := testAction(now)

	mock.ExpectBegin()
	mock.ExpectExec("insert into security_action_logs").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("savepoint enforcement_state").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("insert into security_enforcement_state").WillReturnError(errors.New("disk full"))
	mock.ExpectExec("rollback to savepoint enforcement_state").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := s.RecordAction(context.Background(), l, st)
	if !errors.Is(err, enforce.ErrStateOutOfSync) {
		t.Fatalf("expected ErrStateOutOfSync, got %v", err)
	}
	verify(t, mock)
}

func TestRecordActionLogFailureRollsBack(t *testing.T) {
	s, mock := newMock(t)
	l, st := testAction(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))

	mock.ExpectBegin()
	mock.ExpectExec("insert into security_action_logs").WillReturnError(errors.New("boom"))
	mock.ExpectRollback()

	err := s.RecordAction(context.Background(), l, st)
	if err == nil || errors.Is(err, enforce.ErrStateOutOfSync) {
		t.Fatalf("expected hard failure, got %v", err)
	}
	verify(t, mock)
}

func TestFindState(t *testing.T) {
	s, mock := newMock(t)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	target := security.Target{Type: security.TargetIP, ID: "h1"}
	mock.ExpectQuery("from security_enforcement_state").
		WithArgs("IP", "h1", "RATE_LIMIT", "auth", now).
		WillReturnRows(sqlmock.NewRows([]string{"action_log_id", "scope", "params", "reason", "applied_at", "expires_at"}).
			AddRow("a1", "*", []byte(`{}`), "burst", now.Add(-time.Minute), now.Add(time.Hour)))
	mock.ExpectQuery("from security_enforcement_state").
		WithArgs("IP", "h1", "LOCK_USER_TEMP", "", now).
		WillReturnRows(sqlmock.NewRows([]string{"action_log_id", "scope", "params", "reason", "applied_at", "expires_at"}))

	st, err := s.FindState(context.Background(), target, security.ActionRateLimit, "auth", now)
	if err != nil {
		t.Fatalf("find state: %v", err)
	}
	if st.ActionLogID != "a1" || st.Scope != enforce.AnyScope || st.Target != target || st.ActionType != security.ActionRateLimit {
		t.Fatalf("unexpected state %+v", st)
	}
	if _, err := s.FindState(context.Background(), target, security.ActionLockUserTemp, "", now); !errors.Is(err, enforce.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	verify(t, mock)
}

var actionCols = []string{"id", "action_type", "target_type", "target_id", "scope", "params", "reason", "status",
	"created_by", "incident_id", "applied_at", "expires_at", "ended_at", "ended_by", "end_reason"}

func TestRevokeAction(t *testing.T) {
	s, mock := newMock(t)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("update security_action_logs").
		WithArgs("a1", now, "ops", "false positive").
		WillReturnRows(sqlmock.NewRows(actionCols).AddRow("a1", "LOCK_USER_TEMP", "TENANT_USER", "u1", "",
			[]byte(`{}`), "brute force", "REVERTED", "system", "i1", now.Add(-time.Minute), now.Add(time.Minute),
			now, "ops", "false positive"))
	mock.ExpectExec("savepoint enforcement_state").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("delete from security_enforcement_state").WithArgs("a1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	l, err := s.RevokeAction(context.Background(), "a1", "ops", "false positive", now)
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if l.Status != enforce.StatusReverted || l.EndedAt == nil || l.IncidentID != "i1" || l.EndedBy != "ops" {
		t.Fatalf("unexpected log %+v", l)
	}
	verify(t, mock)
}

func TestRevokeActionNotApplied(t *testing.T) {
	s, mock := newMock(t)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("update security_action_logs").WillReturnRows(sqlmock.NewRows(actionCols))
	mock.ExpectRollback()

	if _, err := s.RevokeAction(context.Background(), "a404", "ops", "", now); !errors.Is(err, enforce.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	verify(t, mock)
}

func TestExpireActions(t *testing.T) {
	s, mock := newMock(t)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec("update security_action_logs").WithArgs(now).WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("delete from security_enforcement_state").WithArgs(now).WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	n, err := s.ExpireActions(context.Background(), now)
	if err != nil || n != 3 {
		t.Fatalf("expected 3 expired, got %d err=%v", n, err)
	}
	verify(t, mock)
}

func TestListActionsFilter(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(`where target_type = \$1 and target_id = \$2 and status = \$3 order by applied_at desc limit \$4`).
		WithArgs("TENANT_USER", "u1", "APPLIED", 100).
		WillReturnRows(sqlmock.NewRows(actionCols))

	out, err := s.ListActions(context.Background(), enforce.ActionFilter{
		Target: security.Target{Type: security.TargetTenantUser, ID: "u1"},
		Status: enforce.StatusApplied,
	})
	if err != nil || len(out) != 0 {
		t.Fatalf("unexpected result %v err=%v", out, err)
	}
	verify(t, mock)
}

func TestNilDB(t *testing.T) {
	s := &Store{}
	if err := s.Ping(context.Background()); !errors.Is(err, errNoDB) {
		t.Fatalf("expected errNoDB, got %v", err)
	}
	if _, err := s.ExpireActions(context.Background(), time.Now()); !errors.Is(err, errNoDB) {
		t.Fatalf("expected errNoDB, got %v", err)
	}
}
