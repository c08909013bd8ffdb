package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"canteiro.app/internal/enforce"
	"canteiro.app/internal/entitlement"
	"canteiro.app/internal/events"
	"canteiro.app/internal/guard"
	"canteiro.app/internal/identity"
	"canteiro.app/internal/policy"
	"canteiro.app/internal/security"
)

const testSecret = "test-secret"

type stubPipeline struct {
	mu       sync.Mutex
	err      error
	subjects []guard.Subject
	opts     []guard.Options
	tenants  []string
}

func (p *stubPipeline) Check(ctx context.Context, subject guard.Subject, opts guard.Options) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	p.opts = append(p.opts, opts)
	if id, ok := identity.FromContext(ctx); ok {
		p.tenants = append(p.tenants, id.TenantID)
	}
	return p.err
}

type stubEnforcement struct {
	user, ip, tenant enforce.BlockResult
	ipHashes         []string
}

func (s *stubEnforcement) CheckUserEnforcement(_ context.Context, userID, scope string) enforce.BlockResult {
	return s.user
}

func (s *stubEnforcement) CheckIPEnforcement(_ context.Context, ipHash, scope string) enforce.BlockResult {
	s.ipHashes = append(s.ipHashes, ipHash)
	return s.ip
}

func (s *stubEnforcement) CheckTenantEnforcement(_ context.Context, tenantID, scope string) enforce.BlockResult {
	return s.tenant
}

type stubEvents struct {
	mu     sync.Mutex
	inputs []events.Input
}

func (s *stubEvents) Emit(_ context.Context, in events.Input) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputs = append(s.inputs, in)
}

func (s *stubEvents) HashIP(ip string) string { return "hash:" + ip }

func (s *stubEvents) ofType(t security.EventType) []events.Input {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []events.Input
	for _, in := range s.inputs {
		if in.Type == t {
			out = append(out, in)
		}
	}
	return out
}

type stubFeatures struct {
	set         entitlement.FeatureSet
	invalidated []string
}

func (s *stubFeatures) Resolve(context.Context, string) (entitlement.FeatureSet, error) {
	return s.set, nil
}

func (s *stubFeatures) Invalidate(_ context.Context, tenantID string) {
	s.invalidated = append(s.invalidated, tenantID)
}

type stubOverrides struct {
	set     []entitlement.Override
	cleared []string
	err     error
}

func (s *stubOverrides) SetOverride(_ context.Context, o entitlement.Override) error {
	if s.err != nil {
		return s.err
	}
	s.set = append(s.set, o)
	return nil
}

func (s *stubOverrides) ClearOverride(_ context.Context, tenantID, featureKey string) error {
	if s.err != nil {
		return s.err
	}
	s.cleared = append(s.cleared, tenantID+"/"+featureKey)
	return nil
}

type stubPolicies struct {
	policies      map[string]policy.Policy
	transitionErr error
	evaluated     []string
}

func (s *stubPolicies) Create(_ context.Context, p policy.Policy) (policy.Policy, error) {
	if p.Name == "" {
		return policy.Policy{}, policy.ErrInvalidInput
	}
	p.ID = "pol-" + p.Name
	s.policies[p.ID] = p
	return p, nil
}

func (s *stubPolicies) Update(_ context.Context, id string, p policy.Policy) (policy.Policy, error) {
	if _, ok := s.policies[id]; !ok {
		return policy.Policy{}, policy.ErrNotFound
	}
	p.ID = id
	s.policies[id] = p
	return p, nil
}

func (s *stubPolicies) Get(_ context.Context, id string) (policy.Policy, error) {
	p, ok := s.policies[id]
	if !ok {
		return policy.Policy{}, policy.ErrNotFound
	}
	return p, nil
}

func (s *stubPolicies) List(context.Context) ([]policy.Policy, error) {
	out := make([]policy.Policy, 0, len(s.policies))
	for _, p := range s.policies {
		out = append(out, p)
	}
	return out, nil
}

func (s *stubPolicies) SetEnabled(_ context.Context, id string, enabled bool) (policy.Policy, error) {
	p, ok := s.policies[id]
	if !ok {
		return policy.Policy{}, policy.ErrNotFound
	}
	p.Enabled = enabled
	s.policies[id] = p
	return p, nil
}

func (s *stubPolicies) Evaluate(_ context.Context, id string) (policy.Evaluation, error) {
	s.evaluated = append(s.evaluated, id)
	return policy.Evaluation{PolicyID: id, Triggered: true, Count: 5}, nil
}

func (s *stubPolicies) GetIncident(_ context.Context, id string) (policy.Incident, error) {
	return policy.Incident{}, policy.ErrNotFound
}

func (s *stubPolicies) ListIncidents(context.Context, policy.IncidentFilter) ([]policy.Incident, error) {
	return nil, nil
}

func (s *stubPolicies) TransitionIncident(_ context.Context, id string, to policy.IncidentStatus) (policy.Incident, error) {
	if s.transitionErr != nil {
		return policy.Incident{}, s.transitionErr
	}
	return policy.Incident{ID: id, Status: to}, nil
}

type stubActions struct {
	applied   []enforce.ApplyRequest
	revokeOK  bool
	revokeErr error
	filters   []enforce.ActionFilter
}

func (s *stubActions) ApplyAction(_ context.Context, req enforce.ApplyRequest) (string, error) {
	if !req.Action.Valid() {
		return "", enforce.ErrInvalidInput
	}
	s.applied = append(s.applied, req)
	return "act-1", nil
}

func (s *stubActions) RevokeAction(context.Context, string, string, string) (bool, error) {
	return s.revokeOK, s.revokeErr
}

func (s *stubActions) GetAction(_ context.Context, id string) (enforce.ActionLog, error) {
	return enforce.ActionLog{ID: id, Status: enforce.StatusApplied}, nil
}

func (s *stubActions) ListActions(_ context.Context, f enforce.ActionFilter) ([]enforce.ActionLog, error) {
	s.filters = append(s.filters, f)
	return nil, nil
}

type fixture struct {
	api         *API
	verifier    *identity.Verifier
	pipeline    *stubPipeline
	enforcement *stubEnforcement
	events      *stubEvents
	features    *stubFeatures
	overrides   *stubOverrides
	policies    *stubPolicies
	actions     *stubActions
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		verifier:    identity.NewVerifier(testSecret, ""),
		pipeline:    &stubPipeline{},
		enforcement: &stubEnforcement{},
		events:      &stubEvents{},
		features:    &stubFeatures{set: entitlement.NewFeatureSet("REPORTS", "EXPORTS")},
		overrides:   &stubOverrides{},
		policies:    &stubPolicies{policies: map[string]policy.Policy{}},
		actions:     &stubActions{},
	}
	f.api = New(Deps{
		Verifier:    f.verifier,
		Pipeline:    f.pipeline,
		Enforcement: f.enforcement,
		Events:      f.events,
		Features:    f.features,
		Overrides:   f.overrides,
		Policies:    f.policies,
		Actions:     f.actions,
	}, "test", opts...)
	return f
}

func (f *fixture) token(t *testing.T, id identity.Identity) string {
	t.Helper()
	tok, err := f.verifier.Sign(id, time.Minute)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func tenantUser() identity.Identity {
	return identity.Identity{UserID: "user-1", TenantID: "tenant-1", ActorType: security.ActorTenantUser}
}

func operator() identity.Identity {
	return identity.Identity{UserID: "op-1", ActorType: security.ActorSaaSUser}
}

func system() identity.Identity {
	return identity.Identity{UserID: "auth-service", ActorType: security.ActorSystem}
}

// do runs one request through the router without a network listener.
func (f *fixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.RemoteAddr = "192.0.2.10:5555"
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	f.api.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", rr.Body.String(), err)
	}
	return body
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeBody(t, rr)
	errObj, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected error object, got %v", body)
	}
	code, _ := errObj["code"].(string)
	return code
}
