package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"canteiro.app/internal/enforce"
	"canteiro.app/internal/ids"
	"canteiro.app/internal/security"
)

// Service manages policies and incidents for operators. Policies are never
// deleted; they are disabled.
type Service struct {
	store  Store
	engine *Engine
	now    func() time.Time
}

type ServiceOption func(*Service)

func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

func NewService(store Store, engine *Engine, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("policy store is required")
	}
	s := &Service{store: store, engine: engine, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Upper bounds for policy windows, in seconds.
const (
	MaxWindowSeconds   = 30 * 24 * 60 * 60
	MaxCooldownSeconds = 30 * 24 * 60 * 60
)

// Normalize trims and upper-cases enum fields and validates p.
func Normalize(p Policy) (Policy, error) {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return Policy{}, fmt.Errorf("%w: policy name is required", ErrInvalidInput)
	}
	p.Description = strings.TrimSpace(p.Description)
	p.EventType = security.EventType(strings.ToUpper(strings.TrimSpace(string(p.EventType))))
	if !p.EventType.Valid() {
		return Policy{}, fmt.Errorf("%w: unknown event type %q", ErrInvalidInput, p.EventType)
	}
	p.Severity = security.Severity(strings.ToUpper(strings.TrimSpace(string(p.Severity))))
	if p.Severity == "" {
		p.Severity = security.SeverityMedium
	}
	if !p.Severity.Valid() {
		return Policy{}, fmt.Errorf("%w: unknown severity %q", ErrInvalidInput, p.Severity)
	}
	if p.WindowSeconds <= 0 || p.WindowSeconds > MaxWindowSeconds {
		return Policy{}, fmt.Errorf("%w: window_seconds must be between 1 and %d", ErrInvalidInput, MaxWindowSeconds)
	}
	if p.Threshold < 1 {
		return Policy{}, fmt.Errorf("%w: threshold must be at least 1", ErrInvalidInput)
	}
	if p.CooldownSeconds < 0 || p.CooldownSeconds > MaxCooldownSeconds {
		return Policy{}, fmt.Errorf("%w: cooldown_seconds must be between 0 and %d", ErrInvalidInput, MaxCooldownSeconds)
	}
	g, err := security.ParseGrouping(string(p.Grouping))
	if err != nil {
		return Policy{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	p.Grouping = g
	if strings.TrimSpace(string(p.ActionType)) == "" {
		p.ActionType = ""
		p.ActionParams = nil
		return p, nil
	}
	a, err := security.ParseActionType(string(p.ActionType))
	if err != nil {
		return Policy{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	p.ActionType = a
	if a == security.ActionLockUserTemp && p.Grouping != security.GroupByActor && p.Grouping != security.GroupByIPOrActor {
		return Policy{}, fmt.Errorf("%w: %s needs ACTOR or IP_OR_ACTOR grouping", ErrInvalidInput, a)
	}
	if err := enforce.ValidateParams(a, p.ActionParams); err != nil {
		return Policy{}, fmt.Errorf("%w: action_params: %v", ErrInvalidInput, err)
	}
	return p, nil
}

func (s *Service) Create(ctx context.Context, p Policy) (Policy, error) {
	p, err := Normalize(p)
	if err != nil {
		return Policy{}, err
	}
	now := s.now().UTC()
	p.ID = ids.NewAt(now)
	p.CreatedAt = now
	p.UpdatedAt = now
	if err := s.store.CreatePolicy(ctx, p); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Update replaces the mutable configuration of an existing policy.
func (s *Service) Update(ctx context.Context, id string, p Policy) (Policy, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Policy{}, fmt.Errorf("%w: policy_id is required", ErrInvalidInput)
	}
	current, err := s.store.GetPolicy(ctx, id)
	if err != nil {
		return Policy{}, err
	}
	p, err = Normalize(p)
	if err != nil {
		return Policy{}, err
	}
	p.ID = current.ID
	p.CreatedAt = current.CreatedAt
	p.UpdatedAt = s.now().UTC()
	if err := s.store.UpdatePolicy(ctx, p); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Upsert creates the policy or updates the one with the same name. It
// returns true when a new policy was created.
func (s *Service) Upsert(ctx context.Context, p Policy) (Policy, bool, error) {
	name := strings.TrimSpace(p.Name)
	existing, err := s.store.GetPolicyByName(ctx, name)
	switch {
	case errors.Is(err, ErrNotFound):
		created, err := s.Create(ctx, p)
		return created, err == nil, err
	case err != nil:
		return Policy{}, false, err
	}
	updated, err := s.Update(ctx, existing.ID, p)
	return updated, false, err
}

func (s *Service) Get(ctx context.Context, id string) (Policy, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Policy{}, fmt.Errorf("%w: policy_id is required", ErrInvalidInput)
	}
	return s.store.GetPolicy(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]Policy, error) {
	return s.store.ListPolicies(ctx)
}

func (s *Service) SetEnabled(ctx context.Context, id string, enabled bool) (Policy, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Policy{}, fmt.Errorf("%w: policy_id is required", ErrInvalidInput)
	}
	return s.store.SetPolicyEnabled(ctx, id, enabled, s.now().UTC())
}

// Evaluate runs one policy now, regardless of its enabled flag.
func (s *Service) Evaluate(ctx context.Context, id string) (Evaluation, error) {
	if s.engine == nil {
		return Evaluation{}, errors.New("policy engine not configured")
	}
	p, err := s.Get(ctx, id)
	if err != nil {
		return Evaluation{}, err
	}
	return s.engine.EvaluatePolicy(ctx, p)
}

func (s *Service) GetIncident(ctx context.Context, id string) (Incident, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Incident{}, fmt.Errorf("%w: incident_id is required", ErrInvalidInput)
	}
	return s.store.GetIncident(ctx, id)
}

func (s *Service) ListIncidents(ctx context.Context, f IncidentFilter) ([]Incident, error) {
	f.Status = IncidentStatus(strings.ToUpper(strings.TrimSpace(string(f.Status))))
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown incident status %q", ErrInvalidInput, f.Status)
	}
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	return s.store.ListIncidents(ctx, f)
}

// TransitionIncident moves an incident along OPEN -> ACKNOWLEDGED -> RESOLVED.
func (s *Service) TransitionIncident(ctx context.Context, id string, to IncidentStatus) (Incident, error) {
	to = IncidentStatus(strings.ToUpper(strings.TrimSpace(string(to))))
	if !to.Valid() {
		return Incident{}, fmt.Errorf("%w: unknown incident status %q", ErrInvalidInput, to)
	}
	current, err := s.GetIncident(ctx, id)
	if err != nil {
		return Incident{}, err
	}
	if !current.Status.CanTransition(to) {
		return Incident{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, to)
	}
	return s.store.TransitionIncident(ctx, current.ID, current.Status, to, s.now().UTC())
}

// DefaultPolicies are seeded into fresh installations.
func DefaultPolicies() []Policy {
	return []Policy{
		{
			Name:            "brute-force-by-ip",
			Description:     "Many failed logins from one address",
			Enabled:         true,
			EventType:       security.EventLoginFailed,
			Severity:        security.SeverityHigh,
			WindowSeconds:   300,
			Threshold:       10,
			Grouping:        security.GroupByIP,
			ActionType:      security.ActionRateLimit,
			ActionParams:    map[string]any{"durationHours": 1, "scope": "auth"},
			CooldownSeconds: 900,
		},
		{
			Name:            "credential-stuffing-by-actor",
			Description:     "Repeated failed logins against one account",
			Enabled:         true,
			EventType:       security.EventLoginFailed,
			Severity:        security.SeverityHigh,
			WindowSeconds:   600,
			Threshold:       5,
			Grouping:        security.GroupByActor,
			ActionType:      security.ActionLockUserTemp,
			ActionParams:    map[string]any{"durationMinutes": 15},
			CooldownSeconds: 900,
		},
		{
			Name:            "feature-probing",
			Description:     "Repeated access to features outside the tenant plan",
			Enabled:         true,
			EventType:       security.EventFeatureDisabledBlock,
			Severity:        security.SeverityMedium,
			WindowSeconds:   600,
			Threshold:       20,
			Grouping:        security.GroupByIPOrActor,
			ActionType:      security.ActionRequireReauth,
			CooldownSeconds: 3600,
		},
		{
			Name:            "subscription-block-burst",
			Description:     "A blocked tenant keeps hitting the API",
			Enabled:         true,
			EventType:       security.EventSubscriptionBlock,
			Severity:        security.SeverityLow,
			WindowSeconds:   900,
			Threshold:       50,
			Grouping:        security.GroupByTenant,
			ActionType:      security.ActionRateLimit,
			ActionParams:    map[string]any{"durationHours": 1},
			CooldownSeconds: 3600,
		},
	}
}

var _ ActionApplier = (*enforce.Enforcer)(nil)
