package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"canteiro.app/internal/entitlement"
	"canteiro.app/internal/enforce"
	"canteiro.app/internal/events"
	"canteiro.app/internal/guard"
	"canteiro.app/internal/identity"
	"canteiro.app/internal/obs"
	"canteiro.app/internal/policy"
	"canteiro.app/internal/security"
)

const serviceName = "securityd"

// ReadyProbe reports whether the datastore is reachable.
type ReadyProbe interface {
	Ping(ctx context.Context) error
}

// AccessChecker is the security pipeline.
type AccessChecker interface {
	Check(ctx context.Context, subject guard.Subject, opts guard.Options) error
}

// EnforcementChecker answers per-target enforcement lookups.
type EnforcementChecker interface {
	CheckUserEnforcement(ctx context.Context, userID, scope string) enforce.BlockResult
	CheckIPEnforcement(ctx context.Context, ipHash, scope string) enforce.BlockResult
	CheckTenantEnforcement(ctx context.Context, tenantID, scope string) enforce.BlockResult
}

// EventEmitter records security events and hashes client addresses the
// same way stored events do.
type EventEmitter interface {
	Emit(ctx context.Context, in events.Input)
	HashIP(ip string) string
}

type TokenVerifier interface {
	Verify(token string) (identity.Identity, error)
}

type FeatureCache interface {
	Resolve(ctx context.Context, tenantID string) (entitlement.FeatureSet, error)
	Invalidate(ctx context.Context, tenantID string)
}

type PolicyService interface {
	Create(ctx context.Context, p policy.Policy) (policy.Policy, error)
	Update(ctx context.Context, id string, p policy.Policy) (policy.Policy, error)
	Get(ctx context.Context, id string) (policy.Policy, error)
	List(ctx context.Context) ([]policy.Policy, error)
	SetEnabled(ctx context.Context, id string, enabled bool) (policy.Policy, error)
	Evaluate(ctx context.Context, id string) (policy.Evaluation, error)
	GetIncident(ctx context.Context, id string) (policy.Incident, error)
	ListIncidents(ctx context.Context, f policy.IncidentFilter) ([]policy.Incident, error)
	TransitionIncident(ctx context.Context, id string, to policy.IncidentStatus) (policy.Incident, error)
}

type ActionService interface {
	ApplyAction(ctx context.Context, req enforce.ApplyRequest) (string, error)
	RevokeAction(ctx context.Context, id, reason, revokedBy string) (bool, error)
	GetAction(ctx context.Context, id string) (enforce.ActionLog, error)
	ListActions(ctx context.Context, f enforce.ActionFilter) ([]enforce.ActionLog, error)
}

// Deps are the collaborators behind the HTTP surface. Nil operator
// services disable their routes.
type Deps struct {
	Ready       ReadyProbe
	Verifier    TokenVerifier
	Pipeline    AccessChecker
	Enforcement EnforcementChecker
	Events      EventEmitter
	Features    FeatureCache
	Overrides   entitlement.OverrideWriter
	Policies    PolicyService
	Actions     ActionService
}

// API is the HTTP layer of securityd.
type API struct {
	deps       Deps
	version    string
	router     chi.Router
	ratePerSec float64
	rateBurst  int
	limiter    *clientLimiter
	proxies    *TrustedProxies
	now        func() time.Time
}

type Option func(*API)

// WithRateLimit sets the per-client token bucket. Zero disables limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(a *API) {
		a.ratePerSec = perSecond
		a.rateBurst = burst
	}
}

// WithTrustedProxies sets the peers whose X-Forwarded-For is honoured.
func WithTrustedProxies(tp *TrustedProxies) Option {
	return func(a *API) {
		a.proxies = tp
	}
}

func WithClock(fn func() time.Time) Option {
	return func(a *API) {
		if fn != nil {
			a.now = fn
		}
	}
}

func New(deps Deps, version string, opts ...Option) *API {
	a := &API{deps: deps, version: version, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	if a.ratePerSec > 0 && a.rateBurst > 0 {
		a.limiter = newClientLimiter(a.ratePerSec, a.rateBurst)
	}
	a.router = a.routes()
	return a
}

// Handler returns the root handler with tracing and metrics around the router.
func (a *API) Handler() http.Handler {
	return otelhttp.NewHandler(obs.Instrument(a.router), serviceName,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + obs.CanonicalPath(r.URL.Path)
		}))
}

// Mount adds a host route behind the full request chain and the security
// pipeline for feature and permission.
func (a *API) Mount(method, pattern, feature, permission string, h http.Handler) {
	a.router.Group(func(r chi.Router) {
		a.protected(r)
		r.With(a.Guard(feature, permission)).Method(method, pattern, h)
	})
}

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(RequestID, a.ClientAddress, Logging, SecurityHeaders)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Get("/v1/info", a.Info)
	r.Handle("/metrics", obs.Handler())

	r.Group(func(r chi.Router) {
		a.protected(r)

		r.Post("/v1/access/check", a.handleAccessCheck)
		r.Get("/v1/tenants/{tenantID}/features", a.handleTenantFeatures)

		r.Group(func(r chi.Router) {
			r.Use(requireActor(security.ActorSystem, security.ActorSaaSUser))
			r.Post("/v1/security/events/login-failed", a.handleLoginFailed)
			r.Post("/v1/security/enforcement/check", a.handleEnforcementCheck)
		})

		r.Group(func(r chi.Router) {
			r.Use(requireActor(security.ActorSaaSUser))
			if a.deps.Policies != nil {
				r.Route("/v1/policies", func(r chi.Router) {
					r.Get("/", a.handleListPolicies)
					r.Post("/", a.handleCreatePolicy)
					r.Get("/{policyID}", a.handleGetPolicy)
					r.Put("/{policyID}", a.handleUpdatePolicy)
					r.Post("/{policyID}/enable", a.handleSetPolicyEnabled(true))
					r.Post("/{policyID}/disable", a.handleSetPolicyEnabled(false))
					r.Post("/{policyID}/evaluate", a.handleEvaluatePolicy)
				})
				r.Route("/v1/incidents", func(r chi.Router) {
					r.Get("/", a.handleListIncidents)
					r.Get("/{incidentID}", a.handleGetIncident)
					r.Post("/{incidentID}/transition", a.handleTransitionIncident)
				})
			}
			if a.deps.Actions != nil {
				r.Route("/v1/actions", func(r chi.Router) {
					r.Get("/", a.handleListActions)
					r.Post("/", a.handleApplyAction)
					r.Get("/{actionID}", a.handleGetAction)
					r.Post("/{actionID}/revoke", a.handleRevokeAction)
				})
			}
			r.Route("/v1/admin/tenants/{tenantID}", func(r chi.Router) {
				r.Put("/overrides/{featureKey}", a.handleSetOverride)
				r.Delete("/overrides/{featureKey}", a.handleClearOverride)
				r.Post("/features/invalidate", a.handleInvalidateFeatures)
			})
		})
	})
	return r
}

// protected installs the authenticated request chain.
func (a *API) protected(r chi.Router) {
	r.Use(a.RateLimit, a.Authenticate, a.Enforce)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if a.deps.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.deps.Ready.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    a.now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}
