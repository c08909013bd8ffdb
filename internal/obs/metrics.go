package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	// GuardDenials counts guard rejections by guard and error code.
	GuardDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "security_guard_denials_total",
			Help: "Requests rejected by the access-control guards.",
		},
		[]string{"guard", "code"},
	)

	// SubscriptionPastDue counts requests allowed through with a past_due subscription.
	SubscriptionPastDue = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "security_subscription_past_due_total",
		Help: "Requests allowed while the tenant subscription is past due.",
	})

	// FeatureCache counts feature resolver lookups by result (hit, miss, stale, error).
	FeatureCache = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "security_feature_cache_total",
			Help: "Feature resolver cache lookups.",
		},
		[]string{"result"},
	)

	// EventsEmitted counts security event writes by type and result.
	EventsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "security_events_emitted_total",
			Help: "Security events persisted or dropped.",
		},
		[]string{"type", "result"},
	)

	// PolicyEvaluations counts policy evaluations by outcome.
	PolicyEvaluations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "security_policy_evaluations_total",
			Help: "Policy evaluations by outcome (idle, triggered, suppressed, error).",
		},
		[]string{"policy", "outcome"},
	)

	// EnforcementActions counts applied, revoked and expired actions.
	EnforcementActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "security_enforcement_actions_total",
			Help: "Enforcement action lifecycle transitions.",
		},
		[]string{"action", "result"},
	)

	// EnforcementBlocks counts requests blocked by active enforcement state.
	EnforcementBlocks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "security_enforcement_blocks_total",
			Help: "Requests blocked by enforcement state.",
		},
		[]string{"action", "target"},
	)

	// JobRuns counts scheduled job executions.
	JobRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "security_jobs_runs_total",
			Help: "Periodic job executions by result.",
		},
		[]string{"job", "result"},
	)

	initOnce sync.Once
)

// Init registers all collectors in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			GuardDenials, SubscriptionPastDue, FeatureCache, EventsEmitted,
			PolicyEvaluations, EnforcementActions, EnforcementBlocks, JobRuns,
		)
	})
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records in-flight, count and latency for every request.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// CanonicalPath collapses identifiers in known resource paths so metric
// label cardinality stays bounded.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 3 || parts[0] != "v1" {
		return path
	}
	switch parts[1] {
	case "policies", "incidents", "actions", "tenants":
		parts[2] = ":id"
	case "admin":
		if len(parts) >= 4 {
			parts[3] = ":id"
		}
	default:
		return path
	}
	return "/" + strings.Join(parts, "/")
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
