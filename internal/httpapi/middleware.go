package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"canteiro.app/internal/audit"
	"canteiro.app/internal/enforce"
	"canteiro.app/internal/events"
	"canteiro.app/internal/guard"
	"canteiro.app/internal/identity"
	"canteiro.app/internal/obs"
	"canteiro.app/internal/security"
)

const (
	requestIDHeader = "X-Request-ID"
	authHeader      = "Authorization"
	bearer          = "Bearer "
)

type requestIDKey struct{}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// RequestID assigns a request id and attaches transport details used by
// security events.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if rid == "" || len(rid) > 128 {
			rid = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, rid)
		ctx := context.WithValue(r.Context(), requestIDKey{}, rid)
		ctx = audit.WithRequestID(ctx, rid)
		ctx = identity.WithRequest(ctx, identity.Request{
			IP:        peerIP(r),
			UserAgent: r.UserAgent(),
			Route:     r.URL.Path,
			Method:    r.Method,
			TraceID:   r.Header.Get("X-Trace-ID"),
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ClientAddress replaces the transport IP recorded by RequestID with the
// forwarded client address when the peer is a trusted proxy.
func (a *API) ClientAddress(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := identity.RequestFromContext(r.Context())
		req.IP = a.proxies.ClientIP(r)
		next.ServeHTTP(w, r.WithContext(identity.WithRequest(r.Context(), req)))
	})
}

func RequestIDFromContext(ctx context.Context) string {
	rid, _ := ctx.Value(requestIDKey{}).(string)
	return rid
}

// Logging writes one JSON line per request.
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sw, r)
		entry := map[string]any{
			"ts":          start.UTC().Format(time.RFC3339Nano),
			"level":       "info",
			"msg":         "http_request",
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      sw.code,
			"duration_ms": time.Since(start).Milliseconds(),
		}
		if rid := RequestIDFromContext(r.Context()); rid != "" {
			entry["request_id"] = rid
		}
		if id, ok := identity.FromContext(r.Context()); ok {
			entry["actor_id"] = id.UserID
			if id.TenantID != "" {
				entry["tenant_id"] = id.TenantID
			}
		}
		obs.LogRequest(entry)
	})
}

func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

type limiterEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

// clientLimiter keeps one token bucket per client address.
type clientLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*limiterEntry
	perSecond rate.Limit
	burst     int
	ttl       time.Duration
	lastSweep time.Time
}

func newClientLimiter(perSecond float64, burst int) *clientLimiter {
	return &clientLimiter{
		buckets:   make(map[string]*limiterEntry),
		perSecond: rate.Limit(perSecond),
		burst:     burst,
		ttl:       5 * time.Minute,
	}
}

func (l *clientLimiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.lastSweep) > time.Minute {
		for k, b := range l.buckets {
			if now.Sub(b.seen) > l.ttl {
				delete(l.buckets, k)
			}
		}
		l.lastSweep = now
	}
	b, ok := l.buckets[key]
	if !ok {
		b = &limiterEntry{lim: rate.NewLimiter(l.perSecond, l.burst)}
		l.buckets[key] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1)
}

// RateLimit applies the per-client token bucket shared by all routes.
// Rejections are recorded as RATE_LIMIT_HIT events so policies can escalate
// repeat offenders.
func (a *API) RateLimit(next http.Handler) http.Handler {
	limiter := a.limiter
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := a.proxies.ClientIP(r)
		if ip == "" {
			ip = "unknown"
		}
		if !limiter.allow(ip, a.now()) {
			a.emit(r.Context(), events.Input{
				Type:       security.EventRateLimitHit,
				StatusCode: http.StatusTooManyRequests,
				ErrorCode:  "RATE_LIMITED",
			})
			w.Header().Set("Retry-After", "1")
			writeError(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Authenticate verifies the bearer token and stores the identity.
func (a *API) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.deps.Verifier == nil {
			writeError(w, r, http.StatusServiceUnavailable, "UNAUTHENTICATED", "authentication is not configured")
			return
		}
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", err.Error())
			return
		}
		id, err := a.deps.Verifier.Verify(token)
		if err != nil {
			if !errors.Is(err, identity.ErrInvalidToken) {
				obs.Error("token verification failed", map[string]any{"error": err})
			}
			writeError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(identity.WithIdentity(r.Context(), id)))
	})
}

// Enforce rejects requests from blocked addresses, users and tenants. Trusted
// system callers are not checked.
func (a *API) Enforce(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.deps.Enforcement == nil {
			next.ServeHTTP(w, r)
			return
		}
		id, authenticated := identity.FromContext(r.Context())
		if authenticated && id.ActorType == security.ActorSystem {
			next.ServeHTTP(w, r)
			return
		}
		scope := routeScope(r.URL.Path)
		res := a.checkEnforcement(r.Context(), id, authenticated, a.proxies.ClientIP(r), scope)
		if !res.Blocked {
			next.ServeHTTP(w, r)
			return
		}
		gerr := enforce.CreateEnforcementError(res)
		a.emit(r.Context(), events.Input{
			Type:       security.EventEnforcementBlock,
			StatusCode: gerr.Status,
			ErrorCode:  string(gerr.Kind),
			Metadata: map[string]any{
				"action":        string(res.Action),
				"target_type":   string(res.Target.Type),
				"action_log_id": res.ActionLogID,
				"scope":         res.Scope,
			},
		})
		writeSecurityError(w, r, gerr)
	})
}

func (a *API) checkEnforcement(ctx context.Context, id identity.Identity, authenticated bool, ip, scope string) enforce.BlockResult {
	if ip != "" && a.deps.Events != nil {
		if res := a.deps.Enforcement.CheckIPEnforcement(ctx, a.deps.Events.HashIP(ip), scope); res.Blocked {
			return res
		}
	}
	if !authenticated {
		return enforce.BlockResult{}
	}
	if id.ActorType == security.ActorTenantUser {
		if res := a.deps.Enforcement.CheckUserEnforcement(ctx, id.UserID, scope); res.Blocked {
			return res
		}
	}
	if id.TenantID != "" {
		return a.deps.Enforcement.CheckTenantEnforcement(ctx, id.TenantID, scope)
	}
	return enforce.BlockResult{}
}

// Guard runs the security pipeline for the caller's tenant.
func (a *API) Guard(feature, permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if a.deps.Pipeline == nil {
				writeError(w, r, http.StatusServiceUnavailable, string(security.KindGuardUnavailable), "access pipeline unavailable")
				return
			}
			err := a.deps.Pipeline.Check(r.Context(), guard.Subject{}, guard.Options{Feature: feature, Permission: permission})
			if err != nil {
				writeAccessError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requireActor admits only the listed actor types.
func requireActor(allowed ...security.ActorType) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := identity.FromContext(r.Context())
			if !ok {
				writeError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "authentication required")
				return
			}
			for _, t := range allowed {
				if id.ActorType == t {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, r, http.StatusForbidden, "FORBIDDEN", "operator access required")
		})
	}
}

func (a *API) emit(ctx context.Context, in events.Input) {
	if a.deps.Events == nil {
		return
	}
	a.deps.Events.Emit(ctx, in)
}

// routeScope is the first path segment after /v1, used as the rate-limit scope.
func routeScope(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) >= 2 && parts[0] == "v1" {
		return parts[1]
	}
	return ""
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
