package events

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"

	"canteiro.app/internal/identity"
	"canteiro.app/internal/ids"
	"canteiro.app/internal/obs"
	"canteiro.app/internal/security"
)

const defaultWriteTimeout = 2 * time.Second

// Emitter is the only write path into the security event table. Emit never
// fails the caller: persistence errors are logged and counted.
type Emitter struct {
	store   Store
	hasher  *IPHasher
	now     func() time.Time
	timeout time.Duration
}

type Option func(*Emitter)

// WithClock overrides the time source used for CreatedAt.
func WithClock(fn func() time.Time) Option {
	return func(e *Emitter) {
		if fn != nil {
			e.now = fn
		}
	}
}

// WithWriteTimeout bounds each insert.
func WithWriteTimeout(d time.Duration) Option {
	return func(e *Emitter) {
		if d > 0 {
			e.timeout = d
		}
	}
}

func NewEmitter(store Store, hasher *IPHasher, opts ...Option) *Emitter {
	e := &Emitter{store: store, hasher: hasher, now: time.Now, timeout: defaultWriteTimeout}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// HashIP exposes the emitter's hasher so enforcement lookups use the same digest.
func (e *Emitter) HashIP(ip string) string {
	return e.hasher.Hash(ip)
}

// Emit sanitises and stores one event. The insert is detached from ctx
// cancellation so an aborted request still leaves its trail.
func (e *Emitter) Emit(ctx context.Context, in Input) {
	if e == nil || e.store == nil {
		return
	}
	if !in.Type.Valid() {
		obs.EventsEmitted.WithLabelValues(string(in.Type), "invalid").Inc()
		obs.Warn("security event dropped", map[string]any{"event_type": in.Type, "reason": "unknown event type"})
		return
	}
	ev := e.build(ctx, in)

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()
	if err := e.store.InsertEvent(wctx, ev); err != nil {
		obs.EventsEmitted.WithLabelValues(string(ev.Type), "failed").Inc()
		obs.Warn("security event not persisted", map[string]any{
			"event_id":   ev.ID,
			"event_type": ev.Type,
			"tenant_id":  ev.TenantID,
			"error":      err,
		})
		return
	}
	obs.EventsEmitted.WithLabelValues(string(ev.Type), "stored").Inc()
}

func (e *Emitter) build(ctx context.Context, in Input) Event {
	now := e.now().UTC()
	if id, ok := identity.FromContext(ctx); ok {
		if in.ActorID == "" {
			in.ActorID = id.UserID
			if in.ActorType == "" {
				in.ActorType = id.ActorType
			}
		}
		if in.TenantID == "" {
			in.TenantID = id.TenantID
		}
	}
	req := identity.RequestFromContext(ctx)
	if in.IP == "" && in.IPHash == "" {
		in.IP = req.IP
	}
	if in.UserAgent == "" {
		in.UserAgent = req.UserAgent
	}
	if in.Route == "" {
		in.Route = req.Route
	}
	if in.Method == "" {
		in.Method = req.Method
	}
	if in.TraceID == "" {
		in.TraceID = traceID(ctx, req)
	}
	if !in.ActorType.Valid() {
		if strings.TrimSpace(in.ActorID) == "" {
			in.ActorType = security.ActorAnonymous
		} else {
			in.ActorType = security.ActorTenantUser
		}
	}

	ipHash := in.IPHash
	if in.IP != "" {
		ipHash = e.hasher.Hash(in.IP)
	}
	return Event{
		ID:         ids.NewAt(now),
		CreatedAt:  now,
		Type:       in.Type,
		TenantID:   strings.TrimSpace(in.TenantID),
		ActorType:  in.ActorType,
		ActorID:    strings.TrimSpace(in.ActorID),
		IPHash:     ipHash,
		UserAgent:  truncate(in.UserAgent, 512),
		Route:      truncate(in.Route, 256),
		Method:     truncate(strings.ToUpper(in.Method), 16),
		StatusCode: in.StatusCode,
		ErrorCode:  in.ErrorCode,
		TraceID:    truncate(in.TraceID, 64),
		Metadata:   sanitizeMetadata(in.Metadata),
	}
}

func traceID(ctx context.Context, req identity.Request) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	if req.TraceID != "" {
		return req.TraceID
	}
	return ids.TraceID()
}

// truncate cleans s to valid UTF-8 and cuts it to at most n bytes on a
// rune boundary.
func truncate(s string, n int) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
