package identity

import (
	"context"
	"strings"
	"time"

	"canteiro.app/internal/security"
)

// Identity is the authenticated caller as supplied by the external auth service.
// IssuedAt is when the caller last authenticated; zero when unknown.
type Identity struct {
	UserID    string
	TenantID  string
	ActorType security.ActorType
	IssuedAt  time.Time
}

// Request carries transport details attached to every security event.
type Request struct {
	IP        string
	UserAgent string
	Route     string
	Method    string
	TraceID   string
}

type identityKey struct{}
type requestKey struct{}

// WithIdentity stores the authenticated identity in the context.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	id.UserID = strings.TrimSpace(id.UserID)
	id.TenantID = strings.TrimSpace(id.TenantID)
	if id.ActorType == "" {
		id.ActorType = security.ActorTenantUser
	}
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext returns the identity if the request was authenticated.
func FromContext(ctx context.Context) (Identity, bool) {
	if ctx == nil {
		return Identity{}, false
	}
	id, ok := ctx.Value(identityKey{}).(Identity)
	if !ok || id.UserID == "" {
		return Identity{}, false
	}
	return id, true
}

// WithRequest stores request metadata in the context.
func WithRequest(ctx context.Context, r Request) context.Context {
	return context.WithValue(ctx, requestKey{}, r)
}

// RequestFromContext returns request metadata, or the zero value.
func RequestFromContext(ctx context.Context) Request {
	if ctx == nil {
		return Request{}
	}
	r, _ := ctx.Value(requestKey{}).(Request)
	return r
}
