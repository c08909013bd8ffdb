package events

import (
	"context"
	"time"

	"canteiro.app/internal/security"
)

// Input is what callers hand to the emitter. IP is the raw client address and
// never leaves this package unhashed; IPHash may be set instead when the
// caller already holds a hash. Empty identity and request fields are filled
// from the context.
type Input struct {
	Type       security.EventType
	TenantID   string
	ActorType  security.ActorType
	ActorID    string
	IP         string
	IPHash     string
	UserAgent  string
	Route      string
	Method     string
	StatusCode int
	ErrorCode  string
	TraceID    string
	Metadata   map[string]any
}

// Event is one persisted, sanitised security event. Events are append-only.
type Event struct {
	ID         string             `json:"id"`
	CreatedAt  time.Time          `json:"created_at"`
	Type       security.EventType `json:"event_type"`
	TenantID   string             `json:"tenant_id,omitempty"`
	ActorType  security.ActorType `json:"actor_type"`
	ActorID    string             `json:"actor_id,omitempty"`
	IPHash     string             `json:"ip_hash,omitempty"`
	UserAgent  string             `json:"user_agent,omitempty"`
	Route      string             `json:"route,omitempty"`
	Method     string             `json:"method,omitempty"`
	StatusCode int                `json:"status_code,omitempty"`
	ErrorCode  string             `json:"error_code,omitempty"`
	TraceID    string             `json:"trace_id,omitempty"`
	Metadata   map[string]any     `json:"metadata,omitempty"`
}

// Store persists events. Only the Emitter writes through it.
type Store interface {
	InsertEvent(ctx context.Context, ev Event) error
}

// Sink is the narrow interface other packages depend on.
type Sink interface {
	Emit(ctx context.Context, in Input)
}
