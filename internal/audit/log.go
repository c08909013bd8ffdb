// Package audit records operator actions (policy edits, revocations, override
// changes) as JSON lines next to the service log.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"canteiro.app/internal/events"
	"canteiro.app/internal/identity"
	"canteiro.app/internal/obs"
)

type requestIDKey struct{}

// Entry is one audit line.
type Entry struct {
	TS        string         `json:"ts"`
	Type      string         `json:"type"`
	Event     string         `json:"event"`
	RequestID string         `json:"request_id,omitempty"`
	ActorID   string         `json:"actor_id,omitempty"`
	ActorType string         `json:"actor_type,omitempty"`
	TenantID  string         `json:"tenant_id,omitempty"`
	Route     string         `json:"route,omitempty"`
	Fields    map[string]any `json:"fields"`
}

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

func requestID(ctx context.Context) string {
	v, _ := ctx.Value(requestIDKey{}).(string)
	return v
}

// LogEvent writes an operator audit entry for event. The caller and request
// are taken from ctx; PII-looking keys in fields are redacted.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := Entry{
		TS:        time.Now().UTC().Format(time.RFC3339Nano),
		Type:      "audit",
		Event:     event,
		RequestID: requestID(ctx),
		Route:     identity.RequestFromContext(ctx).Route,
		Fields:    map[string]any{},
	}
	if id, ok := identity.FromContext(ctx); ok {
		entry.ActorID = id.UserID
		entry.ActorType = string(id.ActorType)
		entry.TenantID = id.TenantID
	}
	if len(fields) > 0 {
		entry.Fields = events.Redact(fields).(map[string]any)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}
