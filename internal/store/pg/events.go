package pg

import (
	"context"
	"database/sql"
	"time"

	"canteiro.app/internal/events"
	"canteiro.app/internal/security"
)

var _ events.Store = (*Store)(nil)

// InsertEvent appends one sanitised event. The table rejects updates and deletes.
func (s *Store) InsertEvent(ctx context.Context, ev events.Event) error {
	if s.db == nil {
		return errNoDB
	}
	meta, err := marshalJSON(ev.Metadata)
	if err != nil {
		return err
	}
	var status sql.NullInt32
	if ev.StatusCode != 0 {
		status = sql.NullInt32{Int32: int32(ev.StatusCode), Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		insert into security_events (
			id, created_at, event_type, tenant_id, actor_type, actor_id, ip_hash,
			user_agent, route, method, status_code, error_code, trace_id, metadata
		) values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, ev.ID, ev.CreatedAt, string(ev.Type), nullIfEmpty(ev.TenantID), string(ev.ActorType),
		nullIfEmpty(ev.ActorID), nullIfEmpty(ev.IPHash), ev.UserAgent, ev.Route, ev.Method,
		status, nullIfEmpty(ev.ErrorCode), ev.TraceID, meta)
	return err
}

// EventsSince returns events of one type at or after since, oldest first.
func (s *Store) EventsSince(ctx context.Context, eventType security.EventType, since time.Time) ([]events.Event, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, created_at, event_type, tenant_id, actor_type, actor_id, ip_hash,
		       user_agent, route, method, status_code, error_code, trace_id, metadata
		from security_events
		where event_type = $1 and created_at >= $2
		order by created_at, id
	`, string(eventType), since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var (
			ev                               events.Event
			typ, actor                       string
			tenant, actorID, ipHash, errCode sql.NullString
			status                           sql.NullInt32
			meta                             []byte
		)
		if err := rows.Scan(&ev.ID, &ev.CreatedAt, &typ, &tenant, &actor, &actorID, &ipHash,
			&ev.UserAgent, &ev.Route, &ev.Method, &status, &errCode, &ev.TraceID, &meta); err != nil {
			return nil, err
		}
		ev.Type = security.EventType(typ)
		ev.ActorType = security.ActorType(actor)
		ev.TenantID = tenant.String
		ev.ActorID = actorID.String
		ev.IPHash = ipHash.String
		ev.ErrorCode = errCode.String
		ev.StatusCode = int(status.Int32)
		if ev.Metadata, err = unmarshalMap(meta); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
