package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/cairn/internal/ir"
)

// marshalObject converts an IRObject to canonical JSON TEXT for storage.
// Uses RFC 8785 canonical JSON so stored bytes are stable across writers.
func marshalObject(obj ir.IRObject) (string, error) {
	if obj == nil {
		obj = ir.IRObject{}
	}
	data, err := ir.MarshalCanonical(obj)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// unmarshalObject parses stored JSON TEXT into an IRObject.
func unmarshalObject(data string) (ir.IRObject, error) {
	if data == "" || data == "{}" {
		return ir.IRObject{}, nil
	}
	obj, err := ir.UnmarshalPayload([]byte(data))
	if err != nil {
		return nil, err
	}
	return obj, nil
}

// Timestamps are stored as Unix milliseconds, the precision event hashes use.
func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// truncateMillis drops sub-millisecond precision so a timestamp survives a
// storage round trip unchanged.
func truncateMillis(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return fromMillis(toMillis(t))
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

const eventColumns = `seq, event_id, tenant_id, aggregate_id, aggregate_kind, aggregate_version,
	event_type, schema_version, payload, actor_id, actor_role, site_id,
	client_timestamp, server_timestamp, event_hash, prev_hash, chain_hash`

func scanEvent(row scanner) (ir.Event, error) {
	var (
		ev                 ir.Event
		kind, role         string
		payload            string
		clientTS, serverTS int64
	)
	err := row.Scan(
		&ev.Seq, &ev.EventID, &ev.TenantID, &ev.AggregateID, &kind, &ev.AggregateVersion,
		&ev.EventType, &ev.SchemaVersion, &payload, &ev.ActorID, &role, &ev.SiteID,
		&clientTS, &serverTS, &ev.EventHash, &ev.PrevHash, &ev.ChainHash,
	)
	if err != nil {
		return ir.Event{}, err
	}
	ev.AggregateKind = ir.AggregateKind(kind)
	ev.ActorRole = ir.Role(role)
	ev.ClientTimestamp = fromMillis(clientTS)
	ev.ServerTimestamp = fromMillis(serverTS)

	ev.Payload, err = unmarshalObject(payload)
	if err != nil {
		return ir.Event{}, fmt.Errorf("event %s payload: %w", ev.EventID, err)
	}
	return ev, nil
}

const stateColumns = `aggregate_id, tenant_id, kind, site_id, owner_id, version, fields, state_hash, updated_at`

func scanState(row scanner) (ir.State, error) {
	var (
		st        ir.State
		kind      string
		fields    string
		updatedAt int64
	)
	err := row.Scan(&st.AggregateID, &st.TenantID, &kind, &st.SiteID, &st.OwnerID,
		&st.Version, &fields, &st.StateHash, &updatedAt)
	if err != nil {
		return ir.State{}, err
	}
	st.Kind = ir.AggregateKind(kind)
	st.UpdatedAt = fromMillis(updatedAt)

	st.Fields, err = unmarshalObject(fields)
	if err != nil {
		return ir.State{}, fmt.Errorf("aggregate %s fields: %w", st.AggregateID, err)
	}
	return st, nil
}

const grantColumns = `grant_id, user_id, role, tenant_id, scope, active, break_glass, ticket_id,
	granted_by, granted_at, expires_at, revoked_at, revoked_by`

func scanGrant(row scanner) (ir.AccessGrant, error) {
	var (
		g                    ir.AccessGrant
		role                 string
		active, breakGlass   int
		grantedAt            int64
		expiresAt, revokedAt sql.NullInt64
	)
	err := row.Scan(&g.GrantID, &g.UserID, &role, &g.TenantID, &g.Scope, &active, &breakGlass,
		&g.TicketID, &g.GrantedBy, &grantedAt, &expiresAt, &revokedAt, &g.RevokedBy)
	if err != nil {
		return ir.AccessGrant{}, err
	}
	g.Role = ir.Role(role)
	g.Active = active == 1
	g.BreakGlass = breakGlass == 1
	g.GrantedAt = fromMillis(grantedAt)
	g.ExpiresAt = timePtr(expiresAt)
	g.RevokedAt = timePtr(revokedAt)
	return g, nil
}
