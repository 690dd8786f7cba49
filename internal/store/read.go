package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/roach88/cairn/internal/ir"
	"github.com/roach88/cairn/internal/queryir"
	"github.com/roach88/cairn/internal/querysql"
)

// ReadEvents returns the events of one aggregate with version >= fromVersion,
// in version order. The sequence is lazy and paged: each page is read and its
// rows closed before any event is yielded, so callers may use the store while
// iterating. Ranging again restarts from fromVersion.
func (s *Store) ReadEvents(ctx context.Context, aggregateID string, fromVersion int64) iter.Seq2[ir.Event, error] {
	return func(yield func(ir.Event, error) bool) {
		after := max(fromVersion, 1) - 1
		for {
			page, err := s.queryEvents(ctx, "read events", `
				SELECT `+eventColumns+`
				FROM events
				WHERE aggregate_id = ? AND aggregate_version > ?
				ORDER BY aggregate_version ASC
				LIMIT ?
			`, aggregateID, after, s.pageSize)
			if err != nil {
				yield(ir.Event{}, err)
				return
			}
			for _, ev := range page {
				if !yield(ev, nil) {
					return
				}
			}
			if len(page) < s.pageSize {
				return
			}
			after = page[len(page)-1].AggregateVersion
		}
	}
}

// EventsSince returns a tenant's events with seq > afterSeq in seq order.
// An empty tenant reads every tenant. Paged like ReadEvents.
func (s *Store) EventsSince(ctx context.Context, tenantID string, afterSeq int64) iter.Seq2[ir.Event, error] {
	return func(yield func(ir.Event, error) bool) {
		after := afterSeq
		for {
			page, err := s.queryEvents(ctx, "events since", `
				SELECT `+eventColumns+`
				FROM events
				WHERE (? = '' OR tenant_id = ?) AND seq > ?
				ORDER BY seq ASC
				LIMIT ?
			`, tenantID, tenantID, after, s.pageSize)
			if err != nil {
				yield(ir.Event{}, err)
				return
			}
			for _, ev := range page {
				if !yield(ev, nil) {
					return
				}
			}
			if len(page) < s.pageSize {
				return
			}
			after = page[len(page)-1].Seq
		}
	}
}

// LastSeq returns the highest assigned seq, or 0 for an empty log.
func (s *Store) LastSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM events`).Scan(&seq)
	if err != nil {
		return 0, classify("last seq", err)
	}
	return seq, nil
}

func (s *Store) queryEvents(ctx context.Context, op, query string, args ...any) ([]ir.Event, error) {
	return queryEventsOn(ctx, s.db, op, query, args...)
}

func queryEventsOn(ctx context.Context, q queryer, op, query string, args ...any) ([]ir.Event, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, classify(op, err))
	}
	defer rows.Close()

	events := []ir.Event{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, classify(op, err))
	}
	return events, nil
}

// Snapshot is an aggregate's stored state and complete log as of one
// committed point.
type Snapshot struct {
	State    ir.State
	HasState bool
	Events   []ir.Event
}

// Snapshot reads the state row and every event of an aggregate inside one
// read transaction, so an append committing meanwhile is either wholly
// visible or not at all. The log is loaded into memory.
func (s *Store) Snapshot(ctx context.Context, aggregateID string) (Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: %w", classify("snapshot", err))
	}
	defer tx.Rollback()

	var snap Snapshot
	st, err := loadState(ctx, tx, aggregateID)
	switch {
	case err == nil:
		snap.State, snap.HasState = st, true
	case !errors.Is(err, ir.ErrNotFound):
		return Snapshot{}, fmt.Errorf("snapshot: %w", classify("snapshot", err))
	}

	snap.Events, err = queryEventsOn(ctx, tx, "snapshot", `
		SELECT `+eventColumns+`
		FROM events
		WHERE aggregate_id = ?
		ORDER BY aggregate_version ASC
	`, aggregateID)
	if err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// CurrentVersion returns the max aggregate_version of an aggregate, or 0.
func (s *Store) CurrentVersion(ctx context.Context, aggregateID string) (int64, error) {
	v, _, err := head(ctx, s.db, aggregateID)
	if err != nil {
		return 0, classify("current version", err)
	}
	return v, nil
}

// EventByID returns an accepted event by its id, or ir.ErrNotFound.
func (s *Store) EventByID(ctx context.Context, eventID string) (ir.Event, error) {
	ev, err := eventByID(ctx, s.db, eventID)
	if err != nil {
		if errors.Is(err, ir.ErrNotFound) {
			return ir.Event{}, err
		}
		return ir.Event{}, fmt.Errorf("event by id: %w", classify("event by id", err))
	}
	return ev, nil
}

// LoadState returns the materialized state of an aggregate, or ir.ErrNotFound.
func (s *Store) LoadState(ctx context.Context, aggregateID string) (ir.State, error) {
	st, err := loadState(ctx, s.db, aggregateID)
	if err != nil {
		if errors.Is(err, ir.ErrNotFound) {
			return ir.State{}, err
		}
		return ir.State{}, fmt.Errorf("load state: %w", classify("load state", err))
	}
	return st, nil
}

// ScopeClause is one disjunct of a visibility filter. A row matches when its
// site, kind and owner all satisfy the clause. Empty Kinds matches any kind;
// AllSites ignores Sites; empty OwnerID ignores ownership.
type ScopeClause struct {
	AllSites bool
	Sites    []string
	Kinds    []ir.AggregateKind
	OwnerID  string
}

// StateQuery selects a page of aggregates. Rows must be in TenantID and match
// at least one clause; with no clauses nothing matches. Site and Kind further
// narrow the result. Pages are keyed on aggregate_id: pass the last id of the
// previous page as After.
type StateQuery struct {
	TenantID string
	Clauses  []ScopeClause
	Site     string
	Kind     ir.AggregateKind
	After    string
	Limit    int
}

// ScanStates returns one page of aggregates ordered by aggregate_id.
func (s *Store) ScanStates(ctx context.Context, q StateQuery) ([]ir.State, error) {
	if len(q.Clauses) == 0 {
		return []ir.State{}, nil
	}
	limit := q.Limit
	if limit <= 0 || limit > s.pageSize {
		limit = s.pageSize
	}

	where, args, err := scopeSQL("", q.Clauses)
	if err != nil {
		return nil, err
	}
	query := `SELECT ` + stateColumns + ` FROM aggregates WHERE tenant_id = ? AND aggregate_id > ? AND ` + where
	args = append([]any{q.TenantID, q.After}, args...)
	if q.Site != "" {
		query += ` AND site_id = ?`
		args = append(args, q.Site)
	}
	if q.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(q.Kind))
	}
	query += ` ORDER BY aggregate_id COLLATE BINARY ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("scan states: %w", classify("scan states", err))
	}
	defer rows.Close()

	states := []ir.State{}
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan states: %w", err)
		}
		states = append(states, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan states: %w", classify("scan states", err))
	}
	return states, nil
}

// scopePredicate turns clauses into an OR of ANDs. A clause limited to sites
// but naming none matches nothing and is dropped.
func scopePredicate(clauses []ScopeClause) queryir.Predicate {
	or := queryir.Or{}
	for _, c := range clauses {
		and := queryir.And{}
		if !c.AllSites {
			if len(c.Sites) == 0 {
				continue
			}
			and.Predicates = append(and.Predicates, queryir.In{Field: queryir.FieldSite, Values: queryir.Strings(c.Sites...)})
		}
		if len(c.Kinds) > 0 {
			kinds := make([]string, len(c.Kinds))
			for i, k := range c.Kinds {
				kinds[i] = string(k)
			}
			and.Predicates = append(and.Predicates, queryir.In{Field: queryir.FieldKind, Values: queryir.Strings(kinds...)})
		}
		if c.OwnerID != "" {
			and.Predicates = append(and.Predicates, queryir.Equals{Field: queryir.FieldOwner, Value: ir.IRString(c.OwnerID)})
		}
		or.Predicates = append(or.Predicates, and)
	}
	return or
}

// scopeSQL renders clauses over columns with the given table prefix.
func scopeSQL(prefix string, clauses []ScopeClause) (string, []any, error) {
	where, args, err := querysql.NewSQLCompiler(prefix).Compile(scopePredicate(clauses))
	if err != nil {
		return "", nil, ir.NewValidationError("visibility filter: %v", err)
	}
	return where, args, nil
}

// ExportRow is an event together with the visibility attributes of its
// aggregate, so each row can be authorized on its own.
type ExportRow struct {
	Event   ir.Event
	SiteID  string
	Kind    ir.AggregateKind
	OwnerID string
}

// ExportQuery selects events for audit export. Zero From/To leave the range
// open; To is exclusive.
type ExportQuery struct {
	TenantID    string
	AggregateID string
	From        time.Time
	To          time.Time
	Clauses     []ScopeClause
}

// ExportEvents returns matching events ordered by server_timestamp then seq.
// Lazy and paged on (server_timestamp, seq).
func (s *Store) ExportEvents(ctx context.Context, q ExportQuery) iter.Seq2[ExportRow, error] {
	return func(yield func(ExportRow, error) bool) {
		if len(q.Clauses) == 0 {
			return
		}
		where, scopeArgs, err := scopeSQL("a.", q.Clauses)
		if err != nil {
			yield(ExportRow{}, err)
			return
		}

		var (
			afterTS  int64 = -1 << 62
			afterSeq int64
		)
		if !q.From.IsZero() {
			afterTS = toMillis(q.From)
			afterSeq = -1
		}
		for {
			query := `
				SELECT e.seq, e.event_id, e.tenant_id, e.aggregate_id, e.aggregate_kind, e.aggregate_version,
					e.event_type, e.schema_version, e.payload, e.actor_id, e.actor_role, e.site_id,
					e.client_timestamp, e.server_timestamp, e.event_hash, e.prev_hash, e.chain_hash,
					a.site_id, a.kind, a.owner_id
				FROM events e
				JOIN aggregates a ON a.aggregate_id = e.aggregate_id
				WHERE e.tenant_id = ?
					AND (e.server_timestamp > ? OR (e.server_timestamp = ? AND e.seq > ?))
					AND ` + where
			args := []any{q.TenantID, afterTS, afterTS, afterSeq}
			args = append(args, scopeArgs...)
			if q.AggregateID != "" {
				query += ` AND e.aggregate_id = ?`
				args = append(args, q.AggregateID)
			}
			if !q.To.IsZero() {
				query += ` AND e.server_timestamp < ?`
				args = append(args, toMillis(q.To))
			}
			query += ` ORDER BY e.server_timestamp ASC, e.seq ASC LIMIT ?`
			args = append(args, s.pageSize)

			page, err := s.queryExportRows(ctx, query, args...)
			if err != nil {
				yield(ExportRow{}, err)
				return
			}
			for _, row := range page {
				if !yield(row, nil) {
					return
				}
			}
			if len(page) < s.pageSize {
				return
			}
			last := page[len(page)-1].Event
			afterTS, afterSeq = toMillis(last.ServerTimestamp), last.Seq
		}
	}
}

func (s *Store) queryExportRows(ctx context.Context, query string, args ...any) ([]ExportRow, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("export events: %w", classify("export events", err))
	}
	defer rows.Close()

	out := []ExportRow{}
	for rows.Next() {
		var (
			row                ExportRow
			ev                 ir.Event
			evKind, role, kind string
			payload            string
			clientTS, serverTS int64
		)
		err := rows.Scan(
			&ev.Seq, &ev.EventID, &ev.TenantID, &ev.AggregateID, &evKind, &ev.AggregateVersion,
			&ev.EventType, &ev.SchemaVersion, &payload, &ev.ActorID, &role, &ev.SiteID,
			&clientTS, &serverTS, &ev.EventHash, &ev.PrevHash, &ev.ChainHash,
			&row.SiteID, &kind, &row.OwnerID,
		)
		if err != nil {
			return nil, fmt.Errorf("export events: %w", err)
		}
		ev.AggregateKind = ir.AggregateKind(evKind)
		ev.ActorRole = ir.Role(role)
		ev.ClientTimestamp = fromMillis(clientTS)
		ev.ServerTimestamp = fromMillis(serverTS)
		if ev.Payload, err = unmarshalObject(payload); err != nil {
			return nil, fmt.Errorf("export events: event %s payload: %w", ev.EventID, err)
		}
		row.Event = ev
		row.Kind = ir.AggregateKind(kind)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("export events: %w", classify("export events", err))
	}
	return out, nil
}

// Tenants returns the distinct tenants that own at least one aggregate.
func (s *Store) Tenants(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT tenant_id FROM aggregates ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("tenants: %w", classify("tenants", err))
	}
	defer rows.Close()

	tenants := []string{}
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("tenants: %w", err)
		}
		tenants = append(tenants, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tenants: %w", classify("tenants", err))
	}
	return tenants, nil
}

// AggregateIDs returns every aggregate id in a tenant, ordered, paged.
func (s *Store) AggregateIDs(ctx context.Context, tenantID string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		after := ""
		for {
			page, err := s.aggregateIDPage(ctx, tenantID, after)
			if err != nil {
				yield("", err)
				return
			}
			for _, id := range page {
				if !yield(id, nil) {
					return
				}
			}
			if len(page) < s.pageSize {
				return
			}
			after = page[len(page)-1]
		}
	}
}

func (s *Store) aggregateIDPage(ctx context.Context, tenantID, after string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT aggregate_id FROM aggregates
		WHERE tenant_id = ? AND aggregate_id > ?
		ORDER BY aggregate_id COLLATE BINARY ASC
		LIMIT ?
	`, tenantID, after, s.pageSize)
	if err != nil {
		return nil, fmt.Errorf("aggregate ids: %w", classify("aggregate ids", err))
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("aggregate ids: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("aggregate ids: %w", classify("aggregate ids", err))
	}
	return ids, nil
}
