package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/cairn/internal/ir"
)

// FoldFunc computes the next state from the current state and a sealed event.
// It runs inside the append transaction; an error aborts the append.
type FoldFunc func(state ir.State, ev ir.Event) (ir.State, error)

// Appended is the outcome of a successful append. Event and State are the
// values actually persisted; for duplicates they are the originals.
type Appended struct {
	ir.Acceptance
	Event ir.Event
	State ir.State
}

// Append atomically appends ev to its aggregate and stores the folded state.
//
// In one transaction it:
//   - returns the original acceptance if ev.EventID was already accepted
//   - verifies expectedVersion equals the aggregate's current version
//   - assigns version, seals the event into the aggregate's hash chain
//   - inserts the event and upserts the state returned by fold
//
// A stale expectedVersion yields a VersionConflict and writes nothing. Reusing
// an accepted event id with different content is a ValidationError.
func (s *Store) Append(ctx context.Context, ev ir.Event, expectedVersion int64, fold FoldFunc) (Appended, error) {
	if fold == nil {
		return Appended{}, fmt.Errorf("append: fold is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Appended{}, classify("append: begin tx", err)
	}
	defer tx.Rollback() // No-op if committed

	original, err := eventByID(ctx, tx, ev.EventID)
	switch {
	case err == nil:
		if !sameContent(original, ev) {
			return Appended{}, &ir.Error{
				Code:        ir.ErrCodeValidation,
				Message:     "event id reused with different content",
				AggregateID: ev.AggregateID,
				EventID:     ev.EventID,
			}
		}
		state, err := loadState(ctx, tx, original.AggregateID)
		if err != nil && !errors.Is(err, ir.ErrNotFound) {
			return Appended{}, classify("append: load state", err)
		}
		return Appended{Acceptance: acceptanceOf(original, true), Event: original, State: state}, nil
	case !errors.Is(err, ir.ErrNotFound):
		return Appended{}, classify("append: lookup event id", err)
	}

	current, prevChain, err := head(ctx, tx, ev.AggregateID)
	if err != nil {
		return Appended{}, classify("append: read head", err)
	}
	if current != expectedVersion {
		return Appended{}, ir.NewVersionConflict(ev.AggregateID, expectedVersion, current)
	}

	state, err := loadState(ctx, tx, ev.AggregateID)
	if err != nil && !errors.Is(err, ir.ErrNotFound) {
		return Appended{}, classify("append: load state", err)
	}
	if state.Version != current {
		return Appended{}, ir.NewIntegrityFault(ev.AggregateID,
			fmt.Sprintf("state at version %d but log at %d", state.Version, current))
	}

	ev.AggregateVersion = current + 1
	ev.ClientTimestamp = truncateMillis(ev.ClientTimestamp)
	ev.ServerTimestamp = truncateMillis(ev.ServerTimestamp)
	if ev.Payload == nil {
		ev.Payload = ir.IRObject{}
	}
	ev, err = ir.Seal(ev, prevChain)
	if err != nil {
		return Appended{}, fmt.Errorf("append: %w", err)
	}

	payload, err := marshalObject(ev.Payload)
	if err != nil {
		return Appended{}, fmt.Errorf("append: marshal payload: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO events
		(event_id, tenant_id, aggregate_id, aggregate_kind, aggregate_version, event_type,
		 schema_version, payload, actor_id, actor_role, site_id, client_timestamp,
		 server_timestamp, event_hash, prev_hash, chain_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		ev.EventID, ev.TenantID, ev.AggregateID, string(ev.AggregateKind), ev.AggregateVersion, ev.EventType,
		ev.SchemaVersion, payload, ev.ActorID, string(ev.ActorRole), ev.SiteID, toMillis(ev.ClientTimestamp),
		toMillis(ev.ServerTimestamp), ev.EventHash, ev.PrevHash, ev.ChainHash,
	)
	if err != nil {
		switch {
		case isVersionRace(err):
			latest, _, _ := head(ctx, tx, ev.AggregateID)
			return Appended{}, ir.NewVersionConflict(ev.AggregateID, expectedVersion, latest)
		case isEventIDRace(err):
			return Appended{}, ir.NewTransientIO("append: concurrent submission of the same event id", err)
		}
		return Appended{}, classify("append: insert event", err)
	}
	ev.Seq, err = res.LastInsertId()
	if err != nil {
		return Appended{}, fmt.Errorf("append: last insert id: %w", err)
	}

	next, err := fold(state, ev)
	if err != nil {
		return Appended{}, err
	}
	if next.Version != ev.AggregateVersion {
		return Appended{}, ir.NewIntegrityFault(ev.AggregateID,
			fmt.Sprintf("fold produced version %d for event version %d", next.Version, ev.AggregateVersion))
	}

	if err := upsertState(ctx, tx, next); err != nil {
		return Appended{}, classify("append: upsert state", err)
	}

	if err := tx.Commit(); err != nil {
		return Appended{}, classify("append: commit", err)
	}

	return Appended{Acceptance: acceptanceOf(ev, false), Event: ev, State: next}, nil
}

func acceptanceOf(ev ir.Event, duplicate bool) ir.Acceptance {
	return ir.Acceptance{
		Accepted:        true,
		EventID:         ev.EventID,
		AggregateID:     ev.AggregateID,
		ServerTimestamp: ev.ServerTimestamp,
		CurrentVersion:  ev.AggregateVersion,
		Seq:             ev.Seq,
		Duplicate:       duplicate,
	}
}

// sameContent compares the client-authored parts of two events. Server
// assigned fields (version, timestamps, hashes) are ignored.
func sameContent(a, b ir.Event) bool {
	return a.TenantID == b.TenantID &&
		a.AggregateID == b.AggregateID &&
		a.EventType == b.EventType &&
		ir.SameSchemaVersion(a.SchemaVersion, b.SchemaVersion) &&
		a.ActorID == b.ActorID &&
		a.SiteID == b.SiteID &&
		ir.Equal(payloadOrEmpty(a.Payload), payloadOrEmpty(b.Payload))
}

func payloadOrEmpty(p ir.IRObject) ir.IRObject {
	if p == nil {
		return ir.IRObject{}
	}
	return p
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func eventByID(ctx context.Context, q queryer, eventID string) (ir.Event, error) {
	row := q.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE event_id = ?`, eventID)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Event{}, ir.ErrNotFound
	}
	return ev, err
}

// head returns the latest version and chain hash of an aggregate, or (0, "")
// when it has no events.
func head(ctx context.Context, q queryer, aggregateID string) (int64, string, error) {
	var (
		version int64
		chain   string
	)
	err := q.QueryRowContext(ctx, `
		SELECT aggregate_version, chain_hash
		FROM events
		WHERE aggregate_id = ?
		ORDER BY aggregate_version DESC
		LIMIT 1
	`, aggregateID).Scan(&version, &chain)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", err
	}
	return version, chain, nil
}

func loadState(ctx context.Context, q queryer, aggregateID string) (ir.State, error) {
	row := q.QueryRowContext(ctx, `SELECT `+stateColumns+` FROM aggregates WHERE aggregate_id = ?`, aggregateID)
	st, err := scanState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.State{}, ir.ErrNotFound
	}
	return st, err
}

func upsertState(ctx context.Context, tx *sql.Tx, st ir.State) error {
	fields, err := marshalObject(st.Fields)
	if err != nil {
		return fmt.Errorf("marshal fields: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO aggregates
		(aggregate_id, tenant_id, kind, site_id, owner_id, version, fields, state_hash, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(aggregate_id) DO UPDATE SET
			version = excluded.version,
			fields = excluded.fields,
			state_hash = excluded.state_hash,
			updated_at = excluded.updated_at
	`,
		st.AggregateID, st.TenantID, string(st.Kind), st.SiteID, st.OwnerID,
		st.Version, fields, st.StateHash, toMillis(st.UpdatedAt),
	)
	return err
}
