// Package offline is the client side of synchronization: a durable outbox of
// locally authored events and the manager that drains it to the server.
//
// Authoring is synchronous and local. It never waits on the network; the
// Manager picks entries up in the background and drives each through
//
//	pending -> submitted -> accepted
//	                     -> pending   (retryable failure, after backoff)
//	                     -> rejected  (terminal failure)
//
// Entries leave the outbox only after the server has accepted them.
package offline

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/cairn/internal/ir"
	"github.com/roach88/cairn/internal/store"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Status is the state of an outbox entry.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSubmitted Status = "submitted"
	StatusAccepted  Status = "accepted"
	StatusRejected  Status = "rejected"
)

// Entry is one locally authored event and its delivery bookkeeping.
type Entry struct {
	Position        int64        `json:"position"`
	EventID         string       `json:"event_id"`
	AggregateID     string       `json:"aggregate_id"`
	EventType       string       `json:"event_type"`
	SchemaVersion   string       `json:"schema_version"`
	Payload         ir.IRObject  `json:"payload"`
	SiteID          string       `json:"site_id,omitempty"`
	ExpectedVersion int64        `json:"expected_version"`
	ClientTimestamp time.Time    `json:"client_timestamp"`
	Status          Status       `json:"status"`
	AttemptCount    int          `json:"attempt_count"`
	SubmittedAt     *time.Time   `json:"submitted_at,omitempty"`
	NextAttemptAt   time.Time    `json:"next_attempt_at"`
	LastError       string       `json:"last_error,omitempty"`
	LastCode        ir.ErrorCode `json:"last_code,omitempty"`
	AcceptedVersion int64        `json:"accepted_version,omitempty"`
}

// Request is the submission for this entry.
func (e Entry) Request() ir.SubmitRequest {
	return ir.SubmitRequest{
		EventID:         e.EventID,
		AggregateID:     e.AggregateID,
		ExpectedVersion: e.ExpectedVersion,
		EventType:       e.EventType,
		SchemaVersion:   e.SchemaVersion,
		Payload:         e.Payload,
		SiteID:          e.SiteID,
		ClientTimestamp: e.ClientTimestamp,
	}
}

// Queue is the durable outbox. It lives in its own SQLite file on the client.
type Queue struct {
	db *sql.DB
}

// OpenQueue opens or creates the outbox at path. Entries left in submitted by
// a crash or cancellation go back to pending; resubmitting them is safe
// because the server deduplicates on event id.
func OpenQueue(path string) (*Queue, error) {
	db, err := store.OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := store.MigrateUp(db, migrationFiles, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply outbox schema: %w", err)
	}
	q := &Queue{db: db}
	if _, err := db.Exec(`UPDATE outbox SET status = 'pending' WHERE status = 'submitted'`); err != nil {
		db.Close()
		return nil, fmt.Errorf("recover submitted entries: %w", err)
	}
	return q, nil
}

// Close closes the outbox database.
func (q *Queue) Close() error {
	return q.db.Close()
}

const entryColumns = `position, event_id, aggregate_id, event_type, schema_version, payload, site_id,
	expected_version, client_timestamp, status, attempt_count, submitted_at, next_attempt_at,
	last_error, last_code, accepted_version`

func scanEntry(row interface{ Scan(...any) error }) (Entry, error) {
	var (
		e                     Entry
		payload               string
		clientTS, nextAttempt int64
		submittedAt           sql.NullInt64
		status, code          string
	)
	err := row.Scan(&e.Position, &e.EventID, &e.AggregateID, &e.EventType, &e.SchemaVersion, &payload,
		&e.SiteID, &e.ExpectedVersion, &clientTS, &status, &e.AttemptCount, &submittedAt, &nextAttempt,
		&e.LastError, &code, &e.AcceptedVersion)
	if err != nil {
		return Entry{}, err
	}
	e.Payload, err = ir.UnmarshalPayload([]byte(payload))
	if err != nil {
		return Entry{}, fmt.Errorf("entry %s payload: %w", e.EventID, err)
	}
	e.Status = Status(status)
	e.LastCode = ir.ErrorCode(code)
	e.ClientTimestamp = time.UnixMilli(clientTS).UTC()
	e.NextAttemptAt = time.UnixMilli(nextAttempt).UTC()
	if submittedAt.Valid {
		t := time.UnixMilli(submittedAt.Int64).UTC()
		e.SubmittedAt = &t
	}
	return e, nil
}

// Enqueue adds a draft at the end of the outbox.
func (q *Queue) Enqueue(ctx context.Context, e Entry) (Entry, error) {
	payload := e.Payload
	if payload == nil {
		payload = ir.IRObject{}
	}
	data, err := ir.MarshalCanonical(payload)
	if err != nil {
		return Entry{}, fmt.Errorf("enqueue %s: %w", e.EventID, err)
	}
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO outbox (event_id, aggregate_id, event_type, schema_version, payload, site_id,
			expected_version, client_timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.EventID, e.AggregateID, e.EventType, e.SchemaVersion, string(data), e.SiteID,
		e.ExpectedVersion, e.ClientTimestamp.UnixMilli())
	if err != nil {
		return Entry{}, fmt.Errorf("enqueue %s: %w", e.EventID, err)
	}
	if _, err := res.LastInsertId(); err != nil {
		return Entry{}, fmt.Errorf("enqueue %s: %w", e.EventID, err)
	}
	return q.Get(ctx, e.EventID)
}

// Get returns an entry by event id.
func (q *Queue) Get(ctx context.Context, eventID string) (Entry, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM outbox WHERE event_id = ?`, eventID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("entry %s: %w", eventID, ir.ErrNotFound)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("entry %s: %w", eventID, err)
	}
	return e, nil
}

// List returns entries in authoring order, optionally limited to statuses.
func (q *Queue) List(ctx context.Context, statuses ...Status) ([]Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM outbox`
	var args []any
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ") + `)`
		for _, s := range statuses {
			args = append(args, string(s))
		}
	}
	query += ` ORDER BY position ASC`

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list outbox: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("list outbox: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list outbox: %w", err)
	}
	return entries, nil
}

// Counts returns the number of entries per status.
func (q *Queue) Counts(ctx context.Context) (map[Status]int, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM outbox GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count outbox: %w", err)
	}
	defer rows.Close()

	counts := map[Status]int{
		StatusPending:   0,
		StatusSubmitted: 0,
		StatusAccepted:  0,
		StatusRejected:  0,
	}
	for rows.Next() {
		var (
			s string
			n int
		)
		if err := rows.Scan(&s, &n); err != nil {
			return nil, fmt.Errorf("count outbox: %w", err)
		}
		counts[Status(s)] = n
	}
	return counts, rows.Err()
}

// NextVersion returns the expected version for a new draft on aggregateID:
// one past the latest pending draft, or the last confirmed server version.
func (q *Queue) NextVersion(ctx context.Context, aggregateID string) (int64, error) {
	var next int64
	err := q.db.QueryRowContext(ctx, `
		SELECT MAX(
			COALESCE((SELECT version FROM known_versions WHERE aggregate_id = ?), 0),
			COALESCE((SELECT MAX(expected_version) + 1 FROM outbox
				WHERE aggregate_id = ? AND status IN ('pending', 'submitted')), 0)
		)
	`, aggregateID, aggregateID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("next version %s: %w", aggregateID, err)
	}
	return next, nil
}

// KnownVersion returns the last server-confirmed version of an aggregate.
func (q *Queue) KnownVersion(ctx context.Context, aggregateID string) (int64, error) {
	var v int64
	err := q.db.QueryRowContext(ctx, `SELECT version FROM known_versions WHERE aggregate_id = ?`, aggregateID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("known version %s: %w", aggregateID, err)
	}
	return v, nil
}

// MarkSubmitted records a submission attempt in flight.
func (q *Queue) MarkSubmitted(ctx context.Context, eventID string, at time.Time) error {
	return q.update(ctx, "mark submitted", eventID, `
		UPDATE outbox SET status = 'submitted', submitted_at = ?, attempt_count = attempt_count + 1
		WHERE event_id = ? AND status = 'pending'
	`, at.UnixMilli(), eventID)
}

// MarkAccepted records the server's acceptance and advances the known
// version of the aggregate.
func (q *Queue) MarkAccepted(ctx context.Context, eventID string, acc ir.Acceptance) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mark accepted %s: %w", eventID, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE outbox SET status = 'accepted', accepted_version = ?, last_error = '', last_code = ''
		WHERE event_id = ? AND status IN ('pending', 'submitted')
	`, acc.CurrentVersion, eventID)
	if err != nil {
		return fmt.Errorf("mark accepted %s: %w", eventID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark accepted %s: %w", eventID, ir.ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO known_versions (aggregate_id, version) VALUES (?, ?)
		ON CONFLICT(aggregate_id) DO UPDATE SET version = MAX(version, excluded.version)
	`, acc.AggregateID, acc.CurrentVersion); err != nil {
		return fmt.Errorf("mark accepted %s: %w", eventID, err)
	}
	return tx.Commit()
}

// MarkRetry returns a submitted entry to pending with its error and the
// earliest time it may be tried again.
func (q *Queue) MarkRetry(ctx context.Context, eventID string, cause error, next time.Time) error {
	return q.update(ctx, "mark retry", eventID, `
		UPDATE outbox SET status = 'pending', next_attempt_at = ?, last_error = ?, last_code = ?
		WHERE event_id = ? AND status IN ('pending', 'submitted')
	`, next.UnixMilli(), errorText(cause), string(ir.CodeOf(cause)), eventID)
}

// Release returns an interrupted submission to pending without counting it
// as an attempt.
func (q *Queue) Release(ctx context.Context, eventID string) error {
	return q.update(ctx, "release", eventID, `
		UPDATE outbox SET status = 'pending', attempt_count = MAX(attempt_count - 1, 0)
		WHERE event_id = ? AND status = 'submitted'
	`, eventID)
}

// ResetRetries clears attempt counts and backoff windows of pending entries.
func (q *Queue) ResetRetries(ctx context.Context) error {
	if _, err := q.db.ExecContext(ctx, `
		UPDATE outbox SET attempt_count = 0, next_attempt_at = 0 WHERE status = 'pending'
	`); err != nil {
		return fmt.Errorf("reset retries: %w", err)
	}
	return nil
}

// MarkRejected marks an entry as terminally rejected.
func (q *Queue) MarkRejected(ctx context.Context, eventID string, cause error) error {
	return q.update(ctx, "mark rejected", eventID, `
		UPDATE outbox SET status = 'rejected', last_error = ?, last_code = ?
		WHERE event_id = ? AND status IN ('pending', 'submitted')
	`, errorText(cause), string(ir.CodeOf(cause)), eventID)
}

// Rebase moves an entry onto a newer server version with a re-derived
// payload. Later pending drafts of the same aggregate shift with it so they
// stay contiguous.
func (q *Queue) Rebase(ctx context.Context, eventID string, expected int64, payload ir.IRObject) error {
	data, err := ir.MarshalCanonical(payload)
	if err != nil {
		return fmt.Errorf("rebase %s: %w", eventID, err)
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("rebase %s: %w", eventID, err)
	}
	defer tx.Rollback()

	var (
		aggregateID string
		position    int64
		old         int64
	)
	err = tx.QueryRowContext(ctx, `SELECT aggregate_id, position, expected_version FROM outbox WHERE event_id = ?`, eventID).
		Scan(&aggregateID, &position, &old)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("rebase %s: %w", eventID, ir.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("rebase %s: %w", eventID, err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE outbox SET expected_version = ?, payload = ?, status = 'pending'
		WHERE event_id = ?
	`, expected, string(data), eventID); err != nil {
		return fmt.Errorf("rebase %s: %w", eventID, err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE outbox SET expected_version = expected_version + ?
		WHERE aggregate_id = ? AND position > ? AND status IN ('pending', 'submitted')
	`, expected-old, aggregateID, position); err != nil {
		return fmt.Errorf("rebase %s: %w", eventID, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO known_versions (aggregate_id, version) VALUES (?, ?)
		ON CONFLICT(aggregate_id) DO UPDATE SET version = MAX(version, excluded.version)
	`, aggregateID, expected); err != nil {
		return fmt.Errorf("rebase %s: %w", eventID, err)
	}
	return tx.Commit()
}

// Purge deletes accepted entries and returns how many were removed.
func (q *Queue) Purge(ctx context.Context) (int64, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM outbox WHERE status = 'accepted'`)
	if err != nil {
		return 0, fmt.Errorf("purge outbox: %w", err)
	}
	return res.RowsAffected()
}

func (q *Queue) update(ctx context.Context, op, eventID, query string, args ...any) error {
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, eventID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s %s: %w", op, eventID, ir.ErrNotFound)
	}
	return nil
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
