package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// QuarantineEntry records why an aggregate stopped accepting appends.
type QuarantineEntry struct {
	AggregateID string    `json:"aggregate_id"`
	TenantID    string    `json:"tenant_id"`
	Reason      string    `json:"reason"`
	DetectedAt  time.Time `json:"detected_at"`
}

// Quarantine marks an aggregate as failing verification.
// Uses ON CONFLICT DO NOTHING: the first detection is kept.
func (s *Store) Quarantine(ctx context.Context, e QuarantineEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO quarantine (aggregate_id, tenant_id, reason, detected_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(aggregate_id) DO NOTHING
	`, e.AggregateID, e.TenantID, e.Reason, toMillis(e.DetectedAt))
	if err != nil {
		return fmt.Errorf("quarantine: %w", classify("quarantine", err))
	}
	return nil
}

// QuarantineStatus returns the entry for an aggregate, if any.
func (s *Store) QuarantineStatus(ctx context.Context, aggregateID string) (QuarantineEntry, bool, error) {
	var (
		e  QuarantineEntry
		at int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT aggregate_id, tenant_id, reason, detected_at
		FROM quarantine WHERE aggregate_id = ?
	`, aggregateID).Scan(&e.AggregateID, &e.TenantID, &e.Reason, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return QuarantineEntry{}, false, nil
	}
	if err != nil {
		return QuarantineEntry{}, false, fmt.Errorf("quarantine status: %w", classify("quarantine status", err))
	}
	e.DetectedAt = fromMillis(at)
	return e, true, nil
}

// ListQuarantined returns a tenant's quarantined aggregates by detection time.
func (s *Store) ListQuarantined(ctx context.Context, tenantID string) ([]QuarantineEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT aggregate_id, tenant_id, reason, detected_at
		FROM quarantine
		WHERE tenant_id = ?
		ORDER BY detected_at ASC, aggregate_id ASC
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list quarantined: %w", classify("list quarantined", err))
	}
	defer rows.Close()

	entries := []QuarantineEntry{}
	for rows.Next() {
		var (
			e  QuarantineEntry
			at int64
		)
		if err := rows.Scan(&e.AggregateID, &e.TenantID, &e.Reason, &at); err != nil {
			return nil, fmt.Errorf("list quarantined: %w", err)
		}
		e.DetectedAt = fromMillis(at)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list quarantined: %w", classify("list quarantined", err))
	}
	return entries, nil
}
