package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// LoadCursor returns the last seq a relay recorded, or 0 if it never ran.
func (s *Store) LoadCursor(ctx context.Context, name string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `SELECT seq FROM relay_cursors WHERE name = ?`, name).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load cursor %s: %w", name, classify("load cursor", err))
	}
	return seq, nil
}

// SaveCursor records that a relay has handled every event up to seq.
// Cursors never move backwards.
func (s *Store) SaveCursor(ctx context.Context, name string, seq int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO relay_cursors (name, seq, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET seq = MAX(seq, excluded.seq), updated_at = excluded.updated_at
	`, name, seq, toMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("save cursor %s: %w", name, classify("save cursor", err))
	}
	return nil
}
