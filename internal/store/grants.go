package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/cairn/internal/ir"
)

// InsertGrant stores a new grant. Grant ids are unique; re-inserting an
// existing id is an error rather than a silent no-op, since a grant's terms
// must never change.
func (s *Store) InsertGrant(ctx context.Context, g ir.AccessGrant) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO access_grants
		(grant_id, user_id, role, tenant_id, scope, active, break_glass, ticket_id,
		 granted_by, granted_at, expires_at, revoked_at, revoked_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, '')
	`,
		g.GrantID, g.UserID, string(g.Role), g.TenantID, g.Scope, boolInt(g.Active), boolInt(g.BreakGlass),
		g.TicketID, g.GrantedBy, toMillis(g.GrantedAt), nullMillis(g.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("insert grant: %w", classify("insert grant", err))
	}
	return nil
}

// GetGrant returns one grant by id, or ir.ErrNotFound.
func (s *Store) GetGrant(ctx context.Context, grantID string) (ir.AccessGrant, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+grantColumns+` FROM access_grants WHERE grant_id = ?`, grantID)
	g, err := scanGrant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.AccessGrant{}, ir.ErrNotFound
	}
	if err != nil {
		return ir.AccessGrant{}, fmt.Errorf("get grant: %w", classify("get grant", err))
	}
	return g, nil
}

// RevokeGrant clears the active flag and stamps the revocation. Revoking an
// already revoked grant is a ValidationError; the row is never deleted.
func (s *Store) RevokeGrant(ctx context.Context, grantID, revokedBy string, at time.Time) (ir.AccessGrant, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE access_grants
		SET active = 0, revoked_at = ?, revoked_by = ?
		WHERE grant_id = ? AND active = 1
	`, toMillis(at), revokedBy, grantID)
	if err != nil {
		return ir.AccessGrant{}, fmt.Errorf("revoke grant: %w", classify("revoke grant", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ir.AccessGrant{}, fmt.Errorf("revoke grant: %w", err)
	}

	g, err := s.GetGrant(ctx, grantID)
	if err != nil {
		return ir.AccessGrant{}, err
	}
	if n == 0 {
		return ir.AccessGrant{}, ir.NewValidationError("grant %s is already revoked", grantID)
	}
	return g, nil
}

// ActiveGrants returns a user's active grants in a tenant. Expiry is not
// filtered here: policy evaluates it at the moment of use.
func (s *Store) ActiveGrants(ctx context.Context, tenantID, userID string) ([]ir.AccessGrant, error) {
	return s.queryGrants(ctx, "active grants", `
		SELECT `+grantColumns+`
		FROM access_grants
		WHERE tenant_id = ? AND user_id = ? AND active = 1
		ORDER BY granted_at ASC, grant_id ASC
	`, tenantID, userID)
}

// GrantFilter narrows ListGrants. Empty UserID lists every user.
type GrantFilter struct {
	TenantID       string
	UserID         string
	IncludeRevoked bool
}

// ListGrants returns grants in a tenant ordered by grant time.
func (s *Store) ListGrants(ctx context.Context, f GrantFilter) ([]ir.AccessGrant, error) {
	return s.queryGrants(ctx, "list grants", `
		SELECT `+grantColumns+`
		FROM access_grants
		WHERE tenant_id = ?
			AND (? = '' OR user_id = ?)
			AND (? = 1 OR active = 1)
		ORDER BY granted_at ASC, grant_id ASC
	`, f.TenantID, f.UserID, f.UserID, boolInt(f.IncludeRevoked))
}

func (s *Store) queryGrants(ctx context.Context, op, query string, args ...any) ([]ir.AccessGrant, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, classify(op, err))
	}
	defer rows.Close()

	grants := []ir.AccessGrant{}
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, classify(op, err))
	}
	return grants, nil
}
