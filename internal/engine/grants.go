package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/cairn/internal/ir"
	"github.com/roach88/cairn/internal/policy"
	"github.com/roach88/cairn/internal/store"
)

// GrantRequest asks for a new access grant.
type GrantRequest struct {
	TenantID   string     `json:"tenant_id,omitempty"`
	UserID     string     `json:"user_id"`
	Role       ir.Role    `json:"role"`
	Scope      string     `json:"scope"`
	BreakGlass bool       `json:"break_glass,omitempty"`
	TicketID   string     `json:"ticket_id,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// Grant issues a grant on behalf of p. Grant administration is an append to
// tenant configuration, so p needs the admin role with an active global
// grant. The grant lands in p's tenant whatever the request says.
func (e *Engine) Grant(ctx context.Context, p ir.Principal, req GrantRequest) (ir.AccessGrant, error) {
	if err := e.authorizeAdmin(ctx, p); err != nil {
		return ir.AccessGrant{}, err
	}
	req.TenantID = p.TenantID
	return e.IssueGrant(ctx, p.UserID, req)
}

// IssueGrant stores a grant without authorizing the issuer. It backs
// operator tooling with direct database access and bootstrapping the first
// admin.
func (e *Engine) IssueGrant(ctx context.Context, grantedBy string, req GrantRequest) (ir.AccessGrant, error) {
	now := e.clock.Now()
	if err := e.validateGrant(req, now); err != nil {
		return ir.AccessGrant{}, err
	}

	g := ir.AccessGrant{
		GrantID:    e.ids.Generate(),
		UserID:     req.UserID,
		Role:       req.Role,
		TenantID:   req.TenantID,
		Scope:      req.Scope,
		Active:     true,
		BreakGlass: req.BreakGlass,
		TicketID:   req.TicketID,
		GrantedBy:  grantedBy,
		GrantedAt:  now,
		ExpiresAt:  req.ExpiresAt,
	}
	if err := e.store.InsertGrant(ctx, g); err != nil {
		return ir.AccessGrant{}, fmt.Errorf("issue grant: %w", err)
	}

	attrs := []any{
		"event", "grant_issued",
		"grant_id", g.GrantID,
		"tenant_id", g.TenantID,
		"user_id", g.UserID,
		"role", g.Role,
		"scope", g.Scope,
		"granted_by", grantedBy,
	}
	if g.BreakGlass {
		slog.Warn("break-glass grant issued", append(attrs,
			"ticket_id", g.TicketID,
			"expires_at", g.ExpiresAt,
		)...)
	} else {
		slog.Info("grant issued", attrs...)
	}
	return g, nil
}

// Revoke deactivates a grant in p's tenant. Grants of other tenants are
// reported as not found.
func (e *Engine) Revoke(ctx context.Context, p ir.Principal, grantID string) (ir.AccessGrant, error) {
	if err := e.authorizeAdmin(ctx, p); err != nil {
		return ir.AccessGrant{}, err
	}
	return e.RevokeGrant(ctx, p.UserID, p.TenantID, grantID)
}

// RevokeGrant deactivates a grant without authorizing the revoker. An empty
// tenantID matches any tenant.
func (e *Engine) RevokeGrant(ctx context.Context, revokedBy, tenantID, grantID string) (ir.AccessGrant, error) {
	g, err := e.store.GetGrant(ctx, grantID)
	if err != nil {
		return ir.AccessGrant{}, fmt.Errorf("revoke grant %s: %w", grantID, err)
	}
	if tenantID != "" && g.TenantID != tenantID {
		return ir.AccessGrant{}, fmt.Errorf("revoke grant %s: %w", grantID, ir.ErrNotFound)
	}
	g, err = e.store.RevokeGrant(ctx, grantID, revokedBy, e.clock.Now())
	if err != nil {
		return ir.AccessGrant{}, fmt.Errorf("revoke grant %s: %w", grantID, err)
	}
	slog.Info("grant revoked",
		"event", "grant_revoked",
		"grant_id", g.GrantID,
		"tenant_id", g.TenantID,
		"user_id", g.UserID,
		"revoked_by", revokedBy,
	)
	return g, nil
}

// ListGrants returns grants in p's tenant, optionally for one user.
func (e *Engine) ListGrants(ctx context.Context, p ir.Principal, userID string, includeRevoked bool) ([]ir.AccessGrant, error) {
	if err := e.authorizeAdmin(ctx, p); err != nil {
		return nil, err
	}
	grants, err := e.store.ListGrants(ctx, store.GrantFilter{
		TenantID:       p.TenantID,
		UserID:         userID,
		IncludeRevoked: includeRevoked,
	})
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	return grants, nil
}

func (e *Engine) authorizeAdmin(ctx context.Context, p ir.Principal) error {
	if err := validatePrincipal(p); err != nil {
		return err
	}
	if p.Role != ir.RoleAdmin {
		return ir.NewPolicyDenied("", "grant administration requires the admin role")
	}
	_, err := e.enforcer.Check(ctx, p, ir.OpAppend, policy.Target{
		TenantID: p.TenantID,
		SiteID:   ir.ScopeGlobal,
		Kind:     ir.KindConfig,
	})
	return err
}

func (e *Engine) validateGrant(req GrantRequest, now time.Time) error {
	switch {
	case req.TenantID == "":
		return ir.NewValidationError("tenant_id is required")
	case req.UserID == "":
		return ir.NewValidationError("user_id is required")
	case !ir.ValidRoles[req.Role]:
		return ir.NewValidationError("unknown role %q", req.Role)
	case req.Role == ir.RoleParticipant:
		return ir.NewValidationError("participants act on their own records and take no grants")
	case req.Scope == "":
		return ir.NewValidationError("scope is required")
	case req.ExpiresAt != nil && !req.ExpiresAt.After(now):
		return ir.NewValidationError("expires_at must be in the future")
	}
	if (req.Role == ir.RoleAuditor || req.Role == ir.RoleSponsor) && req.Scope != ir.ScopeGlobal {
		return ir.NewValidationError("%s grants must be global", req.Role)
	}
	if !req.BreakGlass {
		return nil
	}

	switch {
	case req.Role != ir.RoleAdmin:
		return ir.NewValidationError("break-glass grants are for the admin role")
	case req.TicketID == "":
		return ir.NewValidationError("break-glass grants require a ticket_id")
	case req.ExpiresAt == nil:
		return ir.NewValidationError("break-glass grants require expires_at")
	case req.ExpiresAt.Sub(now) > e.maxBreakGlass:
		return ir.NewValidationError("break-glass grants may last at most %s", e.maxBreakGlass)
	}
	return nil
}
