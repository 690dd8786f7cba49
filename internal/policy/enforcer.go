package policy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/cairn/internal/ir"
)

// GrantSource loads a principal's active grants.
type GrantSource interface {
	ActiveGrants(ctx context.Context, tenantID, userID string) ([]ir.AccessGrant, error)
}

// Enforcer applies Authorize with grants loaded fresh for every check.
type Enforcer struct {
	grants GrantSource
	now    func() time.Time
}

// NewEnforcer creates an enforcer. now defaults to time.Now.
func NewEnforcer(grants GrantSource, now func() time.Time) *Enforcer {
	if now == nil {
		now = time.Now
	}
	return &Enforcer{grants: grants, now: now}
}

// Grants returns p's active grants, for callers that evaluate many targets
// against one snapshot (a page of query results, one export pass).
func (e *Enforcer) Grants(ctx context.Context, p ir.Principal) ([]ir.AccessGrant, error) {
	if p.Role == ir.RoleParticipant {
		return nil, nil
	}
	grants, err := e.grants.ActiveGrants(ctx, p.TenantID, p.UserID)
	if err != nil {
		return nil, fmt.Errorf("load grants: %w", err)
	}
	return grants, nil
}

// Check authorizes op on target and returns a PolicyDenied error when the
// decision is negative. Break-glass decisions are logged at warn level.
func (e *Enforcer) Check(ctx context.Context, p ir.Principal, op ir.Operation, target Target) (Decision, error) {
	grants, err := e.Grants(ctx, p)
	if err != nil {
		return Decision{}, err
	}
	return e.Evaluate(p, grants, op, target)
}

// Evaluate is Check against an already loaded grant snapshot.
func (e *Enforcer) Evaluate(p ir.Principal, grants []ir.AccessGrant, op ir.Operation, target Target) (Decision, error) {
	d := Authorize(p, grants, op, target, e.now())
	if !d.Allowed {
		slog.Debug("access denied",
			"event", "policy_denied",
			"user_id", p.UserID,
			"role", p.Role,
			"op", op,
			"aggregate_id", target.AggregateID,
			"rule", d.Rule,
			"reason", d.Reason,
		)
		return d, ir.NewPolicyDenied(target.AggregateID, d.Reason)
	}
	if d.BreakGlass {
		slog.Warn("break-glass access",
			"event", "break_glass",
			"user_id", p.UserID,
			"op", op,
			"aggregate_id", target.AggregateID,
			"site_id", target.SiteID,
			"grant_id", d.GrantID,
		)
	}
	return d, nil
}

// Scope derives p's bulk read filter from fresh grants.
func (e *Enforcer) Scope(ctx context.Context, p ir.Principal) (Filter, []ir.AccessGrant, error) {
	grants, err := e.Grants(ctx, p)
	if err != nil {
		return Filter{}, nil, err
	}
	return Scope(p, grants, e.now()), grants, nil
}

// Now returns the enforcer's clock reading.
func (e *Enforcer) Now() time.Time {
	return e.now()
}
