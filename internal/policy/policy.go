// Package policy decides who may read or append which aggregates.
//
// Authorize is a pure function of the caller's claims, their stored grants,
// the target aggregate and the current time. Every read of state or events,
// every append, every export row and every subscription delivery goes
// through it. Nothing is cached: a revoked or expired grant stops working at
// the next evaluation.
package policy

import (
	"slices"
	"time"

	"github.com/roach88/cairn/internal/ir"
)

// Rule names identify which capability set produced a decision.
const (
	RuleTenant      = "tenant"
	RuleSelf        = "self"
	RuleSite        = "site"
	RuleGlobalRead  = "global-read"
	RuleAdminConfig = "admin-config"
	RuleBreakGlass  = "break-glass"
	RuleUnknownRole = "unknown-role"
	RuleOperation   = "operation"
)

// Target describes the aggregate an operation touches. For an aggregate that
// does not exist yet, New is set and SiteID/Kind come from the proposed event;
// OwnerID is then the caller.
type Target struct {
	TenantID    string
	SiteID      string
	Kind        ir.AggregateKind
	OwnerID     string
	AggregateID string
	New         bool
}

// TargetOf builds the target for an existing aggregate.
func TargetOf(st ir.State) Target {
	return Target{
		TenantID:    st.TenantID,
		SiteID:      st.SiteID,
		Kind:        st.Kind,
		OwnerID:     st.OwnerID,
		AggregateID: st.AggregateID,
	}
}

// Decision is the outcome of one evaluation.
type Decision struct {
	Allowed    bool   `json:"allowed"`
	Reason     string `json:"reason"`
	Rule       string `json:"rule"`
	BreakGlass bool   `json:"break_glass,omitempty"`
	GrantID    string `json:"grant_id,omitempty"`
}

func allow(rule, reason string) Decision {
	return Decision{Allowed: true, Rule: rule, Reason: reason}
}

func deny(rule, reason string) Decision {
	return Decision{Rule: rule, Reason: reason}
}

// Authorize evaluates op on target for p given p's grants at time now.
func Authorize(p ir.Principal, grants []ir.AccessGrant, op ir.Operation, target Target, now time.Time) Decision {
	if p.TenantID == "" || p.TenantID != target.TenantID {
		return deny(RuleTenant, "tenant mismatch")
	}
	if op != ir.OpRead && op != ir.OpAppend {
		return deny(RuleOperation, "unknown operation")
	}
	if target.Kind.Clinical() && !claimsCover(p, target.SiteID) {
		return deny(RuleTenant, "site outside token scope")
	}

	switch p.Role {
	case ir.RoleParticipant:
		return authorizeSelf(p, op, target)
	case ir.RoleInvestigator:
		return authorizeSite(p, grants, op, target, now)
	case ir.RoleAuditor, ir.RoleSponsor:
		return authorizeGlobalRead(p, grants, op, now)
	case ir.RoleAdmin:
		return authorizeAdmin(p, grants, target, now)
	default:
		return deny(RuleUnknownRole, "unknown role")
	}
}

func authorizeSelf(p ir.Principal, op ir.Operation, target Target) Decision {
	if target.Kind != ir.KindRecord {
		return deny(RuleSelf, "participants may only access records")
	}
	if target.New {
		if op == ir.OpAppend {
			return allow(RuleSelf, "participant opens own record")
		}
		return deny(RuleSelf, "record does not exist")
	}
	if target.OwnerID != p.UserID {
		return deny(RuleSelf, "record belongs to another participant")
	}
	return allow(RuleSelf, "participant owns record")
}

func authorizeSite(p ir.Principal, grants []ir.AccessGrant, op ir.Operation, target Target, now time.Time) Decision {
	if !target.Kind.Clinical() {
		return deny(RuleSite, "investigators have no access to configuration")
	}
	if op == ir.OpAppend && target.Kind != ir.KindAnnotation {
		return deny(RuleSite, "investigators may only append annotations")
	}
	g, ok := findGrant(p, grants, now, func(g ir.AccessGrant) bool {
		return !g.BreakGlass && covers(g, target.SiteID)
	})
	if !ok {
		return deny(RuleSite, "no active grant for site")
	}
	d := allow(RuleSite, "active site grant")
	d.GrantID = g.GrantID
	return d
}

func authorizeGlobalRead(p ir.Principal, grants []ir.AccessGrant, op ir.Operation, now time.Time) Decision {
	if op != ir.OpRead {
		return deny(RuleGlobalRead, "read-only role")
	}
	g, ok := findGrant(p, grants, now, func(g ir.AccessGrant) bool {
		return !g.BreakGlass && g.Scope == ir.ScopeGlobal
	})
	if !ok {
		return deny(RuleGlobalRead, "no active global grant")
	}
	d := allow(RuleGlobalRead, "active global grant")
	d.GrantID = g.GrantID
	return d
}

func authorizeAdmin(p ir.Principal, grants []ir.AccessGrant, target Target, now time.Time) Decision {
	if !target.Kind.Clinical() {
		g, ok := findGrant(p, grants, now, func(g ir.AccessGrant) bool {
			return !g.BreakGlass && g.Scope == ir.ScopeGlobal
		})
		if !ok {
			return deny(RuleAdminConfig, "no active global grant")
		}
		d := allow(RuleAdminConfig, "active global grant")
		d.GrantID = g.GrantID
		return d
	}

	g, ok := findGrant(p, grants, now, func(g ir.AccessGrant) bool {
		return g.BreakGlass && covers(g, target.SiteID)
	})
	if !ok {
		return deny(RuleBreakGlass, "clinical access requires an active break-glass grant")
	}
	d := allow(RuleBreakGlass, "break-glass grant "+g.TicketID)
	d.BreakGlass = true
	d.GrantID = g.GrantID
	return d
}

// findGrant returns the first grant of p that is live at now and matches.
func findGrant(p ir.Principal, grants []ir.AccessGrant, now time.Time, match func(ir.AccessGrant) bool) (ir.AccessGrant, bool) {
	for _, g := range grants {
		if g.UserID != p.UserID || g.TenantID != p.TenantID || g.Role != p.Role {
			continue
		}
		if !g.LiveAt(now) {
			continue
		}
		if match(g) {
			return g, true
		}
	}
	return ir.AccessGrant{}, false
}

func covers(g ir.AccessGrant, site string) bool {
	return g.Scope == ir.ScopeGlobal || g.Scope == site
}

// claimsCover reports whether the token's site claims admit site. Tokens
// without site claims do not narrow.
func claimsCover(p ir.Principal, site string) bool {
	return len(p.Sites) == 0 || slices.Contains(p.Sites, site)
}
