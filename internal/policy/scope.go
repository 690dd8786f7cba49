package policy

import (
	"slices"
	"time"

	"github.com/roach88/cairn/internal/ir"
)

var clinicalKinds = []ir.AggregateKind{ir.KindRecord, ir.KindAnnotation}

// Clause is one disjunct of a bulk visibility filter: rows whose site, kind
// and owner satisfy it. Empty Kinds matches every kind; AllSites ignores
// Sites; an empty OwnerID ignores ownership.
type Clause struct {
	AllSites bool
	Sites    []string
	Kinds    []ir.AggregateKind
	OwnerID  string
}

// Filter is the storage-level form of what a principal may read. A row is
// visible when it is in TenantID and matches at least one clause. A filter
// with no clauses admits nothing.
//
// Filters are a pushdown optimization only. Callers still run Authorize on
// each row, which keeps the two in agreement even where the filter is
// broader than the rule.
type Filter struct {
	TenantID string
	Clauses  []Clause
}

// Empty reports whether the filter admits nothing.
func (f Filter) Empty() bool {
	return len(f.Clauses) == 0
}

// Scope derives the read filter for p from its grants at time now.
func Scope(p ir.Principal, grants []ir.AccessGrant, now time.Time) Filter {
	f := Filter{TenantID: p.TenantID}
	if p.TenantID == "" {
		return f
	}

	switch p.Role {
	case ir.RoleParticipant:
		f.Clauses = append(f.Clauses, narrow(p, Clause{
			AllSites: true,
			Kinds:    []ir.AggregateKind{ir.KindRecord},
			OwnerID:  p.UserID,
		}))

	case ir.RoleInvestigator:
		if c, ok := siteClause(p, grants, now, false); ok {
			f.Clauses = append(f.Clauses, narrow(p, c))
		}

	case ir.RoleAuditor, ir.RoleSponsor:
		if _, ok := findGrant(p, grants, now, func(g ir.AccessGrant) bool {
			return !g.BreakGlass && g.Scope == ir.ScopeGlobal
		}); ok {
			// config aggregates are visible regardless of site claims
			f.Clauses = append(f.Clauses,
				narrow(p, Clause{AllSites: true, Kinds: clinicalKinds}),
				Clause{AllSites: true, Kinds: []ir.AggregateKind{ir.KindConfig}},
			)
		}

	case ir.RoleAdmin:
		if _, ok := findGrant(p, grants, now, func(g ir.AccessGrant) bool {
			return !g.BreakGlass && g.Scope == ir.ScopeGlobal
		}); ok {
			f.Clauses = append(f.Clauses, Clause{AllSites: true, Kinds: []ir.AggregateKind{ir.KindConfig}})
		}
		if c, ok := siteClause(p, grants, now, true); ok {
			f.Clauses = append(f.Clauses, narrow(p, c))
		}
	}

	// a clause narrowed to no sites admits nothing
	f.Clauses = slices.DeleteFunc(f.Clauses, func(c Clause) bool {
		return !c.AllSites && len(c.Sites) == 0
	})
	return f
}

// siteClause collects the sites covered by p's live grants of the requested
// break-glass kind into one clinical clause.
func siteClause(p ir.Principal, grants []ir.AccessGrant, now time.Time, breakGlass bool) (Clause, bool) {
	c := Clause{Kinds: clinicalKinds}
	found := false
	for _, g := range grants {
		if g.UserID != p.UserID || g.TenantID != p.TenantID || g.Role != p.Role {
			continue
		}
		if g.BreakGlass != breakGlass || !g.LiveAt(now) {
			continue
		}
		found = true
		if g.Scope == ir.ScopeGlobal {
			c.AllSites = true
			c.Sites = nil
			continue
		}
		if !c.AllSites && !slices.Contains(c.Sites, g.Scope) {
			c.Sites = append(c.Sites, g.Scope)
		}
	}
	slices.Sort(c.Sites)
	return c, found
}

// narrow intersects a clause's sites with the token's site claims.
func narrow(p ir.Principal, c Clause) Clause {
	if len(p.Sites) == 0 {
		return c
	}
	if c.AllSites {
		c.AllSites = false
		c.Sites = slices.Clone(p.Sites)
		slices.Sort(c.Sites)
		return c
	}
	c.Sites = slices.DeleteFunc(slices.Clone(c.Sites), func(s string) bool {
		return !slices.Contains(p.Sites, s)
	})
	return c
}
