package policy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cairn/internal/ir"
)

var now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func grant(id, user string, role ir.Role, scope string) ir.AccessGrant {
	return ir.AccessGrant{
		GrantID:   id,
		UserID:    user,
		Role:      role,
		TenantID:  "t1",
		Scope:     scope,
		Active:    true,
		GrantedBy: "root",
		GrantedAt: now.Add(-time.Hour),
	}
}

func breakGlass(id, user, scope, ticket string, expires time.Time) ir.AccessGrant {
	g := grant(id, user, ir.RoleAdmin, scope)
	g.BreakGlass = true
	g.TicketID = ticket
	g.ExpiresAt = &expires
	return g
}

func record(site, owner string) Target {
	return Target{TenantID: "t1", SiteID: site, Kind: ir.KindRecord, OwnerID: owner, AggregateID: "rec-" + site}
}

func annotation(site string) Target {
	return Target{TenantID: "t1", SiteID: site, Kind: ir.KindAnnotation, OwnerID: "dr-a", AggregateID: "ann-" + site}
}

func configTarget() Target {
	return Target{TenantID: "t1", SiteID: ir.ScopeGlobal, Kind: ir.KindConfig, OwnerID: "admin-1", AggregateID: "cfg-1"}
}

var (
	patient  = ir.Principal{UserID: "patient-1", Role: ir.RoleParticipant, TenantID: "t1"}
	doctor   = ir.Principal{UserID: "dr-a", Role: ir.RoleInvestigator, TenantID: "t1"}
	auditor  = ir.Principal{UserID: "aud-1", Role: ir.RoleAuditor, TenantID: "t1"}
	sponsor  = ir.Principal{UserID: "sp-1", Role: ir.RoleSponsor, TenantID: "t1"}
	admin    = ir.Principal{UserID: "admin-1", Role: ir.RoleAdmin, TenantID: "t1"}
	outsider = ir.Principal{UserID: "patient-1", Role: ir.RoleParticipant, TenantID: "t2"}
)

func TestAuthorize_Matrix(t *testing.T) {
	doctorGrants := []ir.AccessGrant{grant("g-doc", "dr-a", ir.RoleInvestigator, "site-a")}
	auditorGrants := []ir.AccessGrant{grant("g-aud", "aud-1", ir.RoleAuditor, ir.ScopeGlobal)}
	sponsorGrants := []ir.AccessGrant{grant("g-sp", "sp-1", ir.RoleSponsor, ir.ScopeGlobal)}
	adminGrants := []ir.AccessGrant{grant("g-adm", "admin-1", ir.RoleAdmin, ir.ScopeGlobal)}
	globalBreakGlass := []ir.AccessGrant{breakGlass("g-bg", "admin-1", ir.ScopeGlobal, "INC-9", now.Add(time.Hour))}

	tests := []struct {
		name   string
		p      ir.Principal
		grants []ir.AccessGrant
		op     ir.Operation
		target Target
		allow  bool
		rule   string
	}{
		{"participant reads own record", patient, nil, ir.OpRead, record("site-a", "patient-1"), true, RuleSelf},
		{"participant appends own record", patient, nil, ir.OpAppend, record("site-a", "patient-1"), true, RuleSelf},
		{"participant reads other's record", patient, nil, ir.OpRead, record("site-a", "patient-2"), false, RuleSelf},
		{"participant appends other's record", patient, nil, ir.OpAppend, record("site-a", "patient-2"), false, RuleSelf},
		{"participant reads annotation", patient, nil, ir.OpRead, annotation("site-a"), false, RuleSelf},
		{"participant opens new record", patient, nil, ir.OpAppend, Target{TenantID: "t1", SiteID: "site-a", Kind: ir.KindRecord, New: true}, true, RuleSelf},
		{"participant opens new annotation", patient, nil, ir.OpAppend, Target{TenantID: "t1", SiteID: "site-a", Kind: ir.KindAnnotation, New: true}, false, RuleSelf},

		{"investigator reads granted site", doctor, doctorGrants, ir.OpRead, record("site-a", "patient-1"), true, RuleSite},
		{"investigator reads other site", doctor, doctorGrants, ir.OpRead, record("site-b", "patient-1"), false, RuleSite},
		{"investigator appends record", doctor, doctorGrants, ir.OpAppend, record("site-a", "patient-1"), false, RuleSite},
		{"investigator appends annotation", doctor, doctorGrants, ir.OpAppend, annotation("site-a"), true, RuleSite},
		{"investigator appends annotation other site", doctor, doctorGrants, ir.OpAppend, annotation("site-b"), false, RuleSite},
		{"investigator without grants", doctor, nil, ir.OpRead, record("site-a", "patient-1"), false, RuleSite},
		{"investigator reads config", doctor, doctorGrants, ir.OpRead, configTarget(), false, RuleSite},

		{"auditor reads any site", auditor, auditorGrants, ir.OpRead, record("site-z", "patient-9"), true, RuleGlobalRead},
		{"auditor reads config", auditor, auditorGrants, ir.OpRead, configTarget(), true, RuleGlobalRead},
		{"auditor appends", auditor, auditorGrants, ir.OpAppend, annotation("site-a"), false, RuleGlobalRead},
		{"auditor without grant", auditor, nil, ir.OpRead, record("site-a", "p"), false, RuleGlobalRead},
		{"sponsor reads any site", sponsor, sponsorGrants, ir.OpRead, record("site-b", "p"), true, RuleGlobalRead},
		{"sponsor appends config", sponsor, sponsorGrants, ir.OpAppend, configTarget(), false, RuleGlobalRead},

		{"admin reads config", admin, adminGrants, ir.OpRead, configTarget(), true, RuleAdminConfig},
		{"admin appends config", admin, adminGrants, ir.OpAppend, configTarget(), true, RuleAdminConfig},
		{"admin without grant", admin, nil, ir.OpAppend, configTarget(), false, RuleAdminConfig},
		{"admin break-glass grant is no config grant", admin, globalBreakGlass, ir.OpAppend, configTarget(), false, RuleAdminConfig},
		{"admin global break-glass reads record", admin, globalBreakGlass, ir.OpRead, record("site-c", "p"), true, RuleBreakGlass},
		{"admin reads record without break-glass", admin, adminGrants, ir.OpRead, record("site-a", "p"), false, RuleBreakGlass},

		{"cross tenant", outsider, nil, ir.OpRead, record("site-a", "patient-1"), false, RuleTenant},
		{"unknown role", ir.Principal{UserID: "x", Role: "janitor", TenantID: "t1"}, nil, ir.OpRead, record("site-a", "x"), false, RuleUnknownRole},
		{"unknown operation", patient, nil, "delete", record("site-a", "patient-1"), false, RuleOperation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Authorize(tt.p, tt.grants, tt.op, tt.target, now)
			assert.Equal(t, tt.allow, d.Allowed, d.Reason)
			assert.Equal(t, tt.rule, d.Rule)
			assert.NotEmpty(t, d.Reason)
		})
	}
}

func TestAuthorize_GrantLifecycle(t *testing.T) {
	target := record("site-a", "patient-1")

	revoked := grant("g1", "dr-a", ir.RoleInvestigator, "site-a")
	revoked.Active = false
	assert.False(t, Authorize(doctor, []ir.AccessGrant{revoked}, ir.OpRead, target, now).Allowed)

	expiring := grant("g2", "dr-a", ir.RoleInvestigator, "site-a")
	exp := now.Add(time.Minute)
	expiring.ExpiresAt = &exp
	assert.True(t, Authorize(doctor, []ir.AccessGrant{expiring}, ir.OpRead, target, now).Allowed)
	assert.False(t, Authorize(doctor, []ir.AccessGrant{expiring}, ir.OpRead, target, exp).Allowed)

	// a grant for another user, role or tenant never applies
	other := grant("g3", "dr-b", ir.RoleInvestigator, "site-a")
	wrongRole := grant("g4", "dr-a", ir.RoleAuditor, ir.ScopeGlobal)
	wrongTenant := grant("g5", "dr-a", ir.RoleInvestigator, "site-a")
	wrongTenant.TenantID = "t2"
	assert.False(t, Authorize(doctor, []ir.AccessGrant{other, wrongRole, wrongTenant}, ir.OpRead, target, now).Allowed)
}

func TestAuthorize_BreakGlassContinuousRecheck(t *testing.T) {
	expires := now.Add(30 * time.Minute)
	bg := breakGlass("bg-1", "admin-1", "site-a", "INC-7", expires)
	grants := []ir.AccessGrant{bg}
	target := record("site-a", "patient-1")

	d := Authorize(admin, grants, ir.OpRead, target, now)
	require.True(t, d.Allowed)
	assert.True(t, d.BreakGlass)
	assert.Equal(t, "bg-1", d.GrantID)
	assert.Equal(t, RuleBreakGlass, d.Rule)

	assert.True(t, Authorize(admin, grants, ir.OpAppend, annotation("site-a"), now).Allowed)
	assert.False(t, Authorize(admin, grants, ir.OpRead, record("site-b", "p"), now).Allowed)

	// the same grant stops working once expired
	assert.False(t, Authorize(admin, grants, ir.OpRead, target, expires).Allowed)

	// no ticket, no access
	noTicket := breakGlass("bg-2", "admin-1", "site-a", "", expires)
	assert.False(t, Authorize(admin, []ir.AccessGrant{noTicket}, ir.OpRead, target, now).Allowed)

	// no expiry, no access
	noExpiry := bg
	noExpiry.ExpiresAt = nil
	assert.False(t, Authorize(admin, []ir.AccessGrant{noExpiry}, ir.OpRead, target, now).Allowed)
}

func TestAuthorize_ClaimsNarrowNeverWiden(t *testing.T) {
	grants := []ir.AccessGrant{
		grant("g1", "dr-a", ir.RoleInvestigator, "site-a"),
		grant("g2", "dr-a", ir.RoleInvestigator, "site-b"),
	}
	narrowed := doctor
	narrowed.Sites = []string{"site-a", "site-c"}

	assert.True(t, Authorize(narrowed, grants, ir.OpRead, record("site-a", "p"), now).Allowed)
	assert.False(t, Authorize(narrowed, grants, ir.OpRead, record("site-b", "p"), now).Allowed, "claims narrow the grant on site-b away")
	assert.False(t, Authorize(narrowed, grants, ir.OpRead, record("site-c", "p"), now).Allowed, "claims cannot add site-c")

	scopedPatient := patient
	scopedPatient.Sites = []string{"site-a"}
	newAt := func(site string) Target {
		return Target{TenantID: "t1", SiteID: site, Kind: ir.KindRecord, New: true}
	}
	assert.True(t, Authorize(scopedPatient, nil, ir.OpAppend, newAt("site-a"), now).Allowed)
	assert.False(t, Authorize(scopedPatient, nil, ir.OpAppend, newAt("site-b"), now).Allowed)
}

func TestScope_PerRole(t *testing.T) {
	t.Run("participant sees own records", func(t *testing.T) {
		f := Scope(patient, nil, now)
		require.Len(t, f.Clauses, 1)
		assert.Equal(t, "patient-1", f.Clauses[0].OwnerID)
		assert.True(t, f.Clauses[0].AllSites)
		assert.Equal(t, []ir.AggregateKind{ir.KindRecord}, f.Clauses[0].Kinds)
	})

	t.Run("investigator sees granted sites", func(t *testing.T) {
		grants := []ir.AccessGrant{
			grant("g1", "dr-a", ir.RoleInvestigator, "site-b"),
			grant("g2", "dr-a", ir.RoleInvestigator, "site-a"),
			grant("g3", "dr-a", ir.RoleInvestigator, "site-a"),
		}
		f := Scope(doctor, grants, now)
		require.Len(t, f.Clauses, 1)
		assert.False(t, f.Clauses[0].AllSites)
		assert.Equal(t, []string{"site-a", "site-b"}, f.Clauses[0].Sites)
	})

	t.Run("investigator without grants sees nothing", func(t *testing.T) {
		assert.True(t, Scope(doctor, nil, now).Empty())
	})

	t.Run("investigator claims narrow away everything", func(t *testing.T) {
		p := doctor
		p.Sites = []string{"site-z"}
		f := Scope(p, []ir.AccessGrant{grant("g1", "dr-a", ir.RoleInvestigator, "site-a")}, now)
		assert.True(t, f.Empty())
	})

	t.Run("auditor sees all", func(t *testing.T) {
		f := Scope(auditor, []ir.AccessGrant{grant("g", "aud-1", ir.RoleAuditor, ir.ScopeGlobal)}, now)
		require.Len(t, f.Clauses, 2)
		assert.True(t, f.Clauses[0].AllSites)
	})

	t.Run("admin sees config and break-glass sites", func(t *testing.T) {
		grants := []ir.AccessGrant{
			grant("g", "admin-1", ir.RoleAdmin, ir.ScopeGlobal),
			breakGlass("bg", "admin-1", "site-a", "INC-1", now.Add(time.Hour)),
		}
		f := Scope(admin, grants, now)
		require.Len(t, f.Clauses, 2)
		assert.Equal(t, []ir.AggregateKind{ir.KindConfig}, f.Clauses[0].Kinds)
		assert.Equal(t, []string{"site-a"}, f.Clauses[1].Sites)

		expired := Scope(admin, grants, now.Add(2*time.Hour))
		require.Len(t, expired.Clauses, 1)
		assert.Equal(t, []ir.AggregateKind{ir.KindConfig}, expired.Clauses[0].Kinds)
	})

	t.Run("admin break-glass alone hides config", func(t *testing.T) {
		grants := []ir.AccessGrant{breakGlass("bg", "admin-1", ir.ScopeGlobal, "INC-1", now.Add(time.Hour))}
		f := Scope(admin, grants, now)
		require.Len(t, f.Clauses, 1)
		assert.True(t, f.Clauses[0].AllSites)
		assert.NotContains(t, f.Clauses[0].Kinds, ir.KindConfig)
	})

	t.Run("no tenant sees nothing", func(t *testing.T) {
		assert.True(t, Scope(ir.Principal{UserID: "x", Role: ir.RoleAuditor}, nil, now).Empty())
	})
}

type stubGrants struct {
	grants []ir.AccessGrant
	err    error
	calls  int
}

func (s *stubGrants) ActiveGrants(_ context.Context, tenantID, userID string) ([]ir.AccessGrant, error) {
	s.calls++
	return s.grants, s.err
}

func TestEnforcer_LoadsGrantsEveryCheck(t *testing.T) {
	src := &stubGrants{grants: []ir.AccessGrant{grant("g1", "dr-a", ir.RoleInvestigator, "site-a")}}
	e := NewEnforcer(src, func() time.Time { return now })
	ctx := context.Background()

	_, err := e.Check(ctx, doctor, ir.OpRead, record("site-a", "p"))
	require.NoError(t, err)

	src.grants = nil
	_, err = e.Check(ctx, doctor, ir.OpRead, record("site-a", "p"))
	require.Error(t, err)
	assert.True(t, ir.IsPolicyDenied(err))
	assert.Equal(t, 2, src.calls)
}

func TestEnforcer_ParticipantsNeedNoGrants(t *testing.T) {
	src := &stubGrants{err: errors.New("should not be called")}
	e := NewEnforcer(src, nil)

	_, err := e.Check(context.Background(), patient, ir.OpRead, record("site-a", "patient-1"))
	require.NoError(t, err)
	assert.Zero(t, src.calls)
}

func TestEnforcer_GrantLoadFailure(t *testing.T) {
	src := &stubGrants{err: ir.NewTransientIO("busy", nil)}
	e := NewEnforcer(src, nil)

	_, err := e.Check(context.Background(), auditor, ir.OpRead, record("site-a", "p"))
	require.Error(t, err)
	assert.Equal(t, ir.ErrCodeTransientIO, ir.CodeOf(err))
}
