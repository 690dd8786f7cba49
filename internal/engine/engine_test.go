package engine

import (
	"context"
	"fmt"
	"iter"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cairn/internal/ir"
	"github.com/roach88/cairn/internal/registry"
	"github.com/roach88/cairn/internal/store"
	"github.com/roach88/cairn/internal/testutil"
)

var (
	patient      = ir.Principal{UserID: "patient-1", Role: ir.RoleParticipant, TenantID: "t1"}
	otherPatient = ir.Principal{UserID: "patient-2", Role: ir.RoleParticipant, TenantID: "t1"}
	investigator = ir.Principal{UserID: "inv-1", Role: ir.RoleInvestigator, TenantID: "t1"}
	auditor      = ir.Principal{UserID: "aud-1", Role: ir.RoleAuditor, TenantID: "t1"}
	admin        = ir.Principal{UserID: "admin-1", Role: ir.RoleAdmin, TenantID: "t1"}
)

type testEngine struct {
	*Engine
	clock *testutil.ManualClock
	n     int
}

func setupTestEngine(t *testing.T, opts ...Option) *testEngine {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	reg, err := registry.NewWithBuiltins()
	require.NoError(t, err)

	clock := testutil.NewManualClock(testutil.Epoch)
	opts = append([]Option{
		WithClock(clock),
		WithIDGenerator(testutil.NewSequentialIDs(0xa)),
	}, opts...)
	e := New(s, reg, opts...)
	t.Cleanup(e.Close)
	return &testEngine{Engine: e, clock: clock}
}

// req builds a request with a fresh event id.
func (te *testEngine) req(aggregateID, eventType string, expected int64, payload ir.IRObject) ir.SubmitRequest {
	te.n++
	return ir.SubmitRequest{
		EventID:         fmt.Sprintf("00000000-0000-7000-8000-%012d", te.n),
		AggregateID:     aggregateID,
		ExpectedVersion: expected,
		EventType:       eventType,
		SchemaVersion:   "1.0.0",
		Payload:         payload,
		ClientTimestamp: te.clock.Now(),
	}
}

func (te *testEngine) mustSubmit(t *testing.T, p ir.Principal, req ir.SubmitRequest) ir.Acceptance {
	t.Helper()
	acc, err := te.Submit(context.Background(), p, req)
	require.NoError(t, err)
	return acc
}

func (te *testEngine) openRecord(t *testing.T, p ir.Principal, aggregateID, site string) {
	t.Helper()
	r := te.req(aggregateID, "record.opened", 0, ir.IRObject{"form": ir.IRString("phq9")})
	r.SiteID = site
	te.mustSubmit(t, p, r)
}

func (te *testEngine) grant(t *testing.T, req GrantRequest) ir.AccessGrant {
	t.Helper()
	if req.TenantID == "" {
		req.TenantID = "t1"
	}
	g, err := te.IssueGrant(context.Background(), "operator", req)
	require.NoError(t, err)
	return g
}

func answer(q string, a int64) ir.IRObject {
	return ir.IRObject{"question": ir.IRString(q), "answer": ir.IRInt(a)}
}

func collect[T any](t *testing.T, seq iter.Seq2[T, error]) []T {
	t.Helper()
	out := []T{}
	for v, err := range seq {
		require.NoError(t, err)
		out = append(out, v)
	}
	return out
}

func TestSubmit_OpensRecordAsPrincipal(t *testing.T) {
	te := setupTestEngine(t)
	r := te.req("rec-1", "record.opened", 0, ir.IRObject{"form": ir.IRString("phq9")})
	r.SiteID = "site-a"

	acc := te.mustSubmit(t, patient, r)
	assert.True(t, acc.Accepted)
	assert.False(t, acc.Duplicate)
	assert.Equal(t, int64(1), acc.CurrentVersion)
	assert.Equal(t, testutil.Epoch, acc.ServerTimestamp)

	st, err := te.Get(context.Background(), patient, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, "patient-1", st.OwnerID)
	assert.Equal(t, "site-a", st.SiteID)
	assert.Equal(t, ir.KindRecord, st.Kind)
	assert.Equal(t, "open", st.Fields.String("status"))

	ev, err := te.Store().EventByID(context.Background(), r.EventID)
	require.NoError(t, err)
	assert.Equal(t, "patient-1", ev.ActorID)
	assert.Equal(t, ir.RoleParticipant, ev.ActorRole)
	assert.Equal(t, "t1", ev.TenantID)
}

func TestSubmit_VersionConflict(t *testing.T) {
	te := setupTestEngine(t)
	te.openRecord(t, patient, "rec-1", "site-a")
	te.mustSubmit(t, patient, te.req("rec-1", "response.recorded", 1, answer("q1", 1)))

	_, err := te.Submit(context.Background(), patient, te.req("rec-1", "response.recorded", 1, answer("q1", 2)))
	require.Error(t, err)
	var e *ir.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, ir.ErrCodeVersionConflict, e.Code)
	assert.Equal(t, int64(1), e.Expected)
	assert.Equal(t, int64(2), e.Current)
	assert.NotEmpty(t, e.EventID)

	st, err := te.Get(context.Background(), patient, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.Version)
}

func TestSubmit_DuplicateReturnsOriginalAcceptance(t *testing.T) {
	te := setupTestEngine(t)
	te.openRecord(t, patient, "rec-1", "site-a")
	r := te.req("rec-1", "response.recorded", 1, answer("q1", 1))
	first := te.mustSubmit(t, patient, r)

	te.clock.Advance(time.Minute)
	te.mustSubmit(t, patient, te.req("rec-1", "response.recorded", 2, answer("q2", 1)))

	again := te.mustSubmit(t, patient, r)
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.CurrentVersion, again.CurrentVersion)
	assert.Equal(t, first.ServerTimestamp, again.ServerTimestamp)
	assert.Equal(t, first.Seq, again.Seq)
}

func TestSubmit_RetryWithShortSchemaVersionIsDuplicate(t *testing.T) {
	te := setupTestEngine(t)
	te.openRecord(t, patient, "rec-1", "site-a")
	r := te.req("rec-1", "response.recorded", 1, answer("q1", 1))
	r.SchemaVersion = "1.0"
	first := te.mustSubmit(t, patient, r)

	ev, err := te.Store().EventByID(context.Background(), r.EventID)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", ev.SchemaVersion)

	again := te.mustSubmit(t, patient, r)
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.CurrentVersion, again.CurrentVersion)

	r.SchemaVersion = "1.1.0"
	_, err = te.Submit(context.Background(), patient, r)
	assert.Equal(t, ir.ErrCodeValidation, ir.CodeOf(err))
}

func TestSubmit_ReusedEventIDWithDifferentContent(t *testing.T) {
	te := setupTestEngine(t)
	te.openRecord(t, patient, "rec-1", "site-a")
	r := te.req("rec-1", "response.recorded", 1, answer("q1", 1))
	te.mustSubmit(t, patient, r)

	r.Payload = answer("q1", 3)
	_, err := te.Submit(context.Background(), patient, r)
	assert.Equal(t, ir.ErrCodeValidation, ir.CodeOf(err))

	r.Payload = answer("q1", 1)
	_, err = te.Submit(context.Background(), otherPatient, r)
	assert.Equal(t, ir.ErrCodeValidation, ir.CodeOf(err))
}

func TestSubmit_ValidationFailures(t *testing.T) {
	te := setupTestEngine(t)
	te.openRecord(t, patient, "rec-1", "site-a")

	bad := te.req("rec-1", "response.recorded", 1, answer("q1", 1))
	bad.EventID = "not-a-uuid"

	newVersion := te.req("rec-1", "response.recorded", 1, answer("q1", 1))
	newVersion.SchemaVersion = "2.0.0"

	noSite := te.req("rec-2", "record.opened", 0, ir.IRObject{"form": ir.IRString("phq9")})

	cases := map[string]ir.SubmitRequest{
		"bad event id":          bad,
		"schema mismatch":       te.req("rec-1", "response.recorded", 1, ir.IRObject{"question": ir.IRString("q1")}),
		"unknown type":          te.req("rec-1", "response.deleted", 1, answer("q1", 1)),
		"unknown version":       newVersion,
		"non-creating type":     te.req("rec-9", "response.recorded", 0, answer("q1", 1)),
		"clinical without site": noSite,
		"kind mismatch":         te.req("rec-1", "config.set", 1, ir.IRObject{"key": ir.IRString("k"), "value": ir.IRInt(1)}),
	}
	for name, r := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := te.Submit(context.Background(), patient, r)
			assert.Equal(t, ir.ErrCodeValidation, ir.CodeOf(err), "%v", err)
		})
	}

	st, err := te.Get(context.Background(), patient, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Version)
}

func TestSubmit_PolicyDenials(t *testing.T) {
	te := setupTestEngine(t)
	te.grant(t, GrantRequest{UserID: "inv-1", Role: ir.RoleInvestigator, Scope: "site-a"})
	te.grant(t, GrantRequest{UserID: "aud-1", Role: ir.RoleAuditor, Scope: ir.ScopeGlobal})
	te.openRecord(t, patient, "rec-1", "site-a")

	cases := []struct {
		name string
		p    ir.Principal
	}{
		{"other participant", otherPatient},
		{"investigator on record", investigator},
		{"auditor", auditor},
		{"admin without break-glass", admin},
		{"other tenant", ir.Principal{UserID: "patient-1", Role: ir.RoleParticipant, TenantID: "t2"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := te.Submit(context.Background(), tc.p, te.req("rec-1", "response.recorded", 1, answer("q1", 1)))
			assert.True(t, ir.IsPolicyDenied(err), "%v", err)
		})
	}
}

func TestSubmit_InvestigatorAnnotatesGrantedSite(t *testing.T) {
	te := setupTestEngine(t)
	te.grant(t, GrantRequest{UserID: "inv-1", Role: ir.RoleInvestigator, Scope: "site-a"})
	te.openRecord(t, patient, "rec-1", "site-a")

	note := ir.IRObject{"subject_id": ir.IRString("rec-1"), "note": ir.IRString("follow up")}
	r := te.req("ann-1", "annotation.added", 0, note)
	r.SiteID = "site-a"
	te.mustSubmit(t, investigator, r)

	r = te.req("ann-2", "annotation.added", 0, note)
	r.SiteID = "site-b"
	_, err := te.Submit(context.Background(), investigator, r)
	assert.True(t, ir.IsPolicyDenied(err))
}

func TestSubmit_QuarantinedAggregateRefused(t *testing.T) {
	te := setupTestEngine(t)
	te.openRecord(t, patient, "rec-1", "site-a")
	require.NoError(t, te.Store().Quarantine(context.Background(), store.QuarantineEntry{
		AggregateID: "rec-1",
		TenantID:    "t1",
		Reason:      "state hash mismatch",
		DetectedAt:  testutil.Epoch,
	}))

	_, err := te.Submit(context.Background(), patient, te.req("rec-1", "response.recorded", 1, answer("q1", 1)))
	assert.Equal(t, ir.ErrCodeIntegrityFault, ir.CodeOf(err))
	assert.Contains(t, err.Error(), "quarantined")
}

func TestSubmit_ConcurrentSameVersionOneWins(t *testing.T) {
	te := setupTestEngine(t)
	te.openRecord(t, patient, "rec-1", "site-a")

	const writers = 8
	reqs := make([]ir.SubmitRequest, writers)
	for i := range reqs {
		reqs[i] = te.req("rec-1", "response.recorded", 1, answer(fmt.Sprintf("q%d", i), int64(i)))
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for _, r := range reqs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := te.Submit(context.Background(), patient, r)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case ir.IsVersionConflict(err):
				conflicts++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, writers-1, conflicts)
	assert.Zero(t, te.locks.Held())
}

func TestSubmit_PublishesToSubscribers(t *testing.T) {
	te := setupTestEngine(t)
	sub := te.Hub().Subscribe("t1")
	defer sub.Close()

	te.openRecord(t, patient, "rec-1", "site-a")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "rec-1", ev.AggregateID)
	assert.Equal(t, int64(1), ev.Seq)
}

func TestSubmit_ReleasesAggregateLockBeforePublishing(t *testing.T) {
	te := setupTestEngine(t)
	sub := te.Hub().Subscribe("t1")
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	held := make(chan int, 1)
	go func() {
		if _, err := sub.Next(ctx); err == nil {
			held <- te.locks.Held()
		}
	}()

	te.openRecord(t, patient, "rec-1", "site-a")
	assert.Zero(t, <-held, "a woken subscriber never finds the aggregate locked")
}

func TestSubmit_EventIDOfOtherTenantIsNotRevealed(t *testing.T) {
	te := setupTestEngine(t)
	r := te.req("rec-1", "record.opened", 0, ir.IRObject{"form": ir.IRString("phq9")})
	r.SiteID = "site-a"
	te.mustSubmit(t, patient, r)

	outsider := ir.Principal{UserID: "patient-1", Role: ir.RoleParticipant, TenantID: "t2"}
	_, err := te.Submit(context.Background(), outsider, r)
	require.Error(t, err)
	assert.True(t, ir.IsPolicyDenied(err))
	assert.NotContains(t, err.Error(), "different content")

	r.Payload = ir.IRObject{"form": ir.IRString("gad7")}
	_, err = te.Submit(context.Background(), outsider, r)
	assert.True(t, ir.IsPolicyDenied(err))
}

func TestSubmit_AnnotationSubjectMustBeReadable(t *testing.T) {
	te := setupTestEngine(t)
	te.grant(t, GrantRequest{UserID: "inv-1", Role: ir.RoleInvestigator, Scope: "site-a"})
	te.openRecord(t, patient, "rec-a", "site-a")
	te.openRecord(t, patient, "rec-b", "site-b")

	annotate := func(id, subject string) error {
		r := te.req(id, "annotation.added", 0, ir.IRObject{"subject_id": ir.IRString(subject), "note": ir.IRString("n")})
		r.SiteID = "site-a"
		_, err := te.Submit(context.Background(), investigator, r)
		return err
	}

	require.NoError(t, annotate("ann-1", "rec-a"))

	err := annotate("ann-2", "rec-missing")
	assert.True(t, ir.IsPolicyDenied(err), "missing subject: %v", err)

	err = annotate("ann-3", "rec-b")
	assert.True(t, ir.IsPolicyDenied(err), "subject at an ungranted site: %v", err)
	_, err = te.Get(context.Background(), investigator, "ann-3")
	assert.ErrorIs(t, err, ir.ErrNotFound)

	err = annotate("ann-4", "ann-1")
	assert.True(t, ir.IsPolicyDenied(err), "subject is not a record: %v", err)
}

func TestGet_Visibility(t *testing.T) {
	te := setupTestEngine(t)
	te.grant(t, GrantRequest{UserID: "inv-1", Role: ir.RoleInvestigator, Scope: "site-b"})
	te.openRecord(t, patient, "rec-1", "site-a")
	ctx := context.Background()

	_, err := te.Get(ctx, patient, "rec-1")
	assert.NoError(t, err)

	_, err = te.Get(ctx, otherPatient, "rec-1")
	assert.True(t, ir.IsPolicyDenied(err))

	_, err = te.Get(ctx, investigator, "rec-1")
	assert.True(t, ir.IsPolicyDenied(err))

	_, err = te.Get(ctx, patient, "missing")
	assert.ErrorIs(t, err, ir.ErrNotFound)
}

func seedSites(t *testing.T, te *testEngine) {
	t.Helper()
	for i, site := range []string{"site-a", "site-b", "site-a", "site-b"} {
		p := ir.Principal{UserID: fmt.Sprintf("patient-%d", i), Role: ir.RoleParticipant, TenantID: "t1"}
		te.openRecord(t, p, fmt.Sprintf("rec-%d", i), site)
		te.clock.Advance(time.Second)
	}
}

func TestQuery_ScopedByRole(t *testing.T) {
	te := setupTestEngine(t)
	te.grant(t, GrantRequest{UserID: "inv-1", Role: ir.RoleInvestigator, Scope: "site-a"})
	te.grant(t, GrantRequest{UserID: "aud-1", Role: ir.RoleAuditor, Scope: ir.ScopeGlobal})
	seedSites(t, te)
	ctx := context.Background()

	ids := func(p Page) []string {
		out := []string{}
		for _, st := range p.Items {
			out = append(out, st.AggregateID)
		}
		return out
	}

	page, err := te.Query(ctx, investigator, Query{})
	require.NoError(t, err)
	assert.Equal(t, []string{"rec-0", "rec-2"}, ids(page))

	page, err = te.Query(ctx, auditor, Query{})
	require.NoError(t, err)
	assert.Equal(t, []string{"rec-0", "rec-1", "rec-2", "rec-3"}, ids(page))

	page, err = te.Query(ctx, ir.Principal{UserID: "patient-1", Role: ir.RoleParticipant, TenantID: "t1"}, Query{})
	require.NoError(t, err)
	assert.Equal(t, []string{"rec-1"}, ids(page))

	page, err = te.Query(ctx, admin, Query{})
	require.NoError(t, err)
	assert.Empty(t, page.Items)

	page, err = te.Query(ctx, auditor, Query{Site: "site-b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"rec-1", "rec-3"}, ids(page))
}

func TestQuery_PagesWithCursor(t *testing.T) {
	te := setupTestEngine(t)
	te.grant(t, GrantRequest{UserID: "aud-1", Role: ir.RoleAuditor, Scope: ir.ScopeGlobal})
	seedSites(t, te)
	ctx := context.Background()

	var all []string
	q := Query{Limit: 3}
	for {
		page, err := te.Query(ctx, auditor, q)
		require.NoError(t, err)
		for _, st := range page.Items {
			all = append(all, st.AggregateID)
		}
		if page.Next == "" {
			break
		}
		q.After = page.Next
	}
	assert.Equal(t, []string{"rec-0", "rec-1", "rec-2", "rec-3"}, all)
}

func TestReadEvents_Authorized(t *testing.T) {
	te := setupTestEngine(t)
	te.openRecord(t, patient, "rec-1", "site-a")
	te.mustSubmit(t, patient, te.req("rec-1", "response.recorded", 1, answer("q1", 1)))
	ctx := context.Background()

	seq, err := te.ReadEvents(ctx, patient, "rec-1", 1)
	require.NoError(t, err)
	events := collect(t, seq)
	require.Len(t, events, 2)
	assert.Equal(t, "response.recorded", events[1].EventType)

	_, err = te.ReadEvents(ctx, otherPatient, "rec-1", 1)
	assert.True(t, ir.IsPolicyDenied(err))
}

func TestExport_ScopedAndOrdered(t *testing.T) {
	te := setupTestEngine(t)
	te.grant(t, GrantRequest{UserID: "inv-1", Role: ir.RoleInvestigator, Scope: "site-a"})
	seedSites(t, te)
	ctx := context.Background()

	events := collect(t, te.Export(ctx, investigator, ExportRequest{}))
	require.Len(t, events, 2)
	assert.Equal(t, "rec-0", events[0].AggregateID)
	assert.Equal(t, "rec-2", events[1].AggregateID)
	for _, ev := range events {
		assert.Equal(t, "site-a", ev.SiteID)
	}

	windowed := collect(t, te.Export(ctx, investigator, ExportRequest{To: testutil.Epoch.Add(time.Second)}))
	require.Len(t, windowed, 1)
	assert.Equal(t, "rec-0", windowed[0].AggregateID)

	assert.Empty(t, collect(t, te.Export(ctx, admin, ExportRequest{})))
}

func TestSubscribe_BacklogThenLiveScoped(t *testing.T) {
	te := setupTestEngine(t)
	te.grant(t, GrantRequest{UserID: "inv-1", Role: ir.RoleInvestigator, Scope: "site-a"})
	te.openRecord(t, patient, "rec-a", "site-a")
	te.openRecord(t, otherPatient, "rec-b", "site-b")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var got []string
	for ev, err := range te.Subscribe(ctx, investigator, 0) {
		require.NoError(t, err)
		got = append(got, fmt.Sprintf("%s@%d", ev.AggregateID, ev.AggregateVersion))
		if len(got) == 1 {
			te.mustSubmit(t, otherPatient, te.req("rec-b", "response.recorded", 1, answer("q1", 1)))
			te.mustSubmit(t, patient, te.req("rec-a", "response.recorded", 1, answer("q1", 1)))
		}
		if len(got) == 2 {
			break
		}
	}
	assert.Equal(t, []string{"rec-a@1", "rec-a@2"}, got)
	assert.Zero(t, te.Hub().Subscribers())
}

func TestSubscribe_BreakGlassExpiryStopsClinicalDelivery(t *testing.T) {
	te := setupTestEngine(t)
	expires := testutil.Epoch.Add(time.Hour)
	te.grant(t, GrantRequest{UserID: "admin-1", Role: ir.RoleAdmin, Scope: ir.ScopeGlobal})
	te.grant(t, GrantRequest{UserID: "admin-1", Role: ir.RoleAdmin, Scope: "site-a",
		BreakGlass: true, TicketID: "INC-42", ExpiresAt: &expires})
	te.openRecord(t, patient, "rec-a", "site-a")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var got []string
	for ev, err := range te.Subscribe(ctx, admin, 0) {
		require.NoError(t, err)
		got = append(got, ev.AggregateID)
		if len(got) == 1 {
			te.clock.Advance(2 * time.Hour)
			te.mustSubmit(t, patient, te.req("rec-a", "response.recorded", 1, answer("q1", 1)))
			te.mustSubmit(t, admin, te.req("cfg-1", "config.set", 0,
				ir.IRObject{"key": ir.IRString("reminder_hours"), "value": ir.IRInt(24)}))
		}
		if len(got) == 2 {
			break
		}
	}
	assert.Equal(t, []string{"rec-a", "cfg-1"}, got)
}

func TestGrant_RequiresAdminWithGlobalGrant(t *testing.T) {
	te := setupTestEngine(t)
	ctx := context.Background()
	req := GrantRequest{UserID: "inv-1", Role: ir.RoleInvestigator, Scope: "site-a"}

	_, err := te.Grant(ctx, admin, req)
	assert.True(t, ir.IsPolicyDenied(err))

	_, err = te.Grant(ctx, auditor, req)
	assert.True(t, ir.IsPolicyDenied(err))

	te.grant(t, GrantRequest{UserID: "admin-1", Role: ir.RoleAdmin, Scope: ir.ScopeGlobal})
	req.TenantID = "t2"
	g, err := te.Grant(ctx, admin, req)
	require.NoError(t, err)
	assert.Equal(t, "t1", g.TenantID)
	assert.Equal(t, "admin-1", g.GrantedBy)
	assert.True(t, g.Active)

	grants, err := te.ListGrants(ctx, admin, "inv-1", false)
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, g.GrantID, grants[0].GrantID)
}

func TestGrant_BreakGlassValidation(t *testing.T) {
	te := setupTestEngine(t)
	ok := testutil.Epoch.Add(time.Hour)
	tooLong := testutil.Epoch.Add(DefaultMaxBreakGlass + time.Minute)
	past := testutil.Epoch.Add(-time.Minute)

	cases := map[string]GrantRequest{
		"no ticket":       {UserID: "a", Role: ir.RoleAdmin, Scope: "site-a", BreakGlass: true, ExpiresAt: &ok},
		"no expiry":       {UserID: "a", Role: ir.RoleAdmin, Scope: "site-a", BreakGlass: true, TicketID: "T"},
		"too long":        {UserID: "a", Role: ir.RoleAdmin, Scope: "site-a", BreakGlass: true, TicketID: "T", ExpiresAt: &tooLong},
		"expired":         {UserID: "a", Role: ir.RoleAdmin, Scope: "site-a", BreakGlass: true, TicketID: "T", ExpiresAt: &past},
		"not admin":       {UserID: "a", Role: ir.RoleInvestigator, Scope: "site-a", BreakGlass: true, TicketID: "T", ExpiresAt: &ok},
		"participant":     {UserID: "a", Role: ir.RoleParticipant, Scope: "site-a"},
		"auditor at site": {UserID: "a", Role: ir.RoleAuditor, Scope: "site-a"},
		"unknown role":    {UserID: "a", Role: "owner", Scope: ir.ScopeGlobal},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			req.TenantID = "t1"
			_, err := te.IssueGrant(context.Background(), "operator", req)
			assert.Equal(t, ir.ErrCodeValidation, ir.CodeOf(err), "%v", err)
		})
	}

	g := te.grant(t, GrantRequest{UserID: "a", Role: ir.RoleAdmin, Scope: "site-a", BreakGlass: true, TicketID: "T", ExpiresAt: &ok})
	assert.True(t, g.BreakGlass)
}

func TestRevoke_StopsAccessImmediately(t *testing.T) {
	te := setupTestEngine(t)
	te.grant(t, GrantRequest{UserID: "admin-1", Role: ir.RoleAdmin, Scope: ir.ScopeGlobal})
	g := te.grant(t, GrantRequest{UserID: "inv-1", Role: ir.RoleInvestigator, Scope: "site-a"})
	te.openRecord(t, patient, "rec-1", "site-a")
	ctx := context.Background()

	_, err := te.Get(ctx, investigator, "rec-1")
	require.NoError(t, err)

	revoked, err := te.Revoke(ctx, admin, g.GrantID)
	require.NoError(t, err)
	assert.False(t, revoked.Active)
	assert.Equal(t, "admin-1", revoked.RevokedBy)

	_, err = te.Get(ctx, investigator, "rec-1")
	assert.True(t, ir.IsPolicyDenied(err))

	_, err = te.Revoke(ctx, admin, g.GrantID)
	assert.Equal(t, ir.ErrCodeValidation, ir.CodeOf(err))
}

func TestRevoke_OtherTenantIsNotFound(t *testing.T) {
	te := setupTestEngine(t)
	te.grant(t, GrantRequest{UserID: "admin-1", Role: ir.RoleAdmin, Scope: ir.ScopeGlobal})
	g := te.grant(t, GrantRequest{TenantID: "t2", UserID: "inv-9", Role: ir.RoleInvestigator, Scope: "site-a"})

	_, err := te.Revoke(context.Background(), admin, g.GrantID)
	assert.ErrorIs(t, err, ir.ErrNotFound)
}
