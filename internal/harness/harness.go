package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"golang.org/x/time/rate"

	"github.com/roach88/cairn/internal/engine"
	"github.com/roach88/cairn/internal/ir"
	"github.com/roach88/cairn/internal/offline"
	"github.com/roach88/cairn/internal/registry"
	"github.com/roach88/cairn/internal/store"
	"github.com/roach88/cairn/internal/testutil"
)

const defaultSchemaVersion = "1.0.0"

// Harness holds the server and client side of one scenario run.
type Harness struct {
	scenario *Scenario
	dir      string
	store    *store.Store
	engine   *engine.Engine
	clock    *testutil.ManualClock
	ids      *testutil.SequentialIDs
	clients  map[string]*client
}

// client is one actor's device: an outbox and the manager draining it.
type client struct {
	principal ir.Principal
	queue     *offline.Queue
	author    *offline.Author
	manager   *offline.Manager
}

// Run executes a scenario in a fresh temporary directory and returns the
// result. The error is non-nil only when the run itself could not proceed;
// failed expectations and assertions are reported in the Result.
//
// Each run starts the clock at testutil.Epoch and numbers ids from fixed
// prefixes, so the same scenario always produces the same trace.
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "cairn-harness-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scenario dir: %w", err)
	}
	defer os.RemoveAll(dir)

	st, err := store.Open(filepath.Join(dir, "server.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	reg, err := registry.NewWithBuiltins()
	if err != nil {
		return nil, err
	}

	clock := testutil.NewManualClock(testutil.Epoch)
	eng := engine.New(st, reg,
		engine.WithClock(clock),
		engine.WithIDGenerator(testutil.NewSequentialIDs(0xe)),
	)
	defer eng.Close()

	h := &Harness{
		scenario: scenario,
		dir:      dir,
		store:    st,
		engine:   eng,
		clock:    clock,
		ids:      testutil.NewSequentialIDs(0x5),
		clients:  make(map[string]*client),
	}
	defer h.closeClients()

	if err := h.issueGrants(ctx); err != nil {
		return nil, err
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		clock.Advance(time.Second)
		if err := h.executeStep(ctx, i, step, result); err != nil {
			return nil, fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	if err := h.collectLog(ctx, result); err != nil {
		return nil, err
	}
	for i, a := range scenario.Assertions {
		if err := h.evaluate(ctx, a); err != nil {
			result.AddError(fmt.Sprintf("assertions[%d] %s: %v", i, a.Type, err))
		}
	}
	return result, nil
}

func (h *Harness) principal(alias string) ir.Principal {
	a := h.scenario.Actors[alias]
	return ir.Principal{
		UserID:   a.User,
		Role:     a.Role,
		TenantID: h.scenario.Tenant,
		Sites:    a.Sites,
	}
}

func (h *Harness) issueGrants(ctx context.Context) error {
	for i, g := range h.scenario.Grants {
		p := h.principal(g.Actor)
		req := engine.GrantRequest{
			TenantID:   p.TenantID,
			UserID:     p.UserID,
			Role:       p.Role,
			Scope:      g.Scope,
			BreakGlass: g.BreakGlass,
			TicketID:   g.Ticket,
		}
		if g.ExpiresIn > 0 {
			expires := h.clock.Now().Add(g.ExpiresIn)
			req.ExpiresAt = &expires
		}
		if _, err := h.engine.IssueGrant(ctx, "harness", req); err != nil {
			return fmt.Errorf("grants[%d]: %w", i, err)
		}
	}
	return nil
}

// client returns the device of alias, opening its outbox on first use.
func (h *Harness) client(alias string) (*client, error) {
	if c, ok := h.clients[alias]; ok {
		return c, nil
	}
	q, err := offline.OpenQueue(filepath.Join(h.dir, alias+"-outbox.db"))
	if err != nil {
		return nil, err
	}
	p := h.principal(alias)
	prefix := uint32(0xc0 + len(h.clients))
	c := &client{
		principal: p,
		queue:     q,
		author:    offline.NewAuthor(q, testutil.NewSequentialIDs(prefix), h.clock.Now),
		manager: offline.NewManager(q, engineSubmitter{h.engine, p},
			offline.WithRate(rate.Inf, 1),
			offline.WithClock(h.clock.Now),
			offline.WithRederive(offline.Reapply),
		),
	}
	h.clients[alias] = c
	return c, nil
}

func (h *Harness) closeClients() {
	for _, c := range h.clients {
		c.queue.Close()
	}
}

func (h *Harness) executeStep(ctx context.Context, i int, step Step, result *Result) error {
	switch {
	case step.Author != nil:
		return h.author(ctx, i, step, result)
	case step.Drain:
		return h.drain(ctx, i, step, result)
	case step.Submit != nil:
		return h.submit(ctx, i, step, result)
	default:
		h.clock.Advance(step.Advance)
		result.Trace = append(result.Trace, TraceEvent{Step: i, Action: ActionAdvance, Advance: step.Advance})
		return nil
	}
}

func (h *Harness) author(ctx context.Context, i int, step Step, result *Result) error {
	c, err := h.client(step.Actor)
	if err != nil {
		return err
	}
	payload, err := toPayload(step.Author.Payload)
	if err != nil {
		return err
	}
	entry, err := c.author.Write(ctx, offline.Draft{
		AggregateID:   step.Author.Aggregate,
		EventType:     step.Author.Type,
		SchemaVersion: schemaVersion(step.Author),
		Payload:       payload,
		SiteID:        step.Author.Site,
	})
	if err != nil {
		result.AddError(fmt.Sprintf("steps[%d] author: %v", i, err))
		return nil
	}

	result.Trace = append(result.Trace, TraceEvent{
		Step:            i,
		Actor:           step.Actor,
		Action:          ActionAuthor,
		AggregateID:     entry.AggregateID,
		EventType:       entry.EventType,
		ExpectedVersion: entry.ExpectedVersion,
	})
	if exp := step.Expect; exp != nil && exp.ExpectedVersion != nil && *exp.ExpectedVersion != entry.ExpectedVersion {
		result.AddError(fmt.Sprintf("steps[%d] author: expected_version = %d, want %d", i, entry.ExpectedVersion, *exp.ExpectedVersion))
	}
	return nil
}

func (h *Harness) drain(ctx context.Context, i int, step Step, result *Result) error {
	c, err := h.client(step.Actor)
	if err != nil {
		return err
	}
	report, err := c.manager.Drain(ctx)
	if err != nil {
		return err
	}

	counts := &DrainCounts{
		Accepted:  report.Accepted,
		Rejected:  report.Rejected,
		Retried:   report.Retried,
		Rederived: report.Rederived,
		Deferred:  report.Deferred,
	}
	result.Trace = append(result.Trace, TraceEvent{Step: i, Actor: step.Actor, Action: ActionDrain, Report: counts})

	if exp := step.Expect; exp != nil {
		checkCount(result, i, "accepted", counts.Accepted, exp.Accepted)
		checkCount(result, i, "rejected", counts.Rejected, exp.Rejected)
		checkCount(result, i, "retried", counts.Retried, exp.Retried)
		checkCount(result, i, "rederived", counts.Rederived, exp.Rederived)
	}
	return nil
}

func checkCount(result *Result, i int, name string, got int, want *int) {
	if want != nil && *want != got {
		result.AddError(fmt.Sprintf("steps[%d] drain: %s = %d, want %d", i, name, got, *want))
	}
}

func (h *Harness) submit(ctx context.Context, i int, step Step, result *Result) error {
	spec := step.Submit
	payload, err := toPayload(spec.Payload)
	if err != nil {
		return err
	}
	req := ir.SubmitRequest{
		EventID:         h.ids.Generate(),
		AggregateID:     spec.Aggregate,
		ExpectedVersion: *spec.ExpectedVersion,
		EventType:       spec.Type,
		SchemaVersion:   schemaVersion(spec),
		Payload:         payload,
		SiteID:          spec.Site,
		ClientTimestamp: h.clock.Now(),
	}

	ev := TraceEvent{
		Step:            i,
		Actor:           step.Actor,
		Action:          ActionSubmit,
		AggregateID:     spec.Aggregate,
		EventType:       spec.Type,
		ExpectedVersion: req.ExpectedVersion,
	}
	acc, err := h.engine.Submit(ctx, h.principal(step.Actor), req)
	if err != nil {
		var ie *ir.Error
		if !errors.As(err, &ie) {
			return err
		}
		ev.Outcome = string(ie.Code)
		ev.CurrentVersion = ie.Current
	} else {
		ev.Outcome = "accepted"
		ev.CurrentVersion = acc.CurrentVersion
	}
	result.Trace = append(result.Trace, ev)

	exp := step.Expect
	if exp == nil {
		exp = &Expect{}
	}
	switch {
	case exp.Error == "" && err != nil:
		result.AddError(fmt.Sprintf("steps[%d] submit: unexpected error: %v", i, err))
	case exp.Error != "" && ir.CodeOf(err) != exp.Error:
		result.AddError(fmt.Sprintf("steps[%d] submit: outcome = %s, want %s", i, ev.Outcome, exp.Error))
	}
	if exp.CurrentVersion != nil && *exp.CurrentVersion != ev.CurrentVersion {
		result.AddError(fmt.Sprintf("steps[%d] submit: current_version = %d, want %d", i, ev.CurrentVersion, *exp.CurrentVersion))
	}
	return nil
}

// collectLog reads back every aggregate a step touched.
func (h *Harness) collectLog(ctx context.Context, result *Result) error {
	seen := make(map[string]bool)
	for _, step := range h.scenario.Steps {
		for _, spec := range []*EventSpec{step.Author, step.Submit} {
			if spec == nil || seen[spec.Aggregate] {
				continue
			}
			seen[spec.Aggregate] = true
			for ev, err := range h.store.ReadEvents(ctx, spec.Aggregate, 1) {
				if err != nil {
					return fmt.Errorf("read log of %s: %w", spec.Aggregate, err)
				}
				result.Log = append(result.Log, LogEntry{
					Seq:         ev.Seq,
					AggregateID: ev.AggregateID,
					Version:     ev.AggregateVersion,
					EventType:   ev.EventType,
					ActorID:     ev.ActorID,
					ActorRole:   ev.ActorRole,
				})
			}
		}
	}
	slices.SortFunc(result.Log, func(a, b LogEntry) int {
		return int(a.Seq - b.Seq)
	})
	return nil
}

func schemaVersion(spec *EventSpec) string {
	if spec.SchemaVersion != "" {
		return spec.SchemaVersion
	}
	return defaultSchemaVersion
}

// toPayload converts a decoded YAML map into an IR object.
func toPayload(m map[string]any) (ir.IRObject, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return ir.UnmarshalPayload(data)
}

// engineSubmitter delivers an outbox straight into the engine as p.
type engineSubmitter struct {
	eng *engine.Engine
	p   ir.Principal
}

func (s engineSubmitter) Submit(ctx context.Context, req ir.SubmitRequest) (ir.Acceptance, error) {
	return s.eng.Submit(ctx, s.p, req)
}

func (s engineSubmitter) Fetch(ctx context.Context, aggregateID string) (ir.State, error) {
	st, err := s.eng.Get(ctx, s.p, aggregateID)
	if errors.Is(err, ir.ErrNotFound) {
		return ir.State{AggregateID: aggregateID}, nil
	}
	return st, err
}
