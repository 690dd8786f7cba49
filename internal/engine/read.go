package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/roach88/cairn/internal/ir"
	"github.com/roach88/cairn/internal/policy"
	"github.com/roach88/cairn/internal/store"
	"github.com/roach88/cairn/internal/stream"
)

// grantRefresh is how many rows a long read evaluates against one grant
// snapshot before reloading grants.
const grantRefresh = 256

// Authorize loads an aggregate and checks op on it for p. It returns the
// state so callers need not load it twice.
func (e *Engine) Authorize(ctx context.Context, p ir.Principal, op ir.Operation, aggregateID string) (ir.State, policy.Decision, error) {
	if err := validatePrincipal(p); err != nil {
		return ir.State{}, policy.Decision{}, err
	}
	st, err := e.store.LoadState(ctx, aggregateID)
	if err != nil {
		return ir.State{}, policy.Decision{}, fmt.Errorf("load %s: %w", aggregateID, err)
	}
	d, err := e.enforcer.Check(ctx, p, op, policy.TargetOf(st))
	if err != nil {
		return ir.State{}, d, err
	}
	return st, d, nil
}

// Get returns an aggregate's materialized state. A caller who may not read
// it gets PolicyDenied; a missing aggregate is ir.ErrNotFound.
func (e *Engine) Get(ctx context.Context, p ir.Principal, aggregateID string) (ir.State, error) {
	st, _, err := e.Authorize(ctx, p, ir.OpRead, aggregateID)
	return st, err
}

// Query selects a page of aggregates visible to the caller.
type Query struct {
	Site  string
	Kind  ir.AggregateKind
	After string // aggregate id cursor from the previous page
	Limit int
}

// Page is one page of query results. Next is empty once the scan reached
// the end; otherwise it is the cursor for the following page.
type Page struct {
	Items []ir.State `json:"items"`
	Next  string     `json:"next,omitempty"`
}

// Query returns the aggregates p may read, ordered by aggregate id. Rows the
// caller may not see are omitted silently. Pages are restartable from Next.
func (e *Engine) Query(ctx context.Context, p ir.Principal, q Query) (Page, error) {
	if err := validatePrincipal(p); err != nil {
		return Page{}, err
	}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	limit = min(limit, MaxQueryLimit)

	filter, grants, err := e.enforcer.Scope(ctx, p)
	if err != nil {
		return Page{}, fmt.Errorf("query: %w", err)
	}
	page := Page{Items: []ir.State{}}
	if filter.Empty() {
		return page, nil
	}

	after := q.After
	for {
		want := min(limit-len(page.Items), e.store.PageSize())
		rows, err := e.store.ScanStates(ctx, store.StateQuery{
			TenantID: filter.TenantID,
			Clauses:  toStoreClauses(filter.Clauses),
			Site:     q.Site,
			Kind:     q.Kind,
			After:    after,
			Limit:    want,
		})
		if err != nil {
			return Page{}, fmt.Errorf("query: %w", err)
		}
		for _, st := range rows {
			after = st.AggregateID
			if _, err := e.enforcer.Evaluate(p, grants, ir.OpRead, policy.TargetOf(st)); err != nil {
				continue
			}
			page.Items = append(page.Items, st)
		}
		if len(rows) < want {
			return page, nil
		}
		if len(page.Items) >= limit {
			break
		}
	}
	page.Next = after
	return page, nil
}

// ReadEvents authorizes a read of aggregateID and returns its events from
// fromVersion on. The returned sequence is lazy and restartable.
func (e *Engine) ReadEvents(ctx context.Context, p ir.Principal, aggregateID string, fromVersion int64) (iter.Seq2[ir.Event, error], error) {
	if _, _, err := e.Authorize(ctx, p, ir.OpRead, aggregateID); err != nil {
		return nil, err
	}
	return e.store.ReadEvents(ctx, aggregateID, fromVersion), nil
}

// ExportRequest bounds an export. To is exclusive; zero values are open.
type ExportRequest struct {
	AggregateID string
	From        time.Time
	To          time.Time
}

// Export streams the raw events p may read, ordered by server timestamp then
// seq. Every row is authorized; grants are reloaded periodically so a
// revocation takes effect during a long export.
func (e *Engine) Export(ctx context.Context, p ir.Principal, req ExportRequest) iter.Seq2[ir.Event, error] {
	return func(yield func(ir.Event, error) bool) {
		if err := validatePrincipal(p); err != nil {
			yield(ir.Event{}, err)
			return
		}
		filter, grants, err := e.enforcer.Scope(ctx, p)
		if err != nil {
			yield(ir.Event{}, fmt.Errorf("export: %w", err))
			return
		}
		if filter.Empty() {
			return
		}

		rows := e.store.ExportEvents(ctx, store.ExportQuery{
			TenantID:    filter.TenantID,
			AggregateID: req.AggregateID,
			From:        req.From,
			To:          req.To,
			Clauses:     toStoreClauses(filter.Clauses),
		})
		n := 0
		for row, err := range rows {
			if err != nil {
				yield(ir.Event{}, err)
				return
			}
			if n > 0 && n%grantRefresh == 0 {
				if grants, err = e.enforcer.Grants(ctx, p); err != nil {
					yield(ir.Event{}, fmt.Errorf("export: %w", err))
					return
				}
			}
			n++
			target := policy.Target{
				TenantID:    row.Event.TenantID,
				SiteID:      row.SiteID,
				Kind:        row.Kind,
				OwnerID:     row.OwnerID,
				AggregateID: row.Event.AggregateID,
			}
			if _, err := e.enforcer.Evaluate(p, grants, ir.OpRead, target); err != nil {
				continue
			}
			if !yield(row.Event, nil) {
				return
			}
		}
	}
}

// Subscribe streams accepted events with seq > afterSeq that p may read:
// the backlog first, then live events. Delivery is at-least-once in seq
// order. Each delivery is authorized against freshly loaded grants, so
// revoking or expiring a grant stops the flow at the next event.
func (e *Engine) Subscribe(ctx context.Context, p ir.Principal, afterSeq int64) iter.Seq2[ir.Event, error] {
	return func(yield func(ir.Event, error) bool) {
		if err := validatePrincipal(p); err != nil {
			yield(ir.Event{}, err)
			return
		}
		for ev, err := range stream.Follow(ctx, e.hub, e.store, p.TenantID, afterSeq) {
			if err != nil {
				yield(ir.Event{}, err)
				return
			}
			ok, err := e.visible(ctx, p, ev)
			if err != nil {
				yield(ir.Event{}, err)
				return
			}
			if !ok {
				continue
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}

func (e *Engine) visible(ctx context.Context, p ir.Principal, ev ir.Event) (bool, error) {
	st, err := e.store.LoadState(ctx, ev.AggregateID)
	if err != nil {
		if errors.Is(err, ir.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("subscribe: %w", err)
	}
	grants, err := e.enforcer.Grants(ctx, p)
	if err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}
	_, err = e.enforcer.Evaluate(p, grants, ir.OpRead, policy.TargetOf(st))
	return err == nil, nil
}

func toStoreClauses(clauses []policy.Clause) []store.ScopeClause {
	out := make([]store.ScopeClause, len(clauses))
	for i, c := range clauses {
		out[i] = store.ScopeClause{
			AllSites: c.AllSites,
			Sites:    c.Sites,
			Kinds:    c.Kinds,
			OwnerID:  c.OwnerID,
		}
	}
	return out
}
