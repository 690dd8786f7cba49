// Package projector derives materialized aggregate state from events.
//
// The projector is the only component that computes state. The store persists
// whatever Apply returns inside the append transaction, and the audit
// validator re-runs Fold over the log to check it.
package projector

import (
	"context"
	"fmt"
	"iter"

	"github.com/roach88/cairn/internal/ir"
)

// EventSource reads the ordered events of one aggregate.
type EventSource interface {
	ReadEvents(ctx context.Context, aggregateID string, fromVersion int64) iter.Seq2[ir.Event, error]
}

// Locker serializes work on one key. Unlock is the returned func.
type Locker interface {
	Lock(key string) (unlock func())
}

// Projector folds events through a per-event-type reducer table.
type Projector struct {
	reducers map[string]Reducer
	fallback Reducer
	locks    Locker
}

// Option configures a Projector.
type Option func(*Projector)

// WithReducer adds or replaces the reducer for an event type.
func WithReducer(eventType string, r Reducer) Option {
	return func(p *Projector) {
		p.reducers[eventType] = r
	}
}

// WithFallback sets the reducer used for event types without their own.
// Without a fallback such events fail to apply.
func WithFallback(r Reducer) Option {
	return func(p *Projector) {
		p.fallback = r
	}
}

// WithLocker sets the per-aggregate lock used by Project.
func WithLocker(l Locker) Option {
	return func(p *Projector) {
		p.locks = l
	}
}

// Locker returns the per-aggregate lock, or nil when none is configured.
func (p *Projector) Locker() Locker {
	return p.locks
}

// New returns a projector with the builtin reducers.
func New(opts ...Option) *Projector {
	p := &Projector{reducers: builtinReducers()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// HasReducer reports whether eventType can be applied.
func (p *Projector) HasReducer(eventType string) bool {
	_, ok := p.reducers[eventType]
	return ok || p.fallback != nil
}

// Apply folds one event into state and returns the next state. The input state
// is not modified. The event must carry version state.Version+1 and belong to
// the same aggregate and tenant.
func (p *Projector) Apply(state ir.State, ev ir.Event) (ir.State, error) {
	if ev.AggregateVersion != state.Version+1 {
		return ir.State{}, ir.NewIntegrityFault(ev.AggregateID,
			fmt.Sprintf("non-contiguous version: state at %d, event at %d", state.Version, ev.AggregateVersion))
	}

	reduce, ok := p.reducers[ev.EventType]
	if !ok {
		reduce = p.fallback
	}
	if reduce == nil {
		return ir.State{}, ir.NewValidationError("no reducer for event type %q", ev.EventType)
	}

	next := state
	if !state.Exists() {
		next = ir.State{
			AggregateID: ev.AggregateID,
			TenantID:    ev.TenantID,
			SiteID:      ev.SiteID,
			Kind:        ev.AggregateKind,
			OwnerID:     ev.ActorID,
		}
	} else {
		if ev.AggregateID != state.AggregateID {
			return ir.State{}, ir.NewIntegrityFault(ev.AggregateID,
				fmt.Sprintf("event belongs to %s, not %s", ev.AggregateID, state.AggregateID))
		}
		if ev.TenantID != state.TenantID {
			return ir.State{}, ir.NewIntegrityFault(ev.AggregateID, "event tenant differs from aggregate tenant")
		}
		if ev.AggregateKind != state.Kind {
			return ir.State{}, ir.NewValidationError("event type %s targets %s aggregates, %s is a %s",
				ev.EventType, ev.AggregateKind, ev.AggregateID, state.Kind)
		}
	}

	fields, err := reduce(state.Fields.Clone(), ev)
	if err != nil {
		return ir.State{}, fmt.Errorf("apply %s v%d: %w", ev.EventType, ev.AggregateVersion, err)
	}
	if fields == nil {
		fields = ir.IRObject{}
	}

	hash, err := ir.StateHash(fields)
	if err != nil {
		return ir.State{}, fmt.Errorf("apply %s v%d: %w", ev.EventType, ev.AggregateVersion, err)
	}

	next.Fields = fields
	next.Version = ev.AggregateVersion
	next.UpdatedAt = ev.ServerTimestamp
	next.StateHash = hash
	return next, nil
}

// Fold applies events in order starting from the empty state.
func (p *Projector) Fold(events []ir.Event) (ir.State, error) {
	var state ir.State
	for _, ev := range events {
		next, err := p.Apply(state, ev)
		if err != nil {
			return ir.State{}, err
		}
		state = next
	}
	return state, nil
}

// FoldSeq is Fold over a lazy sequence. It stops at the first read error.
func (p *Projector) FoldSeq(events iter.Seq2[ir.Event, error]) (ir.State, error) {
	var state ir.State
	for ev, err := range events {
		if err != nil {
			return ir.State{}, err
		}
		next, err := p.Apply(state, ev)
		if err != nil {
			return ir.State{}, err
		}
		state = next
	}
	return state, nil
}

// Project rebuilds an aggregate's state from the log. Calls for the same
// aggregate are serialized when a Locker is configured; different aggregates
// project in parallel.
func (p *Projector) Project(ctx context.Context, src EventSource, aggregateID string) (ir.State, error) {
	if p.locks != nil {
		unlock := p.locks.Lock(aggregateID)
		defer unlock()
	}
	if err := ctx.Err(); err != nil {
		return ir.State{}, err
	}

	state, err := p.FoldSeq(src.ReadEvents(ctx, aggregateID, 1))
	if err != nil {
		return ir.State{}, fmt.Errorf("project %s: %w", aggregateID, err)
	}
	if !state.Exists() {
		return ir.State{}, fmt.Errorf("project %s: %w", aggregateID, ir.ErrNotFound)
	}
	return state, nil
}
