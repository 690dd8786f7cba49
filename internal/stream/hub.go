// Package stream fans accepted events out to live subscribers and brokers.
package stream

import (
	"context"
	"io"
	"iter"
	"log/slog"
	"sync"

	"github.com/roach88/cairn/internal/ir"
)

// Publisher receives accepted events after their append commits. Driven by
// a Relay, delivery is at-least-once in seq order and consumers dedupe on
// event_id.
type Publisher interface {
	Publish(ctx context.Context, ev ir.Event) error
}

// Hub delivers accepted events to in-process subscribers.
// Each subscriber has its own unbounded queue.
type Hub struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]*Subscription)}
}

// Publish enqueues ev for every subscriber of its tenant and for every
// subscriber of all tenants. It never blocks.
func (h *Hub) Publish(_ context.Context, ev ir.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, s := range h.subs {
		if s.tenantID == "" || s.tenantID == ev.TenantID {
			s.queue.Enqueue(ev)
		}
	}
	return nil
}

// Subscribe registers a subscriber for a tenant's events. An empty tenant
// subscribes to every tenant. The caller must Close the subscription.
func (h *Hub) Subscribe(tenantID string) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	s := &Subscription{
		id:       h.nextID,
		tenantID: tenantID,
		queue:    newEventQueue(),
		hub:      h,
	}
	if h.closed {
		s.queue.Close()
		return s
	}
	h.subs[s.id] = s
	slog.Debug("subscriber added", "event", "subscribe", "tenant_id", tenantID, "subscribers", len(h.subs))
	return s
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close ends every subscription. Subsequent subscriptions end immediately.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for id, s := range h.subs {
		s.queue.Close()
		delete(h.subs, id)
	}
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, id)
}

// Subscription is one subscriber's view of the hub.
type Subscription struct {
	id       uint64
	tenantID string
	queue    *eventQueue
	hub      *Hub
}

// Next blocks until an event is available, ctx is done, or the subscription
// is closed (io.EOF).
func (s *Subscription) Next(ctx context.Context) (ir.Event, error) {
	for {
		if ev, ok := s.queue.TryDequeue(); ok {
			return ev, nil
		}
		if s.queue.Closed() {
			return ir.Event{}, io.EOF
		}
		select {
		case <-ctx.Done():
			return ir.Event{}, ctx.Err()
		case <-s.queue.Wait():
		}
	}
}

// discard drops everything queued so far.
func (s *Subscription) discard() {
	for {
		if _, ok := s.queue.TryDequeue(); !ok {
			return
		}
	}
}

// Pending returns the number of queued events.
func (s *Subscription) Pending() int {
	return s.queue.Len()
}

// Close unregisters the subscription.
func (s *Subscription) Close() {
	s.hub.remove(s.id)
	s.queue.Close()
}

// Backlog reads committed events after a position.
type Backlog interface {
	EventsSince(ctx context.Context, tenantID string, afterSeq int64) iter.Seq2[ir.Event, error]
}

// Follow yields a tenant's events with seq > afterSeq in seq order: the
// committed backlog first, then newer commits as they happen.
//
// Hub events only wake the follower. Events are always read from the backlog
// after the highest seq yielded so far, so an event published late by a slow
// append is neither skipped nor reordered. This relies on seq being assigned
// in commit order. The sequence ends when ctx is done or the hub closes.
func Follow(ctx context.Context, hub *Hub, backlog Backlog, tenantID string, afterSeq int64) iter.Seq2[ir.Event, error] {
	return func(yield func(ir.Event, error) bool) {
		sub := hub.Subscribe(tenantID)
		defer sub.Close()

		mark := afterSeq
		for {
			for ev, err := range backlog.EventsSince(ctx, tenantID, mark) {
				if err != nil {
					yield(ir.Event{}, err)
					return
				}
				mark = max(mark, ev.Seq)
				if !yield(ev, nil) {
					return
				}
			}

			if err := waitBeyond(ctx, sub, mark); err != nil {
				if err != io.EOF {
					yield(ir.Event{}, err)
				}
				return
			}
		}
	}
}

// waitBeyond blocks until sub sees an event with seq > mark, then drops the
// rest of the queue. The caller rereads the backlog, which covers them.
func waitBeyond(ctx context.Context, sub *Subscription, mark int64) error {
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			return err
		}
		if ev.Seq > mark {
			sub.discard()
			return nil
		}
	}
}
