package engine

import (
	"time"

	"github.com/roach88/cairn/internal/ir"
	"github.com/roach88/cairn/internal/policy"
	"github.com/roach88/cairn/internal/projector"
	"github.com/roach88/cairn/internal/registry"
	"github.com/roach88/cairn/internal/store"
	"github.com/roach88/cairn/internal/stream"
)

// DefaultMaxBreakGlass caps how long a break-glass grant may live.
const DefaultMaxBreakGlass = 4 * time.Hour

// Query page limits.
const (
	DefaultQueryLimit = 50
	MaxQueryLimit     = 500
)

// Engine validates, authorizes and serializes every operation on the store.
//
// Thread-safety: all methods are safe for concurrent use. Appends to the same
// aggregate are serialized; everything else runs in parallel.
type Engine struct {
	store     *store.Store
	registry  *registry.Registry
	projector *projector.Projector
	enforcer  *policy.Enforcer
	locks     *KeyedLocker
	clock     Clock
	ids       ir.IDGenerator
	hub       *stream.Hub

	maxBreakGlass time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock used for server timestamps and grant expiry.
func WithClock(c Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithIDGenerator sets the generator for grant ids.
func WithIDGenerator(g ir.IDGenerator) Option {
	return func(e *Engine) {
		e.ids = g
	}
}

// WithHub sets the hub that live subscriptions read from.
func WithHub(h *stream.Hub) Option {
	return func(e *Engine) {
		e.hub = h
	}
}

// WithProjector replaces the default projector.
func WithProjector(p *projector.Projector) Option {
	return func(e *Engine) {
		e.projector = p
	}
}

// WithMaxBreakGlass caps break-glass grant lifetime.
func WithMaxBreakGlass(d time.Duration) Option {
	return func(e *Engine) {
		e.maxBreakGlass = d
	}
}

// New creates an Engine over s, validating payloads against reg.
//
// The default projector has the builtin reducers and merges payloads of
// other registered types into state.
func New(s *store.Store, reg *registry.Registry, opts ...Option) *Engine {
	e := &Engine{
		store:         s,
		registry:      reg,
		locks:         NewKeyedLocker(),
		clock:         SystemClock{},
		ids:           ir.UUIDv7Generator{},
		maxBreakGlass: DefaultMaxBreakGlass,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.projector == nil {
		e.projector = projector.New(
			projector.WithFallback(projector.Merge),
			projector.WithLocker(e.locks),
		)
	}
	if e.hub == nil {
		e.hub = stream.NewHub()
	}
	e.enforcer = policy.NewEnforcer(s, e.clock.Now)
	return e
}

// Store returns the underlying store.
func (e *Engine) Store() *store.Store {
	return e.store
}

// Registry returns the event type registry.
func (e *Engine) Registry() *registry.Registry {
	return e.registry
}

// Projector returns the projector used for appends.
func (e *Engine) Projector() *projector.Projector {
	return e.projector
}

// Hub returns the live event hub.
func (e *Engine) Hub() *stream.Hub {
	return e.hub
}

// Now returns the engine clock's reading.
func (e *Engine) Now() time.Time {
	return e.clock.Now()
}

// Close ends all live subscriptions. The store is owned by the caller.
func (e *Engine) Close() {
	e.hub.Close()
}
