package offline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/roach88/cairn/internal/ir"
	"github.com/roach88/cairn/internal/projector"
)

// Defaults for the sync manager.
const (
	DefaultBackoffBase  = time.Second
	DefaultBackoffMax   = 5 * time.Minute
	DefaultMaxAttempts  = 8
	DefaultRate         = rate.Limit(5)
	DefaultBurst        = 1
	DefaultPollInterval = 30 * time.Second

	// maxRederive bounds re-derivations of one entry within a single pass.
	maxRederive = 3
)

// Submitter is the server as seen by the client.
type Submitter interface {
	Submit(ctx context.Context, req ir.SubmitRequest) (ir.Acceptance, error)
	// Fetch returns the current state of an aggregate. An aggregate the
	// server has never seen is the zero State.
	Fetch(ctx context.Context, aggregateID string) (ir.State, error)
}

// RederiveFunc reapplies a local intent on top of newer server state after a
// version conflict. It returns the payload to resubmit, or an error if the
// intent no longer applies.
type RederiveFunc func(current ir.State, e Entry) (ir.IRObject, error)

// Reapply resubmits the original payload on top of newer state. Drafts
// against a voided record no longer apply.
func Reapply(current ir.State, e Entry) (ir.IRObject, error) {
	if current.Fields.String("status") == projector.StatusVoided {
		return nil, fmt.Errorf("%s is voided", current.AggregateID)
	}
	return e.Payload, nil
}

// Notifier is told about entries that were terminally rejected.
type Notifier interface {
	Rejected(e Entry, err error)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Entry, error)

// Rejected calls f.
func (f NotifierFunc) Rejected(e Entry, err error) { f(e, err) }

// Backoff is exponential: Base, doubling per attempt, capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before retrying after the given attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Max || d <= 0 {
			return b.Max
		}
	}
	return min(d, b.Max)
}

// Report summarizes one drain pass.
type Report struct {
	Accepted  int  `json:"accepted"`
	Rejected  int  `json:"rejected"`
	Retried   int  `json:"retried"`
	Rederived int  `json:"rederived"`
	Deferred  int  `json:"deferred"`
	Paused    bool `json:"paused"`
}

// SyncStatus is a snapshot of the outbox and manager.
type SyncStatus struct {
	Counts    map[Status]int `json:"counts"`
	Paused    bool           `json:"paused"`
	LastDrain time.Time      `json:"last_drain,omitempty"`
}

// Manager drains the outbox to a Submitter.
//
// Thread-safety: Drain calls are serialized; Rearm and Status may be called
// from any goroutine.
type Manager struct {
	queue       *Queue
	submitter   Submitter
	rederive    RederiveFunc
	notifier    Notifier
	backoff     Backoff
	maxAttempts int
	limiter     *rate.Limiter
	now         func() time.Time

	drainMu sync.Mutex

	mu        sync.Mutex
	paused    bool
	lastDrain time.Time
	wake      chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithBackoff sets the retry backoff.
func WithBackoff(b Backoff) Option {
	return func(m *Manager) {
		m.backoff = b
	}
}

// WithMaxAttempts sets how many failed attempts pause the manager.
func WithMaxAttempts(n int) Option {
	return func(m *Manager) {
		m.maxAttempts = n
	}
}

// WithRate paces submissions with a token bucket.
func WithRate(r rate.Limit, burst int) Option {
	return func(m *Manager) {
		m.limiter = rate.NewLimiter(r, burst)
	}
}

// WithRederive sets the conflict handler. Without one a version conflict
// rejects the entry.
func WithRederive(fn RederiveFunc) Option {
	return func(m *Manager) {
		m.rederive = fn
	}
}

// WithNotifier sets who hears about rejected entries.
func WithNotifier(n Notifier) Option {
	return func(m *Manager) {
		m.notifier = n
	}
}

// WithClock sets the time source used for backoff scheduling.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a manager draining q to sub.
func NewManager(q *Queue, sub Submitter, opts ...Option) *Manager {
	m := &Manager{
		queue:       q,
		submitter:   sub,
		backoff:     Backoff{Base: DefaultBackoffBase, Max: DefaultBackoffMax},
		maxAttempts: DefaultMaxAttempts,
		limiter:     rate.NewLimiter(DefaultRate, DefaultBurst),
		now:         func() time.Time { return time.Now().UTC() },
		wake:        make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Paused reports whether the manager stopped after too many failures.
func (m *Manager) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

// Rearm clears a pause and the retry history of pending entries, then wakes
// Run. Call it when connectivity returns or the app comes to the foreground.
func (m *Manager) Rearm(ctx context.Context) error {
	if err := m.queue.ResetRetries(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	m.paused = false
	m.mu.Unlock()

	slog.Info("sync rearmed", "event", "sync_rearmed")
	select {
	case m.wake <- struct{}{}:
	default:
	}
	return nil
}

// Status returns outbox counts and the manager state.
func (m *Manager) Status(ctx context.Context) (SyncStatus, error) {
	counts, err := m.queue.Counts(ctx)
	if err != nil {
		return SyncStatus{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return SyncStatus{Counts: counts, Paused: m.paused, LastDrain: m.lastDrain}, nil
}

// Drain makes one pass over pending entries in authoring order. A failed
// entry blocks the later entries of its aggregate until the next pass.
// Entries still inside their backoff window are deferred. Cancelling ctx
// returns the in-flight entry to pending.
func (m *Manager) Drain(ctx context.Context) (Report, error) {
	m.drainMu.Lock()
	defer m.drainMu.Unlock()

	var report Report
	if m.Paused() {
		report.Paused = true
		return report, nil
	}

	entries, err := m.queue.List(ctx, StatusPending)
	if err != nil {
		return report, fmt.Errorf("drain: %w", err)
	}

	blocked := make(map[string]bool)
	for _, e := range entries {
		if blocked[e.AggregateID] {
			continue
		}
		if e.NextAttemptAt.After(m.now()) {
			blocked[e.AggregateID] = true
			report.Deferred++
			continue
		}

		ok, err := m.deliver(ctx, e, &report)
		if err != nil {
			return report, err
		}
		if !ok {
			blocked[e.AggregateID] = true
		}
		if report.Paused {
			break
		}
	}

	m.mu.Lock()
	m.lastDrain = m.now()
	m.mu.Unlock()

	slog.Debug("sync drain finished",
		"event", "sync_drain",
		"accepted", report.Accepted,
		"rejected", report.Rejected,
		"retried", report.Retried,
		"deferred", report.Deferred,
	)
	return report, nil
}

// deliver submits one entry, re-deriving on conflict. It reports whether the
// entry was accepted. A non-nil error means the pass must stop.
//
// Once an entry is marked submitted every exit moves it out of that state.
// Queue writes after that point use a context that outlives cancellation.
func (m *Manager) deliver(ctx context.Context, e Entry, report *Report) (bool, error) {
	durable := context.WithoutCancel(ctx)
	for round := 0; ; round++ {
		if err := m.limiter.Wait(ctx); err != nil {
			return false, fmt.Errorf("drain: %w", err)
		}
		if err := m.queue.MarkSubmitted(ctx, e.EventID, m.now()); err != nil {
			return false, fmt.Errorf("drain: %w", err)
		}
		e.AttemptCount++

		acc, err := m.submitter.Submit(ctx, e.Request())
		if ctx.Err() != nil {
			return false, m.abandon(ctx, e)
		}

		switch {
		case err == nil:
			if err := m.queue.MarkAccepted(durable, e.EventID, acc); err != nil {
				return false, fmt.Errorf("drain: %w", err)
			}
			report.Accepted++
			slog.Debug("entry accepted",
				"event", "sync_accepted",
				"event_id", e.EventID,
				"aggregate_id", e.AggregateID,
				"version", acc.CurrentVersion,
				"duplicate", acc.Duplicate,
			)
			return true, nil

		case ir.IsVersionConflict(err) && m.rederive != nil && round < maxRederive:
			current, ferr := m.submitter.Fetch(ctx, e.AggregateID)
			if ctx.Err() != nil {
				return false, m.abandon(ctx, e)
			}
			if ferr != nil {
				return false, m.retry(durable, e, fmt.Errorf("fetch %s after conflict: %w", e.AggregateID, ferr), report)
			}
			payload, rerr := m.rederive(current, e)
			if rerr != nil {
				return false, m.reject(durable, e, fmt.Errorf("%w (rederive: %v)", err, rerr), report)
			}
			next, qerr := m.rebase(durable, e, current.Version, payload)
			if qerr != nil {
				m.release(durable, e)
				return false, fmt.Errorf("drain: %w", qerr)
			}
			report.Rederived++
			e = next
			if ctx.Err() != nil {
				return false, fmt.Errorf("drain: %w", ctx.Err())
			}

		case terminal(err):
			return false, m.reject(durable, e, err, report)

		default:
			return false, m.retry(durable, e, err, report)
		}
	}
}

// abandon returns an interrupted submission to pending and reports the
// cancellation.
func (m *Manager) abandon(ctx context.Context, e Entry) error {
	m.release(context.WithoutCancel(ctx), e)
	return fmt.Errorf("drain: %w", ctx.Err())
}

func (m *Manager) release(ctx context.Context, e Entry) {
	if err := m.queue.Release(ctx, e.EventID); err != nil {
		slog.Warn("release submitted entry failed", "event_id", e.EventID, "error", err)
	}
}

// rebase moves e onto version and returns the updated entry.
func (m *Manager) rebase(ctx context.Context, e Entry, version int64, payload ir.IRObject) (Entry, error) {
	if err := m.queue.Rebase(ctx, e.EventID, version, payload); err != nil {
		return Entry{}, err
	}
	slog.Info("entry rederived",
		"event", "sync_rederived",
		"event_id", e.EventID,
		"aggregate_id", e.AggregateID,
		"from_version", e.ExpectedVersion,
		"to_version", version,
	)
	return m.queue.Get(ctx, e.EventID)
}

func (m *Manager) retry(ctx context.Context, e Entry, cause error, report *Report) error {
	next := m.now().Add(m.backoff.Delay(e.AttemptCount))
	if err := m.queue.MarkRetry(ctx, e.EventID, cause, next); err != nil {
		return fmt.Errorf("drain: %w", err)
	}
	report.Retried++

	if m.maxAttempts > 0 && e.AttemptCount >= m.maxAttempts {
		m.mu.Lock()
		m.paused = true
		m.mu.Unlock()
		report.Paused = true
		slog.Warn("sync paused",
			"event", "sync_paused",
			"event_id", e.EventID,
			"attempts", e.AttemptCount,
			"error", cause,
		)
		return nil
	}
	slog.Debug("entry will retry",
		"event", "sync_retry",
		"event_id", e.EventID,
		"attempt", e.AttemptCount,
		"next_attempt_at", next,
		"error", cause,
	)
	return nil
}

func (m *Manager) reject(ctx context.Context, e Entry, cause error, report *Report) error {
	if err := m.queue.MarkRejected(ctx, e.EventID, cause); err != nil {
		return fmt.Errorf("drain: %w", err)
	}
	report.Rejected++
	slog.Warn("entry rejected",
		"event", "sync_rejected",
		"event_id", e.EventID,
		"aggregate_id", e.AggregateID,
		"code", ir.CodeOf(cause),
		"error", cause,
	)
	if m.notifier != nil {
		e.Status = StatusRejected
		e.LastError = cause.Error()
		e.LastCode = ir.CodeOf(cause)
		m.notifier.Rejected(e, cause)
	}
	return nil
}

// terminal reports whether err can never succeed on resubmission.
// Uncoded errors are network failures and are retried.
func terminal(err error) bool {
	switch ir.CodeOf(err) {
	case ir.ErrCodePolicyDenied, ir.ErrCodeValidation, ir.ErrCodeIntegrityFault, ir.ErrCodeVersionConflict:
		return true
	default:
		return false
	}
}

// Run drains on every interval tick and whenever Rearm is called, until ctx
// is cancelled. Returns ctx.Err().
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("sync manager started", "interval", interval)
	for {
		if _, err := m.Drain(ctx); err != nil {
			if ctx.Err() != nil {
				slog.Info("sync manager stopped")
				return ctx.Err()
			}
			slog.Warn("sync drain failed", "event", "sync_drain_failed", "error", err)
		}
		select {
		case <-ctx.Done():
			slog.Info("sync manager stopped")
			return ctx.Err()
		case <-ticker.C:
		case <-m.wake:
		}
	}
}
