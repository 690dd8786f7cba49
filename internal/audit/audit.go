// Package audit re-derives aggregate state from the event log and compares it
// with what the store holds.
//
// Verification is read-only apart from one side effect: an aggregate that
// fails is quarantined, after which the engine refuses appends to it with an
// IntegrityFault. Nothing is ever repaired automatically.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/roach88/cairn/internal/ir"
	"github.com/roach88/cairn/internal/projector"
	"github.com/roach88/cairn/internal/store"
)

// Problem kinds found while walking the log.
const (
	ProblemGap       = "version_gap"
	ProblemEventHash = "event_hash"
	ProblemPrevHash  = "prev_hash"
	ProblemChainHash = "chain_hash"
	ProblemFold      = "fold"
	ProblemStateHash = "state_hash"
	ProblemMetadata  = "metadata"
	ProblemMissing   = "missing_state"
)

// Problem is one inconsistency at a given version.
type Problem struct {
	Version int64  `json:"version"`
	Kind    string `json:"kind"`
	Detail  string `json:"detail"`
}

// FieldDiff is one derived field whose replayed value differs from the
// stored value. Values are canonical JSON; a missing side is empty.
type FieldDiff struct {
	Path     string `json:"path"`
	Stored   string `json:"stored,omitempty"`
	Replayed string `json:"replayed,omitempty"`
}

// Result is the outcome of verifying one aggregate.
type Result struct {
	AggregateID     string      `json:"aggregate_id"`
	TenantID        string      `json:"tenant_id"`
	Match           bool        `json:"match"`
	Events          int64       `json:"events"`
	StoredVersion   int64       `json:"stored_version"`
	ReplayedVersion int64       `json:"replayed_version"`
	StoredHash      string      `json:"stored_hash"`
	ReplayedHash    string      `json:"replayed_hash"`
	Problems        []Problem   `json:"problems,omitempty"`
	Diff            []FieldDiff `json:"diff,omitempty"`
	CheckedAt       time.Time   `json:"checked_at"`
}

// Reason summarizes why verification failed, or "" on a match.
func (r Result) Reason() string {
	if r.Match {
		return ""
	}
	var parts []string
	for _, p := range r.Problems {
		parts = append(parts, fmt.Sprintf("%s at v%d: %s", p.Kind, p.Version, p.Detail))
	}
	if len(r.Diff) > 0 {
		paths := make([]string, len(r.Diff))
		for i, d := range r.Diff {
			paths[i] = d.Path
		}
		parts = append(parts, "fields differ: "+strings.Join(paths, ", "))
	}
	if len(parts) == 0 {
		parts = append(parts, "state hash mismatch")
	}
	return strings.Join(parts, "; ")
}

// Validator verifies aggregates against their logs.
type Validator struct {
	store      *store.Store
	projector  *projector.Projector
	locks      projector.Locker
	now        func() time.Time
	quarantine bool
}

// Option configures a Validator.
type Option func(*Validator)

// WithClock sets the time source for CheckedAt and quarantine entries.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) {
		v.now = now
	}
}

// WithQuarantine controls whether mismatches are quarantined. Default true.
func WithQuarantine(enabled bool) Option {
	return func(v *Validator) {
		v.quarantine = enabled
	}
}

// WithLocker sets the per-aggregate lock held for the whole of Verify. It
// must be the lock writers take around appends. Defaults to p's locker.
func WithLocker(l projector.Locker) Option {
	return func(v *Validator) {
		v.locks = l
	}
}

// NewValidator creates a validator that folds with p.
func NewValidator(s *store.Store, p *projector.Projector, opts ...Option) *Validator {
	v := &Validator{
		store:      s,
		projector:  p,
		locks:      p.Locker(),
		now:        func() time.Time { return time.Now().UTC() },
		quarantine: true,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify folds the full event sequence of aggregateID independently of the
// stored state and compares the two. It also checks version contiguity and
// recomputes every event hash and chain link. State and log are read from one
// snapshot while the aggregate's write lock is held, so concurrent appends
// cannot produce a false mismatch. An aggregate with neither events nor state
// is ir.ErrNotFound.
func (v *Validator) Verify(ctx context.Context, aggregateID string) (Result, error) {
	if v.locks != nil {
		unlock := v.locks.Lock(aggregateID)
		defer unlock()
	}

	snap, err := v.store.Snapshot(ctx, aggregateID)
	if err != nil {
		return Result{}, fmt.Errorf("verify %s: %w", aggregateID, err)
	}
	if len(snap.Events) == 0 && !snap.HasState {
		return Result{}, fmt.Errorf("verify %s: %w", aggregateID, ir.ErrNotFound)
	}
	stored := snap.State

	res := Result{
		AggregateID:   aggregateID,
		TenantID:      stored.TenantID,
		StoredVersion: stored.Version,
		StoredHash:    stored.StateHash,
		CheckedAt:     v.now(),
	}

	replayed, err := v.replay(snap.Events, &res)
	if err != nil {
		return Result{}, fmt.Errorf("verify %s: %w", aggregateID, err)
	}
	if res.TenantID == "" {
		res.TenantID = replayed.TenantID
	}
	res.ReplayedVersion = replayed.Version
	res.ReplayedHash = replayed.StateHash

	if !snap.HasState {
		res.Problems = append(res.Problems, Problem{
			Version: replayed.Version,
			Kind:    ProblemMissing,
			Detail:  "events exist but no state is stored",
		})
	} else {
		compareState(stored, replayed, &res)
	}

	res.Match = len(res.Problems) == 0 && len(res.Diff) == 0 &&
		res.StoredVersion == res.ReplayedVersion && res.StoredHash == res.ReplayedHash

	if !res.Match {
		v.reportMismatch(ctx, res)
	}
	return res, nil
}

// replay walks the log, checking each event's position and hashes, and folds
// as far as the projector allows.
func (v *Validator) replay(events []ir.Event, res *Result) (ir.State, error) {
	var (
		state     ir.State
		prevChain string
		folding   = true
	)
	for _, ev := range events {
		res.Events++
		if res.TenantID == "" {
			res.TenantID = ev.TenantID
		}

		if want := res.Events; ev.AggregateVersion != want {
			res.Problems = append(res.Problems, Problem{
				Version: ev.AggregateVersion,
				Kind:    ProblemGap,
				Detail:  fmt.Sprintf("expected version %d", want),
			})
		}

		h, err := ir.EventHash(ev)
		if err != nil {
			return ir.State{}, err
		}
		if h != ev.EventHash {
			res.Problems = append(res.Problems, Problem{
				Version: ev.AggregateVersion,
				Kind:    ProblemEventHash,
				Detail:  "event content does not match its hash",
			})
		}
		if ev.PrevHash != prevChain {
			res.Problems = append(res.Problems, Problem{
				Version: ev.AggregateVersion,
				Kind:    ProblemPrevHash,
				Detail:  "previous link does not match predecessor",
			})
		}
		if ir.ChainHash(ev.PrevHash, ev.EventHash) != ev.ChainHash {
			res.Problems = append(res.Problems, Problem{
				Version: ev.AggregateVersion,
				Kind:    ProblemChainHash,
				Detail:  "chain hash does not match its inputs",
			})
		}
		prevChain = ev.ChainHash

		if !folding {
			continue
		}
		next, err := v.projector.Apply(state, ev)
		if err != nil {
			res.Problems = append(res.Problems, Problem{
				Version: ev.AggregateVersion,
				Kind:    ProblemFold,
				Detail:  err.Error(),
			})
			folding = false
			continue
		}
		state = next
	}
	return state, nil
}

func compareState(stored, replayed ir.State, res *Result) {
	if h, err := ir.StateHash(stored.Fields); err == nil && h != stored.StateHash {
		res.Problems = append(res.Problems, Problem{
			Version: stored.Version,
			Kind:    ProblemStateHash,
			Detail:  "stored fields do not match stored state hash",
		})
	}

	meta := []struct {
		name           string
		stored, replay string
	}{
		{"tenant_id", stored.TenantID, replayed.TenantID},
		{"site_id", stored.SiteID, replayed.SiteID},
		{"kind", string(stored.Kind), string(replayed.Kind)},
		{"owner_id", stored.OwnerID, replayed.OwnerID},
	}
	for _, m := range meta {
		if m.stored != m.replay {
			res.Problems = append(res.Problems, Problem{
				Version: stored.Version,
				Kind:    ProblemMetadata,
				Detail:  fmt.Sprintf("%s stored %q, replayed %q", m.name, m.stored, m.replay),
			})
		}
	}
	if stored.Version != replayed.Version {
		res.Problems = append(res.Problems, Problem{
			Version: stored.Version,
			Kind:    ProblemGap,
			Detail:  fmt.Sprintf("state at version %d, log folds to %d", stored.Version, replayed.Version),
		})
	}

	res.Diff = diffFields("derived_fields", stored.Fields, replayed.Fields)
}

func (v *Validator) reportMismatch(ctx context.Context, res Result) {
	slog.Error("integrity fault",
		"event", "integrity_fault",
		"aggregate_id", res.AggregateID,
		"tenant_id", res.TenantID,
		"stored_version", res.StoredVersion,
		"replayed_version", res.ReplayedVersion,
		"reason", res.Reason(),
	)
	if !v.quarantine {
		return
	}
	err := v.store.Quarantine(ctx, store.QuarantineEntry{
		AggregateID: res.AggregateID,
		TenantID:    res.TenantID,
		Reason:      res.Reason(),
		DetectedAt:  res.CheckedAt,
	})
	if err != nil {
		slog.Error("quarantine failed",
			"event", "quarantine_failed",
			"aggregate_id", res.AggregateID,
			"error", err,
		)
	}
}
