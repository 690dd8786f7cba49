package harness

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/cairn/internal/audit"
	"github.com/roach88/cairn/internal/ir"
)

// AssertionError describes a failed assertion.
type AssertionError struct {
	Type     string
	Message  string
	Expected any
	Actual   any
}

func (e *AssertionError) Error() string {
	if e.Expected == nil && e.Actual == nil {
		return e.Message
	}
	return fmt.Sprintf("%s\n  expected: %v\n  actual:   %v", e.Message, e.Expected, e.Actual)
}

// evaluate checks one assertion against the final state of the run.
func (h *Harness) evaluate(ctx context.Context, a Assertion) error {
	switch a.Type {
	case AssertVersion:
		return h.assertVersion(ctx, a)
	case AssertEventOrder:
		return h.assertEventOrder(ctx, a)
	case AssertReplayMatches:
		return h.assertReplay(ctx, a)
	case AssertFinalState:
		return h.assertFinalState(ctx, a)
	case AssertVisible:
		return h.assertVisible(ctx, a)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

func (h *Harness) assertVersion(ctx context.Context, a Assertion) error {
	version, err := h.store.CurrentVersion(ctx, a.Aggregate)
	if err != nil {
		return err
	}
	if version != a.Version {
		return &AssertionError{
			Type:     AssertVersion,
			Message:  fmt.Sprintf("%s is at the wrong version", a.Aggregate),
			Expected: a.Version,
			Actual:   version,
		}
	}
	return nil
}

func (h *Harness) assertEventOrder(ctx context.Context, a Assertion) error {
	var types []string
	for ev, err := range h.store.ReadEvents(ctx, a.Aggregate, 1) {
		if err != nil {
			return err
		}
		types = append(types, ev.EventType)
	}
	if !slices.Equal(types, a.Events) {
		return &AssertionError{
			Type:     AssertEventOrder,
			Message:  fmt.Sprintf("%s has events in the wrong order", a.Aggregate),
			Expected: strings.Join(a.Events, ", "),
			Actual:   strings.Join(types, ", "),
		}
	}
	return nil
}

// assertReplay rebuilds the aggregate from its log and compares it with the
// stored projection. Quarantine is off so a failing scenario leaves no trace.
func (h *Harness) assertReplay(ctx context.Context, a Assertion) error {
	v := audit.NewValidator(h.store, h.engine.Projector(),
		audit.WithClock(h.clock.Now),
		audit.WithQuarantine(false),
	)
	res, err := v.Verify(ctx, a.Aggregate)
	if err != nil {
		return err
	}
	if !res.Match {
		return &AssertionError{
			Type:    AssertReplayMatches,
			Message: fmt.Sprintf("replay of %s diverges: %s", a.Aggregate, res.Reason()),
		}
	}
	return nil
}

// assertFinalState is a subset match: fields not named are not compared.
func (h *Harness) assertFinalState(ctx context.Context, a Assertion) error {
	st, err := h.store.LoadState(ctx, a.Aggregate)
	if err != nil {
		return err
	}
	want, err := toPayload(a.Fields)
	if err != nil {
		return err
	}
	for _, key := range want.SortedKeys() {
		got, ok := st.Fields[key]
		if !ok {
			return &AssertionError{
				Type:    AssertFinalState,
				Message: fmt.Sprintf("%s has no field %q", a.Aggregate, key),
			}
		}
		if !ir.Equal(got, want[key]) {
			return &AssertionError{
				Type:     AssertFinalState,
				Message:  fmt.Sprintf("%s field %q mismatch", a.Aggregate, key),
				Expected: render(want[key]),
				Actual:   render(got),
			}
		}
	}
	return nil
}

func (h *Harness) assertVisible(ctx context.Context, a Assertion) error {
	_, err := h.engine.Get(ctx, h.principal(a.Actor), a.Aggregate)
	if err != nil && !ir.IsPolicyDenied(err) {
		return err
	}
	if visible := err == nil; visible != *a.Visible {
		return &AssertionError{
			Type:     AssertVisible,
			Message:  fmt.Sprintf("read access of %s to %s", a.Actor, a.Aggregate),
			Expected: *a.Visible,
			Actual:   visible,
		}
	}
	return nil
}

func render(v ir.IRValue) string {
	data, err := ir.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
