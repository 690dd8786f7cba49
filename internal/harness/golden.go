package harness

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/cairn/internal/ir"
)

// Snapshot renders a result as canonical JSON for golden comparison.
func Snapshot(name string, result *Result) ([]byte, error) {
	trace := make([]any, len(result.Trace))
	for i, ev := range result.Trace {
		trace[i] = ev.canonical()
	}
	log := make([]any, len(result.Log))
	for i, e := range result.Log {
		log[i] = map[string]any{
			"seq":          e.Seq,
			"aggregate_id": e.AggregateID,
			"version":      e.Version,
			"event_type":   e.EventType,
			"actor_id":     e.ActorID,
			"actor_role":   string(e.ActorRole),
		}
	}
	return ir.MarshalCanonical(map[string]any{
		"scenario": name,
		"trace":    trace,
		"log":      log,
	})
}

func (ev TraceEvent) canonical() map[string]any {
	m := map[string]any{
		"step":   ev.Step,
		"action": ev.Action,
	}
	if ev.Actor != "" {
		m["actor"] = ev.Actor
	}
	switch ev.Action {
	case ActionAuthor:
		m["aggregate_id"] = ev.AggregateID
		m["event_type"] = ev.EventType
		m["expected_version"] = ev.ExpectedVersion
	case ActionSubmit:
		m["aggregate_id"] = ev.AggregateID
		m["event_type"] = ev.EventType
		m["expected_version"] = ev.ExpectedVersion
		m["current_version"] = ev.CurrentVersion
		m["outcome"] = ev.Outcome
	case ActionDrain:
		m["accepted"] = ev.Report.Accepted
		m["rejected"] = ev.Report.Rejected
		m["retried"] = ev.Report.Retried
		m["rederived"] = ev.Report.Rederived
		m["deferred"] = ev.Report.Deferred
	case ActionAdvance:
		m["duration"] = ev.Advance.String()
	}
	return m
}

// RunWithGolden runs scenario and compares its snapshot with
// testdata/golden/<name>.golden. Regenerate with:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) *Result {
	t.Helper()

	result, err := Run(context.Background(), scenario)
	if err != nil {
		t.Fatalf("run %s: %v", scenario.Name, err)
	}
	AssertGolden(t, scenario.Name, result)
	return result
}

// AssertGolden compares an existing result against its golden file.
func AssertGolden(t *testing.T, name string, result *Result) {
	t.Helper()

	data, err := Snapshot(name, result)
	if err != nil {
		t.Fatalf("snapshot %s: %v", name, err)
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
}
