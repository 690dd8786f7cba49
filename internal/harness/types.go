package harness

import (
	"time"

	"github.com/roach88/cairn/internal/ir"
)

// Trace actions.
const (
	ActionAuthor  = "author"
	ActionDrain   = "drain"
	ActionSubmit  = "submit"
	ActionAdvance = "advance"
)

// TraceEvent records what one step did. Only the fields relevant to Action
// are set. Ids and hashes are left out so traces are stable across runs.
type TraceEvent struct {
	Step            int
	Actor           string
	Action          string
	AggregateID     string
	EventType       string
	ExpectedVersion int64
	CurrentVersion  int64
	Outcome         string // "accepted" or an error code; submit only
	Report          *DrainCounts
	Advance         time.Duration
}

// DrainCounts mirrors the counters of an offline drain report.
type DrainCounts struct {
	Accepted  int
	Rejected  int
	Retried   int
	Rederived int
	Deferred  int
}

// LogEntry is one accepted event in the final log, in global order.
type LogEntry struct {
	Seq         int64
	AggregateID string
	Version     int64
	EventType   string
	ActorID     string
	ActorRole   ir.Role
}

// Result is the outcome of running a scenario.
type Result struct {
	// Pass is true if every step expectation and assertion held.
	Pass bool

	Trace []TraceEvent

	// Log is the accepted event log of every aggregate the scenario touched.
	Log []LogEntry

	Errors []string
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Log:    []LogEntry{},
		Errors: []string{},
	}
}

// AddError marks the result failed.
func (r *Result) AddError(msg string) {
	r.Pass = false
	r.Errors = append(r.Errors, msg)
}
