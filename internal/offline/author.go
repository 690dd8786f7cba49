package offline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/roach88/cairn/internal/ir"
)

// Draft is a locally authored intent before it enters the outbox.
type Draft struct {
	AggregateID   string
	EventType     string
	SchemaVersion string
	Payload       ir.IRObject
	SiteID        string
}

// Author writes drafts into the outbox. It never touches the network.
//
// Thread-safety: safe for concurrent use; drafts are numbered under a mutex
// so two drafts for one aggregate never share an expected version.
type Author struct {
	mu    sync.Mutex
	queue *Queue
	ids   ir.IDGenerator
	now   func() time.Time
}

// NewAuthor creates an author over q. ids defaults to UUIDv7 and now to the
// system clock when nil.
func NewAuthor(q *Queue, ids ir.IDGenerator, now func() time.Time) *Author {
	if ids == nil {
		ids = ir.UUIDv7Generator{}
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Author{queue: q, ids: ids, now: now}
}

// Write assigns an event id and expected version to d and persists it as a
// pending entry. The expected version follows the latest pending draft of the
// same aggregate, or the last version the server confirmed.
func (a *Author) Write(ctx context.Context, d Draft) (Entry, error) {
	if d.AggregateID == "" || d.EventType == "" || d.SchemaVersion == "" {
		return Entry{}, ir.NewValidationError("draft needs aggregate_id, event_type and schema_version")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	expected, err := a.queue.NextVersion(ctx, d.AggregateID)
	if err != nil {
		return Entry{}, fmt.Errorf("author %s: %w", d.AggregateID, err)
	}
	return a.queue.Enqueue(ctx, Entry{
		EventID:         a.ids.Generate(),
		AggregateID:     d.AggregateID,
		EventType:       d.EventType,
		SchemaVersion:   d.SchemaVersion,
		Payload:         d.Payload,
		SiteID:          d.SiteID,
		ExpectedVersion: expected,
		ClientTimestamp: a.now(),
	})
}
