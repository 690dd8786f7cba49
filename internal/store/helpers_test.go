package store

import (
	"context"
	"fmt"
	"iter"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/cairn/internal/ir"
	"github.com/roach88/cairn/internal/projector"
)

var testEpoch = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

// createTestStore opens a fresh database in a temp dir.
func createTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func eventID(n int) string {
	return fmt.Sprintf("00000000-0000-7000-8000-%012d", n)
}

// createTestEvent builds an unsealed record event as the engine would.
func createTestEvent(n int, aggregateID, eventType string, payload ir.IRObject) ir.Event {
	return ir.Event{
		EventID:         eventID(n),
		TenantID:        "t1",
		AggregateID:     aggregateID,
		AggregateKind:   ir.KindRecord,
		EventType:       eventType,
		SchemaVersion:   "1.0.0",
		Payload:         payload,
		ActorID:         "patient-1",
		ActorRole:       ir.RoleParticipant,
		SiteID:          "site-a",
		ClientTimestamp: testEpoch,
		ServerTimestamp: testEpoch.Add(time.Duration(n) * time.Second),
	}
}

func openPayload() ir.IRObject {
	return ir.IRObject{"form": ir.IRString("phq9")}
}

func answerPayload(q string, a int64) ir.IRObject {
	return ir.IRObject{"question": ir.IRString(q), "answer": ir.IRInt(a)}
}

var fold = projector.New().Apply

// seedRecord appends an open event followed by n answers and returns the
// last result.
func seedRecord(t *testing.T, s *Store, aggregateID string, firstID, answers int) Appended {
	t.Helper()
	ctx := context.Background()

	res, err := s.Append(ctx, createTestEvent(firstID, aggregateID, "record.opened", openPayload()), 0, fold)
	require.NoError(t, err)
	for i := 1; i <= answers; i++ {
		ev := createTestEvent(firstID+i, aggregateID, "response.recorded", answerPayload(fmt.Sprintf("q%d", i), int64(i)))
		res, err = s.Append(ctx, ev, int64(i), fold)
		require.NoError(t, err)
	}
	return res
}

func collect[T any](t *testing.T, seq iter.Seq2[T, error]) []T {
	t.Helper()
	out := []T{}
	for v, err := range seq {
		require.NoError(t, err)
		out = append(out, v)
	}
	return out
}
