package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEvent() Event {
	ts := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	return Event{
		Seq:              7,
		EventID:          "00000001-0000-7000-8000-000000000001",
		TenantID:         "t1",
		AggregateID:      "rec-1",
		AggregateKind:    KindRecord,
		AggregateVersion: 1,
		EventType:        "record.opened",
		SchemaVersion:    "1.0.0",
		Payload:          IRObject{"form": IRString("phq9")},
		ActorID:          "patient-1",
		ActorRole:        RoleParticipant,
		SiteID:           "site-a",
		ClientTimestamp:  ts,
		ServerTimestamp:  ts.Add(time.Second),
	}
}

func TestHashWithDomain(t *testing.T) {
	data := []byte("payload")
	want := sha256.Sum256(append([]byte(DomainEvent+"\x00"), data...))
	assert.Equal(t, hex.EncodeToString(want[:]), hashWithDomain(DomainEvent, data))

	assert.NotEqual(t, hashWithDomain(DomainEvent, data), hashWithDomain(DomainState, data),
		"domains separate otherwise identical input")
	assert.NotEqual(t, hashWithDomain("ab", []byte("c")), hashWithDomain("a", []byte("bc")))
}

func TestEventHash_Deterministic(t *testing.T) {
	h1, err := EventHash(sampleEvent())
	require.NoError(t, err)
	h2, err := EventHash(sampleEvent())
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestEventHash_CoversImmutableFields(t *testing.T) {
	base, err := EventHash(sampleEvent())
	require.NoError(t, err)

	mutations := map[string]func(*Event){
		"payload":          func(e *Event) { e.Payload = IRObject{"form": IRString("gad7")} },
		"aggregate_id":     func(e *Event) { e.AggregateID = "rec-2" },
		"version":          func(e *Event) { e.AggregateVersion = 2 },
		"event_type":       func(e *Event) { e.EventType = "record.voided" },
		"schema_version":   func(e *Event) { e.SchemaVersion = "1.1.0" },
		"actor_id":         func(e *Event) { e.ActorID = "patient-2" },
		"actor_role":       func(e *Event) { e.ActorRole = RoleAdmin },
		"site_id":          func(e *Event) { e.SiteID = "site-b" },
		"tenant_id":        func(e *Event) { e.TenantID = "t2" },
		"server_timestamp": func(e *Event) { e.ServerTimestamp = e.ServerTimestamp.Add(time.Millisecond) },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			ev := sampleEvent()
			mutate(&ev)
			h, err := EventHash(ev)
			require.NoError(t, err)
			assert.NotEqual(t, base, h)
		})
	}
}

func TestEventHash_IgnoresPosition(t *testing.T) {
	base, err := EventHash(sampleEvent())
	require.NoError(t, err)

	ev := sampleEvent()
	ev.Seq = 99
	ev.PrevHash = "abc"
	ev.ChainHash = "def"
	ev.ServerTimestamp = ev.ServerTimestamp.Add(time.Microsecond) // below storage precision

	h, err := EventHash(ev)
	require.NoError(t, err)
	assert.Equal(t, base, h)
}

func TestEventHash_NilPayloadEqualsEmpty(t *testing.T) {
	a := sampleEvent()
	a.Payload = nil
	b := sampleEvent()
	b.Payload = IRObject{}

	ha, err := EventHash(a)
	require.NoError(t, err)
	hb, err := EventHash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}

func TestEventHash_RejectsNull(t *testing.T) {
	ev := sampleEvent()
	ev.Payload = IRObject{"visit": IRNull{}}
	_, err := EventHash(ev)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "event hash")
}

func TestSeal_LinksChain(t *testing.T) {
	first, err := Seal(sampleEvent(), "")
	require.NoError(t, err)
	assert.Empty(t, first.PrevHash)
	assert.Equal(t, ChainHash("", first.EventHash), first.ChainHash)

	next := sampleEvent()
	next.AggregateVersion = 2
	next.EventType = "response.recorded"
	next.Payload = IRObject{"question": IRString("q1"), "answer": IRInt(2)}
	second, err := Seal(next, first.ChainHash)
	require.NoError(t, err)

	assert.Equal(t, first.ChainHash, second.PrevHash)
	assert.Equal(t, ChainHash(first.ChainHash, second.EventHash), second.ChainHash)
	assert.NotEqual(t, first.ChainHash, second.ChainHash)
}

func TestChainHash_OrderMatters(t *testing.T) {
	assert.NotEqual(t, ChainHash("a", "b"), ChainHash("b", "a"))
	assert.Equal(t, ChainHash("a", "b"), ChainHash("a", "b"))
}

func TestStateHash(t *testing.T) {
	fields := IRObject{
		"status":    IRString("open"),
		"responses": IRObject{"q1": IRInt(2)},
	}
	h1, err := StateHash(fields)
	require.NoError(t, err)
	h2, err := StateHash(fields.Clone())
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	empty, err := StateHash(nil)
	require.NoError(t, err)
	emptyObj, err := StateHash(IRObject{})
	require.NoError(t, err)
	assert.Equal(t, empty, emptyObj)
	assert.NotEqual(t, h1, empty)

	fields["status"] = IRString("voided")
	h3, err := StateHash(fields)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}
