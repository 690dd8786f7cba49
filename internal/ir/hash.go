package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content hashes. The version suffix leaves room for an
// algorithm change without ambiguity.
const (
	DomainEvent = "cairn/event/v1"
	DomainChain = "cairn/chain/v1"
	DomainState = "cairn/state/v1"
)

// hashWithDomain computes SHA256(domain || 0x00 || data).
// The null separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// EventObject is the canonical form of an event's immutable fields: the
// input to EventHash. Timestamps are Unix milliseconds, matching storage.
func EventObject(ev Event) IRObject {
	payload := ev.Payload
	if payload == nil {
		payload = IRObject{}
	}
	return IRObject{
		"event_id":          IRString(ev.EventID),
		"tenant_id":         IRString(ev.TenantID),
		"aggregate_id":      IRString(ev.AggregateID),
		"aggregate_kind":    IRString(ev.AggregateKind),
		"aggregate_version": IRInt(ev.AggregateVersion),
		"event_type":        IRString(ev.EventType),
		"schema_version":    IRString(ev.SchemaVersion),
		"payload":           payload,
		"actor_id":          IRString(ev.ActorID),
		"actor_role":        IRString(ev.ActorRole),
		"site_id":           IRString(ev.SiteID),
		"client_timestamp":  IRInt(ev.ClientTimestamp.UnixMilli()),
		"server_timestamp":  IRInt(ev.ServerTimestamp.UnixMilli()),
	}
}

// EventHash computes the content hash of an event's immutable fields.
// Seq and the chain fields are excluded: they describe position, not content.
func EventHash(ev Event) (string, error) {
	canonical, err := MarshalCanonical(EventObject(ev))
	if err != nil {
		return "", fmt.Errorf("event hash: %w", err)
	}
	return hashWithDomain(DomainEvent, canonical), nil
}

// ChainHash links an event hash to the chain hash of its predecessor within
// the same aggregate. The first event of an aggregate has prevChain "".
func ChainHash(prevChain, eventHash string) string {
	data := make([]byte, 0, len(prevChain)+1+len(eventHash))
	data = append(data, prevChain...)
	data = append(data, 0x00)
	data = append(data, eventHash...)
	return hashWithDomain(DomainChain, data)
}

// StateHash computes the content hash of derived fields.
func StateHash(fields IRObject) (string, error) {
	if fields == nil {
		fields = IRObject{}
	}
	canonical, err := MarshalCanonical(fields)
	if err != nil {
		return "", fmt.Errorf("state hash: %w", err)
	}
	return hashWithDomain(DomainState, canonical), nil
}

// Seal fills EventHash, PrevHash and ChainHash given the chain hash of the
// previous event.
func Seal(ev Event, prevChain string) (Event, error) {
	h, err := EventHash(ev)
	if err != nil {
		return Event{}, err
	}
	ev.EventHash = h
	ev.PrevHash = prevChain
	ev.ChainHash = ChainHash(prevChain, h)
	return ev, nil
}
