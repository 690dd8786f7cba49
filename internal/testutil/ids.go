package testutil

import (
	"fmt"
	"sync"
)

// SequentialIDs generates well-formed, deterministic UUIDs.
//
// The same scenario with the same SequentialIDs produces byte-identical event
// logs, which golden trace comparison needs.
//
// Thread-safety: safe for concurrent use via internal mutex.
type SequentialIDs struct {
	mu     sync.Mutex
	prefix uint32
	n      uint64
}

// NewSequentialIDs creates a generator. Distinct prefixes give distinct
// streams, so several simulated devices never collide.
func NewSequentialIDs(prefix uint32) *SequentialIDs {
	return &SequentialIDs{prefix: prefix}
}

// Generate returns the next id, e.g. 00000001-0000-7000-8000-000000000003.
func (g *SequentialIDs) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%08x-0000-7000-8000-%012x", g.prefix, g.n)
}
