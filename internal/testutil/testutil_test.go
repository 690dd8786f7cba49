package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManualClock_OnlyMovesOnAdvance(t *testing.T) {
	clock := NewManualClock(time.Time{})
	assert.Equal(t, Epoch, clock.Now())
	assert.Equal(t, Epoch, clock.Now())

	got := clock.Advance(time.Minute)
	assert.Equal(t, Epoch.Add(time.Minute), got)
	assert.Equal(t, got, clock.Now())

	later := Epoch.Add(24 * time.Hour)
	clock.Set(later)
	assert.Equal(t, later, clock.Now())
}

func TestSequentialIDs_AreValidAndDistinct(t *testing.T) {
	a := NewSequentialIDs(1)
	b := NewSequentialIDs(2)

	first := a.Generate()
	assert.Equal(t, "00000001-0000-7000-8000-000000000001", first)
	_, err := uuid.Parse(first)
	require.NoError(t, err)

	assert.NotEqual(t, first, b.Generate())
	assert.Equal(t, "00000001-0000-7000-8000-000000000002", a.Generate())
}

func TestSequentialIDs_ConcurrentUnique(t *testing.T) {
	gen := NewSequentialIDs(7)

	const n = 200
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]bool, n)
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := gen.Generate()
			mu.Lock()
			seen[id] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, n)
}
