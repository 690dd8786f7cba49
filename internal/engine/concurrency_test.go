package engine

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKeyedLocker_SerializesSameKey(t *testing.T) {
	l := NewKeyedLocker()

	var (
		wg      sync.WaitGroup
		active  atomic.Int32
		overlap atomic.Bool
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.Lock("agg-1")
			defer unlock()
			if active.Add(1) > 1 {
				overlap.Store(true)
			}
			time.Sleep(time.Millisecond)
			active.Add(-1)
		}()
	}
	wg.Wait()

	assert.False(t, overlap.Load())
	assert.Zero(t, l.Held())
}

func TestKeyedLocker_DifferentKeysDoNotContend(t *testing.T) {
	l := NewKeyedLocker()
	unlockA := l.Lock("agg-a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := l.Lock("agg-b")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on agg-b blocked behind agg-a")
	}
	assert.Equal(t, 1, l.Held())
}

func TestKeyedLocker_UnlockIsIdempotent(t *testing.T) {
	l := NewKeyedLocker()
	unlock := l.Lock("agg-1")
	unlock()
	unlock()
	assert.Zero(t, l.Held())

	relock := l.Lock("agg-1")
	relock()
}
