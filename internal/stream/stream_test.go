package stream

import (
	"context"
	"errors"
	"io"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cairn/internal/ir"
)

func ev(seq int64, tenant string) ir.Event {
	return ir.Event{Seq: seq, TenantID: tenant, AggregateID: "rec-1", EventID: "e" + string(rune('a'+seq))}
}

func TestEventQueue_FIFO(t *testing.T) {
	q := newEventQueue()
	for i := range 5 {
		require.True(t, q.Enqueue(ev(int64(i), "t1")))
	}
	assert.Equal(t, 5, q.Len())

	for i := range 5 {
		got, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, int64(i), got.Seq)
	}
	_, ok := q.TryDequeue()
	assert.False(t, ok)
}

func TestEventQueue_CloseRejectsEnqueue(t *testing.T) {
	q := newEventQueue()
	q.Close()
	q.Close() // idempotent
	assert.False(t, q.Enqueue(ev(1, "t1")))
	assert.True(t, q.Closed())
}

func TestHub_DeliversOnlySameTenant(t *testing.T) {
	h := NewHub()
	a := h.Subscribe("t1")
	b := h.Subscribe("t2")
	defer a.Close()
	defer b.Close()

	require.NoError(t, h.Publish(context.Background(), ev(1, "t1")))

	assert.Equal(t, 1, a.Pending())
	assert.Equal(t, 0, b.Pending())

	got, err := a.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Seq)
}

func TestSubscription_NextWaitsAndCancels(t *testing.T) {
	h := NewHub()
	s := h.Subscribe("t1")
	defer s.Close()

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = h.Publish(context.Background(), ev(7, "t1"))
	}()
	got, err := s.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.Seq)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = s.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubscription_CloseEndsNext(t *testing.T) {
	h := NewHub()
	s := h.Subscribe("t1")
	assert.Equal(t, 1, h.Subscribers())

	s.Close()
	assert.Equal(t, 0, h.Subscribers())

	_, err := s.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestHub_CloseEndsAllSubscriptions(t *testing.T) {
	h := NewHub()
	s := h.Subscribe("t1")
	h.Close()

	_, err := s.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)

	late := h.Subscribe("t1")
	_, err = late.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

// fakeBacklog is an in-memory committed log.
type fakeBacklog struct {
	mu     sync.Mutex
	events []ir.Event
	// onRead runs after each read, simulating commits racing the catch-up.
	onRead func()
}

func (b *fakeBacklog) commit(events ...ir.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, events...)
}

func (b *fakeBacklog) EventsSince(_ context.Context, tenantID string, after int64) iter.Seq2[ir.Event, error] {
	return func(yield func(ir.Event, error) bool) {
		b.mu.Lock()
		var page []ir.Event
		for _, e := range b.events {
			if (tenantID == "" || e.TenantID == tenantID) && e.Seq > after {
				page = append(page, e)
			}
		}
		onRead := b.onRead
		b.mu.Unlock()

		for _, e := range page {
			if !yield(e, nil) {
				return
			}
		}
		if onRead != nil {
			onRead()
		}
	}
}

func TestFollow_BacklogThenLiveWithoutDuplicates(t *testing.T) {
	h := NewHub()
	backlog := &fakeBacklog{events: []ir.Event{ev(1, "t1"), ev(2, "t1"), ev(3, "t1")}}
	var once sync.Once
	backlog.onRead = func() {
		once.Do(func() {
			// seq 3 was committed before the backlog read but published after
			_ = h.Publish(context.Background(), ev(3, "t1"))
			backlog.commit(ev(4, "t1"))
			_ = h.Publish(context.Background(), ev(4, "t1"))
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var seqs []int64
	for e, err := range Follow(ctx, h, backlog, "t1", 1) {
		require.NoError(t, err)
		seqs = append(seqs, e.Seq)
		if e.Seq == 4 {
			break
		}
	}
	assert.Equal(t, []int64{2, 3, 4}, seqs)
	assert.Equal(t, 0, h.Subscribers(), "breaking out of the loop unsubscribes")
}

func TestFollow_LatePublishIsNeitherSkippedNorReordered(t *testing.T) {
	h := NewHub()
	backlog := &fakeBacklog{}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan int64, 8)
	go func() {
		defer close(got)
		for e, err := range Follow(ctx, h, backlog, "t1", 0) {
			if err != nil {
				return
			}
			got <- e.Seq
			if e.Seq == 3 {
				return
			}
		}
	}()
	require.Eventually(t, func() bool { return h.Subscribers() == 1 }, time.Second, time.Millisecond)

	// two appends commit 1 and 2, but the second one publishes first
	backlog.commit(ev(1, "t1"), ev(2, "t1"))
	_ = h.Publish(ctx, ev(2, "t1"))
	assert.Equal(t, int64(1), <-got)
	assert.Equal(t, int64(2), <-got)

	_ = h.Publish(ctx, ev(1, "t1"))
	backlog.commit(ev(3, "t1"))
	_ = h.Publish(ctx, ev(3, "t1"))
	assert.Equal(t, int64(3), <-got)

	_, open := <-got
	assert.False(t, open)
}

func TestFollow_InterleavedPublishersDeliverEverySeqOnce(t *testing.T) {
	h := NewHub()
	backlog := &fakeBacklog{}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const n = 200
	var seqs []int64
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e, err := range Follow(ctx, h, backlog, "t1", 0) {
			if err != nil {
				return
			}
			seqs = append(seqs, e.Seq)
			if e.Seq == n {
				return
			}
		}
	}()
	require.Eventually(t, func() bool { return h.Subscribers() == 1 }, time.Second, time.Millisecond)

	var (
		wg     sync.WaitGroup
		commit sync.Mutex
		next   int64
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				// commits are serialized, publishes race
				commit.Lock()
				if next == n {
					commit.Unlock()
					return
				}
				next++
				e := ev(next, "t1")
				backlog.commit(e)
				commit.Unlock()
				_ = h.Publish(ctx, e)
			}
		}()
	}
	wg.Wait()
	<-done

	require.Len(t, seqs, n)
	for i, seq := range seqs {
		assert.Equal(t, int64(i+1), seq)
	}
}

func TestFollow_EndsOnCancel(t *testing.T) {
	h := NewHub()
	ctx, cancel := context.WithCancel(context.Background())

	var (
		wg     sync.WaitGroup
		gotErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for _, err := range Follow(ctx, h, &fakeBacklog{}, "t1", 0) {
			if err != nil {
				gotErr = err
			}
		}
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()
	wg.Wait()
	assert.ErrorIs(t, gotErr, context.Canceled)
}

type recordingPublisher struct {
	mu   sync.Mutex
	got  []ir.Event
	fail bool
}

func (p *recordingPublisher) Publish(_ context.Context, e ir.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("broker down")
	}
	p.got = append(p.got, e)
	return nil
}

type recordingPublisher struct {
	mu    sync.Mutex
	got   []int64
	fails int
}

func (p *recordingPublisher) Publish(_ context.Context, e ir.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fails > 0 {
		p.fails--
		return errors.New("broker down")
	}
	p.got = append(p.got, e.Seq)
	return nil
}

func (p *recordingPublisher) seqs() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int64(nil), p.got...)
}

type memCursor struct {
	mu  sync.Mutex
	seq map[string]int64
}

func (c *memCursor) LoadCursor(_ context.Context, name string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq[name], nil
}

func (c *memCursor) SaveCursor(_ context.Context, name string, seq int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seq == nil {
		c.seq = map[string]int64{}
	}
	c.seq[name] = max(c.seq[name], seq)
	return nil
}

func TestRelay_PassStopsAtFailureAndResumes(t *testing.T) {
	backlog := &fakeBacklog{events: []ir.Event{ev(1, "t1"), ev(2, "t2"), ev(3, "t1")}}
	pub := &recordingPublisher{}
	cursor := &memCursor{}
	r := NewRelay("kafka", backlog, cursor, pub)
	ctx := context.Background()

	seq, err := r.Pass(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), seq)
	assert.Equal(t, []int64{1, 2, 3}, pub.seqs())

	backlog.commit(ev(4, "t2"), ev(5, "t1"))
	pub.fails = 1
	seq, err = r.Pass(ctx, seq)
	require.Error(t, err)
	assert.Equal(t, int64(3), seq)
	saved, _ := cursor.LoadCursor(ctx, "kafka")
	assert.Equal(t, int64(3), saved)

	seq, err = r.Pass(ctx, seq)
	require.NoError(t, err)
	assert.Equal(t, int64(5), seq)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, pub.seqs())
}

func TestRelay_RunResumesFromCursorAndWakesOnPublish(t *testing.T) {
	h := NewHub()
	backlog := &fakeBacklog{events: []ir.Event{ev(1, "t1"), ev(2, "t1")}}
	pub := &recordingPublisher{fails: 1}
	cursor := &memCursor{seq: map[string]int64{"kafka": 1}}
	r := NewRelay("kafka", backlog, cursor, pub, WithWakeup(h), WithPoll(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return len(pub.seqs()) == 1 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, []int64{2}, pub.seqs(), "the failed publish is retried and seq 1 is not resent")

	backlog.commit(ev(3, "t2"))
	_ = h.Publish(ctx, ev(3, "t2"))
	require.Eventually(t, func() bool { return len(pub.seqs()) == 2 }, 5*time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	saved, _ := cursor.LoadCursor(context.Background(), "kafka")
	assert.Equal(t, int64(3), saved)
}
