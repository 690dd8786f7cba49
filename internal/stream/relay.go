package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"
)

// Cursor persists how far a relay has published.
type Cursor interface {
	LoadCursor(ctx context.Context, name string) (int64, error)
	SaveCursor(ctx context.Context, name string, seq int64) error
}

// DefaultRelayPoll is how often an idle relay rereads the log.
const DefaultRelayPoll = 2 * time.Second

// Relay tails the committed event log of every tenant in seq order and hands
// each event to a Publisher. The cursor only advances past an event once the
// publisher accepted it, so a broker outage delays events rather than losing
// them, and a restart resumes where the last run stopped.
type Relay struct {
	name    string
	backlog Backlog
	cursor  Cursor
	pub     Publisher
	hub     *Hub
	poll    time.Duration
}

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithWakeup makes the relay react to events published on h instead of
// waiting for the next poll.
func WithWakeup(h *Hub) RelayOption {
	return func(r *Relay) {
		r.hub = h
	}
}

// WithPoll sets the idle poll interval, which is also the retry delay after a
// failed publish.
func WithPoll(d time.Duration) RelayOption {
	return func(r *Relay) {
		r.poll = d
	}
}

// NewRelay creates a relay whose position is stored under name.
func NewRelay(name string, backlog Backlog, cursor Cursor, pub Publisher, opts ...RelayOption) *Relay {
	r := &Relay{
		name:    name,
		backlog: backlog,
		cursor:  cursor,
		pub:     pub,
		poll:    DefaultRelayPoll,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.poll <= 0 {
		r.poll = DefaultRelayPoll
	}
	return r
}

// Run publishes until ctx is done or the wakeup hub closes.
func (r *Relay) Run(ctx context.Context) error {
	var sub *Subscription
	if r.hub != nil {
		sub = r.hub.Subscribe("")
		defer sub.Close()
	}

	seq, err := r.cursor.LoadCursor(ctx, r.name)
	if err != nil {
		return err
	}
	slog.Info("relay started", "event", "relay_start", "relay", r.name, "seq", seq)

	for {
		seq, err = r.Pass(ctx, seq)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			slog.Warn("relay pass failed",
				"event", "relay_failed",
				"relay", r.name,
				"seq", seq,
				"error", err,
			)
		}
		if err := r.wait(ctx, sub); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// Pass publishes every committed event after seq and returns the new
// position. It stops at the first publish failure.
func (r *Relay) Pass(ctx context.Context, seq int64) (int64, error) {
	for ev, err := range r.backlog.EventsSince(ctx, "", seq) {
		if err != nil {
			return seq, err
		}
		if err := r.pub.Publish(ctx, ev); err != nil {
			return seq, err
		}
		if err := r.cursor.SaveCursor(ctx, r.name, ev.Seq); err != nil {
			return seq, err
		}
		seq = ev.Seq
	}
	return seq, nil
}

func (r *Relay) wait(ctx context.Context, sub *Subscription) error {
	wctx, cancel := context.WithTimeout(ctx, r.poll)
	defer cancel()

	if sub == nil {
		<-wctx.Done()
		return ctx.Err()
	}
	_, err := sub.Next(wctx)
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		return nil
	case err != nil:
		return err
	}
	sub.discard()
	return nil
}
