package broker

import (
	"context"
	"errors"
	"time"

	"github.com/xiaot623/gogo/runstream/internal/domain"
)

// ErrIdle is returned by Feed.Next when no event arrived within the idle
// interval.
var ErrIdle = errors.New("broker: idle")

// Feed joins a replayed history with a live subscription into one
// gap-free, duplicate-free sequence.
type Feed struct {
	replay []domain.Event
	sub    *Subscription
	last   int64
	timer  *time.Timer
}

// NewFeed creates a feed that yields replay first and then live events
// from sub. Events at or below lastSeen are never yielded.
func NewFeed(replay []domain.Event, sub *Subscription, lastSeen *int64) *Feed {
	last := int64(-1)
	if lastSeen != nil && *lastSeen > last {
		last = *lastSeen
	}
	return &Feed{replay: replay, sub: sub, last: last}
}

// SubscriptionID returns the id of the underlying subscription.
func (f *Feed) SubscriptionID() string {
	return f.sub.ID
}

// Replaying reports whether buffered history remains to be yielded.
func (f *Feed) Replaying() bool {
	return len(f.replay) > 0
}

// Next returns the next event. It returns ErrIdle if idle > 0 and nothing
// arrived in time, ctx.Err() on cancellation, and the subscription's close
// reason once the live channel is drained.
func (f *Feed) Next(ctx context.Context, idle time.Duration) (domain.Event, error) {
	for len(f.replay) > 0 {
		ev := f.replay[0]
		f.replay = f.replay[1:]
		if ev.SequenceID <= f.last {
			continue
		}
		f.last = ev.SequenceID
		return ev, nil
	}

	var idleC <-chan time.Time
	if idle > 0 {
		if f.timer == nil {
			f.timer = time.NewTimer(idle)
		} else {
			f.timer.Reset(idle)
		}
		defer f.timer.Stop()
		idleC = f.timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return domain.Event{}, ctx.Err()
		case <-idleC:
			return domain.Event{}, ErrIdle
		case ev, ok := <-f.sub.Events():
			if !ok {
				if err := f.sub.Err(); err != nil {
					return domain.Event{}, err
				}
				return domain.Event{}, ErrUnsubscribed
			}
			if ev.SequenceID <= f.last {
				continue
			}
			f.last = ev.SequenceID
			return ev, nil
		}
	}
}

// Close releases the subscription.
func (f *Feed) Close() {
	f.sub.Close()
}
