// Package broker manages live subscriptions per run and fans events out
// to them.
package broker

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/xiaot623/gogo/runstream/internal/domain"
)

var (
	// ErrLagged is the close reason of a subscription whose buffer filled up.
	// The client should reconnect with its last seen sequence id.
	ErrLagged = errors.New("broker: subscriber lagged behind and was evicted")
	// ErrRunClosed is the close reason of subscriptions of a terminated run.
	ErrRunClosed = errors.New("broker: run closed")
	// ErrShutdown is the close reason of subscriptions closed by Shutdown.
	ErrShutdown = errors.New("broker: shutting down")
	// ErrUnsubscribed is reported when the owner closed the subscription.
	ErrUnsubscribed = errors.New("broker: unsubscribed")
)

// DefaultBufferSize is the per-subscriber channel capacity.
const DefaultBufferSize = 256

// Subscription is one live registration on a run.
type Subscription struct {
	ID    string
	RunID string

	ch  chan domain.Event
	reg *Registry

	// guarded by reg.mu
	closed bool
	err    error
}

// Events returns the channel of live events. It is closed when the
// subscription ends; Err then reports why.
func (s *Subscription) Events() <-chan domain.Event {
	return s.ch
}

// Err returns the reason the subscription ended, or nil while it is live.
func (s *Subscription) Err() error {
	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()
	return s.err
}

// Close unregisters the subscription. It is safe to call more than once
// and after the run has been closed.
func (s *Subscription) Close() {
	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()
	s.reg.detachLocked(s, ErrUnsubscribed)
}

// Registry holds the live subscriptions of every run.
type Registry struct {
	mu         sync.Mutex
	runs       map[string]map[string]*Subscription
	total      int
	bufferSize int
	onChange   func(total int)
}

// OnChange installs a callback invoked, under the registry lock, with the
// new total whenever a subscription is added or removed.
func (r *Registry) OnChange(fn func(total int)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

func (r *Registry) changedLocked() {
	if r.onChange != nil {
		r.onChange(r.total)
	}
}

// NewRegistry creates a registry whose subscriptions buffer up to
// bufferSize events.
func NewRegistry(bufferSize int) *Registry {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Registry{
		runs:       make(map[string]map[string]*Subscription),
		bufferSize: bufferSize,
	}
}

// Add registers a new subscription on runID.
func (r *Registry) Add(runID string) *Subscription {
	sub := &Subscription{
		ID:    uuid.New().String(),
		RunID: runID,
		ch:    make(chan domain.Event, r.bufferSize),
		reg:   r,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runs[runID] == nil {
		r.runs[runID] = make(map[string]*Subscription)
	}
	r.runs[runID][sub.ID] = sub
	r.total++
	r.changedLocked()
	return sub
}

// Publish delivers ev to every subscription of runID without blocking.
// A subscription whose buffer is full is evicted with ErrLagged so that
// it never delays the emitter or its siblings.
func (r *Registry) Publish(runID string, ev domain.Event) (delivered, evicted int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, sub := range r.runs[runID] {
		select {
		case sub.ch <- ev:
			delivered++
		default:
			r.detachLocked(sub, ErrLagged)
			evicted++
		}
	}
	return delivered, evicted
}

// CloseRun ends every subscription of runID. Events already queued on a
// subscription remain readable until its channel drains.
func (r *Registry) CloseRun(runID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.runs[runID]
	n := len(subs)
	for _, sub := range subs {
		r.detachLocked(sub, ErrRunClosed)
	}
	return n
}

// Shutdown ends every subscription of every run.
func (r *Registry) Shutdown() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, subs := range r.runs {
		for _, sub := range subs {
			r.detachLocked(sub, ErrShutdown)
			n++
		}
	}
	return n
}

// Count returns the number of live subscriptions on runID.
func (r *Registry) Count(runID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs[runID])
}

// Total returns the number of live subscriptions across all runs.
func (r *Registry) Total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

func (r *Registry) detachLocked(sub *Subscription, reason error) {
	if sub.closed {
		return
	}
	sub.closed = true
	sub.err = reason
	close(sub.ch)

	if subs, ok := r.runs[sub.RunID]; ok {
		if _, ok := subs[sub.ID]; ok {
			delete(subs, sub.ID)
			r.total--
			r.changedLocked()
		}
		if len(subs) == 0 {
			delete(r.runs, sub.RunID)
		}
	}
}
