// Package eventlog holds the in-memory, per-run ordered event buffers and
// their sequence counters.
package eventlog

import (
	"errors"
	"sort"
	"sync"

	"github.com/xiaot623/gogo/runstream/internal/domain"
)

// ErrOutOfOrder is returned by Append when an event does not carry a
// sequence id greater than the last appended one.
var ErrOutOfOrder = errors.New("eventlog: sequence id out of order")

type runLog struct {
	events []domain.Event
	next   int64
}

// Log is the authoritative in-memory history of every live run.
type Log struct {
	mu   sync.RWMutex
	runs map[string]*runLog
}

// New creates an empty log.
func New() *Log {
	return &Log{runs: make(map[string]*runLog)}
}

func (l *Log) run(runID string) *runLog {
	r, ok := l.runs[runID]
	if !ok {
		r = &runLog{}
		l.runs[runID] = r
	}
	return r
}

// NextSequenceID returns the next id for runID and advances the counter.
// The counter starts at 0 for a new run.
func (l *Log) NextSequenceID(runID string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	r := l.run(runID)
	id := r.next
	r.next++
	return id
}

// Append adds ev to the end of its run's history.
func (l *Log) Append(runID string, ev domain.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	r := l.run(runID)
	if n := len(r.events); n > 0 && ev.SequenceID <= r.events[n-1].SequenceID {
		return ErrOutOfOrder
	}
	r.events = append(r.events, ev)
	if ev.SequenceID >= r.next {
		r.next = ev.SequenceID + 1
	}
	return nil
}

// GetSince returns the ordered events of runID with a sequence id greater
// than *lastSeen, or the full history when lastSeen is nil. The returned
// slice is a copy.
func (l *Log) GetSince(runID string, lastSeen *int64) []domain.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	r, ok := l.runs[runID]
	if !ok {
		return []domain.Event{}
	}
	start := 0
	if lastSeen != nil {
		k := *lastSeen
		start = sort.Search(len(r.events), func(i int) bool {
			return r.events[i].SequenceID > k
		})
	}
	out := make([]domain.Event, len(r.events)-start)
	copy(out, r.events[start:])
	return out
}

// Snapshot returns a copy of the full history of runID.
func (l *Log) Snapshot(runID string) []domain.Event {
	return l.GetSince(runID, nil)
}

// Restore replaces the history of runID with events loaded from durable
// storage. Events are ordered by sequence id, duplicates are dropped and
// the counter resumes at max+1 so a restart never reuses an id.
func (l *Log) Restore(runID string, events []domain.Event) {
	sorted := make([]domain.Event, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].SequenceID < sorted[j].SequenceID
	})

	r := &runLog{events: make([]domain.Event, 0, len(sorted))}
	for _, ev := range sorted {
		if n := len(r.events); n > 0 && r.events[n-1].SequenceID == ev.SequenceID {
			continue
		}
		r.events = append(r.events, ev)
	}
	if n := len(r.events); n > 0 {
		r.next = r.events[n-1].SequenceID + 1
	}

	l.mu.Lock()
	l.runs[runID] = r
	l.mu.Unlock()
}

// Drop removes all state for runID. It reports the number of events dropped.
func (l *Log) Drop(runID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.runs[runID]
	if !ok {
		return 0
	}
	delete(l.runs, runID)
	return len(r.events)
}

// Has reports whether runID has any in-memory state.
func (l *Log) Has(runID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.runs[runID]
	return ok
}

// Len returns the number of events buffered for runID.
func (l *Log) Len(runID string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if r, ok := l.runs[runID]; ok {
		return len(r.events)
	}
	return 0
}

// LastSequenceID returns the id of the most recent event of runID.
func (l *Log) LastSequenceID(runID string) (int64, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.runs[runID]
	if !ok || len(r.events) == 0 {
		return 0, false
	}
	return r.events[len(r.events)-1].SequenceID, true
}

// Runs returns the ids of every run with in-memory state, sorted.
func (l *Log) Runs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]string, 0, len(l.runs))
	for id := range l.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
