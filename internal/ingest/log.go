package ingest

import (
	"sync"

	"github.com/rickgao/convstream/internal/event"
)

// Log is an append-only, arrival-ordered sequence of events. Indices are
// stable for the lifetime of the log.
type Log struct {
	mu      sync.RWMutex
	events  []event.Event
	version uint64
}

// NewLog creates an empty log.
func NewLog() *Log {
	return &Log{}
}

// Append adds an event to the end of the log and returns its index.
func (l *Log) Append(ev event.Event) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	l.version++
	return len(l.events) - 1
}

// Len returns the number of events.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// At returns the event at index i.
func (l *Log) At(i int) (event.Event, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if i < 0 || i >= len(l.events) {
		return nil, false
	}
	return l.events[i], true
}

// Snapshot returns a copy of the event slice. Appends made after the call
// are not visible in it.
func (l *Log) Snapshot() []event.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]event.Event, len(l.events))
	copy(out, l.events)
	return out
}

// Since returns a copy of the events from index i onward.
func (l *Log) Since(i int) []event.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if i < 0 {
		i = 0
	}
	if i >= len(l.events) {
		return nil
	}
	out := make([]event.Event, len(l.events)-i)
	copy(out, l.events[i:])
	return out
}

// Version changes every time the log changes.
func (l *Log) Version() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.version
}
