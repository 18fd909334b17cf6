// Package rate tracks bursts of notable events so a "still loading" signal
// can stay on while events keep arriving faster than a configured window.
//
// It is a hysteresis mechanism for the UI, not a limiter on the transport.
package rate

import (
	"sync"
	"time"
)

// Defaults for the activity window.
const (
	DefaultWindow    = 250 * time.Millisecond
	DefaultThreshold = 0
)

// Monitor keeps the timestamps of recent notable events.
type Monitor struct {
	window    time.Duration
	threshold int

	mu    sync.Mutex
	items []time.Time // ascending
}

// NewMonitor creates a monitor. A non-positive window falls back to
// DefaultWindow; a negative threshold is treated as zero.
func NewMonitor(window time.Duration, threshold int) *Monitor {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Monitor{
		window:    window,
		threshold: max(threshold, 0),
	}
}

// Record adds a timestamp to the activity window.
func (m *Monitor) Record(ts time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Keep the slice sorted; late timestamps are rare and the window is tiny.
	i := len(m.items)
	for i > 0 && m.items[i-1].After(ts) {
		i--
	}
	m.items = append(m.items, time.Time{})
	copy(m.items[i+1:], m.items[i:])
	m.items[i] = ts

	m.evict(m.items[len(m.items)-1])
}

// Behind reports whether more than threshold events fell inside the
// trailing window ending at now.
func (m *Monitor) Behind(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.evict(now)

	cutoff := now.Add(-m.window)
	n := 0
	for _, ts := range m.items {
		if ts.After(cutoff) && !ts.After(now) {
			n++
		}
	}
	return n > m.threshold
}

// Until returns how long after now Behind stays true if nothing else is
// recorded. ok is false when Behind(now) is already false.
func (m *Monitor) Until(now time.Time) (d time.Duration, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.evict(now)

	cutoff := now.Add(-m.window)
	var in []time.Time
	for _, ts := range m.items {
		if ts.After(cutoff) && !ts.After(now) {
			in = append(in, ts)
		}
	}
	if len(in) <= m.threshold {
		return 0, false
	}
	// Behind clears once only threshold entries remain in the window.
	return in[len(in)-1-m.threshold].Add(m.window).Sub(now), true
}

// IsUnderThreshold is the negation of Behind.
func (m *Monitor) IsUnderThreshold(now time.Time) bool {
	return !m.Behind(now)
}

// Len returns the number of timestamps currently retained.
func (m *Monitor) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// evict drops entries that are out of the window relative to ref.
// Lock must be held.
func (m *Monitor) evict(ref time.Time) {
	cutoff := ref.Add(-m.window)
	n := 0
	for n < len(m.items) && !m.items[n].After(cutoff) {
		n++
	}
	if n > 0 {
		m.items = append(m.items[:0], m.items[n:]...)
	}
}
