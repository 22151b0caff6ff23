// Package clock abstracts the time source driving presentation phases so
// that every timed behavior in the engine is deterministic under test.
package clock

import (
	"sync"
	"time"
)

// Clock is the single time source for a runtime. All phase delays, response
// windows and onset timestamps go through it.
type Clock interface {
	Now() time.Time
	// After returns a channel that delivers the current time once d has
	// elapsed. The returned stop function releases the timer early; after
	// stop returns, no value will be delivered.
	After(d time.Duration) (<-chan time.Time, func())
}

// System is the wall-clock implementation used in production.
type System struct{}

func (System) Now() time.Time { return time.Now() }

func (System) After(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTimer(d)
	return t.C, func() { t.Stop() }
}

// Manual is a hand-stepped clock for tests. Advance moves time forward and
// fires any timers whose deadline has been reached, synchronously, in
// deadline order.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	deadline time.Time
	ch       chan time.Time
	stopped  bool
}

// NewManual creates a Manual clock starting at the given instant.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) After(d time.Duration) (<-chan time.Time, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := &manualTimer{
		deadline: m.now.Add(d),
		ch:       make(chan time.Time, 1),
	}
	if d <= 0 {
		t.ch <- m.now
	} else {
		m.timers = append(m.timers, t)
	}
	return t.ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		t.stopped = true
	}
}

// Pending reports the number of armed timers. Tests use it to wait until
// code in another goroutine has reached its timed wait before advancing.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

// Advance moves the clock forward by d and fires due timers in deadline
// order. Timers created by code running between two Advance calls are
// honored on the next call.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	now := m.now

	var due []*manualTimer
	remaining := m.timers[:0]
	for _, t := range m.timers {
		if t.stopped {
			continue
		}
		if !t.deadline.After(now) {
			due = append(due, t)
		} else {
			remaining = append(remaining, t)
		}
	}
	m.timers = remaining
	m.mu.Unlock()

	for i := 0; i < len(due); i++ {
		min := i
		for j := i + 1; j < len(due); j++ {
			if due[j].deadline.Before(due[min].deadline) {
				min = j
			}
		}
		due[i], due[min] = due[min], due[i]
		due[i].ch <- due[i].deadline
	}
}
