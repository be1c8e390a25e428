package taskrunner

import (
	"sort"
	"sync"
	"time"
)

// Manual is a Runner driven explicitly by the caller, with a virtual clock.
// Tests use it to step the service deterministically.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	queue   []func()
	delayed []delayedTask
	seq     uint64
}

type delayedTask struct {
	at  time.Time
	seq uint64
	fn  func()
}

// NewManual creates a runner whose clock starts at start
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// PostTask implements Runner
func (m *Manual) PostTask(fn func()) {
	m.mu.Lock()
	m.queue = append(m.queue, fn)
	m.mu.Unlock()
}

// PostDelayedTask implements Runner
func (m *Manual) PostDelayedTask(fn func(), d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d <= 0 {
		m.queue = append(m.queue, fn)
		return
	}
	m.seq++
	m.delayed = append(m.delayed, delayedTask{at: m.now.Add(d), seq: m.seq, fn: fn})
}

// Now implements Runner
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Pending returns the number of immediate tasks queued
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// RunUntilIdle runs queued tasks, including ones they post, until the
// queue is empty. Delayed tasks that are not yet due stay queued. Returns
// the number of tasks run.
func (m *Manual) RunUntilIdle() int {
	n := 0
	for {
		m.mu.Lock()
		m.promoteDue()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			return n
		}
		fn := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()

		fn()
		n++
	}
}

// Advance moves the clock forward by d, running every task that becomes
// due in timestamp order.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.RunUntilIdle()

		m.mu.Lock()
		next, ok := m.nextDelayed()
		if !ok || next.After(target) {
			m.now = target
			m.mu.Unlock()
			m.RunUntilIdle()
			return
		}
		m.now = next
		m.mu.Unlock()
	}
}

// promoteDue moves due delayed tasks to the immediate queue. Caller holds mu.
func (m *Manual) promoteDue() {
	if len(m.delayed) == 0 {
		return
	}
	sort.Slice(m.delayed, func(i, j int) bool {
		if m.delayed[i].at.Equal(m.delayed[j].at) {
			return m.delayed[i].seq < m.delayed[j].seq
		}
		return m.delayed[i].at.Before(m.delayed[j].at)
	})
	i := 0
	for ; i < len(m.delayed) && !m.delayed[i].at.After(m.now); i++ {
		m.queue = append(m.queue, m.delayed[i].fn)
	}
	m.delayed = m.delayed[i:]
}

func (m *Manual) nextDelayed() (time.Time, bool) {
	if len(m.delayed) == 0 {
		return time.Time{}, false
	}
	next := m.delayed[0].at
	for _, t := range m.delayed[1:] {
		if t.at.Before(next) {
			next = t.at
		}
	}
	return next, true
}
