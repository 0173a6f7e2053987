package eventloop

import (
	"sort"
	"sync"
	"time"
)

// Manual is a deterministic [Scheduler] for tests. Posted functions run only
// when [Manual.RunPending] or [Manual.Advance] is called, and timers fire only
// when virtual time is advanced past their deadline.
//
// Manual is safe to Post to from any goroutine, but RunPending and Advance
// must be called from a single test goroutine.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	queue  []func()
	timers []*manualTimer
	seq    uint64
}

type manualTimer struct {
	at  time.Time
	seq uint64
	t   *Timer
	fn  func()
}

// NewManual returns a Manual scheduler whose clock starts at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Post implements [Scheduler].
func (m *Manual) Post(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, fn)
}

// AfterFunc implements [Scheduler].
func (m *Manual) AfterFunc(d time.Duration, fn func()) *Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	mt := &manualTimer{at: m.now.Add(d), seq: m.seq, t: &Timer{}, fn: fn}
	m.timers = append(m.timers, mt)
	return mt.t
}

// Now implements [Scheduler].
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// RunPending runs queued functions, including ones posted while running,
// until the queue is empty.
func (m *Manual) RunPending() {
	for {
		m.mu.Lock()
		batch := m.queue
		m.queue = nil
		m.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, fn := range batch {
			fn()
		}
	}
}

// Advance moves virtual time forward by d, firing due timers in deadline
// order and running everything they post.
func (m *Manual) Advance(d time.Duration) {
	m.RunPending()

	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		next := m.nextDue(target)
		if next == nil {
			m.now = target
			m.mu.Unlock()
			break
		}
		m.now = next.at
		m.mu.Unlock()

		if next.t.fire() {
			next.fn()
		}
		m.RunPending()
	}
	m.RunPending()
}

// nextDue removes and returns the earliest live timer due at or before
// target. Stopped timers are discarded along the way. Callers hold m.mu.
func (m *Manual) nextDue(target time.Time) *manualTimer {
	live := m.timers[:0]
	for _, mt := range m.timers {
		if !mt.t.stopped() {
			live = append(live, mt)
		}
	}
	m.timers = live
	sort.Slice(m.timers, func(i, j int) bool {
		if m.timers[i].at.Equal(m.timers[j].at) {
			return m.timers[i].seq < m.timers[j].seq
		}
		return m.timers[i].at.Before(m.timers[j].at)
	})
	if len(m.timers) == 0 || m.timers[0].at.After(target) {
		return nil
	}
	next := m.timers[0]
	m.timers = m.timers[1:]
	return next
}

// PendingTimers returns the number of timers that have neither fired nor
// been stopped.
func (m *Manual) PendingTimers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, mt := range m.timers {
		if !mt.t.stopped() {
			n++
		}
	}
	return n
}
