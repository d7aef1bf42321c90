package clock

import (
	"container/heap"
	"sync"
	"time"
)

// Manual is a Clock that only moves when Advance is called. Socket race and
// reconnect tests use it to step deadlines deterministically.
type Manual struct {
	mu      sync.Mutex
	armed   *sync.Cond
	now     time.Time
	pending deadlines
}

type deadline struct {
	at time.Time
	ch chan time.Time
}

// deadlines is a min-heap on fire time.
type deadlines []deadline

func (d deadlines) Len() int           { return len(d) }
func (d deadlines) Less(i, j int) bool { return d[i].at.Before(d[j].at) }
func (d deadlines) Swap(i, j int)      { d[i], d[j] = d[j], d[i] }
func (d *deadlines) Push(x any)        { *d = append(*d, x.(deadline)) }
func (d *deadlines) Pop() any {
	old := *d
	last := old[len(old)-1]
	*d = old[:len(old)-1]
	return last
}

// NewManual returns a Manual clock reading start.
func NewManual(start time.Time) *Manual {
	m := &Manual{now: start.UTC()}
	m.armed = sync.NewCond(&m.mu)
	return m
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// After returns a channel that receives once the clock has been advanced by
// at least d. Non-positive durations fire immediately.
func (m *Manual) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if d <= 0 {
		ch <- m.now
		return ch
	}
	heap.Push(&m.pending, deadline{at: m.now.Add(d), ch: ch})
	m.armed.Broadcast()
	return ch
}

func (m *Manual) Sleep(d time.Duration) {
	<-m.After(d)
}

// Advance moves the clock forward and fires every deadline that is now due.
// Negative durations are ignored.
func (m *Manual) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d > 0 {
		m.now = m.now.Add(d)
	}
	for m.pending.Len() > 0 && !m.pending[0].at.After(m.now) {
		due := heap.Pop(&m.pending).(deadline)
		due.ch <- m.now
	}
	return m.now
}

// BlockUntil returns once at least n deadlines are armed.
func (m *Manual) BlockUntil(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.pending.Len() < n {
		m.armed.Wait()
	}
}

// Pending reports how many deadlines have not fired yet.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending.Len()
}
