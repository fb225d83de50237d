// Package slots caps how many task bodies a worker executes at once.
package slots

import (
	"container/heap"
	"context"
	"sync"

	"slotworker/internal/domain"
)

// Manager owns a fixed pool of slots. Waiters are served in arrival order; with
// priority admission enabled, higher priorities go first and arrival order breaks ties.
// A held slot is never preempted.
type Manager struct {
	mu          sync.Mutex
	capacity    int
	inUse       int
	seq         uint64
	waiters     waiterQueue
	usePriority bool
	onChange    func(Stats)
}

type Option func(*Manager)

// WithPriority enables priority-ordered admission.
func WithPriority() Option {
	return func(m *Manager) { m.usePriority = true }
}

// WithObserver is called with fresh stats, outside the lock, after every change.
func WithObserver(fn func(Stats)) Option {
	return func(m *Manager) { m.onChange = fn }
}

func NewManager(capacity int, opts ...Option) *Manager {
	if capacity <= 0 {
		capacity = 1
	}
	m := &Manager{capacity: capacity}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type Stats struct {
	Capacity int `json:"capacity"`
	InUse    int `json:"in_use"`
	Waiting  int `json:"waiting"`
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statsLocked()
}

func (m *Manager) statsLocked() Stats {
	return Stats{Capacity: m.capacity, InUse: m.inUse, Waiting: m.waiters.Len()}
}

// Acquire blocks until a slot is granted or ctx is done.
func (m *Manager) Acquire(ctx context.Context, priority int) (*Slot, error) {
	m.mu.Lock()
	if m.inUse < m.capacity && m.waiters.Len() == 0 {
		m.inUse++
		s := m.newSlotLocked(priority)
		stats := m.statsLocked()
		m.mu.Unlock()
		m.notify(stats)
		return s, nil
	}

	m.seq++
	w := &waiter{priority: priority, seq: m.seq, ready: make(chan *Slot, 1)}
	if !m.usePriority {
		w.priority = 0
	}
	heap.Push(&m.waiters, w)
	stats := m.statsLocked()
	m.mu.Unlock()
	m.notify(stats)

	select {
	case s := <-w.ready:
		return s, nil
	case <-ctx.Done():
		m.mu.Lock()
		if w.index >= 0 {
			heap.Remove(&m.waiters, w.index)
			stats := m.statsLocked()
			m.mu.Unlock()
			m.notify(stats)
			return nil, context.Cause(ctx)
		}
		m.mu.Unlock()
		// Granted concurrently with cancellation; hand the slot on.
		(<-w.ready).Release()
		return nil, context.Cause(ctx)
	}
}

// TryAcquire grants a slot only if one is free and nobody is waiting.
func (m *Manager) TryAcquire(priority int) (*Slot, error) {
	m.mu.Lock()
	if m.inUse >= m.capacity || m.waiters.Len() > 0 {
		m.mu.Unlock()
		return nil, domain.ErrSlotUnavailable
	}
	m.inUse++
	s := m.newSlotLocked(priority)
	stats := m.statsLocked()
	m.mu.Unlock()
	m.notify(stats)
	return s, nil
}

func (m *Manager) newSlotLocked(priority int) *Slot {
	m.seq++
	return &Slot{id: m.seq, priority: priority, m: m}
}

// release returns one permit and hands it straight to the next waiter, if any.
func (m *Manager) release() {
	m.mu.Lock()
	m.inUse--
	for m.inUse < m.capacity && m.waiters.Len() > 0 {
		w := heap.Pop(&m.waiters).(*waiter)
		m.inUse++
		w.ready <- m.newSlotLocked(w.priority)
	}
	stats := m.statsLocked()
	m.mu.Unlock()
	m.notify(stats)
}

func (m *Manager) notify(s Stats) {
	if m.onChange != nil {
		m.onChange(s)
	}
}

// Slot is a permit to execute one task body.
type Slot struct {
	id       uint64
	priority int
	m        *Manager

	once sync.Once
}

func (s *Slot) ID() uint64 { return s.id }

// Release returns the slot to the pool. Calling it more than once, or after
// ReleaseEarly, has no effect.
func (s *Slot) Release() {
	s.once.Do(s.m.release)
}

// ReleaseEarly frees the slot while the task keeps running outside the pool's
// accounting. It reports whether this call released the slot.
func (s *Slot) ReleaseEarly() bool {
	released := false
	s.once.Do(func() {
		released = true
		s.m.release()
	})
	return released
}

type waiter struct {
	priority int
	seq      uint64
	index    int
	ready    chan *Slot
}

// waiterQueue orders by priority (desc) then arrival (asc).
type waiterQueue []*waiter

func (q waiterQueue) Len() int { return len(q) }

func (q waiterQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q waiterQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *waiterQueue) Push(x any) {
	w := x.(*waiter)
	w.index = len(*q)
	*q = append(*q, w)
}

func (q *waiterQueue) Pop() any {
	old := *q
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*q = old[:n-1]
	return w
}
