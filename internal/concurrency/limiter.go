// Package concurrency limits how many runs sharing a concurrency key execute at once.
//
// Each key owns a group with a running set and a wait queue. What happens when a run
// arrives at a full group depends on the declared strategy:
//
//   - fifo: the run waits; runs are admitted in arrival order.
//   - group_round_robin: the run waits in its sub-key's queue; freed capacity rotates
//     across sub-keys so a busy sub-key cannot starve the others.
//   - cancel_newest: the arriving run is rejected with domain.ErrSuperseded.
//   - cancel_in_progress: the oldest running run is cancelled with domain.ErrSuperseded
//     and the arriving run is admitted.
//
// Arrival order is an assignment sequence number; priority plays no part here.
package concurrency

import (
	"context"
	"errors"
	"sort"
	"sync"

	"slotworker/internal/domain"
)

type Decision int

const (
	RunNow Decision = iota
	Queued
	Rejected
)

func (d Decision) String() string {
	switch d {
	case RunNow:
		return "run_now"
	case Queued:
		return "queued"
	case Rejected:
		return "rejected"
	}
	return "unknown"
}

var errEmptyKey = errors.New("concurrency key is empty")

type Request struct {
	RunID    string
	Key      string
	SubKey   string
	MaxRuns  int
	Strategy domain.ConcurrencyStrategy
	// Cancel stops this run if a later cancel_in_progress arrival displaces it.
	Cancel context.CancelCauseFunc
}

type ticketState int

const (
	stateQueued ticketState = iota
	stateRunning
	stateDone
)

// Ticket tracks one run inside its group. Its state is guarded by the limiter lock.
type Ticket struct {
	req      Request
	seq      uint64
	sub      string
	state    ticketState
	admitted chan struct{}
	l        *Limiter
}

func (t *Ticket) RunID() string { return t.req.RunID }

type Limiter struct {
	mu     sync.Mutex
	seq    uint64
	groups map[string]*group
}

func NewLimiter() *Limiter {
	return &Limiter{groups: make(map[string]*group)}
}

// Admit places req into its key's group. A Queued ticket must be waited on with
// Ticket.Wait; every non-rejected ticket must eventually be released.
func (l *Limiter) Admit(req Request) (*Ticket, Decision, error) {
	if req.Key == "" {
		return nil, Rejected, errEmptyKey
	}
	if req.MaxRuns < 1 {
		req.MaxRuns = 1
	}

	var victim *Ticket

	l.mu.Lock()
	g, ok := l.groups[req.Key]
	if !ok {
		g = &group{queues: make(map[string][]*Ticket)}
		l.groups[req.Key] = g
	}
	g.maxRuns = req.MaxRuns

	l.seq++
	t := &Ticket{req: req, seq: l.seq, admitted: make(chan struct{}), l: l}
	if req.Strategy == domain.StrategyGroupRoundRobin {
		t.sub = req.SubKey
	}

	decision := Queued
	switch {
	case len(g.running) < g.maxRuns && g.waiting() == 0:
		g.start(t)
		decision = RunNow
	case req.Strategy == domain.StrategyCancelNewest:
		t.state = stateDone
		l.cleanupLocked(req.Key, g)
		l.mu.Unlock()
		return nil, Rejected, domain.ErrSuperseded
	case req.Strategy == domain.StrategyCancelInProgress && len(g.running) > 0:
		victim = g.running[0]
		victim.state = stateDone
		g.running = g.running[1:]
		g.start(t)
		decision = RunNow
	default:
		g.enqueue(t)
	}
	l.mu.Unlock()

	if victim != nil && victim.req.Cancel != nil {
		victim.req.Cancel(domain.ErrSuperseded)
	}
	return t, decision, nil
}

// Wait blocks until the ticket is admitted. If ctx ends first the ticket leaves the
// queue and the context's cause is returned.
func (t *Ticket) Wait(ctx context.Context) error {
	select {
	case <-t.admitted:
		return nil
	case <-ctx.Done():
	}

	t.l.mu.Lock()
	state := t.state
	if state == stateQueued {
		g := t.l.groups[t.req.Key]
		g.dequeue(t)
		t.state = stateDone
		t.l.cleanupLocked(t.req.Key, g)
	}
	t.l.mu.Unlock()

	if state == stateRunning {
		t.Release()
	}
	return context.Cause(ctx)
}

// Release ends the run's membership in its group and admits waiters. Releasing a
// ticket twice, or one displaced by cancel_in_progress, has no effect.
func (t *Ticket) Release() {
	l := t.l
	l.mu.Lock()
	g := l.groups[t.req.Key]
	switch t.state {
	case stateRunning:
		g.stop(t)
		g.dispatch()
	case stateQueued:
		g.dequeue(t)
	case stateDone:
		l.mu.Unlock()
		return
	}
	t.state = stateDone
	l.cleanupLocked(t.req.Key, g)
	l.mu.Unlock()
}

func (l *Limiter) cleanupLocked(key string, g *group) {
	if len(g.running) == 0 && g.waiting() == 0 {
		delete(l.groups, key)
	}
}

type GroupStats struct {
	Key     string `json:"key"`
	MaxRuns int    `json:"max_runs"`
	Running int    `json:"running"`
	Waiting int    `json:"waiting"`
}

// Stats lists live groups sorted by key.
func (l *Limiter) Stats() []GroupStats {
	l.mu.Lock()
	out := make([]GroupStats, 0, len(l.groups))
	for key, g := range l.groups {
		out = append(out, GroupStats{Key: key, MaxRuns: g.maxRuns, Running: len(g.running), Waiting: g.waiting()})
	}
	l.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

type group struct {
	maxRuns int
	running []*Ticket // oldest first

	queues map[string][]*Ticket // per sub-key, arrival order
	order  []string             // sub-keys with waiters, in rotation order
	next   int                  // rotation cursor into order
}

func (g *group) waiting() int {
	n := 0
	for _, q := range g.queues {
		n += len(q)
	}
	return n
}

func (g *group) start(t *Ticket) {
	t.state = stateRunning
	g.running = append(g.running, t)
	close(t.admitted)
}

func (g *group) stop(t *Ticket) {
	for i, r := range g.running {
		if r == t {
			g.running = append(g.running[:i], g.running[i+1:]...)
			return
		}
	}
}

func (g *group) enqueue(t *Ticket) {
	if _, ok := g.queues[t.sub]; !ok {
		g.order = append(g.order, t.sub)
	}
	g.queues[t.sub] = append(g.queues[t.sub], t)
}

func (g *group) dequeue(t *Ticket) {
	q := g.queues[t.sub]
	for i, w := range q {
		if w == t {
			q = append(q[:i], q[i+1:]...)
			break
		}
	}
	if len(q) > 0 {
		g.queues[t.sub] = q
		return
	}
	delete(g.queues, t.sub)
	for i, sub := range g.order {
		if sub == t.sub {
			g.order = append(g.order[:i], g.order[i+1:]...)
			if i < g.next {
				g.next--
			}
			break
		}
	}
}

// dispatch admits waiters while the group has capacity, rotating across sub-keys.
func (g *group) dispatch() {
	for len(g.running) < g.maxRuns && len(g.order) > 0 {
		if g.next >= len(g.order) {
			g.next = 0
		}
		sub := g.order[g.next]
		q := g.queues[sub]
		t := q[0]
		if len(q) == 1 {
			delete(g.queues, sub)
			g.order = append(g.order[:g.next], g.order[g.next+1:]...)
		} else {
			g.queues[sub] = q[1:]
			g.next++
		}
		g.start(t)
	}
}
