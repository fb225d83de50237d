// Package durable remembers the results of a run's durable waits so that a replayed
// run observes each wait exactly once.
//
// A run's waits are numbered 0, 1, 2, ... in the order the task body reaches them.
// When a run is re-entered from the top (retry, or re-offer after a restart) every
// wait that already resolved returns its recorded result instead of waiting again.
//
// Checkpoints live in a bounded LRU keyed by run id. With a CheckpointStore configured
// every record is written through, so eviction only costs a reload. Without a store an
// evicted live run cannot be replayed safely and lookups for it fail with
// domain.ErrCheckpointEvicted.
package durable

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"k8s.io/utils/clock"

	"slotworker/internal/domain"
	"slotworker/internal/ports"
	"slotworker/pkg/boundedcache"
)

type Manager struct {
	cache  *boundedcache.Cache[string, *runLog]
	store  ports.CheckpointStore
	clock  clock.Clock
	events *eventBus

	// loadMu serializes get-or-create of a run's log.
	loadMu sync.Mutex

	mu      sync.Mutex
	live    map[string]struct{}
	evicted map[string]struct{}
	timers  map[waitKey]time.Time // wake-up deadlines when there is no store

	onEvict func(runID string)
}

type waitKey struct {
	runID string
	index int
}

type runLog struct {
	mu      sync.Mutex
	entries map[int][]byte
}

type Option func(*Manager)

// WithStore writes every checkpoint through to s and falls back to it on cache misses.
func WithStore(s ports.CheckpointStore) Option {
	return func(m *Manager) { m.store = s }
}

func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithEvictionHook is called when a live run loses its in-memory checkpoints.
func WithEvictionHook(fn func(runID string)) Option {
	return func(m *Manager) { m.onEvict = fn }
}

// NewManager keeps checkpoints for at most capacity runs in memory.
func NewManager(capacity int, opts ...Option) (*Manager, error) {
	m := &Manager{
		clock:   clock.RealClock{},
		events:  newEventBus(),
		live:    make(map[string]struct{}),
		evicted: make(map[string]struct{}),
		timers:  make(map[waitKey]time.Time),
	}
	for _, opt := range opts {
		opt(m)
	}

	cache, err := boundedcache.New[string, *runLog](capacity, m.evict)
	if err != nil {
		return nil, err
	}
	m.cache = cache
	return m, nil
}

// evict runs outside the cache lock for evictions and explicit removals alike.
func (m *Manager) evict(runID string, _ *runLog) {
	m.mu.Lock()
	_, live := m.live[runID]
	lost := live && m.store == nil
	if lost {
		m.evicted[runID] = struct{}{}
	}
	m.mu.Unlock()

	if !live {
		return
	}
	if lost {
		log.Warn().Str("run_id", runID).Msg("durable checkpoints evicted for live run")
		if m.onEvict != nil {
			m.onEvict(runID)
		}
		return
	}
	log.Debug().Str("run_id", runID).Msg("durable checkpoints evicted from memory, store keeps them")
}

// Record stores result as the checkpoint for wait index of runID. A run whose
// in-memory log was lost without a store cannot record further waits.
func (m *Manager) Record(ctx context.Context, runID string, index int, result []byte) error {
	if err := m.checkEvicted(runID); err != nil {
		return err
	}
	if m.store != nil {
		if err := m.store.Save(ctx, runID, index, result); err != nil {
			return fmt.Errorf("failed to persist checkpoint %s/%d: %w", runID, index, err)
		}
	}

	m.mu.Lock()
	m.live[runID] = struct{}{}
	m.mu.Unlock()

	rl, err := m.runLogFor(ctx, runID, true)
	if err != nil {
		return err
	}
	rl.mu.Lock()
	rl.entries[index] = append([]byte(nil), result...)
	rl.mu.Unlock()
	return nil
}

// Lookup returns the checkpoint for wait index of runID, if one was recorded.
func (m *Manager) Lookup(ctx context.Context, runID string, index int) ([]byte, bool, error) {
	rl, err := m.runLogFor(ctx, runID, false)
	if err != nil || rl == nil {
		return nil, false, err
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	res, ok := rl.entries[index]
	return res, ok, nil
}

func (m *Manager) checkEvicted(runID string) error {
	m.mu.Lock()
	_, lost := m.evicted[runID]
	m.mu.Unlock()
	if lost {
		return fmt.Errorf("run %s: %w", runID, domain.ErrCheckpointEvicted)
	}
	return nil
}

// runLogFor returns the cached log of runID, reloading it from the store on a miss.
// Without create it returns nil for a run with no checkpoints anywhere.
func (m *Manager) runLogFor(ctx context.Context, runID string, create bool) (*runLog, error) {
	if rl, ok := m.cache.Get(runID); ok {
		return rl, nil
	}

	m.loadMu.Lock()
	defer m.loadMu.Unlock()
	if rl, ok := m.cache.Get(runID); ok {
		return rl, nil
	}
	if err := m.checkEvicted(runID); err != nil {
		return nil, err
	}

	entries := make(map[int][]byte)
	if m.store != nil {
		loaded, err := m.store.Load(ctx, runID)
		if err != nil {
			return nil, fmt.Errorf("failed to load checkpoints for %s: %w", runID, err)
		}
		if len(loaded) > 0 {
			entries = loaded
			m.mu.Lock()
			m.live[runID] = struct{}{}
			m.mu.Unlock()
		}
	}
	if len(entries) == 0 && !create {
		return nil, nil
	}

	rl := &runLog{entries: entries}
	m.cache.Put(runID, rl)
	return rl, nil
}

// Forget drops every checkpoint of a terminal run.
func (m *Manager) Forget(ctx context.Context, runID string) error {
	m.mu.Lock()
	delete(m.live, runID)
	delete(m.evicted, runID)
	for k := range m.timers {
		if k.runID == runID {
			delete(m.timers, k)
		}
	}
	m.mu.Unlock()

	m.cache.Remove(runID)
	if m.store != nil {
		if err := m.store.Delete(ctx, runID); err != nil {
			return fmt.Errorf("failed to delete checkpoints for %s: %w", runID, err)
		}
	}
	return nil
}

// SleepResult is the recorded result of a durable sleep.
type SleepResult struct {
	WokeAt time.Time `json:"woke_at"`
}

// Sleep is durable wait index of runID: a timer that fires d after it was first
// registered, even if the run is replayed in between.
func (m *Manager) Sleep(ctx context.Context, runID string, index int, d time.Duration) ([]byte, error) {
	if res, ok, err := m.Lookup(ctx, runID, index); err != nil || ok {
		return res, err
	}

	wakeAt, err := m.register(ctx, runID, index, m.clock.Now().Add(d))
	if err != nil {
		return nil, err
	}

	if remaining := wakeAt.Sub(m.clock.Now()); remaining > 0 {
		t := m.clock.NewTimer(remaining)
		select {
		case <-t.C():
		case <-ctx.Done():
			t.Stop()
			return nil, context.Cause(ctx)
		}
	}

	res, err := json.Marshal(SleepResult{WokeAt: wakeAt.UTC()})
	if err != nil {
		return nil, err
	}
	if err := m.Record(ctx, runID, index, res); err != nil {
		return nil, err
	}
	return res, nil
}

// WaitForEvent is durable wait index of runID resolved by Publish(key, payload).
func (m *Manager) WaitForEvent(ctx context.Context, runID string, index int, key string) ([]byte, error) {
	if res, ok, err := m.Lookup(ctx, runID, index); err != nil || ok {
		return res, err
	}

	ch, cancel := m.events.subscribe(key)
	defer cancel()

	select {
	case payload := <-ch:
		if err := m.Record(ctx, runID, index, payload); err != nil {
			return nil, err
		}
		return payload, nil
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}

// Publish resolves every wait currently pending on key and reports how many there were.
func (m *Manager) Publish(key string, payload []byte) int {
	return m.events.publish(key, payload)
}

func (m *Manager) register(ctx context.Context, runID string, index int, wakeAt time.Time) (time.Time, error) {
	if m.store != nil {
		at, err := m.store.Register(ctx, runID, index, wakeAt)
		if err != nil {
			return time.Time{}, fmt.Errorf("failed to register wait %s/%d: %w", runID, index, err)
		}
		return at, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	k := waitKey{runID: runID, index: index}
	if at, ok := m.timers[k]; ok {
		return at, nil
	}
	m.timers[k] = wakeAt
	return wakeAt, nil
}

type Stats struct {
	CachedRuns int `json:"cached_runs"`
	Capacity   int `json:"capacity"`
	LiveRuns   int `json:"live_runs"`
	Evicted    int `json:"evicted_live_runs"`
	Waiters    int `json:"event_waiters"`
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	live, evicted := len(m.live), len(m.evicted)
	m.mu.Unlock()
	return Stats{
		CachedRuns: m.cache.Len(),
		Capacity:   m.cache.Cap(),
		LiveRuns:   live,
		Evicted:    evicted,
		Waiters:    m.events.count(),
	}
}
