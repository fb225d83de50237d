package durable

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"slotworker/internal/domain"
)

type memStore struct {
	mu      sync.Mutex
	entries map[string]map[int][]byte
	waits   map[string]time.Time
}

func newMemStore() *memStore {
	return &memStore{entries: map[string]map[int][]byte{}, waits: map[string]time.Time{}}
}

func (s *memStore) Save(_ context.Context, runID string, index int, result []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entries[runID] == nil {
		s.entries[runID] = map[int][]byte{}
	}
	s.entries[runID][index] = result
	return nil
}

func (s *memStore) Load(_ context.Context, runID string) (map[int][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[int][]byte{}
	for k, v := range s.entries[runID] {
		out[k] = v
	}
	return out, nil
}

func (s *memStore) Delete(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, runID)
	return nil
}

func (s *memStore) Register(_ context.Context, runID string, index int, wakeAt time.Time) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := fmt.Sprintf("%s/%d", runID, index)
	if at, ok := s.waits[k]; ok {
		return at, nil
	}
	s.waits[k] = wakeAt
	return wakeAt, nil
}

func TestRecordLookupForget(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, err := NewManager(8)
	require.NoError(t, err)

	_, ok, err := m.Lookup(ctx, "run-1", 0)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, m.Record(ctx, "run-1", 0, []byte(`"a"`)))
	require.NoError(t, m.Record(ctx, "run-1", 1, []byte(`"b"`)))

	res, ok, err := m.Lookup(ctx, "run-1", 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `"b"`, string(res))

	require.NoError(t, m.Forget(ctx, "run-1"))
	_, ok, err = m.Lookup(ctx, "run-1", 0)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 0, m.Stats().LiveRuns)
}

func TestEvictedLiveRunFailsLookup(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	var hooked []string
	m, err := NewManager(1, WithEvictionHook(func(runID string) { hooked = append(hooked, runID) }))
	require.NoError(t, err)

	require.NoError(t, m.Record(ctx, "old", 0, []byte(`1`)))
	require.NoError(t, m.Record(ctx, "new", 0, []byte(`2`)))

	_, _, err = m.Lookup(ctx, "old", 0)
	require.ErrorIs(t, err, domain.ErrCheckpointEvicted)
	require.Equal(t, []string{"old"}, hooked)
	require.Equal(t, 1, m.Stats().Evicted)

	// A forgotten run is not reported as evicted.
	require.NoError(t, m.Forget(ctx, "new"))
	require.Equal(t, []string{"old"}, hooked)
	_, ok, err := m.Lookup(ctx, "new", 0)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEvictionReloadsFromStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newMemStore()
	m, err := NewManager(1, WithStore(store))
	require.NoError(t, err)

	require.NoError(t, m.Record(ctx, "old", 0, []byte(`"first"`)))
	require.NoError(t, m.Record(ctx, "new", 0, []byte(`"second"`)))

	res, ok, err := m.Lookup(ctx, "old", 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `"first"`, string(res))

	require.NoError(t, m.Forget(ctx, "old"))
	loaded, err := store.Load(ctx, "old")
	require.NoError(t, err)
	require.Empty(t, loaded)
}

func TestRecordAfterEviction(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("store", func(t *testing.T) {
		t.Parallel()

		m, err := NewManager(1, WithStore(newMemStore()))
		require.NoError(t, err)

		require.NoError(t, m.Record(ctx, "run-1", 0, []byte(`"first"`)))
		require.NoError(t, m.Record(ctx, "run-2", 0, []byte(`"other"`)))
		require.NoError(t, m.Record(ctx, "run-1", 1, []byte(`"second"`)))

		for index, want := range []string{`"first"`, `"second"`} {
			res, ok, err := m.Lookup(ctx, "run-1", index)
			require.NoError(t, err)
			require.True(t, ok, "wait %d", index)
			require.JSONEq(t, want, string(res))
		}
	})

	t.Run("no store", func(t *testing.T) {
		t.Parallel()

		m, err := NewManager(1)
		require.NoError(t, err)

		require.NoError(t, m.Record(ctx, "run-1", 0, []byte(`"first"`)))
		require.NoError(t, m.Record(ctx, "run-2", 0, []byte(`"other"`)))
		require.ErrorIs(t, m.Record(ctx, "run-1", 1, []byte(`"second"`)), domain.ErrCheckpointEvicted)

		_, _, err = m.Lookup(ctx, "run-1", 0)
		require.ErrorIs(t, err, domain.ErrCheckpointEvicted)
		_, _, err = m.Lookup(ctx, "run-1", 1)
		require.ErrorIs(t, err, domain.ErrCheckpointEvicted)
	})
}

func TestRecord_ConcurrentKeepsEveryIndex(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, err := NewManager(4)
	require.NoError(t, err)

	const waits = 32
	var wg sync.WaitGroup
	for i := 0; i < waits; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.Record(ctx, "run-1", i, []byte(fmt.Sprint(i))))
		}()
	}
	wg.Wait()

	for i := 0; i < waits; i++ {
		res, ok, err := m.Lookup(ctx, "run-1", i)
		require.NoError(t, err)
		require.True(t, ok, "wait %d", i)
		require.Equal(t, fmt.Sprint(i), string(res))
	}
}

func TestSleep_WaitsThenReplays(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fc := testingclock.NewFakeClock(time.Unix(1_700_000_000, 0))
	m, err := NewManager(4, WithClock(fc))
	require.NoError(t, err)

	done := make(chan []byte, 1)
	go func() {
		res, err := m.Sleep(ctx, "run", 0, time.Minute)
		assert.NoError(t, err)
		done <- res
	}()

	require.Eventually(t, fc.HasWaiters, time.Second, time.Millisecond)
	select {
	case <-done:
		t.Fatal("sleep returned before its deadline")
	default:
	}
	fc.Step(time.Minute)
	first := <-done

	var sr SleepResult
	require.NoError(t, json.Unmarshal(first, &sr))
	require.True(t, sr.WokeAt.Equal(time.Unix(1_700_000_060, 0)))

	// Replaying the same wait returns immediately with the same result.
	again, err := m.Sleep(ctx, "run", 0, time.Minute)
	require.NoError(t, err)
	require.Equal(t, first, again)
}

func TestSleep_KeepsFirstDeadlineAcrossRestart(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fc := testingclock.NewFakeClock(time.Unix(1_700_000_000, 0))
	store := newMemStore()

	m1, err := NewManager(4, WithClock(fc), WithStore(store))
	require.NoError(t, err)
	sleepCtx, cancel := context.WithCancel(ctx)
	errc := make(chan error, 1)
	go func() {
		_, err := m1.Sleep(sleepCtx, "run", 0, 10*time.Second)
		errc <- err
	}()
	require.Eventually(t, fc.HasWaiters, time.Second, time.Millisecond)
	fc.Step(4 * time.Second)
	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)

	// A fresh process sleeps only what is left of the original ten seconds.
	m2, err := NewManager(4, WithClock(fc), WithStore(store))
	require.NoError(t, err)
	done := make(chan []byte, 1)
	go func() {
		res, err := m2.Sleep(ctx, "run", 0, 10*time.Second)
		assert.NoError(t, err)
		done <- res
	}()
	require.Eventually(t, fc.HasWaiters, time.Second, time.Millisecond)
	fc.Step(6 * time.Second)

	var sr SleepResult
	require.NoError(t, json.Unmarshal(<-done, &sr))
	require.True(t, sr.WokeAt.Equal(time.Unix(1_700_000_010, 0)))
}

func TestWaitForEvent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, err := NewManager(4)
	require.NoError(t, err)

	require.Equal(t, 0, m.Publish("order:1", []byte(`{}`)), "no waiter yet")

	done := make(chan []byte, 1)
	go func() {
		res, err := m.WaitForEvent(ctx, "run", 0, "order:1")
		assert.NoError(t, err)
		done <- res
	}()
	require.Eventually(t, func() bool { return m.Stats().Waiters == 1 }, time.Second, time.Millisecond)

	require.Equal(t, 1, m.Publish("order:1", []byte(`{"paid":true}`)))
	require.JSONEq(t, `{"paid":true}`, string(<-done))

	res, err := m.WaitForEvent(ctx, "run", 0, "order:1")
	require.NoError(t, err)
	require.JSONEq(t, `{"paid":true}`, string(res))
	require.Equal(t, 0, m.Stats().Waiters)
}

func TestWaitForEvent_ContextCancelled(t *testing.T) {
	t.Parallel()

	m, err := NewManager(4)
	require.NoError(t, err)

	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(domain.ErrRunCancelled)
	_, err = m.WaitForEvent(ctx, "run", 0, "never")
	require.ErrorIs(t, err, domain.ErrRunCancelled)
	require.Equal(t, 0, m.Stats().Waiters)
}
