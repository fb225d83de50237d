package usecase

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"slotworker/internal/domain"
	"slotworker/internal/slots"
	"slotworker/internal/task"
)

var _ task.Context = (*taskContext)(nil)

type taskContext struct {
	context.Context
	rt      *Runtime
	inst    domain.TaskInstance
	attempt int
	slot    *heldSlot

	// waits numbers durable waits in the order this invocation reaches them.
	waits int
}

func (tc *taskContext) RunID() string               { return tc.inst.RunID }
func (tc *taskContext) TaskName() string            { return tc.inst.TaskName }
func (tc *taskContext) Attempt() int                { return tc.attempt }
func (tc *taskContext) Metadata() map[string]string { return tc.inst.Metadata }

func (tc *taskContext) ReleaseSlot() {
	tc.slot.releaseEarly()
	log.Ctx(tc).Debug().Msg("slot released early")
}

func (tc *taskContext) Sleep(d time.Duration) (json.RawMessage, error) {
	idx := tc.nextWait()
	return tc.durableWait(idx, func(ctx context.Context) ([]byte, error) {
		return tc.rt.durable.Sleep(ctx, tc.inst.RunID, idx, d)
	})
}

func (tc *taskContext) WaitForEvent(key string) (json.RawMessage, error) {
	idx := tc.nextWait()
	return tc.durableWait(idx, func(ctx context.Context) ([]byte, error) {
		return tc.rt.durable.WaitForEvent(ctx, tc.inst.RunID, idx, key)
	})
}

func (tc *taskContext) nextWait() int {
	idx := tc.waits
	tc.waits++
	return idx
}

// durableWait gives the slot up for the duration of a wait that is not already
// checkpointed, and takes one back before the body continues.
func (tc *taskContext) durableWait(idx int, wait func(context.Context) ([]byte, error)) (json.RawMessage, error) {
	if res, ok, err := tc.rt.durable.Lookup(tc, tc.inst.RunID, idx); err != nil || ok {
		return res, err
	}

	suspended := tc.slot.suspend()
	log.Ctx(tc).Debug().Int("wait", idx).Bool("slot_released", suspended).Msg("entering durable wait")

	res, err := wait(tc)
	if suspended {
		if rerr := tc.slot.resume(tc); rerr != nil && err == nil {
			err = rerr
		}
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// heldSlot is the slot of one invocation, which durable waits may hand back and
// reacquire. After ReleaseSlot it stays released.
type heldSlot struct {
	mu       sync.Mutex
	m        *slots.Manager
	slot     *slots.Slot
	priority int
	early    bool
}

func (h *heldSlot) releaseEarly() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.slot != nil {
		h.slot.ReleaseEarly()
		h.slot = nil
	}
	h.early = true
}

func (h *heldSlot) suspend() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.slot == nil {
		return false
	}
	h.slot.Release()
	h.slot = nil
	return true
}

func (h *heldSlot) resume(ctx context.Context) error {
	s, err := h.m.Acquire(ctx, h.priority)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.early {
		s.Release()
		return nil
	}
	h.slot = s
	return nil
}

func (h *heldSlot) release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.slot != nil {
		h.slot.Release()
		h.slot = nil
	}
}
