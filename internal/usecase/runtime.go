package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"k8s.io/utils/clock"

	"slotworker/internal/concurrency"
	"slotworker/internal/domain"
	"slotworker/internal/durable"
	"slotworker/internal/expr"
	"slotworker/internal/metrics"
	"slotworker/internal/ports"
	"slotworker/internal/ratelimit"
	"slotworker/internal/slots"
	"slotworker/internal/task"
	"slotworker/pkg/backoff"
)

const (
	defaultSlots              = 10
	defaultCheckpointCapacity = 1024
)

// Runtime executes offered task instances: slot, then concurrency group, then rate
// limits, then the body, with local retries for retryable failures.
type Runtime struct {
	registry    *task.Registry
	slots       *slots.Manager
	concurrency *concurrency.Limiter
	limiter     ports.RateLimiter
	durable     *durable.Manager
	expr        *expr.Evaluator
	baseBackoff time.Duration
	clock       clock.Clock

	mu   sync.Mutex
	runs map[string]*liveRun
}

type liveRun struct {
	cancel context.CancelCauseFunc
}

type RuntimeOption func(*Runtime)

func WithSlots(m *slots.Manager) RuntimeOption {
	return func(r *Runtime) { r.slots = m }
}

func WithRateLimiter(l ports.RateLimiter) RuntimeOption {
	return func(r *Runtime) { r.limiter = l }
}

func WithDurable(m *durable.Manager) RuntimeOption {
	return func(r *Runtime) { r.durable = m }
}

// WithBaseBackoff sets the delay unit multiplied by each task's backoff factor.
func WithBaseBackoff(d time.Duration) RuntimeOption {
	return func(r *Runtime) { r.baseBackoff = d }
}

func WithClock(c clock.Clock) RuntimeOption {
	return func(r *Runtime) { r.clock = c }
}

func NewRuntime(reg *task.Registry, opts ...RuntimeOption) (*Runtime, error) {
	r := &Runtime{
		registry:    reg,
		concurrency: concurrency.NewLimiter(),
		baseBackoff: backoff.DefaultBase,
		clock:       clock.RealClock{},
		runs:        make(map[string]*liveRun),
	}
	for _, opt := range opts {
		opt(r)
	}

	var err error
	if r.slots == nil {
		r.slots = slots.NewManager(defaultSlots)
	}
	if r.limiter == nil {
		r.limiter = ratelimit.NewWithClock(r.clock)
	}
	if r.durable == nil {
		if r.durable, err = durable.NewManager(defaultCheckpointCapacity, durable.WithClock(r.clock)); err != nil {
			return nil, err
		}
	}
	if r.expr, err = expr.NewEvaluator(); err != nil {
		return nil, err
	}

	for _, name := range reg.Names() {
		d, _ := reg.Lookup(name)
		if err := r.compile(d); err != nil {
			return nil, fmt.Errorf("task %s: %w", name, err)
		}
	}
	return r, nil
}

func (r *Runtime) compile(d *task.Descriptor) error {
	var exprs []string
	if c := d.Concurrency; c != nil {
		if c.Key == "" {
			exprs = append(exprs, c.Expression)
		}
		if c.SubKeyExpression != "" {
			exprs = append(exprs, c.SubKeyExpression)
		}
	}
	for _, rl := range d.RateLimits {
		if rl.Key == "" {
			exprs = append(exprs, rl.KeyExpression)
		}
	}
	for _, e := range exprs {
		if err := r.expr.Compile(e); err != nil {
			return err
		}
	}
	return nil
}

// Offer runs inst to an outcome. It blocks until the run completes, fails for good,
// or is cancelled.
func (r *Runtime) Offer(ctx context.Context, inst domain.TaskInstance) domain.Outcome {
	logger := log.Ctx(ctx).With().Str("run_id", inst.RunID).Str("task", inst.TaskName).Logger()
	ctx = logger.WithContext(ctx)

	out := r.offer(ctx, inst)

	metrics.OffersTotal.WithLabelValues(inst.TaskName, string(out.Status)).Inc()
	if out.Err != nil {
		metrics.FailuresTotal.WithLabelValues(inst.TaskName, string(out.Err.Reason)).Inc()
	}
	if !retained(ctx, out) {
		if err := r.durable.Forget(context.WithoutCancel(ctx), inst.RunID); err != nil {
			logger.Warn().Err(err).Msg("failed to drop checkpoints")
		}
	}

	ev := logger.Info()
	if out.Err != nil {
		ev = logger.Warn().Err(out.Err.Err).Str("reason", string(out.Err.Reason)).Bool("retryable", out.Retryable)
	}
	ev.Str("status", string(out.Status)).Int("attempts", out.Attempts).Msg("run finished")
	return out
}

// retained reports whether the run will be offered again, so its checkpoints must
// outlive this offer. A run cut short by the caller's context ending is left pending.
func retained(ctx context.Context, out domain.Outcome) bool {
	switch out.Status {
	case domain.OutcomeFailed:
		return out.Retryable
	case domain.OutcomeCancelled:
		return ctx.Err() != nil && out.Err != nil && out.Err.Reason == domain.ReasonCancelled
	}
	return false
}

func (r *Runtime) offer(ctx context.Context, inst domain.TaskInstance) domain.Outcome {
	desc, ok := r.registry.Lookup(inst.TaskName)
	if !ok {
		err := fmt.Errorf("%w: %s", domain.ErrUnknownTask, inst.TaskName)
		return domain.Failed(inst.RunID, &domain.ExecutionError{Err: err, Reason: domain.ReasonUnknownTask}, false)
	}

	if err := desc.Validate(inst.Input); err != nil {
		return domain.Failed(inst.RunID, &domain.ExecutionError{Err: err, Reason: domain.ReasonInvalidInput}, false)
	}
	adm, err := r.resolve(desc, &inst)
	if err != nil {
		return domain.Failed(inst.RunID, &domain.ExecutionError{Err: err, Reason: domain.ReasonInvalidInput}, false)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	lr := &liveRun{cancel: cancel}
	r.track(inst.RunID, lr)
	defer r.untrack(inst.RunID, lr)

	return r.execute(runCtx, desc, inst, adm, cancel)
}

// Cancel stops a running instance. Reports whether the run was known.
func (r *Runtime) Cancel(runID string) bool {
	r.mu.Lock()
	lr, ok := r.runs[runID]
	r.mu.Unlock()
	if ok {
		lr.cancel(domain.ErrRunCancelled)
	}
	return ok
}

// Publish resolves durable event waits on key.
func (r *Runtime) Publish(key string, payload []byte) int {
	return r.durable.Publish(key, payload)
}

func (r *Runtime) track(runID string, lr *liveRun) {
	r.mu.Lock()
	r.runs[runID] = lr
	r.mu.Unlock()
}

func (r *Runtime) untrack(runID string, lr *liveRun) {
	r.mu.Lock()
	if r.runs[runID] == lr {
		delete(r.runs, runID)
	}
	r.mu.Unlock()
}

type Stats struct {
	Slots       slots.Stats              `json:"slots"`
	Concurrency []concurrency.GroupStats `json:"concurrency"`
	Checkpoints durable.Stats            `json:"checkpoints"`
	Running     []string                 `json:"running"`
	Tasks       []string                 `json:"tasks"`
}

func (r *Runtime) Stats() Stats {
	r.mu.Lock()
	running := make([]string, 0, len(r.runs))
	for id := range r.runs {
		running = append(running, id)
	}
	r.mu.Unlock()
	sort.Strings(running)

	return Stats{
		Slots:       r.slots.Stats(),
		Concurrency: r.concurrency.Stats(),
		Checkpoints: r.durable.Stats(),
		Running:     running,
		Tasks:       r.registry.Names(),
	}
}

// admission is what an instance must pass before its body runs.
type admission struct {
	concurrency *concurrency.Request
	rateLimits  []domain.RateLimitAcquisition
}

// resolve fills the instance's policy fields from its declaration and evaluates
// its key expressions.
func (r *Runtime) resolve(desc *task.Descriptor, inst *domain.TaskInstance) (admission, error) {
	var adm admission

	inst.Retry = desc.Retry
	if inst.Priority == 0 {
		inst.Priority = desc.Priority
	}

	if c := desc.Concurrency; c != nil {
		key := inst.ConcurrencyKey
		if key == "" {
			key = c.Key
		}
		if key == "" {
			k, err := r.expr.Key(c.Expression, inst.Input, inst.Metadata)
			if err != nil {
				return adm, fmt.Errorf("concurrency key: %w", err)
			}
			key = k
		}
		inst.ConcurrencyKey = key

		var sub string
		if c.Strategy == domain.StrategyGroupRoundRobin && c.SubKeyExpression != "" {
			s, err := r.expr.Key(c.SubKeyExpression, inst.Input, inst.Metadata)
			if err != nil {
				return adm, fmt.Errorf("concurrency sub-key: %w", err)
			}
			sub = s
		}
		adm.concurrency = &concurrency.Request{
			RunID:    inst.RunID,
			Key:      desc.Name + "/" + key,
			SubKey:   sub,
			MaxRuns:  c.MaxRuns,
			Strategy: c.Strategy,
		}
	}

	if len(inst.RateLimits) == 0 {
		for _, rl := range desc.RateLimits {
			key := rl.Key
			if key == "" {
				k, err := r.expr.Key(rl.KeyExpression, inst.Input, inst.Metadata)
				if err != nil {
					return adm, fmt.Errorf("rate limit key: %w", err)
				}
				key = k
			}
			inst.RateLimits = append(inst.RateLimits, domain.RateLimitAcquisition{
				Key: key, Units: rl.Units, Limit: rl.Limit, Window: rl.Window,
			})
		}
	}
	if _, err := ratelimit.Merge(inst.RateLimits); err != nil {
		return adm, err
	}
	adm.rateLimits = inst.RateLimits
	return adm, nil
}

// execute is the retry controller.
func (r *Runtime) execute(ctx context.Context, desc *task.Descriptor, inst domain.TaskInstance, adm admission, cancel context.CancelCauseFunc) domain.Outcome {
	policy := backoff.Policy{Base: r.baseBackoff, Factor: inst.Retry.BackoffFactor, Max: inst.Retry.BackoffMax}
	var delays []time.Duration

	fail := func(attempts int, reason domain.FailureReason, err error, retryable bool) domain.Outcome {
		return domain.Failed(inst.RunID, &domain.ExecutionError{
			Err: err, Reason: reason, Attempts: attempts, Delays: delays,
		}, retryable)
	}

	for n := 0; ; n++ {
		res, retryAfter, err := r.attempt(ctx, desc, inst, adm, n, cancel)
		attempts := n + 1
		if err == nil {
			return domain.Completed(inst.RunID, res, attempts)
		}

		if ctx.Err() != nil {
			return r.stopped(ctx, inst.RunID, attempts, delays)
		}

		switch {
		case errors.Is(err, domain.ErrSuperseded):
			return domain.Cancelled(inst.RunID, &domain.ExecutionError{
				Err: err, Reason: domain.ReasonConcurrencyRejected, Attempts: attempts, Delays: delays,
			})
		case errors.Is(err, domain.ErrRateLimited):
			out := fail(attempts, domain.ReasonRateLimited, err, true)
			out.Err.RetryAfter = retryAfter
			return out
		case errors.Is(err, domain.ErrCheckpointEvicted):
			return fail(attempts, domain.ReasonCheckpointEvicted, err, false)
		case domain.IsNonRetryable(err) || inst.Retry.IsNonRetryableKind(domain.KindOf(err)):
			return fail(attempts, domain.ReasonNonRetryable, err, false)
		case inst.Attempt+n >= inst.Retry.MaxRetries:
			return fail(attempts, domain.ReasonRetriesExhausted, err, false)
		}

		delay := policy.DelayFor(inst.Attempt + n)
		delays = append(delays, delay)
		metrics.RetriesTotal.WithLabelValues(inst.TaskName).Inc()
		log.Ctx(ctx).Warn().Err(err).Int("attempt", n).Dur("backoff", delay).Msg("attempt failed, retrying")

		t := r.clock.NewTimer(delay)
		select {
		case <-t.C():
		case <-ctx.Done():
			t.Stop()
			return r.stopped(ctx, inst.RunID, attempts, delays)
		}
	}
}

// stopped maps the run context's cause onto an outcome.
func (r *Runtime) stopped(ctx context.Context, runID string, attempts int, delays []time.Duration) domain.Outcome {
	cause := context.Cause(ctx)
	ee := &domain.ExecutionError{Err: cause, Attempts: attempts, Delays: delays}
	switch {
	case errors.Is(cause, domain.ErrSuperseded):
		ee.Reason = domain.ReasonConcurrencyRejected
	case errors.Is(cause, context.DeadlineExceeded):
		ee.Reason = domain.ReasonTimedOut
		return domain.Failed(runID, ee, false)
	default:
		ee.Reason = domain.ReasonCancelled
	}
	return domain.Cancelled(runID, ee)
}

// attempt is one pass through admission and the body. Slot and concurrency ticket
// are released before it returns, so a backoff wait holds neither. A run queued on
// its concurrency group gives its slot back until admitted.
func (r *Runtime) attempt(ctx context.Context, desc *task.Descriptor, inst domain.TaskInstance, adm admission, n int, cancel context.CancelCauseFunc) (json.RawMessage, time.Duration, error) {
	slot, err := r.slots.Acquire(ctx, inst.Priority)
	if err != nil {
		return nil, 0, err
	}
	held := &heldSlot{m: r.slots, slot: slot, priority: inst.Priority}
	defer held.release()

	if adm.concurrency != nil {
		req := *adm.concurrency
		req.Cancel = cancel
		ticket, decision, err := r.concurrency.Admit(req)
		if err != nil {
			return nil, 0, err
		}
		defer ticket.Release()
		if decision == concurrency.Queued {
			log.Ctx(ctx).Debug().Str("concurrency_key", req.Key).Msg("waiting for concurrency group")
			held.suspend()
			if err := ticket.Wait(ctx); err != nil {
				return nil, 0, err
			}
			if err := held.resume(ctx); err != nil {
				return nil, 0, err
			}
		}
	}

	if len(adm.rateLimits) > 0 {
		d, err := r.limiter.TryAcquire(ctx, adm.rateLimits)
		if err != nil {
			return nil, 0, err
		}
		if !d.Granted {
			metrics.RateLimitDenialsTotal.WithLabelValues(d.Key).Inc()
			return nil, d.RetryAfter, fmt.Errorf("%w: bucket %s", domain.ErrRateLimited, d.Key)
		}
	}

	tc := &taskContext{Context: ctx, rt: r, inst: inst, attempt: inst.Attempt + n, slot: held}
	start := r.clock.Now()
	res, err := invoke(tc, desc.Handler, inst.Input)
	metrics.AttemptDurationSeconds.WithLabelValues(inst.TaskName).Observe(r.clock.Since(start).Seconds())
	return res, 0, err
}

func invoke(tc *taskContext, h task.Handler, input json.RawMessage) (res json.RawMessage, err error) {
	defer func() {
		if p := recover(); p != nil {
			log.Ctx(tc).Error().Interface("panic", p).Str("stack", string(debug.Stack())).Msg("task panicked")
			err = fmt.Errorf("task panicked: %v", p)
		}
	}()

	v, err := h(tc, input)
	if err != nil {
		return nil, err
	}
	switch v := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, domain.NonRetryable(fmt.Errorf("result is not serializable: %w", err))
	}
	return b, nil
}

// Timeout is the declared execution timeout of a task, zero when unbounded or unknown.
func (r *Runtime) Timeout(taskName string) time.Duration {
	if d, ok := r.registry.Lookup(taskName); ok {
		return d.Timeout
	}
	return 0
}
