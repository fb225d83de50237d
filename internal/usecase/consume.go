package usecase

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"slotworker/internal/domain"
	"slotworker/internal/ports"
	"slotworker/pkg/backoff"
)

// Offerer is the dispatcher-facing contract of the runtime.
type Offerer interface {
	Offer(ctx context.Context, inst domain.TaskInstance) domain.Outcome
	Timeout(taskName string) time.Duration
}

// Consumer feeds the runtime from the queue and applies each outcome back to it.
type Consumer struct {
	Q            ports.Queue
	Runtime      Offerer
	ConsumerName string
	Block        time.Duration
	// InFlight caps offers running at once; slots still cap task bodies.
	InFlight int
	// Requeue backoff for retryable outcomes without a retry-after hint.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Run resumes this consumer's unacked entries, then claims new ones until ctx ends.
// Runs interrupted by shutdown stay pending for the next start.
func (c Consumer) Run(ctx context.Context) error {
	var g errgroup.Group
	if c.InFlight > 0 {
		g.SetLimit(c.InFlight)
	}

	pending, err := c.Q.ClaimPending(ctx, c.ConsumerName)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("failed to read pending entries")
	}
	if len(pending) > 0 {
		log.Ctx(ctx).Info().Int("count", len(pending)).Msg("resuming pending runs")
	}
	for _, d := range pending {
		g.Go(func() error {
			c.handle(ctx, d.StreamID, d.Task)
			return nil
		})
	}

	for ctx.Err() == nil {
		t, id, err := c.Q.Claim(ctx, c.ConsumerName, c.Block)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Ctx(ctx).Error().Err(err).Str("stream_id", id).Msg("claim failed")
			if id != "" {
				_ = c.Q.Ack(ctx, id)
				continue
			}
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		if t == nil {
			continue
		}

		inst := *t
		g.Go(func() error {
			c.handle(ctx, id, inst)
			return nil
		})
	}

	_ = g.Wait()
	return ctx.Err()
}

func (c Consumer) handle(ctx context.Context, streamID string, t domain.TaskInstance) {
	logger := log.Ctx(ctx).With().Str("stream_id", streamID).Logger()
	ctx = logger.WithContext(ctx)
	// Bookkeeping after the offer must survive shutdown.
	bg := context.WithoutCancel(ctx)

	t.Status = domain.StatusRunning
	if err := c.Q.SaveState(ctx, t); err != nil {
		logger.Warn().Err(err).Str("run_id", t.RunID).Msg("failed to mark run running")
	}

	offerCtx := ctx
	if d := c.Runtime.Timeout(t.TaskName); d > 0 {
		var cancel context.CancelFunc
		offerCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	out := c.Runtime.Offer(offerCtx, t)

	if ctx.Err() != nil && out.Status != domain.OutcomeCompleted {
		logger.Info().Str("run_id", t.RunID).Msg("worker stopping, run left pending")
		return
	}

	if err := c.apply(bg, streamID, t, out); err != nil {
		logger.Error().Err(err).Str("run_id", t.RunID).Msg("failed to record outcome")
	}
}

func (c Consumer) apply(ctx context.Context, streamID string, t domain.TaskInstance, out domain.Outcome) error {
	t.Attempt += out.Attempts
	if out.Err != nil {
		t.LastError = out.Err.Error()
	}

	switch out.Status {
	case domain.OutcomeCompleted:
		t.Status = domain.StatusDone
		t.Result = out.Result
		t.LastError = ""
		if err := c.Q.Ack(ctx, streamID); err != nil {
			return err
		}
		return c.Q.SaveState(ctx, t)

	case domain.OutcomeCancelled:
		t.Status = domain.StatusCancelled
		if err := c.Q.Ack(ctx, streamID); err != nil {
			return err
		}
		return c.Q.SaveState(ctx, t)
	}

	if !out.Retryable {
		return c.Q.ToDLQ(ctx, streamID, t, string(out.Err.Reason))
	}

	delay := out.Err.RetryAfter
	if delay <= 0 {
		delay = backoff.ExponentialJitter(c.BaseBackoff, c.MaxBackoff, t.Attempt)
	}
	runAt := time.Now().Add(delay)
	log.Ctx(ctx).Info().Str("run_id", t.RunID).Time("run_at", runAt).Str("reason", string(out.Err.Reason)).Msg("re-offering later")

	// Schedule before acking so a crash in between duplicates rather than loses the run.
	if _, err := c.Q.EnqueueDelayed(ctx, t, runAt); err != nil {
		return err
	}
	return c.Q.Ack(ctx, streamID)
}
