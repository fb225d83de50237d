package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"slotworker/internal/api"
	"slotworker/internal/config"
	"slotworker/internal/durable"
	"slotworker/internal/infra/redisq"
	"slotworker/internal/metrics"
	"slotworker/internal/ports"
	"slotworker/internal/ratelimit"
	"slotworker/internal/slots"
	"slotworker/internal/task"
	"slotworker/internal/usecase"
)

// checkpointTTL bounds how long checkpoints of abandoned runs stay in redis.
const checkpointTTL = 7 * 24 * time.Hour

type Config struct {
	ConsumerName string
	MaxBackoff   time.Duration
	App          *config.Config
}

// Run consumes tasks until SIGINT/SIGTERM. The scheduler, the consumer and the admin
// server share one lifetime; the first to fail stops the others.
func Run(cfg Config, reg *task.Registry) error {
	appCfg := cfg.App
	logger := log.With().Str("consumer", cfg.ConsumerName).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithContext(ctx)

	cli := redisq.New(appCfg.Redis)
	defer cli.Close()
	if err := cli.Init(ctx); err != nil {
		return err
	}

	rt, err := NewRuntime(cli, appCfg.Worker, reg)
	if err != nil {
		return err
	}

	consumer := usecase.Consumer{
		Q:            cli,
		Runtime:      rt,
		ConsumerName: cfg.ConsumerName,
		Block:        appCfg.Worker.ClaimBlock,
		InFlight:     appCfg.Worker.InFlight,
		BaseBackoff:  appCfg.Worker.BaseBackoff,
		MaxBackoff:   cfg.MaxBackoff,
	}
	sched := redisq.NewScheduler(cli, appCfg.Worker.SchedulerInterval)
	admin := api.NewServer(api.AdminRoutes(rt))

	logger.Info().
		Int("slots", appCfg.Worker.Slots).
		Strs("tasks", reg.Names()).
		Str("rate_limit_backend", appCfg.Worker.RateLimitBackend).
		Msg("worker starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return consumer.Run(gctx) })
	g.Go(func() error { return admin.Run(gctx, appCfg.HTTP.Port) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info().Msg("worker stopped")
	return nil
}

// NewRuntime builds the execution runtime from worker settings, backed by cli where
// state must be shared or survive restarts.
func NewRuntime(cli *redisq.Client, wc config.Worker, reg *task.Registry) (*usecase.Runtime, error) {
	slotOpts := []slots.Option{slots.WithObserver(metrics.ObserveSlots)}
	if wc.PriorityAdmission {
		slotOpts = append(slotOpts, slots.WithPriority())
	}
	sm := slots.NewManager(wc.Slots, slotOpts...)
	metrics.ObserveSlots(sm.Stats())

	durOpts := []durable.Option{
		durable.WithEvictionHook(func(string) { metrics.CheckpointEvictionsTotal.Inc() }),
	}
	if wc.DurableStore {
		durOpts = append(durOpts, durable.WithStore(redisq.NewCheckpointStore(cli, checkpointTTL)))
	}
	dm, err := durable.NewManager(wc.CheckpointCapacity, durOpts...)
	if err != nil {
		return nil, fmt.Errorf("checkpoint cache: %w", err)
	}

	var limiter ports.RateLimiter = ratelimit.New()
	if wc.RateLimitBackend == "redis" {
		limiter = redisq.NewRateLimiter(cli)
	}

	return usecase.NewRuntime(reg,
		usecase.WithSlots(sm),
		usecase.WithDurable(dm),
		usecase.WithRateLimiter(limiter),
		usecase.WithBaseBackoff(wc.BaseBackoff),
	)
}
