package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"slotworker/internal/config"
	"slotworker/internal/worker"
)

func workerCmd() *cobra.Command {
	var (
		consumerName string
		slots        int
		baseBackoff  time.Duration
		maxBackoff   time.Duration
		port         int
		priority     bool
	)

	var command = &cobra.Command{
		Use:   "worker",
		Short: "Start worker server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			setupLogging(cfg.Log)

			flags := cmd.Flags()
			if flags.Changed("slots") {
				cfg.Worker.Slots = slots
			}
			if flags.Changed("base-backoff") {
				cfg.Worker.BaseBackoff = baseBackoff
			}
			if flags.Changed("port") {
				cfg.HTTP.Port = port
			}
			if flags.Changed("priority") {
				cfg.Worker.PriorityAdmission = priority
			}

			reg, err := worker.DemoTasks()
			if err != nil {
				return err
			}
			return worker.Run(worker.Config{
				ConsumerName: consumerName,
				MaxBackoff:   maxBackoff,
				App:          cfg,
			}, reg)
		},
	}

	command.Flags().StringVar(&consumerName, "consumer", "worker-1", "Worker consumer name")
	command.Flags().IntVar(&slots, "slots", 10, "Concurrent task bodies")
	command.Flags().DurationVar(&baseBackoff, "base-backoff", 100*time.Millisecond, "Base backoff duration")
	command.Flags().DurationVar(&maxBackoff, "max-backoff", 30*time.Second, "Max backoff before a re-offer")
	command.Flags().IntVarP(&port, "port", "p", 8081, "Admin server port")
	command.Flags().BoolVar(&priority, "priority", false, "Grant slots by task priority")

	return command
}
