package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"slotworker/internal/api"
	"slotworker/internal/config"
	"slotworker/internal/infra/redisq"
)

func apiCmd() *cobra.Command {
	var port int
	var command = &cobra.Command{
		Use:   "api",
		Short: "Start API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			setupLogging(cfg.Log)
			if cmd.Flags().Changed("port") {
				cfg.HTTP.Port = port
			}
			log.Info().Msgf("API server using stream: %s, group: %s", cfg.Redis.StreamKey, cfg.Redis.Group)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cli := redisq.New(cfg.Redis)
			defer cli.Close()
			if err := cli.Connect(ctx); err != nil {
				return err
			}
			return api.NewServer(api.EnqueueRoutes(cli)).Run(ctx, cfg.HTTP.Port)
		},
	}

	command.Flags().IntVarP(&port, "port", "p", 8080, "Port to run the server on")
	return command
}
