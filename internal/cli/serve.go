package cli

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rcliao/memory-pipeline/internal/scheduler"
)

func init() {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the background scheduler",
		Long: "Poll the queue and fire consolidations on their calendar cadences.\n" +
			"Stops gracefully on SIGINT/SIGTERM, draining in-flight work.",
		Run: runServe,
	}

	RootCmd.AddCommand(cmd)
}

func runServe(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	logger, cleanup := newLogger(cfg)
	defer cleanup()

	s, err := openStore(cfg)
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	q, err := openQueue(cfg, s)
	if err != nil {
		exitErr("open queue", err)
	}

	stage := newStage(cfg, s, q, logger)
	engine := newEngine(cfg, s, logger)
	sched := scheduler.New(s, stage, engine, cfg.PollInterval, logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		exitErr("serve", err)
	}
}
