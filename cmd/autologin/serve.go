package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t77yq/autologin/internal/scheduler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cfg, logger)
		if err != nil {
			return err
		}
		defer a.close()

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			select {
			case sig := <-sigCh:
				logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
				cancel()
			case <-ctx.Done():
			}
		}()

		if err := a.start(ctx); err != nil {
			return err
		}

		loop := scheduler.NewLoop(cfg.Loop(), a.store, a.coordinator, logger)
		if err := loop.Start(ctx); err != nil {
			return err
		}

		<-ctx.Done()

		if n := a.running.Len(); n > 0 {
			logger.Info("Waiting for running tasks to complete", zap.Int("count", n))
		}
		loop.Stop()

		logger.Info("Server shutting down gracefully")
		return nil
	},
}
