package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run queue workers without the API",
	Long: `Runs WORKER_CONCURRENCY workers that claim due jobs, check the spend
budget, generate episodes and publish them. Any number of worker
processes may share one database.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()

		shutdownTelemetry, err := a.telemetry()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		workers, closeWorkers, err := a.workers(ctx)
		if err != nil {
			return err
		}
		defer closeWorkers()

		var wg sync.WaitGroup
		startWorkers(ctx, &wg, workers)
		a.log.Info("workers started", zap.Int("count", len(workers)))

		<-ctx.Done()
		wg.Wait()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			a.log.Warn("telemetry shutdown failed", zap.Error(err))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
