package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tiernaugh/MF252-sub001/internal/auth"
	httpx "github.com/tiernaugh/MF252-sub001/internal/http"
	"github.com/tiernaugh/MF252-sub001/internal/jobs"
)

var (
	serveMigrate bool
	serveWorkers bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the operator API and in-process workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if a.cfg.JWTSecret == "" {
			return errors.New("JWT_SECRET is required")
		}
		if serveMigrate {
			if err := a.migrate(); err != nil {
				return err
			}
		}

		shutdownTelemetry, err := a.telemetry()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var wg sync.WaitGroup
		if serveWorkers {
			workers, closeWorkers, err := a.workers(ctx)
			if err != nil {
				return err
			}
			defer closeWorkers()
			startWorkers(ctx, &wg, workers)
		}

		srv := &http.Server{
			Addr: a.cfg.HTTPAddr,
			Handler: httpx.NewRouter(httpx.Deps{
				Config:    a.cfg,
				DB:        a.db,
				JWT:       auth.NewJWT(a.cfg.JWTSecret),
				Scheduler: a.scheduler,
				Repo:      a.repo,
				Governor:  a.governor,
				Log:       a.log.Named("http"),
			}),
			ReadHeaderTimeout: 5 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			a.log.Info("listening", zap.String("addr", a.cfg.HTTPAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()

		select {
		case <-ctx.Done():
		case err := <-errCh:
			stop()
			wg.Wait()
			return fmt.Errorf("http server: %w", err)
		}

		a.log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		wg.Wait()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			a.log.Warn("telemetry shutdown failed", zap.Error(err))
		}
		return nil
	},
}

func startWorkers(ctx context.Context, wg *sync.WaitGroup, workers []*jobs.Worker) {
	for _, w := range workers {
		wg.Add(1)
		go func(w *jobs.Worker) {
			defer wg.Done()
			_ = w.Run(ctx)
		}(w)
	}
}

func init() {
	serveCmd.Flags().BoolVar(&serveMigrate, "migrate", true, "Apply schema migrations on start")
	serveCmd.Flags().BoolVar(&serveWorkers, "workers", true, "Run WORKER_CONCURRENCY workers in-process")
	rootCmd.AddCommand(serveCmd)
}
