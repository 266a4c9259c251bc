package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tiernaugh/MF252-sub001/internal/artifact"
	"github.com/tiernaugh/MF252-sub001/internal/config"
	"github.com/tiernaugh/MF252-sub001/internal/db"
	"github.com/tiernaugh/MF252-sub001/internal/generator"
	"github.com/tiernaugh/MF252-sub001/internal/jobs"
	"github.com/tiernaugh/MF252-sub001/internal/logger"
	"github.com/tiernaugh/MF252-sub001/internal/notify"
	"github.com/tiernaugh/MF252-sub001/internal/observability/metrics"
	"github.com/tiernaugh/MF252-sub001/internal/observability/tracing"
	"github.com/tiernaugh/MF252-sub001/internal/spend"
)

// app holds what every command needs.
type app struct {
	cfg       config.Config
	log       *zap.Logger
	db        *gorm.DB
	repo      *jobs.Repo
	scheduler *jobs.Scheduler
	governor  *spend.Governor
	artifacts *artifact.Store
}

func loadApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}

	gdb, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	period, err := jobs.ParsePeriod(cfg.IdempotencyPeriod)
	if err != nil {
		return nil, err
	}
	repo := jobs.NewRepo(gdb, jobs.RetryPolicy{BaseDelay: cfg.RetryBaseDelay, MaxDelay: cfg.RetryMaxDelay})

	governor, err := spend.NewGovernor(gdb, spend.Limits{
		Daily:  cfg.DailySpendLimit,
		PerJob: cfg.JobSpendLimit,
	}, cfg.Currency, cfg.SpendNodeID, log)
	if err != nil {
		return nil, err
	}
	log.Debug("spend ledger id node", zap.Int64("node_id", governor.NodeID()))

	return &app{
		cfg:  cfg,
		log:  log,
		db:   gdb,
		repo: repo,
		scheduler: &jobs.Scheduler{
			Repo:        repo,
			Period:      period,
			LeadTime:    cfg.GenerationLeadTime,
			Interval:    cfg.DeliveryInterval,
			MaxAttempts: cfg.MaxAttempts,
			Plans:       cfg.Plans,
		},
		governor:  governor,
		artifacts: artifact.NewStore(gdb),
	}, nil
}

func (a *app) Close() {
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	_ = a.log.Sync()
}

func (a *app) migrate() error {
	return db.AutoMigrateAndIndexes(a.db, a.log)
}

// telemetry installs the tracer and meter providers. Call it before building
// workers so their instruments bind to the installed meter provider.
func (a *app) telemetry() (func(context.Context) error, error) {
	shutdownTracing, err := tracing.NewProvider(tracing.Config{
		Enabled:          a.cfg.OTELEnabled,
		ServiceName:      a.cfg.ServiceName,
		ServiceVersion:   version,
		ExporterEndpoint: a.cfg.OTELEndpoint,
		ExporterProtocol: a.cfg.OTELProtocol,
		SamplingRatio:    a.cfg.OTELSampleRatio,
	}, a.log)
	if err != nil {
		return nil, err
	}
	shutdownMetrics, err := metrics.NewProvider(metrics.Config{
		Enabled:          a.cfg.OTELEnabled,
		ServiceName:      a.cfg.ServiceName,
		ServiceVersion:   version,
		ExporterEndpoint: a.cfg.OTELEndpoint,
		ExporterProtocol: a.cfg.OTELProtocol,
		ExportInterval:   a.cfg.OTELMetricInterval,
	}, a.log)
	if err != nil {
		_ = shutdownTracing(context.Background())
		return nil, err
	}
	return func(ctx context.Context) error {
		return errors.Join(shutdownMetrics(ctx), shutdownTracing(ctx))
	}, nil
}

func (a *app) generator() (generator.Generator, error) {
	var g generator.Generator
	switch a.cfg.GeneratorKind {
	case "static":
		g = generator.Static{Cost: a.cfg.DefaultEstimatedCost}
	case "openai":
		if a.cfg.GeneratorAPIKey == "" {
			return nil, fmt.Errorf("GENERATOR_API_KEY is required for the openai generator")
		}
		a.log.Info("openai generator configured",
			zap.String("url", a.cfg.GeneratorURL),
			zap.String("model", a.cfg.GeneratorModel),
			zap.String("api_key", logger.MaskSecret(a.cfg.GeneratorAPIKey)),
		)
		g = &generator.OpenAIClient{
			URL:    a.cfg.GeneratorURL,
			APIKey: a.cfg.GeneratorAPIKey,
			Model:  a.cfg.GeneratorModel,
			Pricing: generator.Pricing{
				Currency:    a.cfg.Currency,
				InputPer1K:  a.cfg.InputPricePer1K,
				OutputPer1K: a.cfg.OutputPricePer1K,
			},
			Log: a.log.Named("generator"),
		}
	default:
		return nil, fmt.Errorf("unknown generator %q", a.cfg.GeneratorKind)
	}
	return generator.NewRateLimited(g, a.cfg.GeneratorRPS, a.cfg.GeneratorBurst), nil
}

// notifier fans out to Redis and SES when they are configured. The returned
// func releases their connections.
func (a *app) notifier(ctx context.Context) (notify.Notifier, func(), error) {
	var out notify.Multi
	var closers []func()

	if a.cfg.RedisURL != "" {
		client, err := notify.DialRedis(ctx, a.cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("redis: %w", err)
		}
		closers = append(closers, func() { _ = client.Close() })
		out = append(out, notify.NewRedisNotifier(client, a.cfg.RedisChannelPrefix))
		a.log.Info("redis notifications enabled", zap.String("prefix", a.cfg.RedisChannelPrefix))
	}
	if a.cfg.SESFromEmail != "" {
		sender, err := notify.NewSESSender(ctx, a.cfg.AWSRegion, a.cfg.SESFromEmail)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, notify.EmailNotifier{Sender: sender})
		a.log.Info("email notifications enabled", zap.String("from", a.cfg.SESFromEmail))
	}

	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}
	if len(out) == 0 {
		return notify.Nop{}, closeAll, nil
	}
	return out, closeAll, nil
}

// workers builds WORKER_CONCURRENCY workers sharing one generator, notifier
// and metrics set.
func (a *app) workers(ctx context.Context) ([]*jobs.Worker, func(), error) {
	gen, err := a.generator()
	if err != nil {
		return nil, nil, err
	}
	n, closeNotifier, err := a.notifier(ctx)
	if err != nil {
		return nil, nil, err
	}
	wm, err := metrics.NewWorkerMetrics(otel.GetMeterProvider())
	if err != nil {
		closeNotifier()
		return nil, nil, err
	}

	var next *jobs.Scheduler
	if a.cfg.ScheduleNext {
		next = a.scheduler
	}

	out := make([]*jobs.Worker, 0, a.cfg.WorkerConcurrency)
	for i := 0; i < a.cfg.WorkerConcurrency; i++ {
		out = append(out, &jobs.Worker{
			ID:        jobs.NewWorkerID(),
			Repo:      a.repo,
			Budget:    a.governor,
			Generator: gen,
			Artifacts: a.artifacts,
			Notifier:  n,
			Next:      next,
			Config: jobs.WorkerConfig{
				LeaseDuration:     a.cfg.LeaseDuration,
				PollInterval:      a.cfg.PollInterval,
				GenerationTimeout: a.cfg.GenerationTimeout,
				DefaultEstimate:   a.cfg.DefaultEstimatedCost,
				Currency:          a.cfg.Currency,
				Plans:             a.cfg.Plans,
			},
			Log:     a.log.Named("worker"),
			Metrics: wm,
			Now:     func() time.Time { return time.Now().UTC() },
		})
	}
	return out, closeNotifier, nil
}
