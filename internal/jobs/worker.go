package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tiernaugh/MF252-sub001/internal/artifact"
	"github.com/tiernaugh/MF252-sub001/internal/config"
	"github.com/tiernaugh/MF252-sub001/internal/generator"
	"github.com/tiernaugh/MF252-sub001/internal/logger"
	"github.com/tiernaugh/MF252-sub001/internal/money"
	"github.com/tiernaugh/MF252-sub001/internal/notify"
	"github.com/tiernaugh/MF252-sub001/internal/observability/metrics"
	"github.com/tiernaugh/MF252-sub001/internal/observability/tracing"
	"github.com/tiernaugh/MF252-sub001/internal/spend"
)

const (
	minClaimBackoff = time.Second
	maxClaimBackoff = 30 * time.Second
	// bookkeeping after generation must outlive a shutdown signal
	writeTimeout   = 30 * time.Second
	maxCauseLength = 1024
)

// Budget is the cost governor as seen by the worker.
type Budget interface {
	CheckBudget(ctx context.Context, subscriptionID string, estimated money.Amount, now time.Time) (spend.Decision, error)
	RecordSpend(ctx context.Context, subscriptionID string, jobID *string, amount money.Amount, now time.Time) (*spend.Record, error)
}

type WorkerConfig struct {
	LeaseDuration     time.Duration
	PollInterval      time.Duration
	GenerationTimeout time.Duration
	DefaultEstimate   money.Amount
	Currency          money.Currency
	Plans             config.Plans
}

type Worker struct {
	ID        string
	Repo      *Repo
	Budget    Budget
	Generator generator.Generator
	Artifacts *artifact.Store
	Notifier  notify.Notifier
	// Next schedules the following occurrence after a delivery; nil disables it.
	Next    *Scheduler
	Config  WorkerConfig
	Log     *zap.Logger
	Metrics *metrics.WorkerMetrics
	Tracer  trace.Tracer
	Now     func() time.Time

	once sync.Once
}

func NewWorkerID() string {
	return "worker-" + uuid.NewString()[:8]
}

func (w *Worker) setDefaults() {
	w.once.Do(w.applyDefaults)
}

func (w *Worker) applyDefaults() {
	if w.ID == "" {
		w.ID = NewWorkerID()
	}
	if w.Log == nil {
		w.Log = zap.NewNop()
	}
	w.Log = w.Log.With(zap.String("worker_id", w.ID))
	if w.Notifier == nil {
		w.Notifier = notify.Nop{}
	}
	if w.Tracer == nil {
		w.Tracer = tracing.Tracer()
	}
	if w.Now == nil {
		w.Now = func() time.Time { return time.Now().UTC() }
	}
	if w.Config.PollInterval <= 0 {
		w.Config.PollInterval = 5 * time.Second
	}
	if w.Config.LeaseDuration <= 0 {
		w.Config.LeaseDuration = 10 * time.Minute
	}
	if w.Config.GenerationTimeout <= 0 {
		w.Config.GenerationTimeout = 5 * time.Minute
	}
}

// Run polls until ctx is cancelled. After a processed job it claims again
// immediately; an empty queue waits one poll interval.
func (w *Worker) Run(ctx context.Context) error {
	w.setDefaults()
	w.Log.Info("worker started",
		zap.Duration("poll_interval", w.Config.PollInterval),
		zap.Duration("lease_duration", w.Config.LeaseDuration),
	)

	backoff := minClaimBackoff
	for {
		if ctx.Err() != nil {
			w.Log.Info("worker stopped")
			return nil
		}

		processed, err := w.tick(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			w.Log.Warn("claim failed", zap.Error(err), zap.Duration("retry_in", backoff))
			if !sleep(ctx, backoff) {
				continue
			}
			backoff *= 2
			if backoff > maxClaimBackoff {
				backoff = maxClaimBackoff
			}
			continue
		}
		backoff = minClaimBackoff

		if processed {
			continue
		}
		sleep(ctx, w.Config.PollInterval)
	}
}

// Tick claims and processes at most one job. It reports whether a job was
// processed.
func (w *Worker) Tick(ctx context.Context) (bool, error) {
	w.setDefaults()
	return w.tick(ctx)
}

func (w *Worker) tick(ctx context.Context) (bool, error) {
	job, err := w.Repo.ClaimNext(ctx, w.ID, w.Config.LeaseDuration, w.Now())
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	w.handle(ctx, job)
	return true, nil
}

func (w *Worker) handle(ctx context.Context, job *ScheduleJob) {
	ctx, span := w.Tracer.Start(ctx, "schedule_job.process", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("subscription.id", job.SubscriptionID),
		attribute.Int("job.attempt", job.AttemptCount+1),
	))
	defer span.End()

	log := logger.With(ctx, w.Log).With(
		zap.String("job_id", job.ID),
		zap.String("subscription_id", job.SubscriptionID),
		zap.Int64("lease_version", job.LeaseVersion),
	)

	defer func() {
		if r := recover(); r != nil {
			log.Error("job handler panicked", zap.Any("panic", r), zap.Stack("stack"))
			span.SetStatus(codes.Error, "panic")
			w.fail(ctx, log, job, ReasonPanic, fmt.Errorf("%v", r), true)
		}
	}()

	reclaimed := job.Reclaimed()
	if reclaimed {
		log.Warn("reclaimed abandoned job", zap.Error(ErrLeaseExpired))
	}
	w.Metrics.JobClaimed(ctx, reclaimed)
	log.Info("job claimed", zap.Int("attempt", job.AttemptCount+1), zap.Int("max_attempts", job.MaxAttempts))

	jobCtx, err := DecodeContext(job)
	if err != nil {
		w.fail(ctx, log, job, ReasonInvalidSubscription, err, false)
		return
	}

	estimate := w.estimate(job)
	decision, err := w.Budget.CheckBudget(ctx, job.SubscriptionID, estimate, w.Now())
	if err != nil {
		retryable, reason := Classify(err)
		w.fail(ctx, log, job, reason, err, retryable)
		return
	}
	if !decision.Allowed {
		log.Info("budget denied",
			zap.String("detail", decision.Detail),
			zap.Int64("current_total_minor", int64(decision.CurrentTotal)),
			zap.Int64("estimate_minor", int64(estimate)),
		)
		w.fail(ctx, log, job, ReasonBudgetExceeded, nil, false)
		return
	}

	res, err := w.generate(ctx, job, jobCtx)
	if err == nil {
		if vErr := checkResult(res); vErr != nil {
			gerr := generator.Terminal("validation", vErr)
			if res != nil {
				gerr.Cost = res.Cost
			}
			err = gerr
		}
	}
	if err != nil {
		var gerr *generator.Error
		if errors.As(err, &gerr) && gerr.Cost != 0 {
			w.recordSpend(ctx, log, job, gerr.Cost)
		}
		retryable, reason := Classify(err)
		span.RecordError(err)
		w.fail(ctx, log, job, reason, err, retryable)
		return
	}

	w.recordSpend(ctx, log, job, res.Cost)
	w.complete(ctx, log, job, res, jobCtx)
}

func (w *Worker) estimate(job *ScheduleJob) money.Amount {
	if plan, ok := w.Config.Plans.Lookup(job.Plan); ok && plan.EstimatedCost > 0 {
		return plan.EstimatedCost
	}
	return w.Config.DefaultEstimate
}

func (w *Worker) generate(ctx context.Context, job *ScheduleJob, jobCtx map[string]any) (*generator.Result, error) {
	ctx, span := w.Tracer.Start(ctx, "generator.generate")
	defer span.End()

	genCtx, cancel := context.WithTimeout(ctx, w.Config.GenerationTimeout)
	defer cancel()

	start := time.Now()
	res, err := w.Generator.Generate(genCtx, generator.Request{
		JobID:              job.ID,
		SubscriptionID:     job.SubscriptionID,
		Plan:               job.Plan,
		TargetDeliveryTime: job.TargetDeliveryTime,
		Context:            jobCtx,
	})
	outcome := "ok"
	if err != nil {
		outcome = "error"
		span.SetStatus(codes.Error, err.Error())
	}
	w.Metrics.ObserveGeneration(ctx, time.Since(start), outcome)
	return res, err
}

func checkResult(res *generator.Result) error {
	switch {
	case res == nil:
		return fmt.Errorf("%w: no result", generator.ErrInvalidContent)
	case res.Body == "":
		return fmt.Errorf("%w: empty body", generator.ErrInvalidContent)
	case res.Title == "":
		return fmt.Errorf("%w: missing title", generator.ErrInvalidContent)
	}
	return nil
}

func (w *Worker) recordSpend(ctx context.Context, log *zap.Logger, job *ScheduleJob, amount money.Amount) {
	if amount == 0 {
		return
	}
	ctx, cancel := writeContext(ctx)
	defer cancel()

	jobID := job.ID
	if _, err := w.Budget.RecordSpend(ctx, job.SubscriptionID, &jobID, amount, w.Now()); err != nil {
		log.Error("record spend failed", zap.Error(err), zap.Int64("amount_minor", int64(amount)))
		return
	}
	w.Metrics.SpendRecorded(ctx, string(w.Config.Currency), int64(amount))
}

func (w *Worker) complete(ctx context.Context, log *zap.Logger, job *ScheduleJob, res *generator.Result, jobCtx map[string]any) {
	wctx, cancel := writeContext(ctx)
	defer cancel()

	art := &artifact.Artifact{
		ID:             uuid.NewString(),
		SubscriptionID: job.SubscriptionID,
		JobID:          job.ID,
		IdempotencyKey: job.IdempotencyKey,
		Title:          res.Title,
		Body:           res.Body,
		Model:          res.Model,
	}

	// the artifact is only visible if the job is still ours
	err := w.Repo.DB.WithContext(wctx).Transaction(func(tx *gorm.DB) error {
		if err := w.Artifacts.WithTx(tx).Create(wctx, art); err != nil {
			return err
		}
		return w.Repo.WithTx(tx).Complete(wctx, job, art.ID, w.Now())
	})
	switch {
	case errors.Is(err, ErrStaleLease):
		log.Warn("lease lost before completion, discarding episode")
		return
	case errors.Is(err, artifact.ErrDuplicate):
		w.fail(ctx, log, job, ReasonDuplicatePeriod, err, false)
		return
	case err != nil:
		retryable, reason := Classify(err)
		w.fail(ctx, log, job, reason, fmt.Errorf("publish episode: %w", err), retryable)
		return
	}

	w.Metrics.JobCompleted(wctx)
	log.Info("episode delivered", zap.String("artifact_id", art.ID), zap.Int("attempt_count", job.AttemptCount))

	email, _ := jobCtx["recipient_email"].(string)
	w.notify(wctx, log, notify.Event{
		Type:               notify.EpisodeDelivered,
		JobID:              job.ID,
		SubscriptionID:     job.SubscriptionID,
		IdempotencyKey:     job.IdempotencyKey,
		ArtifactID:         art.ID,
		Title:              art.Title,
		AttemptCount:       job.AttemptCount,
		TargetDeliveryTime: job.TargetDeliveryTime,
		OccurredAt:         w.Now(),
		Body:               art.Body,
		RecipientEmail:     email,
	})

	if w.Next == nil {
		return
	}
	next, err := w.Next.Next(wctx, job)
	switch {
	case errors.Is(err, ErrDuplicateJob):
		log.Debug("next occurrence already scheduled")
	case err != nil:
		log.Error("schedule next occurrence failed", zap.Error(err))
	case next != nil:
		log.Info("next occurrence scheduled",
			zap.String("next_job_id", next.ID),
			zap.Time("target_delivery_time", next.TargetDeliveryTime),
		)
	}
}

// fail records the attempt. A stale lease means another worker or a cancel
// owns the job now, so the outcome is dropped.
func (w *Worker) fail(ctx context.Context, log *zap.Logger, job *ScheduleJob, reason string, cause error, retryable bool) {
	wctx, cancel := writeContext(ctx)
	defer cancel()

	msg := reason
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", reason, cause)
	}
	msg = clipCause(msg)

	err := w.Repo.Fail(wctx, job, msg, retryable, w.Now())
	if errors.Is(err, ErrStaleLease) {
		log.Warn("lease lost before recording failure, discarding", zap.String("reason", reason))
		return
	}
	if err != nil {
		// the lease will lapse and another worker reclaims the job
		log.Error("record failure failed", zap.Error(err), zap.String("reason", reason))
		return
	}

	retrying := job.Status == StatusPending
	w.Metrics.JobFailed(wctx, reason, retrying)
	if retrying {
		log.Warn("attempt failed, retry scheduled",
			zap.String("reason", reason),
			zap.NamedError("cause", cause),
			zap.Int("attempt_count", job.AttemptCount),
			zap.Time("next_attempt_at", job.GenerationStartTime),
		)
		return
	}

	log.Error("job failed",
		zap.String("reason", reason),
		zap.NamedError("cause", cause),
		zap.Int("attempt_count", job.AttemptCount),
	)
	w.notify(wctx, log, notify.Event{
		Type:               notify.EpisodeFailed,
		JobID:              job.ID,
		SubscriptionID:     job.SubscriptionID,
		IdempotencyKey:     job.IdempotencyKey,
		LastError:          msg,
		AttemptCount:       job.AttemptCount,
		TargetDeliveryTime: job.TargetDeliveryTime,
		OccurredAt:         w.Now(),
	})
}

func (w *Worker) notify(ctx context.Context, log *zap.Logger, ev notify.Event) {
	if err := w.Notifier.Notify(ctx, ev); err != nil {
		log.Warn("notify failed", zap.String("event", string(ev.Type)), zap.Error(err))
	}
}

func writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// clipCause makes msg storable in a text column: valid UTF-8 without NUL
// bytes, at most maxCauseLength bytes, cut on a rune boundary.
func clipCause(msg string) string {
	msg = strings.ReplaceAll(strings.ToValidUTF8(msg, "\uFFFD"), "\x00", "")
	if len(msg) <= maxCauseLength {
		return msg
	}
	n := maxCauseLength
	for n > 0 && !utf8.RuneStart(msg[n]) {
		n--
	}
	return msg[:n]
}
