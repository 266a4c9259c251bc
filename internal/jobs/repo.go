package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// optimistic claims retry this many times when another worker wins the row
const maxClaimRaces = 5

type Repo struct {
	DB    *gorm.DB
	Retry RetryPolicy
}

func NewRepo(db *gorm.DB, retry RetryPolicy) *Repo {
	return &Repo{DB: db, Retry: retry}
}

// WithTx returns a Repo bound to tx.
func (r *Repo) WithTx(tx *gorm.DB) *Repo {
	return &Repo{DB: tx, Retry: r.Retry}
}

// Migrate creates the schedule_jobs table and its indexes.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&ScheduleJob{}); err != nil {
		return err
	}
	stmts := []string{
		// one live job per period; terminal rows keep their key for audit
		`create unique index if not exists uq_schedule_jobs_active_key
on schedule_jobs(idempotency_key)
where status in ('pending','processing');`,
		`create index if not exists idx_schedule_jobs_claim on schedule_jobs(status, generation_start_time, priority);`,
		`create index if not exists idx_schedule_jobs_key on schedule_jobs(idempotency_key, status);`,
	}
	for _, s := range stmts {
		if err := db.Exec(s).Error; err != nil {
			return fmt.Errorf("index exec failed: %w (sql=%s)", err, s)
		}
	}
	return nil
}

// Enqueue inserts job as pending. It returns ErrDuplicateJob when the period
// already has a live or completed job.
func (r *Repo) Enqueue(ctx context.Context, job *ScheduleJob) error {
	if err := validateNew(job); err != nil {
		return err
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.Status = StatusPending
	job.AttemptCount = 0
	job.LeaseOwner = nil
	job.LeaseExpiresAt = nil
	job.LeaseVersion = 0
	job.LastError = nil
	job.ResultArtifactID = nil
	job.CompletedAt = nil
	job.GenerationStartTime = job.GenerationStartTime.UTC()
	job.TargetDeliveryTime = job.TargetDeliveryTime.UTC()

	return r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var completed int64
		if err := tx.Model(&ScheduleJob{}).
			Where("idempotency_key = ? AND status = ?", job.IdempotencyKey, StatusCompleted).
			Count(&completed).Error; err != nil {
			return err
		}
		if completed > 0 {
			return ErrDuplicateJob
		}

		if err := tx.Create(job).Error; err != nil {
			if isDuplicateKey(err) {
				return ErrDuplicateJob
			}
			return fmt.Errorf("insert job: %w", err)
		}
		return nil
	})
}

func validateNew(job *ScheduleJob) error {
	switch {
	case job == nil:
		return fmt.Errorf("%w: nil job", ErrInvalidJob)
	case strings.TrimSpace(job.SubscriptionID) == "":
		return fmt.Errorf("%w: subscription id is required", ErrInvalidJob)
	case job.IdempotencyKey == "":
		return fmt.Errorf("%w: idempotency key is required", ErrInvalidJob)
	case job.GenerationStartTime.IsZero() || job.TargetDeliveryTime.IsZero():
		return fmt.Errorf("%w: generation start and target delivery times are required", ErrInvalidJob)
	case job.TargetDeliveryTime.Before(job.GenerationStartTime):
		return fmt.Errorf("%w: target delivery precedes generation start", ErrInvalidJob)
	case job.MaxAttempts < 1:
		return fmt.Errorf("%w: max attempts must be at least 1", ErrInvalidJob)
	}
	return nil
}

// ClaimNext leases the highest priority due job to workerID. A processing job
// whose lease has lapsed is eligible again. It returns nil, nil when nothing
// is due.
func (r *Repo) ClaimNext(ctx context.Context, workerID string, leaseDuration time.Duration, now time.Time) (*ScheduleJob, error) {
	if workerID == "" {
		return nil, errors.New("claim: worker id is required")
	}
	now = now.UTC()
	expires := now.Add(leaseDuration)

	if r.DB.Dialector.Name() == "postgres" {
		return r.claimSkipLocked(ctx, workerID, expires, now)
	}
	return r.claimOptimistic(ctx, workerID, expires, now)
}

// Claim one due job atomically using SKIP LOCKED.
func (r *Repo) claimSkipLocked(ctx context.Context, workerID string, expires, now time.Time) (*ScheduleJob, error) {
	var job ScheduleJob
	err := r.DB.WithContext(ctx).Raw(`
with cte as (
  select id
  from schedule_jobs
  where generation_start_time <= ?
    and (status = 'pending' or (status = 'processing' and lease_expires_at <= ?))
  order by priority desc, generation_start_time asc
  for update skip locked
  limit 1
)
update schedule_jobs j
set status = 'processing',
    lease_owner = ?,
    lease_expires_at = ?,
    lease_version = j.lease_version + 1,
    updated_at = ?
from cte
where j.id = cte.id
returning j.*;
`, now, now, workerID, expires, now).Scan(&job).Error
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	if job.ID == "" {
		return nil, nil
	}
	return &job, nil
}

// claimOptimistic reads a candidate and claims it only if nobody else has
// since; a lost race moves on to the next candidate.
func (r *Repo) claimOptimistic(ctx context.Context, workerID string, expires, now time.Time) (*ScheduleJob, error) {
	db := r.DB.WithContext(ctx)
	for i := 0; i < maxClaimRaces; i++ {
		var candidate ScheduleJob
		err := db.
			Where("generation_start_time <= ?", now).
			Where("(status = ? OR (status = ? AND lease_expires_at <= ?))", StatusPending, StatusProcessing, now).
			Order("priority desc").
			Order("generation_start_time asc").
			Take(&candidate).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("claim: select candidate: %w", err)
		}

		res := db.Model(&ScheduleJob{}).
			Where("id = ? AND status = ? AND lease_version = ?", candidate.ID, candidate.Status, candidate.LeaseVersion).
			Updates(map[string]any{
				"status":           StatusProcessing,
				"lease_owner":      workerID,
				"lease_expires_at": expires,
				"lease_version":    gorm.Expr("lease_version + 1"),
				"updated_at":       now,
			})
		if res.Error != nil {
			return nil, fmt.Errorf("claim: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			owner := workerID
			candidate.Status = StatusProcessing
			candidate.LeaseOwner = &owner
			candidate.LeaseExpiresAt = &expires
			candidate.LeaseVersion++
			candidate.UpdatedAt = now
			return &candidate, nil
		}
	}
	return nil, nil
}

// Complete marks a claimed job completed with its artifact. ErrStaleLease
// means the caller's claim is no longer current.
func (r *Repo) Complete(ctx context.Context, job *ScheduleJob, artifactID string, now time.Time) error {
	if artifactID == "" {
		return fmt.Errorf("%w: artifact id is required", ErrInvalidTransition)
	}
	now = now.UTC()
	res := r.owned(ctx, job).Updates(map[string]any{
		"status":             StatusCompleted,
		"result_artifact_id": artifactID,
		"lease_owner":        nil,
		"lease_expires_at":   nil,
		"completed_at":       now,
		"updated_at":         now,
	})
	if res.Error != nil {
		return fmt.Errorf("complete job: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrStaleLease
	}

	job.Status = StatusCompleted
	job.ResultArtifactID = &artifactID
	job.LeaseOwner = nil
	job.LeaseExpiresAt = nil
	job.CompletedAt = &now
	job.UpdatedAt = now
	return nil
}

// Fail records a failed attempt. A retryable failure with attempts left goes
// back to pending after the retry delay; anything else is terminal.
func (r *Repo) Fail(ctx context.Context, job *ScheduleJob, cause string, retryable bool, now time.Time) error {
	now = now.UTC()
	attempts := job.AttemptCount + 1
	if cause == "" {
		cause = ReasonUnknown
	}

	updates := map[string]any{
		"attempt_count":    attempts,
		"last_error":       cause,
		"lease_owner":      nil,
		"lease_expires_at": nil,
		"updated_at":       now,
	}

	status := StatusFailed
	start, target := job.GenerationStartTime, job.TargetDeliveryTime
	if retryable && attempts < job.MaxAttempts {
		status = StatusPending
		start = now.Add(r.Retry.Delay(job.AttemptCount))
		// late delivery beats no delivery; the idempotency key does not move
		if start.After(target) {
			target = start
		}
		updates["generation_start_time"] = start
		updates["target_delivery_time"] = target
	}
	updates["status"] = status

	res := r.owned(ctx, job).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("fail job: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrStaleLease
	}

	job.Status = status
	job.AttemptCount = attempts
	job.LastError = &cause
	job.LeaseOwner = nil
	job.LeaseExpiresAt = nil
	job.GenerationStartTime = start
	job.TargetDeliveryTime = target
	job.UpdatedAt = now
	return nil
}

// owned scopes an update to the caller's current claim.
func (r *Repo) owned(ctx context.Context, job *ScheduleJob) *gorm.DB {
	return r.DB.WithContext(ctx).Model(&ScheduleJob{}).
		Where("id = ? AND status = ? AND lease_owner = ? AND lease_version = ?",
			job.ID, StatusProcessing, job.leaseOwner(), job.LeaseVersion)
}

// Cancel moves a pending or processing job to cancelled. A worker holding
// the job finds out at Complete or Fail.
func (r *Repo) Cancel(ctx context.Context, jobID string, now time.Time) (*ScheduleJob, error) {
	now = now.UTC()
	var job *ScheduleJob
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&ScheduleJob{}).
			Where("id = ? AND status IN ?", jobID, []Status{StatusPending, StatusProcessing}).
			Updates(map[string]any{
				"status":           StatusCancelled,
				"lease_owner":      nil,
				"lease_expires_at": nil,
				"updated_at":       now,
			})
		if res.Error != nil {
			return fmt.Errorf("cancel job: %w", res.Error)
		}

		var err error
		job, err = r.WithTx(tx).Get(ctx, jobID)
		if err != nil {
			return err
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: job is %s", ErrInvalidTransition, job.Status)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// CancelSubscription cancels every live job of a paused subscription.
func (r *Repo) CancelSubscription(ctx context.Context, subscriptionID string, now time.Time) (int64, error) {
	res := r.DB.WithContext(ctx).Model(&ScheduleJob{}).
		Where("subscription_id = ? AND status IN ?", subscriptionID, []Status{StatusPending, StatusProcessing}).
		Updates(map[string]any{
			"status":           StatusCancelled,
			"lease_owner":      nil,
			"lease_expires_at": nil,
			"updated_at":       now.UTC(),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("cancel subscription: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (r *Repo) Get(ctx context.Context, id string) (*ScheduleJob, error) {
	var job ScheduleJob
	err := r.DB.WithContext(ctx).Where("id = ?", id).Take(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &job, nil
}

// FindByIdempotencyKey returns the newest job for the key.
func (r *Repo) FindByIdempotencyKey(ctx context.Context, key string) (*ScheduleJob, error) {
	var job ScheduleJob
	err := r.DB.WithContext(ctx).
		Where("idempotency_key = ?", key).
		Order("created_at desc").
		Take(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find job: %w", err)
	}
	return &job, nil
}

type ListFilter struct {
	Status         Status
	SubscriptionID string
	Limit          int
	Offset         int
}

func (r *Repo) List(ctx context.Context, f ListFilter) ([]ScheduleJob, error) {
	q := r.DB.WithContext(ctx).Model(&ScheduleJob{})
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.SubscriptionID != "" {
		q = q.Where("subscription_id = ?", f.SubscriptionID)
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	var out []ScheduleJob
	err := q.Order("created_at desc").Order("id").Limit(limit).Offset(f.Offset).Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return out, nil
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	// drivers without error translation
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}
