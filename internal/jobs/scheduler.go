package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"

	"github.com/tiernaugh/MF252-sub001/internal/config"
)

// Scheduler turns delivery requests into queue rows: it derives the
// idempotency key, generation start, priority and attempt budget.
type Scheduler struct {
	Repo        *Repo
	Period      Period
	LeadTime    time.Duration
	Interval    time.Duration
	MaxAttempts int
	Plans       config.Plans
}

type ScheduleRequest struct {
	SubscriptionID     string
	Plan               string
	TargetDeliveryTime time.Time
	// GenerationStartTime defaults to TargetDeliveryTime minus the lead time.
	GenerationStartTime time.Time
	Priority            *int
	MaxAttempts         int
	Context             map[string]any
}

func (s *Scheduler) Build(req ScheduleRequest) (*ScheduleJob, error) {
	if req.SubscriptionID == "" || req.TargetDeliveryTime.IsZero() {
		return nil, fmt.Errorf("%w: subscription id and target delivery time are required", ErrInvalidJob)
	}
	target := req.TargetDeliveryTime.UTC().Truncate(time.Microsecond)
	start := req.GenerationStartTime.UTC().Truncate(time.Microsecond)
	if req.GenerationStartTime.IsZero() {
		start = target.Add(-s.LeadTime)
	}
	if start.After(target) {
		return nil, fmt.Errorf("%w: generation start after target delivery", ErrInvalidJob)
	}

	plan, ok := s.Plans.Lookup(req.Plan)
	if !ok {
		plan.Name = req.Plan
	}
	priority := plan.Priority
	if req.Priority != nil {
		priority = *req.Priority
	}
	maxAttempts := s.MaxAttempts
	if plan.MaxAttempts > 0 {
		maxAttempts = plan.MaxAttempts
	}
	if req.MaxAttempts > 0 {
		maxAttempts = req.MaxAttempts
	}

	var raw datatypes.JSON
	if len(req.Context) > 0 {
		b, err := json.Marshal(req.Context)
		if err != nil {
			return nil, fmt.Errorf("%w: context: %v", ErrInvalidJob, err)
		}
		raw = datatypes.JSON(b)
	}

	return &ScheduleJob{
		SubscriptionID:      req.SubscriptionID,
		Plan:                plan.Name,
		GenerationStartTime: start,
		TargetDeliveryTime:  target,
		Priority:            priority,
		MaxAttempts:         maxAttempts,
		IdempotencyKey:      IdempotencyKey(req.SubscriptionID, target, s.Period),
		Context:             raw,
	}, nil
}

// Schedule builds and enqueues a job. ErrDuplicateJob is returned unchanged
// so callers can report "already scheduled".
func (s *Scheduler) Schedule(ctx context.Context, req ScheduleRequest) (*ScheduleJob, error) {
	job, err := s.Build(req)
	if err != nil {
		return nil, err
	}
	if err := s.Repo.Enqueue(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Next enqueues the occurrence after done, one delivery interval later.
func (s *Scheduler) Next(ctx context.Context, done *ScheduleJob) (*ScheduleJob, error) {
	if s.Interval <= 0 {
		return nil, nil
	}
	jobCtx, err := DecodeContext(done)
	if err != nil {
		return nil, err
	}
	priority := done.Priority
	return s.Schedule(ctx, ScheduleRequest{
		SubscriptionID:     done.SubscriptionID,
		Plan:               done.Plan,
		TargetDeliveryTime: done.TargetDeliveryTime.Add(s.Interval),
		Priority:           &priority,
		MaxAttempts:        done.MaxAttempts,
		Context:            jobCtx,
	})
}

// DecodeContext returns the generator context stored on the job.
func DecodeContext(job *ScheduleJob) (map[string]any, error) {
	out := map[string]any{}
	if len(job.Context) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(job.Context, &out); err != nil {
		return nil, fmt.Errorf("%w: context: %v", ErrInvalidSubscription, err)
	}
	return out, nil
}
