package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tiernaugh/MF252-sub001/internal/config"
	"github.com/tiernaugh/MF252-sub001/internal/money"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	return &Scheduler{
		Repo:        newTestRepo(t),
		Period:      PeriodDay,
		LeadTime:    2 * time.Hour,
		Interval:    7 * 24 * time.Hour,
		MaxAttempts: 3,
		Plans: config.Plans{
			"premium": {Name: "premium", Priority: 10, MaxAttempts: 5, EstimatedCost: money.MustParse("3.50", money.DefaultCurrency)},
		},
	}
}

func TestSchedulerBuild(t *testing.T) {
	s := newTestScheduler(t)
	target := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	seven := 7

	tests := []struct {
		name         string
		req          ScheduleRequest
		wantPlan     string
		wantPriority int
		wantAttempts int
		wantStart    time.Time
	}{
		{
			name:         "unknown plan uses scheduler defaults",
			req:          ScheduleRequest{SubscriptionID: "sub-1", Plan: "basic", TargetDeliveryTime: target},
			wantPlan:     "basic",
			wantAttempts: 3,
			wantStart:    target.Add(-2 * time.Hour),
		},
		{
			name:         "plan sets priority and attempts",
			req:          ScheduleRequest{SubscriptionID: "sub-1", Plan: "Premium", TargetDeliveryTime: target},
			wantPlan:     "premium",
			wantPriority: 10,
			wantAttempts: 5,
			wantStart:    target.Add(-2 * time.Hour),
		},
		{
			name: "request overrides plan",
			req: ScheduleRequest{
				SubscriptionID: "sub-1", Plan: "premium", TargetDeliveryTime: target,
				GenerationStartTime: target.Add(-30 * time.Minute), Priority: &seven, MaxAttempts: 2,
			},
			wantPlan:     "premium",
			wantPriority: 7,
			wantAttempts: 2,
			wantStart:    target.Add(-30 * time.Minute),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job, err := s.Build(tt.req)
			if err != nil {
				t.Fatalf("Build: %v", err)
			}
			if job.Plan != tt.wantPlan || job.Priority != tt.wantPriority || job.MaxAttempts != tt.wantAttempts {
				t.Errorf("plan=%q priority=%d attempts=%d", job.Plan, job.Priority, job.MaxAttempts)
			}
			if !job.GenerationStartTime.Equal(tt.wantStart) {
				t.Errorf("GenerationStartTime = %s, want %s", job.GenerationStartTime, tt.wantStart)
			}
			if job.IdempotencyKey != "sub-1:day:2026-10-19" {
				t.Errorf("IdempotencyKey = %q", job.IdempotencyKey)
			}
		})
	}
}

func TestSchedulerBuildRejectsInvalid(t *testing.T) {
	s := newTestScheduler(t)
	target := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

	for name, req := range map[string]ScheduleRequest{
		"no subscription": {TargetDeliveryTime: target},
		"no target":       {SubscriptionID: "sub-1"},
		"start after target": {
			SubscriptionID: "sub-1", TargetDeliveryTime: target, GenerationStartTime: target.Add(time.Minute),
		},
	} {
		if _, err := s.Build(req); !errors.Is(err, ErrInvalidJob) {
			t.Errorf("%s: err = %v, want ErrInvalidJob", name, err)
		}
	}
}

func TestScheduleDuplicatePeriod(t *testing.T) {
	s := newTestScheduler(t)
	ctx := context.Background()
	target := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

	first, err := s.Schedule(ctx, ScheduleRequest{SubscriptionID: "sub-1", TargetDeliveryTime: target})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	_, err = s.Schedule(ctx, ScheduleRequest{SubscriptionID: "sub-1", TargetDeliveryTime: target.Add(3 * time.Hour)})
	if !errors.Is(err, ErrDuplicateJob) {
		t.Fatalf("err = %v, want ErrDuplicateJob", err)
	}

	existing, err := s.Repo.FindByIdempotencyKey(ctx, first.IdempotencyKey)
	if err != nil || existing.ID != first.ID {
		t.Fatalf("FindByIdempotencyKey = %v, %v", existing, err)
	}
}

func TestSchedulerNext(t *testing.T) {
	s := newTestScheduler(t)
	ctx := context.Background()
	target := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

	done, err := s.Schedule(ctx, ScheduleRequest{
		SubscriptionID:     "sub-1",
		Plan:               "premium",
		TargetDeliveryTime: target,
		Context:            map[string]any{"topic": "energy"},
	})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	next, err := s.Next(ctx, done)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	wantTarget := target.Add(7 * 24 * time.Hour)
	if !next.TargetDeliveryTime.Equal(wantTarget) {
		t.Errorf("next target = %s, want %s", next.TargetDeliveryTime, wantTarget)
	}
	if !next.GenerationStartTime.Equal(wantTarget.Add(-2 * time.Hour)) {
		t.Errorf("next start = %s", next.GenerationStartTime)
	}
	if next.IdempotencyKey != "sub-1:day:2026-10-26" || next.Priority != 10 || next.MaxAttempts != 5 {
		t.Errorf("next = %+v", next)
	}
	nextCtx, err := DecodeContext(next)
	if err != nil || nextCtx["topic"] != "energy" {
		t.Errorf("next context = %v, %v", nextCtx, err)
	}

	if _, err := s.Next(ctx, done); !errors.Is(err, ErrDuplicateJob) {
		t.Errorf("second Next err = %v, want ErrDuplicateJob", err)
	}

	s.Interval = 0
	if j, err := s.Next(ctx, done); j != nil || err != nil {
		t.Errorf("Next with no interval = %v, %v", j, err)
	}
}

func TestDecodeContextRejectsGarbage(t *testing.T) {
	job := &ScheduleJob{Context: []byte("{not json")}
	if _, err := DecodeContext(job); !errors.Is(err, ErrInvalidSubscription) {
		t.Fatalf("err = %v, want ErrInvalidSubscription", err)
	}
	out, err := DecodeContext(&ScheduleJob{})
	if err != nil || len(out) != 0 {
		t.Fatalf("empty context = %v, %v", out, err)
	}
}
