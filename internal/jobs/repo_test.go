package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tiernaugh/MF252-sub001/internal/db/dbtest"
)

var base = time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

const lease = 10 * time.Minute

func newTestRepo(t *testing.T) *Repo {
	t.Helper()
	return NewRepo(dbtest.Open(t, Migrate), RetryPolicy{BaseDelay: time.Minute, MaxDelay: time.Hour})
}

func newJob(sub string, start time.Time) *ScheduleJob {
	target := start.Add(2 * time.Hour)
	return &ScheduleJob{
		SubscriptionID:      sub,
		GenerationStartTime: start,
		TargetDeliveryTime:  target,
		MaxAttempts:         3,
		IdempotencyKey:      IdempotencyKey(sub, target, PeriodDay),
	}
}

func mustEnqueue(t *testing.T, r *Repo, job *ScheduleJob) *ScheduleJob {
	t.Helper()
	if err := r.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return job
}

func mustClaim(t *testing.T, r *Repo, worker string, now time.Time) *ScheduleJob {
	t.Helper()
	job, err := r.ClaimNext(context.Background(), worker, lease, now)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if job == nil {
		t.Fatal("ClaimNext returned no job")
	}
	return job
}

func mustGet(t *testing.T, r *Repo, id string) *ScheduleJob {
	t.Helper()
	job, err := r.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return job
}

func TestEnqueueDefaults(t *testing.T) {
	r := newTestRepo(t)
	job := mustEnqueue(t, r, newJob("sub-1", base))

	got := mustGet(t, r, job.ID)
	if got.Status != StatusPending {
		t.Errorf("Status = %s, want pending", got.Status)
	}
	if got.AttemptCount != 0 || got.LeaseOwner != nil || got.LeaseExpiresAt != nil || got.ResultArtifactID != nil {
		t.Errorf("unexpected bookkeeping on new job: %+v", got)
	}
	if !got.GenerationStartTime.Equal(base) {
		t.Errorf("GenerationStartTime = %s, want %s", got.GenerationStartTime, base)
	}
}

func TestEnqueueValidation(t *testing.T) {
	r := newTestRepo(t)
	tests := []struct {
		name   string
		mutate func(*ScheduleJob)
	}{
		{"missing subscription", func(j *ScheduleJob) { j.SubscriptionID = "" }},
		{"missing key", func(j *ScheduleJob) { j.IdempotencyKey = "" }},
		{"target before start", func(j *ScheduleJob) { j.TargetDeliveryTime = j.GenerationStartTime.Add(-time.Second) }},
		{"no attempts", func(j *ScheduleJob) { j.MaxAttempts = 0 }},
		{"zero start", func(j *ScheduleJob) { j.GenerationStartTime = time.Time{} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := newJob("sub-1", base)
			tt.mutate(job)
			if err := r.Enqueue(context.Background(), job); !errors.Is(err, ErrInvalidJob) {
				t.Fatalf("err = %v, want ErrInvalidJob", err)
			}
		})
	}
}

func TestEnqueueDuplicatePeriod(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	mustEnqueue(t, r, newJob("sub-1", base))

	// same period, different time of day
	dup := newJob("sub-1", base.Add(time.Hour))
	if err := r.Enqueue(ctx, dup); !errors.Is(err, ErrDuplicateJob) {
		t.Fatalf("err = %v, want ErrDuplicateJob", err)
	}

	// other subscription, same period
	mustEnqueue(t, r, newJob("sub-2", base))
	// same subscription, next period
	mustEnqueue(t, r, newJob("sub-1", base.Add(24*time.Hour)))
}

func TestConcurrentEnqueueExactlyOneWins(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	const callers = 8
	var wg sync.WaitGroup
	results := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- r.Enqueue(ctx, newJob("sub-1", base))
		}()
	}
	wg.Wait()
	close(results)

	var ok, dup int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrDuplicateJob):
			dup++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || dup != callers-1 {
		t.Fatalf("ok=%d dup=%d, want 1 and %d", ok, dup, callers-1)
	}
}

func TestEnqueueAfterTerminalStates(t *testing.T) {
	tests := []struct {
		name    string
		finish  func(t *testing.T, r *Repo, job *ScheduleJob)
		wantErr error
	}{
		{
			name: "completed blocks the period",
			finish: func(t *testing.T, r *Repo, job *ScheduleJob) {
				claimed := mustClaim(t, r, "w1", base)
				if err := r.Complete(context.Background(), claimed, "art-1", base); err != nil {
					t.Fatalf("Complete: %v", err)
				}
			},
			wantErr: ErrDuplicateJob,
		},
		{
			name: "failed frees the period",
			finish: func(t *testing.T, r *Repo, job *ScheduleJob) {
				claimed := mustClaim(t, r, "w1", base)
				if err := r.Fail(context.Background(), claimed, "boom", false, base); err != nil {
					t.Fatalf("Fail: %v", err)
				}
			},
		},
		{
			name: "cancelled frees the period",
			finish: func(t *testing.T, r *Repo, job *ScheduleJob) {
				if _, err := r.Cancel(context.Background(), job.ID, base); err != nil {
					t.Fatalf("Cancel: %v", err)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRepo(t)
			job := mustEnqueue(t, r, newJob("sub-1", base))
			tt.finish(t, r, job)

			err := r.Enqueue(context.Background(), newJob("sub-1", base))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("re-enqueue err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestClaimNextOrdering(t *testing.T) {
	r := newTestRepo(t)

	low := newJob("sub-low", base.Add(-2*time.Hour))
	mustEnqueue(t, r, low)

	early := newJob("sub-early", base.Add(-3*time.Hour))
	early.Priority = 5
	mustEnqueue(t, r, early)

	late := newJob("sub-late", base.Add(-time.Hour))
	late.Priority = 5
	mustEnqueue(t, r, late)

	future := newJob("sub-future", base.Add(time.Minute))
	future.Priority = 100
	mustEnqueue(t, r, future)

	want := []string{early.ID, late.ID, low.ID}
	for i, id := range want {
		got := mustClaim(t, r, "w1", base)
		if got.ID != id {
			t.Fatalf("claim %d = %s (%s), want %s", i, got.ID, got.SubscriptionID, id)
		}
		if got.Status != StatusProcessing || got.LeaseOwner == nil || *got.LeaseOwner != "w1" {
			t.Errorf("claimed job bookkeeping = %+v", got)
		}
		if got.LeaseExpiresAt == nil || !got.LeaseExpiresAt.Equal(base.Add(lease)) {
			t.Errorf("LeaseExpiresAt = %v, want %s", got.LeaseExpiresAt, base.Add(lease))
		}
		if got.LeaseVersion != 1 {
			t.Errorf("LeaseVersion = %d, want 1", got.LeaseVersion)
		}
	}

	job, err := r.ClaimNext(context.Background(), "w1", lease, base)
	if err != nil || job != nil {
		t.Fatalf("ClaimNext = %v, %v; want nothing due", job, err)
	}
}

func TestConcurrentClaimsAreMutuallyExclusive(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	const jobsN = 20
	for i := 0; i < jobsN; i++ {
		mustEnqueue(t, r, newJob(fmt.Sprintf("sub-%02d", i), base.Add(-time.Duration(i)*time.Minute)))
	}

	const workers = 6
	var mu sync.Mutex
	claimedBy := map[string]string{}
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				job, err := r.ClaimNext(ctx, worker, lease, base)
				if err != nil {
					errs <- err
					return
				}
				if job == nil {
					return
				}
				mu.Lock()
				if prev, ok := claimedBy[job.ID]; ok {
					mu.Unlock()
					errs <- fmt.Errorf("job %s claimed by %s and %s", job.ID, prev, worker)
					return
				}
				claimedBy[job.ID] = worker
				mu.Unlock()
			}
		}(fmt.Sprintf("w%d", w))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	// a worker that lost every race gives up early; drain what is left
	for {
		job, err := r.ClaimNext(ctx, "drain", lease, base)
		if err != nil {
			t.Fatalf("ClaimNext: %v", err)
		}
		if job == nil {
			break
		}
		if prev, ok := claimedBy[job.ID]; ok {
			t.Fatalf("job %s claimed by %s and drain", job.ID, prev)
		}
		claimedBy[job.ID] = "drain"
	}
	if len(claimedBy) != jobsN {
		t.Fatalf("claimed %d jobs, want %d", len(claimedBy), jobsN)
	}
}

func TestConcurrentClaimOfSingleJob(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	mustEnqueue(t, r, newJob("sub-1", base))

	const workers = 8
	var wg sync.WaitGroup
	got := make(chan *ScheduleJob, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			job, err := r.ClaimNext(ctx, worker, lease, base)
			if err != nil {
				t.Errorf("ClaimNext: %v", err)
				return
			}
			if job != nil {
				got <- job
			}
		}(fmt.Sprintf("w%d", w))
	}
	wg.Wait()
	close(got)

	var n int
	for range got {
		n++
	}
	if n != 1 {
		t.Fatalf("%d workers claimed the job, want 1", n)
	}
}

func TestExpiredLeaseIsReclaimable(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	mustEnqueue(t, r, newJob("sub-1", base))

	first := mustClaim(t, r, "crashed", base)

	// before expiry nobody else may take it
	for _, at := range []time.Time{base.Add(time.Minute), base.Add(lease - time.Second)} {
		job, err := r.ClaimNext(ctx, "w2", lease, at)
		if err != nil || job != nil {
			t.Fatalf("ClaimNext at %s = %v, %v; want nothing", at, job, err)
		}
	}

	second := mustClaim(t, r, "w2", base.Add(lease+time.Second))
	if second.ID != first.ID {
		t.Fatalf("reclaimed %s, want %s", second.ID, first.ID)
	}
	if second.LeaseVersion != 2 || *second.LeaseOwner != "w2" {
		t.Errorf("reclaimed bookkeeping = %+v", second)
	}
	if !second.Reclaimed() {
		t.Error("Reclaimed() = false for a lapsed lease")
	}

	// the crashed worker wakes up and must not overwrite
	if err := r.Complete(ctx, first, "art-stale", base.Add(lease+2*time.Second)); !errors.Is(err, ErrStaleLease) {
		t.Fatalf("stale Complete err = %v, want ErrStaleLease", err)
	}
	if err := r.Fail(ctx, first, "late", true, base.Add(lease+2*time.Second)); !errors.Is(err, ErrStaleLease) {
		t.Fatalf("stale Fail err = %v, want ErrStaleLease", err)
	}

	if err := r.Complete(ctx, second, "art-1", base.Add(lease+time.Minute)); err != nil {
		t.Fatalf("Complete: %v", err)
	}
}

func TestClaimCompleteRoundTrip(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	job := mustEnqueue(t, r, newJob("sub-1", base))

	claimed := mustClaim(t, r, "w1", base)
	if claimed.Reclaimed() {
		t.Error("fresh claim reported as reclaimed")
	}
	if err := r.Complete(ctx, claimed, "art-1", base.Add(time.Minute)); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	got := mustGet(t, r, job.ID)
	if got.Status != StatusCompleted {
		t.Errorf("Status = %s, want completed", got.Status)
	}
	if got.ResultArtifactID == nil || *got.ResultArtifactID != "art-1" {
		t.Errorf("ResultArtifactID = %v", got.ResultArtifactID)
	}
	if got.CompletedAt == nil || got.LeaseOwner != nil {
		t.Errorf("completion bookkeeping = %+v", got)
	}

	if err := r.Complete(ctx, claimed, "art-2", base.Add(2*time.Minute)); !errors.Is(err, ErrStaleLease) {
		t.Fatalf("second Complete err = %v, want ErrStaleLease", err)
	}
}

func TestClaimFailNonRetryableRoundTrip(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	job := mustEnqueue(t, r, newJob("sub-1", base))

	claimed := mustClaim(t, r, "w1", base)
	if err := r.Fail(ctx, claimed, "validation: empty body", false, base.Add(time.Minute)); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	got := mustGet(t, r, job.ID)
	if got.Status != StatusFailed {
		t.Errorf("Status = %s, want failed", got.Status)
	}
	if got.LastError == nil || *got.LastError != "validation: empty body" {
		t.Errorf("LastError = %v", got.LastError)
	}
	if got.AttemptCount != 1 || got.ResultArtifactID != nil {
		t.Errorf("bookkeeping = %+v", got)
	}

	if j, _ := r.ClaimNext(ctx, "w1", lease, base.Add(24*time.Hour)); j != nil {
		t.Fatal("failed job was claimed again")
	}
}

func TestFailRetryableAppliesBackoff(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	job := mustEnqueue(t, r, newJob("sub-1", base))

	claimed := mustClaim(t, r, "w1", base)
	failedAt := base.Add(30 * time.Second)
	if err := r.Fail(ctx, claimed, "timeout", true, failedAt); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	got := mustGet(t, r, job.ID)
	if got.Status != StatusPending || got.AttemptCount != 1 {
		t.Fatalf("after retryable fail: status=%s attempts=%d", got.Status, got.AttemptCount)
	}
	if got.LeaseOwner != nil || got.LeaseExpiresAt != nil {
		t.Error("lease not cleared")
	}
	wantStart := failedAt.Add(time.Minute)
	if !got.GenerationStartTime.Equal(wantStart) {
		t.Errorf("GenerationStartTime = %s, want %s", got.GenerationStartTime, wantStart)
	}
	if !got.TargetDeliveryTime.Equal(job.TargetDeliveryTime) {
		t.Errorf("TargetDeliveryTime moved to %s", got.TargetDeliveryTime)
	}

	// not re-claimable until the backoff elapses
	if j, _ := r.ClaimNext(ctx, "w1", lease, wantStart.Add(-time.Second)); j != nil {
		t.Fatal("claimed during backoff")
	}
	again := mustClaim(t, r, "w1", wantStart)
	if again.LeaseVersion != 2 || again.Reclaimed() {
		t.Errorf("second claim version=%d reclaimed=%v", again.LeaseVersion, again.Reclaimed())
	}

	// second failure doubles the delay
	secondAt := wantStart.Add(10 * time.Second)
	if err := r.Fail(ctx, again, "timeout", true, secondAt); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	got = mustGet(t, r, job.ID)
	if !got.GenerationStartTime.Equal(secondAt.Add(2 * time.Minute)) {
		t.Errorf("second backoff start = %s, want %s", got.GenerationStartTime, secondAt.Add(2*time.Minute))
	}
}

func TestFailPushesTargetPastStart(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	job := newJob("sub-1", base)
	job.TargetDeliveryTime = base
	job.IdempotencyKey = IdempotencyKey("sub-1", base, PeriodDay)
	mustEnqueue(t, r, job)

	claimed := mustClaim(t, r, "w1", base)
	if err := r.Fail(ctx, claimed, "timeout", true, base); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	got := mustGet(t, r, job.ID)
	if got.TargetDeliveryTime.Before(got.GenerationStartTime) {
		t.Fatalf("target %s precedes start %s", got.TargetDeliveryTime, got.GenerationStartTime)
	}
	if got.IdempotencyKey != job.IdempotencyKey {
		t.Errorf("idempotency key changed to %s", got.IdempotencyKey)
	}
}

func TestAttemptCountNeverExceedsMaxAttempts(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	job := newJob("sub-1", base)
	job.MaxAttempts = 4
	mustEnqueue(t, r, job)

	now := base
	for i := 0; i < 10; i++ {
		claimed, err := r.ClaimNext(ctx, "w1", lease, now)
		if err != nil {
			t.Fatalf("ClaimNext: %v", err)
		}
		if claimed == nil {
			break
		}
		if err := r.Fail(ctx, claimed, "upstream_unavailable", true, now); err != nil {
			t.Fatalf("Fail: %v", err)
		}
		if claimed.AttemptCount > claimed.MaxAttempts {
			t.Fatalf("attempt %d exceeds max %d", claimed.AttemptCount, claimed.MaxAttempts)
		}
		now = now.Add(2 * time.Hour)
	}

	got := mustGet(t, r, job.ID)
	if got.Status != StatusFailed || got.AttemptCount != 4 {
		t.Fatalf("final status=%s attempts=%d, want failed/4", got.Status, got.AttemptCount)
	}
}

func TestCancel(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	pending := mustEnqueue(t, r, newJob("sub-1", base))
	got, err := r.Cancel(ctx, pending.ID, base)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got.Status != StatusCancelled {
		t.Errorf("Status = %s, want cancelled", got.Status)
	}
	if j, _ := r.ClaimNext(ctx, "w1", lease, base.Add(48*time.Hour)); j != nil {
		t.Fatal("cancelled job was claimed")
	}

	if _, err := r.Cancel(ctx, pending.ID, base); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("re-cancel err = %v, want ErrInvalidTransition", err)
	}
	if _, err := r.Cancel(ctx, "missing", base); !errors.Is(err, ErrNotFound) {
		t.Errorf("cancel missing err = %v, want ErrNotFound", err)
	}
}

func TestCancelInFlightJobMakesLeaseStale(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	mustEnqueue(t, r, newJob("sub-1", base))

	claimed := mustClaim(t, r, "w1", base)
	if _, err := r.Cancel(ctx, claimed.ID, base.Add(time.Minute)); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := r.Complete(ctx, claimed, "art-1", base.Add(2*time.Minute)); !errors.Is(err, ErrStaleLease) {
		t.Fatalf("Complete err = %v, want ErrStaleLease", err)
	}
	if got := mustGet(t, r, claimed.ID); got.Status != StatusCancelled || got.ResultArtifactID != nil {
		t.Fatalf("job = %+v, want cancelled without artifact", got)
	}
}

func TestCancelSubscription(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	mustEnqueue(t, r, newJob("sub-1", base))
	mustEnqueue(t, r, newJob("sub-1", base.Add(24*time.Hour)))
	other := mustEnqueue(t, r, newJob("sub-2", base))

	n, err := r.CancelSubscription(ctx, "sub-1", base)
	if err != nil {
		t.Fatalf("CancelSubscription: %v", err)
	}
	if n != 2 {
		t.Errorf("cancelled %d jobs, want 2", n)
	}
	if got := mustGet(t, r, other.ID); got.Status != StatusPending {
		t.Errorf("other subscription's job is %s", got.Status)
	}
}

func TestListFilters(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	mustEnqueue(t, r, newJob("sub-1", base))
	mustEnqueue(t, r, newJob("sub-2", base))
	claimed := mustClaim(t, r, "w1", base)
	if err := r.Fail(ctx, claimed, "budget_exceeded", false, base); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	failed, err := r.List(ctx, ListFilter{Status: StatusFailed})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != claimed.ID {
		t.Fatalf("failed jobs = %+v", failed)
	}

	all, err := r.List(ctx, ListFilter{})
	if err != nil || len(all) != 2 {
		t.Fatalf("List all = %d, %v", len(all), err)
	}

	bySub, err := r.List(ctx, ListFilter{SubscriptionID: "sub-2"})
	if err != nil || len(bySub) != 1 || bySub[0].SubscriptionID != "sub-2" {
		t.Fatalf("List by subscription = %+v, %v", bySub, err)
	}
}

func TestFindByIdempotencyKey(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	job := mustEnqueue(t, r, newJob("sub-1", base))

	got, err := r.FindByIdempotencyKey(ctx, job.IdempotencyKey)
	if err != nil || got.ID != job.ID {
		t.Fatalf("FindByIdempotencyKey = %v, %v", got, err)
	}
	if _, err := r.FindByIdempotencyKey(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
