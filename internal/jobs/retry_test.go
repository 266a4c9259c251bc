package jobs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/tiernaugh/MF252-sub001/internal/generator"
	"github.com/tiernaugh/MF252-sub001/internal/spend"
)

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Minute, MaxDelay: time.Hour}
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{-1, time.Minute},
		{0, time.Minute},
		{1, 2 * time.Minute},
		{2, 4 * time.Minute},
		{5, 32 * time.Minute},
		{6, time.Hour},
		{60, time.Hour},
	}
	for _, tt := range tests {
		if got := p.Delay(tt.attempts); got != tt.want {
			t.Errorf("Delay(%d) = %s, want %s", tt.attempts, got, tt.want)
		}
	}
}

func TestRetryPolicyZeroValueUsesDefaults(t *testing.T) {
	if got := (RetryPolicy{}).Delay(0); got != time.Minute {
		t.Errorf("Delay(0) = %s, want 1m", got)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestClassify(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantRetryable bool
		wantReason    string
	}{
		{"budget", fmt.Errorf("check: %w", spend.ErrBudgetExceeded), false, ReasonBudgetExceeded},
		{"invalid subscription", ErrInvalidSubscription, false, ReasonInvalidSubscription},
		{"generator retryable", generator.Retryable("rate_limited", errors.New("429")), true, "rate_limited"},
		{"generator terminal", generator.Terminal("validation", generator.ErrInvalidContent), false, "validation"},
		{"bare content error", generator.ErrInvalidContent, false, "validation"},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), true, ReasonTimeout},
		{"canceled", context.Canceled, true, ReasonCanceled},
		{"network", &net.OpError{Op: "dial", Err: timeoutErr{}}, true, ReasonNetwork},
		{"unknown", errors.New("boom"), true, ReasonUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			retryable, reason := Classify(tt.err)
			if retryable != tt.wantRetryable || reason != tt.wantReason {
				t.Errorf("Classify(%v) = (%v, %q), want (%v, %q)",
					tt.err, retryable, reason, tt.wantRetryable, tt.wantReason)
			}
		})
	}
}
