package jobs

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/tiernaugh/MF252-sub001/internal/generator"
	"github.com/tiernaugh/MF252-sub001/internal/spend"
)

// Failure reasons stored in lastError.
const (
	ReasonBudgetExceeded      = "budget_exceeded"
	ReasonTimeout             = "timeout"
	ReasonCanceled            = "canceled"
	ReasonNetwork             = "network"
	ReasonInvalidSubscription = "invalid_subscription"
	ReasonDuplicatePeriod     = "duplicate_period"
	ReasonPanic               = "panic"
	ReasonUnknown             = "unknown"
)

type RetryPolicy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{BaseDelay: time.Minute, MaxDelay: time.Hour}
}

// Delay is base * 2^attemptCount capped at MaxDelay, where attemptCount is
// the number of failures before the current one.
func (p RetryPolicy) Delay(attemptCount int) time.Duration {
	if p.BaseDelay <= 0 {
		p = DefaultRetryPolicy()
	}
	if attemptCount < 0 {
		attemptCount = 0
	}
	d := p.BaseDelay
	for i := 0; i < attemptCount; i++ {
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			break
		}
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Classify reports whether err is worth another attempt and the short reason
// recorded on the job.
func Classify(err error) (retryable bool, reason string) {
	if err == nil {
		return false, ""
	}

	var gerr *generator.Error
	if errors.As(err, &gerr) {
		return gerr.Retryable, gerr.Code
	}

	switch {
	case errors.Is(err, spend.ErrBudgetExceeded):
		return false, ReasonBudgetExceeded
	case errors.Is(err, ErrInvalidSubscription), errors.Is(err, ErrInvalidJob):
		return false, ReasonInvalidSubscription
	case errors.Is(err, generator.ErrInvalidContent):
		return false, "validation"
	case errors.Is(err, generator.ErrRateLimited):
		return true, "rate_limited"
	case errors.Is(err, context.DeadlineExceeded):
		return true, ReasonTimeout
	case errors.Is(err, context.Canceled):
		return true, ReasonCanceled
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true, ReasonNetwork
	}

	// bounded by maxAttempts
	return true, ReasonUnknown
}
