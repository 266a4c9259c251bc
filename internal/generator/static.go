package generator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tiernaugh/MF252-sub001/internal/money"
)

// Static returns a canned episode. Used for local runs and smoke tests.
type Static struct {
	Cost  money.Amount
	Delay time.Duration
}

func (s Static) Generate(ctx context.Context, req Request) (*Result, error) {
	if s.Delay > 0 {
		t := time.NewTimer(s.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	date := req.TargetDeliveryTime.UTC().Format(time.DateOnly)
	var b strings.Builder
	fmt.Fprintf(&b, "# Many Futures: %s\n\n", date)
	fmt.Fprintf(&b, "A placeholder episode for subscription %s.\n", req.SubscriptionID)
	if topic, ok := req.Context["topic"].(string); ok && topic != "" {
		fmt.Fprintf(&b, "\n## %s\n\nThree futures worth watching.\n", topic)
	}

	return &Result{
		Title: "Many Futures: " + date,
		Body:  b.String(),
		Model: "static",
		Cost:  s.Cost,
	}, nil
}
