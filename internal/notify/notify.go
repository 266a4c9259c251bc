// Package notify tells downstream collaborators about delivered and failed
// episodes.
package notify

import (
	"context"
	"errors"
	"time"
)

type EventType string

const (
	EpisodeDelivered EventType = "episode.delivered"
	EpisodeFailed    EventType = "episode.failed"
)

type Event struct {
	Type               EventType `json:"type"`
	JobID              string    `json:"job_id"`
	SubscriptionID     string    `json:"subscription_id"`
	IdempotencyKey     string    `json:"idempotency_key"`
	ArtifactID         string    `json:"artifact_id,omitempty"`
	Title              string    `json:"title,omitempty"`
	LastError          string    `json:"last_error,omitempty"`
	AttemptCount       int       `json:"attempt_count"`
	TargetDeliveryTime time.Time `json:"target_delivery_time"`
	OccurredAt         time.Time `json:"occurred_at"`

	// email only
	Body           string `json:"-"`
	RecipientEmail string `json:"-"`
}

type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }

// Multi delivers to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
