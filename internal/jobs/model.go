package jobs

import (
	"time"

	"gorm.io/datatypes"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

func ParseStatus(s string) (Status, bool) {
	switch st := Status(s); st {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return st, true
	}
	return "", false
}

// ScheduleJob is one episode generation for one subscription and period.
type ScheduleJob struct {
	ID             string `gorm:"type:varchar(36);primaryKey" json:"id"`
	SubscriptionID string `gorm:"type:text;not null;index" json:"subscription_id"`
	Plan           string `gorm:"type:text;not null;default:''" json:"plan,omitempty"`

	GenerationStartTime time.Time `gorm:"not null" json:"generation_start_time"`
	TargetDeliveryTime  time.Time `gorm:"not null" json:"target_delivery_time"`

	Status   Status `gorm:"type:text;not null;default:'pending'" json:"status"`
	Priority int    `gorm:"not null;default:0" json:"priority"`

	LeaseOwner     *string    `gorm:"type:text" json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	// LeaseVersion is bumped by every claim; writes from an older claim are rejected.
	LeaseVersion int64 `gorm:"not null;default:0" json:"lease_version"`

	AttemptCount int `gorm:"not null;default:0" json:"attempt_count"`
	MaxAttempts  int `gorm:"not null;default:3" json:"max_attempts"`

	LastError        *string `gorm:"type:text" json:"last_error,omitempty"`
	ResultArtifactID *string `gorm:"type:varchar(36)" json:"result_artifact_id,omitempty"`

	IdempotencyKey string         `gorm:"type:text;not null" json:"idempotency_key"`
	Context        datatypes.JSON `json:"context,omitempty"`

	CreatedAt   time.Time  `gorm:"not null" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"not null" json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (ScheduleJob) TableName() string { return "schedule_jobs" }

// Reclaimed reports whether an earlier claim of this job lapsed without a
// recorded outcome. Every claim normally ends in complete or fail, so a
// healthy job has exactly one more claim than failures.
func (j *ScheduleJob) Reclaimed() bool {
	return j.LeaseVersion > int64(j.AttemptCount)+1
}

func (j *ScheduleJob) leaseOwner() string {
	if j.LeaseOwner == nil {
		return ""
	}
	return *j.LeaseOwner
}
