// Package artifact persists published episodes.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrNotFound = errors.New("artifact not found")
	// ErrDuplicate means the job or its period already has a published episode.
	ErrDuplicate = errors.New("artifact already published")
)

type Artifact struct {
	ID             string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	SubscriptionID string    `gorm:"type:text;not null;index" json:"subscription_id"`
	JobID          string    `gorm:"type:varchar(36);not null;uniqueIndex" json:"job_id"`
	IdempotencyKey string    `gorm:"type:text;not null;uniqueIndex" json:"idempotency_key"`
	Title          string    `gorm:"type:text;not null" json:"title"`
	Body           string    `gorm:"type:text;not null" json:"body"`
	Model          string    `gorm:"type:text;not null;default:''" json:"model"`
	CreatedAt      time.Time `gorm:"not null" json:"created_at"`
}

func (Artifact) TableName() string { return "artifacts" }

type Store struct {
	DB *gorm.DB
}

func NewStore(db *gorm.DB) *Store { return &Store{DB: db} }

func (s *Store) WithTx(tx *gorm.DB) *Store { return &Store{DB: tx} }

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Artifact{})
}

func (s *Store) Create(ctx context.Context, a *Artifact) error {
	if a.JobID == "" || a.IdempotencyKey == "" || a.SubscriptionID == "" {
		return errors.New("artifact: job id, subscription id and idempotency key are required")
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if err := s.DB.WithContext(ctx).Create(a).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(strings.ToLower(err.Error()), "unique constraint") {
			return ErrDuplicate
		}
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*Artifact, error) {
	var a Artifact
	err := s.DB.WithContext(ctx).Where("id = ?", id).Take(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact: %w", err)
	}
	return &a, nil
}

func (s *Store) CountByIdempotencyKey(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.DB.WithContext(ctx).Model(&Artifact{}).Where("idempotency_key = ?", key).Count(&n).Error
	return n, err
}
