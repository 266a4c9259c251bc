package spend

import (
	"time"

	"github.com/tiernaugh/MF252-sub001/internal/money"
)

// Record is one immutable ledger entry. Corrections are new entries with a
// negative amount.
type Record struct {
	ID             int64          `gorm:"primaryKey;autoIncrement:false" json:"id,string"`
	SubscriptionID string         `gorm:"type:text;not null;index:idx_spend_records_sub_day,priority:1" json:"subscription_id"`
	JobID          *string        `gorm:"type:varchar(36);index" json:"job_id,omitempty"`
	Amount         money.Amount   `gorm:"not null" json:"amount"`
	Currency       money.Currency `gorm:"type:varchar(3);not null" json:"currency"`
	Day            string         `gorm:"type:varchar(10);not null;index:idx_spend_records_sub_day,priority:2" json:"day"`
	CreatedAt      time.Time      `gorm:"not null" json:"created_at"`
}

func (Record) TableName() string { return "spend_records" }

// DailyAggregate is the running total of a subscription's ledger for one UTC
// day. It is rebuilt from the ledger by Reconcile.
type DailyAggregate struct {
	SubscriptionID string         `gorm:"type:text;primaryKey" json:"subscription_id"`
	Day            string         `gorm:"type:varchar(10);primaryKey" json:"day"`
	Currency       money.Currency `gorm:"type:varchar(3);not null" json:"currency"`
	Total          money.Amount   `gorm:"not null" json:"total"`
	UpdatedAt      time.Time      `gorm:"not null" json:"updated_at"`
}

func (DailyAggregate) TableName() string { return "daily_spend_aggregates" }

// Day formats the UTC calendar day used to bucket spend.
func Day(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}
