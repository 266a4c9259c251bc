// Package spend enforces per-job and per-subscription daily spend ceilings
// over an append-only ledger.
//
// Every ledger append increments the (subscription, day) aggregate in the same
// transaction with a single upsert, so concurrent writers never lose updates.
// Budget checks read only the aggregate.
package spend

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tiernaugh/MF252-sub001/internal/money"
)

var (
	ErrBudgetExceeded = errors.New("budget_exceeded")
	ErrInvalidAmount  = errors.New("invalid spend amount")
)

const ReasonBudgetExceeded = "budget_exceeded"

type Limits struct {
	Daily  money.Amount
	PerJob money.Amount
}

type Decision struct {
	Allowed      bool         `json:"allowed"`
	Reason       string       `json:"reason,omitempty"`
	Detail       string       `json:"detail,omitempty"`
	CurrentTotal money.Amount `json:"current_total"`
	Estimated    money.Amount `json:"estimated"`
	Limit        money.Amount `json:"limit"`
}

// Err returns ErrBudgetExceeded for a denial.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrBudgetExceeded, d.Detail)
}

// maxIDAttempts bounds how often RecordSpend regenerates a ledger ID that
// collided with a row written by another node.
const maxIDAttempts = 5

// AutoNodeID asks NewGovernor to pick the snowflake node itself.
const AutoNodeID int64 = -1

type Governor struct {
	db       *gorm.DB
	limits   Limits
	currency money.Currency
	nodeID   int64
	newID    func() int64
	log      *zap.Logger
}

// NewGovernor builds a governor whose ledger IDs come from snowflake node
// nodeID. A negative nodeID picks a node distinct from every other governor
// in this process.
func NewGovernor(db *gorm.DB, limits Limits, currency money.Currency, nodeID int64, log *zap.Logger) (*Governor, error) {
	if nodeID < 0 {
		nodeID = nextProcessNode()
	}
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("spend id node: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	if currency == "" {
		currency = money.DefaultCurrency
	}
	return &Governor{
		db:       db,
		limits:   limits,
		currency: currency,
		nodeID:   nodeID,
		newID:    func() int64 { return node.Generate().Int64() },
		log:      log.Named("spend"),
	}, nil
}

var (
	processNodeOnce sync.Once
	processNodeBase int64
	processNodeSeq  atomic.Int64
)

// nextProcessNode hands out consecutive node IDs starting from a base
// derived from the host, the pid and random bytes.
func nextProcessNode() int64 {
	processNodeOnce.Do(func() {
		h := fnv.New64a()
		host, _ := os.Hostname()
		var nonce [8]byte
		_, _ = rand.Read(nonce[:])
		fmt.Fprintf(h, "%s/%d/%d/", host, os.Getpid(), time.Now().UnixNano())
		_, _ = h.Write(nonce[:])
		processNodeBase = int64(binary.BigEndian.Uint64(h.Sum(nil)) >> 1)
	})
	mask := int64(1)<<snowflake.NodeBits - 1
	return (processNodeBase + processNodeSeq.Add(1) - 1) & mask
}

// NodeID is the snowflake node used for ledger IDs.
func (g *Governor) NodeID() int64 { return g.nodeID }

func (g *Governor) Currency() money.Currency { return g.currency }

func (g *Governor) Limits() Limits { return g.limits }

// Migrate creates the ledger and aggregate tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Record{}, &DailyAggregate{})
}

// CheckBudget decides whether a job estimated at estimated may run now. It
// must be called before any paid work starts.
func (g *Governor) CheckBudget(ctx context.Context, subscriptionID string, estimated money.Amount, now time.Time) (Decision, error) {
	if estimated.IsNegative() {
		return Decision{}, fmt.Errorf("%w: negative estimate %d", ErrInvalidAmount, estimated)
	}

	current, err := g.DailyTotal(ctx, subscriptionID, now)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{
		Allowed:      true,
		CurrentTotal: current,
		Estimated:    estimated,
		Limit:        g.limits.Daily,
	}
	switch {
	case estimated > g.limits.PerJob:
		d.Allowed = false
		d.Reason = ReasonBudgetExceeded
		d.Detail = fmt.Sprintf("estimate %s exceeds per-job limit %s",
			estimated.Format(g.currency), g.limits.PerJob.Format(g.currency))
		d.Limit = g.limits.PerJob
	case current.Add(estimated) > g.limits.Daily:
		d.Allowed = false
		d.Reason = ReasonBudgetExceeded
		d.Detail = fmt.Sprintf("daily spend %s + estimate %s exceeds limit %s",
			current.Format(g.currency), estimated.Format(g.currency), g.limits.Daily.Format(g.currency))
	}
	return d, nil
}

// RecordSpend appends a ledger entry and bumps the day's aggregate in one
// transaction. A zero amount records nothing.
func (g *Governor) RecordSpend(ctx context.Context, subscriptionID string, jobID *string, amount money.Amount, now time.Time) (*Record, error) {
	if subscriptionID == "" {
		return nil, fmt.Errorf("%w: subscription id is required", ErrInvalidAmount)
	}
	if amount == 0 {
		return nil, nil
	}

	now = now.UTC()
	rec := &Record{
		SubscriptionID: subscriptionID,
		JobID:          jobID,
		Amount:         amount,
		Currency:       g.currency,
		Day:            Day(now),
		CreatedAt:      now,
	}

	var err error
	for attempt := 1; attempt <= maxIDAttempts; attempt++ {
		rec.ID = g.newID()
		err = g.appendRecord(ctx, rec, now)
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			break
		}
		g.log.Warn("spend record id collided, regenerating",
			zap.Int64("id", rec.ID),
			zap.Int64("node_id", g.nodeID),
			zap.Int("attempt", attempt),
		)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (g *Governor) appendRecord(ctx context.Context, rec *Record, now time.Time) error {
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(rec).Error; err != nil {
			return fmt.Errorf("append spend record: %w", err)
		}
		agg := DailyAggregate{
			SubscriptionID: rec.SubscriptionID,
			Day:            rec.Day,
			Currency:       g.currency,
			Total:          rec.Amount,
			UpdatedAt:      now,
		}
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "subscription_id"}, {Name: "day"}},
			DoUpdates: clause.Assignments(map[string]any{
				"total":      gorm.Expr("daily_spend_aggregates.total + excluded.total"),
				"updated_at": now,
			}),
		}).Create(&agg).Error
		if err != nil {
			return fmt.Errorf("increment daily aggregate: %w", err)
		}
		return nil
	})
}

// DailyTotal reads the aggregate for the UTC day containing day.
func (g *Governor) DailyTotal(ctx context.Context, subscriptionID string, day time.Time) (money.Amount, error) {
	var agg DailyAggregate
	err := g.db.WithContext(ctx).
		Where("subscription_id = ? AND day = ?", subscriptionID, Day(day)).
		Take(&agg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read daily aggregate: %w", err)
	}
	return agg.Total, nil
}

// Reconcile rewrites the day's aggregate from the ledger and returns the
// drift that was found (aggregate minus ledger).
func (g *Governor) Reconcile(ctx context.Context, subscriptionID string, day time.Time) (money.Amount, error) {
	key := Day(day)
	now := time.Now().UTC()
	var drift money.Amount

	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sum struct{ Total int64 }
		if err := tx.Model(&Record{}).
			Select("cast(coalesce(sum(amount), 0) as bigint) as total").
			Where("subscription_id = ? AND day = ?", subscriptionID, key).
			Scan(&sum).Error; err != nil {
			return fmt.Errorf("sum ledger: %w", err)
		}

		var agg DailyAggregate
		found := true
		err := tx.Where("subscription_id = ? AND day = ?", subscriptionID, key).Take(&agg).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			found = false
		} else if err != nil {
			return fmt.Errorf("read daily aggregate: %w", err)
		}

		ledger := money.Amount(sum.Total)
		drift = agg.Total - ledger
		if drift == 0 && (found || ledger == 0) {
			return nil
		}

		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "subscription_id"}, {Name: "day"}},
			DoUpdates: clause.AssignmentColumns([]string{"total", "updated_at"}),
		}).Create(&DailyAggregate{
			SubscriptionID: subscriptionID,
			Day:            key,
			Currency:       g.currency,
			Total:          ledger,
			UpdatedAt:      now,
		}).Error
	})
	if err != nil {
		return 0, err
	}

	if drift != 0 {
		g.log.Warn("daily spend aggregate drift corrected",
			zap.String("subscription_id", subscriptionID),
			zap.String("day", key),
			zap.Int64("drift_minor", int64(drift)),
		)
	}
	return drift, nil
}
