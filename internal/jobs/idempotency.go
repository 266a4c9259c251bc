package jobs

import (
	"fmt"
	"strings"
	"time"
)

// Period is the delivery window a subscription gets at most one episode for.
type Period string

const (
	PeriodDay  Period = "day"
	PeriodWeek Period = "week"
)

func ParsePeriod(s string) (Period, error) {
	switch p := Period(strings.ToLower(strings.TrimSpace(s))); p {
	case PeriodDay, PeriodWeek:
		return p, nil
	case "":
		return PeriodDay, nil
	}
	return "", fmt.Errorf("unknown period %q", s)
}

// Truncate returns the UTC start of the period containing t. Weeks start on
// Monday.
func (p Period) Truncate(t time.Time) time.Time {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	if p != PeriodWeek {
		return day
	}
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}

func (p Period) label(t time.Time) string {
	t = t.UTC()
	if p == PeriodWeek {
		year, week := t.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	}
	return t.Format(time.DateOnly)
}

// IdempotencyKey identifies a subscription's delivery period, e.g.
// "sub_42:day:2026-10-19" or "sub_42:week:2026-W43".
func IdempotencyKey(subscriptionID string, targetDeliveryTime time.Time, period Period) string {
	if period == "" {
		period = PeriodDay
	}
	return fmt.Sprintf("%s:%s:%s", strings.TrimSpace(subscriptionID), period, period.label(targetDeliveryTime))
}
