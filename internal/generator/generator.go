// Package generator produces episode content from a subscription's context.
package generator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tiernaugh/MF252-sub001/internal/money"
)

var (
	// ErrInvalidContent is returned when generated output breaks the episode
	// contract (empty body, missing title).
	ErrInvalidContent = errors.New("generated content failed validation")
	ErrRateLimited    = errors.New("rate limited")
)

type Generator interface {
	Generate(ctx context.Context, req Request) (*Result, error)
}

type Request struct {
	JobID              string
	SubscriptionID     string
	Plan               string
	TargetDeliveryTime time.Time
	Context            map[string]any
}

type Result struct {
	Title        string
	Body         string
	Model        string
	InputTokens  int
	OutputTokens int
	Cost         money.Amount
}

// Error is a classified generation failure. Cost carries spend incurred
// before the failure, if any.
type Error struct {
	Code      string
	Retryable bool
	Cost      money.Amount
	Err       error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "generator: " + e.Code
	}
	return fmt.Sprintf("generator: %s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func Retryable(code string, err error) *Error {
	return &Error{Code: code, Retryable: true, Err: err}
}

func Terminal(code string, err error) *Error {
	return &Error{Code: code, Retryable: false, Err: err}
}

// Pricing converts token usage to spend.
type Pricing struct {
	Currency    money.Currency
	InputPer1K  decimal.Decimal
	OutputPer1K decimal.Decimal
}

var thousand = decimal.NewFromInt(1000)

func (p Pricing) Cost(inputTokens, outputTokens int) money.Amount {
	in := decimal.NewFromInt(int64(inputTokens)).Div(thousand).Mul(p.InputPer1K)
	out := decimal.NewFromInt(int64(outputTokens)).Div(thousand).Mul(p.OutputPer1K)
	currency := p.Currency
	if currency == "" {
		currency = money.DefaultCurrency
	}
	return money.FromDecimal(in.Add(out), currency)
}

func validate(res *Result) error {
	if res.Body == "" {
		return fmt.Errorf("%w: empty body", ErrInvalidContent)
	}
	if res.Title == "" {
		return fmt.Errorf("%w: missing title", ErrInvalidContent)
	}
	return nil
}
