// Package money holds fixed-point amounts stored as integer minor units.
//
// All spend values in the scheduler go through this package so that no
// floating point value is ever persisted or summed.
package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var ErrInvalidAmount = errors.New("invalid amount")

// Currency is an ISO 4217 code.
type Currency string

const DefaultCurrency Currency = "GBP"

// zero-decimal currencies; everything else uses two minor digits
var zeroExponent = map[string]struct{}{
	"JPY": {},
	"KRW": {},
	"VND": {},
	"CLP": {},
}

func ParseCurrency(s string) (Currency, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if len(s) != 3 {
		return "", fmt.Errorf("currency %q: %w", s, ErrInvalidAmount)
	}
	return Currency(s), nil
}

// Exponent is the number of minor-unit digits.
func (c Currency) Exponent() int32 {
	if _, ok := zeroExponent[strings.ToUpper(string(c))]; ok {
		return 0
	}
	return 2
}

// Amount is a value in minor units of an implied currency.
type Amount int64

// Parse reads a major-unit string such as "48.00" and rounds it to the
// currency's minor unit.
func Parse(s string, c Currency) (Amount, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("parse %q: %w", s, ErrInvalidAmount)
	}
	return FromDecimal(d, c), nil
}

func MustParse(s string, c Currency) Amount {
	a, err := Parse(s, c)
	if err != nil {
		panic(err)
	}
	return a
}

// FromDecimal rounds half away from zero to the minor unit.
func FromDecimal(d decimal.Decimal, c Currency) Amount {
	exp := c.Exponent()
	return Amount(d.Round(exp).Shift(exp).IntPart())
}

func (a Amount) Decimal(c Currency) decimal.Decimal {
	return decimal.New(int64(a), -c.Exponent())
}

func (a Amount) Format(c Currency) string {
	return a.Decimal(c).StringFixed(c.Exponent())
}

func (a Amount) Add(b Amount) Amount { return a + b }

func (a Amount) IsNegative() bool { return a < 0 }
