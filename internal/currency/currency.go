// Package currency converts fixed-point amounts between the supported
// currencies through the JOD pivot. Every step is quantized to two decimals,
// rounding half away from zero, so chained conversions do not drift.
package currency

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/ledgerguard/internal/domain"
)

const Scale = 2

// Pivot is the base currency every rate is quoted against.
const Pivot = domain.CurrencyJOD

// Rates holds units of each currency per one unit of the pivot.
type Rates map[domain.Currency]decimal.Decimal

// DefaultRates returns the fixed rates the bank operates with.
func DefaultRates() Rates {
	return Rates{
		domain.CurrencyJOD: decimal.NewFromInt(1),
		domain.CurrencyUSD: decimal.RequireFromString("1.41"),
		domain.CurrencyEUR: decimal.RequireFromString("1.31"),
	}
}

// Converter is safe for concurrent use; it never mutates its rate table.
type Converter struct {
	rates Rates
}

func NewConverter(rates Rates) (*Converter, error) {
	table := Rates{domain.CurrencyJOD: decimal.NewFromInt(1)}
	for cur, rate := range rates {
		if !cur.Valid() {
			return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedCurrency, cur)
		}
		if !rate.IsPositive() {
			return nil, fmt.Errorf("rate for %s must be positive, got %s", cur, rate)
		}
		if cur == Pivot && !rate.Equal(decimal.NewFromInt(1)) {
			return nil, fmt.Errorf("pivot rate must be 1, got %s", rate)
		}
		table[cur] = rate
	}
	for _, cur := range []domain.Currency{domain.CurrencyUSD, domain.CurrencyEUR} {
		if _, ok := table[cur]; !ok {
			return nil, fmt.Errorf("missing rate for %s", cur)
		}
	}
	return &Converter{rates: table}, nil
}

// Quantize rounds to two decimals, half away from zero.
func Quantize(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(Scale)
}

func (c *Converter) rate(cur domain.Currency) (decimal.Decimal, error) {
	r, ok := c.rates[cur]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("%w: %s", domain.ErrUnsupportedCurrency, cur)
	}
	return r, nil
}

// ToPivot converts amount in from into the pivot currency.
func (c *Converter) ToPivot(amount decimal.Decimal, from domain.Currency) (decimal.Decimal, error) {
	if from == Pivot {
		return Quantize(amount), nil
	}
	r, err := c.rate(from)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return amount.DivRound(r, Scale), nil
}

// FromPivot converts a pivot amount into to.
func (c *Converter) FromPivot(amount decimal.Decimal, to domain.Currency) (decimal.Decimal, error) {
	if to == Pivot {
		return Quantize(amount), nil
	}
	r, err := c.rate(to)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return Quantize(amount.Mul(r)), nil
}

// Convert moves amount from one currency to another via the pivot.
func (c *Converter) Convert(amount decimal.Decimal, from, to domain.Currency) (decimal.Decimal, error) {
	if _, err := c.rate(from); err != nil {
		return decimal.Decimal{}, err
	}
	if _, err := c.rate(to); err != nil {
		return decimal.Decimal{}, err
	}
	if from == to {
		return Quantize(amount), nil
	}
	base, err := c.ToPivot(amount, from)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return c.FromPivot(base, to)
}

// Parse reads a currency code, case-insensitively.
func Parse(raw string) (domain.Currency, error) {
	cur := domain.Currency(strings.ToUpper(strings.TrimSpace(raw)))
	if !cur.Valid() {
		return "", fmt.Errorf("%w: %q", domain.ErrUnsupportedCurrency, raw)
	}
	return cur, nil
}

// ParseAmount reads a positive amount with at most two decimal places.
func ParseAmount(raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Decimal{}, domain.NewValidationError("amount", "not a decimal number")
	}
	if d.Exponent() < -Scale && !d.Equal(Quantize(d)) {
		return decimal.Decimal{}, domain.NewValidationError("amount", "more than two decimal places")
	}
	return d, nil
}
