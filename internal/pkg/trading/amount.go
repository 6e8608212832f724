// Package trading provides position sizing calculations.
package trading

import (
	"errors"

	"github.com/shopspring/decimal"
)

var ErrNoRiskBudget = errors.New("trading: no risk budget")

// SizeLimits bound the computed size. Step rounds down to the broker's lot
// increment.
type SizeLimits struct {
	Min  float64
	Max  float64
	Step float64
}

// RiskSize returns the size that loses riskPct percent of balance if the
// stop is hit. The result is rounded down to Step and capped at Max; a
// result below Min is an error rather than a silent bump.
func RiskSize(balance, riskPct, entry, stop float64, lim SizeLimits) (float64, error) {
	if balance <= 0 || riskPct <= 0 {
		return 0, ErrNoRiskBudget
	}
	dist := decimal.NewFromFloat(entry).Sub(decimal.NewFromFloat(stop)).Abs()
	if dist.IsZero() {
		return 0, errors.New("trading: entry equals stop")
	}
	budget := decimal.NewFromFloat(balance).Mul(decimal.NewFromFloat(riskPct)).Div(decimal.NewFromInt(100))
	size := budget.Div(dist)
	if lim.Step > 0 {
		step := decimal.NewFromFloat(lim.Step)
		size = size.Div(step).Floor().Mul(step)
	}
	if lim.Max > 0 && size.GreaterThan(decimal.NewFromFloat(lim.Max)) {
		size = decimal.NewFromFloat(lim.Max)
	}
	if size.LessThanOrEqual(decimal.Zero) || (lim.Min > 0 && size.LessThan(decimal.NewFromFloat(lim.Min))) {
		return 0, ErrNoRiskBudget
	}
	return size.InexactFloat64(), nil
}

// ExposureAfter returns exposure percent of balance after adding a position
// of size at price to the current notional.
func ExposureAfter(balance, notional, size, price float64) float64 {
	if balance <= 0 {
		return 0
	}
	total := decimal.NewFromFloat(notional).Add(decimal.NewFromFloat(size).Mul(decimal.NewFromFloat(price)).Abs())
	return total.Div(decimal.NewFromFloat(balance)).Mul(decimal.NewFromInt(100)).InexactFloat64()
}
