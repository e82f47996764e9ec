package risk

import (
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POSITION SIZING - Fixed budget per trade
// ═══════════════════════════════════════════════════════════════════════════════
//
// Formula: quantity = max(1, floor(budget_cents / price_cents))
//
// Each contract pays $1, so a fixed dollar budget buys more contracts of a
// cheap side than of an expensive one. Never fewer than one.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Sizer derives contract counts and entry metadata from a fixed budget
type Sizer struct {
	budget      decimal.Decimal // USD per trade
	stopLossPct decimal.Decimal
}

// NewSizer creates a new position sizer
func NewSizer(budget, stopLossPct decimal.Decimal) *Sizer {
	return &Sizer{budget: budget, stopLossPct: stopLossPct}
}

// Budget returns the USD budget per trade
func (s *Sizer) Budget() decimal.Decimal {
	return s.budget
}

// Quantity returns the number of contracts the budget buys at priceCents
func (s *Sizer) Quantity(priceCents int) int {
	return QuantityFor(s.budget, priceCents)
}

// StopLossPrice is the entry price the hard stop corresponds to, rounded to 4dp
func (s *Sizer) StopLossPrice(entry decimal.Decimal) decimal.Decimal {
	return entry.Mul(decimal.NewFromInt(1).Sub(s.stopLossPct)).Round(4)
}

// Confidence maps edge to a 0.60-0.99 score for the record
func Confidence(absEdge float64) float64 {
	c := 0.60 + absEdge*2
	if c > 0.99 {
		return 0.99
	}
	return c
}

// QuantityFor is the budget/price contract count, floored, minimum 1
func QuantityFor(budget decimal.Decimal, priceCents int) int {
	if priceCents <= 0 {
		return 1
	}
	budgetCents := budget.Mul(decimal.NewFromInt(100)).Floor()
	qty := budgetCents.Div(decimal.NewFromInt(int64(priceCents))).Floor().IntPart()
	if qty < 1 {
		return 1
	}
	return int(qty)
}
