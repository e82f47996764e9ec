package risk

import (
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/rangebot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EXPOSURE CIRCUIT BREAKER - Hard cap on committed capital
// ═══════════════════════════════════════════════════════════════════════════════
//
//   exposure = sum(entry_price * quantity) over open positions
//   total    = available balance + exposure
//   fraction = exposure / total
//
// fraction >= cap trips the breaker and the entry phase is skipped for the
// cycle. Nothing is remembered between cycles.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ExposureBreaker blocks new entries once too much capital is committed
type ExposureBreaker struct {
	maxExposurePct decimal.Decimal
}

// ExposureReport is the capital snapshot for one cycle
type ExposureReport struct {
	Balance  decimal.Decimal
	Exposure decimal.Decimal
	Total    decimal.Decimal
	Fraction decimal.Decimal
	Cap      decimal.Decimal
	Tripped  bool
}

// NewExposureBreaker creates a breaker that trips at maxExposurePct (0-1]
func NewExposureBreaker(maxExposurePct decimal.Decimal) *ExposureBreaker {
	return &ExposureBreaker{maxExposurePct: maxExposurePct}
}

// Exposure sums entry cost over open positions
func Exposure(positions []*types.Position) decimal.Decimal {
	total := decimal.Zero
	for _, p := range positions {
		if p.Status != types.StatusOpen {
			continue
		}
		total = total.Add(p.Cost())
	}
	return total
}

// Check computes the exposure fraction and whether entries must be skipped.
// With no capital at all the fraction is 1 and the breaker trips.
func (cb *ExposureBreaker) Check(balance, exposure decimal.Decimal) ExposureReport {
	total := balance.Add(exposure)
	fraction := decimal.NewFromInt(1)
	if total.IsPositive() {
		fraction = exposure.Div(total)
	}

	r := ExposureReport{
		Balance:  balance,
		Exposure: exposure,
		Total:    total,
		Fraction: fraction,
		Cap:      cb.maxExposurePct,
		Tripped:  fraction.GreaterThanOrEqual(cb.maxExposurePct),
	}

	if r.Tripped {
		log.Warn().
			Str("exposure", "$"+exposure.StringFixed(2)).
			Str("total", "$"+total.StringFixed(2)).
			Str("fraction", pct(fraction)+"%").
			Str("cap", pct(cb.maxExposurePct)+"%").
			Msg("⛔ Exposure cap reached - skipping new trades")
	}

	return r
}
