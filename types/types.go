package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED TYPES - Avoid import cycles
// ═══════════════════════════════════════════════════════════════════════════════

// Side is the half of a range contract a position holds.
// YES is the directly-quoted side; NO pays out on the complement.
type Side string

const (
	SideYes Side = "YES"
	SideNo  Side = "NO"
)

// PositionStatus only ever moves OPEN -> CLOSED.
type PositionStatus string

const (
	StatusOpen   PositionStatus = "open"
	StatusClosed PositionStatus = "closed"
)

// Contract is a venue-listed range instrument as seen this cycle.
// Quotes are in cents (0-100). Strikes are nil when the venue omits them.
type Contract struct {
	Ticker      string
	FloorStrike *float64
	CapStrike   *float64
	CloseTime   time.Time
	Status      string // "open", "closed", "settled", "finalized"
	Result      string // "yes", "no", "" (unsettled)
	YesBid      int
	YesAsk      int
	NoBid       int
	NoAsk       int
	Volume      int64
}

// HasStrikes reports whether both range bounds are present and positive.
func (c *Contract) HasStrikes() bool {
	return c.FloorStrike != nil && c.CapStrike != nil && *c.FloorStrike > 0 && *c.CapStrike > 0
}

// NoAskCents returns the NO execution price, derived from the YES bid
// when the venue does not quote a usable NO ask.
func (c *Contract) NoAskCents() int {
	if c.NoAsk > 0 && c.NoAsk < 100 {
		return c.NoAsk
	}
	return 100 - c.YesBid
}

// MinutesLeft returns the time to close in minutes (negative once closed).
func (c *Contract) MinutesLeft(now time.Time) float64 {
	return c.CloseTime.Sub(now).Minutes()
}

// IsSettled reports whether the venue has finalized the contract with a result.
func (c *Contract) IsSettled() bool {
	switch c.Status {
	case "settled", "closed", "finalized", "determined":
		return c.Result != ""
	}
	return false
}

// Candidate is one ranked entry opportunity, valid only for the scan that produced it.
type Candidate struct {
	Ticker      string
	Side        Side
	PriceCents  int     // execution price (ask) of the chosen side
	ModelProb   float64 // P(value lands in range) from the model
	MidProb     float64 // YES mid-price, display only
	Edge        float64 // model probability of the side minus its ask
	MinutesLeft float64
	Floor       float64
	Cap         float64
	Volume      int64
	Context     string // where the underlying sits relative to the range
}

// ExecProb is the execution price as a probability.
func (c *Candidate) ExecProb() float64 {
	return float64(c.PriceCents) / 100.0
}

// Position is the only durable entity: one held side of one contract.
type Position struct {
	ID              uint
	Ticker          string
	Side            Side
	EntryPrice      decimal.Decimal // 0-1, price of the side actually bought
	Quantity        int
	EntryTime       time.Time
	Rationale       string
	Confidence      float64
	Live            bool
	Status          PositionStatus
	Strategy        string
	StopLossPrice   decimal.NullDecimal
	TakeProfitPrice decimal.NullDecimal
	MaxHold         time.Duration

	// Set on close
	ExitValue   decimal.NullDecimal
	RealizedPnL decimal.NullDecimal
	ExitReason  string
	ClosedAt    *time.Time
}

// Cost returns entry_price * quantity, the capital committed to the position.
func (p *Position) Cost() decimal.Decimal {
	return p.EntryPrice.Mul(decimal.NewFromInt(int64(p.Quantity)))
}

// PnLAt returns (exitValue - entry_price) * quantity. exitValue is always the
// value of the held side, so the formula is the same for YES and NO.
func (p *Position) PnLAt(exitValue decimal.Decimal) decimal.Decimal {
	return exitValue.Sub(p.EntryPrice).Mul(decimal.NewFromInt(int64(p.Quantity)))
}

// OrderState is the outcome of a gateway order call.
type OrderState string

const (
	OrderStateAccepted OrderState = "ACCEPTED" // venue took the order
	OrderStateRejected OrderState = "REJECTED" // venue refused it
	OrderStateFailed   OrderState = "FAILED"   // transport/timeout, outcome unknown
)

// OrderResult replaces null-or-exception returns from the venue.
type OrderResult struct {
	State   OrderState
	OrderID string
	Count   int
	Reason  string
}

// Accepted reports whether the order went through.
func (r OrderResult) Accepted() bool {
	return r.State == OrderStateAccepted
}
