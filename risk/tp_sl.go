package risk

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/rangebot/strategy"
	"github.com/web3guy0/rangebot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TP/SL MANAGER - Exit rules for open range positions
// ═══════════════════════════════════════════════════════════════════════════════
//
// Evaluated in priority order, first match wins:
//   1. SETTLED        venue reports a result
//   2. TAKE_PROFIT    NO: yes_ask collapses near 0 / YES: yes_bid near 100
//   3. STOP_LOSS      loss >= hard threshold
//      MODEL_REVERSAL model disagrees with the held side's ask AND loss > soft threshold
//   4. MAX_HOLD       held longer than the position allows
//
// The hard percentage stop is authoritative. The model check only tightens
// it once a real loss exists; it never exits a flat or winning position.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ExitReason labels why a position closed
type ExitReason string

const (
	ExitSettled       ExitReason = "SETTLED"
	ExitTakeProfit    ExitReason = "TAKE_PROFIT"
	ExitStopLoss      ExitReason = "STOP_LOSS"
	ExitModelReversal ExitReason = "MODEL_REVERSAL"
	ExitMaxHold       ExitReason = "MAX_HOLD"
	ExitReconciled    ExitReason = "RECONCILED"
)

// ExitDecision is what the monitor should do with a position
type ExitDecision struct {
	Reason    ExitReason
	ExitValue decimal.Decimal // value of the held side, 0-1
	// NeedsOrder is false only for settlement; everything else must sell
	// into the book when live.
	NeedsOrder bool
	CloseCents int // bid to sell into; 0 means no live close is possible
	Detail     string
}

// ModelContext carries the live value and volatility for the model-aware pass.
// A nil context means settlement and fixed thresholds only.
type ModelContext struct {
	Value     float64
	VolPerMin float64
	Now       time.Time
}

// ExitConfig holds the exit thresholds
type ExitConfig struct {
	StopLossPct           decimal.Decimal // hard stop, e.g. 0.40
	SoftStopLossPct       decimal.Decimal // loss needed before a model reversal exits, e.g. 0.05
	TakeProfitNoAskCents  int             // exit NO once yes_ask <= this
	TakeProfitYesBidCents int             // exit YES once yes_bid >= this
}

// TPSLManager evaluates exit rules. It holds no per-position state.
type TPSLManager struct {
	cfg ExitConfig
	now func() time.Time
}

// NewTPSLManager creates a new TP/SL manager
func NewTPSLManager(cfg ExitConfig) *TPSLManager {
	return &TPSLManager{cfg: cfg, now: time.Now}
}

// SetClock overrides the wall clock used for hold-time checks
func (tm *TPSLManager) SetClock(now func() time.Time) {
	tm.now = now
}

// CheckExit determines if a position should be closed
func (tm *TPSLManager) CheckExit(pos *types.Position, c *types.Contract, mc *ModelContext) (ExitDecision, bool) {
	if d, ok := settlement(pos, c); ok {
		return d, true
	}

	if d, ok := tm.takeProfit(pos, c); ok {
		return d, true
	}

	current := CurrentValue(pos, c)
	lossPct := LossFraction(pos.EntryPrice, current)

	if lossPct.GreaterThanOrEqual(tm.cfg.StopLossPct) {
		return ExitDecision{
			Reason:     ExitStopLoss,
			ExitValue:  current,
			NeedsOrder: true,
			CloseCents: heldBid(pos.Side, c),
			Detail:     fmt.Sprintf("loss=%s%% >= %s%%", pct(lossPct), pct(tm.cfg.StopLossPct)),
		}, true
	}

	if lossPct.GreaterThan(tm.cfg.SoftStopLossPct) && ModelDisagrees(pos, c, mc) {
		return ExitDecision{
			Reason:     ExitModelReversal,
			ExitValue:  current,
			NeedsOrder: true,
			CloseCents: heldBid(pos.Side, c),
			Detail:     fmt.Sprintf("model flipped, loss=%s%%", pct(lossPct)),
		}, true
	}

	if pos.MaxHold > 0 && tm.now().Sub(pos.EntryTime) > pos.MaxHold {
		return ExitDecision{
			Reason:     ExitMaxHold,
			ExitValue:  current,
			NeedsOrder: true,
			CloseCents: heldBid(pos.Side, c),
			Detail:     fmt.Sprintf("held > %s", pos.MaxHold),
		}, true
	}

	return ExitDecision{}, false
}

// settlement maps the venue result onto the held side. An unrecognized
// result exits at entry price.
func settlement(pos *types.Position, c *types.Contract) (ExitDecision, bool) {
	if !c.IsSettled() {
		return ExitDecision{}, false
	}

	var exit decimal.Decimal
	switch c.Result {
	case "yes", "YES", "Yes":
		exit = sideWins(pos.Side == types.SideYes)
	case "no", "NO", "No":
		exit = sideWins(pos.Side == types.SideNo)
	default:
		exit = pos.EntryPrice
	}

	return ExitDecision{
		Reason:    ExitSettled,
		ExitValue: exit,
		Detail:    "result=" + c.Result,
	}, true
}

func (tm *TPSLManager) takeProfit(pos *types.Position, c *types.Contract) (ExitDecision, bool) {
	switch pos.Side {
	case types.SideNo:
		if c.YesAsk <= 0 || c.YesAsk > tm.cfg.TakeProfitNoAskCents {
			return ExitDecision{}, false
		}
		exit := cents(100 - c.YesAsk)
		if c.NoBid > 0 {
			exit = cents(c.NoBid)
		}
		return ExitDecision{
			Reason:     ExitTakeProfit,
			ExitValue:  exit,
			NeedsOrder: true,
			CloseCents: c.NoBid,
			Detail:     fmt.Sprintf("yes_ask=%d¢", c.YesAsk),
		}, true

	case types.SideYes:
		if c.YesBid < tm.cfg.TakeProfitYesBidCents {
			return ExitDecision{}, false
		}
		return ExitDecision{
			Reason:     ExitTakeProfit,
			ExitValue:  cents(c.YesBid),
			NeedsOrder: true,
			CloseCents: c.YesBid,
			Detail:     fmt.Sprintf("yes_bid=%d¢", c.YesBid),
		}, true
	}
	return ExitDecision{}, false
}

// CurrentValue marks the held side. NO is the complement of the quoted
// side, so it is valued at 1 - yes_ask, never at the raw YES quote.
// Without a usable quote the position is marked at entry.
func CurrentValue(pos *types.Position, c *types.Contract) decimal.Decimal {
	if pos.Side == types.SideNo {
		if c.YesAsk > 0 {
			return cents(100 - c.YesAsk)
		}
		return pos.EntryPrice
	}
	if c.YesBid > 0 {
		return cents(c.YesBid)
	}
	return pos.EntryPrice
}

// LossFraction returns (entry - current) / entry; negative when ahead
func LossFraction(entry, current decimal.Decimal) decimal.Decimal {
	if !entry.IsPositive() {
		return decimal.Zero
	}
	return entry.Sub(current).Div(entry)
}

// ModelDisagrees reports whether the model now prices the held side below
// its current ask. Needs live value, strikes and time left.
func ModelDisagrees(pos *types.Position, c *types.Contract, mc *ModelContext) bool {
	if mc == nil || mc.Value <= 0 || mc.VolPerMin <= 0 || !c.HasStrikes() {
		return false
	}
	minsLeft := c.MinutesLeft(mc.Now)
	if minsLeft <= 0 {
		return false
	}

	p := strategy.RangeProbability(mc.Value, *c.FloorStrike, *c.CapStrike, mc.VolPerMin, minsLeft)
	if pos.Side == types.SideYes {
		return p < float64(c.YesAsk)/100.0
	}
	return (1 - p) < float64(c.NoAskCents())/100.0
}

func heldBid(side types.Side, c *types.Contract) int {
	if side == types.SideNo {
		return c.NoBid
	}
	return c.YesBid
}

func sideWins(won bool) decimal.Decimal {
	if won {
		return decimal.NewFromInt(1)
	}
	return decimal.Zero
}

func cents(c int) decimal.Decimal {
	return decimal.New(int64(c), -2)
}

func pct(d decimal.Decimal) string {
	return d.Mul(decimal.NewFromInt(100)).StringFixed(0)
}
