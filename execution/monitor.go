package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/rangebot/risk"
	"github.com/web3guy0/rangebot/storage"
	"github.com/web3guy0/rangebot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POSITION MONITOR - Exit state machine, run every cycle
// ═══════════════════════════════════════════════════════════════════════════════
//
//   open ──(settled | take-profit | stop | reversal | max hold)──► closed
//
// Live positions other than settled ones close locally only after the venue
// accepts the closing order. A rejected close, or a book with no bid to sell
// into, leaves the position open and prints a status line instead.
//
// Each position is handled on its own; one failure never stops the pass.
//
// ═══════════════════════════════════════════════════════════════════════════════

// MonitorReport summarizes one monitor pass
type MonitorReport struct {
	Checked int
	Closed  int
	Held    int
	Errors  int
}

// Monitor evaluates and closes open positions
type Monitor struct {
	exchange Exchange
	store    PositionStore
	exits    *risk.TPSLManager
	closer   *closer
	timeout  time.Duration
}

// NewMonitor creates a position monitor. journal and notifier may be nil.
func NewMonitor(exchange Exchange, store PositionStore, exits *risk.TPSLManager, journal Journal, notifier Notifier, callTimeout time.Duration) *Monitor {
	return &Monitor{
		exchange: exchange,
		store:    store,
		exits:    exits,
		closer:   newCloser(store, journal, notifier, callTimeout),
		timeout:  callTimeout,
	}
}

// Run checks every open position once. A nil model context limits the pass to
// settlement and fixed thresholds.
func (m *Monitor) Run(ctx context.Context, mc *risk.ModelContext) (MonitorReport, error) {
	var rep MonitorReport

	sctx, cancel := withTimeout(ctx, m.timeout)
	positions, err := m.store.GetOpenPositions(sctx)
	cancel()
	if err != nil {
		return rep, fmt.Errorf("monitor: load open positions: %w", err)
	}

	for _, pos := range positions {
		if ctx.Err() != nil {
			break
		}
		rep.Checked++

		closed, err := m.check(ctx, pos, mc)
		switch {
		case err != nil:
			rep.Errors++
			log.Error().Err(err).Str("ticker", pos.Ticker).Uint("id", pos.ID).Msg("❌ Position check failed")
		case closed:
			rep.Closed++
		default:
			rep.Held++
		}
	}

	return rep, nil
}

func (m *Monitor) check(ctx context.Context, pos *types.Position, mc *risk.ModelContext) (bool, error) {
	cctx, cancel := withTimeout(ctx, m.timeout)
	contract, err := m.exchange.GetContract(cctx, pos.Ticker)
	cancel()
	if err != nil {
		return false, fmt.Errorf("fetch contract: %w", err)
	}

	decision, ok := m.exits.CheckExit(pos, &contract, mc)
	if !ok {
		statusLine(pos, &contract)
		return false, nil
	}

	if decision.NeedsOrder && pos.Live {
		if decision.CloseCents <= 0 {
			log.Warn().
				Str("ticker", pos.Ticker).
				Str("reason", string(decision.Reason)).
				Msg("⚠️ Exit triggered but no bid to sell into - holding")
			statusLine(pos, &contract)
			return false, nil
		}

		octx, ocancel := orderContext(ctx, m.timeout)
		res := m.exchange.ClosePosition(octx, pos.Ticker, pos.Side, pos.Quantity, decision.CloseCents)
		ocancel()
		if !res.Accepted() {
			log.Warn().
				Str("ticker", pos.Ticker).
				Str("reason", string(decision.Reason)).
				Str("state", string(res.State)).
				Str("detail", res.Reason).
				Msg("⚠️ Close not accepted - position stays open")
			statusLine(pos, &contract)
			return false, nil
		}
	}

	if err := m.closer.close(ctx, pos, decision.ExitValue, string(decision.Reason), decision.Detail); err != nil {
		if errors.Is(err, storage.ErrPositionClosed) {
			log.Debug().Str("ticker", pos.Ticker).Msg("Position already closed")
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// statusLine prints entry vs current value for a position left untouched
func statusLine(pos *types.Position, c *types.Contract) {
	current := risk.CurrentValue(pos, c)
	change := decimal.Zero
	if pos.EntryPrice.IsPositive() {
		change = current.Sub(pos.EntryPrice).Div(pos.EntryPrice).Mul(decimal.NewFromInt(100))
	}
	log.Info().
		Str("ticker", pos.Ticker).
		Str("side", string(pos.Side)).
		Str("entry", pos.EntryPrice.StringFixed(2)).
		Str("current", current.StringFixed(2)).
		Str("change", change.StringFixed(1)+"%").
		Int("qty", pos.Quantity).
		Msg("📊 Holding")
}

// ═══════════════════════════════════════════════════════════════════════════════
// CLOSER - Local bookkeeping shared by the monitor and the reconciler
// ═══════════════════════════════════════════════════════════════════════════════

type closer struct {
	store    PositionStore
	journal  Journal
	notifier Notifier
	timeout  time.Duration
}

func newCloser(store PositionStore, journal Journal, notifier Notifier, timeout time.Duration) *closer {
	return &closer{store: store, journal: journal, notifier: notifier, timeout: timeout}
}

// close marks the position closed in the store, then logs, journals, notifies
// and records the exit as a decision so the cooldown covers it
func (c *closer) close(ctx context.Context, pos *types.Position, exitValue decimal.Decimal, reason, detail string) error {
	sctx, cancel := withTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	if err := c.store.ClosePosition(sctx, pos, exitValue, reason); err != nil {
		return err
	}

	pnl := pos.PnLAt(exitValue)
	emoji := "✅"
	if pnl.IsNegative() {
		emoji = "🔴"
	}
	log.Info().
		Str("ticker", pos.Ticker).
		Str("side", string(pos.Side)).
		Str("reason", reason).
		Str("entry", pos.EntryPrice.StringFixed(2)).
		Str("exit", exitValue.StringFixed(2)).
		Str("pnl", storage.FormatPnL(pnl)).
		Str("detail", detail).
		Msg(emoji + " Position closed")

	if c.journal != nil {
		note := reason
		if detail != "" {
			note += " " + detail
		}
		if err := c.journal.Exit(pos.Ticker, string(pos.Side), exitValue, pnl, note); err != nil {
			log.Warn().Err(err).Str("ticker", pos.Ticker).Msg("⚠️ Trade log write failed")
		}
	}

	if c.notifier != nil {
		c.notifier.NotifyExit(pos, reason)
	}

	if err := c.store.RecordDecision(sctx, pos.Ticker, "EXIT_"+reason, pos.Confidence, pos.Cost()); err != nil {
		log.Warn().Err(err).Str("ticker", pos.Ticker).Msg("⚠️ Failed to record exit decision")
	}
	return nil
}
