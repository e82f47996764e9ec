package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/rangebot/execution"
	"github.com/web3guy0/rangebot/feeds"
	"github.com/web3guy0/rangebot/risk"
	"github.com/web3guy0/rangebot/strategy"
	"github.com/web3guy0/rangebot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ENGINE - Central orchestrator
// ═══════════════════════════════════════════════════════════════════════════════
//
// One cycle:
//   1. Monitor (no model)      settlement + fixed thresholds
//   2. Capital                 balance, reconcile (live), exposure breaker
//   3. Value + volatility      sample the feed, update the rolling window
//   4. Monitor (model)         adds model-reversal exits
//   5. Scan                    rank candidates by |edge|
//   6. Execute                 cooldown, per-cycle cap, open positions
//
// A failure in 3 or 5 skips the entry phase only. A failure anywhere else
// ends the cycle and the loop backs off before retrying. Nothing crashes
// the loop except cancellation of its context.
//
// The price window and the held set belong to the loop goroutine alone.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ValueFeed returns the underlying's current value
type ValueFeed interface {
	GetCurrentValue(ctx context.Context) (float64, error)
}

// Venue is the exchange gateway as the engine sees it
type Venue interface {
	execution.Exchange
	ListOpenContracts(ctx context.Context, series string) ([]types.Contract, error)
	GetBalance(ctx context.Context) (decimal.Decimal, error)
}

// Config holds the loop parameters
type Config struct {
	Live              bool
	Series            string
	ScanInterval      time.Duration
	ErrorBackoff      time.Duration
	CallTimeout       time.Duration
	MaxTradesPerCycle int
	Cooldown          time.Duration
	PaperBankroll     decimal.Decimal
	VolLookback       int
}

// Deps bundles the collaborators the engine drives
type Deps struct {
	Feed       ValueFeed
	Venue      Venue
	Store      execution.PositionStore
	Monitor    *execution.Monitor
	Reconciler *execution.Reconciler
	Executor   *execution.Executor
	Scanner    *strategy.Scanner
	Breaker    *risk.ExposureBreaker
	Volatility *feeds.VolatilityEstimator
}

// CycleReport is the structured summary of one cycle
type CycleReport struct {
	Started    time.Time
	Checked    int
	Closed     int
	Reconciled int
	Balance    decimal.Decimal
	Exposure   decimal.Decimal
	Fraction   decimal.Decimal
	Cap        decimal.Decimal
	Value      float64
	VolPerMin  float64
	Samples    int
	WindowCap  int
	Candidates int
	Opened     int
	Rejected   int
	SkipReason string
	Duration   time.Duration
}

type Engine struct {
	cfg  Config
	deps Deps

	// Loop-owned
	window *feeds.PriceWindow
	now    func() time.Time

	paused atomic.Bool

	mu         sync.RWMutex
	lastReport CycleReport
	cycles     int
}

// NewEngine creates a new trading engine
func NewEngine(cfg Config, deps Deps) *Engine {
	if cfg.VolLookback < 2 {
		cfg.VolLookback = 30
	}
	if cfg.MaxTradesPerCycle < 0 {
		cfg.MaxTradesPerCycle = 0
	}
	return &Engine{
		cfg:    cfg,
		deps:   deps,
		window: feeds.NewPriceWindow(cfg.VolLookback),
		now:    time.Now,
	}
}

// SetClock overrides the wall clock
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Pause stops new entries; monitoring continues
func (e *Engine) Pause() {
	e.paused.Store(true)
	log.Warn().Msg("⏸️ Entries paused")
}

// Resume re-enables new entries
func (e *Engine) Resume() {
	e.paused.Store(false)
	log.Info().Msg("▶️ Entries resumed")
}

// IsPaused reports whether entries are paused
func (e *Engine) IsPaused() bool {
	return e.paused.Load()
}

// IsLive reports whether the engine trades real money
func (e *Engine) IsLive() bool {
	return e.cfg.Live
}

// LastReport returns the most recent cycle report and the cycle count
func (e *Engine) LastReport() (CycleReport, int) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastReport, e.cycles
}

// Run loops until ctx is cancelled
func (e *Engine) Run(ctx context.Context) error {
	mode := "PAPER"
	if e.cfg.Live {
		mode = "LIVE"
	}
	log.Info().
		Str("mode", mode).
		Str("series", e.cfg.Series).
		Dur("interval", e.cfg.ScanInterval).
		Msg("⚡ Engine started")

	for {
		if ctx.Err() != nil {
			log.Info().Msg("Engine stopped")
			return nil
		}

		wait := e.cfg.ScanInterval
		if _, err := e.RunCycle(ctx); err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				log.Info().Msg("Engine stopped")
				return nil
			}
			log.Error().Err(err).Dur("backoff", e.cfg.ErrorBackoff).Msg("❌ Cycle error")
			wait = e.cfg.ErrorBackoff
		}

		if !sleep(ctx, wait) {
			log.Info().Msg("Engine stopped")
			return nil
		}
	}
}

// sleep waits d or until ctx is done; false means cancelled
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// RunCycle executes one full cycle
func (e *Engine) RunCycle(ctx context.Context) (rep CycleReport, err error) {
	start := e.now()
	rep.Started = start
	defer func() {
		rep.Duration = e.now().Sub(start)
		e.publish(rep, err)
	}()

	// ── 1. Settlement / fixed-threshold pass ─────────────────────────────────
	mrep, err := e.deps.Monitor.Run(ctx, nil)
	if err != nil {
		return rep, err
	}
	rep.Checked += mrep.Checked
	rep.Closed += mrep.Closed

	// ── 2. Capital ───────────────────────────────────────────────────────────
	balance, err := e.balance(ctx)
	if err != nil {
		return rep, err
	}
	rep.Balance = balance

	if e.cfg.Live && e.deps.Reconciler != nil {
		n, err := e.deps.Reconciler.Reconcile(ctx)
		if err != nil {
			log.Error().Err(err).Msg("❌ Reconciliation failed")
		}
		rep.Reconciled = n
	}

	positions, err := e.openPositions(ctx)
	if err != nil {
		return rep, err
	}
	exposure := risk.Exposure(positions)
	check := e.deps.Breaker.Check(balance, exposure)
	rep.Exposure = check.Exposure
	rep.Fraction = check.Fraction
	rep.Cap = check.Cap

	log.Info().
		Str("balance", "$"+balance.StringFixed(2)).
		Str("exposure", "$"+exposure.StringFixed(2)).
		Str("fraction", check.Fraction.Mul(decimal.NewFromInt(100)).StringFixed(0)+"%").
		Str("cap", check.Cap.Mul(decimal.NewFromInt(100)).StringFixed(0)+"%").
		Str("total", "$"+check.Total.StringFixed(2)).
		Int("open", len(positions)).
		Msg("💰 Capital")

	if check.Tripped {
		rep.SkipReason = "exposure cap"
		return rep, nil
	}

	// ── 3. Value + volatility ────────────────────────────────────────────────
	fctx, cancel := e.callCtx(ctx)
	value, err := e.deps.Feed.GetCurrentValue(fctx)
	cancel()
	if err != nil {
		log.Warn().Err(err).Msg("⚠️ Value feed failed - skipping entries")
		rep.SkipReason = "value feed"
		return rep, nil
	}

	e.window.Add(value)
	volPerMin := e.deps.Volatility.Estimate(e.window.Values())
	rep.Value = value
	rep.VolPerMin = volPerMin
	rep.Samples = e.window.Len()
	rep.WindowCap = e.window.Cap()

	log.Info().
		Float64("value", value).
		Str("samples", fmt.Sprintf("%d/%d", rep.Samples, rep.WindowCap)).
		Str("ann_vol", fmt.Sprintf("%.1f%%", feeds.PerMinuteToAnnual(volPerMin)*100)).
		Msg("📈 Underlying")

	// ── 4. Model-aware pass ──────────────────────────────────────────────────
	mrep, err = e.deps.Monitor.Run(ctx, &risk.ModelContext{Value: value, VolPerMin: volPerMin, Now: e.now()})
	if err != nil {
		return rep, err
	}
	rep.Closed += mrep.Closed

	if e.paused.Load() {
		rep.SkipReason = "paused"
		return rep, nil
	}

	// ── 5. Scan ──────────────────────────────────────────────────────────────
	held := make(map[string]bool, len(positions))
	if fresh, err := e.openPositions(ctx); err == nil {
		positions = fresh
	} else {
		log.Warn().Err(err).Msg("⚠️ Reloading positions failed - using pre-monitor set")
	}
	for _, p := range positions {
		held[p.Ticker] = true
	}

	lctx, cancel := e.callCtx(ctx)
	contracts, err := e.deps.Venue.ListOpenContracts(lctx, e.cfg.Series)
	cancel()
	if err != nil {
		log.Warn().Err(err).Msg("⚠️ Contract listing failed - skipping entries")
		rep.SkipReason = "contract list"
		return rep, nil
	}

	candidates, stats := e.deps.Scanner.Scan(contracts, value, volPerMin, held, e.now())
	rep.Candidates = len(candidates)

	log.Info().
		Int("contracts", stats.Total).
		Int("held", stats.Held).
		Int("horizon", stats.Horizon).
		Int("illiquid", stats.Illiquid).
		Int("no_edge", stats.NoEdge).
		Int("candidates", len(candidates)).
		Msg("🔍 Scan")

	// ── 6. Execute ───────────────────────────────────────────────────────────
	rep.Opened, rep.Rejected = e.execute(ctx, candidates, held)
	return rep, nil
}

// execute opens positions from ranked candidates, in order, up to the cap
func (e *Engine) execute(ctx context.Context, candidates []types.Candidate, held map[string]bool) (opened, rejected int) {
	for _, cand := range candidates {
		if opened >= e.cfg.MaxTradesPerCycle {
			break
		}
		if ctx.Err() != nil {
			return
		}
		if held[cand.Ticker] {
			continue
		}

		sctx, cancel := e.callCtx(ctx)
		seen, err := e.deps.Store.WasRecentlySeen(sctx, cand.Ticker, e.cfg.Cooldown)
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("ticker", cand.Ticker).Msg("⚠️ Cooldown check failed - skipping")
			continue
		}
		if seen {
			log.Debug().Str("ticker", cand.Ticker).Msg("Cooldown - skipping")
			continue
		}

		pos, err := e.deps.Executor.Open(ctx, cand, e.now())
		if err != nil {
			switch {
			case errors.Is(err, execution.ErrOrderRejected):
				rejected++
				log.Warn().Err(err).Msg("⚠️ Order rejected")
			case errors.Is(err, execution.ErrUnrecordedFill):
				held[cand.Ticker] = true
				log.Error().Err(err).Str("ticker", cand.Ticker).Msg("🚨 Live order working without a local position")
			default:
				log.Error().Err(err).Str("ticker", cand.Ticker).Msg("❌ Entry failed")
			}
			continue
		}

		held[pos.Ticker] = true
		opened++
	}
	return
}

// balance returns spendable cash. Paper mode falls back to the paper
// bankroll when the venue has nothing or cannot be reached.
func (e *Engine) balance(ctx context.Context) (decimal.Decimal, error) {
	bctx, cancel := e.callCtx(ctx)
	balance, err := e.deps.Venue.GetBalance(bctx)
	cancel()

	if e.cfg.Live {
		if err != nil {
			return decimal.Zero, fmt.Errorf("engine: balance: %w", err)
		}
		return balance, nil
	}

	if err != nil {
		log.Debug().Err(err).Msg("Balance unavailable - using paper bankroll")
		return e.cfg.PaperBankroll, nil
	}
	if !balance.IsPositive() {
		return e.cfg.PaperBankroll, nil
	}
	return balance, nil
}

func (e *Engine) openPositions(ctx context.Context) ([]*types.Position, error) {
	sctx, cancel := e.callCtx(ctx)
	defer cancel()
	positions, err := e.deps.Store.GetOpenPositions(sctx)
	if err != nil {
		return nil, fmt.Errorf("engine: open positions: %w", err)
	}
	return positions, nil
}

func (e *Engine) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.cfg.CallTimeout)
}

// publish logs the cycle report and keeps it for status queries
func (e *Engine) publish(rep CycleReport, err error) {
	e.mu.Lock()
	e.lastReport = rep
	e.cycles++
	n := e.cycles
	e.mu.Unlock()

	ev := log.Info()
	if err != nil {
		ev = log.Warn().Err(err)
	}
	ev.Int("cycle", n).
		Int("checked", rep.Checked).
		Int("closed", rep.Closed).
		Int("reconciled", rep.Reconciled).
		Str("balance", "$"+rep.Balance.StringFixed(2)).
		Str("exposure", "$"+rep.Exposure.StringFixed(2)).
		Float64("vol_per_min", rep.VolPerMin).
		Int("candidates", rep.Candidates).
		Int("opened", rep.Opened).
		Int("rejected", rep.Rejected).
		Str("skipped", rep.SkipReason).
		Dur("took", rep.Duration).
		Msg("📋 Cycle report")
}
