package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/rangebot/risk"
	"github.com/web3guy0/rangebot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EXECUTION LAYER - Candidate → Position
// ═══════════════════════════════════════════════════════════════════════════════
//
// Order Flow:
//   Candidate → Sizer → (live) PlaceOrder → AddPosition → journal / notify
//                              ↓
//                     REJECTED / FAILED → decision logged, nothing persisted
//
// Paper mode skips the venue and persists unconditionally.
//
// ═══════════════════════════════════════════════════════════════════════════════

var (
	// ErrOrderRejected is returned when the venue does not accept an entry order
	ErrOrderRejected = errors.New("execution: order not accepted")
	// ErrUnrecordedFill is returned when the venue accepted a live order but
	// the position could not be persisted. The ticker must be treated as held.
	ErrUnrecordedFill = errors.New("execution: live order accepted but not recorded")
)

// ExecutorConfig holds entry parameters
type ExecutorConfig struct {
	Live        bool
	Strategy    string
	MaxHold     time.Duration
	CallTimeout time.Duration
}

// Executor opens positions from ranked candidates
type Executor struct {
	exchange Exchange
	store    PositionStore
	journal  Journal
	notifier Notifier
	sizer    *risk.Sizer
	cfg      ExecutorConfig
}

// NewExecutor creates a new executor. journal and notifier may be nil.
func NewExecutor(exchange Exchange, store PositionStore, sizer *risk.Sizer, journal Journal, notifier Notifier, cfg ExecutorConfig) *Executor {
	mode := "PAPER"
	if cfg.Live {
		mode = "LIVE"
	}
	log.Info().
		Str("mode", mode).
		Str("budget", "$"+sizer.Budget().StringFixed(2)).
		Msg("🚀 Executor initialized")

	return &Executor{
		exchange: exchange,
		store:    store,
		journal:  journal,
		notifier: notifier,
		sizer:    sizer,
		cfg:      cfg,
	}
}

// Open places (live) and persists a position for the candidate. A live order
// the venue does not accept returns ErrOrderRejected and leaves no position;
// an accepted one that cannot be stored returns ErrUnrecordedFill.
func (e *Executor) Open(ctx context.Context, cand types.Candidate, now time.Time) (*types.Position, error) {
	if cand.PriceCents <= 0 || cand.PriceCents >= 100 {
		return nil, fmt.Errorf("execution: %s price %d¢ outside (0,100)", cand.Ticker, cand.PriceCents)
	}

	confidence := risk.Confidence(abs(cand.Edge))
	qty := e.sizer.Quantity(cand.PriceCents)

	if e.cfg.Live {
		octx, cancel := orderContext(ctx, e.cfg.CallTimeout)
		res := e.exchange.PlaceOrder(octx, cand.Ticker, cand.Side, e.sizer.Budget(), cand.PriceCents)
		cancel()

		if !res.Accepted() {
			e.recordDecision(ctx, cand.Ticker, string(res.State), confidence, decimal.Zero)
			return nil, fmt.Errorf("%w: %s %s %s: %s", ErrOrderRejected, cand.Ticker, cand.Side, res.State, res.Reason)
		}
		if res.Count > 0 {
			qty = res.Count
		}
	}

	entry := decimal.New(int64(cand.PriceCents), -2)
	pos := &types.Position{
		Ticker:        cand.Ticker,
		Side:          cand.Side,
		EntryPrice:    entry,
		Quantity:      qty,
		EntryTime:     now,
		Rationale:     rationale(cand),
		Confidence:    confidence,
		Live:          e.cfg.Live,
		Status:        types.StatusOpen,
		Strategy:      e.cfg.Strategy,
		StopLossPrice: decimal.NewNullDecimal(e.sizer.StopLossPrice(entry)),
		MaxHold:       e.cfg.MaxHold,
	}

	sctx, cancel := withTimeout(context.WithoutCancel(ctx), e.cfg.CallTimeout)
	err := e.store.AddPosition(sctx, pos)
	cancel()
	if err != nil {
		log.Error().Err(err).
			Str("ticker", cand.Ticker).
			Bool("live", e.cfg.Live).
			Msg("❌ Failed to persist position")
		if e.cfg.Live {
			// The order is working on the venue; the decision keeps the
			// cooldown closed on this ticker even without a local record.
			e.recordDecision(ctx, cand.Ticker, string(cand.Side), confidence, pos.Cost())
			return nil, fmt.Errorf("%w: %s %s: %v", ErrUnrecordedFill, cand.Ticker, cand.Side, err)
		}
		return nil, err
	}

	log.Info().
		Str("ticker", pos.Ticker).
		Str("side", string(pos.Side)).
		Str("price", entry.StringFixed(2)).
		Int("qty", qty).
		Float64("edge", cand.Edge).
		Float64("model", cand.ModelProb).
		Bool("live", pos.Live).
		Msg("🎯 Position opened")

	if e.journal != nil {
		if err := e.journal.Enter(pos.Ticker, string(pos.Side), entry, e.sizer.Budget(), pos.Rationale); err != nil {
			log.Warn().Err(err).Str("ticker", pos.Ticker).Msg("⚠️ Trade log write failed")
		}
	}
	if e.notifier != nil {
		e.notifier.NotifyEntry(pos)
	}
	e.recordDecision(ctx, pos.Ticker, string(pos.Side), confidence, pos.Cost())

	return pos, nil
}

func (e *Executor) recordDecision(ctx context.Context, ticker, action string, confidence float64, cost decimal.Decimal) {
	sctx, cancel := withTimeout(context.WithoutCancel(ctx), e.cfg.CallTimeout)
	defer cancel()
	if err := e.store.RecordDecision(sctx, ticker, action, confidence, cost); err != nil {
		log.Warn().Err(err).Str("ticker", ticker).Str("action", action).Msg("⚠️ Failed to record decision")
	}
}

func rationale(c types.Candidate) string {
	return fmt.Sprintf("%s | range %s-%s | model=%.1f%% exec=%.1f%% edge=%+.1f%% | %.0fm left",
		c.Context,
		decimal.NewFromFloat(c.Floor).StringFixed(0),
		decimal.NewFromFloat(c.Cap).StringFixed(0),
		c.ModelProb*100, c.ExecProb()*100, c.Edge*100, c.MinutesLeft)
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
