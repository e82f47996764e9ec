package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/rangebot/risk"
	"github.com/web3guy0/rangebot/storage"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RECONCILIATION - Local book vs venue holdings
// ═══════════════════════════════════════════════════════════════════════════════
//
// The venue is the source of truth for "do I hold this". Any locally open
// live position the venue reports zero contracts for is closed at its entry
// price (flat, no P&L) with reason RECONCILED.
//
// Running it twice is harmless: the second run finds nothing open to close.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Reconciler closes local positions the venue no longer holds
type Reconciler struct {
	exchange Exchange
	store    PositionStore
	closer   *closer
	timeout  time.Duration
}

// NewReconciler creates a position reconciler
func NewReconciler(exchange Exchange, store PositionStore, journal Journal, notifier Notifier, callTimeout time.Duration) *Reconciler {
	return &Reconciler{
		exchange: exchange,
		store:    store,
		closer:   newCloser(store, journal, notifier, callTimeout),
		timeout:  callTimeout,
	}
}

// Reconcile returns how many positions were force-closed
func (r *Reconciler) Reconcile(ctx context.Context) (int, error) {
	hctx, cancel := withTimeout(ctx, r.timeout)
	held, err := r.exchange.GetHeldQuantities(hctx)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("reconcile: venue positions: %w", err)
	}

	sctx, cancel := withTimeout(ctx, r.timeout)
	positions, err := r.store.GetOpenPositions(sctx)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("reconcile: open positions: %w", err)
	}

	closed := 0
	for _, pos := range positions {
		if !pos.Live || held[pos.Ticker] > 0 {
			continue
		}

		log.Warn().
			Str("ticker", pos.Ticker).
			Str("side", string(pos.Side)).
			Int("local_qty", pos.Quantity).
			Msg("🔄 Venue holds nothing - closing at entry")

		err := r.closer.close(ctx, pos, pos.EntryPrice, string(risk.ExitReconciled), "venue qty=0")
		switch {
		case errors.Is(err, storage.ErrPositionClosed):
			continue
		case err != nil:
			log.Error().Err(err).Str("ticker", pos.Ticker).Msg("❌ Reconcile close failed")
			continue
		}
		closed++
	}

	if closed > 0 {
		log.Info().Int("closed", closed).Msg("✅ Reconciliation complete")
	}
	return closed, nil
}
