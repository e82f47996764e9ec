package execution

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/rangebot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ADAPTER - Collaborators the execution layer drives
// ═══════════════════════════════════════════════════════════════════════════════
//
// exec.Client satisfies Exchange, storage.Database satisfies PositionStore,
// storage.TradeLog satisfies Journal and bot.TelegramBot satisfies
// Notifier. Tests swap in fakes.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Exchange is the venue gateway
type Exchange interface {
	GetContract(ctx context.Context, ticker string) (types.Contract, error)
	PlaceOrder(ctx context.Context, ticker string, side types.Side, budget decimal.Decimal, priceCents int) types.OrderResult
	ClosePosition(ctx context.Context, ticker string, side types.Side, qty, priceCents int) types.OrderResult
	GetHeldQuantities(ctx context.Context) (map[string]int, error)
}

// PositionStore is the durable source of truth for held positions
type PositionStore interface {
	GetOpenPositions(ctx context.Context) ([]*types.Position, error)
	AddPosition(ctx context.Context, pos *types.Position) error
	ClosePosition(ctx context.Context, pos *types.Position, exitValue decimal.Decimal, reason string) error
	RecordDecision(ctx context.Context, ticker, action string, confidence float64, cost decimal.Decimal) error
	WasRecentlySeen(ctx context.Context, ticker string, within time.Duration) (bool, error)
}

// Journal is the human-readable trade log
type Journal interface {
	Enter(ticker, side string, price, budget decimal.Decimal, reason string) error
	Exit(ticker, side string, exitValue, pnl decimal.Decimal, reason string) error
}

// Notifier pushes entry/exit messages somewhere a human will see them
type Notifier interface {
	NotifyEntry(pos *types.Position)
	NotifyExit(pos *types.Position, reason string)
}

// withTimeout bounds a single collaborator call
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// orderContext detaches an order call from shutdown so it completes or
// times out on its own
func orderContext(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return withTimeout(context.WithoutCancel(ctx), d)
}
