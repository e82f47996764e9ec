package execution

import (
	"context"
	"testing"
	"time"

	"github.com/web3guy0/rangebot/types"
)

func TestReconciler_ClosesMissingLivePositionsOnce(t *testing.T) {
	ex := newFakeExchange()
	store := newFakeStore()
	notifier := &fakeNotifier{}

	gone := seed(t, store, "KXBTC-GONE", types.SideYes, "0.40", true)
	kept := seed(t, store, "KXBTC-KEPT", types.SideNo, "0.60", true)
	paper := seed(t, store, "KXBTC-PAPER", types.SideYes, "0.40", false)
	ex.held["KXBTC-KEPT"] = 10

	r := NewReconciler(ex, store, nil, notifier, time.Second)

	n, err := r.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if n != 1 {
		t.Fatalf("first run closed %d, want 1", n)
	}

	got := store.get(gone.ID)
	if got.Status != types.StatusClosed || got.ExitReason != "RECONCILED" {
		t.Fatalf("gone: got %+v", got)
	}
	if !got.ExitValue.Decimal.Equal(gone.EntryPrice) || !got.RealizedPnL.Decimal.IsZero() {
		t.Fatalf("reconciled close must be flat, got exit %s pnl %s", got.ExitValue.Decimal, got.RealizedPnL.Decimal)
	}
	if store.get(kept.ID).Status != types.StatusOpen {
		t.Fatalf("venue-held position must stay open")
	}
	if store.get(paper.ID).Status != types.StatusOpen {
		t.Fatalf("paper position must not be reconciled")
	}

	n, err = r.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if n != 0 {
		t.Fatalf("second run closed %d, want 0", n)
	}
	if len(notifier.exits) != 1 {
		t.Fatalf("notifications: got %v want one", notifier.exits)
	}
}
