package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/rangebot/execution"
	"github.com/web3guy0/rangebot/feeds"
	"github.com/web3guy0/rangebot/risk"
	"github.com/web3guy0/rangebot/storage"
	"github.com/web3guy0/rangebot/strategy"
	"github.com/web3guy0/rangebot/types"
)

var testNow = time.Date(2026, 3, 1, 15, 0, 0, 0, time.UTC)

// ═══════════════════════════════════════════════════════════════════════════════
// FAKES
// ═══════════════════════════════════════════════════════════════════════════════

type fakeFeed struct {
	value float64
	err   error
	calls int
}

func (f *fakeFeed) GetCurrentValue(context.Context) (float64, error) {
	f.calls++
	return f.value, f.err
}

type fakeVenue struct {
	mu         sync.Mutex
	contracts  []types.Contract
	balance    decimal.Decimal
	balanceErr error
	listErr    error
	held       map[string]int
	orderState types.OrderState
	orders     []string
	closes     []string
}

func (v *fakeVenue) GetContract(_ context.Context, ticker string) (types.Contract, error) {
	for _, c := range v.contracts {
		if c.Ticker == ticker {
			return c, nil
		}
	}
	return types.Contract{}, fmt.Errorf("unknown %s", ticker)
}

func (v *fakeVenue) PlaceOrder(_ context.Context, ticker string, _ types.Side, _ decimal.Decimal, _ int) types.OrderResult {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.orders = append(v.orders, ticker)
	state := v.orderState
	if state == "" {
		state = types.OrderStateAccepted
	}
	return types.OrderResult{State: state}
}

func (v *fakeVenue) ClosePosition(_ context.Context, ticker string, _ types.Side, qty, _ int) types.OrderResult {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.closes = append(v.closes, ticker)
	return types.OrderResult{State: types.OrderStateAccepted, Count: qty}
}

func (v *fakeVenue) GetHeldQuantities(context.Context) (map[string]int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[string]int, len(v.held))
	for k, n := range v.held {
		out[k] = n
	}
	return out, nil
}

func (v *fakeVenue) ListOpenContracts(context.Context, string) ([]types.Contract, error) {
	if v.listErr != nil {
		return nil, v.listErr
	}
	return v.contracts, nil
}

func (v *fakeVenue) GetBalance(context.Context) (decimal.Decimal, error) {
	return v.balance, v.balanceErr
}

type memStore struct {
	mu        sync.Mutex
	positions []*types.Position
	seen      map[string]bool
	addErr    error
}

func newMemStore() *memStore {
	return &memStore{seen: make(map[string]bool)}
}

func (s *memStore) GetOpenPositions(context.Context) ([]*types.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Position
	for _, p := range s.positions {
		if p.Status == types.StatusOpen {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStore) AddPosition(_ context.Context, pos *types.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addErr != nil {
		return s.addErr
	}
	pos.ID = uint(len(s.positions) + 1)
	pos.Status = types.StatusOpen
	cp := *pos
	s.positions = append(s.positions, &cp)
	return nil
}

func (s *memStore) ClosePosition(_ context.Context, pos *types.Position, exitValue decimal.Decimal, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.positions {
		if p.ID != pos.ID {
			continue
		}
		if p.Status == types.StatusClosed {
			return storage.ErrPositionClosed
		}
		p.Status = types.StatusClosed
		p.ExitValue = decimal.NewNullDecimal(exitValue)
		p.ExitReason = reason
		return nil
	}
	return storage.ErrPositionNotFound
}

func (s *memStore) RecordDecision(_ context.Context, ticker, _ string, _ float64, _ decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen[ticker] = true
	return nil
}

func (s *memStore) WasRecentlySeen(_ context.Context, ticker string, _ time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen[ticker], nil
}

func (s *memStore) open() int {
	n, _ := s.GetOpenPositions(context.Background())
	return len(n)
}

func (s *memStore) byTicker(ticker string) types.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.positions {
		if p.Ticker == ticker {
			return *p
		}
	}
	return types.Position{}
}

// ═══════════════════════════════════════════════════════════════════════════════
// HARNESS
// ═══════════════════════════════════════════════════════════════════════════════

func strike(v float64) *float64 { return &v }

// rangeContract sits around 100000 and is underpriced on YES for a mid-range value
func rangeContract(ticker string) types.Contract {
	return types.Contract{
		Ticker:      ticker,
		FloorStrike: strike(99000),
		CapStrike:   strike(101000),
		CloseTime:   testNow.Add(time.Hour),
		Status:      "open",
		YesBid:      45,
		YesAsk:      50,
		Volume:      500,
	}
}

func newTestEngine(cfg Config, feed *fakeFeed, venue *fakeVenue, store *memStore) *Engine {
	if cfg.MaxTradesPerCycle == 0 {
		cfg.MaxTradesPerCycle = 5
	}
	cfg.CallTimeout = time.Second
	cfg.Cooldown = time.Hour
	cfg.PaperBankroll = decimal.NewFromInt(100)

	exits := risk.NewTPSLManager(risk.ExitConfig{
		StopLossPct:           decimal.RequireFromString("0.40"),
		SoftStopLossPct:       decimal.RequireFromString("0.05"),
		TakeProfitNoAskCents:  3,
		TakeProfitYesBidCents: 95,
	})
	exits.SetClock(func() time.Time { return testNow })
	sizer := risk.NewSizer(decimal.NewFromInt(2), decimal.RequireFromString("0.40"))

	e := NewEngine(cfg, Deps{
		Feed:       feed,
		Venue:      venue,
		Store:      store,
		Monitor:    execution.NewMonitor(venue, store, exits, nil, nil, time.Second),
		Reconciler: execution.NewReconciler(venue, store, nil, nil, time.Second),
		Executor: execution.NewExecutor(venue, store, sizer, nil, nil, execution.ExecutorConfig{
			Live:        cfg.Live,
			Strategy:    "vol_edge",
			CallTimeout: time.Second,
		}),
		Scanner:    strategy.NewScanner(strategy.ScanConfig{MinMinutes: 10, MaxMinutes: 240, MinEdge: 0.05}),
		Breaker:    risk.NewExposureBreaker(decimal.RequireFromString("0.80")),
		Volatility: feeds.NewVolatilityEstimator(time.Minute, 0.5, 0.2),
	})
	e.SetClock(func() time.Time { return testNow })
	return e
}

// ═══════════════════════════════════════════════════════════════════════════════
// TESTS
// ═══════════════════════════════════════════════════════════════════════════════

func TestRunCycle_PaperEntry(t *testing.T) {
	feed := &fakeFeed{value: 100000}
	venue := &fakeVenue{contracts: []types.Contract{rangeContract("KXBTC-A")}, balanceErr: errors.New("unsigned")}
	store := newMemStore()
	e := newTestEngine(Config{}, feed, venue, store)

	rep, err := e.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if rep.Opened != 1 || rep.Candidates != 1 || rep.SkipReason != "" {
		t.Fatalf("report: got %+v", rep)
	}
	if !rep.Balance.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("balance: got %s want paper bankroll", rep.Balance)
	}
	if len(venue.orders) != 0 {
		t.Fatalf("paper mode sent orders: %v", venue.orders)
	}
	if store.open() != 1 {
		t.Fatalf("open positions: got %d want 1", store.open())
	}

	// Second cycle: the ticker is held now and must not be re-entered.
	rep, err = e.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if rep.Opened != 0 || store.open() != 1 {
		t.Fatalf("second cycle re-entered: %+v", rep)
	}
	if _, n := e.LastReport(); n != 2 {
		t.Fatalf("cycle count: got %d want 2", n)
	}
}

func TestRunCycle_ExposureCapSkipsEntries(t *testing.T) {
	feed := &fakeFeed{value: 100000}
	old := rangeContract("KXBTC-OLD")
	old.YesBid, old.YesAsk = 50, 52
	venue := &fakeVenue{
		contracts: []types.Contract{old, rangeContract("KXBTC-NEW")},
		balance:   decimal.NewFromInt(1),
	}
	store := newMemStore()
	_ = store.AddPosition(context.Background(), &types.Position{
		Ticker:     "KXBTC-OLD",
		Side:       types.SideYes,
		EntryPrice: decimal.RequireFromString("0.50"),
		Quantity:   200,
		EntryTime:  testNow.Add(-time.Hour),
	})
	e := newTestEngine(Config{}, feed, venue, store)

	rep, err := e.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if rep.SkipReason != "exposure cap" {
		t.Fatalf("skip reason: got %q", rep.SkipReason)
	}
	if feed.calls != 0 || rep.Opened != 0 {
		t.Fatalf("tripped breaker must skip value fetch and entries: calls=%d opened=%d", feed.calls, rep.Opened)
	}
	if store.open() != 1 {
		t.Fatalf("existing position must stay open")
	}
}

func TestRunCycle_FeedFailureSkipsEntries(t *testing.T) {
	feed := &fakeFeed{err: errors.New("timeout")}
	venue := &fakeVenue{contracts: []types.Contract{rangeContract("KXBTC-A")}}
	store := newMemStore()
	e := newTestEngine(Config{}, feed, venue, store)

	rep, err := e.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("feed failure must not fail the cycle: %v", err)
	}
	if rep.SkipReason != "value feed" || rep.Opened != 0 || store.open() != 0 {
		t.Fatalf("report: got %+v", rep)
	}
}

func TestRunCycle_LiveRejection(t *testing.T) {
	feed := &fakeFeed{value: 100000}
	venue := &fakeVenue{
		contracts:  []types.Contract{rangeContract("KXBTC-A")},
		balance:    decimal.NewFromInt(50),
		orderState: types.OrderStateRejected,
	}
	store := newMemStore()
	e := newTestEngine(Config{Live: true}, feed, venue, store)

	rep, err := e.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if rep.Rejected != 1 || rep.Opened != 0 {
		t.Fatalf("report: got %+v", rep)
	}
	if len(venue.orders) != 1 || store.open() != 0 {
		t.Fatalf("orders=%v open=%d", venue.orders, store.open())
	}

	// The rejection starts the cooldown: no second order next cycle.
	if _, err := e.RunCycle(context.Background()); err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if len(venue.orders) != 1 {
		t.Fatalf("cooldown ignored, orders=%v", venue.orders)
	}
}

func TestRunCycle_LiveBalanceFailureIsCycleError(t *testing.T) {
	venue := &fakeVenue{balanceErr: errors.New("401")}
	e := newTestEngine(Config{Live: true}, &fakeFeed{value: 100000}, venue, newMemStore())

	if _, err := e.RunCycle(context.Background()); err == nil {
		t.Fatalf("expected cycle error")
	}
}

func TestRunCycle_TradeCap(t *testing.T) {
	feed := &fakeFeed{value: 100000}
	venue := &fakeVenue{contracts: []types.Contract{
		rangeContract("KXBTC-A"),
		rangeContract("KXBTC-B"),
		rangeContract("KXBTC-C"),
	}}
	store := newMemStore()
	e := newTestEngine(Config{MaxTradesPerCycle: 2}, feed, venue, store)

	rep, err := e.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if rep.Candidates != 3 || rep.Opened != 2 || store.open() != 2 {
		t.Fatalf("report: got %+v open=%d", rep, store.open())
	}
}

func TestRunCycle_CooldownSkipsRecentTicker(t *testing.T) {
	feed := &fakeFeed{value: 100000}
	venue := &fakeVenue{contracts: []types.Contract{rangeContract("KXBTC-A"), rangeContract("KXBTC-B")}}
	store := newMemStore()
	store.seen["KXBTC-A"] = true
	e := newTestEngine(Config{}, feed, venue, store)

	rep, err := e.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	open, _ := store.GetOpenPositions(context.Background())
	if rep.Opened != 1 || len(open) != 1 || open[0].Ticker != "KXBTC-B" {
		t.Fatalf("expected only KXBTC-B, got %+v", open)
	}
}

func TestRunCycle_PausedSkipsEntries(t *testing.T) {
	feed := &fakeFeed{value: 100000}
	venue := &fakeVenue{contracts: []types.Contract{rangeContract("KXBTC-A")}}
	store := newMemStore()
	e := newTestEngine(Config{}, feed, venue, store)
	e.Pause()

	rep, err := e.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if rep.SkipReason != "paused" || store.open() != 0 {
		t.Fatalf("report: got %+v", rep)
	}

	e.Resume()
	rep, _ = e.RunCycle(context.Background())
	if rep.Opened != 1 {
		t.Fatalf("after resume: got %+v", rep)
	}
}

func TestRunCycle_ContractListFailureSkipsEntries(t *testing.T) {
	feed := &fakeFeed{value: 100000}
	venue := &fakeVenue{contracts: []types.Contract{rangeContract("KXBTC-A")}, listErr: errors.New("502")}
	store := newMemStore()
	e := newTestEngine(Config{}, feed, venue, store)

	rep, err := e.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("listing failure must not fail the cycle: %v", err)
	}
	if rep.SkipReason != "contract list" || rep.Candidates != 0 || rep.Opened != 0 || store.open() != 0 {
		t.Fatalf("report: got %+v", rep)
	}
	if rep.Value != 100000 || rep.Samples != 1 || rep.WindowCap != 30 {
		t.Fatalf("value phase must still run: got %+v", rep)
	}

	venue.listErr = nil
	if rep, _ = e.RunCycle(context.Background()); rep.Opened != 1 {
		t.Fatalf("after recovery: got %+v", rep)
	}
}

// losingYes is a paper YES position down 12%: inside the hard stop, past the soft one
func losingYes(ticker string) (*types.Position, types.Contract) {
	c := rangeContract(ticker)
	c.YesBid, c.YesAsk = 44, 46
	return &types.Position{
		Ticker:     ticker,
		Side:       types.SideYes,
		EntryPrice: decimal.RequireFromString("0.50"),
		Quantity:   2,
		EntryTime:  testNow.Add(-10 * time.Minute),
	}, c
}

func TestRunCycle_ModelReversalOnlyOnModelPass(t *testing.T) {
	pos, c := losingYes("KXBTC-REV")
	// 105000 is far above the 99000-101000 range: the model prices YES near 0.
	feed := &fakeFeed{value: 105000}
	venue := &fakeVenue{contracts: []types.Contract{c}}
	store := newMemStore()
	_ = store.AddPosition(context.Background(), pos)
	e := newTestEngine(Config{}, feed, venue, store)

	rep, err := e.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	got := store.byTicker("KXBTC-REV")
	if got.Status != types.StatusClosed || got.ExitReason != string(risk.ExitModelReversal) {
		t.Fatalf("exit: got status=%s reason=%q want MODEL_REVERSAL", got.Status, got.ExitReason)
	}
	if !got.ExitValue.Decimal.Equal(decimal.RequireFromString("0.44")) {
		t.Fatalf("exit value: got %s want 0.44", got.ExitValue.Decimal)
	}
	if rep.Closed != 1 || rep.Checked != 1 {
		t.Fatalf("report: got %+v", rep)
	}
	// The exit starts the cooldown: the flipped side is not bought back.
	if rep.Opened != 0 || store.open() != 0 {
		t.Fatalf("re-entered after exit: %+v", rep)
	}
}

func TestRunCycle_FeedFailureKeepsFixedExits(t *testing.T) {
	rev, revContract := losingYes("KXBTC-REV")
	settled := rangeContract("KXBTC-SET")
	settled.Status = "settled"
	settled.Result = "yes"

	feed := &fakeFeed{err: errors.New("timeout")}
	venue := &fakeVenue{contracts: []types.Contract{revContract, settled}}
	store := newMemStore()
	_ = store.AddPosition(context.Background(), rev)
	_ = store.AddPosition(context.Background(), &types.Position{
		Ticker:     "KXBTC-SET",
		Side:       types.SideYes,
		EntryPrice: decimal.RequireFromString("0.40"),
		Quantity:   2,
		EntryTime:  testNow.Add(-time.Hour),
	})
	e := newTestEngine(Config{}, feed, venue, store)

	rep, err := e.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if rep.SkipReason != "value feed" || rep.Closed != 1 {
		t.Fatalf("report: got %+v", rep)
	}
	if got := store.byTicker("KXBTC-SET"); got.ExitReason != string(risk.ExitSettled) {
		t.Fatalf("settled position: got reason %q", got.ExitReason)
	}
	// No value means no model: the losing position rides until the hard stop.
	if got := store.byTicker("KXBTC-REV"); got.Status != types.StatusOpen {
		t.Fatalf("model exit ran without a value: %+v", got)
	}
}

func TestRunCycle_LiveReconcileClosesOnce(t *testing.T) {
	gone := rangeContract("KXBTC-GONE")
	gone.YesBid, gone.YesAsk = 40, 41
	venue := &fakeVenue{
		contracts: []types.Contract{gone},
		balance:   decimal.NewFromInt(50),
		held:      map[string]int{},
	}
	store := newMemStore()
	_ = store.AddPosition(context.Background(), &types.Position{
		Ticker:     "KXBTC-GONE",
		Side:       types.SideYes,
		EntryPrice: decimal.RequireFromString("0.40"),
		Quantity:   3,
		EntryTime:  testNow.Add(-time.Hour),
		Live:       true,
	})
	e := newTestEngine(Config{Live: true}, &fakeFeed{value: 100000}, venue, store)

	rep, err := e.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if rep.Reconciled != 1 {
		t.Fatalf("reconciled: got %d want 1", rep.Reconciled)
	}
	got := store.byTicker("KXBTC-GONE")
	if got.ExitReason != string(risk.ExitReconciled) || !got.ExitValue.Decimal.Equal(got.EntryPrice) {
		t.Fatalf("reconcile close: reason=%q exit=%s entry=%s", got.ExitReason, got.ExitValue.Decimal, got.EntryPrice)
	}
	if len(venue.closes) != 0 {
		t.Fatalf("reconcile must not trade: closes=%v", venue.closes)
	}

	rep, err = e.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if rep.Reconciled != 0 || len(venue.orders) != 0 {
		t.Fatalf("second cycle: reconciled=%d orders=%v", rep.Reconciled, venue.orders)
	}
}

func TestRunCycle_UnrecordedLiveFillBlocksTicker(t *testing.T) {
	venue := &fakeVenue{
		contracts: []types.Contract{rangeContract("KXBTC-A")},
		balance:   decimal.NewFromInt(50),
		held:      map[string]int{"KXBTC-A": 4},
	}
	store := newMemStore()
	store.addErr = errors.New("database is locked")
	e := newTestEngine(Config{Live: true}, &fakeFeed{value: 100000}, venue, store)

	rep, err := e.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if rep.Opened != 0 || rep.Rejected != 0 || len(venue.orders) != 1 {
		t.Fatalf("report: %+v orders=%v", rep, venue.orders)
	}

	// The store recovers, but the ticker is in cooldown: no second order.
	store.addErr = nil
	if _, err := e.RunCycle(context.Background()); err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if len(venue.orders) != 1 {
		t.Fatalf("duplicate live order after unrecorded fill: %v", venue.orders)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	venue := &fakeVenue{}
	e := newTestEngine(Config{ScanInterval: time.Hour, ErrorBackoff: time.Hour}, &fakeFeed{value: 100000}, venue, newMemStore())

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("engine did not stop")
	}
}
