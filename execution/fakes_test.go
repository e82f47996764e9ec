package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/rangebot/storage"
	"github.com/web3guy0/rangebot/types"
)

type closeCall struct {
	ticker string
	side   types.Side
	qty    int
	cents  int
}

type fakeExchange struct {
	mu         sync.Mutex
	contracts  map[string]types.Contract
	held       map[string]int
	orderState types.OrderState
	closeState types.OrderState
	orders     int
	closes     []closeCall
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		contracts:  make(map[string]types.Contract),
		held:       make(map[string]int),
		orderState: types.OrderStateAccepted,
		closeState: types.OrderStateAccepted,
	}
}

func (f *fakeExchange) GetContract(_ context.Context, ticker string) (types.Contract, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.contracts[ticker]
	if !ok {
		return types.Contract{}, fmt.Errorf("no contract %s", ticker)
	}
	return c, nil
}

func (f *fakeExchange) PlaceOrder(_ context.Context, ticker string, _ types.Side, budget decimal.Decimal, priceCents int) types.OrderResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders++
	return types.OrderResult{State: f.orderState, OrderID: "ord-" + ticker, Reason: "fake"}
}

func (f *fakeExchange) ClosePosition(_ context.Context, ticker string, side types.Side, qty, priceCents int) types.OrderResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes = append(f.closes, closeCall{ticker: ticker, side: side, qty: qty, cents: priceCents})
	return types.OrderResult{State: f.closeState, Count: qty}
}

func (f *fakeExchange) GetHeldQuantities(context.Context) (map[string]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int, len(f.held))
	for k, v := range f.held {
		out[k] = v
	}
	return out, nil
}

type decisionRow struct {
	ticker string
	action string
}

// fakeStore keeps positions in memory with the same close semantics as the database
type fakeStore struct {
	mu        sync.Mutex
	nextID    uint
	positions map[uint]*types.Position
	decisions []decisionRow
	addErr    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{positions: make(map[uint]*types.Position)}
}

func (s *fakeStore) GetOpenPositions(context.Context) ([]*types.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Position
	for id := uint(1); id <= s.nextID; id++ {
		p, ok := s.positions[id]
		if ok && p.Status == types.StatusOpen {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeStore) AddPosition(_ context.Context, pos *types.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addErr != nil {
		return s.addErr
	}
	s.nextID++
	pos.ID = s.nextID
	pos.Status = types.StatusOpen
	cp := *pos
	s.positions[pos.ID] = &cp
	return nil
}

func (s *fakeStore) ClosePosition(_ context.Context, pos *types.Position, exitValue decimal.Decimal, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[pos.ID]
	if !ok {
		return storage.ErrPositionNotFound
	}
	if p.Status == types.StatusClosed {
		return storage.ErrPositionClosed
	}
	p.Status = types.StatusClosed
	p.ExitValue = decimal.NewNullDecimal(exitValue)
	p.RealizedPnL = decimal.NewNullDecimal(p.PnLAt(exitValue))
	p.ExitReason = reason
	pos.Status = types.StatusClosed
	return nil
}

func (s *fakeStore) RecordDecision(_ context.Context, ticker, action string, _ float64, _ decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions = append(s.decisions, decisionRow{ticker: ticker, action: action})
	return nil
}

func (s *fakeStore) WasRecentlySeen(_ context.Context, ticker string, _ time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.decisions {
		if d.ticker == ticker {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) get(id uint) types.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.positions[id]
}

func (s *fakeStore) actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.decisions))
	for _, d := range s.decisions {
		out = append(out, d.action)
	}
	return out
}

type fakeNotifier struct {
	mu      sync.Mutex
	entries int
	exits   []string
}

func (n *fakeNotifier) NotifyEntry(*types.Position) {
	n.mu.Lock()
	n.entries++
	n.mu.Unlock()
}

func (n *fakeNotifier) NotifyExit(_ *types.Position, reason string) {
	n.mu.Lock()
	n.exits = append(n.exits, reason)
	n.mu.Unlock()
}
