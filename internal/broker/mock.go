package broker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockBroker is a configurable in-memory Broker for tests. Each method uses
// the corresponding Fn hook when set, otherwise a reasonable default backed
// by the mock's internal state.
type MockBroker struct {
	mu sync.Mutex

	QuoteFn       func(symbol string) (*Quote, error)
	AccountFn     func() (*Account, error)
	PositionsFn   func() ([]Position, error)
	OrdersFn      func(statuses []string, since time.Time) ([]Order, error)
	GetOrderFn    func(id string) (*Order, error)
	SubmitFn      func(spec BracketSpec) (*BracketIDs, error)
	CancelFn      func(id string) error
	CloseFn       func(symbol, reason string) (*Order, error)
	CloseAllFn    func() ([]CloseResult, error)
	AssetsFn      func() ([]Asset, error)
	LatestBarsFn  func(symbols []string) (map[string]Bar, error)
	BarsFn        func(symbol string) ([]Bar, error)
	MarketClockFn func() (*MarketClock, error)

	// Recorded calls for assertions.
	SubmittedSpecs []BracketSpec
	ClosedSymbols  []string
	CancelledIDs   []string

	nextID int
}

var _ Broker = (*MockBroker)(nil)

// NewMockBroker returns an empty mock.
func NewMockBroker() *MockBroker {
	return &MockBroker{}
}

func (m *MockBroker) Connect(ctx context.Context) error { return nil }

func (m *MockBroker) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.QuoteFn != nil {
		return m.QuoteFn(symbol)
	}
	return &Quote{Symbol: symbol, Bid: 99.99, Ask: 100.01, Last: 100.00, TS: time.Now()}, nil
}

func (m *MockBroker) GetAccount(ctx context.Context) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AccountFn != nil {
		return m.AccountFn()
	}
	return &Account{Cash: 100000, BuyingPower: 200000, Equity: 100000}, nil
}

func (m *MockBroker) ListPositions(ctx context.Context) ([]Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PositionsFn != nil {
		return m.PositionsFn()
	}
	return nil, nil
}

func (m *MockBroker) ListOrders(ctx context.Context, statuses []string, since time.Time) ([]Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.OrdersFn != nil {
		return m.OrdersFn(statuses, since)
	}
	return nil, nil
}

func (m *MockBroker) GetOrder(ctx context.Context, id string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GetOrderFn != nil {
		return m.GetOrderFn(id)
	}
	return nil, ErrOrderNotFound
}

func (m *MockBroker) SubmitBracket(ctx context.Context, spec BracketSpec) (*BracketIDs, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SubmittedSpecs = append(m.SubmittedSpecs, spec)
	if m.SubmitFn != nil {
		return m.SubmitFn(spec)
	}
	m.nextID += 3
	return &BracketIDs{
		EntryOrderID:      fmt.Sprintf("bkr-%d", m.nextID-2),
		StopLossOrderID:   fmt.Sprintf("bkr-%d", m.nextID-1),
		TakeProfitOrderID: fmt.Sprintf("bkr-%d", m.nextID),
	}, nil
}

func (m *MockBroker) CancelOrder(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CancelledIDs = append(m.CancelledIDs, id)
	if m.CancelFn != nil {
		return m.CancelFn(id)
	}
	return nil
}

func (m *MockBroker) ClosePosition(ctx context.Context, symbol, reason string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ClosedSymbols = append(m.ClosedSymbols, symbol)
	if m.CloseFn != nil {
		return m.CloseFn(symbol, reason)
	}
	m.nextID++
	return &Order{ID: fmt.Sprintf("bkr-close-%d", m.nextID), Symbol: symbol, Status: "accepted"}, nil
}

func (m *MockBroker) CloseAllPositions(ctx context.Context) ([]CloseResult, error) {
	if m.CloseAllFn != nil {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.CloseAllFn()
	}
	positions, err := m.ListPositions(ctx)
	if err != nil {
		return nil, err
	}
	var results []CloseResult
	for _, p := range positions {
		o, err := m.ClosePosition(ctx, p.Symbol, "close_all")
		res := CloseResult{Symbol: p.Symbol, Err: err}
		if o != nil {
			res.OrderID = o.ID
		}
		results = append(results, res)
	}
	return results, nil
}

func (m *MockBroker) ListAssets(ctx context.Context) ([]Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AssetsFn != nil {
		return m.AssetsFn()
	}
	return nil, nil
}

func (m *MockBroker) GetLatestBars(ctx context.Context, symbols []string) (map[string]Bar, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.LatestBarsFn != nil {
		return m.LatestBarsFn(symbols)
	}
	return map[string]Bar{}, nil
}

func (m *MockBroker) GetBars(ctx context.Context, symbol string, lookback time.Duration) ([]Bar, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.BarsFn != nil {
		return m.BarsFn(symbol)
	}
	return nil, nil
}

func (m *MockBroker) GetMarketClock(ctx context.Context) (*MarketClock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.MarketClockFn != nil {
		return m.MarketClockFn()
	}
	now := time.Now()
	return &MarketClock{Timestamp: now, IsOpen: true, NextClose: now.Add(3 * time.Hour)}, nil
}
