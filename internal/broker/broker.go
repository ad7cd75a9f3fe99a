// Package broker defines the uniform brokerage contract the rest of the
// platform depends on, plus the Alpaca implementation, a circuit-breaker
// decorator, and a mock for tests. All broker-specific encoding lives here.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"daytrader/internal/models"
)

// Failure classes. Callers classify with errors.Is; the adapter wraps the
// provider error so the original detail survives.
var (
	ErrBrokerUnavailable       = errors.New("broker unavailable")
	ErrAuthFailed              = errors.New("broker authentication failed")
	ErrRateLimited             = errors.New("broker rate limited")
	ErrInvalidPrice            = errors.New("invalid price")
	ErrInsufficientBuyingPower = errors.New("insufficient buying power")
	ErrOrderNotFound           = errors.New("order not found")
	ErrTransient               = errors.New("transient broker error")
)

// IsRetryable reports whether an error is safe to retry for idempotent
// operations. Ambiguous submit failures are never retried; the engine marks
// the order submitted_unknown and reconciliation resolves it.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrRateLimited)
}

// Quote is a top-of-book snapshot.
type Quote struct {
	Symbol string
	Bid    float64
	Ask    float64
	Last   float64
	TS     time.Time
}

// Account is the broker account summary.
type Account struct {
	Cash          float64
	BuyingPower   float64
	Equity        float64
	DayTradeCount int
}

// Position is a broker-side position snapshot.
type Position struct {
	Symbol       string
	Qty          float64
	AvgEntry     float64
	MarketValue  float64
	UnrealizedPL float64
}

// Order is the broker's view of an order. Legs is populated for bracket
// parents when the provider nests child orders.
type Order struct {
	ID             string
	ClientOrderID  string
	Symbol         string
	Side           models.OrderSide
	Type           models.OrderType
	TimeInForce    models.TimeInForce
	Qty            float64
	FilledQty      float64
	LimitPrice     float64
	StopPrice      float64
	FilledAvgPrice float64
	Status         string
	CreatedAt      time.Time
	FilledAt       time.Time
	Legs           []Order
}

// Asset is a tradable instrument in the broker universe.
type Asset struct {
	Symbol       string
	Name         string
	Exchange     string
	Class        string
	Tradable     bool
	Fractionable bool
	Shortable    bool
}

// Bar is an aggregated price bar. VWAP is provider-computed when available.
type Bar struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    int64
	VWAP      float64
}

// MarketClock is the broker's session clock.
type MarketClock struct {
	Timestamp time.Time
	IsOpen    bool
	NextOpen  time.Time
	NextClose time.Time
}

// BracketSpec describes a bracket submission: an entry plus stop-loss and
// take-profit legs linked OCO. Prices must already be in the instrument's
// currency; the adapter rounds them to the broker tick before submission.
type BracketSpec struct {
	Symbol          string
	Qty             float64
	Side            models.OrderSide
	TimeInForce     models.TimeInForce
	EntryType       models.OrderType
	LimitPrice      float64 // required for limit entries
	StopLossPrice   float64
	TakeProfitPrice float64
	ClientOrderID   string
}

// BracketIDs are the broker order ids of the three bracket legs.
type BracketIDs struct {
	EntryOrderID      string
	StopLossOrderID   string
	TakeProfitOrderID string
}

// CloseResult is the per-symbol outcome of a bulk close.
type CloseResult struct {
	Symbol  string
	OrderID string
	Err     error
}

// Broker defines the interface for interacting with a brokerage.
type Broker interface {
	// Connect establishes the session; credentials are validated eagerly so
	// a misconfigured service fails at startup, not mid-cycle.
	Connect(ctx context.Context) error

	// Market data
	GetQuote(ctx context.Context, symbol string) (*Quote, error)
	GetLatestBars(ctx context.Context, symbols []string) (map[string]Bar, error)
	GetBars(ctx context.Context, symbol string, lookback time.Duration) ([]Bar, error)
	ListAssets(ctx context.Context) ([]Asset, error)
	GetMarketClock(ctx context.Context) (*MarketClock, error)

	// Account
	GetAccount(ctx context.Context) (*Account, error)
	ListPositions(ctx context.Context) ([]Position, error)
	ListOrders(ctx context.Context, statuses []string, since time.Time) ([]Order, error)
	GetOrder(ctx context.Context, brokerOrderID string) (*Order, error)

	// Order placement
	SubmitBracket(ctx context.Context, spec BracketSpec) (*BracketIDs, error)
	CancelOrder(ctx context.Context, brokerOrderID string) error
	ClosePosition(ctx context.Context, symbol, reason string) (*Order, error)
	// CloseAllPositions is idempotent: closing an already-flat book succeeds
	// with an empty result set. Partial failures are reported per symbol.
	CloseAllPositions(ctx context.Context) ([]CloseResult, error)
}

// ValidateBracketSpec rejects specs that would violate bracket invariants
// before any broker traffic happens.
func ValidateBracketSpec(spec BracketSpec) error {
	if spec.Symbol == "" {
		return fmt.Errorf("bracket spec: symbol required")
	}
	if spec.Qty <= 0 {
		return fmt.Errorf("bracket spec: qty must be > 0, got %v", spec.Qty)
	}
	if spec.StopLossPrice <= 0 || spec.TakeProfitPrice <= 0 {
		return fmt.Errorf("bracket spec: stop loss and take profit prices required")
	}
	if spec.EntryType == models.TypeLimit && spec.LimitPrice <= 0 {
		return fmt.Errorf("bracket spec: limit entry requires limit price")
	}
	switch spec.Side {
	case models.SideBuy:
		if spec.StopLossPrice >= spec.TakeProfitPrice {
			return fmt.Errorf("bracket spec: long stop %.2f must be below take profit %.2f",
				spec.StopLossPrice, spec.TakeProfitPrice)
		}
	case models.SideSell:
		if spec.StopLossPrice <= spec.TakeProfitPrice {
			return fmt.Errorf("bracket spec: short stop %.2f must be above take profit %.2f",
				spec.StopLossPrice, spec.TakeProfitPrice)
		}
	default:
		return fmt.Errorf("bracket spec: invalid side %q", spec.Side)
	}
	return nil
}
