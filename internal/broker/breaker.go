package broker

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// CircuitBreakerBroker wraps a Broker with circuit breaker functionality so a
// flapping broker API trips open instead of stalling every trading loop.
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

var _ Broker = (*CircuitBreakerBroker)(nil)

// CircuitBreakerSettings configures circuit breaker behavior.
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// NewCircuitBreakerBroker creates a CircuitBreakerBroker with sensible defaults.
func NewCircuitBreakerBroker(broker Broker, logger *logrus.Logger) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, logger, CircuitBreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	})
}

// NewCircuitBreakerBrokerWithSettings creates a CircuitBreakerBroker with custom settings.
func NewCircuitBreakerBrokerWithSettings(broker Broker, logger *logrus.Logger, settings CircuitBreakerSettings) *CircuitBreakerBroker {
	gbSettings := gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warnf("circuit breaker %s state changed from %s to %s", name, from, to)
		},
	}
	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// execBreaker is a generic helper for circuit breaker wrapper methods. An
// open circuit surfaces as ErrBrokerUnavailable so callers classify it like
// any other outage.
func execBreaker[T any](cb *CircuitBreakerBroker, fn func(Broker) (T, error)) (T, error) {
	var zero T
	res, err := cb.breaker.Execute(func() (interface{}, error) { return fn(cb.broker) })
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, errors.Join(ErrBrokerUnavailable, err)
		}
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

func (c *CircuitBreakerBroker) Connect(ctx context.Context) error {
	_, err := execBreaker(c, func(b Broker) (struct{}, error) { return struct{}{}, b.Connect(ctx) })
	return err
}

func (c *CircuitBreakerBroker) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	return execBreaker(c, func(b Broker) (*Quote, error) { return b.GetQuote(ctx, symbol) })
}

func (c *CircuitBreakerBroker) GetLatestBars(ctx context.Context, symbols []string) (map[string]Bar, error) {
	return execBreaker(c, func(b Broker) (map[string]Bar, error) { return b.GetLatestBars(ctx, symbols) })
}

func (c *CircuitBreakerBroker) GetBars(ctx context.Context, symbol string, lookback time.Duration) ([]Bar, error) {
	return execBreaker(c, func(b Broker) ([]Bar, error) { return b.GetBars(ctx, symbol, lookback) })
}

func (c *CircuitBreakerBroker) ListAssets(ctx context.Context) ([]Asset, error) {
	return execBreaker(c, func(b Broker) ([]Asset, error) { return b.ListAssets(ctx) })
}

func (c *CircuitBreakerBroker) GetMarketClock(ctx context.Context) (*MarketClock, error) {
	return execBreaker(c, func(b Broker) (*MarketClock, error) { return b.GetMarketClock(ctx) })
}

func (c *CircuitBreakerBroker) GetAccount(ctx context.Context) (*Account, error) {
	return execBreaker(c, func(b Broker) (*Account, error) { return b.GetAccount(ctx) })
}

func (c *CircuitBreakerBroker) ListPositions(ctx context.Context) ([]Position, error) {
	return execBreaker(c, func(b Broker) ([]Position, error) { return b.ListPositions(ctx) })
}

func (c *CircuitBreakerBroker) ListOrders(ctx context.Context, statuses []string, since time.Time) ([]Order, error) {
	return execBreaker(c, func(b Broker) ([]Order, error) { return b.ListOrders(ctx, statuses, since) })
}

func (c *CircuitBreakerBroker) GetOrder(ctx context.Context, brokerOrderID string) (*Order, error) {
	return execBreaker(c, func(b Broker) (*Order, error) { return b.GetOrder(ctx, brokerOrderID) })
}

func (c *CircuitBreakerBroker) SubmitBracket(ctx context.Context, spec BracketSpec) (*BracketIDs, error) {
	return execBreaker(c, func(b Broker) (*BracketIDs, error) { return b.SubmitBracket(ctx, spec) })
}

func (c *CircuitBreakerBroker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	_, err := execBreaker(c, func(b Broker) (struct{}, error) { return struct{}{}, b.CancelOrder(ctx, brokerOrderID) })
	return err
}

func (c *CircuitBreakerBroker) ClosePosition(ctx context.Context, symbol, reason string) (*Order, error) {
	return execBreaker(c, func(b Broker) (*Order, error) { return b.ClosePosition(ctx, symbol, reason) })
}

func (c *CircuitBreakerBroker) CloseAllPositions(ctx context.Context) ([]CloseResult, error) {
	return execBreaker(c, func(b Broker) ([]CloseResult, error) { return b.CloseAllPositions(ctx) })
}
