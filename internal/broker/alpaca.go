package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"daytrader/internal/models"
	"daytrader/internal/util"
)

// AlpacaBroker implements the Broker interface against the Alpaca v3 SDK.
type AlpacaBroker struct {
	trade    *alpaca.Client
	md       *marketdata.Client
	tickSize float64
}

// Ensure AlpacaBroker implements Broker at compile time.
var _ Broker = (*AlpacaBroker)(nil)

// AlpacaConfig holds the adapter settings.
type AlpacaConfig struct {
	APIKey    string
	APISecret string
	BaseURL   string // paper or live endpoint
	Timeout   time.Duration
	TickSize  float64 // broker minimum price increment (0.01 for US equities)
}

// NewAlpacaBroker creates a new Alpaca broker adapter.
func NewAlpacaBroker(cfg AlpacaConfig) *AlpacaBroker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.TickSize <= 0 {
		cfg.TickSize = 0.01
	}
	httpClient := &http.Client{Timeout: cfg.Timeout}
	return &AlpacaBroker{
		trade: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:     cfg.APIKey,
			APISecret:  cfg.APISecret,
			BaseURL:    cfg.BaseURL,
			HTTPClient: httpClient,
		}),
		md: marketdata.NewClient(marketdata.ClientOpts{
			APIKey:     cfg.APIKey,
			APISecret:  cfg.APISecret,
			HTTPClient: httpClient,
		}),
		tickSize: cfg.TickSize,
	}
}

// classify maps an SDK error to one of the adapter failure classes.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		msg := strings.ToLower(apiErr.Message)
		switch {
		case apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
			return fmt.Errorf("%w: %v", ErrAuthFailed, err)
		case apiErr.StatusCode == 429:
			return fmt.Errorf("%w: %v", ErrRateLimited, err)
		case apiErr.StatusCode == 404:
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case strings.Contains(msg, "buying power"):
			return fmt.Errorf("%w: %v", ErrInsufficientBuyingPower, err)
		case strings.Contains(msg, "sub-penny") || strings.Contains(msg, "increment"):
			return fmt.Errorf("%w: %v", ErrInvalidPrice, err)
		case apiErr.StatusCode >= 500:
			return fmt.Errorf("%w: %v", ErrTransient, err)
		default:
			return err
		}
	}
	// Connectivity failures (DNS, refused, timeout) arrive as transport errors.
	return fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
}

// Connect verifies credentials by fetching the account.
func (a *AlpacaBroker) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := a.trade.GetAccount(); err != nil {
		return classify(err)
	}
	return nil
}

// GetQuote returns the latest top-of-book quote plus last trade price.
func (a *AlpacaBroker) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q, err := a.md.GetLatestQuote(symbol, marketdata.GetLatestQuoteRequest{})
	if err != nil {
		return nil, classify(err)
	}
	if q == nil {
		return nil, fmt.Errorf("no quote for %s", symbol)
	}
	last := 0.0
	if trade, err := a.md.GetLatestTrade(symbol, marketdata.GetLatestTradeRequest{}); err == nil && trade != nil {
		last = trade.Price
	}
	return &Quote{
		Symbol: symbol,
		Bid:    q.BidPrice,
		Ask:    q.AskPrice,
		Last:   last,
		TS:     q.Timestamp,
	}, nil
}

// GetLatestBars fetches the most recent bar for each symbol in one request.
func (a *AlpacaBroker) GetLatestBars(ctx context.Context, symbols []string) (map[string]Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := a.md.GetLatestBars(symbols, marketdata.GetLatestBarRequest{})
	if err != nil {
		return nil, classify(err)
	}
	out := make(map[string]Bar, len(raw))
	for sym, b := range raw {
		out[sym] = mapBar(b)
	}
	return out, nil
}

// GetBars fetches one-minute bars over the lookback window.
func (a *AlpacaBroker) GetBars(ctx context.Context, symbol string, lookback time.Duration) ([]Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := a.md.GetBars(symbol, marketdata.GetBarsRequest{
		TimeFrame: marketdata.OneMin,
		Start:     time.Now().Add(-lookback),
	})
	if err != nil {
		return nil, classify(err)
	}
	out := make([]Bar, 0, len(raw))
	for _, b := range raw {
		out = append(out, mapBar(b))
	}
	return out, nil
}

// ListAssets returns the active US equity universe.
func (a *AlpacaBroker) ListAssets(ctx context.Context) ([]Asset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	status := "active"
	raw, err := a.trade.GetAssets(alpaca.GetAssetsRequest{
		Status:     status,
		AssetClass: "us_equity",
	})
	if err != nil {
		return nil, classify(err)
	}
	out := make([]Asset, 0, len(raw))
	for _, x := range raw {
		out = append(out, Asset{
			Symbol:       x.Symbol,
			Name:         x.Name,
			Exchange:     x.Exchange,
			Class:        string(x.Class),
			Tradable:     x.Tradable,
			Fractionable: x.Fractionable,
			Shortable:    x.Shortable,
		})
	}
	return out, nil
}

// GetMarketClock returns the broker session clock.
func (a *AlpacaBroker) GetMarketClock(ctx context.Context) (*MarketClock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, err := a.trade.GetClock()
	if err != nil {
		return nil, classify(err)
	}
	return &MarketClock{
		Timestamp: c.Timestamp,
		IsOpen:    c.IsOpen,
		NextOpen:  c.NextOpen,
		NextClose: c.NextClose,
	}, nil
}

// GetAccount returns cash, buying power, equity, and the day-trade count.
func (a *AlpacaBroker) GetAccount(ctx context.Context) (*Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	acct, err := a.trade.GetAccount()
	if err != nil {
		return nil, classify(err)
	}
	return &Account{
		Cash:          acct.Cash.InexactFloat64(),
		BuyingPower:   acct.BuyingPower.InexactFloat64(),
		Equity:        acct.Equity.InexactFloat64(),
		DayTradeCount: int(acct.DaytradeCount),
	}, nil
}

// ListPositions returns the broker-side open positions.
func (a *AlpacaBroker) ListPositions(ctx context.Context) ([]Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := a.trade.GetPositions()
	if err != nil {
		return nil, classify(err)
	}
	out := make([]Position, 0, len(raw))
	for _, x := range raw {
		out = append(out, Position{
			Symbol:       x.Symbol,
			Qty:          x.Qty.InexactFloat64(),
			AvgEntry:     x.AvgEntryPrice.InexactFloat64(),
			MarketValue:  derefDecimal(x.MarketValue),
			UnrealizedPL: derefDecimal(x.UnrealizedPL),
		})
	}
	return out, nil
}

// ListOrders returns orders in the given statuses updated since the cutoff.
// An empty status list means all statuses.
func (a *AlpacaBroker) ListOrders(ctx context.Context, statuses []string, since time.Time) ([]Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	status := "all"
	if len(statuses) == 1 {
		status = statuses[0]
	}
	raw, err := a.trade.GetOrders(alpaca.GetOrdersRequest{
		Status: status,
		After:  since,
		Nested: true,
		Limit:  500,
	})
	if err != nil {
		return nil, classify(err)
	}
	want := make(map[string]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	out := make([]Order, 0, len(raw))
	for i := range raw {
		o := mapOrder(&raw[i])
		if len(statuses) > 1 && !want[o.Status] {
			continue
		}
		out = append(out, *o)
	}
	return out, nil
}

// GetOrder returns a single order by broker id.
func (a *AlpacaBroker) GetOrder(ctx context.Context, brokerOrderID string) (*Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o, err := a.trade.GetOrder(brokerOrderID)
	if err != nil {
		return nil, classify(err)
	}
	return mapOrder(o), nil
}

// SubmitBracket submits an entry with linked OCO stop-loss and take-profit
// legs. Prices are rounded to the broker tick first; sub-penny submissions
// are rejected broker-side as InvalidPrice.
//
// Alpaca applies one time-in-force to the whole bracket group, and the exit
// legs must survive overnight, so the group is always submitted GTC. An
// unfilled DAY-intent entry is cancelled by the watchdog's stuck-order pass
// rather than by broker expiry.
func (a *AlpacaBroker) SubmitBracket(ctx context.Context, spec BracketSpec) (*BracketIDs, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateBracketSpec(spec); err != nil {
		return nil, err
	}

	qty := decimal.NewFromFloat(spec.Qty)
	stopPrice := decimal.NewFromFloat(util.RoundToTick(spec.StopLossPrice, a.tickSize))
	tpPrice := decimal.NewFromFloat(util.RoundToTick(spec.TakeProfitPrice, a.tickSize))

	req := alpaca.PlaceOrderRequest{
		Symbol:        spec.Symbol,
		Qty:           &qty,
		Side:          alpaca.Side(spec.Side),
		Type:          alpaca.OrderType(spec.EntryType),
		TimeInForce:   alpaca.GTC,
		OrderClass:    alpaca.Bracket,
		ClientOrderID: spec.ClientOrderID,
		TakeProfit:    &alpaca.TakeProfit{LimitPrice: &tpPrice},
		StopLoss:      &alpaca.StopLoss{StopPrice: &stopPrice},
	}
	if spec.EntryType == models.TypeLimit {
		limit := decimal.NewFromFloat(util.RoundToTick(spec.LimitPrice, a.tickSize))
		req.LimitPrice = &limit
	}

	o, err := a.trade.PlaceOrder(req)
	if err != nil {
		return nil, classify(err)
	}
	if o == nil {
		return nil, fmt.Errorf("%w: broker returned no order", ErrTransient)
	}

	ids := &BracketIDs{EntryOrderID: o.ID}
	for i := range o.Legs {
		leg := &o.Legs[i]
		switch alpaca.OrderType(leg.Type) {
		case alpaca.Stop, alpaca.StopLimit:
			ids.StopLossOrderID = leg.ID
		case alpaca.Limit:
			ids.TakeProfitOrderID = leg.ID
		}
	}
	if ids.StopLossOrderID == "" || ids.TakeProfitOrderID == "" {
		return ids, fmt.Errorf("bracket submitted but legs missing from response (entry %s)", o.ID)
	}
	return ids, nil
}

// CancelOrder cancels a working order.
func (a *AlpacaBroker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.trade.CancelOrder(brokerOrderID); err != nil {
		return classify(err)
	}
	return nil
}

// ClosePosition closes the entire position at market.
func (a *AlpacaBroker) ClosePosition(ctx context.Context, symbol, reason string) (*Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o, err := a.trade.ClosePosition(symbol, alpaca.ClosePositionRequest{})
	if err != nil {
		return nil, classify(err)
	}
	return mapOrder(o), nil
}

// CloseAllPositions closes every open position, continuing past per-symbol
// failures. Closing an already-flat book is a successful no-op.
func (a *AlpacaBroker) CloseAllPositions(ctx context.Context) ([]CloseResult, error) {
	positions, err := a.ListPositions(ctx)
	if err != nil {
		return nil, err
	}
	results := make([]CloseResult, 0, len(positions))
	for _, p := range positions {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		o, err := a.ClosePosition(ctx, p.Symbol, "close_all")
		res := CloseResult{Symbol: p.Symbol, Err: err}
		if o != nil {
			res.OrderID = o.ID
		}
		results = append(results, res)
	}
	return results, nil
}

func mapBar(b marketdata.Bar) Bar {
	return Bar{
		Timestamp: b.Timestamp,
		Open:      b.Open,
		High:      b.High,
		Low:       b.Low,
		Close:     b.Close,
		Volume:    int64(b.Volume),
		VWAP:      b.VWAP,
	}
}

func mapOrder(o *alpaca.Order) *Order {
	if o == nil {
		return nil
	}
	out := &Order{
		ID:            o.ID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          models.OrderSide(o.Side),
		Type:          models.OrderType(o.Type),
		TimeInForce:   models.TimeInForce(o.TimeInForce),
		FilledQty:     o.FilledQty.InexactFloat64(),
		Status:        o.Status,
		CreatedAt:     o.CreatedAt,
	}
	if o.Qty != nil {
		out.Qty = o.Qty.InexactFloat64()
	}
	if o.LimitPrice != nil {
		out.LimitPrice = o.LimitPrice.InexactFloat64()
	}
	if o.StopPrice != nil {
		out.StopPrice = o.StopPrice.InexactFloat64()
	}
	if o.FilledAvgPrice != nil {
		out.FilledAvgPrice = o.FilledAvgPrice.InexactFloat64()
	}
	if o.FilledAt != nil {
		out.FilledAt = *o.FilledAt
	}
	for i := range o.Legs {
		out.Legs = append(out.Legs, *mapOrder(&o.Legs[i]))
	}
	return out
}

func derefDecimal(d *decimal.Decimal) float64 {
	if d == nil {
		return 0
	}
	return d.InexactFloat64()
}
