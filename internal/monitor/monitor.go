// Package monitor is the per-position daemon: on every tick it marks open
// positions to market, derives hold and exit signals from price action and
// indicators, and acts on the strongest verdict.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/markcheno/go-talib"
	"github.com/sirupsen/logrus"

	"daytrader/internal/alerts"
	"daytrader/internal/broker"
	"daytrader/internal/clock"
	"daytrader/internal/config"
	"daytrader/internal/engine"
	"daytrader/internal/models"
	"daytrader/internal/storage"
)

// Strength grades an exit signal.
type Strength string

const (
	StrengthStrong   Strength = "STRONG"
	StrengthModerate Strength = "MODERATE"
)

// Signal is one derived exit signal.
type Signal struct {
	Name     string
	Strength Strength
}

// Advisor is an optional second opinion consulted on REVIEW verdicts. Calls
// are budgeted per position; the advisor may be an LLM, a human desk, or a
// rules engine.
type Advisor interface {
	Advise(ctx context.Context, pos *models.Position, status *models.MonitorStatus) (models.Recommendation, error)
}

// Indicator thresholds.
const (
	rsiPeriod         = 14
	macdFast          = 12
	macdSlow          = 26
	macdSignal        = 9
	rsiHealthyLow     = 40
	rsiHealthyHigh    = 65
	rsiOverboughtMod  = 75
	rsiOverboughtStr  = 85
	volumeStrongMin   = 1.2
	volumeCollapseMod = 0.40
	volumeCollapseStr = 0.25
	healthyProfitMax  = 5.0
	barLookback       = 8 * time.Hour
)

// Monitor evaluates open positions on a fixed cadence during market hours.
type Monitor struct {
	store    *storage.Store
	broker   broker.Broker
	engine   *engine.Engine
	clock    clock.Clock
	notifier *alerts.Notifier
	advisor  Advisor
	cfg      config.MonitorConfig
	logger   *logrus.Logger
}

// New creates a Monitor. advisor may be nil; REVIEW verdicts then stand
// without a second opinion.
func New(store *storage.Store, b broker.Broker, eng *engine.Engine, clk clock.Clock,
	notifier *alerts.Notifier, advisor Advisor, cfg config.MonitorConfig, logger *logrus.Logger) *Monitor {
	return &Monitor{
		store: store, broker: b, engine: eng, clock: clk,
		notifier: notifier, advisor: advisor, cfg: cfg, logger: logger,
	}
}

// Run ticks until ctx is canceled. Ticks outside market hours are skipped;
// bracket legs at the broker cover the overnight gap.
func (m *Monitor) Run(ctx context.Context) {
	interval := time.Duration(m.cfg.CheckIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.clock.InMarketHours() {
				continue
			}
			if err := m.Tick(ctx); err != nil {
				m.logger.WithError(err).Error("monitor tick failed")
			}
		}
	}
}

// Tick evaluates every open position once.
func (m *Monitor) Tick(ctx context.Context) error {
	positions, err := m.store.ListOpenPositions(ctx)
	if err != nil {
		return err
	}
	var firstErr error
	for _, p := range positions {
		if p.Status != models.PositionOpen {
			continue // pending entries belong to the watchdog
		}
		if err := m.evaluate(ctx, p); err != nil {
			m.logger.WithError(err).WithField("symbol", p.Symbol).Error("position evaluation failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// evaluate marks one position to market, derives signals, decides, and
// persists the heartbeat row.
func (m *Monitor) evaluate(ctx context.Context, pos *models.Position) error {
	quote, err := m.broker.GetQuote(ctx, pos.Symbol)
	if err != nil {
		return fmt.Errorf("quote %s: %w", pos.Symbol, err)
	}
	price := quote.Last
	if price <= 0 {
		price = (quote.Bid + quote.Ask) / 2
	}
	if price <= 0 {
		return fmt.Errorf("no usable price for %s", pos.Symbol)
	}

	pnlPct := pnlPercent(pos, price)
	unrealized := unrealizedPnL(pos, price)
	if err := m.store.UpdatePositionMark(ctx, pos.ID, price, unrealized, pnlPct); err != nil {
		return err
	}
	// Re-read for the side-aware watermark.
	pos, err = m.store.GetPosition(ctx, pos.ID)
	if err != nil {
		return err
	}

	ind := m.indicators(ctx, pos, price)
	hold, exits := m.deriveSignals(pos, price, pnlPct, ind)

	status := &models.MonitorStatus{
		PositionID:    pos.ID,
		Symbol:        pos.Symbol,
		State:         models.MonitorRunning,
		LastPrice:     price,
		HighWatermark: pos.HighWatermark,
		PnLPct:        pnlPct,
		RSI:           ind.rsi,
		MACDHist:      ind.macdHist,
		AboveVWAP:     ind.aboveVWAP,
		HoldSignals:   signalNames(hold),
		ExitSignals:   exitNames(exits),
		LastCheckin:   m.clock.Now(),
	}
	prev, err := m.store.GetMonitorStatus(ctx, pos.ID)
	if err == nil && prev != nil {
		status.AdvisorCalls = prev.AdvisorCalls
		status.EstimatedCost = prev.EstimatedCost
	}

	verdict, strongest := m.decide(exits)
	status.Recommendation = verdict

	if verdict == models.RecommendReview && m.advisor != nil && status.AdvisorCalls < m.cfg.MaxAdvisorCalls {
		status.AdvisorCalls++
		advice, advErr := m.advisor.Advise(ctx, pos, status)
		if advErr != nil {
			m.logger.WithError(advErr).WithField("symbol", pos.Symbol).Warn("advisor call failed")
		} else if advice == models.RecommendExit {
			verdict = models.RecommendExit
			status.Recommendation = models.RecommendExit
			strongest = "advisor_exit"
		}
	}

	if err := m.persistStatus(ctx, status); err != nil {
		return err
	}

	if verdict == models.RecommendExit {
		m.logger.WithFields(logrus.Fields{
			"symbol": pos.Symbol, "pnl_pct": pnlPct, "reason": strongest,
		}).Info("monitor exiting position")
		if err := m.engine.ClosePosition(ctx, pos.ID, strongest); err != nil {
			m.notifier.Critical("monitor",
				"exit failed", fmt.Sprintf("%s: %v", pos.Symbol, err))
			return err
		}
	}
	return nil
}

// decide maps the exit signal set to a verdict: any STRONG signal exits
// immediately, any MODERATE asks for review, otherwise hold.
func (m *Monitor) decide(exits []Signal) (models.Recommendation, string) {
	for _, s := range exits {
		if s.Strength == StrengthStrong {
			return models.RecommendExit, s.Name
		}
	}
	if len(exits) > 0 {
		return models.RecommendReview, exits[0].Name
	}
	return models.RecommendHold, ""
}

type indicatorSet struct {
	rsi         float64
	macdHist    float64
	aboveVWAP   bool
	volumeRatio float64
	ok          bool
}

// indicators computes RSI, MACD histogram, VWAP position, and the volume
// ratio from recent bars. The volume ratio compares the latest bar against
// the volume the position entered on, so decay is measured from the burst
// that justified the trade. Insufficient history yields a neutral set:
// price and watermark rules still apply without it.
func (m *Monitor) indicators(ctx context.Context, pos *models.Position, price float64) indicatorSet {
	neutral := indicatorSet{rsi: 50, volumeRatio: 1}
	bars, err := m.broker.GetBars(ctx, pos.Symbol, barLookback)
	if err != nil {
		m.logger.WithError(err).WithField("symbol", pos.Symbol).Debug("bar fetch failed, indicator signals neutral")
		return neutral
	}
	if len(bars) < macdSlow+macdSignal {
		return neutral
	}

	closes := make([]float64, len(bars))
	var volSum int64
	for i, b := range bars {
		closes[i] = b.Close
		volSum += b.Volume
	}
	rsiSeries := talib.Rsi(closes, rsiPeriod)
	_, _, hist := talib.Macd(closes, macdFast, macdSlow, macdSignal)

	last := bars[len(bars)-1]
	vwap := last.VWAP
	if vwap <= 0 {
		vwap = sessionVWAP(bars)
	}
	baseline := float64(pos.EntryVolume)
	if baseline <= 0 {
		// Positions without a recorded entry volume fall back to the window
		// average.
		baseline = float64(volSum) / float64(len(bars))
	}
	ratio := 1.0
	if baseline > 0 {
		ratio = float64(last.Volume) / baseline
	}
	return indicatorSet{
		rsi:         rsiSeries[len(rsiSeries)-1],
		macdHist:    hist[len(hist)-1],
		aboveVWAP:   price > vwap,
		volumeRatio: ratio,
		ok:          true,
	}
}

// deriveSignals applies the hold and exit rules. Boundary values trigger:
// exactly -5% is a stop hit, exactly +10% a target hit.
func (m *Monitor) deriveSignals(pos *models.Position, price, pnlPct float64, ind indicatorSet) (hold, exits []Signal) {
	if pnlPct > 0 && pnlPct <= healthyProfitMax {
		hold = append(hold, Signal{Name: "healthy_profit"})
	}
	if ind.ok && ind.rsi >= rsiHealthyLow && ind.rsi <= rsiHealthyHigh {
		hold = append(hold, Signal{Name: "rsi_healthy"})
	}
	if ind.ok && ind.volumeRatio >= volumeStrongMin {
		hold = append(hold, Signal{Name: "volume_strong"})
	}
	if ind.ok && ind.aboveVWAP {
		hold = append(hold, Signal{Name: "above_vwap"})
	}
	if ind.ok && ind.macdHist > 0 {
		hold = append(hold, Signal{Name: "macd_bullish"})
	}

	if pnlPct <= -m.cfg.StopLossStrongPct {
		exits = append(exits, Signal{Name: "stop_loss_hit", Strength: StrengthStrong})
	}
	if pnlPct >= m.cfg.TakeProfitStrongPct {
		exits = append(exits, Signal{Name: "take_profit_hit", Strength: StrengthStrong})
	}
	if give := givebackPct(pos, price); give >= m.cfg.TrailPct {
		exits = append(exits, Signal{Name: "trailing_stop_hit", Strength: StrengthStrong})
	}
	if ind.ok {
		switch {
		case ind.rsi >= rsiOverboughtStr:
			exits = append(exits, Signal{Name: "rsi_overbought", Strength: StrengthStrong})
		case ind.rsi >= rsiOverboughtMod:
			exits = append(exits, Signal{Name: "rsi_overbought", Strength: StrengthModerate})
		}
		switch {
		case ind.volumeRatio <= volumeCollapseStr:
			exits = append(exits, Signal{Name: "volume_collapse", Strength: StrengthStrong})
		case ind.volumeRatio <= volumeCollapseMod:
			exits = append(exits, Signal{Name: "volume_collapse", Strength: StrengthModerate})
		}
		if ind.macdHist < 0 {
			exits = append(exits, Signal{Name: "macd_bearish", Strength: StrengthModerate})
		}
	}
	if m.clock.InFinalMinutes(m.cfg.ClosingWindowMinutes) {
		exits = append(exits, Signal{Name: "market_closing", Strength: StrengthStrong})
	}
	return hold, exits
}

// persistStatus upserts the heartbeat row, retrying once before declaring
// the monitor errored for this position.
func (m *Monitor) persistStatus(ctx context.Context, status *models.MonitorStatus) error {
	err := m.store.UpsertMonitorStatus(ctx, status)
	if err == nil {
		return nil
	}
	m.logger.WithError(err).Warn("monitor status upsert failed, retrying")
	if err = m.store.UpsertMonitorStatus(ctx, status); err == nil {
		return nil
	}
	status.State = models.MonitorError
	if retryErr := m.store.UpsertMonitorStatus(ctx, status); retryErr != nil {
		return fmt.Errorf("monitor status persist failed: %w", err)
	}
	return nil
}

// givebackPct is how far the position has retraced from its best price, in
// percent of the watermark. Zero until the position has been in profit.
func givebackPct(pos *models.Position, price float64) float64 {
	wm := pos.HighWatermark
	if wm <= 0 || pos.EntryPrice <= 0 {
		return 0
	}
	if pos.Side == models.Short {
		if wm >= pos.EntryPrice {
			return 0 // never went favorable
		}
		return (price - wm) / wm * 100
	}
	if wm <= pos.EntryPrice {
		return 0
	}
	return (wm - price) / wm * 100
}

// sessionVWAP approximates VWAP from the bars themselves when the feed does
// not carry one: cumulative typical price weighted by volume.
func sessionVWAP(bars []broker.Bar) float64 {
	var pv, vol float64
	for _, b := range bars {
		typical := (b.High + b.Low + b.Close) / 3
		if typical <= 0 {
			typical = b.Close
		}
		pv += typical * float64(b.Volume)
		vol += float64(b.Volume)
	}
	if vol == 0 {
		return 0
	}
	return pv / vol
}

func pnlPercent(pos *models.Position, price float64) float64 {
	if pos.EntryPrice == 0 {
		return 0
	}
	pct := (price - pos.EntryPrice) / pos.EntryPrice * 100
	if pos.Side == models.Short {
		pct = -pct
	}
	return pct
}

func unrealizedPnL(pos *models.Position, price float64) float64 {
	diff := price - pos.EntryPrice
	if pos.Side == models.Short {
		diff = -diff
	}
	return diff * pos.Qty
}

func signalNames(signals []Signal) []string {
	out := make([]string, len(signals))
	for i, s := range signals {
		out[i] = s.Name
	}
	return out
}

func exitNames(signals []Signal) []string {
	out := make([]string, len(signals))
	for i, s := range signals {
		out[i] = fmt.Sprintf("%s:%s", s.Name, s.Strength)
	}
	return out
}
