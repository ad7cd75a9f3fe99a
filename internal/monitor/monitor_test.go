package monitor

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"daytrader/internal/alerts"
	"daytrader/internal/broker"
	"daytrader/internal/clock"
	"daytrader/internal/config"
	"daytrader/internal/engine"
	"daytrader/internal/models"
	"daytrader/internal/storage"
)

func testMonitorConfig() config.MonitorConfig {
	return config.MonitorConfig{
		CheckIntervalSeconds: 300,
		TrailPct:             3.0,
		StopLossStrongPct:    5.0,
		TakeProfitStrongPct:  10.0,
		MaxAdvisorCalls:      2,
		ClosingWindowMinutes: 15,
	}
}

type monitorFixture struct {
	store   *storage.Store
	broker  *broker.MockBroker
	clock   *clock.Fake
	monitor *Monitor
	cycle   *models.TradingCycle
	advisor *fakeAdvisor
}

type fakeAdvisor struct {
	advice models.Recommendation
	calls  int
}

func (a *fakeAdvisor) Advise(context.Context, *models.Position, *models.MonitorStatus) (models.Recommendation, error) {
	a.calls++
	return a.advice, nil
}

func newMonitorFixture(t *testing.T) *monitorFixture {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	store, err := storage.Open(filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mock := broker.NewMockBroker()
	fake := clock.NewFake(time.Date(2025, 3, 14, 11, 0, 0, 0, time.UTC))
	notifier := alerts.NewNotifier(&alerts.LogSink{Logger: logger}, logger, 64)
	eng := engine.New(store, mock, notifier, logger)
	advisor := &fakeAdvisor{advice: models.RecommendHold}

	cycle, err := store.CreateCycle(context.Background(), "2025-03-14", models.ModePaper, "")
	require.NoError(t, err)

	return &monitorFixture{
		store:   store,
		broker:  mock,
		clock:   fake,
		monitor: New(store, mock, eng, fake, notifier, advisor, testMonitorConfig(), logger),
		cycle:   cycle,
		advisor: advisor,
	}
}

// openPosition seeds an open long position at entry 100.
func (f *monitorFixture) openPosition(t *testing.T, symbol string) *models.Position {
	t.Helper()
	ctx := context.Background()
	sec, err := f.store.GetOrCreateSecurity(ctx, symbol, "", "")
	require.NoError(t, err)
	p := &models.Position{
		ID: uuid.NewString(), CycleID: f.cycle.ID, SecurityID: sec.ID,
		Symbol: symbol, Side: models.Long, Qty: 100,
		StopLoss: 95, TakeProfit: 110, EntryVolume: 10_000,
		Status: models.PositionPending,
	}
	require.NoError(t, f.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := f.store.InsertPosition(ctx, tx, p); err != nil {
			return err
		}
		return f.store.OpenPositionRow(ctx, tx, p.ID, 100, time.Now(), 100)
	}))
	got, err := f.store.GetPosition(ctx, p.ID)
	require.NoError(t, err)
	return got
}

// quote fixes the mock quote at a last price.
func (f *monitorFixture) quote(price float64) {
	f.broker.QuoteFn = func(symbol string) (*broker.Quote, error) {
		return &broker.Quote{Symbol: symbol, Last: price, Bid: price - 0.01, Ask: price + 0.01}, nil
	}
}

// flatBars returns neutral history so indicator signals stay quiet.
func (f *monitorFixture) flatBars() {
	f.broker.BarsFn = func(string) ([]broker.Bar, error) { return nil, nil }
}

func TestHealthyPositionHolds(t *testing.T) {
	f := newMonitorFixture(t)
	pos := f.openPosition(t, "AAPL")
	f.quote(103) // +3%
	f.flatBars()

	require.NoError(t, f.monitor.Tick(context.Background()))

	st, err := f.store.GetMonitorStatus(context.Background(), pos.ID)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, models.RecommendHold, st.Recommendation)
	assert.Contains(t, st.HoldSignals, "healthy_profit")
	assert.Empty(t, st.ExitSignals)
	assert.Empty(t, f.broker.ClosedSymbols)
}

func TestStopLossBoundaryIsInclusive(t *testing.T) {
	f := newMonitorFixture(t)
	pos := f.openPosition(t, "AAPL")
	f.quote(95) // exactly -5%
	f.flatBars()

	require.NoError(t, f.monitor.Tick(context.Background()))

	st, err := f.store.GetMonitorStatus(context.Background(), pos.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RecommendExit, st.Recommendation)
	assert.Contains(t, st.ExitSignals, "stop_loss_hit:STRONG")
	assert.Equal(t, []string{"AAPL"}, f.broker.ClosedSymbols)
}

func TestTakeProfitBoundaryIsInclusive(t *testing.T) {
	f := newMonitorFixture(t)
	_ = f.openPosition(t, "AAPL")
	f.quote(110) // exactly +10%
	f.flatBars()

	require.NoError(t, f.monitor.Tick(context.Background()))
	assert.Equal(t, []string{"AAPL"}, f.broker.ClosedSymbols)
}

func TestTrailingStopFromWatermark(t *testing.T) {
	f := newMonitorFixture(t)
	pos := f.openPosition(t, "AAPL")
	f.flatBars()
	ctx := context.Background()

	// Ride up to 108: no exit, watermark moves.
	f.quote(108)
	require.NoError(t, f.monitor.Tick(ctx))
	assert.Empty(t, f.broker.ClosedSymbols)
	got, err := f.store.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, 108.0, got.HighWatermark)

	// Retrace 3% from the watermark: trailing stop fires while still +4.76%.
	f.quote(108 * 0.97)
	require.NoError(t, f.monitor.Tick(ctx))
	assert.Equal(t, []string{"AAPL"}, f.broker.ClosedSymbols)

	st, err := f.store.GetMonitorStatus(ctx, pos.ID)
	require.NoError(t, err)
	assert.Contains(t, st.ExitSignals, "trailing_stop_hit:STRONG")
}

func TestMarketClosingForcesExit(t *testing.T) {
	f := newMonitorFixture(t)
	_ = f.openPosition(t, "AAPL")
	f.quote(101)
	f.flatBars()
	f.clock.SetFinalMinutes(10)

	require.NoError(t, f.monitor.Tick(context.Background()))
	assert.Equal(t, []string{"AAPL"}, f.broker.ClosedSymbols)
}

// overboughtBars yields a strong ramp so RSI lands above the given floor.
func overboughtBars(n int, step float64) []broker.Bar {
	bars := make([]broker.Bar, n)
	price := 50.0
	for i := range bars {
		price += step
		bars[i] = broker.Bar{Close: price, Volume: 10_000, VWAP: price - 1}
	}
	return bars
}

func TestRSIOverboughtStrongExits(t *testing.T) {
	f := newMonitorFixture(t)
	pos := f.openPosition(t, "AAPL")
	f.quote(103)
	// Monotone ramp: RSI saturates near 100.
	f.broker.BarsFn = func(string) ([]broker.Bar, error) {
		return overboughtBars(40, 1.0), nil
	}

	require.NoError(t, f.monitor.Tick(context.Background()))

	st, err := f.store.GetMonitorStatus(context.Background(), pos.ID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, st.RSI, 85.0)
	assert.Contains(t, st.ExitSignals, "rsi_overbought:STRONG")
	assert.Equal(t, []string{"AAPL"}, f.broker.ClosedSymbols)
}

func TestModerateSignalsConsultAdvisorWithinBudget(t *testing.T) {
	f := newMonitorFixture(t)
	pos := f.openPosition(t, "AAPL")
	f.quote(103)
	// Volume collapse to 30% of average: MODERATE, no STRONG signals.
	f.broker.BarsFn = func(string) ([]broker.Bar, error) {
		bars := make([]broker.Bar, 40)
		for i := range bars {
			bars[i] = broker.Bar{Close: 100 + 0.01*float64(i%3), Volume: 10_000, VWAP: 99}
		}
		bars[len(bars)-1].Volume = 3_000
		return bars, nil
	}
	f.advisor.advice = models.RecommendHold

	ctx := context.Background()
	require.NoError(t, f.monitor.Tick(ctx))
	assert.Equal(t, 1, f.advisor.calls)
	assert.Empty(t, f.broker.ClosedSymbols)

	st, err := f.store.GetMonitorStatus(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RecommendReview, st.Recommendation)
	assert.Equal(t, 1, st.AdvisorCalls)

	// Budget is 2: third tick must not call the advisor again.
	require.NoError(t, f.monitor.Tick(ctx))
	require.NoError(t, f.monitor.Tick(ctx))
	assert.Equal(t, 2, f.advisor.calls)
}

// Volume decay is measured against the volume the position entered on, not
// the recent window average: a slow bleed across the whole window must still
// register as a collapse relative to the entry burst.
func TestVolumeCollapseMeasuredAgainstEntryVolume(t *testing.T) {
	f := newMonitorFixture(t)
	pos := f.openPosition(t, "AAPL") // entered on 10,000 volume
	f.quote(103)
	// Window bars all run at 8,000 with the latest at 2,500: 25% of entry
	// volume (strong collapse), but 31% of the window average.
	f.broker.BarsFn = func(string) ([]broker.Bar, error) {
		bars := make([]broker.Bar, 40)
		for i := range bars {
			bars[i] = broker.Bar{Close: 100 + 0.01*float64(i%3), Volume: 8_000, VWAP: 99}
		}
		bars[len(bars)-1].Volume = 2_500
		return bars, nil
	}

	require.NoError(t, f.monitor.Tick(context.Background()))

	st, err := f.store.GetMonitorStatus(context.Background(), pos.ID)
	require.NoError(t, err)
	assert.Contains(t, st.ExitSignals, "volume_collapse:STRONG")
	assert.Equal(t, []string{"AAPL"}, f.broker.ClosedSymbols)
}

func TestAdvisorExitIsActedOn(t *testing.T) {
	f := newMonitorFixture(t)
	_ = f.openPosition(t, "AAPL")
	f.quote(103)
	f.broker.BarsFn = func(string) ([]broker.Bar, error) {
		bars := make([]broker.Bar, 40)
		for i := range bars {
			bars[i] = broker.Bar{Close: 100, Volume: 10_000, VWAP: 99}
		}
		bars[len(bars)-1].Volume = 3_000
		return bars, nil
	}
	f.advisor.advice = models.RecommendExit

	require.NoError(t, f.monitor.Tick(context.Background()))
	assert.Equal(t, []string{"AAPL"}, f.broker.ClosedSymbols)
}

func TestShortPositionSignsInvert(t *testing.T) {
	f := newMonitorFixture(t)
	ctx := context.Background()
	sec, err := f.store.GetOrCreateSecurity(ctx, "TSLA", "", "")
	require.NoError(t, err)
	p := &models.Position{
		ID: uuid.NewString(), CycleID: f.cycle.ID, SecurityID: sec.ID,
		Symbol: "TSLA", Side: models.Short, Qty: 100,
		StopLoss: 105, TakeProfit: 90, Status: models.PositionPending,
	}
	require.NoError(t, f.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := f.store.InsertPosition(ctx, tx, p); err != nil {
			return err
		}
		return f.store.OpenPositionRow(ctx, tx, p.ID, 100, time.Now(), 100)
	}))
	f.flatBars()

	// Price rising 5% is a short's stop loss.
	f.quote(105)
	require.NoError(t, f.monitor.Tick(ctx))
	st, err := f.store.GetMonitorStatus(ctx, p.ID)
	require.NoError(t, err)
	assert.Contains(t, st.ExitSignals, "stop_loss_hit:STRONG")
	assert.LessOrEqual(t, st.PnLPct, -5.0)
}
