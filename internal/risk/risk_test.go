package risk

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
	"daytrader/internal/config"
	"daytrader/internal/engine"
	"daytrader/internal/models"
	"daytrader/internal/storage"
)

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		MaxDailyLoss:         2000,
		WarningThresholdPct:  0.75,
		MaxPositions:         5,
		MaxSectorExposurePct: 40,
		TotalRiskBudget:      2000,
	}
}

type riskFixture struct {
	store     *storage.Store
	broker    *broker.MockBroker
	validator *Validator
	monitor   *Monitor
	cycle     *models.TradingCycle
}

func newRiskFixture(t *testing.T) *riskFixture {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	store, err := storage.Open(filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mock := broker.NewMockBroker()
	notifier := alerts.NewNotifier(&alerts.LogSink{Logger: logger}, logger, 64)
	eng := engine.New(store, mock, notifier, logger)

	cycle, err := store.CreateCycle(context.Background(), "2025-03-14", models.ModePaper, "")
	require.NoError(t, err)

	cfg := testRiskConfig()
	return &riskFixture{
		store:     store,
		broker:    mock,
		validator: NewValidator(store, cfg, logger),
		monitor:   NewMonitor(store, eng, notifier, cfg, logger),
		cycle:     cycle,
	}
}

func (f *riskFixture) security(t *testing.T, symbol, sector string) *models.Security {
	t.Helper()
	ctx := context.Background()
	sec, err := f.store.GetOrCreateSecurity(ctx, symbol, "", "")
	require.NoError(t, err)
	if sector != "" {
		require.NoError(t, f.store.SetSecuritySector(ctx, sec.ID, sector, sector))
	}
	return sec
}

func (f *riskFixture) holdPosition(t *testing.T, sec *models.Security, status models.PositionStatus, riskAmount, realizedPnL, unrealizedPnL float64) *models.Position {
	t.Helper()
	ctx := context.Background()
	p := &models.Position{
		ID: uuid.NewString(), CycleID: f.cycle.ID, SecurityID: sec.ID,
		Symbol: sec.Symbol, Side: models.Long, Qty: 100,
		EntryPrice: 100, RiskAmount: riskAmount,
		RealizedPnL: realizedPnL, UnrealizedPnL: unrealizedPnL,
		Status: models.PositionPending,
	}
	require.NoError(t, f.store.WithTx(ctx, func(tx *sql.Tx) error {
		return f.store.InsertPosition(ctx, tx, p)
	}))
	switch status {
	case models.PositionOpen:
		require.NoError(t, f.store.WithTx(ctx, func(tx *sql.Tx) error {
			return f.store.OpenPositionRow(ctx, tx, p.ID, 100, time.Now(), 100)
		}))
		if unrealizedPnL != 0 {
			require.NoError(t, f.store.UpdatePositionMark(ctx, p.ID, 100+unrealizedPnL/100, unrealizedPnL, unrealizedPnL/100))
		}
	case models.PositionClosed:
		require.NoError(t, f.store.WithTx(ctx, func(tx *sql.Tx) error {
			if err := f.store.OpenPositionRow(ctx, tx, p.ID, 100, time.Now(), 100); err != nil {
				return err
			}
			return f.store.ClosePositionRow(ctx, tx, p.ID, 100+realizedPnL/100, time.Now(), realizedPnL, realizedPnL/100, "test")
		}))
	}
	return p
}

func candidateFor(sec *models.Security, sector string) *models.Candidate {
	return &models.Candidate{
		Symbol: sec.Symbol, SecurityID: sec.ID, Side: models.Long,
		Qty: 100, EntryPrice: 100, StopLoss: 98, TakeProfit: 106,
		RiskAmount: 200, Sector: sector,
	}
}

func TestValidateApprovesCleanCandidate(t *testing.T) {
	f := newRiskFixture(t)
	sec := f.security(t, "AAPL", "tech")

	v, err := f.validator.Validate(context.Background(), f.cycle, candidateFor(sec, "tech"))
	require.NoError(t, err)
	assert.True(t, v.Approved)
	assert.Empty(t, v.Reason)
	// |100 - 98| * 100 shares.
	assert.InDelta(t, 200.0, v.RiskAmount, 1e-9)
}

func TestValidateRejectsWhenCycleStopped(t *testing.T) {
	f := newRiskFixture(t)
	sec := f.security(t, "AAPL", "")
	_, err := f.store.StopCycle(context.Background(), f.cycle.ID)
	require.NoError(t, err)

	v, err := f.validator.Validate(context.Background(), f.cycle, candidateFor(sec, ""))
	require.NoError(t, err)
	assert.False(t, v.Approved)
	assert.Equal(t, "cycle_stopped", v.Reason)
}

func TestValidateRejectsAtPositionLimit(t *testing.T) {
	f := newRiskFixture(t)
	for _, sym := range []string{"A", "B", "C", "D", "E"} {
		f.holdPosition(t, f.security(t, sym, ""), models.PositionOpen, 100, 0, 0)
	}
	sec := f.security(t, "AAPL", "")

	v, err := f.validator.Validate(context.Background(), f.cycle, candidateFor(sec, ""))
	require.NoError(t, err)
	assert.False(t, v.Approved)
	assert.Contains(t, v.Reason, "position limit")
}

func TestValidateRejectsOverRiskBudget(t *testing.T) {
	f := newRiskFixture(t)
	f.holdPosition(t, f.security(t, "MSFT", ""), models.PositionOpen, 1900, 0, 0)
	sec := f.security(t, "AAPL", "")

	// Candidate risk |100-98|*100 = 200; 1900 + 200 > 2000.
	v, err := f.validator.Validate(context.Background(), f.cycle, candidateFor(sec, ""))
	require.NoError(t, err)
	assert.False(t, v.Approved)
	assert.Contains(t, v.Reason, "risk budget")
}

func TestValidateRejectsDuplicate(t *testing.T) {
	f := newRiskFixture(t)
	sec := f.security(t, "AAPL", "")
	f.holdPosition(t, sec, models.PositionOpen, 100, 0, 0)

	v, err := f.validator.Validate(context.Background(), f.cycle, candidateFor(sec, ""))
	require.NoError(t, err)
	assert.False(t, v.Approved)
	assert.Contains(t, v.Reason, "already holding")
}

func TestValidateRejectsSectorConcentration(t *testing.T) {
	f := newRiskFixture(t)
	// 40% of 5 positions = 2 per sector.
	f.holdPosition(t, f.security(t, "MSFT", "tech"), models.PositionOpen, 100, 0, 0)
	f.holdPosition(t, f.security(t, "NVDA", "tech"), models.PositionOpen, 100, 0, 0)
	sec := f.security(t, "AAPL", "tech")

	v, err := f.validator.Validate(context.Background(), f.cycle, candidateFor(sec, "tech"))
	require.NoError(t, err)
	assert.False(t, v.Approved)
	assert.Contains(t, v.Reason, "sector tech")

	// A different sector is fine.
	energy := f.security(t, "XOM", "energy")
	v, err = f.validator.Validate(context.Background(), f.cycle, candidateFor(energy, "energy"))
	require.NoError(t, err)
	assert.True(t, v.Approved)
}

func TestValidateRejectsProjectedLossBreach(t *testing.T) {
	f := newRiskFixture(t)
	f.holdPosition(t, f.security(t, "MSFT", ""), models.PositionClosed, 0, -1900, 0)
	sec := f.security(t, "AAPL", "")

	// Realized -1900, candidate full stop -200: projected -2100 < -2000.
	v, err := f.validator.Validate(context.Background(), f.cycle, candidateFor(sec, ""))
	require.NoError(t, err)
	assert.False(t, v.Approved)
	assert.Contains(t, v.Reason, "projected daily loss")
}

func TestMonitorWarnsOncePerCrossing(t *testing.T) {
	f := newRiskFixture(t)
	ctx := context.Background()
	pos := f.holdPosition(t, f.security(t, "AAPL", ""), models.PositionOpen, 0, 0, 0)

	// 80% of the limit: warning fires once.
	require.NoError(t, f.store.UpdatePositionMark(ctx, pos.ID, 84, -1600, -16))
	require.NoError(t, f.monitor.Tick(ctx, f.cycle.ID))
	require.NoError(t, f.monitor.Tick(ctx, f.cycle.ID))

	events, err := f.store.ListRiskEvents(ctx, f.cycle.ID, 50)
	require.NoError(t, err)
	warnings := 0
	for _, ev := range events {
		if ev.Type == warningEventType {
			warnings++
		}
	}
	assert.Equal(t, 1, warnings)

	// Recover below the threshold, then cross again: a second warning fires.
	require.NoError(t, f.store.UpdatePositionMark(ctx, pos.ID, 98, -200, -2))
	require.NoError(t, f.monitor.Tick(ctx, f.cycle.ID))
	require.NoError(t, f.store.UpdatePositionMark(ctx, pos.ID, 84, -1600, -16))
	require.NoError(t, f.monitor.Tick(ctx, f.cycle.ID))

	events, err = f.store.ListRiskEvents(ctx, f.cycle.ID, 50)
	require.NoError(t, err)
	warnings = 0
	for _, ev := range events {
		if ev.Type == warningEventType {
			warnings++
		}
	}
	assert.Equal(t, 2, warnings)
}

func TestMonitorEmergencyStopClosesEverything(t *testing.T) {
	f := newRiskFixture(t)
	ctx := context.Background()
	pos := f.holdPosition(t, f.security(t, "AAPL", ""), models.PositionOpen, 0, 0, 0)

	// Breach: unrealized loss alone exceeds the limit.
	require.NoError(t, f.store.UpdatePositionMark(ctx, pos.ID, 75, -2500, -25))
	require.NoError(t, f.monitor.Tick(ctx, f.cycle.ID))

	cycle, err := f.store.GetCycle(ctx, f.cycle.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CycleStopped, cycle.State)
	assert.Contains(t, f.broker.ClosedSymbols, "AAPL")

	// The close orders carry the daily-loss close reason.
	orders, err := f.store.ListOrdersByPosition(ctx, pos.ID)
	require.NoError(t, err)
	var exits int
	for _, o := range orders {
		if o.Purpose == models.PurposeExit {
			exits++
			assert.Equal(t, "daily_loss_limit", o.Reason)
		}
	}
	assert.Equal(t, 1, exits)

	events, err := f.store.ListRiskEvents(ctx, f.cycle.ID, 50)
	require.NoError(t, err)
	var stopEvents int
	for _, ev := range events {
		if ev.Type == "emergency_stop" {
			stopEvents++
			assert.Equal(t, models.SeverityCritical, ev.Severity)
		}
	}
	assert.Equal(t, 1, stopEvents)

	// A second tick is a no-op: the cycle is no longer active.
	require.NoError(t, f.monitor.Tick(ctx, f.cycle.ID))
	events, err = f.store.ListRiskEvents(ctx, f.cycle.ID, 50)
	require.NoError(t, err)
	stopEvents = 0
	for _, ev := range events {
		if ev.Type == "emergency_stop" {
			stopEvents++
		}
	}
	assert.Equal(t, 1, stopEvents)

	// Stopped cycles reject new entries.
	sec := f.security(t, "TSLA", "")
	v, err := f.validator.Validate(ctx, f.cycle, candidateFor(sec, ""))
	require.NoError(t, err)
	assert.False(t, v.Approved)
	assert.Equal(t, "cycle_stopped", v.Reason)
}

func TestEmergencyStopReportsCloseFailures(t *testing.T) {
	f := newRiskFixture(t)
	ctx := context.Background()
	pos := f.holdPosition(t, f.security(t, "AAPL", ""), models.PositionOpen, 0, 0, 0)
	require.NoError(t, f.store.UpdatePositionMark(ctx, pos.ID, 75, -2500, -25))

	f.broker.CloseFn = func(symbol, reason string) (*broker.Order, error) {
		return nil, broker.ErrTransient
	}

	err := f.monitor.Tick(ctx, f.cycle.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 1 closes failed")

	// The stop itself still happened.
	cycle, err2 := f.store.GetCycle(ctx, f.cycle.ID)
	require.NoError(t, err2)
	assert.Equal(t, models.CycleStopped, cycle.State)
}
