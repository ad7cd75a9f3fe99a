package storage

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

	"daytrader/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSchemaValidation(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.ValidateSchema(context.Background()))

	// Dropping a required unique index must fail validation.
	_, err := s.db.Exec(`DROP TABLE position_monitor_status`)
	require.NoError(t, err)
	err = s.ValidateSchema(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "position_monitor_status")
}

func TestGetOrCreateSecurityIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.GetOrCreateSecurity(ctx, "aapl", "Apple Inc", "NASDAQ")
	require.NoError(t, err)
	assert.Equal(t, "AAPL", first.Symbol)

	second, err := s.GetOrCreateSecurity(ctx, "AAPL", "Apple Inc", "NASDAQ")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestGetOrCreateTimeTruncatesToMinute(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ts := time.Date(2025, 3, 14, 10, 30, 45, 123, time.UTC)
	tk1, err := s.GetOrCreateTime(ctx, ts, true, "regular")
	require.NoError(t, err)
	tk2, err := s.GetOrCreateTime(ctx, ts.Add(10*time.Second), true, "regular")
	require.NoError(t, err)
	assert.Equal(t, tk1.ID, tk2.ID)
	assert.Equal(t, 30, tk1.Minute)
}

func TestOneCyclePerDate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateCycle(ctx, "2025-03-14", models.ModePaper, "")
	require.NoError(t, err)
	_, err = s.CreateCycle(ctx, "2025-03-14", models.ModePaper, "")
	require.ErrorIs(t, err, ErrCycleExists)
}

func TestStopCycleExactlyOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c, err := s.CreateCycle(ctx, "2025-03-14", models.ModePaper, "")
	require.NoError(t, err)

	flipped, err := s.StopCycle(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, flipped)

	// Second caller loses the race.
	flipped, err = s.StopCycle(ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, flipped)

	got, err := s.GetCycle(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CycleStopped, got.State)
	assert.False(t, got.StoppedAt.IsZero())
}

func TestCycleTransitionRejectsInvalid(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c, err := s.CreateCycle(ctx, "2025-03-14", models.ModePaper, "")
	require.NoError(t, err)

	require.Error(t, s.TransitionCycleState(ctx, c.ID, models.CycleCreated, models.CycleExecuting))
	require.NoError(t, s.TransitionCycleState(ctx, c.ID, models.CycleCreated, models.CycleScanning))

	// Stale expected state loses.
	err = s.TransitionCycleState(ctx, c.ID, models.CycleCreated, models.CycleScanning)
	require.Error(t, err)
}

func seedPosition(t *testing.T, s *Store, cycleID string, secID int64) *models.Position {
	t.Helper()
	p := &models.Position{
		ID:         uuid.NewString(),
		CycleID:    cycleID,
		SecurityID: secID,
		Symbol:     "AAPL",
		Side:       models.Long,
		Qty:        100,
		StopLoss:   95,
		TakeProfit: 110,
		RiskAmount: 500,
		Status:     models.PositionPending,
	}
	require.NoError(t, s.WithTx(context.Background(), func(tx *sql.Tx) error {
		return s.InsertPosition(context.Background(), tx, p)
	}))
	return p
}

func TestOrderBrokerIDSetOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c, err := s.CreateCycle(ctx, "2025-03-14", models.ModePaper, "")
	require.NoError(t, err)
	sec, err := s.GetOrCreateSecurity(ctx, "AAPL", "", "")
	require.NoError(t, err)

	o := &models.Order{
		ID: uuid.NewString(), CycleID: c.ID, SecurityID: sec.ID,
		Class: models.ClassSimple, Purpose: models.PurposeEntry,
		Side: models.SideBuy, Type: models.TypeMarket, TimeInForce: models.TIFDay,
		Qty: 100, Status: models.OrderCreated,
	}
	require.NoError(t, s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.InsertOrder(ctx, tx, o)
	}))

	require.NoError(t, s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.SetBrokerOrderID(ctx, tx, o.ID, "bkr-1")
	}))
	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.SetBrokerOrderID(ctx, tx, o.ID, "bkr-2")
	})
	require.ErrorIs(t, err, ErrBrokerIDAlreadySet)

	got, err := s.GetOrderByBrokerID(ctx, "bkr-1")
	require.NoError(t, err)
	assert.Equal(t, o.ID, got.ID)
}

func TestApplyFillProgression(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c, err := s.CreateCycle(ctx, "2025-03-14", models.ModePaper, "")
	require.NoError(t, err)
	sec, err := s.GetOrCreateSecurity(ctx, "AAPL", "", "")
	require.NoError(t, err)

	o := &models.Order{
		ID: uuid.NewString(), CycleID: c.ID, SecurityID: sec.ID,
		Class: models.ClassBracket, Purpose: models.PurposeEntry,
		Side: models.SideBuy, Type: models.TypeMarket, TimeInForce: models.TIFGTC,
		Qty: 100, Status: models.OrderCreated,
	}
	require.NoError(t, s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.InsertOrder(ctx, tx, o)
	}))
	require.NoError(t, s.UpdateOrderStatus(ctx, o.ID, models.OrderSubmitted, "", time.Now()))
	require.NoError(t, s.UpdateOrderStatus(ctx, o.ID, models.OrderAccepted, "", time.Now()))

	got, err := s.ApplyFill(ctx, o.ID, 40, 100.10, time.Now())
	require.NoError(t, err)
	assert.Equal(t, models.OrderPartialFill, got.Status)

	// Fill quantity never regresses.
	_, err = s.ApplyFill(ctx, o.ID, 30, 100.10, time.Now())
	require.Error(t, err)

	got, err = s.ApplyFill(ctx, o.ID, 100, 100.25, time.Now())
	require.NoError(t, err)
	assert.Equal(t, models.OrderFilled, got.Status)
	assert.Equal(t, 100.25, got.FilledAvgPrice)
}

func TestPositionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c, err := s.CreateCycle(ctx, "2025-03-14", models.ModePaper, "")
	require.NoError(t, err)
	sec, err := s.GetOrCreateSecurity(ctx, "AAPL", "", "")
	require.NoError(t, err)
	p := seedPosition(t, s, c.ID, sec.ID)

	n, err := s.CountActivePositions(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	dup, err := s.HasActivePositionForSecurity(ctx, c.ID, sec.ID)
	require.NoError(t, err)
	assert.True(t, dup)

	require.NoError(t, s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.OpenPositionRow(ctx, tx, p.ID, 100.50, time.Now(), 100)
	}))
	got, err := s.GetPosition(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PositionOpen, got.Status)
	assert.Equal(t, 100.50, got.EntryPrice)

	require.NoError(t, s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.ClosePositionRow(ctx, tx, p.ID, 105.00, time.Now(), 450, 4.48, "take_profit")
	}))
	got, err = s.GetPosition(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PositionClosed, got.Status)
	assert.Equal(t, 450.0, got.RealizedPnL)

	// closed -> open is not a legal transition
	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.OpenPositionRow(ctx, tx, p.ID, 100.50, time.Now(), 100)
	})
	require.Error(t, err)
}

func TestHighWatermarkOnlyRises(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c, err := s.CreateCycle(ctx, "2025-03-14", models.ModePaper, "")
	require.NoError(t, err)
	sec, err := s.GetOrCreateSecurity(ctx, "AAPL", "", "")
	require.NoError(t, err)
	p := seedPosition(t, s, c.ID, sec.ID)
	require.NoError(t, s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.OpenPositionRow(ctx, tx, p.ID, 100, time.Now(), 100)
	}))

	require.NoError(t, s.UpdatePositionMark(ctx, p.ID, 108, 800, 8))
	require.NoError(t, s.UpdatePositionMark(ctx, p.ID, 104, 400, 4))

	got, err := s.GetPosition(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 108.0, got.HighWatermark)
	assert.Equal(t, 104.0, got.CurrentPrice)
}

func TestSectorExposure(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c, err := s.CreateCycle(ctx, "2025-03-14", models.ModePaper, "")
	require.NoError(t, err)
	tech, err := s.GetOrCreateSecurity(ctx, "AAPL", "", "")
	require.NoError(t, err)
	require.NoError(t, s.SetSecuritySector(ctx, tech.ID, "tech", "Technology"))
	seedPosition(t, s, c.ID, tech.ID)

	exposure, err := s.SectorExposure(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, exposure["tech"])
}

func TestMonitorStatusUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c, err := s.CreateCycle(ctx, "2025-03-14", models.ModePaper, "")
	require.NoError(t, err)
	sec, err := s.GetOrCreateSecurity(ctx, "AAPL", "", "")
	require.NoError(t, err)
	p := seedPosition(t, s, c.ID, sec.ID)

	st := &models.MonitorStatus{
		PositionID: p.ID, Symbol: "AAPL", State: models.MonitorRunning,
		LastPrice: 101, PnLPct: 1.0, HoldSignals: []string{"above_vwap"},
		Recommendation: models.RecommendHold, LastCheckin: time.Now(),
	}
	require.NoError(t, s.UpsertMonitorStatus(ctx, st))

	st.LastPrice = 103
	st.ExitSignals = []string{"rsi_overbought"}
	st.Recommendation = models.RecommendReview
	require.NoError(t, s.UpsertMonitorStatus(ctx, st))

	got, err := s.GetMonitorStatus(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 103.0, got.LastPrice)
	assert.Equal(t, []string{"rsi_overbought"}, got.ExitSignals)
	assert.Equal(t, models.RecommendReview, got.Recommendation)
}

func TestWatchdogRuleSeedAndBudget(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rule := &models.WatchdogRule{
		IssueType: "stuck_order", AutoFixEnabled: true,
		MaxFixesPerHour: 2, CooldownMinutes: 5, Active: true,
	}
	require.NoError(t, s.SeedWatchdogRule(ctx, rule))

	// Seeding again does not clobber operator tuning.
	rule.MaxFixesPerHour = 99
	require.NoError(t, s.SeedWatchdogRule(ctx, rule))
	got, err := s.GetWatchdogRule(ctx, "stuck_order")
	require.NoError(t, err)
	assert.Equal(t, 2, got.MaxFixesPerHour)

	require.NoError(t, s.InsertWatchdogActivity(ctx, &models.WatchdogActivity{
		Session: "test", ObservationType: "orders", Decision: models.DecisionAutoFix,
		IssueType: "stuck_order", IssueSeverity: models.SeverityWarning,
	}))
	n, err := s.CountRecentAutoFixes(ctx, "stuck_order", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	last, err := s.LastAutoFixTime(ctx, "stuck_order")
	require.NoError(t, err)
	assert.False(t, last.IsZero())
}
