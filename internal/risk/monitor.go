package risk

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"daytrader/internal/alerts"
	"daytrader/internal/config"
	"daytrader/internal/engine"
	"daytrader/internal/models"
	"daytrader/internal/storage"
)

const warningEventType = "daily_loss_warning"

// Monitor watches realized plus unrealized daily loss and trips the
// emergency stop when the limit is breached. A stopped cycle stays stopped;
// resuming requires operator intervention.
type Monitor struct {
	store    *storage.Store
	engine   *engine.Engine
	notifier *alerts.Notifier
	cfg      config.RiskConfig
	logger   *logrus.Logger
}

// NewMonitor creates a Monitor.
func NewMonitor(store *storage.Store, eng *engine.Engine, notifier *alerts.Notifier, cfg config.RiskConfig, logger *logrus.Logger) *Monitor {
	return &Monitor{store: store, engine: eng, notifier: notifier, cfg: cfg, logger: logger}
}

// Run ticks until ctx is canceled. cycleID selects the cycle under watch.
func (m *Monitor) Run(ctx context.Context, cycleID string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Tick(ctx, cycleID); err != nil {
				m.logger.WithError(err).Error("risk tick failed")
			}
		}
	}
}

// Tick evaluates the loss position once. Exported so tests and the
// orchestrator can drive it directly.
func (m *Monitor) Tick(ctx context.Context, cycleID string) error {
	cycle, err := m.store.GetCycle(ctx, cycleID)
	if err != nil {
		return err
	}
	if !cycle.State.Active() {
		return nil
	}

	loss, err := m.currentDailyLoss(ctx, cycleID)
	if err != nil {
		return err
	}

	switch {
	case loss >= m.cfg.MaxDailyLoss:
		return m.emergencyStop(ctx, cycleID, loss)
	case loss >= m.cfg.MaxDailyLoss*m.cfg.WarningThresholdPct:
		return m.warnOnce(ctx, cycleID, loss)
	default:
		// Condition cleared: re-arm the warning for the next crossing.
		return m.store.ResolveEventsOfType(ctx, cycleID, warningEventType)
	}
}

// currentDailyLoss returns the day's loss as a positive number (0 when the
// day is flat or profitable). Unrealized P&L of open positions counts: a
// large open drawdown is a loss the stop legs have not crystallized yet.
func (m *Monitor) currentDailyLoss(ctx context.Context, cycleID string) (float64, error) {
	realized, err := m.store.DailyRealizedPnL(ctx, cycleID)
	if err != nil {
		return 0, err
	}
	open, err := m.store.ListPositionsByStatus(ctx, cycleID, models.PositionOpen)
	if err != nil {
		return 0, err
	}
	total := realized
	for _, p := range open {
		total += p.UnrealizedPnL
	}
	if total >= 0 {
		return 0, nil
	}
	return -total, nil
}

// warnOnce raises the loss warning a single time per threshold crossing.
func (m *Monitor) warnOnce(ctx context.Context, cycleID string, loss float64) error {
	already, err := m.store.HasUnresolvedEvent(ctx, cycleID, warningEventType)
	if err != nil {
		return err
	}
	if already {
		return nil
	}
	msg := fmt.Sprintf("daily loss %.2f at %.0f%% of limit %.2f",
		loss, loss/m.cfg.MaxDailyLoss*100, m.cfg.MaxDailyLoss)
	m.notifier.Warning("risk", "daily loss warning", msg)
	return m.store.InsertRiskEvent(ctx, &models.RiskEvent{
		CycleID:  cycleID,
		Type:     warningEventType,
		Severity: models.SeverityWarning,
		Message:  msg,
	})
}

// emergencyStop flips the cycle to stopped and flattens the book. The flip
// is a single conditional update, so with N concurrent monitors exactly one
// performs the close-all; the rest observe the stopped state and return.
func (m *Monitor) emergencyStop(ctx context.Context, cycleID string, loss float64) error {
	flipped, err := m.store.StopCycle(ctx, cycleID)
	if err != nil {
		return err
	}
	if !flipped {
		return nil // another ticker won the race
	}

	msg := fmt.Sprintf("daily loss %.2f breached limit %.2f, closing all positions",
		loss, m.cfg.MaxDailyLoss)
	m.logger.Error(msg)
	m.notifier.Critical("risk", "EMERGENCY STOP", msg)
	if err := m.store.InsertRiskEvent(ctx, &models.RiskEvent{
		CycleID:  cycleID,
		Type:     "emergency_stop",
		Severity: models.SeverityCritical,
		Message:  msg,
	}); err != nil {
		m.logger.WithError(err).Error("failed to record emergency stop event")
	}

	report := m.engine.CloseAll(ctx, cycleID, "daily_loss_limit")
	if len(report.Errors) > 0 {
		details := make([]string, len(report.Errors))
		for i, e := range report.Errors {
			m.logger.WithError(e).Error("close failed during emergency stop")
			details[i] = e.Error()
		}
		m.notifier.Critical("risk", "emergency stop incomplete", fmt.Sprintf(
			"close orders at broker %d/%d, closed in db %d, manual intervention required; errors: %s",
			report.BrokerClosed, report.Attempted, report.DBClosed, strings.Join(details, "; ")))
		return fmt.Errorf("emergency stop: %d of %d closes failed", len(report.Errors), report.Attempted)
	}
	return nil
}
