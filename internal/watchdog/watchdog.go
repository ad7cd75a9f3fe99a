// Package watchdog audits the local book against the broker on a fixed
// cadence. It observes, consults the rules table, applies narrowly scoped
// auto-fixes inside a rate budget, and escalates everything else. Every run
// leaves an append-only activity trail.
package watchdog

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"daytrader/internal/alerts"
	"daytrader/internal/broker"
	"daytrader/internal/engine"
	"daytrader/internal/models"
	"daytrader/internal/storage"
)

// Issue types as recorded in watchdog_rules and watchdog_activity.
const (
	IssueStuckOrder     = "stuck_order"
	IssuePhantom        = "phantom_position"
	IssueOrphan         = "orphan_position"
	IssueQtyMismatch    = "qty_mismatch"
	IssueStaleCycle     = "stale_cycle"
	IssueUnknownOrder   = "unknown_order"
	IssueReconcileError = "reconcile_error"
)

const (
	stuckOrderAge = 5 * time.Minute
	staleCycleAge = 30 * time.Minute
	syncLookback  = 24 * time.Hour
	rateWindow    = time.Hour
)

// autoFixDenied lists issue kinds that are never auto-fixed regardless of
// what the rules table says. Orphans and large quantity drifts mean the
// local book and reality disagree about money; a machine must not paper
// over that. Phantom closes are bookkeeping only and stay with the engine.
var autoFixDenied = map[string]bool{
	IssueOrphan:      true,
	IssueQtyMismatch: true,
}

// Watchdog runs the periodic audit. Its only permitted mutation is
// cancelling stuck orders; it never creates orders and never closes
// positions at the broker.
type Watchdog struct {
	store    *storage.Store
	broker   broker.Broker
	engine   *engine.Engine
	notifier *alerts.Notifier
	logger   *logrus.Logger
}

func New(store *storage.Store, b broker.Broker, eng *engine.Engine,
	notifier *alerts.Notifier, logger *logrus.Logger) *Watchdog {
	return &Watchdog{store: store, broker: b, engine: eng, notifier: notifier, logger: logger}
}

// defaultRules seeds conservative policies on first run. Operator edits to
// existing rows survive restarts.
var defaultRules = []models.WatchdogRule{
	{IssueType: IssueStuckOrder, AutoFixEnabled: true, FixTemplate: "cancel_order",
		MaxFixesPerHour: 4, CooldownMinutes: 0, EscalationPriority: 3, Active: true},
	{IssueType: IssueOrphan, AutoFixEnabled: false,
		MaxFixesPerHour: 0, CooldownMinutes: 0, EscalationPriority: 1, Active: true},
	{IssueType: IssueQtyMismatch, AutoFixEnabled: false,
		MaxFixesPerHour: 0, CooldownMinutes: 0, EscalationPriority: 1, Active: true},
	{IssueType: IssueStaleCycle, AutoFixEnabled: false,
		MaxFixesPerHour: 0, CooldownMinutes: 0, EscalationPriority: 2, Active: true},
}

// SeedRules installs the default policies, skipping rows that already exist.
func (w *Watchdog) SeedRules(ctx context.Context) error {
	for i := range defaultRules {
		if err := w.store.SeedWatchdogRule(ctx, &defaultRules[i]); err != nil {
			return err
		}
	}
	return nil
}

// Run audits every interval until ctx is canceled.
func (w *Watchdog) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.RunOnce(ctx); err != nil {
				w.logger.WithError(err).Error("watchdog run failed")
			}
		}
	}
}

// RunOnce performs one full audit: stuck orders, order-status sync, broker
// reconciliation, and stale-cycle detection. Each pass is independent; a
// failure in one does not stop the others.
func (w *Watchdog) RunOnce(ctx context.Context) error {
	session := uuid.NewString()
	started := time.Now()
	log := w.logger.WithField("session", session)

	var errs []string
	if err := w.checkStuckOrders(ctx, session); err != nil {
		errs = append(errs, err.Error())
		log.WithError(err).Error("stuck order pass failed")
	}
	if err := w.engine.SyncOrders(ctx, time.Now().Add(-syncLookback)); err != nil {
		errs = append(errs, err.Error())
		log.WithError(err).Error("order status sync failed")
	}
	if err := w.reconcilePositions(ctx, session); err != nil {
		errs = append(errs, err.Error())
		log.WithError(err).Error("position reconcile pass failed")
	}
	if err := w.checkStaleCycles(ctx, session); err != nil {
		errs = append(errs, err.Error())
		log.WithError(err).Error("stale cycle pass failed")
	}

	log.WithField("duration", time.Since(started)).Debug("watchdog run complete")
	if len(errs) > 0 {
		return fmt.Errorf("watchdog: %s", strings.Join(errs, "; "))
	}
	return nil
}

// checkStuckOrders finds entry and exit orders the broker has acknowledged
// but not progressed for stuckOrderAge and cancels them when the rules allow
// it. Resting stop-loss and take-profit legs never count as stuck.
func (w *Watchdog) checkStuckOrders(ctx context.Context, session string) error {
	orders, err := w.store.ListNonTerminalOrders(ctx, time.Time{})
	if err != nil {
		return err
	}
	now := time.Now()
	for _, o := range orders {
		if !isStuck(o, now) {
			continue
		}
		age := now.Sub(lastProgress(o)).Round(time.Second)
		summary := fmt.Sprintf("order %s (%s %s) stuck in %s for %s",
			o.ID, o.Purpose, o.Type, o.Status, age)

		decision, reason := w.decide(ctx, IssueStuckOrder)
		act := &models.WatchdogActivity{
			Session: session, CycleID: o.CycleID,
			ObservationType: "stuck_order_scan", IssuesSummary: summary,
			Decision: decision, IssueType: IssueStuckOrder,
			IssueSeverity: models.SeverityWarning,
		}
		switch decision {
		case models.DecisionAutoFix:
			act.ActionType = "cancel_order"
			act.ActionDetail = o.ID
			act.ActionResult = w.cancelStuck(ctx, o)
		case models.DecisionEscalate:
			act.ActionType = "alert"
			act.ActionDetail = reason
			w.notifier.Warning("watchdog", "stuck order", summary+" ("+reason+")")
		}
		if err := w.store.InsertWatchdogActivity(ctx, act); err != nil {
			w.logger.WithError(err).Warn("watchdog activity insert failed")
		}
	}
	return nil
}

// decide consults the rules table and the rate budget for an issue type.
// The deny-list wins over everything.
func (w *Watchdog) decide(ctx context.Context, issueType string) (models.WatchdogDecision, string) {
	if autoFixDenied[issueType] {
		return models.DecisionEscalate, "auto-fix denied for this issue kind"
	}
	rule, err := w.store.GetWatchdogRule(ctx, issueType)
	if err != nil {
		w.logger.WithError(err).Warn("watchdog rule lookup failed")
		return models.DecisionEscalate, "rule lookup failed"
	}
	if rule == nil || !rule.AutoFixEnabled {
		return models.DecisionEscalate, "no auto-fix rule"
	}
	n, err := w.store.CountRecentAutoFixes(ctx, issueType, rateWindow)
	if err != nil {
		return models.DecisionEscalate, "fix budget check failed"
	}
	if n >= rule.MaxFixesPerHour {
		return models.DecisionEscalate, fmt.Sprintf("hourly fix budget exhausted (%d/%d)", n, rule.MaxFixesPerHour)
	}
	if rule.CooldownMinutes > 0 {
		last, err := w.store.LastAutoFixTime(ctx, issueType)
		if err == nil && !last.IsZero() &&
			time.Since(last) < time.Duration(rule.CooldownMinutes)*time.Minute {
			return models.DecisionEscalate, "cooldown in effect"
		}
	}
	return models.DecisionAutoFix, ""
}

// cancelStuck cancels one stuck order at the broker and locally, returning a
// human-readable result string for the activity row.
func (w *Watchdog) cancelStuck(ctx context.Context, o *models.Order) string {
	if o.BrokerOrderID != "" {
		if err := w.broker.CancelOrder(ctx, o.BrokerOrderID); err != nil {
			w.notifier.Warning("watchdog", "stuck order cancel failed",
				fmt.Sprintf("%s: %v", o.ID, err))
			return "broker cancel failed: " + err.Error()
		}
	}
	if err := w.store.UpdateOrderStatus(ctx, o.ID, models.OrderCancelled,
		"watchdog: stuck order", time.Now()); err != nil {
		return "local cancel failed: " + err.Error()
	}
	w.logger.WithField("order_id", o.ID).Info("watchdog cancelled stuck order")
	return "cancelled"
}

// reconcilePositions delegates to the engine's reconciler and records what
// it found. Orphans and quantity drifts are observation-only here; the
// engine has already raised the alerts.
func (w *Watchdog) reconcilePositions(ctx context.Context, session string) error {
	report, err := w.engine.Reconcile(ctx)
	if err != nil {
		act := &models.WatchdogActivity{
			Session: session, ObservationType: "position_reconcile",
			IssuesSummary: err.Error(), Decision: models.DecisionEscalate,
			IssueType: IssueReconcileError, IssueSeverity: models.SeverityCritical,
		}
		if insErr := w.store.InsertWatchdogActivity(ctx, act); insErr != nil {
			w.logger.WithError(insErr).Warn("watchdog activity insert failed")
		}
		w.notifier.Critical("watchdog", "reconcile failed", err.Error())
		return err
	}
	if report.Empty() {
		return nil
	}

	meta, _ := json.Marshal(report)
	act := &models.WatchdogActivity{
		Session: session, ObservationType: "position_reconcile",
		IssuesSummary: summarizeReport(report),
		Decision:      models.DecisionMonitor,
		IssueSeverity: models.SeverityWarning,
		Metadata:      string(meta),
	}
	if report.CriticalIssues > 0 {
		act.Decision = models.DecisionEscalate
		act.IssueSeverity = models.SeverityCritical
		if len(report.Orphans) > 0 {
			act.IssueType = IssueOrphan
		} else {
			act.IssueType = IssueQtyMismatch
		}
	}
	return w.store.InsertWatchdogActivity(ctx, act)
}

// checkStaleCycles escalates active cycles whose row has not been touched
// for staleCycleAge: the orchestrator or monitor loop has likely died.
func (w *Watchdog) checkStaleCycles(ctx context.Context, session string) error {
	cycles, err := w.store.ListActiveCycles(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, c := range cycles {
		if c.UpdatedAt.IsZero() || now.Sub(c.UpdatedAt) < staleCycleAge {
			continue
		}
		summary := fmt.Sprintf("cycle %s (%s) in state %s has had no activity since %s",
			c.ID, c.Date, c.State, c.UpdatedAt.Format(time.RFC3339))
		act := &models.WatchdogActivity{
			Session: session, CycleID: c.ID,
			ObservationType: "stale_cycle_scan", IssuesSummary: summary,
			Decision: models.DecisionEscalate, ActionType: "alert",
			IssueType: IssueStaleCycle, IssueSeverity: models.SeverityWarning,
		}
		w.notifier.Warning("watchdog", "stale cycle", summary)
		if err := w.store.InsertWatchdogActivity(ctx, act); err != nil {
			w.logger.WithError(err).Warn("watchdog activity insert failed")
		}
	}
	return nil
}

// isStuck reports whether an order has been sitting without progress past
// the threshold. Orders the broker never confirmed (submitted_unknown) are
// the reconciler's job, and freshly created rows mid-submit are skipped.
// Protective bracket legs are exempt: a GTC stop-loss or take-profit sits in
// accepted for the life of its position, and cancelling it would leave the
// position unprotected.
func isStuck(o *models.Order, now time.Time) bool {
	if o.Purpose.IsBracketLeg() {
		return false
	}
	switch o.Status {
	case models.OrderSubmitted, models.OrderAccepted:
	default:
		return false
	}
	return now.Sub(lastProgress(o)) >= stuckOrderAge
}

// lastProgress is the most recent lifecycle timestamp on the order.
func lastProgress(o *models.Order) time.Time {
	ts := o.CreatedAt
	for _, t := range []time.Time{o.SubmittedAt, o.AcceptedAt, o.UpdatedAt} {
		if t.After(ts) {
			ts = t
		}
	}
	return ts
}

func summarizeReport(r *engine.ReconcileReport) string {
	var parts []string
	if n := len(r.PhantomsClosed); n > 0 {
		parts = append(parts, fmt.Sprintf("%d phantom(s) closed", n))
	}
	if n := len(r.Orphans); n > 0 {
		parts = append(parts, fmt.Sprintf("%d orphan broker position(s): %s", n, strings.Join(r.Orphans, ",")))
	}
	if n := len(r.QtyMismatches); n > 0 {
		parts = append(parts, fmt.Sprintf("%d quantity mismatch(es)", n))
	}
	if r.UnknownsResolved > 0 {
		parts = append(parts, fmt.Sprintf("%d unknown order(s) resolved", r.UnknownsResolved))
	}
	return strings.Join(parts, "; ")
}
