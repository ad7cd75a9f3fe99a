// Package engine owns the order and position lifecycle: bracket entry,
// fill processing with OCO semantics, closes, and reconciliation against
// broker truth. The database records intent before any broker call so a
// crash can never leave an untracked order.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"daytrader/internal/alerts"
	"daytrader/internal/broker"
	"daytrader/internal/models"
	"daytrader/internal/storage"
)

// Engine executes and tracks positions for a trading cycle.
type Engine struct {
	store    *storage.Store
	broker   broker.Broker
	notifier *alerts.Notifier
	logger   *logrus.Logger
}

// New creates an Engine.
func New(store *storage.Store, b broker.Broker, notifier *alerts.Notifier, logger *logrus.Logger) *Engine {
	return &Engine{store: store, broker: b, notifier: notifier, logger: logger}
}

// OpenPosition opens a bracketed position for a validated candidate. The
// pending position row and all three order rows are committed before the
// broker is contacted. An ambiguous submit leaves the entry order in
// submitted_unknown for reconciliation to resolve; it is never resubmitted.
func (e *Engine) OpenPosition(ctx context.Context, cycle *models.TradingCycle, cand *models.Candidate) (*models.Position, error) {
	entrySide := cand.Side.EntryOrderSide()
	exitSide := cand.Side.ExitOrderSide()

	pos := &models.Position{
		ID:          uuid.NewString(),
		CycleID:     cycle.ID,
		SecurityID:  cand.SecurityID,
		Symbol:      cand.Symbol,
		Side:        cand.Side,
		Qty:         cand.Qty,
		StopLoss:    cand.StopLoss,
		TakeProfit:  cand.TakeProfit,
		RiskAmount:  cand.RiskAmount,
		EntryVolume: cand.Volume,
		Pattern:     cand.Pattern,
		Catalyst:    cand.Catalyst,
		Status:      models.PositionPending,
	}

	entry := &models.Order{
		ID:          uuid.NewString(),
		CycleID:     cycle.ID,
		SecurityID:  cand.SecurityID,
		PositionID:  pos.ID,
		Class:       models.ClassBracket,
		Purpose:     models.PurposeEntry,
		Side:        entrySide,
		Type:        models.TypeMarket,
		TimeInForce: models.TIFGTC,
		Qty:         cand.Qty,
		Status:      models.OrderCreated,
	}
	stopLeg := &models.Order{
		ID:            uuid.NewString(),
		CycleID:       cycle.ID,
		SecurityID:    cand.SecurityID,
		PositionID:    pos.ID,
		ParentOrderID: entry.ID,
		Class:         models.ClassBracket,
		Purpose:       models.PurposeStopLoss,
		Side:          exitSide,
		Type:          models.TypeStop,
		TimeInForce:   models.TIFGTC,
		Qty:           cand.Qty,
		StopPrice:     cand.StopLoss,
		Status:        models.OrderCreated,
	}
	tpLeg := &models.Order{
		ID:            uuid.NewString(),
		CycleID:       cycle.ID,
		SecurityID:    cand.SecurityID,
		PositionID:    pos.ID,
		ParentOrderID: entry.ID,
		Class:         models.ClassBracket,
		Purpose:       models.PurposeTakeProfit,
		Side:          exitSide,
		Type:          models.TypeLimit,
		TimeInForce:   models.TIFGTC,
		Qty:           cand.Qty,
		LimitPrice:    cand.TakeProfit,
		Status:        models.OrderCreated,
	}
	for _, o := range []*models.Order{entry, stopLeg, tpLeg} {
		if err := models.CheckSideMapping(cand.Side, o.Purpose, o.Side); err != nil {
			return nil, err
		}
	}

	spec := broker.BracketSpec{
		Symbol:          cand.Symbol,
		Qty:             cand.Qty,
		Side:            entrySide,
		TimeInForce:     models.TIFGTC,
		EntryType:       models.TypeMarket,
		StopLossPrice:   cand.StopLoss,
		TakeProfitPrice: cand.TakeProfit,
		ClientOrderID:   entry.ID,
	}
	if err := broker.ValidateBracketSpec(spec); err != nil {
		return nil, err
	}

	// Intent on disk before broker traffic.
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.store.InsertPosition(ctx, tx, pos); err != nil {
			return err
		}
		for _, o := range []*models.Order{entry, stopLeg, tpLeg} {
			if err := e.store.InsertOrder(ctx, tx, o); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("persist intent for %s: %w", cand.Symbol, err)
	}

	ids, submitErr := e.broker.SubmitBracket(ctx, spec)
	if submitErr != nil {
		if isAmbiguous(submitErr) {
			// The broker may or may not have the order. Park it for the
			// reconciler; resubmitting here could double the exposure.
			if err := e.store.UpdateOrderStatus(ctx, entry.ID, models.OrderSubmittedUnknown, submitErr.Error(), time.Now()); err != nil {
				e.logger.WithError(err).Error("failed to mark order submitted_unknown")
			}
			e.notifier.Warning("engine", "ambiguous order submit",
				fmt.Sprintf("%s: submit outcome unknown, parked for reconciliation: %v", cand.Symbol, submitErr))
			return nil, fmt.Errorf("submit bracket for %s ambiguous: %w", cand.Symbol, submitErr)
		}
		e.rejectIntent(ctx, cycle.ID, pos, []*models.Order{entry, stopLeg, tpLeg}, submitErr)
		return nil, fmt.Errorf("submit bracket for %s: %w", cand.Symbol, submitErr)
	}

	err = e.store.WithTx(ctx, func(tx *sql.Tx) error {
		for _, pair := range []struct {
			orderID  string
			brokerID string
		}{
			{entry.ID, ids.EntryOrderID},
			{stopLeg.ID, ids.StopLossOrderID},
			{tpLeg.ID, ids.TakeProfitOrderID},
		} {
			if pair.brokerID == "" {
				continue // legs may surface later; reconciliation links them
			}
			if err := e.store.SetBrokerOrderID(ctx, tx, pair.orderID, pair.brokerID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("record broker ids for %s: %w", cand.Symbol, err)
	}
	for _, id := range []string{entry.ID, stopLeg.ID, tpLeg.ID} {
		if err := e.store.UpdateOrderStatus(ctx, id, models.OrderSubmitted, "", time.Now()); err != nil {
			return nil, err
		}
	}
	if err := e.store.IncrementTradesExecuted(ctx, cycle.ID); err != nil {
		e.logger.WithError(err).Warn("failed to bump trades_executed")
	}

	e.logger.WithFields(logrus.Fields{
		"symbol":   cand.Symbol,
		"side":     cand.Side,
		"qty":      cand.Qty,
		"stop":     cand.StopLoss,
		"target":   cand.TakeProfit,
		"position": pos.ID,
	}).Info("bracket submitted")
	return pos, nil
}

// rejectIntent rolls a definitively rejected submission into terminal local
// state and records a risk event.
func (e *Engine) rejectIntent(ctx context.Context, cycleID string, pos *models.Position, orders []*models.Order, cause error) {
	for _, o := range orders {
		if err := e.store.UpdateOrderStatus(ctx, o.ID, models.OrderRejected, cause.Error(), time.Now()); err != nil {
			e.logger.WithError(err).WithField("order", o.ID).Error("failed to mark order rejected")
		}
	}
	if err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		return e.store.CancelPositionRow(ctx, tx, pos.ID, "entry_rejected")
	}); err != nil {
		e.logger.WithError(err).WithField("position", pos.ID).Error("failed to cancel position")
	}
	ev := &models.RiskEvent{
		CycleID:    cycleID,
		PositionID: pos.ID,
		Type:       "order_rejected",
		Severity:   models.SeverityWarning,
		Message:    fmt.Sprintf("bracket for %s rejected: %v", pos.Symbol, cause),
	}
	if err := e.store.InsertRiskEvent(ctx, ev); err != nil {
		e.logger.WithError(err).Error("failed to record rejection event")
	}
}

// isAmbiguous reports whether a submit failure leaves the broker-side outcome
// unknown. Definitive rejections (bad price, auth, buying power) are not
// ambiguous.
func isAmbiguous(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	return errors.Is(err, broker.ErrBrokerUnavailable) || errors.Is(err, broker.ErrTransient)
}

// ApplyOrderUpdate syncs one broker order into local state, processing fills
// and cascading position transitions. Safe to call repeatedly with the same
// snapshot.
func (e *Engine) ApplyOrderUpdate(ctx context.Context, bo *broker.Order) error {
	local, err := e.lookupLocal(ctx, bo)
	if err != nil {
		if errors.Is(err, storage.ErrOrderNotFound) {
			return nil // not ours (manual order in the same account)
		}
		return err
	}
	if local.BrokerOrderID == "" && bo.ID != "" {
		if err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
			return e.store.SetBrokerOrderID(ctx, tx, local.ID, bo.ID)
		}); err != nil && !errors.Is(err, storage.ErrBrokerIDAlreadySet) {
			return err
		}
	}

	target := mapBrokerStatus(bo.Status)
	switch target {
	case models.OrderFilled, models.OrderPartialFill:
		return e.handleFill(ctx, local, bo)
	case "":
		return nil
	default:
		if !models.CanTransitionOrder(local.Status, target) {
			if local.Status != target {
				e.logger.WithFields(logrus.Fields{
					"order": local.ID, "from": local.Status, "to": target,
				}).Debug("skipping stale order update")
			}
			return nil
		}
		return e.store.UpdateOrderStatus(ctx, local.ID, target, "", time.Now())
	}
}

// lookupLocal finds the local order row for a broker order, preferring the
// broker id and falling back to the client order id (which the engine sets
// to the local order id).
func (e *Engine) lookupLocal(ctx context.Context, bo *broker.Order) (*models.Order, error) {
	if bo.ID != "" {
		if o, err := e.store.GetOrderByBrokerID(ctx, bo.ID); err == nil {
			return o, nil
		} else if !errors.Is(err, storage.ErrOrderNotFound) {
			return nil, err
		}
	}
	if bo.ClientOrderID != "" {
		return e.store.GetOrder(ctx, bo.ClientOrderID)
	}
	return nil, storage.ErrOrderNotFound
}

// handleFill applies fill progress and drives the position lifecycle: an
// entry fill opens the position at the volume-weighted fill price, a
// terminal exit fill closes it and cancels the OCO sibling.
func (e *Engine) handleFill(ctx context.Context, local *models.Order, bo *broker.Order) error {
	if bo.FilledQty <= local.FilledQty && local.Status != models.OrderCreated && local.Status != models.OrderSubmitted && local.Status != models.OrderSubmittedUnknown {
		return nil // stale or repeated snapshot
	}
	// Fills imply acceptance even if we never saw the intermediate states.
	if models.CanTransitionOrder(local.Status, models.OrderAccepted) {
		if err := e.store.UpdateOrderStatus(ctx, local.ID, models.OrderAccepted, "", time.Now()); err != nil {
			return err
		}
	}
	filledAt := bo.FilledAt
	if filledAt.IsZero() {
		filledAt = time.Now()
	}
	updated, err := e.store.ApplyFill(ctx, local.ID, bo.FilledQty, bo.FilledAvgPrice, filledAt)
	if err != nil {
		return err
	}
	if updated.Status != models.OrderFilled || updated.PositionID == "" {
		return nil
	}

	switch updated.Purpose {
	case models.PurposeEntry:
		return e.onEntryFilled(ctx, updated, filledAt)
	case models.PurposeExit, models.PurposeStopLoss, models.PurposeTakeProfit:
		return e.onExitFilled(ctx, updated, filledAt)
	}
	return nil
}

func (e *Engine) onEntryFilled(ctx context.Context, o *models.Order, at time.Time) error {
	pos, err := e.store.GetPosition(ctx, o.PositionID)
	if err != nil {
		return err
	}
	if pos.Status != models.PositionPending {
		return nil
	}
	if err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		return e.store.OpenPositionRow(ctx, tx, pos.ID, o.FilledAvgPrice, at, o.FilledQty)
	}); err != nil {
		return err
	}
	e.logger.WithFields(logrus.Fields{
		"symbol": pos.Symbol, "entry": o.FilledAvgPrice, "qty": o.FilledQty,
	}).Info("position opened")
	return nil
}

func (e *Engine) onExitFilled(ctx context.Context, o *models.Order, at time.Time) error {
	pos, err := e.store.GetPosition(ctx, o.PositionID)
	if err != nil {
		return err
	}
	if pos.Status == models.PositionClosed {
		return nil
	}
	pnl, pct := realized(pos, o.FilledAvgPrice, o.FilledQty)
	reason := string(o.Purpose)
	if o.Reason != "" {
		reason = o.Reason
	}
	if err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		return e.store.ClosePositionRow(ctx, tx, pos.ID, o.FilledAvgPrice, at, pnl, pct, reason)
	}); err != nil {
		return err
	}
	if err := e.store.RecordTradeOutcome(ctx, pos.CycleID, pnl); err != nil {
		e.logger.WithError(err).Warn("failed to record trade outcome")
	}
	e.cancelSibling(ctx, o)
	e.logger.WithFields(logrus.Fields{
		"symbol": pos.Symbol, "exit": o.FilledAvgPrice, "pnl": pnl, "reason": reason,
	}).Info("position closed")
	return nil
}

// cancelSibling cancels the other OCO leg after one leg fills. The broker
// usually does this itself for native brackets; doing it locally too keeps
// the database consistent and covers manually attached exits.
func (e *Engine) cancelSibling(ctx context.Context, filled *models.Order) {
	sib, err := e.store.SiblingLeg(ctx, filled)
	if err != nil {
		e.logger.WithError(err).Warn("sibling lookup failed")
		return
	}
	if sib == nil || sib.Status.Terminal() {
		return
	}
	if sib.BrokerOrderID != "" {
		if err := e.broker.CancelOrder(ctx, sib.BrokerOrderID); err != nil && !errors.Is(err, broker.ErrOrderNotFound) {
			e.logger.WithError(err).WithField("order", sib.ID).Warn("sibling cancel failed")
		}
	}
	if models.CanTransitionOrder(sib.Status, models.OrderCancelled) {
		if err := e.store.UpdateOrderStatus(ctx, sib.ID, models.OrderCancelled, "oco_sibling_filled", time.Now()); err != nil {
			e.logger.WithError(err).WithField("order", sib.ID).Warn("sibling status update failed")
		}
	}
}

// realized computes realized P&L for an exit fill.
func realized(pos *models.Position, exitPrice, qty float64) (pnl, pct float64) {
	diff := exitPrice - pos.EntryPrice
	if pos.Side == models.Short {
		diff = -diff
	}
	pnl = diff * qty
	if pos.EntryPrice > 0 {
		pct = diff / pos.EntryPrice * 100
	}
	return pnl, pct
}

// SyncOrders pulls recent order state from the broker and applies updates
// with entry fills strictly before exit fills, so an exit snapshot arriving
// first cannot close a position that has not opened yet.
func (e *Engine) SyncOrders(ctx context.Context, since time.Time) error {
	brokerOrders, err := e.broker.ListOrders(ctx, nil, since)
	if err != nil {
		return fmt.Errorf("sync orders: %w", err)
	}
	ordered := make([]broker.Order, len(brokerOrders))
	copy(ordered, brokerOrders)
	sort.SliceStable(ordered, func(i, j int) bool {
		ti, tj := ordered[i].FilledAt, ordered[j].FilledAt
		if ti.IsZero() {
			ti = ordered[i].CreatedAt
		}
		if tj.IsZero() {
			tj = ordered[j].CreatedAt
		}
		return ti.Before(tj)
	})
	var firstErr error
	for i := range ordered {
		if err := e.ApplyOrderUpdate(ctx, &ordered[i]); err != nil {
			e.logger.WithError(err).WithField("broker_order", ordered[i].ID).Error("order sync failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// ClosePosition market-closes an open position: cancel any working exit legs
// first, then flatten at the broker. The position row closes when the exit
// fill comes back through SyncOrders.
func (e *Engine) ClosePosition(ctx context.Context, positionID, reason string) error {
	pos, err := e.store.GetPosition(ctx, positionID)
	if err != nil {
		return err
	}
	if pos.Status.Terminal() {
		return nil
	}
	orders, err := e.store.ListOrdersByPosition(ctx, positionID)
	if err != nil {
		return err
	}
	for _, o := range orders {
		if !o.Purpose.IsBracketLeg() || o.Status.Terminal() || o.BrokerOrderID == "" {
			continue
		}
		if err := e.broker.CancelOrder(ctx, o.BrokerOrderID); err != nil && !errors.Is(err, broker.ErrOrderNotFound) {
			return fmt.Errorf("cancel leg %s before close: %w", o.ID, err)
		}
		if err := e.store.UpdateOrderStatus(ctx, o.ID, models.OrderCancelled, reason, time.Now()); err != nil {
			e.logger.WithError(err).WithField("order", o.ID).Warn("leg cancel status update failed")
		}
	}

	bo, err := e.broker.ClosePosition(ctx, pos.Symbol, reason)
	if err != nil {
		return fmt.Errorf("close %s: %w", pos.Symbol, err)
	}
	exit := &models.Order{
		ID:            uuid.NewString(),
		CycleID:       pos.CycleID,
		SecurityID:    pos.SecurityID,
		PositionID:    pos.ID,
		Class:         models.ClassSimple,
		Purpose:       models.PurposeExit,
		Side:          pos.Side.ExitOrderSide(),
		Type:          models.TypeMarket,
		TimeInForce:   models.TIFDay,
		Qty:           pos.Qty,
		BrokerOrderID: bo.ID,
		Status:        models.OrderCreated,
		Reason:        reason,
	}
	if err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		return e.store.InsertOrder(ctx, tx, exit)
	}); err != nil {
		return err
	}
	return e.store.UpdateOrderStatus(ctx, exit.ID, models.OrderSubmitted, reason, time.Now())
}

// CloseAllReport summarizes a close-all pass: how many positions were
// attempted, how many close orders reached the broker, and how many rows the
// database already shows closed.
type CloseAllReport struct {
	Attempted    int
	BrokerClosed int
	DBClosed     int
	Errors       []error
}

// CloseAll flattens every open position in the cycle. Failures are collected
// per position so one stuck symbol cannot block the rest of an emergency
// stop.
func (e *Engine) CloseAll(ctx context.Context, cycleID, reason string) *CloseAllReport {
	report := &CloseAllReport{}
	positions, err := e.store.ListPositionsByStatus(ctx, cycleID, models.PositionPending, models.PositionOpen)
	if err != nil {
		report.Errors = append(report.Errors, err)
		return report
	}
	report.Attempted = len(positions)
	for _, p := range positions {
		if err := e.ClosePosition(ctx, p.ID, reason); err != nil {
			e.logger.WithError(err).WithField("symbol", p.Symbol).Error("close failed during close-all")
			report.Errors = append(report.Errors, err)
			continue
		}
		report.BrokerClosed++
		if fresh, err := e.store.GetPosition(ctx, p.ID); err == nil && fresh.Status == models.PositionClosed {
			report.DBClosed++
		}
	}
	return report
}

// mapBrokerStatus translates a broker status string into the local order
// state machine. Unknown strings map to "" and are ignored by the caller.
func mapBrokerStatus(s string) models.OrderStatus {
	switch s {
	case "new", "accepted", "pending_new", "accepted_for_bidding", "held":
		return models.OrderAccepted
	case "partially_filled":
		return models.OrderPartialFill
	case "filled":
		return models.OrderFilled
	case "canceled", "cancelled", "pending_cancel", "done_for_day":
		return models.OrderCancelled
	case "rejected":
		return models.OrderRejected
	case "expired":
		return models.OrderExpired
	}
	return ""
}
