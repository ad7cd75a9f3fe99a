package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"daytrader/internal/broker"
	"daytrader/internal/models"
)

// qtyMismatchCriticalPct is the relative quantity divergence above which a
// mismatch escalates from warning to critical.
const qtyMismatchCriticalPct = 0.10

// unknownOrderDeadline is how long an ambiguous submit may stay unresolved
// before it is declared not_found and its position cancelled.
const unknownOrderDeadline = 5 * time.Minute

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	PhantomsClosed   []string // position ids closed because the broker is flat
	Orphans          []string // broker symbols with no tracked position
	QtyMismatches    []string
	UnknownsResolved int
	CriticalIssues   int
}

// Empty reports whether the pass found nothing to do.
func (r *ReconcileReport) Empty() bool {
	return len(r.PhantomsClosed) == 0 && len(r.Orphans) == 0 &&
		len(r.QtyMismatches) == 0 && r.UnknownsResolved == 0
}

// Reconcile compares local state against broker truth and repairs the safe
// divergences. Phantom positions (tracked locally, flat at the broker) are
// closed at the last known price. Orphan broker positions are escalated but
// never adopted: creating rows for unknown exposure would launder it into
// the risk accounting.
func (e *Engine) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	report := &ReconcileReport{}

	brokerPositions, err := e.broker.ListPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile: list broker positions: %w", err)
	}
	bySymbol := make(map[string]broker.Position, len(brokerPositions))
	for _, bp := range brokerPositions {
		bySymbol[bp.Symbol] = bp
	}

	local, err := e.store.ListOpenPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile: list local positions: %w", err)
	}
	tracked := make(map[string]bool, len(local))

	for _, p := range local {
		tracked[p.Symbol] = true
		bp, held := bySymbol[p.Symbol]

		switch {
		case p.Status == models.PositionOpen && !held:
			if err := e.closePhantom(ctx, p); err != nil {
				e.logger.WithError(err).WithField("position", p.ID).Error("phantom close failed")
				continue
			}
			report.PhantomsClosed = append(report.PhantomsClosed, p.ID)

		case p.Status == models.PositionOpen && held:
			diff := math.Abs(math.Abs(bp.Qty) - p.Qty)
			if diff == 0 {
				continue
			}
			rel := diff / p.Qty
			sev := models.SeverityWarning
			if rel >= qtyMismatchCriticalPct {
				sev = models.SeverityCritical
				report.CriticalIssues++
			}
			msg := fmt.Sprintf("%s qty mismatch: local %.2f, broker %.2f", p.Symbol, p.Qty, math.Abs(bp.Qty))
			report.QtyMismatches = append(report.QtyMismatches, msg)
			e.raise(ctx, p, "qty_mismatch", sev, msg)
		}
	}

	for symbol := range bySymbol {
		if tracked[symbol] {
			continue
		}
		report.Orphans = append(report.Orphans, symbol)
		report.CriticalIssues++
		msg := fmt.Sprintf("broker holds untracked position in %s", symbol)
		e.notifier.Critical("reconciler", "orphan position", msg)
		if err := e.store.InsertRiskEvent(ctx, &models.RiskEvent{
			Type: "orphan_position", Severity: models.SeverityCritical, Message: msg,
		}); err != nil {
			e.logger.WithError(err).Error("failed to record orphan event")
		}
	}

	resolved, err := e.resolveUnknownOrders(ctx)
	if err != nil {
		return report, err
	}
	report.UnknownsResolved = resolved
	return report, nil
}

// closePhantom closes a position the broker no longer holds. The exit fill
// was missed (restart, feed gap), so the last known price stands in for the
// true exit.
func (e *Engine) closePhantom(ctx context.Context, p *models.Position) error {
	price := p.CurrentPrice
	if price == 0 {
		price = p.EntryPrice
	}
	pnl, pct := realized(p, price, p.Qty)
	if err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		return e.store.ClosePositionRow(ctx, tx, p.ID, price, time.Now(), pnl, pct, "phantom_reconciliation")
	}); err != nil {
		return err
	}
	if err := e.store.RecordTradeOutcome(ctx, p.CycleID, pnl); err != nil {
		e.logger.WithError(err).Warn("failed to record phantom trade outcome")
	}
	e.raise(ctx, p, "phantom_position", models.SeverityWarning,
		fmt.Sprintf("%s tracked locally but flat at broker, closed at %.2f", p.Symbol, price))
	return nil
}

// resolveUnknownOrders settles orders parked in submitted_unknown by asking
// the broker. Found orders sync normally; orders the broker never saw become
// not_found and their pending positions are cancelled.
func (e *Engine) resolveUnknownOrders(ctx context.Context) (int, error) {
	orders, err := e.store.ListNonTerminalOrders(ctx, time.Time{})
	if err != nil {
		return 0, fmt.Errorf("resolve unknowns: %w", err)
	}
	resolved := 0
	for _, o := range orders {
		if o.Status != models.OrderSubmittedUnknown {
			continue
		}
		found, err := e.findAtBroker(ctx, o)
		if err != nil {
			e.logger.WithError(err).WithField("order", o.ID).Warn("unknown-order lookup failed")
			continue
		}
		if found != nil {
			if err := e.ApplyOrderUpdate(ctx, found); err != nil {
				e.logger.WithError(err).WithField("order", o.ID).Error("unknown-order sync failed")
				continue
			}
			resolved++
			continue
		}
		if time.Since(o.SubmittedAt) < unknownOrderDeadline {
			continue // give the broker time to surface it
		}
		if err := e.store.UpdateOrderStatus(ctx, o.ID, models.OrderNotFound, "broker never saw order", time.Now()); err != nil {
			e.logger.WithError(err).WithField("order", o.ID).Error("not_found transition failed")
			continue
		}
		if o.Purpose == models.PurposeEntry && o.PositionID != "" {
			if err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
				return e.store.CancelPositionRow(ctx, tx, o.PositionID, "entry_never_reached_broker")
			}); err != nil {
				e.logger.WithError(err).WithField("position", o.PositionID).Error("cancel of unfilled position failed")
			}
		}
		resolved++
	}
	return resolved, nil
}

// findAtBroker looks an order up by broker id, falling back to scanning
// recent orders for the client order id.
func (e *Engine) findAtBroker(ctx context.Context, o *models.Order) (*broker.Order, error) {
	if o.BrokerOrderID != "" {
		bo, err := e.broker.GetOrder(ctx, o.BrokerOrderID)
		if errors.Is(err, broker.ErrOrderNotFound) {
			return nil, nil
		}
		return bo, err
	}
	since := o.CreatedAt.Add(-time.Minute)
	recent, err := e.broker.ListOrders(ctx, nil, since)
	if err != nil {
		return nil, err
	}
	for i := range recent {
		if recent[i].ClientOrderID == o.ID {
			return &recent[i], nil
		}
	}
	return nil, nil
}

func (e *Engine) raise(ctx context.Context, p *models.Position, eventType string, sev models.Severity, msg string) {
	if sev == models.SeverityCritical {
		e.notifier.Critical("reconciler", eventType, msg)
	} else {
		e.notifier.Warning("reconciler", eventType, msg)
	}
	ev := &models.RiskEvent{
		CycleID:    p.CycleID,
		PositionID: p.ID,
		Type:       eventType,
		Severity:   sev,
		Message:    msg,
	}
	if err := e.store.InsertRiskEvent(ctx, ev); err != nil {
		e.logger.WithError(err).Error("failed to record reconciliation event")
	}
}
