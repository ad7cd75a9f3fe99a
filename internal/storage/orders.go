package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"daytrader/internal/models"
)

// ErrOrderNotFound is returned when no order row matches the lookup.
var ErrOrderNotFound = errors.New("order not found")

// ErrBrokerIDAlreadySet is returned when a second broker id is assigned to
// an order. Broker ids are written exactly once.
var ErrBrokerIDAlreadySet = errors.New("broker order id already set")

const orderColumns = `
	id, cycle_id, security_id, position_id, parent_order_id,
	order_class, order_purpose, side, order_type, time_in_force,
	qty, limit_price, stop_price, broker_order_id, status,
	filled_qty, filled_avg_price,
	created_at, submitted_at, accepted_at, filled_at, cancelled_at, expired_at,
	updated_at, reason, metadata`

// InsertOrder persists a new order after validating it. Callers building a
// bracket insert the entry and both legs inside one WithTx.
func (s *Store) InsertOrder(ctx context.Context, tx *sql.Tx, o *models.Order) error {
	if err := o.Validate(); err != nil {
		return err
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	o.UpdatedAt = time.Now()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.CycleID, o.SecurityID, nullIfEmpty(o.PositionID), nullIfEmpty(o.ParentOrderID),
		string(o.Class), string(o.Purpose), string(o.Side), string(o.Type), string(o.TimeInForce),
		o.Qty, o.LimitPrice, o.StopPrice, nullIfEmpty(o.BrokerOrderID), string(o.Status),
		o.FilledQty, o.FilledAvgPrice,
		mustEncodeTime(o.CreatedAt), encodeTime(o.SubmittedAt), encodeTime(o.AcceptedAt),
		encodeTime(o.FilledAt), encodeTime(o.CancelledAt), encodeTime(o.ExpiredAt),
		mustEncodeTime(o.UpdatedAt), o.Reason, o.Metadata)
	if err != nil {
		return fmt.Errorf("insert order %s: %w", o.ID, err)
	}
	return nil
}

// GetOrder fetches an order by internal id.
func (s *Store) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	return scanOrder(s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = ?`, id))
}

// GetOrderByBrokerID fetches an order by the broker's id.
func (s *Store) GetOrderByBrokerID(ctx context.Context, brokerOrderID string) (*models.Order, error) {
	return scanOrder(s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE broker_order_id = ?`, brokerOrderID))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*models.Order, error) {
	var o models.Order
	var positionID, parentID, brokerID sql.NullString
	var created, updated string
	var submitted, accepted, filled, cancelled, expired sql.NullString
	err := row.Scan(&o.ID, &o.CycleID, &o.SecurityID, &positionID, &parentID,
		&o.Class, &o.Purpose, &o.Side, &o.Type, &o.TimeInForce,
		&o.Qty, &o.LimitPrice, &o.StopPrice, &brokerID, &o.Status,
		&o.FilledQty, &o.FilledAvgPrice,
		&created, &submitted, &accepted, &filled, &cancelled, &expired,
		&updated, &o.Reason, &o.Metadata)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan order: %w", err)
	}
	o.PositionID = positionID.String
	o.ParentOrderID = parentID.String
	o.BrokerOrderID = brokerID.String
	if o.CreatedAt, err = time.Parse(timeFormat, created); err != nil {
		return nil, fmt.Errorf("scan order %s: created_at: %w", o.ID, err)
	}
	if o.UpdatedAt, err = time.Parse(timeFormat, updated); err != nil {
		return nil, fmt.Errorf("scan order %s: updated_at: %w", o.ID, err)
	}
	for _, f := range []struct {
		dst *time.Time
		src sql.NullString
	}{
		{&o.SubmittedAt, submitted}, {&o.AcceptedAt, accepted}, {&o.FilledAt, filled},
		{&o.CancelledAt, cancelled}, {&o.ExpiredAt, expired},
	} {
		if *f.dst, err = decodeTime(f.src); err != nil {
			return nil, fmt.Errorf("scan order %s: %w", o.ID, err)
		}
	}
	return &o, nil
}

func scanOrders(rows *sql.Rows) ([]*models.Order, error) {
	defer rows.Close()
	var orders []*models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// ListOrdersByPosition returns every order attached to a position, oldest
// first.
func (s *Store) ListOrdersByPosition(ctx context.Context, positionID string) ([]*models.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE position_id = ? ORDER BY created_at ASC`, positionID)
	if err != nil {
		return nil, fmt.Errorf("list orders for position %s: %w", positionID, err)
	}
	return scanOrders(rows)
}

// ListNonTerminalOrders returns orders still in flight, optionally bounded to
// those created after since.
func (s *Store) ListNonTerminalOrders(ctx context.Context, since time.Time) ([]*models.Order, error) {
	nonTerminal := []string{
		string(models.OrderCreated), string(models.OrderSubmitted),
		string(models.OrderSubmittedUnknown), string(models.OrderAccepted),
		string(models.OrderPartialFill),
	}
	placeholders := strings.Repeat("?,", len(nonTerminal))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(nonTerminal)+1)
	for _, st := range nonTerminal {
		args = append(args, st)
	}
	query := `SELECT ` + orderColumns + ` FROM orders WHERE status IN (` + placeholders + `)`
	if !since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, mustEncodeTime(since))
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list non-terminal orders: %w", err)
	}
	return scanOrders(rows)
}

// SetBrokerOrderID assigns the broker's id to an order exactly once. The
// unique column plus the IS NULL guard make a second assignment fail loudly.
func (s *Store) SetBrokerOrderID(ctx context.Context, tx *sql.Tx, orderID, brokerOrderID string) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE orders SET broker_order_id = ?, updated_at = ?
		WHERE id = ? AND broker_order_id IS NULL`,
		brokerOrderID, mustEncodeTime(time.Now()), orderID)
	if err != nil {
		return fmt.Errorf("set broker id on order %s: %w", orderID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set broker id on order %s: %w", orderID, err)
	}
	if n == 0 {
		return fmt.Errorf("order %s: %w", orderID, ErrBrokerIDAlreadySet)
	}
	return nil
}

// UpdateOrderStatus moves an order through its state machine inside a
// transaction. The row is re-read under the tx so concurrent updaters
// serialize on sqlite's write lock and each transition is validated against
// the freshest status.
func (s *Store) UpdateOrderStatus(ctx context.Context, orderID string, to models.OrderStatus, reason string, at time.Time) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		o, err := scanOrder(tx.QueryRowContext(ctx,
			`SELECT `+orderColumns+` FROM orders WHERE id = ?`, orderID))
		if err != nil {
			return err
		}
		from := o.Status
		if err := models.TransitionOrder(o, to); err != nil {
			return err
		}
		if from == to && to != models.OrderPartialFill {
			return nil
		}
		col := statusTimestampColumn(to)
		query := `UPDATE orders SET status = ?, reason = ?, updated_at = ?`
		args := []any{string(to), reason, mustEncodeTime(time.Now())}
		if col != "" {
			query += `, ` + col + ` = ?`
			args = append(args, mustEncodeTime(at))
		}
		query += ` WHERE id = ?`
		args = append(args, orderID)
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("update order %s status: %w", orderID, err)
		}
		return nil
	})
}

func statusTimestampColumn(st models.OrderStatus) string {
	switch st {
	case models.OrderSubmitted, models.OrderSubmittedUnknown:
		return "submitted_at"
	case models.OrderAccepted:
		return "accepted_at"
	case models.OrderFilled:
		return "filled_at"
	case models.OrderCancelled:
		return "cancelled_at"
	case models.OrderExpired:
		return "expired_at"
	}
	return ""
}

// ApplyFill records fill progress on an order and transitions it to
// partial_fill or filled. Fill quantity never regresses.
func (s *Store) ApplyFill(ctx context.Context, orderID string, filledQty, filledAvgPrice float64, filledAt time.Time) (*models.Order, error) {
	var out *models.Order
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		o, err := scanOrder(tx.QueryRowContext(ctx,
			`SELECT `+orderColumns+` FROM orders WHERE id = ?`, orderID))
		if err != nil {
			return err
		}
		if filledQty < o.FilledQty {
			return fmt.Errorf("order %s: fill qty regressed %v -> %v", orderID, o.FilledQty, filledQty)
		}
		if filledQty > o.Qty {
			return fmt.Errorf("order %s: fill qty %v exceeds order qty %v", orderID, filledQty, o.Qty)
		}
		to := models.OrderPartialFill
		if filledQty == o.Qty {
			to = models.OrderFilled
		}
		if err := models.TransitionOrder(o, to); err != nil {
			return err
		}
		o.FilledQty = filledQty
		o.FilledAvgPrice = filledAvgPrice
		o.FilledAt = filledAt

		query := `UPDATE orders SET status = ?, filled_qty = ?, filled_avg_price = ?, updated_at = ?`
		args := []any{string(to), filledQty, filledAvgPrice, mustEncodeTime(time.Now())}
		if to == models.OrderFilled {
			query += `, filled_at = ?`
			args = append(args, mustEncodeTime(filledAt))
		}
		query += ` WHERE id = ?`
		args = append(args, orderID)
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("apply fill to order %s: %w", orderID, err)
		}
		out = o
		return nil
	})
	return out, err
}

// SiblingLeg returns the other bracket leg sharing the same parent, or nil
// when the order has no sibling. Used for OCO cancels after a leg fills.
func (s *Store) SiblingLeg(ctx context.Context, o *models.Order) (*models.Order, error) {
	if o.ParentOrderID == "" {
		return nil, nil
	}
	sib, err := scanOrder(s.db.QueryRowContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE parent_order_id = ? AND id != ?`, o.ParentOrderID, o.ID))
	if errors.Is(err, ErrOrderNotFound) {
		return nil, nil
	}
	return sib, err
}
