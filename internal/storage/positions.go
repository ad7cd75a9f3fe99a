package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"daytrader/internal/models"
)

// ErrPositionNotFound is returned when no position row matches the lookup.
var ErrPositionNotFound = errors.New("position not found")

const positionColumns = `
	id, cycle_id, security_id, symbol, side, qty,
	entry_price, entry_time, exit_price, exit_time, current_price,
	stop_loss, take_profit, risk_amount,
	realized_pnl, realized_pct, unrealized_pnl, unrealized_pct,
	status, pattern, catalyst, high_watermark, entry_volume, exit_reason,
	created_at, updated_at, metadata`

// InsertPosition persists a new pending position. The row exists before any
// broker call is made, so a crash mid-submit leaves a visible pending row for
// reconciliation instead of an untracked order.
func (s *Store) InsertPosition(ctx context.Context, tx *sql.Tx, p *models.Position) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	p.UpdatedAt = time.Now()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO positions (`+positionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.CycleID, p.SecurityID, p.Symbol, string(p.Side), p.Qty,
		p.EntryPrice, encodeTime(p.EntryTime), p.ExitPrice, encodeTime(p.ExitTime), p.CurrentPrice,
		p.StopLoss, p.TakeProfit, p.RiskAmount,
		p.RealizedPnL, p.RealizedPct, p.UnrealizedPnL, p.UnrealizedPct,
		string(p.Status), p.Pattern, p.Catalyst, p.HighWatermark, p.EntryVolume, p.ExitReason,
		mustEncodeTime(p.CreatedAt), mustEncodeTime(p.UpdatedAt), p.Metadata)
	if err != nil {
		return fmt.Errorf("insert position %s: %w", p.ID, err)
	}
	return nil
}

// GetPosition fetches a position by id.
func (s *Store) GetPosition(ctx context.Context, id string) (*models.Position, error) {
	return scanPosition(s.db.QueryRowContext(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE id = ?`, id))
}

func scanPosition(row rowScanner) (*models.Position, error) {
	var p models.Position
	var entryTime, exitTime sql.NullString
	var created, updated string
	err := row.Scan(&p.ID, &p.CycleID, &p.SecurityID, &p.Symbol, &p.Side, &p.Qty,
		&p.EntryPrice, &entryTime, &p.ExitPrice, &exitTime, &p.CurrentPrice,
		&p.StopLoss, &p.TakeProfit, &p.RiskAmount,
		&p.RealizedPnL, &p.RealizedPct, &p.UnrealizedPnL, &p.UnrealizedPct,
		&p.Status, &p.Pattern, &p.Catalyst, &p.HighWatermark, &p.EntryVolume, &p.ExitReason,
		&created, &updated, &p.Metadata)
	if err == sql.ErrNoRows {
		return nil, ErrPositionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan position: %w", err)
	}
	if p.EntryTime, err = decodeTime(entryTime); err != nil {
		return nil, fmt.Errorf("scan position %s: entry_time: %w", p.ID, err)
	}
	if p.ExitTime, err = decodeTime(exitTime); err != nil {
		return nil, fmt.Errorf("scan position %s: exit_time: %w", p.ID, err)
	}
	if p.CreatedAt, err = time.Parse(timeFormat, created); err != nil {
		return nil, fmt.Errorf("scan position %s: created_at: %w", p.ID, err)
	}
	if p.UpdatedAt, err = time.Parse(timeFormat, updated); err != nil {
		return nil, fmt.Errorf("scan position %s: updated_at: %w", p.ID, err)
	}
	return &p, nil
}

func scanPositions(rows *sql.Rows) ([]*models.Position, error) {
	defer rows.Close()
	var positions []*models.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// ListPositionsByStatus returns a cycle's positions in the given statuses.
func (s *Store) ListPositionsByStatus(ctx context.Context, cycleID string, statuses ...models.PositionStatus) ([]*models.Position, error) {
	if len(statuses) == 0 {
		return nil, fmt.Errorf("list positions: no statuses given")
	}
	query := `SELECT ` + positionColumns + ` FROM positions WHERE cycle_id = ? AND status IN (`
	args := []any{cycleID}
	for i, st := range statuses {
		if i > 0 {
			query += ","
		}
		query += "?"
		args = append(args, string(st))
	}
	query += `) ORDER BY created_at ASC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list positions for cycle %s: %w", cycleID, err)
	}
	return scanPositions(rows)
}

// ListOpenPositions returns every open or pending position across all
// cycles. The monitor and reconciler work from this set.
func (s *Store) ListOpenPositions(ctx context.Context) ([]*models.Position, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+positionColumns+` FROM positions
		WHERE status IN (?, ?) ORDER BY created_at ASC`,
		string(models.PositionPending), string(models.PositionOpen))
	if err != nil {
		return nil, fmt.Errorf("list open positions: %w", err)
	}
	return scanPositions(rows)
}

// CountActivePositions counts pending plus open positions for a cycle.
// Pending counts toward the limit so a burst of entries cannot overshoot it.
func (s *Store) CountActivePositions(ctx context.Context, cycleID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM positions
		WHERE cycle_id = ? AND status IN (?, ?)`,
		cycleID, string(models.PositionPending), string(models.PositionOpen)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active positions for cycle %s: %w", cycleID, err)
	}
	return n, nil
}

// HasActivePositionForSecurity reports whether the cycle already holds an
// active position in the security. Used for entry dedupe.
func (s *Store) HasActivePositionForSecurity(ctx context.Context, cycleID string, securityID int64) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM positions
		WHERE cycle_id = ? AND security_id = ? AND status IN (?, ?)`,
		cycleID, securityID, string(models.PositionPending), string(models.PositionOpen)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("dedupe check for security %d: %w", securityID, err)
	}
	return n > 0, nil
}

// SectorExposure returns the count of active positions per sector code for a
// cycle. Unassigned sectors group under "".
func (s *Store) SectorExposure(ctx context.Context, cycleID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT COALESCE(se.code, ''), COUNT(*)
		FROM positions p
		JOIN securities sc ON sc.id = p.security_id
		LEFT JOIN sectors se ON se.id = sc.sector_id
		WHERE p.cycle_id = ? AND p.status IN (?, ?)
		GROUP BY se.code`,
		cycleID, string(models.PositionPending), string(models.PositionOpen))
	if err != nil {
		return nil, fmt.Errorf("sector exposure for cycle %s: %w", cycleID, err)
	}
	defer rows.Close()

	exposure := make(map[string]int)
	for rows.Next() {
		var code string
		var n int
		if err := rows.Scan(&code, &n); err != nil {
			return nil, err
		}
		exposure[code] = n
	}
	return exposure, rows.Err()
}

// SumActiveRisk totals the committed risk amount across the cycle's active
// positions.
func (s *Store) SumActiveRisk(ctx context.Context, cycleID string) (float64, error) {
	var total float64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(risk_amount), 0) FROM positions
		WHERE cycle_id = ? AND status IN (?, ?)`,
		cycleID, string(models.PositionPending), string(models.PositionOpen)).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum active risk for cycle %s: %w", cycleID, err)
	}
	return total, nil
}

// OpenPositionRow transitions a pending position to open with its
// volume-weighted entry fill data.
func (s *Store) OpenPositionRow(ctx context.Context, tx *sql.Tx, positionID string, entryPrice float64, entryTime time.Time, filledQty float64) error {
	p, err := scanPosition(tx.QueryRowContext(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE id = ?`, positionID))
	if err != nil {
		return err
	}
	if err := models.TransitionPosition(p, models.PositionOpen); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE positions
		SET status = ?, entry_price = ?, entry_time = ?, qty = ?,
		    current_price = ?, high_watermark = MAX(high_watermark, ?), updated_at = ?
		WHERE id = ?`,
		string(models.PositionOpen), entryPrice, mustEncodeTime(entryTime), filledQty,
		entryPrice, entryPrice, mustEncodeTime(time.Now()), positionID)
	if err != nil {
		return fmt.Errorf("open position %s: %w", positionID, err)
	}
	return nil
}

// ClosePositionRow transitions a position to closed with realized P&L.
func (s *Store) ClosePositionRow(ctx context.Context, tx *sql.Tx, positionID string, exitPrice float64, exitTime time.Time, realizedPnL, realizedPct float64, reason string) error {
	p, err := scanPosition(tx.QueryRowContext(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE id = ?`, positionID))
	if err != nil {
		return err
	}
	if err := models.TransitionPosition(p, models.PositionClosed); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE positions
		SET status = ?, exit_price = ?, exit_time = ?,
		    realized_pnl = ?, realized_pct = ?, unrealized_pnl = 0, unrealized_pct = 0,
		    exit_reason = ?, updated_at = ?
		WHERE id = ?`,
		string(models.PositionClosed), exitPrice, mustEncodeTime(exitTime),
		realizedPnL, realizedPct, reason, mustEncodeTime(time.Now()), positionID)
	if err != nil {
		return fmt.Errorf("close position %s: %w", positionID, err)
	}
	return nil
}

// CancelPositionRow transitions a pending position to cancelled, used when
// the entry order is rejected or never fills.
func (s *Store) CancelPositionRow(ctx context.Context, tx *sql.Tx, positionID, reason string) error {
	p, err := scanPosition(tx.QueryRowContext(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE id = ?`, positionID))
	if err != nil {
		return err
	}
	if err := models.TransitionPosition(p, models.PositionCancelled); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE positions SET status = ?, exit_reason = ?, updated_at = ?
		WHERE id = ?`,
		string(models.PositionCancelled), reason, mustEncodeTime(time.Now()), positionID)
	if err != nil {
		return fmt.Errorf("cancel position %s: %w", positionID, err)
	}
	return nil
}

// UpdatePositionMark refreshes the current price, unrealized P&L, and price
// watermark on each monitor tick. The watermark tracks the favorable
// extreme: highest price for longs, lowest for shorts.
func (s *Store) UpdatePositionMark(ctx context.Context, positionID string, price, unrealizedPnL, unrealizedPct float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE positions
		SET current_price = ?, unrealized_pnl = ?, unrealized_pct = ?,
		    high_watermark = CASE
		        WHEN side = 'short' AND high_watermark > 0 THEN MIN(high_watermark, ?)
		        ELSE MAX(high_watermark, ?)
		    END,
		    updated_at = ?
		WHERE id = ?`,
		price, unrealizedPnL, unrealizedPct, price, price, mustEncodeTime(time.Now()), positionID)
	if err != nil {
		return fmt.Errorf("update mark for position %s: %w", positionID, err)
	}
	return nil
}
