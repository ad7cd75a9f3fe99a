package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"daytrader/internal/models"
)

// ErrCycleExists is returned when a cycle already exists for the date.
var ErrCycleExists = errors.New("cycle already exists for date")

// ErrCycleNotFound is returned when no cycle matches the lookup.
var ErrCycleNotFound = errors.New("cycle not found")

// CreateCycle inserts a new cycle for the given date in state created. The
// unique date constraint guarantees at most one cycle per trading day.
func (s *Store) CreateCycle(ctx context.Context, date string, mode models.CycleMode, configBlob string) (*models.TradingCycle, error) {
	c := &models.TradingCycle{
		ID:        uuid.NewString(),
		Date:      date,
		State:     models.CycleCreated,
		Mode:      mode,
		Config:    configBlob,
		StartedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trading_cycles (id, date, state, mode, config, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Date, string(c.State), string(c.Mode), c.Config,
		mustEncodeTime(c.StartedAt), mustEncodeTime(c.UpdatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, fmt.Errorf("%w: %s", ErrCycleExists, date)
		}
		return nil, fmt.Errorf("create cycle for %s: %w", date, err)
	}
	return c, nil
}

// GetCycle fetches a cycle by id.
func (s *Store) GetCycle(ctx context.Context, id string) (*models.TradingCycle, error) {
	return s.scanCycle(s.db.QueryRowContext(ctx, cycleSelect+` WHERE id = ?`, id))
}

// GetCycleByDate fetches the cycle for a YYYY-MM-DD date.
func (s *Store) GetCycleByDate(ctx context.Context, date string) (*models.TradingCycle, error) {
	return s.scanCycle(s.db.QueryRowContext(ctx, cycleSelect+` WHERE date = ?`, date))
}

const cycleSelect = `
	SELECT id, date, state, mode, config, started_at, stopped_at,
	       trades_executed, trades_won, trades_lost, daily_pnl, updated_at
	FROM trading_cycles`

func (s *Store) scanCycle(row *sql.Row) (*models.TradingCycle, error) {
	var c models.TradingCycle
	var started, stopped sql.NullString
	var updated string
	err := row.Scan(&c.ID, &c.Date, &c.State, &c.Mode, &c.Config, &started, &stopped,
		&c.TradesExecuted, &c.TradesWon, &c.TradesLost, &c.DailyPnL, &updated)
	if err == sql.ErrNoRows {
		return nil, ErrCycleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan cycle: %w", err)
	}
	if c.StartedAt, err = decodeTime(started); err != nil {
		return nil, fmt.Errorf("scan cycle %s: started_at: %w", c.ID, err)
	}
	if c.StoppedAt, err = decodeTime(stopped); err != nil {
		return nil, fmt.Errorf("scan cycle %s: stopped_at: %w", c.ID, err)
	}
	if c.UpdatedAt, err = time.Parse(timeFormat, updated); err != nil {
		return nil, fmt.Errorf("scan cycle %s: updated_at: %w", c.ID, err)
	}
	return &c, nil
}

// TransitionCycleState moves a cycle to a new state after checking the
// transition table. The update is conditioned on the expected current state so
// concurrent writers cannot both win.
func (s *Store) TransitionCycleState(ctx context.Context, cycleID string, from, to models.CycleState) error {
	if !models.CanTransitionCycle(from, to) {
		return fmt.Errorf("invalid cycle transition %s -> %s (cycle %s)", from, to, cycleID)
	}
	var stoppedAt any
	if to == models.CycleStopped || to.Terminal() {
		stoppedAt = mustEncodeTime(time.Now())
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE trading_cycles
		SET state = ?, stopped_at = COALESCE(?, stopped_at), updated_at = ?
		WHERE id = ? AND state = ?`,
		string(to), stoppedAt, mustEncodeTime(time.Now()), cycleID, string(from))
	if err != nil {
		return fmt.Errorf("transition cycle %s: %w", cycleID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition cycle %s: %w", cycleID, err)
	}
	if n == 0 {
		return fmt.Errorf("cycle %s no longer in state %s, transition to %s skipped", cycleID, from, to)
	}
	return nil
}

// StopCycle flips an active cycle to stopped in one atomic statement and
// reports whether this caller performed the flip. Emergency stop relies on
// exactly one of N concurrent callers winning.
func (s *Store) StopCycle(ctx context.Context, cycleID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE trading_cycles
		SET state = ?, stopped_at = ?, updated_at = ?
		WHERE id = ? AND state NOT IN (?, ?, ?)`,
		string(models.CycleStopped), mustEncodeTime(time.Now()), mustEncodeTime(time.Now()),
		cycleID, string(models.CycleStopped), string(models.CycleClosed), string(models.CycleError))
	if err != nil {
		return false, fmt.Errorf("stop cycle %s: %w", cycleID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("stop cycle %s: %w", cycleID, err)
	}
	return n > 0, nil
}

// ListActiveCycles returns cycles that are neither closed nor errored,
// oldest first. Used by the watchdog's stale-cycle pass.
func (s *Store) ListActiveCycles(ctx context.Context) ([]*models.TradingCycle, error) {
	rows, err := s.db.QueryContext(ctx, cycleSelect+`
		WHERE state NOT IN (?, ?) ORDER BY date ASC`,
		string(models.CycleClosed), string(models.CycleError))
	if err != nil {
		return nil, fmt.Errorf("list active cycles: %w", err)
	}
	defer rows.Close()

	var cycles []*models.TradingCycle
	for rows.Next() {
		var c models.TradingCycle
		var started, stopped sql.NullString
		var updated string
		if err := rows.Scan(&c.ID, &c.Date, &c.State, &c.Mode, &c.Config, &started, &stopped,
			&c.TradesExecuted, &c.TradesWon, &c.TradesLost, &c.DailyPnL, &updated); err != nil {
			return nil, fmt.Errorf("list active cycles: %w", err)
		}
		if c.StartedAt, err = decodeTime(started); err != nil {
			return nil, err
		}
		if c.StoppedAt, err = decodeTime(stopped); err != nil {
			return nil, err
		}
		if c.UpdatedAt, err = time.Parse(timeFormat, updated); err != nil {
			return nil, err
		}
		cycles = append(cycles, &c)
	}
	return cycles, rows.Err()
}

// RecordTradeOutcome updates the cycle's aggregate statistics after a
// position closes. Wins and losses are counted by realized P&L sign.
func (s *Store) RecordTradeOutcome(ctx context.Context, cycleID string, realizedPnL float64) error {
	won, lost := 0, 0
	if realizedPnL > 0 {
		won = 1
	} else if realizedPnL < 0 {
		lost = 1
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE trading_cycles
		SET trades_won = trades_won + ?, trades_lost = trades_lost + ?,
		    daily_pnl = daily_pnl + ?, updated_at = ?
		WHERE id = ?`,
		won, lost, realizedPnL, mustEncodeTime(time.Now()), cycleID)
	if err != nil {
		return fmt.Errorf("record trade outcome for cycle %s: %w", cycleID, err)
	}
	return nil
}

// IncrementTradesExecuted bumps the execution counter when an entry is placed.
func (s *Store) IncrementTradesExecuted(ctx context.Context, cycleID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE trading_cycles
		SET trades_executed = trades_executed + 1, updated_at = ?
		WHERE id = ?`, mustEncodeTime(time.Now()), cycleID)
	if err != nil {
		return fmt.Errorf("increment trades for cycle %s: %w", cycleID, err)
	}
	return nil
}

// TouchCycle refreshes updated_at so the watchdog's stale-cycle check sees
// forward progress.
func (s *Store) TouchCycle(ctx context.Context, cycleID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE trading_cycles SET updated_at = ? WHERE id = ?`,
		mustEncodeTime(time.Now()), cycleID)
	if err != nil {
		return fmt.Errorf("touch cycle %s: %w", cycleID, err)
	}
	return nil
}

// DailyRealizedPnL sums realized P&L across the cycle's closed positions.
// Used by the risk monitor instead of the cached aggregate so a missed
// aggregate update cannot hide a loss.
func (s *Store) DailyRealizedPnL(ctx context.Context, cycleID string) (float64, error) {
	var pnl float64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(realized_pnl), 0) FROM positions
		WHERE cycle_id = ? AND status = ?`, cycleID, string(models.PositionClosed)).Scan(&pnl)
	if err != nil {
		return 0, fmt.Errorf("daily realized pnl for cycle %s: %w", cycleID, err)
	}
	return pnl, nil
}
