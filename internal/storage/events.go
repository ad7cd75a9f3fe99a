package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"daytrader/internal/models"
)

// InsertRiskEvent appends a risk event. Risk events are never updated or
// deleted; Resolved is the only mutable flag.
func (s *Store) InsertRiskEvent(ctx context.Context, ev *models.RiskEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO risk_events (id, cycle_id, position_id, event_type, severity, message, details, resolved, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, nullIfEmpty(ev.CycleID), nullIfEmpty(ev.PositionID),
		ev.Type, string(ev.Severity), ev.Message, ev.Details, ev.Resolved,
		mustEncodeTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert risk event %s: %w", ev.Type, err)
	}
	return nil
}

// ResolveRiskEvent marks an event resolved.
func (s *Store) ResolveRiskEvent(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE risk_events SET resolved = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("resolve risk event %s: %w", id, err)
	}
	return nil
}

// ListRiskEvents returns a cycle's events, newest first, bounded by limit.
func (s *Store) ListRiskEvents(ctx context.Context, cycleID string, limit int) ([]*models.RiskEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(cycle_id, ''), COALESCE(position_id, ''),
		       event_type, severity, message, details, resolved, created_at
		FROM risk_events
		WHERE cycle_id = ?
		ORDER BY created_at DESC LIMIT ?`, cycleID, limit)
	if err != nil {
		return nil, fmt.Errorf("list risk events for cycle %s: %w", cycleID, err)
	}
	defer rows.Close()

	var events []*models.RiskEvent
	for rows.Next() {
		var ev models.RiskEvent
		var created string
		if err := rows.Scan(&ev.ID, &ev.CycleID, &ev.PositionID,
			&ev.Type, &ev.Severity, &ev.Message, &ev.Details, &ev.Resolved, &created); err != nil {
			return nil, fmt.Errorf("risk event row: %w", err)
		}
		if ev.CreatedAt, err = time.Parse(timeFormat, created); err != nil {
			return nil, fmt.Errorf("risk event %s: created_at: %w", ev.ID, err)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// HasUnresolvedEvent reports whether an unresolved event of the given type
// exists for the cycle. The risk monitor uses this to emit the loss warning
// once per threshold crossing instead of every tick.
func (s *Store) HasUnresolvedEvent(ctx context.Context, cycleID, eventType string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM risk_events
		WHERE cycle_id = ? AND event_type = ? AND resolved = 0`,
		cycleID, eventType).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check unresolved %s for cycle %s: %w", eventType, cycleID, err)
	}
	return n > 0, nil
}

// ResolveEventsOfType resolves all open events of a type for a cycle, used
// when the condition that raised them clears.
func (s *Store) ResolveEventsOfType(ctx context.Context, cycleID, eventType string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE risk_events SET resolved = 1
		WHERE cycle_id = ? AND event_type = ? AND resolved = 0`, cycleID, eventType)
	if err != nil {
		return fmt.Errorf("resolve %s events for cycle %s: %w", eventType, cycleID, err)
	}
	return nil
}

// UpsertMonitorStatus writes the per-position monitor heartbeat row. One row
// per position, replaced on every tick.
func (s *Store) UpsertMonitorStatus(ctx context.Context, st *models.MonitorStatus) error {
	holdJSON, err := json.Marshal(st.HoldSignals)
	if err != nil {
		return fmt.Errorf("marshal hold signals: %w", err)
	}
	exitJSON, err := json.Marshal(st.ExitSignals)
	if err != nil {
		return fmt.Errorf("marshal exit signals: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO position_monitor_status (
			position_id, symbol, status, last_price, high_watermark, pnl_pct,
			rsi, macd_hist, above_vwap, hold_signals, exit_signals,
			recommendation, advisor_calls, estimated_cost, last_checkin)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(position_id) DO UPDATE SET
			symbol = excluded.symbol,
			status = excluded.status,
			last_price = excluded.last_price,
			high_watermark = excluded.high_watermark,
			pnl_pct = excluded.pnl_pct,
			rsi = excluded.rsi,
			macd_hist = excluded.macd_hist,
			above_vwap = excluded.above_vwap,
			hold_signals = excluded.hold_signals,
			exit_signals = excluded.exit_signals,
			recommendation = excluded.recommendation,
			advisor_calls = excluded.advisor_calls,
			estimated_cost = excluded.estimated_cost,
			last_checkin = excluded.last_checkin`,
		st.PositionID, st.Symbol, string(st.State), st.LastPrice, st.HighWatermark, st.PnLPct,
		st.RSI, st.MACDHist, st.AboveVWAP, string(holdJSON), string(exitJSON),
		string(st.Recommendation), st.AdvisorCalls, st.EstimatedCost,
		mustEncodeTime(st.LastCheckin))
	if err != nil {
		return fmt.Errorf("upsert monitor status for position %s: %w", st.PositionID, err)
	}
	return nil
}

// GetMonitorStatus fetches the monitor heartbeat row for a position.
func (s *Store) GetMonitorStatus(ctx context.Context, positionID string) (*models.MonitorStatus, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, position_id, symbol, status, last_price, high_watermark, pnl_pct,
		       rsi, macd_hist, above_vwap, hold_signals, exit_signals,
		       recommendation, advisor_calls, estimated_cost, last_checkin
		FROM position_monitor_status WHERE position_id = ?`, positionID)

	var st models.MonitorStatus
	var holdJSON, exitJSON, checkin string
	err := row.Scan(&st.ID, &st.PositionID, &st.Symbol, &st.State, &st.LastPrice,
		&st.HighWatermark, &st.PnLPct, &st.RSI, &st.MACDHist, &st.AboveVWAP,
		&holdJSON, &exitJSON, &st.Recommendation, &st.AdvisorCalls, &st.EstimatedCost, &checkin)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get monitor status for position %s: %w", positionID, err)
	}
	if err := json.Unmarshal([]byte(holdJSON), &st.HoldSignals); err != nil {
		return nil, fmt.Errorf("monitor status %s: hold signals: %w", positionID, err)
	}
	if err := json.Unmarshal([]byte(exitJSON), &st.ExitSignals); err != nil {
		return nil, fmt.Errorf("monitor status %s: exit signals: %w", positionID, err)
	}
	if st.LastCheckin, err = time.Parse(timeFormat, checkin); err != nil {
		return nil, fmt.Errorf("monitor status %s: last_checkin: %w", positionID, err)
	}
	return &st, nil
}
