package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"daytrader/internal/models"
)

// GetOrCreateSecurity returns the security row for symbol, inserting it if
// absent. Symbols are normalized to upper case before lookup. Safe under
// concurrent callers: the insert is ON CONFLICT DO NOTHING followed by a
// read-back, so both racers resolve to the same row.
func (s *Store) GetOrCreateSecurity(ctx context.Context, symbol, name, exchange string) (*models.Security, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, fmt.Errorf("get or create security: empty symbol")
	}
	now := mustEncodeTime(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO securities (symbol, name, exchange, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(symbol) DO NOTHING`,
		symbol, name, exchange, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert security %s: %w", symbol, err)
	}
	return s.GetSecurityBySymbol(ctx, symbol)
}

// GetSecurityBySymbol looks up a security by its normalized symbol.
func (s *Store) GetSecurityBySymbol(ctx context.Context, symbol string) (*models.Security, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	row := s.db.QueryRowContext(ctx, `
		SELECT id, symbol, name, COALESCE(sector_id, 0), exchange, asset_type, active, created_at, updated_at
		FROM securities WHERE symbol = ?`, symbol)

	var sec models.Security
	var created, updated string
	if err := row.Scan(&sec.ID, &sec.Symbol, &sec.Name, &sec.SectorID, &sec.Exchange,
		&sec.AssetType, &sec.Active, &created, &updated); err != nil {
		return nil, fmt.Errorf("get security %s: %w", symbol, err)
	}
	var err error
	if sec.CreatedAt, err = time.Parse(timeFormat, created); err != nil {
		return nil, fmt.Errorf("get security %s: parse created_at: %w", symbol, err)
	}
	if sec.UpdatedAt, err = time.Parse(timeFormat, updated); err != nil {
		return nil, fmt.Errorf("get security %s: parse updated_at: %w", symbol, err)
	}
	return &sec, nil
}

// SetSecuritySector assigns a sector to a security, creating the sector row
// from its code if needed.
func (s *Store) SetSecuritySector(ctx context.Context, securityID int64, sectorCode, sectorName string) error {
	sectorCode = strings.TrimSpace(sectorCode)
	if sectorCode == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sectors (code, name) VALUES (?, ?)
		ON CONFLICT(code) DO NOTHING`, sectorCode, sectorName)
	if err != nil {
		return fmt.Errorf("insert sector %s: %w", sectorCode, err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE securities SET sector_id = (SELECT id FROM sectors WHERE code = ?), updated_at = ?
		WHERE id = ?`, sectorCode, mustEncodeTime(time.Now()), securityID)
	if err != nil {
		return fmt.Errorf("set sector for security %d: %w", securityID, err)
	}
	return nil
}

// SectorCodeForSecurity returns the sector code for a security, or "" when
// unassigned.
func (s *Store) SectorCodeForSecurity(ctx context.Context, securityID int64) (string, error) {
	var code string
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(se.code, '') FROM securities sc
		LEFT JOIN sectors se ON se.id = sc.sector_id
		WHERE sc.id = ?`, securityID).Scan(&code)
	if err != nil {
		return "", fmt.Errorf("sector for security %d: %w", securityID, err)
	}
	return code, nil
}

// GetOrCreateTime returns the time dimension row for ts, truncated to the
// minute, inserting it if absent. Same race-safe pattern as securities.
func (s *Store) GetOrCreateTime(ctx context.Context, ts time.Time, marketHours bool, phase string) (*models.TimeKey, error) {
	ts = ts.Truncate(time.Minute)
	key := mustEncodeTime(ts)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO time_dimension (ts, date, time, hour, minute, dow, market_hours_flag, market_phase)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ts) DO NOTHING`,
		key, ts.Format("2006-01-02"), ts.Format("15:04"),
		ts.Hour(), ts.Minute(), int(ts.Weekday()), marketHours, phase)
	if err != nil {
		return nil, fmt.Errorf("insert time key %s: %w", key, err)
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, ts, date, time, hour, minute, dow, market_hours_flag, market_phase
		FROM time_dimension WHERE ts = ?`, key)
	var tk models.TimeKey
	var raw string
	if err := row.Scan(&tk.ID, &raw, &tk.Date, &tk.Time, &tk.Hour, &tk.Minute,
		&tk.DOW, &tk.MarketHours, &tk.MarketPhase); err != nil {
		return nil, fmt.Errorf("get time key %s: %w", key, err)
	}
	if tk.TS, err = time.Parse(timeFormat, raw); err != nil {
		return nil, fmt.Errorf("parse time key %s: %w", raw, err)
	}
	return &tk, nil
}
