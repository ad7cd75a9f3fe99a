package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"daytrader/internal/models"
)

// InsertScanResults persists a batch of scan observations in one transaction.
// The (cycle, security, scan_ts) unique constraint makes a re-run of the same
// scan an error rather than a silent duplicate.
func (s *Store) InsertScanResults(ctx context.Context, results []*models.ScanResult) error {
	if len(results) == 0 {
		return nil
	}
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO scan_results (
				id, cycle_id, security_id, symbol, scan_ts, rank,
				price, volume, gap_pct, rel_volume, float_shares,
				catalyst_score, pattern_score, technical_score, composite_score,
				status, metadata)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare scan insert: %w", err)
		}
		defer stmt.Close()
		for _, r := range results {
			if _, err := stmt.ExecContext(ctx,
				r.ID, r.CycleID, r.SecurityID, r.Symbol, mustEncodeTime(r.ScanTS), r.Rank,
				r.Price, r.Volume, r.GapPct, r.RelVolume, r.Float,
				r.CatalystScore, r.PatternScore, r.TechnicalScore, r.CompositeScore,
				string(r.Status), r.Metadata); err != nil {
				return fmt.Errorf("insert scan result %s/%s: %w", r.CycleID, r.Symbol, err)
			}
		}
		return nil
	})
}

// UpdateScanScores writes the filter-stage scores and final disposition for a
// scan row. Scores are set once per stage; the row itself is never re-scanned.
func (s *Store) UpdateScanScores(ctx context.Context, id string, catalyst, pattern, technical, composite float64, rank int, status models.ScanStatus) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scan_results
		SET catalyst_score = ?, pattern_score = ?, technical_score = ?,
		    composite_score = ?, rank = ?, status = ?
		WHERE id = ?`,
		catalyst, pattern, technical, composite, rank, string(status), id)
	if err != nil {
		return fmt.Errorf("update scan scores %s: %w", id, err)
	}
	return nil
}

// ListScanResults returns a cycle's scan rows for one scan timestamp, ranked.
func (s *Store) ListScanResults(ctx context.Context, cycleID string, scanTS time.Time) ([]*models.ScanResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cycle_id, security_id, symbol, scan_ts, rank,
		       price, volume, gap_pct, rel_volume, float_shares,
		       catalyst_score, pattern_score, technical_score, composite_score,
		       status, metadata
		FROM scan_results
		WHERE cycle_id = ? AND scan_ts = ?
		ORDER BY rank ASC, composite_score DESC`,
		cycleID, mustEncodeTime(scanTS))
	if err != nil {
		return nil, fmt.Errorf("list scan results for cycle %s: %w", cycleID, err)
	}
	defer rows.Close()

	var results []*models.ScanResult
	for rows.Next() {
		var r models.ScanResult
		var ts string
		if err := rows.Scan(&r.ID, &r.CycleID, &r.SecurityID, &r.Symbol, &ts, &r.Rank,
			&r.Price, &r.Volume, &r.GapPct, &r.RelVolume, &r.Float,
			&r.CatalystScore, &r.PatternScore, &r.TechnicalScore, &r.CompositeScore,
			&r.Status, &r.Metadata); err != nil {
			return nil, fmt.Errorf("scan result row: %w", err)
		}
		if r.ScanTS, err = time.Parse(timeFormat, ts); err != nil {
			return nil, fmt.Errorf("scan result %s: scan_ts: %w", r.ID, err)
		}
		results = append(results, &r)
	}
	return results, rows.Err()
}
