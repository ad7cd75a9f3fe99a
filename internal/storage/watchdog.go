package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"daytrader/internal/models"
)

// InsertWatchdogActivity appends one observe/decide/act record.
func (s *Store) InsertWatchdogActivity(ctx context.Context, a *models.WatchdogActivity) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.LoggedAt.IsZero() {
		a.LoggedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO watchdog_activity (
			id, logged_at, session, cycle_id, observation_type, issues_summary,
			decision, action_type, action_detail, action_result,
			issue_type, issue_severity, duration_ms, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, mustEncodeTime(a.LoggedAt), a.Session, nullIfEmpty(a.CycleID),
		a.ObservationType, a.IssuesSummary, string(a.Decision),
		a.ActionType, a.ActionDetail, a.ActionResult,
		a.IssueType, string(a.IssueSeverity), a.DurationMS, a.Metadata)
	if err != nil {
		return fmt.Errorf("insert watchdog activity: %w", err)
	}
	return nil
}

// GetWatchdogRule returns the auto-fix policy for an issue type, or nil when
// none is configured. A missing rule means no auto-fix.
func (s *Store) GetWatchdogRule(ctx context.Context, issueType string) (*models.WatchdogRule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, issue_type, auto_fix_enabled, fix_template,
		       max_fixes_per_hour, cooldown_minutes, escalation_priority, active
		FROM watchdog_rules WHERE issue_type = ? AND active = 1`, issueType)

	var r models.WatchdogRule
	err := row.Scan(&r.ID, &r.IssueType, &r.AutoFixEnabled, &r.FixTemplate,
		&r.MaxFixesPerHour, &r.CooldownMinutes, &r.EscalationPriority, &r.Active)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get watchdog rule %s: %w", issueType, err)
	}
	return &r, nil
}

// SeedWatchdogRule installs a default rule when no row exists for the issue
// type, leaving operator-tuned rows untouched.
func (s *Store) SeedWatchdogRule(ctx context.Context, r *models.WatchdogRule) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO watchdog_rules (issue_type, auto_fix_enabled, fix_template,
		                            max_fixes_per_hour, cooldown_minutes, escalation_priority, active)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(issue_type) DO NOTHING`,
		r.IssueType, r.AutoFixEnabled, r.FixTemplate,
		r.MaxFixesPerHour, r.CooldownMinutes, r.EscalationPriority, r.Active)
	if err != nil {
		return fmt.Errorf("seed watchdog rule %s: %w", r.IssueType, err)
	}
	return nil
}

// ListWatchdogActivity returns the most recent activity rows, newest first.
func (s *Store) ListWatchdogActivity(ctx context.Context, limit int) ([]*models.WatchdogActivity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, logged_at, session, cycle_id, observation_type, issues_summary,
		       decision, action_type, action_detail, action_result,
		       issue_type, issue_severity, duration_ms, metadata
		FROM watchdog_activity ORDER BY logged_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list watchdog activity: %w", err)
	}
	defer rows.Close()

	var out []*models.WatchdogActivity
	for rows.Next() {
		var a models.WatchdogActivity
		var loggedAt, cycleID sql.NullString
		var decision, severity string
		if err := rows.Scan(&a.ID, &loggedAt, &a.Session, &cycleID,
			&a.ObservationType, &a.IssuesSummary, &decision,
			&a.ActionType, &a.ActionDetail, &a.ActionResult,
			&a.IssueType, &severity, &a.DurationMS, &a.Metadata); err != nil {
			return nil, fmt.Errorf("scan watchdog activity: %w", err)
		}
		a.Decision = models.WatchdogDecision(decision)
		a.IssueSeverity = models.Severity(severity)
		a.CycleID = cycleID.String
		if a.LoggedAt, err = decodeTime(loggedAt); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// CountRecentAutoFixes counts applied fixes for an issue type within the
// window, for the per-hour rate budget.
func (s *Store) CountRecentAutoFixes(ctx context.Context, issueType string, window time.Duration) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM watchdog_activity
		WHERE issue_type = ? AND decision = ? AND logged_at >= ?`,
		issueType, string(models.DecisionAutoFix),
		mustEncodeTime(time.Now().Add(-window))).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count recent fixes for %s: %w", issueType, err)
	}
	return n, nil
}

// LastAutoFixTime returns when an issue type was last auto-fixed, zero when
// never.
func (s *Store) LastAutoFixTime(ctx context.Context, issueType string) (time.Time, error) {
	var raw sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(logged_at) FROM watchdog_activity
		WHERE issue_type = ? AND decision = ?`,
		issueType, string(models.DecisionAutoFix)).Scan(&raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("last fix time for %s: %w", issueType, err)
	}
	return decodeTime(raw)
}
