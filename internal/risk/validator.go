// Package risk enforces pre-trade limits and runs the continuous loss
// monitor with its emergency stop.
package risk

import (
	"context"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"daytrader/internal/config"
	"daytrader/internal/models"
	"daytrader/internal/storage"
)

// Validator runs the ordered pre-trade checks. Every rejection is recorded
// as a risk event so a quiet day in the logs still leaves an audit trail.
type Validator struct {
	store  *storage.Store
	cfg    config.RiskConfig
	logger *logrus.Logger
}

// NewValidator creates a Validator.
func NewValidator(store *storage.Store, cfg config.RiskConfig, logger *logrus.Logger) *Validator {
	return &Validator{store: store, cfg: cfg, logger: logger}
}

// Verdict is the result of validating one candidate. RiskAmount is the
// committed risk the order engine reserves on approval; the validator owns
// the number so sizing and budgeting cannot drift apart.
type Verdict struct {
	Approved   bool
	Reason     string // empty when approved
	RiskAmount float64
}

// Validate runs the checks in a fixed order and stops at the first failure.
// The order matters: cheap database lookups run before aggregate queries,
// and the cycle gate runs first so a stopped cycle rejects everything with
// one consistent reason.
func (v *Validator) Validate(ctx context.Context, cycle *models.TradingCycle, cand *models.Candidate) (*Verdict, error) {
	checks := []func(context.Context, *models.TradingCycle, *models.Candidate) (string, error){
		v.checkCycleActive,
		v.checkPositionCount,
		v.checkRiskBudget,
		v.checkDuplicate,
		v.checkSectorExposure,
		v.checkProjectedDailyLoss,
	}
	for _, check := range checks {
		reason, err := check(ctx, cycle, cand)
		if err != nil {
			return nil, err
		}
		if reason != "" {
			v.record(ctx, cycle.ID, cand, reason)
			return &Verdict{Approved: false, Reason: reason}, nil
		}
	}
	return &Verdict{
		Approved:   true,
		RiskAmount: math.Abs(cand.EntryPrice-cand.StopLoss) * cand.Qty,
	}, nil
}

func (v *Validator) checkCycleActive(ctx context.Context, cycle *models.TradingCycle, _ *models.Candidate) (string, error) {
	// Re-read so a concurrent emergency stop is seen immediately.
	fresh, err := v.store.GetCycle(ctx, cycle.ID)
	if err != nil {
		return "", err
	}
	if !fresh.State.Active() {
		return "cycle_stopped", nil
	}
	return "", nil
}

func (v *Validator) checkPositionCount(ctx context.Context, cycle *models.TradingCycle, _ *models.Candidate) (string, error) {
	n, err := v.store.CountActivePositions(ctx, cycle.ID)
	if err != nil {
		return "", err
	}
	if n >= v.cfg.MaxPositions {
		return fmt.Sprintf("position limit reached (%d/%d)", n, v.cfg.MaxPositions), nil
	}
	return "", nil
}

// checkRiskBudget caps the sum of per-position committed risk. A candidate's
// risk is the distance to its stop times its size.
func (v *Validator) checkRiskBudget(ctx context.Context, cycle *models.TradingCycle, cand *models.Candidate) (string, error) {
	candRisk := math.Abs(cand.EntryPrice-cand.StopLoss) * cand.Qty
	committed, err := v.store.SumActiveRisk(ctx, cycle.ID)
	if err != nil {
		return "", err
	}
	if committed+candRisk > v.cfg.TotalRiskBudget {
		return fmt.Sprintf("risk budget exceeded: committed %.2f + candidate %.2f > budget %.2f",
			committed, candRisk, v.cfg.TotalRiskBudget), nil
	}
	return "", nil
}

func (v *Validator) checkDuplicate(ctx context.Context, cycle *models.TradingCycle, cand *models.Candidate) (string, error) {
	dup, err := v.store.HasActivePositionForSecurity(ctx, cycle.ID, cand.SecurityID)
	if err != nil {
		return "", err
	}
	if dup {
		return fmt.Sprintf("already holding %s this cycle", cand.Symbol), nil
	}
	return "", nil
}

func (v *Validator) checkSectorExposure(ctx context.Context, cycle *models.TradingCycle, cand *models.Candidate) (string, error) {
	if cand.Sector == "" {
		return "", nil // unclassified symbols are not sector-capped
	}
	exposure, err := v.store.SectorExposure(ctx, cycle.ID)
	if err != nil {
		return "", err
	}
	limit := int(math.Floor(float64(v.cfg.MaxPositions) * v.cfg.MaxSectorExposurePct / 100))
	if limit < 1 {
		limit = 1
	}
	if exposure[cand.Sector]+1 > limit {
		return fmt.Sprintf("sector %s exposure limit reached (%d positions, cap %d)",
			cand.Sector, exposure[cand.Sector], limit), nil
	}
	return "", nil
}

// checkProjectedDailyLoss rejects entries whose full stop-out would push the
// day past the loss limit.
func (v *Validator) checkProjectedDailyLoss(ctx context.Context, cycle *models.TradingCycle, cand *models.Candidate) (string, error) {
	realized, err := v.store.DailyRealizedPnL(ctx, cycle.ID)
	if err != nil {
		return "", err
	}
	candRisk := math.Abs(cand.EntryPrice-cand.StopLoss) * cand.Qty
	projected := realized - candRisk
	if projected < -v.cfg.MaxDailyLoss {
		return fmt.Sprintf("projected daily loss %.2f would breach limit %.2f",
			projected, -v.cfg.MaxDailyLoss), nil
	}
	return "", nil
}

func (v *Validator) record(ctx context.Context, cycleID string, cand *models.Candidate, reason string) {
	v.logger.WithFields(logrus.Fields{
		"symbol": cand.Symbol,
		"reason": reason,
	}).Info("candidate rejected by risk validation")
	ev := &models.RiskEvent{
		CycleID:  cycleID,
		Type:     "validation_rejected",
		Severity: models.SeverityInfo,
		Message:  fmt.Sprintf("%s: %s", cand.Symbol, reason),
	}
	if err := v.store.InsertRiskEvent(ctx, ev); err != nil {
		v.logger.WithError(err).Error("failed to record validation event")
	}
}
