// Package orchestrator drives the daily trading pipeline: scan, staged
// filtering, composite ranking, risk validation, and execution. Each stage
// advances the cycle state machine so a crash leaves an honest record of how
// far the day got.
package orchestrator

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/markcheno/go-talib"
	"github.com/sirupsen/logrus"

	"daytrader/internal/alerts"
	"daytrader/internal/broker"
	"daytrader/internal/config"
	"daytrader/internal/engine"
	"daytrader/internal/models"
	"daytrader/internal/risk"
	"daytrader/internal/scanner"
	"daytrader/internal/storage"
)

// Composite score weights. Catalyst and technical carry the most signal;
// momentum and volume confirm.
const (
	weightCatalyst  = 0.30
	weightTechnical = 0.30
	weightMomentum  = 0.20
	weightVolume    = 0.20
)

const technicalLookback = 30 * 24 * time.Hour
const rsiPeriod = 14

// Orchestrator runs one trading cycle end to end.
type Orchestrator struct {
	store     *storage.Store
	broker    broker.Broker
	scanner   *scanner.Scanner
	validator *risk.Validator
	engine    *engine.Engine
	notifier  *alerts.Notifier
	catalysts CatalystSource
	patterns  PatternSource
	cfg       *config.Config
	logger    *logrus.Logger
}

// New creates an Orchestrator. catalysts and patterns may be nil; their
// stages then run in fallback mode.
func New(store *storage.Store, b broker.Broker, sc *scanner.Scanner, v *risk.Validator,
	eng *engine.Engine, notifier *alerts.Notifier,
	catalysts CatalystSource, patterns PatternSource,
	cfg *config.Config, logger *logrus.Logger) *Orchestrator {
	return &Orchestrator{
		store: store, broker: b, scanner: sc, validator: v, engine: eng,
		notifier: notifier, catalysts: catalysts, patterns: patterns,
		cfg: cfg, logger: logger,
	}
}

// StartCycle creates (or resumes) the cycle for a trading date.
func (o *Orchestrator) StartCycle(ctx context.Context, date string, configBlob string) (*models.TradingCycle, error) {
	cycle, err := o.store.CreateCycle(ctx, date, models.CycleMode(o.cfg.Session.Mode), configBlob)
	if err == nil {
		return cycle, nil
	}
	existing, getErr := o.store.GetCycleByDate(ctx, date)
	if getErr != nil {
		return nil, err
	}
	return existing, nil
}

// candidate carries a scan row through the filter stages.
type candidate struct {
	scan *models.ScanResult

	catalystScore  float64
	patternScore   float64
	technicalScore float64
	momentumScore  float64
	volumeScore    float64
	composite      float64
	pattern        string
}

// RunPipeline executes one full scan-to-execution pass for the cycle.
// Failures in optional stages degrade to fallback scores; failures in
// required stages or in the scanner itself fail the cycle.
func (o *Orchestrator) RunPipeline(ctx context.Context, cycle *models.TradingCycle) error {
	fresh, err := o.store.GetCycle(ctx, cycle.ID)
	if err != nil {
		return err
	}
	if !fresh.State.Active() {
		o.logger.WithField("state", fresh.State).Info("cycle not active, skipping pipeline run")
		return nil
	}

	if fresh.State == models.CycleCreated {
		if err := o.transition(ctx, fresh, models.CycleScanning); err != nil {
			return err
		}
	}

	results, err := o.scanner.Scan(ctx, fresh, time.Now())
	if err != nil {
		o.failCycle(ctx, fresh, fmt.Errorf("scan failed: %w", err))
		return err
	}
	if len(results) == 0 {
		o.logger.Info("scan produced no candidates, going to monitoring")
		return o.advanceToMonitoring(ctx, fresh)
	}

	cands := make([]*candidate, 0, len(results))
	for _, r := range results {
		cands = append(cands, &candidate{scan: r})
	}

	if err := o.transition(ctx, fresh, models.CycleFilteringNews); err != nil {
		return err
	}
	cands, err = o.catalystStage(ctx, cands)
	if err != nil {
		o.failCycle(ctx, fresh, err)
		return err
	}

	if err := o.transition(ctx, fresh, models.CycleFilteringPatterns); err != nil {
		return err
	}
	cands, err = o.patternStage(ctx, cands)
	if err != nil {
		o.failCycle(ctx, fresh, err)
		return err
	}

	if err := o.transition(ctx, fresh, models.CycleFilteringTechnical); err != nil {
		return err
	}
	cands, err = o.technicalStage(ctx, cands)
	if err != nil {
		o.failCycle(ctx, fresh, err)
		return err
	}

	if err := o.transition(ctx, fresh, models.CycleRiskValidation); err != nil {
		return err
	}
	selected := o.rank(cands)
	approved := o.validate(ctx, fresh, selected)

	if len(approved) == 0 {
		o.logger.Info("no candidates approved, going to monitoring")
		return o.advanceToMonitoring(ctx, fresh)
	}

	if err := o.transition(ctx, fresh, models.CycleExecuting); err != nil {
		return err
	}
	o.execute(ctx, fresh, approved)

	return o.advanceToMonitoring(ctx, fresh)
}

// catalystStage scores candidates on news strength. Policy per StageConfig:
// disabled stages assign the fallback score; an optional source failure
// degrades to the fallback; a required failure aborts the cycle.
func (o *Orchestrator) catalystStage(ctx context.Context, cands []*candidate) ([]*candidate, error) {
	st := o.cfg.Filters.News
	if !st.Enabled || o.catalysts == nil {
		for _, c := range cands {
			c.catalystScore = st.FallbackScore
		}
		return cands, nil
	}
	scores, err := o.catalysts.Score(ctx, symbols(cands))
	if err != nil {
		if st.Required {
			return nil, fmt.Errorf("catalyst stage failed: %w", err)
		}
		o.logger.WithError(err).Warn("catalyst source down, applying fallback scores")
		for _, c := range cands {
			c.catalystScore = st.FallbackScore
		}
		return cands, nil
	}
	var kept []*candidate
	for _, c := range cands {
		score, ok := scores[c.scan.Symbol]
		if !ok {
			score = 0
		}
		c.catalystScore = score
		if score >= st.Threshold {
			kept = append(kept, c)
		} else {
			o.rejectScan(ctx, c)
		}
	}
	return kept, nil
}

func (o *Orchestrator) patternStage(ctx context.Context, cands []*candidate) ([]*candidate, error) {
	st := o.cfg.Filters.Pattern
	if !st.Enabled || o.patterns == nil {
		for _, c := range cands {
			c.patternScore = st.FallbackScore
		}
		return cands, nil
	}
	scores, err := o.patterns.Score(ctx, symbols(cands))
	if err != nil {
		if st.Required {
			return nil, fmt.Errorf("pattern stage failed: %w", err)
		}
		o.logger.WithError(err).Warn("pattern source down, applying fallback scores")
		for _, c := range cands {
			c.patternScore = st.FallbackScore
		}
		return cands, nil
	}
	var kept []*candidate
	for _, c := range cands {
		ps := scores[c.scan.Symbol]
		c.patternScore = ps.Score
		c.pattern = ps.Pattern
		if ps.Score >= st.Threshold {
			kept = append(kept, c)
		} else {
			o.rejectScan(ctx, c)
		}
	}
	return kept, nil
}

// technicalStage computes indicator-based scores from daily bars. Missing
// history for one symbol degrades that symbol to the fallback score rather
// than dropping it.
func (o *Orchestrator) technicalStage(ctx context.Context, cands []*candidate) ([]*candidate, error) {
	st := o.cfg.Filters.Technical
	if !st.Enabled {
		for _, c := range cands {
			c.technicalScore = st.FallbackScore
		}
		return cands, nil
	}
	var kept []*candidate
	for _, c := range cands {
		score, err := o.technicalScore(ctx, c.scan.Symbol)
		if err != nil {
			if st.Required {
				return nil, fmt.Errorf("technical stage failed for %s: %w", c.scan.Symbol, err)
			}
			score = st.FallbackScore
		}
		c.technicalScore = score
		if score >= st.Threshold {
			kept = append(kept, c)
		} else {
			o.rejectScan(ctx, c)
		}
	}
	return kept, nil
}

// technicalScore maps RSI(14) into [0,1]: strongest in the 50-70 momentum
// band, fading toward oversold and overbought extremes.
func (o *Orchestrator) technicalScore(ctx context.Context, symbol string) (float64, error) {
	bars, err := o.broker.GetBars(ctx, symbol, technicalLookback)
	if err != nil {
		return 0, err
	}
	if len(bars) < rsiPeriod+1 {
		return 0, fmt.Errorf("insufficient history for %s: %d bars", symbol, len(bars))
	}
	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}
	rsi := talib.Rsi(closes, rsiPeriod)
	last := rsi[len(rsi)-1]
	switch {
	case last >= 50 && last <= 70:
		return 1.0, nil
	case last > 70:
		return math.Max(0, 1-(last-70)/30), nil
	default:
		return math.Max(0, last/50), nil
	}
}

// rank computes composite scores and returns the top-K above the confidence
// floor. Ties break on relative volume, then on the cheaper entry.
func (o *Orchestrator) rank(cands []*candidate) []*candidate {
	for _, c := range cands {
		c.momentumScore = clamp01(math.Abs(c.scan.GapPct) / 10)
		c.volumeScore = clamp01(c.scan.RelVolume / 3)
		c.composite = weightCatalyst*c.catalystScore +
			weightTechnical*c.technicalScore +
			weightMomentum*c.momentumScore +
			weightVolume*c.volumeScore
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].composite != cands[j].composite {
			return cands[i].composite > cands[j].composite
		}
		if cands[i].scan.RelVolume != cands[j].scan.RelVolume {
			return cands[i].scan.RelVolume > cands[j].scan.RelVolume
		}
		return cands[i].scan.Price < cands[j].scan.Price
	})

	var selected []*candidate
	for _, c := range cands {
		if c.composite < o.cfg.Workflow.MinConfidenceScore {
			continue
		}
		if len(selected) < o.cfg.Workflow.ExecuteTopN {
			selected = append(selected, c)
		}
	}
	return selected
}

// validate sizes each selected candidate and runs it through the risk
// validator, persisting scores and dispositions on the scan rows.
func (o *Orchestrator) validate(ctx context.Context, cycle *models.TradingCycle, selected []*candidate) []*models.Candidate {
	var approved []*models.Candidate
	for i, c := range selected {
		cand := o.size(c)
		if cand == nil {
			o.rejectScan(ctx, c)
			continue
		}
		verdict, err := o.validator.Validate(ctx, cycle, cand)
		if err != nil {
			o.logger.WithError(err).WithField("symbol", cand.Symbol).Error("validation error")
			continue
		}
		status := models.ScanSelected
		if !verdict.Approved {
			status = models.ScanRejected
		}
		if err := o.store.UpdateScanScores(ctx, c.scan.ID,
			c.catalystScore, c.patternScore, c.technicalScore, c.composite, i+1, status); err != nil {
			o.logger.WithError(err).Warn("failed to persist scan disposition")
		}
		if verdict.Approved {
			cand.RiskAmount = verdict.RiskAmount
			approved = append(approved, cand)
		}
	}
	return approved
}

// size turns a scored candidate into an executable order intent. Positive
// gaps go long, negative gaps go short; stops and targets come from the
// configured percentages.
func (o *Orchestrator) size(c *candidate) *models.Candidate {
	price := c.scan.Price
	if price <= 0 {
		return nil
	}
	side := models.Long
	if c.scan.GapPct < 0 {
		side = models.Short
	}
	stopPct := o.cfg.Positions.DefaultStopLossPct / 100
	tpPct := o.cfg.Positions.DefaultTakeProfitPct / 100

	var stop, target float64
	if side == models.Long {
		stop = price * (1 - stopPct)
		target = price * (1 + tpPct)
	} else {
		stop = price * (1 + stopPct)
		target = price * (1 - tpPct)
	}

	var qty float64
	if o.cfg.Risk.MaxPositionSize > 0 {
		qty = math.Floor(o.cfg.Risk.MaxPositionSize / price)
	} else {
		perTrade := o.cfg.Risk.TotalRiskBudget / float64(o.cfg.Risk.MaxPositions)
		qty = math.Floor(perTrade / (price * stopPct))
	}
	if qty < 1 {
		return nil
	}

	return &models.Candidate{
		Symbol:         c.scan.Symbol,
		SecurityID:     c.scan.SecurityID,
		Side:           side,
		Qty:            qty,
		EntryPrice:     price,
		StopLoss:       stop,
		TakeProfit:     target,
		Volume:         c.scan.Volume,
		RelVolume:      c.scan.RelVolume,
		GapPct:         c.scan.GapPct,
		CatalystScore:  c.catalystScore,
		PatternScore:   c.patternScore,
		TechnicalScore: c.technicalScore,
		MomentumScore:  c.momentumScore,
		VolumeScore:    c.volumeScore,
		Composite:      c.composite,
		Pattern:        c.pattern,
	}
}

// execute opens positions for the approved candidates. One failed entry
// never blocks the rest.
func (o *Orchestrator) execute(ctx context.Context, cycle *models.TradingCycle, approved []*models.Candidate) {
	for _, cand := range approved {
		if _, err := o.engine.OpenPosition(ctx, cycle, cand); err != nil {
			o.logger.WithError(err).WithField("symbol", cand.Symbol).Error("execution failed")
		}
	}
}

// advanceToMonitoring walks the remaining pipeline states so a short day
// (empty scan, nothing approved) still lands in monitoring through legal
// transitions only.
func (o *Orchestrator) advanceToMonitoring(ctx context.Context, cycle *models.TradingCycle) error {
	path := []models.CycleState{
		models.CycleScanning, models.CycleFilteringNews, models.CycleFilteringPatterns,
		models.CycleFilteringTechnical, models.CycleRiskValidation, models.CycleMonitoring,
	}
	fresh, err := o.store.GetCycle(ctx, cycle.ID)
	if err != nil {
		return err
	}
	if !fresh.State.Active() {
		return nil
	}
	for _, next := range path {
		if fresh.State == models.CycleMonitoring {
			break
		}
		if !models.CanTransitionCycle(fresh.State, next) {
			continue
		}
		if err := o.transition(ctx, fresh, next); err != nil {
			return err
		}
	}
	cycle.State = fresh.State
	return nil
}

// transition advances the cycle and mirrors the new state onto the local
// struct for subsequent steps.
func (o *Orchestrator) transition(ctx context.Context, cycle *models.TradingCycle, to models.CycleState) error {
	if err := o.store.TransitionCycleState(ctx, cycle.ID, cycle.State, to); err != nil {
		return err
	}
	cycle.State = to
	return nil
}

func (o *Orchestrator) failCycle(ctx context.Context, cycle *models.TradingCycle, cause error) {
	o.logger.WithError(cause).Error("cycle failed")
	o.notifier.Critical("orchestrator", "cycle failed", cause.Error())
	if err := o.store.TransitionCycleState(ctx, cycle.ID, cycle.State, models.CycleError); err != nil {
		o.logger.WithError(err).Error("failed to mark cycle errored")
	} else {
		cycle.State = models.CycleError
	}
	if err := o.store.InsertRiskEvent(ctx, &models.RiskEvent{
		CycleID:  cycle.ID,
		Type:     "cycle_error",
		Severity: models.SeverityCritical,
		Message:  cause.Error(),
	}); err != nil {
		o.logger.WithError(err).Error("failed to record cycle error event")
	}
}

func (o *Orchestrator) rejectScan(ctx context.Context, c *candidate) {
	if err := o.store.UpdateScanScores(ctx, c.scan.ID,
		c.catalystScore, c.patternScore, c.technicalScore, c.composite, 0, models.ScanRejected); err != nil {
		o.logger.WithError(err).Warn("failed to mark scan rejected")
	}
}

func symbols(cands []*candidate) []string {
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.scan.Symbol
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
