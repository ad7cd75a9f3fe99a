package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"daytrader/internal/alerts"
	"daytrader/internal/broker"
	"daytrader/internal/config"
	"daytrader/internal/engine"
	"daytrader/internal/models"
	"daytrader/internal/risk"
	"daytrader/internal/scanner"
	"daytrader/internal/storage"
)

type pipelineFixture struct {
	store  *storage.Store
	broker *broker.MockBroker
	cfg    *config.Config
	orch   *Orchestrator
	cycle  *models.TradingCycle
}

func testConfig() *config.Config {
	cfg, err := config.Load(filepath.Join("does", "not", "exist.yaml"))
	if err != nil {
		panic(err)
	}
	cfg.Workflow.InitialUniverseSize = 10
	cfg.Workflow.ExecuteTopN = 2
	cfg.Workflow.MinConfidenceScore = 0.3
	cfg.Risk.MaxPositions = 5
	cfg.Risk.MaxPositionSize = 10000
	cfg.Filters.News = config.StageConfig{Enabled: true, Required: false, FallbackScore: 0.5, Threshold: 0.4}
	cfg.Filters.Pattern = config.StageConfig{Enabled: false, FallbackScore: 0.5}
	cfg.Filters.Technical = config.StageConfig{Enabled: true, Required: false, FallbackScore: 0.5, Threshold: 0.2}
	return cfg
}

func newPipelineFixture(t *testing.T, catalysts CatalystSource) *pipelineFixture {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	store, err := storage.Open(filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mock := broker.NewMockBroker()
	cfg := testConfig()
	notifier := alerts.NewNotifier(&alerts.LogSink{Logger: logger}, logger, 64)
	eng := engine.New(store, mock, notifier, logger)
	sc := scanner.New(mock, store, cfg.Workflow, logger)
	validator := risk.NewValidator(store, cfg.Risk, logger)

	orch := New(store, mock, sc, validator, eng, notifier, catalysts, nil, cfg, logger)

	cycle, err := orch.StartCycle(context.Background(), "2025-03-14", "")
	require.NoError(t, err)

	return &pipelineFixture{store: store, broker: mock, cfg: cfg, orch: orch, cycle: cycle}
}

// wireMarket sets up a three-symbol market with distinct volumes and enough
// bar history for the technical stage.
func wireMarket(f *pipelineFixture) {
	f.broker.AssetsFn = func() ([]broker.Asset, error) {
		var out []broker.Asset
		for _, sym := range []string{"AAA", "BBB", "CCC"} {
			out = append(out, broker.Asset{
				Symbol: sym, Tradable: true, Fractionable: true, Shortable: true,
			})
		}
		return out, nil
	}
	f.broker.LatestBarsFn = func(symbols []string) (map[string]broker.Bar, error) {
		vols := map[string]int64{"AAA": 9_000_000, "BBB": 6_000_000, "CCC": 3_000_000}
		out := make(map[string]broker.Bar)
		for _, sym := range symbols {
			out[sym] = broker.Bar{Open: 100, Close: 104, Volume: vols[sym]}
		}
		return out, nil
	}
	// Steady uptrend keeps RSI in the momentum band.
	f.broker.BarsFn = func(symbol string) ([]broker.Bar, error) {
		var bars []broker.Bar
		price := 80.0
		for i := 0; i < 30; i++ {
			if i%4 == 3 {
				price -= 0.3
			} else {
				price += 1.0
			}
			bars = append(bars, broker.Bar{Close: price, Timestamp: time.Now().Add(-time.Duration(30-i) * 24 * time.Hour)})
		}
		return bars, nil
	}
}

func TestPipelineHappyPathExecutesTopN(t *testing.T) {
	catalysts := StaticCatalystSource{"AAA": 0.9, "BBB": 0.8, "CCC": 0.7}
	f := newPipelineFixture(t, catalysts)
	wireMarket(f)
	ctx := context.Background()

	require.NoError(t, f.orch.RunPipeline(ctx, f.cycle))

	cycle, err := f.store.GetCycle(ctx, f.cycle.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CycleMonitoring, cycle.State)
	assert.Equal(t, 2, cycle.TradesExecuted)

	// Top two by composite: AAA then BBB (catalyst dominates the tie).
	require.Len(t, f.broker.SubmittedSpecs, 2)
	assert.Equal(t, "AAA", f.broker.SubmittedSpecs[0].Symbol)
	assert.Equal(t, "BBB", f.broker.SubmittedSpecs[1].Symbol)

	positions, err := f.store.ListPositionsByStatus(ctx, cycle.ID, models.PositionPending)
	require.NoError(t, err)
	assert.Len(t, positions, 2)
	for _, p := range positions {
		assert.Equal(t, models.Long, p.Side)
		assert.Greater(t, p.TakeProfit, p.StopLoss)
	}
}

func TestOptionalStageFailureFallsBack(t *testing.T) {
	failing := failingCatalystSource{}
	f := newPipelineFixture(t, failing)
	wireMarket(f)
	ctx := context.Background()

	// News stage is enabled but not required: the pipeline degrades to the
	// fallback score and still executes.
	require.NoError(t, f.orch.RunPipeline(ctx, f.cycle))

	cycle, err := f.store.GetCycle(ctx, f.cycle.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CycleMonitoring, cycle.State)
	assert.NotEmpty(t, f.broker.SubmittedSpecs)
}

func TestRequiredStageFailureFailsCycle(t *testing.T) {
	f := newPipelineFixture(t, failingCatalystSource{})
	f.cfg.Filters.News.Required = true
	wireMarket(f)
	ctx := context.Background()

	require.Error(t, f.orch.RunPipeline(ctx, f.cycle))

	cycle, err := f.store.GetCycle(ctx, f.cycle.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CycleError, cycle.State)
	assert.Empty(t, f.broker.SubmittedSpecs)

	events, err := f.store.ListRiskEvents(ctx, cycle.ID, 10)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, "cycle_error", events[0].Type)
}

func TestScannerOutageFailsCycle(t *testing.T) {
	f := newPipelineFixture(t, nil)
	f.broker.AssetsFn = func() ([]broker.Asset, error) {
		return nil, broker.ErrBrokerUnavailable
	}

	err := f.orch.RunPipeline(context.Background(), f.cycle)
	require.Error(t, err)
	assert.True(t, errors.Is(err, broker.ErrBrokerUnavailable))

	cycle, err := f.store.GetCycle(context.Background(), f.cycle.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CycleError, cycle.State)
}

func TestEmptyScanGoesToMonitoring(t *testing.T) {
	f := newPipelineFixture(t, nil)
	f.broker.AssetsFn = func() ([]broker.Asset, error) { return nil, nil }

	require.NoError(t, f.orch.RunPipeline(context.Background(), f.cycle))

	cycle, err := f.store.GetCycle(context.Background(), f.cycle.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CycleMonitoring, cycle.State)
	assert.Equal(t, 0, cycle.TradesExecuted)
}

func TestThresholdDropsWeakCatalysts(t *testing.T) {
	// CCC falls below the 0.4 news threshold and must not execute.
	catalysts := StaticCatalystSource{"AAA": 0.9, "BBB": 0.8, "CCC": 0.1}
	f := newPipelineFixture(t, catalysts)
	wireMarket(f)
	ctx := context.Background()

	require.NoError(t, f.orch.RunPipeline(ctx, f.cycle))
	for _, spec := range f.broker.SubmittedSpecs {
		assert.NotEqual(t, "CCC", spec.Symbol)
	}
}

func TestExecutionContinuesPastFailures(t *testing.T) {
	catalysts := StaticCatalystSource{"AAA": 0.9, "BBB": 0.8, "CCC": 0.7}
	f := newPipelineFixture(t, catalysts)
	wireMarket(f)
	ctx := context.Background()

	f.broker.SubmitFn = func(spec broker.BracketSpec) (*broker.BracketIDs, error) {
		if spec.Symbol == "AAA" {
			return nil, broker.ErrInsufficientBuyingPower
		}
		return &broker.BracketIDs{
			EntryOrderID:      "e-" + spec.Symbol,
			StopLossOrderID:   "s-" + spec.Symbol,
			TakeProfitOrderID: "t-" + spec.Symbol,
		}, nil
	}

	require.NoError(t, f.orch.RunPipeline(ctx, f.cycle))

	cycle, err := f.store.GetCycle(ctx, f.cycle.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CycleMonitoring, cycle.State)

	// BBB still went through despite AAA's rejection.
	pending, err := f.store.ListPositionsByStatus(ctx, cycle.ID, models.PositionPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "BBB", pending[0].Symbol)
}

func TestStartCycleIsIdempotentPerDate(t *testing.T) {
	f := newPipelineFixture(t, nil)

	again, err := f.orch.StartCycle(context.Background(), "2025-03-14", "")
	require.NoError(t, err)
	assert.Equal(t, f.cycle.ID, again.ID)
}

type failingCatalystSource struct{}

func (failingCatalystSource) Score(context.Context, []string) (map[string]float64, error) {
	return nil, fmt.Errorf("catalyst feed unreachable")
}
