package scanner

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"daytrader/internal/broker"
	"daytrader/internal/config"
	"daytrader/internal/models"
	"daytrader/internal/storage"
)

func testWorkflow() config.WorkflowConfig {
	return config.WorkflowConfig{
		InitialUniverseSize: 3,
		ScanSampleSize:      500,
		ScanBatchSize:       2,
		MinPrice:            1,
		MaxPrice:            500,
	}
}

func newScannerFixture(t *testing.T) (*Scanner, *broker.MockBroker, *storage.Store, *models.TradingCycle) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	store, err := storage.Open(filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mock := broker.NewMockBroker()
	cycle, err := store.CreateCycle(context.Background(), "2025-03-14", models.ModePaper, "")
	require.NoError(t, err)

	return New(mock, store, testWorkflow(), logger), mock, store, cycle
}

func asset(symbol string) broker.Asset {
	return broker.Asset{Symbol: symbol, Tradable: true, Fractionable: true, Shortable: true, Exchange: "NASDAQ"}
}

func TestScanRanksByVolumeAndCapsUniverse(t *testing.T) {
	s, mock, store, cycle := newScannerFixture(t)
	ctx := context.Background()

	mock.AssetsFn = func() ([]broker.Asset, error) {
		var assets []broker.Asset
		for i := 0; i < 6; i++ {
			assets = append(assets, asset(fmt.Sprintf("SYM%d", i)))
		}
		// Untradable and non-shortable assets are filtered out up front.
		assets = append(assets,
			broker.Asset{Symbol: "HALTED", Tradable: false, Fractionable: true, Shortable: true},
			broker.Asset{Symbol: "NOSHORT", Tradable: true, Fractionable: true, Shortable: false})
		return assets, nil
	}
	mock.LatestBarsFn = func(symbols []string) (map[string]broker.Bar, error) {
		out := make(map[string]broker.Bar)
		for _, sym := range symbols {
			var n int
			fmt.Sscanf(sym, "SYM%d", &n)
			out[sym] = broker.Bar{Open: 100, Close: 102, Volume: int64((n + 1) * 1_000_000)}
		}
		return out, nil
	}

	scanTS := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	results, err := s.Scan(ctx, cycle, scanTS)
	require.NoError(t, err)
	require.Len(t, results, 3)

	// Highest volume first.
	assert.Equal(t, "SYM5", results[0].Symbol)
	assert.Equal(t, "SYM4", results[1].Symbol)
	assert.Equal(t, "SYM3", results[2].Symbol)
	assert.Equal(t, 1, results[0].Rank)
	assert.InDelta(t, 2.0, results[0].GapPct, 0.001)
	assert.Greater(t, results[0].RelVolume, 1.0)

	persisted, err := store.ListScanResults(ctx, cycle.ID, scanTS)
	require.NoError(t, err)
	assert.Len(t, persisted, 3)
	for _, r := range persisted {
		assert.Equal(t, models.ScanCandidate, r.Status)
		assert.NotZero(t, r.SecurityID)
	}
}

func TestScanFiltersPriceBand(t *testing.T) {
	s, mock, _, cycle := newScannerFixture(t)

	mock.AssetsFn = func() ([]broker.Asset, error) {
		return []broker.Asset{asset("CHEAP"), asset("RICH"), asset("OK")}, nil
	}
	mock.LatestBarsFn = func(symbols []string) (map[string]broker.Bar, error) {
		out := make(map[string]broker.Bar)
		for _, sym := range symbols {
			switch sym {
			case "CHEAP":
				out[sym] = broker.Bar{Open: 0.4, Close: 0.5, Volume: 9_000_000}
			case "RICH":
				out[sym] = broker.Bar{Open: 900, Close: 901, Volume: 9_000_000}
			case "OK":
				out[sym] = broker.Bar{Open: 49, Close: 50, Volume: 1_000_000}
			}
		}
		return out, nil
	}

	results, err := s.Scan(context.Background(), cycle, time.Now())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "OK", results[0].Symbol)
}

func TestScanBrokerOutagePropagates(t *testing.T) {
	s, mock, _, cycle := newScannerFixture(t)

	mock.AssetsFn = func() ([]broker.Asset, error) {
		return nil, broker.ErrBrokerUnavailable
	}
	_, err := s.Scan(context.Background(), cycle, time.Now())
	require.ErrorIs(t, err, broker.ErrBrokerUnavailable)

	// Outage mid-enrichment also fails the scan rather than returning a
	// biased partial universe.
	mock.AssetsFn = func() ([]broker.Asset, error) {
		return []broker.Asset{asset("A"), asset("B"), asset("C")}, nil
	}
	mock.LatestBarsFn = func(symbols []string) (map[string]broker.Bar, error) {
		return nil, broker.ErrTransient
	}
	_, err = s.Scan(context.Background(), cycle, time.Now())
	require.ErrorIs(t, err, broker.ErrTransient)
}
