// Package scanner builds the day's trading universe: broker asset list,
// random sample, batched market-data enrichment, and liquidity ranking.
package scanner

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"daytrader/internal/broker"
	"daytrader/internal/config"
	"daytrader/internal/models"
	"daytrader/internal/storage"
)

// maxBatchConcurrency bounds parallel market-data requests so a large sample
// stays inside the broker rate limit.
const maxBatchConcurrency = 4

// Scanner produces ranked scan results for a cycle.
type Scanner struct {
	broker broker.Broker
	store  *storage.Store
	cfg    config.WorkflowConfig
	logger *logrus.Logger
	rng    *rand.Rand
	mu     sync.Mutex
}

// New creates a Scanner.
func New(b broker.Broker, store *storage.Store, cfg config.WorkflowConfig, logger *logrus.Logger) *Scanner {
	return &Scanner{
		broker: b,
		store:  store,
		cfg:    cfg,
		logger: logger,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Scan assembles the universe and persists one scan_results row per
// surviving symbol. The returned slice is ordered by rank (volume
// descending). A broker outage returns an error; the orchestrator decides
// whether the cycle survives it.
func (s *Scanner) Scan(ctx context.Context, cycle *models.TradingCycle, scanTS time.Time) ([]*models.ScanResult, error) {
	assets, err := s.broker.ListAssets(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan: list assets: %w", err)
	}

	eligible := make([]broker.Asset, 0, len(assets))
	for _, a := range assets {
		if a.Tradable && a.Fractionable && a.Shortable {
			eligible = append(eligible, a)
		}
	}
	s.logger.WithFields(logrus.Fields{
		"assets": len(assets), "eligible": len(eligible),
	}).Debug("universe filtered")
	if len(eligible) == 0 {
		return nil, nil
	}

	sample := s.sample(eligible, s.cfg.ScanSampleSize)
	bars, err := s.fetchBars(ctx, sample)
	if err != nil {
		return nil, err
	}

	type scored struct {
		asset broker.Asset
		bar   broker.Bar
	}
	var survivors []scored
	var totalVolume int64
	for _, a := range sample {
		bar, ok := bars[a.Symbol]
		if !ok || bar.Close <= 0 {
			continue
		}
		if bar.Close < s.cfg.MinPrice || bar.Close > s.cfg.MaxPrice {
			continue
		}
		survivors = append(survivors, scored{asset: a, bar: bar})
		totalVolume += bar.Volume
	}
	if len(survivors) == 0 {
		return nil, nil
	}
	avgVolume := float64(totalVolume) / float64(len(survivors))

	sort.SliceStable(survivors, func(i, j int) bool {
		return survivors[i].bar.Volume > survivors[j].bar.Volume
	})
	if len(survivors) > s.cfg.InitialUniverseSize {
		survivors = survivors[:s.cfg.InitialUniverseSize]
	}

	scanTS = scanTS.Truncate(time.Minute)
	results := make([]*models.ScanResult, 0, len(survivors))
	for rank, sc := range survivors {
		sec, err := s.store.GetOrCreateSecurity(ctx, sc.asset.Symbol, sc.asset.Name, sc.asset.Exchange)
		if err != nil {
			return nil, err
		}
		gap := 0.0
		if sc.bar.Open > 0 {
			gap = (sc.bar.Close - sc.bar.Open) / sc.bar.Open * 100
		}
		relVol := 0.0
		if avgVolume > 0 {
			relVol = float64(sc.bar.Volume) / avgVolume
		}
		results = append(results, &models.ScanResult{
			ID:         uuid.NewString(),
			CycleID:    cycle.ID,
			SecurityID: sec.ID,
			Symbol:     sec.Symbol,
			ScanTS:     scanTS,
			Rank:       rank + 1,
			Price:      sc.bar.Close,
			Volume:     sc.bar.Volume,
			GapPct:     gap,
			RelVolume:  relVol,
			Status:     models.ScanCandidate,
		})
	}

	if err := s.store.InsertScanResults(ctx, results); err != nil {
		return nil, fmt.Errorf("scan: persist results: %w", err)
	}
	s.logger.WithFields(logrus.Fields{
		"cycle": cycle.ID, "candidates": len(results),
	}).Info("scan complete")
	return results, nil
}

// sample picks up to n assets uniformly without replacement.
func (s *Scanner) sample(assets []broker.Asset, n int) []broker.Asset {
	if n <= 0 || len(assets) <= n {
		out := make([]broker.Asset, len(assets))
		copy(out, assets)
		return out
	}
	out := make([]broker.Asset, len(assets))
	copy(out, assets)
	s.mu.Lock()
	s.rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	s.mu.Unlock()
	return out[:n]
}

// fetchBars pulls latest bars for the sample in fixed-size batches with
// bounded concurrency. One failed batch fails the scan: a partial universe
// silently missing the most active symbols would bias selection.
func (s *Scanner) fetchBars(ctx context.Context, sample []broker.Asset) (map[string]broker.Bar, error) {
	batchSize := s.cfg.ScanBatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	var mu sync.Mutex
	merged := make(map[string]broker.Bar, len(sample))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxBatchConcurrency)
	for start := 0; start < len(sample); start += batchSize {
		end := start + batchSize
		if end > len(sample) {
			end = len(sample)
		}
		symbols := make([]string, 0, end-start)
		for _, a := range sample[start:end] {
			symbols = append(symbols, a.Symbol)
		}
		g.Go(func() error {
			bars, err := s.broker.GetLatestBars(gctx, symbols)
			if err != nil {
				return fmt.Errorf("scan: latest bars batch: %w", err)
			}
			mu.Lock()
			for sym, bar := range bars {
				merged[sym] = bar
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return merged, nil
}
