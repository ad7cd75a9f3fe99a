package orchestrator

import "context"

// CatalystSource scores symbols on news/catalyst strength in [0,1]. A symbol
// missing from the result map means the source had no signal for it.
type CatalystSource interface {
	Score(ctx context.Context, symbols []string) (map[string]float64, error)
}

// PatternSource scores symbols on chart-pattern quality in [0,1] and may
// name the dominant pattern.
type PatternSource interface {
	Score(ctx context.Context, symbols []string) (map[string]PatternScore, error)
}

// PatternScore is a pattern stage result for one symbol.
type PatternScore struct {
	Score   float64
	Pattern string
}

// StaticCatalystSource returns fixed scores, useful for supervised runs and
// tests.
type StaticCatalystSource map[string]float64

func (s StaticCatalystSource) Score(_ context.Context, symbols []string) (map[string]float64, error) {
	out := make(map[string]float64, len(symbols))
	for _, sym := range symbols {
		if v, ok := s[sym]; ok {
			out[sym] = v
		}
	}
	return out, nil
}

// StaticPatternSource returns fixed pattern scores.
type StaticPatternSource map[string]PatternScore

func (s StaticPatternSource) Score(_ context.Context, symbols []string) (map[string]PatternScore, error) {
	out := make(map[string]PatternScore, len(symbols))
	for _, sym := range symbols {
		if v, ok := s[sym]; ok {
			out[sym] = v
		}
	}
	return out, nil
}
