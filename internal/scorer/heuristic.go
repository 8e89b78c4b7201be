package scorer

import (
	"context"
	"math"
)

// HeuristicScorer is a deterministic built-in model for the local mode and
// tests. It applies a fixed-weight logistic function over the feature vector,
// so identical vectors always yield identical scores.
type HeuristicScorer struct {
	weights []float64
	bias    float64
}

func NewHeuristicScorer() *HeuristicScorer {
	return &HeuristicScorer{
		weights: []float64{-0.4, -0.8, -0.3, 0.9, -0.5, -0.6, 0.7},
		bias:    0.1,
	}
}

func (s *HeuristicScorer) Score(ctx context.Context, vectors [][]float64) ([]Result, error) {
	results := make([]Result, len(vectors))
	for i, vec := range vectors {
		var z float64
		for j, v := range vec {
			w := 0.1
			if j < len(s.weights) {
				w = s.weights[j]
			}
			// compress feature magnitudes so raw financial figures do not
			// saturate the logistic
			z += w * math.Tanh(v/1e6)
		}
		score := 1.0 / (1.0 + math.Exp(-(z + s.bias)))
		results[i] = Result{
			Score:      score,
			Confidence: 0.5 + math.Abs(score-0.5),
		}
	}
	return results, nil
}

func (s *HeuristicScorer) Version() string {
	return "heuristic-v1"
}

func (s *HeuristicScorer) Ping(ctx context.Context) error {
	return nil
}
