package scorer_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"risk-backend/internal/scorer"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRiskBands(t *testing.T) {
	assert.Equal(t, scorer.BandLow, scorer.RiskBand(0.0))
	assert.Equal(t, scorer.BandLow, scorer.RiskBand(0.249))
	assert.Equal(t, scorer.BandModerate, scorer.RiskBand(0.25))
	assert.Equal(t, scorer.BandModerate, scorer.RiskBand(0.49))
	assert.Equal(t, scorer.BandElevated, scorer.RiskBand(0.5))
	assert.Equal(t, scorer.BandElevated, scorer.RiskBand(0.749))
	assert.Equal(t, scorer.BandSevere, scorer.RiskBand(0.75))
	assert.Equal(t, scorer.BandSevere, scorer.RiskBand(1.0))
}

func TestHeuristicScorerIsDeterministic(t *testing.T) {
	s := scorer.NewHeuristicScorer()

	vectors := [][]float64{
		{1e6, 2e5, 5e6, 4e6, 1e5, 1.2, 0.8},
		{5e4, -3e5, 1e6, 2e6, -2e4, 0.6, 3.1},
	}

	first, err := s.Score(context.Background(), vectors)
	require.NoError(t, err)
	require.Len(t, first, 2)

	second, err := s.Score(context.Background(), vectors)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	for _, res := range first {
		assert.GreaterOrEqual(t, res.Score, 0.0)
		assert.LessOrEqual(t, res.Score, 1.0)
		assert.GreaterOrEqual(t, res.Confidence, 0.5)
		assert.LessOrEqual(t, res.Confidence, 1.0)
	}

	assert.Equal(t, "heuristic-v1", s.Version())
	assert.NoError(t, s.Ping(context.Background()))
}

func TestHTTPScorerPreservesOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Vectors [][]float64 `json:"vectors"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		// Echo a score derived from the first feature so order is checkable.
		results := make([]scorer.Result, len(req.Vectors))
		for i, vec := range req.Vectors {
			results[i] = scorer.Result{Score: vec[0], Confidence: 0.9}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"model_version": "test-v2",
			"results":       results,
		})
	}))
	defer server.Close()

	s := scorer.NewHTTPScorer(server.URL, time.Second)

	results, err := s.Score(context.Background(), [][]float64{{0.1}, {0.2}, {0.3}})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, 0.1, results[0].Score)
	assert.Equal(t, 0.2, results[1].Score)
	assert.Equal(t, 0.3, results[2].Score)
	assert.Equal(t, "test-v2", s.Version())
}

func TestHTTPScorerParsesUntypedResponses(t *testing.T) {
	// A scorer that omits the json content type still gets its body decoded
	// rather than reported as an empty result set.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		json.NewEncoder(w).Encode(map[string]any{
			"results": []scorer.Result{{Score: 0.7, Confidence: 0.8}},
		})
	}))
	defer server.Close()

	s := scorer.NewHTTPScorer(server.URL, time.Second)

	results, err := s.Score(context.Background(), [][]float64{{1}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 0.7, results[0].Score)
}

func TestHTTPScorerRejectsLengthMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"results": []scorer.Result{{Score: 0.5, Confidence: 0.9}},
		})
	}))
	defer server.Close()

	s := scorer.NewHTTPScorer(server.URL, time.Second)

	_, err := s.Score(context.Background(), [][]float64{{1}, {2}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 results for 2 vectors")
}

func TestHTTPScorerSurfacesServerErrors(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	s := scorer.NewHTTPScorer(server.URL, time.Second)

	_, err := s.Score(context.Background(), [][]float64{{1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Equal(t, int64(1), calls.Load())
}

func TestHTTPScorerPing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.NotFound(w, r)
	}))
	defer server.Close()

	s := scorer.NewHTTPScorer(server.URL, time.Second)
	assert.NoError(t, s.Ping(context.Background()))

	server.Close()
	assert.Error(t, s.Ping(context.Background()))
}
