package scorer

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

type Result struct {
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
}

// BatchScorer scores many feature vectors in one call. Implementations must
// preserve input order and return exactly one result per vector; a length
// mismatch is a hard error, never silently truncated.
type BatchScorer interface {
	Score(ctx context.Context, vectors [][]float64) ([]Result, error)

	Version() string

	Ping(ctx context.Context) error
}

// Risk band thresholds. Documented here because the persisted band is part of
// the Prediction contract.
const (
	BandLow      = "low"      // score < 0.25
	BandModerate = "moderate" // 0.25 <= score < 0.5
	BandElevated = "elevated" // 0.5 <= score < 0.75
	BandSevere   = "severe"   // score >= 0.75
)

func RiskBand(score float64) string {
	switch {
	case score < 0.25:
		return BandLow
	case score < 0.5:
		return BandModerate
	case score < 0.75:
		return BandElevated
	default:
		return BandSevere
	}
}

type HTTPScorer struct {
	client  *resty.Client
	version string
}

type scoreRequest struct {
	Vectors [][]float64 `json:"vectors"`
}

type scoreResponse struct {
	ModelVersion string   `json:"model_version"`
	Results      []Result `json:"results"`
}

func NewHTTPScorer(baseURL string, timeout time.Duration) *HTTPScorer {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")

	return &HTTPScorer{client: client, version: "remote"}
}

func (s *HTTPScorer) Score(ctx context.Context, vectors [][]float64) ([]Result, error) {
	var body scoreResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(scoreRequest{Vectors: vectors}).
		SetResult(&body).
		// Parse the body as json even when the scorer replies with another
		// content type, so a bad reply fails decoding instead of surfacing
		// as a result count mismatch.
		ForceContentType("application/json").
		Post("/v1/score")
	if err != nil {
		return nil, fmt.Errorf("scoring request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("scoring request failed with status %d: %s", resp.StatusCode(), resp.String())
	}

	if len(body.Results) != len(vectors) {
		return nil, fmt.Errorf("scorer returned %d results for %d vectors", len(body.Results), len(vectors))
	}
	if body.ModelVersion != "" {
		s.version = body.ModelVersion
	}

	return body.Results, nil
}

func (s *HTTPScorer) Version() string {
	return s.version
}

func (s *HTTPScorer) Ping(ctx context.Context) error {
	resp, err := s.client.R().SetContext(ctx).Get("/health")
	if err != nil {
		return fmt.Errorf("scorer unreachable: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("scorer health check returned status %d", resp.StatusCode())
	}
	return nil
}
