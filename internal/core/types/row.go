package types

import (
	"fmt"
	"math"
)

// Row is one input record of a bulk job. Rows are transient: they live for
// the duration of chunk processing and are only ever persisted as derived
// Prediction records.
type Row struct {
	Symbol   string             `json:"symbol"`
	Period   string             `json:"period"`
	Features map[string]float64 `json:"features"`
}

// FeatureNames fixes the shape and order of the feature vector sent to the
// scorer. Order matters: scores come back positionally.
var FeatureNames = []string{
	"revenue",
	"net_income",
	"total_assets",
	"total_liabilities",
	"operating_cash_flow",
	"current_ratio",
	"debt_to_equity",
}

var mandatoryFeatures = []string{"revenue", "total_assets", "total_liabilities"}

func (r Row) Validate() error {
	if r.Symbol == "" {
		return fmt.Errorf("missing symbol")
	}
	if r.Period == "" {
		return fmt.Errorf("missing period")
	}
	for _, name := range mandatoryFeatures {
		if _, ok := r.Features[name]; !ok {
			return fmt.Errorf("missing mandatory feature %q", name)
		}
	}
	for name, value := range r.Features {
		if math.IsNaN(value) || math.IsInf(value, 0) {
			return fmt.Errorf("feature %q is not a finite number", name)
		}
	}
	return nil
}

// Vector returns the ordered feature vector. Missing optional features are
// zero filled; Validate must have passed first.
func (r Row) Vector() []float64 {
	vec := make([]float64, len(FeatureNames))
	for i, name := range FeatureNames {
		vec[i] = r.Features[name]
	}
	return vec
}
