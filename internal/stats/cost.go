package stats

import (
	"fmt"

	"gonum.org/v1/gonum/floats"

	"maxent/internal/model"
)

type CostInput struct {
	M1Data  []float64
	M1Model []float64
	M2Data  []float64
	M2Model []float64
	PKData  []float64
	PKModel []float64
}

// Cost holds per-order relative squared residuals. Total is their sum.
type Cost struct {
	Total float64 `json:"total"`
	M1    float64 `json:"cost_m1"`
	M2    float64 `json:"cost_m2"`
	PK    float64 `json:"cost_pk,omitempty"`
	HasPK bool    `json:"-"`
}

// ComputeCost compares model moments with data moments. The population
// term is included when both pK vectors are non-empty.
func ComputeCost(in CostInput) (Cost, error) {
	m1, err := RelativeResidual(in.M1Data, in.M1Model)
	if err != nil {
		return Cost{}, fmt.Errorf("m1: %w", err)
	}
	m2, err := RelativeResidual(in.M2Data, in.M2Model)
	if err != nil {
		return Cost{}, fmt.Errorf("m2: %w", err)
	}
	cost := Cost{M1: m1, M2: m2, Total: m1 + m2}
	if len(in.PKData) > 0 && len(in.PKModel) > 0 {
		pk, err := RelativeResidual(in.PKData, in.PKModel)
		if err != nil {
			return Cost{}, fmt.Errorf("pK: %w", err)
		}
		cost.PK = pk
		cost.HasPK = true
		cost.Total += pk
	}
	return cost, nil
}

// RelativeResidual is sum (model-data)^2 / sum data^2. When the data vector
// is all zeros the plain squared residual is returned.
func RelativeResidual(data, predicted []float64) (float64, error) {
	if len(data) != len(predicted) {
		return 0, fmt.Errorf("%w: data has %d entries, model has %d", model.ErrShapeMismatch, len(data), len(predicted))
	}
	if len(data) == 0 {
		return 0, nil
	}
	residual := floats.Distance(predicted, data, 2)
	residual *= residual
	norm := floats.Dot(data, data)
	if norm == 0 {
		return residual, nil
	}
	return residual / norm, nil
}

// Converged requires both moment orders to be below their own tolerance.
func (c Cost) Converged(tolM1, tolM2 float64) bool {
	return c.M1 < tolM1 && c.M2 < tolM2
}

// ConvergedWithPK additionally requires the population term when present.
func (c Cost) ConvergedWithPK(tolM1, tolM2, tolPK float64) bool {
	if !c.Converged(tolM1, tolM2) {
		return false
	}
	return !c.HasPK || c.PK < tolPK
}
