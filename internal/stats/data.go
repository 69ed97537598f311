package stats

import (
	"fmt"

	"maxent/internal/model"
)

// SampleMoments computes empirical m1, m2, m3 and pK from observed
// configurations, one per row.
func SampleMoments(rows []model.Spins) (model.Moments, error) {
	if len(rows) == 0 {
		return model.Moments{}, fmt.Errorf("no samples")
	}
	n := len(rows[0])
	if n == 0 {
		return model.Moments{}, fmt.Errorf("samples have no spins")
	}
	m := model.Moments{
		M1: make([]float64, n),
		M2: make([]float64, model.NumEdges(n)),
		M3: make([]float64, model.NumTriplets(n)),
		PK: make([]float64, n+1),
	}
	for r, row := range rows {
		if len(row) != n {
			return model.Moments{}, fmt.Errorf("%w: row %d has %d spins, want %d", model.ErrShapeMismatch, r, len(row), n)
		}
		m.PK[model.PopulationCount(row)]++
		idx, t := 0, 0
		for i := 0; i < n; i++ {
			si := float64(row[i])
			m.M1[i] += si
			for j := i + 1; j < n; j++ {
				sij := si * float64(row[j])
				m.M2[idx] += sij
				idx++
				for k := j + 1; k < n; k++ {
					m.M3[t] += sij * float64(row[k])
					t++
				}
			}
		}
	}
	total := float64(len(rows))
	for _, vec := range [][]float64{m.M1, m.M2, m.M3, m.PK} {
		for i := range vec {
			vec[i] /= total
		}
	}
	return m, nil
}
