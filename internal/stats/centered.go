package stats

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"maxent/internal/model"
)

// CenteredMoments are the connected correlations derived from raw moments.
type CenteredMoments struct {
	// Covariance has 1-m1_i^2 on the diagonal and m2_ij-m1_i*m1_j elsewhere.
	Covariance *mat.SymDense
	// C2 is the upper triangle of Covariance in J order.
	C2 []float64
	// C3 is the connected third cumulant in triplet order; nil without m3.
	C3 []float64
}

func Center(n int, m1, m2, m3 []float64) (CenteredMoments, error) {
	if n <= 0 {
		return CenteredMoments{}, fmt.Errorf("nspins must be > 0")
	}
	if len(m1) != n {
		return CenteredMoments{}, fmt.Errorf("%w: m1 has %d entries, want %d", model.ErrShapeMismatch, len(m1), n)
	}
	if len(m2) != model.NumEdges(n) {
		return CenteredMoments{}, fmt.Errorf("%w: m2 has %d entries, want %d", model.ErrShapeMismatch, len(m2), model.NumEdges(n))
	}
	if len(m3) != 0 && len(m3) != model.NumTriplets(n) {
		return CenteredMoments{}, fmt.Errorf("%w: m3 has %d entries, want %d", model.ErrShapeMismatch, len(m3), model.NumTriplets(n))
	}

	cov := mat.NewSymDense(n, nil)
	c2 := make([]float64, len(m2))
	idx := 0
	for i := 0; i < n; i++ {
		cov.SetSym(i, i, 1-m1[i]*m1[i])
		for j := i + 1; j < n; j++ {
			c2[idx] = m2[idx] - m1[i]*m1[j]
			cov.SetSym(i, j, c2[idx])
			idx++
		}
	}

	out := CenteredMoments{Covariance: cov, C2: c2}
	if len(m3) == 0 {
		return out, nil
	}
	out.C3 = make([]float64, len(m3))
	t := 0
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			for k := j + 1; k < n; k++ {
				mij := m2[model.EdgeIndex(i, j, n)]
				mik := m2[model.EdgeIndex(i, k, n)]
				mjk := m2[model.EdgeIndex(j, k, n)]
				out.C3[t] = m3[t] - m1[i]*mjk - m1[j]*mik - m1[k]*mij + 2*m1[i]*m1[j]*m1[k]
				t++
			}
		}
	}
	return out, nil
}
