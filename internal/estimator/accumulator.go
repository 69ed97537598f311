package estimator

import "maxent/internal/model"

// accumulator holds weighted sums for one worker. Workers never share one;
// totals are combined with merge after the workers finish.
type accumulator struct {
	n        int
	triplets bool
	weight   float64
	energy   float64
	energySq float64
	mag      float64
	count    int
	m1       []float64
	m2       []float64
	m3       []float64
	pk       []float64
}

func newAccumulator(n int, triplets bool) *accumulator {
	acc := &accumulator{
		n:        n,
		triplets: triplets,
		m1:       make([]float64, n),
		m2:       make([]float64, model.NumEdges(n)),
		pk:       make([]float64, n+1),
	}
	if triplets {
		acc.m3 = make([]float64, model.NumTriplets(n))
	}
	return acc
}

func (a *accumulator) add(s model.Spins, energy, w float64) {
	a.count++
	if w == 0 {
		return
	}
	a.weight += w
	a.energy += w * energy
	a.energySq += w * energy * energy

	up := 0
	var sum float64
	idx := 0
	for i := 0; i < a.n; i++ {
		si := float64(s[i])
		sum += si
		if s[i] > 0 {
			up++
		}
		a.m1[i] += w * si
		wi := w * si
		for j := i + 1; j < a.n; j++ {
			a.m2[idx] += wi * float64(s[j])
			idx++
		}
	}
	a.mag += w * sum / float64(a.n)
	a.pk[up] += w

	if !a.triplets {
		return
	}
	t := 0
	for i := 0; i < a.n; i++ {
		wi := w * float64(s[i])
		for j := i + 1; j < a.n; j++ {
			wij := wi * float64(s[j])
			for k := j + 1; k < a.n; k++ {
				a.m3[t] += wij * float64(s[k])
				t++
			}
		}
	}
}

func (a *accumulator) merge(b *accumulator) {
	a.count += b.count
	a.weight += b.weight
	a.energy += b.energy
	a.energySq += b.energySq
	a.mag += b.mag
	addInto(a.m1, b.m1)
	addInto(a.m2, b.m2)
	addInto(a.m3, b.m3)
	addInto(a.pk, b.pk)
}

// result divides every sum by norm. A zero norm yields zero moments.
func (a *accumulator) result(norm float64) Result {
	res := Result{
		Moments: model.Moments{
			M1: scaled(a.m1, norm),
			M2: scaled(a.m2, norm),
			PK: scaled(a.pk, norm),
		},
		Samples: a.count,
	}
	if a.triplets {
		res.Moments.M3 = scaled(a.m3, norm)
	}
	if norm != 0 {
		res.AvgEnergy = a.energy / norm
		res.AvgEnergySq = a.energySq / norm
		res.AvgMagnetization = a.mag / norm
	}
	return res
}

func addInto(dst, src []float64) {
	for i := range src {
		dst[i] += src[i]
	}
}

func scaled(in []float64, norm float64) []float64 {
	out := make([]float64, len(in))
	if norm == 0 {
		return out
	}
	for i, v := range in {
		out[i] = v / norm
	}
	return out
}
