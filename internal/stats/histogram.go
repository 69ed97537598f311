package stats

import (
	"fmt"
	"sort"

	"maxent/internal/model"
)

const DefaultOverlapDelta = 2.0

type Histogram struct {
	Centers []float64 `json:"centers"`
	Density []float64 `json:"density"`
}

// Peak returns the centre of the highest bin, or 0 for an empty histogram.
func (h Histogram) Peak() float64 {
	best, at := -1.0, 0.0
	for i, d := range h.Density {
		if d > best {
			best, at = d, h.Centers[i]
		}
	}
	return at
}

// OverlapHistogram bins the dot products of every distinct pair of rows with
// width delta and normalizes to unit area on the overlap axis, where a bin
// spans delta/n.
func OverlapHistogram(rows []model.Spins, delta float64) (Histogram, error) {
	if delta <= 0 {
		return Histogram{}, fmt.Errorf("histogram delta must be > 0")
	}
	if len(rows) < 2 {
		return Histogram{}, nil
	}
	n := len(rows[0])
	counts := make(map[int]float64)
	for a := 0; a < len(rows); a++ {
		if len(rows[a]) != n {
			return Histogram{}, fmt.Errorf("%w: row %d has %d spins, want %d", model.ErrShapeMismatch, a, len(rows[a]), n)
		}
		for b := a + 1; b < len(rows); b++ {
			if len(rows[b]) != n {
				return Histogram{}, fmt.Errorf("%w: row %d has %d spins, want %d", model.ErrShapeMismatch, b, len(rows[b]), n)
			}
			dot := 0
			for i := 0; i < n; i++ {
				dot += int(rows[a][i]) * int(rows[b][i])
			}
			counts[int(float64(dot)/delta)]++
		}
	}

	width := delta / float64(n)
	var area float64
	keys := make([]int, 0, len(counts))
	for bin, count := range counts {
		area += count * width
		keys = append(keys, bin)
	}
	sort.Ints(keys)

	out := Histogram{
		Centers: make([]float64, 0, len(keys)),
		Density: make([]float64, 0, len(keys)),
	}
	for _, bin := range keys {
		out.Centers = append(out.Centers, float64(bin)*width)
		out.Density = append(out.Density, counts[bin]/area)
	}
	return out, nil
}
