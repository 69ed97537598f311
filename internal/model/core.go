package model

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
)

var ErrShapeMismatch = errors.New("shape mismatch")

// Spins is one configuration, every entry +1 or -1.
type Spins []int8

func NumEdges(n int) int {
	if n < 2 {
		return 0
	}
	return n * (n - 1) / 2
}

func NumTriplets(n int) int {
	if n < 3 {
		return 0
	}
	return n * (n - 1) * (n - 2) / 6
}

// EdgeIndex maps i<j to the flattened upper-triangle position of J.
func EdgeIndex(i, j, n int) int {
	if i > j {
		i, j = j, i
	}
	return i*n - i*(i+1)/2 + (j - i - 1)
}

// Core owns the parameters of a pairwise (optionally k-pairwise) model.
// Only the trainer writes to it; estimators work on Snapshots.
type Core struct {
	n         int
	runID     string
	kPairwise bool
	edges     []int
	h         []float64
	j         []float64
	k         []float64
}

func NewCore(n int, runID string, kPairwise bool) (*Core, error) {
	if n <= 0 {
		return nil, fmt.Errorf("nspins must be > 0, got %d", n)
	}
	edges := make([]int, n*n)
	for i := 0; i < n; i++ {
		edges[i*n+i] = -1
		for j := i + 1; j < n; j++ {
			idx := EdgeIndex(i, j, n)
			edges[i*n+j] = idx
			edges[j*n+i] = idx
		}
	}
	return &Core{
		n:         n,
		runID:     runID,
		kPairwise: kPairwise,
		edges:     edges,
		h:         make([]float64, n),
		j:         make([]float64, NumEdges(n)),
		k:         make([]float64, n+1),
	}, nil
}

func (c *Core) NSpins() int       { return c.n }
func (c *Core) RunID() string     { return c.runID }
func (c *Core) KPairwise() bool   { return c.kPairwise }
func (c *Core) H() []float64      { return c.h }
func (c *Core) J() []float64      { return c.j }
func (c *Core) K() []float64      { return c.k }
func (c *Core) Edge(i, j int) int { return c.edges[i*c.n+j] }

// SetParameters copies h, J and K into the core. A nil K leaves K untouched.
func (c *Core) SetParameters(h, j, k []float64) error {
	if len(h) != c.n {
		return fmt.Errorf("%w: h has %d entries, want %d", ErrShapeMismatch, len(h), c.n)
	}
	if len(j) != len(c.j) {
		return fmt.Errorf("%w: J has %d entries, want %d", ErrShapeMismatch, len(j), len(c.j))
	}
	if k != nil && len(k) != c.n+1 {
		return fmt.Errorf("%w: K has %d entries, want %d", ErrShapeMismatch, len(k), c.n+1)
	}
	copy(c.h, h)
	copy(c.j, j)
	if k != nil {
		copy(c.k, k)
	}
	return nil
}

func (c *Core) Reset() {
	clear(c.h)
	clear(c.j)
	clear(c.k)
}

type GenerationParameters struct {
	HMean  float64
	HWidth float64
	JMean  float64
	JWidth float64
}

// Randomize draws h uniformly from mean±width/2 and J from a normal
// distribution with the given mean and standard deviation.
func (c *Core) Randomize(rng *rand.Rand, p GenerationParameters) {
	for i := range c.h {
		c.h[i] = p.HMean + p.HWidth*(rng.Float64()-0.5)
	}
	for i := range c.j {
		c.j[i] = p.JMean + p.JWidth*rng.NormFloat64()
	}
	clear(c.k)
}

func (c *Core) Energy(s Spins) float64 {
	return c.Snapshot().Energy(s)
}

// Snapshot returns a read-only copy of the current parameters.
func (c *Core) Snapshot() Snapshot {
	return Snapshot{
		n:         c.n,
		kPairwise: c.kPairwise,
		edges:     c.edges,
		h:         cloneFloats(c.h),
		j:         cloneFloats(c.j),
		k:         cloneFloats(c.k),
	}
}

// Snapshot is an immutable view of a Core's parameters at one instant.
type Snapshot struct {
	n         int
	kPairwise bool
	edges     []int
	h         []float64
	j         []float64
	k         []float64
}

func (s Snapshot) NSpins() int         { return s.n }
func (s Snapshot) KPairwise() bool     { return s.kPairwise }
func (s Snapshot) Field(i int) float64 { return s.h[i] }

func (s Snapshot) Coupling(i, j int) float64 {
	idx := s.edges[i*s.n+j]
	if idx < 0 {
		return 0
	}
	return s.j[idx]
}

func (s Snapshot) Potential(k int) float64 {
	if !s.kPairwise {
		return 0
	}
	return s.k[k]
}

// Energy is -(sum h_i s_i + sum_{i<j} J_ij s_i s_j [+ K(k)]).
func (s Snapshot) Energy(spins Spins) float64 {
	var e float64
	idx := 0
	for i := 0; i < s.n; i++ {
		si := float64(spins[i])
		e += s.h[i] * si
		for j := i + 1; j < s.n; j++ {
			e += s.j[idx] * si * float64(spins[j])
			idx++
		}
	}
	if s.kPairwise {
		e += s.k[PopulationCount(spins)]
	}
	return -e
}

// LocalField is h_i + sum_{j!=i} J_ij s_j.
func (s Snapshot) LocalField(i int, spins Spins) float64 {
	field := s.h[i]
	row := s.edges[i*s.n : (i+1)*s.n]
	for j, idx := range row {
		if idx < 0 {
			continue
		}
		field += s.j[idx] * float64(spins[j])
	}
	return field
}

// FlipDelta is E(s with s_i flipped) - E(s).
func (s Snapshot) FlipDelta(i int, spins Spins) float64 {
	si := float64(spins[i])
	delta := 2 * si * s.LocalField(i, spins)
	if s.kPairwise {
		k := PopulationCount(spins)
		next := k - 1
		if spins[i] < 0 {
			next = k + 1
		}
		delta += s.k[k] - s.k[next]
	}
	return delta
}

func PopulationCount(spins Spins) int {
	k := 0
	for _, v := range spins {
		if v > 0 {
			k++
		}
	}
	return k
}

func Magnetization(spins Spins) float64 {
	if len(spins) == 0 {
		return 0
	}
	var sum int
	for _, v := range spins {
		sum += int(v)
	}
	return float64(sum) / float64(len(spins))
}

// ExpQ is the Tsallis q-exponential, clamped to 0 outside its domain.
func ExpQ(x, q float64) float64 {
	if q == 1 {
		return math.Exp(x)
	}
	base := 1 + (1-q)*x
	if base <= 0 {
		return 0
	}
	return math.Pow(base, 1/(1-q))
}
