package model

import (
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnergyFixture(t *testing.T) {
	core, err := NewCore(3, "fixture", false)
	require.NoError(t, err)
	require.NoError(t, core.SetParameters([]float64{0.5, -0.3, 0.1}, []float64{1.0, 0.5, -0.8}, nil))

	assert.InDelta(t, -1.2, core.Energy(Spins{1, -1, 1}), 1e-12)
}

func TestEnergyIncludesPopulationPotential(t *testing.T) {
	core, err := NewCore(3, "k", true)
	require.NoError(t, err)
	require.NoError(t, core.SetParameters([]float64{0.5, -0.3, 0.1}, []float64{1.0, 0.5, -0.8}, []float64{0, 0, 0.25, 0}))

	assert.InDelta(t, -1.45, core.Energy(Spins{1, -1, 1}), 1e-12)
}

func TestEdgeIndexInvariant(t *testing.T) {
	for n := 1; n <= 9; n++ {
		core, err := NewCore(n, "", false)
		require.NoError(t, err)
		seen := make(map[int]bool)
		for i := 0; i < n; i++ {
			if core.Edge(i, i) != -1 {
				t.Fatalf("n=%d expected -1 on diagonal, got=%d", n, core.Edge(i, i))
			}
			for j := 0; j < n; j++ {
				if core.Edge(i, j) != core.Edge(j, i) {
					t.Fatalf("n=%d edge (%d,%d) not symmetric", n, i, j)
				}
				if i < j {
					seen[core.Edge(i, j)] = true
				}
			}
		}
		if len(seen) != NumEdges(n) {
			t.Fatalf("n=%d expected %d distinct edges, got=%d", n, NumEdges(n), len(seen))
		}
		for idx := range seen {
			if idx < 0 || idx >= NumEdges(n) {
				t.Fatalf("n=%d edge index out of range: %d", n, idx)
			}
		}
	}
}

func TestSizes(t *testing.T) {
	assert.Equal(t, 0, NumEdges(1))
	assert.Equal(t, 45, NumEdges(10))
	assert.Equal(t, 0, NumTriplets(2))
	assert.Equal(t, 120, NumTriplets(10))
}

func TestNewCoreRejectsEmpty(t *testing.T) {
	_, err := NewCore(0, "", false)
	require.Error(t, err)
}

func TestSetParametersShapeMismatch(t *testing.T) {
	core, err := NewCore(4, "", false)
	require.NoError(t, err)
	err = core.SetParameters(make([]float64, 4), make([]float64, 5), nil)
	require.True(t, errors.Is(err, ErrShapeMismatch))
	err = core.SetParameters(make([]float64, 3), make([]float64, 6), nil)
	require.ErrorIs(t, err, ErrShapeMismatch)
	err = core.SetParameters(make([]float64, 4), make([]float64, 6), make([]float64, 4))
	require.ErrorIs(t, err, ErrShapeMismatch)
}

func TestFlipDeltaMatchesEnergyDifference(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for _, kPairwise := range []bool{false, true} {
		core, err := NewCore(6, "", kPairwise)
		require.NoError(t, err)
		core.Randomize(rng, GenerationParameters{HWidth: 1, JWidth: 0.5})
		for i := range core.K() {
			core.K()[i] = rng.NormFloat64()
		}
		snap := core.Snapshot()
		spins := Spins{1, -1, -1, 1, 1, -1}
		for i := range spins {
			before := snap.Energy(spins)
			delta := snap.FlipDelta(i, spins)
			spins[i] = -spins[i]
			after := snap.Energy(spins)
			spins[i] = -spins[i]
			assert.InDelta(t, after-before, delta, 1e-9, "kPairwise=%v spin=%d", kPairwise, i)
		}
	}
}

func TestSnapshotIsDetached(t *testing.T) {
	core, err := NewCore(2, "", false)
	require.NoError(t, err)
	snap := core.Snapshot()
	core.H()[0] = 3
	assert.Equal(t, 0.0, snap.Field(0))
	assert.Equal(t, 3.0, core.Snapshot().Field(0))
}

func TestExpQ(t *testing.T) {
	assert.InDelta(t, math.Exp(-0.7), ExpQ(-0.7, 1), 1e-15)
	assert.InDelta(t, math.Pow(1+0.5*0.4, 2), ExpQ(0.4, 0.5), 1e-12)
	assert.Equal(t, 0.0, ExpQ(-3, 0.5))
	assert.Equal(t, 0.0, ExpQ(-2, 0.5))
}

func TestRandomizeWithinWidth(t *testing.T) {
	core, err := NewCore(20, "", false)
	require.NoError(t, err)
	core.Randomize(rand.New(rand.NewSource(1)), GenerationParameters{HMean: 0.2, HWidth: 0.4, JMean: 0, JWidth: 0.1})
	for _, h := range core.H() {
		if h < 0 || h > 0.4 {
			t.Fatalf("expected h within [0, 0.4], got=%f", h)
		}
	}
}

func TestModelFileNSpins(t *testing.T) {
	file := ModelFile{H: []float64{0, 0}}
	n, err := file.NSpins()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	file.RunParameters = json.RawMessage(`{"nspins": 5, "beta": 1}`)
	n, err = file.NSpins()
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	file.RunParameters = json.RawMessage(`[`)
	_, err = file.NSpins()
	require.Error(t, err)
}

func TestMomentsValidate(t *testing.T) {
	m := Moments{M1: make([]float64, 4), M2: make([]float64, 6)}
	require.NoError(t, m.Validate(4))
	m.M3 = make([]float64, 3)
	require.ErrorIs(t, m.Validate(4), ErrShapeMismatch)
	m.M3 = make([]float64, 4)
	m.PK = make([]float64, 4)
	require.ErrorIs(t, m.Validate(4), ErrShapeMismatch)
}
