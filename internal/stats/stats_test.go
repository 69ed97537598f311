package stats

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maxent/internal/estimator"
	"maxent/internal/model"
)

func TestConvergedIsConjunctive(t *testing.T) {
	if (Cost{M1: 0.0009, M2: 0.0011}).Converged(0.001, 0.001) {
		t.Fatal("expected no convergence when cost_m2 exceeds its tolerance")
	}
	if !(Cost{M1: 0.0005, M2: 0.0005}).Converged(0.001, 0.001) {
		t.Fatal("expected convergence when both costs are below tolerance")
	}
	withPK := Cost{M1: 0.0005, M2: 0.0005, PK: 0.01, HasPK: true}
	assert.False(t, withPK.ConvergedWithPK(0.001, 0.001, 0.001))
	assert.True(t, withPK.ConvergedWithPK(0.001, 0.001, 0.1))
	assert.True(t, Cost{M1: 0.0005, M2: 0.0005}.ConvergedWithPK(0.001, 0.001, 0))
}

func TestComputeCost(t *testing.T) {
	cost, err := ComputeCost(CostInput{
		M1Data:  []float64{0.5, -0.5},
		M1Model: []float64{0.4, -0.5},
		M2Data:  []float64{0.2},
		M2Model: []float64{0.1},
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.01/0.5, cost.M1, 1e-12)
	assert.InDelta(t, 0.01/0.04, cost.M2, 1e-12)
	assert.False(t, cost.HasPK)
	assert.InDelta(t, cost.M1+cost.M2, cost.Total, 1e-12)

	cost, err = ComputeCost(CostInput{
		M1Data: []float64{0}, M1Model: []float64{0.1},
		PKData: []float64{0.5, 0.5}, PKModel: []float64{0.25, 0.75},
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.01, cost.M1, 1e-12)
	assert.True(t, cost.HasPK)
	assert.InDelta(t, 0.125/0.5, cost.PK, 1e-12)
}

func TestComputeCostShapeMismatch(t *testing.T) {
	_, err := ComputeCost(CostInput{M1Data: []float64{1, 2}, M1Model: []float64{1}})
	require.ErrorIs(t, err, model.ErrShapeMismatch)
}

func TestCenter(t *testing.T) {
	m1 := []float64{0.2, -0.4, 0.6}
	m2 := []float64{0.1, 0.3, -0.2}
	m3 := []float64{0.05}
	c, err := Center(3, m1, m2, m3)
	require.NoError(t, err)

	assert.InDelta(t, 1-0.04, c.Covariance.At(0, 0), 1e-12)
	assert.InDelta(t, 0.1-0.2*-0.4, c.Covariance.At(0, 1), 1e-12)
	assert.InDelta(t, c.Covariance.At(0, 1), c.Covariance.At(1, 0), 0)
	assert.InDelta(t, -0.2-(-0.4*0.6), c.C2[2], 1e-12)

	want := 0.05 - 0.2*-0.2 - (-0.4)*0.3 - 0.6*0.1 + 2*0.2*-0.4*0.6
	require.Len(t, c.C3, 1)
	assert.InDelta(t, want, c.C3[0], 1e-12)
}

func TestCenterIndependentSpinsHaveNoConnectedCorrelation(t *testing.T) {
	m1 := []float64{0.3, -0.1, 0.5, 0.2}
	m2 := make([]float64, model.NumEdges(4))
	m3 := make([]float64, model.NumTriplets(4))
	idx, tri := 0, 0
	for i := 0; i < 4; i++ {
		for j := i + 1; j < 4; j++ {
			m2[idx] = m1[i] * m1[j]
			idx++
			for k := j + 1; k < 4; k++ {
				m3[tri] = m1[i] * m1[j] * m1[k]
				tri++
			}
		}
	}
	c, err := Center(4, m1, m2, m3)
	require.NoError(t, err)
	assert.InDeltaSlice(t, make([]float64, len(m2)), c.C2, 1e-12)
	assert.InDeltaSlice(t, make([]float64, len(m3)), c.C3, 1e-12)
}

func TestCenterRejectsBadShapes(t *testing.T) {
	_, err := Center(3, []float64{0, 0}, []float64{0, 0, 0}, nil)
	require.ErrorIs(t, err, model.ErrShapeMismatch)
	_, err = Center(3, []float64{0, 0, 0}, []float64{0, 0}, nil)
	require.ErrorIs(t, err, model.ErrShapeMismatch)
	_, err = Center(3, []float64{0, 0, 0}, []float64{0, 0, 0}, []float64{0, 0})
	require.ErrorIs(t, err, model.ErrShapeMismatch)
}

func TestSampleMoments(t *testing.T) {
	rows := []model.Spins{
		{1, 1, -1},
		{1, -1, -1},
		{-1, 1, 1},
		{1, 1, 1},
	}
	m, err := SampleMoments(rows)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.5, 0.5, 0}, m.M1, 1e-12)
	// pairs (0,1), (0,2), (1,2)
	assert.InDeltaSlice(t, []float64{0, -0.5, 0.5}, m.M2, 1e-12)
	assert.InDeltaSlice(t, []float64{0}, m.M3, 1e-12)
	assert.InDeltaSlice(t, []float64{0, 1.0 / 4, 2.0 / 4, 1.0 / 4}, m.PK, 1e-12)

	_, err = SampleMoments([]model.Spins{{1, 1}, {1}})
	require.ErrorIs(t, err, model.ErrShapeMismatch)
	_, err = SampleMoments(nil)
	require.Error(t, err)
}

func TestOverlapHistogram(t *testing.T) {
	rows := []model.Spins{
		{1, 1, 1, 1},
		{1, 1, 1, 1},
		{-1, -1, -1, -1},
	}
	h, err := OverlapHistogram(rows, DefaultOverlapDelta)
	require.NoError(t, err)
	assert.Equal(t, []float64{-1, 1}, h.Centers)

	var area float64
	for _, d := range h.Density {
		area += d * DefaultOverlapDelta / 4
	}
	assert.InDelta(t, 1.0, area, 1e-12)
	assert.Greater(t, h.Density[0], h.Density[1])
	assert.Equal(t, -1.0, h.Peak())

	empty, err := OverlapHistogram(rows[:1], DefaultOverlapDelta)
	require.NoError(t, err)
	assert.Empty(t, empty.Centers)

	_, err = OverlapHistogram(rows, 0)
	require.Error(t, err)
}

func TestNewThermoPoint(t *testing.T) {
	p := NewThermoPoint(2, -1, 1.5, 0.25)
	assert.Equal(t, 0.5, p.Beta)
	assert.InDelta(t, 0.125, p.SpecificHeat, 1e-12)
}

func TestRunIndexOrdering(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, AppendRunIndex(dir, RunIndexEntry{RunID: "a", CreatedAtUTC: "2026-01-01T00:00:00Z"}))
	require.NoError(t, AppendRunIndex(dir, RunIndexEntry{RunID: "b", CreatedAtUTC: "2026-01-02T00:00:00Z"}))
	require.NoError(t, AppendRunIndex(dir, RunIndexEntry{RunID: "a", Status: "converged", CreatedAtUTC: "2026-01-03T00:00:00Z"}))

	index, err := ListRunIndex(dir)
	require.NoError(t, err)
	require.Len(t, index, 2)
	assert.Equal(t, "a", index[0].RunID)
	assert.Equal(t, "converged", index[0].Status)
	assert.Equal(t, "b", index[1].RunID)

	require.Error(t, AppendRunIndex(dir, RunIndexEntry{}))
}

func TestListRunIndexMissing(t *testing.T) {
	index, err := ListRunIndex(filepath.Join(t.TempDir(), "none"))
	require.NoError(t, err)
	assert.Empty(t, index)
}

func TestWriteAndExportRunArtifacts(t *testing.T) {
	baseDir := t.TempDir()
	outDir := filepath.Join(t.TempDir(), "exports")
	history := []model.CostSample{
		{Iter: 1, Total: 0.5, M1: 0.2, M2: 0.3, EtaH: 0.1, EtaJ: 0.1, Millis: 4},
		{Iter: 2, Total: 0.25, M1: 0.1, M2: 0.15, EtaH: 0.09, EtaJ: 0.08, Millis: 9},
	}
	runDir, err := WriteRunArtifacts(baseDir, RunArtifacts{
		Config:      json.RawMessage(`{"nspins":3}`),
		Summary:     RunSummary{RunID: "run-1", RunType: "full_ensemble", NSpins: 3, Status: "converged", Iterations: 2},
		CostHistory: history,
	})
	require.NoError(t, err)
	for _, file := range []string{configFile, summaryFile, costHistoryFile} {
		if _, err := os.Stat(filepath.Join(runDir, file)); err != nil {
			t.Fatalf("expected file %s: %v", file, err)
		}
	}

	got, ok, err := ReadCostHistory(filepath.Join(runDir, costHistoryFile))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, history, got)

	summary, ok, err := ReadRunSummary(baseDir, "run-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "converged", summary.Status)

	exported, err := ExportRunArtifacts(baseDir, "run-1", outDir)
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(exported, summaryFile))
	require.NoError(t, err)

	_, err = WriteRunArtifacts(baseDir, RunArtifacts{})
	require.Error(t, err)
}

func TestWriteSweepOutputs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteThermoSweep(filepath.Join(dir, "tdep.csv"), []ThermoPoint{NewThermoPoint(1, -2, 5, 0.1)}))
	require.NoError(t, WriteHistogram(filepath.Join(dir, "hist.csv"), Histogram{Centers: []float64{0}, Density: []float64{1}}))
	require.NoError(t, WriteTopStates(filepath.Join(dir, "top.csv"), 2, []estimator.State{{Spins: model.Spins{1, -1}, Energy: -1, Probability: 0.5}}))

	data, err := os.ReadFile(filepath.Join(dir, "top.csv"))
	require.NoError(t, err)
	assert.Equal(t, "prob,energy,s01,s02\n0.5,-1,1,-1\n", string(data))

	data, err = os.ReadFile(filepath.Join(dir, "tdep.csv"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "T,beta,energy,energy_sq,specific_heat,magnetization,q_max\n1,1,-2,5,1,0.1,0\n")
	assert.False(t, math.IsNaN(NewThermoPoint(1, 0, 0, 0).SpecificHeat))
}
