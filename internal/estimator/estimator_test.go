package estimator

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maxent/internal/model"
)

func randomCore(t *testing.T, n int, seed int64, kPairwise bool) *model.Core {
	t.Helper()
	core, err := model.NewCore(n, "test", kPairwise)
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(seed))
	core.Randomize(rng, model.GenerationParameters{HMean: 0, HWidth: 0.6, JMean: 0, JWidth: 0.3})
	if kPairwise {
		for i := range core.K() {
			core.K()[i] = 0.2 * rng.NormFloat64()
		}
	}
	return core
}

func TestSequenceBinaryMapping(t *testing.T) {
	seq := Sequence{N: 3, Ordering: OrderingBinary}
	spins := make(model.Spins, 3)
	seq.Configuration(0, spins)
	assert.Equal(t, model.Spins{1, 1, 1}, spins)
	seq.Configuration(1, spins)
	assert.Equal(t, model.Spins{1, 1, -1}, spins)
	seq.Configuration(4, spins)
	assert.Equal(t, model.Spins{-1, 1, 1}, spins)
	seq.Configuration(7, spins)
	assert.Equal(t, model.Spins{-1, -1, -1}, spins)
}

func TestSequenceGrayVisitsEveryConfigurationOnce(t *testing.T) {
	seq := Sequence{N: 5, Ordering: OrderingGray}
	seen := make(map[string]bool)
	spins := make(model.Spins, seq.N)
	seq.Configuration(0, spins)
	seen[string(toBytes(spins))] = true
	for k := uint64(1); k < seq.Len(); k++ {
		i := seq.FlipIndex(k)
		spins[i] = -spins[i]

		expected := make(model.Spins, seq.N)
		seq.Configuration(k, expected)
		require.Equal(t, expected, spins, "position %d", k)
		seen[string(toBytes(spins))] = true
	}
	assert.Len(t, seen, 32)
}

func toBytes(s model.Spins) []byte {
	out := make([]byte, len(s))
	for i, v := range s {
		out[i] = byte(v)
	}
	return out
}

func TestPartitionCoversRange(t *testing.T) {
	for _, tc := range []struct {
		total uint64
		parts int
	}{{16, 3}, {8, 8}, {4, 9}, {1024, 7}, {5, 0}} {
		ranges := Partition(tc.total, tc.parts)
		var next uint64
		for _, r := range ranges {
			if r.Start != next || r.End <= r.Start {
				t.Fatalf("total=%d parts=%d: bad range %+v", tc.total, tc.parts, r)
			}
			next = r.End
		}
		if next != tc.total {
			t.Fatalf("total=%d parts=%d: covered %d", tc.total, tc.parts, next)
		}
	}
}

func TestExactMatchesBruteForce(t *testing.T) {
	core := randomCore(t, 6, 11, false)
	snap := core.Snapshot()
	beta := 1.0

	var z float64
	m1 := make([]float64, 6)
	m2 := make([]float64, model.NumEdges(6))
	seq := Sequence{N: 6, Ordering: OrderingBinary}
	spins := make(model.Spins, 6)
	for k := uint64(0); k < seq.Len(); k++ {
		seq.Configuration(k, spins)
		w := math.Exp(-beta * snap.Energy(spins))
		z += w
		idx := 0
		for i := 0; i < 6; i++ {
			m1[i] += w * float64(spins[i])
			for j := i + 1; j < 6; j++ {
				m2[idx] += w * float64(spins[i]*spins[j])
				idx++
			}
		}
	}
	for i := range m1 {
		m1[i] /= z
	}
	for i := range m2 {
		m2[i] /= z
	}

	for _, ordering := range []Ordering{OrderingGray, OrderingBinary} {
		for _, workers := range []int{1, 3, 8} {
			est, err := NewExact(Options{Q: 1, Workers: workers, Ordering: ordering})
			require.NoError(t, err)
			res, err := est.ComputeModelAverages(context.Background(), snap, beta, true)
			require.NoError(t, err)
			assert.InDelta(t, z, res.Z, 1e-9*z, "ordering=%s workers=%d", ordering, workers)
			assert.InDeltaSlice(t, m1, res.Moments.M1, 1e-10)
			assert.InDeltaSlice(t, m2, res.Moments.M2, 1e-10)
			assert.Len(t, res.Moments.M3, model.NumTriplets(6))
			assert.Equal(t, 64, res.Samples)
		}
	}
}

func TestExactMomentsBounded(t *testing.T) {
	for seed := int64(1); seed <= 5; seed++ {
		core := randomCore(t, 7, seed, seed%2 == 0)
		est, err := NewExact(Options{Q: 1, Workers: 2})
		require.NoError(t, err)
		res, err := est.ComputeModelAverages(context.Background(), core.Snapshot(), 1, true)
		require.NoError(t, err)
		for _, vec := range [][]float64{res.Moments.M1, res.Moments.M2, res.Moments.M3} {
			for _, v := range vec {
				if v < -1-1e-12 || v > 1+1e-12 {
					t.Fatalf("seed=%d moment out of bounds: %f", seed, v)
				}
			}
		}
		var total float64
		for _, p := range res.Moments.PK {
			total += p
		}
		assert.InDelta(t, 1.0, total, 1e-12)
	}
}

func TestExactFreeSpinsHaveZeroMoments(t *testing.T) {
	core, err := model.NewCore(4, "", false)
	require.NoError(t, err)
	est, err := NewExact(Options{Q: 1, Workers: 2})
	require.NoError(t, err)
	res, err := est.ComputeModelAverages(context.Background(), core.Snapshot(), 1, true)
	require.NoError(t, err)
	assert.InDelta(t, 16.0, res.Z, 1e-12)
	assert.InDeltaSlice(t, make([]float64, 4), res.Moments.M1, 1e-12)
	assert.InDeltaSlice(t, make([]float64, 6), res.Moments.M2, 1e-12)
	assert.InDeltaSlice(t, []float64{1.0 / 16, 4.0 / 16, 6.0 / 16, 4.0 / 16, 1.0 / 16}, res.Moments.PK, 1e-12)
}

func TestExactTsallisClampsWeights(t *testing.T) {
	core := randomCore(t, 5, 4, false)
	est, err := NewExact(Options{Q: 0.5, Workers: 2})
	require.NoError(t, err)
	res, err := est.ComputeModelAverages(context.Background(), core.Snapshot(), 1, false)
	require.NoError(t, err)
	assert.Greater(t, res.Z, 0.0)
	for _, v := range res.Moments.M1 {
		assert.False(t, math.IsNaN(v))
	}
	assert.Nil(t, res.Moments.M3)
}

func TestExactTopStates(t *testing.T) {
	core := randomCore(t, 5, 9, false)
	est, err := NewExact(Options{Q: 1, Workers: 4, TopK: 3})
	require.NoError(t, err)
	res, err := est.ComputeModelAverages(context.Background(), core.Snapshot(), 1, false)
	require.NoError(t, err)
	require.Len(t, res.TopStates, 3)
	assert.GreaterOrEqual(t, res.TopStates[0].Probability, res.TopStates[1].Probability)
	assert.GreaterOrEqual(t, res.TopStates[1].Probability, res.TopStates[2].Probability)

	snap := core.Snapshot()
	best := math.Inf(1)
	seq := Sequence{N: 5, Ordering: OrderingBinary}
	spins := make(model.Spins, 5)
	for k := uint64(0); k < seq.Len(); k++ {
		seq.Configuration(k, spins)
		best = min(best, snap.Energy(spins))
	}
	assert.InDelta(t, best, res.TopStates[0].Energy, 1e-9)
	assert.InDelta(t, math.Exp(-best)/res.Z, res.TopStates[0].Probability, 1e-12)
}

func TestExactRejectsOversizedSystem(t *testing.T) {
	core, err := model.NewCore(MaxExactSpins+1, "", false)
	require.NoError(t, err)
	est, err := NewExact(Options{Q: 1})
	require.NoError(t, err)
	_, err = est.ComputeModelAverages(context.Background(), core.Snapshot(), 1, false)
	require.Error(t, err)
}

func TestExactHonorsCancellation(t *testing.T) {
	core := randomCore(t, 18, 2, false)
	est, err := NewExact(Options{Q: 1, Workers: 2})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = est.ComputeModelAverages(ctx, core.Snapshot(), 1, false)
	require.ErrorIs(t, err, context.Canceled)
}

func heatBathOptions() Options {
	return Options{
		Workers:           4,
		Seed:              7,
		StepEquilibration: 100,
		StepCorrelation:   2,
		NumSamples:        4000,
		Repetitions:       8,
	}
}

func TestHeatBathAgreesWithExact(t *testing.T) {
	for _, n := range []int{6, 12} {
		for _, kPairwise := range []bool{false, true} {
			core := randomCore(t, n, 21, kPairwise)
			snap := core.Snapshot()

			exact, err := NewExact(Options{Q: 1, Workers: 2})
			require.NoError(t, err)
			want, err := exact.ComputeModelAverages(context.Background(), snap, 1, false)
			require.NoError(t, err)

			opts := heatBathOptions()
			opts.NumSamples = 12000
			hb, err := NewHeatBath(opts)
			require.NoError(t, err)
			got, err := hb.ComputeModelAverages(context.Background(), snap, 1, false)
			require.NoError(t, err)

			assert.Equal(t, 96000, got.Samples)
			assert.InDeltaSlice(t, want.Moments.M1, got.Moments.M1, 0.02, "n=%d kPairwise=%v", n, kPairwise)
			assert.InDeltaSlice(t, want.Moments.M2, got.Moments.M2, 0.02, "n=%d kPairwise=%v", n, kPairwise)
			assert.InDeltaSlice(t, want.Moments.PK, got.Moments.PK, 0.02, "n=%d kPairwise=%v", n, kPairwise)
			assert.InDelta(t, want.AvgEnergy, got.AvgEnergy, 0.1, "n=%d kPairwise=%v", n, kPairwise)
		}
	}
}

func TestHeatBathIsReproducible(t *testing.T) {
	core := randomCore(t, 5, 5, false)
	opts := heatBathOptions()
	opts.NumSamples = 200
	first, err := NewHeatBath(opts)
	require.NoError(t, err)
	opts.Workers = 1
	second, err := NewHeatBath(opts)
	require.NoError(t, err)

	a, err := first.ComputeModelAverages(context.Background(), core.Snapshot(), 1, true)
	require.NoError(t, err)
	b, err := second.ComputeModelAverages(context.Background(), core.Snapshot(), 1, true)
	require.NoError(t, err)
	assert.Equal(t, a.Moments, b.Moments)
	require.NotNil(t, a.Replicas)
	assert.Equal(t, 1600, a.Replicas.Len())
	for i := 0; i < a.Replicas.Len(); i++ {
		require.Equal(t, a.Replicas.Row(i), b.Replicas.Row(i))
	}
}

func TestHeatBathSkipsReplicasWithoutTriplets(t *testing.T) {
	core := randomCore(t, 4, 5, false)
	opts := heatBathOptions()
	opts.NumSamples = 10
	hb, err := NewHeatBath(opts)
	require.NoError(t, err)
	res, err := hb.ComputeModelAverages(context.Background(), core.Snapshot(), 1, false)
	require.NoError(t, err)
	assert.Nil(t, res.Replicas)
	assert.Nil(t, res.Moments.M3)
}

func TestNewHeatBathValidates(t *testing.T) {
	opts := heatBathOptions()
	opts.NumSamples = 0
	_, err := NewHeatBath(opts)
	require.Error(t, err)
	opts = heatBathOptions()
	opts.Repetitions = 0
	_, err = NewHeatBath(opts)
	require.Error(t, err)
}

func TestIsFlat(t *testing.T) {
	assert.True(t, IsFlat(map[int]int{0: 100, 1: 85}, 0.8))
	assert.False(t, IsFlat(map[int]int{0: 100, 1: 50}, 0.8))
	assert.False(t, IsFlat(map[int]int{}, 0.8))
}

func wangLandauOptions() Options {
	return Options{
		Q:                 1,
		Seed:              3,
		StepEquilibration: 10000,
		StepCorrelation:   1,
		NumSamples:        40000,
		EnergyBin:         0.05,
		FlatnessThreshold: 0.8,
		LogFFinal:         1e-4,
	}
}

func TestWangLandauSingleBinHalvesEveryRound(t *testing.T) {
	core, err := model.NewCore(4, "", false)
	require.NoError(t, err)
	opts := wangLandauOptions()
	opts.StepEquilibration = 100
	wl, err := NewWangLandau(opts)
	require.NoError(t, err)
	dos, err := wl.ComputeDensityOfStates(context.Background(), core.Snapshot())
	require.NoError(t, err)
	assert.Equal(t, 14, dos.Rounds)
	assert.Len(t, dos.LogG, 1)
	assert.False(t, dos.Capped)
}

func TestWangLandauRoundCap(t *testing.T) {
	core := randomCore(t, 4, 8, false)
	opts := wangLandauOptions()
	opts.StepEquilibration = 1000
	opts.FlatnessThreshold = 0.999999
	opts.MaxRounds = 3
	wl, err := NewWangLandau(opts)
	require.NoError(t, err)
	dos, err := wl.ComputeDensityOfStates(context.Background(), core.Snapshot())
	require.NoError(t, err)
	assert.True(t, dos.Capped)
	assert.Equal(t, 3, dos.Rounds)
	assert.NotEmpty(t, dos.LogG)
}

func TestWangLandauAgreesWithExact(t *testing.T) {
	core := randomCore(t, 4, 13, false)
	snap := core.Snapshot()

	exact, err := NewExact(Options{Q: 1, Workers: 1})
	require.NoError(t, err)
	want, err := exact.ComputeModelAverages(context.Background(), snap, 1, false)
	require.NoError(t, err)

	wl, err := NewWangLandau(wangLandauOptions())
	require.NoError(t, err)
	require.NoError(t, wl.Prepare(context.Background(), snap))
	got, err := wl.ComputeModelAverages(context.Background(), snap, 1, true)
	require.NoError(t, err)

	assert.InDeltaSlice(t, want.Moments.M1, got.Moments.M1, 0.1)
	assert.InDeltaSlice(t, want.Moments.M2, got.Moments.M2, 0.1)
	assert.InDelta(t, want.AvgEnergy, got.AvgEnergy, 0.15)
	require.NotNil(t, got.Replicas)
	assert.Equal(t, got.Samples, got.Replicas.Len())
}

func TestWangLandauEmptyTableWarnsAndSkips(t *testing.T) {
	core := randomCore(t, 3, 1, false)
	wl, err := NewWangLandau(wangLandauOptions())
	require.NoError(t, err)
	wl.dos = &DensityOfStates{EnergyBin: 0.05, LogG: map[int]float64{}, Histogram: map[int]int{}}
	res, err := wl.ComputeModelAverages(context.Background(), core.Snapshot(), 1, false)
	require.NoError(t, err)
	assert.Equal(t, make([]float64, 3), res.Moments.M1)
}

func TestFromName(t *testing.T) {
	opts := DefaultOptions()
	for name, want := range map[string]string{
		"":              NameExact,
		"full_ensemble": NameExact,
		"Heat_Bath":     NameHeatBath,
		"wl":            NameWangLandau,
	} {
		est, err := FromName(name, opts)
		require.NoError(t, err, name)
		assert.Equal(t, want, est.Name())
	}
	_, err := FromName("annealing", opts)
	require.ErrorIs(t, err, ErrUnknownEstimator)
}
