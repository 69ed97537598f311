package estimator

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"

	"github.com/dustin/go-humanize"
	"gonum.org/v1/gonum/floats"

	"maxent/internal/model"
)

const (
	// DefaultMaxRounds caps the flatness loop.
	DefaultMaxRounds = 10000
	// stallFactor bounds reweighting proposals at stallFactor*num_samples*step_correlation.
	stallFactor = 100
)

// DensityOfStates is a log g(E) table over energy bins round(E/EnergyBin).
type DensityOfStates struct {
	EnergyBin float64
	LogG      map[int]float64
	Histogram map[int]int
	LogF      float64
	Rounds    int
	Capped    bool
}

func (d *DensityOfStates) Bin(energy float64) int {
	return int(math.Round(energy / d.EnergyBin))
}

// IsFlat reports whether min(H) > threshold*max(H) over visited bins.
func IsFlat(histogram map[int]int, threshold float64) bool {
	if len(histogram) == 0 {
		return false
	}
	lo, hi := math.MaxInt, 0
	for _, count := range histogram {
		lo = min(lo, count)
		hi = max(hi, count)
	}
	if hi == 0 {
		return false
	}
	return float64(lo) > threshold*float64(hi)
}

// WangLandau estimates g(E) with a flat-histogram random walk and reweights
// a g-biased walk into canonical averages.
type WangLandau struct {
	opts Options
	dos  *DensityOfStates
}

func NewWangLandau(opts Options) (*WangLandau, error) {
	if err := opts.validateSampling(); err != nil {
		return nil, err
	}
	if opts.EnergyBin <= 0 {
		return nil, fmt.Errorf("energy_bin must be > 0")
	}
	if opts.FlatnessThreshold <= 0 || opts.FlatnessThreshold >= 1 {
		return nil, fmt.Errorf("flatness_threshold must be in (0,1)")
	}
	if opts.LogFFinal <= 0 {
		return nil, fmt.Errorf("log_f_final must be > 0")
	}
	if opts.StepEquilibration <= 0 {
		return nil, fmt.Errorf("step_equilibration must be > 0 for wang-landau")
	}
	if opts.MaxRounds <= 0 {
		opts.MaxRounds = DefaultMaxRounds
	}
	if opts.Q == 0 {
		opts.Q = 1
	}
	return &WangLandau{opts: opts}, nil
}

func (w *WangLandau) Name() string { return NameWangLandau }

// Prepare discards the previous table and rebuilds g(E) for snap.
func (w *WangLandau) Prepare(ctx context.Context, snap model.Snapshot) error {
	w.dos = nil
	dos, err := w.ComputeDensityOfStates(ctx, snap)
	if err != nil {
		return err
	}
	w.dos = dos
	return nil
}

func (w *WangLandau) DensityOfStates() *DensityOfStates { return w.dos }

func (w *WangLandau) ComputeDensityOfStates(ctx context.Context, snap model.Snapshot) (*DensityOfStates, error) {
	n := snap.NSpins()
	rng := rand.New(rand.NewSource(w.opts.Seed))
	dos := &DensityOfStates{
		EnergyBin: w.opts.EnergyBin,
		LogG:      make(map[int]float64),
		Histogram: make(map[int]int),
		LogF:      1,
	}
	spins := make(model.Spins, n)
	for i := range spins {
		spins[i] = 1
	}
	logger := w.opts.logger()

	for dos.LogF > w.opts.LogFFinal {
		if dos.Rounds >= w.opts.MaxRounds {
			dos.Capped = true
			logger.Warn("wang-landau flatness not reached within round cap",
				slog.Int("rounds", dos.Rounds),
				slog.Float64("log_f", dos.LogF),
				slog.Int("bins", len(dos.LogG)),
			)
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		energy := snap.Energy(spins)
		bin := dos.Bin(energy)
		for step := 0; step < w.opts.StepEquilibration; step++ {
			i := rng.Intn(n)
			trial := energy + snap.FlipDelta(i, spins)
			trialBin := dos.Bin(trial)
			if acceptLog(dos.LogG[bin]-dos.LogG[trialBin], rng) {
				spins[i] = -spins[i]
				energy = trial
				bin = trialBin
			}
			dos.LogG[bin] += dos.LogF
			dos.Histogram[bin]++
		}
		dos.Rounds++
		if IsFlat(dos.Histogram, w.opts.FlatnessThreshold) {
			dos.LogF /= 2
			clear(dos.Histogram)
		}
	}
	logger.Debug("density of states built",
		slog.Int("rounds", dos.Rounds),
		slog.Int("bins", len(dos.LogG)),
		slog.Float64("log_f", dos.LogF),
	)
	return dos, nil
}

// ComputeModelAverages reweights a g-biased walk. A sample s drawn with
// probability proportional to 1/g(E(s)) carries log-weight -beta*E + log g(E).
func (w *WangLandau) ComputeModelAverages(ctx context.Context, snap model.Snapshot, beta float64, triplets bool) (Result, error) {
	if w.dos == nil {
		if err := w.Prepare(ctx, snap); err != nil {
			return Result{}, err
		}
	}
	n := snap.NSpins()
	dos := w.dos
	logger := w.opts.logger()
	if len(dos.LogG) == 0 {
		logger.Warn("empty density of states; skipping reweighting")
		return newAccumulator(n, triplets).result(0), nil
	}

	rng := rand.New(rand.NewSource(w.opts.Seed + 1))
	spins := make(model.Spins, n)
	for i := range spins {
		spins[i] = 1
	}
	energy := snap.Energy(spins)
	bin := dos.Bin(energy)

	want := w.opts.NumSamples
	configs := NewEnsemble(n, want)
	energies := make([]float64, 0, want)
	logw := make([]float64, 0, want)
	limit := w.opts.StepEquilibration + stallFactor*want*w.opts.StepCorrelation
	skipped := 0
	for step := 1; len(logw) < want; step++ {
		if step > limit {
			logger.Warn("wang-landau reweighting walk stalled",
				slog.Int("collected", len(logw)),
				slog.Int("wanted", want),
				slog.Int("skipped", skipped),
			)
			break
		}
		if step&ctxCheckMask == 0 {
			if err := ctx.Err(); err != nil {
				return Result{}, err
			}
		}
		i := rng.Intn(n)
		trial := energy + snap.FlipDelta(i, spins)
		trialBin := dos.Bin(trial)
		if trialLogG, ok := dos.LogG[trialBin]; !ok {
			skipped++
		} else if acceptLog(dos.LogG[bin]-trialLogG, rng) {
			spins[i] = -spins[i]
			energy = trial
			bin = trialBin
		}
		if step <= w.opts.StepEquilibration || step%w.opts.StepCorrelation != 0 {
			continue
		}
		lb := logBoltzmann(-beta*energy, w.opts.Q)
		if math.IsInf(lb, -1) {
			continue
		}
		configs.setRow(len(logw), spins)
		energies = append(energies, energy)
		logw = append(logw, lb+dos.LogG[bin])
	}
	configs.truncate(len(logw))

	acc := newAccumulator(n, triplets)
	if len(logw) == 0 {
		logger.Warn("no reweighting samples retained")
		return acc.result(0), nil
	}
	logZ := floats.LogSumExp(logw)
	for k, lw := range logw {
		acc.add(configs.Row(k), energies[k], math.Exp(lw-logZ))
	}
	res := acc.result(acc.weight)
	if triplets {
		res.Replicas = configs
	}
	logger.Debug("wang-landau reweighting finished",
		slog.String("samples", humanize.Comma(int64(len(logw)))),
		slog.Int("skipped", skipped),
	)
	return res, nil
}

// acceptLog accepts with probability min(1, exp(logRatio)).
func acceptLog(logRatio float64, rng *rand.Rand) bool {
	if logRatio >= 0 {
		return true
	}
	return rng.Float64() < math.Exp(logRatio)
}

func logBoltzmann(x, q float64) float64 {
	if q == 1 {
		return x
	}
	v := model.ExpQ(x, q)
	if v <= 0 {
		return math.Inf(-1)
	}
	return math.Log(v)
}
