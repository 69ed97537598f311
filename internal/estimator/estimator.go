package estimator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"maxent/internal/model"
)

var ErrUnknownEstimator = errors.New("unknown estimator")

// Estimator computes model-predicted moments for a parameter snapshot.
type Estimator interface {
	Name() string
	ComputeModelAverages(ctx context.Context, snap model.Snapshot, beta float64, triplets bool) (Result, error)
}

// Preparer is implemented by estimators that must rebuild state whenever
// the parameters change, before averages can be computed.
type Preparer interface {
	Prepare(ctx context.Context, snap model.Snapshot) error
}

type Result struct {
	Moments          model.Moments
	AvgEnergy        float64
	AvgEnergySq      float64
	AvgMagnetization float64
	// Z is the partition sum; only the exact estimator sets it.
	Z         float64
	Samples   int
	Replicas  *Ensemble
	TopStates []State
}

// Options configures every estimator; each variant reads the fields it needs.
type Options struct {
	Q                 float64
	Workers           int
	Seed              int64
	StepEquilibration int
	StepCorrelation   int
	NumSamples        int
	Repetitions       int
	EnergyBin         float64
	FlatnessThreshold float64
	LogFFinal         float64
	MaxRounds         int
	Ordering          Ordering
	TopK              int
	Logger            *slog.Logger
}

func DefaultOptions() Options {
	return Options{
		Q:                 1,
		Workers:           DefaultWorkers(),
		Seed:              1,
		StepEquilibration: 1000,
		StepCorrelation:   10,
		NumSamples:        1000,
		Repetitions:       4,
		EnergyBin:         0.1,
		FlatnessThreshold: 0.8,
		LogFFinal:         1e-4,
		MaxRounds:         DefaultMaxRounds,
		Ordering:          OrderingGray,
	}
}

func (o Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

func (o Options) workers() int {
	if o.Workers <= 0 {
		return DefaultWorkers()
	}
	return o.Workers
}

func (o Options) validateSampling() error {
	if o.NumSamples <= 0 {
		return fmt.Errorf("num_samples must be > 0")
	}
	if o.StepCorrelation <= 0 {
		return fmt.Errorf("step_correlation must be > 0")
	}
	if o.StepEquilibration < 0 {
		return fmt.Errorf("step_equilibration must be >= 0")
	}
	return nil
}

const (
	NameExact      = "exact"
	NameHeatBath   = "heat_bath"
	NameWangLandau = "wang_landau"
)

func NormalizeName(name string) string {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "exact", "full", "full_ensemble", "enumeration":
		return NameExact
	case "heat_bath", "heatbath", "gibbs", "mc":
		return NameHeatBath
	case "wang_landau", "wanglandau", "wl":
		return NameWangLandau
	default:
		return strings.ToLower(strings.TrimSpace(name))
	}
}

func FromName(name string, opts Options) (Estimator, error) {
	switch NormalizeName(name) {
	case NameExact:
		return NewExact(opts)
	case NameHeatBath:
		return NewHeatBath(opts)
	case NameWangLandau:
		return NewWangLandau(opts)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEstimator, name)
	}
}

// State is one configuration with its probability under the model.
type State struct {
	Spins       model.Spins `json:"spins"`
	Energy      float64     `json:"energy"`
	Probability float64     `json:"probability"`
}

// Ensemble is a row-major matrix of sampled configurations.
type Ensemble struct {
	nspins int
	data   []int8
}

func NewEnsemble(nspins, rows int) *Ensemble {
	return &Ensemble{nspins: nspins, data: make([]int8, nspins*rows)}
}

func (e *Ensemble) NSpins() int { return e.nspins }

func (e *Ensemble) Len() int {
	if e == nil || e.nspins == 0 {
		return 0
	}
	return len(e.data) / e.nspins
}

func (e *Ensemble) Row(i int) model.Spins {
	return model.Spins(e.data[i*e.nspins : (i+1)*e.nspins])
}

func (e *Ensemble) setRow(i int, s model.Spins) {
	copy(e.data[i*e.nspins:(i+1)*e.nspins], s)
}

func (e *Ensemble) truncate(rows int) {
	e.data = e.data[:rows*e.nspins]
}
