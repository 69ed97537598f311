package estimator

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"maxent/internal/model"
)

// HeatBath estimates moments from independent Gibbs-sampling replicas.
// Replica r is seeded with Seed+r and starts from all spins down.
type HeatBath struct {
	opts Options
}

func NewHeatBath(opts Options) (*HeatBath, error) {
	if err := opts.validateSampling(); err != nil {
		return nil, err
	}
	if opts.Repetitions <= 0 {
		return nil, fmt.Errorf("number_repetitions must be > 0")
	}
	return &HeatBath{opts: opts}, nil
}

func (hb *HeatBath) Name() string { return NameHeatBath }

func (hb *HeatBath) ComputeModelAverages(ctx context.Context, snap model.Snapshot, beta float64, triplets bool) (Result, error) {
	n := snap.NSpins()
	reps := hb.opts.Repetitions
	perChain := hb.opts.NumSamples

	var replicas *Ensemble
	if triplets {
		replicas = NewEnsemble(n, reps*perChain)
	}
	accs := make([]*accumulator, reps)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(hb.opts.workers())
	for r := 0; r < reps; r++ {
		g.Go(func() error {
			acc, err := hb.runChain(gctx, snap, beta, triplets, r, replicas)
			if err != nil {
				return err
			}
			accs[r] = acc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	total := newAccumulator(n, triplets)
	for _, acc := range accs {
		total.merge(acc)
	}
	res := total.result(float64(total.count))
	res.Replicas = replicas
	hb.opts.logger().Debug("heat-bath sampling finished",
		slog.Int("replicas", reps),
		slog.String("samples", humanize.Comma(int64(total.count))),
	)
	return res, nil
}

// runChain owns its accumulator and writes only its own rows of replicas.
func (hb *HeatBath) runChain(ctx context.Context, snap model.Snapshot, beta float64, triplets bool, replica int, replicas *Ensemble) (*accumulator, error) {
	n := snap.NSpins()
	rng := rand.New(rand.NewSource(hb.opts.Seed + int64(replica)))
	spins := make(model.Spins, n)
	for i := range spins {
		spins[i] = -1
	}
	up := 0

	acc := newAccumulator(n, triplets)
	offset := replica * hb.opts.NumSamples
	collected := 0
	for sweep := 1; collected < hb.opts.NumSamples; sweep++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		up = sweepHeatBath(snap, beta, spins, up, rng)
		if sweep <= hb.opts.StepEquilibration || (sweep-hb.opts.StepEquilibration)%hb.opts.StepCorrelation != 0 {
			continue
		}
		acc.add(spins, snap.Energy(spins), 1)
		if replicas != nil {
			replicas.setRow(offset+collected, spins)
		}
		collected++
	}
	return acc, nil
}

// sweepHeatBath resamples every spin once from its conditional distribution
// and returns the updated population count.
func sweepHeatBath(snap model.Snapshot, beta float64, spins model.Spins, up int, rng *rand.Rand) int {
	for i := range spins {
		arg := 2 * snap.LocalField(i, spins)
		if snap.KPairwise() {
			others := up
			if spins[i] > 0 {
				others--
			}
			arg += snap.Potential(others+1) - snap.Potential(others)
		}
		pPlus := 1 / (1 + math.Exp(-beta*arg))
		next := int8(-1)
		if rng.Float64() < pPlus {
			next = 1
		}
		if next != spins[i] {
			if next > 0 {
				up++
			} else {
				up--
			}
			spins[i] = next
		}
	}
	return up
}
