package estimator

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"maxent/internal/model"
)

const (
	// MaxExactSpins bounds full enumeration; 2^n configurations are visited.
	MaxExactSpins = 30
	// exactWarnSpins is where enumeration starts to take minutes.
	exactWarnSpins = 20
	// energy is recomputed from scratch at this interval to stop drift
	// from incremental Gray-code updates.
	energyRefreshMask = 4095
	ctxCheckMask      = 1<<16 - 1
)

// Exact sums over every configuration; it is the reference estimator.
type Exact struct {
	opts Options
}

func NewExact(opts Options) (*Exact, error) {
	if opts.Ordering == "" {
		opts.Ordering = OrderingGray
	}
	if _, err := ParseOrdering(string(opts.Ordering)); err != nil {
		return nil, err
	}
	if opts.Q == 0 {
		opts.Q = 1
	}
	return &Exact{opts: opts}, nil
}

func (e *Exact) Name() string { return NameExact }

func (e *Exact) ComputeModelAverages(ctx context.Context, snap model.Snapshot, beta float64, triplets bool) (Result, error) {
	n := snap.NSpins()
	if n > MaxExactSpins {
		return Result{}, fmt.Errorf("exact enumeration supports at most %d spins, got %d", MaxExactSpins, n)
	}
	seq := Sequence{N: n, Ordering: e.opts.Ordering}
	logger := e.opts.logger()
	if n > exactWarnSpins {
		logger.Warn("exact enumeration over a large system",
			slog.Int("nspins", n),
			slog.String("configurations", humanize.Comma(int64(seq.Len()))),
		)
	}

	ranges := Partition(seq.Len(), e.opts.workers())
	accs := make([]*accumulator, len(ranges))
	tops := make([]*topStates, len(ranges))
	g, gctx := errgroup.WithContext(ctx)
	for w, r := range ranges {
		g.Go(func() error {
			acc := newAccumulator(n, triplets)
			top := newTopStates(e.opts.TopK)
			if err := e.enumerate(gctx, seq, snap, beta, r, acc, top); err != nil {
				return err
			}
			accs[w] = acc
			tops[w] = top
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	total := newAccumulator(n, triplets)
	merged := newTopStates(e.opts.TopK)
	for w := range accs {
		total.merge(accs[w])
		merged.absorb(tops[w])
	}
	if total.weight == 0 {
		logger.Warn("partition sum vanished; every configuration weight clamped to zero",
			slog.Float64("beta", beta),
			slog.Float64("q", e.opts.Q),
		)
	}
	res := total.result(total.weight)
	res.Z = total.weight
	res.TopStates = merged.sorted(total.weight)
	logger.Debug("exact enumeration finished",
		slog.String("configurations", humanize.Comma(int64(total.count))),
		slog.Int("workers", len(ranges)),
		slog.Float64("z", res.Z),
	)
	return res, nil
}

func (e *Exact) enumerate(ctx context.Context, seq Sequence, snap model.Snapshot, beta float64, r Range, acc *accumulator, top *topStates) error {
	spins := make(model.Spins, seq.N)
	seq.Configuration(r.Start, spins)
	energy := snap.Energy(spins)
	gray := seq.Ordering == OrderingGray
	for k := r.Start; k < r.End; k++ {
		if k > r.Start {
			switch {
			case !gray:
				seq.Configuration(k, spins)
				energy = snap.Energy(spins)
			case (k-r.Start)&energyRefreshMask == 0:
				i := seq.FlipIndex(k)
				spins[i] = -spins[i]
				energy = snap.Energy(spins)
			default:
				i := seq.FlipIndex(k)
				energy += snap.FlipDelta(i, spins)
				spins[i] = -spins[i]
			}
		}
		w := model.ExpQ(-beta*energy, e.opts.Q)
		acc.add(spins, energy, w)
		top.offer(spins, energy, w)
		if k&ctxCheckMask == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
	}
	return nil
}

// topStates keeps the k heaviest configurations seen so far in a min-heap.
type topStates struct {
	limit int
	items stateHeap
}

type weightedState struct {
	spins  model.Spins
	energy float64
	weight float64
}

type stateHeap []weightedState

func (h stateHeap) Len() int           { return len(h) }
func (h stateHeap) Less(i, j int) bool { return h[i].weight < h[j].weight }
func (h stateHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *stateHeap) Push(x any)        { *h = append(*h, x.(weightedState)) }
func (h *stateHeap) Pop() any {
	old := *h
	item := old[len(old)-1]
	*h = old[:len(old)-1]
	return item
}

func newTopStates(limit int) *topStates {
	return &topStates{limit: limit}
}

func (t *topStates) offer(spins model.Spins, energy, weight float64) {
	if t.limit <= 0 {
		return
	}
	if len(t.items) == t.limit {
		if weight <= t.items[0].weight {
			return
		}
		heap.Pop(&t.items)
	}
	heap.Push(&t.items, weightedState{spins: append(model.Spins(nil), spins...), energy: energy, weight: weight})
}

func (t *topStates) absorb(other *topStates) {
	if other == nil {
		return
	}
	for _, item := range other.items {
		t.offer(item.spins, item.energy, item.weight)
	}
}

func (t *topStates) sorted(z float64) []State {
	if len(t.items) == 0 {
		return nil
	}
	out := make([]State, 0, len(t.items))
	for _, item := range t.items {
		p := 0.0
		if z > 0 {
			p = item.weight / z
		}
		out = append(out, State{Spins: item.spins, Energy: item.energy, Probability: p})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Probability > out[j].Probability })
	return out
}
