package train

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gonum.org/v1/gonum/floats"

	"maxent/internal/estimator"
	"maxent/internal/model"
	"maxent/internal/stats"
	"maxent/internal/telemetry"
)

type Status string

const (
	StatusInitializing   Status = "initializing"
	StatusIterating      Status = "iterating"
	StatusConverged      Status = "converged"
	StatusMaxIterReached Status = "max_iter_reached"
	StatusCancelled      Status = "cancelled"
)

type Config struct {
	Beta           float64
	MaxIterations  int
	TolH           float64
	TolJ           float64
	TolK           float64
	H              Hyper
	J              Hyper
	K              Hyper
	Policy         UpdatePolicy
	SaveCheckpoint int
	// LogEvery controls info-level progress logs; debug logs every iteration.
	LogEvery int
}

func (c Config) Validate() error {
	if c.MaxIterations < 0 {
		return fmt.Errorf("maxIterations must be >= 0")
	}
	if c.Beta <= 0 {
		return fmt.Errorf("beta must be > 0")
	}
	if c.TolH <= 0 || c.TolJ <= 0 {
		return fmt.Errorf("tolerance_h and tolerance_J must be > 0")
	}
	if c.SaveCheckpoint < 0 {
		return fmt.Errorf("save_checkpoint must be >= 0")
	}
	return nil
}

// Checkpoint is handed to the Checkpointer; slices are copies.
type Checkpoint struct {
	Iter   int
	Status Status
	Final  bool
	H      []float64
	J      []float64
	K      []float64
	Data   model.Moments
	Model  estimator.Result
	Cost   stats.Cost
	State  model.TrainingState
}

type Checkpointer interface {
	Checkpoint(ctx context.Context, cp Checkpoint) error
}

type Result struct {
	Status     Status
	Iterations int
	Cost       stats.Cost
	Model      estimator.Result
	State      model.TrainingState
	History    []model.CostSample
}

type Option func(*Trainer)

func WithLogger(logger *slog.Logger) Option {
	return func(t *Trainer) {
		if logger != nil {
			t.logger = logger
		}
	}
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(t *Trainer) { t.metrics = m }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(t *Trainer) {
		if tracer != nil {
			t.tracer = tracer
		}
	}
}

func WithCheckpointer(cp Checkpointer) Option {
	return func(t *Trainer) { t.checkpointer = cp }
}

// WithState resumes from a persisted training state; iteration counting
// continues after state.Iter.
func WithState(state model.TrainingState) Option {
	return func(t *Trainer) {
		t.state = state.Clone()
		t.resumed = true
	}
}

// Trainer fits the parameters of core to data moments. It is the only
// writer of core while Train runs.
type Trainer struct {
	core         *model.Core
	est          estimator.Estimator
	data         model.Moments
	cfg          Config
	logger       *slog.Logger
	metrics      *telemetry.Metrics
	tracer       trace.Tracer
	checkpointer Checkpointer

	status  Status
	state   model.TrainingState
	resumed bool
	last    estimator.Result
	cost    stats.Cost
	history []model.CostSample
}

func New(core *model.Core, est estimator.Estimator, data model.Moments, cfg Config, opts ...Option) (*Trainer, error) {
	if core == nil {
		return nil, fmt.Errorf("model core is required")
	}
	if est == nil {
		return nil, fmt.Errorf("estimator is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := data.Validate(core.NSpins()); err != nil {
		return nil, fmt.Errorf("data moments: %w", err)
	}
	if core.KPairwise() && len(data.PK) == 0 {
		return nil, fmt.Errorf("%w: k-pairwise training needs pK data", model.ErrShapeMismatch)
	}
	if cfg.Policy == nil {
		cfg.Policy = PowerLawPolicy{}
	}
	if cfg.LogEvery <= 0 {
		cfg.LogEvery = 10
	}
	t := &Trainer{
		core:   core,
		est:    est,
		data:   data.Clone(),
		cfg:    cfg,
		logger: slog.Default(),
		tracer: otel.Tracer(telemetry.TracerName),
		status: StatusInitializing,
	}
	for _, opt := range opts {
		opt(t)
	}
	if !t.resumed {
		t.state = NewTrainingState(core.NSpins(), cfg)
	}
	return t, nil
}

// NewTrainingState returns zeroed momentum buffers with rates at eta0.
func NewTrainingState(n int, cfg Config) model.TrainingState {
	return model.TrainingState{
		H: model.BlockState{Eta: cfg.H.Eta, Delta: make([]float64, n)},
		J: model.BlockState{Eta: cfg.J.Eta, Delta: make([]float64, model.NumEdges(n))},
		K: model.BlockState{Eta: cfg.K.Eta, Delta: make([]float64, n+1)},
	}
}

func (t *Trainer) Status() Status { return t.status }

func (t *Trainer) State() model.TrainingState { return t.state.Clone() }

func (t *Trainer) Train(ctx context.Context) (Result, error) {
	t.status = StatusIterating
	start := t.state.Iter + 1
	began := time.Now()
	t.logger.Info("training started",
		slog.String("runid", t.core.RunID()),
		slog.String("estimator", t.est.Name()),
		slog.String("policy", t.cfg.Policy.Name()),
		slog.Int("nspins", t.core.NSpins()),
		slog.Int("start_iter", start),
		slog.Int("max_iterations", t.cfg.MaxIterations),
	)

	for iter := start; iter <= t.cfg.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return t.cancel(ctx, err)
		}
		converged, err := t.iterate(ctx, iter, began)
		if err != nil {
			if ctx.Err() != nil {
				return t.cancel(ctx, ctx.Err())
			}
			return t.result(), fmt.Errorf("iteration %d: %w", iter, err)
		}
		if converged {
			t.status = StatusConverged
			break
		}
		if t.cfg.SaveCheckpoint > 0 && iter%t.cfg.SaveCheckpoint == 0 {
			if err := t.checkpoint(ctx, false); err != nil {
				return t.result(), err
			}
		}
	}
	if t.status == StatusIterating {
		t.status = StatusMaxIterReached
		t.logger.Warn("maximum iterations reached without convergence",
			slog.Int("iterations", t.state.Iter),
			slog.Float64("cost_m1", t.cost.M1),
			slog.Float64("cost_m2", t.cost.M2),
		)
	}

	if err := t.finalPass(ctx); err != nil {
		if ctx.Err() != nil {
			return t.cancel(ctx, ctx.Err())
		}
		return t.result(), fmt.Errorf("final pass: %w", err)
	}
	if err := t.checkpoint(ctx, true); err != nil {
		return t.result(), err
	}
	t.logger.Info("training finished",
		slog.String("status", string(t.status)),
		slog.Int("iterations", t.state.Iter),
		slog.Float64("cost_m1", t.cost.M1),
		slog.Float64("cost_m2", t.cost.M2),
		slog.Duration("elapsed", time.Since(began)),
	)
	return t.result(), nil
}

func (t *Trainer) iterate(ctx context.Context, iter int, began time.Time) (bool, error) {
	ctx, span := t.tracer.Start(ctx, "train.iteration",
		trace.WithAttributes(
			attribute.Int("iter", iter),
			attribute.String("estimator", t.est.Name()),
		),
	)
	defer span.End()

	res, err := t.computeAverages(ctx, false)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}
	cost, err := t.computeCost(res)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}
	t.last = res
	t.cost = cost

	t.update(iter, res)
	t.state.Iter = iter

	sample := model.CostSample{
		Iter:   iter,
		Total:  cost.Total,
		M1:     cost.M1,
		M2:     cost.M2,
		PK:     cost.PK,
		EtaH:   t.state.H.Eta,
		EtaJ:   t.state.J.Eta,
		Millis: time.Since(began).Milliseconds(),
	}
	if t.core.KPairwise() {
		sample.EtaK = t.state.K.Eta
	}
	t.history = append(t.history, sample)
	t.metrics.ObserveIteration(cost.Total, cost.M1, cost.M2, cost.PK, sample.EtaH, sample.EtaJ, sample.EtaK)
	span.SetAttributes(
		attribute.Float64("cost_m1", cost.M1),
		attribute.Float64("cost_m2", cost.M2),
	)

	attrs := []any{
		slog.Int("iter", iter),
		slog.Float64("cost", cost.Total),
		slog.Float64("cost_m1", cost.M1),
		slog.Float64("cost_m2", cost.M2),
		slog.Float64("eta_h", sample.EtaH),
		slog.Float64("eta_J", sample.EtaJ),
	}
	if cost.HasPK {
		attrs = append(attrs, slog.Float64("cost_pk", cost.PK))
	}
	if iter%t.cfg.LogEvery == 0 {
		t.logger.Info("training progress", attrs...)
	} else {
		t.logger.Debug("training iteration", attrs...)
	}

	if t.core.KPairwise() {
		return cost.ConvergedWithPK(t.cfg.TolH, t.cfg.TolJ, t.cfg.TolK), nil
	}
	return cost.Converged(t.cfg.TolH, t.cfg.TolJ), nil
}

func (t *Trainer) computeAverages(ctx context.Context, triplets bool) (estimator.Result, error) {
	ctx, span := t.tracer.Start(ctx, "estimator.compute_model_averages",
		trace.WithAttributes(
			attribute.String("estimator", t.est.Name()),
			attribute.Bool("triplets", triplets),
		),
	)
	defer span.End()

	snap := t.core.Snapshot()
	started := time.Now()
	if p, ok := t.est.(estimator.Preparer); ok {
		if err := p.Prepare(ctx, snap); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return estimator.Result{}, fmt.Errorf("prepare %s: %w", t.est.Name(), err)
		}
	}
	res, err := t.est.ComputeModelAverages(ctx, snap, t.cfg.Beta, triplets)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return estimator.Result{}, fmt.Errorf("compute model averages: %w", err)
	}
	t.metrics.ObserveEstimator(t.est.Name(), time.Since(started))
	span.SetAttributes(attribute.Int("samples", res.Samples))
	return res, nil
}

func (t *Trainer) computeCost(res estimator.Result) (stats.Cost, error) {
	in := stats.CostInput{
		M1Data:  t.data.M1,
		M1Model: res.Moments.M1,
		M2Data:  t.data.M2,
		M2Model: res.Moments.M2,
	}
	if t.core.KPairwise() {
		in.PKData = t.data.PK
		in.PKModel = res.Moments.PK
	}
	return stats.ComputeCost(in)
}

func (t *Trainer) update(iter int, res estimator.Result) {
	gradH := make([]float64, len(t.data.M1))
	floats.SubTo(gradH, t.data.M1, res.Moments.M1)
	t.cfg.Policy.Apply(iter, t.core.H(), gradH, &t.state.H, t.cfg.H)

	gradJ := make([]float64, len(t.data.M2))
	floats.SubTo(gradJ, t.data.M2, res.Moments.M2)
	t.cfg.Policy.Apply(iter, t.core.J(), gradJ, &t.state.J, t.cfg.J)

	if t.core.KPairwise() {
		gradK := make([]float64, len(t.data.PK))
		floats.SubTo(gradK, t.data.PK, res.Moments.PK)
		t.cfg.Policy.Apply(iter, t.core.K(), gradK, &t.state.K, t.cfg.K)
	}
}

// finalPass recomputes model moments with third-order terms and replicas.
func (t *Trainer) finalPass(ctx context.Context) error {
	res, err := t.computeAverages(ctx, true)
	if err != nil {
		return err
	}
	cost, err := t.computeCost(res)
	if err != nil {
		return err
	}
	t.last = res
	t.cost = cost
	return nil
}

func (t *Trainer) cancel(ctx context.Context, cause error) (Result, error) {
	t.status = StatusCancelled
	t.logger.Warn("training cancelled", slog.Int("iter", t.state.Iter))
	if err := t.checkpoint(context.WithoutCancel(ctx), true); err != nil {
		return t.result(), errors.Join(fmt.Errorf("training cancelled: %w", cause), err)
	}
	return t.result(), fmt.Errorf("training cancelled: %w", cause)
}

func (t *Trainer) checkpoint(ctx context.Context, final bool) error {
	if t.checkpointer == nil {
		return nil
	}
	cp := Checkpoint{
		Iter:   t.state.Iter,
		Status: t.status,
		Final:  final,
		H:      append([]float64(nil), t.core.H()...),
		J:      append([]float64(nil), t.core.J()...),
		K:      append([]float64(nil), t.core.K()...),
		Data:   t.data.Clone(),
		Model:  t.last,
		Cost:   t.cost,
		State:  t.state.Clone(),
	}
	if err := t.checkpointer.Checkpoint(ctx, cp); err != nil {
		return fmt.Errorf("checkpoint at iteration %d: %w", t.state.Iter, err)
	}
	t.metrics.IncCheckpoints()
	t.logger.Debug("checkpoint written", slog.Int("iter", t.state.Iter), slog.Bool("final", final))
	return nil
}

func (t *Trainer) result() Result {
	return Result{
		Status:     t.status,
		Iterations: t.state.Iter,
		Cost:       t.cost,
		Model:      t.last,
		State:      t.state.Clone(),
		History:    append([]model.CostSample(nil), t.history...),
	}
}
