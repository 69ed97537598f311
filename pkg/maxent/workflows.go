package maxent

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"maxent/internal/estimator"
	"maxent/internal/model"
	"maxent/internal/samples"
	"maxent/internal/stats"
	"maxent/internal/storage"
	"maxent/internal/train"
)

// Systems up to this size are enumerated exactly when generating data or
// sweeping temperature; larger ones are sampled.
const smallSystemSpins = 20

// trainingInput is the data and starting point of a training run.
type trainingInput struct {
	data  model.Moments
	core  *model.Core
	state *model.TrainingState
	// source is the run that produced state.
	source string
}

func (c *Client) train(ctx context.Context, p RunParameters, logger *slog.Logger) (RunResult, error) {
	started := time.Now()
	in, err := c.loadTrainingInput(ctx, p, logger)
	if err != nil {
		return RunResult{}, err
	}
	p.NSpins = in.core.NSpins()
	cfgJSON, err := p.JSON()
	if err != nil {
		return RunResult{}, err
	}
	policy, err := train.UpdatePolicyFromConfig(p.UpdateType)
	if err != nil {
		return RunResult{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	dir := stats.RunDir(p.ResultDir, p.RunID)
	cp := &runCheckpointer{
		store:    c.store,
		logger:   logger,
		runID:    p.RunID,
		fileType: p.RunType,
		params:   cfgJSON,
		dir:      dir,
	}

	if p.RunType == RunTypeWangLandau && p.PreMaxIterations > 0 && in.state == nil {
		pre, err := estimator.NewHeatBath(c.estimatorOptions(p, logger, true))
		if err != nil {
			return RunResult{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		cfg := c.trainConfig(p, policy)
		cfg.MaxIterations = p.PreMaxIterations
		logger.Info("heat-bath pretraining", slog.Int("max_iterations", cfg.MaxIterations))
		tr, err := train.New(in.core, pre, in.data, cfg,
			train.WithLogger(logger.With(slog.String("stage", "pretrain"))),
			train.WithMetrics(c.metrics),
			train.WithTracer(c.tracer),
		)
		if err != nil {
			return RunResult{}, err
		}
		if _, err := tr.Train(ctx); err != nil {
			return RunResult{}, fmt.Errorf("pretraining: %w", err)
		}
	}

	est, err := estimator.FromName(p.RunType, c.estimatorOptions(p, logger, false))
	if err != nil {
		return RunResult{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if wl, ok := est.(*estimator.WangLandau); ok {
		cp.dos = wl.DensityOfStates
	}

	opts := []train.Option{
		train.WithLogger(logger),
		train.WithMetrics(c.metrics),
		train.WithTracer(c.tracer),
		train.WithCheckpointer(cp),
	}
	if in.state != nil {
		opts = append(opts, train.WithState(*in.state))
	}
	tr, err := train.New(in.core, est, in.data, c.trainConfig(p, policy), opts...)
	if err != nil {
		return RunResult{}, err
	}
	res, trainErr := tr.Train(ctx)
	if trainErr != nil && res.Status != train.StatusCancelled {
		return RunResult{}, trainErr
	}

	// Artifacts of a cancelled run are still written.
	persistCtx := context.WithoutCancel(ctx)
	if res.Model.Replicas != nil && res.Model.Replicas.Len() > 0 {
		if err := samples.WriteFile(filepath.Join(dir, ReplicasFileName), res.Model.Replicas); err != nil {
			return RunResult{}, fmt.Errorf("write replicas: %w", err)
		}
	}
	summary := stats.RunSummary{
		RunID:        p.RunID,
		RunType:      p.RunType,
		NSpins:       p.NSpins,
		Estimator:    est.Name(),
		UpdatePolicy: policy.Name(),
		Status:       string(res.Status),
		Iterations:   res.Iterations,
		FinalCost:    res.Cost,
		ModelFile:    filepath.Join(dir, ModelFileName),
		ElapsedSec:   time.Since(started).Seconds(),
	}
	history := res.History
	if in.state != nil {
		prior, err := c.priorHistory(persistCtx, p.ResultDir, in.source, in.state.Iter)
		if err != nil {
			logger.Warn("earlier cost history unavailable", slog.String("source", in.source), slog.Any("error", err))
		}
		history = append(prior, history...)
	}
	if _, err := c.finish(persistCtx, p, summary, history); err != nil {
		return RunResult{}, err
	}
	return RunResult{Summary: summary, Directory: dir, Model: cp.last}, trainErr
}

// priorHistory returns the cost samples a resumed run inherits, up to and
// including the iteration its state was saved at.
func (c *Client) priorHistory(ctx context.Context, resultDir, runID string, upTo int) ([]model.CostSample, error) {
	var all []model.CostSample
	stored, ok, err := c.store.GetCostHistory(ctx, runID)
	if err != nil {
		return nil, err
	}
	if ok {
		all = stored.Samples
	} else {
		all, _, err = stats.ReadRunCostHistory(resultDir, runID)
		if err != nil {
			return nil, err
		}
	}
	var kept []model.CostSample
	for _, s := range all {
		if s.Iter <= upTo {
			kept = append(kept, s)
		}
	}
	return kept, nil
}

func (c *Client) loadTrainingInput(ctx context.Context, p RunParameters, logger *slog.Logger) (trainingInput, error) {
	if p.Resume {
		record, ok, err := c.store.GetCheckpoint(ctx, p.RunID)
		if err != nil {
			return trainingInput{}, fmt.Errorf("load checkpoint %s: %w", p.RunID, err)
		}
		if ok {
			return c.inputFromModelFile(record.ModelFile, p, logger)
		}
		logger.Warn("resume requested but no checkpoint is stored; starting fresh")
		if p.RawDataFile == "" && p.TrainedModelFile == "" {
			return trainingInput{}, fmt.Errorf("%w: no checkpoint for run %s and no data source", ErrInvalidConfig, p.RunID)
		}
	}

	if p.RawDataFile != "" {
		rows, err := samples.ReadFile(p.RawDataFile)
		if err != nil {
			return trainingInput{}, err
		}
		n := len(rows[0])
		if p.NSpins != 0 && p.NSpins != n {
			return trainingInput{}, fmt.Errorf("%w: %s has %d spins, nspins is %d", model.ErrShapeMismatch, p.RawDataFile, n, p.NSpins)
		}
		data, err := stats.SampleMoments(rows)
		if err != nil {
			return trainingInput{}, err
		}
		core, err := model.NewCore(n, p.RunID, p.KPairwise)
		if err != nil {
			return trainingInput{}, err
		}
		logger.Info("data moments computed from samples",
			slog.String("file", p.RawDataFile),
			slog.Int("samples", len(rows)),
			slog.Int("nspins", n),
		)
		return trainingInput{data: data, core: core}, nil
	}

	file, err := storage.ReadModelFile(p.TrainedModelFile)
	if err != nil {
		return trainingInput{}, err
	}
	in, err := c.inputFromModelFile(file, p, logger)
	if err != nil {
		return trainingInput{}, err
	}
	if p.ResetParameters {
		in.state = nil
	}
	return in, nil
}

// warnOnTypeMismatch flags a model file trained with a different estimator.
// Synthetic files carry no estimator and are never flagged.
func warnOnTypeMismatch(file model.ModelFile, runType string, logger *slog.Logger) bool {
	if file.Type == "" || file.Type == model.TypeSynthetic || file.Type == runType {
		return false
	}
	logger.Warn("model file type differs from run type",
		slog.String("file_type", file.Type),
		slog.String("run_type", runType),
		slog.String("source", file.RunID),
	)
	return true
}

func (c *Client) inputFromModelFile(file model.ModelFile, p RunParameters, logger *slog.Logger) (trainingInput, error) {
	n, err := file.NSpins()
	if err != nil {
		return trainingInput{}, err
	}
	if p.NSpins != 0 && p.NSpins != n {
		return trainingInput{}, fmt.Errorf("%w: model file has %d spins, nspins is %d", model.ErrShapeMismatch, n, p.NSpins)
	}
	warnOnTypeMismatch(file, p.RunType, logger)
	data := file.DataMoments()
	if err := data.Validate(n); err != nil {
		return trainingInput{}, fmt.Errorf("model file data moments: %w", err)
	}
	core, err := model.NewCore(n, p.RunID, p.KPairwise)
	if err != nil {
		return trainingInput{}, err
	}
	if err := storage.LoadForCore(file, core, p.ResetParameters); err != nil {
		return trainingInput{}, err
	}
	in := trainingInput{data: data.Clone(), core: core, source: file.RunID}
	if in.source == "" {
		in.source = p.RunID
	}
	if file.TrainingState != nil {
		state := file.TrainingState.Clone()
		in.state = &state
	} else if p.Resume {
		logger.Warn("checkpoint carries no training state; iteration count restarts")
	}
	return in, nil
}

func (c *Client) trainConfig(p RunParameters, policy train.UpdatePolicy) train.Config {
	h, j, k := p.hyper()
	return train.Config{
		Beta:           p.Beta,
		MaxIterations:  p.MaxIterations,
		TolH:           p.ToleranceH,
		TolJ:           p.ToleranceJ,
		TolK:           p.ToleranceK,
		H:              h,
		J:              j,
		K:              k,
		Policy:         policy,
		SaveCheckpoint: p.SaveCheckpoint,
	}
}

// estimatorOptions maps run parameters to estimator options; pre selects
// the shorter pretraining sampling schedule.
func (c *Client) estimatorOptions(p RunParameters, logger *slog.Logger, pre bool) estimator.Options {
	opts := estimator.Options{
		Q:                 p.QVal,
		Workers:           p.Workers,
		Seed:              p.RNGSeed,
		StepEquilibration: p.StepEquilibration,
		StepCorrelation:   p.StepCorrelation,
		NumSamples:        p.NumSamples,
		Repetitions:       p.NumberRepetitions,
		EnergyBin:         p.EnergyBin,
		FlatnessThreshold: p.FlatnessThreshold,
		LogFFinal:         p.LogFFinal,
		MaxRounds:         estimator.DefaultMaxRounds,
		Ordering:          estimator.Ordering(p.Enumeration),
		TopK:              p.TopKStates,
		Logger:            logger,
	}
	if pre {
		opts.StepEquilibration = p.PreStepEquilibration
		opts.StepCorrelation = p.PreStepCorrelation
		opts.NumSamples = p.PreNumSamples
	}
	return opts
}

// runCheckpointer writes the model file and the store record of a run.
type runCheckpointer struct {
	store    storage.Store
	logger   *slog.Logger
	runID    string
	fileType string
	params   []byte
	dir      string
	dos      func() *estimator.DensityOfStates
	last     model.ModelFile
}

func (r *runCheckpointer) Checkpoint(ctx context.Context, cp train.Checkpoint) error {
	file, err := buildModelFile(r.fileType, r.runID, cp, r.params)
	if err != nil {
		return err
	}
	name := CheckpointFileName
	if cp.Final {
		name = ModelFileName
	}
	if err := storage.WriteModelFile(filepath.Join(r.dir, name), file); err != nil {
		return err
	}
	if err := r.store.SaveCheckpoint(ctx, model.CheckpointRecord{
		RunID:     r.runID,
		SavedAt:   time.Now().UTC(),
		ModelFile: file,
	}); err != nil {
		return err
	}
	if r.dos != nil {
		if dos := r.dos(); dos != nil {
			if err := r.store.SaveDensityOfStates(ctx, model.DensityOfStatesRecord{
				RunID:     r.runID,
				Iter:      cp.Iter,
				EnergyBin: dos.EnergyBin,
				LogG:      dos.LogG,
				LogF:      dos.LogF,
				Rounds:    dos.Rounds,
			}); err != nil {
				return err
			}
		}
	}
	r.last = file
	return nil
}

func buildModelFile(fileType, runID string, cp train.Checkpoint, params []byte) (model.ModelFile, error) {
	state := cp.State.Clone()
	n := len(cp.H)
	file := model.ModelFile{
		Type:             fileType,
		RunID:            runID,
		Iter:             cp.Iter,
		Status:           string(cp.Status),
		H:                cp.H,
		J:                cp.J,
		K:                cp.K,
		AvgEnergy:        cp.Model.AvgEnergy,
		AvgEnergySq:      cp.Model.AvgEnergySq,
		AvgMagnetization: cp.Model.AvgMagnetization,
		M1Data:           cp.Data.M1,
		M2Data:           cp.Data.M2,
		M3Data:           cp.Data.M3,
		PKData:           cp.Data.PK,
		M1Model:          cp.Model.Moments.M1,
		M2Model:          cp.Model.Moments.M2,
		M3Model:          cp.Model.Moments.M3,
		PKModel:          cp.Model.Moments.PK,
		TrainingState:    &state,
		RunParameters:    params,
	}
	if err := addCentered(&file, n); err != nil {
		return model.ModelFile{}, err
	}
	return file, nil
}

// addCentered fills the connected correlations of whichever moment sets
// are complete.
func addCentered(file *model.ModelFile, n int) error {
	m3 := func(v []float64) []float64 {
		if len(v) == model.NumTriplets(n) {
			return v
		}
		return nil
	}
	if len(file.M1Data) == n && len(file.M2Data) == model.NumEdges(n) {
		c, err := stats.Center(n, file.M1Data, file.M2Data, m3(file.M3Data))
		if err != nil {
			return err
		}
		file.M2DataCentered, file.M3DataCentered = c.C2, c.C3
	}
	if len(file.M1Model) == n && len(file.M2Model) == model.NumEdges(n) {
		c, err := stats.Center(n, file.M1Model, file.M2Model, m3(file.M3Model))
		if err != nil {
			return err
		}
		file.M2ModelCentered, file.M3ModelCentered = c.C2, c.C3
	}
	return nil
}

// sampler picks exact enumeration for small systems and heat-bath otherwise.
func (c *Client) sampler(p RunParameters, n int, logger *slog.Logger) (estimator.Estimator, error) {
	opts := c.estimatorOptions(p, logger, false)
	if n <= smallSystemSpins {
		return estimator.NewExact(opts)
	}
	return estimator.NewHeatBath(opts)
}

func (c *Client) generate(ctx context.Context, p RunParameters, logger *slog.Logger) (RunResult, error) {
	started := time.Now()
	core, err := model.NewCore(p.NSpins, p.RunID, false)
	if err != nil {
		return RunResult{}, err
	}
	core.Randomize(rand.New(rand.NewSource(p.RNGSeed)), model.GenerationParameters{
		HMean:  p.GenHMean,
		HWidth: p.GenHWidth,
		JMean:  p.GenJMean,
		JWidth: p.GenJWidth,
	})
	est, err := c.sampler(p, p.NSpins, logger)
	if err != nil {
		return RunResult{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	res, err := est.ComputeModelAverages(ctx, core.Snapshot(), p.Beta, true)
	if err != nil {
		return RunResult{}, fmt.Errorf("compute synthetic moments: %w", err)
	}
	cfgJSON, err := p.JSON()
	if err != nil {
		return RunResult{}, err
	}

	file, err := buildModelFile(model.TypeSynthetic, p.RunID, train.Checkpoint{
		Status: generateStatus,
		H:      append([]float64(nil), core.H()...),
		J:      append([]float64(nil), core.J()...),
		K:      append([]float64(nil), core.K()...),
		Data:   res.Moments.Clone(),
		Model:  res,
	}, cfgJSON)
	if err != nil {
		return RunResult{}, err
	}
	file.TrainingState = nil
	dir := stats.RunDir(p.ResultDir, p.RunID)
	modelPath := filepath.Join(dir, ModelFileName)
	if err := storage.WriteModelFile(modelPath, file); err != nil {
		return RunResult{}, err
	}
	if res.Replicas != nil && res.Replicas.Len() > 0 {
		if err := samples.WriteFile(filepath.Join(dir, ReplicasFileName), res.Replicas); err != nil {
			return RunResult{}, fmt.Errorf("write replicas: %w", err)
		}
	}
	logger.Info("synthetic model generated",
		slog.Int("nspins", p.NSpins),
		slog.String("estimator", est.Name()),
		slog.String("model_file", modelPath),
	)

	summary := stats.RunSummary{
		RunID:      p.RunID,
		RunType:    p.RunType,
		NSpins:     p.NSpins,
		Estimator:  est.Name(),
		Status:     generateStatus,
		ModelFile:  modelPath,
		ElapsedSec: time.Since(started).Seconds(),
	}
	if _, err := c.finish(ctx, p, summary, nil); err != nil {
		return RunResult{}, err
	}
	return RunResult{Summary: summary, Directory: dir, Model: file}, nil
}

const (
	generateStatus = "generated"
	sweepStatus    = "completed"
)

func (c *Client) temperatureSweep(ctx context.Context, p RunParameters, logger *slog.Logger) (RunResult, error) {
	started := time.Now()
	file, err := storage.ReadModelFile(p.TrainedModelFile)
	if err != nil {
		return RunResult{}, err
	}
	n, err := file.NSpins()
	if err != nil {
		return RunResult{}, err
	}
	if p.NSpins != 0 && p.NSpins != n {
		return RunResult{}, fmt.Errorf("%w: model file has %d spins, nspins is %d", model.ErrShapeMismatch, n, p.NSpins)
	}
	p.NSpins = n
	core, err := model.NewCore(n, p.RunID, len(file.K) == n+1)
	if err != nil {
		return RunResult{}, err
	}
	if err := storage.LoadForCore(file, core, false); err != nil {
		return RunResult{}, err
	}
	snap := core.Snapshot()

	parallel := min(len(p.TemperatureRange), p.Workers)
	point := p
	point.Workers = max(1, p.Workers/parallel)
	est, err := c.sampler(point, n, logger)
	if err != nil {
		return RunResult{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	dir := stats.RunDir(p.ResultDir, p.RunID)
	points := make([]stats.ThermoPoint, len(p.TemperatureRange))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for i, t := range p.TemperatureRange {
		g.Go(func() error {
			res, err := est.ComputeModelAverages(gctx, snap, 1/t, true)
			if err != nil {
				return fmt.Errorf("T=%g: %w", t, err)
			}
			pt := stats.NewThermoPoint(t, res.AvgEnergy, res.AvgEnergySq, res.AvgMagnetization)
			var hist stats.Histogram
			if res.Replicas != nil {
				hist, err = stats.OverlapHistogram(ensembleRows(res.Replicas), stats.DefaultOverlapDelta)
				if err != nil {
					return err
				}
				pt.QMax = hist.Peak()
			}
			points[i] = pt
			logger.Debug("temperature point",
				slog.Float64("T", t),
				slog.Float64("energy", pt.Energy),
				slog.Float64("specific_heat", pt.SpecificHeat),
			)
			if math.Abs(t-1) > 1e-9 {
				return nil
			}
			return writeUnitTemperature(dir, n, res, hist)
		})
	}
	if err := g.Wait(); err != nil {
		return RunResult{}, err
	}
	if err := stats.WriteThermoSweep(filepath.Join(dir, ThermoFileName), points); err != nil {
		return RunResult{}, err
	}
	logger.Info("temperature sweep finished", slog.Int("points", len(points)), slog.String("estimator", est.Name()))

	summary := stats.RunSummary{
		RunID:      p.RunID,
		RunType:    p.RunType,
		NSpins:     n,
		Estimator:  est.Name(),
		Status:     sweepStatus,
		Iterations: len(points),
		ModelFile:  p.TrainedModelFile,
		ElapsedSec: time.Since(started).Seconds(),
	}
	if _, err := c.finish(ctx, p, summary, nil); err != nil {
		return RunResult{}, err
	}
	return RunResult{Summary: summary, Directory: dir, Model: file}, nil
}

// writeUnitTemperature stores the T=1 replicas, overlap histogram and most
// probable states.
func writeUnitTemperature(dir string, n int, res estimator.Result, hist stats.Histogram) error {
	if res.Replicas != nil && res.Replicas.Len() > 0 {
		if err := samples.WriteFile(filepath.Join(dir, ReplicasFileName), res.Replicas); err != nil {
			return err
		}
		if err := stats.WriteHistogram(filepath.Join(dir, HistogramFileName), hist); err != nil {
			return err
		}
	}
	if len(res.TopStates) > 0 {
		if err := stats.WriteTopStates(filepath.Join(dir, TopStatesFileName), n, res.TopStates); err != nil {
			return err
		}
	}
	return nil
}

func ensembleRows(e *estimator.Ensemble) []model.Spins {
	rows := make([]model.Spins, e.Len())
	for i := range rows {
		rows[i] = e.Row(i)
	}
	return rows
}
