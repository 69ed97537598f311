package maxent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"maxent/internal/model"
	"maxent/internal/stats"
	"maxent/internal/storage"
	"maxent/internal/telemetry"
)

const (
	defaultResultDir = "results"
	defaultExportDir = "exports"
	defaultDBPath    = "maxent.db"

	// Fixed width so index timestamps sort as strings.
	indexTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

// Result file names inside result_dir/runid.
const (
	ModelFileName      = "model.json"
	CheckpointFileName = "checkpoint.json"
	ReplicasFileName   = "replicas.csv"
	ThermoFileName     = "thermo.csv"
	HistogramFileName  = "overlap_histogram.csv"
	TopStatesFileName  = "top_states.csv"
)

type Options struct {
	StoreKind string
	DBPath    string
	ResultDir string
	ExportDir string
	Logger    *slog.Logger
	// Registerer receives the trainer metrics; nil disables metrics.
	Registerer prometheus.Registerer
}

type Client struct {
	store     storage.Store
	resultDir string
	exportDir string
	logger    *slog.Logger
	metrics   *telemetry.Metrics
	tracer    trace.Tracer
}

// RunResult is what a finished run left behind.
type RunResult struct {
	Summary   stats.RunSummary
	Directory string
	Model     model.ModelFile
}

func New(opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dbPath := opts.DBPath
	if dbPath == "" && opts.StoreKind == "sqlite" {
		dbPath = defaultDBPath
	}
	resultDir := opts.ResultDir
	if resultDir == "" {
		resultDir = defaultResultDir
	}
	exportDir := opts.ExportDir
	if exportDir == "" {
		exportDir = defaultExportDir
	}

	store, err := storage.NewStore(opts.StoreKind, dbPath, logger.With(slog.String("component", "store")))
	if err != nil {
		return nil, err
	}

	c := &Client{
		store:     store,
		resultDir: resultDir,
		exportDir: exportDir,
		logger:    logger,
		tracer:    otel.Tracer(telemetry.TracerName),
	}
	if opts.Registerer != nil {
		c.metrics = telemetry.NewMetrics(opts.Registerer)
	}
	return c, nil
}

func (c *Client) Init(ctx context.Context) error {
	return c.store.Init(ctx)
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

// Run validates p and dispatches on its run type.
func (c *Client) Run(ctx context.Context, p RunParameters) (RunResult, error) {
	p = p.WithDefaults()
	if p.ResultDir == "" {
		p.ResultDir = c.resultDir
	}
	if err := p.Validate(); err != nil {
		return RunResult{}, err
	}

	ctx, span := c.tracer.Start(ctx, "maxent.run", trace.WithAttributes(
		attribute.String("runid", p.RunID),
		attribute.String("run_type", p.RunType),
	))
	defer span.End()

	logger := c.logger.With(slog.String("runid", p.RunID), slog.String("run_type", p.RunType))
	switch p.RunType {
	case RunTypeGenerate:
		return c.generate(ctx, p, logger)
	case RunTypeTemperatureSweep:
		return c.temperatureSweep(ctx, p, logger)
	default:
		return c.train(ctx, p, logger)
	}
}

// Train runs one of the training run types.
func (c *Client) Train(ctx context.Context, p RunParameters) (RunResult, error) {
	switch p.RunType {
	case RunTypeFullEnsemble, RunTypeHeatBath, RunTypeWangLandau:
		return c.Run(ctx, p)
	default:
		return RunResult{}, fmt.Errorf("%w: %s is not a training run type", ErrInvalidConfig, p.RunType)
	}
}

func (c *Client) Generate(ctx context.Context, p RunParameters) (RunResult, error) {
	p.RunType = RunTypeGenerate
	return c.Run(ctx, p)
}

func (c *Client) TemperatureSweep(ctx context.Context, p RunParameters) (RunResult, error) {
	p.RunType = RunTypeTemperatureSweep
	return c.Run(ctx, p)
}

type RunsRequest struct {
	Limit int
}

func (c *Client) Runs(_ context.Context, req RunsRequest) ([]stats.RunIndexEntry, error) {
	if req.Limit <= 0 {
		req.Limit = 20
	}
	entries, err := stats.ListRunIndex(c.resultDir)
	if err != nil {
		return nil, err
	}
	if len(entries) > req.Limit {
		entries = entries[:req.Limit]
	}
	return entries, nil
}

// CostHistory prefers the store and falls back to the run's CSV artifact.
func (c *Client) CostHistory(ctx context.Context, runID string) ([]model.CostSample, error) {
	if runID == "" {
		return nil, errors.New("cost history requires run id")
	}
	history, ok, err := c.store.GetCostHistory(ctx, runID)
	if err != nil {
		return nil, err
	}
	if ok {
		return history.Samples, nil
	}
	samples, ok, err := stats.ReadRunCostHistory(c.resultDir, runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("cost history not found for run %s", runID)
	}
	return samples, nil
}

type InspectRequest struct {
	RunID  string
	Latest bool
}

type InspectResult struct {
	Summary         stats.RunSummary
	HasSummary      bool
	Checkpoint      *model.CheckpointRecord
	DensityOfStates *model.DensityOfStatesRecord
}

func (c *Client) Inspect(ctx context.Context, req InspectRequest) (InspectResult, error) {
	runID, err := c.resolveRunID(req.RunID, req.Latest)
	if err != nil {
		return InspectResult{}, err
	}
	var out InspectResult
	out.Summary, out.HasSummary, err = stats.ReadRunSummary(c.resultDir, runID)
	if err != nil {
		return InspectResult{}, err
	}
	cp, ok, err := c.store.GetCheckpoint(ctx, runID)
	if err != nil {
		return InspectResult{}, err
	}
	if ok {
		out.Checkpoint = &cp
	}
	dos, ok, err := c.store.GetDensityOfStates(ctx, runID)
	if err != nil {
		return InspectResult{}, err
	}
	if ok {
		out.DensityOfStates = &dos
	}
	if !out.HasSummary && out.Checkpoint == nil {
		return InspectResult{}, fmt.Errorf("run not found: %s", runID)
	}
	return out, nil
}

type ExportRequest struct {
	RunID  string
	Latest bool
	OutDir string
}

type ExportSummary struct {
	RunID     string
	Directory string
}

func (c *Client) Export(_ context.Context, req ExportRequest) (ExportSummary, error) {
	runID, err := c.resolveRunID(req.RunID, req.Latest)
	if err != nil {
		return ExportSummary{}, err
	}
	if req.OutDir == "" {
		req.OutDir = c.exportDir
	}
	exportedDir, err := stats.ExportRunArtifacts(c.resultDir, runID, req.OutDir)
	if err != nil {
		return ExportSummary{}, err
	}
	return ExportSummary{RunID: runID, Directory: filepath.Clean(exportedDir)}, nil
}

func (c *Client) resolveRunID(runID string, latest bool) (string, error) {
	if runID != "" && latest {
		return "", errors.New("use either run id or latest")
	}
	if runID == "" && !latest {
		return "", errors.New("run id or latest is required")
	}
	if runID != "" {
		return runID, nil
	}
	entries, err := stats.ListRunIndex(c.resultDir)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", errors.New("no runs available")
	}
	return entries[0].RunID, nil
}

// finish writes the summary artifacts and the run index entry.
func (c *Client) finish(ctx context.Context, p RunParameters, summary stats.RunSummary, history []model.CostSample) (string, error) {
	cfg, err := p.JSON()
	if err != nil {
		return "", err
	}
	dir, err := stats.WriteRunArtifacts(p.ResultDir, stats.RunArtifacts{
		Config:      cfg,
		Summary:     summary,
		CostHistory: history,
	})
	if err != nil {
		return "", fmt.Errorf("write run artifacts: %w", err)
	}
	if err := stats.AppendRunIndex(p.ResultDir, stats.RunIndexEntry{
		RunID:        summary.RunID,
		RunType:      summary.RunType,
		NSpins:       summary.NSpins,
		Status:       summary.Status,
		Iterations:   summary.Iterations,
		CostM1:       summary.FinalCost.M1,
		CostM2:       summary.FinalCost.M2,
		CreatedAtUTC: time.Now().UTC().Format(indexTimeLayout),
	}); err != nil {
		return "", fmt.Errorf("append run index: %w", err)
	}
	if len(history) > 0 {
		if err := c.store.SaveCostHistory(ctx, model.CostHistory{RunID: summary.RunID, Samples: history}); err != nil {
			return "", fmt.Errorf("save cost history: %w", err)
		}
	}
	c.metrics.IncRuns(summary.RunType, summary.Status)
	return dir, nil
}
