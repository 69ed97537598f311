package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"maxent/internal/telemetry"
	"maxent/pkg/maxent"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	return execute(ctx, args, os.Stdout, os.Stderr)
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	root := newRootCommand(stdout, stderr)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	storeKind   string
	dbPath      string
	resultDir   string
	exportDir   string
	logLevel    string
	logFormat   string
	metricsAddr string
	traceFile   string
}

type app struct {
	flags  globalFlags
	stdout io.Writer
	stderr io.Writer
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdout: stdout, stderr: stderr}
	root := &cobra.Command{
		Use:           "maxentctl",
		Short:         "Train and inspect maximum-entropy spin models",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&a.flags.storeKind, "store", "badger", "store backend: memory|badger|sqlite")
	pf.StringVar(&a.flags.dbPath, "db-path", "maxent.db", "badger directory or sqlite database path")
	pf.StringVar(&a.flags.resultDir, "result-dir", "results", "directory for run artifacts")
	pf.StringVar(&a.flags.exportDir, "export-dir", "exports", "directory for exported runs")
	pf.StringVar(&a.flags.logLevel, "log-level", "info", "log level: debug|info|warn|error")
	pf.StringVar(&a.flags.logFormat, "log-format", "auto", "log format: auto|text|json")
	pf.StringVar(&a.flags.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address while running")
	pf.StringVar(&a.flags.traceFile, "trace-file", "", "write trace spans as JSON to this file")

	root.AddCommand(
		a.runCommand("run", "Run the configuration as given", func(ctx context.Context, c *maxent.Client, p maxent.RunParameters) (maxent.RunResult, error) {
			return c.Run(ctx, p)
		}),
		a.runCommand("train", "Train a model with full_ensemble, heat_bath or wang_landau", func(ctx context.Context, c *maxent.Client, p maxent.RunParameters) (maxent.RunResult, error) {
			return c.Train(ctx, p)
		}),
		a.runCommand("generate", "Generate a synthetic model and its moments", func(ctx context.Context, c *maxent.Client, p maxent.RunParameters) (maxent.RunResult, error) {
			return c.Generate(ctx, p)
		}),
		a.runCommand("sweep", "Compute thermodynamics of a trained model over temperatures", func(ctx context.Context, c *maxent.Client, p maxent.RunParameters) (maxent.RunResult, error) {
			return c.TemperatureSweep(ctx, p)
		}),
		a.runsCommand(),
		a.inspectCommand(),
		a.historyCommand(),
		a.exportCommand(),
	)
	return root
}

// session is an initialized client plus whatever serving it needs.
type session struct {
	client  *maxent.Client
	cleanup []func()
}

func (s *session) close() {
	for i := len(s.cleanup) - 1; i >= 0; i-- {
		s.cleanup[i]()
	}
}

func (a *app) open(ctx context.Context) (*session, error) {
	logger, err := telemetry.NewLogger(a.stderr, a.flags.logLevel, a.flags.logFormat)
	if err != nil {
		return nil, err
	}
	s := &session{}
	opts := maxent.Options{
		StoreKind: a.flags.storeKind,
		DBPath:    a.flags.dbPath,
		ResultDir: a.flags.resultDir,
		ExportDir: a.flags.exportDir,
		Logger:    logger,
	}

	if a.flags.traceFile != "" {
		f, err := os.Create(a.flags.traceFile)
		if err != nil {
			return nil, fmt.Errorf("create trace file: %w", err)
		}
		shutdown, err := telemetry.InitTracing(f)
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		s.cleanup = append(s.cleanup, func() {
			if err := shutdown(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("flush traces", slog.Any("error", err))
			}
			_ = f.Close()
		})
	}

	if a.flags.metricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		opts.Registerer = reg
		stopMetrics, err := serveMetrics(a.flags.metricsAddr, reg, logger)
		if err != nil {
			s.close()
			return nil, err
		}
		s.cleanup = append(s.cleanup, stopMetrics)
	}

	client, err := maxent.New(opts)
	if err != nil {
		s.close()
		return nil, err
	}
	s.client = client
	s.cleanup = append(s.cleanup, func() {
		if err := client.Close(); err != nil {
			logger.Warn("close store", slog.Any("error", err))
		}
	})
	if err := client.Init(ctx); err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

func serveMetrics(addr string, gatherer prometheus.Gatherer, logger *slog.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen metrics: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler(gatherer))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", slog.Any("error", err))
		}
	}()
	logger.Info("serving metrics", slog.String("addr", ln.Addr().String()))
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

// runFlags override configuration file values when set explicitly.
type runFlags struct {
	config       string
	runID        string
	runType      string
	nspins       int
	rawData      string
	modelFile    string
	maxIter      int
	seed         int64
	workers      int
	updateType   string
	kPairwise    bool
	resume       bool
	reset        bool
	temperatures []float64
}

type runFunc func(context.Context, *maxent.Client, maxent.RunParameters) (maxent.RunResult, error)

func (a *app) runCommand(use, short string, fn runFunc) *cobra.Command {
	var rf runFlags
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := rf.parameters(cmd)
			if err != nil {
				return err
			}
			s, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()

			res, err := fn(cmd.Context(), s.client, p)
			if res.Summary.RunID != "" {
				printSummary(a.stdout, res)
			}
			return err
		},
	}
	f := cmd.Flags()
	f.StringVar(&rf.config, "config", "", "run parameters file (.json, .yaml or .yml)")
	f.StringVar(&rf.runID, "runid", "", "run id (default: generated)")
	f.StringVar(&rf.runType, "run-type", "", "full_ensemble|heat_bath|wang_landau|generate|temperature_sweep")
	f.IntVar(&rf.nspins, "nspins", 0, "number of spins")
	f.StringVar(&rf.rawData, "raw-data", "", "CSV of ±1 samples")
	f.StringVar(&rf.modelFile, "model-file", "", "trained model file")
	f.IntVar(&rf.maxIter, "max-iterations", 0, "maximum training iterations")
	f.Int64Var(&rf.seed, "seed", 0, "random seed")
	f.IntVar(&rf.workers, "workers", 0, "estimator workers")
	f.StringVar(&rf.updateType, "update-type", "", "power_law|adaptive|sequential|secant")
	f.BoolVar(&rf.kPairwise, "k-pairwise", false, "fit the population-count potential")
	f.BoolVar(&rf.resume, "resume", false, "continue from the stored checkpoint of --runid")
	f.BoolVar(&rf.reset, "reset-parameters", false, "start from zero parameters")
	f.Float64SliceVar(&rf.temperatures, "temperatures", nil, "temperatures for a sweep")
	return cmd
}

func (rf runFlags) parameters(cmd *cobra.Command) (maxent.RunParameters, error) {
	p := maxent.DefaultRunParameters()
	if rf.config != "" {
		loaded, err := maxent.LoadRunParameters(rf.config)
		if err != nil {
			return maxent.RunParameters{}, err
		}
		p = loaded
	}
	f := cmd.Flags()
	if f.Changed("runid") {
		p.RunID = rf.runID
	}
	if f.Changed("run-type") {
		p.RunType = rf.runType
	}
	if f.Changed("nspins") {
		p.NSpins = rf.nspins
	}
	if f.Changed("raw-data") {
		p.RawDataFile = rf.rawData
	}
	if f.Changed("model-file") {
		p.TrainedModelFile = rf.modelFile
	}
	if f.Changed("max-iterations") {
		p.MaxIterations = rf.maxIter
	}
	if f.Changed("seed") {
		p.RNGSeed = rf.seed
	}
	if f.Changed("workers") {
		p.Workers = rf.workers
	}
	if f.Changed("update-type") {
		p.UpdateType = rf.updateType
	}
	if f.Changed("k-pairwise") {
		p.KPairwise = rf.kPairwise
	}
	if f.Changed("resume") {
		p.Resume = rf.resume
	}
	if f.Changed("reset-parameters") {
		p.ResetParameters = rf.reset
	}
	if f.Changed("temperatures") {
		p.TemperatureRange = rf.temperatures
	}
	return p, nil
}

func printSummary(w io.Writer, res maxent.RunResult) {
	s := res.Summary
	fmt.Fprintf(w, "run_id=%s type=%s status=%s nspins=%d iterations=%s cost_m1=%.6g cost_m2=%.6g elapsed=%s\n",
		s.RunID, s.RunType, s.Status, s.NSpins, humanize.Comma(int64(s.Iterations)),
		s.FinalCost.M1, s.FinalCost.M2,
		time.Duration(s.ElapsedSec*float64(time.Second)).Round(time.Millisecond),
	)
	fmt.Fprintf(w, "artifacts=%s\n", res.Directory)
}

func (a *app) runsCommand() *cobra.Command {
	var limit int
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit <= 0 {
				return errors.New("limit must be > 0")
			}
			s, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()
			entries, err := s.client.Runs(cmd.Context(), maxent.RunsRequest{Limit: limit})
			if err != nil {
				return err
			}
			if jsonOut {
				return writeJSON(a.stdout, entries)
			}
			if len(entries) == 0 {
				fmt.Fprintln(a.stdout, "no runs found")
				return nil
			}
			for _, e := range entries {
				fmt.Fprintf(a.stdout, "run_id=%s type=%s nspins=%d status=%s iterations=%s cost_m1=%.4g cost_m2=%.4g created=%s\n",
					e.RunID, e.RunType, e.NSpins, e.Status, humanize.Comma(int64(e.Iterations)),
					e.CostM1, e.CostM2, createdAgo(e.CreatedAtUTC))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max runs to list")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "emit runs as JSON")
	return cmd
}

func createdAgo(ts string) string {
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return ts
	}
	return humanize.Time(t)
}

func (a *app) inspectCommand() *cobra.Command {
	var runID string
	var latest bool
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show the summary, checkpoint and density of states of a run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()
			res, err := s.client.Inspect(cmd.Context(), maxent.InspectRequest{RunID: runID, Latest: latest})
			if err != nil {
				return err
			}
			return writeJSON(a.stdout, res)
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "run id")
	cmd.Flags().BoolVar(&latest, "latest", false, "use the most recent run")
	return cmd
}

func (a *app) historyCommand() *cobra.Command {
	var runID string
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print the cost history of a run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if runID == "" {
				return errors.New("--run-id is required")
			}
			s, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()
			history, err := s.client.CostHistory(cmd.Context(), runID)
			if err != nil {
				return err
			}
			if jsonOut {
				return writeJSON(a.stdout, history)
			}
			for _, h := range history {
				fmt.Fprintf(a.stdout, "iter=%d cost=%.6g cost_m1=%.6g cost_m2=%.6g eta_h=%.4g eta_J=%.4g\n",
					h.Iter, h.Total, h.M1, h.M2, h.EtaH, h.EtaJ)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "run id")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "emit history as JSON")
	return cmd
}

func (a *app) exportCommand() *cobra.Command {
	var runID, outDir string
	var latest bool
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Copy a run's artifacts to an export directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()
			summary, err := s.client.Export(cmd.Context(), maxent.ExportRequest{RunID: runID, Latest: latest, OutDir: outDir})
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "exported run_id=%s dir=%s\n", summary.RunID, summary.Directory)
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "run id")
	cmd.Flags().BoolVar(&latest, "latest", false, "use the most recent run")
	cmd.Flags().StringVar(&outDir, "out", "", "output directory (default: --export-dir)")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
