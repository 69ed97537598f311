package stats

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"maxent/internal/estimator"
	"maxent/internal/model"
)

const runIndexFile = "run_index.json"

const (
	configFile      = "config.json"
	summaryFile     = "summary.json"
	costHistoryFile = "cost_history.csv"
)

// RunSummary describes how a run ended.
type RunSummary struct {
	RunID        string  `json:"runid"`
	RunType      string  `json:"run_type"`
	NSpins       int     `json:"nspins"`
	Estimator    string  `json:"estimator,omitempty"`
	UpdatePolicy string  `json:"update_policy,omitempty"`
	Status       string  `json:"status"`
	Iterations   int     `json:"iterations"`
	FinalCost    Cost    `json:"final_cost"`
	ModelFile    string  `json:"model_file,omitempty"`
	ElapsedSec   float64 `json:"elapsed_sec"`
}

type RunArtifacts struct {
	Config      json.RawMessage
	Summary     RunSummary
	CostHistory []model.CostSample
}

type RunIndexEntry struct {
	RunID        string  `json:"runid"`
	RunType      string  `json:"run_type"`
	NSpins       int     `json:"nspins"`
	Status       string  `json:"status"`
	Iterations   int     `json:"iterations"`
	CostM1       float64 `json:"cost_m1"`
	CostM2       float64 `json:"cost_m2"`
	CreatedAtUTC string  `json:"created_at_utc"`
}

// RunDir is where a run's artifacts live.
func RunDir(baseDir, runID string) string {
	return filepath.Join(baseDir, runID)
}

func WriteRunArtifacts(baseDir string, artifacts RunArtifacts) (string, error) {
	if artifacts.Summary.RunID == "" {
		return "", fmt.Errorf("run id is required")
	}

	runDir := RunDir(baseDir, artifacts.Summary.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}
	if len(artifacts.Config) > 0 {
		if err := writeJSON(filepath.Join(runDir, configFile), artifacts.Config); err != nil {
			return "", err
		}
	}
	if err := writeJSON(filepath.Join(runDir, summaryFile), artifacts.Summary); err != nil {
		return "", err
	}
	if err := WriteCostHistory(filepath.Join(runDir, costHistoryFile), artifacts.CostHistory); err != nil {
		return "", err
	}
	return runDir, nil
}

func ReadRunSummary(baseDir, runID string) (RunSummary, bool, error) {
	data, err := os.ReadFile(filepath.Join(RunDir(baseDir, runID), summaryFile))
	if err != nil {
		if os.IsNotExist(err) {
			return RunSummary{}, false, nil
		}
		return RunSummary{}, false, err
	}
	var summary RunSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		return RunSummary{}, false, err
	}
	return summary, true, nil
}

func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		return err
	}

	for i := range index {
		if index[i].RunID == entry.RunID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}

	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	path := filepath.Join(baseDir, runIndexFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []RunIndexEntry{}, nil
		}
		return nil, err
	}

	var entries []RunIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}

	type indexedEntry struct {
		entry RunIndexEntry
		idx   int
	}
	indexed := make([]indexedEntry, len(entries))
	for i := range entries {
		indexed[i] = indexedEntry{entry: entries[i], idx: i}
	}
	sort.Slice(indexed, func(i, j int) bool {
		if indexed[i].entry.CreatedAtUTC == indexed[j].entry.CreatedAtUTC {
			// Prefer later appended entries for equal timestamps.
			return indexed[i].idx > indexed[j].idx
		}
		return indexed[i].entry.CreatedAtUTC > indexed[j].entry.CreatedAtUTC
	})

	sorted := make([]RunIndexEntry, 0, len(indexed))
	for _, item := range indexed {
		sorted = append(sorted, item.entry)
	}
	return sorted, nil
}

func ExportRunArtifacts(baseDir, runID, outDir string) (string, error) {
	if runID == "" {
		return "", fmt.Errorf("run id is required")
	}
	src := RunDir(baseDir, runID)
	entries, err := os.ReadDir(src)
	if err != nil {
		return "", err
	}
	dst := filepath.Join(outDir, runID)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := copyFile(filepath.Join(src, entry.Name()), filepath.Join(dst, entry.Name())); err != nil {
			return "", err
		}
	}
	return dst, nil
}

func WriteCostHistory(path string, samples []model.CostSample) error {
	rows := make([][]string, 0, len(samples))
	for _, s := range samples {
		rows = append(rows, []string{
			strconv.Itoa(s.Iter),
			formatFloat(s.Total),
			formatFloat(s.M1),
			formatFloat(s.M2),
			formatFloat(s.PK),
			formatFloat(s.EtaH),
			formatFloat(s.EtaJ),
			formatFloat(s.EtaK),
			strconv.FormatInt(s.Millis, 10),
		})
	}
	return writeCSV(path, []string{"iter", "total", "cost_m1", "cost_m2", "cost_pk", "eta_h", "eta_J", "eta_K", "elapsed_ms"}, rows)
}

func ReadCostHistory(path string) ([]model.CostSample, bool, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	if _, err := reader.Read(); err != nil {
		if err == io.EOF {
			return []model.CostSample{}, true, nil
		}
		return nil, false, err
	}
	samples := make([]model.CostSample, 0, 128)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, false, err
		}
		if len(record) != 9 {
			return nil, false, fmt.Errorf("cost history row must have 9 columns, got %d", len(record))
		}
		var s model.CostSample
		if s.Iter, err = strconv.Atoi(record[0]); err != nil {
			return nil, false, err
		}
		values := make([]float64, 7)
		for i := range values {
			if values[i], err = strconv.ParseFloat(record[i+1], 64); err != nil {
				return nil, false, err
			}
		}
		s.Total, s.M1, s.M2, s.PK, s.EtaH, s.EtaJ, s.EtaK = values[0], values[1], values[2], values[3], values[4], values[5], values[6]
		if s.Millis, err = strconv.ParseInt(record[8], 10, 64); err != nil {
			return nil, false, err
		}
		samples = append(samples, s)
	}
	return samples, true, nil
}

// ThermoPoint is one temperature of a thermodynamic sweep.
type ThermoPoint struct {
	T             float64 `json:"T"`
	Beta          float64 `json:"beta"`
	Energy        float64 `json:"energy"`
	EnergySq      float64 `json:"energy_sq"`
	SpecificHeat  float64 `json:"specific_heat"`
	Magnetization float64 `json:"magnetization"`
	QMax          float64 `json:"q_max"`
}

// NewThermoPoint derives C_v = (<E^2>-<E>^2)/T^2.
func NewThermoPoint(t, energy, energySq, magnetization float64) ThermoPoint {
	return ThermoPoint{
		T:             t,
		Beta:          1 / t,
		Energy:        energy,
		EnergySq:      energySq,
		SpecificHeat:  (energySq - energy*energy) / (t * t),
		Magnetization: magnetization,
	}
}

func WriteThermoSweep(path string, points []ThermoPoint) error {
	rows := make([][]string, 0, len(points))
	for _, p := range points {
		rows = append(rows, []string{
			formatFloat(p.T),
			formatFloat(p.Beta),
			formatFloat(p.Energy),
			formatFloat(p.EnergySq),
			formatFloat(p.SpecificHeat),
			formatFloat(p.Magnetization),
			formatFloat(p.QMax),
		})
	}
	return writeCSV(path, []string{"T", "beta", "energy", "energy_sq", "specific_heat", "magnetization", "q_max"}, rows)
}

func WriteHistogram(path string, h Histogram) error {
	rows := make([][]string, 0, len(h.Centers))
	for i := range h.Centers {
		rows = append(rows, []string{formatFloat(h.Centers[i]), formatFloat(h.Density[i])})
	}
	return writeCSV(path, []string{"q", "density"}, rows)
}

func WriteTopStates(path string, nspins int, states []estimator.State) error {
	header := []string{"prob", "energy"}
	for i := 0; i < nspins; i++ {
		header = append(header, fmt.Sprintf("s%02d", i+1))
	}
	rows := make([][]string, 0, len(states))
	for _, st := range states {
		row := []string{formatFloat(st.Probability), formatFloat(st.Energy)}
		for _, v := range st.Spins {
			row = append(row, strconv.Itoa(int(v)))
		}
		rows = append(rows, row)
	}
	return writeCSV(path, header, rows)
}

func writeCSV(path string, header []string, rows [][]string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(header); err != nil {
		return err
	}
	if err := writer.WriteAll(rows); err != nil {
		return err
	}
	return writer.Error()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

// ReadRunCostHistory reads the cost history CSV written with a run's artifacts.
func ReadRunCostHistory(baseDir, runID string) ([]model.CostSample, bool, error) {
	return ReadCostHistory(filepath.Join(RunDir(baseDir, runID), costHistoryFile))
}
