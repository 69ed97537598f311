package maxent

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"maxent/internal/estimator"
	"maxent/internal/train"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Run types.
const (
	RunTypeFullEnsemble     = "full_ensemble"
	RunTypeHeatBath         = "heat_bath"
	RunTypeWangLandau       = "wang_landau"
	RunTypeGenerate         = "generate"
	RunTypeTemperatureSweep = "temperature_sweep"
)

// RunParameters is the configuration of one run. Its JSON form is stored as
// run_parameters in every model file.
type RunParameters struct {
	RunType          string `json:"run_type" yaml:"run_type" validate:"required,oneof=full_ensemble heat_bath wang_landau generate temperature_sweep"`
	RunID            string `json:"runid" yaml:"runid"`
	RawDataFile      string `json:"raw_data_file,omitempty" yaml:"raw_data_file"`
	TrainedModelFile string `json:"trained_model_file,omitempty" yaml:"trained_model_file"`
	// ResultDir overrides the client's result directory for this run.
	ResultDir        string `json:"result_dir,omitempty" yaml:"result_dir"`
	NSpins           int    `json:"nspins" yaml:"nspins" validate:"gte=0"`
	// Resume continues from the stored checkpoint of RunID.
	Resume           bool   `json:"resume,omitempty" yaml:"resume"`
	ResetParameters  bool   `json:"reset_parameters,omitempty" yaml:"reset_parameters"`

	QVal float64 `json:"q_val" yaml:"q_val" validate:"gt=0"`
	Beta float64 `json:"beta" yaml:"beta" validate:"gt=0"`

	MaxIterations     int     `json:"maxIterations" yaml:"maxIterations" validate:"gte=0"`
	ToleranceH        float64 `json:"tolerance_h" yaml:"tolerance_h" validate:"gt=0"`
	ToleranceJ        float64 `json:"tolerance_J" yaml:"tolerance_J" validate:"gt=0"`
	ToleranceK        float64 `json:"tolerance_K" yaml:"tolerance_K" validate:"gt=0"`
	EtaH              float64 `json:"eta_h" yaml:"eta_h" validate:"gt=0"`
	EtaJ              float64 `json:"eta_J" yaml:"eta_J" validate:"gt=0"`
	EtaK              float64 `json:"eta_K" yaml:"eta_K" validate:"gt=0"`
	AlphaH            float64 `json:"alpha_h" yaml:"alpha_h" validate:"gte=0,lt=1"`
	AlphaJ            float64 `json:"alpha_J" yaml:"alpha_J" validate:"gte=0,lt=1"`
	AlphaK            float64 `json:"alpha_K" yaml:"alpha_K" validate:"gte=0,lt=1"`
	GammaH            float64 `json:"gamma_h" yaml:"gamma_h" validate:"gte=0"`
	GammaJ            float64 `json:"gamma_J" yaml:"gamma_J" validate:"gte=0"`
	GammaK            float64 `json:"gamma_K" yaml:"gamma_K" validate:"gte=0"`
	UpdateType        string  `json:"update_type" yaml:"update_type"`
	AdaptiveEtaH      bool    `json:"adaptive_eta_h" yaml:"adaptive_eta_h"`
	AdaptiveEtaJ      bool    `json:"adaptive_eta_J" yaml:"adaptive_eta_J"`
	AdaptiveEtaK      bool    `json:"adaptive_eta_K" yaml:"adaptive_eta_K"`
	EtaHMin           float64 `json:"eta_h_min" yaml:"eta_h_min" validate:"gte=0"`
	EtaJMin           float64 `json:"eta_J_min" yaml:"eta_J_min" validate:"gte=0"`
	EtaKMin           float64 `json:"eta_K_min" yaml:"eta_K_min" validate:"gte=0"`
	GradDropThreshold float64 `json:"grad_drop_threshold" yaml:"grad_drop_threshold" validate:"gte=0"`
	SaveCheckpoint    int     `json:"save_checkpoint" yaml:"save_checkpoint" validate:"gte=0"`
	KPairwise         bool    `json:"k_pairwise" yaml:"k_pairwise"`

	RNGSeed           int64  `json:"rng_seed" yaml:"rng_seed"`
	StepEquilibration int    `json:"step_equilibration" yaml:"step_equilibration" validate:"gte=0"`
	StepCorrelation   int    `json:"step_correlation" yaml:"step_correlation" validate:"gte=1"`
	NumSamples        int    `json:"num_samples" yaml:"num_samples" validate:"gte=1"`
	NumberRepetitions int    `json:"number_repetitions" yaml:"number_repetitions" validate:"gte=1"`
	Workers           int    `json:"workers" yaml:"workers" validate:"gte=0"`
	Enumeration       string `json:"enumeration" yaml:"enumeration" validate:"omitempty,oneof=gray binary"`
	TopKStates        int    `json:"top_k_states" yaml:"top_k_states" validate:"gte=0"`

	LogFFinal            float64 `json:"log_f_final" yaml:"log_f_final" validate:"gt=0"`
	EnergyBin            float64 `json:"energy_bin" yaml:"energy_bin" validate:"gt=0"`
	FlatnessThreshold    float64 `json:"flatness_threshold" yaml:"flatness_threshold" validate:"gt=0,lt=1"`
	PreMaxIterations     int     `json:"pre_maxIterations" yaml:"pre_maxIterations" validate:"gte=0"`
	PreStepEquilibration int     `json:"pre_step_equilibration" yaml:"pre_step_equilibration" validate:"gte=0"`
	PreStepCorrelation   int     `json:"pre_step_correlation" yaml:"pre_step_correlation" validate:"gte=1"`
	PreNumSamples        int     `json:"pre_num_samples" yaml:"pre_num_samples" validate:"gte=1"`

	TemperatureRange []float64 `json:"temperature_range,omitempty" yaml:"temperature_range" validate:"dive,gt=0"`

	GenHMean  float64 `json:"gen_h_mean" yaml:"gen_h_mean"`
	GenHWidth float64 `json:"gen_h_width" yaml:"gen_h_width" validate:"gte=0"`
	GenJMean  float64 `json:"gen_J_mean" yaml:"gen_J_mean"`
	GenJWidth float64 `json:"gen_J_width" yaml:"gen_J_width" validate:"gte=0"`
}

func DefaultRunParameters() RunParameters {
	return RunParameters{
		RunType:              RunTypeFullEnsemble,
		QVal:                 1,
		Beta:                 1,
		MaxIterations:        1000,
		ToleranceH:           1e-4,
		ToleranceJ:           1e-4,
		ToleranceK:           1e-4,
		EtaH:                 0.1,
		EtaJ:                 0.1,
		EtaK:                 0.1,
		AlphaH:               0.1,
		AlphaJ:               0.1,
		AlphaK:               0.1,
		GammaH:               0.2,
		GammaJ:               0.2,
		GammaK:               0.2,
		UpdateType:           "power_law",
		EtaHMin:              1e-4,
		EtaJMin:              1e-4,
		EtaKMin:              1e-4,
		SaveCheckpoint:       100,
		RNGSeed:              1,
		StepEquilibration:    1000,
		StepCorrelation:      10,
		NumSamples:           1000,
		NumberRepetitions:    4,
		Enumeration:          string(estimator.OrderingGray),
		LogFFinal:            1e-6,
		EnergyBin:            0.2,
		FlatnessThreshold:    0.8,
		PreMaxIterations:     200,
		PreStepEquilibration: 1000,
		PreStepCorrelation:   10,
		PreNumSamples:        1000,
		GenHMean:             -1,
		GenHWidth:            2,
		GenJMean:             0,
		GenJWidth:            0.5,
	}
}

// LoadRunParameters reads YAML for .yaml/.yml paths and JSON otherwise.
// Keys absent from the file keep their defaults; unknown keys are errors.
func LoadRunParameters(path string) (RunParameters, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RunParameters{}, err
	}
	p := DefaultRunParameters()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&p); err != nil {
			return RunParameters{}, fmt.Errorf("%w: decode %s: %v", ErrInvalidConfig, path, err)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&p); err != nil {
			return RunParameters{}, fmt.Errorf("%w: decode %s: %v", ErrInvalidConfig, path, err)
		}
	}
	return p, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field ranges and the combinations each run type needs.
func (p RunParameters) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if _, err := train.UpdatePolicyFromConfig(p.UpdateType); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	switch p.RunType {
	case RunTypeFullEnsemble, RunTypeHeatBath, RunTypeWangLandau:
		if p.RawDataFile == "" && p.TrainedModelFile == "" && !p.Resume {
			return fmt.Errorf("%w: %s needs raw_data_file, trained_model_file or resume", ErrInvalidConfig, p.RunType)
		}
		if p.RawDataFile != "" && p.TrainedModelFile != "" {
			return fmt.Errorf("%w: use either raw_data_file or trained_model_file", ErrInvalidConfig)
		}
	case RunTypeGenerate:
		if p.NSpins <= 0 {
			return fmt.Errorf("%w: generate needs nspins > 0", ErrInvalidConfig)
		}
	case RunTypeTemperatureSweep:
		if p.TrainedModelFile == "" {
			return fmt.Errorf("%w: temperature_sweep needs trained_model_file", ErrInvalidConfig)
		}
		if len(p.TemperatureRange) == 0 {
			return fmt.Errorf("%w: temperature_sweep needs a non-empty temperature_range", ErrInvalidConfig)
		}
	}
	if p.RunType == RunTypeFullEnsemble && p.NSpins > estimator.MaxExactSpins {
		return fmt.Errorf("%w: full_ensemble supports at most %d spins", ErrInvalidConfig, estimator.MaxExactSpins)
	}
	return nil
}

// WithDefaults fills the run id and worker count.
func (p RunParameters) WithDefaults() RunParameters {
	if p.RunID == "" {
		p.RunID = uuid.NewString()
	}
	if p.Workers <= 0 {
		p.Workers = estimator.DefaultWorkers()
	}
	return p
}

func (p RunParameters) JSON() (json.RawMessage, error) {
	return json.Marshal(p)
}

func (p RunParameters) hyper() (h, j, k train.Hyper) {
	h = train.Hyper{Eta: p.EtaH, Alpha: p.AlphaH, Gamma: p.GammaH, EtaMin: p.EtaHMin, Adaptive: p.AdaptiveEtaH, DropThreshold: p.GradDropThreshold}
	j = train.Hyper{Eta: p.EtaJ, Alpha: p.AlphaJ, Gamma: p.GammaJ, EtaMin: p.EtaJMin, Adaptive: p.AdaptiveEtaJ, DropThreshold: p.GradDropThreshold}
	k = train.Hyper{Eta: p.EtaK, Alpha: p.AlphaK, Gamma: p.GammaK, EtaMin: p.EtaKMin, Adaptive: p.AdaptiveEtaK, DropThreshold: p.GradDropThreshold}
	return h, j, k
}
