package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// Model file types.
const (
	TypeFullEnsemble = "full_ensemble"
	TypeHeatBath     = "heat_bath"
	TypeWangLandau   = "wang_landau"
	TypeSynthetic    = "synthetic"
)

// Moments holds spin expectations of first, second and third order and the
// population-count distribution.
type Moments struct {
	M1 []float64 `json:"m1"`
	M2 []float64 `json:"m2"`
	M3 []float64 `json:"m3,omitempty"`
	PK []float64 `json:"pK,omitempty"`
}

func (m Moments) Clone() Moments {
	return Moments{
		M1: cloneFloats(m.M1),
		M2: cloneFloats(m.M2),
		M3: cloneFloats(m.M3),
		PK: cloneFloats(m.PK),
	}
}

// Validate checks vector lengths against n spins. Empty m3 and pK are allowed.
func (m Moments) Validate(n int) error {
	if len(m.M1) != n {
		return fmt.Errorf("%w: m1 has %d entries, want %d", ErrShapeMismatch, len(m.M1), n)
	}
	if len(m.M2) != NumEdges(n) {
		return fmt.Errorf("%w: m2 has %d entries, want %d", ErrShapeMismatch, len(m.M2), NumEdges(n))
	}
	if len(m.M3) != 0 && len(m.M3) != NumTriplets(n) {
		return fmt.Errorf("%w: m3 has %d entries, want %d", ErrShapeMismatch, len(m.M3), NumTriplets(n))
	}
	if len(m.PK) != 0 && len(m.PK) != n+1 {
		return fmt.Errorf("%w: pK has %d entries, want %d", ErrShapeMismatch, len(m.PK), n+1)
	}
	return nil
}

// BlockState is the optimizer state of one parameter block (h, J or K).
type BlockState struct {
	Eta          float64   `json:"eta"`
	LastGradNorm float64   `json:"last_grad_norm"`
	HasGradNorm  bool      `json:"has_grad_norm"`
	Delta        []float64 `json:"delta"`
	PrevGrad     []float64 `json:"prev_grad,omitempty"`
	PrevParams   []float64 `json:"prev_params,omitempty"`
}

func (b BlockState) Clone() BlockState {
	out := b
	out.Delta = cloneFloats(b.Delta)
	out.PrevGrad = cloneFloats(b.PrevGrad)
	out.PrevParams = cloneFloats(b.PrevParams)
	return out
}

type TrainingState struct {
	Iter int        `json:"iter"`
	H    BlockState `json:"h"`
	J    BlockState `json:"J"`
	K    BlockState `json:"K"`
}

func (s TrainingState) Clone() TrainingState {
	return TrainingState{Iter: s.Iter, H: s.H.Clone(), J: s.J.Clone(), K: s.K.Clone()}
}

// ModelFile is the persisted model written at checkpoints and at the end of a run.
type ModelFile struct {
	VersionedRecord
	Type             string          `json:"type"`
	RunID            string          `json:"runid,omitempty"`
	Iter             int             `json:"iter"`
	Status           string          `json:"status,omitempty"`
	H                []float64       `json:"h"`
	J                []float64       `json:"J"`
	K                []float64       `json:"K"`
	AvgEnergy        float64         `json:"avg_energy"`
	AvgEnergySq      float64         `json:"avg_energy_sq"`
	AvgMagnetization float64         `json:"avg_magnetization"`
	M1Data           []float64       `json:"m1_data"`
	M2Data           []float64       `json:"m2_data"`
	M3Data           []float64       `json:"m3_data"`
	M1Model          []float64       `json:"m1_model"`
	M2Model          []float64       `json:"m2_model"`
	M3Model          []float64       `json:"m3_model"`
	PKData           []float64       `json:"pK_data"`
	PKModel          []float64       `json:"pK_model"`
	M2DataCentered   []float64       `json:"m2_data_centered,omitempty"`
	M2ModelCentered  []float64       `json:"m2_model_centered,omitempty"`
	M3DataCentered   []float64       `json:"m3_data_centered,omitempty"`
	M3ModelCentered  []float64       `json:"m3_model_centered,omitempty"`
	TrainingState    *TrainingState  `json:"training_state,omitempty"`
	RunParameters    json.RawMessage `json:"run_parameters,omitempty"`
}

// NSpins reports the size recorded in run_parameters, or len(h) when the
// parameters carry no nspins entry.
func (f ModelFile) NSpins() (int, error) {
	if len(f.RunParameters) == 0 {
		return len(f.H), nil
	}
	var params struct {
		NSpins *int `json:"nspins"`
	}
	if err := json.Unmarshal(f.RunParameters, &params); err != nil {
		return 0, fmt.Errorf("decode run_parameters: %w", err)
	}
	if params.NSpins == nil {
		return len(f.H), nil
	}
	return *params.NSpins, nil
}

func (f ModelFile) DataMoments() Moments {
	return Moments{M1: f.M1Data, M2: f.M2Data, M3: f.M3Data, PK: f.PKData}
}

func (f ModelFile) ModelMoments() Moments {
	return Moments{M1: f.M1Model, M2: f.M2Model, M3: f.M3Model, PK: f.PKModel}
}

// CostSample is one row of a run's convergence history.
type CostSample struct {
	Iter   int     `json:"iter"`
	Total  float64 `json:"total"`
	M1     float64 `json:"cost_m1"`
	M2     float64 `json:"cost_m2"`
	PK     float64 `json:"cost_pk,omitempty"`
	EtaH   float64 `json:"eta_h"`
	EtaJ   float64 `json:"eta_J"`
	EtaK   float64 `json:"eta_K,omitempty"`
	Millis int64   `json:"elapsed_ms"`
}

type CostHistory struct {
	VersionedRecord
	RunID   string       `json:"runid"`
	Samples []CostSample `json:"samples"`
}

// DensityOfStatesRecord is a snapshot of a Wang-Landau log g(E) table.
type DensityOfStatesRecord struct {
	VersionedRecord
	RunID     string          `json:"runid"`
	Iter      int             `json:"iter"`
	EnergyBin float64         `json:"energy_bin"`
	LogG      map[int]float64 `json:"log_g"`
	LogF      float64         `json:"log_f"`
	Rounds    int             `json:"rounds"`
}

type CheckpointRecord struct {
	VersionedRecord
	RunID     string    `json:"runid"`
	SavedAt   time.Time `json:"saved_at"`
	ModelFile ModelFile `json:"model"`
}

func cloneFloats(in []float64) []float64 {
	if in == nil {
		return nil
	}
	out := make([]float64, len(in))
	copy(out, in)
	return out
}
