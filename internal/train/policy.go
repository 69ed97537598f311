package train

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"

	"maxent/internal/model"
)

// Hyper holds the learning hyperparameters of one parameter block.
type Hyper struct {
	Eta           float64 `json:"eta"`
	Alpha         float64 `json:"alpha"`
	Gamma         float64 `json:"gamma"`
	EtaMin        float64 `json:"eta_min"`
	Adaptive      bool    `json:"adaptive"`
	DropThreshold float64 `json:"grad_drop_threshold"`
}

// UpdatePolicy moves params along grad = data - model. t starts at 1.
type UpdatePolicy interface {
	Name() string
	Apply(t int, params, grad []float64, st *model.BlockState, hp Hyper)
}

const secantEpsilon = 1e-8

type PowerLawPolicy struct{}

func (PowerLawPolicy) Name() string { return "power_law" }

func (PowerLawPolicy) Apply(t int, params, grad []float64, st *model.BlockState, hp Hyper) {
	if t < 1 {
		t = 1
	}
	st.Eta = hp.Eta * math.Pow(float64(t), -hp.Gamma)
	momentumStep(params, grad, st, hp.Alpha)
}

// AdaptivePolicy updates every coordinate and shrinks the rate whenever the
// gradient norm stops dropping by at least DropThreshold.
type AdaptivePolicy struct{}

func (AdaptivePolicy) Name() string { return "adaptive" }

func (AdaptivePolicy) Apply(_ int, params, grad []float64, st *model.BlockState, hp Hyper) {
	decayRate(st, floats.Norm(grad, 2), hp)
	momentumStep(params, grad, st, hp.Alpha)
}

// SequentialPolicy updates only the coordinate with the largest |gradient|.
type SequentialPolicy struct{}

func (SequentialPolicy) Name() string { return "sequential" }

func (SequentialPolicy) Apply(_ int, params, grad []float64, st *model.BlockState, hp Hyper) {
	if len(grad) == 0 {
		return
	}
	decayRate(st, floats.Norm(grad, 2), hp)
	ensureLen(&st.Delta, len(params))
	idx := argmaxAbs(grad)
	st.Delta[idx] = st.Eta*grad[idx] + hp.Alpha*st.Delta[idx]
	params[idx] += st.Delta[idx]
}

// SecantPolicy takes per-coordinate secant steps toward model = data using
// the previous parameter and gradient. The first step has no history and is
// a plain gradient step.
type SecantPolicy struct{}

func (SecantPolicy) Name() string { return "secant" }

func (SecantPolicy) Apply(_ int, params, grad []float64, st *model.BlockState, hp Hyper) {
	if len(st.PrevParams) != len(params) || len(st.PrevGrad) != len(grad) {
		st.PrevParams = append(st.PrevParams[:0], params...)
		st.PrevGrad = append(st.PrevGrad[:0], grad...)
		st.LastGradNorm = floats.Norm(grad, 2)
		st.HasGradNorm = true
		momentumStep(params, grad, st, hp.Alpha)
		return
	}
	decayRate(st, floats.Norm(grad, 2), hp)
	ensureLen(&st.Delta, len(params))
	for i := range params {
		step := 0.0
		dTheta := params[i] - st.PrevParams[i]
		if math.Abs(dTheta) > secantEpsilon {
			slope := (grad[i] - st.PrevGrad[i]) / dTheta
			if math.Abs(slope) > secantEpsilon {
				step = -st.Eta * grad[i] / slope
			}
		}
		st.PrevParams[i] = params[i]
		params[i] += step + hp.Alpha*st.Delta[i]
		st.Delta[i] = step
	}
	copy(st.PrevGrad, grad)
}

// momentumStep applies delta = eta*grad plus alpha times the previous delta.
func momentumStep(params, grad []float64, st *model.BlockState, alpha float64) {
	ensureLen(&st.Delta, len(params))
	for i := range params {
		step := st.Eta * grad[i]
		params[i] += step + alpha*st.Delta[i]
		st.Delta[i] = step
	}
}

func decayRate(st *model.BlockState, norm float64, hp Hyper) {
	if hp.Adaptive && st.HasGradNorm && norm > st.LastGradNorm-hp.DropThreshold {
		st.Eta = math.Max(st.Eta*math.Exp(-hp.Gamma*norm), hp.EtaMin)
	}
	st.LastGradNorm = norm
	st.HasGradNorm = true
}

func argmaxAbs(v []float64) int {
	best, idx := -1.0, 0
	for i, x := range v {
		if a := math.Abs(x); a > best {
			best, idx = a, i
		}
	}
	return idx
}

func ensureLen(buf *[]float64, n int) {
	if len(*buf) != n {
		*buf = make([]float64, n)
	}
}

// UpdatePolicyFromConfig accepts policy names or the single-letter update
// type codes p, g, s and n.
func UpdatePolicyFromConfig(name string) (UpdatePolicy, error) {
	switch NormalizeUpdatePolicyName(name) {
	case "power_law":
		return PowerLawPolicy{}, nil
	case "adaptive":
		return AdaptivePolicy{}, nil
	case "sequential":
		return SequentialPolicy{}, nil
	case "secant":
		return SecantPolicy{}, nil
	default:
		return nil, fmt.Errorf("unsupported update policy: %s", name)
	}
}

func NormalizeUpdatePolicyName(name string) string {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "p", "power_law", "plaw", "legacy":
		return "power_law"
	case "g", "adaptive", "parallel", "grad":
		return "adaptive"
	case "s", "sequential", "seq":
		return "sequential"
	case "n", "c", "secant":
		return "secant"
	default:
		return name
	}
}
