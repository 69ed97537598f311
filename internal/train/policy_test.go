package train

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maxent/internal/model"
)

// tanhGrad is the gradient of a toy model whose moments are tanh(theta).
func tanhGrad(targets, params []float64) []float64 {
	grad := make([]float64, len(params))
	for i := range params {
		grad[i] = targets[i] - math.Tanh(params[i])
	}
	return grad
}

func TestPowerLawPolicyRate(t *testing.T) {
	params := []float64{0}
	st := &model.BlockState{}
	hp := Hyper{Eta: 0.4, Gamma: 0.5}

	PowerLawPolicy{}.Apply(1, params, []float64{1}, st, hp)
	assert.InDelta(t, 0.4, st.Eta, 1e-12)
	assert.InDelta(t, 0.4, params[0], 1e-12)

	PowerLawPolicy{}.Apply(4, params, []float64{1}, st, hp)
	assert.InDelta(t, 0.2, st.Eta, 1e-12)
	assert.InDelta(t, 0.6, params[0], 1e-12)
}

func TestPowerLawMomentum(t *testing.T) {
	params := []float64{0}
	st := &model.BlockState{}
	hp := Hyper{Eta: 0.1, Alpha: 0.5}
	PowerLawPolicy{}.Apply(1, params, []float64{1}, st, hp)
	PowerLawPolicy{}.Apply(2, params, []float64{1}, st, hp)
	// second step adds 0.1 plus half the previous 0.1
	assert.InDelta(t, 0.25, params[0], 1e-12)
}

func TestAdaptivePolicyDecaysAndFloors(t *testing.T) {
	hp := Hyper{Eta: 1, Gamma: 1, EtaMin: 0.3, Adaptive: true}
	st := &model.BlockState{Eta: 1}
	params := []float64{0, 0}

	AdaptivePolicy{}.Apply(1, params, []float64{0.3, 0.4}, st, hp)
	assert.Equal(t, 1.0, st.Eta, "no previous norm, no decay")
	assert.InDelta(t, 0.5, st.LastGradNorm, 1e-12)
	assert.Equal(t, []float64{0.3, 0.4}, params)

	AdaptivePolicy{}.Apply(2, params, []float64{0.6, 0.8}, st, hp)
	assert.InDelta(t, math.Exp(-1), st.Eta, 1e-12)

	AdaptivePolicy{}.Apply(3, params, []float64{1.2, 1.6}, st, hp)
	assert.Equal(t, 0.3, st.Eta)
}

func TestAdaptivePolicyKeepsRateWhileImproving(t *testing.T) {
	hp := Hyper{Eta: 1, Gamma: 1, Adaptive: true, DropThreshold: 0.1}
	st := &model.BlockState{Eta: 1}
	params := []float64{0}
	AdaptivePolicy{}.Apply(1, params, []float64{1}, st, hp)
	AdaptivePolicy{}.Apply(2, params, []float64{0.5}, st, hp)
	assert.Equal(t, 1.0, st.Eta)

	disabled := Hyper{Eta: 1, Gamma: 1}
	st = &model.BlockState{Eta: 1}
	AdaptivePolicy{}.Apply(1, params, []float64{1}, st, disabled)
	AdaptivePolicy{}.Apply(2, params, []float64{2}, st, disabled)
	assert.Equal(t, 1.0, st.Eta)
}

func TestSequentialPolicyUpdatesLargestCoordinate(t *testing.T) {
	params := []float64{0, 0, 0}
	st := &model.BlockState{Eta: 0.5}
	SequentialPolicy{}.Apply(1, params, []float64{0.1, -0.9, 0.4}, st, Hyper{Eta: 0.5})
	assert.Equal(t, []float64{0, -0.45, 0}, params)
}

func TestSecantPolicySeedsHistory(t *testing.T) {
	params := []float64{0, 0}
	st := &model.BlockState{Eta: 0.1}
	SecantPolicy{}.Apply(1, params, []float64{1, -1}, st, Hyper{Eta: 0.1})
	assert.Equal(t, []float64{0, 0}, st.PrevParams)
	assert.Equal(t, []float64{1, -1}, st.PrevGrad)
	assert.InDeltaSlice(t, []float64{0.1, -0.1}, params, 1e-12)
}

func TestSecantPolicySkipsFlatDirections(t *testing.T) {
	params := []float64{0.5}
	st := &model.BlockState{
		Eta:        1,
		PrevParams: []float64{0.5},
		PrevGrad:   []float64{0.2},
		Delta:      []float64{0},
	}
	SecantPolicy{}.Apply(2, params, []float64{0.1}, st, Hyper{Eta: 1})
	assert.Equal(t, 0.5, params[0])
}

func TestPoliciesConvergeOnTanhModel(t *testing.T) {
	targets := []float64{0.3, -0.5, 0.1}
	cases := []struct {
		policy UpdatePolicy
		hp     Hyper
		iters  int
	}{
		{PowerLawPolicy{}, Hyper{Eta: 0.5, Alpha: 0.2}, 400},
		{AdaptivePolicy{}, Hyper{Eta: 0.5, Alpha: 0.2, Gamma: 0.1, EtaMin: 0.05, Adaptive: true}, 600},
		{SequentialPolicy{}, Hyper{Eta: 0.5}, 1500},
		{SecantPolicy{}, Hyper{Eta: 1}, 50},
	}
	for _, tc := range cases {
		t.Run(tc.policy.Name(), func(t *testing.T) {
			params := make([]float64, len(targets))
			st := &model.BlockState{Eta: tc.hp.Eta}
			for iter := 1; iter <= tc.iters; iter++ {
				tc.policy.Apply(iter, params, tanhGrad(targets, params), st, tc.hp)
			}
			for i, want := range targets {
				assert.InDelta(t, want, math.Tanh(params[i]), 1e-4, "coordinate %d", i)
			}
		})
	}
}

func TestUpdatePolicyFromConfig(t *testing.T) {
	cases := map[string]string{
		"":           "power_law",
		"p":          "power_law",
		"legacy":     "power_law",
		"g":          "adaptive",
		"Parallel":   "adaptive",
		"s":          "sequential",
		"n":          "secant",
		" secant ":   "secant",
		"sequential": "sequential",
	}
	for in, want := range cases {
		policy, err := UpdatePolicyFromConfig(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, policy.Name(), in)
	}
	_, err := UpdatePolicyFromConfig("adam")
	require.Error(t, err)
}
