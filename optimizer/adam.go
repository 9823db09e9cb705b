package optimizer

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
	"github.com/tsawler/go-latex-ocr/checkpoints"
	"github.com/tsawler/go-latex-ocr/tensor"
)

// AdamOptimizerState holds Adam (and AdamW) moment estimates for each parameter
type AdamOptimizerState struct {
	// Hyperparameters
	lr          float64
	Beta1       float64 // Momentum decay (typically 0.9)
	Beta2       float64 // Variance decay (typically 0.999)
	Epsilon     float64 // Small constant to prevent division by zero (typically 1e-8)
	WeightDecay float64
	Decoupled   bool // AdamW: decay weights directly instead of through the gradient

	MomentumBuffers []*tensor.Tensor // First moment for each parameter
	VarianceBuffers []*tensor.Tensor // Second moment for each parameter

	// Step tracking for bias correction
	StepCount uint64

	params []*tensor.Parameter
}

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
	Decoupled    bool
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// NewAdamOptimizer creates a new Adam optimizer over params
func NewAdamOptimizer(config AdamConfig, params []*tensor.Parameter) (*AdamOptimizerState, error) {
	if len(params) == 0 {
		return nil, errors.New("no parameters provided")
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 || config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, errors.Errorf("betas must be in [0, 1), got (%g, %g)", config.Beta1, config.Beta2)
	}

	return &AdamOptimizerState{
		lr:              config.LearningRate,
		Beta1:           config.Beta1,
		Beta2:           config.Beta2,
		Epsilon:         config.Epsilon,
		WeightDecay:     config.WeightDecay,
		Decoupled:       config.Decoupled,
		MomentumBuffers: newBuffers(params),
		VarianceBuffers: newBuffers(params),
		params:          params,
	}, nil
}

func (adam *AdamOptimizerState) name() string {
	if adam.Decoupled {
		return "AdamW"
	}
	return "Adam"
}

// Step performs a single Adam update
func (adam *AdamOptimizerState) Step() error {
	adam.StepCount++
	t := float64(adam.StepCount)
	bias1 := 1 - math.Pow(adam.Beta1, t)
	bias2 := 1 - math.Pow(adam.Beta2, t)
	stepSize := adam.lr / bias1

	for i, p := range adam.params {
		w, g := p.Value.Data, p.Grad.Data
		m, v := adam.MomentumBuffers[i].Data, adam.VarianceBuffers[i].Data
		if len(w) != len(g) {
			return errors.Errorf("gradient size mismatch for %s: %d vs %d", p.Name, len(g), len(w))
		}

		for j := range w {
			grad := g[j]
			if adam.WeightDecay != 0 {
				if adam.Decoupled {
					w[j] -= adam.lr * adam.WeightDecay * w[j]
				} else {
					grad += adam.WeightDecay * w[j]
				}
			}
			m[j] = adam.Beta1*m[j] + (1-adam.Beta1)*grad
			v[j] = adam.Beta2*v[j] + (1-adam.Beta2)*grad*grad
			denom := math.Sqrt(v[j])/math.Sqrt(bias2) + adam.Epsilon
			w[j] -= stepSize * m[j] / denom
		}
	}
	return nil
}

// ZeroGrad clears all parameter gradients
func (adam *AdamOptimizerState) ZeroGrad() {
	tensor.ZeroGrads(adam.params)
}

// LearningRate returns the current learning rate
func (adam *AdamOptimizerState) LearningRate() float64 {
	return adam.lr
}

// UpdateLearningRate updates the learning rate
func (adam *AdamOptimizerState) UpdateLearningRate(newLR float64) {
	adam.lr = newLR
}

// GetStepCount returns the current step count
func (adam *AdamOptimizerState) GetStepCount() uint64 {
	return adam.StepCount
}

// Parameters returns the optimized parameters
func (adam *AdamOptimizerState) Parameters() []*tensor.Parameter {
	return adam.params
}

// GetState extracts the moment buffers for checkpointing
func (adam *AdamOptimizerState) GetState() (*OptimizerState, error) {
	stateData := make([]checkpoints.OptimizerTensor, 0, 2*len(adam.params))
	for i := range adam.params {
		stateData = append(stateData,
			*extractBufferState(adam.MomentumBuffers[i], fmt.Sprintf("momentum_%d", i), "momentum"),
			*extractBufferState(adam.VarianceBuffers[i], fmt.Sprintf("variance_%d", i), "variance"))
	}

	return &OptimizerState{
		Type: adam.name(),
		Parameters: map[string]interface{}{
			"learning_rate": adam.lr,
			"beta1":         adam.Beta1,
			"beta2":         adam.Beta2,
			"epsilon":       adam.Epsilon,
			"weight_decay":  adam.WeightDecay,
			"decoupled":     adam.Decoupled,
			"step_count":    float64(adam.StepCount),
		},
		StateData: stateData,
	}, nil
}

// LoadState restores the moment buffers and hyperparameters
func (adam *AdamOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType(adam.name(), state); err != nil {
		return err
	}

	adam.lr = extractFloat64Param(state.Parameters, "learning_rate", adam.lr)
	adam.Beta1 = extractFloat64Param(state.Parameters, "beta1", adam.Beta1)
	adam.Beta2 = extractFloat64Param(state.Parameters, "beta2", adam.Beta2)
	adam.Epsilon = extractFloat64Param(state.Parameters, "epsilon", adam.Epsilon)
	adam.WeightDecay = extractFloat64Param(state.Parameters, "weight_decay", adam.WeightDecay)
	adam.Decoupled = extractBoolParam(state.Parameters, "decoupled", adam.Decoupled)
	adam.StepCount = extractUint64Param(state.Parameters, "step_count", 0)

	if err := restoreBuffers(state, "momentum", adam.MomentumBuffers); err != nil {
		return err
	}
	return restoreBuffers(state, "variance", adam.VarianceBuffers)
}
