package optimizer

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/tsawler/go-latex-ocr/checkpoints"
	"github.com/tsawler/go-latex-ocr/tensor"
	"gonum.org/v1/gonum/floats"
)

// SGDOptimizerState holds SGD hyperparameters and momentum buffers
type SGDOptimizerState struct {
	// Hyperparameters
	lr          float64
	Momentum    float64 // Momentum coefficient (0 for vanilla SGD)
	WeightDecay float64 // L2 regularization coefficient
	Nesterov    bool    // Whether to use Nesterov momentum

	MomentumBuffers []*tensor.Tensor // Only allocated if momentum > 0

	// Step tracking
	StepCount uint64

	params  []*tensor.Parameter
	scratch []float64
}

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float64
	Momentum     float64
	WeightDecay  float64
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

// NewSGDOptimizer creates a new SGD optimizer over params
func NewSGDOptimizer(config SGDConfig, params []*tensor.Parameter) (*SGDOptimizerState, error) {
	if len(params) == 0 {
		return nil, errors.New("no parameters provided")
	}
	if config.Nesterov && config.Momentum <= 0 {
		return nil, errors.New("nesterov momentum requires a positive momentum")
	}

	sgd := &SGDOptimizerState{
		lr:          config.LearningRate,
		Momentum:    config.Momentum,
		WeightDecay: config.WeightDecay,
		Nesterov:    config.Nesterov,
		params:      params,
	}
	if config.Momentum > 0 {
		sgd.MomentumBuffers = newBuffers(params)
	}
	return sgd, nil
}

// Step performs a single SGD update
func (sgd *SGDOptimizerState) Step() error {
	for i, p := range sgd.params {
		w, g := p.Value.Data, p.Grad.Data
		if len(w) != len(g) {
			return errors.Errorf("gradient size mismatch for %s: %d vs %d", p.Name, len(g), len(w))
		}

		if cap(sgd.scratch) < len(g) {
			sgd.scratch = make([]float64, len(g))
		}
		d := sgd.scratch[:len(g)]
		copy(d, g)
		if sgd.WeightDecay != 0 {
			floats.AddScaled(d, sgd.WeightDecay, w)
		}

		if sgd.Momentum > 0 {
			buf := sgd.MomentumBuffers[i].Data
			if sgd.StepCount == 0 {
				copy(buf, d)
			} else {
				floats.Scale(sgd.Momentum, buf)
				floats.Add(buf, d)
			}
			if sgd.Nesterov {
				floats.AddScaled(d, sgd.Momentum, buf)
			} else {
				copy(d, buf)
			}
		}

		floats.AddScaled(w, -sgd.lr, d)
	}
	sgd.StepCount++
	return nil
}

// ZeroGrad clears all parameter gradients
func (sgd *SGDOptimizerState) ZeroGrad() {
	tensor.ZeroGrads(sgd.params)
}

// LearningRate returns the current learning rate
func (sgd *SGDOptimizerState) LearningRate() float64 {
	return sgd.lr
}

// UpdateLearningRate updates the learning rate
func (sgd *SGDOptimizerState) UpdateLearningRate(newLR float64) {
	sgd.lr = newLR
}

// GetStepCount returns the current step count
func (sgd *SGDOptimizerState) GetStepCount() uint64 {
	return sgd.StepCount
}

// Parameters returns the optimized parameters
func (sgd *SGDOptimizerState) Parameters() []*tensor.Parameter {
	return sgd.params
}

// GetState extracts optimizer state for checkpointing
func (sgd *SGDOptimizerState) GetState() (*OptimizerState, error) {
	stateData := make([]checkpoints.OptimizerTensor, 0)

	// Extract momentum buffers if momentum is used
	for i, buffer := range sgd.MomentumBuffers {
		stateData = append(stateData, *extractBufferState(buffer, fmt.Sprintf("momentum_%d", i), "momentum"))
	}

	return &OptimizerState{
		Type: "SGD",
		Parameters: map[string]interface{}{
			"learning_rate": sgd.lr,
			"momentum":      sgd.Momentum,
			"weight_decay":  sgd.WeightDecay,
			"nesterov":      sgd.Nesterov,
			"step_count":    float64(sgd.StepCount),
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (sgd *SGDOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("SGD", state); err != nil {
		return err
	}

	sgd.lr = extractFloat64Param(state.Parameters, "learning_rate", sgd.lr)
	sgd.Momentum = extractFloat64Param(state.Parameters, "momentum", sgd.Momentum)
	sgd.WeightDecay = extractFloat64Param(state.Parameters, "weight_decay", sgd.WeightDecay)
	sgd.Nesterov = extractBoolParam(state.Parameters, "nesterov", sgd.Nesterov)
	sgd.StepCount = extractUint64Param(state.Parameters, "step_count", 0)

	if sgd.Momentum > 0 && sgd.MomentumBuffers == nil {
		sgd.MomentumBuffers = newBuffers(sgd.params)
	}
	return restoreBuffers(state, "momentum", sgd.MomentumBuffers)
}
