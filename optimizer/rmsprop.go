package optimizer

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
	"github.com/tsawler/go-latex-ocr/checkpoints"
	"github.com/tsawler/go-latex-ocr/tensor"
)

// RMSPropOptimizerState holds RMSprop running averages for each parameter
type RMSPropOptimizerState struct {
	// Hyperparameters
	lr          float64
	Alpha       float64 // Smoothing constant for the squared gradient average
	Epsilon     float64
	Momentum    float64
	WeightDecay float64

	SquaredGradAvg  []*tensor.Tensor
	MomentumBuffers []*tensor.Tensor // Only allocated if momentum > 0

	StepCount uint64

	params []*tensor.Parameter
}

// RMSPropConfig holds configuration for RMSprop optimizer
type RMSPropConfig struct {
	LearningRate float64
	Alpha        float64
	Epsilon      float64
	Momentum     float64
	WeightDecay  float64
}

// DefaultRMSPropConfig returns default RMSprop optimizer configuration
func DefaultRMSPropConfig() RMSPropConfig {
	return RMSPropConfig{
		LearningRate: 0.01,
		Alpha:        0.99,
		Epsilon:      1e-8,
	}
}

// NewRMSPropOptimizer creates a new RMSprop optimizer over params
func NewRMSPropOptimizer(config RMSPropConfig, params []*tensor.Parameter) (*RMSPropOptimizerState, error) {
	if len(params) == 0 {
		return nil, errors.New("no parameters provided")
	}
	if config.Alpha <= 0 || config.Alpha >= 1 {
		return nil, errors.Errorf("alpha must be in (0, 1), got %g", config.Alpha)
	}

	r := &RMSPropOptimizerState{
		lr:             config.LearningRate,
		Alpha:          config.Alpha,
		Epsilon:        config.Epsilon,
		Momentum:       config.Momentum,
		WeightDecay:    config.WeightDecay,
		SquaredGradAvg: newBuffers(params),
		params:         params,
	}
	if config.Momentum > 0 {
		r.MomentumBuffers = newBuffers(params)
	}
	return r, nil
}

// Step performs a single RMSprop update
func (rmsprop *RMSPropOptimizerState) Step() error {
	for i, p := range rmsprop.params {
		w, g := p.Value.Data, p.Grad.Data
		if len(w) != len(g) {
			return errors.Errorf("gradient size mismatch for %s: %d vs %d", p.Name, len(g), len(w))
		}
		sq := rmsprop.SquaredGradAvg[i].Data

		for j := range w {
			grad := g[j]
			if rmsprop.WeightDecay != 0 {
				grad += rmsprop.WeightDecay * w[j]
			}
			sq[j] = rmsprop.Alpha*sq[j] + (1-rmsprop.Alpha)*grad*grad
			update := grad / (math.Sqrt(sq[j]) + rmsprop.Epsilon)
			if rmsprop.Momentum > 0 {
				buf := rmsprop.MomentumBuffers[i].Data
				buf[j] = rmsprop.Momentum*buf[j] + update
				update = buf[j]
			}
			w[j] -= rmsprop.lr * update
		}
	}
	rmsprop.StepCount++
	return nil
}

// ZeroGrad clears all parameter gradients
func (rmsprop *RMSPropOptimizerState) ZeroGrad() {
	tensor.ZeroGrads(rmsprop.params)
}

// LearningRate returns the current learning rate
func (rmsprop *RMSPropOptimizerState) LearningRate() float64 {
	return rmsprop.lr
}

// UpdateLearningRate updates the learning rate
func (rmsprop *RMSPropOptimizerState) UpdateLearningRate(newLR float64) {
	rmsprop.lr = newLR
}

// GetStepCount returns the current step count
func (rmsprop *RMSPropOptimizerState) GetStepCount() uint64 {
	return rmsprop.StepCount
}

// Parameters returns the optimized parameters
func (rmsprop *RMSPropOptimizerState) Parameters() []*tensor.Parameter {
	return rmsprop.params
}

// GetState extracts optimizer state for checkpointing
func (rmsprop *RMSPropOptimizerState) GetState() (*OptimizerState, error) {
	stateData := make([]checkpoints.OptimizerTensor, 0)
	for i, buffer := range rmsprop.SquaredGradAvg {
		stateData = append(stateData, *extractBufferState(buffer, fmt.Sprintf("squared_grad_avg_%d", i), "squared_grad_avg"))
	}
	for i, buffer := range rmsprop.MomentumBuffers {
		stateData = append(stateData, *extractBufferState(buffer, fmt.Sprintf("momentum_%d", i), "momentum"))
	}

	return &OptimizerState{
		Type: "RMSprop",
		Parameters: map[string]interface{}{
			"learning_rate": rmsprop.lr,
			"alpha":         rmsprop.Alpha,
			"epsilon":       rmsprop.Epsilon,
			"momentum":      rmsprop.Momentum,
			"weight_decay":  rmsprop.WeightDecay,
			"step_count":    float64(rmsprop.StepCount),
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (rmsprop *RMSPropOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("RMSprop", state); err != nil {
		return err
	}

	rmsprop.lr = extractFloat64Param(state.Parameters, "learning_rate", rmsprop.lr)
	rmsprop.Alpha = extractFloat64Param(state.Parameters, "alpha", rmsprop.Alpha)
	rmsprop.Epsilon = extractFloat64Param(state.Parameters, "epsilon", rmsprop.Epsilon)
	rmsprop.Momentum = extractFloat64Param(state.Parameters, "momentum", rmsprop.Momentum)
	rmsprop.WeightDecay = extractFloat64Param(state.Parameters, "weight_decay", rmsprop.WeightDecay)
	rmsprop.StepCount = extractUint64Param(state.Parameters, "step_count", 0)

	if rmsprop.Momentum > 0 && rmsprop.MomentumBuffers == nil {
		rmsprop.MomentumBuffers = newBuffers(rmsprop.params)
	}
	if err := restoreBuffers(state, "squared_grad_avg", rmsprop.SquaredGradAvg); err != nil {
		return err
	}
	return restoreBuffers(state, "momentum", rmsprop.MomentumBuffers)
}
