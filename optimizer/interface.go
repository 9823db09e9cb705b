package optimizer

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/tsawler/go-latex-ocr/checkpoints"
	"github.com/tsawler/go-latex-ocr/tensor"
)

// ErrUnknownKind is returned by New for optimizer names it does not recognise.
var ErrUnknownKind = errors.New("unknown optimizer kind")

// Optimizer defines the common interface for all optimizers.
// Every optimizer owns the parameter list it was created with and reads the
// gradients accumulated in it on each Step.
type Optimizer interface {
	// Step applies one update using the currently accumulated gradients.
	Step() error

	// ZeroGrad clears the gradients of every owned parameter.
	ZeroGrad()

	// GetState extracts optimizer state for checkpointing.
	GetState() (*OptimizerState, error)

	// LoadState restores optimizer state from a checkpoint.
	LoadState(state *OptimizerState) error

	// GetStepCount returns the current optimization step number.
	GetStepCount() uint64

	// LearningRate returns the learning rate used by the next Step.
	LearningRate() float64

	// UpdateLearningRate updates the learning rate.
	UpdateLearningRate(lr float64)

	// Parameters returns the parameters updated by this optimizer.
	Parameters() []*tensor.Parameter
}

// OptimizerState represents the complete state of an optimizer.
type OptimizerState = checkpoints.OptimizerState

// Config selects and parameterises an optimizer.
type Config struct {
	Kind         string
	LearningRate float64
	Betas        [2]float64 // Adam/AdamW moment decays; Betas[0] doubles as RMSprop alpha
	Momentum     float64
	WeightDecay  float64
	Epsilon      float64
}

var kinds = map[string]string{
	"adam":    "Adam",
	"adamw":   "AdamW",
	"sgd":     "SGD",
	"rmsprop": "RMSprop",
}

// Canonical returns the canonical spelling of an optimizer kind, or an error
// wrapping ErrUnknownKind.
func Canonical(kind string) (string, error) {
	name, ok := kinds[strings.ToLower(strings.TrimSpace(kind))]
	if !ok {
		return "", errors.Wrapf(ErrUnknownKind, "%q (supported: Adam, AdamW, SGD, RMSprop)", kind)
	}
	return name, nil
}

// New builds the optimizer named by cfg.Kind over params.
func New(params []*tensor.Parameter, cfg Config) (Optimizer, error) {
	name, err := Canonical(cfg.Kind)
	if err != nil {
		return nil, err
	}
	if len(params) == 0 {
		return nil, errors.New("no parameters provided")
	}
	if cfg.LearningRate <= 0 {
		return nil, errors.Errorf("learning rate must be positive, got %g", cfg.LearningRate)
	}

	switch name {
	case "Adam", "AdamW":
		ac := DefaultAdamConfig()
		ac.LearningRate = cfg.LearningRate
		if cfg.Betas != [2]float64{} {
			ac.Beta1, ac.Beta2 = cfg.Betas[0], cfg.Betas[1]
		}
		if cfg.Epsilon > 0 {
			ac.Epsilon = cfg.Epsilon
		}
		ac.WeightDecay = cfg.WeightDecay
		ac.Decoupled = name == "AdamW"
		if ac.Decoupled && cfg.WeightDecay == 0 {
			ac.WeightDecay = 0.01
		}
		return NewAdamOptimizer(ac, params)
	case "SGD":
		return NewSGDOptimizer(SGDConfig{
			LearningRate: cfg.LearningRate,
			Momentum:     cfg.Momentum,
			WeightDecay:  cfg.WeightDecay,
		}, params)
	default:
		rc := DefaultRMSPropConfig()
		rc.LearningRate = cfg.LearningRate
		if cfg.Betas[0] > 0 {
			rc.Alpha = cfg.Betas[0]
		}
		if cfg.Epsilon > 0 {
			rc.Epsilon = cfg.Epsilon
		}
		rc.Momentum = cfg.Momentum
		rc.WeightDecay = cfg.WeightDecay
		return NewRMSPropOptimizer(rc, params)
	}
}

// extractBufferIndex extracts the buffer index from state tensor names like "momentum_0", "variance_1"
func extractBufferIndex(name string) int {
	var idx int
	lastUnderscoreIdx := strings.LastIndex(name, "_")
	if lastUnderscoreIdx == -1 {
		return -1
	}

	if n, err := fmt.Sscanf(name[lastUnderscoreIdx+1:], "%d", &idx); n == 1 && err == nil {
		return idx
	}
	return -1
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *OptimizerState) error {
	if state == nil {
		return errors.New("optimizer state is nil")
	}
	if state.Type != optimizerType {
		return errors.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}
