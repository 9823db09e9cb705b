package checkpoints

import (
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/tsawler/go-latex-ocr/tensor"
)

// Checkpoint represents a complete model state including weights, optimizer state, and training metadata
type Checkpoint struct {
	Weights []WeightTensor `json:"weights"`

	// Training state
	TrainingState TrainingState `json:"training_state"`

	// Optimizer state (if available)
	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`

	// Metadata
	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// TrainingState captures the training progress at the time of the save
type TrainingState struct {
	Epoch             int     `json:"epoch"`
	Step              int     `json:"step"`
	LearningRate      float64 `json:"learning_rate"`
	BestBLEU          float64 `json:"best_bleu"`
	BestTokenAccuracy float64 `json:"best_token_accuracy"`
	TotalSteps        int     `json:"total_steps"`
}

// OptimizerState captures optimizer-specific state (momentum, variance, etc.)
type OptimizerState struct {
	Type       string                 `json:"type"` // "SGD", "Adam", etc.
	Parameters map[string]interface{} `json:"parameters"`
	StateData  []OptimizerTensor      `json:"state_data"`
}

// OptimizerTensor represents optimizer state tensors (momentum, variance, etc.)
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"` // "momentum", "variance", etc.
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	RunName     string    `json:"run_name,omitempty"`
	RunID       string    `json:"run_id,omitempty"`
	Description string    `json:"description,omitempty"`
}

// SaveCheckpoint writes checkpoint as indented JSON to path
func SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	// Ensure metadata is set
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = producerName
		checkpoint.Metadata.Version = producerVersion
	}
	if checkpoint.Metadata.CreatedAt.IsZero() {
		checkpoint.Metadata.CreatedAt = time.Now()
	}

	file, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "failed to create checkpoint file")
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(checkpoint); err != nil {
		return errors.Wrap(err, "failed to encode checkpoint")
	}

	return file.Sync()
}

// LoadCheckpoint reads a checkpoint written by SaveCheckpoint
func LoadCheckpoint(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open checkpoint file")
	}
	defer file.Close()

	var checkpoint Checkpoint
	if err := json.NewDecoder(file).Decode(&checkpoint); err != nil {
		return nil, errors.Wrap(err, "failed to decode checkpoint")
	}

	return &checkpoint, nil
}

// ExtractWeights snapshots every parameter value
func ExtractWeights(params []*tensor.Parameter) []WeightTensor {
	weights := make([]WeightTensor, 0, len(params))
	for _, p := range params {
		weights = append(weights, WeightTensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Value.Shape...),
			Data:  p.Value.ToFloat32(),
		})
	}
	return weights
}

// LoadWeights copies weight data back into the parameters with the same name
func LoadWeights(weights []WeightTensor, params []*tensor.Parameter) error {
	weightMap := make(map[string]WeightTensor, len(weights))
	for _, weight := range weights {
		weightMap[weight.Name] = weight
	}

	if len(weights) != len(params) {
		return errors.Errorf("weight count mismatch: %d weights, %d parameters", len(weights), len(params))
	}

	for _, p := range params {
		weight, ok := weightMap[p.Name]
		if !ok {
			return errors.Errorf("checkpoint has no weights for parameter %s", p.Name)
		}

		if !tensor.SameShape(p.Value.Shape, weight.Shape) {
			return errors.Errorf("shape mismatch for weight %s: parameter %v vs checkpoint %v",
				weight.Name, p.Value.Shape, weight.Shape)
		}

		if err := p.Value.CopyFloat32(weight.Data); err != nil {
			return errors.Wrapf(err, "failed to copy weight data for %s", weight.Name)
		}
	}

	return nil
}
