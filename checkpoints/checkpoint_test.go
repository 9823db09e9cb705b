package checkpoints

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tsawler/go-latex-ocr/tensor"
)

func testParameters(t *testing.T) []*tensor.Parameter {
	t.Helper()
	w, err := tensor.FromData([]float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6}, 2, 3)
	if err != nil {
		t.Fatalf("Failed to create weight: %v", err)
	}
	b, err := tensor.FromData([]float64{-1, 1}, 2)
	if err != nil {
		t.Fatalf("Failed to create bias: %v", err)
	}
	return []*tensor.Parameter{
		tensor.NewParameter("proj.weight", w),
		tensor.NewParameter("proj.bias", b),
	}
}

func TestCheckpointJSONSaveLoad(t *testing.T) {
	params := testParameters(t)
	checkpoint := &Checkpoint{
		Weights: ExtractWeights(params),
		TrainingState: TrainingState{
			Epoch:             3,
			Step:              120,
			LearningRate:      0.0005,
			BestBLEU:          0.42,
			BestTokenAccuracy: 0.61,
			TotalSteps:        480,
		},
		OptimizerState: &OptimizerState{
			Type:       "Adam",
			Parameters: map[string]interface{}{"learning_rate": 0.0005, "step_count": float64(480)},
			StateData: []OptimizerTensor{
				{Name: "m_0", Shape: []int{2, 3}, Data: make([]float32, 6), StateType: "m"},
			},
		},
		Metadata: CheckpointMetadata{RunName: "test", Description: "roundtrip"},
	}

	path := filepath.Join(t.TempDir(), "checkpoint.json")
	if err := SaveCheckpoint(checkpoint, path); err != nil {
		t.Fatalf("Failed to save checkpoint: %v", err)
	}

	loaded, err := LoadCheckpoint(path)
	if err != nil {
		t.Fatalf("Failed to load checkpoint: %v", err)
	}

	if loaded.TrainingState != checkpoint.TrainingState {
		t.Errorf("Training state mismatch: got %+v, want %+v", loaded.TrainingState, checkpoint.TrainingState)
	}
	if len(loaded.Weights) != 2 {
		t.Fatalf("Expected 2 weights, got %d", len(loaded.Weights))
	}
	if loaded.Weights[0].Data[5] != float32(0.6) {
		t.Errorf("Weight data mismatch: got %v", loaded.Weights[0].Data[5])
	}
	if loaded.OptimizerState == nil || loaded.OptimizerState.Type != "Adam" {
		t.Errorf("Optimizer state not preserved: %+v", loaded.OptimizerState)
	}
	if loaded.Metadata.Framework != producerName {
		t.Errorf("Expected framework %q, got %q", producerName, loaded.Metadata.Framework)
	}
	if loaded.Metadata.CreatedAt.IsZero() {
		t.Error("Expected CreatedAt to be set")
	}
}

func TestLoadCheckpointErrors(t *testing.T) {
	if _, err := LoadCheckpoint(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("Expected error for missing file")
	}

	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadCheckpoint(path); err == nil {
		t.Error("Expected error for malformed JSON")
	}
}

func TestLoadWeights(t *testing.T) {
	src := testParameters(t)
	weights := ExtractWeights(src)

	dst := testParameters(t)
	dst[0].Value.Zero()
	dst[1].Value.Zero()

	// Order in the checkpoint does not matter.
	weights[0], weights[1] = weights[1], weights[0]
	if err := LoadWeights(weights, dst); err != nil {
		t.Fatalf("LoadWeights failed: %v", err)
	}
	if got := dst[0].Value.Data[2]; got < 0.2999 || got > 0.3001 {
		t.Errorf("Expected 0.3, got %v", got)
	}
	if got := dst[1].Value.Data[0]; got != -1 {
		t.Errorf("Expected -1, got %v", got)
	}
}

func TestLoadWeightsErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func([]WeightTensor) []WeightTensor
		wantMsg string
	}{
		{
			name:    "count mismatch",
			mutate:  func(w []WeightTensor) []WeightTensor { return w[:1] },
			wantMsg: "weight count mismatch",
		},
		{
			name: "unknown name",
			mutate: func(w []WeightTensor) []WeightTensor {
				w[1].Name = "other"
				return w
			},
			wantMsg: "no weights for parameter",
		},
		{
			name: "shape mismatch",
			mutate: func(w []WeightTensor) []WeightTensor {
				w[0].Shape = []int{3, 2}
				return w
			},
			wantMsg: "shape mismatch",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := testParameters(t)
			err := LoadWeights(tt.mutate(ExtractWeights(params)), params)
			if err == nil {
				t.Fatal("Expected error")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("Expected error containing %q, got %v", tt.wantMsg, err)
			}
		})
	}
}
