package optimizer

import (
	"github.com/pkg/errors"
	"github.com/tsawler/go-latex-ocr/checkpoints"
	"github.com/tsawler/go-latex-ocr/tensor"
)

// Common helper functions for optimizer state management

// extractBufferState copies a single state buffer into a serializable tensor
func extractBufferState(buffer *tensor.Tensor, name string, stateType string) *checkpoints.OptimizerTensor {
	if buffer == nil {
		return nil
	}

	return &checkpoints.OptimizerTensor{
		Name:      name,
		Shape:     append([]int(nil), buffer.Shape...),
		Data:      buffer.ToFloat32(),
		StateType: stateType,
	}
}

// restoreBufferState restores a single buffer's state from a checkpoint tensor
func restoreBufferState(buffer *tensor.Tensor, data []float32, name string) error {
	if buffer == nil {
		return errors.Errorf("%s buffer is nil", name)
	}

	if len(data) != buffer.NumElems() {
		return errors.Errorf("data size mismatch for %s: expected %d elements, got %d",
			name, buffer.NumElems(), len(data))
	}

	return buffer.CopyFloat32(data)
}

// restoreBuffers routes every state tensor of stateType into buffers by its index suffix
func restoreBuffers(state *OptimizerState, stateType string, buffers []*tensor.Tensor) error {
	for _, st := range state.StateData {
		if st.StateType != stateType {
			continue
		}
		idx := extractBufferIndex(st.Name)
		if idx < 0 || idx >= len(buffers) {
			return errors.Errorf("invalid buffer index in state tensor %s", st.Name)
		}
		if err := restoreBufferState(buffers[idx], st.Data, st.Name); err != nil {
			return err
		}
	}
	return nil
}

// newBuffers allocates one zero tensor per parameter
func newBuffers(params []*tensor.Parameter) []*tensor.Tensor {
	buffers := make([]*tensor.Tensor, len(params))
	for i, p := range params {
		buffers[i], _ = tensor.New(p.Value.Shape...)
	}
	return buffers
}

// extractFloat64Param safely extracts a float parameter from the state map
func extractFloat64Param(params map[string]interface{}, key string, defaultValue float64) float64 {
	switch val := params[key].(type) {
	case float64:
		return val
	case float32:
		return float64(val)
	}
	return defaultValue
}

// extractBoolParam safely extracts a bool parameter from the state map
func extractBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := params[key].(bool); ok {
		return val
	}
	return defaultValue
}

// extractUint64Param safely extracts a uint64 parameter from the state map
func extractUint64Param(params map[string]interface{}, key string, defaultValue uint64) uint64 {
	switch val := params[key].(type) {
	case float64:
		return uint64(val)
	case uint64:
		return val
	}
	return defaultValue
}
