package checkpoints

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/tsawler/go-latex-ocr/config"
	"github.com/tsawler/go-latex-ocr/tensor"
	"k8s.io/klog/v2"
)

// ConfigFilename is the single, last-writer-wins config snapshot of a run.
const ConfigFilename = "config.yaml"

const (
	weightsExt = "json"
	onnxExt    = "onnx"
)

// Model is the part of a model the manager snapshots.
type Model interface {
	Parameters() []*tensor.Parameter
}

// StateProvider exposes optimizer state for checkpointing.
type StateProvider interface {
	GetState() (*OptimizerState, error)
}

// StateLoader restores optimizer state from a checkpoint.
type StateLoader interface {
	LoadState(state *OptimizerState) error
}

// Manager writes checkpoints for one run. Each (epoch, step) pair is written
// at most once; config.yaml is rewritten on every save.
type Manager struct {
	cfg       config.Config
	model     Model
	optimizer StateProvider
	rng       *rand.Rand

	saved      map[[2]int]string
	savedFiles []string
}

// NewManager creates a checkpoint manager. optimizer may be nil.
func NewManager(cfg config.Config, model Model, optimizer StateProvider) *Manager {
	return &Manager{
		cfg:       cfg,
		model:     model,
		optimizer: optimizer,
		rng:       rand.New(rand.NewSource(cfg.Seed)),
		saved:     make(map[[2]int]string),
	}
}

// Filename builds <name>_e<epoch+1>_step<step>.<ext>. Epochs are stored
// one-based so that the first epoch's files read e01.
func (cm *Manager) Filename(epoch, step int, ext string) string {
	return fmt.Sprintf("%s_e%02d_step%02d.%s", cm.cfg.Name, epoch+1, step, ext)
}

// SavedFiles lists the weight files written so far, in order.
func (cm *Manager) SavedFiles() []string {
	return append([]string(nil), cm.savedFiles...)
}

// Save snapshots model weights, optimizer state and the run config. When
// export_onnx is set the model is also exported; an export problem is
// returned as an *ExportError after the weights are already on disk.
func (cm *Manager) Save(epoch, step int, state TrainingState) (string, error) {
	key := [2]int{epoch, step}
	if path, ok := cm.saved[key]; ok {
		klog.V(2).Infof("checkpoint for epoch %d step %d already written to %s", epoch+1, step, path)
		return path, nil
	}

	dir := cm.cfg.RunDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errors.Wrap(err, "failed to create checkpoint directory")
	}

	state.Epoch = epoch
	state.Step = step
	checkpoint := &Checkpoint{
		Weights:       ExtractWeights(cm.model.Parameters()),
		TrainingState: state,
		Metadata: CheckpointMetadata{
			RunName:     cm.cfg.Name,
			RunID:       cm.cfg.ID,
			Description: fmt.Sprintf("epoch %d step %d", epoch+1, step),
		},
	}
	if cm.optimizer != nil {
		optState, err := cm.optimizer.GetState()
		if err != nil {
			return "", errors.Wrap(err, "failed to read optimizer state")
		}
		checkpoint.OptimizerState = optState
	}

	path := filepath.Join(dir, cm.Filename(epoch, step, weightsExt))
	if err := SaveCheckpoint(checkpoint, path); err != nil {
		return "", errors.Wrapf(err, "failed to save checkpoint %s", path)
	}
	cm.saved[key] = path
	cm.savedFiles = append(cm.savedFiles, path)

	if err := cm.cfg.WithEpoch(epoch).Save(filepath.Join(dir, ConfigFilename)); err != nil {
		return path, err
	}
	klog.V(2).Infof("saved checkpoint %s", path)

	if cm.cfg.ExportONNX {
		onnxPath := filepath.Join(dir, cm.Filename(epoch, step, onnxExt))
		if err := cm.export(onnxPath); err != nil {
			return path, &ExportError{Path: onnxPath, Err: err}
		}
		klog.V(2).Infof("exported static graph %s", onnxPath)
	}
	return path, nil
}

// Restore loads weights (and optimizer state when both the checkpoint and
// loader carry it) from path.
func (cm *Manager) Restore(path string, loader StateLoader) (*TrainingState, error) {
	checkpoint, err := LoadCheckpoint(path)
	if err != nil {
		return nil, err
	}
	if err := LoadWeights(checkpoint.Weights, cm.model.Parameters()); err != nil {
		return nil, errors.Wrapf(err, "failed to load weights from %s", path)
	}
	if checkpoint.OptimizerState != nil && loader != nil {
		if err := loader.LoadState(checkpoint.OptimizerState); err != nil {
			return nil, errors.Wrap(err, "failed to restore optimizer state")
		}
	}
	return &checkpoint.TrainingState, nil
}
