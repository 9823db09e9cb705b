package checkpoints

import (
	"os"
	"strconv"

	"github.com/pkg/errors"
	"github.com/tsawler/go-latex-ocr/tensor"
)

// Names used for the exported graph's interface.
const (
	ImageInputName  = "input"
	TargetInputName = "tgt_seq"
	OutputName      = "output"
	BatchAxis       = "batch_size"
	SeqAxis         = "seq_len"
	VocabSizeKey    = "vocab_size"
)

// ExportSpec carries the representative inputs a model traces its graph with.
type ExportSpec struct {
	DummyImage  *tensor.Tensor // [1, C, H, W]
	DummyTarget []int          // max_seq_len ids: bos followed by pad
	VocabSize   int
}

// GraphExporter is implemented by models that can describe their inference
// computation as a static graph.
type GraphExporter interface {
	Eval()
	Train()
	ExportGraph(spec ExportSpec) (*Graph, error)
}

// ExportError reports a failed static-graph export. The weights checkpoint
// written in the same save is unaffected.
type ExportError struct {
	Path string
	Err  error
}

func (e *ExportError) Error() string {
	return "static graph export to " + e.Path + " failed: " + e.Err.Error()
}

func (e *ExportError) Unwrap() error {
	return e.Err
}

// Cause supports github.com/pkg/errors.Cause.
func (e *ExportError) Cause() error {
	return e.Err
}

func (cm *Manager) export(path string) error {
	exporter, ok := cm.model.(GraphExporter)
	if !ok {
		return errors.New("model does not support static graph export")
	}

	exporter.Eval()
	defer exporter.Train()

	img, err := tensor.Randn(cm.rng, 1, 1, cm.cfg.Channels, cm.cfg.MaxHeight, cm.cfg.MaxWidth)
	if err != nil {
		return errors.Wrap(err, "failed to build dummy image")
	}
	tgt := make([]int, cm.cfg.MaxSeqLen)
	for i := range tgt {
		tgt[i] = cm.cfg.PadToken
	}
	tgt[0] = cm.cfg.BOSToken

	graph, err := exporter.ExportGraph(ExportSpec{
		DummyImage:  img,
		DummyTarget: tgt,
		VocabSize:   cm.cfg.NumTokens,
	})
	if err != nil {
		return errors.Wrap(err, "model failed to trace export graph")
	}
	if err := declareDynamicAxes(graph); err != nil {
		return err
	}

	onnx := NewONNXExporter()
	onnx.AddMetadata(VocabSizeKey, strconv.Itoa(cm.cfg.NumTokens))
	if err := onnx.ExportToONNX(graph, path); err != nil {
		return err
	}

	m, err := CheckFile(path)
	if err == nil && m.Metadata[VocabSizeKey] != strconv.Itoa(cm.cfg.NumTokens) {
		err = errors.Wrap(ErrMalformedModel, "vocab_size metadata missing from exported model")
	}
	if err != nil {
		os.Remove(path)
		return err
	}
	return nil
}

// declareDynamicAxes marks the batch axis of every interface value and the
// sequence axis of the target and output as symbolic.
func declareDynamicAxes(g *Graph) error {
	mark := func(values []ValueInfo) error {
		for i := range values {
			v := &values[i]
			if len(v.Dims) == 0 {
				return errors.Errorf("graph value %q has no shape", v.Name)
			}
			v.Dims[0] = Dim{Param: BatchAxis}
			if v.Name == TargetInputName || v.Name == OutputName {
				if len(v.Dims) < 2 {
					return errors.Errorf("graph value %q has no sequence axis", v.Name)
				}
				v.Dims[1] = Dim{Param: SeqAxis}
			}
		}
		return nil
	}
	if err := mark(g.Inputs); err != nil {
		return err
	}
	return mark(g.Outputs)
}
