package model

import (
	"github.com/pkg/errors"
	"github.com/tsawler/go-latex-ocr/checkpoints"
	"github.com/tsawler/go-latex-ocr/tensor"
)

// ExportGraph describes the next-token logits computation as an ONNX
// graph traced at the shapes of spec. The pooling kernel is fixed by the
// dummy image, so the exported graph expects images of that size.
func (m *Model) ExportGraph(spec checkpoints.ExportSpec) (*checkpoints.Graph, error) {
	img := spec.DummyImage
	if img == nil || len(img.Shape) != 4 || img.Shape[1] != m.cfg.Channels {
		return nil, errors.Errorf("dummy image must be [1, %d, H, W]", m.cfg.Channels)
	}
	if len(spec.DummyTarget) == 0 {
		return nil, errors.New("dummy target is empty")
	}
	g := int64(m.cfg.GridSize)
	h, w := int64(img.Shape[2]), int64(img.Shape[3])
	if h%g != 0 || w%g != 0 {
		return nil, errors.Errorf("image %dx%d is not divisible by grid %d", h, w, g)
	}
	if spec.VocabSize != 0 && spec.VocabSize != m.cfg.NumTokens {
		return nil, errors.Errorf("vocab size %d does not match model vocabulary %d", spec.VocabSize, m.cfg.NumTokens)
	}

	seq := int64(len(spec.DummyTarget))
	vocab := int64(m.cfg.NumTokens)
	kernel := []int64{h / g, w / g}

	graph := &checkpoints.Graph{
		Name: "latex_ocr",
		Inputs: []checkpoints.ValueInfo{
			{Name: checkpoints.ImageInputName, ElemType: checkpoints.DataTypeFloat, Dims: dims(img.Shape...)},
			{Name: checkpoints.TargetInputName, ElemType: checkpoints.DataTypeInt64, Dims: dims(1, int(seq))},
		},
		Outputs: []checkpoints.ValueInfo{
			{Name: checkpoints.OutputName, ElemType: checkpoints.DataTypeFloat, Dims: dims(1, int(seq), int(vocab))},
		},
		Initializers: []checkpoints.Initializer{
			initializer(m.proj.Name, m.proj.Value),
			initializer(m.embed.Name, m.embed.Value),
			initializer(m.out.Name, m.out.Value),
			initializer(m.bias.Name, m.bias.Value),
			{Name: "unsqueeze_axes", DataType: checkpoints.DataTypeInt64, Dims: []int64{1}, Int64Data: []int64{1}},
		},
		Nodes: []checkpoints.Node{
			{
				Name: "pool", OpType: "AveragePool",
				Inputs: []string{checkpoints.ImageInputName}, Outputs: []string{"pooled"},
				Attributes: []checkpoints.Attribute{
					{Name: "kernel_shape", Type: checkpoints.AttributeInts, Ints: kernel},
					{Name: "strides", Type: checkpoints.AttributeInts, Ints: kernel},
				},
			},
			{
				Name: "flatten", OpType: "Flatten",
				Inputs: []string{"pooled"}, Outputs: []string{"features"},
				Attributes: []checkpoints.Attribute{{Name: "axis", Type: checkpoints.AttributeInt, Int: 1}},
			},
			{Name: "project", OpType: "MatMul", Inputs: []string{"features", ProjName}, Outputs: []string{"context"}},
			{Name: "expand", OpType: "Unsqueeze", Inputs: []string{"context", "unsqueeze_axes"}, Outputs: []string{"context_seq"}},
			{
				Name: "embed", OpType: "Gather",
				Inputs: []string{EmbedName, checkpoints.TargetInputName}, Outputs: []string{"token_embed"},
				Attributes: []checkpoints.Attribute{{Name: "axis", Type: checkpoints.AttributeInt, Int: 0}},
			},
			{Name: "combine", OpType: "Add", Inputs: []string{"token_embed", "context_seq"}, Outputs: []string{"pre_hidden"}},
			{Name: "activate", OpType: "Tanh", Inputs: []string{"pre_hidden"}, Outputs: []string{"hidden"}},
			{Name: "logits", OpType: "MatMul", Inputs: []string{"hidden", OutName}, Outputs: []string{"logits_raw"}},
			{Name: "bias", OpType: "Add", Inputs: []string{"logits_raw", BiasName}, Outputs: []string{checkpoints.OutputName}},
		},
	}
	return graph, nil
}

func dims(shape ...int) []checkpoints.Dim {
	out := make([]checkpoints.Dim, len(shape))
	for i, s := range shape {
		out[i] = checkpoints.Dim{Value: int64(s)}
	}
	return out
}

func initializer(name string, t *tensor.Tensor) checkpoints.Initializer {
	shape := make([]int64, len(t.Shape))
	for i, s := range t.Shape {
		shape[i] = int64(s)
	}
	return checkpoints.Initializer{
		Name:      name,
		DataType:  checkpoints.DataTypeFloat,
		Dims:      shape,
		FloatData: t.ToFloat32(),
	}
}
