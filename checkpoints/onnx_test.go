package checkpoints

import (
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
)

func testGraph() *Graph {
	return &Graph{
		Name: "test_graph",
		Inputs: []ValueInfo{
			{Name: ImageInputName, ElemType: DataTypeFloat, Dims: []Dim{{Value: 1}, {Value: 1}, {Value: 4}, {Value: 4}}},
			{Name: TargetInputName, ElemType: DataTypeInt64, Dims: []Dim{{Value: 1}, {Value: 3}}},
		},
		Outputs: []ValueInfo{
			{Name: OutputName, ElemType: DataTypeFloat, Dims: []Dim{{Value: 1}, {Value: 3}, {Value: 2}}},
		},
		Initializers: []Initializer{
			{Name: "embed", DataType: DataTypeFloat, Dims: []int64{2, 2}, FloatData: []float32{1, 2, 3, 4}},
			{Name: "axes", DataType: DataTypeInt64, Dims: []int64{1}, Int64Data: []int64{1}},
		},
		Nodes: []Node{
			{
				Name: "pool", OpType: "AveragePool",
				Inputs: []string{ImageInputName}, Outputs: []string{"pooled"},
				Attributes: []Attribute{{Name: "kernel_shape", Type: AttributeInts, Ints: []int64{2, 2}}},
			},
			{Name: "gather", OpType: "Gather", Inputs: []string{"embed", TargetInputName}, Outputs: []string{OutputName},
				Attributes: []Attribute{{Name: "axis", Type: AttributeInt, Int: 0}}},
		},
	}
}

func TestONNXRoundTrip(t *testing.T) {
	exporter := NewONNXExporter()
	exporter.AddMetadata(VocabSizeKey, "2")

	path := filepath.Join(t.TempDir(), "model.onnx")
	if err := exporter.ExportToONNX(testGraph(), path); err != nil {
		t.Fatalf("Failed to export: %v", err)
	}

	m, err := CheckFile(path)
	if err != nil {
		t.Fatalf("Exported model failed check: %v", err)
	}

	if m.IRVersion != onnxIRVersion {
		t.Errorf("Expected ir_version %d, got %d", onnxIRVersion, m.IRVersion)
	}
	if len(m.OpsetImports) != 1 || m.OpsetImports[0].Version != onnxOpsetVersion {
		t.Errorf("Unexpected opset imports: %+v", m.OpsetImports)
	}
	if m.Metadata[VocabSizeKey] != "2" {
		t.Errorf("Expected vocab_size metadata 2, got %q", m.Metadata[VocabSizeKey])
	}

	g := m.Graph
	if g.Name != "test_graph" || len(g.Nodes) != 2 || len(g.Inputs) != 2 || len(g.Outputs) != 1 {
		t.Fatalf("Graph structure not preserved: %+v", g)
	}
	if got := g.Nodes[0].Attributes[0].Ints; len(got) != 2 || got[0] != 2 {
		t.Errorf("kernel_shape not preserved: %v", got)
	}
	if got := g.Initializers[0].FloatData; len(got) != 4 || got[3] != 4 {
		t.Errorf("Initializer data not preserved: %v", got)
	}
	if got := g.Initializers[1].Int64Data; len(got) != 1 || got[0] != 1 {
		t.Errorf("Int64 initializer not preserved: %v", got)
	}
}

func TestONNXDynamicDims(t *testing.T) {
	g := testGraph()
	if err := declareDynamicAxes(g); err != nil {
		t.Fatalf("declareDynamicAxes failed: %v", err)
	}

	data, err := NewONNXExporter().Marshal(g)
	if err != nil {
		t.Fatal(err)
	}
	m, err := DecodeModel(data)
	if err != nil {
		t.Fatal(err)
	}

	tgt := m.Graph.Inputs[1]
	if tgt.Dims[0].Param != BatchAxis || tgt.Dims[1].Param != SeqAxis {
		t.Errorf("Target dims not symbolic: %+v", tgt.Dims)
	}
	img := m.Graph.Inputs[0]
	if img.Dims[0].Param != BatchAxis || img.Dims[2].Value != 4 {
		t.Errorf("Image dims wrong: %+v", img.Dims)
	}
	out := m.Graph.Outputs[0]
	if out.Dims[1].Param != SeqAxis || out.Dims[2].Value != 2 {
		t.Errorf("Output dims wrong: %+v", out.Dims)
	}
}

func TestCheckModelRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(g *Graph)
	}{
		{"undefined input", func(g *Graph) { g.Nodes[1].Inputs[0] = "missing" }},
		{"use before definition", func(g *Graph) { g.Nodes[0], g.Nodes[1] = g.Nodes[1], g.Nodes[0]; g.Nodes[0].Inputs[0] = "pooled" }},
		{"duplicate output", func(g *Graph) { g.Nodes[1].Outputs[0] = "pooled" }},
		{"output never produced", func(g *Graph) { g.Outputs[0].Name = "nowhere" }},
		{"initializer size", func(g *Graph) { g.Initializers[0].Dims = []int64{3, 2} }},
		{"no nodes", func(g *Graph) { g.Nodes = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := testGraph()
			tt.mutate(g)
			data, err := NewONNXExporter().Marshal(g)
			if err != nil {
				t.Fatal(err)
			}
			m, err := DecodeModel(data)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			err = CheckModel(m)
			if errors.Cause(err) != ErrMalformedModel {
				t.Errorf("Expected ErrMalformedModel, got %v", err)
			}
		})
	}
}

func TestCheckModelDuplicateMetadata(t *testing.T) {
	exporter := NewONNXExporter()
	exporter.AddMetadata("k", "1")
	exporter.AddMetadata("k", "2")
	data, err := exporter.Marshal(testGraph())
	if err != nil {
		t.Fatal(err)
	}
	m, err := DecodeModel(data)
	if err != nil {
		t.Fatal(err)
	}
	if err := CheckModel(m); errors.Cause(err) != ErrMalformedModel {
		t.Errorf("Expected ErrMalformedModel, got %v", err)
	}
}

func TestDecodeModelGarbage(t *testing.T) {
	if _, err := DecodeModel([]byte{0xff, 0xff, 0xff}); err == nil {
		t.Error("Expected error decoding garbage")
	}
}

func TestMarshalNilGraph(t *testing.T) {
	if _, err := NewONNXExporter().Marshal(nil); err == nil {
		t.Error("Expected error for nil graph")
	}
}
