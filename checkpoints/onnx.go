package checkpoints

import (
	"math"
	"os"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// ONNX constants used by the exporter.
const (
	onnxIRVersion    = 7
	onnxOpsetVersion = 14
	producerName     = "go-latex-ocr"
	producerVersion  = "1.0.0"
)

// DataType mirrors TensorProto.DataType.
type DataType int32

const (
	DataTypeFloat DataType = 1
	DataTypeInt64 DataType = 7
)

// AttributeType mirrors AttributeProto.AttributeType.
type AttributeType int32

const (
	AttributeFloat AttributeType = 1
	AttributeInt   AttributeType = 2
	AttributeInts  AttributeType = 7
)

// Dim is one axis of a value shape. A non-empty Param makes the axis symbolic
// (dynamic); otherwise Value is the fixed size.
type Dim struct {
	Value int64
	Param string
}

// ValueInfo describes a graph input or output.
type ValueInfo struct {
	Name     string
	ElemType DataType
	Dims     []Dim
}

// Attribute is a node attribute. Only the field matching Type is encoded.
type Attribute struct {
	Name  string
	Type  AttributeType
	Float float32
	Int   int64
	Ints  []int64
}

// Node is a single operator invocation.
type Node struct {
	Name       string
	OpType     string
	Inputs     []string
	Outputs    []string
	Attributes []Attribute
}

// Initializer is a constant tensor baked into the graph.
type Initializer struct {
	Name      string
	DataType  DataType
	Dims      []int64
	FloatData []float32
	Int64Data []int64
}

// Graph is the computation graph handed over by a model for export.
type Graph struct {
	Name         string
	Inputs       []ValueInfo
	Outputs      []ValueInfo
	Nodes        []Node
	Initializers []Initializer
}

// OpsetImport names an operator set version.
type OpsetImport struct {
	Domain  string
	Version int64
}

// ModelFile is the decoded form of an ONNX ModelProto.
type ModelFile struct {
	IRVersion       int64
	ProducerName    string
	ProducerVersion string
	OpsetImports    []OpsetImport
	Graph           *Graph
	Metadata        map[string]string
	metadataOrder   []string
}

// ONNXExporter serializes graphs to the ONNX protobuf wire format
type ONNXExporter struct {
	metadata [][2]string
}

// NewONNXExporter creates a new ONNX exporter
func NewONNXExporter() *ONNXExporter {
	return &ONNXExporter{}
}

// AddMetadata attaches a metadata_props entry to the exported model.
func (oe *ONNXExporter) AddMetadata(key, value string) {
	oe.metadata = append(oe.metadata, [2]string{key, value})
}

// Marshal encodes graph as a complete ModelProto.
func (oe *ONNXExporter) Marshal(graph *Graph) ([]byte, error) {
	if graph == nil {
		return nil, errors.New("graph is nil")
	}

	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, onnxIRVersion)
	b = appendString(b, 2, producerName)
	b = appendString(b, 3, producerVersion)
	b = protowire.AppendTag(b, 5, protowire.VarintType)
	b = protowire.AppendVarint(b, 1)
	b = appendMessage(b, 7, encodeGraph(graph))

	var opset []byte
	opset = appendString(opset, 1, "")
	opset = protowire.AppendTag(opset, 2, protowire.VarintType)
	opset = protowire.AppendVarint(opset, onnxOpsetVersion)
	b = appendMessage(b, 8, opset)

	for _, kv := range oe.metadata {
		var entry []byte
		entry = appendString(entry, 1, kv[0])
		entry = appendString(entry, 2, kv[1])
		b = appendMessage(b, 14, entry)
	}
	return b, nil
}

// ExportToONNX writes graph to path
func (oe *ONNXExporter) ExportToONNX(graph *Graph, path string) error {
	data, err := oe.Marshal(graph)
	if err != nil {
		return errors.Wrap(err, "failed to marshal ONNX model")
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrap(err, "failed to write ONNX file")
	}
	return nil
}

func encodeGraph(g *Graph) []byte {
	var b []byte
	for _, n := range g.Nodes {
		b = appendMessage(b, 1, encodeNode(n))
	}
	b = appendString(b, 2, g.Name)
	for _, init := range g.Initializers {
		b = appendMessage(b, 5, encodeInitializer(init))
	}
	for _, in := range g.Inputs {
		b = appendMessage(b, 11, encodeValueInfo(in))
	}
	for _, out := range g.Outputs {
		b = appendMessage(b, 12, encodeValueInfo(out))
	}
	return b
}

func encodeNode(n Node) []byte {
	var b []byte
	for _, in := range n.Inputs {
		b = appendString(b, 1, in)
	}
	for _, out := range n.Outputs {
		b = appendString(b, 2, out)
	}
	b = appendString(b, 3, n.Name)
	b = appendString(b, 4, n.OpType)
	for _, attr := range n.Attributes {
		b = appendMessage(b, 5, encodeAttribute(attr))
	}
	return b
}

func encodeAttribute(a Attribute) []byte {
	var b []byte
	b = appendString(b, 1, a.Name)
	switch a.Type {
	case AttributeFloat:
		b = protowire.AppendTag(b, 2, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(a.Float))
	case AttributeInt:
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(a.Int))
	case AttributeInts:
		b = appendPackedInt64(b, 8, a.Ints)
	}
	b = protowire.AppendTag(b, 20, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(a.Type))
	return b
}

func encodeInitializer(t Initializer) []byte {
	var b []byte
	b = appendPackedInt64(b, 1, t.Dims)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(t.DataType))
	if len(t.FloatData) > 0 {
		var packed []byte
		for _, f := range t.FloatData {
			packed = protowire.AppendFixed32(packed, math.Float32bits(f))
		}
		b = appendMessage(b, 4, packed)
	}
	if len(t.Int64Data) > 0 {
		b = appendPackedInt64(b, 7, t.Int64Data)
	}
	b = appendString(b, 8, t.Name)
	return b
}

func encodeValueInfo(v ValueInfo) []byte {
	var shape []byte
	for _, d := range v.Dims {
		var dim []byte
		if d.Param != "" {
			dim = appendString(dim, 2, d.Param)
		} else {
			dim = protowire.AppendTag(dim, 1, protowire.VarintType)
			dim = protowire.AppendVarint(dim, uint64(d.Value))
		}
		shape = appendMessage(shape, 1, dim)
	}

	var tensorType []byte
	tensorType = protowire.AppendTag(tensorType, 1, protowire.VarintType)
	tensorType = protowire.AppendVarint(tensorType, uint64(v.ElemType))
	tensorType = appendMessage(tensorType, 2, shape)

	var typeProto []byte
	typeProto = appendMessage(typeProto, 1, tensorType)

	var b []byte
	b = appendString(b, 1, v.Name)
	b = appendMessage(b, 2, typeProto)
	return b
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendPackedInt64(b []byte, num protowire.Number, values []int64) []byte {
	if len(values) == 0 {
		return b
	}
	var packed []byte
	for _, v := range values {
		packed = protowire.AppendVarint(packed, uint64(v))
	}
	return appendMessage(b, num, packed)
}
