package checkpoints

import (
	"math"
	"os"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformedModel is wrapped by every structural problem found by CheckModel.
var ErrMalformedModel = errors.New("malformed ONNX model")

// LoadONNX reads and decodes an ONNX file without checking it.
func LoadONNX(path string) (*ModelFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read ONNX file")
	}
	return DecodeModel(data)
}

// CheckFile decodes the ONNX file at path and verifies it is well formed.
func CheckFile(path string) (*ModelFile, error) {
	m, err := LoadONNX(path)
	if err != nil {
		return nil, err
	}
	if err := CheckModel(m); err != nil {
		return nil, err
	}
	return m, nil
}

// CheckModel verifies the structural well-formedness of a decoded model: a
// versioned default opset, a named graph in topological order where every
// node input is defined before use, every name is produced once, every graph
// output is produced, and every initializer matches its declared dims.
func CheckModel(m *ModelFile) error {
	bad := func(format string, args ...interface{}) error {
		return errors.Wrapf(ErrMalformedModel, format, args...)
	}

	if m.IRVersion <= 0 {
		return bad("ir_version is not set")
	}
	hasDefault := false
	for _, op := range m.OpsetImports {
		if op.Domain == "" && op.Version > 0 {
			hasDefault = true
		}
	}
	if !hasDefault {
		return bad("no default-domain opset import")
	}

	g := m.Graph
	if g == nil {
		return bad("model has no graph")
	}
	if g.Name == "" {
		return bad("graph name is empty")
	}
	if len(g.Nodes) == 0 {
		return bad("graph has no nodes")
	}

	defined := make(map[string]bool)
	define := func(name, what string) error {
		if name == "" {
			return bad("%s has an empty name", what)
		}
		if defined[name] {
			return bad("%s %q is defined more than once", what, name)
		}
		defined[name] = true
		return nil
	}

	for _, in := range g.Inputs {
		if err := define(in.Name, "graph input"); err != nil {
			return err
		}
		if in.ElemType == 0 {
			return bad("graph input %q has no element type", in.Name)
		}
	}
	for _, init := range g.Initializers {
		if err := define(init.Name, "initializer"); err != nil {
			return err
		}
		if err := checkInitializer(init); err != nil {
			return bad("%v", err)
		}
	}

	for i, n := range g.Nodes {
		if n.OpType == "" {
			return bad("node %d has no op_type", i)
		}
		for _, in := range n.Inputs {
			if in != "" && !defined[in] {
				return bad("node %q uses undefined input %q", n.Name, in)
			}
		}
		if len(n.Outputs) == 0 {
			return bad("node %q has no outputs", n.Name)
		}
		for _, out := range n.Outputs {
			if err := define(out, "node output"); err != nil {
				return err
			}
		}
	}

	if len(g.Outputs) == 0 {
		return bad("graph has no outputs")
	}
	for _, out := range g.Outputs {
		if !defined[out.Name] {
			return bad("graph output %q is never produced", out.Name)
		}
		if out.ElemType == 0 {
			return bad("graph output %q has no element type", out.Name)
		}
	}

	seen := make(map[string]bool)
	for _, key := range m.metadataOrder {
		if seen[key] {
			return bad("metadata key %q is duplicated", key)
		}
		seen[key] = true
	}
	return nil
}

func checkInitializer(t Initializer) error {
	expected := int64(1)
	for _, d := range t.Dims {
		if d < 0 {
			return errors.Errorf("initializer %q has negative dim %d", t.Name, d)
		}
		expected *= d
	}

	var got int
	switch t.DataType {
	case DataTypeFloat:
		got = len(t.FloatData)
	case DataTypeInt64:
		got = len(t.Int64Data)
	default:
		return errors.Errorf("initializer %q has unsupported data type %d", t.Name, t.DataType)
	}
	if int64(got) != expected {
		return errors.Errorf("initializer %q holds %d values, dims %v need %d", t.Name, got, t.Dims, expected)
	}
	return nil
}

// DecodeModel parses a serialized ModelProto.
func DecodeModel(data []byte) (*ModelFile, error) {
	m := &ModelFile{Metadata: make(map[string]string)}
	err := walkFields(data, func(f field) error {
		switch f.num {
		case 1:
			m.IRVersion = int64(f.x)
		case 2:
			m.ProducerName = string(f.v)
		case 3:
			m.ProducerVersion = string(f.v)
		case 7:
			g, err := decodeGraph(f.v)
			if err != nil {
				return errors.Wrap(err, "graph")
			}
			m.Graph = g
		case 8:
			var op OpsetImport
			err := walkFields(f.v, func(f field) error {
				switch f.num {
				case 1:
					op.Domain = string(f.v)
				case 2:
					op.Version = int64(f.x)
				}
				return nil
			})
			if err != nil {
				return errors.Wrap(err, "opset_import")
			}
			m.OpsetImports = append(m.OpsetImports, op)
		case 14:
			var key, value string
			err := walkFields(f.v, func(f field) error {
				switch f.num {
				case 1:
					key = string(f.v)
				case 2:
					value = string(f.v)
				}
				return nil
			})
			if err != nil {
				return errors.Wrap(err, "metadata_props")
			}
			m.Metadata[key] = value
			m.metadataOrder = append(m.metadataOrder, key)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode ONNX model")
	}
	return m, nil
}

func decodeGraph(data []byte) (*Graph, error) {
	g := &Graph{}
	err := walkFields(data, func(f field) error {
		switch f.num {
		case 1:
			n, err := decodeNode(f.v)
			if err != nil {
				return err
			}
			g.Nodes = append(g.Nodes, n)
		case 2:
			g.Name = string(f.v)
		case 5:
			t, err := decodeInitializer(f.v)
			if err != nil {
				return err
			}
			g.Initializers = append(g.Initializers, t)
		case 11, 12:
			v, err := decodeValueInfo(f.v)
			if err != nil {
				return err
			}
			if f.num == 11 {
				g.Inputs = append(g.Inputs, v)
			} else {
				g.Outputs = append(g.Outputs, v)
			}
		}
		return nil
	})
	return g, err
}

func decodeNode(data []byte) (Node, error) {
	var n Node
	err := walkFields(data, func(f field) error {
		switch f.num {
		case 1:
			n.Inputs = append(n.Inputs, string(f.v))
		case 2:
			n.Outputs = append(n.Outputs, string(f.v))
		case 3:
			n.Name = string(f.v)
		case 4:
			n.OpType = string(f.v)
		case 5:
			a, err := decodeAttribute(f.v)
			if err != nil {
				return err
			}
			n.Attributes = append(n.Attributes, a)
		}
		return nil
	})
	return n, err
}

func decodeAttribute(data []byte) (Attribute, error) {
	var a Attribute
	err := walkFields(data, func(f field) error {
		switch f.num {
		case 1:
			a.Name = string(f.v)
		case 2:
			a.Float = math.Float32frombits(uint32(f.x))
		case 3:
			a.Int = int64(f.x)
		case 8:
			ints, err := f.int64s()
			if err != nil {
				return err
			}
			a.Ints = append(a.Ints, ints...)
		case 20:
			a.Type = AttributeType(f.x)
		}
		return nil
	})
	return a, err
}

func decodeInitializer(data []byte) (Initializer, error) {
	var t Initializer
	err := walkFields(data, func(f field) error {
		switch f.num {
		case 1:
			dims, err := f.int64s()
			if err != nil {
				return err
			}
			t.Dims = append(t.Dims, dims...)
		case 2:
			t.DataType = DataType(f.x)
		case 4:
			fl, err := f.float32s()
			if err != nil {
				return err
			}
			t.FloatData = append(t.FloatData, fl...)
		case 7:
			ints, err := f.int64s()
			if err != nil {
				return err
			}
			t.Int64Data = append(t.Int64Data, ints...)
		case 8:
			t.Name = string(f.v)
		}
		return nil
	})
	return t, err
}

func decodeValueInfo(data []byte) (ValueInfo, error) {
	var v ValueInfo
	err := walkFields(data, func(f field) error {
		switch f.num {
		case 1:
			v.Name = string(f.v)
		case 2:
			// TypeProto -> tensor_type -> {elem_type, shape -> dim*}
			return walkFields(f.v, func(tf field) error {
				if tf.num != 1 {
					return nil
				}
				return walkFields(tf.v, func(tt field) error {
					switch tt.num {
					case 1:
						v.ElemType = DataType(tt.x)
					case 2:
						return walkFields(tt.v, func(sf field) error {
							if sf.num != 1 {
								return nil
							}
							var d Dim
							err := walkFields(sf.v, func(df field) error {
								switch df.num {
								case 1:
									d.Value = int64(df.x)
								case 2:
									d.Param = string(df.v)
								}
								return nil
							})
							v.Dims = append(v.Dims, d)
							return err
						})
					}
					return nil
				})
			})
		}
		return nil
	})
	return v, err
}

// field is one decoded wire field. v holds length-delimited payloads, x holds
// varint and fixed-width payloads.
type field struct {
	num protowire.Number
	typ protowire.Type
	v   []byte
	x   uint64
}

func (f field) int64s() ([]int64, error) {
	if f.typ == protowire.VarintType {
		return []int64{int64(f.x)}, nil
	}
	var out []int64
	b := f.v
	for len(b) > 0 {
		x, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, int64(x))
		b = b[n:]
	}
	return out, nil
}

func (f field) float32s() ([]float32, error) {
	if f.typ == protowire.Fixed32Type {
		return []float32{math.Float32frombits(uint32(f.x))}, nil
	}
	var out []float32
	b := f.v
	for len(b) > 0 {
		x, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, math.Float32frombits(x))
		b = b[n:]
	}
	return out, nil
}

func walkFields(b []byte, fn func(field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.x, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var x uint32
			x, n = protowire.ConsumeFixed32(b)
			f.x = uint64(x)
		case protowire.Fixed64Type:
			f.x, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			f.v, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}
