package tensor

import (
	"fmt"
	"math/rand"

	"github.com/pkg/errors"
)

// Tensor is a dense, row-major float64 array.
// Data is laid out so that it can back a gonum mat.Dense without copying.
type Tensor struct {
	Shape   []int
	Strides []int
	Data    []float64
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, elements=%d)", t.Shape, len(t.Data))
}

// New allocates a zero-filled tensor of the given shape.
func New(shape ...int) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	return &Tensor{
		Shape:   append([]int(nil), shape...),
		Strides: calculateStrides(shape),
		Data:    make([]float64, calculateNumElements(shape)),
	}, nil
}

// FromData wraps data in a tensor of the given shape. The slice is not copied.
func FromData(data []float64, shape ...int) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	if n := calculateNumElements(shape); n != len(data) {
		return nil, errors.Errorf("data length %d does not match tensor size %d", len(data), n)
	}
	return &Tensor{
		Shape:   append([]int(nil), shape...),
		Strides: calculateStrides(shape),
		Data:    data,
	}, nil
}

// Randn fills a new tensor with normally distributed values scaled by std.
func Randn(rng *rand.Rand, std float64, shape ...int) (*Tensor, error) {
	t, err := New(shape...)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = rng.NormFloat64() * std
	}
	return t, nil
}

// NumElems returns the number of scalar elements.
func (t *Tensor) NumElems() int {
	return len(t.Data)
}

// Dim returns the size of axis i.
func (t *Tensor) Dim(i int) int {
	return t.Shape[i]
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	data := make([]float64, len(t.Data))
	copy(data, t.Data)
	return &Tensor{
		Shape:   append([]int(nil), t.Shape...),
		Strides: append([]int(nil), t.Strides...),
		Data:    data,
	}
}

// Zero sets every element to 0.
func (t *Tensor) Zero() {
	for i := range t.Data {
		t.Data[i] = 0
	}
}

// SliceOuter returns rows [from, to) of the leading axis. The result shares
// storage with t.
func (t *Tensor) SliceOuter(from, to int) (*Tensor, error) {
	if len(t.Shape) == 0 {
		return nil, errors.New("cannot slice a scalar tensor")
	}
	if from < 0 || to > t.Shape[0] || from >= to {
		return nil, errors.Errorf("slice [%d:%d] out of range for leading dimension %d", from, to, t.Shape[0])
	}
	rowSize := t.Strides[0]
	shape := append([]int{to - from}, t.Shape[1:]...)
	return &Tensor{
		Shape:   shape,
		Strides: calculateStrides(shape),
		Data:    t.Data[from*rowSize : to*rowSize],
	}, nil
}

// ToFloat32 converts the data for serialization.
func (t *Tensor) ToFloat32() []float32 {
	out := make([]float32, len(t.Data))
	for i, v := range t.Data {
		out[i] = float32(v)
	}
	return out
}

// CopyFloat32 overwrites the data from a float32 slice of the same length.
func (t *Tensor) CopyFloat32(data []float32) error {
	if len(data) != len(t.Data) {
		return errors.Errorf("data length %d does not match tensor size %d", len(data), len(t.Data))
	}
	for i, v := range data {
		t.Data[i] = float64(v)
	}
	return nil
}

// SameShape reports whether both tensors have identical shapes.
func SameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}

	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}

	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return errors.New("invalid shape: at least one dimension is required")
	}
	for i, dim := range shape {
		if dim <= 0 {
			return errors.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}
