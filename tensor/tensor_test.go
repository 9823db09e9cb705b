package tensor

import (
	"math/rand"
	"testing"
)

func TestCalculateStrides(t *testing.T) {
	tests := []struct {
		shape    []int
		expected []int
	}{
		{[]int{}, []int{}},
		{[]int{5}, []int{1}},
		{[]int{2, 3}, []int{3, 1}},
		{[]int{2, 3, 4}, []int{12, 4, 1}},
		{[]int{1, 5, 1, 3}, []int{15, 3, 3, 1}},
	}

	for _, test := range tests {
		if got := calculateStrides(test.shape); !SameShape(got, test.expected) {
			t.Errorf("calculateStrides(%v) = %v, want %v", test.shape, got, test.expected)
		}
	}
}

func TestNew(t *testing.T) {
	tensor, err := New(2, 3)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if tensor.NumElems() != 6 || tensor.Dim(1) != 3 {
		t.Errorf("got %v", tensor)
	}

	for _, shape := range [][]int{{}, {0}, {2, -1}} {
		if _, err := New(shape...); err == nil {
			t.Errorf("New(%v) should fail", shape)
		}
	}
}

func TestFromData(t *testing.T) {
	data := []float64{1, 2, 3, 4}
	tensor, err := FromData(data, 2, 2)
	if err != nil {
		t.Fatalf("FromData: %v", err)
	}
	data[0] = 9
	if tensor.Data[0] != 9 {
		t.Error("FromData should not copy")
	}
	if _, err := FromData(data, 3); err == nil {
		t.Error("expected length mismatch error")
	}
}

func TestRandnSeeded(t *testing.T) {
	a, _ := Randn(rand.New(rand.NewSource(1)), 0.5, 10)
	b, _ := Randn(rand.New(rand.NewSource(1)), 0.5, 10)
	for i := range a.Data {
		if a.Data[i] != b.Data[i] {
			t.Fatalf("element %d differs: %g vs %g", i, a.Data[i], b.Data[i])
		}
	}
}

func TestCloneAndZero(t *testing.T) {
	a, _ := FromData([]float64{1, 2, 3}, 3)
	b := a.Clone()
	a.Zero()
	if b.Data[2] != 3 || a.Data[2] != 0 {
		t.Errorf("clone %v, original %v", b.Data, a.Data)
	}
}

func TestSliceOuter(t *testing.T) {
	a, _ := FromData([]float64{0, 1, 2, 3, 4, 5, 6, 7}, 4, 2)
	s, err := a.SliceOuter(1, 3)
	if err != nil {
		t.Fatalf("SliceOuter: %v", err)
	}
	if !SameShape(s.Shape, []int{2, 2}) || s.Data[0] != 2 || s.Data[3] != 5 {
		t.Errorf("got shape %v data %v", s.Shape, s.Data)
	}
	s.Data[0] = -1
	if a.Data[2] != -1 {
		t.Error("slice should share storage")
	}

	tests := []struct{ from, to int }{{-1, 2}, {2, 2}, {3, 5}}
	for _, tt := range tests {
		if _, err := a.SliceOuter(tt.from, tt.to); err == nil {
			t.Errorf("SliceOuter(%d, %d) should fail", tt.from, tt.to)
		}
	}
}

func TestFloat32RoundTrip(t *testing.T) {
	a, _ := FromData([]float64{0.5, -1.25}, 2)
	b, _ := New(2)
	if err := b.CopyFloat32(a.ToFloat32()); err != nil {
		t.Fatalf("CopyFloat32: %v", err)
	}
	if b.Data[0] != 0.5 || b.Data[1] != -1.25 {
		t.Errorf("got %v", b.Data)
	}
	if err := b.CopyFloat32([]float32{1}); err == nil {
		t.Error("expected length mismatch error")
	}
}

func TestParameters(t *testing.T) {
	w, _ := New(2)
	p := NewParameter("w", w)
	p.Grad.Data[0] = 3
	ZeroGrads([]*Parameter{p})
	if p.Grad.Data[0] != 0 {
		t.Error("gradient not cleared")
	}
	if got, err := Lookup([]*Parameter{p}, "w"); err != nil || got != p {
		t.Errorf("Lookup = %v, %v", got, err)
	}
	if _, err := Lookup([]*Parameter{p}, "missing"); err == nil {
		t.Error("expected lookup error")
	}
}
