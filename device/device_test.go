package device

import (
	"reflect"
	"testing"
)

func TestResolve(t *testing.T) {
	info := Info{LogicalCores: 4}

	tests := []struct {
		name   string
		ids    []int
		noCUDA bool
		want   []int
	}{
		{"no cuda", []int{0, 1, 2}, true, []int{0}},
		{"empty list", nil, false, []int{0}},
		{"passes through", []int{0, 1}, false, []int{0, 1}},
		{"dedupes", []int{1, 1, 0}, false, []int{1, 0}},
		{"caps at cores", []int{0, 1, 2, 3, 4, 5}, false, []int{0, 1, 2, 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(tt.ids, tt.noCUDA, info)
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestResolveRejectsNegative(t *testing.T) {
	if _, err := Resolve([]int{0, -1}, false, Info{LogicalCores: 2}); err == nil {
		t.Error("expected error for negative id")
	}
}

func TestResolveUnknownCoreCount(t *testing.T) {
	got, err := Resolve([]int{3, 4}, false, Info{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(got) != 1 || got[0] != 3 {
		t.Errorf("got %v, want [3]", got)
	}
}

func TestProbe(t *testing.T) {
	info := Probe()
	if info.LogicalCores <= 0 {
		t.Errorf("LogicalCores = %d", info.LogicalCores)
	}
	if info.String() == "" {
		t.Error("empty description")
	}
}
