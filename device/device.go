// Package device resolves the configured device list into the worker ids
// the model shards its forward pass across.
//
// There is no accelerator backend: each id names one CPU worker. The list is
// capped at the number of logical cores reported by cpuid.
package device

import (
	"fmt"
	"runtime"

	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Info describes the host CPU.
type Info struct {
	Brand         string
	Vendor        string
	PhysicalCores int
	LogicalCores  int
	AVX2          bool
	AVX512        bool
}

// Probe inspects the host CPU.
func Probe() Info {
	logical := cpuid.CPU.LogicalCores
	if logical <= 0 {
		logical = runtime.NumCPU()
	}
	return Info{
		Brand:         cpuid.CPU.BrandName,
		Vendor:        cpuid.CPU.VendorString,
		PhysicalCores: cpuid.CPU.PhysicalCores,
		LogicalCores:  logical,
		AVX2:          cpuid.CPU.Supports(cpuid.AVX2),
		AVX512:        cpuid.CPU.Supports(cpuid.AVX512F, cpuid.AVX512DQ),
	}
}

func (i Info) String() string {
	return fmt.Sprintf("%s (%d cores, %d threads, avx2=%t, avx512=%t)",
		i.Brand, i.PhysicalCores, i.LogicalCores, i.AVX2, i.AVX512)
}

// Resolve turns the configured device ids into worker ids. noCUDA or an empty
// list yields the single worker 0. Duplicates are dropped and the list is
// truncated to info.LogicalCores.
func Resolve(ids []int, noCUDA bool, info Info) ([]int, error) {
	if noCUDA || len(ids) == 0 {
		return []int{0}, nil
	}

	seen := make(map[int]bool, len(ids))
	devices := make([]int, 0, len(ids))
	for _, id := range ids {
		if id < 0 {
			return nil, errors.Errorf("invalid device id %d", id)
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		devices = append(devices, id)
	}

	limit := info.LogicalCores
	if limit <= 0 {
		limit = 1
	}
	if len(devices) > limit {
		klog.Warningf("requested %d devices but only %d logical cores, using %v", len(devices), limit, devices[:limit])
		devices = devices[:limit]
	}
	return devices, nil
}
