// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package device selects the compute backend for training and inference.
package device

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/klauspost/cpuid/v2"
)

// Kind names a compute backend.
type Kind string

// Backends.
const (
	CPU    Kind = "cpu"
	WebGPU Kind = "webgpu"
)

// gpuAvailable is replaced on platforms with a GPU backend.
var gpuAvailable = func() bool { return false }

// Select returns the backend for gpuID. A negative id selects the CPU. A
// non-negative id selects the GPU when one is usable and falls back to the
// CPU with a warning otherwise.
func Select(gpuID int, logger *slog.Logger) Kind {
	if logger == nil {
		logger = slog.Default()
	}
	if gpuID < 0 {
		return CPU
	}
	if gpuID > 0 {
		logger.Warn("only one GPU adapter is supported, using the default", "gpu", gpuID)
	}
	if !gpuAvailable() {
		logger.Warn("no usable GPU, falling back to CPU", "gpu", gpuID)
		return CPU
	}
	return WebGPU
}

// Info describes the host processor.
type Info struct {
	Brand    string
	Vendor   string
	Cores    int
	Threads  int
	Features []string
}

// Describe reports the host processor.
func Describe() Info {
	return Info{
		Brand:    cpuid.CPU.BrandName,
		Vendor:   cpuid.CPU.VendorString,
		Cores:    cpuid.CPU.PhysicalCores,
		Threads:  cpuid.CPU.LogicalCores,
		Features: simdFeatures(),
	}
}

func simdFeatures() []string {
	var out []string
	for _, f := range []struct {
		name string
		id   cpuid.FeatureID
	}{
		{"sse4.2", cpuid.SSE42},
		{"avx", cpuid.AVX},
		{"avx2", cpuid.AVX2},
		{"fma", cpuid.FMA3},
		{"avx512f", cpuid.AVX512F},
		{"neon", cpuid.ASIMD},
	} {
		if cpuid.CPU.Supports(f.id) {
			out = append(out, f.name)
		}
	}
	return out
}

func (i Info) String() string {
	features := "none"
	if len(i.Features) > 0 {
		features = strings.Join(i.Features, ",")
	}
	return fmt.Sprintf("%s (%d cores, %d threads, simd: %s)", i.Brand, i.Cores, i.Threads, features)
}

// LogValue implements slog.LogValuer.
func (i Info) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("brand", i.Brand),
		slog.Int("cores", i.Cores),
		slog.Int("threads", i.Threads),
		slog.String("simd", strings.Join(i.Features, ",")),
	)
}
