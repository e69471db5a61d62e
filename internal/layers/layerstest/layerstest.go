// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package layerstest compares recorded gradients with central finite
// differences on the CPU backend.
package layerstest

import (
	"math"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Backend is the backend gradients are checked on.
type Backend = *autodiff.Backend[*cpu.Backend]

// Float32 is a float32 tensor on Backend.
type Float32 = *tensor.Tensor[float32, Backend]

const (
	step   = 1e-3
	relTol = 0.05
	absTol = 2e-3 // per unit of loss magnitude
)

// Uniform returns a tensor of the given shape with values drawn uniformly
// from [lo, hi), reproducible for seed.
func Uniform(shape tensor.Shape, lo, hi float32, seed uint64, b Backend) Float32 {
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	x := tensor.Zeros[float32](shape, b)
	data := x.Raw().AsFloat32()
	for i := range data {
		data[i] = lo + (hi-lo)*r.Float32()
	}
	return x
}

// Dot returns Σ x·w as a [1] tensor. Weighting the output with a fixed
// random w keeps the gradient from vanishing on normalized outputs.
func Dot(x, w Float32) Float32 {
	p := x.Mul(w)
	return p.Reshape(1, p.NumElements()).SumDim(1, false)
}

// Target is a tensor whose gradient is checked. Indices selects flat
// elements; nil checks every element.
type Target struct {
	Name    string
	X       Float32
	Indices []int
}

// Check records loss once, runs backward and compares the gradient of every
// target with (loss(x+h) - loss(x-h)) / 2h, computed by perturbing the
// target in place.
func Check(t testing.TB, b Backend, loss func() Float32, targets ...Target) {
	t.Helper()

	tape := b.Tape()
	tape.Clear()
	tape.StartRecording()
	out := loss()
	require.Equal(t, 1, out.NumElements(), "loss must be a scalar")
	grads := autodiff.Backward(out, b)
	tape.StopRecording()
	tape.Clear()

	scale := math.Max(1, math.Abs(float64(out.Data()[0])))

	for _, tg := range targets {
		g, ok := grads[tg.X.Raw()]
		require.True(t, ok, "%s: no gradient", tg.Name)
		require.Equal(t, tg.X.Shape(), g.Shape(), tg.Name)
		analytic := slices.Clone(g.AsFloat32())

		data := tg.X.Raw().AsFloat32()
		indices := tg.Indices
		if indices == nil {
			indices = make([]int, len(data))
			for i := range indices {
				indices[i] = i
			}
		}

		for _, i := range indices {
			orig := data[i]
			data[i] = orig + step
			plus := float64(loss().Data()[0])
			data[i] = orig - step
			minus := float64(loss().Data()[0])
			data[i] = orig

			numeric := (plus - minus) / (2 * step)
			a := float64(analytic[i])
			tol := relTol*math.Max(math.Abs(a), math.Abs(numeric)) + absTol*scale
			assert.InDelta(t, numeric, a, tol, "%s[%d]: analytic %g, numeric %g", tg.Name, i, a, numeric)
		}
	}
}
