// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package layers

import (
	"math"
	"testing"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/tensor"
	"github.com/born-ml/styletransfer/internal/layers/layerstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testBackend = *autodiff.Backend[*cpu.Backend]

func newBackend() testBackend {
	return autodiff.New(cpu.New())
}

func fromSlice(t *testing.T, data []float32, shape tensor.Shape, b testBackend) *tensor.Tensor[float32, testBackend] {
	t.Helper()
	x, err := tensor.FromSlice(data, shape, b)
	require.NoError(t, err)
	return x
}

func TestTruncatedNormal(t *testing.T) {
	b := newBackend()

	w1 := TruncatedNormal(NewInit(1), tensor.Shape{16, 8, 3, 3}, b).Data()
	w2 := TruncatedNormal(NewInit(1), tensor.Shape{16, 8, 3, 3}, b).Data()
	w3 := TruncatedNormal(NewInit(2), tensor.Shape{16, 8, 3, 3}, b).Data()

	assert.Equal(t, w1, w2, "same seed, same weights")
	assert.NotEqual(t, w1, w3)

	var sum, sq float64
	for _, v := range w1 {
		assert.LessOrEqual(t, math.Abs(float64(v)), 2*WeightStddev+1e-6)
		sum += float64(v)
		sq += float64(v) * float64(v)
	}
	n := float64(len(w1))
	assert.InDelta(t, 0, sum/n, 0.02)
	// Truncation at 2 sigma shrinks the standard deviation to about 0.88 sigma.
	assert.InDelta(t, 0.088, math.Sqrt(sq/n), 0.01)
}

func TestConvShapes(t *testing.T) {
	b := newBackend()
	in := NewInit(1)

	tests := []struct {
		name                    string
		kernel, stride, padding int
		wantH, wantW            int
	}{
		{"9x9 same", 9, 1, 4, 12, 16},
		{"4x4 stride 2", 4, 2, 1, 6, 8},
		{"3x3 same", 3, 1, 1, 12, 16},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conv := NewConv("w", 3, 5, tt.kernel, tt.stride, tt.padding, in, b)
			x := tensor.Ones[float32](tensor.Shape{2, 3, 12, 16}, b)

			y := conv.Forward(x)
			assert.Equal(t, tensor.Shape{2, 5, tt.wantH, tt.wantW}, y.Shape())

			h, w := conv.OutSize(12, 16)
			assert.Equal(t, tt.wantH, h)
			assert.Equal(t, tt.wantW, w)
		})
	}
}

func TestConvPanics(t *testing.T) {
	b := newBackend()
	assert.Panics(t, func() { NewConv("w", 0, 3, 3, 1, 1, NewInit(1), b) })
	assert.Panics(t, func() { NewConv("w", 3, 3, 3, 0, 1, NewInit(1), b) })

	conv := NewConv("w", 3, 3, 3, 1, 1, NewInit(1), b)
	assert.Panics(t, func() { conv.Forward(tensor.Ones[float32](tensor.Shape{1, 4, 8, 8}, b)) })
	assert.Panics(t, func() { conv.Forward(tensor.Ones[float32](tensor.Shape{3, 8, 8}, b)) })
}

func TestUpsample2x(t *testing.T) {
	b := newBackend()
	x := fromSlice(t, []float32{1, 2, 3, 4}, tensor.Shape{1, 1, 2, 2}, b)

	y := Upsample2x(x)

	require.Equal(t, tensor.Shape{1, 1, 4, 4}, y.Shape())
	assert.Equal(t, []float32{
		1, 1, 2, 2,
		1, 1, 2, 2,
		3, 3, 4, 4,
		3, 3, 4, 4,
	}, y.Data())
}

func TestUpsample2xChannels(t *testing.T) {
	b := newBackend()
	x := fromSlice(t, []float32{1, 2, 3, 4, 5, 6}, tensor.Shape{1, 2, 1, 3}, b)

	y := Upsample2x(x)

	require.Equal(t, tensor.Shape{1, 2, 2, 6}, y.Shape())
	assert.Equal(t, []float32{
		1, 1, 2, 2, 3, 3,
		1, 1, 2, 2, 3, 3,
		4, 4, 5, 5, 6, 6,
		4, 4, 5, 5, 6, 6,
	}, y.Data())
}

func TestInstanceNorm(t *testing.T) {
	b := newBackend()
	norm := NewInstanceNorm("n", 2, b)

	// Channel 0: 0..3, channel 1: constant 5.
	x := fromSlice(t, []float32{0, 1, 2, 3, 5, 5, 5, 5}, tensor.Shape{1, 2, 2, 2}, b)
	y := norm.Forward(x).Data()

	// mean 1.5, variance 1.25
	inv := 1 / math.Sqrt(1.25+NormEpsilon)
	for i, want := range []float64{-1.5 * inv, -0.5 * inv, 0.5 * inv, 1.5 * inv} {
		assert.InDelta(t, want, y[i], 1e-5)
	}
	for i := 4; i < 8; i++ {
		assert.InDelta(t, 0, y[i], 1e-5, "constant channel normalizes to zero")
	}
}

func TestInstanceNormPerSample(t *testing.T) {
	b := newBackend()
	norm := NewInstanceNorm("n", 1, b)

	x := fromSlice(t, []float32{1, 2, 3, 4, 10, 20, 30, 40}, tensor.Shape{2, 1, 2, 2}, b)
	y := norm.Forward(x).Data()

	for s := range 2 {
		var mean float64
		for _, v := range y[4*s : 4*s+4] {
			mean += float64(v)
		}
		assert.InDelta(t, 0, mean/4, 1e-5)
	}
	assert.Greater(t, y[3], float32(1.0))
	assert.Greater(t, y[7], float32(1.0))
}

func TestResidual(t *testing.T) {
	b := newBackend()
	block := NewResidual("R1", 4, NewInit(1), b)

	x := TruncatedNormal(NewInit(3), tensor.Shape{1, 4, 6, 6}, b)
	y := block.Forward(x)
	assert.Equal(t, x.Shape(), y.Shape())

	assert.Len(t, block.Parameters(), 6)
	assert.Equal(t, 2*4*4*9+4*4, NumParams(block.Parameters()))

	state := block.StateDict()
	for _, key := range []string{
		"R1_conv1_w", "R1_conv1_in_scale", "R1_conv1_in_shift",
		"R1_conv2_w", "R1_conv2_in_scale", "R1_conv2_in_shift",
	} {
		assert.Contains(t, state, key)
	}
}

func TestLoadStateDict(t *testing.T) {
	b := newBackend()
	src := NewResidual("R1", 2, NewInit(1), b)
	dst := NewResidual("R1", 2, NewInit(9), b)

	before := dst.conv1.weight.Tensor().Raw()
	require.NoError(t, dst.LoadStateDict(src.StateDict()))

	assert.Same(t, before, dst.conv1.weight.Tensor().Raw(), "load copies in place")
	assert.Equal(t, src.conv1.weight.Tensor().Data(), dst.conv1.weight.Tensor().Data())
	assert.Equal(t, src.conv2.weight.Tensor().Data(), dst.conv2.weight.Tensor().Data())

	state := src.StateDict()
	delete(state, "R1_conv2_w")
	assert.Error(t, dst.LoadStateDict(state))

	wrong := NewResidual("R1", 3, NewInit(1), b)
	assert.Error(t, dst.LoadStateDict(wrong.StateDict()))
}

func TestConvGradients(t *testing.T) {
	b := newBackend()
	conv := NewConv("w", 2, 3, 4, 2, 1, NewInit(1), b)
	x := layerstest.Uniform(tensor.Shape{2, 2, 6, 6}, -1, 1, 1, b)
	w := layerstest.Uniform(tensor.Shape{2, 3, 3, 3}, -1, 1, 2, b)

	layerstest.Check(t, b, func() layerstest.Float32 { return layerstest.Dot(conv.Forward(x), w) },
		layerstest.Target{Name: "w", X: conv.weight.Tensor()},
		layerstest.Target{Name: "input", X: x, Indices: []int{0, 7, 35, 40, 71}},
	)
}

func TestUpConvGradients(t *testing.T) {
	b := newBackend()
	up := NewUpConv("d1", 2, 3, NewInit(1), b)
	x := layerstest.Uniform(tensor.Shape{1, 2, 3, 3}, -1, 1, 1, b)
	w := layerstest.Uniform(tensor.Shape{1, 3, 6, 6}, -1, 1, 2, b)

	layerstest.Check(t, b, func() layerstest.Float32 { return layerstest.Dot(up.Forward(x), w) },
		layerstest.Target{Name: "d1", X: up.conv.weight.Tensor()},
		layerstest.Target{Name: "input", X: x},
	)
}

func TestInstanceNormGradients(t *testing.T) {
	b := newBackend()
	norm := NewInstanceNorm("n", 3, b)
	copy(norm.scale.Tensor().Raw().AsFloat32(), []float32{0.5, 1.5, -1})
	copy(norm.shift.Tensor().Raw().AsFloat32(), []float32{0.1, -0.2, 0.3})

	x := layerstest.Uniform(tensor.Shape{2, 3, 3, 4}, -1, 1, 1, b)
	w := layerstest.Uniform(tensor.Shape{2, 3, 3, 4}, -1, 1, 2, b)

	layerstest.Check(t, b, func() layerstest.Float32 { return layerstest.Dot(norm.Forward(x), w) },
		layerstest.Target{Name: "n_scale", X: norm.scale.Tensor()},
		layerstest.Target{Name: "n_shift", X: norm.shift.Tensor()},
		layerstest.Target{Name: "input", X: x, Indices: []int{0, 5, 13, 30, 47, 60, 71}},
	)
}

func TestInstanceNormAfterConvGradients(t *testing.T) {
	b := newBackend()
	conv := NewConv("c", 3, 2, 3, 1, 1, NewInit(4), b)
	norm := NewInstanceNorm("c_in", 2, b)
	x := layerstest.Uniform(tensor.Shape{1, 3, 4, 4}, 0, 1, 1, b)
	w := layerstest.Uniform(tensor.Shape{1, 2, 4, 4}, -1, 1, 2, b)

	layerstest.Check(t, b, func() layerstest.Float32 { return layerstest.Dot(norm.Forward(conv.Forward(x)), w) },
		layerstest.Target{Name: "c", X: conv.weight.Tensor(), Indices: []int{0, 1, 9, 26, 27, 40, 53}},
		layerstest.Target{Name: "c_in_scale", X: norm.scale.Tensor()},
		layerstest.Target{Name: "c_in_shift", X: norm.shift.Tensor()},
	)
}

func TestResidualGradients(t *testing.T) {
	b := newBackend()
	block := NewResidual("R1", 2, NewInit(1), b)
	x := layerstest.Uniform(tensor.Shape{1, 2, 4, 4}, -1, 1, 1, b)
	w := layerstest.Uniform(tensor.Shape{1, 2, 4, 4}, -1, 1, 2, b)

	targets := []layerstest.Target{{Name: "input", X: x}}
	for _, p := range block.Parameters() {
		targets = append(targets, layerstest.Target{Name: p.Name(), X: p.Tensor()})
	}
	layerstest.Check(t, b, func() layerstest.Float32 { return layerstest.Dot(block.Forward(x), w) }, targets...)
}

func TestConstHelpers(t *testing.T) {
	b := newBackend()

	c := Const[testBackend](2.5, 3, b)
	assert.Equal(t, tensor.Shape{1, 1, 1}, c.Shape())
	assert.Equal(t, []float32{2.5}, c.Data())

	ch := ChannelConst([]float32{1, 2, 3}, b)
	assert.Equal(t, tensor.Shape{1, 3, 1, 1}, ch.Shape())

	x := fromSlice(t, []float32{-1, 2}, tensor.Shape{2}, b)
	assert.Equal(t, []float32{0, 2}, ReLU(x).Data())
	assert.InDelta(t, math.Tanh(2), Tanh(x).Data()[1], 1e-6)
}
