// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package stylenet

import (
	"path/filepath"
	"testing"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
	"github.com/born-ml/styletransfer/internal/layers/layerstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testBackend = *autodiff.Backend[*cpu.Backend]

func TestForwardShapeAndRange(t *testing.T) {
	b := autodiff.New(cpu.New())
	net := New(1, b)

	x := tensor.Rand[float32](tensor.Shape{2, 3, 16, 12}, b)
	y := net.Forward(x)

	require.Equal(t, tensor.Shape{2, 3, 16, 12}, y.Shape())
	for _, v := range y.Data() {
		assert.GreaterOrEqual(t, v, float32(127.5-150-1e-3))
		assert.LessOrEqual(t, v, float32(127.5+150+1e-3))
	}
}

func TestForwardRejectsBadInput(t *testing.T) {
	b := autodiff.New(cpu.New())
	net := New(1, b)

	assert.Panics(t, func() { net.Forward(tensor.Zeros[float32](tensor.Shape{1, 1, 16, 16}, b)) })
	assert.Panics(t, func() { net.Forward(tensor.Zeros[float32](tensor.Shape{1, 3, 18, 16}, b)) })
}

func TestParameters(t *testing.T) {
	b := autodiff.New(cpu.New())
	net := New(1, b)

	// 16 convolutions and 16 instance norms with scale and shift each.
	assert.Len(t, net.Parameters(), 16+2*16)
	assert.Equal(t, 1749318, net.NumParams())

	state := net.StateDict()
	assert.Len(t, state, 48)
	for _, key := range []string{
		"t_conv1_w", "t_conv2_w", "t_conv3_w",
		"R1_conv1_w", "R5_conv2_w", "R3_conv1_in_scale",
		"t_dconv1_w", "t_dconv2_w", "t_dconv3_w", "t_dconv3_in_shift",
	} {
		assert.Contains(t, state, key)
	}
	assert.Equal(t, tensor.Shape{32, 3, 9, 9}, state["t_conv1_w"].Shape())
	assert.Equal(t, tensor.Shape{64, 128, 3, 3}, state["t_dconv1_w"].Shape())
	assert.Equal(t, tensor.Shape{3, 32, 9, 9}, state["t_dconv3_w"].Shape())

	assert.Contains(t, net.String(), "t_conv1_w")
}

func TestSeedDeterminism(t *testing.T) {
	b := autodiff.New(cpu.New())

	a := New(1, b).StateDict()["R2_conv1_w"].AsFloat32()
	same := New(1, b).StateDict()["R2_conv1_w"].AsFloat32()
	other := New(2, b).StateDict()["R2_conv1_w"].AsFloat32()

	assert.Equal(t, a, same)
	assert.NotEqual(t, a, other)
}

func TestSaveLoad(t *testing.T) {
	b := autodiff.New(cpu.New())
	path := filepath.Join(t.TempDir(), "net.born")

	src := New(1, b)
	require.NoError(t, nn.Save[testBackend](src, path, ModelType, map[string]string{"style": "wave"}))

	dst := New(7, b)
	header, err := nn.Load[testBackend](path, b, dst)
	require.NoError(t, err)
	assert.Equal(t, ModelType, header.ModelType)
	assert.Equal(t, "wave", header.Metadata["style"])

	x := tensor.Rand[float32](tensor.Shape{1, 3, 8, 8}, b)
	assert.Equal(t, src.Forward(x).Data(), dst.Forward(x).Data())
}

func TestGradientsReachFirstLayer(t *testing.T) {
	b := autodiff.New(cpu.New())
	net := New(1, b)

	b.Tape().StartRecording()
	defer b.Tape().Clear()

	x := tensor.Rand[float32](tensor.Shape{1, 3, 8, 8}, b)
	y := net.Forward(x)
	grads := autodiff.Backward(y, b)

	for _, p := range net.Parameters() {
		g, ok := grads[p.Tensor().Raw()]
		require.True(t, ok, p.Name())
		assert.Equal(t, p.Tensor().Shape(), g.Shape(), p.Name())
	}
}

func TestGradientsMatchFiniteDifferences(t *testing.T) {
	b := autodiff.New(cpu.New())
	net := New(1, b)

	x := layerstest.Uniform(tensor.Shape{1, 3, 16, 16}, 0, 1, 1, b)
	w := layerstest.Uniform(tensor.Shape{1, 3, 16, 16}, -1.0/outputScale, 1.0/outputScale, 2, b)

	params := make(map[string]*tensor.Tensor[float32, testBackend])
	for _, p := range net.Parameters() {
		params[p.Name()] = p.Tensor()
	}
	targets := []layerstest.Target{
		{Name: "t_conv1_w", X: params["t_conv1_w"], Indices: []int{0, 40, 81, 500, 7000}},
		{Name: "R3_conv1_in_scale", X: params["R3_conv1_in_scale"], Indices: []int{0, 17, 99}},
		{Name: "t_dconv2_in_shift", X: params["t_dconv2_in_shift"], Indices: []int{3, 30}},
		{Name: "t_dconv3_w", X: params["t_dconv3_w"], Indices: []int{0, 1234, 7000}},
		{Name: "t_dconv3_in_scale", X: params["t_dconv3_in_scale"]},
		{Name: "t_dconv3_in_shift", X: params["t_dconv3_in_shift"]},
	}

	layerstest.Check(t, b, func() layerstest.Float32 { return layerstest.Dot(net.Forward(x), w) }, targets...)
}
