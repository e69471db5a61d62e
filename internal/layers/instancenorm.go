// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package layers

import (
	"fmt"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
)

// NormEpsilon is added to the variance before the square root.
const NormEpsilon = 1e-3

// InstanceNorm normalizes every channel of every sample over its spatial
// extent, then applies a learned per-channel scale and shift:
//
//	y = scale * (x - mean_hw(x)) / sqrt(var_hw(x) + eps) + shift
type InstanceNorm[B tensor.Backend] struct {
	name     string
	channels int

	scale *nn.Parameter[B] // [1, C, 1, 1], initialized to 1
	shift *nn.Parameter[B] // [1, C, 1, 1], initialized to 0

	backend B
}

// NewInstanceNorm creates a normalization layer with parameters stored as
// name_scale and name_shift.
func NewInstanceNorm[B tensor.Backend](name string, channels int, backend B) *InstanceNorm[B] {
	if channels <= 0 {
		panic(fmt.Sprintf("instance norm %s: invalid channels %d", name, channels))
	}

	shape := tensor.Shape{1, channels, 1, 1}
	return &InstanceNorm[B]{
		name:     name,
		channels: channels,
		scale:    nn.NewParameter(name+"_scale", tensor.Ones[float32](shape, backend)),
		shift:    nn.NewParameter(name+"_shift", tensor.Zeros[float32](shape, backend)),
		backend:  backend,
	}
}

// Forward normalizes input [N, C, H, W].
//
// Statistics and affine parameters are expanded to [N·C, H·W] by a recorded
// MatMul against a ones row, so no elementwise op broadcasts an operand that
// needs a gradient. The framework's broadcast gradient reduction is wrong.
func (n *InstanceNorm[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	shape := input.Shape()
	if len(shape) != 4 || shape[1] != n.channels {
		panic(fmt.Sprintf("instance norm %s: expected [N,%d,H,W], got %v", n.name, n.channels, shape))
	}
	batch, c, h, w := shape[0], shape[1], shape[2], shape[3]
	rows, hw := batch*c, h*w

	ones := tensor.Ones[float32](tensor.Shape{1, hw}, n.backend)
	eps := tensor.Full[float32](tensor.Shape{rows, 1}, NormEpsilon, n.backend)

	flat := input.Reshape(rows, hw)
	centered := flat.Sub(flat.MeanDim(1, true).MatMul(ones))
	variance := centered.Mul(centered).MeanDim(1, true)
	normalized := centered.Mul(variance.Add(eps).Rsqrt().MatMul(ones))

	scale := repeatRows(n.scale.Tensor().Reshape(c, 1).MatMul(ones), batch)
	shift := repeatRows(n.shift.Tensor().Reshape(c, 1).MatMul(ones), batch)

	return normalized.Mul(scale).Add(shift).Reshape(batch, c, h, w)
}

// repeatRows stacks batch copies of a [C, H·W] tensor into [N·C, H·W].
func repeatRows[B tensor.Backend](x *tensor.Tensor[float32, B], batch int) *tensor.Tensor[float32, B] {
	if batch == 1 {
		return x
	}
	copies := make([]*tensor.Tensor[float32, B], batch)
	for i := range copies {
		copies[i] = x
	}
	return tensor.Cat(copies, 0)
}

// Parameters returns scale and shift.
func (n *InstanceNorm[B]) Parameters() []*nn.Parameter[B] {
	return []*nn.Parameter[B]{n.scale, n.shift}
}

// StateDict returns scale and shift under their checkpoint names.
func (n *InstanceNorm[B]) StateDict() map[string]*tensor.RawTensor {
	return map[string]*tensor.RawTensor{
		n.scale.Name(): n.scale.Tensor().Raw(),
		n.shift.Name(): n.shift.Tensor().Raw(),
	}
}

// LoadStateDict copies scale and shift from stateDict.
func (n *InstanceNorm[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	if err := loadParam(n.scale, stateDict); err != nil {
		return err
	}
	return loadParam(n.shift, stateDict)
}

// String returns a description of the layer.
func (n *InstanceNorm[B]) String() string {
	return fmt.Sprintf("InstanceNorm(%s, channels=%d, eps=%g)", n.name, n.channels, NormEpsilon)
}
