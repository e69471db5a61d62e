// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package layers provides the building blocks of the image transformation
// network: bias-free convolutions, instance normalization, nearest
// neighbour upsampling and residual blocks.
//
// Every layer follows the framework's module contract (Forward, Parameters,
// StateDict, LoadStateDict) and names its parameters with the checkpoint
// keys given at construction.
package layers

import (
	"fmt"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
)

// Conv is a square, bias-free 2D convolution over NCHW input.
//
// Weights have shape [out_channels, in_channels, k, k] and are drawn from a
// truncated normal distribution.
type Conv[B tensor.Backend] struct {
	name        string
	inChannels  int
	outChannels int
	kernel      int
	stride      int
	padding     int

	weight *nn.Parameter[B]

	backend B
}

// NewConv creates a convolution whose weight is stored under name.
// Panics on invalid geometry.
func NewConv[B tensor.Backend](name string, in, out, kernel, stride, padding int, winit *Init, backend B) *Conv[B] {
	if in <= 0 || out <= 0 {
		panic(fmt.Sprintf("conv %s: invalid channels in=%d, out=%d", name, in, out))
	}
	if kernel <= 0 || stride <= 0 || padding < 0 {
		panic(fmt.Sprintf("conv %s: invalid kernel=%d stride=%d padding=%d", name, kernel, stride, padding))
	}

	w := TruncatedNormal(winit, tensor.Shape{out, in, kernel, kernel}, backend)

	return &Conv[B]{
		name:        name,
		inChannels:  in,
		outChannels: out,
		kernel:      kernel,
		stride:      stride,
		padding:     padding,
		weight:      nn.NewParameter(name, w),
		backend:     backend,
	}
}

// Forward convolves input [N, in, H, W].
func (c *Conv[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	shape := input.Shape()
	if len(shape) != 4 {
		panic(fmt.Sprintf("conv %s: expected 4D input [N,C,H,W], got %dD", c.name, len(shape)))
	}
	if shape[1] != c.inChannels {
		panic(fmt.Sprintf("conv %s: input channels %d != expected %d", c.name, shape[1], c.inChannels))
	}

	out := c.backend.Conv2D(input.Raw(), c.weight.Tensor().Raw(), c.stride, c.padding)
	return tensor.New[float32, B](out, c.backend)
}

// Parameters returns the kernel.
func (c *Conv[B]) Parameters() []*nn.Parameter[B] {
	return []*nn.Parameter[B]{c.weight}
}

// StateDict returns the kernel under its checkpoint name.
func (c *Conv[B]) StateDict() map[string]*tensor.RawTensor {
	return map[string]*tensor.RawTensor{c.name: c.weight.Tensor().Raw()}
}

// LoadStateDict copies the kernel from stateDict.
func (c *Conv[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	return loadParam(c.weight, stateDict)
}

// OutSize returns the spatial output size for an HxW input.
func (c *Conv[B]) OutSize(h, w int) (int, int) {
	return (h+2*c.padding-c.kernel)/c.stride + 1, (w+2*c.padding-c.kernel)/c.stride + 1
}

// String returns a description of the layer.
func (c *Conv[B]) String() string {
	return fmt.Sprintf("Conv(%s, %d->%d, kernel=%d, stride=%d, padding=%d)",
		c.name, c.inChannels, c.outChannels, c.kernel, c.stride, c.padding)
}
