// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package layers

import (
	"fmt"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
)

// Upsample2x repeats every pixel of [N, C, H, W] into a 2x2 block, giving
// [N, C, 2H, 2W]. Built from Reshape and Cat so gradients flow through it.
func Upsample2x[B tensor.Backend](x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	s := x.Shape()
	if len(s) != 4 {
		panic(fmt.Sprintf("upsample: expected 4D input [N,C,H,W], got %dD", len(s)))
	}
	n, c, h, w := s[0], s[1], s[2], s[3]

	cols := x.Reshape(n, c, h, w, 1)
	cols = tensor.Cat([]*tensor.Tensor[float32, B]{cols, cols}, 4) // [N,C,H,W,2]

	rows := cols.Reshape(n, c, h, 1, 2*w)
	rows = tensor.Cat([]*tensor.Tensor[float32, B]{rows, rows}, 3) // [N,C,H,2,2W]

	return rows.Reshape(n, c, 2*h, 2*w)
}

// UpConv doubles the spatial size and convolves: nearest upsampling
// followed by a 3x3 stride-1 convolution. It stands in for a stride-2
// transposed convolution.
type UpConv[B tensor.Backend] struct {
	conv *Conv[B]
}

// NewUpConv creates the layer with its kernel stored under name.
func NewUpConv[B tensor.Backend](name string, in, out int, winit *Init, backend B) *UpConv[B] {
	return &UpConv[B]{conv: NewConv(name, in, out, 3, 1, 1, winit, backend)}
}

// Forward upsamples then convolves.
func (u *UpConv[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	return u.conv.Forward(Upsample2x(input))
}

// Parameters returns the kernel.
func (u *UpConv[B]) Parameters() []*nn.Parameter[B] { return u.conv.Parameters() }

// StateDict returns the kernel.
func (u *UpConv[B]) StateDict() map[string]*tensor.RawTensor { return u.conv.StateDict() }

// LoadStateDict loads the kernel.
func (u *UpConv[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	return u.conv.LoadStateDict(stateDict)
}

// String returns a description of the layer.
func (u *UpConv[B]) String() string {
	return fmt.Sprintf("UpConv(x2, %s)", u.conv)
}
