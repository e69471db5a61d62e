// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package layers

import (
	"fmt"
	"maps"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
)

// Residual is a residual block keeping the channel count:
//
//	y = x + IN2(conv2(relu(IN1(conv1(x)))))
//
// Both convolutions are 3x3 with stride 1 and padding 1.
type Residual[B tensor.Backend] struct {
	name  string
	conv1 *Conv[B]
	norm1 *InstanceNorm[B]
	conv2 *Conv[B]
	norm2 *InstanceNorm[B]
}

// NewResidual creates the block. Parameters are named name_conv1_w,
// name_conv1_in_scale, ... name_conv2_in_shift.
func NewResidual[B tensor.Backend](name string, channels int, winit *Init, backend B) *Residual[B] {
	c1 := name + "_conv1"
	c2 := name + "_conv2"
	return &Residual[B]{
		name:  name,
		conv1: NewConv(c1+"_w", channels, channels, 3, 1, 1, winit, backend),
		norm1: NewInstanceNorm(c1+"_in", channels, backend),
		conv2: NewConv(c2+"_w", channels, channels, 3, 1, 1, winit, backend),
		norm2: NewInstanceNorm(c2+"_in", channels, backend),
	}
}

// Forward applies the block.
func (r *Residual[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	h := ReLU(r.norm1.Forward(r.conv1.Forward(input)))
	h = r.norm2.Forward(r.conv2.Forward(h))
	return input.Add(h)
}

// Parameters returns the parameters of both convolutions and norms.
func (r *Residual[B]) Parameters() []*nn.Parameter[B] {
	params := make([]*nn.Parameter[B], 0, 6)
	params = append(params, r.conv1.Parameters()...)
	params = append(params, r.norm1.Parameters()...)
	params = append(params, r.conv2.Parameters()...)
	params = append(params, r.norm2.Parameters()...)
	return params
}

// StateDict merges the sub-layer state dicts.
func (r *Residual[B]) StateDict() map[string]*tensor.RawTensor {
	state := r.conv1.StateDict()
	maps.Copy(state, r.norm1.StateDict())
	maps.Copy(state, r.conv2.StateDict())
	maps.Copy(state, r.norm2.StateDict())
	return state
}

// LoadStateDict loads all sub-layers.
func (r *Residual[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	for _, m := range []nn.Module[B]{r.conv1, r.norm1, r.conv2, r.norm2} {
		if err := m.LoadStateDict(stateDict); err != nil {
			return fmt.Errorf("residual %s: %w", r.name, err)
		}
	}
	return nil
}

// String returns a description of the block.
func (r *Residual[B]) String() string {
	return fmt.Sprintf("Residual(%s, %s, %s)", r.name, r.conv1, r.conv2)
}
