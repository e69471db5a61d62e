// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package layers

import (
	"fmt"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
)

// Const returns a tensor of the given rank with every dimension 1, holding v.
//
// The framework's scalar ops (MulScalar, AddScalar, ...) are not recorded on
// the gradient tape, so constant factors in a differentiable expression are
// applied as broadcast Mul/Add against these tensors instead.
func Const[B tensor.Backend](v float32, rank int, backend B) *tensor.Tensor[float32, B] {
	shape := make(tensor.Shape, rank)
	for i := range shape {
		shape[i] = 1
	}
	return tensor.Full[float32](shape, v, backend)
}

// ChannelConst returns a [1, C, 1, 1] tensor holding values[c] per channel.
func ChannelConst[B tensor.Backend](values []float32, backend B) *tensor.Tensor[float32, B] {
	t, err := tensor.FromSlice(values, tensor.Shape{1, len(values), 1, 1}, backend)
	if err != nil {
		panic(fmt.Sprintf("layers: channel constant: %v", err))
	}
	return t
}

// ReLU applies max(0, x) through the backend.
func ReLU[B tensor.Backend](x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	return nn.ReLUFunc(x)
}

// Tanh applies tanh(x) through the backend.
func Tanh[B tensor.Backend](x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	return nn.NewTanh[B]().Forward(x)
}

// NumParams counts the scalars held by params.
func NumParams[B tensor.Backend](params []*nn.Parameter[B]) int {
	total := 0
	for _, p := range params {
		total += p.Tensor().NumElements()
	}
	return total
}

// loadParam copies state[p.Name()] into p in place, so optimizers holding p
// keep seeing the same storage.
func loadParam[B tensor.Backend](p *nn.Parameter[B], state map[string]*tensor.RawTensor) error {
	raw, ok := state[p.Name()]
	if !ok {
		return fmt.Errorf("layers: missing parameter %q", p.Name())
	}
	if !raw.Shape().Equal(p.Tensor().Shape()) {
		return fmt.Errorf("layers: parameter %q: shape %v, want %v", p.Name(), raw.Shape(), p.Tensor().Shape())
	}
	if raw.DType() != tensor.Float32 {
		return fmt.Errorf("layers: parameter %q: dtype %v, want float32", p.Name(), raw.DType())
	}
	copy(p.Tensor().Raw().AsFloat32(), raw.AsFloat32())
	return nil
}

// noGradBackend is implemented by backends with a gradient tape.
type noGradBackend interface {
	NoGrad(fn func())
}

// NoGrad runs fn with gradient recording disabled when backend records
// gradients, and plainly otherwise.
func NoGrad[B tensor.Backend](backend B, fn func()) {
	if ng, ok := any(backend).(noGradBackend); ok {
		ng.NoGrad(fn)
		return
	}
	fn()
}
