// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package stylenet implements the feed-forward image transformation network
// trained to apply one style in a single pass.
//
// Architecture (input [N, 3, H, W] scaled to 0..1):
//
//	t_conv1    9x9, 3 -> 32, stride 1       IN, ReLU
//	t_conv2    4x4, 32 -> 64, stride 2      IN, ReLU
//	t_conv3    4x4, 64 -> 128, stride 2     IN, ReLU
//	R1..R5     residual blocks, 128 channels
//	t_deconv1  x2 upsample, 3x3, 128 -> 64  IN, ReLU
//	t_deconv2  x2 upsample, 3x3, 64 -> 32   IN, ReLU
//	t_deconv3  9x9, 32 -> 3, stride 1       IN
//	output     tanh(y) * 150 + 127.5
//
// The output is in pixel units, centred on mid-grey. H and W must be
// multiples of 4 for the output to match the input size.
package stylenet

import (
	"fmt"
	"maps"
	"strings"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
	"github.com/born-ml/styletransfer/internal/layers"
)

// ModelType identifies the network in saved files.
const ModelType = "StyleNet"

const (
	residualBlocks   = 5
	residualChannels = 128
	outputScale      = 150
	outputOffset     = 127.5
)

// Net is the transformation network.
type Net[B tensor.Backend] struct {
	conv1 *layers.Conv[B]
	norm1 *layers.InstanceNorm[B]
	conv2 *layers.Conv[B]
	norm2 *layers.InstanceNorm[B]
	conv3 *layers.Conv[B]
	norm3 *layers.InstanceNorm[B]

	residuals []*layers.Residual[B]

	deconv1 *layers.UpConv[B]
	dnorm1  *layers.InstanceNorm[B]
	deconv2 *layers.UpConv[B]
	dnorm2  *layers.InstanceNorm[B]
	deconv3 *layers.Conv[B]
	dnorm3  *layers.InstanceNorm[B]

	scale  *tensor.Tensor[float32, B]
	offset *tensor.Tensor[float32, B]
}

// New builds the network with weights drawn from a truncated normal
// distribution seeded with seed.
func New[B tensor.Backend](seed uint64, backend B) *Net[B] {
	winit := layers.NewInit(seed)

	n := &Net[B]{
		conv1: layers.NewConv("t_conv1_w", 3, 32, 9, 1, 4, winit, backend),
		norm1: layers.NewInstanceNorm("t_conv1_in", 32, backend),
		conv2: layers.NewConv("t_conv2_w", 32, 64, 4, 2, 1, winit, backend),
		norm2: layers.NewInstanceNorm("t_conv2_in", 64, backend),
		conv3: layers.NewConv("t_conv3_w", 64, residualChannels, 4, 2, 1, winit, backend),
		norm3: layers.NewInstanceNorm("t_conv3_in", residualChannels, backend),
	}

	for i := 1; i <= residualBlocks; i++ {
		n.residuals = append(n.residuals, layers.NewResidual(fmt.Sprintf("R%d", i), residualChannels, winit, backend))
	}

	n.deconv1 = layers.NewUpConv("t_dconv1_w", residualChannels, 64, winit, backend)
	n.dnorm1 = layers.NewInstanceNorm("t_dconv1_in", 64, backend)
	n.deconv2 = layers.NewUpConv("t_dconv2_w", 64, 32, winit, backend)
	n.dnorm2 = layers.NewInstanceNorm("t_dconv2_in", 32, backend)
	n.deconv3 = layers.NewConv("t_dconv3_w", 32, 3, 9, 1, 4, winit, backend)
	n.dnorm3 = layers.NewInstanceNorm("t_dconv3_in", 3, backend)

	n.scale = layers.Const[B](outputScale, 4, backend)
	n.offset = layers.Const[B](outputOffset, 4, backend)

	return n
}

// Forward transforms a batch of images [N, 3, H, W] in 0..1 into stylized
// images [N, 3, H, W] in pixel units.
func (n *Net[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	shape := input.Shape()
	if len(shape) != 4 || shape[1] != 3 {
		panic(fmt.Sprintf("stylenet: expected input [N,3,H,W], got %v", shape))
	}
	if shape[2]%4 != 0 || shape[3]%4 != 0 {
		panic(fmt.Sprintf("stylenet: height and width must be multiples of 4, got %dx%d", shape[2], shape[3]))
	}

	h := layers.ReLU(n.norm1.Forward(n.conv1.Forward(input)))
	h = layers.ReLU(n.norm2.Forward(n.conv2.Forward(h)))
	h = layers.ReLU(n.norm3.Forward(n.conv3.Forward(h)))

	for _, r := range n.residuals {
		h = r.Forward(h)
	}

	h = layers.ReLU(n.dnorm1.Forward(n.deconv1.Forward(h)))
	h = layers.ReLU(n.dnorm2.Forward(n.deconv2.Forward(h)))
	y := n.dnorm3.Forward(n.deconv3.Forward(h))

	return layers.Tanh(y).Mul(n.scale).Add(n.offset)
}

func (n *Net[B]) modules() []nn.Module[B] {
	mods := []nn.Module[B]{n.conv1, n.norm1, n.conv2, n.norm2, n.conv3, n.norm3}
	for _, r := range n.residuals {
		mods = append(mods, r)
	}
	return append(mods, n.deconv1, n.dnorm1, n.deconv2, n.dnorm2, n.deconv3, n.dnorm3)
}

// Parameters returns all trainable parameters in layer order.
func (n *Net[B]) Parameters() []*nn.Parameter[B] {
	var params []*nn.Parameter[B]
	for _, m := range n.modules() {
		params = append(params, m.Parameters()...)
	}
	return params
}

// StateDict returns every parameter under its checkpoint name.
func (n *Net[B]) StateDict() map[string]*tensor.RawTensor {
	state := make(map[string]*tensor.RawTensor)
	for _, m := range n.modules() {
		maps.Copy(state, m.StateDict())
	}
	return state
}

// LoadStateDict copies parameters in place from stateDict.
func (n *Net[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	for _, m := range n.modules() {
		if err := m.LoadStateDict(stateDict); err != nil {
			return fmt.Errorf("stylenet: %w", err)
		}
	}
	return nil
}

// NumParams returns the number of trainable scalars.
func (n *Net[B]) NumParams() int {
	return layers.NumParams(n.Parameters())
}

// String describes the network layer by layer.
func (n *Net[B]) String() string {
	var sb strings.Builder
	sb.WriteString("StyleNet(\n")
	for _, m := range n.modules() {
		fmt.Fprintf(&sb, "  %v\n", m)
	}
	sb.WriteString(")")
	return sb.String()
}
