// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package vgg implements the fixed VGG-19 feature extractor used as the
// loss network of style transfer.
//
// Weights are read from a SafeTensors or GGUF file through the framework's
// loader. Kernels are expected in [out, in, 3, 3] layout and may be named
// either conv1_1.weight / conv1_1.bias or the torchvision features.N.weight
// form. Channel widths are taken from the file.
package vgg

import (
	"fmt"
	"slices"
	"strings"

	"github.com/born-ml/born/tensor"
	"github.com/born-ml/styletransfer/internal/layers"
)

// Layers lists the network in evaluation order.
var Layers = []string{
	"conv1_1", "relu1_1", "conv1_2", "relu1_2", "pool1",
	"conv2_1", "relu2_1", "conv2_2", "relu2_2", "pool2",
	"conv3_1", "relu3_1", "conv3_2", "relu3_2", "conv3_3",
	"relu3_3", "conv3_4", "relu3_4", "pool3",
	"conv4_1", "relu4_1", "conv4_2", "relu4_2", "conv4_3",
	"relu4_3", "conv4_4", "relu4_4", "pool4",
	"conv5_1", "relu5_1", "conv5_2", "relu5_2", "conv5_3",
	"relu5_3", "conv5_4", "relu5_4",
}

// StyleLayers are the layers whose Gram matrices define a style.
var StyleLayers = []string{"relu1_1", "relu2_1", "relu3_1", "relu4_1", "relu5_1"}

// ContentLayer is the layer whose activations define content.
const ContentLayer = "relu4_2"

// MeanPixel is the ImageNet RGB mean subtracted in caffe preprocessing.
var MeanPixel = [3]float32{123.68, 116.779, 103.939}

// Normalization used by torchvision-trained weights (input scaled to 0..1).
var (
	TorchMean = [3]float32{0.485, 0.456, 0.406}
	TorchStd  = [3]float32{0.229, 0.224, 0.225}
)

// Preprocess modes.
const (
	Caffe = "caffe"
	Torch = "torch"
)

// convLayers are the parameterized layers of Layers in order.
var convLayers = func() []string {
	var names []string
	for _, l := range Layers {
		if strings.HasPrefix(l, "conv") {
			names = append(names, l)
		}
	}
	return names
}()

type convWeights[B tensor.Backend] struct {
	kernel *tensor.Tensor[float32, B] // [out, in, 3, 3]
	bias   *tensor.Tensor[float32, B] // [1, out, 1, 1]
}

// Model is a loaded VGG-19 feature extractor. Its weights are constants;
// nothing here is trained.
type Model[B tensor.Backend] struct {
	convs map[string]convWeights[B]

	preprocess string
	scale      *tensor.Tensor[float32, B] // [1, 3, 1, 1]
	offset     *tensor.Tensor[float32, B] // [1, 3, 1, 1]

	backend B
}

// Index returns the position of layer in Layers, or -1.
func Index(layer string) int {
	return slices.Index(Layers, layer)
}

// Channels returns the output channel count of layer.
func (m *Model[B]) Channels(layer string) int {
	idx := Index(layer)
	for i := idx; i >= 0; i-- {
		if w, ok := m.convs[Layers[i]]; ok {
			return w.kernel.Shape()[0]
		}
	}
	return 3
}

// Preprocess maps images in pixel units (0..255) to the network's input
// domain: mean subtraction for caffe weights, 0..1 scaling and ImageNet
// standardization for torch weights.
func (m *Model[B]) Preprocess(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	if m.preprocess == Torch {
		return x.Mul(m.scale).Sub(m.offset)
	}
	return x.Sub(m.offset)
}

// Forward runs the network on preprocessed input [N, 3, H, W] and returns the
// activations of the requested layers. Evaluation stops at the deepest
// requested layer. Requesting no layers returns every layer.
//
// Pooling is 2x2 with stride 2 and SAME padding, so an HxW map pools to
// ceil(H/2)xceil(W/2) and any input size reaches every layer.
func (m *Model[B]) Forward(x *tensor.Tensor[float32, B], want ...string) (map[string]*tensor.Tensor[float32, B], error) {
	last := len(Layers) - 1
	if len(want) > 0 {
		last = -1
		for _, l := range want {
			idx := Index(l)
			if idx < 0 {
				return nil, fmt.Errorf("vgg: unknown layer %q", l)
			}
			last = max(last, idx)
		}
	}

	shape := x.Shape()
	if len(shape) != 4 || shape[1] != 3 {
		return nil, fmt.Errorf("vgg: expected input [N,3,H,W], got %v", shape)
	}

	out := make(map[string]*tensor.Tensor[float32, B], len(want))
	current := x

	for i, name := range Layers[:last+1] {
		switch name[:4] {
		case "conv":
			w := m.convs[name]
			raw := m.backend.Conv2D(current.Raw(), w.kernel.Raw(), 1, 1)
			current = tensor.New[float32, B](raw, m.backend).Add(w.bias)
		case "relu":
			current = layers.ReLU(current)
		case "pool":
			current = maxPool(current, m.backend)
		}

		if len(want) == 0 || slices.Contains(want, name) {
			out[Layers[i]] = current
		}
	}

	return out, nil
}

// maxPool pools x [N, C, H, W] with a 2x2 window and stride 2. Odd maps
// first gain a zero row at the bottom or a zero column at the right. Pooled
// maps follow a ReLU, so the zeros never win over a real activation.
func maxPool[B tensor.Backend](x *tensor.Tensor[float32, B], backend B) *tensor.Tensor[float32, B] {
	s := x.Shape()
	if s[2]%2 == 1 {
		pad := tensor.Zeros[float32](tensor.Shape{s[0], s[1], 1, s[3]}, backend)
		x = tensor.Cat([]*tensor.Tensor[float32, B]{x, pad}, 2)
	}
	if s[3]%2 == 1 {
		pad := tensor.Zeros[float32](tensor.Shape{s[0], s[1], x.Shape()[2], 1}, backend)
		x = tensor.Cat([]*tensor.Tensor[float32, B]{x, pad}, 3)
	}
	return tensor.New[float32, B](backend.MaxPool2D(x.Raw(), 2, 2), backend)
}

// Features preprocesses images in pixel units and returns the requested
// activations.
func (m *Model[B]) Features(images *tensor.Tensor[float32, B], want ...string) (map[string]*tensor.Tensor[float32, B], error) {
	return m.Forward(m.Preprocess(images), want...)
}

// Backend returns the backend holding the weights.
func (m *Model[B]) Backend() B {
	return m.backend
}

// String describes the loaded network.
func (m *Model[B]) String() string {
	widths := make([]string, 0, len(convLayers))
	for _, name := range convLayers {
		widths = append(widths, fmt.Sprintf("%s=%d", name, m.convs[name].kernel.Shape()[0]))
	}
	return fmt.Sprintf("VGG19(preprocess=%s, %s)", m.preprocess, strings.Join(widths, ", "))
}
