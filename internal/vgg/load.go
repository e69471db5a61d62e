// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package vgg

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/born-ml/born/loader"
	"github.com/born-ml/born/tensor"
	"github.com/born-ml/styletransfer/internal/layers"
)

// torchvisionIndex maps the positions of convolutions in torchvision's
// vgg19().features to layer names.
var torchvisionIndex = map[int]string{
	0: "conv1_1", 2: "conv1_2",
	5: "conv2_1", 7: "conv2_2",
	10: "conv3_1", 12: "conv3_2", 14: "conv3_3", 16: "conv3_4",
	19: "conv4_1", 21: "conv4_2", 23: "conv4_3", 25: "conv4_4",
	28: "conv5_1", 30: "conv5_2", 32: "conv5_3", 34: "conv5_4",
}

// TorchvisionMapper maps features.N.weight / features.N.bias names to
// convX_Y.weight / convX_Y.bias.
type TorchvisionMapper struct{}

var _ loader.WeightMapper = TorchvisionMapper{}

// MapName implements loader.WeightMapper.
func (TorchvisionMapper) MapName(name string) (string, error) {
	rest, ok := strings.CutPrefix(name, "features.")
	if !ok {
		return "", fmt.Errorf("vgg: not a torchvision feature tensor: %s", name)
	}
	idxStr, suffix, ok := strings.Cut(rest, ".")
	if !ok {
		return "", fmt.Errorf("vgg: malformed tensor name: %s", name)
	}
	idx, err := strconv.Atoi(idxStr)
	if err != nil {
		return "", fmt.Errorf("vgg: malformed tensor name: %s", name)
	}
	layer, ok := torchvisionIndex[idx]
	if !ok {
		return "", fmt.Errorf("vgg: features.%d is not a convolution", idx)
	}
	return layer + "." + suffix, nil
}

// Architecture implements loader.WeightMapper.
func (TorchvisionMapper) Architecture() string {
	return "vgg19-torchvision"
}

// Options configures Load.
type Options struct {
	// Preprocess selects the input normalization matching the weights,
	// Caffe (default) or Torch.
	Preprocess string
}

// Load reads VGG-19 weights and builds the extractor on backend.
func Load[B tensor.Backend](path string, opts Options, backend B) (*Model[B], error) {
	reader, err := loader.OpenModel(path)
	if err != nil {
		return nil, fmt.Errorf("vgg: open %s: %w", path, err)
	}
	defer func() { _ = reader.Close() }()

	// Resolve file names to layer names.
	var mapper loader.WeightMapper
	byLayer := make(map[string]string)
	for _, name := range reader.TensorNames() {
		if strings.HasPrefix(name, "features.") {
			mapper = TorchvisionMapper{}
			break
		}
	}
	for _, name := range reader.TensorNames() {
		mapped := name
		if mapper != nil {
			if mapped, err = mapper.MapName(name); err != nil {
				continue
			}
		}
		byLayer[mapped] = name
	}

	convs := make(map[string]convWeights[B], len(convLayers))
	inChannels := 3
	for _, layer := range convLayers {
		kernel, err := loadTensor(reader, byLayer, layer+".weight", backend)
		if err != nil {
			return nil, err
		}
		bias, err := loadTensor(reader, byLayer, layer+".bias", backend)
		if err != nil {
			return nil, err
		}

		ks := kernel.Shape()
		if len(ks) != 4 || ks[1] != inChannels || ks[2] != 3 || ks[3] != 3 {
			return nil, fmt.Errorf("vgg: %s.weight: shape %v, want [out,%d,3,3]", layer, ks, inChannels)
		}
		if bias.NumElements() != ks[0] {
			return nil, fmt.Errorf("vgg: %s.bias: %d values for %d channels", layer, bias.NumElements(), ks[0])
		}

		convs[layer] = convWeights[B]{
			kernel: kernel,
			bias:   bias.Reshape(1, ks[0], 1, 1),
		}
		inChannels = ks[0]
	}

	m := &Model[B]{
		convs:      convs,
		preprocess: opts.Preprocess,
		backend:    backend,
	}

	switch opts.Preprocess {
	case "", Caffe:
		m.preprocess = Caffe
		m.offset = layers.ChannelConst(MeanPixel[:], backend)
	case Torch:
		var scale, offset [3]float32
		for c := range 3 {
			scale[c] = 1 / (255 * TorchStd[c])
			offset[c] = TorchMean[c] / TorchStd[c]
		}
		m.scale = layers.ChannelConst(scale[:], backend)
		m.offset = layers.ChannelConst(offset[:], backend)
	default:
		return nil, fmt.Errorf("vgg: unknown preprocess mode %q", opts.Preprocess)
	}

	return m, nil
}

func loadTensor[B tensor.Backend](reader loader.ModelReader, byLayer map[string]string, name string, backend B) (*tensor.Tensor[float32, B], error) {
	fileName, ok := byLayer[name]
	if !ok {
		return nil, fmt.Errorf("vgg: missing tensor %s", name)
	}
	raw, err := reader.LoadTensor(fileName, backend)
	if err != nil {
		return nil, fmt.Errorf("vgg: load %s: %w", fileName, err)
	}
	if raw.DType() != tensor.Float32 {
		return nil, fmt.Errorf("vgg: %s: dtype %v, want float32", fileName, raw.DType())
	}
	return tensor.New[float32, B](raw, backend), nil
}
