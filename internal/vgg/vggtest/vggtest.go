// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package vggtest writes small VGG-19 weight files for tests.
package vggtest

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"
	"slices"
)

// Tensor is a float32 array to be written.
type Tensor struct {
	Shape []int
	Data  []float32
}

// ConvNames are the convolution layers of VGG-19 in order.
var ConvNames = []string{
	"conv1_1", "conv1_2",
	"conv2_1", "conv2_2",
	"conv3_1", "conv3_2", "conv3_3", "conv3_4",
	"conv4_1", "conv4_2", "conv4_3", "conv4_4",
	"conv5_1", "conv5_2", "conv5_3", "conv5_4",
}

// WriteSafeTensors writes tensors as an F32 SafeTensors file.
func WriteSafeTensors(path string, tensors map[string]Tensor) error {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	slices.Sort(names)

	header := make(map[string]any, len(names))
	var data bytes.Buffer
	for _, name := range names {
		t := tensors[name]
		start := data.Len()
		if err := binary.Write(&data, binary.LittleEndian, t.Data); err != nil {
			return fmt.Errorf("vggtest: encode %s: %w", name, err)
		}
		header[name] = map[string]any{
			"dtype":        "F32",
			"shape":        t.Shape,
			"data_offsets": []int{start, data.Len()},
		}
	}

	js, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("vggtest: encode header: %w", err)
	}

	var out bytes.Buffer
	if err := binary.Write(&out, binary.LittleEndian, uint64(len(js))); err != nil {
		return err
	}
	out.Write(js)
	out.Write(data.Bytes())

	return os.WriteFile(path, out.Bytes(), 0o600)
}

// Weights returns random VGG-19 weights with every layer width channels wide,
// named conv1_1.weight, conv1_1.bias, ...
func Weights(channels int, seed uint64) map[string]Tensor {
	rng := rand.New(rand.NewPCG(seed, seed+11))
	tensors := make(map[string]Tensor, 2*len(ConvNames))

	in := 3
	for _, name := range ConvNames {
		kernel := make([]float32, channels*in*9)
		for i := range kernel {
			kernel[i] = float32(rng.NormFloat64() * 0.3)
		}
		bias := make([]float32, channels)
		for i := range bias {
			bias[i] = float32(rng.NormFloat64() * 0.01)
		}
		tensors[name+".weight"] = Tensor{Shape: []int{channels, in, 3, 3}, Data: kernel}
		tensors[name+".bias"] = Tensor{Shape: []int{channels}, Data: bias}
		in = channels
	}

	return tensors
}

// WriteTiny writes random VGG-19 weights of the given width to path.
func WriteTiny(path string, channels int, seed uint64) error {
	return WriteSafeTensors(path, Weights(channels, seed))
}

// Torchvision renames convX_Y tensors to torchvision's features.N form.
func Torchvision(tensors map[string]Tensor) map[string]Tensor {
	index := []int{0, 2, 5, 7, 10, 12, 14, 16, 19, 21, 23, 25, 28, 30, 32, 34}
	out := make(map[string]Tensor, len(tensors))
	for i, name := range ConvNames {
		for _, suffix := range []string{".weight", ".bias"} {
			if t, ok := tensors[name+suffix]; ok {
				out[fmt.Sprintf("features.%d%s", index[i], suffix)] = t
			}
		}
	}
	return out
}
