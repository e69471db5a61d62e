// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package vgg

import (
	"fmt"

	"github.com/born-ml/born/tensor"
	"github.com/born-ml/styletransfer/internal/layers"
	"gonum.org/v1/gonum/mat"
)

// Gram computes the Gram matrix of one sample's activations [C, H, W]:
// F·Fᵀ / (C·H·W) with F the [C, H·W] feature matrix.
func Gram(data []float32, c, h, w int) (*mat.Dense, error) {
	if len(data) != c*h*w {
		return nil, fmt.Errorf("vgg: gram: %d values for %dx%dx%d", len(data), c, h, w)
	}

	f := mat.NewDense(c, h*w, toFloat64(data))
	var g mat.Dense
	g.Mul(f, f.T())
	g.Scale(1/float64(c*h*w), &g)
	return &g, nil
}

// StyleGrams computes the Gram matrices of a single style image in pixel
// units [1, 3, H, W] at every style layer. Activations are computed without
// gradient recording; the matrices are returned as [1, C, C] constants on
// the model's backend.
func (m *Model[B]) StyleGrams(style *tensor.Tensor[float32, B]) (map[string]*tensor.Tensor[float32, B], error) {
	if s := style.Shape(); len(s) != 4 || s[0] != 1 {
		return nil, fmt.Errorf("vgg: style grams: expected a single image [1,3,H,W], got %v", s)
	}

	var (
		feats map[string]*tensor.Tensor[float32, B]
		err   error
	)
	layers.NoGrad(m.backend, func() {
		feats, err = m.Features(style, StyleLayers...)
	})
	if err != nil {
		return nil, fmt.Errorf("vgg: style grams: %w", err)
	}

	grams := make(map[string]*tensor.Tensor[float32, B], len(StyleLayers))
	for _, layer := range StyleLayers {
		f := feats[layer]
		s := f.Shape()

		g, err := Gram(f.Data(), s[1], s[2], s[3])
		if err != nil {
			return nil, err
		}

		t, err := tensor.FromSlice(toFloat32(g.RawMatrix().Data), tensor.Shape{1, s[1], s[1]}, m.backend)
		if err != nil {
			return nil, fmt.Errorf("vgg: style grams: %w", err)
		}
		grams[layer] = t
	}

	return grams, nil
}

func toFloat64(in []float32) []float64 {
	out := make([]float64, len(in))
	for i, v := range in {
		out[i] = float64(v)
	}
	return out
}

func toFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}
