// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package loss implements the perceptual losses of feed-forward style
// transfer: content, style and total variation.
//
// All functions build recorded expressions, so the result can be passed to
// autodiff.Backward. Scalar results are [1] tensors. Norms follow
// l2(x) = Σx²/2, and every term is averaged over the batch.
package loss

import (
	"fmt"

	"github.com/born-ml/born/tensor"
	"github.com/born-ml/styletransfer/internal/layers"
)

// Weights scales the three loss terms.
type Weights struct {
	Content float32
	Style   float32
	TV      float32
}

// Terms holds the weighted loss components and their sum.
type Terms[B tensor.Backend] struct {
	Content *tensor.Tensor[float32, B]
	Style   *tensor.Tensor[float32, B]
	TV      *tensor.Tensor[float32, B]
	Total   *tensor.Tensor[float32, B]
}

// Values returns the host values of the components.
func (t Terms[B]) Values() (content, style, tv, total float32) {
	return t.Content.Data()[0], t.Style.Data()[0], t.TV.Data()[0], t.Total.Data()[0]
}

// SumSquares returns Σx² as a [1] tensor.
func SumSquares[B tensor.Backend](x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	sq := x.Mul(x)
	return sq.Reshape(1, sq.NumElements()).SumDim(1, false)
}

// Gram computes per-sample Gram matrices of activations [N, C, H, W]:
// F·Fᵀ / (C·H·W) with F the [C, H·W] feature matrix, shape [N, C, C].
func Gram[B tensor.Backend](features *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	s := features.Shape()
	if len(s) != 4 {
		panic(fmt.Sprintf("loss: gram: expected [N,C,H,W], got %v", s))
	}
	n, c, hw := s[0], s[1], s[2]*s[3]

	f := features.Reshape(n, c, hw)
	g := f.BatchMatMul(f.Transpose(0, 2, 1))
	return g.Mul(scale(1/float32(c*hw), 3, features.Backend()))
}

// Content is Σ(out-target)² / (C·H·W·batch).
func Content[B tensor.Backend](out, target *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	s := out.Shape()
	if !s.Equal(target.Shape()) {
		panic(fmt.Sprintf("loss: content: shape %v, target %v", s, target.Shape()))
	}
	size := s.NumElements() / s[0]
	return SumSquares(out.Sub(target)).Mul(scale(1/float32(size*s[0]), 1, out.Backend()))
}

// Style sums Σ(G-Gs)² / C² over layers, with G the Gram matrices of
// features and Gs the [1, C, C] style targets, divided by the batch size.
func Style[B tensor.Backend](features, grams map[string]*tensor.Tensor[float32, B], names []string) *tensor.Tensor[float32, B] {
	if len(names) == 0 {
		panic("loss: style: no layers")
	}

	var (
		total *tensor.Tensor[float32, B]
		batch int
	)
	for _, layer := range names {
		f, ok := features[layer]
		if !ok {
			panic(fmt.Sprintf("loss: style: no features for %s", layer))
		}
		target, ok := grams[layer]
		if !ok {
			panic(fmt.Sprintf("loss: style: no gram for %s", layer))
		}
		batch = f.Shape()[0]

		g := Gram(f)
		term := SumSquares(g.Sub(target)).Mul(scale(1/float32(target.NumElements()), 1, f.Backend()))
		if total == nil {
			total = term
		} else {
			total = total.Add(term)
		}
	}

	return total.Mul(scale(1/float32(batch), 1, total.Backend()))
}

// TotalVariation is (Σdy²/|dy| + Σdx²/|dx|) / batch with dy and dx the
// vertical and horizontal neighbour differences of x [N, C, H, W].
func TotalVariation[B tensor.Backend](x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	s := x.Shape()
	if len(s) != 4 || s[2] < 2 || s[3] < 2 {
		panic(fmt.Sprintf("loss: total variation: expected [N,C,H>1,W>1], got %v", s))
	}
	n, c := s[0], s[1]
	b := x.Backend()

	dy := tensor.New[float32, B](b.Conv2D(x.Raw(), diffKernel(c, 2, 1, b).Raw(), 1, 0), b)
	dx := tensor.New[float32, B](b.Conv2D(x.Raw(), diffKernel(c, 1, 2, b).Raw(), 1, 0), b)

	ty := SumSquares(dy).Mul(scale(1/float32(dy.NumElements()/n), 1, b))
	tx := SumSquares(dx).Mul(scale(1/float32(dx.NumElements()/n), 1, b))
	return ty.Add(tx).Mul(scale(1/float32(n), 1, b))
}

// Total computes the weighted sum of the three terms.
func Total[B tensor.Backend](
	w Weights,
	out *tensor.Tensor[float32, B],
	outFeatures map[string]*tensor.Tensor[float32, B],
	contentTarget *tensor.Tensor[float32, B],
	contentLayer string,
	grams map[string]*tensor.Tensor[float32, B],
	styleLayers []string,
) Terms[B] {
	b := out.Backend()

	content := Content(outFeatures[contentLayer], contentTarget).Mul(scale(w.Content, 1, b))
	style := Style(outFeatures, grams, styleLayers).Mul(scale(w.Style, 1, b))
	tv := TotalVariation(out).Mul(scale(w.TV, 1, b))

	return Terms[B]{
		Content: content,
		Style:   style,
		TV:      tv,
		Total:   content.Add(style).Add(tv),
	}
}

// diffKernel builds a [C, C, kh, kw] kernel computing x[i+1] - x[i] along
// the axis of length 2, per channel.
func diffKernel[B tensor.Backend](c, kh, kw int, backend B) *tensor.Tensor[float32, B] {
	data := make([]float32, c*c*kh*kw)
	for ch := range c {
		base := (ch*c + ch) * kh * kw
		data[base] = -1
		data[base+1] = 1
	}
	k, err := tensor.FromSlice(data, tensor.Shape{c, c, kh, kw}, backend)
	if err != nil {
		panic(fmt.Sprintf("loss: difference kernel: %v", err))
	}
	return k
}

func scale[B tensor.Backend](v float32, rank int, backend B) *tensor.Tensor[float32, B] {
	return layers.Const(v, rank, backend)
}
