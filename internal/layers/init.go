// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package layers

import (
	"math/rand/v2"

	"github.com/born-ml/born/tensor"
	"gonum.org/v1/gonum/stat/distuv"
)

// WeightStddev is the standard deviation of freshly initialized kernels.
const WeightStddev = 0.1

// Init draws initial weights. One Init shared by all layers of a network
// makes initialization reproducible for a given seed.
type Init struct {
	normal distuv.Normal
}

// NewInit returns an initializer seeded with seed.
func NewInit(seed uint64) *Init {
	return &Init{
		normal: distuv.Normal{
			Mu:    0,
			Sigma: WeightStddev,
			Src:   rand.NewPCG(seed, seed+1),
		},
	}
}

// TruncatedNormal fills a tensor of the given shape with samples of
// N(0, WeightStddev²), redrawing samples further than two standard
// deviations from the mean.
func TruncatedNormal[B tensor.Backend](in *Init, shape tensor.Shape, backend B) *tensor.Tensor[float32, B] {
	t := tensor.Zeros[float32](shape, backend)
	data := t.Raw().AsFloat32()
	limit := 2 * in.normal.Sigma

	for i := range data {
		v := in.normal.Rand()
		for v < -limit || v > limit {
			v = in.normal.Rand()
		}
		data[i] = float32(v)
	}

	return t
}
