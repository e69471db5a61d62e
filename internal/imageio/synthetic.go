// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package imageio

import (
	"image"
	"image/color"
	"math/rand/v2"
)

// Synthetic generates n deterministic content images: a colour gradient
// with a few solid rectangles on top. Useful for smoke runs without a
// dataset on disk.
func Synthetic(n int, size Size, seed uint64) []*image.RGBA {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	images := make([]*image.RGBA, n)

	for i := range images {
		img := image.NewRGBA(image.Rect(0, 0, size.Width, size.Height))
		r0, g0, b0 := rng.IntN(256), rng.IntN(256), rng.IntN(256)

		for y := 0; y < size.Height; y++ {
			for x := 0; x < size.Width; x++ {
				img.SetRGBA(x, y, color.RGBA{
					R: uint8((r0 + 255*x/max(size.Width, 1)) % 256),
					G: uint8((g0 + 255*y/max(size.Height, 1)) % 256),
					B: uint8(b0),
					A: 255,
				})
			}
		}

		for range 3 {
			w := 1 + rng.IntN(max(size.Width/2, 1))
			h := 1 + rng.IntN(max(size.Height/2, 1))
			x0 := rng.IntN(max(size.Width-w, 1))
			y0 := rng.IntN(max(size.Height-h, 1))
			c := color.RGBA{R: uint8(rng.IntN(256)), G: uint8(rng.IntN(256)), B: uint8(rng.IntN(256)), A: 255}
			for y := y0; y < y0+h; y++ {
				for x := x0; x < x0+w; x++ {
					img.SetRGBA(x, y, c)
				}
			}
		}

		images[i] = img
	}

	return images
}
