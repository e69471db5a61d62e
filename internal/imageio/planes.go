// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package imageio

import (
	"fmt"
	"image"
	"image/color"
	"math"
)

// ToCHW returns the RGB planes of img in pixel units (0..255), laid out as
// [3, H, W]. Alpha is dropped.
func ToCHW(img *image.RGBA) []float32 {
	b := img.Bounds()
	h, w := b.Dy(), b.Dx()
	plane := h * w
	out := make([]float32, 3*plane)

	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			p := row[4*x:]
			i := y*w + x
			out[i] = float32(p[0])
			out[plane+i] = float32(p[1])
			out[2*plane+i] = float32(p[2])
		}
	}

	return out
}

// FromCHW builds an opaque image from [3, H, W] planes in pixel units.
// Values are rounded and clipped to 0..255.
func FromCHW(data []float32, h, w int) (*image.RGBA, error) {
	plane := h * w
	if len(data) != 3*plane {
		return nil, fmt.Errorf("imageio: planes: got %d values for 3x%dx%d", len(data), h, w)
	}

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			img.SetRGBA(x, y, color.RGBA{
				R: clip(data[i]),
				G: clip(data[plane+i]),
				B: clip(data[2*plane+i]),
				A: 255,
			})
		}
	}

	return img, nil
}

// Batch concatenates images of size HxW into [N, 3, H, W] data.
func Batch(images []*image.RGBA, size Size) ([]float32, error) {
	plane := 3 * size.Height * size.Width
	out := make([]float32, 0, len(images)*plane)

	for i, img := range images {
		b := img.Bounds()
		if b.Dy() != size.Height || b.Dx() != size.Width {
			return nil, fmt.Errorf("imageio: batch: image %d is %dx%d, want %s", i, b.Dy(), b.Dx(), size)
		}
		out = append(out, ToCHW(img)...)
	}

	return out, nil
}

func clip(v float32) uint8 {
	switch {
	case math.IsNaN(float64(v)) || v <= 0:
		return 0
	case v >= 255:
		return 255
	default:
		return uint8(math.Round(float64(v)))
	}
}
