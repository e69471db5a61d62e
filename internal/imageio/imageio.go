// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package imageio reads and writes the images a style transfer run consumes
// and produces, and converts them to and from CHW float32 planes.
//
// Decoding and encoding are delegated to bild and the standard/x image codecs;
// this package only moves pixels.
package imageio

import (
	"errors"
	"fmt"
	"image"
	"image/draw"
	"path/filepath"
	"strings"

	"github.com/anthonynsimon/bild/imgio"
	"github.com/anthonynsimon/bild/transform"
	"github.com/h2non/filetype"

	// Extra decoders registered with image.Decode.
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// ErrNotImage is returned when a file is not a recognised image.
var ErrNotImage = errors.New("imageio: not an image")

// Size is an image size in pixels.
type Size struct {
	Height int
	Width  int
}

// String returns HxW.
func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Height, s.Width)
}

// Sniff checks the file header and fails with ErrNotImage for non-images.
func Sniff(path string) error {
	kind, err := filetype.MatchFile(path)
	if err != nil {
		return fmt.Errorf("imageio: sniff %s: %w", path, err)
	}
	if kind == filetype.Unknown || kind.MIME.Type != "image" {
		return fmt.Errorf("%w: %s", ErrNotImage, path)
	}
	return nil
}

// Read decodes an image file to RGBA, resizing it when size is not nil.
func Read(path string, size *Size) (*image.RGBA, error) {
	if err := Sniff(path); err != nil {
		return nil, err
	}

	img, err := imgio.Open(path)
	if err != nil {
		return nil, fmt.Errorf("imageio: open %s: %w", path, err)
	}

	if size != nil {
		return Resize(img, *size), nil
	}
	return ToRGBA(img), nil
}

// Resize scales an image to size with bilinear filtering.
func Resize(img image.Image, size Size) *image.RGBA {
	b := img.Bounds()
	if b.Dx() == size.Width && b.Dy() == size.Height {
		return ToRGBA(img)
	}
	return transform.Resize(img, size.Width, size.Height, transform.Linear)
}

// ToRGBA returns img as an *image.RGBA anchored at the origin.
func ToRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// Save encodes img by the file extension: .png, .bmp, otherwise JPEG.
func Save(path string, img image.Image) error {
	var enc imgio.Encoder
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		enc = imgio.PNGEncoder()
	case ".bmp":
		enc = imgio.BMPEncoder()
	default:
		enc = imgio.JPEGEncoder(95)
	}
	if err := imgio.Save(path, img, enc); err != nil {
		return fmt.Errorf("imageio: save %s: %w", path, err)
	}
	return nil
}
