// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package train

import (
	"fmt"
	"image"

	"github.com/born-ml/styletransfer/internal/imageio"
)

// Source provides the content images of an epoch in a fixed order.
type Source interface {
	// Len returns the number of images.
	Len() int
	// Load returns image i resized to size.
	Load(i int, size imageio.Size) (*image.RGBA, error)
}

// FileSource reads JPEG files from disk.
type FileSource struct {
	paths []string
}

// NewFileSource lists the .jpg files under dir, dropping the tail that does
// not fill a whole batch.
func NewFileSource(dir string, batchSize int) (*FileSource, error) {
	paths, err := imageio.ListImages(dir, ".jpg")
	if err != nil {
		return nil, err
	}
	paths = imageio.TrimToMultiple(paths, batchSize)
	if len(paths) == 0 {
		return nil, fmt.Errorf("train: fewer images in %s than one batch of %d", dir, batchSize)
	}
	return &FileSource{paths: paths}, nil
}

// Len implements Source.
func (s *FileSource) Len() int { return len(s.paths) }

// Load implements Source.
func (s *FileSource) Load(i int, size imageio.Size) (*image.RGBA, error) {
	return imageio.Read(s.paths[i], &size)
}

// MemorySource serves images held in memory.
type MemorySource struct {
	images []*image.RGBA
}

// NewMemorySource wraps images.
func NewMemorySource(images []*image.RGBA) *MemorySource {
	return &MemorySource{images: images}
}

// NewSyntheticSource generates n images.
func NewSyntheticSource(n int, size imageio.Size, seed uint64) *MemorySource {
	return NewMemorySource(imageio.Synthetic(n, size, seed))
}

// Len implements Source.
func (s *MemorySource) Len() int { return len(s.images) }

// Load implements Source.
func (s *MemorySource) Load(i int, size imageio.Size) (*image.RGBA, error) {
	img := s.images[i]
	if b := img.Bounds(); b.Dy() == size.Height && b.Dx() == size.Width {
		return img, nil
	}
	return imageio.Resize(img, size), nil
}
