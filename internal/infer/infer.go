// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package infer stylizes images with a trained network, loaded either from
// a training checkpoint or from an export directory.
package infer

import (
	"fmt"
	"image"
	"log/slog"

	"github.com/born-ml/born/tensor"
	"github.com/born-ml/styletransfer/internal/checkpoint"
	"github.com/born-ml/styletransfer/internal/config"
	"github.com/born-ml/styletransfer/internal/export"
	"github.com/born-ml/styletransfer/internal/imageio"
	"github.com/born-ml/styletransfer/internal/layers"
	"github.com/born-ml/styletransfer/internal/stylenet"
)

// Stylizer renders an image in a learned style.
// Implementations are not safe for concurrent use; see Pool.
type Stylizer interface {
	Stylize(img image.Image) (*image.RGBA, error)
}

// Checkpoint stylizes images at their own size.
type Checkpoint[B tensor.Backend] struct {
	net     *stylenet.Net[B]
	backend B
	path    string
	meta    checkpoint.Meta
}

// FromCheckpoint restores the latest checkpoint of dir.
func FromCheckpoint[B tensor.Backend](dir string, backend B) (*Checkpoint[B], error) {
	dir, err := config.ExpandPath(dir)
	if err != nil {
		return nil, err
	}
	net := stylenet.New(0, backend)
	path, meta, err := checkpoint.RestoreLatest[B](dir, backend, net, nil)
	if err != nil {
		return nil, fmt.Errorf("infer: %w", err)
	}
	return &Checkpoint[B]{net: net, backend: backend, path: path, meta: meta}, nil
}

// Path returns the restored checkpoint prefix.
func (c *Checkpoint[B]) Path() string { return c.path }

// Meta returns the training state stored with the checkpoint.
func (c *Checkpoint[B]) Meta() checkpoint.Meta { return c.meta }

// Stylize implements Stylizer. Sides that are not a multiple of 4 are
// rounded down for the network and the result is scaled back.
func (c *Checkpoint[B]) Stylize(img image.Image) (*image.RGBA, error) {
	src := imageio.ToRGBA(img)
	b := src.Bounds()
	size := imageio.Size{Height: b.Dy() &^ 3, Width: b.Dx() &^ 3}
	if size.Height == 0 || size.Width == 0 {
		return nil, fmt.Errorf("infer: image %dx%d is smaller than 4x4", b.Dy(), b.Dx())
	}
	if size.Height != b.Dy() || size.Width != b.Dx() {
		src = imageio.Resize(src, size)
	}

	out, err := run(c.backend, src, 1, func(x *tensor.Tensor[float32, B]) (*tensor.Tensor[float32, B], error) {
		var y *tensor.Tensor[float32, B]
		layers.NoGrad(c.backend, func() { y = c.net.Forward(x) })
		return y, nil
	})
	if err != nil {
		return nil, err
	}
	if size.Height != b.Dy() || size.Width != b.Dx() {
		out = imageio.Resize(out, imageio.Size{Height: b.Dy(), Width: b.Dx()})
	}
	return out, nil
}

// SavedModel stylizes images at the size fixed by an export signature.
type SavedModel[B tensor.Backend] struct {
	model   *export.Model[B]
	backend B
}

// FromSavedModel loads the export in dir.
func FromSavedModel[B tensor.Backend](dir string, backend B) (*SavedModel[B], error) {
	model, err := export.Load(dir, backend)
	if err != nil {
		return nil, fmt.Errorf("infer: %w", err)
	}
	return &SavedModel[B]{model: model, backend: backend}, nil
}

// Signature returns the signature of the loaded export.
func (s *SavedModel[B]) Signature() export.Signature { return s.model.Signature() }

// Stylize implements Stylizer. The image is resized to the signature size
// and the result keeps that size.
func (s *SavedModel[B]) Stylize(img image.Image) (*image.RGBA, error) {
	sig := s.model.Signature()
	src := imageio.Resize(img, sig.Size())
	return run(s.backend, src, sig.BatchSize(), s.model.Run)
}

// run feeds src, repeated batch times and scaled to 0..1, through forward
// and converts the first output back to an image.
func run[B tensor.Backend](
	backend B,
	src *image.RGBA,
	batch int,
	forward func(*tensor.Tensor[float32, B]) (*tensor.Tensor[float32, B], error),
) (*image.RGBA, error) {
	b := src.Bounds()
	h, w := b.Dy(), b.Dx()

	planes := imageio.ToCHW(src)
	for i := range planes {
		planes[i] /= 255
	}
	data := make([]float32, 0, batch*len(planes))
	for range batch {
		data = append(data, planes...)
	}

	x, err := tensor.FromSlice(data, tensor.Shape{batch, 3, h, w}, backend)
	if err != nil {
		return nil, fmt.Errorf("infer: %w", err)
	}
	y, err := forward(x)
	if err != nil {
		return nil, fmt.Errorf("infer: %w", err)
	}
	return imageio.FromCHW(y.Data()[:len(planes)], h, w)
}

// Run stylizes cfg.Input with the model selected by cfg and writes the
// result to cfg.Out.
func Run[B tensor.Backend](cfg config.Infer, backend B, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	input, err := config.ExpandPath(cfg.Input)
	if err != nil {
		return err
	}
	out, err := config.ExpandPath(cfg.Out)
	if err != nil {
		return err
	}
	img, err := imageio.Read(input, nil)
	if err != nil {
		return fmt.Errorf("infer: %w", err)
	}

	var st Stylizer
	if cfg.Ckpt != "" {
		c, err := FromCheckpoint(cfg.Ckpt, backend)
		if err != nil {
			return err
		}
		logger.Info("restoring from "+c.Path(), "step", c.Meta().Step, "style", c.Meta().Style)
		st = c
	} else {
		m, err := FromSavedModel(cfg.Model, backend)
		if err != nil {
			return err
		}
		sig := m.Signature()
		logger.Info("loaded saved model from "+cfg.Model, "size", sig.Size().String(), "style", sig.Style)
		st = m
	}

	stylized, err := st.Stylize(img)
	if err != nil {
		return err
	}
	if err := imageio.Save(out, stylized); err != nil {
		return fmt.Errorf("infer: %w", err)
	}
	logger.Info("saved the stylized image to " + out)
	return nil
}
