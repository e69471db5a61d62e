// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package train fits a style network to one style image.
//
// Every step runs a content batch through the transformation network and
// scores the output with the fixed VGG-19 extractor against the batch itself
// (content) and the style image's Gram matrices (style), plus a total
// variation penalty. The network is updated with Adam; checkpoints and loss
// summaries are written along the way.
package train

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"
	"os"
	"slices"
	"time"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/optim"
	"github.com/born-ml/born/tensor"
	"github.com/born-ml/styletransfer/internal/checkpoint"
	"github.com/born-ml/styletransfer/internal/config"
	"github.com/born-ml/styletransfer/internal/imageio"
	"github.com/born-ml/styletransfer/internal/layers"
	"github.com/born-ml/styletransfer/internal/loss"
	"github.com/born-ml/styletransfer/internal/stylenet"
	"github.com/born-ml/styletransfer/internal/summary"
	"github.com/born-ml/styletransfer/internal/vgg"
)

// Backend is a backend recording gradients.
type Backend interface {
	autodiff.BackwardCapable
	Tape() *autodiff.GradientTape
	NoGrad(fn func())
}

// Options are optional collaborators of a Trainer.
type Options struct {
	Logger *slog.Logger
	// Source overrides the content images chosen by the configuration.
	Source Source
}

// Result summarizes a run.
type Result struct {
	Steps      int
	Loss       float32
	Checkpoint string
}

// Trainer holds the state of one training run.
type Trainer[B Backend] struct {
	cfg   config.Train
	paths config.Paths
	size  imageio.Size

	backend B
	net     *stylenet.Net[B]
	vgg     *vgg.Model[B]
	grams   map[string]*tensor.Tensor[float32, B]
	opt     *optim.Adam[B]
	weights loss.Weights
	source  Source

	saver   *checkpoint.Saver[B]
	summary *summary.Writer
	logger  *slog.Logger

	step  int
	epoch int
}

// New validates cfg, prepares the output directories, loads VGG-19 and the
// style targets and builds the network and optimizer.
func New[B Backend](cfg config.Train, backend B, opts Options) (*Trainer[B], error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ImageSize%4 != 0 {
		return nil, fmt.Errorf("train: image_size must be a multiple of 4, got %d", cfg.ImageSize)
	}
	paths, err := cfg.Resolve()
	if err != nil {
		return nil, err
	}
	if err := checkPaths(cfg, paths, opts.Source != nil, logger); err != nil {
		return nil, err
	}

	source := opts.Source
	size := imageio.Size{Height: cfg.ImageSize, Width: cfg.ImageSize}
	switch {
	case source != nil:
	case cfg.Synthetic > 0:
		source = NewSyntheticSource(cfg.Synthetic-cfg.Synthetic%cfg.BatchSize, size, cfg.Seed)
	default:
		if source, err = NewFileSource(paths.TrainDir, cfg.BatchSize); err != nil {
			return nil, err
		}
	}
	if source.Len() < cfg.BatchSize {
		return nil, fmt.Errorf("train: %d content images for batch size %d", source.Len(), cfg.BatchSize)
	}

	t := &Trainer[B]{
		cfg:     cfg,
		paths:   paths,
		size:    size,
		backend: backend,
		source:  source,
		logger:  logger,
		weights: loss.Weights{
			Content: float32(cfg.LambdaFeat),
			Style:   float32(cfg.LambdaStyle),
			TV:      float32(cfg.LambdaTV),
		},
	}
	t.logParameters()
	logger.Info("total training data size", "images", source.Len())

	if t.vgg, err = vgg.Load(paths.VGGPath, vgg.Options{Preprocess: cfg.VGGPreprocess}, backend); err != nil {
		return nil, err
	}
	style, err := imageio.Read(paths.StylePath, nil)
	if err != nil {
		return nil, fmt.Errorf("train: style image: %w", err)
	}
	if t.grams, err = t.styleTargets(style); err != nil {
		return nil, err
	}

	t.net = stylenet.New(cfg.Seed, backend)
	t.opt = optim.NewAdam(t.net.Parameters(), optim.AdamConfig{
		LR:    float32(cfg.LR),
		Betas: [2]float32{0.9, 0.999},
		Eps:   1e-8,
	}, backend)
	t.saver = checkpoint.NewSaver[B](paths.CkptPrefix, stylenet.ModelType, cfg.MaxToKeep, logger)

	return t, nil
}

func checkPaths(cfg config.Train, p config.Paths, haveSource bool, logger *slog.Logger) error {
	if !isDir(p.InputDir) {
		return fmt.Errorf("train: failed to find the input folder at %s", p.InputDir)
	}
	if !isFile(p.VGGPath) {
		return fmt.Errorf("train: failed to find the VGG model file at %s; convert imagenet-vgg-verydeep-19 to SafeTensors with conv1_1.weight/conv1_1.bias names", p.VGGPath)
	}
	if !haveSource && cfg.Synthetic == 0 && !isDir(p.TrainDir) {
		return fmt.Errorf("train: failed to find the COCO 2014 training images in %s; download http://images.cocodataset.org/zips/train2014.zip", p.TrainDir)
	}
	if !isFile(p.StylePath) {
		return fmt.Errorf("train: failed to find the style image at %s", p.StylePath)
	}

	for _, dir := range []struct{ path, what string }{
		{p.ModelDir, "checkpoint"},
		{p.LogDir, "summary events"},
	} {
		if isDir(dir.path) {
			continue
		}
		logger.Info("creating a folder to store "+dir.what, "path", dir.path)
		if err := os.MkdirAll(dir.path, 0o755); err != nil {
			return fmt.Errorf("train: %w", err)
		}
	}
	return nil
}

func isDir(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}

func isFile(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}

func (t *Trainer[B]) logParameters() {
	t.logger.Info("training parameters",
		"style_image", t.paths.StylePath,
		"vgg", t.paths.VGGPath,
		"train_dir", t.paths.TrainDir,
		"checkpoint", t.paths.CkptPrefix,
		"log_dir", t.paths.LogDir,
		"device", t.backend.Name(),
		"batch_size", t.cfg.BatchSize,
		"epochs", t.cfg.Epochs,
		"lr", t.cfg.LR,
		"lambda_tv", t.cfg.LambdaTV,
		"lambda_feat", t.cfg.LambdaFeat,
		"lambda_style", t.cfg.LambdaStyle,
	)
}

func (t *Trainer[B]) styleTargets(style *image.RGBA) (map[string]*tensor.Tensor[float32, B], error) {
	b := style.Bounds()
	x, err := tensor.FromSlice(imageio.ToCHW(style), tensor.Shape{1, 3, b.Dy(), b.Dx()}, t.backend)
	if err != nil {
		return nil, fmt.Errorf("train: style image: %w", err)
	}
	grams, err := t.vgg.StyleGrams(x)
	if err != nil {
		return nil, fmt.Errorf("train: style targets: %w", err)
	}
	return grams, nil
}

// Net returns the network being trained.
func (t *Trainer[B]) Net() *stylenet.Net[B] {
	return t.net
}

// Paths returns the resolved locations of the run.
func (t *Trainer[B]) Paths() config.Paths {
	return t.paths
}

// Run restores the latest checkpoint if there is one and trains for the
// configured number of epochs. When ctx is cancelled, it stops after the
// current step, writes the final checkpoint and returns ctx.Err().
func (t *Trainer[B]) Run(ctx context.Context) (Result, error) {
	path, meta, err := checkpoint.RestoreLatest[B](t.paths.ModelDir, t.backend, t.net, t.opt)
	switch {
	case errors.Is(err, checkpoint.ErrNoCheckpoint):
	case err != nil:
		return Result{}, err
	default:
		t.logger.Info("restoring from " + path)
		t.step = meta.Step
	}

	if t.summary, err = summary.NewWriter(t.paths.LogDir); err != nil {
		return Result{}, err
	}
	defer func() {
		if cerr := t.summary.Close(); cerr != nil {
			t.logger.Warn("close summary", "err", cerr)
		}
	}()
	if err := t.summary.WriteGraph(t.net.String()); err != nil {
		return Result{}, err
	}

	var (
		last    float32
		stopErr error
	)
	batches := t.source.Len() / t.cfg.BatchSize

epochs:
	for t.epoch = 0; t.epoch < t.cfg.Epochs; t.epoch++ {
		t.logger.Info(fmt.Sprintf("epoch: %d", t.epoch))
		for i := range batches {
			if err := ctx.Err(); err != nil {
				stopErr = err
				break epochs
			}

			start := time.Now()
			batch, err := t.loadBatch(i)
			if err != nil {
				return Result{}, err
			}
			terms, err := t.Step(batch)
			if err != nil {
				return Result{}, err
			}
			t.step++

			content, style, tv, total := terms.Values()
			last = total
			if math.IsNaN(float64(total)) || math.IsInf(float64(total), 0) {
				return Result{}, fmt.Errorf("train: loss diverged at step %d", t.step)
			}

			if t.step%t.cfg.LogEvery == 0 {
				elapsed := time.Since(start).Seconds()
				t.logger.Info(fmt.Sprintf("[step %d] elapse time: %g loss: %g", t.step, elapsed, total),
					"content", content, "style", style, "tv", tv)
				t.record(content, style, tv, total)
			}

			if t.step%t.cfg.CheckpointEvery == 0 {
				t.logger.Info("saving checkpoint to " + t.paths.CkptPrefix)
				if _, err := t.save(last); err != nil {
					return Result{}, err
				}
			}
		}
	}

	t.logger.Info("saving final checkpoint to " + t.paths.CkptPrefix)
	final, err := t.save(last)
	if err != nil {
		return Result{}, err
	}

	return Result{Steps: t.step, Loss: last, Checkpoint: final}, stopErr
}

func (t *Trainer[B]) record(content, style, tv, total float32) {
	for _, s := range []struct {
		tag   string
		value float32
	}{
		{"loss", total},
		{"content_loss", content},
		{"style_loss", style},
		{"tv_loss", tv},
	} {
		if err := t.summary.AddScalar(s.tag, t.step, float64(s.value)); err != nil {
			t.logger.Warn("add summary", "tag", s.tag, "err", err)
		}
	}
	if err := t.summary.Flush(); err != nil {
		t.logger.Warn("flush summary", "err", err)
	}
}

func (t *Trainer[B]) save(lossValue float32) (string, error) {
	return t.saver.Save(checkpoint.Meta{
		Step:  t.step,
		Epoch: t.epoch,
		Loss:  lossValue,
		Style: t.paths.StyleName,
	}, t.net, t.opt)
}

// loadBatch reads batch i as [N, 3, H, W] pixel values in 0..255.
func (t *Trainer[B]) loadBatch(i int) (*tensor.Tensor[float32, B], error) {
	n := t.cfg.BatchSize
	images := make([]*image.RGBA, 0, n)
	for j := i * n; j < (i+1)*n; j++ {
		img, err := t.source.Load(j, t.size)
		if err != nil {
			return nil, fmt.Errorf("train: load content image %d: %w", j, err)
		}
		images = append(images, img)
	}

	data, err := imageio.Batch(images, t.size)
	if err != nil {
		return nil, fmt.Errorf("train: %w", err)
	}
	return tensor.FromSlice(data, tensor.Shape{n, 3, t.size.Height, t.size.Width}, t.backend)
}

// Step performs one optimization step on a content batch in pixel units and
// returns the loss terms computed before the update.
func (t *Trainer[B]) Step(batch *tensor.Tensor[float32, B]) (loss.Terms[B], error) {
	tape := t.backend.Tape()
	t.opt.ZeroGrad()

	var (
		target map[string]*tensor.Tensor[float32, B]
		err    error
	)
	t.backend.NoGrad(func() {
		target, err = t.vgg.Features(batch, vgg.ContentLayer)
	})
	if err != nil {
		return loss.Terms[B]{}, fmt.Errorf("train: content target: %w", err)
	}

	want := append(slices.Clone(vgg.StyleLayers), vgg.ContentLayer)

	tape.StartRecording()
	defer tape.Clear()

	out := t.net.Forward(batch.Mul(layers.Const(1/float32(255), 4, t.backend)))
	feats, err := t.vgg.Features(out, want...)
	if err != nil {
		tape.StopRecording()
		return loss.Terms[B]{}, fmt.Errorf("train: output features: %w", err)
	}
	terms := loss.Total(t.weights, out, feats, target[vgg.ContentLayer], vgg.ContentLayer, t.grams, vgg.StyleLayers)

	grads := autodiff.Backward(terms.Total, t.backend)
	tape.StopRecording()

	t.opt.Step(grads)
	return terms, nil
}
