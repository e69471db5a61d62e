// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package export writes and loads the serving artifact of a trained style
// network.
//
// An export directory holds the network weights (saved_model.born) and a
// signature (signature.yaml) fixing the input and output shapes the model
// is served at. Inputs are RGB planes scaled to 0..1, outputs are pixel
// values.
package export

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
	"github.com/born-ml/styletransfer/internal/checkpoint"
	"github.com/born-ml/styletransfer/internal/config"
	"github.com/born-ml/styletransfer/internal/imageio"
	"github.com/born-ml/styletransfer/internal/layers"
	"github.com/born-ml/styletransfer/internal/stylenet"
	"gopkg.in/yaml.v3"
)

// File names inside an export directory.
const (
	ModelFile     = "saved_model.born"
	SignatureFile = "signature.yaml"
)

// Signature constants.
const (
	TagServe      = "serve"
	SignatureName = "Transfer"
	InputsKey     = "inputs"
	OutputsKey    = "outputs"
)

// TensorSpec describes a signature tensor.
type TensorSpec struct {
	Name  string `yaml:"name"`
	DType string `yaml:"dtype"`
	Shape []int  `yaml:"shape"`
}

// Signature describes how an exported model is called.
type Signature struct {
	Tags      []string   `yaml:"tags"`
	Name      string     `yaml:"signature"`
	ModelType string     `yaml:"model_type"`
	Style     string     `yaml:"style,omitempty"`
	Step      int        `yaml:"step"`
	Inputs    TensorSpec `yaml:"inputs"`
	Outputs   TensorSpec `yaml:"outputs"`
}

// NewSignature returns the signature of a network served on batches of
// [batch, 3, height, width].
func NewSignature(batch, height, width int) Signature {
	shape := []int{batch, 3, height, width}
	return Signature{
		Tags:      []string{TagServe},
		Name:      SignatureName,
		ModelType: stylenet.ModelType,
		Inputs:    TensorSpec{Name: InputsKey, DType: "float32", Shape: shape},
		Outputs:   TensorSpec{Name: OutputsKey, DType: "float32", Shape: slices.Clone(shape)},
	}
}

// Size returns the spatial size of the inputs.
func (s Signature) Size() imageio.Size {
	return imageio.Size{Height: s.Inputs.Shape[2], Width: s.Inputs.Shape[3]}
}

// BatchSize returns the batch dimension of the inputs.
func (s Signature) BatchSize() int {
	return s.Inputs.Shape[0]
}

func (s Signature) validate() error {
	if !slices.Contains(s.Tags, TagServe) {
		return fmt.Errorf("export: signature has no %q tag", TagServe)
	}
	if s.Name != SignatureName {
		return fmt.Errorf("export: signature %q, want %q", s.Name, SignatureName)
	}
	if s.ModelType != stylenet.ModelType {
		return fmt.Errorf("export: model type %q, want %q", s.ModelType, stylenet.ModelType)
	}
	for _, spec := range []TensorSpec{s.Inputs, s.Outputs} {
		if len(spec.Shape) != 4 || spec.Shape[1] != 3 || spec.DType != "float32" {
			return fmt.Errorf("export: %s: unsupported tensor %s%v", spec.Name, spec.DType, spec.Shape)
		}
	}
	return nil
}

// Export restores the latest checkpoint of cfg.CkptDir and writes it to
// cfg.ExportDir, replacing any previous export.
func Export[B tensor.Backend](cfg config.Export, backend B, logger *slog.Logger) (Signature, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return Signature{}, err
	}
	if cfg.Height%4 != 0 || cfg.Width%4 != 0 {
		return Signature{}, fmt.Errorf("export: image size %dx%d must be a multiple of 4", cfg.Height, cfg.Width)
	}

	ckptDir, err := config.ExpandPath(cfg.CkptDir)
	if err != nil {
		return Signature{}, err
	}
	exportDir, err := config.ExpandPath(cfg.ExportDir)
	if err != nil {
		return Signature{}, err
	}

	if fi, err := os.Stat(exportDir); err == nil && fi.IsDir() {
		logger.Info("deleting the folder containing the saved model at " + exportDir)
		if err := os.RemoveAll(exportDir); err != nil {
			return Signature{}, fmt.Errorf("export: %w", err)
		}
	}

	net := stylenet.New(0, backend)
	path, meta, err := checkpoint.RestoreLatest[B](ckptDir, backend, net, nil)
	if errors.Is(err, checkpoint.ErrNoCheckpoint) {
		return Signature{}, fmt.Errorf("export: found no checkpoint in %s: %w", ckptDir, err)
	}
	if err != nil {
		return Signature{}, fmt.Errorf("export: %w", err)
	}
	logger.Info("restoring from " + path)

	sig := NewSignature(cfg.BatchSize, cfg.Height, cfg.Width)
	sig.Style = meta.Style
	sig.Step = meta.Step

	logger.Info("exporting the saved model to " + exportDir)
	if err := os.MkdirAll(exportDir, 0o755); err != nil {
		return Signature{}, fmt.Errorf("export: %w", err)
	}
	md := map[string]string{
		"signature": sig.Name,
		"style":     sig.Style,
		"step":      strconv.Itoa(sig.Step),
	}
	if err := nn.Save[B](net, filepath.Join(exportDir, ModelFile), stylenet.ModelType, md); err != nil {
		return Signature{}, fmt.Errorf("export: save model: %w", err)
	}

	data, err := yaml.Marshal(&sig)
	if err != nil {
		return Signature{}, fmt.Errorf("export: encode signature: %w", err)
	}
	if err := os.WriteFile(filepath.Join(exportDir, SignatureFile), data, 0o644); err != nil {
		return Signature{}, fmt.Errorf("export: write signature: %w", err)
	}

	return sig, nil
}

// ReadSignature reads the signature of an export directory.
func ReadSignature(dir string) (Signature, error) {
	data, err := os.ReadFile(filepath.Join(dir, SignatureFile))
	if err != nil {
		return Signature{}, fmt.Errorf("export: %w", err)
	}
	var sig Signature
	if err := yaml.Unmarshal(data, &sig); err != nil {
		return Signature{}, fmt.Errorf("export: parse signature: %w", err)
	}
	if err := sig.validate(); err != nil {
		return Signature{}, err
	}
	return sig, nil
}

// Model is a loaded export.
type Model[B tensor.Backend] struct {
	net     *stylenet.Net[B]
	sig     Signature
	backend B
}

// Load reads the export in dir onto backend.
func Load[B tensor.Backend](dir string, backend B) (*Model[B], error) {
	dir, err := config.ExpandPath(dir)
	if err != nil {
		return nil, err
	}
	sig, err := ReadSignature(dir)
	if err != nil {
		return nil, err
	}

	net := stylenet.New(0, backend)
	if _, err := nn.Load[B](filepath.Join(dir, ModelFile), backend, net); err != nil {
		return nil, fmt.Errorf("export: load model: %w", err)
	}
	return &Model[B]{net: net, sig: sig, backend: backend}, nil
}

// Signature returns the serving signature.
func (m *Model[B]) Signature() Signature {
	return m.sig
}

// Run stylizes a batch shaped like the signature inputs, with values in
// 0..1. No gradients are recorded.
func (m *Model[B]) Run(batch *tensor.Tensor[float32, B]) (*tensor.Tensor[float32, B], error) {
	if !batch.Shape().Equal(tensor.Shape(m.sig.Inputs.Shape)) {
		return nil, fmt.Errorf("export: input shape %v, signature expects %v", batch.Shape(), m.sig.Inputs.Shape)
	}
	var out *tensor.Tensor[float32, B]
	layers.NoGrad(m.backend, func() {
		out = m.net.Forward(batch)
	})
	return out, nil
}
