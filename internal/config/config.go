// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package config holds the settings of the training, export, inference and
// serving commands.
//
// Settings come from three layers, later ones winning:
//   - the Default* constructors, carrying the stock hyperparameters
//   - an optional YAML file (see Load), with ${VAR} expansion
//   - command line flags, bound by cmd/styletransfer
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables consulted when no directory flag is given.
const (
	EnvOutputDir = "OUTPUT_DIR"
	EnvLogDir    = "LOG_DIR"
)

// VGG preprocessing modes.
const (
	PreprocessCaffe = "caffe"
	PreprocessTorch = "torch"
)

// File is the layout of a YAML configuration file.
type File struct {
	Train  Train  `yaml:"train"`
	Export Export `yaml:"export"`
	Infer  Infer  `yaml:"infer"`
	Serve  Serve  `yaml:"serve"`
}

// Train configures a training run.
type Train struct {
	InputDir        string  `yaml:"input_dir"`
	OutputDir       string  `yaml:"output_dir"`
	LogDir          string  `yaml:"log_dir"`
	GPUID           int     `yaml:"gpu_id"`
	StyleImage      string  `yaml:"style_image"`
	VGGFile         string  `yaml:"vgg_file"`
	VGGPreprocess   string  `yaml:"vgg_preprocess"`
	BatchSize       int     `yaml:"batch_size"`
	Epochs          int     `yaml:"epoch"`
	LambdaTV        float64 `yaml:"lambda_tv"`
	LambdaFeat      float64 `yaml:"lambda_feat"`
	LambdaStyle     float64 `yaml:"lambda_style"`
	LR              float64 `yaml:"lr"`
	ImageSize       int     `yaml:"image_size"`
	LogEvery        int     `yaml:"log_every"`
	CheckpointEvery int     `yaml:"checkpoint_every"`
	MaxToKeep       int     `yaml:"max_to_keep"`
	Seed            uint64  `yaml:"seed"`
	Synthetic       int     `yaml:"synthetic"` // Number of generated content images; 0 reads input_dir/train.
}

// Export configures writing a serving artifact from a checkpoint.
type Export struct {
	CkptDir   string `yaml:"ckpt_dir"`
	ExportDir string `yaml:"export_dir"`
	Height    int    `yaml:"height"`
	Width     int    `yaml:"width"`
	BatchSize int    `yaml:"batch_size"`
}

// Infer configures stylizing a single image.
type Infer struct {
	Input string `yaml:"input"`
	GPU   int    `yaml:"gpu"`
	Ckpt  string `yaml:"ckpt"`
	Model string `yaml:"mdl"`
	Out   string `yaml:"out"`
}

// Serve configures the HTTP endpoint.
type Serve struct {
	Addr          string            `yaml:"addr"`
	GPU           int               `yaml:"gpu"`
	Models        map[string]string `yaml:"models"` // Filter name to export directory.
	DefaultFilter string            `yaml:"default_filter"`
	SaveDir       string            `yaml:"save_dir"`
	PoolSize      int               `yaml:"pool_size"`
	MaxBodyBytes  int64             `yaml:"max_body_bytes"`
}

// DefaultTrain returns the stock training settings.
func DefaultTrain() Train {
	return Train{
		GPUID:           -1,
		StyleImage:      "starry_night.jpg",
		VGGFile:         "vgg19.safetensors",
		VGGPreprocess:   PreprocessCaffe,
		BatchSize:       1,
		Epochs:          2,
		LambdaTV:        10e-4,
		LambdaFeat:      7.5,
		LambdaStyle:     15,
		LR:              1e-3,
		ImageSize:       224,
		LogEvery:        5,
		CheckpointEvery: 2000,
		MaxToKeep:       5,
		Seed:            1,
	}
}

// DefaultExport returns the stock export settings.
func DefaultExport() Export {
	return Export{
		ExportDir: "export",
		Height:    240,
		Width:     320,
		BatchSize: 1,
	}
}

// DefaultInfer returns the stock inference settings.
func DefaultInfer() Infer {
	return Infer{
		GPU: -1,
		Out: "stylized_image.jpg",
	}
}

// DefaultServe returns the stock server settings.
func DefaultServe() Serve {
	return Serve{
		Addr:         ":8080",
		GPU:          -1,
		PoolSize:     2,
		MaxBodyBytes: 32 << 20,
	}
}

// Default returns a File with every section at its defaults.
func Default() File {
	return File{
		Train:  DefaultTrain(),
		Export: DefaultExport(),
		Infer:  DefaultInfer(),
		Serve:  DefaultServe(),
	}
}

// Load reads a YAML file over the defaults.
// Environment variables referenced as ${VAR} or $VAR are expanded before
// parsing. An empty path returns the defaults.
func Load(path string) (File, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // path is caller-provided configuration
	if err != nil {
		return File{}, fmt.Errorf("config: load: %w", err)
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return File{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	return cfg, nil
}

// LoadEnv loads .env files into the process environment.
// Files that do not exist are skipped; variables already set are kept.
func LoadEnv(files ...string) error {
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("config: load env %s: %w", f, err)
		}
	}
	return nil
}

// Validate checks the training settings.
func (t Train) Validate() error {
	switch {
	case t.BatchSize <= 0:
		return fmt.Errorf("config: train: batch_size must be positive, got %d", t.BatchSize)
	case t.Epochs <= 0:
		return fmt.Errorf("config: train: epoch must be positive, got %d", t.Epochs)
	case t.LR <= 0:
		return fmt.Errorf("config: train: lr must be positive, got %g", t.LR)
	case t.LambdaTV < 0 || t.LambdaFeat < 0 || t.LambdaStyle < 0:
		return fmt.Errorf("config: train: loss weights must not be negative")
	case t.ImageSize < 16:
		return fmt.Errorf("config: train: image_size must be at least 16, got %d", t.ImageSize)
	case t.LogEvery <= 0:
		return fmt.Errorf("config: train: log_every must be positive, got %d", t.LogEvery)
	case t.CheckpointEvery <= 0:
		return fmt.Errorf("config: train: checkpoint_every must be positive, got %d", t.CheckpointEvery)
	case t.MaxToKeep < 0:
		return fmt.Errorf("config: train: max_to_keep must not be negative, got %d", t.MaxToKeep)
	case t.Synthetic < 0:
		return fmt.Errorf("config: train: synthetic must not be negative, got %d", t.Synthetic)
	}

	switch t.VGGPreprocess {
	case PreprocessCaffe, PreprocessTorch:
	default:
		return fmt.Errorf("config: train: unknown vgg_preprocess %q", t.VGGPreprocess)
	}

	return nil
}

// Validate checks the export settings.
func (e Export) Validate() error {
	switch {
	case e.CkptDir == "":
		return fmt.Errorf("config: export: ckpt_dir is required")
	case e.ExportDir == "":
		return fmt.Errorf("config: export: export_dir is required")
	case e.Height <= 0 || e.Width <= 0:
		return fmt.Errorf("config: export: invalid image size %dx%d", e.Height, e.Width)
	case e.BatchSize <= 0:
		return fmt.Errorf("config: export: batch_size must be positive, got %d", e.BatchSize)
	}
	return nil
}

// Validate checks the inference settings.
func (i Infer) Validate() error {
	if i.Input == "" {
		return fmt.Errorf("config: infer: input is required")
	}
	if i.Ckpt == "" && i.Model == "" {
		return fmt.Errorf("config: infer: please provide the folder path of either checkpoint or savedmodel")
	}
	if i.Ckpt != "" && i.Model != "" {
		return fmt.Errorf("config: infer: ckpt and mdl are mutually exclusive")
	}
	if i.Out == "" {
		return fmt.Errorf("config: infer: out is required")
	}
	return nil
}

// Validate checks the server settings.
func (s Serve) Validate() error {
	if s.Addr == "" {
		return fmt.Errorf("config: serve: addr is required")
	}
	if len(s.Models) == 0 {
		return fmt.Errorf("config: serve: at least one model is required")
	}
	for name, dir := range s.Models {
		if name == "" || dir == "" {
			return fmt.Errorf("config: serve: model entries need a name and a directory")
		}
	}
	if s.DefaultFilter != "" {
		if _, ok := s.Models[s.DefaultFilter]; !ok {
			return fmt.Errorf("config: serve: default_filter %q not found in models", s.DefaultFilter)
		}
	}
	if s.PoolSize <= 0 {
		return fmt.Errorf("config: serve: pool_size must be positive, got %d", s.PoolSize)
	}
	return nil
}

// ModelNames returns the configured filter names in a stable order.
func (s Serve) ModelNames() []string {
	names := make([]string, 0, len(s.Models))
	for name := range s.Models {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// scriptDir is the directory holding the running binary.
func scriptDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}
