// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
)

// Paths are the file system locations a training run reads and writes.
type Paths struct {
	InputDir   string
	VGGPath    string
	TrainDir   string
	OutputDir  string
	ModelDir   string
	LogDir     string
	StylePath  string
	StyleName  string
	CkptPrefix string
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	expanded, err := homedir.Expand(path)
	if err != nil {
		return "", fmt.Errorf("config: expand %q: %w", path, err)
	}
	return expanded, nil
}

// Resolve derives the run's paths.
//
// Directories left empty fall back to OUTPUT_DIR / LOG_DIR from the
// environment, then to data, output and log next to the binary's parent
// directory. A style image that is not an existing file is looked up in
// input_dir/style_images.
func (t Train) Resolve() (Paths, error) {
	base := filepath.Join(scriptDir(), "..")

	inputDir, err := pick(t.InputDir, "", filepath.Join(base, "data"))
	if err != nil {
		return Paths{}, err
	}
	outputDir, err := pick(t.OutputDir, os.Getenv(EnvOutputDir), filepath.Join(base, "output"))
	if err != nil {
		return Paths{}, err
	}
	logDir, err := pick(t.LogDir, os.Getenv(EnvLogDir), filepath.Join(base, "log"))
	if err != nil {
		return Paths{}, err
	}

	stylePath, err := ExpandPath(t.StyleImage)
	if err != nil {
		return Paths{}, err
	}
	if info, statErr := os.Stat(stylePath); statErr != nil || info.IsDir() {
		stylePath = filepath.Join(inputDir, "style_images", t.StyleImage)
	}
	styleName := strings.TrimSuffix(filepath.Base(stylePath), filepath.Ext(stylePath))

	modelDir := filepath.Join(outputDir, "checkpoint")

	return Paths{
		InputDir:   inputDir,
		VGGPath:    filepath.Join(inputDir, "vgg", t.VGGFile),
		TrainDir:   filepath.Join(inputDir, "train"),
		OutputDir:  outputDir,
		ModelDir:   modelDir,
		LogDir:     logDir,
		StylePath:  stylePath,
		StyleName:  styleName,
		CkptPrefix: filepath.Join(modelDir, styleName+".ckpt"),
	}, nil
}

// pick returns the first non-empty candidate with ~ expanded.
func pick(flagValue, envValue, fallback string) (string, error) {
	for _, v := range []string{flagValue, envValue} {
		if v != "" {
			return ExpandPath(v)
		}
	}
	return fallback, nil
}
