// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package checkpoint saves and restores training state.
//
// A checkpoint is identified by its path prefix <dir>/<name>-<step>. The
// model is stored at <prefix>.born and the optimizer moments at
// <prefix>.optim.born, both in the framework's .born format. A YAML index
// file named "checkpoint" in the directory records the latest checkpoint
// and every checkpoint still kept on disk.
package checkpoint

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// IndexFile is the name of the index in a checkpoint directory.
const IndexFile = "checkpoint"

// File suffixes of a checkpoint prefix.
const (
	ModelSuffix = ".born"
	OptimSuffix = ".optim.born"
)

// ErrNoCheckpoint is returned when a directory holds no checkpoint.
var ErrNoCheckpoint = errors.New("checkpoint: no checkpoint found")

// State is the content of the index file.
type State struct {
	ModelCheckpointPath     string   `yaml:"model_checkpoint_path"`
	AllModelCheckpointPaths []string `yaml:"all_model_checkpoint_paths"`
}

// ReadState reads the index of dir. It returns nil and no error when dir
// has no index. Relative paths are resolved against dir.
func ReadState(dir string) (*State, error) {
	data, err := os.ReadFile(filepath.Join(dir, IndexFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: read index: %w", err)
	}

	var st State
	if err := yaml.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("checkpoint: parse index %s: %w", filepath.Join(dir, IndexFile), err)
	}
	if st.ModelCheckpointPath == "" {
		return nil, nil
	}

	st.ModelCheckpointPath = resolve(dir, st.ModelCheckpointPath)
	for i, p := range st.AllModelCheckpointPaths {
		st.AllModelCheckpointPaths[i] = resolve(dir, p)
	}
	return &st, nil
}

// Latest returns the prefix of the latest checkpoint in dir, or
// ErrNoCheckpoint.
func Latest(dir string) (string, error) {
	st, err := ReadState(dir)
	if err != nil {
		return "", err
	}
	if st == nil {
		return "", fmt.Errorf("%w in %s", ErrNoCheckpoint, dir)
	}
	if _, err := os.Stat(st.ModelCheckpointPath + ModelSuffix); err != nil {
		return "", fmt.Errorf("checkpoint: latest %s: %w", st.ModelCheckpointPath, err)
	}
	return st.ModelCheckpointPath, nil
}

func writeState(dir string, st *State) error {
	rel := State{ModelCheckpointPath: relative(dir, st.ModelCheckpointPath)}
	for _, p := range st.AllModelCheckpointPaths {
		rel.AllModelCheckpointPaths = append(rel.AllModelCheckpointPaths, relative(dir, p))
	}

	data, err := yaml.Marshal(&rel)
	if err != nil {
		return fmt.Errorf("checkpoint: encode index: %w", err)
	}

	tmp := filepath.Join(dir, IndexFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("checkpoint: write index: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, IndexFile)); err != nil {
		return fmt.Errorf("checkpoint: write index: %w", err)
	}
	return nil
}

func resolve(dir, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

func relative(dir, p string) string {
	if rel, err := filepath.Rel(dir, p); err == nil {
		return rel
	}
	return p
}

// Meta is the training progress stored with a checkpoint.
type Meta struct {
	Step  int
	Epoch int
	Loss  float32
	Style string
}

func (m Meta) encode() map[string]string {
	return map[string]string{
		"step":  strconv.Itoa(m.Step),
		"epoch": strconv.Itoa(m.Epoch),
		"loss":  strconv.FormatFloat(float64(m.Loss), 'g', -1, 32),
		"style": m.Style,
	}
}

func decodeMeta(md map[string]string) (Meta, error) {
	var (
		m   Meta
		err error
	)
	m.Style = md["style"]
	if v, ok := md["step"]; ok {
		if m.Step, err = strconv.Atoi(v); err != nil {
			return m, fmt.Errorf("checkpoint: bad step %q", v)
		}
	}
	if v, ok := md["epoch"]; ok {
		if m.Epoch, err = strconv.Atoi(v); err != nil {
			return m, fmt.Errorf("checkpoint: bad epoch %q", v)
		}
	}
	if v, ok := md["loss"]; ok {
		f, err := strconv.ParseFloat(v, 32)
		if err != nil {
			return m, fmt.Errorf("checkpoint: bad loss %q", v)
		}
		m.Loss = float32(f)
	}
	return m, nil
}

// Stateful is an optimizer whose state can be saved.
type Stateful interface {
	StateDict() map[string]*tensor.RawTensor
	LoadStateDict(map[string]*tensor.RawTensor) error
}

// optimModule lets an optimizer state travel through nn.Save and nn.Load.
type optimModule[B tensor.Backend] struct {
	opt Stateful
}

func (o optimModule[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	return x
}

func (o optimModule[B]) Parameters() []*nn.Parameter[B] { return nil }

func (o optimModule[B]) StateDict() map[string]*tensor.RawTensor { return o.opt.StateDict() }

func (o optimModule[B]) LoadStateDict(state map[string]*tensor.RawTensor) error {
	return o.opt.LoadStateDict(state)
}

// Saver writes numbered checkpoints under a path prefix and keeps at most
// MaxToKeep of them. MaxToKeep <= 0 keeps all.
type Saver[B tensor.Backend] struct {
	Prefix    string
	MaxToKeep int
	ModelType string
	Logger    *slog.Logger
}

// NewSaver returns a saver writing <prefix>-<step> checkpoints.
func NewSaver[B tensor.Backend](prefix, modelType string, maxToKeep int, logger *slog.Logger) *Saver[B] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Saver[B]{Prefix: prefix, MaxToKeep: maxToKeep, ModelType: modelType, Logger: logger}
}

// Dir returns the checkpoint directory.
func (s *Saver[B]) Dir() string {
	return filepath.Dir(s.Prefix)
}

// Path returns the checkpoint prefix for step.
func (s *Saver[B]) Path(step int) string {
	return fmt.Sprintf("%s-%d", s.Prefix, step)
}

// Save writes model and, when non-nil, opt as the checkpoint for meta.Step
// and updates the index. It returns the checkpoint prefix.
func (s *Saver[B]) Save(meta Meta, model nn.Module[B], opt Stateful) (string, error) {
	dir := s.Dir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("checkpoint: %w", err)
	}

	path := s.Path(meta.Step)
	if err := nn.Save(model, path+ModelSuffix, s.ModelType, meta.encode()); err != nil {
		return "", fmt.Errorf("checkpoint: save model: %w", err)
	}
	if opt != nil && len(opt.StateDict()) > 0 {
		om := optimModule[B]{opt: opt}
		if err := nn.Save[B](om, path+OptimSuffix, "AdamState", meta.encode()); err != nil {
			return "", fmt.Errorf("checkpoint: save optimizer: %w", err)
		}
	}

	st, err := ReadState(dir)
	if err != nil {
		return "", err
	}
	if st == nil {
		st = &State{}
	}

	kept := make([]string, 0, len(st.AllModelCheckpointPaths)+1)
	for _, p := range st.AllModelCheckpointPaths {
		if p != path {
			kept = append(kept, p)
		}
	}
	kept = append(kept, path)

	if s.MaxToKeep > 0 && len(kept) > s.MaxToKeep {
		for _, old := range kept[:len(kept)-s.MaxToKeep] {
			remove(old, s.Logger)
		}
		kept = kept[len(kept)-s.MaxToKeep:]
	}

	st.ModelCheckpointPath = path
	st.AllModelCheckpointPaths = kept
	if err := writeState(dir, st); err != nil {
		return "", err
	}

	size := fileSize(path+ModelSuffix) + fileSize(path+OptimSuffix)
	s.Logger.Info("saved checkpoint", "path", path, "step", meta.Step, "size", humanize.Bytes(uint64(size)))
	return path, nil
}

func remove(path string, logger *slog.Logger) {
	for _, f := range []string{path + ModelSuffix, path + OptimSuffix} {
		if err := os.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn("remove old checkpoint", "path", f, "err", err)
		}
	}
}

func fileSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fi.Size()
}

// Restore loads the checkpoint at prefix path into model and, when opt is
// non-nil and an optimizer file exists, into opt.
func Restore[B tensor.Backend](path string, backend B, model nn.Module[B], opt Stateful) (Meta, error) {
	header, err := nn.Load(path+ModelSuffix, backend, model)
	if err != nil {
		return Meta{}, fmt.Errorf("checkpoint: restore %s: %w", path, err)
	}
	meta, err := decodeMeta(header.Metadata)
	if err != nil {
		return meta, err
	}

	if opt == nil {
		return meta, nil
	}
	if _, err := os.Stat(path + OptimSuffix); errors.Is(err, os.ErrNotExist) {
		return meta, nil
	}
	if _, err := nn.Load[B](path+OptimSuffix, backend, optimModule[B]{opt: opt}); err != nil {
		return meta, fmt.Errorf("checkpoint: restore optimizer %s: %w", path, err)
	}
	return meta, nil
}

// RestoreLatest restores the latest checkpoint of dir. It wraps
// ErrNoCheckpoint when there is none.
func RestoreLatest[B tensor.Backend](dir string, backend B, model nn.Module[B], opt Stateful) (string, Meta, error) {
	path, err := Latest(dir)
	if err != nil {
		return "", Meta{}, err
	}
	meta, err := Restore(path, backend, model, opt)
	return path, meta, err
}
