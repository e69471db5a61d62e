package main

import (
	"bytes"
	"context"
	"flag"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCommands(t *testing.T) {
	tests := []struct {
		name   string
		args   []string
		code   int
		stdout string
		stderr string
	}{
		{"no args", nil, 2, "", "Usage:"},
		{"version", []string{"version"}, 0, "styletransfer " + version, ""},
		{"help", []string{"help"}, 0, "Commands:", ""},
		{"unknown", []string{"paint"}, 2, "", `unknown command "paint"`},
		{"export bad flag", []string{"export", "--nope"}, 2, "", "flag provided but not defined"},
		{"infer needs model", []string{"infer", "-i", "x.jpg"}, 1, "", "either checkpoint or savedmodel"},
		{"serve needs models", []string{"serve"}, 1, "", "at least one model"},
		{"bad log level", []string{"export", "--log_level", "loud", "--ckpt_dir", "x"}, 1, "", "invalid --log_level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			code := run(context.Background(), tt.args, &stdout, &stderr)
			assert.Equal(t, tt.code, code, stderr.String())
			assert.Contains(t, stdout.String(), tt.stdout)
			assert.Contains(t, stderr.String(), tt.stderr)
		})
	}
}

func TestExportWithoutCheckpoint(t *testing.T) {
	dir := t.TempDir()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{
		"export", "--ckpt_dir", dir, "--export_dir", filepath.Join(dir, "export"),
	}, &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "found no checkpoint in "+dir)
}

func TestConfigFileAndFlags(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("export:\n  ckpt_dir: "+dir+"\n  height: 64\n"), 0o644))

	c, file, err := prepare([]string{"--config=" + path})
	require.NoError(t, err)
	assert.Equal(t, path, c.configPath)
	assert.Equal(t, dir, file.Export.CkptDir)
	assert.Equal(t, 64, file.Export.Height)
	assert.Equal(t, 320, file.Export.Width)
}

func TestLookupFlag(t *testing.T) {
	args := []string{"-i", "in.jpg", "--config", "a.yaml", "--env=.env.local", "--", "--config", "b.yaml"}
	assert.Equal(t, "a.yaml", lookupFlag(args, "config"))
	assert.Equal(t, ".env.local", lookupFlag(args, "env"))
	assert.Equal(t, "in.jpg", lookupFlag(args, "i"))
	assert.Empty(t, lookupFlag(args, "out"))
}

func TestParseLenient(t *testing.T) {
	fs := flag.NewFlagSet("train", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	batch := fs.Int("batch_size", 1, "")
	lr := fs.Float64("lr", 1e-3, "")

	unknown, err := parseLenient(fs, []string{
		"--batch_size", "4", "--checkpoint_iterations", "100", "--verbose", "--lr=0.01", "--old=1",
	})
	require.NoError(t, err)
	assert.Equal(t, 4, *batch)
	assert.InDelta(t, 0.01, *lr, 1e-9)
	assert.Equal(t, []string{"--checkpoint_iterations 100", "--verbose", "--old=1"}, unknown)

	_, err = parseLenient(fs, []string{"--batch_size", "four"})
	assert.ErrorIs(t, err, errUsage)
}

func TestModelFlag(t *testing.T) {
	m := modelFlag{}
	require.NoError(t, m.Set("wave=export/wave"))
	require.NoError(t, m.Set("mosaic=export/mosaic"))
	assert.Equal(t, "mosaic=export/mosaic,wave=export/wave", m.String())
	assert.Error(t, m.Set("wave"))
	assert.Error(t, m.Set("=dir"))
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, "warn")
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}
