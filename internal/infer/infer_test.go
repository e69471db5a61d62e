// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package infer

import (
	"bytes"
	"context"
	"errors"
	"image"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/styletransfer/internal/checkpoint"
	"github.com/born-ml/styletransfer/internal/config"
	"github.com/born-ml/styletransfer/internal/export"
	"github.com/born-ml/styletransfer/internal/imageio"
	"github.com/born-ml/styletransfer/internal/stylenet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testBackend = *autodiff.Backend[*cpu.Backend]

// trained writes a checkpoint and an 8x12 export of it under root.
func trained(t *testing.T, root string) (ckptDir, exportDir string) {
	t.Helper()
	b := autodiff.New(cpu.New())
	ckptDir = filepath.Join(root, "models")
	exportDir = filepath.Join(root, "export")

	saver := checkpoint.NewSaver[testBackend](filepath.Join(ckptDir, "wave.ckpt"), stylenet.ModelType, 1, nil)
	_, err := saver.Save(checkpoint.Meta{Step: 2, Style: "wave"}, stylenet.New(5, b), nil)
	require.NoError(t, err)

	cfg := config.DefaultExport()
	cfg.CkptDir = ckptDir
	cfg.ExportDir = exportDir
	cfg.Height, cfg.Width = 8, 12
	_, err = export.Export(cfg, b, nil)
	require.NoError(t, err)
	return ckptDir, exportDir
}

func TestFromCheckpoint(t *testing.T) {
	ckptDir, _ := trained(t, t.TempDir())
	b := autodiff.New(cpu.New())

	st, err := FromCheckpoint(ckptDir, b)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(ckptDir, "wave.ckpt-2"), st.Path())
	assert.Equal(t, "wave", st.Meta().Style)

	tests := []struct {
		name string
		size imageio.Size
	}{
		{"aligned", imageio.Size{Height: 8, Width: 12}},
		{"unaligned", imageio.Size{Height: 10, Width: 13}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img := imageio.Synthetic(1, tt.size, 2)[0]
			out, err := st.Stylize(img)
			require.NoError(t, err)
			assert.Equal(t, img.Bounds(), out.Bounds())
			assert.Equal(t, 0, b.Tape().NumOps())
		})
	}

	_, err = st.Stylize(image.NewRGBA(image.Rect(0, 0, 3, 8)))
	assert.ErrorContains(t, err, "smaller than 4x4")

	_, err = FromCheckpoint(t.TempDir(), b)
	assert.ErrorIs(t, err, checkpoint.ErrNoCheckpoint)
}

func TestFromSavedModel(t *testing.T) {
	ckptDir, exportDir := trained(t, t.TempDir())
	b := autodiff.New(cpu.New())

	sm, err := FromSavedModel(exportDir, b)
	require.NoError(t, err)
	assert.Equal(t, imageio.Size{Height: 8, Width: 12}, sm.Signature().Size())

	img := imageio.Synthetic(1, imageio.Size{Height: 30, Width: 40}, 4)[0]
	out, err := sm.Stylize(img)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 12, 8), out.Bounds())

	// Same weights at the same size give the same pixels.
	ck, err := FromCheckpoint(ckptDir, b)
	require.NoError(t, err)
	want, err := ck.Stylize(imageio.Resize(img, imageio.Size{Height: 8, Width: 12}))
	require.NoError(t, err)
	assert.Equal(t, want.Pix, out.Pix)

	_, err = FromSavedModel(t.TempDir(), b)
	assert.Error(t, err)
}

func TestRun(t *testing.T) {
	root := t.TempDir()
	ckptDir, exportDir := trained(t, root)
	b := autodiff.New(cpu.New())

	input := filepath.Join(root, "photo.png")
	require.NoError(t, imageio.Save(input, imageio.Synthetic(1, imageio.Size{Height: 16, Width: 20}, 9)[0]))

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	fromCkpt := filepath.Join(root, "ckpt.png")
	require.NoError(t, Run(config.Infer{Input: input, GPU: -1, Ckpt: ckptDir, Out: fromCkpt}, b, logger))
	got, err := imageio.Read(fromCkpt, nil)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 20, 16), got.Bounds())

	fromModel := filepath.Join(root, "mdl.png")
	require.NoError(t, Run(config.Infer{Input: input, GPU: -1, Model: exportDir, Out: fromModel}, b, logger))
	got, err = imageio.Read(fromModel, nil)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 12, 8), got.Bounds())

	assert.Contains(t, logs.String(), "saved the stylized image to "+fromModel)

	err = Run(config.Infer{Input: input, Out: fromModel}, b, logger)
	assert.ErrorContains(t, err, "either checkpoint or savedmodel")
}

// countingStylizer records the peak number of concurrent calls.
type countingStylizer struct {
	active *atomic.Int32
	peak   *atomic.Int32
}

func (c countingStylizer) Stylize(img image.Image) (*image.RGBA, error) {
	n := c.active.Add(1)
	defer c.active.Add(-1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	return imageio.ToRGBA(img), nil
}

func TestPoolLimitsConcurrency(t *testing.T) {
	var active, peak atomic.Int32
	pool, err := NewPool(2, func() (Stylizer, error) {
		return countingStylizer{active: &active, peak: &peak}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, pool.Size())

	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := pool.Stylize(context.Background(), img)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Positive(t, peak.Load())
}

// blockingStylizer waits until release is closed.
type blockingStylizer struct{ release chan struct{} }

func (b blockingStylizer) Stylize(img image.Image) (*image.RGBA, error) {
	<-b.release
	return imageio.ToRGBA(img), nil
}

func TestPoolContextCancel(t *testing.T) {
	release := make(chan struct{})
	pool, err := NewPool(1, func() (Stylizer, error) { return blockingStylizer{release: release}, nil })
	require.NoError(t, err)

	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = pool.Stylize(context.Background(), img)
	}()

	// Wait for the only stylizer to be taken.
	require.Eventually(t, func() bool { return len(pool.free) == 0 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = pool.Stylize(ctx, img)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	<-done
	_, err = pool.Stylize(context.Background(), img)
	assert.NoError(t, err)
}

func TestNewPoolErrors(t *testing.T) {
	_, err := NewPool(0, nil)
	assert.Error(t, err)

	boom := errors.New("boom")
	_, err = NewPool(2, func() (Stylizer, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)
}
