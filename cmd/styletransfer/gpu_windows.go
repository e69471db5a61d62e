//go:build windows

package main

import (
	"context"
	"log/slog"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/webgpu"
	"github.com/born-ml/styletransfer/internal/server"
)

type gpuBackend = *autodiff.Backend[*webgpu.Backend]

// gpuJob is a job that can run on the WebGPU backend.
type gpuJob interface {
	onGPU(ctx context.Context, gpu *webgpu.Backend) error
}

func runOnGPU(ctx context.Context, j job, logger *slog.Logger) (bool, error) {
	g, ok := j.(gpuJob)
	if !ok {
		return false, nil
	}
	gpu, err := webgpu.New()
	if err != nil {
		logger.Warn("failed to create WebGPU backend, falling back to CPU", "error", err)
		return false, nil
	}
	defer gpu.Release()

	logger.Info("using GPU backend", "adapter", gpu.Name())
	return true, g.onGPU(ctx, gpu)
}

func (j trainJob) onGPU(ctx context.Context, gpu *webgpu.Backend) error {
	return runTraining(ctx, j, autodiff.New(gpu))
}

func (j inferJob) onGPU(ctx context.Context, gpu *webgpu.Backend) error {
	return runInference(ctx, j, autodiff.New(gpu))
}

// Pool members share the device and keep separate gradient tapes.
func (j serveJob) onGPU(ctx context.Context, gpu *webgpu.Backend) error {
	return server.Run(ctx, j.cfg, func() gpuBackend { return autodiff.New(gpu) }, j.logger)
}
