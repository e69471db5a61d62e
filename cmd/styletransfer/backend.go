package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/tensor"
	"github.com/born-ml/styletransfer/internal/config"
	"github.com/born-ml/styletransfer/internal/device"
	"github.com/born-ml/styletransfer/internal/export"
	"github.com/born-ml/styletransfer/internal/infer"
	"github.com/born-ml/styletransfer/internal/server"
	"github.com/born-ml/styletransfer/internal/train"
)

// cpuBackend is the CPU backend with gradient recording.
type cpuBackend = *autodiff.Backend[*cpu.Backend]

// job is a command body that can run on any backend. Jobs also implement
// the GPU hook on platforms with a GPU backend.
type job interface {
	onCPU(ctx context.Context, b cpuBackend) error
}

// runJob runs j on the backend selected for gpuID, falling back to the CPU.
func runJob(ctx context.Context, gpuID int, j job, logger *slog.Logger) error {
	if device.Select(gpuID, logger) == device.WebGPU {
		if handled, err := runOnGPU(ctx, j, logger); handled {
			return err
		}
	}
	logger.Debug("using CPU backend")
	return j.onCPU(ctx, autodiff.New(cpu.New()))
}

type trainJob struct {
	cfg    config.Train
	logger *slog.Logger
}

func (j trainJob) onCPU(ctx context.Context, b cpuBackend) error { return runTraining(ctx, j, b) }

func runTraining[B train.Backend](ctx context.Context, j trainJob, backend B) error {
	t, err := train.New(j.cfg, backend, train.Options{Logger: j.logger})
	if err != nil {
		return err
	}
	res, err := t.Run(ctx)
	if err != nil {
		return err
	}
	j.logger.Info(fmt.Sprintf("training finished after %d steps", res.Steps), "loss", res.Loss, "checkpoint", res.Checkpoint)
	return nil
}

type exportJob struct {
	cfg    config.Export
	logger *slog.Logger
}

func (j exportJob) onCPU(ctx context.Context, b cpuBackend) error { return runExporting(ctx, j, b) }

func runExporting[B tensor.Backend](_ context.Context, j exportJob, backend B) error {
	sig, err := export.Export(j.cfg, backend, j.logger)
	if err != nil {
		return err
	}
	j.logger.Info("exported saved model", "dir", j.cfg.ExportDir, "inputs", sig.Inputs.Shape, "step", sig.Step)
	return nil
}

type inferJob struct {
	cfg    config.Infer
	logger *slog.Logger
}

func (j inferJob) onCPU(ctx context.Context, b cpuBackend) error { return runInference(ctx, j, b) }

func runInference[B tensor.Backend](_ context.Context, j inferJob, backend B) error {
	return infer.Run(j.cfg, backend, j.logger)
}

type serveJob struct {
	cfg    config.Serve
	logger *slog.Logger
}

func (j serveJob) onCPU(ctx context.Context, _ cpuBackend) error {
	return server.Run(ctx, j.cfg, func() cpuBackend { return autodiff.New(cpu.New()) }, j.logger)
}
