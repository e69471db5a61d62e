//go:build !windows

package main

import (
	"context"
	"log/slog"
)

// runOnGPU reports that no GPU backend is built for this platform.
func runOnGPU(context.Context, job, *slog.Logger) (bool, error) {
	return false, nil
}
