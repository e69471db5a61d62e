// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package imageio

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"slices"
	"strings"
)

// ErrNoImages is returned when a directory holds no matching files.
var ErrNoImages = errors.New("imageio: no images found")

// ListImages walks root recursively and returns every file whose name ends
// with suffix, sorted.
func ListImages(root, suffix string) ([]string, error) {
	var paths []string

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), suffix) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("imageio: list %s: %w", root, err)
	}

	if len(paths) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoImages, root)
	}

	slices.Sort(paths)
	return paths, nil
}

// TrimToMultiple drops trailing paths so the count is a multiple of n.
func TrimToMultiple(paths []string, n int) []string {
	if n <= 1 {
		return paths
	}
	return paths[:len(paths)-len(paths)%n]
}
