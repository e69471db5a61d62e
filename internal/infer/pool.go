// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package infer

import (
	"context"
	"fmt"
	"image"
)

// Pool hands a fixed set of stylizers to concurrent callers.
//
// Each stylizer is used by one caller at a time. Callers beyond the pool
// size wait for a free stylizer or for their context to end.
type Pool struct {
	free chan Stylizer
	size int
}

// NewPool builds n stylizers with factory.
func NewPool(n int, factory func() (Stylizer, error)) (*Pool, error) {
	if n <= 0 {
		return nil, fmt.Errorf("infer: pool size must be positive, got %d", n)
	}
	p := &Pool{free: make(chan Stylizer, n), size: n}
	for i := range n {
		st, err := factory()
		if err != nil {
			return nil, fmt.Errorf("infer: pool member %d: %w", i, err)
		}
		p.free <- st
	}
	return p, nil
}

// Size returns the number of stylizers.
func (p *Pool) Size() int { return p.size }

// Stylize runs img through the next free stylizer.
func (p *Pool) Stylize(ctx context.Context, img image.Image) (*image.RGBA, error) {
	var st Stylizer
	select {
	case st = <-p.free:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { p.free <- st }()

	return st.Stylize(img)
}
