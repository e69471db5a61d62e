// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package imageio

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"strings"

	"github.com/anthonynsimon/bild/imgio"
	"github.com/h2non/filetype"
)

// ErrEmptyData is returned when a data URL carries no payload.
var ErrEmptyData = errors.New("imageio: empty image data")

// DecodeDataURL decodes a "data:image/...;base64," URL or a bare base64
// payload into an image.
func DecodeDataURL(s string) (*image.RGBA, error) {
	payload := s
	if strings.HasPrefix(payload, "data:") {
		comma := strings.IndexByte(payload, ',')
		if comma < 0 {
			return nil, fmt.Errorf("imageio: malformed data url")
		}
		payload = payload[comma+1:]
	}
	if payload == "" {
		return nil, ErrEmptyData
	}

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("imageio: decode base64: %w", err)
	}
	if !filetype.IsImage(raw) {
		return nil, ErrNotImage
	}

	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("imageio: decode image: %w", err)
	}

	return ToRGBA(img), nil
}

// EncodePNGDataURL encodes img as a "data:image/png;base64," URL.
func EncodePNGDataURL(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := imgio.PNGEncoder()(&buf, img); err != nil {
		return "", fmt.Errorf("imageio: encode png: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
