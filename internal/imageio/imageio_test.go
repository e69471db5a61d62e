// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package imageio

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func checker(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if (x+y)%2 == 0 {
				img.SetRGBA(x, y, color.RGBA{R: 200, G: 10, B: 30, A: 255})
			} else {
				img.SetRGBA(x, y, color.RGBA{R: 5, G: 120, B: 250, A: 255})
			}
		}
	}
	return img
}

func TestCHWRoundTrip(t *testing.T) {
	img := checker(4, 3)

	planes := ToCHW(img)
	require.Len(t, planes, 3*4*3)
	assert.Equal(t, float32(200), planes[0])      // R at (0,0)
	assert.Equal(t, float32(120), planes[12+1])   // G at (1,0)
	assert.Equal(t, float32(30), planes[24+2*4+0]) // B at (0,2)

	back, err := FromCHW(planes, 3, 4)
	require.NoError(t, err)
	assert.Equal(t, img.Pix, back.Pix)
}

func TestFromCHWClips(t *testing.T) {
	data := []float32{-20, 300, 127.6}
	img, err := FromCHW(data, 1, 1)
	require.NoError(t, err)

	px := img.RGBAAt(0, 0)
	assert.Equal(t, uint8(0), px.R)
	assert.Equal(t, uint8(255), px.G)
	assert.Equal(t, uint8(128), px.B)
	assert.Equal(t, uint8(255), px.A)

	_, err = FromCHW(data, 2, 2)
	assert.Error(t, err)
}

func TestBatch(t *testing.T) {
	size := Size{Height: 3, Width: 4}
	data, err := Batch([]*image.RGBA{checker(4, 3), checker(4, 3)}, size)
	require.NoError(t, err)
	assert.Len(t, data, 2*3*3*4)

	_, err = Batch([]*image.RGBA{checker(5, 3)}, size)
	assert.Error(t, err)
}

func TestSaveAndRead(t *testing.T) {
	dir := t.TempDir()
	img := checker(8, 6)

	for _, name := range []string{"a.png", "b.jpg", "c.bmp"} {
		path := filepath.Join(dir, name)
		require.NoError(t, Save(path, img))

		got, err := Read(path, nil)
		require.NoError(t, err, name)
		assert.Equal(t, img.Bounds(), got.Bounds(), name)

		resized, err := Read(path, &Size{Height: 3, Width: 4})
		require.NoError(t, err, name)
		assert.Equal(t, 4, resized.Bounds().Dx(), name)
		assert.Equal(t, 3, resized.Bounds().Dy(), name)
	}

	png, err := Read(filepath.Join(dir, "a.png"), nil)
	require.NoError(t, err)
	assert.Equal(t, img.Pix, png.Pix, "png is lossless")
}

func TestReadRejectsNonImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.jpg")
	require.NoError(t, os.WriteFile(path, []byte("definitely not a jpeg"), 0o600))

	_, err := Read(path, nil)
	assert.ErrorIs(t, err, ErrNotImage)
}

func TestListImages(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "nested")
	require.NoError(t, os.MkdirAll(sub, 0o750))

	for _, p := range []string{
		filepath.Join(root, "b.jpg"),
		filepath.Join(root, "a.jpg"),
		filepath.Join(sub, "c.jpg"),
		filepath.Join(root, "skip.png"),
	} {
		require.NoError(t, os.WriteFile(p, nil, 0o600))
	}

	paths, err := ListImages(root, "jpg")
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(root, "a.jpg"),
		filepath.Join(root, "b.jpg"),
		filepath.Join(sub, "c.jpg"),
	}, paths)

	_, err = ListImages(sub, "png")
	assert.ErrorIs(t, err, ErrNoImages)
}

func TestTrimToMultiple(t *testing.T) {
	paths := []string{"1", "2", "3", "4", "5"}

	assert.Equal(t, paths, TrimToMultiple(paths, 1))
	assert.Equal(t, []string{"1", "2", "3", "4"}, TrimToMultiple(paths, 2))
	assert.Equal(t, []string{"1", "2", "3"}, TrimToMultiple(paths, 3))
	assert.Empty(t, TrimToMultiple(paths, 8))
}

func TestDataURL(t *testing.T) {
	img := checker(5, 4)

	url, err := EncodePNGDataURL(img)
	require.NoError(t, err)
	assert.Contains(t, url, "data:image/png;base64,")

	got, err := DecodeDataURL(url)
	require.NoError(t, err)
	assert.Equal(t, img.Pix, got.Pix)

	_, err = DecodeDataURL("data:image/jpeg;base64,")
	assert.ErrorIs(t, err, ErrEmptyData)

	_, err = DecodeDataURL("data:image/png;base64,aGVsbG8=")
	assert.ErrorIs(t, err, ErrNotImage)

	_, err = DecodeDataURL("data:image/png;base64")
	assert.Error(t, err)
}

func TestSynthetic(t *testing.T) {
	size := Size{Height: 12, Width: 16}

	a := Synthetic(3, size, 7)
	b := Synthetic(3, size, 7)
	c := Synthetic(3, size, 8)

	require.Len(t, a, 3)
	assert.Equal(t, 16, a[0].Bounds().Dx())
	assert.Equal(t, 12, a[0].Bounds().Dy())
	assert.Equal(t, a[1].Pix, b[1].Pix, "same seed, same images")
	assert.NotEqual(t, a[0].Pix, c[0].Pix)
}
