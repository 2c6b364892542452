// Package testutil provides shared test fixtures: synthetic images and
// hand-assembled compute modules.
package testutil

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"testing"
)

// SquareImage returns a black w×h image with a white filled rectangle.
func SquareImage(w, h int, square image.Rectangle) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)
	draw.Draw(img, square, image.NewUniform(color.White), image.Point{}, draw.Src)
	return img
}

// UniformImage returns a w×h image filled with c.
func UniformImage(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(c), image.Point{}, draw.Src)
	return img
}

// EncodePNG encodes img as PNG or fails the test.
func EncodePNG(t testing.TB, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

// SquarePNG is SquareImage encoded as PNG.
func SquarePNG(t testing.TB, w, h int, square image.Rectangle) []byte {
	t.Helper()
	return EncodePNG(t, SquareImage(w, h, square))
}
