// Package raster decodes image files into fixed RGBA pixel buffers.
package raster

import (
	"bytes"
	"context"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/ivlev/img2mind/internal/errors"
	"github.com/ivlev/img2mind/internal/system"
)

// Raster is a decoded image: row-major RGBA, 4 bytes per pixel, stride
// Width*4, so len(Pix) == Width*Height*4.
type Raster struct {
	Width  int
	Height int
	Pix    []byte

	img *image.RGBA // pooled backing image, nil when Pix is caller-owned
}

// Image views r as an *image.RGBA sharing the pixel buffer.
func (r *Raster) Image() *image.RGBA {
	if r.img != nil {
		return r.img
	}
	return &image.RGBA{
		Pix:    r.Pix,
		Stride: r.Width * 4,
		Rect:   image.Rect(0, 0, r.Width, r.Height),
	}
}

// Area is Width*Height, or 0 when either dimension is not positive.
func (r *Raster) Area() int {
	if r.Width <= 0 || r.Height <= 0 {
		return 0
	}
	return r.Width * r.Height
}

// FromImage copies img into a new Raster anchored at the origin.
func FromImage(img image.Image) *Raster {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return &Raster{Width: b.Dx(), Height: b.Dy(), Pix: dst.Pix}
}

// Info describes an encoded image without decoding its pixels.
type Info struct {
	Format string
	Width  int
	Height int
}

// DecodeConfig reads the format and dimensions of data.
func DecodeConfig(data []byte) (Info, error) {
	if len(data) == 0 {
		return Info{}, errors.Decode(nil, "empty image data")
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Info{}, errors.Decode(err, "read image header")
	}
	return Info{Format: format, Width: cfg.Width, Height: cfg.Height}, nil
}

// Normalizer decodes images into pooled rasters.
type Normalizer struct {
	// MaxPixels rejects images above this area before decoding. 0 disables
	// the check.
	MaxPixels int

	pool *system.ImagePool
}

// NewNormalizer returns a Normalizer drawing buffers from pool. A nil pool
// allocates a fresh buffer per image.
func NewNormalizer(pool *system.ImagePool, maxPixels int) *Normalizer {
	return &Normalizer{MaxPixels: maxPixels, pool: pool}
}

// Normalize decodes data at its natural size. No resampling is done.
func Normalize(ctx context.Context, data []byte) (*Raster, error) {
	return (&Normalizer{}).Normalize(ctx, data)
}

// Normalize decodes data at its natural size into an RGBA raster. Failures
// are decode errors local to this image.
func (n *Normalizer) Normalize(ctx context.Context, data []byte) (*Raster, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info, err := DecodeConfig(data)
	if err != nil {
		return nil, err
	}
	if n.MaxPixels > 0 && info.Width*info.Height > n.MaxPixels {
		return nil, errors.Decode(nil, "%s image %dx%d exceeds %d pixels", info.Format, info.Width, info.Height, n.MaxPixels)
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Decode(err, "decode %s image", info.Format)
	}

	b := src.Bounds()
	rect := image.Rect(0, 0, b.Dx(), b.Dy())

	var dst *image.RGBA
	if n.pool != nil {
		dst = n.pool.Get(rect)
	} else {
		dst = image.NewRGBA(rect)
	}
	draw.Draw(dst, rect, src, b.Min, draw.Src)

	r := &Raster{Width: rect.Dx(), Height: rect.Dy(), Pix: dst.Pix}
	if n.pool != nil {
		r.img = dst
	}
	return r, nil
}

// Release returns a pooled raster's buffer. r must not be used afterwards.
func (n *Normalizer) Release(r *Raster) {
	if r == nil || r.img == nil || n.pool == nil {
		return
	}
	n.pool.Put(r.img)
	r.img = nil
	r.Pix = nil
}
