// Package overlay renders debug images that mark detected features.
package overlay

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math"

	"github.com/skip2/go-qrcode"
	"golang.org/x/image/draw"
	"golang.org/x/image/vector"

	"github.com/ivlev/img2mind/internal/errors"
	"github.com/ivlev/img2mind/internal/raster"
	"github.com/ivlev/img2mind/internal/target"
)

// circleSegments is the polygon resolution of a marker.
const circleSegments = 24

// minStampSize is the smallest QR code that still scans reliably.
const minStampSize = 42

// Options controls marker appearance.
type Options struct {
	Radius float64    // marker radius in pixels, default 3
	Color  color.RGBA // marker fill, default red
	Stamp  string     // QR payload drawn bottom-right when non-empty
}

// DefaultOptions returns red markers of radius 3.
func DefaultOptions() Options {
	return Options{Radius: 3, Color: color.RGBA{R: 255, A: 255}}
}

// Render draws r with a filled marker at every feature of a and returns
// PNG bytes. Neither r nor a is modified.
func Render(r *raster.Raster, a *target.Artifact, opts Options) ([]byte, error) {
	if r == nil || a == nil {
		return nil, errors.OverlayRender(nil, "missing raster or artifact")
	}
	if r.Area() == 0 || len(r.Pix) != r.Width*r.Height*4 {
		return nil, errors.OverlayRender(nil, "invalid raster %dx%d", r.Width, r.Height)
	}
	if a.Width != r.Width || a.Height != r.Height {
		return nil, errors.OverlayRender(nil, "artifact is %dx%d, raster is %dx%d", a.Width, a.Height, r.Width, r.Height)
	}
	if opts.Radius <= 0 {
		opts.Radius = DefaultOptions().Radius
	}
	if opts.Color == (color.RGBA{}) {
		opts.Color = DefaultOptions().Color
	}

	bounds := image.Rect(0, 0, r.Width, r.Height)
	canvas := image.NewRGBA(bounds)
	draw.Draw(canvas, bounds, r.Image(), image.Point{}, draw.Src)

	if len(a.Features) > 0 {
		z := vector.NewRasterizer(r.Width, r.Height)
		for _, f := range a.Features {
			circle(z, float64(f.X), float64(f.Y), opts.Radius)
		}
		z.Draw(canvas, bounds, image.NewUniform(opts.Color), image.Point{})
	}

	if opts.Stamp != "" {
		if err := stamp(canvas, opts.Stamp); err != nil {
			return nil, errors.OverlayRender(err, "qr stamp")
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, canvas); err != nil {
		return nil, errors.OverlayRender(err, "encode png")
	}
	return buf.Bytes(), nil
}

// circle adds a closed polygon approximating a circle to z.
func circle(z *vector.Rasterizer, cx, cy, radius float64) {
	// Features sit on pixel indices; markers centre on the pixel centre.
	cx += 0.5
	cy += 0.5
	z.MoveTo(float32(cx+radius), float32(cy))
	for i := 1; i < circleSegments; i++ {
		theta := 2 * math.Pi * float64(i) / circleSegments
		z.LineTo(float32(cx+radius*math.Cos(theta)), float32(cy+radius*math.Sin(theta)))
	}
	z.ClosePath()
}

// stamp draws a QR code of text into the bottom-right corner of canvas.
// Canvases too small for a readable code are left untouched.
func stamp(canvas *image.RGBA, text string) error {
	b := canvas.Bounds()
	size := min(b.Dx(), b.Dy()) / 4
	if size < minStampSize {
		return nil
	}

	q, err := qrcode.New(text, qrcode.Medium)
	if err != nil {
		return err
	}
	code := q.Image(size)

	// go-qrcode grows the image past size when the payload needs it.
	cb := code.Bounds()
	if cb.Dx() > b.Dx() || cb.Dy() > b.Dy() {
		return nil
	}
	at := image.Pt(b.Max.X-cb.Dx(), b.Max.Y-cb.Dy())
	draw.Draw(canvas, image.Rectangle{Min: at, Max: b.Max}, code, cb.Min, draw.Src)
	return nil
}
