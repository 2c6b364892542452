package feature

import (
	"context"
	"image"
	"math"

	"github.com/anthonynsimon/bild/blur"
	"github.com/anthonynsimon/bild/effect"
	"gonum.org/v1/gonum/stat"

	"github.com/ivlev/img2mind/internal/module"
)

// Harris detects corners with the Harris-Stephens response on a blurred
// luminance image. It runs on the host and does not call into the module.
type Harris struct {
	opts Options
}

// NewHarris creates a Harris extractor.
func NewHarris(opts Options) *Harris {
	return &Harris{opts: opts.withDefaults()}
}

func (h *Harris) Name() string { return "harris" }

// Extract finds corners in img
func (h *Harris) Extract(ctx context.Context, mod *module.Module, img *image.RGBA) ([]Feature, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	w, hgt := img.Bounds().Dx(), img.Bounds().Dy()
	// The gradient and window passes need a 2px margin on every side.
	if w < 5 || hgt < 5 {
		return nil, nil
	}

	lum := luminance(img, h.opts.BlurRadius)

	// Step 1: Sobel gradients
	ix, iy := sobel(lum, w, hgt)

	// Step 2: Harris response over a 3x3 window
	resp, maxR := harrisResponse(ix, iy, w, hgt, h.opts.K)
	if maxR <= 0 {
		return nil, nil
	}

	// Step 3: threshold and 3x3 non-maximum suppression
	threshold := h.opts.Threshold * maxR
	var features []Feature
	for y := 2; y < hgt-2; y++ {
		for x := 2; x < w-2; x++ {
			i := y*w + x
			r := resp[i]
			if r <= 0 || r < threshold || !isLocalMax(resp, w, x, y) {
				continue
			}
			features = append(features, Feature{
				X:          float32(x),
				Y:          float32(y),
				Scale:      1,
				Score:      float32(r / maxR),
				Descriptor: describe(lum, w, hgt, x, y),
			})
		}
	}

	return sortFeatures(features, h.opts.MaxFeatures), nil
}

// luminance blurs img and returns its grayscale values row-major. bild's
// grayscale output is RGBA with equal channels, so R is read per pixel.
func luminance(img *image.RGBA, radius float64) []float64 {
	var src image.Image = img
	if radius > 0 {
		src = blur.Gaussian(img, radius)
	}
	gray := effect.Grayscale(src)

	b := gray.Bounds()
	w, h := b.Dx(), b.Dy()
	lum := make([]float64, w*h)
	for y := 0; y < h; y++ {
		row := gray.Pix[gray.PixOffset(b.Min.X, b.Min.Y+y):]
		for x := 0; x < w; x++ {
			lum[y*w+x] = float64(row[x*4])
		}
	}
	return lum
}

// sobel applies the Sobel operator, leaving a zero border
func sobel(lum []float64, w, h int) (ix, iy []float64) {
	gx := [3][3]float64{
		{-1, 0, 1},
		{-2, 0, 2},
		{-1, 0, 1},
	}
	gy := [3][3]float64{
		{-1, -2, -1},
		{0, 0, 0},
		{1, 2, 1},
	}

	ix = make([]float64, w*h)
	iy = make([]float64, w*h)
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			var sumX, sumY float64
			for ky := -1; ky <= 1; ky++ {
				for kx := -1; kx <= 1; kx++ {
					p := lum[(y+ky)*w+x+kx]
					sumX += p * gx[ky+1][kx+1]
					sumY += p * gy[ky+1][kx+1]
				}
			}
			ix[y*w+x] = sumX
			iy[y*w+x] = sumY
		}
	}
	return ix, iy
}

func harrisResponse(ix, iy []float64, w, h int, k float64) ([]float64, float64) {
	resp := make([]float64, w*h)
	maxR := 0.0
	for y := 2; y < h-2; y++ {
		for x := 2; x < w-2; x++ {
			var sxx, syy, sxy float64
			for ky := -1; ky <= 1; ky++ {
				for kx := -1; kx <= 1; kx++ {
					i := (y+ky)*w + x + kx
					sxx += ix[i] * ix[i]
					syy += iy[i] * iy[i]
					sxy += ix[i] * iy[i]
				}
			}
			trace := sxx + syy
			r := sxx*syy - sxy*sxy - k*trace*trace
			resp[y*w+x] = r
			if r > maxR {
				maxR = r
			}
		}
	}
	return resp, maxR
}

// isLocalMax reports whether (x, y) beats its 8 neighbours. Ties go to the
// earlier pixel in row-major order so plateaus yield exactly one point.
func isLocalMax(resp []float64, w, x, y int) bool {
	i := y*w + x
	r := resp[i]
	for ky := -1; ky <= 1; ky++ {
		for kx := -1; kx <= 1; kx++ {
			if kx == 0 && ky == 0 {
				continue
			}
			j := (y+ky)*w + x + kx
			if resp[j] > r || (resp[j] == r && j < i) {
				return false
			}
		}
	}
	return true
}

// describe samples the 8x8 patch around (cx, cy), clamped at the borders,
// and quantizes it after zero-mean unit-variance normalization.
func describe(lum []float64, w, h, cx, cy int) []byte {
	patch := make([]float64, 0, DescriptorSize)
	for dy := -4; dy < 4; dy++ {
		y := clamp(cy+dy, 0, h-1)
		for dx := -4; dx < 4; dx++ {
			x := clamp(cx+dx, 0, w-1)
			patch = append(patch, lum[y*w+x])
		}
	}

	desc := make([]byte, DescriptorSize)
	mean, std := stat.MeanStdDev(patch, nil)
	if std == 0 || math.IsNaN(std) {
		for i := range desc {
			desc[i] = 128
		}
		return desc
	}
	for i, v := range patch {
		q := math.Round(128 + 40*(v-mean)/std)
		desc[i] = byte(clamp(int(q), 0, 255))
	}
	return desc
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
