package feature

import (
	"context"
	"image"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ivlev/img2mind/internal/module"
	"github.com/ivlev/img2mind/internal/testutil"
)

func loadModule(t *testing.T, wasm []byte) *module.Module {
	t.Helper()
	ctx := context.Background()
	p := module.NewProvider(&module.BytesSource{Name: t.Name(), Data: wasm})
	t.Cleanup(func() { p.Close(ctx) })
	mod, err := p.Acquire(ctx)
	require.NoError(t, err)
	return mod
}

func TestNewExtractor(t *testing.T) {
	tests := []struct {
		variant string
		want    string
		wantErr bool
	}{
		{"", "harris", false},
		{"harris", "harris", false},
		{"wasm", "wasm", false},
		{"sift", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.variant, func(t *testing.T) {
			ex, err := NewExtractor(tt.variant, Options{})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, ex.Name())
		})
	}
}

func TestHarrisFindsSquareCorners(t *testing.T) {
	img := testutil.SquareImage(100, 100, image.Rect(30, 30, 70, 70))
	fs, err := NewHarris(Options{}).Extract(context.Background(), nil, img)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(fs), 4)

	corners := []image.Point{{30, 30}, {69, 30}, {30, 69}, {69, 69}}
	for _, c := range corners {
		found := false
		for _, f := range fs {
			if math.Abs(float64(f.X)-float64(c.X)) <= 5 && math.Abs(float64(f.Y)-float64(c.Y)) <= 5 {
				found = true
				break
			}
		}
		assert.True(t, found, "no feature near corner %v", c)
	}

	for i, f := range fs {
		assert.Len(t, f.Descriptor, DescriptorSize)
		assert.InDelta(t, 1.0, f.Scale, 1e-6)
		assert.LessOrEqual(t, f.Score, float32(1))
		if i > 0 {
			assert.LessOrEqual(t, f.Score, fs[i-1].Score)
		}
	}
}

func TestHarrisDeterministic(t *testing.T) {
	img := testutil.SquareImage(64, 48, image.Rect(10, 8, 40, 30))
	h := NewHarris(Options{})

	a, err := h.Extract(context.Background(), nil, img)
	require.NoError(t, err)
	b, err := h.Extract(context.Background(), nil, img)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestHarrisFlatAndTinyImages(t *testing.T) {
	h := NewHarris(Options{})

	fs, err := h.Extract(context.Background(), nil, testutil.UniformImage(32, 32, image.White.C))
	require.NoError(t, err)
	assert.Empty(t, fs)

	fs, err = h.Extract(context.Background(), nil, testutil.UniformImage(1, 1, image.Black.C))
	require.NoError(t, err)
	assert.Empty(t, fs)
}

func TestHarrisMaxFeatures(t *testing.T) {
	img := testutil.SquareImage(100, 100, image.Rect(30, 30, 70, 70))
	fs, err := NewHarris(Options{MaxFeatures: 2}).Extract(context.Background(), nil, img)
	require.NoError(t, err)
	assert.Len(t, fs, 2)
}

func TestHarrisHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewHarris(Options{}).Extract(ctx, nil, testutil.UniformImage(8, 8, image.Black.C))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLuminanceReadsEveryPixel(t *testing.T) {
	img := testutil.SquareImage(10, 10, image.Rect(2, 2, 8, 8))
	lum := luminance(img, 0)
	require.Len(t, lum, 100)

	assert.InDelta(t, 0, lum[0], 1)
	assert.InDelta(t, 255, lum[5*10+5], 1)
	assert.InDelta(t, 255, lum[2*10+7], 1)
	assert.InDelta(t, 0, lum[9*10+9], 1)
}

func TestDescribeFlatPatch(t *testing.T) {
	lum := make([]float64, 16*16)
	for i := range lum {
		lum[i] = 77
	}
	d := describe(lum, 16, 16, 0, 0)
	require.Len(t, d, DescriptorSize)
	for _, b := range d {
		assert.Equal(t, byte(128), b)
	}
}

func TestWasmExtract(t *testing.T) {
	mod := loadModule(t, testutil.DetectorModule(65536, 1024))
	img := testutil.SquareImage(40, 20, image.Rect(5, 5, 15, 15))

	fs, err := NewWasm(Options{}).Extract(context.Background(), mod, img)
	require.NoError(t, err)
	require.Len(t, fs, 1)
	assert.Equal(t, float32(20), fs[0].X)
	assert.Equal(t, float32(10), fs[0].Y)
	assert.Equal(t, float32(1), fs[0].Scale)
	assert.Equal(t, float32(1), fs[0].Score)
	assert.Len(t, fs[0].Descriptor, DescriptorSize)
}

func TestWasmExtractErrors(t *testing.T) {
	img := testutil.SquareImage(40, 20, image.Rect(5, 5, 15, 15))

	tests := []struct {
		name string
		wasm []byte
	}{
		{"no exports", testutil.EmptyModule()},
		{"input too small", testutil.DetectorModule(16, 1024)},
		{"trap", testutil.TrappingDetectorModule()},
		{"output overflow", testutil.OverflowingDetectorModule(8)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mod := loadModule(t, tt.wasm)
			_, err := NewWasm(Options{}).Extract(context.Background(), mod, img)
			assert.Error(t, err)
		})
	}

	_, err := NewWasm(Options{}).Extract(context.Background(), nil, img)
	assert.Error(t, err)
}

func TestPackedCopiesSubImage(t *testing.T) {
	img := testutil.SquareImage(6, 4, image.Rect(0, 0, 1, 1))
	sub := img.SubImage(image.Rect(2, 1, 5, 3)).(*image.RGBA)
	pix := packed(sub)
	assert.Len(t, pix, 3*2*4)
	assert.Equal(t, img.Pix[img.PixOffset(2, 1):img.PixOffset(5, 1)], pix[:12])
}
