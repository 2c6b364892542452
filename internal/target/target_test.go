package target

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"image"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/ivlev/img2mind/internal/errors"
	"github.com/ivlev/img2mind/internal/feature"
	"github.com/ivlev/img2mind/internal/module"
	"github.com/ivlev/img2mind/internal/raster"
	"github.com/ivlev/img2mind/internal/testutil"
)

func loadModule(t *testing.T) *module.Module {
	t.Helper()
	ctx := context.Background()
	p := module.NewProvider(&module.BytesSource{Name: "empty", Data: testutil.EmptyModule()})
	t.Cleanup(func() { p.Close(ctx) })
	mod, err := p.Acquire(ctx)
	require.NoError(t, err)
	return mod
}

func squareRaster(w, h int) *raster.Raster {
	return raster.FromImage(testutil.SquareImage(w, h, image.Rect(w/4, h/4, 3*w/4, 3*h/4)))
}

func TestCompileDeterministic(t *testing.T) {
	mod := loadModule(t)
	c := NewCompiler(nil, nil)
	r := squareRaster(80, 60)

	first, a, err := c.Compile(context.Background(), mod, r)
	require.NoError(t, err)
	require.NotEmpty(t, a.Features)
	second, _, err := c.Compile(context.Background(), mod, squareRaster(80, 60))
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, Digest(first), Digest(second))
}

func TestCompileDimensionsRoundTrip(t *testing.T) {
	mod := loadModule(t)
	for _, codec := range []Codec{BinaryCodec{}, JSONCodec{}} {
		t.Run(codec.Name(), func(t *testing.T) {
			c := NewCompiler(nil, codec)
			data, a, err := c.Compile(context.Background(), mod, squareRaster(123, 45))
			require.NoError(t, err)

			got, err := codec.Decode(data)
			require.NoError(t, err)
			assert.Equal(t, 123, got.Width)
			assert.Equal(t, 45, got.Height)
			assert.Equal(t, mod.Digest(), got.ModuleDigest)
			assert.Equal(t, "harris", got.Extractor)
			if diff := cmp.Diff(a, got); diff != "" {
				t.Errorf("artifact mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCompileRejectsBadRasters(t *testing.T) {
	mod := loadModule(t)
	c := NewCompiler(nil, nil)

	tests := []struct {
		name string
		mod  *module.Module
		r    *raster.Raster
	}{
		{"zero width", mod, &raster.Raster{Width: 0, Height: 10}},
		{"zero height", mod, &raster.Raster{Width: 10, Height: 0, Pix: []byte{}}},
		{"nil raster", mod, nil},
		{"short buffer", mod, &raster.Raster{Width: 2, Height: 2, Pix: make([]byte, 8)}},
		{"no module", nil, squareRaster(8, 8)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, a, err := c.Compile(context.Background(), tt.mod, tt.r)
			require.Error(t, err)
			assert.True(t, stderrors.Is(err, errors.ErrCompilation), "got %v", err)
			assert.Nil(t, data)
			assert.Nil(t, a)
		})
	}
}

func TestCompileWrapsExtractorErrors(t *testing.T) {
	mod := loadModule(t)
	// The empty module has no detector, so the wasm extractor rejects it.
	c := NewCompiler(feature.NewWasm(feature.Options{}), nil)
	_, _, err := c.Compile(context.Background(), mod, squareRaster(8, 8))
	assert.True(t, stderrors.Is(err, errors.ErrCompilation))
}

func sampleArtifact() *Artifact {
	return &Artifact{
		Major:        MajorVersion,
		Minor:        MinorVersion,
		Width:        640,
		Height:       480,
		ModuleDigest: "abc123",
		Extractor:    "harris",
		Features: []feature.Feature{
			{X: 10, Y: 20, Scale: 1, Score: 1, Descriptor: []byte{1, 2, 3}},
			{X: 300.5, Y: 7, Scale: 2, Score: 0.25},
		},
	}
}

func TestBinaryCodecRoundTrip(t *testing.T) {
	data, err := BinaryCodec{}.Encode(sampleArtifact())
	require.NoError(t, err)
	assert.Equal(t, Magic, data[:4])

	got, err := BinaryCodec{}.Decode(data)
	require.NoError(t, err)
	if diff := cmp.Diff(sampleArtifact(), got); diff != "" {
		t.Errorf("artifact mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "1.0", got.Version())
}

func TestBinaryCodecSkipsUnknownFields(t *testing.T) {
	data, err := BinaryCodec{}.Encode(sampleArtifact())
	require.NoError(t, err)

	// A newer minor version adds a top-level varint and a feature field.
	data = protowire.AppendTag(data, 42, protowire.VarintType)
	data = protowire.AppendVarint(data, 7)
	var m []byte
	m = protowire.AppendTag(m, 1, protowire.Fixed32Type)
	m = protowire.AppendFixed32(m, 0)
	m = protowire.AppendTag(m, 99, protowire.BytesType)
	m = protowire.AppendString(m, "orientation")
	data = protowire.AppendTag(data, 7, protowire.BytesType)
	data = protowire.AppendBytes(data, m)

	got, err := BinaryCodec{}.Decode(data)
	require.NoError(t, err)
	assert.Len(t, got.Features, 3)
	assert.Equal(t, 640, got.Width)
}

func TestBinaryCodecRejectsOtherMajor(t *testing.T) {
	a := sampleArtifact()
	a.Major = 2
	data, err := BinaryCodec{}.Encode(a)
	require.NoError(t, err)

	_, err = BinaryCodec{}.Decode(data)
	assert.ErrorContains(t, err, "unsupported artifact version 2.0")
}

func TestBinaryCodecRejectsGarbage(t *testing.T) {
	tests := map[string][]byte{
		"empty":     nil,
		"no magic":  []byte("PNG\x00"),
		"no fields": Magic,
		"truncated": append(append([]byte(nil), Magic...), 0x08),
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := BinaryCodec{}.Decode(data)
			assert.Error(t, err)
		})
	}
}

func TestJSONCodecShape(t *testing.T) {
	a := sampleArtifact()
	a.Features = nil
	data, err := JSONCodec{}.Encode(a)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, float64(640), raw["imageWidth"])
	assert.Equal(t, float64(480), raw["imageHeight"])
	assert.Equal(t, []any{}, raw["featurePoints"])
	assert.Equal(t, "1.0", raw["version"])

	_, err = JSONCodec{}.Decode([]byte(`{"imageWidth":1,"imageHeight":1,"featurePoints":[],"version":"3.1"}`))
	assert.Error(t, err)
}

func TestCodecByName(t *testing.T) {
	for name, want := range map[string]string{"": "binary", "mind": "binary", "binary": "binary", "json": "json"} {
		c, err := CodecByName(name)
		require.NoError(t, err)
		assert.Equal(t, want, c.Name())
	}
	_, err := CodecByName("xml")
	assert.Error(t, err)
}
