package target

import (
	"context"

	"github.com/ivlev/img2mind/internal/errors"
	"github.com/ivlev/img2mind/internal/feature"
	"github.com/ivlev/img2mind/internal/module"
	"github.com/ivlev/img2mind/internal/raster"
)

// Compiler turns rasters into encoded artifacts with a feature extractor
// and a codec.
type Compiler struct {
	extractor feature.Extractor
	codec     Codec
}

// NewCompiler returns a compiler. Nil arguments select the Harris extractor
// and the binary codec.
func NewCompiler(extractor feature.Extractor, codec Codec) *Compiler {
	if extractor == nil {
		extractor = feature.NewHarris(feature.DefaultOptions())
	}
	if codec == nil {
		codec = BinaryCodec{}
	}
	return &Compiler{extractor: extractor, codec: codec}
}

// Extractor returns the feature routine in use.
func (c *Compiler) Extractor() feature.Extractor { return c.extractor }

// Codec returns the artifact codec in use.
func (c *Compiler) Codec() Codec { return c.codec }

// Compile analyzes r with mod and returns the encoded artifact along with
// its decoded form. The output depends only on the module and the pixels.
func (c *Compiler) Compile(ctx context.Context, mod *module.Module, r *raster.Raster) ([]byte, *Artifact, error) {
	if mod == nil {
		return nil, nil, errors.Compilation(nil, "no compute module")
	}
	if r == nil || r.Area() == 0 {
		w, h := 0, 0
		if r != nil {
			w, h = r.Width, r.Height
		}
		return nil, nil, errors.Compilation(nil, "raster has zero area (%dx%d)", w, h)
	}
	if len(r.Pix) != r.Width*r.Height*4 {
		return nil, nil, errors.Compilation(nil, "raster buffer holds %d bytes, want %d", len(r.Pix), r.Width*r.Height*4)
	}

	features, err := c.extractor.Extract(ctx, mod, r.Image())
	if err != nil {
		return nil, nil, errors.Compilation(err, "%s extractor", c.extractor.Name())
	}

	a := &Artifact{
		Major:        MajorVersion,
		Minor:        MinorVersion,
		Width:        r.Width,
		Height:       r.Height,
		ModuleDigest: mod.Digest(),
		Extractor:    c.extractor.Name(),
		Features:     features,
	}
	data, err := c.codec.Encode(a)
	if err != nil {
		return nil, nil, errors.Compilation(err, "encode %s artifact", c.codec.Name())
	}
	return data, a, nil
}
