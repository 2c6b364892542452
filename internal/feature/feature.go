// Package feature holds the feature-extraction routines that feed target
// compilation. Extractors are the substitution point for a real tracker's
// descriptor math: the pipeline only relies on the Extractor contract.
package feature

import (
	"context"
	"fmt"
	"image"
	"sort"

	"github.com/ivlev/img2mind/internal/module"
)

// DescriptorSize is the length of a patch descriptor in bytes (8x8 patch).
const DescriptorSize = 64

// Feature is a trackable point detected in an image
type Feature struct {
	X          float32 // pixel column
	Y          float32 // pixel row
	Scale      float32 // detection scale, 1.0 = native resolution
	Score      float32 // response normalized to [0,1]
	Descriptor []byte  // DescriptorSize bytes, may be empty
}

// Extractor is the interface for feature extraction strategies. Extract must
// be deterministic: the same module and pixels yield the same features in
// the same order. img is anchored at the origin with stride Dx()*4.
type Extractor interface {
	Name() string
	Extract(ctx context.Context, mod *module.Module, img *image.RGBA) ([]Feature, error)
}

// Options tunes the built-in extractors. Zero values select defaults.
type Options struct {
	MaxFeatures int     // upper bound on returned features
	Threshold   float64 // minimum response relative to the strongest one
	BlurRadius  float64 // gaussian pre-blur radius in pixels, negative disables
	K           float64 // Harris sensitivity constant
}

// DefaultOptions returns the tuned defaults.
func DefaultOptions() Options {
	return Options{
		MaxFeatures: 500,
		Threshold:   0.01,
		BlurRadius:  1.0,
		K:           0.04,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxFeatures <= 0 {
		o.MaxFeatures = d.MaxFeatures
	}
	if o.Threshold <= 0 {
		o.Threshold = d.Threshold
	}
	if o.BlurRadius == 0 {
		o.BlurRadius = d.BlurRadius
	}
	if o.K <= 0 {
		o.K = d.K
	}
	return o
}

// NewExtractor creates an extractor based on the specified variant
func NewExtractor(variant string, opts Options) (Extractor, error) {
	opts = opts.withDefaults()
	switch variant {
	case "harris", "":
		return NewHarris(opts), nil
	case "wasm":
		return NewWasm(opts), nil
	default:
		return nil, fmt.Errorf("unknown extractor variant: %s", variant)
	}
}

// sortFeatures orders by score descending, then row, then column, and
// trims to limit.
func sortFeatures(fs []Feature, limit int) []Feature {
	sort.SliceStable(fs, func(i, j int) bool {
		if fs[i].Score != fs[j].Score {
			return fs[i].Score > fs[j].Score
		}
		if fs[i].Y != fs[j].Y {
			return fs[i].Y < fs[j].Y
		}
		return fs[i].X < fs[j].X
	})
	if limit > 0 && len(fs) > limit {
		fs = fs[:limit]
	}
	return fs
}
