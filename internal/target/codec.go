package target

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/ivlev/img2mind/internal/feature"
)

// Codec serializes artifacts. Encode must be deterministic.
type Codec interface {
	Name() string
	// Ext is the file extension for encoded artifacts, including the dot.
	Ext() string
	Encode(a *Artifact) ([]byte, error)
	Decode(data []byte) (*Artifact, error)
}

// CodecByName returns the codec registered under name. The empty name
// selects the binary codec.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "binary", "mind", "":
		return BinaryCodec{}, nil
	case "json":
		return JSONCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec: %s", name)
	}
}

// Magic prefixes every binary artifact.
var Magic = []byte("MIND")

// Field numbers of the binary layout. Never renumber; add new fields with
// new numbers and bump the minor version.
const (
	fieldMajor     protowire.Number = 1
	fieldMinor     protowire.Number = 2
	fieldWidth     protowire.Number = 3
	fieldHeight    protowire.Number = 4
	fieldDigest    protowire.Number = 5
	fieldExtractor protowire.Number = 6
	fieldFeature   protowire.Number = 7

	featX          protowire.Number = 1
	featY          protowire.Number = 2
	featScale      protowire.Number = 3
	featScore      protowire.Number = 4
	featDescriptor protowire.Number = 5
)

// BinaryCodec writes "MIND" followed by a protobuf wire-format message.
type BinaryCodec struct{}

func (BinaryCodec) Name() string { return "binary" }
func (BinaryCodec) Ext() string  { return ".mind" }

// Encode writes fields in ascending number order, features in slice order.
func (BinaryCodec) Encode(a *Artifact) ([]byte, error) {
	if a == nil {
		return nil, fmt.Errorf("nil artifact")
	}
	if a.Width < 0 || a.Height < 0 {
		return nil, fmt.Errorf("negative dimensions %dx%d", a.Width, a.Height)
	}

	b := append([]byte(nil), Magic...)
	b = appendVarint(b, fieldMajor, uint64(a.Major))
	b = appendVarint(b, fieldMinor, uint64(a.Minor))
	b = appendVarint(b, fieldWidth, uint64(a.Width))
	b = appendVarint(b, fieldHeight, uint64(a.Height))
	b = protowire.AppendTag(b, fieldDigest, protowire.BytesType)
	b = protowire.AppendString(b, a.ModuleDigest)
	b = protowire.AppendTag(b, fieldExtractor, protowire.BytesType)
	b = protowire.AppendString(b, a.Extractor)

	for _, f := range a.Features {
		var m []byte
		m = appendFloat(m, featX, f.X)
		m = appendFloat(m, featY, f.Y)
		m = appendFloat(m, featScale, f.Scale)
		m = appendFloat(m, featScore, f.Score)
		if len(f.Descriptor) > 0 {
			m = protowire.AppendTag(m, featDescriptor, protowire.BytesType)
			m = protowire.AppendBytes(m, f.Descriptor)
		}
		b = protowire.AppendTag(b, fieldFeature, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	return b, nil
}

// Decode parses a binary artifact. Unknown fields are skipped; a major
// version other than MajorVersion is rejected.
func (BinaryCodec) Decode(data []byte) (*Artifact, error) {
	if !bytes.HasPrefix(data, Magic) {
		return nil, fmt.Errorf("not a mind artifact")
	}
	b := data[len(Magic):]

	a := &Artifact{}
	sawMajor := false
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("read tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.VarintType && num <= fieldHeight:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("read field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldMajor:
				a.Major, sawMajor = int(v), true
			case fieldMinor:
				a.Minor = int(v)
			case fieldWidth:
				a.Width = int(v)
			case fieldHeight:
				a.Height = int(v)
			}
		case typ == protowire.BytesType && num >= fieldDigest && num <= fieldFeature:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("read field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldDigest:
				a.ModuleDigest = string(v)
			case fieldExtractor:
				a.Extractor = string(v)
			case fieldFeature:
				f, err := decodeFeature(v)
				if err != nil {
					return nil, err
				}
				a.Features = append(a.Features, f)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("skip field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	if !sawMajor {
		return nil, fmt.Errorf("artifact has no version")
	}
	if a.Major != MajorVersion {
		return nil, fmt.Errorf("unsupported artifact version %s, want %d.x", a.Version(), MajorVersion)
	}
	return a, nil
}

func decodeFeature(b []byte) (feature.Feature, error) {
	var f feature.Feature
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return f, fmt.Errorf("read feature tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.Fixed32Type && num >= featX && num <= featScore:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return f, fmt.Errorf("read feature field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			val := math.Float32frombits(v)
			switch num {
			case featX:
				f.X = val
			case featY:
				f.Y = val
			case featScale:
				f.Scale = val
			case featScore:
				f.Score = val
			}
		case typ == protowire.BytesType && num == featDescriptor:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return f, fmt.Errorf("read descriptor: %w", protowire.ParseError(n))
			}
			b = b[n:]
			f.Descriptor = append([]byte(nil), v...)
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return f, fmt.Errorf("skip feature field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return f, nil
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendFloat(b []byte, num protowire.Number, v float32) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, math.Float32bits(v))
}

// JSONCodec writes the web compiler's JSON layout: imageWidth, imageHeight,
// featurePoints and a "major.minor" version string.
type JSONCodec struct{}

type jsonArtifact struct {
	ImageWidth    int           `json:"imageWidth"`
	ImageHeight   int           `json:"imageHeight"`
	FeaturePoints []jsonFeature `json:"featurePoints"`
	Version       string        `json:"version"`
	ModuleDigest  string        `json:"moduleDigest,omitempty"`
	Extractor     string        `json:"extractor,omitempty"`
}

type jsonFeature struct {
	X          float32 `json:"x"`
	Y          float32 `json:"y"`
	Scale      float32 `json:"scale"`
	Score      float32 `json:"score"`
	Descriptor []byte  `json:"descriptor,omitempty"`
}

func (JSONCodec) Name() string { return "json" }
func (JSONCodec) Ext() string  { return ".json" }

func (JSONCodec) Encode(a *Artifact) ([]byte, error) {
	if a == nil {
		return nil, fmt.Errorf("nil artifact")
	}
	out := jsonArtifact{
		ImageWidth:    a.Width,
		ImageHeight:   a.Height,
		FeaturePoints: make([]jsonFeature, 0, len(a.Features)),
		Version:       a.Version(),
		ModuleDigest:  a.ModuleDigest,
		Extractor:     a.Extractor,
	}
	for _, f := range a.Features {
		out.FeaturePoints = append(out.FeaturePoints, jsonFeature(f))
	}
	return json.Marshal(out)
}

func (JSONCodec) Decode(data []byte) (*Artifact, error) {
	var in jsonArtifact
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("decode json artifact: %w", err)
	}

	a := &Artifact{
		Width:        in.ImageWidth,
		Height:       in.ImageHeight,
		ModuleDigest: in.ModuleDigest,
		Extractor:    in.Extractor,
	}
	if _, err := fmt.Sscanf(in.Version, "%d.%d", &a.Major, &a.Minor); err != nil {
		return nil, fmt.Errorf("bad artifact version %q", in.Version)
	}
	if a.Major != MajorVersion {
		return nil, fmt.Errorf("unsupported artifact version %s, want %d.x", in.Version, MajorVersion)
	}
	for _, f := range in.FeaturePoints {
		a.Features = append(a.Features, feature.Feature(f))
	}
	return a, nil
}
