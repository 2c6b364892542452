package feature

import (
	"context"
	"encoding/binary"
	"fmt"
	"image"

	"github.com/tetratelabs/wazero/api"

	"github.com/ivlev/img2mind/internal/module"
)

// DetectExport is the function a compute module exports for feature
// detection: detect_features(width, height i32) -> count i32.
const DetectExport = "detect_features"

// Wasm delegates detection to the compute module. The host writes RGBA
// pixels at input_ptr, calls detect_features and reads count records of four
// i32 values (x, y, scale*1000, score*1000) from output_ptr. Descriptors are
// computed on the host from the same luminance patches Harris uses.
type Wasm struct {
	opts Options
}

// NewWasm creates a module-backed extractor.
func NewWasm(opts Options) *Wasm {
	return &Wasm{opts: opts.withDefaults()}
}

func (x *Wasm) Name() string { return "wasm" }

// Extract runs one detection call on a fresh module instance.
func (x *Wasm) Extract(ctx context.Context, mod *module.Module, img *image.RGBA) ([]Feature, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if mod == nil {
		return nil, fmt.Errorf("no compute module")
	}
	if !mod.HasExport(DetectExport) {
		return nil, fmt.Errorf("module does not export %s", DetectExport)
	}

	inst, err := mod.Instantiate(ctx)
	if err != nil {
		return nil, err
	}
	defer inst.Close(ctx)

	inputPtr, ok := getExportedValue(ctx, inst, "input_ptr")
	if !ok {
		return nil, fmt.Errorf("module does not export input_ptr")
	}
	inputCap, ok := getExportedValue(ctx, inst, "input_bytes_cap")
	if !ok {
		return nil, fmt.Errorf("module does not export input_bytes_cap")
	}
	outputPtr, ok := getExportedValue(ctx, inst, "output_ptr")
	if !ok {
		return nil, fmt.Errorf("module does not export output_ptr")
	}
	outputCap, ok := getExportedValue(ctx, inst, "output_i32_cap")
	if !ok {
		return nil, fmt.Errorf("module does not export output_i32_cap")
	}

	mem := inst.Memory()
	if mem == nil {
		return nil, fmt.Errorf("module does not export memory")
	}

	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	pix := packed(img)
	if uint64(len(pix)) > uint64(uint32(inputCap)) {
		return nil, fmt.Errorf("raster of %d bytes exceeds module input capacity %d", len(pix), uint32(inputCap))
	}
	if !mem.Write(uint32(inputPtr), pix) {
		return nil, fmt.Errorf("write raster to module memory at %d", uint32(inputPtr))
	}

	res, err := inst.ExportedFunction(DetectExport).Call(ctx, uint64(w), uint64(h))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", DetectExport, err)
	}
	if len(res) == 0 {
		return nil, fmt.Errorf("%s returned no result", DetectExport)
	}

	count := api.DecodeI32(res[0])
	if count < 0 {
		return nil, fmt.Errorf("%s returned negative count %d", DetectExport, count)
	}
	if uint64(count)*4 > uint64(uint32(outputCap)) {
		return nil, fmt.Errorf("%s reported %d features, output holds %d", DetectExport, count, uint32(outputCap)/4)
	}
	if count == 0 {
		return nil, nil
	}

	raw, ok := mem.Read(uint32(outputPtr), uint32(count)*16)
	if !ok {
		return nil, fmt.Errorf("read %d features from module memory", count)
	}

	lum := luminance(img, 0)
	features := make([]Feature, 0, count)
	for i := 0; i < int(count); i++ {
		rec := raw[i*16:]
		fx := int32(binary.LittleEndian.Uint32(rec[0:]))
		fy := int32(binary.LittleEndian.Uint32(rec[4:]))
		scale := int32(binary.LittleEndian.Uint32(rec[8:]))
		score := int32(binary.LittleEndian.Uint32(rec[12:]))
		if fx < 0 || fy < 0 || int(fx) >= w || int(fy) >= h {
			return nil, fmt.Errorf("feature %d at (%d,%d) outside %dx%d raster", i, fx, fy, w, h)
		}
		features = append(features, Feature{
			X:          float32(fx),
			Y:          float32(fy),
			Scale:      float32(scale) / 1000,
			Score:      float32(score) / 1000,
			Descriptor: describe(lum, w, h, int(fx), int(fy)),
		})
	}

	return sortFeatures(features, x.opts.MaxFeatures), nil
}

// getExportedValue reads an i32 exported either as a global or as a
// zero-argument function.
func getExportedValue(ctx context.Context, mod api.Module, name string) (uint64, bool) {
	if global := mod.ExportedGlobal(name); global != nil {
		return global.Get(), true
	}
	if fn := mod.ExportedFunction(name); fn != nil {
		result, err := fn.Call(ctx)
		if err == nil && len(result) > 0 {
			return result[0], true
		}
	}
	return 0, false
}

// packed returns img's pixels with stride Dx()*4, copying only if needed.
func packed(img *image.RGBA) []byte {
	b := img.Bounds()
	rowLen := b.Dx() * 4
	if img.Stride == rowLen && b.Min == (image.Point{}) {
		return img.Pix[:rowLen*b.Dy()]
	}
	out := make([]byte, 0, rowLen*b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		off := img.PixOffset(b.Min.X, y)
		out = append(out, img.Pix[off:off+rowLen]...)
	}
	return out
}
