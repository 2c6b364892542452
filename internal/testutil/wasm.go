package testutil

// Minimal WebAssembly binary assembler for test modules. Only the opcodes
// the fixtures need are covered.

const (
	secType     = 1
	secFunction = 3
	secMemory   = 5
	secGlobal   = 6
	secExport   = 7
	secCode     = 10

	exportFunc   = 0x00
	exportMemory = 0x02
	exportGlobal = 0x03

	valI32 = 0x7f

	opUnreachable = 0x00
	opEnd         = 0x0b
	opLocalGet    = 0x20
	opI32Store    = 0x36
	opI32Const    = 0x41
	opI32ShrU     = 0x76
)

// Memory layout of the detector fixtures.
const (
	DetectorInputPtr  = 0
	DetectorOutputPtr = 65536
)

var wasmHeader = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

// EmptyModule is the smallest valid module: header only.
func EmptyModule() []byte {
	return append([]byte(nil), wasmHeader...)
}

// DetectorModule implements the feature ABI and reports a single feature at
// the raster centre with scale 1.0 and score 1.0.
func DetectorModule(inputCap, outputCap int32) []byte {
	var body []byte
	body = append(body, i32Const(DetectorOutputPtr)...)
	body = append(body, opLocalGet, 0)
	body = append(body, i32Const(1)...)
	body = append(body, opI32ShrU)
	body = append(body, i32Store()...)

	body = append(body, i32Const(DetectorOutputPtr+4)...)
	body = append(body, opLocalGet, 1)
	body = append(body, i32Const(1)...)
	body = append(body, opI32ShrU)
	body = append(body, i32Store()...)

	body = append(body, i32Const(DetectorOutputPtr+8)...)
	body = append(body, i32Const(1000)...)
	body = append(body, i32Store()...)

	body = append(body, i32Const(DetectorOutputPtr+12)...)
	body = append(body, i32Const(1000)...)
	body = append(body, i32Store()...)

	body = append(body, i32Const(1)...)
	return detectorModule(inputCap, outputCap, body)
}

// TrappingDetectorModule exports the feature ABI but traps on every call.
func TrappingDetectorModule() []byte {
	return detectorModule(65536, 1024, []byte{opUnreachable})
}

// OverflowingDetectorModule claims more features than its output capacity.
func OverflowingDetectorModule(outputCap int32) []byte {
	return detectorModule(65536, outputCap, i32Const(outputCap))
}

func detectorModule(inputCap, outputCap int32, code []byte) []byte {
	out := EmptyModule()

	// (i32, i32) -> i32
	out = append(out, section(secType, vec([]byte{0x60, 2, valI32, valI32, 1, valI32}))...)
	out = append(out, section(secFunction, vec(uleb(0)))...)
	out = append(out, section(secMemory, vec([]byte{0x00, 2}))...)
	out = append(out, section(secGlobal, vec(
		constGlobal(DetectorInputPtr),
		constGlobal(inputCap),
		constGlobal(DetectorOutputPtr),
		constGlobal(outputCap),
	))...)
	out = append(out, section(secExport, vec(
		export("memory", exportMemory, 0),
		export("input_ptr", exportGlobal, 0),
		export("input_bytes_cap", exportGlobal, 1),
		export("output_ptr", exportGlobal, 2),
		export("output_i32_cap", exportGlobal, 3),
		export("detect_features", exportFunc, 0),
	))...)

	fn := append([]byte{0x00}, code...) // no locals
	fn = append(fn, opEnd)
	out = append(out, section(secCode, vec(append(uleb(uint32(len(fn))), fn...)))...)
	return out
}

func constGlobal(v int32) []byte {
	g := []byte{valI32, 0x00}
	g = append(g, i32Const(v)...)
	return append(g, opEnd)
}

func export(name string, kind byte, index uint32) []byte {
	e := append(uleb(uint32(len(name))), name...)
	e = append(e, kind)
	return append(e, uleb(index)...)
}

func i32Const(v int32) []byte {
	return append([]byte{opI32Const}, sleb(v)...)
}

func i32Store() []byte {
	return []byte{opI32Store, 0x02, 0x00}
}

func section(id byte, payload []byte) []byte {
	out := []byte{id}
	out = append(out, uleb(uint32(len(payload)))...)
	return append(out, payload...)
}

func vec(items ...[]byte) []byte {
	out := uleb(uint32(len(items)))
	for _, it := range items {
		out = append(out, it...)
	}
	return out
}

func uleb(v uint32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
			continue
		}
		return append(out, b)
	}
}

func sleb(v int32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		done := (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0)
		if done {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}
