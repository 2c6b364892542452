package engine

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ivlev/img2mind/internal/cache"
	"github.com/ivlev/img2mind/internal/errors"
	"github.com/ivlev/img2mind/internal/feature"
	"github.com/ivlev/img2mind/internal/module"
	"github.com/ivlev/img2mind/internal/source"
	"github.com/ivlev/img2mind/internal/target"
	"github.com/ivlev/img2mind/internal/testutil"
)

func newCompiler(t *testing.T, wasm []byte, opts ...Option) (*Compiler, *module.Provider) {
	t.Helper()
	p := module.NewProvider(&module.BytesSource{Name: "test", Data: wasm})
	c := New(p, opts...)
	t.Cleanup(func() { c.Close(context.Background()) })
	return c, p
}

func pngFile(t *testing.T, name string, w, h int) source.File {
	t.Helper()
	return &source.BytesFile{
		FileName: name,
		Data:     testutil.SquarePNG(t, w, h, image.Rect(w/4, h/4, 3*w/4, 3*h/4)),
	}
}

func badFile(name string) source.File {
	return &source.BytesFile{FileName: name, Data: []byte("not an image")}
}

type panicFile struct{}

func (panicFile) Name() string { return "boom.png" }

func (panicFile) ReadAll(context.Context) ([]byte, error) { panic("disk on fire") }

func resultNames(b *BatchResult) []string {
	var names []string
	for _, r := range b.Results {
		names = append(names, r.Name)
	}
	return names
}

func TestCompileAllPreservesOrderAroundFailures(t *testing.T) {
	c, _ := newCompiler(t, testutil.EmptyModule(), WithWorkers(3))
	files := []source.File{
		pngFile(t, "a.png", 40, 30),
		badFile("b.png"),
		pngFile(t, "c.png", 50, 20),
	}

	batch, err := c.CompileAll(context.Background(), files, Options{})
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "c"}, resultNames(batch))
	assert.Equal(t, 0, batch.Results[0].Index)
	assert.Equal(t, 2, batch.Results[1].Index)

	require.Len(t, batch.Failures, 1)
	f := batch.Failures[0]
	assert.Equal(t, "b.png", f.Name)
	assert.Equal(t, 1, f.Index)
	assert.Equal(t, StateNormalizing, f.Stage)
	assert.True(t, errors.Is(f.Err, errors.ErrDecode))
	assert.Error(t, batch.Err())
	assert.NotEmpty(t, batch.RunID)
}

func TestCompileAllReportsEveryFailure(t *testing.T) {
	c, _ := newCompiler(t, testutil.EmptyModule())
	files := []source.File{
		pngFile(t, "one.png", 20, 20),
		badFile("two.jpg"),
		pngFile(t, "three.png", 20, 20),
		badFile("four.gif"),
		pngFile(t, "five.png", 20, 20),
	}

	batch, err := c.CompileAll(context.Background(), files, Options{})
	require.NoError(t, err)
	assert.Len(t, batch.Results, 3)

	var failed []string
	for _, f := range batch.Failures {
		failed = append(failed, f.Name)
	}
	assert.Equal(t, []string{"two.jpg", "four.gif"}, failed)
}

func TestCompileAllDebugOverlay(t *testing.T) {
	c, _ := newCompiler(t, testutil.EmptyModule())
	files := []source.File{pngFile(t, "a.png", 32, 32), pngFile(t, "b.png", 24, 16)}

	batch, err := c.CompileAll(context.Background(), files, Options{Debug: false})
	require.NoError(t, err)
	for _, r := range batch.Results {
		assert.Nil(t, r.DebugOverlay, r.Name)
	}

	batch, err = c.CompileAll(context.Background(), files, Options{Debug: true})
	require.NoError(t, err)
	require.Len(t, batch.Results, 2)
	for _, r := range batch.Results {
		assert.NotEmpty(t, r.DebugOverlay, r.Name)
	}
}

func TestCompileAllMarksDefaultFeatures(t *testing.T) {
	c, _ := newCompiler(t, testutil.EmptyModule())
	batch, err := c.CompileAll(context.Background(), []source.File{pngFile(t, "square.png", 64, 48)}, Options{Debug: true})
	require.NoError(t, err)
	require.Len(t, batch.Results, 1)

	res := batch.Results[0]
	require.NotEmpty(t, res.Artifact.Features)
	assert.Equal(t, "harris", res.Artifact.Extractor)

	src, err := png.Decode(bytes.NewReader(res.Source))
	require.NoError(t, err)
	ov, err := png.Decode(bytes.NewReader(res.DebugOverlay))
	require.NoError(t, err)

	red := color.RGBA{R: 255, A: 255}
	for _, f := range res.Artifact.Features {
		x, y := int(f.X), int(f.Y)
		assert.Equal(t, red, color.RGBAModel.Convert(ov.At(x, y)), "overlay at (%d,%d)", x, y)
		assert.NotEqual(t, red, color.RGBAModel.Convert(src.At(x, y)), "source at (%d,%d)", x, y)
	}
}

func TestCompileAllArtifactMatchesSource(t *testing.T) {
	c, _ := newCompiler(t, testutil.EmptyModule())
	batch, err := c.CompileAll(context.Background(), []source.File{pngFile(t, "wide.png", 97, 13)}, Options{})
	require.NoError(t, err)
	require.Len(t, batch.Results, 1)

	got, err := target.BinaryCodec{}.Decode(batch.Results[0].Target)
	require.NoError(t, err)
	assert.Equal(t, 97, got.Width)
	assert.Equal(t, 13, got.Height)
	if diff := cmp.Diff(batch.Results[0].Artifact, got); diff != "" {
		t.Errorf("artifact mismatch (-want +got):\n%s", diff)
	}
}

func TestConcurrentBatchesLoadModuleOnce(t *testing.T) {
	c, p := newCompiler(t, testutil.EmptyModule())
	files := []source.File{pngFile(t, "a.png", 16, 16)}

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.CompileAll(context.Background(), files, Options{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, p.Loads())
}

func TestModuleLoadFailureAbortsBatch(t *testing.T) {
	c, _ := newCompiler(t, []byte("<html>404</html>"))
	var events []Event
	files := []source.File{pngFile(t, "a.png", 16, 16), pngFile(t, "b.png", 16, 16)}

	batch, err := c.CompileAll(context.Background(), files, Options{
		OnEvent: func(e Event) { events = append(events, e) },
	})
	assert.Nil(t, batch)
	require.Error(t, err)
	assert.True(t, errors.Fatal(err))
	assert.True(t, errors.Is(err, errors.ErrModuleLoad))

	for _, e := range events {
		assert.Equal(t, StatePending, e.State)
	}

	// The failure is terminal for the compiler.
	_, err2 := c.CompileAll(context.Background(), files, Options{})
	assert.Same(t, err, err2)
}

func TestItemEvents(t *testing.T) {
	c, _ := newCompiler(t, testutil.EmptyModule())
	var mu sync.Mutex
	byItem := map[int][]State{}
	onEvent := func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		byItem[e.Index] = append(byItem[e.Index], e.State)
	}

	files := []source.File{pngFile(t, "ok.png", 16, 16), badFile("bad.png")}
	_, err := c.CompileAll(context.Background(), files, Options{Debug: true, OnEvent: onEvent})
	require.NoError(t, err)

	assert.Equal(t, []State{StatePending, StateNormalizing, StateCompiling, StateRendering, StateDone}, byItem[0])
	assert.Equal(t, []State{StatePending, StateNormalizing, StateFailed}, byItem[1])
}

func TestPanicIsIsolated(t *testing.T) {
	c, _ := newCompiler(t, testutil.EmptyModule())
	files := []source.File{panicFile{}, pngFile(t, "fine.png", 16, 16)}

	batch, err := c.CompileAll(context.Background(), files, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"fine"}, resultNames(batch))
	require.Len(t, batch.Failures, 1)
	assert.Equal(t, "boom.png", batch.Failures[0].Name)
	assert.ErrorContains(t, batch.Failures[0].Err, "disk on fire")
}

func TestCancellationStopsAtItemBoundary(t *testing.T) {
	c, _ := newCompiler(t, testutil.EmptyModule(), WithWorkers(1))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	files := []source.File{
		pngFile(t, "a.png", 16, 16),
		pngFile(t, "b.png", 16, 16),
		pngFile(t, "c.png", 16, 16),
		pngFile(t, "d.png", 16, 16),
	}
	var started []string
	batch, err := c.CompileAll(ctx, files, Options{
		OnEvent: func(e Event) {
			switch e.State {
			case StateNormalizing:
				started = append(started, e.Name)
			case StateDone:
				cancel()
			}
		},
	})
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, batch)

	assert.Equal(t, []string{"a.png"}, started)
	assert.Equal(t, []string{"a"}, resultNames(batch))
	assert.Equal(t, 3, batch.Skipped)
	assert.Empty(t, batch.Failures)
}

func TestCacheHit(t *testing.T) {
	cc, err := cache.Open(":memory:", nil)
	require.NoError(t, err)
	defer cc.Close()

	c, _ := newCompiler(t, testutil.EmptyModule(), WithCache(cc))
	files := []source.File{pngFile(t, "a.png", 30, 30)}

	first, err := c.CompileAll(context.Background(), files, Options{})
	require.NoError(t, err)
	second, err := c.CompileAll(context.Background(), files, Options{Debug: true})
	require.NoError(t, err)

	assert.False(t, first.Results[0].Cached)
	assert.True(t, second.Results[0].Cached)
	assert.Equal(t, first.Results[0].Target, second.Results[0].Target)
	assert.NotEmpty(t, second.Results[0].DebugOverlay)
}

func TestWasmExtractorThroughEngine(t *testing.T) {
	c, _ := newCompiler(t, testutil.DetectorModule(1<<16, 64),
		WithExtractor(feature.NewWasm(feature.Options{})),
		WithCodec(target.JSONCodec{}),
	)
	batch, err := c.CompileAll(context.Background(), []source.File{pngFile(t, "tag.png", 20, 10)}, Options{})
	require.NoError(t, err)
	require.Len(t, batch.Results, 1)

	a := batch.Results[0].Artifact
	require.Len(t, a.Features, 1)
	assert.Equal(t, float32(10), a.Features[0].X)
	assert.Equal(t, float32(5), a.Features[0].Y)
	assert.Equal(t, "wasm", a.Extractor)
	assert.Equal(t, ".json", c.Codec().Ext())
}

func TestWasmRejectionIsItemLocal(t *testing.T) {
	// 16 bytes of input capacity only fits a 2x2 image.
	c, _ := newCompiler(t, testutil.DetectorModule(16, 64),
		WithExtractor(feature.NewWasm(feature.Options{})),
	)
	files := []source.File{pngFile(t, "big.png", 8, 8), pngFile(t, "tiny.png", 2, 2)}

	batch, err := c.CompileAll(context.Background(), files, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"tiny"}, resultNames(batch))
	require.Len(t, batch.Failures, 1)
	assert.Equal(t, StateCompiling, batch.Failures[0].Stage)
	assert.True(t, errors.Is(batch.Failures[0].Err, errors.ErrCompilation))
}
