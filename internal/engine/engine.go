// Package engine drives batches of images through normalization, target
// compilation and debug rendering.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ivlev/img2mind/internal/cache"
	"github.com/ivlev/img2mind/internal/errors"
	"github.com/ivlev/img2mind/internal/feature"
	"github.com/ivlev/img2mind/internal/module"
	"github.com/ivlev/img2mind/internal/overlay"
	"github.com/ivlev/img2mind/internal/raster"
	"github.com/ivlev/img2mind/internal/source"
	"github.com/ivlev/img2mind/internal/system"
	"github.com/ivlev/img2mind/internal/target"
)

// Compiler compiles batches of images against one compute module. It is
// safe for concurrent CompileAll calls, which share the module load.
type Compiler struct {
	provider   *module.Provider
	compiler   *target.Compiler
	normalizer *raster.Normalizer
	cache      *cache.Cache
	logger     *zap.Logger

	extractor feature.Extractor
	codec     target.Codec
	workers   int
	maxPixels int
	overlay   overlay.Options
	stamp     bool
}

// Option configures a Compiler.
type Option func(*Compiler)

// WithExtractor sets the feature routine. Default is Harris.
func WithExtractor(e feature.Extractor) Option {
	return func(c *Compiler) { c.extractor = e }
}

// WithCodec sets the artifact codec. Default is the binary codec.
func WithCodec(codec target.Codec) Option {
	return func(c *Compiler) { c.codec = codec }
}

// WithCache looks artifacts up before extraction and stores new ones.
func WithCache(cc *cache.Cache) Option {
	return func(c *Compiler) { c.cache = cc }
}

// WithWorkers bounds how many items compile at once.
func WithWorkers(n int) Option {
	return func(c *Compiler) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithLogger sets the logger. The default discards output.
func WithLogger(l *zap.Logger) Option {
	return func(c *Compiler) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithOverlay sets marker appearance for debug overlays. With stamp, each
// overlay carries a QR code of the item name and artifact digest.
func WithOverlay(opts overlay.Options, stamp bool) Option {
	return func(c *Compiler) {
		c.overlay = opts
		c.stamp = stamp
	}
}

// WithMaxPixels rejects larger images before decoding them.
func WithMaxPixels(n int) Option {
	return func(c *Compiler) { c.maxPixels = n }
}

// New returns a Compiler that acquires its module from provider.
func New(provider *module.Provider, opts ...Option) *Compiler {
	c := &Compiler{
		provider: provider,
		logger:   zap.NewNop(),
		workers:  system.DefaultWorkers(),
		overlay:  overlay.DefaultOptions(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.compiler = target.NewCompiler(c.extractor, c.codec)
	c.normalizer = raster.NewNormalizer(system.NewImagePool(), c.maxPixels)
	return c
}

// Codec returns the artifact codec in use.
func (c *Compiler) Codec() target.Codec { return c.compiler.Codec() }

// CompileAll compiles files and returns the successful results in input
// order together with per-item failures.
//
// A module load failure aborts the batch: the result is nil and the error is
// of kind module_load. Item failures never surface as the returned error.
// When ctx ends, no further items start; items already running finish and
// the partial result is returned with ctx.Err().
func (c *Compiler) CompileAll(ctx context.Context, files []source.File, opts Options) (*BatchResult, error) {
	batch := &BatchResult{RunID: uuid.NewString(), Started: time.Now()}
	logger := c.logger.With(zap.String("run", batch.RunID))
	emit := serialize(opts.OnEvent)

	for i, f := range files {
		emit(Event{Index: i, Name: f.Name(), State: StatePending})
	}

	mod, err := c.provider.Acquire(ctx)
	batch.Timings.Acquire = time.Since(batch.Started)
	if err != nil {
		logger.Error("batch aborted", zap.Int("items", len(files)), zap.Error(err))
		return nil, err
	}
	batch.ModuleDigest = mod.Digest()
	logger.Info("batch started",
		zap.Int("items", len(files)),
		zap.Int("workers", c.workers),
		zap.String("module", mod.Digest()),
		zap.Bool("debug", opts.Debug),
	)

	results := make([]*Result, len(files))
	failures := make([]*Failure, len(files))

	// Items run to completion once started.
	itemCtx := context.WithoutCancel(ctx)
	itemsStart := time.Now()

	g := new(errgroup.Group)
	g.SetLimit(c.workers)
	var started atomic.Int64
	for i, f := range files {
		if ctx.Err() != nil {
			break
		}
		i, f := i, f
		g.Go(func() error {
			// g.Go may have waited for a slot; ctx can end in between.
			if ctx.Err() != nil {
				return nil
			}
			started.Add(1)
			results[i], failures[i] = c.compileOne(itemCtx, mod, i, f, opts.Debug, emit, logger)
			return nil
		})
	}
	g.Wait()
	batch.Timings.Items = time.Since(itemsStart)

	for i := range files {
		if results[i] != nil {
			batch.Results = append(batch.Results, results[i])
		}
		if failures[i] != nil {
			batch.Failures = append(batch.Failures, failures[i])
		}
	}
	batch.Skipped = len(files) - int(started.Load())
	batch.Timings.Total = time.Since(batch.Started)

	logger.Info("batch finished",
		zap.Int("compiled", len(batch.Results)),
		zap.Int("failed", len(batch.Failures)),
		zap.Int("skipped", batch.Skipped),
		zap.Duration("elapsed", batch.Timings.Total),
	)

	if batch.Skipped > 0 {
		return batch, ctx.Err()
	}
	return batch, nil
}

// Close releases the compute module.
func (c *Compiler) Close(ctx context.Context) error {
	return c.provider.Close(ctx)
}

// compileOne runs one item through its stages. Exactly one of the returns
// is non-nil.
func (c *Compiler) compileOne(ctx context.Context, mod *module.Module, idx int, f source.File, debug bool, emit func(Event), logger *zap.Logger) (res *Result, fail *Failure) {
	name := f.Name()
	state := StateNormalizing
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			fail = c.failure(idx, name, state, fmt.Errorf("panic: %v", r), emit, logger)
			res = nil
		}
	}()

	emit(Event{Index: idx, Name: name, State: state})
	data, err := f.ReadAll(ctx)
	if err != nil {
		return nil, c.failure(idx, name, state, errors.Decode(err, "read file"), emit, logger)
	}
	r, err := c.normalizer.Normalize(ctx, data)
	if err != nil {
		return nil, c.failure(idx, name, state, err, emit, logger)
	}
	defer c.normalizer.Release(r)

	state = StateCompiling
	emit(Event{Index: idx, Name: name, State: state})
	encoded, artifact, cached, err := c.compile(ctx, mod, r, logger)
	if err != nil {
		return nil, c.failure(idx, name, state, err, emit, logger)
	}

	res = &Result{
		Index:    idx,
		Name:     source.Stem(name),
		Source:   data,
		Target:   encoded,
		Artifact: artifact,
		Cached:   cached,
	}

	if debug {
		state = StateRendering
		emit(Event{Index: idx, Name: name, State: state})
		opts := c.overlay
		if c.stamp {
			opts.Stamp = fmt.Sprintf("%s sha256:%s", res.Name, target.Digest(encoded))
		}
		res.DebugOverlay, err = overlay.Render(r, artifact, opts)
		if err != nil {
			return nil, c.failure(idx, name, state, err, emit, logger)
		}
	}

	res.Duration = time.Since(start)
	emit(Event{Index: idx, Name: name, State: StateDone})
	logger.Debug("item compiled",
		zap.String("item", name),
		zap.Int("features", len(artifact.Features)),
		zap.Bool("cached", cached),
		zap.Duration("elapsed", res.Duration),
	)
	return res, nil
}

// compile produces the encoded artifact for r, consulting the cache when
// one is configured. Cache faults degrade to a normal compile.
func (c *Compiler) compile(ctx context.Context, mod *module.Module, r *raster.Raster, logger *zap.Logger) ([]byte, *target.Artifact, bool, error) {
	if c.cache == nil || r.Area() == 0 {
		data, a, err := c.compiler.Compile(ctx, mod, r)
		return data, a, false, err
	}

	key := cache.Key{
		RasterDigest: cache.RasterDigest(r.Width, r.Height, r.Pix),
		ModuleDigest: mod.Digest(),
		Extractor:    c.compiler.Extractor().Name(),
		Codec:        c.compiler.Codec().Name(),
	}

	data, ok, err := c.cache.Get(ctx, key)
	switch {
	case err != nil:
		logger.Warn("cache lookup failed", zap.Error(err))
	case ok:
		a, err := c.compiler.Codec().Decode(data)
		if err == nil {
			return data, a, true, nil
		}
		logger.Warn("discarding unreadable cache entry", zap.Error(err))
	}

	data, a, err := c.compiler.Compile(ctx, mod, r)
	if err != nil {
		return nil, nil, false, err
	}
	if err := c.cache.Put(ctx, key, data); err != nil {
		logger.Warn("cache store failed", zap.Error(err))
	}
	return data, a, false, nil
}

func (c *Compiler) failure(idx int, name string, stage State, err error, emit func(Event), logger *zap.Logger) *Failure {
	perr := classify(stage, err).WithItem(name)
	logger.Warn("item failed",
		zap.String("item", name),
		zap.String("stage", string(stage)),
		zap.Error(perr),
	)
	emit(Event{Index: idx, Name: name, State: StateFailed, Stage: stage, Err: perr})
	return &Failure{Index: idx, Name: name, Stage: stage, Err: perr}
}

// classify returns err as a pipeline error, assigning the kind of the stage
// it escaped from when it carries none.
func classify(stage State, err error) *errors.Error {
	var perr *errors.Error
	if errors.As(err, &perr) {
		return perr
	}
	switch stage {
	case StateNormalizing:
		return errors.Decode(err, "normalize")
	case StateRendering:
		return errors.OverlayRender(err, "render overlay")
	default:
		return errors.Compilation(err, "compile")
	}
}

// serialize wraps fn so concurrent workers deliver events one at a time.
func serialize(fn func(Event)) func(Event) {
	if fn == nil {
		return func(Event) {}
	}
	var mu sync.Mutex
	return func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		fn(e)
	}
}
