package module

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"

	"github.com/ivlev/img2mind/internal/errors"
)

// Provider acquires a compute module lazily and exactly once.
//
// The first Acquire starts the fetch and compile; every caller, whether it
// arrives while the load is in flight or after it settled, observes the same
// Module or the same error. A failed load is terminal for the provider.
type Provider struct {
	src              Source
	logger           *zap.Logger
	memoryLimitPages uint32
	fetchTimeout     time.Duration

	once    sync.Once
	started atomic.Bool
	loads   atomic.Int32
	done    chan struct{}
	mod     *Module
	err     error
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithLogger sets the provider logger. The default discards output.
func WithLogger(l *zap.Logger) ProviderOption {
	return func(p *Provider) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMemoryLimitPages caps instance memory in 64KiB pages. 0 keeps the
// wazero default.
func WithMemoryLimitPages(pages uint32) ProviderOption {
	return func(p *Provider) { p.memoryLimitPages = pages }
}

// WithFetchTimeout bounds the fetch step of the load.
func WithFetchTimeout(d time.Duration) ProviderOption {
	return func(p *Provider) { p.fetchTimeout = d }
}

// NewProvider returns a provider for the module behind src. Nothing is
// fetched until the first Acquire.
func NewProvider(src Source, opts ...ProviderOption) *Provider {
	p := &Provider{
		src:    src,
		logger: zap.NewNop(),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Acquire returns the compiled module, loading it on first use. The load
// itself is not bound to ctx; if ctx ends first, Acquire returns ctx.Err()
// and the load keeps going for later callers.
func (p *Provider) Acquire(ctx context.Context) (*Module, error) {
	p.once.Do(func() {
		p.started.Store(true)
		go p.load(context.WithoutCancel(ctx))
	})

	select {
	case <-p.done:
		return p.mod, p.err
	default:
	}

	select {
	case <-p.done:
		return p.mod, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Loads reports how many times the underlying load ran (0 or 1).
func (p *Provider) Loads() int {
	return int(p.loads.Load())
}

// Source returns the module source.
func (p *Provider) Source() Source { return p.src }

// Close releases the compiled module, waiting for an in-flight load first.
func (p *Provider) Close(ctx context.Context) error {
	if !p.started.Load() {
		return nil
	}

	select {
	case <-p.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if p.mod == nil {
		return nil
	}
	return p.mod.close(ctx)
}

func (p *Provider) load(ctx context.Context) {
	defer close(p.done)
	p.loads.Add(1)

	start := time.Now()
	p.logger.Info("loading compute module", zap.String("source", p.src.String()))

	fetchCtx := ctx
	if p.fetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, p.fetchTimeout)
		defer cancel()
	}

	data, err := p.src.Fetch(fetchCtx)
	if err != nil {
		p.fail(errors.ModuleLoad(err, "fetch %s", p.src))
		return
	}
	if len(data) == 0 {
		p.fail(errors.ModuleLoad(nil, "empty module from %s", p.src))
		return
	}

	sum := sha256.Sum256(data)

	cfg := wazero.NewRuntimeConfig()
	if p.memoryLimitPages > 0 {
		cfg = cfg.WithMemoryLimitPages(p.memoryLimitPages)
	}
	rt := wazero.NewRuntimeWithConfig(ctx, cfg)

	compiled, err := rt.CompileModule(ctx, data)
	if err != nil {
		_ = rt.Close(ctx)
		p.fail(errors.ModuleLoad(err, "compile %s", p.src))
		return
	}

	p.mod = &Module{
		runtime:  rt,
		compiled: compiled,
		digest:   hex.EncodeToString(sum[:]),
		location: p.src.String(),
		size:     len(data),
	}

	p.logger.Info("compute module ready",
		zap.String("source", p.src.String()),
		zap.String("sha256", p.mod.digest),
		zap.Int("bytes", len(data)),
		zap.Duration("elapsed", time.Since(start)))
}

func (p *Provider) fail(err *errors.Error) {
	p.err = err
	p.logger.Error("compute module unavailable", zap.Error(err))
}
