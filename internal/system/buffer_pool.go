package system

import (
	"image"
	"sync"
	"sync/atomic"
)

// ImagePool recycles *image.RGBA buffers keyed by their rectangle so that
// batches of same-sized inputs do not reallocate a raster per item.
type ImagePool struct {
	pools map[image.Rectangle]*sync.Pool
	mu    sync.RWMutex

	allocs atomic.Int64
}

// NewImagePool returns an empty pool.
func NewImagePool() *ImagePool {
	return &ImagePool{
		pools: make(map[image.Rectangle]*sync.Pool),
	}
}

// Get returns an RGBA image for rect, reused if one is available. Pixel
// contents of a reused image are undefined.
func (p *ImagePool) Get(rect image.Rectangle) *image.RGBA {
	p.mu.RLock()
	pool, exists := p.pools[rect]
	p.mu.RUnlock()

	if !exists {
		p.mu.Lock()
		// Double check
		pool, exists = p.pools[rect]
		if !exists {
			pool = &sync.Pool{
				New: func() interface{} {
					p.allocs.Add(1)
					return image.NewRGBA(rect)
				},
			}
			p.pools[rect] = pool
		}
		p.mu.Unlock()
	}

	return pool.Get().(*image.RGBA)
}

// Put hands img back for reuse. The caller must not touch img afterwards.
func (p *ImagePool) Put(img *image.RGBA) {
	if img == nil {
		return
	}
	p.mu.RLock()
	pool, exists := p.pools[img.Rect]
	p.mu.RUnlock()

	if exists {
		pool.Put(img)
	}
}

// Allocations reports how many buffers the pool has created.
func (p *ImagePool) Allocations() int64 {
	return p.allocs.Load()
}
