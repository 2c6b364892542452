package system

import (
	"context"
	"image"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindLatest(t *testing.T) {
	dir := t.TempDir()
	files := []struct {
		name string
		age  time.Duration
	}{
		{"old.mind", 3 * time.Hour},
		{"new.MIND", time.Hour},
		{"newest.png", 0},
	}
	now := time.Now()
	for _, f := range files {
		path := filepath.Join(dir, f.name)
		require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
		mt := now.Add(-f.age)
		require.NoError(t, os.Chtimes(path, mt, mt))
	}

	got, err := FindLatest(dir, ".mind")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "new.MIND"), got)

	_, err = FindLatest(dir, ".json")
	assert.Error(t, err)
}

func TestHasExt(t *testing.T) {
	assert.True(t, HasExt("a/B.JPG", ".jpg", ".png"))
	assert.False(t, HasExt("archive.tar", ".jpg"))
	assert.False(t, HasExt("noext", ".jpg"))
}

func TestImagePoolReuse(t *testing.T) {
	p := NewImagePool()
	rect := image.Rect(0, 0, 8, 4)

	img := p.Get(rect)
	require.Equal(t, rect, img.Rect)
	assert.Len(t, img.Pix, 8*4*4)
	p.Put(img)

	other := p.Get(image.Rect(0, 0, 2, 2))
	assert.Equal(t, image.Rect(0, 0, 2, 2), other.Rect)
	assert.GreaterOrEqual(t, p.Allocations(), int64(2))

	// Unknown rectangles are dropped rather than pooled.
	p.Put(image.NewRGBA(image.Rect(0, 0, 3, 3)))
	p.Put(nil)
}

func TestDefaultWorkers(t *testing.T) {
	assert.GreaterOrEqual(t, DefaultWorkers(), 1)
}

func TestHostStats(t *testing.T) {
	s, _ := HostStats(context.Background())
	assert.GreaterOrEqual(t, s.LogicalCPUs, 0)
}
