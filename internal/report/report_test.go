package report

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ivlev/img2mind/internal/engine"
	"github.com/ivlev/img2mind/internal/feature"
	"github.com/ivlev/img2mind/internal/system"
	"github.com/ivlev/img2mind/internal/target"
)

func sampleBatch() *engine.BatchResult {
	return &engine.BatchResult{
		RunID:        "run-1",
		ModuleDigest: "deadbeef",
		Started:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Timings:      engine.Timings{Acquire: time.Second, Items: 2 * time.Second, Total: 3 * time.Second},
		Results: []*engine.Result{{
			Index:  0,
			Name:   "poster",
			Target: make([]byte, 42),
			Artifact: &target.Artifact{
				Width: 640, Height: 480,
				Features: make([]feature.Feature, 7),
			},
			Cached:   true,
			Duration: 250 * time.Millisecond,
		}},
		Failures: []*engine.Failure{{
			Index: 1,
			Name:  "broken.png",
			Stage: engine.StateNormalizing,
			Err:   fmt.Errorf("bad header"),
		}},
		Skipped: 2,
	}
}

func TestNew(t *testing.T) {
	r := New(sampleBatch(), "file://mind.wasm", system.Stats{LogicalCPUs: 8})

	assert.Equal(t, Version, r.Version)
	assert.Equal(t, "run-1", r.RunID)
	assert.Equal(t, Module{Location: "file://mind.wasm", Digest: "deadbeef"}, r.Module)
	assert.Equal(t, 3*time.Second, r.Timings.Total)
	assert.Equal(t, 8, r.Host.LogicalCPUs)
	assert.Equal(t, 2, r.Skipped)

	want := []Entry{{
		Index: 0, Name: "poster", Width: 640, Height: 480, Features: 7, Bytes: 42,
		Cached: true, Duration: 250 * time.Millisecond,
	}}
	if diff := cmp.Diff(want, r.Results); diff != "" {
		t.Errorf("entries mismatch (-want +got):\n%s", diff)
	}
	require.Len(t, r.Failures, 1)
	assert.Equal(t, Failure{Index: 1, Name: "broken.png", Stage: "normalizing", Error: "bad header"}, r.Failures[0])

	r.Entry(0).Output = "out/poster.mind"
	assert.Equal(t, "out/poster.mind", r.Results[0].Output)
	assert.Nil(t, r.Entry(5))
}

func TestWriteRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.yaml")
	r := New(sampleBatch(), "https://cdn.example/mind.wasm", system.Stats{})
	require.NoError(t, Write(r, path))

	got, err := Read(path)
	require.NoError(t, err)
	if diff := cmp.Diff(r, got); diff != "" {
		t.Errorf("report mismatch (-want +got):\n%s", diff)
	}
}
