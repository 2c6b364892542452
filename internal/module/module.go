// Package module loads and shares the compiled compute module used for
// feature analysis.
package module

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// Module is a compiled compute module. It is immutable and safe to share
// across goroutines; every analysis call gets its own instance.
type Module struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	digest   string
	location string
	size     int
	seq      atomic.Uint64
}

// Digest is the hex SHA-256 of the module bytes.
func (m *Module) Digest() string { return m.digest }

// Location names where the module was fetched from.
func (m *Module) Location() string { return m.location }

// Size is the module payload size in bytes.
func (m *Module) Size() int { return m.size }

// Exports returns the exported function names in sorted order.
func (m *Module) Exports() []string {
	defs := m.compiled.ExportedFunctions()
	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasExport reports whether the module exports a function called name.
func (m *Module) HasExport(name string) bool {
	_, ok := m.compiled.ExportedFunctions()[name]
	return ok
}

// Instantiate creates a fresh instance of the module. The caller must close it.
func (m *Module) Instantiate(ctx context.Context) (api.Module, error) {
	name := fmt.Sprintf("mind-%d", m.seq.Add(1))
	inst, err := m.runtime.InstantiateModule(ctx, m.compiled, wazero.NewModuleConfig().WithName(name))
	if err != nil {
		return nil, fmt.Errorf("instantiate module: %w", err)
	}
	return inst, nil
}

func (m *Module) close(ctx context.Context) error {
	if err := m.compiled.Close(ctx); err != nil {
		return err
	}
	return m.runtime.Close(ctx)
}
