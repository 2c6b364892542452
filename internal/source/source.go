// Package source turns paths, directories, PDF documents and in-memory
// uploads into the named inputs of a batch.
package source

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/ivlev/img2mind/internal/system"
)

// ImageExts lists the extensions picked up when scanning a directory.
var ImageExts = []string{".png", ".jpg", ".jpeg", ".gif", ".bmp", ".tif", ".tiff", ".webp"}

// File is one named batch input.
type File interface {
	// Name is the file name including its extension, without directories.
	Name() string
	ReadAll(ctx context.Context) ([]byte, error)
}

// Stem returns name minus its final extension. A bare trailing dot is kept.
func Stem(name string) string {
	ext := path.Ext(name)
	if len(ext) <= 1 {
		return name
	}
	return name[:len(name)-len(ext)]
}

// PathFile reads a file from disk.
type PathFile struct {
	Path string
}

func (f *PathFile) Name() string { return filepath.Base(f.Path) }

func (f *PathFile) ReadAll(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return os.ReadFile(f.Path)
}

// BytesFile is an in-memory input such as an HTTP upload.
type BytesFile struct {
	FileName string
	Data     []byte
}

func (f *BytesFile) Name() string { return f.FileName }

func (f *BytesFile) ReadAll(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.Data, nil
}

// Dir lists the images directly inside dir, sorted by name.
func Dir(dir string) ([]File, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var paths []string
	for _, entry := range entries {
		if !entry.IsDir() && system.HasExt(entry.Name(), ImageExts...) {
			paths = append(paths, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(paths)

	files := make([]File, 0, len(paths))
	for _, p := range paths {
		files = append(files, &PathFile{Path: p})
	}
	return files, nil
}

// Collect expands paths into batch inputs in argument order: directories
// become their sorted images, PDF documents become one input per page and
// anything else is taken as an image file.
func Collect(paths []string, dpi float64) ([]File, error) {
	var files []File
	for _, p := range paths {
		fi, err := os.Stat(p)
		if err != nil {
			return nil, err
		}

		switch {
		case fi.IsDir():
			dirFiles, err := Dir(p)
			if err != nil {
				return nil, fmt.Errorf("scan %s: %w", p, err)
			}
			files = append(files, dirFiles...)
		case system.HasExt(p, ".pdf"):
			pages, err := OpenPDF(p, dpi)
			if err != nil {
				return nil, fmt.Errorf("open %s: %w", p, err)
			}
			files = append(files, pages...)
		default:
			files = append(files, &PathFile{Path: p})
		}
	}
	return files, nil
}
