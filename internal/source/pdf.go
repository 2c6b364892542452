package source

import (
	"bytes"
	"context"
	"fmt"
	"image/png"
	"path/filepath"

	"github.com/gen2brain/go-fitz"
)

// DefaultDPI is the render resolution for PDF pages.
const DefaultDPI = 150

// PDFPage renders one page of a PDF document to PNG on read.
type PDFPage struct {
	path  string
	index int
	dpi   float64
}

// OpenPDF returns one input per page of the document at path, named
// <doc>-p<N>.png with N starting at 1.
func OpenPDF(path string, dpi float64) ([]File, error) {
	if dpi <= 0 {
		dpi = DefaultDPI
	}
	doc, err := fitz.New(path)
	if err != nil {
		return nil, err
	}
	defer doc.Close()

	n := doc.NumPage()
	pages := make([]File, 0, n)
	for i := 0; i < n; i++ {
		pages = append(pages, &PDFPage{path: path, index: i, dpi: dpi})
	}
	return pages, nil
}

func (p *PDFPage) Name() string {
	return fmt.Sprintf("%s-p%d.png", Stem(filepath.Base(p.path)), p.index+1)
}

// ReadAll renders the page. Each call opens its own document handle so
// pages can render concurrently.
func (p *PDFPage) ReadAll(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	doc, err := fitz.New(p.path)
	if err != nil {
		return nil, err
	}
	defer doc.Close()

	img, err := doc.ImageDPI(p.index, p.dpi)
	if err != nil {
		return nil, fmt.Errorf("render page %d: %w", p.index+1, err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
