package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/ledongthuc/pdf"

	"docflow-backend/internal/shared/telemetry"
)

var (
	ErrUnsupported  = errors.New("unsupported document type")
	ErrNoPages      = errors.New("no pages rendered")
	ErrTooManyPages = errors.New("document exceeds the page limit")
)

// Page is one rasterized page, numbered from 1. Text holds the embedded text
// layer when the source PDF has one.
type Page struct {
	Number   int
	MimeType string
	Data     []byte
	Text     string
}

// Rasterizer turns a stored document into page images.
type Rasterizer interface {
	Render(ctx context.Context, data []byte, contentType, fileName string) ([]Page, error)
}

// Renderer rasterizes PDFs with pdftoppm and passes images through as a
// single page.
type Renderer struct {
	Runner   Runner
	Pdftoppm string
	DPI      int
	MaxPages int
	TempDir  string
}

// NewRenderer returns a Renderer backed by the real pdftoppm binary.
func NewRenderer(pdftoppm string, dpi, maxPages int) *Renderer {
	if pdftoppm == "" {
		pdftoppm = "pdftoppm"
	}
	if dpi <= 0 {
		dpi = 150
	}
	return &Renderer{Runner: ExecRunner{}, Pdftoppm: pdftoppm, DPI: dpi, MaxPages: maxPages}
}

// Render returns the pages of data in page order.
func (r *Renderer) Render(ctx context.Context, data []byte, contentType, fileName string) ([]Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("render %s: empty payload", fileName)
	}
	mime := NormalizeContentType(contentType, fileName, data)
	switch mime {
	case mimePDF:
		return r.renderPDF(ctx, data)
	case mimePNG, mimeJPEG, mimeGIF, mimeWEBP:
		return []Page{{Number: 1, MimeType: mime, Data: data}}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, mime)
	}
}

func (r *Renderer) renderPDF(ctx context.Context, data []byte) ([]Page, error) {
	tmpDir, err := os.MkdirTemp(r.TempDir, "docflow-pp-*")
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := os.RemoveAll(tmpDir); err != nil {
			telemetry.Warn("render.cleanup_failed", map[string]any{"dir": tmpDir, "error": err})
		}
	}()

	src := filepath.Join(tmpDir, "source.pdf")
	if err := os.WriteFile(src, data, 0o600); err != nil {
		return nil, err
	}

	texts, textErr := pageTexts(data)
	if textErr != nil {
		telemetry.Warn("render.text_layer_unavailable", map[string]any{"error": textErr})
	}
	if r.MaxPages > 0 && len(texts) > r.MaxPages {
		return nil, r.tooManyPages(len(texts))
	}

	// One page past the limit is rendered so an oversized document is
	// detected even when the text layer could not be read.
	prefix := filepath.Join(tmpDir, "page")
	args := []string{"-r", strconv.Itoa(r.DPI), "-png"}
	if r.MaxPages > 0 {
		args = append(args, "-f", "1", "-l", strconv.Itoa(r.MaxPages+1))
	}
	args = append(args, src, prefix)
	_, errb, err := r.Runner.Run(ctx, r.Pdftoppm, args...)
	if err != nil {
		return nil, fmt.Errorf("pdftoppm: %w: %s", err, truncate(strings.TrimSpace(string(errb)), 512))
	}

	files, err := renderedFiles(prefix)
	if err != nil {
		return nil, err
	}
	if r.MaxPages > 0 && len(files) > r.MaxPages {
		return nil, r.tooManyPages(len(files))
	}
	if len(files) == 0 {
		return nil, ErrNoPages
	}
	if texts != nil && len(texts) != len(files) {
		telemetry.Warn("render.page_count_mismatch", map[string]any{
			"text_pages":     len(texts),
			"rendered_pages": len(files),
		})
	}

	pages := make([]Page, 0, len(files))
	for i, f := range files {
		img, err := os.ReadFile(f.path)
		if err != nil {
			return nil, fmt.Errorf("read page %d: %w", f.number, err)
		}
		page := Page{Number: i + 1, MimeType: mimePNG, Data: img}
		if i < len(texts) {
			page.Text = texts[i]
		}
		pages = append(pages, page)
	}
	return pages, nil
}

// tooManyPages reports an oversized document. seen is a lower bound when the
// page count came from pdftoppm output.
func (r *Renderer) tooManyPages(seen int) error {
	telemetry.Warn("render.page_limit_exceeded", map[string]any{
		"pages":     seen,
		"max_pages": r.MaxPages,
	})
	return fmt.Errorf("%w: at least %d pages, limit is %d", ErrTooManyPages, seen, r.MaxPages)
}

type renderedFile struct {
	number int
	path   string
}

// renderedFiles lists prefix-N.png outputs ordered by N. pdftoppm zero-pads N
// to the width of the last page number, so lexical order is not enough.
func renderedFiles(prefix string) ([]renderedFile, error) {
	matches, err := filepath.Glob(prefix + "-*.png")
	if err != nil {
		return nil, err
	}
	out := make([]renderedFile, 0, len(matches))
	for _, m := range matches {
		base := strings.TrimSuffix(filepath.Base(m), ".png")
		idx := strings.LastIndexByte(base, '-')
		n, err := strconv.Atoi(base[idx+1:])
		if err != nil {
			continue
		}
		out = append(out, renderedFile{number: n, path: m})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].number < out[j].number })
	return out, nil
}

// pageTexts returns the embedded text of each page.
func pageTexts(data []byte) (texts []string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			texts = nil
			err = fmt.Errorf("pdf text layer: %v", rec)
		}
	}()
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}
	n := reader.NumPage()
	texts = make([]string, n)
	for i := 1; i <= n; i++ {
		p := reader.Page(i)
		if p.V.IsNull() {
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			continue
		}
		texts[i-1] = strings.TrimSpace(text)
	}
	return texts, nil
}

var _ Rasterizer = (*Renderer)(nil)
