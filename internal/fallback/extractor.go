// Package fallback produces text-only Markdown when the layout-OCR tool cannot.
package fallback

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/cuongbtq/paper-loom/internal/domain"
	"github.com/ledongthuc/pdf"
)

// Notice is placed under the title of every fallback document
const Notice = "> Text-only extraction: layout analysis was unavailable, so images, tables and formulas are not included."

// Extractor reads raw page text straight from the PDF
type Extractor struct {
	logger *slog.Logger
}

// New creates a fallback extractor
func New(logger *slog.Logger) *Extractor {
	return &Extractor{logger: logger}
}

// Extract returns the fallback Markdown and its stats
func (e *Extractor) Extract(ctx context.Context, pdfPath string) (string, domain.Stats, error) {
	pages, err := e.readPages(ctx, pdfPath)
	if err != nil {
		return "", domain.Stats{}, err
	}

	name := strings.TrimSuffix(filepath.Base(pdfPath), filepath.Ext(pdfPath))

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n%s\n", name, Notice)

	paragraphs := 0
	for i, text := range pages {
		fmt.Fprintf(&b, "\n## Page %d\n", i+1)
		for _, line := range strings.Split(text, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			fmt.Fprintf(&b, "\n%s\n", line)
			paragraphs++
		}
	}

	stats := domain.Stats{
		TotalPages:    len(pages),
		TotalElements: paragraphs,
	}

	e.logger.Info("Fallback extraction finished",
		slog.String("pdf", filepath.Base(pdfPath)),
		slog.Int("pages", stats.TotalPages),
		slog.Int("paragraphs", paragraphs),
	)

	return b.String(), stats, nil
}

// PageCount returns the number of pages in the PDF
func (e *Extractor) PageCount(pdfPath string) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			n, err = 0, &domain.ExtractionError{Path: pdfPath, Err: fmt.Errorf("pdf parser panic: %v", r)}
		}
	}()

	f, r, err := pdf.Open(pdfPath)
	if err != nil {
		return 0, &domain.ExtractionError{Path: pdfPath, Err: err}
	}
	defer f.Close()

	return r.NumPage(), nil
}

// readPages returns the plain text of each page; undecodable pages come back empty
func (e *Extractor) readPages(ctx context.Context, pdfPath string) (pages []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			pages, err = nil, &domain.ExtractionError{Path: pdfPath, Err: fmt.Errorf("pdf parser panic: %v", r)}
		}
	}()

	f, r, err := pdf.Open(pdfPath)
	if err != nil {
		return nil, &domain.ExtractionError{Path: pdfPath, Err: err}
	}
	defer f.Close()

	total := r.NumPage()
	if total == 0 {
		return nil, &domain.ExtractionError{Path: pdfPath, Err: fmt.Errorf("document has no pages")}
	}

	pages = make([]string, 0, total)
	for i := 1; i <= total; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		p := r.Page(i)
		if p.V.IsNull() {
			pages = append(pages, "")
			continue
		}

		text, err := p.GetPlainText(nil)
		if err != nil {
			e.logger.Warn("Failed to decode page text",
				slog.String("pdf", filepath.Base(pdfPath)),
				slog.Int("page", i),
				slog.Any("error", err),
			)
			text = ""
		}
		pages = append(pages, text)
	}

	return pages, nil
}
