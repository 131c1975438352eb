// Package normalizer maps whatever the layout-OCR tool wrote into the
// canonical result layout and derives document statistics.
package normalizer

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cuongbtq/paper-loom/internal/domain"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Stats sources reported in CanonicalResult.StatsSource
const (
	StatsSourceContentList = "content_list"
	StatsSourceMarkdown    = "markdown"
)

var errNoMarkdown = errors.New("no markdown output found")

// CanonicalResult describes a normalized result directory
type CanonicalResult struct {
	MarkdownPath string
	ImagesDir    string
	Stats        domain.Stats
	Layout       string
	StatsSource  string
	Encoding     string
}

// Normalizer finds tool output and rewrites it into destDir
type Normalizer struct {
	layouts  []Layout
	decoders []Decoder
	schema   *jsonschema.Schema
	logger   *slog.Logger
}

// New creates a normalizer with the default layouts and decoders
func New(logger *slog.Logger) (*Normalizer, error) {
	schema, err := compileContentListSchema()
	if err != nil {
		return nil, err
	}
	return &Normalizer{
		layouts:  DefaultLayouts,
		decoders: DefaultDecoders,
		schema:   schema,
		logger:   logger,
	}, nil
}

// Normalize writes destDir/output.md and destDir/images/ from the raw tool output
func (n *Normalizer) Normalize(rawOutputDir, pdfBasename, destDir string) (*CanonicalResult, error) {
	paths, layout, ok := n.locate(rawOutputDir, pdfBasename)
	if !ok {
		return nil, &domain.NormalizationError{Dir: rawOutputDir, Err: errNoMarkdown}
	}

	raw, err := os.ReadFile(paths.Markdown)
	if err != nil {
		return nil, &domain.NormalizationError{Dir: paths.Dir, Err: fmt.Errorf("failed to read markdown: %w", err)}
	}

	markdown, encoding, err := decodeText(raw, n.decoders)
	if err != nil {
		return nil, &domain.NormalizationError{Dir: paths.Dir, Err: err}
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create result directory: %w", err)
	}

	markdownPath := filepath.Join(destDir, domain.OutputMarkdown)
	if err := os.WriteFile(markdownPath, []byte(markdown), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write markdown: %w", err)
	}

	imagesDir := filepath.Join(destDir, domain.OutputImagesDir)
	if err := os.MkdirAll(imagesDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create images directory: %w", err)
	}
	if paths.ImagesDir != "" {
		if err := copyTree(paths.ImagesDir, imagesDir); err != nil {
			return nil, &domain.NormalizationError{Dir: paths.Dir, Err: fmt.Errorf("failed to copy images: %w", err)}
		}
	}

	imageFiles := countImages(imagesDir)
	stats, source := n.stats(paths, markdown, imageFiles)

	n.logger.Info("Tool output normalized",
		slog.String("layout", layout),
		slog.String("encoding", encoding),
		slog.String("stats_source", source),
		slog.Int("images", imageFiles),
	)

	return &CanonicalResult{
		MarkdownPath: markdownPath,
		ImagesDir:    imagesDir,
		Stats:        stats,
		Layout:       layout,
		StatsSource:  source,
		Encoding:     encoding,
	}, nil
}

func (n *Normalizer) locate(root, basename string) (ResultPaths, string, bool) {
	for _, l := range n.layouts {
		if paths, ok := l.Probe(root, basename); ok {
			return paths, l.Name, true
		}
	}
	return ResultPaths{}, "", false
}

// stats prefers a valid content list and falls back to counting the Markdown
func (n *Normalizer) stats(paths ResultPaths, markdown string, imageFiles int) (domain.Stats, string) {
	if paths.ContentList != "" {
		stats, ok, err := n.contentListStats(paths.ContentList)
		if err != nil {
			n.logger.Warn("Ignoring content list",
				slog.String("path", filepath.Base(paths.ContentList)),
				slog.Any("error", err),
			)
		}
		if ok {
			stats.TotalImages = imageFiles
			return stats, StatsSourceContentList
		}
	}
	return statsFromMarkdown(markdown, imageFiles), StatsSourceMarkdown
}

func (n *Normalizer) contentListStats(path string) (domain.Stats, bool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return domain.Stats{}, false, err
	}
	text, _, err := decodeText(raw, n.decoders)
	if err != nil {
		return domain.Stats{}, false, err
	}
	return statsFromContentList(n.schema, text)
}

// copyTree copies regular files from src into dst, keeping relative paths
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
