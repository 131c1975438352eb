package normalizer

import (
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"unicode/utf8"

	"github.com/cuongbtq/paper-loom/internal/domain"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// charsPerPage is the rough page size used when no page count is known
const charsPerPage = 800

var (
	reHTMLTable    = regexp.MustCompile(`(?i)<table[\s>]`)
	reDisplayMath  = regexp.MustCompile(`(?s)\$\$.+?\$\$`)
	reInlineMath   = regexp.MustCompile(`\$[^$\n]+?\$`)
	markdownParser = goldmark.New(goldmark.WithExtensions(extension.Table)).Parser()
)

// markdownCounts holds what the Markdown structure reveals
type markdownCounts struct {
	Images   int
	Tables   int
	Blocks   int
	Formulas int
}

func countMarkdown(src string) markdownCounts {
	var c markdownCounts

	source := []byte(src)
	doc := markdownParser.Parse(text.NewReader(source))

	for child := doc.FirstChild(); child != nil; child = child.NextSibling() {
		c.Blocks++
	}

	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch n.Kind() {
		case ast.KindImage:
			c.Images++
		case east.KindTable:
			c.Tables++
		}
		return ast.WalkContinue, nil
	})

	c.Tables += len(reHTMLTable.FindAllStringIndex(src, -1))

	display := reDisplayMath.FindAllStringIndex(src, -1)
	rest := reDisplayMath.ReplaceAllString(src, " ")
	c.Formulas = len(display) + len(reInlineMath.FindAllStringIndex(rest, -1))

	return c
}

// statsFromMarkdown is the fallback cascade used when no content list is usable
func statsFromMarkdown(src string, imageFiles int) domain.Stats {
	c := countMarkdown(src)

	figures := imageFiles
	if c.Images > figures {
		figures = c.Images
	}

	pages := utf8.RuneCountInString(src) / charsPerPage
	if pages < 1 {
		pages = 1
	}

	return domain.Stats{
		TotalPages:    pages,
		Tables:        c.Tables,
		Figures:       figures,
		Formulas:      c.Formulas,
		TotalImages:   imageFiles,
		TotalElements: c.Blocks,
	}
}

// countImages counts files under dir that decode as a known image format
func countImages(dir string) int {
	if dir == "" {
		return 0
	}

	n := 0
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if isDecodableImage(path) {
			n++
		}
		return nil
	})
	return n
}

func isDecodableImage(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	_, _, err = image.DecodeConfig(f)
	return err == nil
}
