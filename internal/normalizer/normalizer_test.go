package normalizer

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/cuongbtq/paper-loom/internal/domain"
	"github.com/cuongbtq/paper-loom/internal/testutil"
	"github.com/cuongbtq/paper-loom/shared/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/japanese"
)

const flatContentList = `[
	{"type": "text", "text": "Intro", "page_idx": 0},
	{"type": "image", "img_path": "images/fig.png", "page_idx": 0},
	{"type": "table", "page_idx": 1},
	{"type": "equation", "page_idx": 1},
	{"type": "interline_equation", "page_idx": 1}
]`

const pagedContentList = `[
	{"preproc_blocks": [{"type": "text"}, {"type": "image"}]},
	{"preproc_blocks": [{"type": "inline_equation"}]}
]`

const richMarkdown = `# Title

Some text with $a+b$ inline.

$$
E = mc^2
$$

| a | b |
|---|---|
| 1 | 2 |

<table><tr><td>x</td></tr></table>

![fig](images/fig.png)
![fig2](images/missing.png)
`

func newNormalizer(t *testing.T) *Normalizer {
	t.Helper()
	n, err := New(logger.NewNop())
	require.NoError(t, err)
	return n
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(b)
}

func TestNormalize_NestedAutoWithContentList(t *testing.T) {
	raw := t.TempDir()
	dest := t.TempDir()
	testutil.WriteFile(t, raw, "paper/auto/paper.md", []byte("# Paper\n\n![](images/fig.png)\n"))
	testutil.WriteFile(t, raw, "paper/auto/images/fig.png", testutil.PNG(t))
	testutil.WriteFile(t, raw, "paper/auto/paper_content_list.json", []byte(flatContentList))

	res, err := newNormalizer(t).Normalize(raw, "paper", dest)
	require.NoError(t, err)

	assert.Equal(t, "nested-auto", res.Layout)
	assert.Equal(t, StatsSourceContentList, res.StatsSource)
	assert.Equal(t, filepath.Join(dest, "output.md"), res.MarkdownPath)
	assert.Equal(t, "# Paper\n\n![](images/fig.png)\n", readFile(t, res.MarkdownPath))
	assert.FileExists(t, filepath.Join(dest, "images", "fig.png"))

	assert.Equal(t, domain.Stats{
		TotalPages:    2,
		Tables:        1,
		Figures:       1,
		Formulas:      2,
		TotalImages:   1,
		TotalElements: 5,
	}, res.Stats)
}

func TestNormalize_PagedContentList(t *testing.T) {
	raw := t.TempDir()
	testutil.WriteFile(t, raw, "auto/doc.md", []byte("text"))
	testutil.WriteFile(t, raw, "auto/doc_content_list.json", []byte(pagedContentList))

	res, err := newNormalizer(t).Normalize(raw, "doc", t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "auto", res.Layout)
	assert.Equal(t, StatsSourceContentList, res.StatsSource)
	assert.Equal(t, 2, res.Stats.TotalPages)
	assert.Equal(t, 3, res.Stats.TotalElements)
	assert.Equal(t, 1, res.Stats.Figures)
	assert.Equal(t, 1, res.Stats.Formulas)
	assert.Equal(t, 0, res.Stats.TotalImages)
}

// imageTree maps every file under dir to its contents
func imageTree(t *testing.T, dir string) map[string]string {
	t.Helper()
	tree := make(map[string]string)
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		tree[filepath.ToSlash(rel)] = readFile(t, path)
		return nil
	})
	require.NoError(t, err)
	return tree
}

func TestNormalize_LayoutsAreEquivalent(t *testing.T) {
	png := testutil.PNG(t)
	markdown := "# Paper\n\n![fig](images/fig.png)\n\n| a |\n|---|\n| 1 |\n"

	type canonical struct {
		stats    domain.Stats
		source   string
		markdown string
		images   map[string]string
	}

	layouts := []struct {
		prefix     string
		wantLayout string
	}{
		{prefix: "", wantLayout: "root"},
		{prefix: "auto/", wantLayout: "auto"},
		{prefix: "paper/auto/", wantLayout: "nested-auto"},
	}

	results := make([]canonical, 0, len(layouts))
	for _, l := range layouts {
		raw := t.TempDir()
		dest := t.TempDir()
		testutil.WriteFile(t, raw, l.prefix+"paper.md", []byte(markdown))
		testutil.WriteFile(t, raw, l.prefix+"images/fig.png", png)
		testutil.WriteFile(t, raw, l.prefix+"images/crops/table.png", png)
		testutil.WriteFile(t, raw, l.prefix+"paper_content_list.json", []byte(flatContentList))

		res, err := newNormalizer(t).Normalize(raw, "paper", dest)
		require.NoError(t, err, l.prefix)
		require.Equal(t, l.wantLayout, res.Layout)

		results = append(results, canonical{
			stats:    res.Stats,
			source:   res.StatsSource,
			markdown: readFile(t, filepath.Join(dest, domain.OutputMarkdown)),
			images:   imageTree(t, filepath.Join(dest, domain.OutputImagesDir)),
		})
	}

	want := results[0]
	assert.Equal(t, StatsSourceContentList, want.source)
	assert.Equal(t, markdown, want.markdown)
	assert.Len(t, want.images, 2)
	for i, got := range results[1:] {
		assert.Equal(t, want, got, "layout %q", layouts[i+1].wantLayout)
	}
}

func TestNormalize_LayoutPriority(t *testing.T) {
	tests := []struct {
		name       string
		files      map[string]string
		basename   string
		wantLayout string
		wantText   string
	}{
		{
			name: "auto beats root",
			files: map[string]string{
				"auto/doc.md": "from auto",
				"doc.md":      "from root",
			},
			basename:   "doc",
			wantLayout: "auto",
			wantText:   "from auto",
		},
		{
			name: "vlm backend layout",
			files: map[string]string{
				"doc/vlm/doc.md": "from vlm",
			},
			basename:   "doc",
			wantLayout: "nested-vlm",
			wantText:   "from vlm",
		},
		{
			name: "root prefers basename markdown",
			files: map[string]string{
				"aaa.md": "other",
				"doc.md": "mine",
			},
			basename:   "doc",
			wantLayout: "root",
			wantText:   "mine",
		},
		{
			name: "root falls back to lexically first markdown",
			files: map[string]string{
				"zeta.md":  "z",
				"alpha.md": "a",
			},
			basename:   "doc",
			wantLayout: "root",
			wantText:   "a",
		},
		{
			name: "deep search",
			files: map[string]string{
				"doc/ocr/v2/doc.md": "deep",
			},
			basename:   "doc",
			wantLayout: "deep-search",
			wantText:   "deep",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := t.TempDir()
			for rel, content := range tt.files {
				testutil.WriteFile(t, raw, rel, []byte(content))
			}

			res, err := newNormalizer(t).Normalize(raw, tt.basename, t.TempDir())
			require.NoError(t, err)

			assert.Equal(t, tt.wantLayout, res.Layout)
			assert.Equal(t, tt.wantText, readFile(t, res.MarkdownPath))
		})
	}
}

func TestNormalize_NoMarkdown(t *testing.T) {
	raw := t.TempDir()
	testutil.WriteFile(t, raw, "auto/images/fig.png", testutil.PNG(t))
	testutil.WriteFile(t, raw, "auto/log.txt", []byte("crashed"))

	_, err := newNormalizer(t).Normalize(raw, "doc", t.TempDir())
	require.Error(t, err)

	var normErr *domain.NormalizationError
	assert.True(t, errors.As(err, &normErr))
}

func TestNormalize_MissingRawDir(t *testing.T) {
	_, err := newNormalizer(t).Normalize(filepath.Join(t.TempDir(), "nope"), "doc", t.TempDir())

	var normErr *domain.NormalizationError
	assert.True(t, errors.As(err, &normErr))
}

func TestNormalize_Encodings(t *testing.T) {
	sjis, err := japanese.ShiftJIS.NewEncoder().Bytes([]byte("日本語の文書"))
	require.NoError(t, err)

	tests := []struct {
		name         string
		input        []byte
		want         string
		wantEncoding string
	}{
		{name: "utf-8", input: []byte("héllo wörld"), want: "héllo wörld", wantEncoding: "utf-8"},
		{name: "utf-8 with bom", input: append([]byte{0xEF, 0xBB, 0xBF}, []byte("bom text")...), want: "bom text", wantEncoding: "utf-8"},
		{name: "shift-jis", input: sjis, want: "日本語の文書", wantEncoding: "cp932"},
		{name: "latin-1", input: []byte("Caf\xe9 au lait\n"), want: "Café au lait\n", wantEncoding: "latin-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := t.TempDir()
			testutil.WriteFile(t, raw, "auto/doc.md", tt.input)

			res, err := newNormalizer(t).Normalize(raw, "doc", t.TempDir())
			require.NoError(t, err)

			assert.Equal(t, tt.wantEncoding, res.Encoding)
			assert.Equal(t, tt.want, readFile(t, res.MarkdownPath))
		})
	}
}

func TestNormalize_MarkdownStats(t *testing.T) {
	raw := t.TempDir()
	dest := t.TempDir()
	testutil.WriteFile(t, raw, "auto/doc.md", []byte(richMarkdown))
	testutil.WriteFile(t, raw, "auto/images/fig.png", testutil.PNG(t))
	testutil.WriteFile(t, raw, "auto/images/notes.png", []byte("not really an image"))

	res, err := newNormalizer(t).Normalize(raw, "doc", dest)
	require.NoError(t, err)

	assert.Equal(t, StatsSourceMarkdown, res.StatsSource)
	assert.Equal(t, domain.Stats{
		TotalPages:    1,
		Tables:        2,
		Figures:       2,
		Formulas:      2,
		TotalImages:   1,
		TotalElements: 6,
	}, res.Stats)
	assert.FileExists(t, filepath.Join(dest, "images", "notes.png"), "all files are copied, only decodable ones counted")
}

func TestNormalize_InvalidContentListFallsBackToMarkdown(t *testing.T) {
	tests := []struct {
		name    string
		sidecar string
	}{
		{name: "schema violation", sidecar: `[{"type": 42}]`},
		{name: "not json", sidecar: `{{{`},
		{name: "empty list", sidecar: `[]`},
		{name: "pages without blocks", sidecar: `[{"preproc_blocks": []}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := t.TempDir()
			testutil.WriteFile(t, raw, "auto/doc.md", []byte("![a](images/a.png)\n"))
			testutil.WriteFile(t, raw, "auto/doc_content_list.json", []byte(tt.sidecar))

			res, err := newNormalizer(t).Normalize(raw, "doc", t.TempDir())
			require.NoError(t, err)

			assert.Equal(t, StatsSourceMarkdown, res.StatsSource)
			assert.Equal(t, 1, res.Stats.Figures)
		})
	}
}

func TestNormalize_ImagesDirAlwaysCreated(t *testing.T) {
	raw := t.TempDir()
	dest := t.TempDir()
	testutil.WriteFile(t, raw, "doc.md", []byte("plain"))

	res, err := newNormalizer(t).Normalize(raw, "doc", dest)
	require.NoError(t, err)

	assert.DirExists(t, res.ImagesDir)
	assert.Equal(t, 0, res.Stats.TotalImages)
	assert.Equal(t, 0, res.Stats.Figures)
}

func TestStatsFromMarkdown_PageEstimate(t *testing.T) {
	long := make([]rune, 0, 4000)
	for i := 0; i < 4000; i++ {
		long = append(long, 'é')
	}

	assert.Equal(t, 5, statsFromMarkdown(string(long), 0).TotalPages)
	assert.Equal(t, 1, statsFromMarkdown("short", 0).TotalPages)
}

func TestDecodeText_Order(t *testing.T) {
	_, name, err := decodeText([]byte("ascii"), DefaultDecoders)
	require.NoError(t, err)
	assert.Equal(t, "utf-8", name)

	_, _, err = decodeText([]byte{0xff}, []Decoder{{Name: "utf-8", Decode: decodeUTF8}})
	assert.Error(t, err)
}
