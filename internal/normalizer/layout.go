package normalizer

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ResultPaths points at the files of one tool output candidate
type ResultPaths struct {
	Dir         string
	Markdown    string
	ImagesDir   string // empty when the tool produced no images
	ContentList string // empty when no sidecar exists
}

// Layout is one known arrangement of tool output under the raw directory
type Layout struct {
	Name  string
	Probe func(root, basename string) (ResultPaths, bool)
}

// DefaultLayouts lists the arrangements in the order they are tried
var DefaultLayouts = []Layout{
	{Name: "auto", Probe: dirProbe(func(root, _ string) string { return filepath.Join(root, "auto") })},
	{Name: "nested-auto", Probe: dirProbe(func(root, base string) string { return filepath.Join(root, base, "auto") })},
	{Name: "nested-vlm", Probe: dirProbe(func(root, base string) string { return filepath.Join(root, base, "vlm") })},
	{Name: "root", Probe: dirProbe(func(root, _ string) string { return root })},
	{Name: "deep-search", Probe: deepSearch},
}

func dirProbe(dir func(root, basename string) string) func(string, string) (ResultPaths, bool) {
	return func(root, basename string) (ResultPaths, bool) {
		return probeDir(dir(root, basename), basename)
	}
}

// probeDir accepts dir when it directly contains a Markdown file
func probeDir(dir, basename string) (ResultPaths, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ResultPaths{}, false
	}

	var markdown, contentList string
	var preferredMarkdown, preferredContentList string
	imagesDir := ""

	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			if name == "images" {
				imagesDir = filepath.Join(dir, name)
			}
			continue
		}

		switch {
		case strings.EqualFold(filepath.Ext(name), ".md"):
			if name == basename+".md" {
				preferredMarkdown = name
			} else if markdown == "" {
				markdown = name
			}
		case strings.HasSuffix(name, "content_list.json"):
			if name == basename+"_content_list.json" {
				preferredContentList = name
			} else if contentList == "" {
				contentList = name
			}
		}
	}

	if preferredMarkdown != "" {
		markdown = preferredMarkdown
	}
	if markdown == "" {
		return ResultPaths{}, false
	}
	if preferredContentList != "" {
		contentList = preferredContentList
	}

	paths := ResultPaths{
		Dir:       dir,
		Markdown:  filepath.Join(dir, markdown),
		ImagesDir: imagesDir,
	}
	if contentList != "" {
		paths.ContentList = filepath.Join(dir, contentList)
	}
	return paths, true
}

// deepSearch walks the tree lexically and takes the first directory holding Markdown
func deepSearch(root, basename string) (ResultPaths, bool) {
	var found ResultPaths
	ok := false

	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if p, hit := probeDir(path, basename); hit {
			found, ok = p, true
			return filepath.SkipAll
		}
		return nil
	})

	return found, ok
}
