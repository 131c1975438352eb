// Package result reads and packages a job's canonical result directory.
package result

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuongbtq/paper-loom/internal/domain"
)

// Metadata is the metadata.json document stored next to output.md
type Metadata struct {
	JobID          string       `json:"job_id"`
	Filename       string       `json:"filename"`
	ProcessedAt    time.Time    `json:"processed_at"`
	ProcessingTime float64      `json:"processing_time"`
	Stats          domain.Stats `json:"stats"`
	MineruSuccess  bool         `json:"mineru_success"`
	FallbackUsed   bool         `json:"fallback_used"`
}

// WriteMetadata writes dir/metadata.json
func WriteMetadata(dir string, m Metadata) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, domain.OutputMetadata), data, 0o644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return nil
}

// ReadMetadata loads dir/metadata.json
func ReadMetadata(dir string) (*Metadata, error) {
	data, err := os.ReadFile(filepath.Join(dir, domain.OutputMetadata))
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	return &m, nil
}

// ReadMarkdown returns the contents of dir/output.md
func ReadMarkdown(dir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, domain.OutputMarkdown))
	if err != nil {
		return "", fmt.Errorf("failed to read markdown: %w", err)
	}
	return string(data), nil
}

// WriteArchive streams output.md, metadata.json and images/ from dir as a ZIP.
// Anything else in the directory is left out.
func WriteArchive(w io.Writer, dir string) error {
	zw := zip.NewWriter(w)

	for _, name := range []string{domain.OutputMarkdown, domain.OutputMetadata} {
		if err := addFile(zw, filepath.Join(dir, name), name); err != nil {
			return err
		}
	}

	imagesDir := filepath.Join(dir, domain.OutputImagesDir)
	err := filepath.WalkDir(imagesDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)

		if d.IsDir() {
			_, err := zw.Create(name + "/")
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return addFile(zw, path, name)
	})
	if err != nil {
		return fmt.Errorf("failed to archive images: %w", err)
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finish archive: %w", err)
	}
	return nil
}

func addFile(zw *zip.Writer, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", name, err)
	}

	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("failed to build header for %s: %w", name, err)
	}
	header.Name = name
	header.Method = zip.Deflate
	if strings.HasPrefix(name, domain.OutputImagesDir+"/") {
		// images are already compressed
		header.Method = zip.Store
	}

	dst, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("failed to add %s: %w", name, err)
	}
	if _, err := io.Copy(dst, f); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}
