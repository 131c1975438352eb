// Package workspace owns the job-keyed filesystem areas: the uploaded PDF and
// the result directory.
//
//	<uploads>/<job_id>/original.pdf
//	<outputs>/<job_id>/output.md
//	<outputs>/<job_id>/images/
//	<outputs>/<job_id>/metadata.json
//	<outputs>/<job_id>/.raw/          (tool scratch, removed on finalize)
package workspace

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cuongbtq/paper-loom/internal/domain"
	"github.com/gabriel-vasile/mimetype"
)

// DefaultMaxUploadSize is applied when Config.MaxUploadSize is zero
const DefaultMaxUploadSize int64 = 50 << 20

const (
	stagingDirName = ".staging"
	pdfMIME        = "application/pdf"
	sniffLen       = 3072
)

// Config holds the workspace roots
type Config struct {
	UploadDir     string
	OutputDir     string
	MaxUploadSize int64
}

// Workspace manages upload and result directories
type Workspace struct {
	uploadDir     string
	outputDir     string
	maxUploadSize int64
	logger        *slog.Logger
}

// Staged is an accepted upload waiting for its job id
type Staged struct {
	Path string
	Size int64
}

// New creates the upload and output roots
func New(cfg Config, logger *slog.Logger) (*Workspace, error) {
	if cfg.UploadDir == "" || cfg.OutputDir == "" {
		return nil, fmt.Errorf("upload and output directories are required")
	}
	if cfg.MaxUploadSize <= 0 {
		cfg.MaxUploadSize = DefaultMaxUploadSize
	}

	for _, dir := range []string{cfg.UploadDir, cfg.OutputDir, filepath.Join(cfg.UploadDir, stagingDirName)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return &Workspace{
		uploadDir:     cfg.UploadDir,
		outputDir:     cfg.OutputDir,
		maxUploadSize: cfg.MaxUploadSize,
		logger:        logger,
	}, nil
}

// MaxUploadSize returns the upload ceiling in bytes
func (w *Workspace) MaxUploadSize() int64 {
	return w.maxUploadSize
}

// UploadPath returns the location of a job's original PDF
func (w *Workspace) UploadPath(jobID string) string {
	return filepath.Join(w.uploadDir, jobID, domain.UploadFileName)
}

// ResultDir returns the canonical result directory of a job
func (w *Workspace) ResultDir(jobID string) string {
	return filepath.Join(w.outputDir, jobID)
}

// RawDir returns the scratch directory the OCR tool writes into
func (w *Workspace) RawDir(jobID string) string {
	return filepath.Join(w.ResultDir(jobID), domain.RawOutputDirName)
}

// HasUpload reports whether the job's PDF is on disk
func (w *Workspace) HasUpload(jobID string) bool {
	info, err := os.Stat(w.UploadPath(jobID))
	return err == nil && info.Mode().IsRegular()
}

// Stage copies r into a staging file after checking size and PDF signature.
// Rejections are returned as *domain.UploadError and leave nothing on disk.
func (w *Workspace) Stage(r io.Reader) (*Staged, error) {
	br := bufio.NewReaderSize(r, sniffLen)
	head, err := br.Peek(sniffLen)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	if len(head) == 0 {
		return nil, domain.NewUploadError("file is empty")
	}
	if !mimetype.Detect(head).Is(pdfMIME) {
		return nil, domain.NewUploadError("file content is not a PDF")
	}

	f, err := os.CreateTemp(filepath.Join(w.uploadDir, stagingDirName), "upload-*.pdf")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging file: %w", err)
	}

	n, err := io.Copy(f, io.LimitReader(br, w.maxUploadSize+1))
	closeErr := f.Close()
	switch {
	case err != nil:
		os.Remove(f.Name())
		return nil, fmt.Errorf("failed to write upload: %w", err)
	case closeErr != nil:
		os.Remove(f.Name())
		return nil, fmt.Errorf("failed to write upload: %w", closeErr)
	case n > w.maxUploadSize:
		os.Remove(f.Name())
		return nil, domain.NewUploadError("file exceeds the %d byte limit", w.maxUploadSize)
	}

	return &Staged{Path: f.Name(), Size: n}, nil
}

// Commit moves a staged upload into the job's upload slot
func (w *Workspace) Commit(s *Staged, jobID string) error {
	dst := w.UploadPath(jobID)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create upload directory: %w", err)
	}
	if err := os.Rename(s.Path, dst); err != nil {
		return fmt.Errorf("failed to store upload: %w", err)
	}
	return nil
}

// Discard drops a staged upload that was never committed
func (w *Workspace) Discard(s *Staged) {
	if s == nil {
		return
	}
	if err := os.Remove(s.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		w.logger.Warn("Failed to remove staged upload",
			slog.String("path", s.Path),
			slog.Any("error", err),
		)
	}
}

// ResetRawDir returns an empty scratch directory for one tool attempt
func (w *Workspace) ResetRawDir(jobID string) (string, error) {
	dir := w.RawDir(jobID)
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("failed to clear raw output: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create raw output directory: %w", err)
	}
	return dir, nil
}

// RemoveRaw deletes the tool scratch directory
func (w *Workspace) RemoveRaw(jobID string) error {
	return os.RemoveAll(w.RawDir(jobID))
}

// RemoveResult deletes the whole result directory
func (w *Workspace) RemoveResult(jobID string) error {
	return os.RemoveAll(w.ResultDir(jobID))
}

// Remove deletes both job areas and returns the ones that existed, as
// "<root>/<job_id>" labels. Removing a job with nothing on disk is not an error.
func (w *Workspace) Remove(jobID string) ([]string, error) {
	cleaned := []string{}
	for _, root := range []string{w.uploadDir, w.outputDir} {
		dir := filepath.Join(root, jobID)
		if _, err := os.Stat(dir); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return cleaned, fmt.Errorf("failed to stat %s: %w", dir, err)
		}
		if err := os.RemoveAll(dir); err != nil {
			return cleaned, fmt.Errorf("failed to remove %s: %w", dir, err)
		}
		cleaned = append(cleaned, filepath.Base(root)+"/"+jobID)
	}

	if len(cleaned) > 0 {
		w.logger.Info("Job files removed",
			slog.String("job_id", jobID),
			slog.Any("paths", cleaned),
		)
	}
	return cleaned, nil
}
