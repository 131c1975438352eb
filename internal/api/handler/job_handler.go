package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuongbtq/paper-loom/internal/api/dto"
	"github.com/cuongbtq/paper-loom/internal/domain"
	"github.com/cuongbtq/paper-loom/internal/invoker"
	"github.com/cuongbtq/paper-loom/internal/metrics"
	"github.com/cuongbtq/paper-loom/internal/pipeline"
	"github.com/cuongbtq/paper-loom/internal/result"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100

	// multipartOverhead is the slack allowed on top of the file size for form boundaries and headers
	multipartOverhead = 1 << 20
)

// Upload handles POST /api/v1/ocr/upload
// Accepts a multipart PDF and creates an uploaded job
func (h *JobHandler) Upload(c *gin.Context) {
	h.logger.Info("Upload called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
	)

	maxSize := h.workspace.MaxUploadSize()
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize+multipartOverhead)

	fileHeader, err := c.FormFile("file")
	if err != nil {
		h.logger.Warn("Upload rejected", slog.String("error", err.Error()))
		metrics.IncUpload(false)

		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.respondError(c, domain.NewUploadError("file exceeds the %d byte limit", maxSize))
			return
		}
		h.respondError(c, domain.NewUploadError("multipart field \"file\" is required"))
		return
	}

	if err := checkFileHeader(fileHeader, maxSize); err != nil {
		h.logger.Warn("Upload rejected",
			slog.String("filename", fileHeader.Filename),
			slog.String("error", err.Error()),
		)
		metrics.IncUpload(false)
		h.respondError(c, err)
		return
	}

	src, err := fileHeader.Open()
	if err != nil {
		metrics.IncUpload(false)
		h.respondError(c, fmt.Errorf("failed to open upload: %w", err))
		return
	}
	defer src.Close()

	staged, err := h.workspace.Stage(src)
	if err != nil {
		metrics.IncUpload(false)
		h.respondError(c, err)
		return
	}

	job, err := h.store.Create(c.Request.Context(), domain.JobMetadata{
		OriginalFilename: filepath.Base(fileHeader.Filename),
		FileSizeBytes:    staged.Size,
		UploadedAt:       time.Now(),
	})
	if err != nil {
		h.workspace.Discard(staged)
		metrics.IncUpload(false)
		h.respondError(c, fmt.Errorf("failed to create job: %w", err))
		return
	}

	if err := h.workspace.Commit(staged, job.JobID); err != nil {
		h.workspace.Discard(staged)
		if delErr := h.store.Delete(c.Request.Context(), job.JobID); delErr != nil {
			h.logger.Error("Failed to delete job after upload error",
				slog.String("job_id", job.JobID),
				slog.String("error", delErr.Error()),
			)
		}
		metrics.IncUpload(false)
		h.respondError(c, err)
		return
	}

	metrics.IncUpload(true)
	h.logger.Info("Upload accepted",
		slog.String("job_id", job.JobID),
		slog.String("filename", job.OriginalFilename),
		slog.Int64("size", job.FileSizeBytes),
	)

	c.JSON(http.StatusOK, dto.UploadResponse{
		JobID:      job.JobID,
		Filename:   job.OriginalFilename,
		FileSize:   job.FileSizeBytes,
		UploadTime: job.UploadedAt.Format(time.RFC3339),
		Message:    "File uploaded successfully",
	})
}

// checkFileHeader applies the cheap checks that need no file content
func checkFileHeader(fh *multipart.FileHeader, maxSize int64) error {
	if fh.Size == 0 {
		return domain.NewUploadError("file is empty")
	}
	if fh.Size > maxSize {
		return domain.NewUploadError("file exceeds the %d byte limit", maxSize)
	}

	mediaType, _, err := mime.ParseMediaType(fh.Header.Get("Content-Type"))
	if err != nil {
		mediaType = ""
	}
	switch mediaType {
	case "application/pdf":
		return nil
	case "", "application/octet-stream":
		if strings.EqualFold(filepath.Ext(fh.Filename), ".pdf") {
			return nil
		}
	}
	return domain.NewUploadError("only PDF files are accepted")
}

// Process handles POST /api/v1/ocr/process
// Starts a processing run and returns immediately
func (h *JobHandler) Process(c *gin.Context) {
	h.logger.Info("Process called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
	)

	var req dto.ProcessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	if !h.validJobID(c, req.JobID) {
		return
	}

	backend, err := backendFor(req.OCRModel)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	job, err := h.processor.Start(c.Request.Context(), req.JobID, pipeline.StartOptions{Backend: backend})
	if err != nil {
		h.logger.Warn("Failed to start processing",
			slog.String("job_id", req.JobID),
			slog.String("error", err.Error()),
		)
		h.respondError(c, err)
		return
	}

	var startedAt string
	if job.StartedAt != nil {
		startedAt = job.StartedAt.Format(time.RFC3339)
	}

	c.JSON(http.StatusOK, dto.ProcessResponse{
		JobID:     job.JobID,
		Status:    job.Status,
		StartedAt: startedAt,
	})
}

// backendFor maps the ocr_model request field to a backend override.
// Model sizes are accepted for compatibility and leave the configured backend in place.
func backendFor(model string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(model)) {
	case "", "small", "base":
		return "", nil
	case invoker.BackendPipeline:
		return invoker.BackendPipeline, nil
	case invoker.BackendVLM:
		return invoker.BackendVLM, nil
	}
	return "", fmt.Errorf("unsupported ocr_model %q", model)
}

// GetStatus handles GET /api/v1/ocr/status/:job_id
func (h *JobHandler) GetStatus(c *gin.Context) {
	jobID := c.Param("job_id")

	h.logger.Debug("GetStatus called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("job_id", jobID),
	)

	if !h.validJobID(c, jobID) {
		return
	}

	job, err := h.store.Get(c.Request.Context(), jobID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.NewStatusResponse(job))
}

// GetResult handles GET /api/v1/ocr/result/:job_id
// Returns the Markdown and stats of a completed job
func (h *JobHandler) GetResult(c *gin.Context) {
	jobID := c.Param("job_id")

	h.logger.Info("GetResult called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("job_id", jobID),
	)

	job, ok := h.completedJob(c, jobID)
	if !ok {
		return
	}

	markdown, err := result.ReadMarkdown(h.workspace.ResultDir(jobID))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.ResultResponse{
		JobID:       jobID,
		Markdown:    markdown,
		Stats:       *job.Stats,
		DownloadURL: "/api/v1/ocr/download/" + jobID,
	})
}

// Download handles GET /api/v1/ocr/download/:job_id
// Streams the result directory as a ZIP archive
func (h *JobHandler) Download(c *gin.Context) {
	jobID := c.Param("job_id")

	h.logger.Info("Download called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("job_id", jobID),
	)

	job, ok := h.completedJob(c, jobID)
	if !ok {
		return
	}

	dir := h.workspace.ResultDir(jobID)
	for _, name := range []string{domain.OutputMarkdown, domain.OutputMetadata} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			h.respondError(c, fmt.Errorf("result file %s unavailable: %w", name, err))
			return
		}
	}

	base := strings.TrimSuffix(job.OriginalFilename, filepath.Ext(job.OriginalFilename))
	if base == "" {
		base = jobID
	}

	c.Header("Content-Type", "application/zip")
	c.Header("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{
		"filename": base + "_ocr.zip",
	}))
	c.Status(http.StatusOK)

	if err := result.WriteArchive(c.Writer, dir); err != nil {
		// headers are already sent
		h.logger.Error("Failed to write archive",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		_ = c.Error(err)
	}
}

// Cleanup handles DELETE /api/v1/ocr/cleanup/:job_id
// Removes the job's files and record
func (h *JobHandler) Cleanup(c *gin.Context) {
	jobID := c.Param("job_id")

	h.logger.Info("Cleanup called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("job_id", jobID),
	)

	if !h.validJobID(c, jobID) {
		return
	}

	ctx := c.Request.Context()

	job, err := h.store.Get(ctx, jobID)
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		job = nil
	case err != nil:
		h.respondError(c, err)
		return
	}

	if job != nil && job.Status == domain.JobStatusProcessing {
		c.JSON(http.StatusConflict, gin.H{
			"error": "job is processing and cannot be cleaned up",
		})
		return
	}

	cleaned, err := h.workspace.Remove(jobID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	if job != nil {
		if err := h.store.Delete(ctx, jobID); err != nil {
			h.respondError(c, fmt.Errorf("failed to delete job: %w", err))
			return
		}
	}

	c.JSON(http.StatusOK, dto.CleanupResponse{
		JobID:        jobID,
		CleanedFiles: cleaned,
		Message:      fmt.Sprintf("Cleaned %d item(s)", len(cleaned)),
	})
}

// ListJobs handles GET /api/v1/ocr/jobs
// Lists jobs in upload order with optional status filter and cursor pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	h.logger.Info("ListJobs called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("query", c.Request.URL.RawQuery),
	)

	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.Status != "" && !domain.IsValidStatus(req.Status) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid status filter",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}

	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	jobs, err := h.store.List(c.Request.Context())
	if err != nil {
		h.respondError(c, fmt.Errorf("failed to list jobs: %w", err))
		return
	}

	page := make([]*domain.Job, 0, req.PageSize+1)
	for _, job := range jobs {
		if req.Status != "" && job.Status != req.Status {
			continue
		}
		if !cursor.after(job) {
			continue
		}
		page = append(page, job)
		if len(page) > req.PageSize {
			break
		}
	}

	hasMore := len(page) > req.PageSize
	if hasMore {
		page = page[:req.PageSize]
	}

	jobResponse := make([]dto.StatusResponse, len(page))
	for i, job := range page {
		jobResponse[i] = dto.NewStatusResponse(job)
	}

	var nextCursor string
	if hasMore {
		lastJob := page[len(page)-1]
		nextCursor = EncodeJobCursor(&JobCursor{
			UploadedAt: lastJob.UploadedAt,
			JobID:      lastJob.JobID,
		})
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobResponse,
		NextCursor: nextCursor,
	})
}

// validJobID writes a 400 and returns false when jobID is not a UUID
func (h *JobHandler) validJobID(c *gin.Context, jobID string) bool {
	if _, err := uuid.Parse(jobID); err != nil {
		h.logger.Error("Invalid job_id format", slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return false
	}
	return true
}

// completedJob loads a job and writes a 404 unless it has completed
func (h *JobHandler) completedJob(c *gin.Context, jobID string) (*domain.Job, bool) {
	if !h.validJobID(c, jobID) {
		return nil, false
	}

	job, err := h.store.Get(c.Request.Context(), jobID)
	if err != nil {
		h.respondError(c, err)
		return nil, false
	}

	if job.Status != domain.JobStatusCompleted || job.Stats == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":  "result not available",
			"status": job.Status,
		})
		return nil, false
	}

	return job, true
}
