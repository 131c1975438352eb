package dto

import (
	"time"

	"github.com/cuongbtq/paper-loom/internal/domain"
)

type UploadResponse struct {
	JobID      string `json:"job_id"`
	Filename   string `json:"filename"`
	FileSize   int64  `json:"file_size"`
	UploadTime string `json:"upload_time"`
	Message    string `json:"message"`
}

type ProcessRequest struct {
	JobID    string `json:"job_id" binding:"required"`
	OCRModel string `json:"ocr_model"`
}

type ProcessResponse struct {
	JobID     string `json:"job_id"`
	Status    string `json:"status"`
	StartedAt string `json:"started_at"`
}

type StatusResponse struct {
	JobID          string        `json:"job_id"`
	Filename       string        `json:"filename"`
	FileSize       int64         `json:"file_size"`
	Status         string        `json:"status"`
	Progress       int           `json:"progress"`
	CurrentStep    string        `json:"current_step"`
	UploadedAt     string        `json:"uploaded_at"`
	StartedAt      *string       `json:"started_at,omitempty"`
	CompletedAt    *string       `json:"completed_at,omitempty"`
	ElapsedSeconds *float64      `json:"elapsed_seconds,omitempty"`
	Stats          *domain.Stats `json:"stats,omitempty"`
	Error          *string       `json:"error,omitempty"`
	MineruSuccess  bool          `json:"mineru_success"`
	FallbackUsed   bool          `json:"fallback_used"`
	Backend        string        `json:"backend,omitempty"`
	Device         string        `json:"device,omitempty"`
}

type ResultResponse struct {
	JobID       string       `json:"job_id"`
	Markdown    string       `json:"markdown"`
	Stats       domain.Stats `json:"stats"`
	DownloadURL string       `json:"download_url"`
}

type CleanupResponse struct {
	JobID        string   `json:"job_id"`
	CleanedFiles []string `json:"cleaned_files"`
	Message      string   `json:"message"`
}

type ListJobsRequest struct {
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []StatusResponse `json:"jobs"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

// NewStatusResponse renders a job snapshot for clients
func NewStatusResponse(job *domain.Job) StatusResponse {
	return StatusResponse{
		JobID:          job.JobID,
		Filename:       job.OriginalFilename,
		FileSize:       job.FileSizeBytes,
		Status:         job.Status,
		Progress:       job.Progress,
		CurrentStep:    job.CurrentStep,
		UploadedAt:     job.UploadedAt.Format(time.RFC3339),
		StartedAt:      formatTime(job.StartedAt),
		CompletedAt:    formatTime(job.CompletedAt),
		ElapsedSeconds: job.ElapsedSeconds,
		Stats:          job.Stats,
		Error:          job.ErrorMessage,
		MineruSuccess:  job.MineruSuccess,
		FallbackUsed:   job.FallbackUsed,
		Backend:        job.Backend,
		Device:         job.Device,
	}
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}
