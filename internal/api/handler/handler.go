package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/paper-loom/internal/domain"
	"github.com/cuongbtq/paper-loom/internal/pipeline"
	"github.com/cuongbtq/paper-loom/internal/store"
	"github.com/cuongbtq/paper-loom/internal/workspace"
	"github.com/gin-gonic/gin"
)

// Processor starts processing runs
type Processor interface {
	Start(ctx context.Context, jobID string, opts pipeline.StartOptions) (*domain.Job, error)
}

// HealthChecker reports whether a backing service is reachable
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger         *slog.Logger
	Store          store.Store
	Workspace      *workspace.Workspace
	Processor      Processor
	MetricsHandler http.Handler
	ServiceName    string
	// StoreHealth is nil for the in-memory store
	StoreHealth HealthChecker
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger    *slog.Logger
	store     store.Store
	workspace *workspace.Workspace
	processor Processor
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:    deps.Logger,
		store:     deps.Store,
		workspace: deps.Workspace,
		processor: deps.Processor,
	}
}

// respondError maps domain errors to HTTP status codes
func (h *JobHandler) respondError(c *gin.Context, err error) {
	var uploadErr *domain.UploadError

	status := http.StatusInternalServerError
	msg := "internal server error"

	switch {
	case errors.As(err, &uploadErr):
		status, msg = http.StatusBadRequest, uploadErr.Reason
	case errors.Is(err, domain.ErrJobNotFound):
		status, msg = http.StatusNotFound, "job not found"
	case errors.Is(err, domain.ErrUploadMissing):
		status, msg = http.StatusNotFound, "uploaded PDF not found"
	case errors.Is(err, domain.ErrAlreadyProcessing):
		status, msg = http.StatusConflict, "job is already processing"
	case errors.Is(err, domain.ErrInvalidStateTransition):
		status, msg = http.StatusConflict, "job has already been processed"
	case errors.Is(err, domain.ErrShuttingDown):
		status, msg = http.StatusServiceUnavailable, "service is shutting down"
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed",
			slog.String("path", c.Request.URL.Path),
			slog.String("error", err.Error()),
		)
	}

	c.JSON(status, gin.H{
		"error": msg,
	})
}
