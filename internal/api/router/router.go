package router

import (
	"log/slog"
	"net/http"

	"github.com/cuongbtq/paper-loom/internal/api/handler"
	"github.com/gin-gonic/gin"
)

const defaultServiceName = "ocr-service"

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Multipart parts above this size spill to temp files
	r.MaxMultipartMemory = 8 << 20

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	serviceName := deps.ServiceName
	if serviceName == "" {
		serviceName = defaultServiceName
	}

	// Health check endpoint; reports the job store connection when there is one
	r.GET("/health", func(c *gin.Context) {
		if deps.StoreHealth != nil {
			if err := deps.StoreHealth.HealthCheck(c.Request.Context()); err != nil {
				deps.Logger.Error("Health check failed", slog.Any("error", err))
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status":  "unhealthy",
					"service": serviceName,
					"store":   "unreachable",
				})
				return
			}
		}

		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": serviceName,
		})
	})

	if deps.MetricsHandler != nil {
		r.GET("/metrics", gin.WrapH(deps.MetricsHandler))
	}

	// Initialize job handler
	jobHandler := handler.NewJobHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		ocr := v1.Group("/ocr")
		{
			// POST /api/v1/ocr/upload - Upload a PDF and create a job
			ocr.POST("/upload", jobHandler.Upload)

			// POST /api/v1/ocr/process - Start processing an uploaded job
			ocr.POST("/process", jobHandler.Process)

			// GET /api/v1/ocr/status/:job_id - Job progress and stats
			ocr.GET("/status/:job_id", jobHandler.GetStatus)

			// GET /api/v1/ocr/result/:job_id - Markdown and stats of a completed job
			ocr.GET("/result/:job_id", jobHandler.GetResult)

			// GET /api/v1/ocr/download/:job_id - ZIP of the result directory
			ocr.GET("/download/:job_id", jobHandler.Download)

			// DELETE /api/v1/ocr/cleanup/:job_id - Remove job files and record
			ocr.DELETE("/cleanup/:job_id", jobHandler.Cleanup)

			// GET /api/v1/ocr/jobs - List jobs with filtering and pagination
			ocr.GET("/jobs", jobHandler.ListJobs)
		}
	}

	return r
}
