package router

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/cuongbtq/paper-loom/internal/api/handler"
	"github.com/cuongbtq/paper-loom/shared/database"
	"github.com/cuongbtq/paper-loom/shared/logger"
	redisclient "github.com/cuongbtq/paper-loom/shared/redis"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerMiddleware(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	r := gin.New()
	r.Use(LoggerMiddleware(log))
	r.GET("/api/v1/ocr/status/:job_id", func(c *gin.Context) { c.Status(http.StatusNotFound) })
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	tests := []struct {
		name      string
		path      string
		requestID string
		wantLevel string
		wantRoute string
		wantJobID string
	}{
		{name: "job route", path: "/api/v1/ocr/status/abc", requestID: "req-1", wantLevel: "WARN", wantRoute: "/api/v1/ocr/status/:job_id", wantJobID: "abc"},
		{name: "health poll", path: "/health", wantLevel: "DEBUG", wantRoute: "/health"},
		{name: "unknown route", path: "/nope", wantLevel: "WARN", wantRoute: "unmatched"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.requestID != "" {
				req.Header.Set(RequestIDHeader, tt.requestID)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			var entry map[string]any
			require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &entry))

			assert.Equal(t, tt.wantLevel, entry["level"])
			assert.Equal(t, tt.wantRoute, entry["route"])
			assert.Equal(t, w.Header().Get(RequestIDHeader), entry["request_id"])
			assert.NotEmpty(t, entry["request_id"])
			if tt.requestID != "" {
				assert.Equal(t, tt.requestID, entry["request_id"])
			}
			if tt.wantJobID != "" {
				assert.Equal(t, tt.wantJobID, entry["job_id"])
			} else {
				assert.NotContains(t, entry, "job_id")
			}
		})
	}
}

func healthRequest(t *testing.T, checker handler.HealthChecker) *httptest.ResponseRecorder {
	t.Helper()
	deps := &handler.Dependencies{Logger: logger.NewNop(), ServiceName: "ocr-test", StoreHealth: checker}
	w := httptest.NewRecorder()
	SetupRouter(deps).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	return w
}

func TestHealth_StoreConnection(t *testing.T) {
	t.Run("no store connection", func(t *testing.T) {
		w := healthRequest(t, nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"status":"healthy","service":"ocr-test"}`, w.Body.String())
	})

	t.Run("sqlite", func(t *testing.T) {
		client, err := database.NewClient(&database.Config{
			Driver: database.DriverSQLite,
			Path:   filepath.Join(t.TempDir(), "jobs.db"),
		}, logger.NewNop())
		require.NoError(t, err)

		assert.Equal(t, http.StatusOK, healthRequest(t, client).Code)

		require.NoError(t, client.Close())
		w := healthRequest(t, client)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.JSONEq(t, `{"status":"unhealthy","service":"ocr-test","store":"unreachable"}`, w.Body.String())
	})

	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client, err := redisclient.NewClient(context.Background(), &redisclient.Config{Addr: mr.Addr()}, logger.NewNop())
		require.NoError(t, err)
		t.Cleanup(func() { client.Close() })

		assert.Equal(t, http.StatusOK, healthRequest(t, client).Code)

		mr.Close()
		assert.Equal(t, http.StatusServiceUnavailable, healthRequest(t, client).Code)
	})
}
