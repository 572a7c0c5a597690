package adminapi

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hypershell/hypershell/internal/health"
	"github.com/hypershell/hypershell/internal/requestid"
	"github.com/hypershell/hypershell/internal/store"
)

// NewRouter builds the admin HTTP surface: health, readiness, metrics,
// and the task search/update/cancel endpoints, all but health/readiness
// gated by the shared-secret bearer token.
func NewRouter(st store.Store, checker *health.Checker, token string, logger *slog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestID())
	r.Use(Metrics())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, checker.Liveness(c.Request.Context()))
	})
	r.GET("/readyz", func(c *gin.Context) {
		result := checker.Readiness(c.Request.Context())
		status := http.StatusOK
		if result.Status != "up" {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, result)
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	taskHandler := NewTaskHandler(st)
	tasks := r.Group("/admin/tasks", Auth(token))
	tasks.GET("", taskHandler.Search)
	tasks.GET("/:id", taskHandler.Info)
	tasks.PATCH("", taskHandler.Update)
	tasks.POST("/cancel", taskHandler.Cancel)

	return r
}

// RequestID injects a request ID into the context and response header
// (adapted from the teacher's transport/http/middleware/requestid.go).
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = requestid.New()
		}
		ctx := requestid.WithRequestID(c.Request.Context(), id)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}
