package router

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/leadflow/internal/api/handler"
	"github.com/cuongbtq/leadflow/internal/metrics"
)

// Options configures the optional routes
type Options struct {
	ServiceName string
	// HealthCheck reports the state of the backing store; nil means always healthy
	HealthCheck func(ctx context.Context) error
	// MetricsPath exposes Prometheus metrics when set
	MetricsPath string
}

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies, opts Options) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())
	r.Use(metrics.Middleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		if opts.HealthCheck != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := opts.HealthCheck(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status":  "unhealthy",
					"service": opts.ServiceName,
					"error":   err.Error(),
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": opts.ServiceName,
		})
	})

	if opts.MetricsPath != "" {
		r.GET(opts.MetricsPath, gin.WrapH(metrics.Handler()))
	}

	jobHandler := handler.NewJobHandler(deps)
	leadHandler := handler.NewLeadHandler(deps)

	// API v1 routes, scoped to the caller's account
	v1 := r.Group("/api/v1")
	v1.Use(AccountMiddleware())
	{
		jobs := v1.Group("/jobs")
		{
			jobs.POST("/search", jobHandler.EnqueueSearch)
			jobs.POST("/outreach", jobHandler.EnqueueOutreach)
			jobs.GET("", jobHandler.ListJobs)
			jobs.GET("/:job_id", jobHandler.GetJob)
			jobs.POST("/:job_id/cancel", jobHandler.CancelJob)
		}

		leads := v1.Group("/leads")
		{
			leads.POST("", leadHandler.CreateLead)
			leads.GET("/export", leadHandler.Export)
			leads.GET("/:lead_id/outreach", leadHandler.GetOutreach)
			leads.POST("/:lead_id/outreach/stop", leadHandler.StopOutreach)
			leads.POST("/:lead_id/outreach/resend", leadHandler.ResendStage)
			leads.PATCH("/:lead_id/outreach/schedule", leadHandler.Reschedule)
			leads.POST("/:lead_id/replied", leadHandler.MarkReplied)
			leads.PATCH("/:lead_id/status", leadHandler.SetStatus)
		}
	}

	return r
}
