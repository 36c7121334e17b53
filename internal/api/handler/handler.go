package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/leadflow/internal/domain"
	"github.com/cuongbtq/leadflow/internal/service"
)

// AccountKey is the gin context key the account middleware stores the caller's account under
const AccountKey = "account_id"

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger  *slog.Logger
	Service *service.Service
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger  *slog.Logger
	service *service.Service
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:  deps.Logger,
		service: deps.Service,
	}
}

// LeadHandler handles lead outreach HTTP requests
type LeadHandler struct {
	logger  *slog.Logger
	service *service.Service
}

// NewLeadHandler creates a new LeadHandler instance
func NewLeadHandler(deps *Dependencies) *LeadHandler {
	return &LeadHandler{
		logger:  deps.Logger,
		service: deps.Service,
	}
}

func accountID(c *gin.Context) string {
	return c.GetString(AccountKey)
}

// writeError maps domain errors to HTTP responses
func writeError(c *gin.Context, logger *slog.Logger, msg string, err error) {
	var (
		verr     *domain.ValidationError
		tmplErr  *domain.TemplateError
		upstream *domain.UpstreamError
	)

	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  "Validation failed",
			"fields": verr.Fields,
		})
	case errors.Is(err, domain.ErrJobNotFound), errors.Is(err, domain.ErrLeadNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrOutreachActive),
		errors.Is(err, domain.ErrOutreachInactive),
		errors.Is(err, domain.ErrNothingToResend):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.As(err, &tmplErr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.As(err, &upstream):
		logger.Warn(msg, slog.String("error", err.Error()))
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		logger.Error(msg, slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
	}
}
