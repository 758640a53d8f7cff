package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sdms-sync-api/internal/models"
	"github.com/noah-isme/sdms-sync-api/pkg/response"
)

// MetricsQueryService is the surface the metrics read endpoints depend on.
type MetricsQueryService interface {
	UserMetrics(ctx context.Context, userID int64, courseID *int64, periodType models.PeriodType, limit int) ([]models.UserMetrics, error)
	SchoolMetrics(ctx context.Context, schoolID string, periodType models.PeriodType, limit int) ([]models.SchoolMetrics, error)
}

// MetricsHandler exposes the engagement metrics read endpoints.
type MetricsHandler struct {
	metrics MetricsQueryService
}

// NewMetricsHandler constructs MetricsHandler.
func NewMetricsHandler(metrics MetricsQueryService) *MetricsHandler {
	return &MetricsHandler{metrics: metrics}
}

// UserMetrics serves recent per-user engagement rows.
func (h *MetricsHandler) UserMetrics(c *gin.Context) {
	userID, err := parseUserID(c)
	if err != nil {
		response.Error(c, err)
		return
	}

	var courseID *int64
	if raw := c.Query("courseId"); raw != "" {
		if id, parseErr := strconv.ParseInt(raw, 10, 64); parseErr == nil {
			courseID = &id
		}
	}

	rows, err := h.metrics.UserMetrics(c.Request.Context(), userID, courseID, periodTypeQuery(c), limitQuery(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, rows)
}

// SchoolMetrics serves recent per-school roll-up rows.
func (h *MetricsHandler) SchoolMetrics(c *gin.Context) {
	rows, err := h.metrics.SchoolMetrics(c.Request.Context(), c.Param("id"), periodTypeQuery(c), limitQuery(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, rows)
}

func periodTypeQuery(c *gin.Context) models.PeriodType {
	if c.Query("period") == string(models.PeriodMonthly) {
		return models.PeriodMonthly
	}
	return models.PeriodWeekly
}

func limitQuery(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "12"))
	if err != nil {
		return 12
	}
	return limit
}
