package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sdms-sync-api/internal/models"
)

// UserMetricsReader reads per-user metrics rows.
type UserMetricsReader interface {
	ListForUser(ctx context.Context, userID int64, courseID *int64, periodType models.PeriodType, limit int) ([]models.UserMetrics, error)
}

// SchoolMetricsReader reads per-school roll-up rows.
type SchoolMetricsReader interface {
	ListForSchool(ctx context.Context, schoolID string, periodType models.PeriodType, limit int) ([]models.SchoolMetrics, error)
}

// MetricsQueryService serves the metrics read endpoints through a short-TTL
// cache. Readers always see committed aggregates; nothing here writes.
type MetricsQueryService struct {
	users    UserMetricsReader
	schools  SchoolMetricsReader
	cache    *CacheService
	cacheTTL time.Duration
	logger   *zap.Logger
}

// NewMetricsQueryService constructs a MetricsQueryService.
func NewMetricsQueryService(users UserMetricsReader, schools SchoolMetricsReader, cache *CacheService, cacheTTL time.Duration, logger *zap.Logger) *MetricsQueryService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cacheTTL <= 0 {
		cacheTTL = 10 * time.Minute
	}
	return &MetricsQueryService{users: users, schools: schools, cache: cache, cacheTTL: cacheTTL, logger: logger}
}

// UserMetrics returns recent metric rows for one user, most recent period
// first, optionally narrowed to one course.
func (s *MetricsQueryService) UserMetrics(ctx context.Context, userID int64, courseID *int64, periodType models.PeriodType, limit int) ([]models.UserMetrics, error) {
	if periodType == "" {
		periodType = models.PeriodWeekly
	}
	if limit <= 0 || limit > 52 {
		limit = 12
	}

	key := userMetricsCacheKey(userID, courseID, periodType, limit)
	var cached []models.UserMetrics
	if hit, err := s.cache.Get(ctx, key, &cached); err == nil && hit {
		return cached, nil
	}

	rows, err := s.users.ListForUser(ctx, userID, courseID, periodType, limit)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Set(ctx, key, rows, s.cacheTTL); err != nil {
		s.logger.Debug("user metrics cache write failed", zap.Error(err))
	}
	return rows, nil
}

// SchoolMetrics returns recent roll-up rows for one school.
func (s *MetricsQueryService) SchoolMetrics(ctx context.Context, schoolID string, periodType models.PeriodType, limit int) ([]models.SchoolMetrics, error) {
	if periodType == "" {
		periodType = models.PeriodWeekly
	}
	if limit <= 0 || limit > 52 {
		limit = 12
	}

	key := fmt.Sprintf("metrics:school:%s:%s:%d", schoolID, periodType, limit)
	var cached []models.SchoolMetrics
	if hit, err := s.cache.Get(ctx, key, &cached); err == nil && hit {
		return cached, nil
	}

	rows, err := s.schools.ListForSchool(ctx, schoolID, periodType, limit)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Set(ctx, key, rows, s.cacheTTL); err != nil {
		s.logger.Debug("school metrics cache write failed", zap.Error(err))
	}
	return rows, nil
}

// InvalidateAll drops every cached metrics payload. Called after batch and
// roll-up runs so readers never wait a full TTL for fresh aggregates.
func (s *MetricsQueryService) InvalidateAll(ctx context.Context) error {
	return s.cache.Invalidate(ctx, "metrics:*")
}

func userMetricsCacheKey(userID int64, courseID *int64, periodType models.PeriodType, limit int) string {
	course := "all"
	if courseID != nil {
		course = fmt.Sprintf("%d", *courseID)
	}
	return fmt.Sprintf("metrics:user:%d:%s:%s:%d", userID, course, periodType, limit)
}
